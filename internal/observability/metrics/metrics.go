package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for channel
// probes, monitor ticks, broadcast-state classification, the capture queue,
// and the streamlink/ffmpeg pipeline. It coordinates concurrent writers via a
// RWMutex while exposing thread-safe gauges for queue depth and in-flight
// pipelines.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	probeResults      map[string]uint64
	tickCount         uint64
	tickDuration      time.Duration
	videosByState     map[string]uint64
	queueDepth        atomic.Int64
	busyWaits         uint64
	statusChecks      map[string]uint64
	pipelineEvents    map[PipelineLabel]uint64
	activePipelines   atomic.Int64
	lastTickUnix      atomic.Int64
	newVideosObserved uint64
}

// PipelineLabel identifies a pipeline lifecycle event by stage and outcome.
type PipelineLabel struct {
	Stage  string
	Status string
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		probeResults:    make(map[string]uint64),
		videosByState:   make(map[string]uint64),
		statusChecks:    make(map[string]uint64),
		pipelineEvents:  make(map[PipelineLabel]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   path,
		status: strconv.Itoa(status),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
}

// ObserveProbe records the outcome of one channel probe: "ok", "empty", or
// "error".
func (r *Recorder) ObserveProbe(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probeResults[result]++
}

// ObserveTick records one completed monitor tick and its duration.
func (r *Recorder) ObserveTick(duration time.Duration, newVideos int) {
	r.mu.Lock()
	r.tickCount++
	r.tickDuration += duration
	if newVideos > 0 {
		r.newVideosObserved += uint64(newVideos)
	}
	r.mu.Unlock()
	r.lastTickUnix.Store(time.Now().Unix())
}

// ObserveClassification counts a classified candidate by broadcast state.
func (r *Recorder) ObserveClassification(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.videosByState[state]++
}

// QueueDepthAdd adjusts the capture queue depth gauge.
func (r *Recorder) QueueDepthAdd(delta int64) {
	r.queueDepth.Add(delta)
}

// QueueDepth reports the current capture queue depth.
func (r *Recorder) QueueDepth() int64 {
	return r.queueDepth.Load()
}

// ObserveBusyWait counts one drain pause caused by the ingest busy signal.
func (r *Recorder) ObserveBusyWait() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busyWaits++
}

// ObserveStatusCheck counts one ingest-status call by result: "busy", "free",
// or "error".
func (r *Recorder) ObserveStatusCheck(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusChecks[result]++
}

// PipelineStarted marks a pipeline attempt as in flight.
func (r *Recorder) PipelineStarted() {
	r.activePipelines.Add(1)
	r.observePipeline(PipelineLabel{Stage: "pipeline", Status: "started"})
}

// PipelineFinished records the terminal outcome of a pipeline run.
func (r *Recorder) PipelineFinished(success bool) {
	r.activePipelines.Add(-1)
	status := "failure"
	if success {
		status = "success"
	}
	r.observePipeline(PipelineLabel{Stage: "pipeline", Status: status})
}

// PipelineRetried counts one pipeline restart after a failed attempt.
func (r *Recorder) PipelineRetried() {
	r.observePipeline(PipelineLabel{Stage: "pipeline", Status: "retry"})
}

func (r *Recorder) observePipeline(label PipelineLabel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelineEvents[label]++
}

// Snapshot is a point-in-time copy of the recorder state consumed by the
// status endpoint.
type Snapshot struct {
	Ticks           uint64            `json:"ticks"`
	LastTickUnix    int64             `json:"lastTickUnix"`
	NewVideos       uint64            `json:"newVideos"`
	QueueDepth      int64             `json:"queueDepth"`
	ActivePipelines int64             `json:"activePipelines"`
	BusyWaits       uint64            `json:"busyWaits"`
	ProbeResults    map[string]uint64 `json:"probeResults"`
	VideosByState   map[string]uint64 `json:"videosByState"`
	StatusChecks    map[string]uint64 `json:"statusChecks"`
}

// TakeSnapshot copies the current counters into a Snapshot.
func (r *Recorder) TakeSnapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		Ticks:           r.tickCount,
		LastTickUnix:    r.lastTickUnix.Load(),
		NewVideos:       r.newVideosObserved,
		QueueDepth:      r.queueDepth.Load(),
		ActivePipelines: r.activePipelines.Load(),
		BusyWaits:       r.busyWaits,
		ProbeResults:    make(map[string]uint64, len(r.probeResults)),
		VideosByState:   make(map[string]uint64, len(r.videosByState)),
		StatusChecks:    make(map[string]uint64, len(r.statusChecks)),
	}
	for k, v := range r.probeResults {
		snap.ProbeResults[k] = v
	}
	for k, v := range r.videosByState {
		snap.VideosByState[k] = v
	}
	for k, v := range r.statusChecks {
		snap.StatusChecks[k] = v
	}
	return snap
}

// Write renders all counters in the Prometheus text exposition format.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	probeResults := sortedKeys(r.probeResults)
	states := sortedKeys(r.videosByState)
	statusChecks := sortedKeys(r.statusChecks)
	pipelineLabels := r.sortedPipelineLabels()

	fmt.Fprintln(w, "# HELP livebot_http_requests_total Total number of HTTP requests served by the status endpoint")
	fmt.Fprintln(w, "# TYPE livebot_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "livebot_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP livebot_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE livebot_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "livebot_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP livebot_probe_results_total Channel probe outcomes by result")
	fmt.Fprintln(w, "# TYPE livebot_probe_results_total counter")
	for _, result := range probeResults {
		fmt.Fprintf(w, "livebot_probe_results_total{result=\"%s\"} %d\n", result, r.probeResults[result])
	}

	fmt.Fprintln(w, "# HELP livebot_ticks_total Completed monitor ticks")
	fmt.Fprintln(w, "# TYPE livebot_ticks_total counter")
	fmt.Fprintf(w, "livebot_ticks_total %d\n", r.tickCount)

	fmt.Fprintln(w, "# HELP livebot_tick_duration_seconds_sum Cumulative monitor tick duration in seconds")
	fmt.Fprintln(w, "# TYPE livebot_tick_duration_seconds_sum counter")
	fmt.Fprintf(w, "livebot_tick_duration_seconds_sum %f\n", r.tickDuration.Seconds())

	fmt.Fprintln(w, "# HELP livebot_new_videos_total New video IDs observed after the seed tick")
	fmt.Fprintln(w, "# TYPE livebot_new_videos_total counter")
	fmt.Fprintf(w, "livebot_new_videos_total %d\n", r.newVideosObserved)

	fmt.Fprintln(w, "# HELP livebot_videos_by_state_total Classified candidates by broadcast state")
	fmt.Fprintln(w, "# TYPE livebot_videos_by_state_total counter")
	for _, state := range states {
		fmt.Fprintf(w, "livebot_videos_by_state_total{state=\"%s\"} %d\n", state, r.videosByState[state])
	}

	fmt.Fprintln(w, "# HELP livebot_queue_depth Current number of jobs waiting in the capture queue")
	fmt.Fprintln(w, "# TYPE livebot_queue_depth gauge")
	fmt.Fprintf(w, "livebot_queue_depth %d\n", r.queueDepth.Load())

	fmt.Fprintln(w, "# HELP livebot_busy_waits_total Drain pauses caused by the ingest busy signal")
	fmt.Fprintln(w, "# TYPE livebot_busy_waits_total counter")
	fmt.Fprintf(w, "livebot_busy_waits_total %d\n", r.busyWaits)

	fmt.Fprintln(w, "# HELP livebot_status_checks_total Ingest status calls by result")
	fmt.Fprintln(w, "# TYPE livebot_status_checks_total counter")
	for _, result := range statusChecks {
		fmt.Fprintf(w, "livebot_status_checks_total{result=\"%s\"} %d\n", result, r.statusChecks[result])
	}

	fmt.Fprintln(w, "# HELP livebot_pipeline_events_total Pipeline lifecycle events by status")
	fmt.Fprintln(w, "# TYPE livebot_pipeline_events_total counter")
	for _, label := range pipelineLabels {
		fmt.Fprintf(w, "livebot_pipeline_events_total{stage=\"%s\",status=\"%s\"} %d\n", label.Stage, label.Status, r.pipelineEvents[label])
	}

	fmt.Fprintln(w, "# HELP livebot_active_pipelines Current number of in-flight pipeline supervisions")
	fmt.Fprintln(w, "# TYPE livebot_active_pipelines gauge")
	fmt.Fprintf(w, "livebot_active_pipelines %d\n", r.activePipelines.Load())
}

// Handler exposes the recorder in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedPipelineLabels() []PipelineLabel {
	labels := make([]PipelineLabel, 0, len(r.pipelineEvents))
	for label := range r.pipelineEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Stage != labels[j].Stage {
			return labels[i].Stage < labels[j].Stage
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
