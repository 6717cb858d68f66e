// Package queue serializes capture jobs: a FIFO with a single drain
// goroutine that defers to the external ingest-busy signal before each job.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"livebot/internal/ingestapi"
	"livebot/internal/observability/metrics"
	"livebot/internal/pipeline"
)

// Runner executes one capture job to completion.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

// CaptureQueue holds pending jobs for one channel. Producers append; a lazily
// started drain goroutine pops and runs them one at a time. At most one drain
// is live; the guard flag is only touched under the queue mutex so a burst of
// adds around drain exit cannot spawn a second one.
type CaptureQueue struct {
	status   ingestapi.StatusChecker
	runner   Runner
	busyWait time.Duration
	logger   *slog.Logger
	metrics  *metrics.Recorder

	mu       sync.Mutex
	jobs     []pipeline.Job
	draining bool
	wg       sync.WaitGroup
}

// New builds an empty queue.
func New(status ingestapi.StatusChecker, runner Runner, busyWait time.Duration, logger *slog.Logger, recorder *metrics.Recorder) *CaptureQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &CaptureQueue{
		status:   status,
		runner:   runner,
		busyWait: busyWait,
		logger:   logger,
		metrics:  recorder,
	}
}

// Add appends a job and starts the drain if none is running. The context
// outlives the call: it bounds the drain goroutine this add may spawn.
func (q *CaptureQueue) Add(ctx context.Context, job pipeline.Job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.metrics.QueueDepthAdd(1)
	startDrain := !q.draining
	if startDrain {
		q.draining = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	q.logger.Info("job queued", "video_url", job.VideoURL, "depth", q.Depth())
	if startDrain {
		go q.drain(ctx)
	}
}

// Depth reports the number of jobs waiting (not counting one in flight).
func (q *CaptureQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Wait blocks until the current drain goroutine, if any, has exited.
func (q *CaptureQueue) Wait() {
	q.wg.Wait()
}

func (q *CaptureQueue) drain(ctx context.Context) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			q.stopDraining()
			return
		}

		if q.status.IsIngesting(ctx) {
			q.metrics.ObserveBusyWait()
			q.logger.Info("ingest busy, waiting", "pause", q.busyWait)
			if !q.sleep(ctx) {
				q.stopDraining()
				return
			}
			continue
		}

		job, ok := q.pop()
		if !ok {
			return
		}

		res, err := q.runner.Run(ctx, job)
		switch {
		case err == nil:
			q.logger.Info("capture finished",
				"video_url", job.VideoURL,
				"attempts", res.Attempts)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			q.logger.Info("capture cancelled", "video_url", job.VideoURL)
			q.stopDraining()
			return
		case errors.Is(err, pipeline.ErrExhausted):
			q.logger.Warn("capture failed, job dropped",
				"video_url", job.VideoURL,
				"attempts", res.Attempts,
				"extractor_exit", res.ExtractorExit,
				"remuxer_exit", res.RemuxerExit)
		default:
			q.logger.Error("capture error", "video_url", job.VideoURL, "error", err)
			if !q.sleep(ctx) {
				q.stopDraining()
				return
			}
		}
	}
}

// pop removes the oldest job. When the queue is empty it clears the drain
// guard in the same critical section, so the next Add observes an idle queue
// and starts a fresh drain.
func (q *CaptureQueue) pop() (pipeline.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		q.draining = false
		return pipeline.Job{}, false
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.metrics.QueueDepthAdd(-1)
	return job, true
}

func (q *CaptureQueue) stopDraining() {
	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
}

// sleep pauses for the busy-wait interval, reporting false on cancellation.
func (q *CaptureQueue) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(q.busyWait):
		return true
	}
}
