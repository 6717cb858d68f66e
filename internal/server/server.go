// Package server exposes the optional operational endpoint: health, metrics
// in text exposition format, and a JSON status snapshot of the channel.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"livebot/internal/observability/logging"
	"livebot/internal/observability/metrics"
	"livebot/internal/store"
)

// DepthReporter is the queue's surface here: how many jobs are waiting.
type DepthReporter interface {
	Depth() int
}

// Options wires the handler.
type Options struct {
	ChannelID   int
	ChannelName string
	Queue       DepthReporter
	Store       store.Store
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

type statusPayload struct {
	ChannelID   int              `json:"channelId"`
	ChannelName string           `json:"channelName,omitempty"`
	QueueDepth  int              `json:"queueDepth"`
	SeenCount   int              `json:"seenCount"`
	Notified    map[string]int64 `json:"notified"`
	Metrics     metrics.Snapshot `json:"metrics"`
}

// NewHandler builds the routed handler with request-id, request-log, and
// metrics middleware applied.
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeStatus(r.Context(), w, opts, recorder, logger)
	})

	var handler http.Handler = mux
	handler = metrics.Middleware(recorder, handler)
	handler = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(handler)
	handler = requestIDMiddleware(logger, opts.ChannelID, handler)
	return handler
}

func writeStatus(ctx context.Context, w http.ResponseWriter, opts Options, recorder *metrics.Recorder, logger *slog.Logger) {
	payload := statusPayload{
		ChannelID:   opts.ChannelID,
		ChannelName: opts.ChannelName,
		Notified:    map[string]int64{},
		Metrics:     recorder.TakeSnapshot(),
	}
	if opts.Queue != nil {
		payload.QueueDepth = opts.Queue.Depth()
	}
	if opts.Store != nil {
		snap, err := opts.Store.Snapshot(ctx)
		if err != nil {
			if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
				logger = ctxLogger
			}
			logger.Error("status snapshot failed", "error", err)
			http.Error(w, "snapshot failed", http.StatusInternalServerError)
			return
		}
		payload.SeenCount = len(snap.Seen)
		payload.Notified = snap.Notified
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}
