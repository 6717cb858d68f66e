package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"livebot/internal/observability/metrics"
	"livebot/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedDepth int

func (d fixedDepth) Depth() int { return int(d) }

func newTestHandler(t *testing.T) (http.Handler, *store.MemoryStore, *metrics.Recorder) {
	t.Helper()
	st := store.NewMemoryStore()
	rec := metrics.New()
	handler := NewHandler(Options{
		ChannelID:   3,
		ChannelName: "main",
		Queue:       fixedDepth(2),
		Store:       st,
		Logger:      discardLogger(),
		Metrics:     rec,
	})
	return handler, st, rec
}

func TestHealthz(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", recorder.Code)
	}
	if recorder.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected generated request id header")
	}
}

func TestStatusEndpoint(t *testing.T) {
	handler, st, _ := newTestHandler(t)
	ctx := context.Background()
	if err := st.AddSeen(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("AddSeen: %v", err)
	}
	if err := st.AddNotified(ctx, map[string]int64{"a": 1700000000}); err != nil {
		t.Fatalf("AddNotified: %v", err)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status code = %d, body %s", recorder.Code, recorder.Body.String())
	}

	var payload struct {
		ChannelID   int              `json:"channelId"`
		ChannelName string           `json:"channelName"`
		QueueDepth  int              `json:"queueDepth"`
		SeenCount   int              `json:"seenCount"`
		Notified    map[string]int64 `json:"notified"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode status payload: %v", err)
	}
	if payload.ChannelID != 3 || payload.ChannelName != "main" {
		t.Fatalf("unexpected channel identity %+v", payload)
	}
	if payload.QueueDepth != 2 || payload.SeenCount != 2 {
		t.Fatalf("unexpected counters %+v", payload)
	}
	if payload.Notified["a"] != 1700000000 {
		t.Fatalf("unexpected notified map %v", payload.Notified)
	}
}

func TestStatusRejectsPost(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/status", nil))
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", recorder.Code)
	}
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	handler, _, rec := newTestHandler(t)
	rec.ObserveProbe("ok")

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", recorder.Code)
	}
	body := recorder.Body.String()
	if !strings.Contains(body, `livebot_probe_results_total{result="ok"} 1`) {
		t.Fatalf("metrics body missing probe counter:\n%s", body)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "fixed-id")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	if got := recorder.Header().Get("X-Request-Id"); got != "fixed-id" {
		t.Fatalf("request id not propagated, got %q", got)
	}
}
