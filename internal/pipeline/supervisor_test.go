package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"livebot/internal/observability/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

func newTestSupervisor(extractor, remuxer string, retries int) *Supervisor {
	return NewSupervisor(extractor, remuxer, retries, 2*time.Second, discardLogger(), metrics.New())
}

func TestRunSuccess(t *testing.T) {
	dir := t.TempDir()
	extractor := writeScript(t, dir, "extractor", `echo "stream bytes"; exit 0`)
	remuxer := writeScript(t, dir, "remuxer", `cat > /dev/null; exit 0`)

	s := newTestSupervisor(extractor, remuxer, 3)
	res, err := s.Run(context.Background(), Job{VideoURL: "https://www.youtube.com/watch?v=a", RTMPPath: "/live/test"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success() || res.Attempts != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunPipesExtractorOutputToRemuxer(t *testing.T) {
	dir := t.TempDir()
	sink := filepath.Join(dir, "sink")
	extractor := writeScript(t, dir, "extractor", `printf 'payload-bytes'; exit 0`)
	remuxer := writeScript(t, dir, "remuxer", `cat > `+sink+`; exit 0`)

	s := newTestSupervisor(extractor, remuxer, 1)
	res, err := s.Run(context.Background(), Job{VideoURL: "u", RTMPPath: "/live/test"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success() {
		t.Fatalf("unexpected result %+v", res)
	}
	got, err := os.ReadFile(sink)
	if err != nil {
		t.Fatalf("read sink: %v", err)
	}
	if string(got) != "payload-bytes" {
		t.Fatalf("remuxer saw %q, want payload-bytes", got)
	}
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "attempted")
	extractor := writeScript(t, dir, "extractor",
		`if [ ! -f `+marker+` ]; then touch `+marker+`; exit 1; fi
echo ok; exit 0`)
	remuxer := writeScript(t, dir, "remuxer", `cat > /dev/null; exit 0`)

	s := newTestSupervisor(extractor, remuxer, 3)
	res, err := s.Run(context.Background(), Job{VideoURL: "u", RTMPPath: "/live/test"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success() || res.Attempts != 2 {
		t.Fatalf("expected success on attempt 2, got %+v", res)
	}
}

func TestRunExhaustsRetries(t *testing.T) {
	dir := t.TempDir()
	extractor := writeScript(t, dir, "extractor", `exit 7`)
	remuxer := writeScript(t, dir, "remuxer", `cat > /dev/null; exit 0`)

	s := newTestSupervisor(extractor, remuxer, 3)
	res, err := s.Run(context.Background(), Job{VideoURL: "u", RTMPPath: "/live/test"})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if res.Attempts != 3 || res.ExtractorExit != 7 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunCancelTerminatesChildren(t *testing.T) {
	dir := t.TempDir()
	extractor := writeScript(t, dir, "extractor", `exec sleep 30`)
	remuxer := writeScript(t, dir, "remuxer", `exec cat > /dev/null`)

	s := newTestSupervisor(extractor, remuxer, 3)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := s.Run(ctx, Job{VideoURL: "u", RTMPPath: "/live/test"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("children not reaped promptly, took %s", elapsed)
	}
}

func TestExtractorArgvContract(t *testing.T) {
	dir := t.TempDir()
	argLog := filepath.Join(dir, "args")
	extractor := writeScript(t, dir, "extractor", `echo "$@" > `+argLog+`; exit 0`)
	remuxer := writeScript(t, dir, "remuxer", `cat > /dev/null; exit 0`)

	s := newTestSupervisor(extractor, remuxer, 1)
	if _, err := s.Run(context.Background(), Job{VideoURL: "https://www.youtube.com/watch?v=x", RTMPPath: "/live/test"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	raw, err := os.ReadFile(argLog)
	if err != nil {
		t.Fatalf("read arg log: %v", err)
	}
	got := strings.TrimSpace(string(raw))
	want := "--hls-live-edge 6 --ringbuffer-size 128M -4 --stream-sorting-excludes >720p --default-stream best --url https://www.youtube.com/watch?v=x -o -"
	if got != want {
		t.Fatalf("extractor argv = %q, want %q", got, want)
	}
}

func TestRemuxerArgvContract(t *testing.T) {
	dir := t.TempDir()
	argLog := filepath.Join(dir, "args")
	extractor := writeScript(t, dir, "extractor", `exit 0`)
	remuxer := writeScript(t, dir, "remuxer", `echo "$@" > `+argLog+`; cat > /dev/null; exit 0`)

	s := newTestSupervisor(extractor, remuxer, 1)
	if _, err := s.Run(context.Background(), Job{VideoURL: "u", RTMPPath: "/live/custom"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	raw, err := os.ReadFile(argLog)
	if err != nil {
		t.Fatalf("read arg log: %v", err)
	}
	got := strings.TrimSpace(string(raw))
	want := "-re -hide_banner -nostats -v level+error -i - -c:v copy -c:a copy -f flv rtmp://127.0.0.1/live/custom"
	if got != want {
		t.Fatalf("remuxer argv = %q, want %q", got, want)
	}
}
