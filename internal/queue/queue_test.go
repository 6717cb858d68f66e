package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livebot/internal/observability/metrics"
	"livebot/internal/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStatus struct {
	busy  atomic.Bool
	calls atomic.Int64
}

func (f *fakeStatus) IsIngesting(ctx context.Context) bool {
	f.calls.Add(1)
	return f.busy.Load()
}

type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	done    chan string
	active  atomic.Int64
	maxSeen atomic.Int64
	delay   time.Duration
	err     error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{done: make(chan string, 64)}
}

func (f *fakeRunner) Run(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	cur := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.ran = append(f.ran, job.VideoURL)
	f.mu.Unlock()
	f.done <- job.VideoURL
	return pipeline.Result{Attempts: 1}, f.err
}

func waitForJobs(t *testing.T, runner *fakeRunner, n int) []string {
	t.Helper()
	var got []string
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case url := <-runner.done:
			got = append(got, url)
		case <-deadline:
			t.Fatalf("timed out waiting for %d jobs, got %v", n, got)
		}
	}
	return got
}

func TestQueueDrainsFIFO(t *testing.T) {
	status := &fakeStatus{}
	runner := newFakeRunner()
	q := New(status, runner, 10*time.Millisecond, discardLogger(), metrics.New())

	ctx := context.Background()
	for _, url := range []string{"u1", "u2", "u3"} {
		q.Add(ctx, pipeline.Job{VideoURL: url, RTMPPath: "/live/test"})
	}

	got := waitForJobs(t, runner, 3)
	for i, want := range []string{"u1", "u2", "u3"} {
		if got[i] != want {
			t.Fatalf("drain order %v, want FIFO", got)
		}
	}
	q.Wait()
	if q.Depth() != 0 {
		t.Fatalf("expected empty queue, depth %d", q.Depth())
	}
}

func TestQueueWaitsWhileIngestBusy(t *testing.T) {
	status := &fakeStatus{}
	status.busy.Store(true)
	runner := newFakeRunner()
	q := New(status, runner, 5*time.Millisecond, discardLogger(), metrics.New())

	q.Add(context.Background(), pipeline.Job{VideoURL: "u1"})

	// The job must not start while the signal is busy.
	time.Sleep(30 * time.Millisecond)
	if len(runner.done) != 0 {
		t.Fatal("job ran while ingest was busy")
	}

	status.busy.Store(false)
	waitForJobs(t, runner, 1)
	if status.calls.Load() < 2 {
		t.Fatalf("expected repeated status checks, got %d", status.calls.Load())
	}
}

func TestQueueSingleDrain(t *testing.T) {
	status := &fakeStatus{}
	runner := newFakeRunner()
	runner.delay = 10 * time.Millisecond
	q := New(status, runner, time.Millisecond, discardLogger(), metrics.New())

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Add(ctx, pipeline.Job{VideoURL: "u"})
		}()
	}
	wg.Wait()

	waitForJobs(t, runner, 8)
	if max := runner.maxSeen.Load(); max > 1 {
		t.Fatalf("observed %d concurrent runs, queue must serialize", max)
	}
}

func TestQueueDrainRestartsAfterEmpty(t *testing.T) {
	status := &fakeStatus{}
	runner := newFakeRunner()
	q := New(status, runner, time.Millisecond, discardLogger(), metrics.New())

	ctx := context.Background()
	q.Add(ctx, pipeline.Job{VideoURL: "first"})
	waitForJobs(t, runner, 1)
	q.Wait()

	// The drain exited on empty; a new add must restart it.
	q.Add(ctx, pipeline.Job{VideoURL: "second"})
	got := waitForJobs(t, runner, 1)
	if got[0] != "second" {
		t.Fatalf("expected second job after drain restart, got %v", got)
	}
}

func TestQueueExitsOnCancelWhileBusy(t *testing.T) {
	status := &fakeStatus{}
	status.busy.Store(true)
	runner := newFakeRunner()
	q := New(status, runner, time.Millisecond, discardLogger(), metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	q.Add(ctx, pipeline.Job{VideoURL: "u1"})
	time.Sleep(10 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		q.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not exit after cancellation")
	}
	if len(runner.done) != 0 {
		t.Fatal("job ran despite busy signal and cancellation")
	}
}

func TestQueueFailedJobDoesNotStopDrain(t *testing.T) {
	status := &fakeStatus{}
	runner := newFakeRunner()
	runner.err = pipeline.ErrExhausted
	q := New(status, runner, time.Millisecond, discardLogger(), metrics.New())

	ctx := context.Background()
	q.Add(ctx, pipeline.Job{VideoURL: "u1"})
	q.Add(ctx, pipeline.Job{VideoURL: "u2"})
	got := waitForJobs(t, runner, 2)
	if len(got) != 2 {
		t.Fatalf("expected both jobs attempted, got %v", got)
	}
}
