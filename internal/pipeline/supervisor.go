// Package pipeline supervises the extractor → remuxer subprocess pair that
// moves one video's bytes into the RTMP sink. It is a byte conduit with
// lifecycle management: the media stream itself never enters this process
// beyond the OS pipe between the children.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"livebot/internal/observability/metrics"
)

// ErrExhausted reports that every retry attempt failed.
var ErrExhausted = errors.New("pipeline retries exhausted")

// Job is one capture: the watch URL to pull and the RTMP path to push into.
type Job struct {
	VideoURL string
	RTMPPath string
}

// Result carries the final exit codes and how many attempts were spent.
// Success is both codes zero.
type Result struct {
	ExtractorExit int
	RemuxerExit   int
	Attempts      int
}

// Success reports whether both children exited cleanly.
func (r Result) Success() bool {
	return r.ExtractorExit == 0 && r.RemuxerExit == 0
}

// Supervisor runs pipeline jobs. One supervisor serves one channel's queue,
// so at most one pipeline is in flight per instance.
type Supervisor struct {
	ExtractorBin  string
	RemuxerBin    string
	MaxRetries    int
	ShutdownGrace time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// NewSupervisor wires a supervisor with the given binaries and retry budget.
func NewSupervisor(extractorBin, remuxerBin string, maxRetries int, grace time.Duration, logger *slog.Logger, recorder *metrics.Recorder) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Supervisor{
		ExtractorBin:  extractorBin,
		RemuxerBin:    remuxerBin,
		MaxRetries:    maxRetries,
		ShutdownGrace: grace,
		Logger:        logger,
		Metrics:       recorder,
	}
}

func extractorArgs(videoURL string) []string {
	return []string{
		"--hls-live-edge", "6",
		"--ringbuffer-size", "128M",
		"-4",
		"--stream-sorting-excludes", ">720p",
		"--default-stream", "best",
		"--url", videoURL,
		"-o", "-",
	}
}

func remuxerArgs(rtmpPath string) []string {
	return []string{
		"-re",
		"-hide_banner",
		"-nostats",
		"-v", "level+error",
		"-i", "-",
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "flv",
		"rtmp://127.0.0.1" + rtmpPath,
	}
}

// Run executes the pipeline for one job, retrying failed attempts up to the
// budget. On cancellation the remuxer is stopped first so it can flush, then
// the extractor; both are force-killed past the grace period.
func (s *Supervisor) Run(ctx context.Context, job Job) (Result, error) {
	attempts := s.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	logger := s.Logger.With("video_url", job.VideoURL)

	s.Metrics.PipelineStarted()

	var res Result
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt
		extExit, remExit, err := s.runOnce(ctx, job, logger)
		res.ExtractorExit = extExit
		res.RemuxerExit = remExit

		if err != nil {
			logger.Info("pipeline cancelled",
				"attempt", attempt, "extractor_exit", extExit, "remuxer_exit", remExit)
			s.Metrics.PipelineFinished(false)
			return res, err
		}
		if res.Success() {
			logger.Info("pipeline finished", "attempt", attempt)
			s.Metrics.PipelineFinished(true)
			return res, nil
		}
		logger.Warn("pipeline attempt failed",
			"attempt", attempt, "extractor_exit", extExit, "remuxer_exit", remExit)
		if attempt < attempts {
			s.Metrics.PipelineRetried()
		}
	}
	s.Metrics.PipelineFinished(false)
	return res, fmt.Errorf("%w after %d attempts (extractor=%d remuxer=%d)",
		ErrExhausted, res.Attempts, res.ExtractorExit, res.RemuxerExit)
}

// runOnce starts both children, wires the pipe, and waits for both to exit.
// Both children are reaped before it returns, whatever the path out.
func (s *Supervisor) runOnce(ctx context.Context, job Job, logger *slog.Logger) (int, int, error) {
	pipeRead, pipeWrite, err := os.Pipe()
	if err != nil {
		return -1, -1, fmt.Errorf("create pipe: %w", err)
	}

	extractor := exec.Command(s.ExtractorBin, extractorArgs(job.VideoURL)...)
	extractor.Stdout = pipeWrite
	extractorStderr, err := extractor.StderrPipe()
	if err != nil {
		pipeRead.Close()
		pipeWrite.Close()
		return -1, -1, fmt.Errorf("extractor stderr: %w", err)
	}

	remuxer := exec.Command(s.RemuxerBin, remuxerArgs(job.RTMPPath)...)
	remuxer.Stdin = pipeRead
	remuxerStderr, err := remuxer.StderrPipe()
	if err != nil {
		pipeRead.Close()
		pipeWrite.Close()
		return -1, -1, fmt.Errorf("remuxer stderr: %w", err)
	}

	if err := extractor.Start(); err != nil {
		pipeRead.Close()
		pipeWrite.Close()
		return -1, -1, fmt.Errorf("start extractor: %w", err)
	}
	if err := remuxer.Start(); err != nil {
		pipeRead.Close()
		pipeWrite.Close()
		extExit := s.stop(extractor, waitIn(extractor, extractorStderr, logger, "extractor"))
		return extExit, -1, fmt.Errorf("start remuxer: %w", err)
	}

	// The children own their pipe ends now. Holding the parent's copies open
	// would keep the remuxer's stdin from ever seeing EOF.
	pipeWrite.Close()
	pipeRead.Close()

	extractorDone := waitIn(extractor, extractorStderr, logger, "extractor")
	remuxerDone := waitIn(remuxer, remuxerStderr, logger, "remuxer")

	var extExit, remExit int
	select {
	case <-ctx.Done():
		remExit = s.stop(remuxer, remuxerDone)
		extExit = s.stop(extractor, extractorDone)
		return extExit, remExit, ctx.Err()

	case extExit = <-extractorDone:
		// Extractor gone; the remuxer drains its stdin to EOF and exits.
		select {
		case <-ctx.Done():
			remExit = s.stop(remuxer, remuxerDone)
			return extExit, remExit, ctx.Err()
		case remExit = <-remuxerDone:
			return extExit, remExit, nil
		}

	case remExit = <-remuxerDone:
		// Remuxer gone; the extractor's next write hits a closed pipe.
		select {
		case <-ctx.Done():
			extExit = s.stop(extractor, extractorDone)
			return extExit, remExit, ctx.Err()
		case extExit = <-extractorDone:
			return extExit, remExit, nil
		}
	}
}

// waitIn drains the child's stderr to the logger, then reaps it, delivering
// the exit code on the returned channel. Draining before Wait keeps the OS
// pipe buffer from filling and wedging the child.
func waitIn(cmd *exec.Cmd, stderr io.Reader, logger *slog.Logger, name string) <-chan int {
	done := make(chan int, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 64*1024)
		for scanner.Scan() {
			logger.Debug(name, "line", scanner.Text())
		}
		done <- exitCode(cmd.Wait())
	}()
	return done
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// stop terminates one child: SIGTERM, a bounded grace, then SIGKILL.
func (s *Supervisor) stop(cmd *exec.Cmd, done <-chan int) int {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	grace := s.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case code := <-done:
		return code
	case <-time.After(grace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return <-done
	}
}
