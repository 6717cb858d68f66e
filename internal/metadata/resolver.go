package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"golang.org/x/time/rate"
)

// Resolver fetches the metadata record for a single video.
type Resolver interface {
	Resolve(ctx context.Context, videoID string) (Record, error)
}

// RunOutput executes the named binary and returns its standard output.
type RunOutput func(ctx context.Context, bin string, args ...string) ([]byte, error)

func execOutput(ctx context.Context, bin string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, bin, args...).Output()
}

// CommandResolver shells out for a full single-video JSON dump, pacing calls
// through a limiter so a large delta cannot stampede the upstream.
type CommandResolver struct {
	Bin     string
	Timeout time.Duration
	Limiter *rate.Limiter
	Logger  *slog.Logger
	Run     RunOutput
}

// NewCommandResolver builds a resolver around the given extractor binary,
// allowing callsPerSecond sustained with the given burst.
func NewCommandResolver(bin string, timeout time.Duration, callsPerSecond float64, burst int, logger *slog.Logger) *CommandResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}
	return &CommandResolver{
		Bin:     bin,
		Timeout: timeout,
		Limiter: rate.NewLimiter(rate.Limit(callsPerSecond), burst),
		Logger:  logger,
		Run:     execOutput,
	}
}

// Resolve fetches and decodes one video's metadata record.
func (r *CommandResolver) Resolve(ctx context.Context, videoID string) (Record, error) {
	if r.Limiter != nil {
		if err := r.Limiter.Wait(ctx); err != nil {
			return Record{}, fmt.Errorf("rate wait for %s: %w", videoID, err)
		}
	}
	run := r.Run
	if run == nil {
		run = execOutput
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	out, err := run(ctx, r.Bin, "-J", WatchURL(videoID))
	if err != nil {
		return Record{}, fmt.Errorf("resolve %s: %w", videoID, err)
	}
	var rec Record
	if err := json.Unmarshal(out, &rec); err != nil {
		return Record{}, fmt.Errorf("parse metadata for %s: %w", videoID, err)
	}
	if rec.ID == "" {
		rec.ID = videoID
	}
	r.Logger.Debug("metadata resolved", "video_id", videoID, "live_status", rec.LiveStatus)
	return rec, nil
}
