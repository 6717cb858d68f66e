// Package discovery finds the video IDs currently visible on a channel's
// listing. One probe is a single flat-playlist extraction; the scheduler fans
// probes out across many channel URLs under a bounded concurrency.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"livebot/internal/observability/metrics"
)

// Entry is one row of a channel listing: the video ID plus the coarse live
// hint the flat extraction carries. LiveStatus may be empty.
type Entry struct {
	ID         string `json:"id"`
	LiveStatus string `json:"live_status"`
}

// Prober extracts the entries currently visible on one channel URL.
type Prober interface {
	Probe(ctx context.Context, channelURL string) ([]Entry, error)
}

type flatListing struct {
	Entries []*Entry `json:"entries"`
}

// RunOutput executes the named binary and returns its standard output. It is
// a seam for tests; the default implementation shells out.
type RunOutput func(ctx context.Context, bin string, args ...string) ([]byte, error)

func execOutput(ctx context.Context, bin string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, bin, args...).Output()
}

// CommandProber shells out to the extractor for a single flat-playlist dump
// of the channel page. Probe failures are reported to the caller; the
// scheduler is responsible for isolating them.
type CommandProber struct {
	Bin     string
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Run     RunOutput
}

// NewCommandProber builds a prober around the given extractor binary.
func NewCommandProber(bin string, timeout time.Duration, logger *slog.Logger, recorder *metrics.Recorder) *CommandProber {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &CommandProber{Bin: bin, Timeout: timeout, Logger: logger, Metrics: recorder, Run: execOutput}
}

// Probe lists the entries on one channel URL. A null or missing entries array
// yields an empty slice, not an error.
func (p *CommandProber) Probe(ctx context.Context, channelURL string) ([]Entry, error) {
	run := p.Run
	if run == nil {
		run = execOutput
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	args := []string{"-J", "--flat-playlist", "--skip-download", channelURL}
	out, err := run(ctx, p.Bin, args...)
	if err != nil {
		p.Metrics.ObserveProbe("error")
		return nil, fmt.Errorf("probe %s: %w", channelURL, err)
	}

	var listing flatListing
	if err := json.Unmarshal(out, &listing); err != nil {
		p.Metrics.ObserveProbe("error")
		return nil, fmt.Errorf("parse listing for %s: %w", channelURL, err)
	}

	entries := make([]Entry, 0, len(listing.Entries))
	for _, e := range listing.Entries {
		if e == nil || e.ID == "" {
			continue
		}
		entries = append(entries, *e)
	}
	if len(entries) == 0 {
		p.Metrics.ObserveProbe("empty")
	} else {
		p.Metrics.ObserveProbe("ok")
	}
	p.Logger.Debug("probe complete", "url", channelURL, "videos", len(entries))
	return entries, nil
}

// NormalizeURL reduces a channel URL to scheme + host + path with the
// trailing slash stripped, and rejects hosts outside the video platform.
func NormalizeURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse channel URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("channel URL %q lacks scheme or host", raw)
	}
	host := strings.ToLower(parsed.Hostname())
	if host != "youtube.com" && !strings.HasSuffix(host, ".youtube.com") {
		return "", fmt.Errorf("host %q is not a youtube.com host", parsed.Hostname())
	}
	clean := parsed.Scheme + "://" + parsed.Host + parsed.Path
	return strings.TrimRight(clean, "/"), nil
}

// ValidateURLs normalizes every URL and drops the invalid ones, logging each
// rejection. Order is preserved and duplicates collapse.
func ValidateURLs(raw []string, logger *slog.Logger) []string {
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, candidate := range raw {
		clean, err := NormalizeURL(candidate)
		if err != nil {
			logger.Warn("dropping invalid channel URL", "url", candidate, "error", err)
			continue
		}
		if _, dup := seen[clean]; dup {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
	}
	return out
}
