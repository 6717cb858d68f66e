// Package monitor owns the polling tick: it drives discovery across a
// channel's URLs, separates first sight from genuinely new, classifies
// candidates, and hands ingestible ones to the capture queue.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"livebot/internal/discovery"
	"livebot/internal/metadata"
	"livebot/internal/observability/metrics"
	"livebot/internal/pipeline"
	"livebot/internal/store"
)

// Discoverer is the fan-out scheduler's surface.
type Discoverer interface {
	Run(ctx context.Context, urls []string) (map[string]discovery.Entry, error)
}

// Enqueuer accepts capture jobs.
type Enqueuer interface {
	Add(ctx context.Context, job pipeline.Job)
}

// Options wires a Service.
type Options struct {
	ChannelID    int
	ChannelName  string
	URLs         []string
	PollInterval time.Duration
	RTMPPath     string
	Discoverer   Discoverer
	Resolver     metadata.Resolver
	Store        store.Store
	Queue        Enqueuer
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	Now          func() time.Time
}

// Service runs the tick loop for one channel. The service is the store's only
// writer; in-memory Seen/Notified stay authoritative when a write fails and
// the next successful write reconciles.
type Service struct {
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
	seen     map[string]struct{}
	notified map[string]int64
	seeded   bool
}

// New builds a Service and loads the persisted sets. A load failure is fatal:
// monitoring without the seen set would re-capture the channel's backlog.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	seen, err := opts.Store.LoadSeen(ctx)
	if err != nil {
		return nil, fmt.Errorf("load seen set: %w", err)
	}
	notified, err := opts.Store.LoadNotified(ctx)
	if err != nil {
		return nil, fmt.Errorf("load notified set: %w", err)
	}
	logger := opts.Logger.With("channel_id", opts.ChannelID)
	if opts.ChannelName != "" {
		logger = logger.With("channel_name", opts.ChannelName)
	}
	return &Service{
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		seen:     seen,
		notified: notified,
	}, nil
}

// SeenCount reports the size of the in-memory seen set.
func (s *Service) SeenCount() int { return len(s.seen) }

// NotifiedCount reports the size of the in-memory notified set.
func (s *Service) NotifiedCount() int { return len(s.notified) }

// Run executes ticks until the context is cancelled. Every tick is
// self-contained; no failure inside one aborts the loop.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("monitor started",
		"urls", len(s.opts.URLs),
		"poll_interval", s.opts.PollInterval,
		"seen", len(s.seen))
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("monitor stopped")
			return ctx.Err()
		case <-time.After(s.opts.PollInterval):
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	start := s.now()
	entries, err := s.opts.Discoverer.Run(ctx, s.opts.URLs)
	if err != nil {
		s.logger.Warn("discovery incomplete", "error", err)
	}
	if ctx.Err() != nil {
		return
	}

	if !s.seeded {
		s.seed(ctx, entries)
		s.metrics.ObserveTick(s.now().Sub(start), 0)
		return
	}

	newIDs := make([]string, 0)
	for id := range entries {
		if _, known := s.seen[id]; !known {
			newIDs = append(newIDs, id)
		}
	}
	sort.Strings(newIDs)

	pending := make(map[string]int64)
	for _, id := range newIDs {
		if ctx.Err() != nil {
			return
		}
		if ts, dispatched := s.dispatch(ctx, id); dispatched {
			pending[id] = ts
		}
	}

	for _, id := range newIDs {
		s.seen[id] = struct{}{}
	}
	for id, ts := range pending {
		s.notified[id] = ts
	}
	s.persist(ctx, newIDs, pending)

	s.metrics.ObserveTick(s.now().Sub(start), len(newIDs))
	if len(newIDs) > 0 {
		s.logger.Info("tick complete", "new", len(newIDs), "dispatched", len(pending))
	} else {
		s.logger.Debug("tick complete, nothing new")
	}
}

// seed declares everything currently visible as already known, suppressing
// the cold-start flood. Nothing is enqueued; live hints are only logged.
func (s *Service) seed(ctx context.Context, entries map[string]discovery.Entry) {
	ids := make([]string, 0, len(entries))
	for id, entry := range entries {
		ids = append(ids, id)
		if entry.LiveStatus == "is_live" {
			s.logger.Debug("seed entry currently live", "video_id", id, "url", metadata.WatchURL(id))
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.seen[id] = struct{}{}
	}
	if err := s.opts.Store.AddSeen(ctx, ids); err != nil {
		s.logger.Error("seed persist failed", "error", err)
	}
	s.seeded = true
	s.logger.Info("seed tick complete", "seen", len(ids))
}

// dispatch resolves and classifies one candidate, enqueueing it unless it is
// scheduled for the future. The returned timestamp is the notified commit
// time; dispatched is false when the video must not be marked notified.
func (s *Service) dispatch(ctx context.Context, id string) (int64, bool) {
	logger := s.logger.With("video_id", id)
	rec, err := s.opts.Resolver.Resolve(ctx, id)
	if err != nil {
		logger.Warn("metadata resolution failed", "error", err)
		return 0, false
	}
	nowUnix := s.now().Unix()
	state := metadata.Classify(rec, nowUnix)
	s.metrics.ObserveClassification(string(state))
	release := int64(rec.ReleaseTS)

	if state == metadata.StateUpcomingScheduled && release > nowUnix {
		logger.Info("scheduled for the future, not enqueueing",
			"state", string(state),
			"scheduled_at", time.Unix(release, 0).UTC().Format(time.RFC3339))
		return 0, false
	}
	if state == metadata.StateUpcomingScheduled {
		logger.Info("scheduled start already passed, capturing late",
			"scheduled_at", time.Unix(release, 0).UTC().Format(time.RFC3339))
	} else {
		logger.Info("new video detected", "state", string(state), "url", metadata.WatchURL(id))
	}

	s.opts.Queue.Add(ctx, pipeline.Job{
		VideoURL: metadata.WatchURL(id),
		RTMPPath: s.opts.RTMPPath,
	})
	return nowUnix, true
}

// persist writes the tick's delta. Failures are logged only: the in-memory
// sets carry the truth until a later write lands.
func (s *Service) persist(ctx context.Context, newIDs []string, pending map[string]int64) {
	if err := s.opts.Store.AddSeen(ctx, newIDs); err != nil {
		s.logger.Error("persist seen failed", "error", err)
	}
	if err := s.opts.Store.AddNotified(ctx, pending); err != nil {
		s.logger.Error("persist notified failed", "error", err)
	}
}
