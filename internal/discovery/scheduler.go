package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Scheduler fans probes out across channel URLs in sequential chunks, with a
// weighted semaphore capping concurrency inside each chunk. Per-probe failures
// are isolated so one bad URL never poisons a tick.
type Scheduler struct {
	Prober      Prober
	ChunkSize   int
	Concurrency int64
	ChunkPause  time.Duration
	Logger      *slog.Logger
}

// NewScheduler wires a scheduler around the given prober.
func NewScheduler(prober Prober, chunkSize int, concurrency int64, pause time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if chunkSize <= 0 {
		chunkSize = 1
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		Prober:      prober,
		ChunkSize:   chunkSize,
		Concurrency: concurrency,
		ChunkPause:  pause,
		Logger:      logger,
	}
}

// Run probes every URL and returns the union of all listings, keyed by video
// ID. The first entry observed for an ID wins; later duplicates are ignored.
func (s *Scheduler) Run(ctx context.Context, urls []string) (map[string]Entry, error) {
	union := make(map[string]Entry)
	var mu sync.Mutex
	sem := semaphore.NewWeighted(s.Concurrency)

	for start := 0; start < len(urls); start += s.ChunkSize {
		end := start + s.ChunkSize
		if end > len(urls) {
			end = len(urls)
		}
		chunk := urls[start:end]

		var wg sync.WaitGroup
		for _, channelURL := range chunk {
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return union, err
			}
			wg.Add(1)
			go func(channelURL string) {
				defer wg.Done()
				defer sem.Release(1)
				entries, err := s.Prober.Probe(ctx, channelURL)
				if err != nil {
					s.Logger.Warn("probe failed", "url", channelURL, "error", err)
					return
				}
				mu.Lock()
				for _, e := range entries {
					if _, dup := union[e.ID]; !dup {
						union[e.ID] = e
					}
				}
				mu.Unlock()
			}(channelURL)
		}
		wg.Wait()

		if end < len(urls) && s.ChunkPause > 0 {
			select {
			case <-ctx.Done():
				return union, ctx.Err()
			case <-time.After(s.ChunkPause):
			}
		}
	}
	return union, nil
}
