// Package store persists per-channel sets of seen and notified video IDs.
// One store serves one channel; the monitor is its only writer.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Store is the persistence contract consumed by the monitor. Seen is the set
// of IDs ever observed; Notified maps IDs to the epoch second at which they
// were committed for capture.
type Store interface {
	LoadSeen(ctx context.Context) (map[string]struct{}, error)
	LoadNotified(ctx context.Context) (map[string]int64, error)
	AddSeen(ctx context.Context, ids []string) error
	AddNotified(ctx context.Context, entries map[string]int64) error
	Snapshot(ctx context.Context) (Snapshot, error)
	Close() error
}

// Snapshot is a point-in-time copy of both sets, for listing and the status
// endpoint.
type Snapshot struct {
	Seen     []string         `json:"seen"`
	Notified map[string]int64 `json:"notified"`
}

// MemoryStore keeps both sets in memory only. Manual mode binds the monitor
// to one of these so nothing survives the process.
type MemoryStore struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	notified map[string]int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen:     make(map[string]struct{}),
		notified: make(map[string]int64),
	}
}

func (m *MemoryStore) LoadSeen(ctx context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.seen))
	for id := range m.seen {
		out[id] = struct{}{}
	}
	return out, nil
}

func (m *MemoryStore) LoadNotified(ctx context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.notified))
	for id, ts := range m.notified {
		out[id] = ts
	}
	return out, nil
}

func (m *MemoryStore) AddSeen(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.seen[id] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) AddNotified(ctx context.Context, entries map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ts := range entries {
		m.notified[id] = ts
	}
	return nil
}

func (m *MemoryStore) Snapshot(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Seen:     make([]string, 0, len(m.seen)),
		Notified: make(map[string]int64, len(m.notified)),
	}
	for id := range m.seen {
		snap.Seen = append(snap.Seen, id)
	}
	sort.Strings(snap.Seen)
	for id, ts := range m.notified {
		snap.Notified[id] = ts
	}
	return snap, nil
}

func (m *MemoryStore) Close() error { return nil }

// DBFileName returns the on-disk name for a channel's store.
func DBFileName(channelID int) string {
	return fmt.Sprintf("channel_%d.db", channelID)
}

// ChannelIDFromDBFile reverses DBFileName, reporting false for files that do
// not look like channel stores.
func ChannelIDFromDBFile(name string) (int, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, "channel_") || !strings.HasSuffix(base, ".db") {
		return 0, false
	}
	idPart := strings.TrimSuffix(strings.TrimPrefix(base, "channel_"), ".db")
	id, err := strconv.Atoi(idPart)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ListDBFiles returns the channel IDs that have a store in dir, ascending.
func ListDBFiles(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read store dir: %w", err)
	}
	var ids []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := ChannelIDFromDBFile(entry.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}
