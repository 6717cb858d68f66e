package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore persists one channel's sets in a channel_<id>.db file with WAL
// journaling, so a crash between tick phases cannot leave a torn delta.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS old_video_ids (
	video_id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS notified_video_ids (
	video_id TEXT PRIMARY KEY,
	timestamp INTEGER
);
`

// OpenSQLite opens (creating if needed) the store for one channel under dir.
func OpenSQLite(dir string, channelID int) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	path := filepath.Join(dir, DBFileName(channelID))
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store %s: %w", path, err)
	}
	// The DSN pragmas are connection-scoped; pin them on the database too.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadSeen(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT video_id FROM old_video_ids`)
	if err != nil {
		return nil, fmt.Errorf("load seen: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan seen row: %w", err)
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seen rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) LoadNotified(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT video_id, timestamp FROM notified_video_ids`)
	if err != nil {
		return nil, fmt.Errorf("load notified: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var ts int64
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("scan notified row: %w", err)
		}
		out[id] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notified rows: %w", err)
	}
	return out, nil
}

// AddSeen unions ids into the seen set. Re-adding is a no-op.
func (s *SQLiteStore) AddSeen(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seen tx: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO old_video_ids (video_id) VALUES (?)`)
	if err != nil {
		return fmt.Errorf("prepare seen insert: %w", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("insert seen %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seen tx: %w", err)
	}
	return nil
}

// AddNotified upserts id → timestamp rows.
func (s *SQLiteStore) AddNotified(ctx context.Context, entries map[string]int64) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin notified tx: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO notified_video_ids (video_id, timestamp) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare notified insert: %w", err)
	}
	defer stmt.Close()
	for id, ts := range entries {
		if _, err := stmt.ExecContext(ctx, id, ts); err != nil {
			return fmt.Errorf("insert notified %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit notified tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Snapshot(ctx context.Context) (Snapshot, error) {
	seen, err := s.LoadSeen(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	notified, err := s.LoadNotified(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Seen:     make([]string, 0, len(seen)),
		Notified: notified,
	}
	for id := range seen {
		snap.Seen = append(snap.Seen, id)
	}
	sort.Strings(snap.Seen)
	return snap, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
