// Package sqlite stores the action log in a SQLite file through
// mattn/go-sqlite3 (cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pkt.systems/sessiond/internal/actionlog"
	"pkt.systems/sessiond/internal/clock"
)

// Config controls the SQLite backend.
type Config struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
	Clock        clock.Clock
}

// Log is a SQLite-backed actionlog.Log.
type Log struct {
	db    *sql.DB
	clock clock.Clock
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS action_records (
		id        TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		kind      TEXT NOT NULL,
		target    TEXT NOT NULL DEFAULT '',
		at_ns     INTEGER NOT NULL,
		success   INTEGER NOT NULL,
		error     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS action_records_window ON action_records (worker_id, kind, at_ns)`,
	`CREATE TABLE IF NOT EXISTS processed_users (
		worker_id    TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		username     TEXT NOT NULL DEFAULT '',
		processed_ns INTEGER NOT NULL,
		liked        INTEGER NOT NULL DEFAULT 0,
		followed     INTEGER NOT NULL DEFAULT 0,
		messaged     INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (worker_id, user_id)
	)`,
}

// Open creates or opens the database at cfg.Path and applies the schema.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: prepare directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path, int(cfg.BusyTimeout.Milliseconds()))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return &Log{db: db, clock: clock.Or(cfg.Clock)}, nil
}

// cutoffNanos maps the zero time to 0 so "all time" queries do not overflow.
func cutoffNanos(since time.Time) int64 {
	if since.IsZero() {
		return 0
	}
	return since.UnixNano()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Append inserts rec.
func (l *Log) Append(ctx context.Context, rec actionlog.Record) (actionlog.Record, error) {
	rec, err := actionlog.Prepare(rec, l.clock.Now())
	if err != nil {
		return actionlog.Record{}, err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO action_records (id, worker_id, kind, target, at_ns, success, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkerID, string(rec.Kind), rec.Target, rec.At.UnixNano(), boolInt(rec.Success), rec.Error)
	if err != nil {
		return actionlog.Record{}, fmt.Errorf("sqlite: append: %w", err)
	}
	return rec, nil
}

// CountSince counts successful records of kind since the cutoff.
func (l *Log) CountSince(ctx context.Context, workerID string, kind actionlog.Kind, since time.Time) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM action_records WHERE worker_id = ? AND kind = ? AND success = 1 AND at_ns >= ?`,
		workerID, string(kind), cutoffNanos(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count: %w", err)
	}
	return n, nil
}

// Stats aggregates records since the cutoff.
func (l *Log) Stats(ctx context.Context, workerID string, since time.Time) (actionlog.Stats, error) {
	cutoff := cutoffNanos(since)
	rows, err := l.db.QueryContext(ctx,
		`SELECT kind, COUNT(*), COALESCE(SUM(success), 0) FROM action_records WHERE worker_id = ? AND at_ns >= ? GROUP BY kind`,
		workerID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sqlite: stats: %w", err)
	}
	defer rows.Close()
	stats := actionlog.Stats{}
	for rows.Next() {
		var kind string
		var total, success int
		if err := rows.Scan(&kind, &total, &success); err != nil {
			return nil, fmt.Errorf("sqlite: stats scan: %w", err)
		}
		stats[actionlog.Kind(kind)] = actionlog.KindStats{Total: total, Success: success, Error: total - success}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: stats rows: %w", err)
	}
	return stats, nil
}

// MarkProcessed upserts user.
func (l *Log) MarkProcessed(ctx context.Context, user actionlog.ProcessedUser) error {
	user, err := actionlog.PrepareProcessed(user, l.clock.Now())
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO processed_users (worker_id, user_id, username, processed_ns, liked, followed, messaged)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (worker_id, user_id) DO UPDATE SET
		   username = excluded.username,
		   processed_ns = excluded.processed_ns,
		   liked = excluded.liked,
		   followed = excluded.followed,
		   messaged = excluded.messaged`,
		user.WorkerID, user.UserID, user.Username, user.ProcessedAt.UnixNano(),
		boolInt(user.Liked), boolInt(user.Followed), boolInt(user.Messaged))
	if err != nil {
		return fmt.Errorf("sqlite: mark processed: %w", err)
	}
	return nil
}

// IsProcessed reports whether workerID has handled userID.
func (l *Log) IsProcessed(ctx context.Context, workerID, userID string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_users WHERE worker_id = ? AND user_id = ?`, workerID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: is processed: %w", err)
	}
	return true, nil
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}
