// Package postgres stores the action log in PostgreSQL through a pgx pool.
// Several sessiond hosts can share one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pkt.systems/sessiond/internal/actionlog"
	"pkt.systems/sessiond/internal/clock"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessiond_action_records (
		id        TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		kind      TEXT NOT NULL,
		target    TEXT NOT NULL DEFAULT '',
		at        TIMESTAMPTZ NOT NULL,
		success   BOOLEAN NOT NULL,
		error     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS sessiond_action_records_window ON sessiond_action_records (worker_id, kind, at)`,
	`CREATE TABLE IF NOT EXISTS sessiond_processed_users (
		worker_id    TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		username     TEXT NOT NULL DEFAULT '',
		processed_at TIMESTAMPTZ NOT NULL,
		liked        BOOLEAN NOT NULL DEFAULT FALSE,
		followed     BOOLEAN NOT NULL DEFAULT FALSE,
		messaged     BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (worker_id, user_id)
	)`,
}

// Log is a PostgreSQL-backed actionlog.Log.
type Log struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, clk clock.Clock) (*Log, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return &Log{pool: pool, clock: clock.Or(clk)}, nil
}

// Append inserts rec.
func (l *Log) Append(ctx context.Context, rec actionlog.Record) (actionlog.Record, error) {
	rec, err := actionlog.Prepare(rec, l.clock.Now())
	if err != nil {
		return actionlog.Record{}, err
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO sessiond_action_records (id, worker_id, kind, target, at, success, error) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.WorkerID, string(rec.Kind), rec.Target, rec.At, rec.Success, rec.Error)
	if err != nil {
		return actionlog.Record{}, fmt.Errorf("postgres: append: %w", err)
	}
	return rec, nil
}

// CountSince counts successful records of kind since the cutoff.
func (l *Log) CountSince(ctx context.Context, workerID string, kind actionlog.Kind, since time.Time) (int, error) {
	var n int
	err := l.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessiond_action_records WHERE worker_id = $1 AND kind = $2 AND success AND at >= $3`,
		workerID, string(kind), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count: %w", err)
	}
	return n, nil
}

// Stats aggregates records since the cutoff.
func (l *Log) Stats(ctx context.Context, workerID string, since time.Time) (actionlog.Stats, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT kind, COUNT(*), COUNT(*) FILTER (WHERE success)
		 FROM sessiond_action_records WHERE worker_id = $1 AND at >= $2 GROUP BY kind`,
		workerID, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: stats: %w", err)
	}
	defer rows.Close()
	stats := actionlog.Stats{}
	for rows.Next() {
		var kind string
		var total, success int
		if err := rows.Scan(&kind, &total, &success); err != nil {
			return nil, fmt.Errorf("postgres: stats scan: %w", err)
		}
		stats[actionlog.Kind(kind)] = actionlog.KindStats{Total: total, Success: success, Error: total - success}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: stats rows: %w", err)
	}
	return stats, nil
}

// MarkProcessed upserts user.
func (l *Log) MarkProcessed(ctx context.Context, user actionlog.ProcessedUser) error {
	user, err := actionlog.PrepareProcessed(user, l.clock.Now())
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO sessiond_processed_users (worker_id, user_id, username, processed_at, liked, followed, messaged)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (worker_id, user_id) DO UPDATE SET
		   username = EXCLUDED.username,
		   processed_at = EXCLUDED.processed_at,
		   liked = EXCLUDED.liked,
		   followed = EXCLUDED.followed,
		   messaged = EXCLUDED.messaged`,
		user.WorkerID, user.UserID, user.Username, user.ProcessedAt, user.Liked, user.Followed, user.Messaged)
	if err != nil {
		return fmt.Errorf("postgres: mark processed: %w", err)
	}
	return nil
}

// IsProcessed reports whether workerID has handled userID.
func (l *Log) IsProcessed(ctx context.Context, workerID, userID string) (bool, error) {
	var one int
	err := l.pool.QueryRow(ctx,
		`SELECT 1 FROM sessiond_processed_users WHERE worker_id = $1 AND user_id = $2`, workerID, userID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: is processed: %w", err)
	}
	return true, nil
}

// Close closes the pool.
func (l *Log) Close() error {
	l.pool.Close()
	return nil
}
