// Package memory keeps the action log in process memory. It backs tests and
// dry runs.
package memory

import (
	"context"
	"sync"
	"time"

	"pkt.systems/sessiond/internal/actionlog"
	"pkt.systems/sessiond/internal/clock"
)

type processedKey struct {
	worker string
	user   string
}

// Log is an in-memory actionlog.Log.
type Log struct {
	clock clock.Clock

	mu        sync.RWMutex
	records   []actionlog.Record
	processed map[processedKey]actionlog.ProcessedUser
}

// New returns an empty log. A nil clk uses the real clock.
func New(clk clock.Clock) *Log {
	return &Log{
		clock:     clock.Or(clk),
		processed: make(map[processedKey]actionlog.ProcessedUser),
	}
}

// Append stores rec.
func (l *Log) Append(_ context.Context, rec actionlog.Record) (actionlog.Record, error) {
	rec, err := actionlog.Prepare(rec, l.clock.Now())
	if err != nil {
		return actionlog.Record{}, err
	}
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
	return rec, nil
}

// CountSince counts successful records of kind for worker since the cutoff.
func (l *Log) CountSince(_ context.Context, workerID string, kind actionlog.Kind, since time.Time) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, rec := range l.records {
		if rec.WorkerID == workerID && rec.Kind == kind && rec.Success && !rec.At.Before(since) {
			n++
		}
	}
	return n, nil
}

// Stats aggregates worker's records since the cutoff.
func (l *Log) Stats(_ context.Context, workerID string, since time.Time) (actionlog.Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stats := actionlog.Stats{}
	for _, rec := range l.records {
		if rec.WorkerID != workerID || rec.At.Before(since) {
			continue
		}
		stats.Add(rec.Kind, rec.Success)
	}
	return stats, nil
}

// Records returns a copy of every stored record for workerID, oldest first.
func (l *Log) Records(workerID string) []actionlog.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []actionlog.Record
	for _, rec := range l.records {
		if rec.WorkerID == workerID {
			out = append(out, rec)
		}
	}
	return out
}

// MarkProcessed upserts user.
func (l *Log) MarkProcessed(_ context.Context, user actionlog.ProcessedUser) error {
	user, err := actionlog.PrepareProcessed(user, l.clock.Now())
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.processed[processedKey{user.WorkerID, user.UserID}] = user
	l.mu.Unlock()
	return nil
}

// IsProcessed reports whether workerID has handled userID.
func (l *Log) IsProcessed(_ context.Context, workerID, userID string) (bool, error) {
	l.mu.RLock()
	_, ok := l.processed[processedKey{workerID, userID}]
	l.mu.RUnlock()
	return ok, nil
}

// Close is a no-op.
func (l *Log) Close() error { return nil }
