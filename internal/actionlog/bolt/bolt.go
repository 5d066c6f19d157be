// Package bolt stores the action log in a single bbolt file. Records live in
// one nested bucket per worker keyed by timestamp, so rolling-window counts
// are a cursor seek.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bbolt "go.etcd.io/bbolt"

	"pkt.systems/sessiond/internal/actionlog"
	"pkt.systems/sessiond/internal/clock"
)

var (
	recordsBucket   = []byte("records")
	processedBucket = []byte("processed")
)

// Config controls the bbolt backend.
type Config struct {
	Path string
	// OpenTimeout bounds how long Open waits for the file lock held by
	// another process. Defaults to 5s.
	OpenTimeout time.Duration
	Clock       clock.Clock
}

// Log is a bbolt-backed actionlog.Log.
type Log struct {
	db    *bbolt.DB
	clock clock.Clock
}

// Open creates or opens the database at cfg.Path.
func Open(cfg Config) (*Log, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolt: path is required")
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("bolt: prepare directory: %w", err)
	}
	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %q: %w", cfg.Path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{recordsBucket, processedBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}
	return &Log{db: db, clock: clock.Or(cfg.Clock)}, nil
}

func timeKey(t time.Time) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return key
}

// Append stores rec under its worker's bucket.
func (l *Log) Append(_ context.Context, rec actionlog.Record) (actionlog.Record, error) {
	rec, err := actionlog.Prepare(rec, l.clock.Now())
	if err != nil {
		return actionlog.Record{}, err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return actionlog.Record{}, fmt.Errorf("bolt: encode record: %w", err)
	}
	key := append(timeKey(rec.At), []byte(rec.ID)...)
	err = l.db.Update(func(tx *bbolt.Tx) error {
		worker, err := tx.Bucket(recordsBucket).CreateBucketIfNotExists([]byte(rec.WorkerID))
		if err != nil {
			return err
		}
		return worker.Put(key, payload)
	})
	if err != nil {
		return actionlog.Record{}, fmt.Errorf("bolt: append: %w", err)
	}
	return rec, nil
}

// scan visits every record for workerID at or after since.
func (l *Log) scan(workerID string, since time.Time, visit func(actionlog.Record)) error {
	return l.db.View(func(tx *bbolt.Tx) error {
		worker := tx.Bucket(recordsBucket).Bucket([]byte(workerID))
		if worker == nil {
			return nil
		}
		c := worker.Cursor()
		var k, v []byte
		if since.IsZero() {
			k, v = c.First()
		} else {
			k, v = c.Seek(timeKey(since))
		}
		for ; k != nil; k, v = c.Next() {
			var rec actionlog.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("bolt: decode record %x: %w", k, err)
			}
			visit(rec)
		}
		return nil
	})
}

// CountSince counts successful records of kind since the cutoff.
func (l *Log) CountSince(_ context.Context, workerID string, kind actionlog.Kind, since time.Time) (int, error) {
	n := 0
	err := l.scan(workerID, since, func(rec actionlog.Record) {
		if rec.Kind == kind && rec.Success {
			n++
		}
	})
	return n, err
}

// Stats aggregates records since the cutoff.
func (l *Log) Stats(_ context.Context, workerID string, since time.Time) (actionlog.Stats, error) {
	stats := actionlog.Stats{}
	err := l.scan(workerID, since, func(rec actionlog.Record) {
		stats.Add(rec.Kind, rec.Success)
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// MarkProcessed upserts user.
func (l *Log) MarkProcessed(_ context.Context, user actionlog.ProcessedUser) error {
	user, err := actionlog.PrepareProcessed(user, l.clock.Now())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("bolt: encode processed user: %w", err)
	}
	err = l.db.Update(func(tx *bbolt.Tx) error {
		worker, err := tx.Bucket(processedBucket).CreateBucketIfNotExists([]byte(user.WorkerID))
		if err != nil {
			return err
		}
		return worker.Put([]byte(user.UserID), payload)
	})
	if err != nil {
		return fmt.Errorf("bolt: mark processed: %w", err)
	}
	return nil
}

// IsProcessed reports whether workerID has handled userID.
func (l *Log) IsProcessed(_ context.Context, workerID, userID string) (bool, error) {
	found := false
	err := l.db.View(func(tx *bbolt.Tx) error {
		worker := tx.Bucket(processedBucket).Bucket([]byte(workerID))
		if worker != nil {
			found = worker.Get([]byte(userID)) != nil
		}
		return nil
	})
	return found, err
}

// Close releases the database file.
func (l *Log) Close() error {
	return l.db.Close()
}
