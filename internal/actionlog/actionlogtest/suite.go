// Package actionlogtest holds the behaviour every actionlog.Log backend must
// share. Backend packages call Run from their tests.
package actionlogtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/sessiond/internal/actionlog"
)

// Factory opens a fresh, empty log.
type Factory func(t *testing.T) actionlog.Log

// Run exercises log semantics against the backend produced by open.
func Run(t *testing.T, open Factory) {
	t.Helper()
	t.Run("CountSinceCountsSuccessOnly", func(t *testing.T) { testCountSince(t, open(t)) })
	t.Run("CountSinceIsolatesWorkers", func(t *testing.T) { testIsolation(t, open(t)) })
	t.Run("StatsAggregates", func(t *testing.T) { testStats(t, open(t)) })
	t.Run("RejectsUnknownKind", func(t *testing.T) { testRejects(t, open(t)) })
	t.Run("ProcessedUsers", func(t *testing.T) { testProcessed(t, open(t)) })
}

var base = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

func mustAppend(t *testing.T, log actionlog.Log, rec actionlog.Record) actionlog.Record {
	t.Helper()
	out, err := log.Append(context.Background(), rec)
	if err != nil {
		t.Fatalf("append %+v: %v", rec, err)
	}
	return out
}

func testCountSince(t *testing.T, log actionlog.Log) {
	defer log.Close()
	ctx := context.Background()
	mustAppend(t, log, actionlog.Record{WorkerID: "w1", Kind: actionlog.KindLike, At: base.Add(-90 * time.Minute), Success: true})
	mustAppend(t, log, actionlog.Record{WorkerID: "w1", Kind: actionlog.KindLike, At: base.Add(-30 * time.Minute), Success: true})
	mustAppend(t, log, actionlog.Record{WorkerID: "w1", Kind: actionlog.KindLike, At: base.Add(-20 * time.Minute), Success: false, Error: "boom"})
	mustAppend(t, log, actionlog.Record{WorkerID: "w1", Kind: actionlog.KindLike, At: base.Add(-10 * time.Minute), Success: true, Target: "u1"})
	mustAppend(t, log, actionlog.Record{WorkerID: "w1", Kind: actionlog.KindFollow, At: base.Add(-5 * time.Minute), Success: true})

	n, err := log.CountSince(ctx, "w1", actionlog.KindLike, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("like count = %d want 2", n)
	}
	n, err = log.CountSince(ctx, "w1", actionlog.KindLike, base.Add(-30*time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("boundary count = %d, %v want 2 (inclusive)", n, err)
	}
	n, err = log.CountSince(ctx, "w1", actionlog.KindMessage, base.Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("message count = %d, %v", n, err)
	}
}

func testIsolation(t *testing.T, log actionlog.Log) {
	defer log.Close()
	ctx := context.Background()
	mustAppend(t, log, actionlog.Record{WorkerID: "w1", Kind: actionlog.KindFollow, At: base, Success: true})
	mustAppend(t, log, actionlog.Record{WorkerID: "w2", Kind: actionlog.KindFollow, At: base, Success: true})
	mustAppend(t, log, actionlog.Record{WorkerID: "w2", Kind: actionlog.KindFollow, At: base, Success: true})
	n, err := log.CountSince(ctx, "w1", actionlog.KindFollow, base.Add(-time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("w1 follow count = %d, %v want 1", n, err)
	}
}

func testStats(t *testing.T, log actionlog.Log) {
	defer log.Close()
	ctx := context.Background()
	mustAppend(t, log, actionlog.Record{WorkerID: "w1", Kind: actionlog.KindLike, At: base.Add(-3 * time.Hour), Success: true})
	mustAppend(t, log, actionlog.Record{WorkerID: "w1", Kind: actionlog.KindLike, At: base.Add(-10 * time.Minute), Success: true})
	mustAppend(t, log, actionlog.Record{WorkerID: "w1", Kind: actionlog.KindMessage, At: base.Add(-5 * time.Minute), Success: false, Error: "rate limit"})
	mustAppend(t, log, actionlog.Record{WorkerID: "w1", Kind: actionlog.KindError, At: base.Add(-4 * time.Minute), Success: false, Error: "boom"})
	mustAppend(t, log, actionlog.Record{WorkerID: "other", Kind: actionlog.KindLike, At: base, Success: true})

	all, err := log.Stats(ctx, "w1", time.Time{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got := all[actionlog.KindLike]; got != (actionlog.KindStats{Total: 2, Success: 2}) {
		t.Fatalf("all-time like = %+v", got)
	}
	if got := all[actionlog.KindMessage]; got != (actionlog.KindStats{Total: 1, Error: 1}) {
		t.Fatalf("all-time message = %+v", got)
	}
	if got := all[actionlog.KindError]; got.Total != 1 {
		t.Fatalf("all-time error = %+v", got)
	}
	hourly, err := log.Stats(ctx, "w1", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("hourly stats: %v", err)
	}
	if got := hourly[actionlog.KindLike]; got.Total != 1 {
		t.Fatalf("hourly like = %+v", got)
	}
}

func testRejects(t *testing.T, log actionlog.Log) {
	defer log.Close()
	_, err := log.Append(context.Background(), actionlog.Record{WorkerID: "w1", Kind: "retweet", Success: true})
	if !errors.Is(err, actionlog.ErrInvalidRecord) {
		t.Fatalf("want ErrInvalidRecord, got %v", err)
	}
	rec := mustAppend(t, log, actionlog.Record{WorkerID: "w1", Kind: actionlog.KindComment, Success: true})
	if rec.ID == "" || rec.At.IsZero() {
		t.Fatalf("append did not fill id/time: %+v", rec)
	}
}

func testProcessed(t *testing.T, log actionlog.Log) {
	defer log.Close()
	ctx := context.Background()
	ok, err := log.IsProcessed(ctx, "w1", "u1")
	if err != nil || ok {
		t.Fatalf("fresh IsProcessed = %v, %v", ok, err)
	}
	if err := log.MarkProcessed(ctx, actionlog.ProcessedUser{WorkerID: "w1", UserID: "u1", Username: "user1", Liked: true}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := log.MarkProcessed(ctx, actionlog.ProcessedUser{WorkerID: "w1", UserID: "u1", Username: "user1", Liked: true, Followed: true}); err != nil {
		t.Fatalf("mark upsert: %v", err)
	}
	ok, err = log.IsProcessed(ctx, "w1", "u1")
	if err != nil || !ok {
		t.Fatalf("IsProcessed after mark = %v, %v", ok, err)
	}
	ok, err = log.IsProcessed(ctx, "w2", "u1")
	if err != nil || ok {
		t.Fatalf("other worker IsProcessed = %v, %v", ok, err)
	}
	if err := log.MarkProcessed(ctx, actionlog.ProcessedUser{WorkerID: "w1"}); !errors.Is(err, actionlog.ErrInvalidRecord) {
		t.Fatalf("missing user id: want ErrInvalidRecord, got %v", err)
	}
}
