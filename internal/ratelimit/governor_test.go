package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/sessiond/internal/actionlog"
	"pkt.systems/sessiond/internal/actionlog/memory"
	"pkt.systems/sessiond/internal/clock"
)

var start = time.Date(2025, 2, 3, 9, 0, 0, 0, time.UTC)

func TestAllowEnforcesHourlyLimit(t *testing.T) {
	clk := clock.NewManual(start)
	log := memory.New(clk)
	gov := New(log, Limits{}, WithClock(clk))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		ok, err := gov.Allow(ctx, "w1", actionlog.KindFollow)
		if err != nil || !ok {
			t.Fatalf("follow %d denied: %v", i, err)
		}
		if _, err := log.Append(ctx, actionlog.Record{WorkerID: "w1", Kind: actionlog.KindFollow, Success: true}); err != nil {
			t.Fatalf("append: %v", err)
		}
		clk.Advance(time.Minute)
	}
	ok, err := gov.Allow(ctx, "w1", actionlog.KindFollow)
	if err != nil || ok {
		t.Fatalf("fifth follow within the hour = %v, %v", ok, err)
	}
	if ok, _ := gov.Allow(ctx, "w2", actionlog.KindFollow); !ok {
		t.Fatal("other worker must have its own budget")
	}
	clk.Advance(57 * time.Minute)
	if ok, _ := gov.Allow(ctx, "w1", actionlog.KindFollow); !ok {
		t.Fatal("budget should reopen once the oldest record leaves the window")
	}
}

func TestOldSuccessesDoNotReopenBudget(t *testing.T) {
	clk := clock.NewManual(start)
	log := memory.New(clk)
	gov := New(log, Limits{Like: 2}, WithClock(clk))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := log.Append(ctx, actionlog.Record{WorkerID: "w", Kind: actionlog.KindLike, Success: true}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := log.Append(ctx, actionlog.Record{WorkerID: "w", Kind: actionlog.KindLike, Success: true, At: start.Add(-61 * time.Minute)}); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if ok, err := gov.Allow(ctx, "w", actionlog.KindLike); err != nil || ok {
		t.Fatalf("allow at limit = %v, %v", ok, err)
	}
	if remaining, _ := gov.Remaining(ctx, "w", actionlog.KindLike); remaining != 0 {
		t.Fatalf("remaining = %d", remaining)
	}
}

func TestFailedActionsDoNotConsumeBudget(t *testing.T) {
	clk := clock.NewManual(start)
	log := memory.New(clk)
	gov := New(log, Limits{Message: 1}, WithClock(clk))
	ctx := context.Background()
	if _, err := log.Append(ctx, actionlog.Record{WorkerID: "w", Kind: actionlog.KindMessage, Success: false, Error: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if ok, _ := gov.Allow(ctx, "w", actionlog.KindMessage); !ok {
		t.Fatal("failed message must not count")
	}
	remaining, err := gov.Remaining(ctx, "w", actionlog.KindMessage)
	if err != nil || remaining != 1 {
		t.Fatalf("remaining = %d, %v", remaining, err)
	}
}

type brokenCounter struct{}

func (brokenCounter) CountSince(context.Context, string, actionlog.Kind, time.Time) (int, error) {
	return 0, errors.New("db gone")
}

func TestAllowDeniesOnCounterError(t *testing.T) {
	gov := New(brokenCounter{}, Limits{})
	ok, err := gov.Allow(context.Background(), "w", actionlog.KindLike)
	if ok || err == nil {
		t.Fatalf("allow = %v, %v; want deny with error", ok, err)
	}
}

func TestLimitsDefaultsAndLookup(t *testing.T) {
	l := Limits{Like: 20}.WithDefaults()
	if l.Like != 20 || l.Follow != 4 || l.Message != 2 || l.Comment != 3 || l.Default != 5 {
		t.Fatalf("unexpected limits %+v", l)
	}
	if l.For(actionlog.KindError) != 5 {
		t.Fatalf("error kind should use default budget, got %d", l.For(actionlog.KindError))
	}
	if err := (Limits{Like: -1}).Validate(); err == nil {
		t.Fatal("negative limit accepted")
	}
}

func TestRemainingNeverNegative(t *testing.T) {
	clk := clock.NewManual(start)
	log := memory.New(clk)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		log.Append(ctx, actionlog.Record{WorkerID: "w", Kind: actionlog.KindMessage, Success: true})
	}
	gov := New(log, Limits{Message: 2}, WithClock(clk))
	if n, err := gov.Remaining(ctx, "w", actionlog.KindMessage); err != nil || n != 0 {
		t.Fatalf("remaining = %d, %v", n, err)
	}
}
