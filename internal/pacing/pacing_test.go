package pacing

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/sessiond/internal/clock"
)

func TestWaitReturnsOnStop(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	flag := NewFlag()
	errCh := make(chan error, 1)
	go func() {
		errCh <- Wait(context.Background(), clk, flag, 6*time.Hour)
	}()
	if !clk.BlockUntil(1, time.Second) {
		t.Fatal("wait never armed its timer")
	}
	flag.Stop()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("expected ErrStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return after stop")
	}
}

func TestWaitCompletesOnClock(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	errCh := make(chan error, 1)
	go func() {
		errCh <- Wait(context.Background(), clk, NewFlag(), time.Minute)
	}()
	if !clk.BlockUntil(1, time.Second) {
		t.Fatal("wait never armed its timer")
	}
	clk.Advance(time.Minute)
	if err := <-errCh; err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Wait(ctx, clock.NewManual(time.Unix(0, 0)), nil, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitStoppedFlagShortCircuits(t *testing.T) {
	flag := NewFlag()
	flag.Stop()
	flag.Stop()
	if flag.Running() {
		t.Fatal("flag still running after Stop")
	}
	if err := Wait(context.Background(), clock.Real{}, flag, 0); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestJitterPickStaysInRange(t *testing.T) {
	j := NewSeededJitter(1, 2)
	r := Range{Min: 30 * time.Second, Max: 60 * time.Second}
	for i := 0; i < 500; i++ {
		d := j.Pick(r)
		if d < r.Min || d > r.Max {
			t.Fatalf("pick %v outside %v", d, r)
		}
	}
	if got := j.Pick(Range{Min: time.Second, Max: time.Second}); got != time.Second {
		t.Fatalf("degenerate range pick=%v want 1s", got)
	}
}

func TestRangeValidate(t *testing.T) {
	if err := (Range{Min: time.Minute, Max: time.Second}).Validate(); err == nil {
		t.Fatal("expected inverted range error")
	}
	if err := (Range{Min: -time.Second}).Validate(); err == nil {
		t.Fatal("expected negative range error")
	}
	if err := (Range{Min: time.Second, Max: time.Minute}).Validate(); err != nil {
		t.Fatalf("valid range rejected: %v", err)
	}
}
