package clock_test

import (
	"testing"
	"time"

	"pkt.systems/sessiond/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestRealAfterDeliversOnce(t *testing.T) {
	t.Parallel()

	ch := clock.Real{}.After(10 * time.Millisecond)
	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("After did not trigger within timeout")
	}
}

func TestSinceClampsFutureTimestamps(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	if age := clock.Since(m, start.Add(time.Minute)); age != 0 {
		t.Fatalf("expected zero age for future timestamp, got %v", age)
	}
	m.Advance(90 * time.Minute)
	if age := clock.Since(m, start); age != 90*time.Minute {
		t.Fatalf("expected 90m age, got %v", age)
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	short := m.After(time.Second)
	long := m.After(time.Hour)
	if got := m.Pending(); got != 2 {
		t.Fatalf("pending=%d want 2", got)
	}
	m.Advance(2 * time.Second)
	select {
	case <-short:
	default:
		t.Fatal("short timer did not fire")
	}
	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}
	if got := m.Pending(); got != 1 {
		t.Fatalf("pending=%d want 1", got)
	}
}

func TestManualBlockUntil(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		m.Sleep(time.Minute)
		close(done)
	}()
	if !m.BlockUntil(1, time.Second) {
		t.Fatal("sleeper never registered a timer")
	}
	m.Advance(time.Minute)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleeper did not wake")
	}
	if m.BlockUntil(1, 20*time.Millisecond) {
		t.Fatal("expected no pending timers")
	}
}

func TestSteppingAdvancesOnAfter(t *testing.T) {
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	s := clock.NewStepping(start)
	<-s.After(90 * time.Minute)
	s.Sleep(30 * time.Minute)
	if got := s.Now(); !got.Equal(start.Add(2 * time.Hour)) {
		t.Fatalf("Now = %s", got)
	}
	if waits := s.Waits(); len(waits) != 2 || waits[0] != 90*time.Minute {
		t.Fatalf("Waits = %v", waits)
	}
}
