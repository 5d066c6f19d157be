package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/sessiond/internal/pacing"
)

// instantClock fires every After immediately and records the requested
// durations.
type instantClock struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (c *instantClock) Now() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func (c *instantClock) Sleep(d time.Duration) { c.After(d) }

func (c *instantClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

func newPolicy(clk *instantClock) *Policy {
	return New(Config{Clock: clk, Jitter: pacing.NewSeededJitter(1, 2)})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{errors.New("HTTP 403 Forbidden"), ClassFatal},
		{errors.New("CSRF token missing"), ClassFatal},
		{errors.New("challenge_required"), ClassFatal},
		{errors.New("login_required"), ClassFatal},
		{errors.New("Please wait a few minutes"), ClassRateLimited},
		{errors.New("rate limit exceeded"), ClassRateLimited},
		{errors.New("flagged as spam"), ClassRateLimited},
		{errors.New("Connection reset by peer"), ClassTransient},
		{errors.New("read timeout"), ClassTransient},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), ClassTransient},
		{errors.New("something odd"), ClassUnknown},
		{&Error{Class: ClassRateLimited, Err: errors.New("x")}, ClassRateLimited},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestBackoffSchedule(t *testing.T) {
	p := newPolicy(&instantClock{})
	if got := p.Backoff(ClassRateLimited, 0); got != 600*time.Second {
		t.Fatalf("rate limited attempt 0 = %s", got)
	}
	if got := p.Backoff(ClassRateLimited, 5); got != 1800*time.Second {
		t.Fatalf("rate limited cap = %s", got)
	}
	if got := p.Backoff(ClassTransient, 2); got != 40*time.Second {
		t.Fatalf("transient attempt 2 = %s", got)
	}
	for i := 0; i < 20; i++ {
		got := p.Backoff(ClassUnknown, i)
		if got < 30*time.Second || got > 60*time.Second {
			t.Fatalf("unknown backoff %s outside 30s..60s", got)
		}
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	clk := &instantClock{}
	p := newPolicy(clk)
	calls := 0
	v, err := Do(context.Background(), p, pacing.NewFlag(), OpFetchProfile, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("network unreachable")
		}
		return "profile", nil
	})
	if err != nil || v != "profile" {
		t.Fatalf("Do = %q, %v", v, err)
	}
	waits := clk.recorded()
	if len(waits) != 3 {
		t.Fatalf("waits = %v, want two backoffs and one pause", waits)
	}
	if waits[0] != 10*time.Second || waits[1] != 20*time.Second {
		t.Fatalf("backoffs = %v", waits[:2])
	}
	if waits[2] < 10*time.Second || waits[2] > 15*time.Second {
		t.Fatalf("fetch_profile pause %s outside range", waits[2])
	}
}

func TestDoFatalReturnsWithoutSleeping(t *testing.T) {
	clk := &instantClock{}
	p := newPolicy(clk)
	calls := 0
	err := p.Run(context.Background(), pacing.NewFlag(), OpLike, func(context.Context) error {
		calls++
		return errors.New("challenge_required")
	})
	var re *Error
	if !errors.As(err, &re) || re.Class != ClassFatal || re.Attempts != 1 {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 || len(clk.recorded()) != 0 {
		t.Fatalf("calls=%d waits=%v", calls, clk.recorded())
	}
}

func TestDoExhaustsWithoutTrailingSleep(t *testing.T) {
	clk := &instantClock{}
	p := newPolicy(clk)
	cause := errors.New("rate limit hit")
	calls := 0
	err := p.Run(context.Background(), nil, OpFollow, func(context.Context) error {
		calls++
		return cause
	})
	var re *Error
	if !errors.As(err, &re) || re.Class != ClassRateLimited || re.Attempts != 3 {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("Error must unwrap to the cause")
	}
	waits := clk.recorded()
	if calls != 3 || len(waits) != 2 || waits[0] != 600*time.Second || waits[1] != 1200*time.Second {
		t.Fatalf("calls=%d waits=%v", calls, waits)
	}
}

func TestDoStoppedFlag(t *testing.T) {
	p := newPolicy(&instantClock{})
	flag := pacing.NewFlag()
	flag.Stop()
	called := false
	err := p.Run(context.Background(), flag, OpLike, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, pacing.ErrStopped) || called {
		t.Fatalf("err=%v called=%v", err, called)
	}
}

func TestDoStopDuringBackoff(t *testing.T) {
	p := newPolicy(&instantClock{})
	flag := pacing.NewFlag()
	calls := 0
	err := p.Run(context.Background(), flag, OpLike, func(context.Context) error {
		calls++
		flag.Stop()
		return errors.New("connection refused")
	})
	if !errors.Is(err, pacing.ErrStopped) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDoAppliesCallTimeout(t *testing.T) {
	clk := &instantClock{}
	p := New(Config{MaxAttempts: 1, CallTimeout: 10 * time.Millisecond, Clock: clk})
	err := p.Run(context.Background(), nil, OpLike, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	var re *Error
	if !errors.As(err, &re) || re.Class != ClassTransient {
		t.Fatalf("err = %v, want transient timeout", err)
	}
}

func TestDoParentCancel(t *testing.T) {
	p := newPolicy(&instantClock{})
	ctx, cancel := context.WithCancel(context.Background())
	err := p.Run(ctx, nil, OpLike, func(context.Context) error {
		cancel()
		return errors.New("connection lost")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestPauseForFallsBack(t *testing.T) {
	p := newPolicy(&instantClock{})
	if got := p.PauseFor("mystery"); got != DefaultPause {
		t.Fatalf("PauseFor = %v", got)
	}
	if got := p.PauseFor(OpSendMessage); got.Min != 30*time.Second || got.Max != 60*time.Second {
		t.Fatalf("send_message pause = %v", got)
	}
}
