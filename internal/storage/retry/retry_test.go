package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/storage"
	"pkt.systems/sessiond/internal/storage/memory"
	"pkt.systems/sessiond/internal/storage/retry"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.sleeps = append(f.sleeps, d)
	f.now = f.Now().Add(d)
	ch <- f.now
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.Now().Add(d)
}

type stubBackend struct {
	*memory.Store
	loadErrs  []error
	loadCalls int
}

func (s *stubBackend) LoadLock(ctx context.Context, identity string) (storage.Lock, error) {
	s.loadCalls++
	if idx := s.loadCalls - 1; idx < len(s.loadErrs) && s.loadErrs[idx] != nil {
		return storage.Lock{}, s.loadErrs[idx]
	}
	return s.Store.LoadLock(ctx, identity)
}

func newStub(errs ...error) *stubBackend {
	return &stubBackend{Store: memory.New(), loadErrs: errs}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	stub := newStub(storage.NewTransientError(errors.New("flaky")), storage.NewTransientError(errors.New("flaky")))
	ctx := context.Background()
	if err := stub.Store.StoreLock(ctx, storage.Lock{Identity: "a", PID: 1, AcquiredAt: time.Unix(10, 0)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	clk := &fakeClock{}
	backend := retry.Wrap(stub, pslog.NoopLogger(), clk, retry.Config{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 15 * time.Millisecond})
	lock, err := backend.LoadLock(ctx, "a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if lock.PID != 1 {
		t.Fatalf("unexpected lock %+v", lock)
	}
	if stub.loadCalls != 3 {
		t.Fatalf("calls = %d want 3", stub.loadCalls)
	}
	want := []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}
	if len(clk.sleeps) != len(want) || clk.sleeps[0] != want[0] || clk.sleeps[1] != want[1] {
		t.Fatalf("sleeps = %v want %v", clk.sleeps, want)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	stub := newStub(storage.ErrCorrupt)
	clk := &fakeClock{}
	backend := retry.Wrap(stub, nil, clk, retry.Config{MaxAttempts: 4})
	if _, err := backend.LoadLock(context.Background(), "a"); !errors.Is(err, storage.ErrCorrupt) {
		t.Fatalf("want ErrCorrupt, got %v", err)
	}
	if stub.loadCalls != 1 || len(clk.sleeps) != 0 {
		t.Fatalf("permanent error retried: calls=%d sleeps=%v", stub.loadCalls, clk.sleeps)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	flaky := storage.NewTransientError(errors.New("down"))
	stub := newStub(flaky, flaky, flaky)
	clk := &fakeClock{}
	backend := retry.Wrap(stub, nil, clk, retry.Config{MaxAttempts: 3})
	_, err := backend.LoadLock(context.Background(), "a")
	if !storage.IsTransient(err) {
		t.Fatalf("want transient error, got %v", err)
	}
	if stub.loadCalls != 3 || len(clk.sleeps) != 2 {
		t.Fatalf("calls=%d sleeps=%v", stub.loadCalls, clk.sleeps)
	}
}

func TestRetryForwardsSerializer(t *testing.T) {
	backend := retry.Wrap(newStub(), nil, nil, retry.Config{})
	ser, ok := backend.(storage.Serializer)
	if !ok {
		t.Fatal("wrapper should expose Serializer")
	}
	ran := false
	if err := ser.WithIdentityLock(context.Background(), "a", func(context.Context) error { ran = true; return nil }); err != nil || !ran {
		t.Fatalf("serializer did not run fn: ran=%v err=%v", ran, err)
	}
	if _, err := backend.(storage.ChangeNotifier).SubscribeChanges(); err != nil {
		t.Fatalf("subscribe should forward to memory store: %v", err)
	}
}
