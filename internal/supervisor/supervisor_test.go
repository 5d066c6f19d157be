package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/sessiond/internal/liveness"
	"pkt.systems/sessiond/internal/locks"
	"pkt.systems/sessiond/internal/pacing"
	"pkt.systems/sessiond/internal/storage/memory"
	"pkt.systems/sessiond/internal/workerconfig"
)

type fixture struct {
	store   *memory.Store
	mgr     *locks.Manager
	sup     *Supervisor
	factory func(ctx context.Context, cfg workerconfig.Worker) (Runner, error)
	built   atomic.Int32
}

// untilStopped blocks until the flag is stopped.
func untilStopped(ctx context.Context, flag *pacing.Flag) error {
	select {
	case <-flag.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{store: memory.New()}
	f.mgr = locks.New(f.store, locks.Config{Prober: liveness.Static(100, 200), PID: 100, Host: "host-a"})
	f.factory = func(context.Context, workerconfig.Worker) (Runner, error) {
		return RunnerFunc(untilStopped), nil
	}
	cfg.Locks = f.mgr
	cfg.Factory = func(ctx context.Context, wc workerconfig.Worker) (Runner, error) {
		f.built.Add(1)
		return f.factory(ctx, wc)
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = time.Second
	}
	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.sup = sup
	t.Cleanup(func() { _ = sup.Shutdown(context.Background()) })
	return f
}

func workerFor(identity string) workerconfig.Worker {
	return workerconfig.Worker{ID: "w-" + identity, Identity: identity, Targets: []string{"t"}}
}

func waitDone(t *testing.T, s *Supervisor, identity string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx, identity); err != nil {
		t.Fatalf("wait %s: %v", identity, err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	if got := f.sup.Status("alice").State; got != StatusNotStarted {
		t.Fatalf("initial state = %q", got)
	}
	if err := f.sup.Start(ctx, workerFor("alice")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := f.sup.Status("alice")
	if st.State != StatusRunning || !st.LockHeld || st.WorkerID != "w-alice" {
		t.Fatalf("status = %+v", st)
	}
	active, err := f.sup.ActiveIdentities(ctx)
	if err != nil || len(active) != 1 || active[0] != "alice" {
		t.Fatalf("active = %v, %v", active, err)
	}
	if err := f.sup.Start(ctx, workerFor("alice")); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v", err)
	}
	if err := f.sup.Stop(ctx, "alice"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	st = f.sup.Status("alice")
	if st.State != StatusStopped || st.LockHeld {
		t.Fatalf("status after stop = %+v", st)
	}
	if active, _ := f.sup.ActiveIdentities(ctx); len(active) != 0 {
		t.Fatalf("lock survived stop: %v", active)
	}
	if err := f.sup.Stop(ctx, "alice"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := f.sup.Stop(ctx, "nobody"); err != nil {
		t.Fatalf("Stop unknown: %v", err)
	}
	if err := f.sup.Start(ctx, workerFor("alice")); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestStartSessionConflict(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	other := locks.New(f.store, locks.Config{Prober: liveness.Static(100, 200), PID: 200, Host: "host-a"})
	if ok, err := other.Acquire(ctx, "bob"); err != nil || !ok {
		t.Fatalf("other acquire = %v, %v", ok, err)
	}
	err := f.sup.Start(ctx, workerFor("bob"))
	if !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("Start = %v", err)
	}
	st := f.sup.Status("bob")
	if st.State != StatusError || st.Error != "session conflict" || st.LockHeld {
		t.Fatalf("status = %+v", st)
	}
	if f.built.Load() != 0 {
		t.Fatal("runner must not be built on conflict")
	}
	if !other.Held("bob") {
		t.Fatal("foreign lock must survive")
	}
	if active, _ := f.sup.ActiveIdentities(ctx); len(active) != 1 {
		t.Fatalf("active = %v", active)
	}
}

func TestFactoryErrorReleasesLock(t *testing.T) {
	f := newFixture(t, Config{})
	f.factory = func(context.Context, workerconfig.Worker) (Runner, error) {
		return nil, errors.New("unsupported client kind")
	}
	ctx := context.Background()
	if err := f.sup.Start(ctx, workerFor("carol")); err == nil {
		t.Fatal("expected factory error")
	}
	if st := f.sup.Status("carol"); st.State != StatusError || st.LockHeld {
		t.Fatalf("status = %+v", st)
	}
	if active, _ := f.sup.ActiveIdentities(ctx); len(active) != 0 {
		t.Fatalf("lock leaked: %v", active)
	}
}

func TestRunnerErrorAndPanicRelease(t *testing.T) {
	cases := map[string]Runner{
		"error": RunnerFunc(func(context.Context, *pacing.Flag) error { return errors.New("login attempts exhausted") }),
		"panic": RunnerFunc(func(context.Context, *pacing.Flag) error { panic("boom") }),
	}
	for name, runner := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.factory = func(context.Context, workerconfig.Worker) (Runner, error) { return runner, nil }
			ctx := context.Background()
			if err := f.sup.Start(ctx, workerFor("dave")); err != nil {
				t.Fatalf("Start: %v", err)
			}
			waitDone(t, f.sup, "dave")
			st := f.sup.Status("dave")
			if st.State != StatusError || st.LockHeld || st.Error == "" {
				t.Fatalf("status = %+v", st)
			}
			if active, _ := f.sup.ActiveIdentities(ctx); len(active) != 0 {
				t.Fatalf("lock leaked: %v", active)
			}
		})
	}
}

func TestRunnerCompletionIsStopped(t *testing.T) {
	f := newFixture(t, Config{})
	f.factory = func(context.Context, workerconfig.Worker) (Runner, error) {
		return RunnerFunc(func(context.Context, *pacing.Flag) error { return nil }), nil
	}
	if err := f.sup.Start(context.Background(), workerFor("erin")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, f.sup, "erin")
	if st := f.sup.Status("erin"); st.State != StatusStopped || st.LockHeld {
		t.Fatalf("status = %+v", st)
	}
}

func TestStopTimeoutCancelsRunner(t *testing.T) {
	f := newFixture(t, Config{StopTimeout: 20 * time.Millisecond})
	cancelled := make(chan struct{})
	f.factory = func(context.Context, workerconfig.Worker) (Runner, error) {
		return RunnerFunc(func(ctx context.Context, _ *pacing.Flag) error {
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		}), nil
	}
	ctx := context.Background()
	if err := f.sup.Start(ctx, workerFor("frank")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.sup.Stop(ctx, "frank"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("runner context was not cancelled")
	}
	waitDone(t, f.sup, "frank")
	if st := f.sup.Status("frank"); st.State != StatusStopped || st.LockHeld {
		t.Fatalf("status = %+v", st)
	}
}

func TestStopWithEndedContextStillReleases(t *testing.T) {
	f := newFixture(t, Config{StopTimeout: time.Hour})
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	f.factory = func(context.Context, workerconfig.Worker) (Runner, error) {
		return RunnerFunc(func(context.Context, *pacing.Flag) error {
			<-block
			return nil
		}), nil
	}
	ctx := context.Background()
	if err := f.sup.Start(ctx, workerFor("gina")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := f.sup.Stop(stopCtx, "gina"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Stop err = %v", err)
	}
	if st := f.sup.Status("gina"); st.State != StatusStopped || st.Phase != StateStopped.String() || st.LockHeld {
		t.Fatalf("status = %+v", st)
	}
	active, err := f.sup.ActiveIdentities(ctx)
	if err != nil || len(active) != 0 {
		t.Fatalf("active = %v, %v", active, err)
	}
	if err := f.sup.Stop(ctx, "gina"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestReconcileSparesSiblingSupervisorLocks(t *testing.T) {
	a := newFixture(t, Config{})
	ctx := context.Background()
	bMgr := locks.New(a.store, locks.Config{Prober: liveness.Static(100, 200), PID: 100, Host: "host-a"})
	b, err := New(Config{
		Locks: bMgr,
		Factory: func(context.Context, workerconfig.Worker) (Runner, error) {
			return RunnerFunc(untilStopped), nil
		},
		StopTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	if err := b.Start(ctx, workerFor("hana")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	released, err := a.sup.Reconcile(ctx)
	if err != nil || len(released) != 0 {
		t.Fatalf("released = %v, %v", released, err)
	}
	if st := b.Status("hana"); st.State != StatusRunning || !st.LockHeld {
		t.Fatalf("sibling status = %+v", st)
	}
	if err := a.sup.Start(ctx, workerFor("hana")); !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("second start err = %v", err)
	}
}

func TestReconcileReleasesOrphanedOwnLocks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	if ok, _ := f.mgr.Acquire(ctx, "orphan"); !ok {
		t.Fatal("acquire orphan")
	}
	other := locks.New(f.store, locks.Config{Prober: liveness.Static(100, 200), PID: 200, Host: "host-a"})
	if ok, _ := other.Acquire(ctx, "foreign"); !ok {
		t.Fatal("acquire foreign")
	}
	if err := f.sup.Start(ctx, workerFor("busy")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	released, err := f.sup.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(released) != 1 || released[0] != "orphan" {
		t.Fatalf("released = %v", released)
	}
	active, _ := f.sup.ActiveIdentities(ctx)
	if strings.Join(active, ",") != "busy,foreign" {
		t.Fatalf("active = %v", active)
	}
}

func TestRunSweepsAtStart(t *testing.T) {
	f := newFixture(t, Config{ReconcileInterval: time.Hour})
	ctx := context.Background()
	dead := locks.New(f.store, locks.Config{Prober: liveness.Static(100, 200), PID: 300, Host: "host-a"})
	if ok, _ := dead.Acquire(ctx, "ghost"); !ok {
		t.Fatal("plant ghost lock")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.sup.Run(runCtx) }()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := f.store.LoadLock(ctx, "ghost"); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stale lock was not swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestShutdownStopsAll(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := f.sup.Start(ctx, workerFor(id)); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
	}
	if err := f.sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, st := range f.sup.Statuses() {
		if st.State != StatusStopped || st.LockHeld {
			t.Fatalf("status = %+v", st)
		}
	}
	if active, _ := f.sup.ActiveIdentities(ctx); len(active) != 0 {
		t.Fatalf("active = %v", active)
	}
}

func TestStateLabels(t *testing.T) {
	want := map[State]string{
		StateIdle:     StatusNotStarted,
		StateStarting: StatusRunning,
		StateRunning:  StatusRunning,
		StateStopping: StatusStopped,
		StateStopped:  StatusStopped,
		StateErrored:  StatusError,
	}
	for s, label := range want {
		if s.Label() != label {
			t.Errorf("%s.Label() = %q, want %q", s, s.Label(), label)
		}
	}
}
