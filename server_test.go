package sessiond

import (
	"context"
	"testing"
	"time"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/client"
	actionmemory "pkt.systems/sessiond/internal/actionlog/memory"
	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/liveness"
	"pkt.systems/sessiond/internal/loggingutil"
	"pkt.systems/sessiond/internal/remote"
	"pkt.systems/sessiond/internal/storage/memory"
	"pkt.systems/sessiond/internal/workerconfig"
)

func testWorkers() *workerconfig.File {
	w := workerconfig.Worker{ID: "w1", Identity: "shop", Targets: []string{"brand"}}
	w.ApplyDefaults()
	return &workerconfig.File{Workers: []workerconfig.Worker{w}}
}

type serverHarness struct {
	srv  *Server
	stop func(context.Context) error
	cli  *client.Client
}

func startHarness(t *testing.T, store *memory.Store, pid int) *serverHarness {
	t.Helper()
	cfg := Config{
		Listen:      "127.0.0.1:0",
		SessionDir:  t.TempDir(),
		StopTimeout: 2 * time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv, stop, err := StartServer(ctx, cfg,
		WithLogger(loggingutil.NoopLogger()),
		WithLockStore(store),
		WithActionLog(actionmemory.New(clock.Real{})),
		WithWorkers(testWorkers()),
		WithClientFactory(func(workerconfig.Worker) (remote.Client, error) { return remote.NewSim(), nil }),
		WithLiveness(liveness.Static(100, 200), pid),
	)
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stop(shutdownCtx)
	})
	cli, err := client.New("http://" + srv.ListenerAddr().String())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return &serverHarness{srv: srv, stop: stop, cli: cli}
}

func TestServerWorkerLifecycle(t *testing.T) {
	store := memory.New()
	h := startHarness(t, store, 100)
	ctx := context.Background()

	health, err := h.cli.Health(ctx)
	if err != nil || health.Status != "ok" {
		t.Fatalf("health = %+v, %v", health, err)
	}
	started, err := h.cli.StartWorker(ctx, "w1")
	if err != nil || started.Status != api.StatusStarted {
		t.Fatalf("start = %+v, %v", started, err)
	}
	sessions, err := h.cli.Sessions(ctx)
	if err != nil || len(sessions.Identities) != 1 || sessions.Identities[0] != "shop" {
		t.Fatalf("sessions = %+v, %v", sessions, err)
	}
	if _, err := h.cli.StartWorker(ctx, "w1"); !client.IsAlreadyRunning(err) {
		t.Fatalf("second start err = %v", err)
	}
	if _, err := h.cli.StopWorker(ctx, "w1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	ids, err := store.ListLocks(ctx)
	if err != nil || len(ids) != 0 {
		t.Fatalf("locks after stop = %v, %v", ids, err)
	}
}

func TestServersShareLockStore(t *testing.T) {
	store := memory.New()
	a := startHarness(t, store, 100)
	b := startHarness(t, store, 200)
	ctx := context.Background()

	if _, err := a.cli.StartWorker(ctx, "w1"); err != nil {
		t.Fatalf("start on a: %v", err)
	}
	_, err := b.cli.StartWorker(ctx, "w1")
	if !client.IsSessionConflict(err) {
		t.Fatalf("start on b err = %v, want session conflict", err)
	}
	st, err := b.cli.Worker(ctx, "w1")
	if err != nil || st.State != "error" || st.LockHeld {
		t.Fatalf("status on b = %+v, %v", st, err)
	}

	if _, err := a.cli.StopWorker(ctx, "w1"); err != nil {
		t.Fatalf("stop on a: %v", err)
	}
	if _, err := b.cli.StartWorker(ctx, "w1"); err != nil {
		t.Fatalf("start on b after release: %v", err)
	}
	sessions, err := a.cli.Sessions(ctx)
	if err != nil || len(sessions.Locks) != 1 || sessions.Locks[0].Owned || sessions.Locks[0].PID != 200 {
		t.Fatalf("sessions seen by a = %+v, %v", sessions, err)
	}
}

func TestServerShutdownReleasesLocks(t *testing.T) {
	store := memory.New()
	h := startHarness(t, store, 100)
	ctx := context.Background()
	if _, err := h.cli.StartWorker(ctx, "w1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.stop(shutdownCtx); err != nil {
		t.Fatalf("stop server: %v", err)
	}
	ids, err := store.ListLocks(ctx)
	if err != nil || len(ids) != 0 {
		t.Fatalf("locks after shutdown = %v, %v", ids, err)
	}
	if err := h.srv.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestNewServerRejectsBadConfig(t *testing.T) {
	if _, err := NewServer(Config{Store: "nope://", SessionDir: t.TempDir()}); err == nil {
		t.Fatal("expected config error")
	}
	dup := testWorkers()
	dup.Workers = append(dup.Workers, dup.Workers[0])
	if _, err := NewServer(Config{SessionDir: t.TempDir()}, WithWorkers(dup)); err == nil {
		t.Fatal("expected duplicate worker error")
	}
}
