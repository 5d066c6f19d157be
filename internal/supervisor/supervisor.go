// Package supervisor owns the lifecycle of workers in this process. It
// takes the identity lock before a worker starts, releases it exactly once
// on every exit path, and periodically reconciles durable locks against
// the workers it actually runs.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/locks"
	"pkt.systems/sessiond/internal/loggingutil"
	"pkt.systems/sessiond/internal/pacing"
	"pkt.systems/sessiond/internal/workerconfig"
)

const (
	// DefaultStopTimeout bounds how long Stop waits for a worker to notice
	// its stop flag before cancelling it.
	DefaultStopTimeout = 15 * time.Second
	// DefaultReconcileInterval is the period of the maintenance loop.
	DefaultReconcileInterval = 5 * time.Minute
	releaseTimeout           = 10 * time.Second
)

var (
	// ErrAlreadyRunning is returned when starting an identity that is
	// already starting or running in this process.
	ErrAlreadyRunning = errors.New("supervisor: worker already running")
	// ErrSessionConflict is returned when another live owner holds the
	// identity lock.
	ErrSessionConflict = errors.New("supervisor: session conflict")
)

// Runner is a started worker loop. Run must return once flag is stopped or
// ctx is cancelled.
type Runner interface {
	Run(ctx context.Context, flag *pacing.Flag) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, flag *pacing.Flag) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, flag *pacing.Flag) error { return f(ctx, flag) }

// Factory builds the runner for a worker definition.
type Factory func(ctx context.Context, cfg workerconfig.Worker) (Runner, error)

// State is the lifecycle state of a worker handle.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateErrored:
		return "errored"
	default:
		return "idle"
	}
}

// Status labels reported to operators.
const (
	StatusNotStarted = "not_started"
	StatusRunning    = "running"
	StatusStopped    = "stopped"
	StatusError      = "error"
)

// Label maps the state to its operator-facing status.
func (s State) Label() string {
	switch s {
	case StateStarting, StateRunning:
		return StatusRunning
	case StateStopping, StateStopped:
		return StatusStopped
	case StateErrored:
		return StatusError
	default:
		return StatusNotStarted
	}
}

func (s State) active() bool {
	return s == StateStarting || s == StateRunning
}

// Status is a point-in-time view of one worker.
type Status struct {
	Identity  string    `json:"identity"`
	WorkerID  string    `json:"worker_id,omitempty"`
	State     string    `json:"state"`
	Phase     string    `json:"phase"`
	LockHeld  bool      `json:"lock_held"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	Cycles    int       `json:"cycles"`
}

// Config wires a Supervisor.
type Config struct {
	Locks             *locks.Manager
	Factory           Factory
	Clock             clock.Clock
	Logger            pslog.Logger
	StopTimeout       time.Duration
	ReconcileInterval time.Duration
}

type cycleCounter interface {
	Cycles() int
}

type handle struct {
	cfg    workerconfig.Worker
	flag   *pacing.Flag
	done   chan struct{}
	cancel context.CancelFunc
	runner Runner

	lockHeld    atomic.Bool
	releaseOnce sync.Once

	// guarded by Supervisor.mu
	state         State
	err           error
	startedAt     time.Time
	stoppedAt     time.Time
	stopRequested bool
}

// Supervisor starts, stops and reports on workers.
type Supervisor struct {
	locks             *locks.Manager
	factory           Factory
	clock             clock.Clock
	logger            pslog.Logger
	stopTimeout       time.Duration
	reconcileInterval time.Duration
	metrics           *supervisorMetrics

	mu      sync.Mutex
	handles map[string]*handle
}

// New returns a Supervisor. Locks and Factory are required.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Locks == nil {
		return nil, errors.New("supervisor: lock manager required")
	}
	if cfg.Factory == nil {
		return nil, errors.New("supervisor: runner factory required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	logger := loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "supervisor")
	return &Supervisor{
		locks:             cfg.Locks,
		factory:           cfg.Factory,
		clock:             clock.Or(cfg.Clock),
		logger:            logger,
		stopTimeout:       cfg.StopTimeout,
		reconcileInterval: cfg.ReconcileInterval,
		metrics:           newSupervisorMetrics(logger),
		handles:           make(map[string]*handle),
	}, nil
}

// Start acquires cfg.Identity's lock and launches its runner. The runner
// outlives ctx; use Stop to end it.
func (s *Supervisor) Start(ctx context.Context, cfg workerconfig.Worker) error {
	identity := cfg.Identity
	logger := s.logger.With("identity", identity, "worker_id", cfg.ID)

	s.mu.Lock()
	if h, ok := s.handles[identity]; ok && h.state.active() {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	h := &handle{
		cfg:   cfg,
		flag:  pacing.NewFlag(),
		done:  make(chan struct{}),
		state: StateStarting,
	}
	s.handles[identity] = h
	s.mu.Unlock()
	s.metrics.transition(ctx, StateStarting)

	ok, err := s.locks.Acquire(ctx, identity)
	if err != nil {
		err = fmt.Errorf("supervisor: acquire %s: %w", identity, err)
		logger.Error("supervisor.start.acquire_failed", "error", err)
		s.release(h)
		s.fail(h, err)
		close(h.done)
		return err
	}
	if !ok {
		logger.Warn("supervisor.start.session_conflict")
		s.fail(h, ErrSessionConflict)
		close(h.done)
		return ErrSessionConflict
	}
	h.lockHeld.Store(true)

	runner, err := s.factory(ctx, cfg)
	if err != nil {
		err = fmt.Errorf("supervisor: build worker %s: %w", cfg.ID, err)
		logger.Error("supervisor.start.factory_failed", "error", err)
		s.release(h)
		s.fail(h, err)
		close(h.done)
		return err
	}

	runCtx, cancel := context.WithCancel(pslog.ContextWithLogger(context.WithoutCancel(ctx), logger))
	s.mu.Lock()
	h.runner = runner
	h.cancel = cancel
	h.startedAt = s.clock.Now()
	if !h.stopRequested {
		h.state = StateRunning
	}
	s.mu.Unlock()
	s.metrics.transition(ctx, StateRunning)
	logger.Info("supervisor.start.ok")
	go s.run(runCtx, h)
	return nil
}

func (s *Supervisor) run(ctx context.Context, h *handle) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervisor: worker %s panicked: %v", h.cfg.ID, r)
		}
		h.cancel()
		s.release(h)
		s.metrics.exited(context.Background())
		s.finish(h, err)
		close(h.done)
	}()
	err = h.runner.Run(ctx, h.flag)
}

func (s *Supervisor) finish(h *handle, err error) {
	logger := s.logger.With("identity", h.cfg.Identity, "worker_id", h.cfg.ID)
	s.mu.Lock()
	h.stoppedAt = s.clock.Now()
	stopping := h.stopRequested
	if stopping || err == nil {
		h.state = StateStopped
	} else {
		h.state = StateErrored
		h.err = err
	}
	state := h.state
	s.mu.Unlock()
	if state == StateErrored {
		logger.Error("supervisor.worker.failed", "error", err)
	} else {
		logger.Info("supervisor.worker.exited", "stop_requested", stopping)
	}
	s.metrics.transition(context.Background(), state)
}

func (s *Supervisor) fail(h *handle, err error) {
	s.mu.Lock()
	h.state = StateErrored
	h.err = err
	h.stoppedAt = s.clock.Now()
	s.mu.Unlock()
	s.metrics.transition(context.Background(), StateErrored)
}

// release drops the identity lock at most once per handle.
func (s *Supervisor) release(h *handle) {
	h.releaseOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := s.locks.Release(ctx, h.cfg.Identity); err != nil {
			s.logger.Warn("supervisor.release.failed", "identity", h.cfg.Identity, "error", err)
		}
		h.lockHeld.Store(false)
	})
}

// Stop asks identity's worker to stop and waits up to the stop timeout
// before cancelling it. If ctx ends first the worker is cancelled at once.
// Either way the lock is released and the worker reported stopped. Unknown
// or already stopped identities are a no-op; a handle left stopping by an
// earlier Stop is stopped again.
func (s *Supervisor) Stop(ctx context.Context, identity string) error {
	s.mu.Lock()
	h, ok := s.handles[identity]
	if !ok || !(h.state.active() || h.state == StateStopping) {
		s.mu.Unlock()
		return nil
	}
	first := h.state != StateStopping
	h.state = StateStopping
	h.stopRequested = true
	s.mu.Unlock()
	if first {
		s.metrics.transition(ctx, StateStopping)
	}

	logger := s.logger.With("identity", identity, "worker_id", h.cfg.ID)
	h.flag.Stop()
	var err error
	select {
	case <-h.done:
	case <-s.clock.After(s.stopTimeout):
		s.cancelRun(h)
		logger.Warn("supervisor.stop.best_effort", "timeout", s.stopTimeout)
	case <-ctx.Done():
		err = ctx.Err()
		s.cancelRun(h)
		logger.Warn("supervisor.stop.abandoned", "error", err)
	}
	s.release(h)
	s.mu.Lock()
	if h.state == StateStopping {
		h.state = StateStopped
		h.stoppedAt = s.clock.Now()
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	logger.Info("supervisor.stop.ok")
	return nil
}

func (s *Supervisor) cancelRun(h *handle) {
	s.mu.Lock()
	cancel := h.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until identity's worker has exited or ctx ends. Unknown
// identities return at once.
func (s *Supervisor) Wait(ctx context.Context, identity string) error {
	s.mu.Lock()
	h, ok := s.handles[identity]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports identity's state. Unknown identities are not_started.
func (s *Supervisor) Status(identity string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[identity]
	if !ok {
		return Status{Identity: identity, State: StatusNotStarted, Phase: StateIdle.String()}
	}
	return s.statusLocked(h)
}

func (s *Supervisor) statusLocked(h *handle) Status {
	st := Status{
		Identity:  h.cfg.Identity,
		WorkerID:  h.cfg.ID,
		State:     h.state.Label(),
		Phase:     h.state.String(),
		LockHeld:  h.lockHeld.Load(),
		StartedAt: h.startedAt,
		StoppedAt: h.stoppedAt,
	}
	if h.err != nil {
		st.Error = h.err.Error()
		if errors.Is(h.err, ErrSessionConflict) {
			st.Error = "session conflict"
		}
	}
	if cc, ok := h.runner.(cycleCounter); ok {
		st.Cycles = cc.Cycles()
	}
	return st
}

// Statuses returns the status of every known worker, ordered by identity.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, s.statusLocked(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// ActiveIdentities lists identities with a live lock in the durable store,
// including those held by other processes.
func (s *Supervisor) ActiveIdentities(ctx context.Context) ([]string, error) {
	return s.locks.ListActive(ctx)
}

// Locks exposes the lock manager.
func (s *Supervisor) Locks() *locks.Manager { return s.locks }

// Run performs maintenance until ctx ends: a stale sweep at start, then a
// sweep and reconcile every interval.
func (s *Supervisor) Run(ctx context.Context) error {
	s.maintain(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.reconcileInterval):
			s.maintain(ctx)
		}
	}
}

func (s *Supervisor) maintain(ctx context.Context) {
	removed, err := s.locks.SweepStale(ctx)
	if err != nil {
		s.logger.Warn("supervisor.sweep.failed", "error", err)
	} else if len(removed) > 0 {
		s.logger.Info("supervisor.sweep.removed", "identities", removed)
	}
	if _, err := s.Reconcile(ctx); err != nil {
		s.logger.Warn("supervisor.reconcile.failed", "error", err)
	}
}

// Reconcile releases locks this supervisor's manager acquired but no
// starting or running worker uses. Locks written by other processes, or by
// other managers in this process, are never touched.
func (s *Supervisor) Reconcile(ctx context.Context) ([]string, error) {
	active, err := s.locks.ActiveLocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("supervisor: list locks: %w", err)
	}
	var released []string
	var errs []error
	for _, lock := range active {
		if !s.locks.OwnsRecord(lock) {
			continue
		}
		s.mu.Lock()
		h, ok := s.handles[lock.Identity]
		busy := ok && h.state.active()
		s.mu.Unlock()
		if busy {
			continue
		}
		if err := s.locks.Release(ctx, lock.Identity); err != nil {
			errs = append(errs, err)
			continue
		}
		released = append(released, lock.Identity)
		s.logger.Info("supervisor.reconcile.released", "identity", lock.Identity)
	}
	return released, errors.Join(errs...)
}

// Shutdown stops every active worker concurrently.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	var ids []string
	for id, h := range s.handles {
		if h.state.active() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = s.Stop(ctx, id)
		}(i, id)
	}
	wg.Wait()
	return errors.Join(errs...)
}
