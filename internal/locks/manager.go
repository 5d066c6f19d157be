// Package locks guarantees that at most one worker process drives an
// identity at a time. Lock records live in a storage.Backend, which is the
// single source of truth; the in-memory index only answers Held.
package locks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/liveness"
	"pkt.systems/sessiond/internal/loggingutil"
	"pkt.systems/sessiond/internal/storage"
	"pkt.systems/sessiond/internal/taskid"
)

// DefaultTimeout is the age after which any lock is considered stale.
const DefaultTimeout = time.Hour

// Config tunes a Manager. Zero values select process defaults.
type Config struct {
	Timeout  time.Duration
	Clock    clock.Clock
	Prober   liveness.Prober
	Logger   pslog.Logger
	PID      int
	Host     string
	Platform string
	// NewTaskID generates the task id stamped on new locks.
	NewTaskID func() string
}

// Manager acquires, releases, lists and sweeps identity locks.
type Manager struct {
	backend  storage.Backend
	timeout  time.Duration
	clock    clock.Clock
	prober   liveness.Prober
	logger   pslog.Logger
	pid      int
	host     string
	platform string
	newTask  func() string
	metrics  *lockMetrics

	keys sync.Map // identity -> *sync.Mutex
	held sync.Map // identity -> storage.Lock
}

// New returns a Manager persisting locks in backend.
func New(backend storage.Backend, cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Prober == nil {
		cfg.Prober = liveness.Default()
	}
	if cfg.PID <= 0 {
		cfg.PID = os.Getpid()
	}
	if cfg.Host == "" {
		cfg.Host = LocalHost()
	}
	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
	}
	if cfg.NewTaskID == nil {
		cfg.NewTaskID = taskid.New
	}
	logger := loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "locks.manager")
	return &Manager{
		backend:  backend,
		timeout:  cfg.Timeout,
		clock:    clock.Or(cfg.Clock),
		prober:   cfg.Prober,
		logger:   logger,
		pid:      cfg.PID,
		host:     cfg.Host,
		platform: cfg.Platform,
		newTask:  cfg.NewTaskID,
		metrics:  newLockMetrics(logger),
	}
}

// LocalHost returns the host tag stamped on locks created by this process.
func LocalHost() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

// Backend returns the store the manager persists to.
func (m *Manager) Backend() storage.Backend { return m.backend }

// Timeout returns the configured staleness timeout.
func (m *Manager) Timeout() time.Duration { return m.timeout }

func (m *Manager) keyLock(identity string) *sync.Mutex {
	mu, _ := m.keys.LoadOrStore(identity, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// critical runs fn under the per-identity mutex and, when the backend offers
// one, its cross-process critical section.
func (m *Manager) critical(ctx context.Context, identity string, fn func(context.Context) error) error {
	mu := m.keyLock(identity)
	mu.Lock()
	defer mu.Unlock()
	if s, ok := m.backend.(storage.Serializer); ok {
		return s.WithIdentityLock(ctx, identity, fn)
	}
	return fn(ctx)
}

// Acquire claims identity for this process. It returns false without error
// when a live, non-stale lock exists, including one taken by another worker
// of this same process.
func (m *Manager) Acquire(ctx context.Context, identity string) (bool, error) {
	if err := storage.ValidateIdentity(identity); err != nil {
		return false, err
	}
	logger := m.logger.With("identity", identity)
	acquired := false
	err := m.critical(ctx, identity, func(ctx context.Context) error {
		existing, err := m.backend.LoadLock(ctx, identity)
		switch {
		case err == nil:
			if !m.IsStale(ctx, existing) {
				logger.Info("locks.acquire.conflict",
					"owner_pid", existing.PID,
					"owner_host", existing.Host,
					"age", clock.Since(m.clock, existing.AcquiredAt),
				)
				return nil
			}
			logger.Info("locks.acquire.replace_stale", "owner_pid", existing.PID, "owner_host", existing.Host)
		case errors.Is(err, storage.ErrNotFound):
		case errors.Is(err, storage.ErrCorrupt):
			logger.Warn("locks.acquire.corrupt_record", "error", err)
		default:
			logger.Warn("locks.acquire.read_failed", "error", err)
		}
		lock := storage.Lock{
			Identity:   identity,
			PID:        m.pid,
			TaskID:     m.newTask(),
			AcquiredAt: m.clock.Now().UTC(),
			Host:       m.host,
			Platform:   m.platform,
		}
		if err := m.backend.StoreLock(ctx, lock); err != nil {
			return fmt.Errorf("locks: acquire %q: %w", identity, err)
		}
		m.held.Store(identity, lock)
		acquired = true
		return nil
	})
	switch {
	case err != nil:
		m.metrics.acquire(ctx, "error")
		logger.Warn("locks.acquire.error", "error", err)
		return false, err
	case acquired:
		m.metrics.acquire(ctx, "acquired")
		logger.Debug("locks.acquire.success")
	default:
		m.metrics.acquire(ctx, "conflict")
	}
	return acquired, nil
}

// Release removes this process's lock on identity. It is idempotent and
// never deletes a live lock owned by another process.
func (m *Manager) Release(ctx context.Context, identity string) error {
	if err := storage.ValidateIdentity(identity); err != nil {
		return err
	}
	logger := m.logger.With("identity", identity)
	err := m.critical(ctx, identity, func(ctx context.Context) error {
		existing, err := m.backend.LoadLock(ctx, identity)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			m.held.Delete(identity)
			return nil
		case errors.Is(err, storage.ErrCorrupt):
			logger.Warn("locks.release.corrupt_record", "error", err)
		case err != nil:
			return fmt.Errorf("locks: release %q: %w", identity, err)
		case !m.Owned(existing) && !m.IsStale(ctx, existing):
			m.held.Delete(identity)
			logger.Warn("locks.release.foreign_owner", "owner_pid", existing.PID, "owner_host", existing.Host)
			return nil
		}
		if err := m.backend.DeleteLock(ctx, identity); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("locks: release %q: %w", identity, err)
		}
		m.held.Delete(identity)
		return nil
	})
	if err != nil {
		m.metrics.release(ctx, "error")
		logger.Warn("locks.release.error", "error", err)
		return err
	}
	m.metrics.release(ctx, "released")
	logger.Debug("locks.release.success")
	return nil
}

// ForceRelease deletes the record for identity regardless of owner. It is
// meant for operators recovering from a crashed host. The returned bool
// reports whether a record existed.
func (m *Manager) ForceRelease(ctx context.Context, identity string) (bool, error) {
	if err := storage.ValidateIdentity(identity); err != nil {
		return false, err
	}
	removed := false
	err := m.critical(ctx, identity, func(ctx context.Context) error {
		err := m.backend.DeleteLock(ctx, identity)
		switch {
		case err == nil:
			removed = true
		case errors.Is(err, storage.ErrNotFound):
		default:
			return fmt.Errorf("locks: force release %q: %w", identity, err)
		}
		m.held.Delete(identity)
		return nil
	})
	if err == nil && removed {
		m.logger.Warn("locks.release.forced", "identity", identity)
	}
	return removed, err
}

// IsStale reports whether lock is older than the timeout, or was written on
// this host by a process that no longer exists. Records without a host tag
// are treated as local.
func (m *Manager) IsStale(ctx context.Context, lock storage.Lock) bool {
	if clock.Since(m.clock, lock.AcquiredAt) > m.timeout {
		return true
	}
	if m.sameHost(lock.Host) && !m.prober.Alive(ctx, lock.PID) {
		return true
	}
	return false
}

// Owned reports whether lock was written by this process.
func (m *Manager) Owned(lock storage.Lock) bool {
	return lock.PID == m.pid && m.sameHost(lock.Host)
}

// OwnsRecord reports whether lock is the record this Manager wrote when it
// acquired the identity. Other Managers in the same process share the PID
// and host but never the task id.
func (m *Manager) OwnsRecord(lock storage.Lock) bool {
	if !m.Owned(lock) {
		return false
	}
	v, ok := m.held.Load(lock.Identity)
	if !ok {
		return false
	}
	return v.(storage.Lock).TaskID == lock.TaskID
}

func (m *Manager) sameHost(host string) bool {
	return host == "" || host == m.host
}

// Held reports whether this Manager believes it holds identity. The answer
// comes from the in-memory index.
func (m *Manager) Held(identity string) bool {
	_, ok := m.held.Load(identity)
	return ok
}

// ListActive returns the sorted identities that have a non-stale record in
// the store.
func (m *Manager) ListActive(ctx context.Context) ([]string, error) {
	locks, err := m.ActiveLocks(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(locks))
	for _, lock := range locks {
		ids = append(ids, lock.Identity)
	}
	return ids, nil
}

// ActiveLocks returns the non-stale lock records, sorted by identity.
// Unreadable records are skipped.
func (m *Manager) ActiveLocks(ctx context.Context) ([]storage.Lock, error) {
	ids, err := m.backend.ListLocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("locks: list: %w", err)
	}
	active := make([]storage.Lock, 0, len(ids))
	for _, id := range ids {
		lock, err := m.backend.LoadLock(ctx, id)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				m.logger.Debug("locks.list.skip", "identity", id, "error", err)
			}
			continue
		}
		if m.IsStale(ctx, lock) {
			continue
		}
		active = append(active, lock)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Identity < active[j].Identity })
	return active, nil
}

// SweepStale deletes stale and corrupt records and returns the identities
// it removed, sorted.
func (m *Manager) SweepStale(ctx context.Context) ([]string, error) {
	ids, err := m.backend.ListLocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("locks: sweep: %w", err)
	}
	var removed []string
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		var deleted bool
		err := m.critical(ctx, id, func(ctx context.Context) error {
			lock, err := m.backend.LoadLock(ctx, id)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				return nil
			case errors.Is(err, storage.ErrCorrupt):
				m.logger.Warn("locks.sweep.corrupt_record", "identity", id, "error", err)
			case err != nil:
				return err
			case !m.IsStale(ctx, lock):
				return nil
			default:
				m.logger.Info("locks.sweep.stale",
					"identity", id,
					"owner_pid", lock.PID,
					"owner_host", lock.Host,
					"age", clock.Since(m.clock, lock.AcquiredAt),
				)
			}
			if err := m.backend.DeleteLock(ctx, id); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil
				}
				return err
			}
			m.held.Delete(id)
			deleted = true
			return nil
		})
		if err != nil {
			m.logger.Warn("locks.sweep.error", "identity", id, "error", err)
			continue
		}
		if deleted {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		m.metrics.swept(ctx, len(removed))
	}
	return removed, nil
}

// SubscribeChanges exposes the backend's change feed, if it has one.
func (m *Manager) SubscribeChanges() (storage.ChangeSubscription, error) {
	if n, ok := m.backend.(storage.ChangeNotifier); ok {
		return n.SubscribeChanges()
	}
	return nil, storage.ErrNotImplemented
}
