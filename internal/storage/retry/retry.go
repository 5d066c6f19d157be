package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
// Optional capabilities of inner (Serializer, ChangeNotifier) are forwarded.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clock.Or(clk),
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) LoadLock(ctx context.Context, identity string) (storage.Lock, error) {
	var lock storage.Lock
	err := b.withRetry(ctx, "load_lock", identity, func(ctx context.Context) error {
		var err error
		lock, err = b.inner.LoadLock(ctx, identity)
		return err
	})
	return lock, err
}

func (b *backend) StoreLock(ctx context.Context, lock storage.Lock) error {
	return b.withRetry(ctx, "store_lock", lock.Identity, func(ctx context.Context) error {
		return b.inner.StoreLock(ctx, lock)
	})
}

func (b *backend) DeleteLock(ctx context.Context, identity string) error {
	return b.withRetry(ctx, "delete_lock", identity, func(ctx context.Context) error {
		return b.inner.DeleteLock(ctx, identity)
	})
}

func (b *backend) ListLocks(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.withRetry(ctx, "list_locks", "", func(ctx context.Context) error {
		var err error
		ids, err = b.inner.ListLocks(ctx)
		return err
	})
	return ids, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

// WithIdentityLock forwards to inner when it can serialise; otherwise fn
// runs directly.
func (b *backend) WithIdentityLock(ctx context.Context, identity string, fn func(context.Context) error) error {
	if s, ok := b.inner.(storage.Serializer); ok {
		return s.WithIdentityLock(ctx, identity, fn)
	}
	return fn(ctx)
}

func (b *backend) SubscribeChanges() (storage.ChangeSubscription, error) {
	if n, ok := b.inner.(storage.ChangeNotifier); ok {
		return n.SubscribeChanges()
	}
	return nil, storage.ErrNotImplemented
}

func (b *backend) withRetry(ctx context.Context, op, identity string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"identity", identity,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(delay):
		}
		next := time.Duration(float64(delay) * b.cfg.Multiplier)
		if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
			next = b.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
