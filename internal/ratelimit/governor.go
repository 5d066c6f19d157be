// Package ratelimit gates remote actions on a rolling one-hour budget per
// worker and action kind. Counts come from the action log, so budgets hold
// across restarts and across processes sharing a log.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/actionlog"
	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/loggingutil"
)

// Window is the rolling budget window.
const Window = time.Hour

// Counter is the slice of actionlog.Log the governor needs.
type Counter interface {
	CountSince(ctx context.Context, workerID string, kind actionlog.Kind, since time.Time) (int, error)
}

// Limits are per-hour budgets by action kind. Default applies to kinds
// without an explicit budget.
type Limits struct {
	Like    int `yaml:"like" json:"like"`
	Follow  int `yaml:"follow" json:"follow"`
	Message int `yaml:"message" json:"message"`
	Comment int `yaml:"comment" json:"comment"`
	Default int `yaml:"default" json:"default"`
}

// DefaultLimits returns the stock hourly budgets.
func DefaultLimits() Limits {
	return Limits{Like: 8, Follow: 4, Message: 2, Comment: 3, Default: 5}
}

// WithDefaults fills zero budgets from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.Like == 0 {
		l.Like = d.Like
	}
	if l.Follow == 0 {
		l.Follow = d.Follow
	}
	if l.Message == 0 {
		l.Message = d.Message
	}
	if l.Comment == 0 {
		l.Comment = d.Comment
	}
	if l.Default == 0 {
		l.Default = d.Default
	}
	return l
}

// Validate rejects negative budgets.
func (l Limits) Validate() error {
	for name, v := range map[string]int{"like": l.Like, "follow": l.Follow, "message": l.Message, "comment": l.Comment, "default": l.Default} {
		if v < 0 {
			return fmt.Errorf("ratelimit: %s limit must be >= 0", name)
		}
	}
	return nil
}

// For returns the budget for kind.
func (l Limits) For(kind actionlog.Kind) int {
	switch kind {
	case actionlog.KindLike:
		return l.Like
	case actionlog.KindFollow:
		return l.Follow
	case actionlog.KindMessage:
		return l.Message
	case actionlog.KindComment:
		return l.Comment
	default:
		return l.Default
	}
}

// Governor answers whether a worker may perform another action of a kind.
type Governor struct {
	counter Counter
	limits  Limits
	clock   clock.Clock
	logger  pslog.Logger
}

// Option customises a Governor.
type Option func(*Governor)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(g *Governor) { g.clock = clock.Or(c) }
}

// WithLogger sets the logger.
func WithLogger(l pslog.Logger) Option {
	return func(g *Governor) {
		g.logger = loggingutil.WithSubsystem(loggingutil.EnsureLogger(l), "ratelimit.governor")
	}
}

// New builds a Governor over counter. Zero limits take defaults.
func New(counter Counter, limits Limits, opts ...Option) *Governor {
	g := &Governor{
		counter: counter,
		limits:  limits.WithDefaults(),
		clock:   clock.Real{},
		logger:  loggingutil.NoopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Limits returns the effective budgets.
func (g *Governor) Limits() Limits { return g.limits }

// Allow reports whether workerID has budget left for kind in the current
// window. A log failure denies and returns the error.
func (g *Governor) Allow(ctx context.Context, workerID string, kind actionlog.Kind) (bool, error) {
	remaining, err := g.Remaining(ctx, workerID, kind)
	if err != nil {
		g.logger.Warn("ratelimit.allow.count_failed", "worker", workerID, "kind", kind, "error", err)
		return false, err
	}
	if remaining <= 0 {
		g.logger.Info("ratelimit.allow.denied", "worker", workerID, "kind", kind, "limit", g.limits.For(kind))
		return false, nil
	}
	return true, nil
}

// Remaining returns how many more actions of kind workerID may perform in
// the current window. It never returns a negative number.
func (g *Governor) Remaining(ctx context.Context, workerID string, kind actionlog.Kind) (int, error) {
	used, err := g.counter.CountSince(ctx, workerID, kind, g.clock.Now().Add(-Window))
	if err != nil {
		return 0, fmt.Errorf("ratelimit: count %s for %q: %w", kind, workerID, err)
	}
	left := g.limits.For(kind) - used
	if left < 0 {
		left = 0
	}
	return left, nil
}
