// Package retry wraps remote account calls with failure classification,
// class-specific backoff and the pause that follows every successful call.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/loggingutil"
	"pkt.systems/sessiond/internal/pacing"
)

const (
	// DefaultMaxAttempts bounds the attempts made per call.
	DefaultMaxAttempts = 3
	// DefaultCallTimeout bounds a single attempt.
	DefaultCallTimeout = 45 * time.Second
	rateLimitStep      = 600 * time.Second
	rateLimitCap       = 1800 * time.Second
	transientBase      = 10 * time.Second
)

// Remote operation names with dedicated post-success pauses.
const (
	OpLogin            = "login"
	OpFetchProfile     = "fetch_profile"
	OpFetchRecentPosts = "fetch_recent_posts"
	OpFetchLikers      = "fetch_likers"
	OpFetchComments    = "fetch_comments"
	OpLike             = "like"
	OpFollow           = "follow"
	OpSendMessage      = "send_message"
)

// DefaultPauses returns the post-success pause for each named operation.
func DefaultPauses() map[string]pacing.Range {
	return map[string]pacing.Range{
		OpFetchRecentPosts: {Min: 10 * time.Second, Max: 20 * time.Second},
		OpFetchLikers:      {Min: 15 * time.Second, Max: 30 * time.Second},
		OpFetchProfile:     {Min: 10 * time.Second, Max: 15 * time.Second},
		OpSendMessage:      {Min: 30 * time.Second, Max: 60 * time.Second},
		OpFollow:           {Min: 15 * time.Second, Max: 30 * time.Second},
	}
}

// DefaultPause applies to operations missing from the pause table.
var DefaultPause = pacing.Range{Min: 5 * time.Second, Max: 10 * time.Second}

var unknownBackoff = pacing.Range{Min: 30 * time.Second, Max: 60 * time.Second}

// Error reports a call that failed for good.
type Error struct {
	Op       string
	Class    Class
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retry: %s failed after %d attempt(s) (%s): %v", e.Op, e.Attempts, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config tunes a Policy. Zero values select defaults.
type Config struct {
	MaxAttempts  int
	CallTimeout  time.Duration
	Pauses       map[string]pacing.Range
	DefaultPause pacing.Range
	Clock        clock.Clock
	Jitter       *pacing.Jitter
	Logger       pslog.Logger
}

// Policy executes remote calls. It is safe for concurrent use.
type Policy struct {
	maxAttempts  int
	callTimeout  time.Duration
	pauses       map[string]pacing.Range
	defaultPause pacing.Range
	clock        clock.Clock
	jitter       *pacing.Jitter
	logger       pslog.Logger
	metrics      *retryMetrics
}

// New builds a Policy from cfg.
func New(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Pauses == nil {
		cfg.Pauses = DefaultPauses()
	}
	if cfg.DefaultPause.IsZero() {
		cfg.DefaultPause = DefaultPause
	}
	logger := loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "retry.policy")
	return &Policy{
		maxAttempts:  cfg.MaxAttempts,
		callTimeout:  cfg.CallTimeout,
		pauses:       cfg.Pauses,
		defaultPause: cfg.DefaultPause,
		clock:        clock.Or(cfg.Clock),
		jitter:       cfg.Jitter.Or(),
		logger:       logger,
		metrics:      newRetryMetrics(logger),
	}
}

// MaxAttempts returns the configured attempt bound.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// PauseFor returns the post-success pause range for op.
func (p *Policy) PauseFor(op string) pacing.Range {
	if r, ok := p.pauses[op]; ok {
		return r
	}
	return p.defaultPause
}

// Backoff returns the delay before the retry following a failed attempt.
// attempt counts from zero.
func (p *Policy) Backoff(class Class, attempt int) time.Duration {
	switch class {
	case ClassRateLimited:
		d := rateLimitStep * time.Duration(attempt+1)
		if d > rateLimitCap {
			d = rateLimitCap
		}
		return d
	case ClassTransient:
		return transientBase << uint(attempt)
	case ClassFatal:
		return 0
	default:
		return p.jitter.Pick(unknownBackoff)
	}
}

// Run executes fn under the policy, discarding any value.
func (p *Policy) Run(ctx context.Context, flag *pacing.Flag, op string, fn func(context.Context) error) error {
	_, err := Do(ctx, p, flag, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do executes fn until it succeeds, fails fatally, runs out of attempts or
// is stopped. After a success it pauses for the op's range; an interrupted
// pause still returns the value, and the caller observes the stop on its next
// wait. Exhausted and fatal failures come back as *Error.
func Do[T any](ctx context.Context, p *Policy, flag *pacing.Flag, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if flag != nil && !flag.Running() {
		return zero, pacing.ErrStopped
	}
	logger := p.logger
	if l := pslog.LoggerFromContext(ctx); l != nil {
		logger = loggingutil.WithSubsystem(l, "retry.policy")
	}
	for attempt := 0; ; attempt++ {
		if attempt > 0 && flag != nil && !flag.Running() {
			return zero, pacing.ErrStopped
		}
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		value, err := fn(callCtx)
		cancel()
		if err == nil {
			p.metrics.call(ctx, op, "ok")
			pause := p.jitter.Pick(p.PauseFor(op))
			if werr := pacing.Wait(ctx, p.clock, flag, pause); werr != nil {
				logger.Debug("retry.pause.interrupted", "op", op, "error", werr)
			}
			return value, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			p.metrics.call(ctx, op, "canceled")
			return zero, fmt.Errorf("retry: %s: %w", op, ctxErr)
		}
		class := Classify(err)
		p.metrics.call(ctx, op, string(class))
		if class == ClassFatal || attempt+1 >= p.maxAttempts {
			logger.Warn("retry.call.failed", "op", op, "class", class, "attempts", attempt+1, "error", err)
			return zero, &Error{Op: op, Class: class, Attempts: attempt + 1, Err: err}
		}
		delay := p.Backoff(class, attempt)
		logger.Info("retry.call.backoff", "op", op, "class", class, "attempt", attempt+1, "delay", delay, "error", err)
		p.metrics.retry(ctx, op, string(class))
		if werr := pacing.Wait(ctx, p.clock, flag, delay); werr != nil {
			if errors.Is(werr, pacing.ErrStopped) {
				return zero, werr
			}
			return zero, fmt.Errorf("retry: %s: %w", op, werr)
		}
	}
}
