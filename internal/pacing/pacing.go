// Package pacing provides the cooperative stop flag and cancellable waits
// that every worker delay is built from.
package pacing

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/sessiond/internal/clock"
)

// ErrStopped is returned when a wait or call is abandoned because the
// worker's running flag was cleared.
var ErrStopped = errors.New("pacing: stopped")

// Flag is a level-triggered running flag. The zero value is not usable; use
// NewFlag.
type Flag struct {
	stopped atomic.Bool
	once    sync.Once
	done    chan struct{}
}

// NewFlag returns a flag in the running state.
func NewFlag() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Running reports whether Stop has not been called.
func (f *Flag) Running() bool {
	return f != nil && !f.stopped.Load()
}

// Stop clears the running flag and wakes every pending Wait. Safe to call
// more than once.
func (f *Flag) Stop() {
	f.once.Do(func() {
		f.stopped.Store(true)
		close(f.done)
	})
}

// Done is closed once Stop has been called.
func (f *Flag) Done() <-chan struct{} {
	return f.done
}

// Wait blocks for d on clk. It returns early with ErrStopped when the flag is
// cleared, or with ctx.Err() when ctx ends. A nil flag never stops.
func Wait(ctx context.Context, clk clock.Clock, flag *Flag, d time.Duration) error {
	if flag != nil && !flag.Running() {
		return ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	var stop <-chan struct{}
	if flag != nil {
		stop = flag.Done()
	}
	select {
	case <-clock.Or(clk).After(d):
		return nil
	case <-stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Range is an inclusive duration interval used for jittered pauses.
type Range struct {
	Min time.Duration `yaml:"min" json:"min"`
	Max time.Duration `yaml:"max" json:"max"`
}

// Validate rejects negative or inverted ranges.
func (r Range) Validate() error {
	if r.Min < 0 || r.Max < 0 {
		return fmt.Errorf("pacing: negative range %s..%s", r.Min, r.Max)
	}
	if r.Max < r.Min {
		return fmt.Errorf("pacing: range max %s below min %s", r.Max, r.Min)
	}
	return nil
}

// IsZero reports whether both bounds are unset.
func (r Range) IsZero() bool {
	return r.Min == 0 && r.Max == 0
}

func (r Range) String() string {
	return fmt.Sprintf("%s..%s", r.Min, r.Max)
}

// Jitter draws uniformly distributed durations. It is safe for concurrent use.
type Jitter struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewJitter returns a Jitter seeded from the runtime's entropy source.
func NewJitter() *Jitter {
	return &Jitter{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeededJitter returns a deterministic Jitter for tests.
func NewSeededJitter(seed1, seed2 uint64) *Jitter {
	return &Jitter{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// Pick returns a duration uniformly drawn from r.
func (j *Jitter) Pick(r Range) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	span := int64(r.Max - r.Min)
	j.mu.Lock()
	n := j.rng.Int64N(span + 1)
	j.mu.Unlock()
	return r.Min + time.Duration(n)
}

// Intn returns a uniformly drawn int in [0, n).
func (j *Jitter) Intn(n int) int {
	if n <= 1 {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rng.IntN(n)
}

// Or returns j, or a fresh entropy-seeded Jitter when j is nil.
func (j *Jitter) Or() *Jitter {
	if j == nil {
		return NewJitter()
	}
	return j
}
