package clock

import (
	"sync"
	"time"
)

// Stepping is a Clock whose timers fire immediately, moving Now forward by
// the requested duration. It lets multi-hour schedules run instantly while
// timestamps still advance as they would in real time.
type Stepping struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

// NewStepping returns a Stepping clock starting at start.
func NewStepping(start time.Time) *Stepping {
	return &Stepping{now: start.UTC()}
}

// Now returns the current virtual time.
func (s *Stepping) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// After advances the clock by d and returns an already-fired channel.
func (s *Stepping) After(d time.Duration) <-chan time.Time {
	s.mu.Lock()
	if d > 0 {
		s.now = s.now.Add(d)
	}
	s.waits = append(s.waits, d)
	now := s.now
	s.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Sleep advances the clock by d.
func (s *Stepping) Sleep(d time.Duration) {
	<-s.After(d)
}

// Waits returns every duration passed to After, in order.
func (s *Stepping) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}
