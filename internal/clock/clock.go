package clock

import "time"

// Clock abstracts time so pauses, lock ages, and rolling windows can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least the supplied duration.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Or returns c, or Real when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Since reports the time elapsed on c since t. Negative ages (records written
// by a host whose clock runs ahead) are clamped to zero.
func Since(c Clock, t time.Time) time.Duration {
	age := Or(c).Now().Sub(t)
	if age < 0 {
		return 0
	}
	return age
}
