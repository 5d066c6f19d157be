//go:build unix

package liveness

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"
)

// Signal probes with kill(pid, 0). EPERM means the process exists but belongs
// to another user, which still counts as alive.
type Signal struct{}

// Alive reports whether pid accepts signal 0.
func (Signal) Alive(_ context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}

func platformDefault() Prober {
	return Signal{}
}
