// Package liveness answers "is this process still running" for lock
// staleness checks. Probes may be wrong under PID reuse; lock timeouts cover
// that gap.
package liveness

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"
)

// Prober reports whether a process id belongs to a running process.
type Prober interface {
	Alive(ctx context.Context, pid int) bool
}

// Func adapts a function into a Prober. Tests use it to fake liveness.
type Func func(ctx context.Context, pid int) bool

// Alive calls f.
func (f Func) Alive(ctx context.Context, pid int) bool {
	return f(ctx, pid)
}

// Static returns a Prober that reports every PID in alive as running and any
// other PID as dead.
func Static(alive ...int) Prober {
	set := make(map[int]struct{}, len(alive))
	for _, pid := range alive {
		set[pid] = struct{}{}
	}
	return Func(func(_ context.Context, pid int) bool {
		_, ok := set[pid]
		return ok
	})
}

// Process probes the process table through gopsutil, which works on every
// platform gopsutil supports including Windows.
type Process struct{}

// Alive reports whether pid exists. Probe failures count as alive so an
// unreadable process table never frees a lock that is still in use.
func (Process) Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return true
	}
	return ok
}

// Default returns the platform's preferred prober: a signal-0 probe on unix
// and the gopsutil process table elsewhere.
func Default() Prober {
	return platformDefault()
}
