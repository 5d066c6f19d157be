// Package storagecheck exercises a lock store end to end with a synthetic
// identity so operators can verify credentials, permissions and the
// backend's read-after-write behaviour before pointing workers at it.
package storagecheck

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"
	"time"

	"pkt.systems/sessiond/internal/storage"
	"pkt.systems/sessiond/internal/taskid"
)

// IdentityPrefix prefixes the synthetic identity written by Verify.
const IdentityPrefix = "sessiond-verify-"

// Result captures the outcome of store verification checks.
type Result struct {
	Provider string
	Identity string
	Checks   []CheckResult
}

// Passed reports whether all checks succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of a single verification step.
type CheckResult struct {
	Name    string
	Err     error
	Skipped bool
	Elapsed time.Duration
}

// Verify writes, reads, lists, serialises on and deletes a synthetic lock.
// Steps after a failed write are skipped. The synthetic record is removed
// on a best-effort basis even when a later step fails.
func Verify(ctx context.Context, provider string, backend storage.Backend, host string) Result {
	id := taskid.New()
	lock := storage.Lock{
		Identity:   IdentityPrefix + id,
		PID:        os.Getpid(),
		TaskID:     id,
		AcquiredAt: time.Now().UTC().Truncate(time.Millisecond),
		Host:       host,
		Platform:   runtime.GOOS,
	}
	result := Result{Provider: provider, Identity: lock.Identity}
	run := func(name string, fn func() error) bool {
		start := time.Now()
		err := fn()
		result.Checks = append(result.Checks, CheckResult{Name: name, Err: err, Elapsed: time.Since(start)})
		return err == nil
	}
	skip := func(names ...string) {
		for _, name := range names {
			result.Checks = append(result.Checks, CheckResult{Name: name, Skipped: true})
		}
	}

	run("ListLocks", func() error {
		_, err := backend.ListLocks(ctx)
		return err
	})
	if !run("StoreLock", func() error { return backend.StoreLock(ctx, lock) }) {
		skip("LoadLock", "ListContains", "IdentityLock", "DeleteLock", "LoadAfterDelete")
		return result
	}
	deleted := false
	defer func() {
		if !deleted {
			_ = backend.DeleteLock(context.WithoutCancel(ctx), lock.Identity)
		}
	}()

	run("LoadLock", func() error {
		got, err := backend.LoadLock(ctx, lock.Identity)
		if err != nil {
			return err
		}
		return compare(lock, got)
	})
	run("ListContains", func() error {
		ids, err := backend.ListLocks(ctx)
		if err != nil {
			return err
		}
		if !slices.Contains(ids, lock.Identity) {
			return fmt.Errorf("listing of %d records does not include %q", len(ids), lock.Identity)
		}
		return nil
	})
	if s, ok := backend.(storage.Serializer); ok {
		run("IdentityLock", func() error {
			return s.WithIdentityLock(ctx, lock.Identity, func(ctx context.Context) error {
				_, err := backend.LoadLock(ctx, lock.Identity)
				return err
			})
		})
	} else {
		skip("IdentityLock")
	}
	deleted = run("DeleteLock", func() error { return backend.DeleteLock(ctx, lock.Identity) })
	if !deleted {
		skip("LoadAfterDelete")
		return result
	}
	run("LoadAfterDelete", func() error {
		_, err := backend.LoadLock(ctx, lock.Identity)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil
		case err != nil:
			return err
		default:
			return errors.New("record still readable after delete")
		}
	})
	return result
}

func compare(want, got storage.Lock) error {
	switch {
	case got.Identity != want.Identity:
		return fmt.Errorf("identity = %q, want %q", got.Identity, want.Identity)
	case got.PID != want.PID || got.TaskID != want.TaskID:
		return fmt.Errorf("owner = %d/%s, want %d/%s", got.PID, got.TaskID, want.PID, want.TaskID)
	case !got.AcquiredAt.Equal(want.AcquiredAt):
		return fmt.Errorf("acquired_at = %s, want %s", got.AcquiredAt, want.AcquiredAt)
	case got.Host != want.Host:
		return fmt.Errorf("host = %q, want %q", got.Host, want.Host)
	}
	return nil
}
