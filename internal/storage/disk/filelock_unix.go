//go:build unix

package disk

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive fcntl lock on f, polling with a non-blocking
// F_SETLK until it succeeds or ctx is done.
func lockFile(ctx context.Context, f *os.File, poll time.Duration) error {
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: int16(0)}
	for {
		err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EACCES) && !errors.Is(err, unix.EINTR) {
			return err
		}
		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func unlockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(0)}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
}
