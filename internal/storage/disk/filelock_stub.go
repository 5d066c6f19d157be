//go:build !unix

package disk

import (
	"context"
	"os"
	"time"
)

// lockFile only honours ctx on platforms without fcntl; cross-process
// exclusion there relies on the in-process mutexes alone.
func lockFile(ctx context.Context, _ *os.File, _ time.Duration) error {
	return ctx.Err()
}

func unlockFile(*os.File) error { return nil }
