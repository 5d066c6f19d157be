package disk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/sessiond/internal/storage"
)

func newTestStore(t *testing.T, watch bool) *Store {
	t.Helper()
	store, err := New(Config{Root: filepath.Join(t.TempDir(), "store"), Watch: watch})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDiskStoreRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, false)
	ctx := context.Background()

	lock := storage.Lock{
		Identity:   "alice/main",
		PID:        1234,
		TaskID:     "task-1",
		AcquiredAt: time.Unix(1700000000, 0).UTC(),
		Host:       "vps-1",
		Platform:   "linux",
	}
	if err := store.StoreLock(ctx, lock); err != nil {
		t.Fatalf("store lock: %v", err)
	}
	got, err := store.LoadLock(ctx, lock.Identity)
	if err != nil {
		t.Fatalf("load lock: %v", err)
	}
	if got != lock {
		t.Fatalf("load mismatch: got %+v want %+v", got, lock)
	}
	ids, err := store.ListLocks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != lock.Identity {
		t.Fatalf("list = %v", ids)
	}
	if err := store.DeleteLock(ctx, lock.Identity); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteLock(ctx, lock.Identity); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second delete: want ErrNotFound, got %v", err)
	}
	if _, err := store.LoadLock(ctx, lock.Identity); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("load after delete: want ErrNotFound, got %v", err)
	}
}

func TestDiskStoreCorruptRecordIsListedAndReported(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, false)
	ctx := context.Background()

	path, err := store.recordPath("bob")
	if err != nil {
		t.Fatalf("record path: %v", err)
	}
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.LoadLock(ctx, "bob"); !errors.Is(err, storage.ErrCorrupt) {
		t.Fatalf("want ErrCorrupt, got %v", err)
	}
	ids, err := store.ListLocks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "bob" {
		t.Fatalf("corrupt record should still be listed, got %v", ids)
	}
	if err := store.DeleteLock(ctx, "bob"); err != nil {
		t.Fatalf("delete corrupt: %v", err)
	}
}

func TestDiskStoreIgnoresForeignFiles(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, false)
	if err := os.WriteFile(filepath.Join(store.recordDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ids, err := store.ListLocks(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no identities, got %v", ids)
	}
}

func TestWithIdentityLockSerialisesAcrossStores(t *testing.T) {
	t.Parallel()
	root := filepath.Join(t.TempDir(), "shared")
	a, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new b: %v", err)
	}

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		store := a
		if i%2 == 1 {
			store = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithIdentityLock(context.Background(), "carol", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			if err != nil {
				t.Errorf("with lock: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("critical section overlapped: max=%d", maxInside)
	}
}

func TestWithIdentityLockPropagatesError(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, false)
	sentinel := errors.New("inner")
	err := store.WithIdentityLock(context.Background(), "dave", func(context.Context) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("want sentinel, got %v", err)
	}
}

func TestInvalidIdentityRejected(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, false)
	if _, err := store.LoadLock(context.Background(), ".."); !errors.Is(err, storage.ErrInvalidIdentity) {
		t.Fatalf("want ErrInvalidIdentity, got %v", err)
	}
}
