package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/sessiond/internal/storage"
)

func TestStoreLockLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	lock := storage.Lock{Identity: "alpha", PID: 10, AcquiredAt: time.Now().UTC().Truncate(time.Second)}
	if err := store.StoreLock(ctx, lock); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := store.LoadLock(ctx, "alpha")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.PID != 10 || !got.AcquiredAt.Equal(lock.AcquiredAt) {
		t.Fatalf("unexpected lock %+v", got)
	}
	ids, _ := store.ListLocks(ctx)
	if len(ids) != 1 || ids[0] != "alpha" {
		t.Fatalf("list = %v", ids)
	}
	if err := store.DeleteLock(ctx, "alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteLock(ctx, "alpha"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutRawCorruptRecord(t *testing.T) {
	store := New()
	store.PutRaw("beta", []byte("nope"))
	if _, err := store.LoadLock(context.Background(), "beta"); !errors.Is(err, storage.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestStoreLockRejectsIncompleteRecord(t *testing.T) {
	store := New()
	if err := store.StoreLock(context.Background(), storage.Lock{Identity: "gamma"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestWithIdentityLockHonoursContext(t *testing.T) {
	store := New()
	release := make(chan struct{})
	entered := make(chan struct{})
	go store.WithIdentityLock(context.Background(), "delta", func(context.Context) error {
		close(entered)
		<-release
		return nil
	})
	<-entered
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := store.WithIdentityLock(ctx, "delta", func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
}

func TestSubscribeChanges(t *testing.T) {
	store := New()
	sub, err := store.SubscribeChanges()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := store.StoreLock(context.Background(), storage.Lock{Identity: "eps", PID: 1, AcquiredAt: time.Now()}); err != nil {
		t.Fatalf("store: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	sub.Close()
	if _, ok := <-sub.Events(); ok {
		t.Fatal("events channel should be closed")
	}
}
