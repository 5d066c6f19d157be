package logging

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/storage"
	"pkt.systems/sessiond/internal/storage/memory"
)

func TestWrapPassesThrough(t *testing.T) {
	backend := Wrap(memory.New(), pslog.NoopLogger(), "mem")
	ctx := context.Background()
	lock := storage.Lock{Identity: "alice", PID: 4, AcquiredAt: time.Unix(100, 0).UTC()}
	if err := backend.StoreLock(ctx, lock); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := backend.LoadLock(ctx, "alice")
	if err != nil || got != lock {
		t.Fatalf("load = %+v, %v", got, err)
	}
	ids, err := backend.ListLocks(ctx)
	if err != nil || len(ids) != 1 {
		t.Fatalf("list = %v, %v", ids, err)
	}
	if err := backend.DeleteLock(ctx, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := backend.DeleteLock(ctx, "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestWrapForwardsOptionalCapabilities(t *testing.T) {
	backend := Wrap(memory.New(), nil, "mem")
	if _, ok := backend.(storage.Serializer); !ok {
		t.Fatal("Serializer not exposed")
	}
	sub, err := backend.(storage.ChangeNotifier).SubscribeChanges()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Close()
}
