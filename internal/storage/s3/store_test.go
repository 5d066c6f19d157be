package s3

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"

	"pkt.systems/sessiond/internal/storage"
)

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "sessiond-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	endpoint := strings.TrimPrefix(server.URL, "http://")
	os.Setenv("AWS_ACCESS_KEY_ID", "test")
	os.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := Config{
		Endpoint:       endpoint,
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "tenant-a",
		Insecure:       true,
		ForcePathStyle: true,
	}
	return server, cfg
}

func TestS3StoreLockLifecycle(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	lock := storage.Lock{Identity: "alpha", PID: 321, TaskID: "t", AcquiredAt: time.Unix(1700000000, 0).UTC(), Host: "h1", Platform: "linux"}
	if err := store.StoreLock(ctx, lock); err != nil {
		t.Fatalf("store lock: %v", err)
	}
	got, err := store.LoadLock(ctx, "alpha")
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
	if len(ids) != 1 || ids[0] != "alpha" {
		t.Fatalf("list = %v", ids)
	}
	if err := store.DeleteLock(ctx, "alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteLock(ctx, "alpha"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if _, err := store.LoadLock(ctx, "alpha"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestS3StoreCorruptObject(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	object, err := store.objectKey("beta")
	if err != nil {
		t.Fatalf("object key: %v", err)
	}
	payload := []byte("not json")
	if _, err := store.Client().PutObject(ctx, cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{}); err != nil {
		t.Fatalf("put raw: %v", err)
	}
	if _, err := store.LoadLock(ctx, "beta"); !errors.Is(err, storage.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	ids, err := store.ListLocks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "beta" {
		t.Fatalf("corrupt object should be listed, got %v", ids)
	}
}

func TestIsRetryableStatusCodes(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
	}
	for _, tc := range tests {
		err := minio.ErrorResponse{StatusCode: tc.status}
		if got := isRetryable(err); got != tc.want {
			t.Errorf("status %d: retryable=%v want %v", tc.status, got, tc.want)
		}
	}
	if !storage.IsTransient(wrapError(minio.ErrorResponse{StatusCode: 503}, "s3: test")) {
		t.Fatal("503 should be wrapped as transient")
	}
}
