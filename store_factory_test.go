package sessiond

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/sessiond/internal/actionlog"
	"pkt.systems/sessiond/internal/actionlog/bolt"
	actionmemory "pkt.systems/sessiond/internal/actionlog/memory"
	"pkt.systems/sessiond/internal/actionlog/sqlite"
	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/loggingutil"
	"pkt.systems/sessiond/internal/storage"
)

func TestOpenLockStoreMemory(t *testing.T) {
	cfg := Config{Store: "mem://", StorageRetryMaxAttempts: 2}
	backend, err := OpenLockStore(context.Background(), cfg, loggingutil.NoopLogger())
	if err != nil {
		t.Fatalf("OpenLockStore: %v", err)
	}
	defer backend.Close()
	ctx := context.Background()
	lock := storage.Lock{Identity: "alpha", PID: 1, TaskID: "t", AcquiredAt: time.Now().UTC(), Host: "h"}
	if err := backend.StoreLock(ctx, lock); err != nil {
		t.Fatalf("StoreLock: %v", err)
	}
	got, err := backend.LoadLock(ctx, "alpha")
	if err != nil || got.PID != 1 {
		t.Fatalf("LoadLock = %+v, %v", got, err)
	}
	if _, ok := backend.(storage.Serializer); !ok {
		t.Fatal("memory store should keep its serializer through the wrappers")
	}
}

func TestOpenLockStoreDisk(t *testing.T) {
	root := t.TempDir()
	backend, err := OpenLockStore(context.Background(), Config{Store: "disk://" + root, DisableStorageTracing: true}, nil)
	if err != nil {
		t.Fatalf("OpenLockStore: %v", err)
	}
	defer backend.Close()
	ids, err := backend.ListLocks(context.Background())
	if err != nil || len(ids) != 0 {
		t.Fatalf("ListLocks = %v, %v", ids, err)
	}
}

func TestOpenLockStoreUnknownScheme(t *testing.T) {
	if _, err := OpenLockStore(context.Background(), Config{Store: "ftp://x"}, nil); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestBuildDiskConfig(t *testing.T) {
	cfg, err := BuildDiskConfig(Config{Store: "disk:///var/lib/sessiond/locks?watch=false"})
	if err != nil {
		t.Fatalf("BuildDiskConfig: %v", err)
	}
	if cfg.Root != "/var/lib/sessiond/locks" || cfg.Watch {
		t.Fatalf("disk config = %+v", cfg)
	}
	if _, err := BuildDiskConfig(Config{Store: "disk://"}); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://localhost:9000/locks/prod/eu?insecure=1&path-style=1",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" || s3cfg.Bucket != "locks" || s3cfg.Prefix != "prod/eu" {
		t.Fatalf("s3 config = %+v", s3cfg)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle || s3cfg.CustomCreds == nil {
		t.Fatalf("s3 flags = %+v", s3cfg)
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("summary = %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://host"}); err == nil {
		t.Fatal("expected missing bucket error")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://host/b", S3AccessKeyID: "only"}); err == nil {
		t.Fatal("expected incomplete credentials error")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	cfg, err := BuildAWSConfig(Config{Store: "aws://bucket/locks?region=eu-north-1"})
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if cfg.Bucket != "bucket" || cfg.Prefix != "locks" || cfg.Region != "eu-north-1" {
		t.Fatalf("aws config = %+v", cfg)
	}
	if _, err := BuildAWSConfig(Config{Store: "aws://bucket"}); err == nil {
		t.Fatal("expected missing region error")
	}
	cfg, err = BuildAWSConfig(Config{Store: "aws://bucket", AWSRegion: "us-east-1"})
	if err != nil || cfg.Region != "us-east-1" {
		t.Fatalf("region from config = %+v, %v", cfg, err)
	}
}

func TestBuildAzureConfig(t *testing.T) {
	t.Setenv("AZURE_STORAGE_ACCOUNT", "")
	cfg, err := BuildAzureConfig(Config{Store: "azure://acct/container/pre?sas=tok", AzureAccountKey: "key"})
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if cfg.Account != "acct" || cfg.Container != "container" || cfg.Prefix != "pre" || cfg.SASToken != "tok" || cfg.AccountKey != "key" {
		t.Fatalf("azure config = %+v", cfg)
	}
	if _, err := BuildAzureConfig(Config{Store: "azure://acct"}); err == nil {
		t.Fatal("expected missing container error")
	}
}

func TestOpenActionLogSchemes(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	dir := t.TempDir()
	cases := []struct {
		dsn   string
		check func(actionlog.Log) bool
	}{
		{"mem://", func(l actionlog.Log) bool { _, ok := l.(*actionmemory.Log); return ok }},
		{"bolt://" + filepath.Join(dir, "nested", "actions.db"), func(l actionlog.Log) bool { _, ok := l.(*bolt.Log); return ok }},
		{"sqlite://" + filepath.Join(dir, "actions.sqlite"), func(l actionlog.Log) bool { _, ok := l.(*sqlite.Log); return ok }},
	}
	for _, tc := range cases {
		log, err := OpenActionLog(ctx, Config{ActionLog: tc.dsn}, clk, nil)
		if err != nil {
			t.Fatalf("OpenActionLog(%s): %v", tc.dsn, err)
		}
		if !tc.check(log) {
			t.Fatalf("OpenActionLog(%s) returned %T", tc.dsn, log)
		}
		if _, err := log.Append(ctx, actionlog.Record{WorkerID: "w1", Kind: actionlog.KindLike, Success: true}); err != nil {
			t.Fatalf("append via %s: %v", tc.dsn, err)
		}
		n, err := log.CountSince(ctx, "w1", actionlog.KindLike, clk.Now().Add(-time.Hour))
		if err != nil || n != 1 {
			t.Fatalf("count via %s = %d, %v", tc.dsn, n, err)
		}
		if err := log.Close(); err != nil {
			t.Fatalf("close %s: %v", tc.dsn, err)
		}
	}
	if _, err := OpenActionLog(ctx, Config{ActionLog: "bolt://"}, clk, nil); err == nil {
		t.Fatal("expected error for bolt without path")
	}
}

func TestRedactDSN(t *testing.T) {
	got := redactDSN("postgres://user:secret@db:5432/actions")
	if got != "postgres://user:xxxxx@db:5432/actions" {
		t.Fatalf("redactDSN = %q", got)
	}
}
