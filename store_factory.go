package sessiond

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/actionlog"
	"pkt.systems/sessiond/internal/actionlog/bolt"
	actionmemory "pkt.systems/sessiond/internal/actionlog/memory"
	"pkt.systems/sessiond/internal/actionlog/postgres"
	"pkt.systems/sessiond/internal/actionlog/sqlite"
	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/loggingutil"
	"pkt.systems/sessiond/internal/storage"
	awsstore "pkt.systems/sessiond/internal/storage/aws"
	azurestore "pkt.systems/sessiond/internal/storage/azure"
	"pkt.systems/sessiond/internal/storage/disk"
	storagelogging "pkt.systems/sessiond/internal/storage/logging"
	"pkt.systems/sessiond/internal/storage/memory"
	storageretry "pkt.systems/sessiond/internal/storage/retry"
	"pkt.systems/sessiond/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// OpenLockStore opens the lock store named by cfg.Store and decorates it
// with retry and (unless disabled) tracing/logging. cfg should already be
// validated.
func OpenLockStore(ctx context.Context, cfg Config, logger pslog.Logger) (storage.Backend, error) {
	logger = loggingutil.EnsureLogger(logger)
	backend, kind, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	storeLogger := loggingutil.WithSubsystem(logger, "storage.backend."+kind)
	if !cfg.DisableStorageTracing {
		backend = storagelogging.Wrap(backend, storeLogger, kind)
	}
	backend = storageretry.Wrap(backend, storeLogger, clock.Real{}, storageretry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	logger.Info("storage.backend.open", "kind", kind, "store", redactDSN(cfg.Store))
	return backend, nil
}

func openBackend(ctx context.Context, cfg Config) (storage.Backend, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, "", fmt.Errorf("parse store URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory", "mem", "":
		return memory.New(), "memory", nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, "", err
		}
		backend, err := disk.New(diskCfg)
		if err != nil {
			return nil, "", err
		}
		return backend, "disk", nil
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, "", err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, "", err
		}
		if err := ensureBucket(ctx, backend); err != nil {
			_ = backend.Close()
			return nil, "", err
		}
		return backend, "s3", nil
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, "", err
		}
		backend, err := awsstore.New(ctx, awscfg)
		if err != nil {
			return nil, "", err
		}
		return backend, "aws", nil
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, "", err
		}
		backend, err := azurestore.New(ctx, azureCfg)
		if err != nil {
			return nil, "", err
		}
		return backend, "azure", nil
	default:
		return nil, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

func ensureBucket(ctx context.Context, backend *s3.Store) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := backend.BucketExists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket does not exist")
	}
	return nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	root, err := dsnPath(u)
	if err != nil {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/sessiond/locks)")
	}
	watch := true
	if v := u.Query().Get("watch"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			watch = ok
		}
	}
	return disk.Config{Root: root, Watch: watch}, nil
}

// BuildGenericS3Config parses s3:// URLs that target S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucket(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	cred, summary, err := resolveS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       queryBool(query, "insecure"),
		ForcePathStyle: queryBool(query, "path-style"),
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix]?region= URLs. Credentials come
// from the AWS default chain.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or AWS_REGION)")
	}
	return awsstore.Config{
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       queryBool(query, "insecure"),
		ForcePathStyle: queryBool(query, "path-style"),
	}, nil
}

// BuildAzureConfig derives the Azure backend configuration.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucket(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("SESSIOND_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("SESSIOND_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func resolveS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("SESSIOND_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("SESSIOND_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("SESSIOND_S3_SESSION_TOKEN")
		source = "env:SESSIOND_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "anonymous"
		return minioCredentials.NewStaticV4("", "", ""), summary, nil
	}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

// OpenActionLog opens the action log named by cfg.ActionLog.
func OpenActionLog(ctx context.Context, cfg Config, clk clock.Clock, logger pslog.Logger) (actionlog.Log, error) {
	logger = loggingutil.EnsureLogger(logger)
	u, err := url.Parse(cfg.ActionLog)
	if err != nil {
		return nil, fmt.Errorf("parse action log URL: %w", err)
	}
	var (
		log  actionlog.Log
		kind = strings.ToLower(u.Scheme)
	)
	switch kind {
	case "mem", "memory", "":
		log = actionmemory.New(clk)
	case "bolt":
		path, err := dsnPath(u)
		if err != nil {
			return nil, fmt.Errorf("bolt action log path required (e.g. bolt:///var/lib/sessiond/actions.db)")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("bolt: create dir: %w", err)
		}
		log, err = bolt.Open(bolt.Config{Path: path, Clock: clk})
		if err != nil {
			return nil, err
		}
	case "sqlite":
		path, err := dsnPath(u)
		if err != nil {
			return nil, fmt.Errorf("sqlite action log path required (e.g. sqlite:///var/lib/sessiond/actions.db)")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
		log, err = sqlite.Open(ctx, sqlite.Config{Path: path, Clock: clk})
		if err != nil {
			return nil, err
		}
	case "postgres", "postgresql":
		log, err = postgres.Open(ctx, cfg.ActionLog, clk)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("action log scheme %q not supported", u.Scheme)
	}
	logger.Info("actionlog.open", "kind", kind, "dsn", redactDSN(cfg.ActionLog))
	return log, nil
}

func dsnPath(u *url.URL) (string, error) {
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return "", fmt.Errorf("path required")
	}
	return filepath.Clean(pathPart), nil
}

func splitBucket(p string) (bucket, prefix string) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	bucket = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix
}

func queryBool(q url.Values, key string) bool {
	v := q.Get(key)
	if v == "" {
		return false
	}
	ok, err := strconv.ParseBool(v)
	return err == nil && ok
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}

// redactDSN hides the password of DSNs that carry user info.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
