// Package s3 stores lock records as objects in an S3-compatible bucket via
// minio-go. It has no cross-process serialiser; callers rely on the lock
// manager's in-process mutex plus the record itself.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/loggingutil"
	"pkt.systems/sessiond/internal/storage"
)

// maxRecordSize caps how much of a lock object is read.
const maxRecordSize = 64 << 10

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 16
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return clone
}

// Close is a no-op; minio clients hold no resources that need releasing.
func (s *Store) Close() error { return nil }

// Client exposes the underlying minio client.
func (s *Store) Client() *minio.Client { return s.client }

// BucketExists reports whether the configured bucket is reachable.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return loggingutil.EnsureLogger(pslog.LoggerFromContext(ctx)).With("storage_backend", "s3")
}

func (s *Store) listPrefix() string {
	if s.cfg.Prefix == "" {
		return "locks/"
	}
	return path.Join(s.cfg.Prefix, "locks") + "/"
}

func (s *Store) objectKey(identity string) (string, error) {
	name, err := storage.ObjectName(identity)
	if err != nil {
		return "", err
	}
	return s.listPrefix() + name, nil
}

// LoadLock downloads and decodes the lock object for identity.
func (s *Store) LoadLock(ctx context.Context, identity string) (storage.Lock, error) {
	logger := s.logger(ctx)
	object, err := s.objectKey(identity)
	if err != nil {
		return storage.Lock{}, err
	}
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.Lock{}, storage.ErrNotFound
		}
		logger.Debug("s3.load_lock.get_error", "identity", identity, "object", object, "error", err)
		return storage.Lock{}, wrapError(err, "s3: get lock")
	}
	defer obj.Close()
	payload, err := io.ReadAll(io.LimitReader(obj, maxRecordSize))
	if err != nil {
		if isNotFound(err) {
			return storage.Lock{}, storage.ErrNotFound
		}
		logger.Debug("s3.load_lock.read_error", "identity", identity, "object", object, "error", err)
		return storage.Lock{}, wrapError(err, "s3: read lock")
	}
	lock, err := storage.UnmarshalLock(payload)
	if err != nil {
		logger.Debug("s3.load_lock.decode_error", "identity", identity, "object", object, "error", err)
		return storage.Lock{}, err
	}
	return lock, nil
}

// StoreLock uploads the lock object, replacing any previous version.
func (s *Store) StoreLock(ctx context.Context, lock storage.Lock) error {
	object, err := s.objectKey(lock.Identity)
	if err != nil {
		return err
	}
	payload, err := storage.MarshalLock(lock)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: storage.ContentTypeJSON,
	})
	if err != nil {
		s.logger(ctx).Debug("s3.store_lock.put_error", "identity", lock.Identity, "object", object, "error", err)
		return wrapError(err, "s3: put lock")
	}
	return nil
}

// DeleteLock removes the lock object. S3 deletes are idempotent, so the
// object is stat'ed first to report ErrNotFound.
func (s *Store) DeleteLock(ctx context.Context, identity string) error {
	object, err := s.objectKey(identity)
	if err != nil {
		return err
	}
	if _, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return wrapError(err, "s3: stat lock")
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		s.logger(ctx).Debug("s3.delete_lock.error", "identity", identity, "object", object, "error", err)
		return wrapError(err, "s3: remove lock")
	}
	return nil
}

// ListLocks enumerates lock objects beneath the configured prefix.
func (s *Store) ListLocks(ctx context.Context) ([]string, error) {
	prefix := s.listPrefix()
	var identities []string
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			s.logger(ctx).Debug("s3.list_locks.error", "error", object.Err)
			return nil, wrapError(object.Err, "s3: list locks")
		}
		identity, ok := storage.IdentityFromObjectName(strings.TrimPrefix(object.Key, prefix))
		if !ok {
			continue
		}
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	return identities, nil
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound || errResp.Code == "NoSuchKey"
	}
	return false
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	err = fmt.Errorf("%s: %w", msg, err)
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if storage.IsNetworkError(err) {
		return true
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}
