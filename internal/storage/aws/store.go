// Package aws stores lock records in S3 through the AWS SDK v2.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/loggingutil"
	"pkt.systems/sessiond/internal/storage"
)

const (
	opTimeout     = 30 * time.Second
	maxRecordSize = 64 << 10
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
}

// Store implements storage.Backend backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
}

// New constructs a Store using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying AWS client for diagnostics.
func (s *Store) Client() *s3.Client { return s.client }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return loggingutil.EnsureLogger(pslog.LoggerFromContext(ctx)).With("storage_backend", "aws")
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= opTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
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

// LoadLock fetches and decodes the lock object.
func (s *Store) LoadLock(ctx context.Context, identity string) (storage.Lock, error) {
	key, err := s.objectKey(identity)
	if err != nil {
		return storage.Lock{}, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.Lock{}, storage.ErrNotFound
		}
		s.logger(ctx).Debug("aws.load_lock.error", "identity", identity, "key", key, "error", err)
		return storage.Lock{}, wrapError(err, "aws: get lock")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordSize))
	if err != nil {
		return storage.Lock{}, wrapError(err, "aws: read lock")
	}
	return storage.UnmarshalLock(payload)
}

// StoreLock uploads the lock object.
func (s *Store) StoreLock(ctx context.Context, lock storage.Lock) error {
	key, err := s.objectKey(lock.Identity)
	if err != nil {
		return err
	}
	payload, err := storage.MarshalLock(lock)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String(storage.ContentTypeJSON),
	})
	if err != nil {
		s.logger(ctx).Debug("aws.store_lock.error", "identity", lock.Identity, "key", key, "error", err)
		return wrapError(err, "aws: put lock")
	}
	return nil
}

// DeleteLock removes the lock object, reporting ErrNotFound when absent.
func (s *Store) DeleteLock(ctx context.Context, identity string) error {
	key, err := s.objectKey(identity)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return wrapError(err, "aws: head lock")
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		s.logger(ctx).Debug("aws.delete_lock.error", "identity", identity, "key", key, "error", err)
		return wrapError(err, "aws: delete lock")
	}
	return nil
}

// ListLocks pages through the lock prefix.
func (s *Store) ListLocks(ctx context.Context) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	prefix := s.listPrefix()
	var identities []string
	var token *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			s.logger(ctx).Debug("aws.list_locks.error", "error", err)
			return nil, wrapError(err, "aws: list locks")
		}
		for _, object := range resp.Contents {
			identity, ok := storage.IdentityFromObjectName(strings.TrimPrefix(aws.ToString(object.Key), prefix))
			if ok {
				identities = append(identities, identity)
			}
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	sort.Strings(identities)
	return identities, nil
}

func httpStatusCode(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func isRetryable(err error) bool {
	if storage.IsNetworkError(err) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
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
