// Package azure stores lock records as block blobs in Azure Blob Storage.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/loggingutil"
	"pkt.systems/sessiond/internal/storage"
)

const maxRecordSize = 64 << 10

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	container string
	prefix    string
}

// New builds a client and ensures the container exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: defaultTransporter()}}
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	createCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(createCtx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{
		client:    client,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Client exposes the underlying Azure Blob client.
func (s *Store) Client() *azblob.Client { return s.client }

// Close is a no-op for Azure.
func (s *Store) Close() error { return nil }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return loggingutil.EnsureLogger(pslog.LoggerFromContext(ctx)).With("storage_backend", "azure")
}

func (s *Store) listPrefix() string {
	if s.prefix == "" {
		return "locks/"
	}
	return s.prefix + "/locks/"
}

func (s *Store) blobName(identity string) (string, error) {
	name, err := storage.ObjectName(identity)
	if err != nil {
		return "", err
	}
	return s.listPrefix() + name, nil
}

// LoadLock downloads and decodes the lock blob.
func (s *Store) LoadLock(ctx context.Context, identity string) (storage.Lock, error) {
	name, err := s.blobName(identity)
	if err != nil {
		return storage.Lock{}, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.Lock{}, storage.ErrNotFound
		}
		s.logger(ctx).Debug("azure.load_lock.error", "identity", identity, "blob", name, "error", err)
		return storage.Lock{}, wrapError(err, "azure: download lock")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordSize))
	if err != nil {
		return storage.Lock{}, wrapError(err, "azure: read lock")
	}
	return storage.UnmarshalLock(payload)
}

// StoreLock uploads the lock blob, overwriting any previous version.
func (s *Store) StoreLock(ctx context.Context, lock storage.Lock) error {
	name, err := s.blobName(lock.Identity)
	if err != nil {
		return err
	}
	payload, err := storage.MarshalLock(lock)
	if err != nil {
		return err
	}
	_, err = s.client.UploadStream(ctx, s.container, name, bytes.NewReader(payload), &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(storage.ContentTypeJSON)},
	})
	if err != nil {
		s.logger(ctx).Debug("azure.store_lock.error", "identity", lock.Identity, "blob", name, "error", err)
		return wrapError(err, "azure: upload lock")
	}
	return nil
}

// DeleteLock removes the lock blob.
func (s *Store) DeleteLock(ctx context.Context, identity string) error {
	name, err := s.blobName(identity)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, name, nil); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		s.logger(ctx).Debug("azure.delete_lock.error", "identity", identity, "blob", name, "error", err)
		return wrapError(err, "azure: delete lock")
	}
	return nil
}

// ListLocks pages through blobs under the lock prefix.
func (s *Store) ListLocks(ctx context.Context) ([]string, error) {
	prefix := s.listPrefix()
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	var identities []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list locks")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			if identity, ok := storage.IdentityFromObjectName(strings.TrimPrefix(*item.Name, prefix)); ok {
				identities = append(identities, identity)
			}
		}
	}
	sort.Strings(identities)
	return identities, nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

func wrapError(err error, msg string) error {
	retryable := storage.IsNetworkError(err)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		retryable = retryable || respErr.StatusCode >= http.StatusInternalServerError || respErr.StatusCode == http.StatusTooManyRequests
	}
	err = fmt.Errorf("%s: %w", msg, err)
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}
