package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ContentTypeJSON is the content type stamped on lock records by object
// store backends.
const ContentTypeJSON = "application/json"

// RecordSuffix is appended to the encoded identity to form a lock object name.
const RecordSuffix = ".lock"

var (
	// ErrNotFound indicates no lock record exists for the identity.
	ErrNotFound = errors.New("storage: not found")
	// ErrCorrupt indicates a lock record exists but cannot be decoded or is
	// missing required fields.
	ErrCorrupt = errors.New("storage: corrupt record")
	// ErrInvalidIdentity rejects identities that cannot be mapped to a key.
	ErrInvalidIdentity = errors.New("storage: invalid identity")
	// ErrNotImplemented is returned by optional capabilities a backend lacks.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Lock is the durable record asserting that one process owns an identity.
type Lock struct {
	Identity   string    `json:"identity"`
	PID        int       `json:"pid"`
	TaskID     string    `json:"task_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	Host       string    `json:"host,omitempty"`
	Platform   string    `json:"platform,omitempty"`
}

// Backend persists one lock record per identity. Implementations are not
// required to provide compare-and-swap; callers serialise per identity.
type Backend interface {
	// LoadLock returns ErrNotFound when no record exists and ErrCorrupt
	// (wrapped) when the record cannot be decoded.
	LoadLock(ctx context.Context, identity string) (Lock, error)
	// StoreLock creates or overwrites the record for lock.Identity.
	StoreLock(ctx context.Context, lock Lock) error
	// DeleteLock removes the record, returning ErrNotFound when absent.
	DeleteLock(ctx context.Context, identity string) error
	// ListLocks enumerates identities with a persisted record, readable or not.
	ListLocks(ctx context.Context) ([]string, error)
	// Close releases backend resources.
	Close() error
}

// Serializer is implemented by backends that can hold a cross-process
// critical section for one identity while fn runs.
type Serializer interface {
	WithIdentityLock(ctx context.Context, identity string, fn func(context.Context) error) error
}

// ChangeSubscription delivers coalesced "something changed" signals.
type ChangeSubscription interface {
	Events() <-chan struct{}
	Close() error
}

// ChangeNotifier is implemented by backends that can push change signals.
type ChangeNotifier interface {
	SubscribeChanges() (ChangeSubscription, error)
}

// ValidateIdentity rejects identities that are empty or could escape a
// backend's key space.
func ValidateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if strings.ContainsRune(identity, 0) {
		return fmt.Errorf("%w: contains NUL", ErrInvalidIdentity)
	}
	if identity == "." || identity == ".." || strings.Contains(identity, "../") || strings.Contains(identity, "/..") {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	return nil
}

// EncodeIdentity maps an identity to a single path segment.
func EncodeIdentity(identity string) (string, error) {
	if err := ValidateIdentity(identity); err != nil {
		return "", err
	}
	return url.PathEscape(identity), nil
}

// DecodeIdentity reverses EncodeIdentity.
func DecodeIdentity(segment string) (string, error) {
	return url.PathUnescape(segment)
}

// ObjectName returns the encoded identity with RecordSuffix appended.
func ObjectName(identity string) (string, error) {
	encoded, err := EncodeIdentity(identity)
	if err != nil {
		return "", err
	}
	return encoded + RecordSuffix, nil
}

// IdentityFromObjectName reverses ObjectName. ok is false for names that are
// not lock records.
func IdentityFromObjectName(name string) (string, bool) {
	if !strings.HasSuffix(name, RecordSuffix) {
		return "", false
	}
	trimmed := strings.TrimSuffix(name, RecordSuffix)
	if trimmed == "" || strings.Contains(trimmed, "/") {
		return "", false
	}
	identity, err := DecodeIdentity(trimmed)
	if err != nil {
		return "", false
	}
	return identity, true
}

// MarshalLock encodes lock as JSON after validating its required fields.
func MarshalLock(lock Lock) ([]byte, error) {
	if err := checkLock(lock); err != nil {
		return nil, err
	}
	lock.AcquiredAt = lock.AcquiredAt.UTC()
	return json.Marshal(lock)
}

// UnmarshalLock decodes payload, returning an error wrapping ErrCorrupt for
// malformed or incomplete records.
func UnmarshalLock(payload []byte) (Lock, error) {
	var lock Lock
	if err := json.Unmarshal(payload, &lock); err != nil {
		return Lock{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := checkLock(lock); err != nil {
		return Lock{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return lock, nil
}

func checkLock(lock Lock) error {
	if err := ValidateIdentity(lock.Identity); err != nil {
		return err
	}
	if lock.PID <= 0 {
		return fmt.Errorf("storage: lock %q has invalid pid %d", lock.Identity, lock.PID)
	}
	if lock.AcquiredAt.IsZero() {
		return fmt.Errorf("storage: lock %q has no timestamp", lock.Identity)
	}
	return nil
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
