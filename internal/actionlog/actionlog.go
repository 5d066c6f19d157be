// Package actionlog records every remote action a worker performs. The log
// is append-only; the rate governor derives its rolling-hour counts from it
// and the stats endpoint aggregates it.
package actionlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
)

// Kind classifies an action.
type Kind string

// Action kinds. The set is closed; Append rejects anything else.
const (
	KindLike    Kind = "like"
	KindFollow  Kind = "follow"
	KindMessage Kind = "message"
	KindComment Kind = "comment"
	KindError   Kind = "error"
)

// ErrInvalidRecord is returned by Append for records that fail validation.
var ErrInvalidRecord = errors.New("actionlog: invalid record")

// Kinds returns every valid kind in display order.
func Kinds() []Kind {
	return []Kind{KindLike, KindFollow, KindMessage, KindComment, KindError}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindLike, KindFollow, KindMessage, KindComment, KindError:
		return true
	}
	return false
}

// ParseKind converts s into a Kind, case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("actionlog: unknown kind %q", s)
	}
	return k, nil
}

// Record is one immutable action entry.
type Record struct {
	ID       string    `json:"id"`
	WorkerID string    `json:"worker_id"`
	Kind     Kind      `json:"kind"`
	Target   string    `json:"target,omitempty"`
	At       time.Time `json:"at"`
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
}

// ProcessedUser marks a user a worker has already handled.
type ProcessedUser struct {
	WorkerID    string    `json:"worker_id"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
	Liked       bool      `json:"liked"`
	Followed    bool      `json:"followed"`
	Messaged    bool      `json:"messaged"`
}

// KindStats counts records of one kind.
type KindStats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Error   int `json:"error"`
}

// Stats groups counts by kind.
type Stats map[Kind]KindStats

// Add folds one record into s.
func (s Stats) Add(kind Kind, success bool) {
	ks := s[kind]
	ks.Total++
	if success {
		ks.Success++
	} else {
		ks.Error++
	}
	s[kind] = ks
}

// Log is the persistence port for action records and processed users.
type Log interface {
	// Append validates rec, assigns an ID and timestamp when missing and
	// stores it. The stored record is returned.
	Append(ctx context.Context, rec Record) (Record, error)
	// CountSince counts successful records of kind for worker at or after since.
	CountSince(ctx context.Context, workerID string, kind Kind, since time.Time) (int, error)
	// Stats aggregates records for worker at or after since. A zero since
	// covers all time.
	Stats(ctx context.Context, workerID string, since time.Time) (Stats, error)
	// MarkProcessed upserts a processed-user row keyed by (worker, user).
	MarkProcessed(ctx context.Context, user ProcessedUser) error
	// IsProcessed reports whether worker already handled user.
	IsProcessed(ctx context.Context, workerID, userID string) (bool, error)
	Close() error
}

// Prepare validates rec and fills ID and At. Backends call it from Append.
func Prepare(rec Record, now time.Time) (Record, error) {
	if strings.TrimSpace(rec.WorkerID) == "" {
		return Record{}, fmt.Errorf("%w: worker id required", ErrInvalidRecord)
	}
	if !rec.Kind.Valid() {
		return Record{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, rec.Kind)
	}
	if rec.ID == "" {
		rec.ID = xid.NewWithTime(now).String()
	}
	if rec.At.IsZero() {
		rec.At = now
	}
	rec.At = rec.At.UTC()
	return rec, nil
}

// PrepareProcessed validates user and fills ProcessedAt.
func PrepareProcessed(user ProcessedUser, now time.Time) (ProcessedUser, error) {
	if strings.TrimSpace(user.WorkerID) == "" || strings.TrimSpace(user.UserID) == "" {
		return ProcessedUser{}, fmt.Errorf("%w: worker id and user id required", ErrInvalidRecord)
	}
	if user.ProcessedAt.IsZero() {
		user.ProcessedAt = now
	}
	user.ProcessedAt = user.ProcessedAt.UTC()
	return user, nil
}
