package remote

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/storage"
)

const (
	// SessionMaxAge is the age after which a saved session is discarded.
	SessionMaxAge = 24 * time.Hour
	// SessionMinSize is the size below which a saved session is treated as
	// truncated and discarded.
	SessionMinSize = 100
	sessionSuffix  = ".session"
)

// SessionStore keeps one session blob per identity in a directory.
type SessionStore struct {
	dir   string
	clock clock.Clock
}

// NewSessionStore prepares dir and returns a store over it.
func NewSessionStore(dir string, clk clock.Clock) (*SessionStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("remote: session dir required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("remote: prepare session dir: %w", err)
	}
	return &SessionStore{dir: filepath.Clean(dir), clock: clock.Or(clk)}, nil
}

// Path returns the file holding identity's session.
func (s *SessionStore) Path(identity string) (string, error) {
	enc, err := storage.EncodeIdentity(identity)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, enc+sessionSuffix), nil
}

// Load returns the saved session for identity. Missing, expired and
// undersized sessions report ok=false; the latter two are removed.
func (s *SessionStore) Load(identity string) (blob []byte, ok bool, err error) {
	path, err := s.Path(identity)
	if err != nil {
		return nil, false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("remote: stat session: %w", err)
	}
	if info.Size() < SessionMinSize || s.clock.Now().Sub(info.ModTime()) > SessionMaxAge {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, false, fmt.Errorf("remote: discard session: %w", err)
		}
		return nil, false, nil
	}
	blob, err = os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("remote: read session: %w", err)
	}
	return blob, true, nil
}

// Save writes blob for identity via temp file and rename.
func (s *SessionStore) Save(identity string, blob []byte) error {
	path, err := s.Path(identity)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("remote: create temp session: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("remote: write session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("remote: sync session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("remote: close session: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("remote: install session: %w", err)
	}
	return nil
}

// Delete removes identity's session. Missing sessions are not an error.
func (s *SessionStore) Delete(identity string) error {
	path, err := s.Path(identity)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remote: delete session: %w", err)
	}
	return nil
}
