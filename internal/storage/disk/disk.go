// Package disk stores lock records as JSON files under a root directory.
// Records are written atomically via temp file plus rename, and an fcntl
// guard file per identity provides a cross-process critical section.
package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/loggingutil"
	"pkt.systems/sessiond/internal/storage"
)

// Config captures the tunables for the disk backend.
type Config struct {
	// Root is the directory that holds records, guards and temp files.
	Root string
	// Watch enables fsnotify change notifications when the filesystem
	// supports them.
	Watch bool
	// GuardPoll is how often a contended guard file is retried. Defaults to 25ms.
	GuardPoll time.Duration
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root      string
	recordDir string
	guardDir  string
	tmpDir    string
	guardPoll time.Duration

	locks sync.Map

	watchEnabled bool
	watchMode    string
	watchReason  string
}

var globalLocks sync.Map

// globalKeyMutex serialises goroutines of this process across Store
// instances sharing a root, since fcntl locks are per process.
func globalKeyMutex(path string) *sync.Mutex {
	mu, _ := globalLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.GuardPoll < 0 {
		return nil, fmt.Errorf("disk: guard poll must be >= 0")
	}
	if cfg.GuardPoll == 0 {
		cfg.GuardPoll = 25 * time.Millisecond
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		recordDir: filepath.Join(root, "locks"),
		guardDir:  filepath.Join(root, "guards"),
		tmpDir:    filepath.Join(root, "tmp"),
		guardPoll: cfg.GuardPoll,
	}
	for _, dir := range []string{s.recordDir, s.guardDir, s.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	s.watchMode = "polling"
	s.watchReason = "config_disabled"
	if cfg.Watch {
		if watchSupported(root) {
			s.watchEnabled = true
			s.watchMode = "fsnotify"
			s.watchReason = "filesystem_watch_enabled"
		} else {
			s.watchReason = "filesystem_not_supported"
		}
	}
	return s, nil
}

// Root returns the directory the store was opened on.
func (s *Store) Root() string { return s.root }

// WatchStatus reports whether change notifications are enabled and why.
func (s *Store) WatchStatus() (enabled bool, mode, reason string) {
	return s.watchEnabled, s.watchMode, s.watchReason
}

// Close is a no-op; the disk store holds no long-lived handles.
func (s *Store) Close() error { return nil }

func (s *Store) keyLock(identity string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(identity, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := loggingutil.EnsureLogger(pslog.LoggerFromContext(ctx))
	return logger.With("storage_backend", "disk")
}

func (s *Store) recordPath(identity string) (string, error) {
	name, err := storage.ObjectName(identity)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.recordDir, name), nil
}

func (s *Store) guardPath(identity string) (string, error) {
	name, err := storage.ObjectName(identity)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.guardDir, name), nil
}

func (s *Store) acquireFileLock(ctx context.Context, identity string) (*fileLock, error) {
	guard, err := s.guardPath(identity)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(guard, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open guard: %w", err)
	}
	if err := lockFile(ctx, f, s.guardPoll); err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: lock identity %q: %w", identity, err)
	}
	return &fileLock{file: f}, nil
}

// WithIdentityLock runs fn while holding both the in-process mutexes and the
// fcntl guard for identity, so no other sessiond process on this host can
// run its own critical section for the same identity concurrently.
func (s *Store) WithIdentityLock(ctx context.Context, identity string, fn func(context.Context) error) (err error) {
	guard, err := s.guardPath(identity)
	if err != nil {
		return err
	}
	glob := globalKeyMutex(guard)
	glob.Lock()
	defer glob.Unlock()

	fl, err := s.acquireFileLock(ctx, identity)
	if err != nil {
		s.logger(ctx).Debug("disk.guard.error", "identity", identity, "error", err)
		return err
	}
	defer func() {
		if unlockErr := fl.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()
	return fn(ctx)
}

// LoadLock reads and decodes the record for identity.
func (s *Store) LoadLock(ctx context.Context, identity string) (storage.Lock, error) {
	logger := s.logger(ctx)
	path, err := s.recordPath(identity)
	if err != nil {
		return storage.Lock{}, err
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.Lock{}, storage.ErrNotFound
		}
		logger.Debug("disk.load_lock.error", "identity", identity, "error", err)
		return storage.Lock{}, fmt.Errorf("disk: read %q: %w", path, err)
	}
	lock, err := storage.UnmarshalLock(payload)
	if err != nil {
		logger.Debug("disk.load_lock.corrupt", "identity", identity, "error", err)
		return storage.Lock{}, err
	}
	return lock, nil
}

// StoreLock writes the record atomically.
func (s *Store) StoreLock(ctx context.Context, lock storage.Lock) error {
	path, err := s.recordPath(lock.Identity)
	if err != nil {
		return err
	}
	payload, err := storage.MarshalLock(lock)
	if err != nil {
		return err
	}
	mu := s.keyLock(lock.Identity)
	mu.Lock()
	defer mu.Unlock()
	if err := s.writeBytesAtomic(path, payload); err != nil {
		s.logger(ctx).Debug("disk.store_lock.write_error", "identity", lock.Identity, "error", err)
		return fmt.Errorf("disk: write %q: %w", path, err)
	}
	s.logger(ctx).Trace("disk.store_lock.success", "identity", lock.Identity, "pid", lock.PID)
	return nil
}

// DeleteLock removes the record for identity.
func (s *Store) DeleteLock(ctx context.Context, identity string) error {
	path, err := s.recordPath(identity)
	if err != nil {
		return err
	}
	mu := s.keyLock(identity)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ErrNotFound
		}
		s.logger(ctx).Debug("disk.delete_lock.error", "identity", identity, "error", err)
		return fmt.Errorf("disk: remove %q: %w", path, err)
	}
	_ = syncDir(s.recordDir)
	return nil
}

// ListLocks returns the identities of every record file in the lock directory.
func (s *Store) ListLocks(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.recordDir)
	if err != nil {
		s.logger(ctx).Debug("disk.list_locks.error", "error", err)
		return nil, err
	}
	identities := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		identity, ok := storage.IdentityFromObjectName(entry.Name())
		if !ok {
			continue
		}
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	return identities, nil
}

func (s *Store) writeBytesAtomic(dest string, payload []byte) error {
	tmp, err := os.CreateTemp(s.tmpDir, "sessiond-lock-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	_ = syncDir(filepath.Dir(dest))
	return nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
