package memory

import (
	"context"
	"sort"
	"sync"

	"pkt.systems/sessiond/internal/storage"
)

// Store implements storage.Backend in-memory; intended for tests and local dev.
type Store struct {
	mu      sync.RWMutex
	records map[string][]byte

	guards sync.Map

	watchMu  sync.Mutex
	watchers map[*subscription]struct{}
}

// New returns a ready to use in-memory store with change notifications enabled.
func New() *Store {
	return &Store{
		records:  make(map[string][]byte),
		watchers: make(map[*subscription]struct{}),
	}
}

// Close drops all records and closes outstanding subscriptions.
func (s *Store) Close() error {
	s.mu.Lock()
	s.records = make(map[string][]byte)
	s.mu.Unlock()
	s.watchMu.Lock()
	subs := s.watchers
	s.watchers = make(map[*subscription]struct{})
	s.watchMu.Unlock()
	for sub := range subs {
		sub.close()
	}
	return nil
}

// LoadLock decodes the stored record for identity.
func (s *Store) LoadLock(_ context.Context, identity string) (storage.Lock, error) {
	if err := storage.ValidateIdentity(identity); err != nil {
		return storage.Lock{}, err
	}
	s.mu.RLock()
	payload, ok := s.records[identity]
	s.mu.RUnlock()
	if !ok {
		return storage.Lock{}, storage.ErrNotFound
	}
	return storage.UnmarshalLock(payload)
}

// StoreLock creates or replaces the record for lock.Identity.
func (s *Store) StoreLock(_ context.Context, lock storage.Lock) error {
	payload, err := storage.MarshalLock(lock)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[lock.Identity] = payload
	s.mu.Unlock()
	s.notify()
	return nil
}

// PutRaw stores payload verbatim, bypassing validation. Tests use it to
// plant corrupt records.
func (s *Store) PutRaw(identity string, payload []byte) {
	s.mu.Lock()
	s.records[identity] = append([]byte(nil), payload...)
	s.mu.Unlock()
	s.notify()
}

// DeleteLock removes the record for identity.
func (s *Store) DeleteLock(_ context.Context, identity string) error {
	if err := storage.ValidateIdentity(identity); err != nil {
		return err
	}
	s.mu.Lock()
	_, ok := s.records[identity]
	delete(s.records, identity)
	s.mu.Unlock()
	if !ok {
		return storage.ErrNotFound
	}
	s.notify()
	return nil
}

// ListLocks returns every stored identity in sorted order.
func (s *Store) ListLocks(context.Context) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// WithIdentityLock serialises fn against other callers on this Store.
func (s *Store) WithIdentityLock(ctx context.Context, identity string, fn func(context.Context) error) error {
	if err := storage.ValidateIdentity(identity); err != nil {
		return err
	}
	v, _ := s.guards.LoadOrStore(identity, make(chan struct{}, 1))
	guard := v.(chan struct{})
	select {
	case guard <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-guard }()
	return fn(ctx)
}

// SubscribeChanges returns a subscription signalled on every mutation.
func (s *Store) SubscribeChanges() (storage.ChangeSubscription, error) {
	sub := &subscription{store: s, events: make(chan struct{}, 1)}
	s.watchMu.Lock()
	s.watchers[sub] = struct{}{}
	s.watchMu.Unlock()
	return sub, nil
}

func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for sub := range s.watchers {
		sub.signal()
	}
}

type subscription struct {
	store  *Store
	events chan struct{}
	once   sync.Once
}

func (s *subscription) Events() <-chan struct{} { return s.events }

func (s *subscription) Close() error {
	s.store.watchMu.Lock()
	delete(s.store.watchers, s)
	s.store.watchMu.Unlock()
	s.close()
	return nil
}

func (s *subscription) signal() {
	select {
	case s.events <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.events) })
}
