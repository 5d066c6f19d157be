//go:build !linux

package disk

import "pkt.systems/sessiond/internal/storage"

func watchSupported(string) bool { return false }

// SubscribeChanges is only available on linux.
func (s *Store) SubscribeChanges() (storage.ChangeSubscription, error) {
	return nil, storage.ErrNotImplemented
}
