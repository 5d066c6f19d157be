//go:build linux

package disk

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/sessiond/internal/storage"
)

const nfsSuperMagic = 0x6969

// inotify does not see writes made by other NFS clients.
func watchSupported(root string) bool {
	var st syscall.Statfs_t
	if err := syscall.Statfs(root, &st); err != nil {
		return false
	}
	return st.Type != nfsSuperMagic
}

// SubscribeChanges watches the record directory and signals on any change.
func (s *Store) SubscribeChanges() (storage.ChangeSubscription, error) {
	if !s.watchEnabled {
		return nil, storage.ErrNotImplemented
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create watcher: %w", err)
	}
	if err := watcher.Add(s.recordDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch %q: %w", s.recordDir, err)
	}
	sub := &changeSubscription{
		watcher: watcher,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

type changeSubscription struct {
	watcher *fsnotify.Watcher
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (c *changeSubscription) Events() <-chan struct{} {
	return c.events
}

func (c *changeSubscription) Close() error {
	c.once.Do(func() {
		close(c.stop)
		c.watcher.Close()
	})
	return nil
}

func (c *changeSubscription) run() {
	defer close(c.events)
	for {
		select {
		case <-c.stop:
			return
		case _, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.signal()
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.signal()
		}
	}
}

func (c *changeSubscription) signal() {
	select {
	case c.events <- struct{}{}:
	default:
	}
}
