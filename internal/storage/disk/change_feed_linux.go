//go:build linux

package disk

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
)

const nfsSuperMagic = 0x6969

// changeFeedSupported reports false on NFS where inotify never sees remote
// writers.
func changeFeedSupported(root string) bool {
	var st syscall.Statfs_t
	if err := syscall.Statfs(root, &st); err != nil {
		return false
	}
	return st.Type != nfsSuperMagic
}

// SubscribeChanges watches the directory subtree holding prefix and signals
// whenever an object below it is written or removed.
func (s *Store) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	if !s.feedEnabled {
		return nil, storage.ErrNotImplemented
	}
	dirKey := prefix
	if !strings.HasSuffix(dirKey, "/") {
		dirKey = filepath.ToSlash(filepath.Dir(dirKey))
	}
	dirKey = strings.Trim(dirKey, "/")
	dir := s.objectDir
	if dirKey != "" && dirKey != "." {
		p, err := s.pathFor(dirKey)
		if err != nil {
			return nil, err
		}
		dir = p
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare watch directory %q: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create watcher: %w", err)
	}
	sub := &changeSubscription{
		store:   s,
		prefix:  prefix,
		watcher: watcher,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	if err := sub.addTree(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch directory %q: %w", dir, err)
	}
	go sub.run()
	return sub, nil
}

type changeSubscription struct {
	store   *Store
	prefix  string
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

func (c *changeSubscription) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return c.watcher.Add(p)
	})
}

func (c *changeSubscription) run() {
	defer close(c.events)
	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					// Objects may already have landed before the watch was added.
					_ = c.addTree(ev.Name)
					c.signal()
					continue
				}
			}
			if c.matches(ev.Name) {
				c.signal()
			}
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.signal()
		}
	}
}

func (c *changeSubscription) matches(name string) bool {
	rel, err := filepath.Rel(c.store.objectDir, name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	key := strings.TrimSuffix(filepath.ToSlash(rel), metaSuffix)
	return strings.HasPrefix(key, c.prefix)
}

func (c *changeSubscription) signal() {
	select {
	case c.events <- struct{}{}:
	default:
	}
}
