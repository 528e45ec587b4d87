package disk

import (
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// lockFileCache keeps lock file descriptors open between conditional writes.
// Entries in use are tracked in inUse; released ones move to an LRU of at
// most max idle descriptors, and whatever falls out of it is closed.
type lockFileCache struct {
	mu    sync.Mutex
	inUse map[string]*lockFileEntry
	idle  *lru.Cache // nil when no idle descriptors are kept
}

type lockFileEntry struct {
	path string
	file *os.File
	refs int
}

func (e *lockFileEntry) closeFile() {
	if e.file != nil {
		_ = e.file.Close()
		e.file = nil
	}
}

func newLockFileCache(max int) *lockFileCache {
	c := &lockFileCache{inUse: make(map[string]*lockFileEntry)}
	if max > 0 {
		// Only fails for a non-positive size.
		c.idle, _ = lru.NewWithEvict(max, func(_, v interface{}) {
			if e := v.(*lockFileEntry); e.refs == 0 {
				e.closeFile()
			}
		})
	}
	return c
}

func (c *lockFileCache) acquire(path string) (*lockFileEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.inUse[path]; ok {
		e.refs++
		return e, nil
	}
	if c.idle != nil {
		if v, ok := c.idle.Peek(path); ok {
			e := v.(*lockFileEntry)
			e.refs = 1 // keeps the evict callback from closing it
			c.idle.Remove(path)
			c.inUse[path] = e
			return e, nil
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	e := &lockFileEntry{path: path, file: f, refs: 1}
	c.inUse[path] = e
	return e, nil
}

func (c *lockFileCache) release(e *lockFileEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.refs--; e.refs > 0 {
		return
	}
	e.refs = 0
	if c.inUse[e.path] == e {
		delete(c.inUse, e.path)
	}
	if c.idle == nil || e.file == nil {
		e.closeFile()
		return
	}
	c.idle.Add(e.path, e)
}

// discard closes e regardless of other holders. It is used when the fcntl
// state of the descriptor is unknown.
func (c *lockFileCache) discard(e *lockFileEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse[e.path] == e {
		delete(c.inUse, e.path)
	}
	e.refs = 0
	if c.idle != nil {
		c.idle.Remove(e.path)
	}
	e.closeFile()
}

func (c *lockFileCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, e := range c.inUse {
		e.closeFile()
		delete(c.inUse, path)
	}
	if c.idle != nil {
		c.idle.Purge()
	}
}

func (c *lockFileCache) idleLen() int {
	if c.idle == nil {
		return 0
	}
	return c.idle.Len()
}
