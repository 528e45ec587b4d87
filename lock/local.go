package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// writerWeight is the full semaphore weight; readers take 1.
const writerWeight = 1 << 30

// Local is an in-process lock registry. Entries are reference counted: a
// handle pins the entry of its key before waiting and unpins it on failure or
// unlock, and the entry is dropped when the count reaches zero. The registry
// therefore only holds keys that are held or waited for, and all handles of a
// key with an outstanding hold share one entry.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	key  string
	sem  *semaphore.Weighted
	refs int
}

// NewLocal returns an empty registry.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

// ReadLock returns a shared lock handle for key.
func (l *Local) ReadLock(key string) Lock {
	return &localLock{registry: l, key: key, weight: 1}
}

// WriteLock returns an exclusive lock handle for key.
func (l *Local) WriteLock(key string) Lock {
	return &localLock{registry: l, key: key, weight: writerWeight}
}

// Len reports the number of live registry entries.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Local) pin(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{key: key, sem: semaphore.NewWeighted(writerWeight)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Local) unpin(e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.entries[e.key]
	if !ok || current != e {
		panic(fmt.Sprintf("lock: registry entry for %q vanished while pinned", e.key))
	}
	e.refs--
	if e.refs < 0 {
		panic(fmt.Sprintf("lock: refcount underflow for %q", e.key))
	}
	if e.refs == 0 {
		delete(l.entries, e.key)
	}
}

type localLock struct {
	registry *Local
	key      string
	weight   int64

	mu    sync.Mutex
	held  *localEntry
	holds int
}

// reentered reports a second lock of a held write handle. Waiting on the
// semaphore would deadlock.
func (h *localLock) reentered() error {
	if h.weight != writerWeight {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.holds > 0 {
		return fmt.Errorf("%w: %s", ErrReentrant, h.key)
	}
	return nil
}

func (h *localLock) Lock(ctx context.Context) error {
	if err := h.reentered(); err != nil {
		return err
	}
	e := h.registry.pin(h.key)
	if err := e.sem.Acquire(ctx, h.weight); err != nil {
		h.registry.unpin(e)
		return err
	}
	h.hold(e)
	return nil
}

func (h *localLock) TryLock(context.Context) (bool, error) {
	if err := h.reentered(); err != nil {
		return false, err
	}
	e := h.registry.pin(h.key)
	if !e.sem.TryAcquire(h.weight) {
		h.registry.unpin(e)
		return false, nil
	}
	h.hold(e)
	return true, nil
}

func (h *localLock) TryLockTimeout(ctx context.Context, d time.Duration) (bool, error) {
	if d <= 0 {
		return h.TryLock(ctx)
	}
	return tryWithin(ctx, d, h.Lock)
}

func (h *localLock) hold(e *localEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.held != nil && h.held != e {
		panic(fmt.Sprintf("lock: handle for %q observed two registry entries", h.key))
	}
	h.held = e
	h.holds++
}

func (h *localLock) Unlock(context.Context) error {
	h.mu.Lock()
	if h.holds == 0 {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHeld, h.key)
	}
	e := h.held
	h.holds--
	if h.holds == 0 {
		h.held = nil
	}
	h.mu.Unlock()
	e.sem.Release(h.weight)
	h.registry.unpin(e)
	return nil
}
