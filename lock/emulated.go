package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
)

// Mutex is a substrate exclusive lock for one name. A Mutex value represents
// a single acquisition; callers obtain a fresh one per hold.
type Mutex interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Mutexes creates substrate mutexes by name.
type Mutexes interface {
	Mutex(name string) Mutex
}

// Readers counts shared holds of a name. Holds expire unless their holder
// keeps renewing them, so a crashed reader does not block writers forever.
type Readers interface {
	Join(ctx context.Context, name string) (ReaderHold, error)
	Count(ctx context.Context, name string) (int, error)
}

// ReaderHold is one registered reader.
type ReaderHold interface {
	Leave(ctx context.Context) error
}

// Emulated builds read/write locks from substrate mutexes and a reader count:
//
//	readers: take write mutex, take check mutex, join, release both
//	reader unlock: take check mutex, leave, release it
//	writers: hold the write mutex and wait until the count is zero
type Emulated struct {
	mutexes Mutexes
	readers Readers
	logger  pslog.Logger
}

// NewEmulated returns a factory backed by the given substrate.
func NewEmulated(mutexes Mutexes, readers Readers, logger pslog.Logger) *Emulated {
	return &Emulated{
		mutexes: mutexes,
		readers: readers,
		logger:  loggingutil.WithSubsystem(logger, "lock.emulated"),
	}
}

func writeName(key string) string   { return "rw/" + key + "/write" }
func checkName(key string) string   { return "rw/" + key + "/check" }
func readersName(key string) string { return "rw/" + key + "/readers" }

// ReadLock returns a shared lock handle for key.
func (e *Emulated) ReadLock(key string) Lock {
	return &emulatedLock{factory: e, key: key, reader: true}
}

// WriteLock returns an exclusive lock handle for key.
func (e *Emulated) WriteLock(key string) Lock {
	return &emulatedLock{factory: e, key: key}
}

type emulatedLock struct {
	factory *Emulated
	key     string
	reader  bool

	mu     sync.Mutex
	writes []Mutex
	reads  []ReaderHold
}

// acquire polls m until it is held, ctx ends or once is set and the first
// attempt fails.
func (e *Emulated) acquire(ctx context.Context, name string, once bool) (Mutex, bool, error) {
	m := e.mutexes.Mutex(name)
	backoff := newAcquireBackoff()
	for {
		ok, err := m.TryAcquire(ctx)
		if err != nil {
			return nil, false, unavailable("acquire", name, err)
		}
		if ok {
			return m, true, nil
		}
		if once {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(backoff.Next(0)):
		}
	}
}

func (e *Emulated) release(ctx context.Context, m Mutex, name string) error {
	if err := m.Release(ctx); err != nil {
		return unavailable("release", name, err)
	}
	return nil
}

// joinReaders registers a reader hold under the check mutex.
func (e *Emulated) joinReaders(ctx context.Context, key string) (ReaderHold, error) {
	check, _, err := e.acquire(ctx, checkName(key), false)
	if err != nil {
		return nil, err
	}
	hold, joinErr := e.readers.Join(ctx, readersName(key))
	relErr := e.release(context.WithoutCancel(ctx), check, checkName(key))
	if joinErr != nil {
		return nil, unavailable("join", key, joinErr)
	}
	if relErr != nil {
		e.logger.Warn("lock.emulated.release.failed", "key", key, "error", relErr)
	}
	return hold, nil
}

// leaveReaders drops a reader hold under the check mutex.
func (e *Emulated) leaveReaders(ctx context.Context, key string, hold ReaderHold) error {
	check, _, err := e.acquire(ctx, checkName(key), false)
	if err != nil {
		return err
	}
	leaveErr := hold.Leave(ctx)
	relErr := e.release(context.WithoutCancel(ctx), check, checkName(key))
	if errors.Is(leaveErr, ErrLockLost) {
		return leaveErr
	}
	if leaveErr != nil {
		return unavailable("leave", key, leaveErr)
	}
	return relErr
}

// readersIdle reports whether the reader count is zero, read under the
// check mutex.
func (e *Emulated) readersIdle(ctx context.Context, key string) (bool, error) {
	check, _, err := e.acquire(ctx, checkName(key), false)
	if err != nil {
		return false, err
	}
	n, loadErr := e.readers.Count(ctx, readersName(key))
	relErr := e.release(context.WithoutCancel(ctx), check, checkName(key))
	if loadErr != nil {
		return false, unavailable("count", key, loadErr)
	}
	if relErr != nil {
		return false, relErr
	}
	return n <= 0, nil
}

func (h *emulatedLock) Lock(ctx context.Context) error {
	_, err := h.lock(ctx, false)
	return err
}

func (h *emulatedLock) TryLock(ctx context.Context) (bool, error) {
	return h.lock(ctx, true)
}

func (h *emulatedLock) TryLockTimeout(ctx context.Context, d time.Duration) (bool, error) {
	if d <= 0 {
		return h.TryLock(ctx)
	}
	return tryWithin(ctx, d, h.Lock)
}

func (h *emulatedLock) lock(ctx context.Context, once bool) (bool, error) {
	e := h.factory
	if !h.reader {
		h.mu.Lock()
		held := len(h.writes) > 0
		h.mu.Unlock()
		if held {
			return false, fmt.Errorf("%w: %s", ErrReentrant, h.key)
		}
	}
	write, ok, err := e.acquire(ctx, writeName(h.key), once)
	if err != nil || !ok {
		return false, err
	}
	if h.reader {
		hold, err := e.joinReaders(ctx, h.key)
		relErr := e.release(context.WithoutCancel(ctx), write, writeName(h.key))
		if err != nil {
			return false, err
		}
		if relErr != nil {
			e.logger.Warn("lock.emulated.release.failed", "key", h.key, "error", relErr)
		}
		h.mu.Lock()
		h.reads = append(h.reads, hold)
		h.mu.Unlock()
		return true, nil
	}
	backoff := newAcquireBackoff()
	for {
		idle, err := e.readersIdle(ctx, h.key)
		if err == nil && idle {
			h.mu.Lock()
			h.writes = append(h.writes, write)
			h.mu.Unlock()
			return true, nil
		}
		if err == nil && !once {
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-time.After(backoff.Next(0)):
				continue
			}
		}
		// Busy on a try, or failed: give the write mutex back.
		if relErr := e.release(context.WithoutCancel(ctx), write, writeName(h.key)); relErr != nil {
			e.logger.Warn("lock.emulated.release.failed", "key", h.key, "error", relErr)
		}
		return false, err
	}
}

func (h *emulatedLock) Unlock(ctx context.Context) error {
	if h.reader {
		h.mu.Lock()
		if len(h.reads) == 0 {
			h.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotHeld, h.key)
		}
		hold := h.reads[len(h.reads)-1]
		h.reads = h.reads[:len(h.reads)-1]
		h.mu.Unlock()
		return h.factory.leaveReaders(ctx, h.key, hold)
	}
	h.mu.Lock()
	if len(h.writes) == 0 {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHeld, h.key)
	}
	write := h.writes[len(h.writes)-1]
	h.writes = h.writes[:len(h.writes)-1]
	h.mu.Unlock()
	return h.factory.release(ctx, write, writeName(h.key))
}
