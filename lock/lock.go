// Package lock issues per-key read/write locks.
//
// Local serialises goroutines of one process. Emulated builds the same
// read/write semantics for a cluster out of two substrate primitives: a
// mutex per name (object-store leases or Consul sessions) and a shared
// cell of expiring reader holds.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable wraps substrate failures while locking or unlocking.
	ErrUnavailable = errors.New("lock: unavailable")
	// ErrNotHeld is returned when unlocking a handle without a hold.
	ErrNotHeld = errors.New("lock: not held")
	// ErrLockLost is returned when a lease expired or was taken over while
	// held.
	ErrLockLost = errors.New("lock: lost")
	// ErrReentrant is returned when a write handle that already holds its
	// lock is locked again. Write handles are not reentrant; read handles may
	// stack holds.
	ErrReentrant = errors.New("lock: write handle already held")
)

// Lock is a shared or exclusive lock handle for one key. A write handle
// holds at most once; read handles count their holds.
type Lock interface {
	// Lock blocks until the lock is acquired or ctx ends.
	Lock(ctx context.Context) error
	// TryLock acquires the lock only if it is free right now.
	TryLock(ctx context.Context) (bool, error)
	// TryLockTimeout waits at most d for the lock.
	TryLockTimeout(ctx context.Context, d time.Duration) (bool, error)
	// Unlock releases one hold.
	Unlock(ctx context.Context) error
}

// Factory hands out lock handles keyed by an opaque string.
type Factory interface {
	ReadLock(key string) Lock
	WriteLock(key string) Lock
}

func unavailable(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrLockLost) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, op, key, err)
}

// tryWithin runs lock with a deadline of d and maps the deadline to false.
func tryWithin(ctx context.Context, d time.Duration, lock func(context.Context) error) (bool, error) {
	if d <= 0 {
		return false, nil
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := lock(tctx)
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return false, nil
	default:
		return false, err
	}
}
