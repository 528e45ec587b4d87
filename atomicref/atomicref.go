// Package atomicref provides named compare-and-swap cells.
//
// A cell that was never set reads as absent. CompareAndSet treats an absent
// cell as holding the zero value of E, so the first writer can initialise it
// with CompareAndSet(zero, v).
package atomicref

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable wraps substrate failures.
var ErrUnavailable = errors.New("atomicref: unavailable")

// Reference is a linearizable cell holding a value of type E.
type Reference[E any] interface {
	// Get returns the current value. ok is false when the cell is unset.
	Get(ctx context.Context) (value E, ok bool, err error)
	Set(ctx context.Context, value E) error
	// CompareAndSet stores update if the current value equals expected.
	CompareAndSet(ctx context.Context, expected, update E) (bool, error)
	// AlterAndGet stores fn(current) and returns it. fn may run more than
	// once under contention and must not have side effects.
	AlterAndGet(ctx context.Context, fn func(E) E) (E, error)
}

func unavailable(op, name string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, op, name, err)
}
