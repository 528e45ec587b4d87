package atomicref

import (
	"context"
	"reflect"
	"sync"
)

// Local is an in-process cell. Equality is reflect.DeepEqual.
type Local[E any] struct {
	mu    sync.Mutex
	value E
	set   bool
}

// NewLocal returns an unset cell.
func NewLocal[E any]() *Local[E] {
	return &Local[E]{}
}

func (r *Local[E]) Get(context.Context) (E, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.set, nil
}

func (r *Local[E]) Set(_ context.Context, value E) error {
	r.mu.Lock()
	r.value, r.set = value, true
	r.mu.Unlock()
	return nil
}

func (r *Local[E]) CompareAndSet(_ context.Context, expected, update E) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !reflect.DeepEqual(r.value, expected) {
		return false, nil
	}
	r.value, r.set = update, true
	return true, nil
}

func (r *Local[E]) AlterAndGet(_ context.Context, fn func(E) E) (E, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value, r.set = fn(r.value), true
	return r.value, nil
}
