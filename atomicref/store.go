package atomicref

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/clock"
	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
)

const defaultMaxAttempts = 32

// StoreOptions configures a Store reference.
type StoreOptions struct {
	// MaxAttempts bounds the CAS retries of Set and AlterAndGet.
	MaxAttempts int
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Store is a cell persisted as refs/<name>. Values are compared by their
// JSON encoding and every write is conditional on the ETag that was read.
type Store[E any] struct {
	backend storage.Backend
	name    string
	key     string
	opts    StoreOptions
	logger  pslog.Logger
}

type storedCell struct {
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewStore returns the reference name on backend.
func NewStore[E any](backend storage.Backend, name string, opts StoreOptions) (*Store[E], error) {
	if backend == nil {
		return nil, fmt.Errorf("atomicref: backend required")
	}
	if name == "" {
		return nil, fmt.Errorf("atomicref: name required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Store[E]{
		backend: backend,
		name:    name,
		key:     "refs/" + url.PathEscape(name),
		opts:    opts,
		logger:  loggingutil.WithSubsystem(opts.Logger, loggingutil.Subsystem("atomicref", name)),
	}, nil
}

// load returns the canonical encoding of the current value and its ETag. An
// unset cell yields the encoding of the zero value and an empty ETag.
func (r *Store[E]) load(ctx context.Context) (E, []byte, string, error) {
	var (
		cell  storedCell
		value E
	)
	etag, err := storage.GetJSON(ctx, r.backend, r.key, &cell)
	if errors.Is(err, storage.ErrNotFound) {
		canon, err := json.Marshal(value)
		return value, canon, "", err
	}
	if err != nil {
		return value, nil, "", err
	}
	if err := json.Unmarshal(cell.Value, &value); err != nil {
		return value, nil, "", fmt.Errorf("decode %s: %w", r.key, err)
	}
	canon, err := json.Marshal(value)
	return value, canon, etag, err
}

func (r *Store[E]) store(ctx context.Context, etag string, value E) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.key, err)
	}
	cell := storedCell{Name: r.name, Value: raw, UpdatedAt: r.opts.Clock.Now()}
	_, err = storage.PutJSON(ctx, r.backend, r.key, cell, storage.CreateOrReplaceOptions(etag))
	return err
}

func (r *Store[E]) Get(ctx context.Context) (E, bool, error) {
	var cell storedCell
	var value E
	_, err := storage.GetJSON(ctx, r.backend, r.key, &cell)
	if errors.Is(err, storage.ErrNotFound) {
		return value, false, nil
	}
	if err != nil {
		return value, false, unavailable("get", r.name, err)
	}
	if err := json.Unmarshal(cell.Value, &value); err != nil {
		return value, false, unavailable("get", r.name, err)
	}
	return value, true, nil
}

func (r *Store[E]) Set(ctx context.Context, value E) error {
	_, err := r.AlterAndGet(ctx, func(E) E { return value })
	return err
}

// CompareAndSet retries a lost write while the cell still holds expected:
// a concurrent writer that stored an equal value does not make the swap fail.
func (r *Store[E]) CompareAndSet(ctx context.Context, expected, update E) (bool, error) {
	want, err := json.Marshal(expected)
	if err != nil {
		return false, fmt.Errorf("atomicref: encode expected: %w", err)
	}
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		_, current, etag, err := r.load(ctx)
		if err != nil {
			return false, unavailable("compare_and_set", r.name, err)
		}
		if !bytes.Equal(current, want) {
			return false, nil
		}
		err = r.store(ctx, etag, update)
		if err == nil {
			return true, nil
		}
		if !storage.IsConflict(err) {
			return false, unavailable("compare_and_set", r.name, err)
		}
		r.logger.Debug("atomicref.cas.conflict", "name", r.name, "attempt", attempt)
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
	r.logger.Warn("atomicref.cas.contended", "name", r.name, "attempts", r.opts.MaxAttempts)
	return false, unavailable("compare_and_set", r.name, storage.ErrCASMismatch)
}

// AlterAndGet reads, applies fn and writes back conditionally, retrying when
// another writer got in between.
func (r *Store[E]) AlterAndGet(ctx context.Context, fn func(E) E) (E, error) {
	var zero E
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		current, _, etag, err := r.load(ctx)
		if err != nil {
			return zero, unavailable("alter", r.name, err)
		}
		next := fn(current)
		err = r.store(ctx, etag, next)
		if err == nil {
			return next, nil
		}
		if !storage.IsConflict(err) {
			return zero, unavailable("alter", r.name, err)
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
	}
	r.logger.Warn("atomicref.alter.contended", "name", r.name, "attempts", r.opts.MaxAttempts)
	return zero, unavailable("alter", r.name, storage.ErrCASMismatch)
}
