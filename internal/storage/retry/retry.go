// Package retry decorates a storage.Backend so calls failing with a
// transient error are repeated with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/clock"
	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
)

// ErrNonReplayableBody is returned when a write failed transiently but its
// body cannot be rewound for another attempt.
var ErrNonReplayableBody = errors.New("retry: request body is not replayable")

// Config describes the backoff. Zero fields get defaults; MaxAttempts of 0
// or 1 disables retries.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func (c Config) withDefaults() Config {
	c.MaxAttempts = max(c.MaxAttempts, 1)
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	return c
}

// delay returns the pause after the given failed attempt (1-based).
func (c Config) delay(attempt int) time.Duration {
	d := float64(c.BaseDelay)
	for range attempt - 1 {
		d *= c.Multiplier
		if d >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	return time.Duration(d)
}

// Wrap returns nil for a nil inner backend. The result keeps the change feed
// and Sync capabilities of inner.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{
		inner:  inner,
		logger: loggingutil.WithSubsystem(logger, "storage.retry"),
		clock:  clk,
		cfg:    cfg.withDefaults(),
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	return call(ctx, b, "list_objects", opts.Prefix, nil, func() (*storage.ListResult, error) {
		return b.inner.ListObjects(ctx, opts)
	})
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	return call(ctx, b, "get_object", key, nil, func() (storage.GetObjectResult, error) {
		return b.inner.GetObject(ctx, key)
	})
}

// PutObject can only retry bodies implementing io.Seeker.
func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	return call(ctx, b, "put_object", key, body, func() (*storage.ObjectInfo, error) {
		return b.inner.PutObject(ctx, key, body, opts)
	})
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	_, err := call(ctx, b, "delete_object", key, nil, func() (struct{}, error) {
		return struct{}{}, b.inner.DeleteObject(ctx, key, opts)
	})
	return err
}

func (b *backend) Close() error { return b.inner.Close() }

func (b *backend) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	feed, ok := b.inner.(storage.ChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	return feed.SubscribeChanges(prefix)
}

func (b *backend) Sync(ctx context.Context) error {
	if s, ok := b.inner.(storage.Syncer); ok {
		return s.Sync(ctx)
	}
	return nil
}

// rewinder returns body to the offset it had before the first attempt. A nil
// rewinder means there is nothing to rewind; a rewinder with a nil seeker
// means the body cannot be replayed.
type rewinder struct {
	seeker io.Seeker
	offset int64
}

func newRewinder(body io.Reader) *rewinder {
	if body == nil {
		return nil
	}
	r := &rewinder{}
	if s, ok := body.(io.Seeker); ok {
		if off, err := s.Seek(0, io.SeekCurrent); err == nil {
			r.seeker, r.offset = s, off
		}
	}
	return r
}

func (r *rewinder) rewind() error {
	if r == nil {
		return nil
	}
	if r.seeker == nil {
		return errors.New("body does not implement io.Seeker")
	}
	_, err := r.seeker.Seek(r.offset, io.SeekStart)
	return err
}

func call[T any](ctx context.Context, b *backend, op, key string, body io.Reader, fn func() (T, error)) (T, error) {
	if b.cfg.MaxAttempts == 1 {
		return fn()
	}
	replay := newRewinder(body)
	for attempt := 1; ; attempt++ {
		out, err := fn()
		if err == nil || !storage.IsTransient(err) || attempt == b.cfg.MaxAttempts {
			return out, err
		}
		var zero T
		if replay != nil && replay.seeker == nil {
			return zero, fmt.Errorf("%w: %s %s: %w", ErrNonReplayableBody, op, key, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		wait := b.cfg.delay(attempt)
		b.logger.Warn("storage.transient_error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", b.cfg.MaxAttempts,
			"retry_in", wait,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-b.clock.After(wait):
		}
		if rerr := replay.rewind(); rerr != nil {
			return zero, fmt.Errorf("%w: rewind %s %s: %w", ErrNonReplayableBody, op, key, rerr)
		}
	}
}
