// Package taskqueue implements a persistent work queue that hands each
// element to at most one consumer.
//
// Elements move OPEN -> INPROCESS through a compare-and-swap in Next and are
// deleted by Done, which only succeeds from INPROCESS. Listeners are told
// when work becomes available; notifications run on a bounded worker pool.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/clock"
)

// State is the processing state of a queue element.
type State string

const (
	StateOpen      State = "open"
	StateInProcess State = "inprocess"
)

// DefaultNotificationWorkers is the default size of the listener pool.
const DefaultNotificationWorkers = 4

// ErrUnavailable wraps substrate failures.
var ErrUnavailable = errors.New("taskqueue: unavailable")

// Element is a claimed queue entry.
type Element[V any] struct {
	Key   string
	Value V
}

// Notification tells a listener that key became available in queue.
type Notification struct {
	Queue string
	Key   string
}

// Listener is notified when an element transitions into OPEN.
type Listener interface {
	OnWorkAvailable(ctx context.Context, n Notification)
}

type funcListener struct {
	fn func(context.Context, Notification)
}

func (l *funcListener) OnWorkAvailable(ctx context.Context, n Notification) { l.fn(ctx, n) }

// NewListener wraps fn. The returned value is comparable, so it can be passed
// to UnregisterListener.
func NewListener(fn func(ctx context.Context, n Notification)) Listener {
	return &funcListener{fn: fn}
}

// Queue is a named work queue with values of type V.
type Queue[V any] interface {
	// Put inserts or overwrites key as an OPEN element.
	Put(ctx context.Context, key string, value V) error
	// PutAll puts every entry of values.
	PutAll(ctx context.Context, values map[string]V) error
	// Next claims one OPEN element. ok is false when nothing is available.
	Next(ctx context.Context) (elem Element[V], ok bool, err error)
	// Done removes key if it is INPROCESS and reports whether it did.
	Done(ctx context.Context, key string) (bool, error)
	RegisterListener(l Listener)
	UnregisterListener(l Listener)
	Close() error
}

// Options configures a queue.
type Options struct {
	// Workers bounds concurrent listener notifications.
	Workers int
	// PollInterval is the scan interval of store queues used when the
	// backend has no change feed, and as a safety net when it does.
	PollInterval time.Duration
	// ClaimTimeout makes INPROCESS elements claimable again once they are
	// older than the timeout. Zero keeps claims forever.
	ClaimTimeout time.Duration
	Clock        clock.Clock
	Logger       pslog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultNotificationWorkers
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.ClaimTimeout < 0 {
		o.ClaimTimeout = 0
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	return o
}

// claimable reports whether an element in state, claimed at claimedAt, may
// be claimed at now.
func claimable(state State, claimedAt, now time.Time, timeout time.Duration) bool {
	switch state {
	case StateOpen:
		return true
	case StateInProcess:
		return timeout > 0 && !claimedAt.IsZero() && now.Sub(claimedAt) >= timeout
	default:
		return false
	}
}

func unavailable(op, queue string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, op, queue, err)
}
