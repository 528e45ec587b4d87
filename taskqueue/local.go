package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
)

// Local is an in-process queue. Every Put notifies listeners.
type Local[V any] struct {
	name     string
	opts     Options
	notifier *notifier
	metrics  *queueMetrics

	mu      sync.Mutex
	seq     uint64
	entries map[string]*localEntry[V]
}

type localEntry[V any] struct {
	value     V
	state     State
	seq       uint64
	claimedAt time.Time
}

// NewLocal returns an empty in-process queue.
func NewLocal[V any](name string, opts Options) *Local[V] {
	opts = opts.withDefaults()
	logger := loggingutil.WithSubsystem(opts.Logger, loggingutil.Subsystem("taskqueue", name))
	opts.Logger = logger
	return &Local[V]{
		name:     name,
		opts:     opts,
		notifier: newNotifier(opts.Workers, logger),
		metrics:  newQueueMetrics(name, "local", logger),
		entries:  make(map[string]*localEntry[V]),
	}
}

func (q *Local[V]) Put(ctx context.Context, key string, value V) error {
	q.mu.Lock()
	q.seq++
	q.entries[key] = &localEntry[V]{value: value, state: StateOpen, seq: q.seq}
	q.mu.Unlock()
	q.metrics.add(ctx, q.metrics.puts, 1)
	q.notifier.dispatch(Notification{Queue: q.name, Key: key})
	return nil
}

func (q *Local[V]) PutAll(ctx context.Context, values map[string]V) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := q.Put(ctx, key, values[key]); err != nil {
			return err
		}
	}
	return nil
}

// Next claims the oldest claimable element.
func (q *Local[V]) Next(ctx context.Context) (Element[V], bool, error) {
	now := q.opts.Clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	var (
		bestKey string
		best    *localEntry[V]
	)
	for key, e := range q.entries {
		if !claimable(e.state, e.claimedAt, now, q.opts.ClaimTimeout) {
			continue
		}
		if best == nil || e.seq < best.seq {
			bestKey, best = key, e
		}
	}
	if best == nil {
		return Element[V]{}, false, nil
	}
	if best.state == StateInProcess {
		q.metrics.add(ctx, q.metrics.reclaims, 1)
	}
	best.state = StateInProcess
	best.claimedAt = now
	q.metrics.add(ctx, q.metrics.claims, 1)
	return Element[V]{Key: bestKey, Value: best.value}, true, nil
}

func (q *Local[V]) Done(ctx context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[key]
	if !ok || e.state != StateInProcess {
		return false, nil
	}
	delete(q.entries, key)
	q.metrics.add(ctx, q.metrics.done, 1)
	return true, nil
}

// Len reports the number of elements in any state.
func (q *Local[V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Local[V]) RegisterListener(l Listener)   { q.notifier.register(l) }
func (q *Local[V]) UnregisterListener(l Listener) { q.notifier.unregister(l) }

// Close stops notification delivery.
func (q *Local[V]) Close() error {
	q.notifier.close()
	return nil
}
