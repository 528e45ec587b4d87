package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
)

const putCASAttempts = 16

// Store is a queue persisted to a storage.Backend under queue/<name>/. All
// state changes are ETag CAS writes, so consumers on any node can share it.
// Listeners are woken by the backend change feed when available and by a
// periodic scan otherwise.
type Store[V any] struct {
	backend  storage.Backend
	name     string
	prefix   string
	opts     Options
	logger   pslog.Logger
	notifier *notifier
	metrics  *queueMetrics

	seenMu sync.Mutex
	seen   map[string]string // key -> etag of the OPEN version already announced

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

type storedElement struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	State     State           `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
	ClaimedAt time.Time       `json:"claimed_at,omitzero"`
}

// NewStore returns a queue named name on backend.
func NewStore[V any](backend storage.Backend, name string, opts Options) (*Store[V], error) {
	if backend == nil {
		return nil, fmt.Errorf("taskqueue: backend required")
	}
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("taskqueue: invalid queue name %q", name)
	}
	opts = opts.withDefaults()
	logger := loggingutil.WithSubsystem(opts.Logger, loggingutil.Subsystem("taskqueue", name))
	return &Store[V]{
		backend:  backend,
		name:     name,
		prefix:   "queue/" + name + "/",
		opts:     opts,
		logger:   logger,
		notifier: newNotifier(opts.Workers, logger),
		metrics:  newQueueMetrics(name, "store", logger),
		seen:     make(map[string]string),
	}, nil
}

func (q *Store[V]) objectKey(key string) string {
	return q.prefix + url.PathEscape(key)
}

func (q *Store[V]) elementKey(objectKey string) (string, error) {
	return url.PathUnescape(strings.TrimPrefix(objectKey, q.prefix))
}

// Put writes key as OPEN, replacing any current version through a CAS loop.
func (q *Store[V]) Put(ctx context.Context, key string, value V) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("taskqueue: encode %s: %w", key, err)
	}
	objKey := q.objectKey(key)
	for attempt := 0; attempt < putCASAttempts; attempt++ {
		var current storedElement
		etag, err := storage.GetJSON(ctx, q.backend, objKey, &current)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return unavailable("put", q.name, err)
		}
		if errors.Is(err, storage.ErrNotFound) {
			etag = ""
		}
		elem := storedElement{Key: key, Value: raw, State: StateOpen, UpdatedAt: q.opts.Clock.Now()}
		newETag, err := storage.PutJSON(ctx, q.backend, objKey, elem, storage.CreateOrReplaceOptions(etag))
		if storage.IsConflict(err) {
			continue
		}
		if err != nil {
			return unavailable("put", q.name, err)
		}
		q.metrics.add(ctx, q.metrics.puts, 1)
		q.announce(key, newETag)
		return nil
	}
	return unavailable("put", q.name, storage.ErrCASMismatch)
}

func (q *Store[V]) PutAll(ctx context.Context, values map[string]V) error {
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

// announce notifies listeners once per OPEN version. Without listeners
// nothing is remembered.
func (q *Store[V]) announce(key, etag string) {
	if !q.notifier.hasListeners() {
		return
	}
	q.seenMu.Lock()
	if q.seen[key] == etag {
		q.seenMu.Unlock()
		return
	}
	q.seen[key] = etag
	q.seenMu.Unlock()
	q.notifier.dispatch(Notification{Queue: q.name, Key: key})
}

// forget drops the announced version of key once it left OPEN.
func (q *Store[V]) forget(key string) {
	q.seenMu.Lock()
	delete(q.seen, key)
	q.seenMu.Unlock()
}

// Next scans the queue in key order and claims the first element whose
// OPEN -> INPROCESS CAS succeeds. A lost CAS moves on to the next candidate.
func (q *Store[V]) Next(ctx context.Context) (Element[V], bool, error) {
	var (
		out Element[V]
		won bool
	)
	errStop := errors.New("stop")
	err := storage.ListAll(ctx, q.backend, q.prefix, func(obj storage.ObjectInfo) error {
		elem, claimed, err := q.tryClaim(ctx, obj.Key)
		if err != nil {
			return err
		}
		if claimed {
			out, won = elem, true
			q.forget(elem.Key)
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return Element[V]{}, false, unavailable("next", q.name, err)
	}
	return out, won, nil
}

func (q *Store[V]) tryClaim(ctx context.Context, objKey string) (Element[V], bool, error) {
	var stored storedElement
	etag, err := storage.GetJSON(ctx, q.backend, objKey, &stored)
	if errors.Is(err, storage.ErrNotFound) {
		return Element[V]{}, false, nil
	}
	if err != nil {
		return Element[V]{}, false, err
	}
	now := q.opts.Clock.Now()
	if !claimable(stored.State, stored.ClaimedAt, now, q.opts.ClaimTimeout) {
		return Element[V]{}, false, nil
	}
	reclaim := stored.State == StateInProcess
	var value V
	if err := json.Unmarshal(stored.Value, &value); err != nil {
		q.logger.Warn("taskqueue.decode.failed", "key", stored.Key, "error", err)
		return Element[V]{}, false, nil
	}
	stored.State = StateInProcess
	stored.ClaimedAt = now
	stored.UpdatedAt = now
	if _, err := storage.PutJSON(ctx, q.backend, objKey, stored, storage.PutObjectOptions{ExpectedETag: etag}); err != nil {
		if storage.IsConflict(err) {
			q.metrics.add(ctx, q.metrics.lostRaces, 1)
			return Element[V]{}, false, nil
		}
		return Element[V]{}, false, err
	}
	if reclaim {
		q.metrics.add(ctx, q.metrics.reclaims, 1)
		q.logger.Info("taskqueue.reclaimed", "key", stored.Key, "claim_timeout", q.opts.ClaimTimeout)
	}
	q.metrics.add(ctx, q.metrics.claims, 1)
	key := stored.Key
	if key == "" {
		if key, err = q.elementKey(objKey); err != nil {
			return Element[V]{}, false, err
		}
	}
	return Element[V]{Key: key, Value: value}, true, nil
}

// Done deletes key when its current version is INPROCESS.
func (q *Store[V]) Done(ctx context.Context, key string) (bool, error) {
	objKey := q.objectKey(key)
	var stored storedElement
	etag, err := storage.GetJSON(ctx, q.backend, objKey, &stored)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("done", q.name, err)
	}
	if stored.State != StateInProcess {
		return false, nil
	}
	err = q.backend.DeleteObject(ctx, objKey, storage.DeleteObjectOptions{ExpectedETag: etag})
	if storage.IsConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("done", q.name, err)
	}
	q.forget(key)
	q.metrics.add(ctx, q.metrics.done, 1)
	return true, nil
}

// RegisterListener adds l and starts watching the queue.
func (q *Store[V]) RegisterListener(l Listener) {
	q.notifier.register(l)
	q.startWatch()
}

func (q *Store[V]) UnregisterListener(l Listener) {
	q.notifier.unregister(l)
}

// Close stops the watcher and notification delivery.
func (q *Store[V]) Close() error {
	q.watchMu.Lock()
	cancel, done := q.watchCancel, q.watchDone
	q.watchCancel, q.watchDone = nil, nil
	q.watchMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	q.notifier.close()
	return nil
}

func (q *Store[V]) startWatch() {
	q.watchMu.Lock()
	defer q.watchMu.Unlock()
	if q.watchCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.watchCancel = cancel
	q.watchDone = make(chan struct{})
	go q.watch(ctx, q.watchDone)
}

// watch scans on every change feed signal and on the poll interval.
func (q *Store[V]) watch(ctx context.Context, done chan struct{}) {
	defer close(done)
	var events <-chan struct{}
	if feed, ok := q.backend.(storage.ChangeFeed); ok {
		sub, err := feed.SubscribeChanges(q.prefix)
		switch {
		case err == nil:
			defer sub.Close()
			events = sub.Events()
		case errors.Is(err, storage.ErrNotImplemented):
			q.logger.Debug("taskqueue.watch.polling", "poll_interval", q.opts.PollInterval)
		default:
			q.logger.Warn("taskqueue.watch.subscribe_failed", "error", err)
		}
	}
	q.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				events = nil
				q.logger.Warn("taskqueue.watch.feed_closed")
				continue
			}
		case <-q.opts.Clock.After(q.opts.PollInterval):
		}
		q.scan(ctx)
	}
}

// scan announces OPEN versions not announced yet and forgets keys that are
// no longer OPEN.
func (q *Store[V]) scan(ctx context.Context) {
	if !q.notifier.hasListeners() {
		q.seenMu.Lock()
		clear(q.seen)
		q.seenMu.Unlock()
		return
	}
	open := make(map[string]string)
	err := storage.ListAll(ctx, q.backend, q.prefix, func(obj storage.ObjectInfo) error {
		var stored storedElement
		etag, err := storage.GetJSON(ctx, q.backend, obj.Key, &stored)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if stored.State == StateOpen {
			open[stored.Key] = etag
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Warn("taskqueue.watch.scan_failed", "error", err)
		}
		return
	}
	q.seenMu.Lock()
	for key := range q.seen {
		if _, ok := open[key]; !ok {
			delete(q.seen, key)
		}
	}
	q.seenMu.Unlock()
	keys := make([]string, 0, len(open))
	for key := range open {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		q.announce(key, open[key])
	}
}
