package lock

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/clock"
	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
)

// StoreReaders implements Readers with one JSON cell per name under
// readers/. The cell maps each hold owner to its expiry. A hold is renewed by
// its holder every TTL/3, so the hold of a crashed node stops counting once
// its TTL passes and is pruned by the next write to the cell.
type StoreReaders struct {
	backend storage.Backend
	ttl     time.Duration
	clock   clock.Clock
	logger  pslog.Logger
}

type readerCell struct {
	Holds map[string]time.Time `json:"holds"`
}

// live returns the holds that have not expired at now.
func (c readerCell) live(now time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(c.Holds))
	for owner, exp := range c.Holds {
		if now.Before(exp) {
			out[owner] = exp
		}
	}
	return out
}

// NewStoreReaders returns expiring reader holds on backend. TTL and Clock
// are taken from opts.
func NewStoreReaders(backend storage.Backend, opts StoreOptions) *StoreReaders {
	if opts.TTL <= 0 {
		opts.TTL = DefaultLeaseTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &StoreReaders{
		backend: backend,
		ttl:     opts.TTL,
		clock:   opts.Clock,
		logger:  loggingutil.WithSubsystem(opts.Logger, "lock.readers"),
	}
}

func readerKey(name string) string { return readerPrefix + url.PathEscape(name) }

// update applies fn to the live holds of name with an ETag CAS loop. An empty
// result deletes the cell.
func (r *StoreReaders) update(ctx context.Context, name string, fn func(holds map[string]time.Time) error) error {
	key := readerKey(name)
	for range readerCASMax {
		var cell readerCell
		etag, err := storage.GetJSON(ctx, r.backend, key, &cell)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			etag = ""
		case err != nil:
			return err
		}
		holds := cell.live(r.clock.Now())
		if err := fn(holds); err != nil {
			return err
		}
		switch {
		case len(holds) == 0 && etag == "":
			return nil
		case len(holds) == 0:
			err = r.backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: etag})
		default:
			_, err = storage.PutJSON(ctx, r.backend, key, readerCell{Holds: holds}, storage.CreateOrReplaceOptions(etag))
		}
		if err == nil {
			return nil
		}
		if !storage.IsConflict(err) {
			return err
		}
	}
	return fmt.Errorf("readers %s: %w", name, storage.ErrCASMismatch)
}

// Join registers a new hold on name and starts renewing it.
func (r *StoreReaders) Join(ctx context.Context, name string) (ReaderHold, error) {
	owner := xid.New().String()
	err := r.update(ctx, name, func(holds map[string]time.Time) error {
		holds[owner] = r.clock.Now().Add(r.ttl)
		return nil
	})
	if err != nil {
		return nil, err
	}
	h := &readerHold{
		readers: r,
		name:    name,
		owner:   owner,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go h.renew()
	return h, nil
}

// Count returns the number of unexpired holds on name.
func (r *StoreReaders) Count(ctx context.Context, name string) (int, error) {
	var cell readerCell
	_, err := storage.GetJSON(ctx, r.backend, readerKey(name), &cell)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(cell.live(r.clock.Now())), nil
}

var errHoldGone = errors.New("reader hold expired")

type readerHold struct {
	readers *StoreReaders
	name    string
	owner   string

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (h *readerHold) renew() {
	defer close(h.done)
	r := h.readers
	for {
		select {
		case <-h.stop:
			return
		case <-r.clock.After(r.ttl / 3):
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
		err := r.update(ctx, h.name, func(holds map[string]time.Time) error {
			if _, ok := holds[h.owner]; !ok {
				return errHoldGone
			}
			holds[h.owner] = r.clock.Now().Add(r.ttl)
			return nil
		})
		cancel()
		switch {
		case errors.Is(err, errHoldGone):
			r.logger.Warn("lock.readers.lost", "name", h.name, "owner", h.owner)
			return
		case err != nil:
			r.logger.Warn("lock.readers.renew.failed", "name", h.name, "error", err)
		}
	}
}

// Leave stops renewal and removes the hold. A hold that already expired is
// reported as ErrLockLost.
func (h *readerHold) Leave(ctx context.Context) error {
	h.once.Do(func() { close(h.stop) })
	<-h.done
	var lost bool
	err := h.readers.update(ctx, h.name, func(holds map[string]time.Time) error {
		_, ok := holds[h.owner]
		lost = !ok
		delete(holds, h.owner)
		return nil
	})
	if err != nil {
		return err
	}
	if lost {
		return fmt.Errorf("%w: reader %s", ErrLockLost, h.name)
	}
	return nil
}
