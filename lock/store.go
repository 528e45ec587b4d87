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

const (
	DefaultLeaseTTL = 30 * time.Second

	leasePrefix  = "locks/"
	readerPrefix = "readers/"
	readerCASMax = 16
)

// StoreOptions configures object-store leases.
type StoreOptions struct {
	// TTL bounds how long a lease survives without renewal.
	TTL    time.Duration
	Clock  clock.Clock
	Logger pslog.Logger
}

// StoreMutexes implements Mutexes with lease objects under locks/. A lease
// names its owner and expiry; it is created create-only, taken over with an
// ETag CAS once expired and renewed by its holder every TTL/3.
type StoreMutexes struct {
	backend storage.Backend
	ttl     time.Duration
	clock   clock.Clock
	logger  pslog.Logger
}

type leaseRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewStoreMutexes returns lease-based mutexes on backend.
func NewStoreMutexes(backend storage.Backend, opts StoreOptions) *StoreMutexes {
	if opts.TTL <= 0 {
		opts.TTL = DefaultLeaseTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &StoreMutexes{
		backend: backend,
		ttl:     opts.TTL,
		clock:   opts.Clock,
		logger:  loggingutil.WithSubsystem(opts.Logger, "lock.lease"),
	}
}

// Mutex returns a lease handle for name.
func (s *StoreMutexes) Mutex(name string) Mutex {
	return &leaseMutex{store: s, key: leasePrefix + url.PathEscape(name), name: name}
}

type leaseMutex struct {
	store *StoreMutexes
	key   string
	name  string

	mu    sync.Mutex
	owner string
	etag  string
	lost  bool
	stop  chan struct{}
	done  chan struct{}
}

func (m *leaseMutex) TryAcquire(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != "" {
		return false, fmt.Errorf("lock: lease %s already held by this handle", m.name)
	}
	s := m.store
	now := s.clock.Now()
	var current leaseRecord
	etag, err := storage.GetJSON(ctx, s.backend, m.key, &current)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		etag = ""
	case err != nil:
		return false, err
	case now.Before(current.ExpiresAt):
		return false, nil
	default:
		s.logger.Debug("lock.lease.takeover", "name", m.name, "previous_owner", current.Owner)
	}
	owner := xid.New().String()
	next := leaseRecord{Owner: owner, ExpiresAt: now.Add(s.ttl)}
	newETag, err := storage.PutJSON(ctx, s.backend, m.key, next, storage.CreateOrReplaceOptions(etag))
	if storage.IsConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.owner, m.etag, m.lost = owner, newETag, false
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.renew(m.stop, m.done)
	return true, nil
}

// renew extends the lease until stopped or lost.
func (m *leaseMutex) renew(stop, done chan struct{}) {
	defer close(done)
	s := m.store
	for {
		select {
		case <-stop:
			return
		case <-s.clock.After(s.ttl / 3):
		}
		m.mu.Lock()
		if m.owner == "" {
			m.mu.Unlock()
			return
		}
		rec := leaseRecord{Owner: m.owner, ExpiresAt: s.clock.Now().Add(s.ttl)}
		ctx, cancel := context.WithTimeout(context.Background(), s.ttl/3)
		etag, err := storage.PutJSON(ctx, s.backend, m.key, rec, storage.PutObjectOptions{ExpectedETag: m.etag})
		cancel()
		switch {
		case err == nil:
			m.etag = etag
		case storage.IsConflict(err):
			m.lost = true
			s.logger.Warn("lock.lease.lost", "name", m.name, "owner", m.owner)
			m.mu.Unlock()
			return
		default:
			s.logger.Warn("lock.lease.renew.failed", "name", m.name, "error", err)
		}
		m.mu.Unlock()
	}
}

func (m *leaseMutex) Release(ctx context.Context) error {
	m.mu.Lock()
	if m.owner == "" {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHeld, m.name)
	}
	stop, done := m.stop, m.done
	m.mu.Unlock()
	close(stop)
	<-done

	m.mu.Lock()
	defer m.mu.Unlock()
	etag, lost := m.etag, m.lost
	m.owner, m.etag, m.lost = "", "", false
	if lost {
		return fmt.Errorf("%w: %s", ErrLockLost, m.name)
	}
	err := m.store.backend.DeleteObject(ctx, m.key, storage.DeleteObjectOptions{ExpectedETag: etag})
	if storage.IsConflict(err) {
		return fmt.Errorf("%w: %s", ErrLockLost, m.name)
	}
	return err
}
