package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
)

// ConsulOptions configures Consul session mutexes.
type ConsulOptions struct {
	// Prefix is prepended to lock keys, e.g. "eureka/".
	Prefix string
	// SessionTTL is the TTL of the session backing each hold.
	SessionTTL time.Duration
	// WaitTime bounds a single acquisition attempt.
	WaitTime time.Duration
	Logger   pslog.Logger
}

// ConsulMutexes implements Mutexes with Consul session locks. Each hold
// creates its own session; the session is destroyed on release.
type ConsulMutexes struct {
	client *api.Client
	opts   ConsulOptions
	logger pslog.Logger
}

// NewConsulMutexes returns session-backed mutexes.
func NewConsulMutexes(client *api.Client, opts ConsulOptions) *ConsulMutexes {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 15 * time.Second
	}
	if opts.WaitTime <= 0 {
		opts.WaitTime = 50 * time.Millisecond
	}
	prefix := strings.TrimLeft(opts.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	opts.Prefix = prefix
	return &ConsulMutexes{client: client, opts: opts, logger: loggingutil.WithSubsystem(opts.Logger, "lock.consul")}
}

// Mutex returns a session lock handle for name.
func (c *ConsulMutexes) Mutex(name string) Mutex {
	return &consulMutex{parent: c, name: name, key: c.opts.Prefix + "locks/" + name}
}

type consulMutex struct {
	parent *ConsulMutexes
	name   string
	key    string

	mu   sync.Mutex
	lock *api.Lock
}

func (m *consulMutex) TryAcquire(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock != nil {
		return false, fmt.Errorf("lock: consul lock %s already held by this handle", m.name)
	}
	lk, err := m.parent.client.LockOpts(&api.LockOptions{
		Key:          m.key,
		SessionName:  "eureka-lock " + m.name,
		SessionTTL:   m.parent.opts.SessionTTL.String(),
		LockTryOnce:  true,
		LockWaitTime: m.parent.opts.WaitTime,
	})
	if err != nil {
		return false, err
	}
	lost, err := lk.Lock(ctx.Done())
	if err != nil {
		return false, err
	}
	if lost == nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	m.lock = lk
	go func() {
		<-lost
		m.mu.Lock()
		held := m.lock == lk
		m.mu.Unlock()
		if held {
			m.parent.logger.Warn("lock.consul.lost", "name", m.name)
		}
	}()
	return true, nil
}

func (m *consulMutex) Release(context.Context) error {
	m.mu.Lock()
	lk := m.lock
	m.lock = nil
	m.mu.Unlock()
	if lk == nil {
		return fmt.Errorf("%w: %s", ErrNotHeld, m.name)
	}
	if err := lk.Unlock(); err != nil {
		if errors.Is(err, api.ErrLockNotHeld) {
			return fmt.Errorf("%w: %s", ErrLockLost, m.name)
		}
		return err
	}
	return nil
}
