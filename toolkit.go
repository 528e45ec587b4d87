package eureka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/atomicref"
	"github.com/levigo/neverpile-eureka-sub002/internal/clock"
	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage/consulkv"
	"github.com/levigo/neverpile-eureka-sub002/lock"
	"github.com/levigo/neverpile-eureka-sub002/taskqueue"
	"github.com/levigo/neverpile-eureka-sub002/txn"
	"github.com/levigo/neverpile-eureka-sub002/wal"
)

// Option customises a Toolkit.
type Option func(*toolkitOptions)

type toolkitOptions struct {
	logger    pslog.Logger
	clock     clock.Clock
	registry  *wal.Registry
	backend   storage.Backend
	publisher wal.Publisher
}

// WithLogger sets the logger shared by every primitive.
func WithLogger(logger pslog.Logger) Option {
	return func(o *toolkitOptions) { o.logger = logger }
}

// WithClock overrides the clock used for timeouts, leases and housekeeping.
func WithClock(clk clock.Clock) Option {
	return func(o *toolkitOptions) { o.clock = clk }
}

// WithRegistry supplies the action registry used to persist WAL actions.
// Object-store logs can only record actions registered here.
func WithRegistry(registry *wal.Registry) Option {
	return func(o *toolkitOptions) { o.registry = registry }
}

// WithBackend uses backend instead of opening cfg.Store. The toolkit does
// not close an injected backend.
func WithBackend(backend storage.Backend) Option {
	return func(o *toolkitOptions) { o.backend = backend }
}

// WithPublisher adds a receiver for housekeeping events.
func WithPublisher(p wal.Publisher) Option {
	return func(o *toolkitOptions) { o.publisher = p }
}

// Toolkit wires the WAL, transaction facade, lock factory, housekeeping and
// the queue and reference factories to one substrate.
type Toolkit struct {
	cfg      Config
	base     pslog.Logger
	logger   pslog.Logger
	clock    clock.Clock
	store    *openedStore
	owned    bool
	registry *wal.Registry
	log      wal.Log
	txn      *txn.WAL
	locks    lock.Factory
	keeper   *wal.Housekeeper
	events   taskqueue.Queue[wal.Event]

	mu      sync.Mutex
	closed  bool
	queues  map[string]any
	refs    map[string]any
	closers []func() error
}

// New validates cfg and builds a toolkit. Housekeeping is not started until
// Start is called.
func New(ctx context.Context, cfg Config, opts ...Option) (*Toolkit, error) {
	o := toolkitOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.backend != nil && (cfg.Store == "" || cfg.Store == DefaultStore) {
		cfg.Store = "mem://"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	if o.registry == nil {
		o.registry = wal.NewRegistry()
	}
	logger := loggingutil.EnsureLogger(o.logger)
	tk := &Toolkit{
		cfg:      cfg,
		base:     logger,
		logger:   loggingutil.WithSubsystem(logger, "toolkit"),
		clock:    o.clock,
		registry: o.registry,
		queues:   make(map[string]any),
		refs:     make(map[string]any),
	}
	if o.backend != nil {
		scheme, _ := storeScheme(cfg.Store)
		tk.store = &openedStore{scheme: scheme, backend: o.backend, raw: o.backend}
		if cfg.LockMode == LockModeConsul {
			client, err := newConsulClient(cfg, cfg.ConsulAddress)
			if err != nil {
				return nil, err
			}
			tk.store.consul = client
		}
	} else {
		store, err := openStore(ctx, cfg, logger, o.clock)
		if err != nil {
			return nil, err
		}
		tk.store = store
		tk.owned = true
	}

	walOpts := []wal.Option{wal.WithClock(o.clock), wal.WithLogger(logger)}
	if tk.store.backend == nil {
		tk.log = wal.NewLocal(walOpts...)
	} else {
		tk.log = wal.NewStore(tk.store.backend, tk.registry, walOpts...)
	}
	tk.txn = txn.New(tk.log, logger)
	tk.locks = tk.newLockFactory(logger)

	publishers := wal.MultiPublisher{wal.NewLogPublisher(logger)}
	if cfg.EventQueue != "" {
		events, err := OpenQueue[wal.Event](tk, cfg.EventQueue)
		if err != nil {
			_ = tk.Close()
			return nil, err
		}
		tk.events = events
		publishers = append(publishers, QueuePublisher(events))
	}
	if o.publisher != nil {
		publishers = append(publishers, o.publisher)
	}
	keeper, err := wal.NewHousekeeper(tk.log, tk.locks, wal.HousekeeperConfig{
		AutoRollbackTimeout: cfg.AutoRollbackTimeout,
		Interval:            cfg.HousekeepingInterval,
		MaxRecoveryAttempts: cfg.MaxRecoveryAttempts,
		ExhaustedPolicy:     wal.ExhaustedPolicy(cfg.ExhaustedPolicy),
		RollbackRate:        cfg.RollbackRate,
		RollbackBurst:       cfg.RollbackBurst,
		Clock:               o.clock,
		Logger:              logger,
		Publisher:           publishers,
	})
	if err != nil {
		_ = tk.Close()
		return nil, err
	}
	tk.keeper = keeper
	tk.logger.Info("toolkit.opened",
		"store_scheme", tk.store.scheme,
		"lock_mode", cfg.LockMode,
		"auto_rollback_timeout", cfg.AutoRollbackTimeout,
		"event_queue", cfg.EventQueue,
	)
	return tk, nil
}

func (tk *Toolkit) newLockFactory(logger pslog.Logger) lock.Factory {
	switch tk.cfg.LockMode {
	case LockModeStore:
		mutexes := lock.NewStoreMutexes(tk.store.backend, tk.leaseOptions(logger))
		return lock.NewEmulated(mutexes, lock.NewStoreReaders(tk.store.backend, tk.leaseOptions(logger)), logger)
	case LockModeConsul:
		prefix := ""
		if kv, ok := tk.store.raw.(*consulkv.Store); ok {
			prefix = kv.Prefix()
		}
		mutexes := lock.NewConsulMutexes(tk.store.consul, lock.ConsulOptions{
			Prefix:     prefix,
			SessionTTL: tk.cfg.ConsulSessionTTL,
			Logger:     logger,
		})
		return lock.NewEmulated(mutexes, lock.NewStoreReaders(tk.store.backend, tk.leaseOptions(logger)), logger)
	default:
		return lock.NewLocal()
	}
}

func (tk *Toolkit) leaseOptions(logger pslog.Logger) lock.StoreOptions {
	return lock.StoreOptions{TTL: tk.cfg.LockTTL, Clock: tk.clock, Logger: logger}
}

// Config returns the validated configuration.
func (tk *Toolkit) Config() Config { return tk.cfg }

// Backend returns the decorated substrate, or nil for the local store.
func (tk *Toolkit) Backend() storage.Backend { return tk.store.backend }

// Registry returns the action registry used by object-store logs.
func (tk *Toolkit) Registry() *wal.Registry { return tk.registry }

// WAL returns the write-ahead log.
func (tk *Toolkit) WAL() wal.Log { return tk.log }

// Transactions returns the transaction facade.
func (tk *Toolkit) Transactions() *txn.WAL { return tk.txn }

// Locks returns the cluster lock factory.
func (tk *Toolkit) Locks() lock.Factory { return tk.locks }

// Housekeeper returns the recovery/pruning task.
func (tk *Toolkit) Housekeeper() *wal.Housekeeper { return tk.keeper }

// Events returns the housekeeping event queue, or nil when EventQueue is unset.
func (tk *Toolkit) Events() taskqueue.Queue[wal.Event] { return tk.events }

// Start runs housekeeping in the background unless it is disabled.
func (tk *Toolkit) Start(ctx context.Context) {
	if tk.cfg.DisableHousekeeping {
		tk.logger.Info("toolkit.housekeeping.disabled")
		return
	}
	tk.keeper.Start(ctx)
}

// PruneOnce runs a single housekeeping pass.
func (tk *Toolkit) PruneOnce(ctx context.Context) (wal.Report, error) {
	return tk.keeper.PruneOnce(ctx)
}

// Close stops housekeeping, closes every queue opened through the toolkit
// and closes the substrate when the toolkit opened it.
func (tk *Toolkit) Close() error {
	tk.mu.Lock()
	if tk.closed {
		tk.mu.Unlock()
		return nil
	}
	tk.closed = true
	closers := tk.closers
	tk.closers = nil
	tk.mu.Unlock()

	if tk.keeper != nil {
		tk.keeper.Stop()
	}
	var result *multierror.Error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if tk.owned && tk.store != nil && tk.store.backend != nil {
		if err := tk.store.backend.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close store: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// ErrTypeMismatch is returned when a queue or reference name is reopened with
// a different value type on a local toolkit.
var ErrTypeMismatch = errors.New("eureka: name already opened with a different type")

var errClosed = errors.New("eureka: toolkit closed")

// OpenQueue returns the queue name with values of type V. Local toolkits
// return the same instance for repeated calls; store toolkits return a new
// instance sharing state through the substrate.
func OpenQueue[V any](tk *Toolkit, name string) (taskqueue.Queue[V], error) {
	opts := taskqueue.Options{
		Workers:      tk.cfg.NotificationWorkers,
		PollInterval: tk.cfg.QueuePollInterval,
		ClaimTimeout: tk.cfg.QueueClaimTimeout,
		Clock:        tk.clock,
		Logger:       tk.base,
	}
	tk.mu.Lock()
	defer tk.mu.Unlock()
	if tk.closed {
		return nil, errClosed
	}
	if tk.store.backend == nil {
		if existing, ok := tk.queues[name]; ok {
			q, ok := existing.(*taskqueue.Local[V])
			if !ok {
				return nil, fmt.Errorf("%w: queue %s", ErrTypeMismatch, name)
			}
			return q, nil
		}
		q := taskqueue.NewLocal[V](name, opts)
		tk.queues[name] = q
		tk.closers = append(tk.closers, q.Close)
		return q, nil
	}
	q, err := taskqueue.NewStore[V](tk.store.backend, name, opts)
	if err != nil {
		return nil, err
	}
	tk.closers = append(tk.closers, q.Close)
	return q, nil
}

// OpenReference returns the atomic reference name holding values of type E.
func OpenReference[E any](tk *Toolkit, name string) (atomicref.Reference[E], error) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	if tk.closed {
		return nil, errClosed
	}
	if tk.store.backend == nil {
		if existing, ok := tk.refs[name]; ok {
			ref, ok := existing.(*atomicref.Local[E])
			if !ok {
				return nil, fmt.Errorf("%w: reference %s", ErrTypeMismatch, name)
			}
			return ref, nil
		}
		ref := atomicref.NewLocal[E]()
		tk.refs[name] = ref
		return ref, nil
	}
	return atomicref.NewStore[E](tk.store.backend, name, atomicref.StoreOptions{
		Clock:  tk.clock,
		Logger: tk.base,
	})
}

// QueuePublisher returns a wal.Publisher that puts every housekeeping event
// into q, keyed by transaction and event type.
func QueuePublisher(q taskqueue.Queue[wal.Event]) wal.Publisher {
	return wal.PublisherFunc(func(ctx context.Context, ev wal.Event) error {
		return q.Put(ctx, ev.TxID+":"+ev.Type, ev)
	})
}
