package wal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"
	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/clock"
	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
	"github.com/levigo/neverpile-eureka-sub002/lock"
)

// ExhaustedPolicy decides what happens to a transaction whose rollback keeps
// failing after MaxRecoveryAttempts.
type ExhaustedPolicy string

const (
	// PolicyComplete force-completes the transaction, abandoning its
	// remaining undo work.
	PolicyComplete ExhaustedPolicy = "complete"
	// PolicyRetain keeps the record and publishes an escalation on every
	// further failed pass.
	PolicyRetain ExhaustedPolicy = "retain"
)

// Valid reports whether p is a known policy.
func (p ExhaustedPolicy) Valid() bool {
	return p == PolicyComplete || p == PolicyRetain
}

const (
	DefaultAutoRollbackTimeout  = 5 * time.Minute
	DefaultHousekeepingInterval = time.Minute
	DefaultMaxRecoveryAttempts  = 5
	DefaultHousekeepingLockKey  = "wal/housekeeping"
)

// HousekeeperConfig configures a Housekeeper.
type HousekeeperConfig struct {
	AutoRollbackTimeout time.Duration
	Interval            time.Duration
	MaxRecoveryAttempts int
	ExhaustedPolicy     ExhaustedPolicy
	// RollbackRate caps rollbacks per second; zero means unlimited.
	RollbackRate  float64
	RollbackBurst int
	LockKey       string
	Clock         clock.Clock
	Logger        pslog.Logger
	Publisher     Publisher
}

// Report summarises one housekeeping pass.
type Report struct {
	Skipped    bool
	Purged     int
	RolledBack int
	Failed     int
	Abandoned  int
	Escalated  int
}

// Housekeeper purges resolved transactions and rolls back abandoned ones.
// Passes are serialised across nodes through a write lock taken with a
// non-blocking try; a node that loses the try skips the cycle.
type Housekeeper struct {
	log     Log
	locks   lock.Factory
	cfg     HousekeeperConfig
	limiter *rate.Limiter
	logger  pslog.Logger
	metrics *housekeepingMetrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHousekeeper validates cfg, applies defaults and returns a stopped
// housekeeper.
func NewHousekeeper(log Log, locks lock.Factory, cfg HousekeeperConfig) (*Housekeeper, error) {
	if log == nil {
		return nil, fmt.Errorf("wal: housekeeper requires a log")
	}
	if locks == nil {
		return nil, fmt.Errorf("wal: housekeeper requires a lock factory")
	}
	if cfg.AutoRollbackTimeout <= 0 {
		cfg.AutoRollbackTimeout = DefaultAutoRollbackTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHousekeepingInterval
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = DefaultMaxRecoveryAttempts
	}
	if cfg.ExhaustedPolicy == "" {
		cfg.ExhaustedPolicy = PolicyComplete
	}
	if !cfg.ExhaustedPolicy.Valid() {
		return nil, fmt.Errorf("wal: unknown exhausted policy %q", cfg.ExhaustedPolicy)
	}
	if cfg.LockKey == "" {
		cfg.LockKey = DefaultHousekeepingLockKey
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "wal.housekeeping")
	if cfg.Publisher == nil {
		cfg.Publisher = NewLogPublisher(cfg.Logger)
	}
	limit := rate.Inf
	if cfg.RollbackRate > 0 {
		limit = rate.Limit(cfg.RollbackRate)
	}
	if cfg.RollbackBurst <= 0 {
		cfg.RollbackBurst = 1
	}
	return &Housekeeper{
		log:     log,
		locks:   locks,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.RollbackBurst),
		logger:  logger,
		metrics: newHousekeepingMetrics(logger),
	}, nil
}

// Start runs PruneOnce every Interval until ctx ends or Stop is called.
func (h *Housekeeper) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.loop(ctx, h.done)
}

// Stop cancels the loop and waits for the running pass to return.
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (h *Housekeeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.cfg.Clock.After(h.cfg.Interval):
		}
		report, err := h.PruneOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("wal.housekeeping.pass.failed", "error", err)
			continue
		}
		if report.Skipped {
			h.logger.Trace("wal.housekeeping.pass.skipped")
			continue
		}
		if report.Purged+report.RolledBack+report.Failed > 0 {
			h.logger.Debug("wal.housekeeping.pass",
				"purged", report.Purged,
				"rolled_back", report.RolledBack,
				"failed", report.Failed,
				"abandoned", report.Abandoned,
			)
		}
	}
}

// PruneOnce runs a single housekeeping pass. Per-transaction failures do not
// stop the pass; they are aggregated into the returned error.
func (h *Housekeeper) PruneOnce(ctx context.Context) (report Report, err error) {
	start := h.cfg.Clock.Now()
	defer func() {
		h.metrics.recordPrune(ctx, report, h.cfg.Clock.Now().Sub(start), err)
	}()

	guard := h.locks.WriteLock(h.cfg.LockKey)
	ok, lockErr := guard.TryLock(ctx)
	if lockErr != nil {
		return Report{}, fmt.Errorf("wal: housekeeping lock: %w", lockErr)
	}
	if !ok {
		return Report{Skipped: true}, nil
	}
	defer func() {
		if unlockErr := guard.Unlock(context.WithoutCancel(ctx)); unlockErr != nil {
			h.logger.Warn("wal.housekeeping.unlock.failed", "error", unlockErr)
		}
	}()

	var errs *multierror.Error
	resolved, listErr := h.log.Resolved(ctx)
	if listErr != nil {
		return report, listErr
	}
	purged := make(map[string]struct{}, len(resolved))
	for _, txID := range resolved {
		if err := h.log.Purge(ctx, txID); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		purged[txID] = struct{}{}
		report.Purged++
	}

	records, listErr := h.log.Records(ctx)
	if listErr != nil {
		errs = multierror.Append(errs, listErr)
		return report, errs.ErrorOrNil()
	}
	now := h.cfg.Clock.Now()
	for _, rec := range records {
		if _, done := purged[rec.TxID]; done {
			continue
		}
		if rec.Age(now) < h.cfg.AutoRollbackTimeout {
			continue
		}
		// The owner may have completed after Resolved was listed; the record
		// is removed after the completion marker is written.
		completed, err := h.completedMeanwhile(ctx, rec.TxID)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if completed {
			report.Purged++
			continue
		}
		if err := h.limiter.Wait(ctx); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		if err := h.recover(ctx, rec, &report); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return report, errs.ErrorOrNil()
}

// completedMeanwhile purges txID and reports true when its entries already
// carry a completion event.
func (h *Housekeeper) completedMeanwhile(ctx context.Context, txID string) (bool, error) {
	entries, err := h.log.Entries(ctx, txID)
	if err != nil {
		return false, err
	}
	if !hasCompletion(entries) {
		return false, nil
	}
	if err := h.log.Purge(ctx, txID); err != nil {
		return true, err
	}
	return true, nil
}

// recover rolls back one abandoned transaction.
func (h *Housekeeper) recover(ctx context.Context, rec TransactionRecord, report *Report) error {
	applyErr := h.log.ApplyLoggedActions(ctx, rec.TxID, ActionUndo, true)
	if applyErr == nil {
		if err := h.log.LogRollback(ctx, rec.TxID); err != nil {
			return err
		}
		if err := h.log.LogCompletion(ctx, rec.TxID); err != nil {
			return err
		}
		report.RolledBack++
		h.publish(ctx, Event{Type: EventTypeRolledBack, TxID: rec.TxID, Attempts: rec.RecoveryAttempts})
		return nil
	}
	if ctx.Err() != nil {
		return applyErr
	}
	report.Failed++
	attempts, err := h.log.RecordRecoveryFailure(ctx, rec.TxID, applyErr)
	if err != nil {
		if errors.Is(err, errRecordMissing) {
			// Another pass or the owner resolved it meanwhile.
			return nil
		}
		return multierror.Append(applyErr, err)
	}
	if attempts < h.cfg.MaxRecoveryAttempts {
		h.publish(ctx, Event{Type: EventTypeRecoveryFailed, TxID: rec.TxID, Attempts: attempts, Error: applyErr.Error()})
		return applyErr
	}
	switch h.cfg.ExhaustedPolicy {
	case PolicyRetain:
		report.Escalated++
		h.publish(ctx, Event{Type: EventTypeEscalated, TxID: rec.TxID, Attempts: attempts, Error: applyErr.Error()})
		return applyErr
	default:
		if err := h.log.LogCompletion(ctx, rec.TxID); err != nil {
			return multierror.Append(applyErr, err)
		}
		report.Abandoned++
		h.logger.Error("wal.housekeeping.recovery.abandoned",
			"tx_id", rec.TxID,
			"attempts", attempts,
			"error", applyErr,
		)
		h.publish(ctx, Event{Type: EventTypeAbandoned, TxID: rec.TxID, Attempts: attempts, Error: applyErr.Error()})
		return nil
	}
}

func (h *Housekeeper) publish(ctx context.Context, ev Event) {
	ev.At = h.cfg.Clock.Now()
	if err := h.cfg.Publisher.Publish(ctx, ev); err != nil {
		h.logger.Warn("wal.housekeeping.publish.failed", "type", ev.Type, "tx_id", ev.TxID, "error", err)
	}
}
