package wal

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// Local is an in-process log. Actions are kept as values, so any Action
// (including ActionFunc) can be logged. Nothing survives a restart.
type Local struct {
	opts options

	mu        sync.Mutex
	records   map[string]*TransactionRecord
	entries   map[string][]Entry
	completed map[string]bool
}

// NewLocal returns an empty in-process log.
func NewLocal(opts ...Option) *Local {
	return &Local{
		opts:      buildOptions("wal.local", opts),
		records:   make(map[string]*TransactionRecord),
		entries:   make(map[string][]Entry),
		completed: make(map[string]bool),
	}
}

func (l *Local) LogAction(ctx context.Context, txID string, kind ActionKind, action Action) error {
	if !kind.Valid() {
		return newError("log", txID, kind, ErrInvalidKind)
	}
	if action == nil {
		return newError("log", txID, kind, errNilAction)
	}
	now := l.opts.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[txID]; !ok {
		l.records[txID] = &TransactionRecord{TxID: txID, StartedAt: now}
	}
	l.entries[txID] = append(l.entries[txID], &ActionEntry{TxID: txID, Kind: kind, Action: action, LoggedAt: now})
	return nil
}

func (l *Local) LogCompletion(ctx context.Context, txID string) error {
	now := l.opts.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, txID)
	if l.completed[txID] {
		return nil
	}
	l.completed[txID] = true
	l.entries[txID] = append(l.entries[txID], &EventEntry{TxID: txID, Kind: EventCompleted, LoggedAt: now})
	return nil
}

func (l *Local) LogRollback(ctx context.Context, txID string) error {
	now := l.opts.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[txID] = append(l.entries[txID], &EventEntry{TxID: txID, Kind: EventRolledBack, LoggedAt: now})
	return nil
}

// ApplyLoggedActions snapshots the entries and invokes actions outside the
// lock so actions may themselves use the log.
func (l *Local) ApplyLoggedActions(ctx context.Context, txID string, kind ActionKind, reverse bool) error {
	if !kind.Valid() {
		return newError("apply", txID, kind, ErrInvalidKind)
	}
	entries, _ := l.Entries(ctx, txID)
	return applyActions(ctx, txID, kind, reverse, entries)
}

// Sync is a no-op; the log is synchronous.
func (l *Local) Sync(context.Context) error { return nil }

func (l *Local) Records(context.Context) ([]TransactionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TransactionRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxID < out[j].TxID })
	return out, nil
}

func (l *Local) Entries(_ context.Context, txID string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries[txID]), nil
}

func (l *Local) Resolved(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.completed))
	for txID := range l.completed {
		out = append(out, txID)
	}
	sort.Strings(out)
	return out, nil
}

func (l *Local) Purge(_ context.Context, txID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, txID)
	delete(l.records, txID)
	delete(l.completed, txID)
	return nil
}

func (l *Local) RecordRecoveryFailure(_ context.Context, txID string, cause error) (int, error) {
	now := l.opts.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[txID]
	if !ok {
		return 0, newError("record_failure", txID, "", errRecordMissing)
	}
	rec.RecoveryAttempts++
	rec.LastAttemptAt = now
	if cause != nil {
		rec.LastError = cause.Error()
	}
	return rec.RecoveryAttempts, nil
}
