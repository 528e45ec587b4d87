package wal

import (
	"context"
	"time"
)

// ActionKind classifies a logged action.
type ActionKind string

const (
	// ActionUndo reverses partial work when the transaction is rolled back.
	ActionUndo ActionKind = "undo"
	// ActionCommit finishes deferred work once the transaction succeeds.
	ActionCommit ActionKind = "commit"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	return k == ActionUndo || k == ActionCommit
}

// EventKind classifies a logged lifecycle event.
type EventKind string

const (
	EventCompleted  EventKind = "completed"
	EventRolledBack EventKind = "rolled_back"
)

// Action is a compensating or finalising unit of work. Invoke may run more
// than once when recovery retries, so implementations must tolerate being
// replayed.
type Action interface {
	Invoke(ctx context.Context) error
}

// ActionFunc adapts a closure to Action. Closures cannot be persisted, so
// ActionFunc only works with the in-process log.
type ActionFunc func(ctx context.Context) error

// Invoke calls f.
func (f ActionFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

// Entry is either an *ActionEntry or an *EventEntry.
type Entry interface {
	Transaction() string
	entry()
}

// ActionEntry records an action logged for a transaction.
type ActionEntry struct {
	TxID     string
	Kind     ActionKind
	Action   Action
	LoggedAt time.Time
}

// Transaction returns the owning transaction id.
func (e *ActionEntry) Transaction() string { return e.TxID }
func (*ActionEntry) entry()                {}

// EventEntry records a lifecycle event of a transaction.
type EventEntry struct {
	TxID     string
	Kind     EventKind
	LoggedAt time.Time
}

// Transaction returns the owning transaction id.
func (e *EventEntry) Transaction() string { return e.TxID }
func (*EventEntry) entry()                {}

// TransactionRecord tracks an unresolved transaction. It exists from the
// first logged action until completion; only recovery mutates it.
type TransactionRecord struct {
	TxID             string    `json:"tx_id"`
	StartedAt        time.Time `json:"started_at"`
	RecoveryAttempts int       `json:"recovery_attempts"`
	LastAttemptAt    time.Time `json:"last_attempt_at,omitzero"`
	LastError        string    `json:"last_error,omitempty"`
}

// Age reports how long the transaction has been open at now.
func (r TransactionRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.StartedAt)
}
