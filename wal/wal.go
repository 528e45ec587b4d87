// Package wal implements the write-ahead log of compensating actions.
//
// A transaction logs UNDO actions before each mutation it performs and COMMIT
// actions for work deferred until it succeeds. Completing a transaction
// resolves it; a transaction left open longer than the auto-rollback timeout
// is rolled back by the Housekeeper, which replays its UNDO actions in reverse
// order. Two backends are provided: Local keeps everything in process memory,
// Store persists to any storage.Backend so all nodes sharing the backend see
// the same log.
package wal

import (
	"context"
	"slices"
)

// WriteAheadLog is the contract used by the transaction facade.
type WriteAheadLog interface {
	// LogAction appends an action for txID, creating its record first.
	LogAction(ctx context.Context, txID string, kind ActionKind, action Action) error
	// LogCompletion marks txID resolved and removes its record. Calling it
	// again is a no-op.
	LogCompletion(ctx context.Context, txID string) error
	// ApplyLoggedActions invokes the actions of kind for txID in logged order,
	// or reversed. The first failure stops the pass.
	ApplyLoggedActions(ctx context.Context, txID string, kind ActionKind, reverse bool) error
	// Sync flushes buffered writes to durable media.
	Sync(ctx context.Context) error
}

// Log extends WriteAheadLog with the inspection and maintenance operations
// used by housekeeping.
type Log interface {
	WriteAheadLog
	// LogRollback appends a rolled-back event for txID.
	LogRollback(ctx context.Context, txID string) error
	// Records returns the open transaction records ordered by transaction id.
	Records(ctx context.Context) ([]TransactionRecord, error)
	// Entries returns every entry of txID in logged order.
	Entries(ctx context.Context, txID string) ([]Entry, error)
	// Resolved returns the ids of transactions with a completion event.
	Resolved(ctx context.Context) ([]string, error)
	// Purge drops every trace of txID.
	Purge(ctx context.Context, txID string) error
	// RecordRecoveryFailure increments the recovery attempt counter of txID
	// and returns the new count.
	RecordRecoveryFailure(ctx context.Context, txID string, cause error) (int, error)
}

// applyActions runs the action entries of kind in order, or reversed.
func applyActions(ctx context.Context, txID string, kind ActionKind, reverse bool, entries []Entry) error {
	actions := make([]Action, 0, len(entries))
	for _, e := range entries {
		ae, ok := e.(*ActionEntry)
		if !ok || ae.Kind != kind {
			continue
		}
		actions = append(actions, ae.Action)
	}
	indexes := make([]int, len(actions))
	for i := range indexes {
		indexes[i] = i
	}
	if reverse {
		slices.Reverse(indexes)
	}
	for _, i := range indexes {
		if err := ctx.Err(); err != nil {
			return &Error{Op: "apply", TxID: txID, Kind: kind, Index: i, Err: err}
		}
		if err := actions[i].Invoke(ctx); err != nil {
			return &Error{Op: "apply", TxID: txID, Kind: kind, Index: i, Err: err}
		}
	}
	return nil
}

func hasCompletion(entries []Entry) bool {
	for _, e := range entries {
		if ev, ok := e.(*EventEntry); ok && ev.Kind == EventCompleted {
			return true
		}
	}
	return false
}
