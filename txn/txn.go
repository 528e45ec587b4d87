// Package txn is the transaction facade over the write-ahead log. A
// transaction id travels in the context; AppendUndoAction must succeed before
// the caller performs the mutation it compensates.
package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
	"github.com/levigo/neverpile-eureka-sub002/wal"
)

// ErrNoTransaction is returned when the context carries no transaction id.
var ErrNoTransaction = errors.New("txn: no transaction in context")

type ctxKey struct{}

// NewID returns a fresh, sortable transaction id.
func NewID() string {
	return xid.New().String()
}

// WithID returns a context carrying id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IDFromContext returns the transaction id carried by ctx.
func IDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Begin returns ctx with a transaction id, reusing one that is already set.
func Begin(ctx context.Context) (context.Context, string) {
	if id, ok := IDFromContext(ctx); ok {
		return ctx, id
	}
	id := NewID()
	return WithID(ctx, id), id
}

// WAL appends actions of the context's transaction to a write-ahead log.
type WAL struct {
	log    wal.WriteAheadLog
	logger pslog.Logger
}

// New returns a facade over log.
func New(log wal.WriteAheadLog, logger pslog.Logger) *WAL {
	return &WAL{log: log, logger: loggingutil.WithSubsystem(logger, "txn")}
}

func (w *WAL) id(ctx context.Context) (string, error) {
	id, ok := IDFromContext(ctx)
	if !ok {
		return "", ErrNoTransaction
	}
	return id, nil
}

// AppendUndoAction logs an action reversing the mutation about to happen. On
// error the caller must not perform the mutation.
func (w *WAL) AppendUndoAction(ctx context.Context, action wal.Action) error {
	return w.append(ctx, wal.ActionUndo, action)
}

// AppendCommitAction logs work deferred until the transaction commits.
func (w *WAL) AppendCommitAction(ctx context.Context, action wal.Action) error {
	return w.append(ctx, wal.ActionCommit, action)
}

func (w *WAL) append(ctx context.Context, kind wal.ActionKind, action wal.Action) error {
	id, err := w.id(ctx)
	if err != nil {
		return err
	}
	if err := w.log.LogAction(ctx, id, kind, action); err != nil {
		w.logger.Warn("txn.append.failed", "tx_id", id, "kind", string(kind), "error", err)
		return err
	}
	return nil
}

// Commit applies the commit actions in logged order and marks the
// transaction complete. When an action fails the transaction stays open and
// housekeeping rolls it back after the auto-rollback timeout.
func (w *WAL) Commit(ctx context.Context) error {
	id, err := w.id(ctx)
	if err != nil {
		return err
	}
	if err := w.log.ApplyLoggedActions(ctx, id, wal.ActionCommit, false); err != nil {
		return err
	}
	if err := w.log.LogCompletion(ctx, id); err != nil {
		return err
	}
	return w.log.Sync(ctx)
}

// Rollback applies the undo actions in reverse order and marks the
// transaction complete.
func (w *WAL) Rollback(ctx context.Context) error {
	id, err := w.id(ctx)
	if err != nil {
		return err
	}
	if err := w.log.ApplyLoggedActions(ctx, id, wal.ActionUndo, true); err != nil {
		return err
	}
	if full, ok := w.log.(wal.Log); ok {
		if err := full.LogRollback(ctx, id); err != nil {
			return err
		}
	}
	if err := w.log.LogCompletion(ctx, id); err != nil {
		return err
	}
	return w.log.Sync(ctx)
}

// Run executes fn inside a transaction, committing when fn succeeds and
// rolling back otherwise. A rollback failure is joined to fn's error.
func (w *WAL) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, id := Begin(ctx)
	defer func() {
		if p := recover(); p != nil {
			if rbErr := w.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				w.logger.Error("txn.rollback.failed", "tx_id", id, "error", rbErr)
			}
			panic(p)
		}
	}()
	if err := fn(ctx); err != nil {
		if rbErr := w.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			w.logger.Warn("txn.rollback.failed", "tx_id", id, "error", rbErr)
			return errors.Join(err, fmt.Errorf("txn %s: rollback: %w", id, rbErr))
		}
		return err
	}
	return w.Commit(ctx)
}
