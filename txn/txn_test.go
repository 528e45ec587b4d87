package txn

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/levigo/neverpile-eureka-sub002/internal/storage/memory"
	"github.com/levigo/neverpile-eureka-sub002/wal"
)

type trace struct {
	mu    sync.Mutex
	calls []string
}

func (tr *trace) action(name string, fail bool) wal.Action {
	return wal.ActionFunc(func(context.Context) error {
		if fail {
			return errors.New(name + " failed")
		}
		tr.mu.Lock()
		tr.calls = append(tr.calls, name)
		tr.mu.Unlock()
		return nil
	})
}

func TestBeginReusesContextID(t *testing.T) {
	ctx, id := Begin(context.Background())
	if id == "" {
		t.Fatal("expected id")
	}
	again, id2 := Begin(ctx)
	if id2 != id || again != ctx {
		t.Fatalf("Begin must reuse the existing id, got %q vs %q", id2, id)
	}
	if _, ok := IDFromContext(context.Background()); ok {
		t.Fatal("background context has no transaction")
	}
}

func TestAppendRequiresTransaction(t *testing.T) {
	w := New(wal.NewLocal(), nil)
	if err := w.AppendUndoAction(context.Background(), wal.ActionFunc(nil)); !errors.Is(err, ErrNoTransaction) {
		t.Fatalf("expected ErrNoTransaction, got %v", err)
	}
}

func TestAppendFailureSurfacesWALError(t *testing.T) {
	w := New(wal.NewStore(memory.New(), wal.NewRegistry()), nil)
	ctx := WithID(context.Background(), NewID())
	err := w.AppendUndoAction(ctx, wal.ActionFunc(func(context.Context) error { return nil }))
	var walErr *wal.Error
	if !errors.As(err, &walErr) {
		t.Fatalf("expected *wal.Error, got %v", err)
	}
}

func TestRunCommitsAndRollsBack(t *testing.T) {
	log := wal.NewLocal()
	w := New(log, nil)
	tr := &trace{}

	err := w.Run(context.Background(), func(ctx context.Context) error {
		if err := w.AppendUndoAction(ctx, tr.action("undo-1", false)); err != nil {
			return err
		}
		return w.AppendCommitAction(ctx, tr.action("commit-1", false))
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !slices.Equal(tr.calls, []string{"commit-1"}) {
		t.Fatalf("unexpected calls %v", tr.calls)
	}

	tr.calls = nil
	boom := errors.New("mutation failed")
	err = w.Run(context.Background(), func(ctx context.Context) error {
		_ = w.AppendUndoAction(ctx, tr.action("undo-1", false))
		_ = w.AppendUndoAction(ctx, tr.action("undo-2", false))
		_ = w.AppendCommitAction(ctx, tr.action("commit-1", false))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutation error, got %v", err)
	}
	if !slices.Equal(tr.calls, []string{"undo-2", "undo-1"}) {
		t.Fatalf("unexpected rollback calls %v", tr.calls)
	}
	records, _ := log.Records(context.Background())
	if len(records) != 0 {
		t.Fatalf("both transactions must be resolved, got %+v", records)
	}
}

func TestRunJoinsRollbackFailure(t *testing.T) {
	w := New(wal.NewLocal(), nil)
	tr := &trace{}
	boom := errors.New("mutation failed")
	err := w.Run(context.Background(), func(ctx context.Context) error {
		_ = w.AppendUndoAction(ctx, tr.action("undo", true))
		return boom
	})
	var walErr *wal.Error
	if !errors.Is(err, boom) || !errors.As(err, &walErr) || walErr.Kind != wal.ActionUndo {
		t.Fatalf("expected joined errors, got %v", err)
	}
}

func TestCommitFailureLeavesTransactionOpen(t *testing.T) {
	log := wal.NewLocal()
	w := New(log, nil)
	tr := &trace{}
	ctx, id := Begin(context.Background())
	_ = w.AppendCommitAction(ctx, tr.action("commit", true))
	if err := w.Commit(ctx); err == nil {
		t.Fatal("expected commit failure")
	}
	records, _ := log.Records(ctx)
	if len(records) != 1 || records[0].TxID != id {
		t.Fatalf("transaction must remain open for recovery, got %+v", records)
	}
}
