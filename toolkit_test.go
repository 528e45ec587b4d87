package eureka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/levigo/neverpile-eureka-sub002/internal/clock"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage/memory"
	"github.com/levigo/neverpile-eureka-sub002/txn"
	"github.com/levigo/neverpile-eureka-sub002/wal"
)

var undone = struct {
	mu    sync.Mutex
	names []string
}{}

type releaseSlot struct {
	Slot string `json:"slot"`
}

func (a releaseSlot) Invoke(context.Context) error {
	undone.mu.Lock()
	defer undone.mu.Unlock()
	undone.names = append(undone.names, a.Slot)
	return nil
}

func undoneSlots() []string {
	undone.mu.Lock()
	defer undone.mu.Unlock()
	return append([]string(nil), undone.names...)
}

func containsSlot(slot string) bool {
	for _, s := range undoneSlots() {
		if s == slot {
			return true
		}
	}
	return false
}

func newToolkit(t *testing.T, cfg Config, opts ...Option) *Toolkit {
	t.Helper()
	tk, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("new toolkit: %v", err)
	}
	t.Cleanup(func() { _ = tk.Close() })
	return tk
}

func TestToolkitLocalRunRollsBackOnError(t *testing.T) {
	tk := newToolkit(t, Config{})
	if tk.Backend() != nil {
		t.Fatalf("local toolkit must not open a backend")
	}
	boom := errors.New("boom")
	err := tk.Transactions().Run(context.Background(), func(ctx context.Context) error {
		if err := tk.Transactions().AppendUndoAction(ctx, releaseSlot{Slot: "local-run"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if !containsSlot("local-run") {
		t.Fatalf("undo action was not applied: %v", undoneSlots())
	}
	records, err := tk.WAL().Records(context.Background())
	if err != nil || len(records) != 0 {
		t.Fatalf("expected no open records, got %v %v", records, err)
	}
}

func TestToolkitHousekeepingRollsBackStaleTransaction(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	registry := wal.NewRegistry()
	registry.MustRegister("test.release-slot", releaseSlot{})
	tk := newToolkit(t, Config{
		Store:               "mem://",
		AutoRollbackTimeout: time.Minute,
		EventQueue:          "housekeeping-events",
	}, WithClock(clk), WithRegistry(registry))

	ctx, txID := txn.Begin(context.Background())
	if err := tk.Transactions().AppendUndoAction(ctx, releaseSlot{Slot: "stale-tx"}); err != nil {
		t.Fatalf("append undo: %v", err)
	}
	report, err := tk.PruneOnce(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if report.RolledBack != 0 {
		t.Fatalf("transaction rolled back too early: %+v", report)
	}

	clk.Advance(2 * time.Minute)
	report, err = tk.PruneOnce(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if report.RolledBack != 1 || !containsSlot("stale-tx") {
		t.Fatalf("expected stale transaction rollback, report=%+v undone=%v", report, undoneSlots())
	}

	events := tk.Events()
	if events == nil {
		t.Fatalf("event queue not opened")
	}
	elem, ok, err := events.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected housekeeping event, ok=%v err=%v", ok, err)
	}
	if elem.Value.Type != wal.EventTypeRolledBack || elem.Value.TxID != txID {
		t.Fatalf("unexpected event %+v", elem.Value)
	}
	if elem.Key != txID+":"+wal.EventTypeRolledBack {
		t.Fatalf("unexpected event key %q", elem.Key)
	}
}

func TestToolkitLocalQueuesAndReferencesAreShared(t *testing.T) {
	tk := newToolkit(t, Config{})
	ctx := context.Background()
	a, err := OpenQueue[string](tk, "docs")
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	b, err := OpenQueue[string](tk, "docs")
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	if err := a.Put(ctx, "doc-1", "CREATE"); err != nil {
		t.Fatalf("put: %v", err)
	}
	elem, ok, err := b.Next(ctx)
	if err != nil || !ok || elem.Value != "CREATE" {
		t.Fatalf("second handle must see the same queue: %+v %v %v", elem, ok, err)
	}
	if _, err := OpenQueue[int](tk, "docs"); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected type mismatch, got %v", err)
	}

	r1, err := OpenReference[int](tk, "counter")
	if err != nil {
		t.Fatalf("open reference: %v", err)
	}
	r2, _ := OpenReference[int](tk, "counter")
	if err := r1.Set(ctx, 7); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, ok, err := r2.Get(ctx); err != nil || !ok || v != 7 {
		t.Fatalf("expected shared reference value 7, got %v %v %v", v, ok, err)
	}
	if _, err := OpenReference[string](tk, "counter"); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected type mismatch, got %v", err)
	}
}

func TestToolkitsShareStateThroughBackend(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	cfg := Config{Store: "mem://", LockMode: LockModeStore}
	first := newToolkit(t, cfg, WithBackend(backend))
	second := newToolkit(t, cfg, WithBackend(backend))
	ctx := context.Background()

	q1, err := OpenQueue[string](first, "docs")
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	q2, err := OpenQueue[string](second, "docs")
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	if err := q1.Put(ctx, "doc-1", "DELETE"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if elem, ok, err := q2.Next(ctx); err != nil || !ok || elem.Key != "doc-1" {
		t.Fatalf("expected doc-1 on second node: %+v %v %v", elem, ok, err)
	}

	ref1, _ := OpenReference[string](first, "leader")
	ref2, _ := OpenReference[string](second, "leader")
	if swapped, err := ref1.CompareAndSet(ctx, "", "node-a"); err != nil || !swapped {
		t.Fatalf("first cas: %v %v", swapped, err)
	}
	if swapped, err := ref2.CompareAndSet(ctx, "", "node-b"); err != nil || swapped {
		t.Fatalf("second cas must lose: %v %v", swapped, err)
	}

	held := first.Locks().WriteLock("doc-1")
	if ok, err := held.TryLock(ctx); err != nil || !ok {
		t.Fatalf("first write lock: %v %v", ok, err)
	}
	if ok, err := second.Locks().WriteLock("doc-1").TryLock(ctx); err != nil || ok {
		t.Fatalf("second node must not get the write lock: %v %v", ok, err)
	}
	if err := held.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	other := second.Locks().WriteLock("doc-1")
	if ok, err := other.TryLock(ctx); err != nil || !ok {
		t.Fatalf("write lock after release: %v %v", ok, err)
	}
	_ = other.Unlock(ctx)
}

func TestToolkitClosedRejectsFactories(t *testing.T) {
	tk, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := tk.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tk.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := OpenQueue[string](tk, "late"); err == nil {
		t.Fatal("expected error opening queue on closed toolkit")
	}
}
