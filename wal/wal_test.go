package wal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/levigo/neverpile-eureka-sub002/internal/clock"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage/memory"
)

// journal collects invocations of stepAction by journal name so persisted
// actions can report back after being decoded.
var journal = struct {
	mu    sync.Mutex
	steps map[string][]string
	fail  map[string]int
}{steps: map[string][]string{}, fail: map[string]int{}}

type stepAction struct {
	Journal string `json:"journal"`
	Step    string `json:"step"`
}

func (a stepAction) Invoke(context.Context) error {
	journal.mu.Lock()
	defer journal.mu.Unlock()
	if n := journal.fail[a.Journal]; n != 0 {
		if n > 0 {
			journal.fail[a.Journal] = n - 1
		}
		return fmt.Errorf("step %s failed", a.Step)
	}
	journal.steps[a.Journal] = append(journal.steps[a.Journal], a.Step)
	return nil
}

func steps(name string) []string {
	journal.mu.Lock()
	defer journal.mu.Unlock()
	return append([]string(nil), journal.steps[name]...)
}

// failSteps makes the next n invocations of the journal fail; -1 fails forever.
func failSteps(name string, n int) {
	journal.mu.Lock()
	defer journal.mu.Unlock()
	journal.fail[name] = n
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegister("test.step", stepAction{})
	return reg
}

type logCase struct {
	name string
	open func(t *testing.T, clk clock.Clock) Log
}

func logCases() []logCase {
	return []logCase{
		{"local", func(t *testing.T, clk clock.Clock) Log {
			return NewLocal(WithClock(clk))
		}},
		{"store", func(t *testing.T, clk clock.Clock) Log {
			backend := memory.New()
			t.Cleanup(func() { _ = backend.Close() })
			return NewStore(backend, testRegistry(t), WithClock(clk))
		}},
	}
}

func TestRollbackOrder(t *testing.T) {
	for _, tc := range logCases() {
		t.Run(tc.name, func(t *testing.T) {
			log := tc.open(t, clock.Real{})
			ctx := context.Background()
			name := t.Name()
			for _, step := range []string{"U1", "U2", "U3"} {
				if err := log.LogAction(ctx, "tx-1", ActionUndo, stepAction{Journal: name, Step: step}); err != nil {
					t.Fatalf("log %s: %v", step, err)
				}
			}
			if err := log.LogAction(ctx, "tx-1", ActionCommit, stepAction{Journal: name, Step: "C1"}); err != nil {
				t.Fatalf("log commit: %v", err)
			}
			if err := log.ApplyLoggedActions(ctx, "tx-1", ActionUndo, true); err != nil {
				t.Fatalf("apply: %v", err)
			}
			if diff := cmp.Diff([]string{"U3", "U2", "U1"}, steps(name)); diff != "" {
				t.Fatalf("undo order (-want +got):\n%s", diff)
			}
			if err := log.ApplyLoggedActions(ctx, "tx-1", ActionCommit, false); err != nil {
				t.Fatalf("apply commit: %v", err)
			}
			if diff := cmp.Diff([]string{"U3", "U2", "U1", "C1"}, steps(name)); diff != "" {
				t.Fatalf("commit (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyStopsAtFirstFailure(t *testing.T) {
	for _, tc := range logCases() {
		t.Run(tc.name, func(t *testing.T) {
			log := tc.open(t, clock.Real{})
			ctx := context.Background()
			name := t.Name()
			_ = log.LogAction(ctx, "tx", ActionCommit, stepAction{Journal: name, Step: "C1"})
			_ = log.LogAction(ctx, "tx", ActionCommit, stepAction{Journal: name, Step: "C2"})
			failSteps(name, 1)
			err := log.ApplyLoggedActions(ctx, "tx", ActionCommit, false)
			var walErr *Error
			if !errors.As(err, &walErr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if walErr.TxID != "tx" || walErr.Kind != ActionCommit || walErr.Index != 0 {
				t.Fatalf("unexpected error details %+v", walErr)
			}
			if got := steps(name); len(got) != 0 {
				t.Fatalf("actions after the failure must not run, got %v", got)
			}
		})
	}
}

func TestCompletionIsIdempotent(t *testing.T) {
	for _, tc := range logCases() {
		t.Run(tc.name, func(t *testing.T) {
			log := tc.open(t, clock.Real{})
			ctx := context.Background()
			name := t.Name()
			_ = log.LogAction(ctx, "tx-9", ActionUndo, stepAction{Journal: name, Step: "U1"})
			if err := log.LogCompletion(ctx, "tx-9"); err != nil {
				t.Fatalf("complete: %v", err)
			}
			if err := log.LogCompletion(ctx, "tx-9"); err != nil {
				t.Fatalf("second complete: %v", err)
			}
			records, _ := log.Records(ctx)
			if len(records) != 0 {
				t.Fatalf("record must be gone, got %+v", records)
			}
			entries, err := log.Entries(ctx, "tx-9")
			if err != nil {
				t.Fatalf("entries: %v", err)
			}
			completions := 0
			for _, e := range entries {
				if ev, ok := e.(*EventEntry); ok && ev.Kind == EventCompleted {
					completions++
				}
			}
			if completions != 1 {
				t.Fatalf("expected one completion event, got %d", completions)
			}
			resolved, _ := log.Resolved(ctx)
			if diff := cmp.Diff([]string{"tx-9"}, resolved); diff != "" {
				t.Fatalf("resolved (-want +got):\n%s", diff)
			}
			if len(steps(name)) != 0 {
				t.Fatal("completion must not invoke actions")
			}
			if err := log.Purge(ctx, "tx-9"); err != nil {
				t.Fatalf("purge: %v", err)
			}
			entries, _ = log.Entries(ctx, "tx-9")
			resolved, _ = log.Resolved(ctx)
			if len(entries) != 0 || len(resolved) != 0 {
				t.Fatalf("purge left entries=%d resolved=%v", len(entries), resolved)
			}
		})
	}
}

func TestRecordRecoveryFailure(t *testing.T) {
	for _, tc := range logCases() {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewManual(time.Unix(1_700_000_000, 0))
			log := tc.open(t, clk)
			ctx := context.Background()
			_ = log.LogAction(ctx, "tx", ActionUndo, stepAction{Journal: t.Name(), Step: "U"})
			for want := 1; want <= 3; want++ {
				got, err := log.RecordRecoveryFailure(ctx, "tx", errors.New("disk full"))
				if err != nil || got != want {
					t.Fatalf("attempt %d: got %d err=%v", want, got, err)
				}
			}
			records, _ := log.Records(ctx)
			if len(records) != 1 || records[0].LastError != "disk full" || !records[0].StartedAt.Equal(clk.Now()) {
				t.Fatalf("unexpected record %+v", records)
			}
			if _, err := log.RecordRecoveryFailure(ctx, "missing", nil); err == nil {
				t.Fatal("expected error for a missing record")
			}
		})
	}
}

func TestStoreRejectsUnregisteredActions(t *testing.T) {
	backend := memory.New()
	log := NewStore(backend, NewRegistry())
	err := log.LogAction(context.Background(), "tx", ActionUndo, ActionFunc(func(context.Context) error { return nil }))
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	var walErr *Error
	if !errors.As(err, &walErr) || walErr.Op != "log" {
		t.Fatalf("expected *Error from log, got %v", err)
	}
	records, _ := log.Records(context.Background())
	if len(records) != 0 {
		t.Fatal("no record may be created for a rejected action")
	}
	if err := log.LogAction(context.Background(), "tx", "redo", stepAction{}); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}

func TestStoreSharesStateAcrossInstances(t *testing.T) {
	backend := memory.New()
	ctx := context.Background()
	name := t.Name()
	writer := NewStore(backend, testRegistry(t))
	reader := NewStore(backend, testRegistry(t))
	_ = writer.LogAction(ctx, "tx/with slash", ActionUndo, stepAction{Journal: name, Step: "U1"})
	records, err := reader.Records(ctx)
	if err != nil || len(records) != 1 || records[0].TxID != "tx/with slash" {
		t.Fatalf("records=%+v err=%v", records, err)
	}
	if err := reader.ApplyLoggedActions(ctx, "tx/with slash", ActionUndo, true); err != nil {
		t.Fatalf("apply from second instance: %v", err)
	}
	if diff := cmp.Diff([]string{"U1"}, steps(name)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}
