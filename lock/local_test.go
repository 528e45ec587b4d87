package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestLocalReadersShareWritersExclude(t *testing.T) {
	reg := NewLocal()
	ctx := context.Background()
	r1, r2 := reg.ReadLock("doc-1"), reg.ReadLock("doc-1")
	if err := r1.Lock(ctx); err != nil {
		t.Fatalf("reader 1: %v", err)
	}
	if ok, err := r2.TryLock(ctx); err != nil || !ok {
		t.Fatalf("reader 2 should share: ok=%v err=%v", ok, err)
	}
	w := reg.WriteLock("doc-1")
	if ok, _ := w.TryLock(ctx); ok {
		t.Fatal("writer acquired while readers hold")
	}
	if err := r1.Unlock(ctx); err != nil {
		t.Fatalf("unlock r1: %v", err)
	}
	if err := r2.Unlock(ctx); err != nil {
		t.Fatalf("unlock r2: %v", err)
	}
	if ok, _ := w.TryLock(ctx); !ok {
		t.Fatal("writer should acquire once readers left")
	}
	if ok, _ := reg.ReadLock("doc-1").TryLock(ctx); ok {
		t.Fatal("reader acquired while writer holds")
	}
	if ok, _ := reg.ReadLock("doc-2").TryLock(ctx); !ok {
		t.Fatal("keys must be independent")
	}
	if err := w.Unlock(ctx); err != nil {
		t.Fatalf("unlock writer: %v", err)
	}
}

func TestLocalIdentityStableWhileHeld(t *testing.T) {
	reg := NewLocal()
	ctx := context.Background()
	a := reg.ReadLock("doc-1").(*localLock)
	b := reg.ReadLock("doc-1").(*localLock)
	c := reg.WriteLock("doc-1").(*localLock)
	if err := a.Lock(ctx); err != nil {
		t.Fatalf("lock a: %v", err)
	}
	if err := b.Lock(ctx); err != nil {
		t.Fatalf("lock b: %v", err)
	}
	if a.held != b.held {
		t.Fatal("handles for a held key must share the registry entry")
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.Lock(ctx); err != nil {
			t.Errorf("writer: %v", err)
		}
	}()
	waitFor(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return reg.entries["doc-1"].refs == 3
	})
	_ = a.Unlock(ctx)
	_ = b.Unlock(ctx)
	wg.Wait()
	if c.held == nil {
		t.Fatal("writer should hold the entry")
	}
	_ = c.Unlock(ctx)
}

func TestLocalRegistryBoundedByHeldKeys(t *testing.T) {
	reg := NewLocal()
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		l := reg.WriteLock(fmt.Sprintf("doc-%d", i))
		if err := l.Lock(ctx); err != nil {
			t.Fatalf("lock: %v", err)
		}
		if err := l.Unlock(ctx); err != nil {
			t.Fatalf("unlock: %v", err)
		}
	}
	held := reg.WriteLock("kept")
	if ok, _ := held.TryLock(ctx); !ok {
		t.Fatal("try lock")
	}
	if ok, _ := reg.WriteLock("kept").TryLock(ctx); ok {
		t.Fatal("second writer acquired")
	}
	if n := reg.Len(); n != 1 {
		t.Fatalf("expected 1 live entry, got %d", n)
	}
	_ = held.Unlock(ctx)
	if n := reg.Len(); n != 0 {
		t.Fatalf("expected empty registry, got %d", n)
	}
}

func TestLocalTryLockTimeoutAndErrors(t *testing.T) {
	reg := NewLocal()
	ctx := context.Background()
	w := reg.WriteLock("k")
	if err := w.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	start := time.Now()
	ok, err := reg.WriteLock("k").TryLockTimeout(ctx, 30*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("expected timeout, ok=%v err=%v", ok, err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("TryLockTimeout returned early")
	}
	if reg.Len() != 1 {
		t.Fatalf("timed out waiter must unpin, entries=%d", reg.Len())
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := reg.WriteLock("k").TryLockTimeout(cancelled, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if err := reg.ReadLock("k").Unlock(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
	_ = w.Unlock(ctx)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWriteHandleIsNotReentrant(t *testing.T) {
	cases := []struct {
		name    string
		factory func(t *testing.T) Factory
	}{
		{"local", func(*testing.T) Factory { return NewLocal() }},
		{"emulated", func(t *testing.T) Factory { f, _ := newEmulated(t); return f }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := tc.factory(t)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			w := f.WriteLock("doc-1")
			if err := w.Lock(ctx); err != nil {
				t.Fatalf("lock: %v", err)
			}
			if err := w.Lock(ctx); !errors.Is(err, ErrReentrant) {
				t.Fatalf("second Lock: expected ErrReentrant, got %v", err)
			}
			if ok, err := w.TryLock(ctx); ok || !errors.Is(err, ErrReentrant) {
				t.Fatalf("TryLock: expected ErrReentrant, ok=%v err=%v", ok, err)
			}
			if err := w.Unlock(ctx); err != nil {
				t.Fatalf("unlock: %v", err)
			}
			if err := w.Unlock(ctx); !errors.Is(err, ErrNotHeld) {
				t.Fatalf("expected ErrNotHeld, got %v", err)
			}

			r := f.ReadLock("doc-1")
			for range 2 {
				if err := r.Lock(ctx); err != nil {
					t.Fatalf("read holds stack: %v", err)
				}
			}
			for range 2 {
				if err := r.Unlock(ctx); err != nil {
					t.Fatalf("read unlock: %v", err)
				}
			}
			w2 := f.WriteLock("doc-1")
			if ok, err := w2.TryLock(ctx); err != nil || !ok {
				t.Fatalf("writer after reads released: ok=%v err=%v", ok, err)
			}
			_ = w2.Unlock(ctx)
		})
	}
}
