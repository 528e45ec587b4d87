package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/levigo/neverpile-eureka-sub002/internal/clock"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage/memory"
)

func newEmulated(t *testing.T) (*Emulated, *memory.Store) {
	t.Helper()
	backend := memory.New()
	t.Cleanup(func() { _ = backend.Close() })
	mutexes := NewStoreMutexes(backend, StoreOptions{TTL: time.Minute})
	return NewEmulated(mutexes, NewStoreReaders(backend, StoreOptions{TTL: time.Minute}), nil), backend
}

func TestEmulatedReadersShareWritersExclude(t *testing.T) {
	f, _ := newEmulated(t)
	ctx := context.Background()
	r1, r2 := f.ReadLock("doc-1"), f.ReadLock("doc-1")
	if err := r1.Lock(ctx); err != nil {
		t.Fatalf("r1: %v", err)
	}
	if ok, err := r2.TryLock(ctx); err != nil || !ok {
		t.Fatalf("r2 should share: ok=%v err=%v", ok, err)
	}
	w := f.WriteLock("doc-1")
	if ok, err := w.TryLock(ctx); err != nil || ok {
		t.Fatalf("writer must fail while readers hold: ok=%v err=%v", ok, err)
	}
	_ = r1.Unlock(ctx)
	_ = r2.Unlock(ctx)
	if ok, err := w.TryLock(ctx); err != nil || !ok {
		t.Fatalf("writer should acquire: ok=%v err=%v", ok, err)
	}
	if ok, err := f.ReadLock("doc-1").TryLock(ctx); err != nil || ok {
		t.Fatalf("reader must fail while writer holds: ok=%v err=%v", ok, err)
	}
	if err := w.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := w.Unlock(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
}

func TestEmulatedWriterMutualExclusion(t *testing.T) {
	f, _ := newEmulated(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := f.WriteLock("shared")
			if err := w.Lock(ctx); err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
			if err := w.Unlock(ctx); err != nil {
				t.Errorf("unlock: %v", err)
			}
		}()
	}
	wg.Wait()
	if overlap.Load() {
		t.Fatal("two writers were inside the critical section")
	}
}

func TestLeaseExpiryAllowsTakeover(t *testing.T) {
	backend := memory.New()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	mutexes := NewStoreMutexes(backend, StoreOptions{TTL: 30 * time.Second, Clock: clk})
	ctx := context.Background()

	// A holder that crashed without releasing.
	stale := leaseRecord{Owner: "crashed", ExpiresAt: clk.Now().Add(30 * time.Second)}
	if _, err := storage.PutJSON(ctx, backend, leasePrefix+"wal%2Fhousekeeping", stale, storage.PutObjectOptions{IfNotExists: true}); err != nil {
		t.Fatalf("seed lease: %v", err)
	}
	m := mutexes.Mutex("wal/housekeeping")
	if ok, err := m.TryAcquire(ctx); err != nil || ok {
		t.Fatalf("lease acquired before expiry: ok=%v err=%v", ok, err)
	}
	clk.Advance(31 * time.Second)
	if ok, err := m.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("takeover: ok=%v err=%v", ok, err)
	}
	if err := m.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := backend.GetObject(ctx, leasePrefix+"wal%2Fhousekeeping"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected lease removed, got %v", err)
	}
}

func TestLeaseReleaseReportsLoss(t *testing.T) {
	backend := memory.New()
	mutexes := NewStoreMutexes(backend, StoreOptions{TTL: time.Minute})
	ctx := context.Background()
	m := mutexes.Mutex("doc-1")
	if ok, err := m.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := backend.DeleteObject(ctx, leasePrefix+"doc-1", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete lease: %v", err)
	}
	if err := m.Release(ctx); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	if err := m.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
}

func TestStoreReadersRemoveCellWhenEmpty(t *testing.T) {
	backend := memory.New()
	readers := NewStoreReaders(backend, StoreOptions{TTL: time.Minute})
	ctx := context.Background()
	var holds []ReaderHold
	for i := 1; i <= 3; i++ {
		h, err := readers.Join(ctx, "doc-1")
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		holds = append(holds, h)
		if n, err := readers.Count(ctx, "doc-1"); err != nil || n != i {
			t.Fatalf("count after join: n=%d err=%v", n, err)
		}
	}
	for i, h := range holds {
		if err := h.Leave(ctx); err != nil {
			t.Fatalf("leave: %v", err)
		}
		if n, err := readers.Count(ctx, "doc-1"); err != nil || n != len(holds)-i-1 {
			t.Fatalf("count after leave: n=%d err=%v", n, err)
		}
	}
	res, err := backend.ListObjects(ctx, storage.ListOptions{Prefix: readerPrefix})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Objects) != 0 {
		t.Fatalf("expected reader cell removed, found %d objects", len(res.Objects))
	}
}

// A reader on node A stops renewing (its clock never moves again), node B's
// clock passes the TTL: the stale hold must not block B's writer.
func TestEmulatedWriterProceedsAfterReaderExpires(t *testing.T) {
	backend := memory.New()
	t.Cleanup(func() { _ = backend.Close() })
	start := time.Unix(1_700_000_000, 0)
	node := func(clk clock.Clock) *Emulated {
		opts := StoreOptions{TTL: time.Second, Clock: clk}
		return NewEmulated(NewStoreMutexes(backend, opts), NewStoreReaders(backend, opts), nil)
	}
	clkA, clkB := clock.NewManual(start), clock.NewManual(start)
	a, b := node(clkA), node(clkB)
	ctx := context.Background()

	reader := a.ReadLock("doc-1")
	if err := reader.Lock(ctx); err != nil {
		t.Fatalf("read lock: %v", err)
	}
	if ok, err := b.WriteLock("doc-1").TryLock(ctx); err != nil || ok {
		t.Fatalf("writer must wait for a live reader: ok=%v err=%v", ok, err)
	}

	clkB.Advance(time.Hour)
	w := b.WriteLock("doc-1")
	if ok, err := w.TryLock(ctx); err != nil || !ok {
		t.Fatalf("writer blocked by an expired reader: ok=%v err=%v", ok, err)
	}
	if err := w.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}

func TestReaderHoldRenewalKeepsHoldAlive(t *testing.T) {
	backend := memory.New()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	readers := NewStoreReaders(backend, StoreOptions{TTL: 3 * time.Second, Clock: clk})
	ctx := context.Background()
	hold, err := readers.Join(ctx, "doc-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	owner := hold.(*readerHold).owner
	for range 5 {
		waitFor(t, func() bool { return clk.Pending() > 0 })
		want := clk.Advance(time.Second).Add(3 * time.Second)
		waitFor(t, func() bool {
			var cell readerCell
			if _, err := storage.GetJSON(ctx, backend, readerKey("doc-1"), &cell); err != nil {
				return false
			}
			return !cell.Holds[owner].Before(want)
		})
	}
	if n, err := readers.Count(ctx, "doc-1"); err != nil || n != 1 {
		t.Fatalf("renewed hold must still count: n=%d err=%v", n, err)
	}
	if err := hold.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
}
