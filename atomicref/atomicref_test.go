package atomicref

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage/memory"
)

type cursor struct {
	Owner string   `json:"owner"`
	Seq   int      `json:"seq"`
	Tags  []string `json:"tags,omitempty"`
}

type refCase struct {
	name string
	open func(t *testing.T) Reference[cursor]
}

func refCases() []refCase {
	return []refCase{
		{"local", func(*testing.T) Reference[cursor] { return NewLocal[cursor]() }},
		{"store", func(t *testing.T) Reference[cursor] {
			backend := memory.New()
			t.Cleanup(func() { _ = backend.Close() })
			ref, err := NewStore[cursor](backend, "index/cursor", StoreOptions{})
			if err != nil {
				t.Fatalf("new store ref: %v", err)
			}
			return ref
		}},
	}
}

func TestUnsetReadsAbsent(t *testing.T) {
	for _, tc := range refCases() {
		t.Run(tc.name, func(t *testing.T) {
			ref := tc.open(t)
			if _, ok, err := ref.Get(context.Background()); err != nil || ok {
				t.Fatalf("expected absent, ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestCompareAndSet(t *testing.T) {
	for _, tc := range refCases() {
		t.Run(tc.name, func(t *testing.T) {
			ref := tc.open(t)
			ctx := context.Background()
			first := cursor{Owner: "a", Seq: 1, Tags: []string{"x"}}
			if ok, err := ref.CompareAndSet(ctx, cursor{}, first); err != nil || !ok {
				t.Fatalf("initial cas: ok=%v err=%v", ok, err)
			}
			if ok, _ := ref.CompareAndSet(ctx, cursor{}, cursor{Owner: "b"}); ok {
				t.Fatal("cas against stale zero value must fail")
			}
			second := cursor{Owner: "b", Seq: 2}
			if ok, err := ref.CompareAndSet(ctx, cursor{Owner: "a", Seq: 1, Tags: []string{"x"}}, second); err != nil || !ok {
				t.Fatalf("cas with equal value: ok=%v err=%v", ok, err)
			}
			got, ok, err := ref.Get(ctx)
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			if diff := cmp.Diff(second, got); diff != "" {
				t.Fatalf("value mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSetAndAlter(t *testing.T) {
	for _, tc := range refCases() {
		t.Run(tc.name, func(t *testing.T) {
			ref := tc.open(t)
			ctx := context.Background()
			if err := ref.Set(ctx, cursor{Owner: "a", Seq: 5}); err != nil {
				t.Fatalf("set: %v", err)
			}
			got, err := ref.AlterAndGet(ctx, func(c cursor) cursor {
				c.Seq++
				return c
			})
			if err != nil || got.Seq != 6 || got.Owner != "a" {
				t.Fatalf("alter: %+v err=%v", got, err)
			}
			if err := ref.Set(ctx, cursor{Owner: "z"}); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			if cur, _, _ := ref.Get(ctx); cur.Owner != "z" || cur.Seq != 0 {
				t.Fatalf("unexpected value %+v", cur)
			}
		})
	}
}

func TestConcurrentCompareAndSetSingleWinner(t *testing.T) {
	for _, tc := range refCases() {
		t.Run(tc.name, func(t *testing.T) {
			ref := tc.open(t)
			ctx := context.Background()
			base := cursor{Owner: "base"}
			if err := ref.Set(ctx, base); err != nil {
				t.Fatalf("set: %v", err)
			}
			var (
				wins atomic.Int32
				wg   sync.WaitGroup
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := ref.CompareAndSet(ctx, base, cursor{Owner: "w", Seq: i})
					if err != nil {
						t.Errorf("cas: %v", err)
					}
					if ok {
						wins.Add(1)
					}
				}(i)
			}
			wg.Wait()
			if wins.Load() != 1 {
				t.Fatalf("expected one winner, got %d", wins.Load())
			}
		})
	}
}

func TestConcurrentAlterLosesNoUpdates(t *testing.T) {
	for _, tc := range refCases() {
		t.Run(tc.name, func(t *testing.T) {
			ref := tc.open(t)
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := ref.AlterAndGet(ctx, func(c cursor) cursor {
						c.Seq++
						return c
					}); err != nil {
						t.Errorf("alter: %v", err)
					}
				}()
			}
			wg.Wait()
			got, _, _ := ref.Get(ctx)
			if got.Seq != 8 {
				t.Fatalf("expected 8 increments, got %d", got.Seq)
			}
		})
	}
}

func TestStoreInstancesShareCell(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	a, _ := NewStore[int](backend, "counter", StoreOptions{})
	b, _ := NewStore[int](backend, "counter", StoreOptions{})
	ctx := context.Background()
	if err := a.Set(ctx, 41); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ok, err := b.CompareAndSet(ctx, 41, 42); err != nil || !ok {
		t.Fatalf("cas from second instance: ok=%v err=%v", ok, err)
	}
	if v, ok, _ := a.Get(ctx); !ok || v != 42 {
		t.Fatalf("expected 42, got %d ok=%v", v, ok)
	}
}

// interleavedBackend runs before once, right ahead of the first write.
type interleavedBackend struct {
	storage.Backend
	once   sync.Once
	before func()
}

func (b *interleavedBackend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	b.once.Do(b.before)
	return b.Backend.PutObject(ctx, key, body, opts)
}

func TestStoreCompareAndSetSurvivesEqualConcurrentWrite(t *testing.T) {
	backend := memory.New()
	t.Cleanup(func() { _ = backend.Close() })
	ctx := context.Background()
	expected := cursor{Owner: "a", Seq: 1}

	other, err := NewStore[cursor](backend, "index/cursor", StoreOptions{})
	if err != nil {
		t.Fatalf("other: %v", err)
	}
	if err := other.Set(ctx, expected); err != nil {
		t.Fatalf("seed: %v", err)
	}
	racing := &interleavedBackend{Backend: backend, before: func() {
		// Same value, new ETag.
		if err := other.Set(ctx, expected); err != nil {
			t.Errorf("concurrent set: %v", err)
		}
	}}
	ref, err := NewStore[cursor](racing, "index/cursor", StoreOptions{})
	if err != nil {
		t.Fatalf("ref: %v", err)
	}
	update := cursor{Owner: "b", Seq: 2}
	ok, err := ref.CompareAndSet(ctx, expected, update)
	if err != nil || !ok {
		t.Fatalf("cas must win over an equal concurrent write: ok=%v err=%v", ok, err)
	}
	got, _, err := other.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(update, got); diff != "" {
		t.Fatalf("value (-want +got):\n%s", diff)
	}
}
