package storage_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage/memory"
)

func TestNewTransientErrorWraps(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	wrapped := storage.NewTransientError(err)
	if wrapped == nil {
		t.Fatal("expected wrapped error")
	}
	if !errors.Is(wrapped, err) {
		t.Fatal("wrapped error should contain original")
	}
	if !storage.IsTransient(wrapped) {
		t.Fatal("expected IsTransient to detect wrapped error")
	}
	if storage.IsTransient(err) {
		t.Fatal("plain error should not be transient")
	}
	if storage.NewTransientError(nil) != nil {
		t.Fatal("nil input should return nil")
	}
}

func TestListAllPages(t *testing.T) {
	t.Parallel()

	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	for i := 0; i < 1203; i++ {
		if _, err := store.PutObject(ctx, fmt.Sprintf("wal/entries/%05d", i), strings.NewReader("{}"), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if _, err := store.PutObject(ctx, "zzz/other", strings.NewReader("{}"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put other: %v", err)
	}
	var keys []string
	err := storage.ListAll(ctx, store, "wal/entries/", func(obj storage.ObjectInfo) error {
		keys = append(keys, obj.Key)
		return nil
	})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(keys) != 1203 {
		t.Fatalf("expected 1203 keys, got %d", len(keys))
	}
	if keys[0] != "wal/entries/00000" || keys[len(keys)-1] != "wal/entries/01202" {
		t.Fatalf("unexpected ordering: first=%s last=%s", keys[0], keys[len(keys)-1])
	}
}

func TestJSONHelpersCAS(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ctx := context.Background()
	type cell struct {
		Value int `json:"value"`
	}
	etag, err := storage.PutJSON(ctx, store, "refs/counter", cell{Value: 1}, storage.CreateOrReplaceOptions(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := storage.PutJSON(ctx, store, "refs/counter", cell{Value: 9}, storage.CreateOrReplaceOptions("")); !storage.IsConflict(err) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}
	var got cell
	readETag, err := storage.GetJSON(ctx, store, "refs/counter", &got)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if readETag != etag || got.Value != 1 {
		t.Fatalf("unexpected read: etag=%s value=%d", readETag, got.Value)
	}
	if _, err := storage.PutJSON(ctx, store, "refs/counter", cell{Value: 2}, storage.CreateOrReplaceOptions(etag)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if _, err := storage.PutJSON(ctx, store, "refs/counter", cell{Value: 3}, storage.CreateOrReplaceOptions(etag)); !storage.IsConflict(err) {
		t.Fatalf("expected conflict on stale etag, got %v", err)
	}
}
