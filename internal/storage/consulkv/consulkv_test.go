package consulkv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
	"github.com/levigo/neverpile-eureka-sub002/internal/uuidv7"
)

func TestContentTypeFlags(t *testing.T) {
	for _, ct := range []string{storage.ContentTypeJSON, storage.ContentTypeJSONEncrypted, storage.ContentTypeOctetStream} {
		if got := contentTypeFor(flagsFor(ct)); got != ct {
			t.Fatalf("content type %q round-tripped to %q", ct, got)
		}
	}
	if got := contentTypeFor(flagsFor("")); got != storage.ContentTypeOctetStream {
		t.Fatalf("expected octet-stream default, got %q", got)
	}
}

func TestPrefixNormalisation(t *testing.T) {
	client, err := api.NewClient(api.DefaultConfig())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	cases := map[string]string{
		"":         "",
		"eureka":   "eureka/",
		"/eureka/": "eureka/",
		"a/b":      "a/b/",
	}
	for in, want := range cases {
		store := NewWithClient(client, Config{Prefix: in})
		if store.Prefix() != want {
			t.Fatalf("prefix %q -> %q, want %q", in, store.Prefix(), want)
		}
		if got := store.objectKey(store.fullKey("wal/records/x")); got != "wal/records/x" {
			t.Fatalf("key round trip under %q: %q", in, got)
		}
	}
}

func TestParseETag(t *testing.T) {
	if idx, err := parseETag("42"); err != nil || idx != 42 {
		t.Fatalf("parse 42: %d %v", idx, err)
	}
	for _, bad := range []string{"0", "abc", "\"42\""} {
		if _, err := parseETag(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestRetryClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{api.StatusError{Code: 500, Body: "boom"}, true},
		{api.StatusError{Code: 429}, true},
		{api.StatusError{Code: 403, Body: "ACL not found"}, false},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{errors.New("dial tcp: connection refused"), true},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.err); got != tc.want {
			t.Fatalf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

// TestConsulBackend runs against a live agent when EUREKA_CONSUL_ADDR is set.
func TestConsulBackend(t *testing.T) {
	addr := os.Getenv("EUREKA_CONSUL_ADDR")
	if addr == "" {
		t.Skip("EUREKA_CONSUL_ADDR not set")
	}
	store, err := New(Config{Address: addr, Prefix: "eureka-test/" + uuidv7.NewString(), WatchWait: 2 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	t.Cleanup(func() {
		_, _ = store.client.KV().DeleteTree(store.prefix, nil)
	})

	sub, err := store.SubscribeChanges("queue/")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	first, err := store.PutObject(ctx, "queue/doc-1", strings.NewReader(`{"state":"open"}`), storage.PutObjectOptions{IfNotExists: true, ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.PutObject(ctx, "queue/doc-1", strings.NewReader(`{}`), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if _, err := store.PutObject(ctx, "queue/doc-2", strings.NewReader(`{}`), storage.PutObjectOptions{ExpectedETag: first.ETag}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	second, err := store.PutObject(ctx, "queue/doc-1", strings.NewReader(`{"state":"inprocess"}`), storage.PutObjectOptions{ExpectedETag: first.ETag, ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	obj, err := store.GetObject(ctx, "queue/doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(obj.Reader)
	if string(data) != `{"state":"inprocess"}` || obj.Info.ETag != second.ETag || obj.Info.ContentType != storage.ContentTypeJSON {
		t.Fatalf("unexpected object %q %+v", data, obj.Info)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.PutObject(ctx, fmt.Sprintf("queue/doc-%d", i+3), strings.NewReader("{}"), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	select {
	case <-sub.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("expected change event")
	}
	res, err := store.ListObjects(ctx, storage.ListOptions{Prefix: "queue/", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Objects) != 2 || !res.Truncated {
		t.Fatalf("unexpected page %+v", res)
	}
	if err := store.DeleteObject(ctx, "queue/doc-1", storage.DeleteObjectOptions{ExpectedETag: first.ETag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected delete cas mismatch, got %v", err)
	}
	if err := store.DeleteObject(ctx, "queue/doc-1", storage.DeleteObjectOptions{ExpectedETag: second.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
