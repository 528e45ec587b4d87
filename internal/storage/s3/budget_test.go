package s3

import (
	"io"
	"strings"
	"testing"
)

func TestByteBudget(t *testing.T) {
	budget := newByteBudget(10)
	if budget == nil {
		t.Fatalf("expected budget")
	}
	releaseA, ok := budget.tryAcquire(4)
	if !ok {
		t.Fatalf("expected acquire for 4")
	}
	releaseB, ok := budget.tryAcquire(6)
	if !ok {
		t.Fatalf("expected acquire for 6")
	}
	if _, ok := budget.tryAcquire(1); ok {
		t.Fatalf("expected budget exhaustion")
	}
	releaseB()
	if _, ok := budget.tryAcquire(5); !ok {
		t.Fatalf("expected acquire after release")
	}
	releaseA()
}

func TestBufferBodySizesSmallStreams(t *testing.T) {
	store := &Store{budget: newByteBudget(1 << 20)}
	reader, size, release, err := store.bufferBody(strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	if release == nil || size != int64(len("payload")) {
		t.Fatalf("expected buffered body, size=%d", size)
	}
	data, _ := io.ReadAll(reader)
	if string(data) != "payload" {
		t.Fatalf("unexpected body %q", data)
	}
	release()
	if used := store.budget.used.Load(); used != 0 {
		t.Fatalf("budget not released, used=%d", used)
	}

	unbudgeted := &Store{}
	if _, size, release, _ := unbudgeted.bufferBody(strings.NewReader("x")); release != nil || size != -1 {
		t.Fatalf("expected passthrough without budget")
	}
}
