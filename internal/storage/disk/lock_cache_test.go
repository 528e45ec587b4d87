package disk

import (
	"path/filepath"
	"testing"
)

func TestLockFileCacheKeepsMostRecentIdle(t *testing.T) {
	dir := t.TempDir()
	cache := newLockFileCache(1)
	defer cache.close()

	first, err := cache.acquire(filepath.Join(dir, "first.lock"))
	if err != nil {
		t.Fatalf("acquire first: %v", err)
	}
	cache.release(first)
	if first.file == nil || cache.idleLen() != 1 {
		t.Fatalf("released descriptor should stay open while idle")
	}

	second, err := cache.acquire(filepath.Join(dir, "second.lock"))
	if err != nil {
		t.Fatalf("acquire second: %v", err)
	}
	cache.release(second)
	if first.file != nil {
		t.Fatal("least recently used descriptor should be closed")
	}
	if second.file == nil || cache.idleLen() != 1 {
		t.Fatalf("second descriptor should be the only idle one, idle=%d", cache.idleLen())
	}

	again, err := cache.acquire(filepath.Join(dir, "second.lock"))
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if again != second || cache.idleLen() != 0 || again.file == nil {
		t.Fatal("reacquiring must reuse the idle descriptor")
	}
	cache.release(again)
}

func TestLockFileCacheSharesEntriesInUse(t *testing.T) {
	dir := t.TempDir()
	cache := newLockFileCache(0)
	defer cache.close()
	path := filepath.Join(dir, "shared.lock")

	a, err := cache.acquire(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := cache.acquire(path)
	if err != nil {
		t.Fatalf("acquire again: %v", err)
	}
	if a != b || a.refs != 2 {
		t.Fatalf("want one entry with two refs, got refs=%d", a.refs)
	}
	cache.release(b)
	if a.file == nil {
		t.Fatal("entry still held must stay open")
	}
	cache.release(a)
	if a.file != nil {
		t.Fatal("without idle capacity the descriptor closes on last release")
	}
}

func TestLockFileCacheDiscard(t *testing.T) {
	cache := newLockFileCache(4)
	e, err := cache.acquire(filepath.Join(t.TempDir(), "x.lock"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	cache.discard(e)
	if e.file != nil || len(cache.inUse) != 0 || cache.idleLen() != 0 {
		t.Fatal("discard must close and forget the entry")
	}
	cache.close()
}
