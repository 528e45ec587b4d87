package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
)

func TestKeyPrefix(t *testing.T) {
	p := NewKeyPrefix("/tenant/")
	if got := p.Object("/wal/records/tx"); got != "tenant/wal/records/tx" {
		t.Fatalf("Object = %q", got)
	}
	if got := p.Object("queue/"); got != "tenant/queue/" {
		t.Fatalf("trailing slash lost: %q", got)
	}
	if key, ok := p.Key("tenant/refs/a"); !ok || key != "refs/a" {
		t.Fatalf("Key = %q, %v", key, ok)
	}
	if _, ok := p.Key("tenantx/refs/a"); ok {
		t.Fatal("object outside prefix must be rejected")
	}
	var none KeyPrefix
	if none.Object("a") != "a" {
		t.Fatal("empty prefix must be the identity")
	}
	if TrimETag(`"abc"`) != "abc" {
		t.Fatal("quotes not trimmed")
	}
}

func TestIsConnectionError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{errors.New("forbidden"), false},
		{context.DeadlineExceeded, true},
		{io.ErrUnexpectedEOF, true},
		{fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{&net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{&net.DNSError{IsTemporary: true}, true},
		{&net.DNSError{IsNotFound: true}, false},
	}
	for _, tc := range cases {
		if got := IsConnectionError(tc.err); got != tc.want {
			t.Fatalf("IsConnectionError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, true, "op") != nil {
		t.Fatal("nil must stay nil")
	}
	err := Wrap(io.EOF, true, "s3: get")
	if !IsTransient(err) || !errors.Is(err, io.EOF) || err.Error() != "s3: get: EOF" {
		t.Fatalf("unexpected %v", err)
	}
	if IsTransient(Wrap(io.EOF, false, "s3: get")) {
		t.Fatal("retry=false must not mark transient")
	}
}
