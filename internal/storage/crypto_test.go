package storage_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"pkt.systems/kryptograf"

	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage/memory"
)

func TestNewCryptoRequiresRootKey(t *testing.T) {
	if _, err := storage.NewCrypto(storage.CryptoConfig{Enabled: true}); err == nil {
		t.Fatalf("expected error when root key missing")
	}
	crypto, err := storage.NewCrypto(storage.CryptoConfig{Enabled: false})
	if err != nil {
		t.Fatalf("disabled crypto should not error: %v", err)
	}
	if crypto != nil {
		t.Fatalf("disabled crypto should return nil helper")
	}
	if crypto.Enabled() {
		t.Fatalf("nil crypto must report disabled")
	}
}

func TestCryptoMaterialContextMismatch(t *testing.T) {
	crypto := mustNewTestCrypto(t, false)

	mat, descriptor, err := crypto.MintMaterial(storage.ObjectContext("queue/orders/1"))
	if err != nil {
		t.Fatalf("mint material: %v", err)
	}
	mat.Zero()
	if _, err := crypto.MaterialFromDescriptor(storage.ObjectContext("queue/orders/2"), descriptor); err == nil {
		t.Fatalf("expected context mismatch to error")
	}
	corrupted := append([]byte(nil), descriptor...)
	corrupted[0] ^= 0xFF
	if _, err := crypto.MaterialFromDescriptor(storage.ObjectContext("queue/orders/1"), corrupted); err == nil {
		t.Fatalf("expected corrupted descriptor to error")
	}
}

func TestEncryptedBackendRoundTrip(t *testing.T) {
	for _, snappy := range []bool{false, true} {
		inner := memory.New()
		backend := storage.NewEncryptedBackend(inner, mustNewTestCrypto(t, snappy))
		ctx := context.Background()

		payload := bytes.Repeat([]byte(`{"doc":"doc-1","op":"CREATE"}`), 16)
		info, err := backend.PutObject(ctx, "refs/alpha", bytes.NewReader(payload), storage.PutObjectOptions{
			IfNotExists: true,
			ContentType: storage.ContentTypeJSON,
		})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		if info.ContentType != storage.ContentTypeJSONEncrypted {
			t.Fatalf("expected encrypted content type, got %q", info.ContentType)
		}

		raw, err := inner.GetObject(ctx, "refs/alpha")
		if err != nil {
			t.Fatalf("inner get: %v", err)
		}
		stored, _ := io.ReadAll(raw.Reader)
		raw.Reader.Close()
		if bytes.Contains(stored, []byte("doc-1")) {
			t.Fatalf("payload stored in plaintext")
		}

		obj, err := backend.GetObject(ctx, "refs/alpha")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		got, _ := io.ReadAll(obj.Reader)
		obj.Reader.Close()
		if !bytes.Equal(got, payload) {
			t.Fatalf("payload mismatch (snappy=%v)", snappy)
		}
		if obj.Info.ETag != info.ETag {
			t.Fatalf("etag mismatch: %q vs %q", obj.Info.ETag, info.ETag)
		}

		_, err = backend.PutObject(ctx, "refs/alpha", strings.NewReader(`{}`), storage.PutObjectOptions{ExpectedETag: "stale"})
		if !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected cas mismatch through wrapper, got %v", err)
		}
	}
}

func TestEncryptedBackendRejectsPlaintext(t *testing.T) {
	inner := memory.New()
	backend := storage.NewEncryptedBackend(inner, mustNewTestCrypto(t, false))
	ctx := context.Background()
	if _, err := inner.PutObject(ctx, "refs/plain", strings.NewReader(`{"v":1}`), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := backend.GetObject(ctx, "refs/plain"); err == nil {
		t.Fatalf("expected plaintext object to be rejected")
	}
}

func mustNewTestCrypto(t *testing.T, snappy bool) *storage.Crypto {
	t.Helper()
	crypto, err := storage.NewCrypto(storage.CryptoConfig{
		Enabled: true,
		RootKey: kryptograf.MustGenerateRootKey(),
		Snappy:  snappy,
	})
	if err != nil {
		t.Fatalf("init crypto: %v", err)
	}
	return crypto
}
