package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var envelopeMagic = []byte("EK1")

var errBadEnvelope = errors.New("storage crypto: malformed envelope")

// EncryptedBackend encrypts every payload with a per-object material bound to
// the object key. ETags and listings come from the inner backend, so CAS
// semantics are unchanged.
type EncryptedBackend struct {
	inner  Backend
	crypto *Crypto
}

// NewEncryptedBackend wraps inner. A nil or disabled crypto returns inner as-is.
func NewEncryptedBackend(inner Backend, crypto *Crypto) Backend {
	if !crypto.Enabled() {
		return inner
	}
	return &EncryptedBackend{inner: inner, crypto: crypto}
}

// Inner returns the wrapped backend.
func (e *EncryptedBackend) Inner() Backend { return e.inner }

func (e *EncryptedBackend) ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error) {
	return e.inner.ListObjects(ctx, opts)
}

func (e *EncryptedBackend) GetObject(ctx context.Context, key string) (GetObjectResult, error) {
	obj, err := e.inner.GetObject(ctx, key)
	if err != nil {
		return GetObjectResult{}, err
	}
	defer obj.Reader.Close()
	br := bufio.NewReader(obj.Reader)
	magic := make([]byte, len(envelopeMagic))
	if _, err := io.ReadFull(br, magic); err != nil || !bytes.Equal(magic, envelopeMagic) {
		return GetObjectResult{}, fmt.Errorf("%w: %s", errBadEnvelope, key)
	}
	descLen, err := binary.ReadUvarint(br)
	if err != nil || descLen == 0 || descLen > 4096 {
		return GetObjectResult{}, fmt.Errorf("%w: %s", errBadEnvelope, key)
	}
	desc := make([]byte, descLen)
	if _, err := io.ReadFull(br, desc); err != nil {
		return GetObjectResult{}, fmt.Errorf("%w: %s", errBadEnvelope, key)
	}
	mat, err := e.crypto.MaterialFromDescriptor(ObjectContext(key), desc)
	if err != nil {
		return GetObjectResult{}, err
	}
	reader, err := e.crypto.DecryptReaderForMaterial(br, mat)
	if err != nil {
		return GetObjectResult{}, err
	}
	plain, err := io.ReadAll(reader)
	_ = reader.Close()
	if err != nil {
		return GetObjectResult{}, fmt.Errorf("storage crypto: decrypt %s: %w", key, err)
	}
	info := obj.Info
	if info != nil {
		copied := *info
		copied.Size = int64(len(plain))
		info = &copied
	}
	return GetObjectResult{Reader: io.NopCloser(bytes.NewReader(plain)), Info: info}, nil
}

func (e *EncryptedBackend) PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error) {
	mat, desc, err := e.crypto.MintMaterial(ObjectContext(key))
	if err != nil {
		return nil, err
	}
	defer mat.Zero()
	var buf bytes.Buffer
	buf.Write(envelopeMagic)
	var lenBuf [binary.MaxVarintLen64]byte
	buf.Write(lenBuf[:binary.PutUvarint(lenBuf[:], uint64(len(desc)))])
	buf.Write(desc)
	writer, err := e.crypto.EncryptWriterForMaterial(&buf, mat)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(writer, body); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("storage crypto: encrypt %s: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt %s: %w", key, err)
	}
	if opts.ContentType == ContentTypeJSON {
		opts.ContentType = ContentTypeJSONEncrypted
	}
	return e.inner.PutObject(ctx, key, &buf, opts)
}

func (e *EncryptedBackend) DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error {
	return e.inner.DeleteObject(ctx, key, opts)
}

// SubscribeChanges forwards to the inner backend's change feed.
func (e *EncryptedBackend) SubscribeChanges(prefix string) (ChangeSubscription, error) {
	feed, ok := e.inner.(ChangeFeed)
	if !ok {
		return nil, ErrNotImplemented
	}
	return feed.SubscribeChanges(prefix)
}

// Sync forwards to the inner backend when it buffers writes.
func (e *EncryptedBackend) Sync(ctx context.Context) error {
	if syncer, ok := e.inner.(Syncer); ok {
		return syncer.Sync(ctx)
	}
	return nil
}

func (e *EncryptedBackend) Close() error {
	return e.inner.Close()
}
