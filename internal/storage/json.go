package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// GetJSON loads key and decodes it into v, returning the object's ETag.
func GetJSON(ctx context.Context, backend Backend, key string, v any) (string, error) {
	obj, err := backend.GetObject(ctx, key)
	if err != nil {
		return "", err
	}
	defer obj.Reader.Close()
	if err := json.NewDecoder(obj.Reader).Decode(v); err != nil {
		return "", fmt.Errorf("storage: decode %s: %w", key, err)
	}
	etag := ""
	if obj.Info != nil {
		etag = obj.Info.ETag
	}
	return etag, nil
}

// PutJSON encodes v and writes it to key with the conditional semantics in
// opts, returning the new ETag.
func PutJSON(ctx context.Context, backend Backend, key string, v any, opts PutObjectOptions) (string, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return "", fmt.Errorf("storage: encode %s: %w", key, err)
	}
	if opts.ContentType == "" {
		opts.ContentType = ContentTypeJSON
	}
	info, err := backend.PutObject(ctx, key, bytes.NewReader(buf.Bytes()), opts)
	if err != nil {
		return "", err
	}
	return info.ETag, nil
}

// CreateOrReplaceOptions returns the conditional put options that replace the
// object observed with etag, or create it when etag is empty.
func CreateOrReplaceOptions(etag string) PutObjectOptions {
	if etag == "" {
		return PutObjectOptions{IfNotExists: true}
	}
	return PutObjectOptions{ExpectedETag: etag}
}

// IsConflict reports whether err means a conditional write lost against a
// concurrent writer. Backends report a vanished object on ExpectedETag as
// ErrNotFound, which callers treat the same way.
func IsConflict(err error) bool {
	return errors.Is(err, ErrCASMismatch) || errors.Is(err, ErrNotFound)
}
