package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content types recorded alongside stored objects.
const (
	ContentTypeJSON          = "application/json"
	ContentTypeJSONEncrypted = "application/vnd.eureka+json-encrypted"
	ContentTypeOctetStream   = "application/octet-stream"
)

var (
	// ErrNotFound is returned for keys that do not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrCASMismatch means a conditional write or delete lost against a
	// concurrent change.
	ErrCASMismatch = errors.New("storage: cas mismatch")

	ErrNotImplemented = errors.New("storage: not implemented")
)

// Backend is a flat key/object store with conditional writes. Shared
// coordination state is only ever changed through ETag-guarded calls.
type Backend interface {
	// ListObjects returns keys under opts.Prefix sorted lexically, at most
	// opts.Limit of them (when positive), strictly after opts.StartAfter.
	ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error)
	// GetObject opens key for reading. The caller closes Reader.
	GetObject(ctx context.Context, key string) (GetObjectResult, error)
	// PutObject stores body under key. A non-empty opts.ExpectedETag or
	// opts.IfNotExists turns the write into a compare-and-swap.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes key, guarded by opts.ExpectedETag when set.
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error
	Close() error
}

// Syncer flushes buffered writes to durable media.
type Syncer interface {
	Sync(ctx context.Context) error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError wraps err so the retry layer will try the call again.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err, or anything it wraps, came from
// NewTransientError.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions carries the write condition and content type.
type PutObjectOptions struct {
	// ExpectedETag must equal the current ETag for the write to succeed.
	ExpectedETag string
	// IfNotExists only lets the write create a new key. ExpectedETag wins
	// when both are set.
	IfNotExists bool
	ContentType string
}

type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult is one page of ListObjects. Pass NextStartAfter back as
// StartAfter while Truncated is true.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// ChangeSubscription signals (coalesced, without payload) that something
// under its prefix changed.
type ChangeSubscription interface {
	Events() <-chan struct{}
	Close() error
}

// ChangeFeed is implemented by backends that can push change notifications
// instead of being polled.
type ChangeFeed interface {
	SubscribeChanges(prefix string) (ChangeSubscription, error)
}

// ListAll pages through everything under prefix, calling visit in key order.
// It stops at the first error visit returns.
func ListAll(ctx context.Context, backend Backend, prefix string, visit func(ObjectInfo) error) error {
	after := ""
	for ctx.Err() == nil {
		page, err := backend.ListObjects(ctx, ListOptions{Prefix: prefix, StartAfter: after, Limit: listPageSize})
		if err != nil {
			return err
		}
		for _, obj := range page.Objects {
			if err := visit(obj); err != nil {
				return err
			}
		}
		if !page.Truncated || page.NextStartAfter == "" {
			return nil
		}
		after = page.NextStartAfter
	}
	return ctx.Err()
}

const listPageSize = 500
