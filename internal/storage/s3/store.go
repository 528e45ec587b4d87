package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"
	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	// BufferBudget bounds the bytes held in memory while sizing bodies that
	// cannot seek. Zero streams such bodies with unknown length.
	BufferBudget  int64
	ServerSideEnc string
	KMSKeyID      string
	CustomCreds   *credentials.Credentials
	Transport     http.RoundTripper
}

// Store implements storage.Backend backed by S3-compatible object storage.
// Conditional writes rely on If-Match / If-None-Match support in the server.
type Store struct {
	client *minio.Client
	cfg    Config
	prefix storage.KeyPrefix
	budget *byteBudget
}

const smallObjectLimit = 4 << 20

// byteBudget caps the memory all concurrent uploads may spend buffering
// unseekable bodies. A nil budget admits everything.
type byteBudget struct {
	max  int64
	used atomic.Int64
}

func newByteBudget(max int64) *byteBudget {
	if max > 0 {
		return &byteBudget{max: max}
	}
	return nil
}

func (b *byteBudget) tryAcquire(n int64) (release func(), ok bool) {
	if b == nil || n <= 0 {
		return func() {}, true
	}
	if b.used.Add(n) > b.max {
		b.used.Add(-n)
		return nil, false
	}
	return func() { b.used.Add(-n) }, true
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	prefix := storage.NewKeyPrefix(cfg.Prefix)
	cfg.Prefix = string(prefix)
	return &Store{client: client, cfg: cfg, prefix: prefix, budget: newByteBudget(cfg.BufferBudget)}, nil
}

// defaultTransport keeps more idle connections per host than net/http does;
// housekeeping and queue polling hit the same bucket from many goroutines.
func defaultTransport() http.RoundTripper {
	t, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	t = t.Clone()
	t.MaxIdleConns, t.MaxIdleConnsPerHost = 128, 32
	t.IdleConnTimeout = time.Minute
	return t
}

// Close is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying MinIO client for diagnostics.
func (s *Store) Client() *minio.Client { return s.client }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

// ListObjects enumerates objects under opts.Prefix in lexical key order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := pslog.LoggerFromContext(ctx)
	listOpts := minio.ListObjectsOptions{
		Prefix:    s.prefix.Object(opts.Prefix),
		Recursive: true,
	}
	if opts.StartAfter != "" {
		listOpts.StartAfter = s.prefix.Object(opts.StartAfter)
	}
	if opts.Limit > 0 {
		listOpts.MaxKeys = opts.Limit + 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	result := &storage.ListResult{}
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, listOpts) {
		if object.Err != nil {
			logger.Debug("s3.list_objects.error", "prefix", opts.Prefix, "error", object.Err)
			return nil, storage.Wrap(object.Err, isRetryable(object.Err), "s3: list objects")
		}
		key, ok := s.prefix.Key(object.Key)
		if !ok {
			continue
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         storage.TrimETag(object.ETag),
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
		})
	}
	return result, nil
}

// GetObject downloads the payload stored under key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := pslog.LoggerFromContext(ctx)
	object := s.prefix.Object(key)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return storage.GetObjectResult{}, storage.Wrap(err, isRetryable(err), "s3: get object")
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.get_object.stat_error", "key", key, "object", object, "error", err)
		return storage.GetObjectResult{}, storage.Wrap(err, isRetryable(err), "s3: stat object")
	}
	return storage.GetObjectResult{
		Reader: &notFoundAwareObject{object: obj},
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         storage.TrimETag(info.ETag),
			Size:         info.Size,
			LastModified: info.LastModified,
			ContentType:  info.ContentType,
		},
	}, nil
}

// PutObject uploads key with conditional guards.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := pslog.LoggerFromContext(ctx)
	object := s.prefix.Object(key)
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if putOpts.ContentType == "" {
		putOpts.ContentType = storage.ContentTypeOctetStream
	}
	s.applySSE(&putOpts)
	if opts.ExpectedETag != "" {
		putOpts.SetMatchETag(opts.ExpectedETag)
	} else if opts.IfNotExists {
		putOpts.SetMatchETagExcept("*")
	}
	length := seekableLength(body)
	if length < 0 {
		reader, size, release, err := s.bufferBody(body)
		if err != nil {
			return nil, err
		}
		if release != nil {
			defer release()
			body, length = reader, size
		}
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, body, length, putOpts)
	if err != nil {
		switch {
		case isPreconditionFailed(err):
			logger.Debug("s3.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag != "" && isNotFound(err):
			return nil, storage.ErrNotFound
		default:
			logger.Debug("s3.put_object.error", "key", key, "object", object, "error", err)
			return nil, storage.Wrap(err, isRetryable(err), "s3: put object")
		}
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         storage.TrimETag(info.ETag),
		Size:         info.Size,
		LastModified: time.Now().UTC(),
		ContentType:  putOpts.ContentType,
	}, nil
}

// DeleteObject removes key. S3 has no conditional delete, so ExpectedETag is
// checked with a stat immediately before removal.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := pslog.LoggerFromContext(ctx)
	object := s.prefix.Object(key)
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return storage.Wrap(err, isRetryable(err), "s3: stat object")
	}
	if opts.ExpectedETag != "" && storage.TrimETag(info.ETag) != opts.ExpectedETag {
		logger.Debug("s3.delete_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", storage.TrimETag(info.ETag))
		return storage.ErrCASMismatch
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) && opts.IgnoreNotFound {
			return nil
		}
		return storage.Wrap(err, isRetryable(err), "s3: delete object")
	}
	return nil
}

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if s.cfg.KMSKeyID != "" {
			if enc, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
				opts.ServerSideEncryption = enc
			}
		}
	}
}

// seekableLength returns the unread length of body, or -1 when it cannot be
// determined without consuming it.
func seekableLength(body io.Reader) int64 {
	if l, ok := body.(interface{ Len() int }); ok {
		return int64(l.Len())
	}
	sk, ok := body.(io.Seeker)
	if !ok {
		return -1
	}
	pos, err := sk.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1
	}
	end, err := sk.Seek(0, io.SeekEnd)
	if err != nil {
		return -1
	}
	if _, err := sk.Seek(pos, io.SeekStart); err != nil {
		return -1
	}
	return end - pos
}

// bufferBody reads small non-seekable bodies into memory so the upload can
// use a single PUT. A nil release means the body was left untouched.
func (s *Store) bufferBody(body io.Reader) (io.Reader, int64, func(), error) {
	if s.budget == nil {
		return body, -1, nil, nil
	}
	limit := int64(smallObjectLimit)
	if s.budget.max < limit {
		limit = s.budget.max
	}
	release, ok := s.budget.tryAcquire(limit)
	if !ok {
		return body, -1, nil, nil
	}
	lr := &io.LimitedReader{R: body, N: limit + 1}
	buf, err := io.ReadAll(lr)
	if err != nil {
		release()
		return nil, 0, nil, err
	}
	if int64(len(buf)) <= limit {
		return bytes.NewReader(buf), int64(len(buf)), release, nil
	}
	return io.MultiReader(bytes.NewReader(buf), body), -1, release, nil
}

type objectReader interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
}

// notFoundAwareObject wraps a lazily fetched minio object: a key deleted
// between Stat and the first Read surfaces as storage.ErrNotFound.
type notFoundAwareObject struct {
	object objectReader
}

func mapObjectErr(err error) error {
	if isNotFound(err) {
		return storage.ErrNotFound
	}
	if isPreconditionFailed(err) {
		return storage.ErrCASMismatch
	}
	return err
}

func (o *notFoundAwareObject) Read(p []byte) (n int, err error) {
	n, err = o.object.Read(p)
	return n, mapObjectErr(err)
}

func (o *notFoundAwareObject) ReadAt(p []byte, off int64) (n int, err error) {
	n, err = o.object.ReadAt(p, off)
	return n, mapObjectErr(err)
}

func (o *notFoundAwareObject) Seek(off int64, whence int) (pos int64, err error) {
	pos, err = o.object.Seek(off, whence)
	return pos, mapObjectErr(err)
}

func (o *notFoundAwareObject) Close() error {
	if o.object != nil {
		return o.object.Close()
	}
	return nil
}

func statusOf(err error) (int, string, bool) {
	var resp minio.ErrorResponse
	if err == nil || !errors.As(err, &resp) {
		return 0, "", false
	}
	return resp.StatusCode, resp.Code, true
}

func isNotFound(err error) bool {
	status, _, ok := statusOf(err)
	return ok && status == http.StatusNotFound
}

// isPreconditionFailed also accepts the 409 codes some S3 implementations
// return when two conditional writes race.
func isPreconditionFailed(err error) bool {
	status, code, ok := statusOf(err)
	switch {
	case !ok:
		return false
	case status == http.StatusPreconditionFailed:
		return true
	case status == http.StatusConflict:
		return code == "ConditionalRequestConflict" || code == "OperationAborted"
	}
	return false
}

// isRetryable adds throttling and 5xx responses to dropped connections.
func isRetryable(err error) bool {
	if storage.IsConnectionError(err) {
		return true
	}
	if err == nil {
		return false
	}
	status := minio.ToErrorResponse(err).StatusCode
	return status >= http.StatusInternalServerError ||
		status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout
}
