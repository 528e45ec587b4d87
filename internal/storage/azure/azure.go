// Package azure stores objects as block blobs in one Azure Storage container.
// Conditional writes map onto If-Match and If-None-Match access conditions.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
)

type Config struct {
	Account    string
	AccountKey string
	// Endpoint defaults to https://<Account>.blob.core.windows.net.
	Endpoint  string
	SASToken  string
	Container string
	Prefix    string
}

// Store is a storage.Backend on Azure Blob Storage. Every path segment of a
// key is percent-escaped in the blob name.
type Store struct {
	client    *azblob.Client
	container string
	prefix    storage.KeyPrefix
}

const createContainerTimeout = 30 * time.Second

// New connects with either a SAS token or the shared account key and creates
// the container if it does not exist yet.
func New(cfg Config) (*Store, error) {
	switch {
	case cfg.Account == "":
		return nil, errors.New("azure: account is required")
	case cfg.Container == "":
		return nil, errors.New("azure: container is required")
	case cfg.SASToken == "" && cfg.AccountKey == "":
		return nil, errors.New("azure: account key or SAS token required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://" + cfg.Account + ".blob.core.windows.net"
	}
	client, err := newClient(endpoint, cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), createContainerTimeout)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !hasErrorCode(err, http.StatusConflict, "ContainerAlreadyExists") {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{
		client:    client,
		container: cfg.Container,
		prefix:    storage.NewKeyPrefix(cfg.Prefix),
	}, nil
}

func newClient(endpoint string, cfg Config) (*azblob.Client, error) {
	opts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: pooledTransport()}}
	if cfg.SASToken != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("azure: parse endpoint: %w", err)
		}
		sas := strings.TrimPrefix(cfg.SASToken, "?")
		if u.RawQuery == "" {
			u.RawQuery = sas
		} else {
			u.RawQuery += "&" + sas
		}
		client, err := azblob.NewClientWithNoCredential(u.String(), opts)
		if err != nil {
			return nil, fmt.Errorf("azure: create client: %w", err)
		}
		return client, nil
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure: build credentials: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return client, nil
}

// roundTripper adapts an http.RoundTripper to the azcore pipeline.
type roundTripper struct{ http.RoundTripper }

func (r roundTripper) Do(req *http.Request) (*http.Response, error) {
	return r.RoundTrip(req)
}

func pooledTransport() policy.Transporter {
	t, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return roundTripper{http.DefaultTransport}
	}
	t = t.Clone()
	t.MaxIdleConns, t.MaxIdleConnsPerHost = 128, 32
	t.IdleConnTimeout = time.Minute
	return roundTripper{t}
}

func (s *Store) Client() *azblob.Client { return s.client }

func (s *Store) Close() error { return nil }

// blobName escapes each segment of key and applies the store prefix. A
// trailing slash is kept so "a/" lists children of a only.
func (s *Store) blobName(key string) string {
	segments := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.prefix.Object(strings.Join(segments, "/"))
}

func (s *Store) keyFromBlob(name string) (string, bool) {
	rel, ok := s.prefix.Key(name)
	if !ok {
		return "", false
	}
	segments := strings.Split(rel, "/")
	for i, seg := range segments {
		plain, err := url.PathUnescape(seg)
		if err != nil {
			return "", false
		}
		segments[i] = plain
	}
	return strings.Join(segments, "/"), true
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func objectInfo(key string, etag *azcore.ETag, size *int64, modified *time.Time, contentType *string) storage.ObjectInfo {
	info := storage.ObjectInfo{
		Key:         key,
		Size:        deref(size),
		ContentType: deref(contentType),
	}
	if etag != nil {
		info.ETag = string(*etag)
	}
	if modified != nil {
		info.LastModified = modified.UTC()
	}
	return info
}

// ListObjects walks the flat blob listing. Azure returns blobs in name order,
// and escaping preserves the relative order of keys that share a prefix.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	blobPrefix := s.blobName(opts.Prefix)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &blobPrefix})
	out := &storage.ListResult{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list objects")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			key, ok := s.keyFromBlob(*item.Name)
			if !ok || !strings.HasPrefix(key, opts.Prefix) || (opts.StartAfter != "" && key <= opts.StartAfter) {
				continue
			}
			if opts.Limit > 0 && len(out.Objects) == opts.Limit {
				out.Truncated = true
				out.NextStartAfter = out.Objects[len(out.Objects)-1].Key
				return out, nil
			}
			var info storage.ObjectInfo
			if p := item.Properties; p != nil {
				info = objectInfo(key, p.ETag, p.ContentLength, p.LastModified, p.ContentType)
			} else {
				info.Key = key
			}
			out.Objects = append(out.Objects, info)
		}
	}
	return out, nil
}

func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.blobName(key), nil)
	if isNotFound(err) {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.GetObjectResult{}, wrapError(err, "azure: download object")
	}
	info := objectInfo(key, resp.ETag, resp.ContentLength, resp.LastModified, resp.ContentType)
	return storage.GetObjectResult{Reader: resp.Body, Info: &info}, nil
}

func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	upload := &azblob.UploadStreamOptions{
		HTTPHeaders:      &blob.HTTPHeaders{},
		AccessConditions: accessConditions(opts.ExpectedETag, opts.IfNotExists),
	}
	if opts.ContentType != "" {
		upload.HTTPHeaders.BlobContentType = to.Ptr(opts.ContentType)
	}
	resp, err := s.client.UploadStream(ctx, s.container, s.blobName(key), body, upload)
	switch {
	case err == nil:
	case isPreconditionFailed(err):
		return nil, storage.ErrCASMismatch
	case opts.ExpectedETag != "" && isNotFound(err):
		return nil, storage.ErrNotFound
	default:
		return nil, wrapError(err, "azure: upload object")
	}
	now := time.Now().UTC()
	modified := resp.LastModified
	if modified == nil {
		modified = &now
	}
	info := objectInfo(key, resp.ETag, nil, modified, &opts.ContentType)
	return &info, nil
}

func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	_, err := s.client.DeleteBlob(ctx, s.container, s.blobName(key), &azblob.DeleteBlobOptions{
		AccessConditions: accessConditions(opts.ExpectedETag, false),
	})
	switch {
	case err == nil:
		return nil
	case isNotFound(err) && opts.IgnoreNotFound:
		return nil
	case isNotFound(err):
		return storage.ErrNotFound
	case isPreconditionFailed(err):
		return storage.ErrCASMismatch
	}
	return wrapError(err, "azure: delete object")
}

func accessConditions(expectedETag string, ifNotExists bool) *blob.AccessConditions {
	var mod blob.ModifiedAccessConditions
	switch {
	case expectedETag != "":
		mod.IfMatch = to.Ptr(azcore.ETag(expectedETag))
	case ifNotExists:
		mod.IfNoneMatch = to.Ptr(azcore.ETagAny)
	default:
		return nil
	}
	return &blob.AccessConditions{ModifiedAccessConditions: &mod}
}

func wrapError(err error, msg string) error {
	return storage.Wrap(err, isRetryable(err), msg)
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func hasErrorCode(err error, status int, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status && strings.EqualFold(respErr.ErrorCode, code)
}

func isRetryable(err error) bool {
	if status := statusCode(err); status != 0 {
		return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
	}
	return storage.IsConnectionError(err)
}

// isPreconditionFailed includes 409, which Azure returns when a lease or a
// concurrent If-None-Match write wins.
func isPreconditionFailed(err error) bool {
	status := statusCode(err)
	return status == http.StatusPreconditionFailed || status == http.StatusConflict
}

func isNotFound(err error) bool {
	return statusCode(err) == http.StatusNotFound
}
