// Package consulkv implements the storage backend on the Consul KV store.
// ModifyIndex serves as the ETag and every conditional write is a Consul
// transaction, so the index of the committed value is known exactly.
package consulkv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
)

// Config configures the Consul backend.
type Config struct {
	Address    string
	Scheme     string
	Token      string
	Datacenter string
	// Prefix is prepended to every key, e.g. "eureka/".
	Prefix string
	// WatchWait bounds a single blocking query of the change feed.
	WatchWait time.Duration
	Logger    pslog.Logger
}

// Store implements storage.Backend and storage.ChangeFeed on Consul KV.
type Store struct {
	client    *api.Client
	prefix    string
	watchWait time.Duration
	logger    pslog.Logger
}

// Flags carry the content type of a value.
const (
	flagOctetStream uint64 = iota
	flagJSON
	flagJSONEncrypted
)

// New connects a Consul API client. The client is lazy; no request is issued.
func New(cfg Config) (*Store, error) {
	apiCfg := api.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		apiCfg.Scheme = cfg.Scheme
	}
	if cfg.Token != "" {
		apiCfg.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		apiCfg.Datacenter = cfg.Datacenter
	}
	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("consulkv: new client: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *api.Client, cfg Config) *Store {
	prefix := strings.TrimLeft(cfg.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if cfg.WatchWait <= 0 {
		cfg.WatchWait = 5 * time.Minute
	}
	return &Store{
		client:    client,
		prefix:    prefix,
		watchWait: cfg.WatchWait,
		logger:    loggingutil.WithSubsystem(cfg.Logger, "storage.consul"),
	}
}

// Client exposes the underlying Consul client (used for session locks).
func (s *Store) Client() *api.Client {
	return s.client
}

// Prefix returns the key prefix applied to every object.
func (s *Store) Prefix() string {
	return s.prefix
}

// Close is a no-op; the HTTP client holds no dedicated resources.
func (s *Store) Close() error {
	return nil
}

func (s *Store) fullKey(key string) string {
	return s.prefix + key
}

func (s *Store) objectKey(full string) string {
	return strings.TrimPrefix(full, s.prefix)
}

func etagOf(index uint64) string {
	return strconv.FormatUint(index, 10)
}

func parseETag(etag string) (uint64, error) {
	index, err := strconv.ParseUint(etag, 10, 64)
	if err != nil || index == 0 {
		return 0, fmt.Errorf("consulkv: invalid etag %q", etag)
	}
	return index, nil
}

func flagsFor(contentType string) uint64 {
	switch contentType {
	case storage.ContentTypeJSON:
		return flagJSON
	case storage.ContentTypeJSONEncrypted:
		return flagJSONEncrypted
	default:
		return flagOctetStream
	}
}

func contentTypeFor(flags uint64) string {
	switch flags {
	case flagJSON:
		return storage.ContentTypeJSON
	case flagJSONEncrypted:
		return storage.ContentTypeJSONEncrypted
	default:
		return storage.ContentTypeOctetStream
	}
}

func (s *Store) info(pair *api.KVPair) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Key:         s.objectKey(pair.Key),
		ETag:        etagOf(pair.ModifyIndex),
		Size:        int64(len(pair.Value)),
		ContentType: contentTypeFor(pair.Flags),
	}
}

// ListObjects lists keys under prefix. Consul returns pairs in key order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	q := (&api.QueryOptions{}).WithContext(ctx)
	pairs, _, err := s.client.KV().List(s.fullKey(opts.Prefix), q)
	if err != nil {
		return nil, wrapError(err, "list", opts.Prefix)
	}
	result := &storage.ListResult{}
	for _, pair := range pairs {
		key := s.objectKey(pair.Key)
		if key == "" || strings.HasSuffix(key, "/") {
			continue
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			continue
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, *s.info(pair))
	}
	return result, nil
}

// GetObject reads key with a consistent query.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	pair, err := s.get(ctx, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	if pair == nil {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(pair.Value)),
		Info:   s.info(pair),
	}, nil
}

func (s *Store) get(ctx context.Context, key string) (*api.KVPair, error) {
	q := (&api.QueryOptions{RequireConsistent: true}).WithContext(ctx)
	pair, _, err := s.client.KV().Get(s.fullKey(key), q)
	if err != nil {
		return nil, wrapError(err, "get", key)
	}
	return pair, nil
}

// PutObject writes key inside a single-op transaction. A create-only write is
// a CAS against index 0.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	value, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("consulkv: read body: %w", err)
	}
	op := &api.KVTxnOp{
		Verb:  api.KVSet,
		Key:   s.fullKey(key),
		Value: value,
		Flags: flagsFor(opts.ContentType),
	}
	switch {
	case opts.ExpectedETag != "":
		index, err := parseETag(opts.ExpectedETag)
		if err != nil {
			return nil, err
		}
		op.Verb = api.KVCAS
		op.Index = index
	case opts.IfNotExists:
		op.Verb = api.KVCAS
		op.Index = 0
	}
	q := (&api.QueryOptions{}).WithContext(ctx)
	ok, resp, _, err := s.client.Txn().Txn(api.TxnOps{{KV: op}}, q)
	if err != nil {
		return nil, wrapError(err, "put", key)
	}
	if !ok {
		return nil, s.classifyConflict(ctx, key, opts.ExpectedETag != "")
	}
	if resp == nil || len(resp.Results) == 0 || resp.Results[0].KV == nil {
		return nil, fmt.Errorf("consulkv: put %s: empty transaction result", key)
	}
	written := resp.Results[0].KV
	return &storage.ObjectInfo{
		Key:         key,
		ETag:        etagOf(written.ModifyIndex),
		Size:        int64(len(value)),
		ContentType: contentTypeFor(op.Flags),
	}, nil
}

// classifyConflict turns a failed CAS into ErrNotFound when the key vanished
// and a replace was requested, ErrCASMismatch otherwise.
func (s *Store) classifyConflict(ctx context.Context, key string, replace bool) error {
	if !replace {
		return storage.ErrCASMismatch
	}
	pair, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	if pair == nil {
		return storage.ErrNotFound
	}
	return storage.ErrCASMismatch
}

// DeleteObject removes key, guarded by its ModifyIndex when ExpectedETag is set.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	pair, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	if pair == nil {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	w := (&api.WriteOptions{}).WithContext(ctx)
	if opts.ExpectedETag == "" {
		if _, err := s.client.KV().Delete(s.fullKey(key), w); err != nil {
			return wrapError(err, "delete", key)
		}
		return nil
	}
	index, err := parseETag(opts.ExpectedETag)
	if err != nil {
		return err
	}
	ok, _, err := s.client.KV().DeleteCAS(&api.KVPair{Key: s.fullKey(key), ModifyIndex: index}, w)
	if err != nil {
		return wrapError(err, "delete", key)
	}
	if !ok {
		return s.classifyConflict(ctx, key, true)
	}
	return nil
}

// SubscribeChanges runs a blocking query loop over the prefix and signals
// whenever the Consul index for it advances.
func (s *Store) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{events: make(chan struct{}, 1), cancel: cancel}
	sub.wg.Add(1)
	go s.watch(ctx, s.fullKey(prefix), sub)
	return sub, nil
}

func (s *Store) watch(ctx context.Context, prefix string, sub *subscription) {
	defer sub.wg.Done()
	defer close(sub.events)
	var index uint64
	for {
		q := (&api.QueryOptions{WaitIndex: index, WaitTime: s.watchWait}).WithContext(ctx)
		_, meta, err := s.client.KV().Keys(prefix, "", q)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("storage.consul.watch.error", "prefix", prefix, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		next := meta.LastIndex
		// Indexes can go backwards after a snapshot restore; start over.
		if next < index {
			next = 0
		}
		if index != 0 && next != index {
			sub.signal()
		}
		index = next
	}
}

type subscription struct {
	events chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *subscription) Events() <-chan struct{} { return s.events }

func (s *subscription) signal() {
	select {
	case s.events <- struct{}{}:
	default:
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func wrapError(err error, op, key string) error {
	wrapped := fmt.Errorf("consulkv: %s %s: %w", op, key, err)
	if isRetryable(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == 429
	}
	if storage.IsConnectionError(err) {
		return true
	}
	// The agent client sometimes flattens transport errors into strings.
	return strings.Contains(err.Error(), "connection refused")
}
