// Package memory keeps objects in a process-local map. Toolkits that share a
// *Store behave like processes sharing a real object store.
package memory

import (
	"bytes"
	"context"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
	"github.com/levigo/neverpile-eureka-sub002/internal/uuidv7"
)

// Config tunes a Store.
type Config struct {
	// ChangeFeed enables SubscribeChanges.
	ChangeFeed bool
	// Now stamps LastModified. Defaults to time.Now.
	Now func() time.Time
}

// Store is a storage.Backend held entirely in memory.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
	keys    []string // sorted

	feed   bool
	subsMu sync.Mutex
	subs   map[*subscription]struct{}

	now func() time.Time
}

type object struct {
	data        []byte
	etag        string
	contentType string
	modified    time.Time
}

func (o object) info(key string) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          key,
		ETag:         o.etag,
		Size:         int64(len(o.data)),
		LastModified: o.modified,
		ContentType:  o.contentType,
	}
}

// New returns an empty Store with the change feed enabled.
func New() *Store {
	return NewWithConfig(Config{ChangeFeed: true})
}

func NewWithConfig(cfg Config) *Store {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		objects: make(map[string]object),
		feed:    cfg.ChangeFeed,
		subs:    make(map[*subscription]struct{}),
		now:     now,
	}
}

// Close ends every open subscription. Stored objects stay readable.
func (s *Store) Close() error {
	s.subsMu.Lock()
	subs := s.subs
	s.subs = make(map[*subscription]struct{})
	s.subsMu.Unlock()
	for sub := range subs {
		sub.shut()
	}
	return nil
}

func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	from := opts.Prefix
	if opts.StartAfter >= from {
		from = opts.StartAfter
	}
	i, found := slices.BinarySearch(s.keys, from)
	if found && from == opts.StartAfter {
		i++
	}
	out := &storage.ListResult{}
	for ; i < len(s.keys); i++ {
		key := s.keys[i]
		if !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		if opts.Limit > 0 && len(out.Objects) == opts.Limit {
			out.Truncated = true
			out.NextStartAfter = out.Objects[len(out.Objects)-1].Key
			break
		}
		out.Objects = append(out.Objects, s.objects[key].info(key))
	}
	return out, nil
}

func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := obj.info(key)
	// data is never mutated after insertion, so readers can share it.
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(obj.data)), Info: &info}, nil
}

// PutObject with ExpectedETag on a missing key reports storage.ErrNotFound.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	cur, exists := s.objects[key]
	if err := checkPut(cur, exists, opts); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	obj := object{
		data:        data,
		etag:        uuidv7.NewString(),
		contentType: opts.ContentType,
		modified:    s.now().UTC(),
	}
	s.objects[key] = obj
	if !exists {
		i, _ := slices.BinarySearch(s.keys, key)
		s.keys = slices.Insert(s.keys, i, key)
	}
	s.mu.Unlock()

	s.publish(key)
	info := obj.info(key)
	return &info, nil
}

func checkPut(cur object, exists bool, opts storage.PutObjectOptions) error {
	switch {
	case opts.ExpectedETag != "" && !exists:
		return storage.ErrNotFound
	case opts.ExpectedETag != "" && cur.etag != opts.ExpectedETag:
		return storage.ErrCASMismatch
	case opts.ExpectedETag == "" && opts.IfNotExists && exists:
		return storage.ErrCASMismatch
	}
	return nil
}

func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	cur, exists := s.objects[key]
	switch {
	case !exists && opts.IgnoreNotFound:
		s.mu.Unlock()
		return nil
	case !exists:
		s.mu.Unlock()
		return storage.ErrNotFound
	case opts.ExpectedETag != "" && cur.etag != opts.ExpectedETag:
		s.mu.Unlock()
		return storage.ErrCASMismatch
	}
	delete(s.objects, key)
	if i, found := slices.BinarySearch(s.keys, key); found {
		s.keys = slices.Delete(s.keys, i, i+1)
	}
	s.mu.Unlock()

	s.publish(key)
	return nil
}

// SubscribeChanges returns storage.ErrNotImplemented unless the store was
// built with ChangeFeed.
func (s *Store) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	if !s.feed {
		return nil, storage.ErrNotImplemented
	}
	sub := &subscription{owner: s, prefix: prefix, ch: make(chan struct{}, 1)}
	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()
	return sub, nil
}

func (s *Store) publish(key string) {
	if !s.feed {
		return
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs {
		if strings.HasPrefix(key, sub.prefix) {
			sub.poke()
		}
	}
}

type subscription struct {
	owner  *Store
	prefix string

	mu     sync.Mutex
	ch     chan struct{}
	closed bool
}

func (s *subscription) Events() <-chan struct{} { return s.ch }

func (s *subscription) Close() error {
	s.owner.subsMu.Lock()
	delete(s.owner.subs, s)
	s.owner.subsMu.Unlock()
	s.shut()
	return nil
}

func (s *subscription) poke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
