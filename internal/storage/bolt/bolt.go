// Package bolt stores objects in a single embedded BoltDB file. Conditional
// writes run inside one read-write transaction, so CAS is exact for every
// goroutine of the owning process. The file is locked exclusively; separate
// processes must use a shared backend instead.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	boltdb "github.com/boltdb/bolt"

	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
	"github.com/levigo/neverpile-eureka-sub002/internal/uuidv7"
)

var (
	bucketObjects = []byte("objects")
	bucketMeta    = []byte("meta")
)

// Config configures the bolt backend.
type Config struct {
	Path string
	// OpenTimeout bounds how long Open waits for the file lock.
	OpenTimeout time.Duration
	// NoSync skips fsync per commit; Sync flushes explicitly.
	NoSync bool
	Now    func() time.Time
}

// Store implements storage.Backend, storage.ChangeFeed and storage.Syncer.
type Store struct {
	db  *boltdb.DB
	now func() time.Time

	watchMu  sync.Mutex
	watchers map[*subscription]struct{}
}

type objectMeta struct {
	ETag        string    `json:"etag"`
	ContentType string    `json:"content_type,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Open opens (or creates) the database file at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolt: path required")
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	db, err := boltdb.Open(cfg.Path, 0o600, &boltdb.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %q: %w", cfg.Path, err)
	}
	db.NoSync = cfg.NoSync
	err = db.Update(func(tx *boltdb.Tx) error {
		for _, name := range [][]byte{bucketObjects, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: prepare buckets: %w", err)
	}
	return &Store{db: db, now: cfg.Now, watchers: make(map[*subscription]struct{})}, nil
}

// Close closes subscriptions and the database file.
func (s *Store) Close() error {
	s.watchMu.Lock()
	subs := s.watchers
	s.watchers = make(map[*subscription]struct{})
	s.watchMu.Unlock()
	for sub := range subs {
		sub.close()
	}
	return s.db.Close()
}

// Sync forces an fsync of the database file.
func (s *Store) Sync(context.Context) error {
	return s.db.Sync()
}

func loadMeta(tx *boltdb.Tx, key []byte) (*objectMeta, error) {
	raw := tx.Bucket(bucketMeta).Get(key)
	if raw == nil {
		return nil, nil
	}
	var meta objectMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("bolt: decode meta for %q: %w", key, err)
	}
	return &meta, nil
}

func infoFor(key string, meta *objectMeta, size int) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         meta.ETag,
		Size:         int64(size),
		LastModified: meta.UpdatedAt,
		ContentType:  meta.ContentType,
	}
}

// ListObjects walks the objects bucket with a cursor seeded at the prefix.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	result := &storage.ListResult{}
	err := s.db.View(func(tx *boltdb.Tx) error {
		cursor := tx.Bucket(bucketObjects).Cursor()
		seek := []byte(opts.Prefix)
		if opts.StartAfter > opts.Prefix {
			seek = []byte(opts.StartAfter)
		}
		for k, v := cursor.Seek(seek); k != nil; k, v = cursor.Next() {
			key := string(k)
			if !strings.HasPrefix(key, opts.Prefix) {
				break
			}
			if opts.StartAfter != "" && key <= opts.StartAfter {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
				return nil
			}
			meta, err := loadMeta(tx, k)
			if err != nil {
				return err
			}
			if meta == nil {
				continue
			}
			result.Objects = append(result.Objects, *infoFor(key, meta, len(v)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetObject returns a copy of the payload; bolt memory is only valid inside
// the transaction.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	var (
		payload []byte
		info    *storage.ObjectInfo
	)
	err := s.db.View(func(tx *boltdb.Tx) error {
		v := tx.Bucket(bucketObjects).Get([]byte(key))
		if v == nil {
			return storage.ErrNotFound
		}
		meta, err := loadMeta(tx, []byte(key))
		if err != nil {
			return err
		}
		if meta == nil {
			return storage.ErrNotFound
		}
		payload = append([]byte(nil), v...)
		info = infoFor(key, meta, len(v))
		return nil
	})
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(payload)), Info: info}, nil
}

// PutObject stores key applying IfNotExists / ExpectedETag inside one transaction.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if key == "" {
		return nil, fmt.Errorf("bolt: object key required")
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("bolt: read body: %w", err)
	}
	meta := &objectMeta{ETag: uuidv7.NewString(), ContentType: opts.ContentType, UpdatedAt: s.now().UTC()}
	err = s.db.Update(func(tx *boltdb.Tx) error {
		current, err := loadMeta(tx, []byte(key))
		if err != nil {
			return err
		}
		switch {
		case opts.ExpectedETag != "" && current == nil:
			return storage.ErrNotFound
		case opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag:
			return storage.ErrCASMismatch
		case opts.IfNotExists && current != nil:
			return storage.ErrCASMismatch
		}
		encoded, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketObjects).Put([]byte(key), payload); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put([]byte(key), encoded)
	})
	if err != nil {
		return nil, err
	}
	s.notify(key)
	return infoFor(key, meta, len(payload)), nil
}

// DeleteObject removes key with optional ETag guard.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	err := s.db.Update(func(tx *boltdb.Tx) error {
		current, err := loadMeta(tx, []byte(key))
		if err != nil {
			return err
		}
		if current == nil {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		if opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag {
			return storage.ErrCASMismatch
		}
		if err := tx.Bucket(bucketObjects).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Delete([]byte(key))
	})
	if err != nil {
		return err
	}
	s.notify(key)
	return nil
}

// SubscribeChanges signals after every committed mutation under prefix.
func (s *Store) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	sub := &subscription{store: s, prefix: prefix, events: make(chan struct{}, 1)}
	s.watchMu.Lock()
	s.watchers[sub] = struct{}{}
	s.watchMu.Unlock()
	return sub, nil
}

func (s *Store) notify(key string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for sub := range s.watchers {
		if strings.HasPrefix(key, sub.prefix) {
			sub.signal()
		}
	}
}

type subscription struct {
	store  *Store
	prefix string
	events chan struct{}
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Events() <-chan struct{} { return s.events }

func (s *subscription) Close() error {
	s.store.watchMu.Lock()
	delete(s.store.watchers, s)
	s.store.watchMu.Unlock()
	s.close()
	return nil
}

func (s *subscription) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}
