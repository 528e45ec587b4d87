// Package postgres stores objects as rows of a single table. Conditional
// writes are single statements guarded on the etag column, and every commit
// is announced with pg_notify so other nodes can follow a prefix through
// LISTEN.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
	"github.com/levigo/neverpile-eureka-sub002/internal/uuidv7"
)

const (
	defaultSchema  = "eureka"
	defaultTable   = "objects"
	defaultChannel = "eureka_objects"
)

// Config configures the PostgreSQL backend.
type Config struct {
	ConnStr string
	Schema  string
	Table   string
	// Channel is the LISTEN/NOTIFY channel carrying changed keys.
	Channel string
	// SkipSchemaCreation leaves schema management to the operator.
	SkipSchemaCreation bool
	Logger             pslog.Logger
}

// Store implements storage.Backend and storage.ChangeFeed.
type Store struct {
	db      *sql.DB
	connStr string
	table   string
	channel string
	logger  pslog.Logger

	feedMu   sync.Mutex
	listener *pq.Listener
	subs     map[*subscription]struct{}
	feedDone chan struct{}
}

// Open connects, then creates the schema and table when missing.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnStr == "" {
		return nil, fmt.Errorf("postgres: connection string required")
	}
	if cfg.Schema == "" {
		cfg.Schema = defaultSchema
	}
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}
	db, err := sql.Open("postgres", cfg.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrapError(err, "ping", "")
	}
	s := &Store{
		db:      db,
		connStr: cfg.ConnStr,
		table:   pq.QuoteIdentifier(cfg.Schema) + "." + pq.QuoteIdentifier(cfg.Table),
		channel: cfg.Channel,
		logger:  loggingutil.WithSubsystem(cfg.Logger, "storage.postgres"),
		subs:    make(map[*subscription]struct{}),
	}
	if !cfg.SkipSchemaCreation {
		if err := s.createSchema(ctx, cfg.Schema); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) createSchema(ctx context.Context, schema string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pq.QuoteIdentifier(schema)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key text COLLATE "C" PRIMARY KEY,
			etag text NOT NULL,
			content_type text NOT NULL DEFAULT '',
			payload bytea NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: prepare schema: %w", err)
		}
	}
	return nil
}

// DB exposes the connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close stops the change listener and closes the pool.
func (s *Store) Close() error {
	s.feedMu.Lock()
	listener := s.listener
	done := s.feedDone
	subs := s.subs
	s.listener = nil
	s.subs = make(map[*subscription]struct{})
	s.feedMu.Unlock()
	if listener != nil {
		listener.Close()
		<-done
	}
	for sub := range subs {
		sub.close()
	}
	return s.db.Close()
}

// ListObjects pages through keys under prefix in byte order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	limit := opts.Limit
	query := fmt.Sprintf(`SELECT key, etag, content_type, octet_length(payload), updated_at
		FROM %s WHERE left(key, length($1)) = $1 AND key > $2 ORDER BY key`, s.table)
	args := []any{opts.Prefix, opts.StartAfter}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit+1)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError(err, "list", opts.Prefix)
	}
	defer rows.Close()
	result := &storage.ListResult{}
	for rows.Next() {
		var info storage.ObjectInfo
		if err := rows.Scan(&info.Key, &info.ETag, &info.ContentType, &info.Size, &info.LastModified); err != nil {
			return nil, wrapError(err, "list", opts.Prefix)
		}
		if limit > 0 && len(result.Objects) == limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, info)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "list", opts.Prefix)
	}
	return result, nil
}

// GetObject loads one row.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	query := fmt.Sprintf(`SELECT etag, content_type, payload, updated_at FROM %s WHERE key = $1`, s.table)
	info := &storage.ObjectInfo{Key: key}
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&info.ETag, &info.ContentType, &payload, &info.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.GetObjectResult{}, wrapError(err, "get", key)
	}
	info.Size = int64(len(payload))
	return storage.GetObjectResult{Reader: io.NopCloser(strings.NewReader(string(payload))), Info: info}, nil
}

// PutObject inserts or updates key with a single conditional statement.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("postgres: read body: %w", err)
	}
	etag := uuidv7.NewString()
	var (
		query string
		args  = []any{key, etag, opts.ContentType, payload}
	)
	switch {
	case opts.ExpectedETag != "":
		query = fmt.Sprintf(`UPDATE %s SET etag = $2, content_type = $3, payload = $4, updated_at = now()
			WHERE key = $1 AND etag = $5 RETURNING updated_at`, s.table)
		args = append(args, opts.ExpectedETag)
	case opts.IfNotExists:
		query = fmt.Sprintf(`INSERT INTO %s (key, etag, content_type, payload) VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO NOTHING RETURNING updated_at`, s.table)
	default:
		query = fmt.Sprintf(`INSERT INTO %s (key, etag, content_type, payload) VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE SET etag = EXCLUDED.etag, content_type = EXCLUDED.content_type,
			payload = EXCLUDED.payload, updated_at = now() RETURNING updated_at`, s.table)
	}
	var updated time.Time
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.conflict(ctx, key, opts.ExpectedETag != "")
	}
	if err != nil {
		return nil, wrapError(err, "put", key)
	}
	s.announce(ctx, key)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(payload)),
		LastModified: updated,
		ContentType:  opts.ContentType,
	}, nil
}

func (s *Store) conflict(ctx context.Context, key string, replace bool) error {
	if !replace {
		return storage.ErrCASMismatch
	}
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE key = $1)`, s.table)
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&exists); err != nil {
		return wrapError(err, "put", key)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrCASMismatch
}

// DeleteObject removes key, optionally guarded by its etag.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)
	args := []any{key}
	if opts.ExpectedETag != "" {
		query += ` AND etag = $2`
		args = append(args, opts.ExpectedETag)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapError(err, "delete", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapError(err, "delete", key)
	}
	if n == 0 {
		if opts.ExpectedETag != "" {
			err := s.conflict(ctx, key, true)
			if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
				return nil
			}
			return err
		}
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	s.announce(ctx, key)
	return nil
}

// announce is best effort; subscribers also poll.
func (s *Store) announce(ctx context.Context, key string) {
	if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, s.channel, key); err != nil {
		s.logger.Debug("storage.postgres.notify.failed", "key", key, "error", err)
	}
}

// SubscribeChanges listens on the notification channel. A single pq.Listener
// is shared by all subscriptions of the store.
func (s *Store) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.listener == nil {
		listener := pq.NewListener(s.connStr, 100*time.Millisecond, 10*time.Second, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.logger.Warn("storage.postgres.listener.event", "event", int(ev), "error", err)
			}
		})
		if err := listener.Listen(s.channel); err != nil {
			listener.Close()
			return nil, wrapError(err, "listen", s.channel)
		}
		s.listener = listener
		s.feedDone = make(chan struct{})
		go s.dispatch(listener, s.feedDone)
	}
	sub := &subscription{store: s, prefix: prefix, events: make(chan struct{}, 1)}
	s.subs[sub] = struct{}{}
	return sub, nil
}

func (s *Store) dispatch(listener *pq.Listener, done chan struct{}) {
	defer close(done)
	for n := range listener.Notify {
		s.feedMu.Lock()
		for sub := range s.subs {
			// A nil notification follows a reconnect; changes may have been missed.
			if n == nil || strings.HasPrefix(n.Extra, sub.prefix) {
				sub.signal()
			}
		}
		s.feedMu.Unlock()
	}
}

type subscription struct {
	store  *Store
	prefix string
	events chan struct{}
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Events() <-chan struct{} { return s.events }

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
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *subscription) Close() error {
	s.store.feedMu.Lock()
	delete(s.store.subs, s)
	s.store.feedMu.Unlock()
	s.close()
	return nil
}

func wrapError(err error, op, key string) error {
	wrapped := fmt.Errorf("postgres: %s %s: %w", op, key, err)
	if isRetryable(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return true
		}
		return false
	}
	return false
}
