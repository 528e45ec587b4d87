package wal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
	"github.com/levigo/neverpile-eureka-sub002/internal/uuidv7"
)

const (
	recordsPrefix   = "wal/records/"
	entriesPrefix   = "wal/entries/"
	completedPrefix = "wal/completed/"

	recordCASAttempts = 8
)

// Store persists the log to a storage.Backend. Every write is create-only or
// guarded by the object's ETag, so any number of nodes can share the backend.
//
// Layout:
//
//	wal/records/<tx>          open transaction record
//	wal/entries/<tx>/<uuidv7> one logged action or event
//	wal/completed/<tx>        completion marker
type Store struct {
	backend  storage.Backend
	registry *Registry
	opts     options
}

type storedEntry struct {
	TxID     string          `json:"tx_id"`
	Action   *actionEnvelope `json:"action,omitempty"`
	Kind     string          `json:"kind"`
	Event    bool            `json:"event,omitempty"`
	LoggedAt time.Time       `json:"logged_at"`
}

// NewStore returns a log persisted to backend. Actions must be registered in
// registry.
func NewStore(backend storage.Backend, registry *Registry, opts ...Option) *Store {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Store{backend: backend, registry: registry, opts: buildOptions("wal.store", opts)}
}

// Registry returns the action registry used for encoding and decoding.
func (s *Store) Registry() *Registry {
	return s.registry
}

func escape(txID string) string { return url.PathEscape(txID) }

func recordKey(txID string) string    { return recordsPrefix + escape(txID) }
func completedKey(txID string) string { return completedPrefix + escape(txID) }
func entryPrefix(txID string) string  { return entriesPrefix + escape(txID) + "/" }

func txIDFromKey(prefix, key string) (string, error) {
	return url.PathUnescape(strings.TrimPrefix(key, prefix))
}

func (s *Store) LogAction(ctx context.Context, txID string, kind ActionKind, action Action) error {
	if !kind.Valid() {
		return newError("log", txID, kind, ErrInvalidKind)
	}
	env, err := s.registry.encode(action)
	if err != nil {
		return newError("log", txID, kind, err)
	}
	now := s.opts.clock.Now()
	rec := TransactionRecord{TxID: txID, StartedAt: now}
	if _, err := storage.PutJSON(ctx, s.backend, recordKey(txID), rec, storage.PutObjectOptions{IfNotExists: true}); err != nil && !errors.Is(err, storage.ErrCASMismatch) {
		return newError("log", txID, kind, err)
	}
	entry := storedEntry{TxID: txID, Action: &env, Kind: string(kind), LoggedAt: now}
	key := entryPrefix(txID) + uuidv7.NewString()
	if _, err := storage.PutJSON(ctx, s.backend, key, entry, storage.PutObjectOptions{IfNotExists: true}); err != nil {
		return newError("log", txID, kind, err)
	}
	return nil
}

// LogCompletion writes the completion marker create-only, then drops the
// record. A repeated call finds the marker and only retries the delete.
func (s *Store) LogCompletion(ctx context.Context, txID string) error {
	marker := storedEntry{TxID: txID, Kind: string(EventCompleted), Event: true, LoggedAt: s.opts.clock.Now()}
	if _, err := storage.PutJSON(ctx, s.backend, completedKey(txID), marker, storage.PutObjectOptions{IfNotExists: true}); err != nil && !errors.Is(err, storage.ErrCASMismatch) {
		return newError("complete", txID, "", err)
	}
	if err := s.backend.DeleteObject(ctx, recordKey(txID), storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		return newError("complete", txID, "", err)
	}
	return nil
}

func (s *Store) LogRollback(ctx context.Context, txID string) error {
	entry := storedEntry{TxID: txID, Kind: string(EventRolledBack), Event: true, LoggedAt: s.opts.clock.Now()}
	key := entryPrefix(txID) + uuidv7.NewString()
	if _, err := storage.PutJSON(ctx, s.backend, key, entry, storage.PutObjectOptions{IfNotExists: true}); err != nil {
		return newError("rollback", txID, "", err)
	}
	return nil
}

func (s *Store) ApplyLoggedActions(ctx context.Context, txID string, kind ActionKind, reverse bool) error {
	if !kind.Valid() {
		return newError("apply", txID, kind, ErrInvalidKind)
	}
	entries, err := s.Entries(ctx, txID)
	if err != nil {
		return newError("apply", txID, kind, err)
	}
	return applyActions(ctx, txID, kind, reverse, entries)
}

// Sync flushes the backend when it buffers writes.
func (s *Store) Sync(ctx context.Context) error {
	if syncer, ok := s.backend.(storage.Syncer); ok {
		return syncer.Sync(ctx)
	}
	return nil
}

func (s *Store) Records(ctx context.Context) ([]TransactionRecord, error) {
	var out []TransactionRecord
	err := storage.ListAll(ctx, s.backend, recordsPrefix, func(obj storage.ObjectInfo) error {
		var rec TransactionRecord
		if _, err := storage.GetJSON(ctx, s.backend, obj.Key, &rec); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if rec.TxID == "" {
			txID, err := txIDFromKey(recordsPrefix, obj.Key)
			if err != nil {
				return err
			}
			rec.TxID = txID
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("wal: list records: %w", err)
	}
	return out, nil
}

func (s *Store) Entries(ctx context.Context, txID string) ([]Entry, error) {
	var out []Entry
	err := storage.ListAll(ctx, s.backend, entryPrefix(txID), func(obj storage.ObjectInfo) error {
		var stored storedEntry
		if _, err := storage.GetJSON(ctx, s.backend, obj.Key, &stored); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		entry, err := s.decodeEntry(txID, stored)
		if err != nil {
			return err
		}
		out = append(out, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	var marker storedEntry
	if _, err := storage.GetJSON(ctx, s.backend, completedKey(txID), &marker); err == nil {
		out = append(out, &EventEntry{TxID: txID, Kind: EventCompleted, LoggedAt: marker.LoggedAt})
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return out, nil
}

func (s *Store) decodeEntry(txID string, stored storedEntry) (Entry, error) {
	if stored.Event {
		return &EventEntry{TxID: txID, Kind: EventKind(stored.Kind), LoggedAt: stored.LoggedAt}, nil
	}
	if stored.Action == nil {
		return nil, fmt.Errorf("wal: entry of %s has no action", txID)
	}
	action, err := s.registry.decode(*stored.Action)
	if err != nil {
		return nil, err
	}
	return &ActionEntry{TxID: txID, Kind: ActionKind(stored.Kind), Action: action, LoggedAt: stored.LoggedAt}, nil
}

func (s *Store) Resolved(ctx context.Context) ([]string, error) {
	var out []string
	err := storage.ListAll(ctx, s.backend, completedPrefix, func(obj storage.ObjectInfo) error {
		txID, err := txIDFromKey(completedPrefix, obj.Key)
		if err != nil {
			return err
		}
		out = append(out, txID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("wal: list completed: %w", err)
	}
	return out, nil
}

// Purge deletes entries, then the record, then the completion marker last so
// an interrupted purge is picked up again by the next pass.
func (s *Store) Purge(ctx context.Context, txID string) error {
	var keys []string
	err := storage.ListAll(ctx, s.backend, entryPrefix(txID), func(obj storage.ObjectInfo) error {
		keys = append(keys, obj.Key)
		return nil
	})
	if err != nil {
		return newError("purge", txID, "", err)
	}
	keys = append(keys, recordKey(txID), completedKey(txID))
	for _, key := range keys {
		if err := s.backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
			return newError("purge", txID, "", err)
		}
	}
	return nil
}

// RecordRecoveryFailure bumps the attempt counter with an ETag CAS loop.
func (s *Store) RecordRecoveryFailure(ctx context.Context, txID string, cause error) (int, error) {
	key := recordKey(txID)
	for attempt := 0; attempt < recordCASAttempts; attempt++ {
		var rec TransactionRecord
		etag, err := storage.GetJSON(ctx, s.backend, key, &rec)
		if errors.Is(err, storage.ErrNotFound) {
			return 0, newError("record_failure", txID, "", errRecordMissing)
		}
		if err != nil {
			return 0, newError("record_failure", txID, "", err)
		}
		rec.TxID = txID
		rec.RecoveryAttempts++
		rec.LastAttemptAt = s.opts.clock.Now()
		if cause != nil {
			rec.LastError = cause.Error()
		}
		_, err = storage.PutJSON(ctx, s.backend, key, rec, storage.PutObjectOptions{ExpectedETag: etag})
		if err == nil {
			return rec.RecoveryAttempts, nil
		}
		if !storage.IsConflict(err) {
			return 0, newError("record_failure", txID, "", err)
		}
		s.opts.logger.Debug("wal.record.cas_retry", "tx_id", txID, "attempt", attempt+1)
	}
	return 0, newError("record_failure", txID, "", storage.ErrCASMismatch)
}
