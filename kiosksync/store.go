// Copyright 2025 Loyaltix
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable local store backing the sync engine: a queue of
// not-yet-acknowledged operations plus a read-through cache of customer
// records. It is safe for concurrent use; conflicting writes are serialized
// by a write mutex and SQLite transactions.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex // serialize write transactions to prevent SQLite locking issues
}

// timeFormat is the stored timestamp layout: UTC with a fixed-width
// 9-digit fraction, so the TEXT values sort lexicographically in
// chronological order and enqueued_at doubles as the ordering index.
// RFC3339Nano would not work here: it trims trailing fraction zeros,
// and a trimmed value sorts after any longer value it is a prefix of.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// NewStore initializes the sync schema on db and returns a Store.
// The database is placed in WAL mode; both tables are created if missing.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Pending operation queue, oldest-first by enqueued_at.
		`CREATE TABLE IF NOT EXISTS kiosk_pending (
			id              TEXT PRIMARY KEY,
			operation_kind  TEXT NOT NULL,
			payload         TEXT NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			enqueued_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kiosk_pending_enqueued_at
			ON kiosk_pending(enqueued_at)`,

		// Customer cache, one row per server entity, looked up by phone.
		`CREATE TABLE IF NOT EXISTS kiosk_customer_cache (
			id         TEXT PRIMARY KEY,
			lookup_key TEXT NOT NULL,
			data       TEXT NOT NULL,
			cached_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kiosk_customer_cache_lookup
			ON kiosk_customer_cache(lookup_key)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return nil, fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	return &Store{db: db, logger: logger}, nil
}

// Put inserts or replaces a pending operation by ID. The row is durable
// before Put returns; on failure the caller must surface the error, since
// the operation did not happen.
func (s *Store) Put(ctx context.Context, op *PendingOperation) error {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return &StorageError{Op: "put", Err: fmt.Errorf("failed to marshal payload: %w", err)}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO kiosk_pending (id, operation_kind, payload, idempotency_key, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
	`, op.ID, op.Kind, string(payload), op.IdempotencyKey, op.EnqueuedAt.UTC().Format(timeFormat))
	if err != nil {
		return &StorageError{Op: "put", Err: err}
	}
	return nil
}

// Count returns the number of queued operations. It never touches the
// network and is cheap enough to call on every status change.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kiosk_pending`).Scan(&n); err != nil {
		return 0, &StorageError{Op: "count", Err: err}
	}
	return n, nil
}

// ListOrderedByEnqueueTime returns all queued operations oldest-first.
// rowid breaks ties between operations enqueued within the same nanosecond.
func (s *Store) ListOrderedByEnqueueTime(ctx context.Context) ([]PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_kind, payload, idempotency_key, enqueued_at
		FROM kiosk_pending
		ORDER BY enqueued_at, rowid
	`)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	var ops []PendingOperation
	for rows.Next() {
		var op PendingOperation
		var payload, enqueuedAt string
		if err := rows.Scan(&op.ID, &op.Kind, &payload, &op.IdempotencyKey, &enqueuedAt); err != nil {
			return nil, &StorageError{Op: "list", Err: fmt.Errorf("failed to scan pending operation: %w", err)}
		}
		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			return nil, &StorageError{Op: "list", Err: fmt.Errorf("failed to unmarshal payload for %s: %w", op.ID, err)}
		}
		ts, err := time.Parse(timeFormat, enqueuedAt)
		if err != nil {
			return nil, &StorageError{Op: "list", Err: fmt.Errorf("failed to parse enqueued_at for %s: %w", op.ID, err)}
		}
		op.EnqueuedAt = ts
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return ops, nil
}

// DeleteMany removes the named operations in a single transaction: either
// every listed ID is gone afterwards or, on failure, none are. IDs that are
// no longer present are ignored.
func (s *Store) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "delete", Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer tx.Rollback() // safe to call even after commit

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kiosk_pending WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return &StorageError{Op: "delete", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "delete", Err: fmt.Errorf("failed to commit transaction: %w", err)}
	}
	return nil
}

// PutCachedRecord inserts or overwrites a cached record by ID
// (last-write-wins, single writer). Not transactional with the pending
// queue; the cache is best-effort.
func (s *Store) PutCachedRecord(ctx context.Context, rec *CachedRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kiosk_customer_cache (id, lookup_key, data, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			lookup_key = excluded.lookup_key,
			data       = excluded.data,
			cached_at  = excluded.cached_at
	`, rec.ID, rec.LookupKey, string(rec.Data), rec.CachedAt.UTC().Format(timeFormat))
	if err != nil {
		return &StorageError{Op: "put-cache", Err: err}
	}
	return nil
}

// GetCachedRecordByLookupKey returns the most recently refreshed cached
// record for key, or ErrNotFound. Staleness is the caller's concern: while
// offline an old record is still better than none.
func (s *Store) GetCachedRecordByLookupKey(ctx context.Context, key string) (*CachedRecord, error) {
	var rec CachedRecord
	var data, cachedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, lookup_key, data, cached_at
		FROM kiosk_customer_cache
		WHERE lookup_key = ?
		ORDER BY cached_at DESC
		LIMIT 1
	`, key).Scan(&rec.ID, &rec.LookupKey, &data, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get-cache", Err: err}
	}
	rec.Data = json.RawMessage(data)
	ts, err := time.Parse(timeFormat, cachedAt)
	if err != nil {
		return nil, &StorageError{Op: "get-cache", Err: fmt.Errorf("failed to parse cached_at: %w", err)}
	}
	rec.CachedAt = ts
	return &rec, nil
}

// PruneCache deletes cached records refreshed before cutoff and returns how
// many were removed. Called opportunistically after cache writes so the
// cache stays bounded without a dedicated janitor.
func (s *Store) PruneCache(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kiosk_customer_cache WHERE cached_at < ?`,
		cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, &StorageError{Op: "prune-cache", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &StorageError{Op: "prune-cache", Err: err}
	}
	return n, nil
}
