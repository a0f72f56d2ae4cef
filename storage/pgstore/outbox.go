// Package pgstore provides PostgreSQL-backed implementations of every
// storage.* contract: plain pgxpool.Pool queries, FOR UPDATE SKIP
// LOCKED in the statement (queue) or transaction (scheduler) that claims
// rows so several consumers can poll those tables concurrently, and retry
// bookkeeping columns on the same table. The outbox store claims only
// through its status column and relies on a single poller.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koalafacts/heromessaging-go/internal/common/tsid"
	"github.com/koalafacts/heromessaging-go/storage"
)

// OutboxStore is a storage.OutboxStore backed by a Postgres table named
// (by default) "outbox_entries".
type OutboxStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewOutboxStore wraps the given pool. If table is empty, "outbox_entries" is used.
func NewOutboxStore(pool *pgxpool.Pool, table string) *OutboxStore {
	if table == "" {
		table = "outbox_entries"
	}
	return &OutboxStore{pool: pool, table: table}
}

func (s *OutboxStore) Insert(ctx context.Context, entry *storage.OutboxEntry) error {
	if entry.ID == "" {
		entry.ID = tsid.Generate()
	}
	now := time.Now().UTC()
	entry.CreatedAt, entry.UpdatedAt = now, now

	query := fmt.Sprintf(`
		INSERT INTO %s (id, message_type, message_group, payload, status, retry_count, created_at, updated_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.table)
	_, err := s.pool.Exec(ctx, query,
		entry.ID, entry.MessageType, entry.MessageGroup, entry.Payload,
		int(entry.Status), entry.RetryCount, entry.CreatedAt, entry.UpdatedAt, entry.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]*storage.OutboxEntry, error) {
	query := fmt.Sprintf(`
		SELECT id, message_type, message_group, payload, status, retry_count, created_at, updated_at, error_message
		FROM %s
		WHERE status = $1
		ORDER BY message_group, created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, s.table)
	rows, err := s.pool.Query(ctx, query, int(storage.OutboxPending), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending outbox entries: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

func (s *OutboxStore) MarkInProgress(ctx context.Context, ids []string) error {
	return s.setStatus(ctx, ids, storage.OutboxInProgress, "")
}

func (s *OutboxStore) MarkStatus(ctx context.Context, ids []string, status storage.OutboxStatus, errMsg string) error {
	return s.setStatus(ctx, ids, status, errMsg)
}

func (s *OutboxStore) setStatus(ctx context.Context, ids []string, status storage.OutboxStatus, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, error_message = $2, updated_at = $3
		WHERE id = ANY($4)
	`, s.table)
	_, err := s.pool.Exec(ctx, query, int(status), errMsg, time.Now().UTC(), ids)
	if err != nil {
		return fmt.Errorf("mark outbox status %d: %w", status, err)
	}
	return nil
}

func (s *OutboxStore) FetchStuck(ctx context.Context) ([]*storage.OutboxEntry, error) {
	query := fmt.Sprintf(`
		SELECT id, message_type, message_group, payload, status, retry_count, created_at, updated_at, error_message
		FROM %s WHERE status = $1 ORDER BY created_at
	`, s.table)
	rows, err := s.pool.Query(ctx, query, int(storage.OutboxInProgress))
	if err != nil {
		return nil, fmt.Errorf("fetch stuck outbox entries: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

func (s *OutboxStore) ResetStuck(ctx context.Context, ids []string) error {
	return s.setStatus(ctx, ids, storage.OutboxPending, "")
}

func (s *OutboxStore) IncrementRetry(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE %s SET retry_count = retry_count + 1, status = $1, updated_at = $2
		WHERE id = ANY($3)
	`, s.table)
	_, err := s.pool.Exec(ctx, query, int(storage.OutboxPending), time.Now().UTC(), ids)
	if err != nil {
		return fmt.Errorf("increment outbox retry count: %w", err)
	}
	return nil
}

func (s *OutboxStore) FetchRecoverable(ctx context.Context, olderThan time.Duration, limit int) ([]*storage.OutboxEntry, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	query := fmt.Sprintf(`
		SELECT id, message_type, message_group, payload, status, retry_count, created_at, updated_at, error_message
		FROM %s
		WHERE status NOT IN ($1, $2) AND updated_at < $3
		ORDER BY created_at
		LIMIT $4
	`, s.table)
	rows, err := s.pool.Query(ctx, query, int(storage.OutboxSuccess), int(storage.OutboxPermanent), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch recoverable outbox entries: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

func (s *OutboxStore) FetchFailed(ctx context.Context, limit int) ([]*storage.OutboxEntry, error) {
	query := fmt.Sprintf(`
		SELECT id, message_type, message_group, payload, status, retry_count, created_at, updated_at, error_message
		FROM %s WHERE status = $1 ORDER BY updated_at LIMIT $2
	`, s.table)
	rows, err := s.pool.Query(ctx, query, int(storage.OutboxPermanent), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch failed outbox entries: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

func (s *OutboxStore) CountPending(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE status = $1`, s.table)
	var count int64
	if err := s.pool.QueryRow(ctx, query, int(storage.OutboxPending)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending outbox entries: %w", err)
	}
	return count, nil
}

func scanOutboxRows(rows pgx.Rows) ([]*storage.OutboxEntry, error) {
	var entries []*storage.OutboxEntry
	for rows.Next() {
		e := &storage.OutboxEntry{}
		var status int
		if err := rows.Scan(&e.ID, &e.MessageType, &e.MessageGroup, &e.Payload, &status,
			&e.RetryCount, &e.CreatedAt, &e.UpdatedAt, &e.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.Status = storage.OutboxStatus(status)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	return entries, nil
}
