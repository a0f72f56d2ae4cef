package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koalafacts/heromessaging-go/storage"
)

// InboxStore is a storage.InboxStore backed by a Postgres table named
// (by default) "inbox_entries", with message_id as primary key so
// TryClaim's insert naturally races on the unique constraint for dedup.
type InboxStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewInboxStore wraps the given pool. If table is empty, "inbox_entries" is used.
func NewInboxStore(pool *pgxpool.Pool, table string) *InboxStore {
	if table == "" {
		table = "inbox_entries"
	}
	return &InboxStore{pool: pool, table: table}
}

const pgUniqueViolation = "23505"

func (s *InboxStore) TryClaim(ctx context.Context, entry *storage.InboxEntry) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (message_id, source, message_type, status, received_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.table)
	_, err := s.pool.Exec(ctx, query, entry.MessageID, entry.Source, entry.MessageType,
		int(storage.InboxPending), time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("claim inbox entry: %w", err)
	}
	return true, nil
}

func (s *InboxStore) MarkProcessed(ctx context.Context, messageID string) error {
	return s.setStatus(ctx, messageID, storage.InboxProcessed, "")
}

func (s *InboxStore) MarkFailed(ctx context.Context, messageID string, errMsg string) error {
	return s.setStatus(ctx, messageID, storage.InboxFailed, errMsg)
}

func (s *InboxStore) setStatus(ctx context.Context, messageID string, status storage.InboxStatus, errMsg string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, error_message = $2, processed_at = $3 WHERE message_id = $4
	`, s.table)
	_, err := s.pool.Exec(ctx, query, int(status), errMsg, time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark inbox entry status %d: %w", status, err)
	}
	return nil
}

func (s *InboxStore) Get(ctx context.Context, messageID string) (*storage.InboxEntry, error) {
	query := fmt.Sprintf(`
		SELECT message_id, source, message_type, status, received_at, processed_at, error_message
		FROM %s WHERE message_id = $1
	`, s.table)
	e := &storage.InboxEntry{}
	var status int
	var processedAt *time.Time
	err := s.pool.QueryRow(ctx, query, messageID).Scan(
		&e.MessageID, &e.Source, &e.MessageType, &status, &e.ReceivedAt, &processedAt, &e.ErrorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inbox entry: %w", err)
	}
	e.Status = storage.InboxStatus(status)
	if processedAt != nil {
		e.ProcessedAt = *processedAt
	}
	return e, nil
}

func (s *InboxStore) FetchUnprocessed(ctx context.Context, limit int) ([]*storage.InboxEntry, error) {
	query := fmt.Sprintf(`
		SELECT message_id, source, message_type, status, received_at, processed_at, error_message
		FROM %s WHERE status = $1 ORDER BY received_at LIMIT $2
	`, s.table)
	rows, err := s.pool.Query(ctx, query, int(storage.InboxPending), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unprocessed inbox entries: %w", err)
	}
	defer rows.Close()

	var out []*storage.InboxEntry
	for rows.Next() {
		e := &storage.InboxEntry{}
		var status int
		var processedAt *time.Time
		if err := rows.Scan(&e.MessageID, &e.Source, &e.MessageType, &status, &e.ReceivedAt, &processedAt, &e.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan inbox entry: %w", err)
		}
		e.Status = storage.InboxStatus(status)
		if processedAt != nil {
			e.ProcessedAt = *processedAt
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox entries: %w", err)
	}
	return out, nil
}

func (s *InboxStore) CountUnprocessed(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = $1`, s.table)
	var count int64
	if err := s.pool.QueryRow(ctx, query, int(storage.InboxPending)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unprocessed inbox entries: %w", err)
	}
	return count, nil
}

func (s *InboxStore) CleanupOlderThan(ctx context.Context, before time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = $1 AND received_at < $2`, s.table)
	tag, err := s.pool.Exec(ctx, query, int(storage.InboxProcessed), before)
	if err != nil {
		return 0, fmt.Errorf("cleanup old inbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
