package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koalafacts/heromessaging-go/internal/common/tsid"
	"github.com/koalafacts/heromessaging-go/storage"
)

// DeadLetterStore is a storage.DeadLetterStore backed by Postgres,
// exposed as its own insert rather than an INSERT ... SELECT migration
// since the outbox processor calls it directly on retry exhaustion.
type DeadLetterStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewDeadLetterStore wraps the given pool. If table is empty, "dead_letters" is used.
func NewDeadLetterStore(pool *pgxpool.Pool, table string) *DeadLetterStore {
	if table == "" {
		table = "dead_letters"
	}
	return &DeadLetterStore{pool: pool, table: table}
}

func (s *DeadLetterStore) Insert(ctx context.Context, entry *storage.DeadLetterEntry) error {
	if entry.ID == "" {
		entry.ID = tsid.Generate()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, source_id, message_type, payload, reason, failed_at, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.table)
	_, err := s.pool.Exec(ctx, query, entry.ID, entry.SourceID, entry.MessageType, entry.Payload,
		entry.Reason, entry.FailedAt, entry.RetryCount)
	if err != nil {
		return fmt.Errorf("insert dead letter entry: %w", err)
	}
	return nil
}

func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]*storage.DeadLetterEntry, error) {
	query := fmt.Sprintf(`
		SELECT id, source_id, message_type, payload, reason, failed_at, retry_count
		FROM %s ORDER BY failed_at LIMIT $1
	`, s.table)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letter entries: %w", err)
	}
	defer rows.Close()

	var out []*storage.DeadLetterEntry
	for rows.Next() {
		e := &storage.DeadLetterEntry{}
		if err := rows.Scan(&e.ID, &e.SourceID, &e.MessageType, &e.Payload, &e.Reason, &e.FailedAt, &e.RetryCount); err != nil {
			return nil, fmt.Errorf("scan dead letter entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letter entries: %w", err)
	}
	return out, nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (*storage.DeadLetterEntry, error) {
	query := fmt.Sprintf(`
		SELECT id, source_id, message_type, payload, reason, failed_at, retry_count
		FROM %s WHERE id = $1
	`, s.table)
	e := &storage.DeadLetterEntry{}
	err := s.pool.QueryRow(ctx, query, id).Scan(&e.ID, &e.SourceID, &e.MessageType, &e.Payload, &e.Reason, &e.FailedAt, &e.RetryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter entry: %w", err)
	}
	return e, nil
}

func (s *DeadLetterStore) Count(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)
	var count int64
	if err := s.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count dead letter entries: %w", err)
	}
	return count, nil
}

func (s *DeadLetterStore) Statistics(ctx context.Context) (*storage.DeadLetterStatistics, error) {
	stats := &storage.DeadLetterStatistics{
		ByReason:      make(map[string]int64),
		ByMessageType: make(map[string]int64),
	}

	summary := fmt.Sprintf(`SELECT count(*), coalesce(min(failed_at), 'epoch'::timestamptz), coalesce(max(failed_at), 'epoch'::timestamptz) FROM %s`, s.table)
	var oldest, newest time.Time
	if err := s.pool.QueryRow(ctx, summary).Scan(&stats.Total, &oldest, &newest); err != nil {
		return nil, fmt.Errorf("dead letter statistics: %w", err)
	}
	if stats.Total > 0 {
		stats.OldestFailedAt, stats.NewestFailedAt = oldest, newest
	}

	byReason := fmt.Sprintf(`SELECT reason, count(*) FROM %s GROUP BY reason`, s.table)
	rows, err := s.pool.Query(ctx, byReason)
	if err != nil {
		return nil, fmt.Errorf("dead letter statistics by reason: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reason string
		var count int64
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("scan reason statistics: %w", err)
		}
		stats.ByReason[reason] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reason statistics: %w", err)
	}

	byType := fmt.Sprintf(`SELECT message_type, count(*) FROM %s GROUP BY message_type`, s.table)
	typeRows, err := s.pool.Query(ctx, byType)
	if err != nil {
		return nil, fmt.Errorf("dead letter statistics by type: %w", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var messageType string
		var count int64
		if err := typeRows.Scan(&messageType, &count); err != nil {
			return nil, fmt.Errorf("scan type statistics: %w", err)
		}
		stats.ByMessageType[messageType] = count
	}
	if err := typeRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate type statistics: %w", err)
	}
	return stats, nil
}

func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete dead letter entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
