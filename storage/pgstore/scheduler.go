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

// ScheduledMessageStore is a storage.ScheduledMessageStore backed by
// Postgres, claiming due rows with FOR UPDATE SKIP LOCKED inside a
// transaction so multiple scheduler instances can poll the same table
// concurrently.
type ScheduledMessageStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewScheduledMessageStore wraps the given pool. If table is empty,
// "scheduled_messages" is used.
func NewScheduledMessageStore(pool *pgxpool.Pool, table string) *ScheduledMessageStore {
	if table == "" {
		table = "scheduled_messages"
	}
	return &ScheduledMessageStore{pool: pool, table: table}
}

func (s *ScheduledMessageStore) Insert(ctx context.Context, msg *storage.ScheduledMessage) error {
	if msg.ID == "" {
		msg.ID = tsid.Generate()
	}
	msg.CreatedAt = time.Now().UTC()
	if msg.Status == "" {
		msg.Status = "pending"
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, message_type, message_group, payload, dispatch_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.table)
	_, err := s.pool.Exec(ctx, query, msg.ID, msg.MessageType, msg.MessageGroup, msg.Payload,
		msg.DispatchAt, msg.Status, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert scheduled message: %w", err)
	}
	return nil
}

func (s *ScheduledMessageStore) FetchDue(ctx context.Context, asOf time.Time, limit int) ([]*storage.ScheduledMessage, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin fetch-due transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
		SELECT id, message_type, message_group, payload, dispatch_at, status, created_at
		FROM %s
		WHERE status = 'pending' AND dispatch_at <= $1
		ORDER BY dispatch_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, s.table)
	rows, err := tx.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due scheduled messages: %w", err)
	}
	due, err := scanScheduledRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if len(due) > 0 {
		ids := make([]string, len(due))
		for i, m := range due {
			ids[i] = m.ID
		}
		update := fmt.Sprintf(`UPDATE %s SET status = 'delivering', claimed_at = $1 WHERE id = ANY($2)`, s.table)
		if _, err := tx.Exec(ctx, update, time.Now().UTC(), ids); err != nil {
			return nil, fmt.Errorf("claim due scheduled messages: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit fetch-due transaction: %w", err)
	}
	return due, nil
}

func (s *ScheduledMessageStore) MarkDispatched(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE %s SET status = 'dispatched', claimed_at = NULL WHERE id = ANY($1)`, s.table)
	if _, err := s.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("mark scheduled messages dispatched: %w", err)
	}
	return nil
}

func (s *ScheduledMessageStore) Cancel(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = 'cancelled' WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("cancel scheduled message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *ScheduledMessageStore) FetchStale(ctx context.Context, claimedBefore time.Time, limit int) ([]*storage.ScheduledMessage, error) {
	query := fmt.Sprintf(`
		SELECT id, message_type, message_group, payload, dispatch_at, status, created_at
		FROM %s WHERE status = 'delivering' AND claimed_at < $1
		LIMIT $2
	`, s.table)
	rows, err := s.pool.Query(ctx, query, claimedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch stale scheduled messages: %w", err)
	}
	defer rows.Close()
	return scanScheduledRows(rows)
}

func (s *ScheduledMessageStore) ResetStale(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE %s SET status = 'pending', claimed_at = NULL WHERE id = ANY($1)`, s.table)
	if _, err := s.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("reset stale scheduled messages: %w", err)
	}
	return nil
}

func scanScheduledRows(rows pgx.Rows) ([]*storage.ScheduledMessage, error) {
	var out []*storage.ScheduledMessage
	for rows.Next() {
		m := &storage.ScheduledMessage{}
		if err := rows.Scan(&m.ID, &m.MessageType, &m.MessageGroup, &m.Payload, &m.DispatchAt, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scheduled message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled messages: %w", err)
	}
	return out, nil
}
