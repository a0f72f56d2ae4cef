package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koalafacts/heromessaging-go/storage"
)

// MessageStore is a storage.MessageStore backed by Postgres, an
// optional log of every dispatched envelope used for audit and replay.
type MessageStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewMessageStore wraps the given pool. If table is empty, "messages" is used.
func NewMessageStore(pool *pgxpool.Pool, table string) *MessageStore {
	if table == "" {
		table = "messages"
	}
	return &MessageStore{pool: pool, table: table}
}

func (s *MessageStore) Append(ctx context.Context, rec *storage.MessageRecord) error {
	storedAt := rec.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`INSERT INTO %s (message_id, message_type, payload, stored_at) VALUES ($1, $2, $3, $4)`, s.table)
	_, err := s.pool.Exec(ctx, query, rec.MessageID, rec.MessageType, rec.Payload, storedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *MessageStore) Get(ctx context.Context, messageID string) (*storage.MessageRecord, error) {
	query := fmt.Sprintf(`SELECT message_id, message_type, payload, stored_at FROM %s WHERE message_id = $1`, s.table)
	rec := &storage.MessageRecord{}
	err := s.pool.QueryRow(ctx, query, messageID).Scan(&rec.MessageID, &rec.MessageType, &rec.Payload, &rec.StoredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return rec, nil
}

func (s *MessageStore) Update(ctx context.Context, messageID string, payload []byte) error {
	query := fmt.Sprintf(`UPDATE %s SET payload = $1 WHERE message_id = $2`, s.table)
	tag, err := s.pool.Exec(ctx, query, payload, messageID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *MessageStore) Delete(ctx context.Context, messageID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE message_id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *MessageStore) Exists(ctx context.Context, messageID string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE message_id = $1)`, s.table)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, messageID).Scan(&exists); err != nil {
		return false, fmt.Errorf("message exists: %w", err)
	}
	return exists, nil
}

func (s *MessageStore) Query(ctx context.Context, filter storage.MessageFilter) ([]*storage.MessageRecord, error) {
	where, args := messageFilterClause(filter)
	query := fmt.Sprintf(`SELECT message_id, message_type, payload, stored_at FROM %s%s ORDER BY stored_at`, s.table, where)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*storage.MessageRecord
	for rows.Next() {
		rec := &storage.MessageRecord{}
		if err := rows.Scan(&rec.MessageID, &rec.MessageType, &rec.Payload, &rec.StoredAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *MessageStore) Count(ctx context.Context, filter storage.MessageFilter) (int64, error) {
	where, args := messageFilterClause(filter)
	query := fmt.Sprintf(`SELECT count(*) FROM %s%s`, s.table, where)
	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func (s *MessageStore) Clear(ctx context.Context) error {
	query := fmt.Sprintf(`DELETE FROM %s`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

// messageFilterClause builds the WHERE clause and positional args for
// filter. Returns an empty clause when every filter field is zero.
func messageFilterClause(filter storage.MessageFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.MessageType != "" {
		args = append(args, filter.MessageType)
		conds = append(conds, fmt.Sprintf("message_type = $%d", len(args)))
	}
	if !filter.After.IsZero() {
		args = append(args, filter.After)
		conds = append(conds, fmt.Sprintf("stored_at > $%d", len(args)))
	}
	if !filter.Before.IsZero() {
		args = append(args, filter.Before)
		conds = append(conds, fmt.Sprintf("stored_at < $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
