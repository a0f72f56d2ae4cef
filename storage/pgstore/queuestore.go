package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koalafacts/heromessaging-go/internal/common/tsid"
	"github.com/koalafacts/heromessaging-go/storage"
)

// QueueStore is a storage.QueueStore backed by two Postgres tables: a
// queue registry and an entry table. Dequeue claims with UPDATE ...
// WHERE id = (SELECT ... FOR UPDATE SKIP LOCKED) so concurrent
// consumers never receive the same entry.
type QueueStore struct {
	pool    *pgxpool.Pool
	queues  string
	entries string
	lease   time.Duration
}

// NewQueueStore wraps the given pool. Dequeued entries become
// redeliverable after lease; a non-positive lease defaults to 30s.
func NewQueueStore(pool *pgxpool.Pool, lease time.Duration) *QueueStore {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &QueueStore{pool: pool, queues: "queues", entries: "queue_entries", lease: lease}
}

func (s *QueueStore) CreateQueue(ctx context.Context, queueName string) error {
	query := fmt.Sprintf(`INSERT INTO %s (name, created_at) VALUES ($1, $2)`, s.queues)
	_, err := s.pool.Exec(ctx, query, queueName, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("create queue: %w", err)
	}
	return nil
}

func (s *QueueStore) DeleteQueue(ctx context.Context, queueName string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE name = $1`, s.queues), queueName)
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE queue_name = $1`, s.entries), queueName); err != nil {
		return fmt.Errorf("delete queue entries: %w", err)
	}
	return nil
}

func (s *QueueStore) ListQueues(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT name FROM %s ORDER BY name`, s.queues))
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan queue name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queues: %w", err)
	}
	return names, nil
}

func (s *QueueStore) QueueExists(ctx context.Context, queueName string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE name = $1)`, s.queues)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, queueName).Scan(&exists); err != nil {
		return false, fmt.Errorf("queue exists: %w", err)
	}
	return exists, nil
}

func (s *QueueStore) Enqueue(ctx context.Context, queueName string, entry *storage.QueueEntry) error {
	if entry.ID == "" {
		entry.ID = tsid.Generate()
	}
	enqueuedAt := entry.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, queue_name, message_type, payload, priority, enqueued_at, visible_at, dequeue_count, lease_expiry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'epoch'::timestamptz)
	`, s.entries)
	_, err := s.pool.Exec(ctx, query, entry.ID, queueName, entry.MessageType, entry.Payload,
		entry.Priority, enqueuedAt, entry.VisibleAt, entry.DequeueCount)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (s *QueueStore) Dequeue(ctx context.Context, queueName string) (*storage.QueueEntry, error) {
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		UPDATE %[1]s SET lease_expiry = $1, dequeue_count = dequeue_count + 1
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE queue_name = $2 AND visible_at <= $3 AND lease_expiry <= $3
			ORDER BY priority DESC, enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue_name, message_type, payload, priority, enqueued_at, visible_at, dequeue_count, lease_expiry
	`, s.entries)
	e := &storage.QueueEntry{}
	err := s.pool.QueryRow(ctx, query, now.Add(s.lease), queueName, now).Scan(
		&e.ID, &e.QueueName, &e.MessageType, &e.Payload, &e.Priority,
		&e.EnqueuedAt, &e.VisibleAt, &e.DequeueCount, &e.LeaseExpiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return e, nil
}

func (s *QueueStore) Peek(ctx context.Context, queueName string, count int) ([]*storage.QueueEntry, error) {
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		SELECT id, queue_name, message_type, payload, priority, enqueued_at, visible_at, dequeue_count, lease_expiry
		FROM %s
		WHERE queue_name = $1 AND visible_at <= $2 AND lease_expiry <= $2
		ORDER BY priority DESC, enqueued_at
		LIMIT $3
	`, s.entries)
	rows, err := s.pool.Query(ctx, query, queueName, now, count)
	if err != nil {
		return nil, fmt.Errorf("peek: %w", err)
	}
	defer rows.Close()

	var out []*storage.QueueEntry
	for rows.Next() {
		e := &storage.QueueEntry{}
		if err := rows.Scan(&e.ID, &e.QueueName, &e.MessageType, &e.Payload, &e.Priority,
			&e.EnqueuedAt, &e.VisibleAt, &e.DequeueCount, &e.LeaseExpiry); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return out, nil
}

func (s *QueueStore) Acknowledge(ctx context.Context, queueName string, entryID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND queue_name = $2`, s.entries)
	tag, err := s.pool.Exec(ctx, query, entryID, queueName)
	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *QueueStore) Reject(ctx context.Context, queueName string, entryID string, requeue bool) error {
	if !requeue {
		return s.Acknowledge(ctx, queueName, entryID)
	}
	query := fmt.Sprintf(`
		UPDATE %s SET lease_expiry = 'epoch'::timestamptz, visible_at = 'epoch'::timestamptz
		WHERE id = $1 AND queue_name = $2
	`, s.entries)
	tag, err := s.pool.Exec(ctx, query, entryID, queueName)
	if err != nil {
		return fmt.Errorf("reject: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *QueueStore) Depth(ctx context.Context, queueName string) (int64, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE queue_name = $1 AND lease_expiry <= $2`, s.entries)
	var count int64
	if err := s.pool.QueryRow(ctx, query, queueName, time.Now().UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return count, nil
}
