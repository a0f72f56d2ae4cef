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

// SagaRepository is a storage.SagaRepository backed by Postgres. Update
// runs a conditional UPDATE ... WHERE version = $expected and treats a
// zero-row result as an optimistic-lock conflict.
type SagaRepository struct {
	pool  *pgxpool.Pool
	table string
}

// NewSagaRepository wraps the given pool. If table is empty, "sagas" is used.
func NewSagaRepository(pool *pgxpool.Pool, table string) *SagaRepository {
	if table == "" {
		table = "sagas"
	}
	return &SagaRepository{pool: pool, table: table}
}

func (s *SagaRepository) Create(ctx context.Context, instance *storage.SagaInstance) error {
	now := time.Now().UTC()
	instance.CreatedAt, instance.UpdatedAt = now, now
	instance.Version = 1

	query := fmt.Sprintf(`
		INSERT INTO %s (id, saga_type, correlation_id, state, data, version, is_completed, created_at, updated_at, timeout_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.table)
	_, err := s.pool.Exec(ctx, query, instance.ID, instance.SagaType, instance.CorrelationID, instance.State,
		instance.Data, instance.Version, instance.IsCompleted, instance.CreatedAt, instance.UpdatedAt, instance.TimeoutAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("create saga instance: %w", err)
	}
	return nil
}

func (s *SagaRepository) Get(ctx context.Context, id string) (*storage.SagaInstance, error) {
	query := fmt.Sprintf(`
		SELECT id, saga_type, correlation_id, state, data, version, is_completed, created_at, updated_at, timeout_at
		FROM %s WHERE id = $1
	`, s.table)
	return s.scanOne(s.pool.QueryRow(ctx, query, id))
}

func (s *SagaRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*storage.SagaInstance, error) {
	query := fmt.Sprintf(`
		SELECT id, saga_type, correlation_id, state, data, version, is_completed, created_at, updated_at, timeout_at
		FROM %s WHERE correlation_id = $1
	`, s.table)
	return s.scanOne(s.pool.QueryRow(ctx, query, correlationID))
}

func (s *SagaRepository) scanOne(row pgx.Row) (*storage.SagaInstance, error) {
	i := &storage.SagaInstance{}
	var timeoutAt *time.Time
	err := row.Scan(&i.ID, &i.SagaType, &i.CorrelationID, &i.State, &i.Data, &i.Version,
		&i.IsCompleted, &i.CreatedAt, &i.UpdatedAt, &timeoutAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan saga instance: %w", err)
	}
	if timeoutAt != nil {
		i.TimeoutAt = *timeoutAt
	}
	return i, nil
}

func (s *SagaRepository) Update(ctx context.Context, instance *storage.SagaInstance, expectedVersion int64) error {
	instance.UpdatedAt = time.Now().UTC()
	newVersion := expectedVersion + 1

	query := fmt.Sprintf(`
		UPDATE %s SET state = $1, data = $2, version = $3, is_completed = $4, updated_at = $5, timeout_at = $6
		WHERE id = $7 AND version = $8
	`, s.table)
	tag, err := s.pool.Exec(ctx, query, instance.State, instance.Data, newVersion, instance.IsCompleted,
		instance.UpdatedAt, instance.TimeoutAt, instance.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update saga instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrOptimisticLock
	}
	instance.Version = newVersion
	return nil
}

func (s *SagaRepository) FetchTimedOut(ctx context.Context, asOf time.Time, limit int) ([]*storage.SagaInstance, error) {
	query := fmt.Sprintf(`
		SELECT id, saga_type, correlation_id, state, data, version, is_completed, created_at, updated_at, timeout_at
		FROM %s
		WHERE is_completed = false AND timeout_at IS NOT NULL AND timeout_at <= $1
		LIMIT $2
	`, s.table)
	rows, err := s.pool.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch timed-out saga instances: %w", err)
	}
	defer rows.Close()

	var instances []*storage.SagaInstance
	for rows.Next() {
		i := &storage.SagaInstance{}
		var timeoutAt *time.Time
		if err := rows.Scan(&i.ID, &i.SagaType, &i.CorrelationID, &i.State, &i.Data, &i.Version,
			&i.IsCompleted, &i.CreatedAt, &i.UpdatedAt, &timeoutAt); err != nil {
			return nil, fmt.Errorf("scan saga instance: %w", err)
		}
		if timeoutAt != nil {
			i.TimeoutAt = *timeoutAt
		}
		instances = append(instances, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saga instances: %w", err)
	}
	return instances, nil
}
