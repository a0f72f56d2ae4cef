package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/koalafacts/heromessaging-go/storage"
)

// SagaRepository is an in-memory storage.SagaRepository with the same
// optimistic-concurrency contract the Mongo/Postgres adapters must
// honor.
type SagaRepository struct {
	mu        sync.Mutex
	instances map[string]*storage.SagaInstance
	byCorr    map[string]string
}

// NewSagaRepository creates an empty SagaRepository.
func NewSagaRepository() *SagaRepository {
	return &SagaRepository{
		instances: make(map[string]*storage.SagaInstance),
		byCorr:    make(map[string]string),
	}
}

func (s *SagaRepository) Create(ctx context.Context, instance *storage.SagaInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[instance.ID]; exists {
		return storage.ErrDuplicateKey
	}
	if _, exists := s.byCorr[instance.CorrelationID]; exists {
		return storage.ErrDuplicateKey
	}
	now := time.Now()
	instance.CreatedAt, instance.UpdatedAt = now, now
	instance.Version = 1
	cp := *instance
	s.instances[instance.ID] = &cp
	s.byCorr[instance.CorrelationID] = instance.ID
	return nil
}

func (s *SagaRepository) Get(ctx context.Context, id string) (*storage.SagaInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *SagaRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*storage.SagaInstance, error) {
	s.mu.Lock()
	id, ok := s.byCorr[correlationID]
	s.mu.Unlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *SagaRepository) Update(ctx context.Context, instance *storage.SagaInstance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.instances[instance.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if current.Version != expectedVersion {
		return storage.ErrOptimisticLock
	}

	cp := *instance
	cp.Version = expectedVersion + 1
	cp.UpdatedAt = time.Now()
	s.instances[instance.ID] = &cp
	instance.Version = cp.Version
	return nil
}

func (s *SagaRepository) FetchTimedOut(ctx context.Context, asOf time.Time, limit int) ([]*storage.SagaInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*storage.SagaInstance
	for _, inst := range s.instances {
		if inst.IsCompleted {
			continue
		}
		if !inst.TimeoutAt.IsZero() && !inst.TimeoutAt.After(asOf) {
			cp := *inst
			due = append(due, &cp)
		}
	}
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
