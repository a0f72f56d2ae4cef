package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/koalafacts/heromessaging-go/internal/common/tsid"
	"github.com/koalafacts/heromessaging-go/storage"
)

// DeadLetterStore is an in-memory storage.DeadLetterStore.
type DeadLetterStore struct {
	mu      sync.Mutex
	entries map[string]*storage.DeadLetterEntry
}

// NewDeadLetterStore creates an empty DeadLetterStore.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{entries: make(map[string]*storage.DeadLetterEntry)}
}

func (s *DeadLetterStore) Insert(ctx context.Context, entry *storage.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = tsid.Generate()
	}
	cp := *entry
	s.entries[entry.ID] = &cp
	return nil
}

func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]*storage.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.DeadLetterEntry
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (*storage.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *DeadLetterStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

func (s *DeadLetterStore) Statistics(ctx context.Context) (*storage.DeadLetterStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &storage.DeadLetterStatistics{
		Total:         int64(len(s.entries)),
		ByReason:      make(map[string]int64),
		ByMessageType: make(map[string]int64),
	}
	for _, e := range s.entries {
		stats.ByReason[e.Reason]++
		stats.ByMessageType[e.MessageType]++
		if stats.OldestFailedAt.IsZero() || e.FailedAt.Before(stats.OldestFailedAt) {
			stats.OldestFailedAt = e.FailedAt
		}
		if e.FailedAt.After(stats.NewestFailedAt) {
			stats.NewestFailedAt = e.FailedAt
		}
	}
	return stats, nil
}

func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.entries, id)
	return nil
}
