// Package memstore provides in-memory reference implementations of
// every storage.* contract, usable by the zero-config Bus facade and by
// every other package's tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/koalafacts/heromessaging-go/internal/common/tsid"
	"github.com/koalafacts/heromessaging-go/storage"
)

// OutboxStore is an in-memory storage.OutboxStore.
type OutboxStore struct {
	mu      sync.Mutex
	entries map[string]*storage.OutboxEntry
}

// NewOutboxStore creates an empty OutboxStore.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{entries: make(map[string]*storage.OutboxEntry)}
}

func (s *OutboxStore) Insert(ctx context.Context, entry *storage.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = tsid.Generate()
	}
	now := time.Now()
	entry.CreatedAt, entry.UpdatedAt = now, now
	cp := *entry
	s.entries[entry.ID] = &cp
	return nil
}

func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]*storage.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*storage.OutboxEntry
	for _, e := range s.entries {
		if e.Status == storage.OutboxPending {
			cp := *e
			pending = append(pending, &cp)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].MessageGroup != pending[j].MessageGroup {
			return pending[i].MessageGroup < pending[j].MessageGroup
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *OutboxStore) MarkInProgress(ctx context.Context, ids []string) error {
	return s.setStatus(ids, storage.OutboxInProgress, "")
}

func (s *OutboxStore) MarkStatus(ctx context.Context, ids []string, status storage.OutboxStatus, errMsg string) error {
	return s.setStatus(ids, status, errMsg)
}

func (s *OutboxStore) setStatus(ids []string, status storage.OutboxStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			e.Status = status
			e.ErrorMessage = errMsg
			e.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (s *OutboxStore) FetchStuck(ctx context.Context) ([]*storage.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stuck []*storage.OutboxEntry
	for _, e := range s.entries {
		if e.Status == storage.OutboxInProgress {
			cp := *e
			stuck = append(stuck, &cp)
		}
	}
	return stuck, nil
}

func (s *OutboxStore) ResetStuck(ctx context.Context, ids []string) error {
	return s.setStatus(ids, storage.OutboxPending, "")
}

func (s *OutboxStore) IncrementRetry(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			e.RetryCount++
			e.Status = storage.OutboxPending
			e.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (s *OutboxStore) FetchRecoverable(ctx context.Context, olderThan time.Duration, limit int) ([]*storage.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var recoverable []*storage.OutboxEntry
	for _, e := range s.entries {
		if !e.Status.IsTerminal() && e.UpdatedAt.Before(cutoff) {
			cp := *e
			recoverable = append(recoverable, &cp)
		}
	}
	if limit > 0 && len(recoverable) > limit {
		recoverable = recoverable[:limit]
	}
	return recoverable, nil
}

func (s *OutboxStore) FetchFailed(ctx context.Context, limit int) ([]*storage.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []*storage.OutboxEntry
	for _, e := range s.entries {
		if e.Status == storage.OutboxPermanent {
			cp := *e
			failed = append(failed, &cp)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].UpdatedAt.Before(failed[j].UpdatedAt) })
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func (s *OutboxStore) CountPending(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, e := range s.entries {
		if e.Status == storage.OutboxPending {
			count++
		}
	}
	return count, nil
}
