package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/koalafacts/heromessaging-go/storage"
)

// InboxStore is an in-memory storage.InboxStore.
type InboxStore struct {
	mu      sync.Mutex
	entries map[string]*storage.InboxEntry
}

// NewInboxStore creates an empty InboxStore.
func NewInboxStore() *InboxStore {
	return &InboxStore{entries: make(map[string]*storage.InboxEntry)}
}

func (s *InboxStore) TryClaim(ctx context.Context, entry *storage.InboxEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.MessageID]; exists {
		return false, nil
	}
	cp := *entry
	cp.Status = storage.InboxPending
	cp.ReceivedAt = time.Now()
	s.entries[entry.MessageID] = &cp
	return true, nil
}

func (s *InboxStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[messageID]; ok {
		e.Status = storage.InboxProcessed
		e.ProcessedAt = time.Now()
	}
	return nil
}

func (s *InboxStore) MarkFailed(ctx context.Context, messageID string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[messageID]; ok {
		e.Status = storage.InboxFailed
		e.ErrorMessage = errMsg
		e.ProcessedAt = time.Now()
	}
	return nil
}

func (s *InboxStore) Get(ctx context.Context, messageID string) (*storage.InboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *InboxStore) FetchUnprocessed(ctx context.Context, limit int) ([]*storage.InboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.InboxEntry
	for _, e := range s.entries {
		if e.Status == storage.InboxPending {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InboxStore) CountUnprocessed(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, e := range s.entries {
		if e.Status == storage.InboxPending {
			count++
		}
	}
	return count, nil
}

func (s *InboxStore) CleanupOlderThan(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, e := range s.entries {
		if e.ReceivedAt.Before(before) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}
