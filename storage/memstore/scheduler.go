package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/koalafacts/heromessaging-go/internal/common/tsid"
	"github.com/koalafacts/heromessaging-go/storage"
)

// ScheduledMessageStore is an in-memory storage.ScheduledMessageStore.
type ScheduledMessageStore struct {
	mu       sync.Mutex
	messages map[string]*storage.ScheduledMessage
	claimedAt map[string]time.Time
}

// NewScheduledMessageStore creates an empty ScheduledMessageStore.
func NewScheduledMessageStore() *ScheduledMessageStore {
	return &ScheduledMessageStore{
		messages:  make(map[string]*storage.ScheduledMessage),
		claimedAt: make(map[string]time.Time),
	}
}

func (s *ScheduledMessageStore) Insert(ctx context.Context, msg *storage.ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = tsid.Generate()
	}
	msg.CreatedAt = time.Now()
	if msg.Status == "" {
		msg.Status = "pending"
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

func (s *ScheduledMessageStore) FetchDue(ctx context.Context, asOf time.Time, limit int) ([]*storage.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*storage.ScheduledMessage
	for _, m := range s.messages {
		if m.Status == "pending" && !m.DispatchAt.After(asOf) {
			cp := *m
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DispatchAt.Before(due[j].DispatchAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, m := range due {
		s.claimedAt[m.ID] = time.Now()
	}
	return due, nil
}

func (s *ScheduledMessageStore) MarkDispatched(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			m.Status = "dispatched"
		}
		delete(s.claimedAt, id)
	}
	return nil
}

func (s *ScheduledMessageStore) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return storage.ErrNotFound
	}
	m.Status = "cancelled"
	return nil
}

func (s *ScheduledMessageStore) FetchStale(ctx context.Context, claimedBefore time.Time, limit int) ([]*storage.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*storage.ScheduledMessage
	for id, claimed := range s.claimedAt {
		if claimed.Before(claimedBefore) {
			if m, ok := s.messages[id]; ok && m.Status == "pending" {
				cp := *m
				stale = append(stale, &cp)
			}
		}
	}
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *ScheduledMessageStore) ResetStale(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.claimedAt, id)
	}
	return nil
}
