package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/koalafacts/heromessaging-go/storage"
)

// MessageStore is an in-memory storage.MessageStore.
type MessageStore struct {
	mu      sync.Mutex
	records map[string]*storage.MessageRecord
}

// NewMessageStore creates an empty MessageStore.
func NewMessageStore() *MessageStore {
	return &MessageStore{records: make(map[string]*storage.MessageRecord)}
}

func (s *MessageStore) Append(ctx context.Context, rec *storage.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.MessageID]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *rec
	if cp.StoredAt.IsZero() {
		cp.StoredAt = time.Now()
	}
	s.records[rec.MessageID] = &cp
	return nil
}

func (s *MessageStore) Get(ctx context.Context, messageID string) (*storage.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MessageStore) Update(ctx context.Context, messageID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[messageID]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Payload = append([]byte(nil), payload...)
	return nil
}

func (s *MessageStore) Delete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[messageID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.records, messageID)
	return nil
}

func (s *MessageStore) Exists(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[messageID]
	return ok, nil
}

func (s *MessageStore) Query(ctx context.Context, filter storage.MessageFilter) ([]*storage.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.MessageRecord
	for _, rec := range s.records {
		if matches(rec, filter) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoredAt.Before(out[j].StoredAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MessageStore) Count(ctx context.Context, filter storage.MessageFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, rec := range s.records {
		if matches(rec, filter) {
			count++
		}
	}
	return count, nil
}

func (s *MessageStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*storage.MessageRecord)
	return nil
}

func matches(rec *storage.MessageRecord, filter storage.MessageFilter) bool {
	if filter.MessageType != "" && rec.MessageType != filter.MessageType {
		return false
	}
	if !filter.After.IsZero() && !rec.StoredAt.After(filter.After) {
		return false
	}
	if !filter.Before.IsZero() && !rec.StoredAt.Before(filter.Before) {
		return false
	}
	return true
}
