package idempotency

import (
	"context"
	"sync"
	"time"
)

// shardCount fixes how many locks the store spreads keys across so a
// single mutex isn't contended by every dispatch.
const shardCount = 32

// MemoryStore is an in-process idempotency cache sharded by key hash to
// reduce lock contention under concurrent dispatch.
type MemoryStore struct {
	shards [shardCount]*shard
}

type shard struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*Record)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	var h uint32
	for i := 0; i < len(key); i++ {
		h = h*31 + uint32(key[i])
	}
	return s.shards[h%shardCount]
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Expired(time.Now()) {
		delete(sh.records, key)
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (s *MemoryStore) StoreSuccess(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	return s.store(key, &Record{Key: key, Success: true, Result: result}, ttl)
}

func (s *MemoryStore) StoreFailure(ctx context.Context, key string, failureMsg string, ttl time.Duration) error {
	return s.store(key, &Record{Key: key, Success: false, FailureMsg: failureMsg}, ttl)
}

func (s *MemoryStore) store(key string, rec *Record, ttl time.Duration) error {
	now := time.Now()
	rec.StoredAt = now
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.records[key] = rec
	return nil
}

func (s *MemoryStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	var removed int64
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, rec := range sh.records {
			if rec.Expired(now) {
				delete(sh.records, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}
