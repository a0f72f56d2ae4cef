package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/koalafacts/heromessaging-go/internal/common/tsid"
	"github.com/koalafacts/heromessaging-go/storage"
)

// defaultLease is how long a dequeued entry stays invisible before it
// becomes eligible for redelivery if the consumer never acknowledges.
const defaultLease = 30 * time.Second

// QueueStore is an in-memory storage.QueueStore: named queues of
// priority-ordered entries with deferred visibility and lease-based
// redelivery.
type QueueStore struct {
	mu     sync.Mutex
	queues map[string]map[string]*storage.QueueEntry
	lease  time.Duration
}

// NewQueueStore creates an empty QueueStore with the default lease
// duration.
func NewQueueStore() *QueueStore {
	return &QueueStore{
		queues: make(map[string]map[string]*storage.QueueEntry),
		lease:  defaultLease,
	}
}

// NewQueueStoreWithLease creates an empty QueueStore whose dequeued
// entries become redeliverable after lease.
func NewQueueStoreWithLease(lease time.Duration) *QueueStore {
	s := NewQueueStore()
	if lease > 0 {
		s.lease = lease
	}
	return s
}

func (s *QueueStore) CreateQueue(ctx context.Context, queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[queueName]; ok {
		return storage.ErrDuplicateKey
	}
	s.queues[queueName] = make(map[string]*storage.QueueEntry)
	return nil
}

func (s *QueueStore) DeleteQueue(ctx context.Context, queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[queueName]; !ok {
		return storage.ErrNotFound
	}
	delete(s.queues, queueName)
	return nil
}

func (s *QueueStore) ListQueues(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *QueueStore) QueueExists(ctx context.Context, queueName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[queueName]
	return ok, nil
}

// Enqueue adds entry to queueName, creating the queue on first use.
func (s *QueueStore) Enqueue(ctx context.Context, queueName string, entry *storage.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueName]
	if !ok {
		q = make(map[string]*storage.QueueEntry)
		s.queues[queueName] = q
	}
	if entry.ID == "" {
		entry.ID = tsid.Generate()
	}
	cp := *entry
	cp.QueueName = queueName
	if cp.EnqueuedAt.IsZero() {
		cp.EnqueuedAt = time.Now()
	}
	q[cp.ID] = &cp
	return nil
}

// Dequeue claims the highest-priority visible entry, marking it
// invisible for the store's lease duration. Returns (nil, nil) when
// nothing is currently visible.
func (s *QueueStore) Dequeue(ctx context.Context, queueName string) (*storage.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueName]
	if !ok {
		return nil, storage.ErrNotFound
	}

	now := time.Now()
	var pick *storage.QueueEntry
	for _, e := range q {
		if !eligible(e, now) {
			continue
		}
		if pick == nil || higherPriority(e, pick) {
			pick = e
		}
	}
	if pick == nil {
		return nil, nil
	}
	pick.DequeueCount++
	pick.LeaseExpiry = now.Add(s.lease)
	cp := *pick
	return &cp, nil
}

// eligible reports whether e is visible and not held by a live lease.
func eligible(e *storage.QueueEntry, now time.Time) bool {
	if !e.VisibleAt.IsZero() && e.VisibleAt.After(now) {
		return false
	}
	if !e.LeaseExpiry.IsZero() && e.LeaseExpiry.After(now) {
		return false
	}
	return true
}

// higherPriority orders a before b: priority descending, then FIFO.
func higherPriority(a, b *storage.QueueEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

func (s *QueueStore) Peek(ctx context.Context, queueName string, count int) ([]*storage.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueName]
	if !ok {
		return nil, storage.ErrNotFound
	}

	now := time.Now()
	var out []*storage.QueueEntry
	for _, e := range q {
		if eligible(e, now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return higherPriority(out[i], out[j]) })
	if count > 0 && len(out) > count {
		out = out[:count]
	}
	return out, nil
}

func (s *QueueStore) Acknowledge(ctx context.Context, queueName string, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueName]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := q[entryID]; !ok {
		return storage.ErrNotFound
	}
	delete(q, entryID)
	return nil
}

// Reject releases entryID's lease. With requeue the entry becomes
// immediately visible again; without it the entry is dropped.
func (s *QueueStore) Reject(ctx context.Context, queueName string, entryID string, requeue bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueName]
	if !ok {
		return storage.ErrNotFound
	}
	e, ok := q[entryID]
	if !ok {
		return storage.ErrNotFound
	}
	if !requeue {
		delete(q, entryID)
		return nil
	}
	e.LeaseExpiry = time.Time{}
	e.VisibleAt = time.Time{}
	return nil
}

// Depth counts entries not currently held by a live lease, i.e. what a
// consumer could still observe.
func (s *QueueStore) Depth(ctx context.Context, queueName string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueName]
	if !ok {
		return 0, fmt.Errorf("queue %q: %w", queueName, storage.ErrNotFound)
	}
	now := time.Now()
	var depth int64
	for _, e := range q {
		if e.LeaseExpiry.IsZero() || !e.LeaseExpiry.After(now) {
			depth++
		}
	}
	return depth, nil
}
