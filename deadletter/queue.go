// Package deadletter provides a small facade over storage.DeadLetterStore
// for outbox entries that exhausted their retry budget.
package deadletter

import (
	"context"
	"time"

	"github.com/koalafacts/heromessaging-go/storage"
)

// Queue wraps a storage.DeadLetterStore with the operations the outbox
// processor calls on terminal failure.
type Queue struct {
	store storage.DeadLetterStore
}

// New creates a Queue backed by store.
func New(store storage.DeadLetterStore) *Queue {
	return &Queue{store: store}
}

// Send records a message that permanently failed dispatch or
// processing.
func (q *Queue) Send(ctx context.Context, sourceID, messageType string, payload []byte, reason string, retryCount int) error {
	return q.store.Insert(ctx, &storage.DeadLetterEntry{
		SourceID:    sourceID,
		MessageType: messageType,
		Payload:     payload,
		Reason:      reason,
		FailedAt:    time.Now(),
		RetryCount:  retryCount,
	})
}

// List returns up to limit dead-lettered entries, most useful for
// operator tooling and tests.
func (q *Queue) List(ctx context.Context, limit int) ([]*storage.DeadLetterEntry, error) {
	return q.store.List(ctx, limit)
}

// Discard permanently removes a dead-lettered entry, e.g. after an
// operator has reviewed and decided not to retry it.
func (q *Queue) Discard(ctx context.Context, id string) error {
	return q.store.Delete(ctx, id)
}

// Count returns the number of dead-lettered entries.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	return q.store.Count(ctx)
}

// Statistics summarizes the dead letter queue by reason and message
// type for operator inspection.
func (q *Queue) Statistics(ctx context.Context) (*storage.DeadLetterStatistics, error) {
	return q.store.Statistics(ctx)
}

// Requeue returns the entry's payload so a caller can resubmit it to
// the outbox/inbox, then deletes it from the dead letter store.
func (q *Queue) Requeue(ctx context.Context, id string) (*storage.DeadLetterEntry, error) {
	entry, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := q.store.Delete(ctx, id); err != nil {
		return nil, err
	}
	return entry, nil
}
