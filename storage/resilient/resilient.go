// Package resilient decorates the storage contracts with a
// resilience.ConnectionPolicy: every call delegates to an inner adapter
// under retry, circuit breaking, and rate limiting, keeping resilience
// orthogonal to the adapters themselves.
package resilient

import (
	"context"
	"errors"
	"time"

	"github.com/koalafacts/heromessaging-go/resilience"
	"github.com/koalafacts/heromessaging-go/storage"
)

// permanentError stops the retry policy for outcomes that are answers,
// not failures: not-found, duplicate-key, and optimistic-lock results
// won't change on a second attempt.
type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Retryable() bool { return false }

// run executes fn under policy, exempting the storage sentinel errors
// from retry.
func run(ctx context.Context, policy *resilience.ConnectionPolicy, fn func() error) error {
	err := policy.Execute(ctx, func() error {
		err := fn()
		if errors.Is(err, storage.ErrNotFound) ||
			errors.Is(err, storage.ErrDuplicateKey) ||
			errors.Is(err, storage.ErrOptimisticLock) {
			return &permanentError{err: err}
		}
		return err
	})
	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}

// OutboxStore wraps a storage.OutboxStore under a ConnectionPolicy.
type OutboxStore struct {
	inner  storage.OutboxStore
	policy *resilience.ConnectionPolicy
}

// NewOutboxStore decorates inner with policy.
func NewOutboxStore(inner storage.OutboxStore, policy *resilience.ConnectionPolicy) *OutboxStore {
	return &OutboxStore{inner: inner, policy: policy}
}

func (s *OutboxStore) Insert(ctx context.Context, entry *storage.OutboxEntry) error {
	return run(ctx, s.policy, func() error { return s.inner.Insert(ctx, entry) })
}

func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]*storage.OutboxEntry, error) {
	var out []*storage.OutboxEntry
	err := run(ctx, s.policy, func() (err error) {
		out, err = s.inner.FetchPending(ctx, limit)
		return err
	})
	return out, err
}

func (s *OutboxStore) MarkInProgress(ctx context.Context, ids []string) error {
	return run(ctx, s.policy, func() error { return s.inner.MarkInProgress(ctx, ids) })
}

func (s *OutboxStore) MarkStatus(ctx context.Context, ids []string, status storage.OutboxStatus, errMsg string) error {
	return run(ctx, s.policy, func() error { return s.inner.MarkStatus(ctx, ids, status, errMsg) })
}

func (s *OutboxStore) FetchStuck(ctx context.Context) ([]*storage.OutboxEntry, error) {
	var out []*storage.OutboxEntry
	err := run(ctx, s.policy, func() (err error) {
		out, err = s.inner.FetchStuck(ctx)
		return err
	})
	return out, err
}

func (s *OutboxStore) ResetStuck(ctx context.Context, ids []string) error {
	return run(ctx, s.policy, func() error { return s.inner.ResetStuck(ctx, ids) })
}

func (s *OutboxStore) IncrementRetry(ctx context.Context, ids []string) error {
	return run(ctx, s.policy, func() error { return s.inner.IncrementRetry(ctx, ids) })
}

func (s *OutboxStore) FetchRecoverable(ctx context.Context, olderThan time.Duration, limit int) ([]*storage.OutboxEntry, error) {
	var out []*storage.OutboxEntry
	err := run(ctx, s.policy, func() (err error) {
		out, err = s.inner.FetchRecoverable(ctx, olderThan, limit)
		return err
	})
	return out, err
}

func (s *OutboxStore) FetchFailed(ctx context.Context, limit int) ([]*storage.OutboxEntry, error) {
	var out []*storage.OutboxEntry
	err := run(ctx, s.policy, func() (err error) {
		out, err = s.inner.FetchFailed(ctx, limit)
		return err
	})
	return out, err
}

func (s *OutboxStore) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := run(ctx, s.policy, func() (err error) {
		count, err = s.inner.CountPending(ctx)
		return err
	})
	return count, err
}

// InboxStore wraps a storage.InboxStore under a ConnectionPolicy.
type InboxStore struct {
	inner  storage.InboxStore
	policy *resilience.ConnectionPolicy
}

// NewInboxStore decorates inner with policy.
func NewInboxStore(inner storage.InboxStore, policy *resilience.ConnectionPolicy) *InboxStore {
	return &InboxStore{inner: inner, policy: policy}
}

func (s *InboxStore) TryClaim(ctx context.Context, entry *storage.InboxEntry) (bool, error) {
	var claimed bool
	err := run(ctx, s.policy, func() (err error) {
		claimed, err = s.inner.TryClaim(ctx, entry)
		return err
	})
	return claimed, err
}

func (s *InboxStore) MarkProcessed(ctx context.Context, messageID string) error {
	return run(ctx, s.policy, func() error { return s.inner.MarkProcessed(ctx, messageID) })
}

func (s *InboxStore) MarkFailed(ctx context.Context, messageID string, errMsg string) error {
	return run(ctx, s.policy, func() error { return s.inner.MarkFailed(ctx, messageID, errMsg) })
}

func (s *InboxStore) Get(ctx context.Context, messageID string) (*storage.InboxEntry, error) {
	var entry *storage.InboxEntry
	err := run(ctx, s.policy, func() (err error) {
		entry, err = s.inner.Get(ctx, messageID)
		return err
	})
	return entry, err
}

func (s *InboxStore) FetchUnprocessed(ctx context.Context, limit int) ([]*storage.InboxEntry, error) {
	var out []*storage.InboxEntry
	err := run(ctx, s.policy, func() (err error) {
		out, err = s.inner.FetchUnprocessed(ctx, limit)
		return err
	})
	return out, err
}

func (s *InboxStore) CountUnprocessed(ctx context.Context) (int64, error) {
	var count int64
	err := run(ctx, s.policy, func() (err error) {
		count, err = s.inner.CountUnprocessed(ctx)
		return err
	})
	return count, err
}

func (s *InboxStore) CleanupOlderThan(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := run(ctx, s.policy, func() (err error) {
		removed, err = s.inner.CleanupOlderThan(ctx, before)
		return err
	})
	return removed, err
}

// SagaRepository wraps a storage.SagaRepository under a
// ConnectionPolicy. Update is deliberately NOT retried by the policy:
// an optimistic-lock conflict must surface to the orchestrator's own
// reload-and-retry loop, so only genuine connection failures pass
// through the retry classifier.
type SagaRepository struct {
	inner  storage.SagaRepository
	policy *resilience.ConnectionPolicy
}

// NewSagaRepository decorates inner with policy.
func NewSagaRepository(inner storage.SagaRepository, policy *resilience.ConnectionPolicy) *SagaRepository {
	return &SagaRepository{inner: inner, policy: policy}
}

func (s *SagaRepository) Create(ctx context.Context, instance *storage.SagaInstance) error {
	return run(ctx, s.policy, func() error { return s.inner.Create(ctx, instance) })
}

func (s *SagaRepository) Get(ctx context.Context, id string) (*storage.SagaInstance, error) {
	var instance *storage.SagaInstance
	err := run(ctx, s.policy, func() (err error) {
		instance, err = s.inner.Get(ctx, id)
		return err
	})
	return instance, err
}

func (s *SagaRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*storage.SagaInstance, error) {
	var instance *storage.SagaInstance
	err := run(ctx, s.policy, func() (err error) {
		instance, err = s.inner.GetByCorrelationID(ctx, correlationID)
		return err
	})
	return instance, err
}

func (s *SagaRepository) Update(ctx context.Context, instance *storage.SagaInstance, expectedVersion int64) error {
	return s.inner.Update(ctx, instance, expectedVersion)
}

func (s *SagaRepository) FetchTimedOut(ctx context.Context, asOf time.Time, limit int) ([]*storage.SagaInstance, error) {
	var out []*storage.SagaInstance
	err := run(ctx, s.policy, func() (err error) {
		out, err = s.inner.FetchTimedOut(ctx, asOf, limit)
		return err
	})
	return out, err
}

// ScheduledMessageStore wraps a storage.ScheduledMessageStore under a
// ConnectionPolicy.
type ScheduledMessageStore struct {
	inner  storage.ScheduledMessageStore
	policy *resilience.ConnectionPolicy
}

// NewScheduledMessageStore decorates inner with policy.
func NewScheduledMessageStore(inner storage.ScheduledMessageStore, policy *resilience.ConnectionPolicy) *ScheduledMessageStore {
	return &ScheduledMessageStore{inner: inner, policy: policy}
}

func (s *ScheduledMessageStore) Insert(ctx context.Context, msg *storage.ScheduledMessage) error {
	return run(ctx, s.policy, func() error { return s.inner.Insert(ctx, msg) })
}

func (s *ScheduledMessageStore) FetchDue(ctx context.Context, asOf time.Time, limit int) ([]*storage.ScheduledMessage, error) {
	var out []*storage.ScheduledMessage
	err := run(ctx, s.policy, func() (err error) {
		out, err = s.inner.FetchDue(ctx, asOf, limit)
		return err
	})
	return out, err
}

func (s *ScheduledMessageStore) MarkDispatched(ctx context.Context, ids []string) error {
	return run(ctx, s.policy, func() error { return s.inner.MarkDispatched(ctx, ids) })
}

func (s *ScheduledMessageStore) Cancel(ctx context.Context, id string) error {
	return run(ctx, s.policy, func() error { return s.inner.Cancel(ctx, id) })
}

func (s *ScheduledMessageStore) FetchStale(ctx context.Context, claimedBefore time.Time, limit int) ([]*storage.ScheduledMessage, error) {
	var out []*storage.ScheduledMessage
	err := run(ctx, s.policy, func() (err error) {
		out, err = s.inner.FetchStale(ctx, claimedBefore, limit)
		return err
	})
	return out, err
}

func (s *ScheduledMessageStore) ResetStale(ctx context.Context, ids []string) error {
	return run(ctx, s.policy, func() error { return s.inner.ResetStale(ctx, ids) })
}

// DeadLetterStore wraps a storage.DeadLetterStore under a
// ConnectionPolicy.
type DeadLetterStore struct {
	inner  storage.DeadLetterStore
	policy *resilience.ConnectionPolicy
}

// NewDeadLetterStore decorates inner with policy.
func NewDeadLetterStore(inner storage.DeadLetterStore, policy *resilience.ConnectionPolicy) *DeadLetterStore {
	return &DeadLetterStore{inner: inner, policy: policy}
}

func (s *DeadLetterStore) Insert(ctx context.Context, entry *storage.DeadLetterEntry) error {
	return run(ctx, s.policy, func() error { return s.inner.Insert(ctx, entry) })
}

func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]*storage.DeadLetterEntry, error) {
	var out []*storage.DeadLetterEntry
	err := run(ctx, s.policy, func() (err error) {
		out, err = s.inner.List(ctx, limit)
		return err
	})
	return out, err
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (*storage.DeadLetterEntry, error) {
	var entry *storage.DeadLetterEntry
	err := run(ctx, s.policy, func() (err error) {
		entry, err = s.inner.Get(ctx, id)
		return err
	})
	return entry, err
}

func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	return run(ctx, s.policy, func() error { return s.inner.Delete(ctx, id) })
}

func (s *DeadLetterStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := run(ctx, s.policy, func() (err error) {
		count, err = s.inner.Count(ctx)
		return err
	})
	return count, err
}

func (s *DeadLetterStore) Statistics(ctx context.Context) (*storage.DeadLetterStatistics, error) {
	var stats *storage.DeadLetterStatistics
	err := run(ctx, s.policy, func() (err error) {
		stats, err = s.inner.Statistics(ctx)
		return err
	})
	return stats, err
}
