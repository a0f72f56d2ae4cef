// Package storage defines the collaborator contracts every stateful
// component (outbox, inbox, dead letter, saga, scheduler) persists
// through. Reference adapters live in memstore (pure in-memory),
// mongostore, and pgstore.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors every adapter should return for the matching
// condition.
var (
	ErrNotFound      = errors.New("storage: not found")
	ErrDuplicateKey  = errors.New("storage: duplicate key")
	ErrOptimisticLock = errors.New("storage: optimistic lock conflict")
)

// OutboxStatus is an outbox entry's delivery state.
type OutboxStatus int

const (
	OutboxPending    OutboxStatus = 0
	OutboxSuccess    OutboxStatus = 1
	OutboxPermanent  OutboxStatus = 2 // non-retryable rejection
	OutboxTransient  OutboxStatus = 3 // retryable failure
	OutboxInProgress OutboxStatus = 9
)

func (s OutboxStatus) IsTerminal() bool  { return s == OutboxSuccess || s == OutboxPermanent }
func (s OutboxStatus) IsRetryable() bool { return s == OutboxTransient }

// OutboxEntry is a staged outgoing message awaiting dispatch.
type OutboxEntry struct {
	ID           string
	MessageType  string
	MessageGroup string
	Payload      []byte
	Status       OutboxStatus
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ErrorMessage string
}

// OutboxStore is the outbox persistence contract: single-poller and
// status-based - an entry is claimed by moving its status, not by
// holding a row lock.
type OutboxStore interface {
	FetchPending(ctx context.Context, limit int) ([]*OutboxEntry, error)
	MarkInProgress(ctx context.Context, ids []string) error
	MarkStatus(ctx context.Context, ids []string, status OutboxStatus, errMsg string) error
	FetchStuck(ctx context.Context) ([]*OutboxEntry, error)
	ResetStuck(ctx context.Context, ids []string) error
	IncrementRetry(ctx context.Context, ids []string) error
	FetchRecoverable(ctx context.Context, olderThan time.Duration, limit int) ([]*OutboxEntry, error)
	FetchFailed(ctx context.Context, limit int) ([]*OutboxEntry, error)
	CountPending(ctx context.Context) (int64, error)
	Insert(ctx context.Context, entry *OutboxEntry) error
}

// InboxStatus mirrors OutboxStatus's shape for receive-side dedup.
type InboxStatus int

const (
	InboxPending   InboxStatus = 0
	InboxProcessed InboxStatus = 1
	InboxFailed    InboxStatus = 2
	InboxDuplicate InboxStatus = 3
)

// InboxEntry records a received message for dedup and claim tracking.
type InboxEntry struct {
	MessageID   string
	Source      string
	MessageType string
	Status      InboxStatus
	ReceivedAt  time.Time
	ProcessedAt time.Time
	ErrorMessage string
}

// InboxStore is the receive-side dedup contract.
type InboxStore interface {
	// TryClaim atomically inserts a Pending entry for messageID,
	// returning (false, nil) if one already exists (duplicate).
	TryClaim(ctx context.Context, entry *InboxEntry) (claimed bool, err error)
	MarkProcessed(ctx context.Context, messageID string) error
	MarkFailed(ctx context.Context, messageID string, errMsg string) error
	Get(ctx context.Context, messageID string) (*InboxEntry, error)
	FetchUnprocessed(ctx context.Context, limit int) ([]*InboxEntry, error)
	CountUnprocessed(ctx context.Context) (int64, error)
	CleanupOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// DeadLetterEntry is a message that exhausted retries or was explicitly
// discarded from the outbox/inbox pipeline.
type DeadLetterEntry struct {
	ID           string
	SourceID     string // original OutboxEntry/InboxEntry id
	MessageType  string
	Payload      []byte
	Reason       string
	FailedAt     time.Time
	RetryCount   int
}

// DeadLetterStatistics summarizes the dead letter queue for operator
// inspection.
type DeadLetterStatistics struct {
	Total          int64
	ByReason       map[string]int64
	ByMessageType  map[string]int64
	OldestFailedAt time.Time
	NewestFailedAt time.Time
}

// DeadLetterStore persists entries that have exhausted their retry
// budget.
type DeadLetterStore interface {
	Insert(ctx context.Context, entry *DeadLetterEntry) error
	List(ctx context.Context, limit int) ([]*DeadLetterEntry, error)
	Get(ctx context.Context, id string) (*DeadLetterEntry, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
	Statistics(ctx context.Context) (*DeadLetterStatistics, error)
}

// SagaInstance is the persisted state of one in-flight saga execution.
type SagaInstance struct {
	ID            string
	SagaType      string
	CorrelationID string
	State         string
	Data          []byte // application-serialized saga data
	Version       int64  // optimistic concurrency token
	IsCompleted   bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	TimeoutAt     time.Time
}

// SagaRepository is the saga persistence contract. Update must fail
// with ErrOptimisticLock if the stored Version doesn't match the
// expectedVersion passed in.
type SagaRepository interface {
	Create(ctx context.Context, instance *SagaInstance) error
	Get(ctx context.Context, id string) (*SagaInstance, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*SagaInstance, error)
	Update(ctx context.Context, instance *SagaInstance, expectedVersion int64) error
	FetchTimedOut(ctx context.Context, asOf time.Time, limit int) ([]*SagaInstance, error)
}

// ScheduledMessage is a message staged for future dispatch.
type ScheduledMessage struct {
	ID           string
	MessageType  string
	MessageGroup string
	Payload      []byte
	DispatchAt   time.Time
	Status       string // "pending", "delivering" (claimed), "dispatched", "cancelled"
	CreatedAt    time.Time
}

// ScheduledMessageStore is the scheduler's persistence contract.
type ScheduledMessageStore interface {
	Insert(ctx context.Context, msg *ScheduledMessage) error
	FetchDue(ctx context.Context, asOf time.Time, limit int) ([]*ScheduledMessage, error)
	MarkDispatched(ctx context.Context, ids []string) error
	Cancel(ctx context.Context, id string) error
	FetchStale(ctx context.Context, claimedBefore time.Time, limit int) ([]*ScheduledMessage, error)
	ResetStale(ctx context.Context, ids []string) error
}

// QueueEntry is a durably queued message with the visibility and lease
// state a consumer needs to claim, ack, and reject it.
type QueueEntry struct {
	ID           string
	QueueName    string
	MessageType  string
	Payload      []byte
	Priority     int
	EnqueuedAt   time.Time
	VisibleAt    time.Time
	DequeueCount int
	LeaseExpiry  time.Time
}

// QueueStore is the durable queue contract: named queues with priority
// ordering, deferred visibility, and lease-based redelivery. Dequeue
// returns (nil, nil) when nothing is currently visible. A dequeued
// entry stays invisible until Acknowledge removes it, Reject releases
// or drops it, or its lease expires.
type QueueStore interface {
	CreateQueue(ctx context.Context, queueName string) error
	DeleteQueue(ctx context.Context, queueName string) error
	ListQueues(ctx context.Context) ([]string, error)
	QueueExists(ctx context.Context, queueName string) (bool, error)

	Enqueue(ctx context.Context, queueName string, entry *QueueEntry) error
	Dequeue(ctx context.Context, queueName string) (*QueueEntry, error)
	Peek(ctx context.Context, queueName string, count int) ([]*QueueEntry, error)
	Acknowledge(ctx context.Context, queueName string, entryID string) error
	Reject(ctx context.Context, queueName string, entryID string, requeue bool) error
	Depth(ctx context.Context, queueName string) (int64, error)
}

// MessageRecord is one entry in the MessageStore's log of dispatched
// envelopes.
type MessageRecord struct {
	MessageID   string
	MessageType string
	Payload     []byte
	StoredAt    time.Time
}

// MessageFilter narrows Query/Count. Zero fields match everything.
type MessageFilter struct {
	MessageType string
	After       time.Time
	Before      time.Time
	Limit       int
}

// MessageStore is a generic log of every envelope dispatched through
// this library, used for audit/replay; optional for consumers that
// don't need a durable message history.
type MessageStore interface {
	Append(ctx context.Context, rec *MessageRecord) error
	Get(ctx context.Context, messageID string) (*MessageRecord, error)
	Update(ctx context.Context, messageID string, payload []byte) error
	Delete(ctx context.Context, messageID string) error
	Exists(ctx context.Context, messageID string) (bool, error)
	Query(ctx context.Context, filter MessageFilter) ([]*MessageRecord, error)
	Count(ctx context.Context, filter MessageFilter) (int64, error)
	Clear(ctx context.Context) error
}
