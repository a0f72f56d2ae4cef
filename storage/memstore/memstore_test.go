package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/koalafacts/heromessaging-go/storage"
)

func TestOutboxStoreFetchPendingRespectsStatusAndOrder(t *testing.T) {
	s := NewOutboxStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Insert(ctx, &storage.OutboxEntry{ID: id, MessageGroup: "g", Status: storage.OutboxPending}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.MarkStatus(ctx, []string{"b"}, storage.OutboxSuccess, ""); err != nil {
		t.Fatalf("mark: %v", err)
	}

	pending, err := s.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending entries, got %d", len(pending))
	}
	if pending[0].ID != "a" || pending[1].ID != "c" {
		t.Fatalf("expected creation order a,c - got %s,%s", pending[0].ID, pending[1].ID)
	}
}

func TestOutboxStoreIncrementRetryResetsToPending(t *testing.T) {
	s := NewOutboxStore()
	ctx := context.Background()

	s.Insert(ctx, &storage.OutboxEntry{ID: "a", Status: storage.OutboxPending})
	s.MarkInProgress(ctx, []string{"a"})
	s.IncrementRetry(ctx, []string{"a"})

	pending, _ := s.FetchPending(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("expected the retried entry pending again, got %d", len(pending))
	}
	if pending[0].RetryCount != 1 {
		t.Fatalf("expected RetryCount=1, got %d", pending[0].RetryCount)
	}
}

func TestOutboxStoreCrashRecoveryRoundTrip(t *testing.T) {
	s := NewOutboxStore()
	ctx := context.Background()

	s.Insert(ctx, &storage.OutboxEntry{ID: "a", Status: storage.OutboxPending})
	s.MarkInProgress(ctx, []string{"a"})

	stuck, err := s.FetchStuck(ctx)
	if err != nil {
		t.Fatalf("fetch stuck: %v", err)
	}
	if len(stuck) != 1 {
		t.Fatalf("expected 1 stuck entry, got %d", len(stuck))
	}
	s.ResetStuck(ctx, []string{"a"})
	count, _ := s.CountPending(ctx)
	if count != 1 {
		t.Fatalf("expected reset entry pending, got count %d", count)
	}
}

func TestInboxStoreTryClaimOncePerKey(t *testing.T) {
	s := NewInboxStore()
	ctx := context.Background()
	entry := &storage.InboxEntry{MessageID: "m-1"}

	claimed, err := s.TryClaim(ctx, entry)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	claimed, err = s.TryClaim(ctx, entry)
	if err != nil || claimed {
		t.Fatalf("second claim must fail: claimed=%v err=%v", claimed, err)
	}
}

func TestInboxStoreCleanupOlderThan(t *testing.T) {
	s := NewInboxStore()
	ctx := context.Background()
	s.TryClaim(ctx, &storage.InboxEntry{MessageID: "old"})
	time.Sleep(2 * time.Millisecond)
	cutoff := time.Now()
	s.TryClaim(ctx, &storage.InboxEntry{MessageID: "new"})

	removed, err := s.CleanupOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := s.Get(ctx, "new"); err != nil {
		t.Fatalf("expected the newer entry to survive, got %v", err)
	}
}

func TestSagaRepositoryOptimisticLocking(t *testing.T) {
	s := NewSagaRepository()
	ctx := context.Background()

	inst := &storage.SagaInstance{ID: "s-1", CorrelationID: "corr-1", State: "Initial"}
	if err := s.Create(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.Version != 1 {
		t.Fatalf("expected Version=1 after create, got %d", inst.Version)
	}

	// Two writers read version 1; only the first update commits.
	a, _ := s.Get(ctx, "s-1")
	b, _ := s.Get(ctx, "s-1")

	a.State = "StateA"
	if err := s.Update(ctx, a, 1); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != 2 {
		t.Fatalf("expected winner Version=2, got %d", a.Version)
	}

	b.State = "StateB"
	if err := s.Update(ctx, b, 1); err != storage.ErrOptimisticLock {
		t.Fatalf("expected ErrOptimisticLock for the stale writer, got %v", err)
	}

	current, _ := s.Get(ctx, "s-1")
	if current.State != "StateA" || current.Version != 2 {
		t.Fatalf("expected StateA at Version=2, got %s at %d", current.State, current.Version)
	}
}

func TestSagaRepositoryRejectsDuplicateCorrelation(t *testing.T) {
	s := NewSagaRepository()
	ctx := context.Background()

	if err := s.Create(ctx, &storage.SagaInstance{ID: "s-1", CorrelationID: "corr-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, &storage.SagaInstance{ID: "s-2", CorrelationID: "corr-1"}); err != storage.ErrDuplicateKey {
		t.Fatalf("expected ErrDuplicateKey for the same correlation id, got %v", err)
	}
}

func TestSagaRepositoryFetchTimedOutSkipsCompleted(t *testing.T) {
	s := NewSagaRepository()
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	s.Create(ctx, &storage.SagaInstance{ID: "s-1", CorrelationID: "c-1", TimeoutAt: past})
	s.Create(ctx, &storage.SagaInstance{ID: "s-2", CorrelationID: "c-2", TimeoutAt: past, IsCompleted: true})
	s.Create(ctx, &storage.SagaInstance{ID: "s-3", CorrelationID: "c-3"})

	due, err := s.FetchTimedOut(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(due) != 1 || due[0].ID != "s-1" {
		t.Fatalf("expected only s-1 due, got %v", due)
	}
}

func TestScheduledMessageStoreLifecycle(t *testing.T) {
	s := NewScheduledMessageStore()
	ctx := context.Background()

	s.Insert(ctx, &storage.ScheduledMessage{ID: "due", DispatchAt: time.Now().Add(-time.Second)})
	s.Insert(ctx, &storage.ScheduledMessage{ID: "future", DispatchAt: time.Now().Add(time.Hour)})

	due, err := s.FetchDue(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("fetch due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("expected only the due message, got %v", due)
	}

	s.MarkDispatched(ctx, []string{"due"})
	again, _ := s.FetchDue(ctx, time.Now(), 10)
	if len(again) != 0 {
		t.Fatalf("expected no due messages after dispatch, got %d", len(again))
	}
}

func TestScheduledMessageStoreCancel(t *testing.T) {
	s := NewScheduledMessageStore()
	ctx := context.Background()

	s.Insert(ctx, &storage.ScheduledMessage{ID: "m-1", DispatchAt: time.Now().Add(-time.Second)})
	if err := s.Cancel(ctx, "m-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	due, _ := s.FetchDue(ctx, time.Now(), 10)
	if len(due) != 0 {
		t.Fatalf("expected cancelled message excluded from due fetch, got %d", len(due))
	}
	if err := s.Cancel(ctx, "missing"); err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestDeadLetterStoreRoundTrip(t *testing.T) {
	s := NewDeadLetterStore()
	ctx := context.Background()

	entry := &storage.DeadLetterEntry{SourceID: "outbox-1", Reason: "max retries exceeded", FailedAt: time.Now()}
	if err := s.Insert(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("expected Insert to assign an id")
	}

	listed, err := s.List(ctx, 10)
	if err != nil || len(listed) != 1 {
		t.Fatalf("list: %v (%d entries)", err, len(listed))
	}

	if err := s.Delete(ctx, entry.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, entry.ID); err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestQueueStorePriorityAndFIFO(t *testing.T) {
	s := NewQueueStore()
	ctx := context.Background()

	for i, p := range []int{0, 50, 0} {
		err := s.Enqueue(ctx, "work", &storage.QueueEntry{ID: string(rune('a' + i)), Priority: p})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		time.Sleep(time.Millisecond)
	}

	first, err := s.Dequeue(ctx, "work")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if first.ID != "b" {
		t.Fatalf("expected high-priority entry first, got %s", first.ID)
	}
	second, _ := s.Dequeue(ctx, "work")
	if second.ID != "a" {
		t.Fatalf("expected FIFO among equal priorities, got %s", second.ID)
	}
}

func TestQueueStoreLeaseBlocksSecondDequeue(t *testing.T) {
	s := NewQueueStoreWithLease(20 * time.Millisecond)
	ctx := context.Background()

	s.Enqueue(ctx, "work", &storage.QueueEntry{ID: "a"})

	e, err := s.Dequeue(ctx, "work")
	if err != nil || e == nil {
		t.Fatalf("dequeue: %v %v", e, err)
	}
	if again, _ := s.Dequeue(ctx, "work"); again != nil {
		t.Fatalf("expected leased entry invisible, got %s", again.ID)
	}

	time.Sleep(30 * time.Millisecond)
	redelivered, _ := s.Dequeue(ctx, "work")
	if redelivered == nil || redelivered.ID != "a" {
		t.Fatalf("expected redelivery after lease expiry")
	}
	if redelivered.DequeueCount != 2 {
		t.Fatalf("expected DequeueCount=2, got %d", redelivered.DequeueCount)
	}
}

func TestQueueStoreAcknowledgeRemoves(t *testing.T) {
	s := NewQueueStore()
	ctx := context.Background()

	s.Enqueue(ctx, "work", &storage.QueueEntry{ID: "a"})
	e, _ := s.Dequeue(ctx, "work")
	if err := s.Acknowledge(ctx, "work", e.ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	depth, _ := s.Depth(ctx, "work")
	if depth != 0 {
		t.Fatalf("expected empty queue after ack, depth=%d", depth)
	}
}

func TestQueueStoreRejectRequeueMakesVisible(t *testing.T) {
	s := NewQueueStore()
	ctx := context.Background()

	s.Enqueue(ctx, "work", &storage.QueueEntry{ID: "a"})
	e, _ := s.Dequeue(ctx, "work")
	if err := s.Reject(ctx, "work", e.ID, true); err != nil {
		t.Fatalf("reject: %v", err)
	}
	again, _ := s.Dequeue(ctx, "work")
	if again == nil || again.ID != "a" {
		t.Fatalf("expected rejected entry visible again")
	}

	if err := s.Reject(ctx, "work", e.ID, false); err != nil {
		t.Fatalf("reject drop: %v", err)
	}
	if gone, _ := s.Dequeue(ctx, "work"); gone != nil {
		t.Fatalf("expected dropped entry gone, got %s", gone.ID)
	}
}

func TestQueueStoreDeferredVisibility(t *testing.T) {
	s := NewQueueStore()
	ctx := context.Background()

	s.Enqueue(ctx, "work", &storage.QueueEntry{ID: "a", VisibleAt: time.Now().Add(25 * time.Millisecond)})
	if e, _ := s.Dequeue(ctx, "work"); e != nil {
		t.Fatalf("expected deferred entry invisible, got %s", e.ID)
	}
	time.Sleep(35 * time.Millisecond)
	if e, _ := s.Dequeue(ctx, "work"); e == nil {
		t.Fatalf("expected deferred entry visible after delay")
	}
}

func TestQueueStoreQueueLifecycle(t *testing.T) {
	s := NewQueueStore()
	ctx := context.Background()

	if err := s.CreateQueue(ctx, "orders"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateQueue(ctx, "orders"); err != storage.ErrDuplicateKey {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	exists, _ := s.QueueExists(ctx, "orders")
	if !exists {
		t.Fatalf("expected queue to exist")
	}
	s.CreateQueue(ctx, "billing")
	names, _ := s.ListQueues(ctx)
	if len(names) != 2 || names[0] != "billing" || names[1] != "orders" {
		t.Fatalf("unexpected queue list %v", names)
	}
	if err := s.DeleteQueue(ctx, "orders"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteQueue(ctx, "orders"); err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMessageStoreRoundTrip(t *testing.T) {
	s := NewMessageStore()
	ctx := context.Background()

	if err := s.Append(ctx, &storage.MessageRecord{MessageID: "m1", MessageType: "order.created", Payload: []byte("a")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, &storage.MessageRecord{MessageID: "m1"}); err != storage.ErrDuplicateKey {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	rec, err := s.Get(ctx, "m1")
	if err != nil || string(rec.Payload) != "a" {
		t.Fatalf("get: %v %v", rec, err)
	}
	exists, _ := s.Exists(ctx, "m1")
	if !exists {
		t.Fatalf("expected m1 to exist")
	}

	if err := s.Update(ctx, "m1", []byte("b")); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, _ = s.Get(ctx, "m1")
	if string(rec.Payload) != "b" {
		t.Fatalf("expected updated payload, got %q", rec.Payload)
	}

	if err := s.Delete(ctx, "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "m1"); err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMessageStoreQueryFiltersByType(t *testing.T) {
	s := NewMessageStore()
	ctx := context.Background()

	s.Append(ctx, &storage.MessageRecord{MessageID: "m1", MessageType: "order.created"})
	s.Append(ctx, &storage.MessageRecord{MessageID: "m2", MessageType: "order.shipped"})
	s.Append(ctx, &storage.MessageRecord{MessageID: "m3", MessageType: "order.created"})

	out, err := s.Query(ctx, storage.MessageFilter{MessageType: "order.created"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 order.created records, got %d", len(out))
	}
	count, _ := s.Count(ctx, storage.MessageFilter{})
	if count != 3 {
		t.Fatalf("expected total 3, got %d", count)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	count, _ = s.Count(ctx, storage.MessageFilter{})
	if count != 0 {
		t.Fatalf("expected empty store after clear, got %d", count)
	}
}

func TestDeadLetterStoreStatistics(t *testing.T) {
	s := NewDeadLetterStore()
	ctx := context.Background()

	s.Insert(ctx, &storage.DeadLetterEntry{MessageType: "a", Reason: "max retries exceeded", FailedAt: time.Now().Add(-time.Hour)})
	s.Insert(ctx, &storage.DeadLetterEntry{MessageType: "a", Reason: "max retries exceeded", FailedAt: time.Now()})
	s.Insert(ctx, &storage.DeadLetterEntry{MessageType: "b", Reason: "validation", FailedAt: time.Now()})

	count, _ := s.Count(ctx)
	if count != 3 {
		t.Fatalf("expected 3, got %d", count)
	}

	stats, err := s.Statistics(ctx)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Total != 3 || stats.ByReason["max retries exceeded"] != 2 || stats.ByMessageType["b"] != 1 {
		t.Fatalf("unexpected statistics %+v", stats)
	}
	if !stats.OldestFailedAt.Before(stats.NewestFailedAt) {
		t.Fatalf("expected oldest before newest")
	}
}

func TestInboxStoreFetchUnprocessed(t *testing.T) {
	s := NewInboxStore()
	ctx := context.Background()

	s.TryClaim(ctx, &storage.InboxEntry{MessageID: "m1"})
	s.TryClaim(ctx, &storage.InboxEntry{MessageID: "m2"})
	s.MarkProcessed(ctx, "m1")

	pending, err := s.FetchUnprocessed(ctx, 10)
	if err != nil {
		t.Fatalf("fetch unprocessed: %v", err)
	}
	if len(pending) != 1 || pending[0].MessageID != "m2" {
		t.Fatalf("expected only m2 pending, got %+v", pending)
	}
	count, _ := s.CountUnprocessed(ctx)
	if count != 1 {
		t.Fatalf("expected 1 unprocessed, got %d", count)
	}
}

func TestOutboxStoreFetchFailed(t *testing.T) {
	s := NewOutboxStore()
	ctx := context.Background()

	s.Insert(ctx, &storage.OutboxEntry{ID: "a", Status: storage.OutboxPending})
	s.Insert(ctx, &storage.OutboxEntry{ID: "b", Status: storage.OutboxPending})
	s.MarkStatus(ctx, []string{"b"}, storage.OutboxPermanent, "handler rejected")

	failed, err := s.FetchFailed(ctx, 10)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "b" || failed[0].ErrorMessage != "handler rejected" {
		t.Fatalf("unexpected failed entries %+v", failed)
	}
}
