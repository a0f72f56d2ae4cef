package deadletter

import (
	"context"
	"testing"

	"github.com/koalafacts/heromessaging-go/storage"
	"github.com/koalafacts/heromessaging-go/storage/memstore"
)

func TestQueueSendAndList(t *testing.T) {
	q := New(memstore.NewDeadLetterStore())
	ctx := context.Background()

	if err := q.Send(ctx, "outbox-1", "order.created", []byte(`{"id":1}`), "max retries exceeded", 3); err != nil {
		t.Fatalf("send: %v", err)
	}

	entries, err := q.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.SourceID != "outbox-1" || e.Reason != "max retries exceeded" || e.RetryCount != 3 {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestQueueRequeueReturnsAndRemoves(t *testing.T) {
	q := New(memstore.NewDeadLetterStore())
	ctx := context.Background()

	q.Send(ctx, "outbox-1", "order.created", []byte("payload"), "boom", 1)
	entries, _ := q.List(ctx, 1)
	id := entries[0].ID

	entry, err := q.Requeue(ctx, id)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if string(entry.Payload) != "payload" {
		t.Fatalf("expected the original payload back, got %q", entry.Payload)
	}
	if remaining, _ := q.List(ctx, 10); len(remaining) != 0 {
		t.Fatalf("expected requeued entry removed, got %d remaining", len(remaining))
	}
}

func TestQueueDiscard(t *testing.T) {
	q := New(memstore.NewDeadLetterStore())
	ctx := context.Background()

	q.Send(ctx, "outbox-1", "order.created", nil, "boom", 1)
	entries, _ := q.List(ctx, 1)

	if err := q.Discard(ctx, entries[0].ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if err := q.Discard(ctx, entries[0].ID); err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound on double discard, got %v", err)
	}
}
