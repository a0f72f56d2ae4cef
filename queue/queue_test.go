package queue

import (
	"context"
	"testing"
	"time"

	"github.com/koalafacts/heromessaging-go/envelope"
)

func TestChannelQueueFIFOOrdering(t *testing.T) {
	q := NewChannelQueue(10, Block)
	defer q.Close()

	for i := 0; i < 3; i++ {
		env := envelope.New(envelope.KindEvent, i)
		if err := q.Offer(&Item{Envelope: env, EnqueuedAt: time.Now()}); err != nil {
			t.Fatalf("offer: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		item, lease, err := q.Take(ctx)
		if err != nil {
			t.Fatalf("take: %v", err)
		}
		if got := item.Envelope.Payload.(int); got != i {
			t.Fatalf("expected payload %d, got %d", i, got)
		}
		lease.Ack()
	}
}

func TestChannelQueueOfferFullReturnsErrFull(t *testing.T) {
	q := NewChannelQueue(1, Block)
	defer q.Close()

	_ = q.Offer(&Item{Envelope: envelope.New(envelope.KindEvent, 1), EnqueuedAt: time.Now()})
	if err := q.Offer(&Item{Envelope: envelope.New(envelope.KindEvent, 2), EnqueuedAt: time.Now()}); err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestRingQueuePublishAndConsume(t *testing.T) {
	r, err := NewRingQueue(8, BusySpin)
	if err != nil {
		t.Fatalf("new ring queue: %v", err)
	}
	defer r.Close()

	for i := 0; i < 5; i++ {
		if err := r.Offer(&Item{Envelope: envelope.New(envelope.KindEvent, i)}); err != nil {
			t.Fatalf("offer: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		item, _, err := r.Take(ctx)
		if err != nil {
			t.Fatalf("take: %v", err)
		}
		if got := item.Envelope.Payload.(int); got != i {
			t.Fatalf("expected payload %d, got %d", i, got)
		}
	}
}

func TestRingQueueFullReturnsErrRingFull(t *testing.T) {
	r, err := NewRingQueue(2, BusySpin)
	if err != nil {
		t.Fatalf("new ring queue: %v", err)
	}
	defer r.Close()

	for i := 0; i < 2; i++ {
		if err := r.Offer(&Item{Envelope: envelope.New(envelope.KindEvent, i)}); err != nil {
			t.Fatalf("offer %d: %v", i, err)
		}
	}
	if err := r.Offer(&Item{Envelope: envelope.New(envelope.KindEvent, 99)}); err != ErrRingFull {
		t.Fatalf("expected ErrRingFull, got %v", err)
	}
}

func TestNewRingQueueRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := NewRingQueue(3, BusySpin); err != ErrRingConfiguration {
		t.Fatalf("expected ErrRingConfiguration, got %v", err)
	}
	if _, err := NewRingQueue(0, BusySpin); err != ErrRingConfiguration {
		t.Fatalf("expected ErrRingConfiguration, got %v", err)
	}
}

func TestRingQueueHigherPriorityDrainsFirst(t *testing.T) {
	r, err := NewRingQueue(4, BusySpin)
	if err != nil {
		t.Fatalf("new ring queue: %v", err)
	}
	defer r.Close()

	if err := r.Offer(&Item{Envelope: envelope.New(envelope.KindEvent, "low"), Priority: 0}); err != nil {
		t.Fatalf("offer low: %v", err)
	}
	if err := r.Offer(&Item{Envelope: envelope.New(envelope.KindEvent, "high"), Priority: 90}); err != nil {
		t.Fatalf("offer high: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	item, _, err := r.Take(ctx)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if got := item.Envelope.Payload.(string); got != "high" {
		t.Fatalf("expected high-priority item to drain first, got %q", got)
	}
}

func TestChannelQueueLeaseExpiryRedelivers(t *testing.T) {
	q := NewChannelQueueWithLease(10, Block, 20*time.Millisecond)
	defer q.Close()

	if err := q.Offer(&Item{Envelope: envelope.New(envelope.KindEvent, "x"), EnqueuedAt: time.Now()}); err != nil {
		t.Fatalf("offer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	item, _, err := q.Take(ctx)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	// Never ack; after the lease lapses the item must come back.
	time.Sleep(30 * time.Millisecond)

	again, lease, err := q.Take(ctx)
	if err != nil {
		t.Fatalf("take after lease expiry: %v", err)
	}
	if again.Envelope.MessageID != item.Envelope.MessageID {
		t.Fatalf("expected the unacked item redelivered")
	}
	lease.Ack()
}

func TestChannelQueueAckPreventsRedelivery(t *testing.T) {
	q := NewChannelQueueWithLease(10, Block, 10*time.Millisecond)
	defer q.Close()

	_ = q.Offer(&Item{Envelope: envelope.New(envelope.KindEvent, "x"), EnqueuedAt: time.Now()})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, lease, err := q.Take(ctx)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	lease.Ack()
	time.Sleep(20 * time.Millisecond)

	if _, _, err := q.Take(ctx); err == nil {
		t.Fatalf("expected no redelivery after ack")
	}
}

func TestRingQueueSingleProducerOrdering(t *testing.T) {
	r, err := NewRingQueueWithMode(8, BusySpin, SingleProducer)
	if err != nil {
		t.Fatalf("new ring queue: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		for i := 1; i <= 100; i++ {
			if err := r.Put(ctx, &Item{Envelope: envelope.New(envelope.KindEvent, i)}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 1; i <= 100; i++ {
		item, _, err := r.Take(ctx)
		if err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
		if got := item.Envelope.Payload.(int); got != i {
			t.Fatalf("expected %d in order, got %d", i, got)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("producer: %v", err)
	}
}
