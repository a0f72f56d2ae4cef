// Package queue implements in-process message queues: a backpressured
// channel queue and a disruptor-style ring buffer. Both are pure
// in-process data structures; cross-process transport is out of scope
// for this library.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/koalafacts/heromessaging-go/envelope"
)

// ErrFull is returned by a bounded queue's non-blocking Offer when at
// capacity.
var ErrFull = errors.New("queue: full")

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Item is a single queued unit: an envelope plus the visibility/lease
// metadata a consumer needs to ack/nack it.
type Item struct {
	Envelope    *envelope.Envelope
	EnqueuedAt  time.Time
	VisibleAt   time.Time // zero means immediately visible
	Priority    int       // higher delivers first within a priority band
	leaseToken  uint64
}

// Queue is the common contract both backends satisfy.
type Queue interface {
	// Offer enqueues item without blocking, returning ErrFull if the
	// queue is bounded and at capacity.
	Offer(item *Item) error

	// Put enqueues item, blocking until space is available or ctx is
	// cancelled.
	Put(ctx context.Context, item *Item) error

	// Take blocks until an item is visible and available, or ctx is
	// cancelled. The returned Lease must be Acked or Nacked by the
	// caller.
	Take(ctx context.Context) (*Item, Lease, error)

	// Len returns the current number of visible-or-pending items.
	Len() int

	// Close stops the queue; further Offer/Put/Take return ErrClosed.
	Close()
}

// Lease represents a consumer's claim on a dequeued Item.
type Lease interface {
	// Ack permanently removes the item from the queue.
	Ack()
	// Nack returns the item to the queue, visible again after delay (0
	// means immediately).
	Nack(delay time.Duration)
}

// OverflowPolicy controls Put's behavior when a bounded queue is full.
type OverflowPolicy int

const (
	// Block waits for space (Put's default behavior).
	Block OverflowPolicy = iota
	// DropWhenFull silently discards the oldest queued item to make room
	// for the new one instead of blocking.
	DropWhenFull
)
