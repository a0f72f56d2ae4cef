package inbox

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koalafacts/heromessaging-go/envelope"
	"github.com/koalafacts/heromessaging-go/pipeline"
	"github.com/koalafacts/heromessaging-go/storage"
	"github.com/koalafacts/heromessaging-go/storage/memstore"
)

type dispatchFunc func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome

func (f dispatchFunc) Dispatch(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
	return f(ctx, env)
}

func TestProcessIncomingDeduplicatesByMessageID(t *testing.T) {
	store := memstore.NewInboxStore()
	var handlerCalls atomic.Int32
	p := New(DefaultConfig(), store, dispatchFunc(func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		handlerCalls.Add(1)
		return pipeline.Success(nil)
	}))

	env := envelope.New(envelope.KindEvent, "payload")
	ctx := context.Background()

	first, err := p.ProcessIncoming(ctx, env, Options{})
	if err != nil {
		t.Fatalf("first process: %v", err)
	}
	if first != ResultProcessed {
		t.Fatalf("expected first result Processed, got %v", first)
	}

	second, err := p.ProcessIncoming(ctx, env, Options{})
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if second != ResultDuplicate {
		t.Fatalf("expected second result Duplicate, got %v", second)
	}

	if got := handlerCalls.Load(); got != 1 {
		t.Fatalf("expected handler invoked once, got %d", got)
	}

	entry, err := store.Get(ctx, env.MessageID.String())
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.Status != storage.InboxProcessed {
		t.Fatalf("expected entry Processed, got %v", entry.Status)
	}
}

func TestProcessIncomingMarksFailedOnDispatchFailure(t *testing.T) {
	store := memstore.NewInboxStore()
	p := New(DefaultConfig(), store, dispatchFunc(func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		return pipeline.Failure(pipeline.NewError(pipeline.ErrKindPermanent, "BOOM", "handler failed"))
	}))

	env := envelope.New(envelope.KindEvent, "payload")
	result, err := p.ProcessIncoming(context.Background(), env, Options{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result != ResultFailed {
		t.Fatalf("expected ResultFailed, got %v", result)
	}

	entry, err := store.Get(context.Background(), env.MessageID.String())
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.Status != storage.InboxFailed {
		t.Fatalf("expected entry Failed, got %v", entry.Status)
	}
	if entry.ErrorMessage == "" {
		t.Fatal("expected the failure message to be recorded")
	}
}

func TestProcessIncomingScopesDedupeKeyBySource(t *testing.T) {
	store := memstore.NewInboxStore()
	var handlerCalls atomic.Int32
	p := New(DefaultConfig(), store, dispatchFunc(func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		handlerCalls.Add(1)
		return pipeline.Success(nil)
	}))

	env := envelope.New(envelope.KindEvent, "payload")
	ctx := context.Background()

	if r, _ := p.ProcessIncoming(ctx, env, Options{Source: "queue-a"}); r != ResultProcessed {
		t.Fatalf("expected queue-a delivery processed, got %v", r)
	}
	if r, _ := p.ProcessIncoming(ctx, env, Options{Source: "queue-b"}); r != ResultProcessed {
		t.Fatalf("expected queue-b delivery processed, got %v", r)
	}
	if r, _ := p.ProcessIncoming(ctx, env, Options{Source: "queue-a"}); r != ResultDuplicate {
		t.Fatalf("expected repeated queue-a delivery to dedupe, got %v", r)
	}
	if got := handlerCalls.Load(); got != 2 {
		t.Fatalf("expected 2 handler invocations, got %d", got)
	}
}

func TestProcessIncomingReprocessesOutsideIdempotencyWindow(t *testing.T) {
	store := memstore.NewInboxStore()
	var handlerCalls atomic.Int32
	p := New(DefaultConfig(), store, dispatchFunc(func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		handlerCalls.Add(1)
		return pipeline.Success(nil)
	}))

	env := envelope.New(envelope.KindEvent, "payload")
	ctx := context.Background()

	if r, _ := p.ProcessIncoming(ctx, env, Options{}); r != ResultProcessed {
		t.Fatalf("expected first delivery processed, got %v", r)
	}

	// A tiny window that has already elapsed: the entry no longer dedupes.
	time.Sleep(5 * time.Millisecond)
	r, err := p.ProcessIncoming(ctx, env, Options{IdempotencyWindow: time.Millisecond})
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if r != ResultProcessed {
		t.Fatalf("expected reprocessing outside the window, got %v", r)
	}
	if got := handlerCalls.Load(); got != 2 {
		t.Fatalf("expected 2 handler invocations, got %d", got)
	}
}

func TestCleanupRemovesOldEntries(t *testing.T) {
	store := memstore.NewInboxStore()
	p := New(Config{RetentionWindow: time.Millisecond, CleanupInterval: 10 * time.Millisecond}, store,
		dispatchFunc(func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
			return pipeline.Success(nil)
		}))

	env := envelope.New(envelope.KindEvent, "payload")
	ctx := context.Background()
	if _, err := p.ProcessIncoming(ctx, env, Options{}); err != nil {
		t.Fatalf("process: %v", err)
	}

	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.Get(ctx, env.MessageID.String()); err == storage.ErrNotFound {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected old entry to be cleaned up")
}
