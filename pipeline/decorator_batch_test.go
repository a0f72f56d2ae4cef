package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koalafacts/heromessaging-go/envelope"
)

func TestWithBatchRejectsZeroMaxSize(t *testing.T) {
	cfg := DefaultBatchConfig()
	cfg.MaxSize = 0
	if _, err := WithBatch(cfg); err == nil {
		t.Fatal("expected configuration error for MaxSize=0")
	}
}

func TestWithBatchRejectsZeroMaxInterval(t *testing.T) {
	cfg := DefaultBatchConfig()
	cfg.MaxInterval = 0
	if _, err := WithBatch(cfg); err == nil {
		t.Fatal("expected configuration error for MaxInterval=0")
	}
}

func TestWithBatchFlushesAtMaxSize(t *testing.T) {
	var invocations int32
	handler := ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) Outcome {
		atomic.AddInt32(&invocations, 1)
		return Success(nil)
	})

	decorator, err := WithBatch(BatchConfig{MaxSize: 2, MaxInterval: time.Second})
	if err != nil {
		t.Fatalf("WithBatch: %v", err)
	}
	chain := decorator(handler)

	results := make(chan Outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- chain.Process(context.Background(), envelope.New(envelope.KindEvent, i))
		}()
	}

	timeout := time.After(time.Second)
	for i := 0; i < 2; i++ {
		select {
		case outcome := <-results:
			if !outcome.IsSuccess() {
				t.Fatalf("expected success, got %v", outcome.Err())
			}
		case <-timeout:
			t.Fatal("batch never flushed at MaxSize")
		}
	}
}

func TestWithBatchAbortsRemainingOnFailureByDefault(t *testing.T) {
	decorator, err := WithBatch(BatchConfig{MaxSize: 3, MaxInterval: time.Second})
	if err != nil {
		t.Fatalf("WithBatch: %v", err)
	}

	handler := ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) Outcome {
		if env.Payload.(int) == 0 {
			return Failure(NewError(ErrKindPermanent, "BOOM", "deliberate failure"))
		}
		return Success(nil)
	})
	chain := decorator(handler)

	results := make([]chan Outcome, 3)
	for i := range results {
		results[i] = make(chan Outcome, 1)
	}
	// Submit in order so the failing message 0 is first in the batch and
	// messages 1 and 2 are the ones still awaiting dispatch after it.
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			results[i] <- chain.Process(context.Background(), envelope.New(envelope.KindEvent, i))
		}()
		time.Sleep(20 * time.Millisecond)
	}

	timeout := time.After(time.Second)
	outcomes := make([]Outcome, 3)
	for i := 0; i < 3; i++ {
		select {
		case outcomes[i] = <-results[i]:
		case <-timeout:
			t.Fatal("batch never flushed")
		}
	}

	if outcomes[0].IsSuccess() {
		t.Fatal("expected the deliberately failing message to fail")
	}
	for i := 1; i < 3; i++ {
		if outcomes[i].IsSuccess() {
			t.Fatalf("expected message %d to be aborted after an earlier failure, got success", i)
		}
	}
}
