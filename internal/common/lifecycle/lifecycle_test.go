package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeService struct {
	name string

	mu      sync.Mutex
	started bool
	stopped bool
	health  error
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *fakeService) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *fakeService) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

func TestSupervisorRunStartsAndStopsAllServices(t *testing.T) {
	a := &fakeService{name: "a"}
	b := &fakeService{name: "b"}
	sup := NewSupervisor(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		bothStarted := a.started
		a.mu.Unlock()
		b.mu.Lock()
		bothStarted = bothStarted && b.started
		b.mu.Unlock()
		if bothStarted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if !a.stopped || !b.stopped {
		t.Fatalf("expected both services stopped, got a=%v b=%v", a.stopped, b.stopped)
	}
}

func TestSupervisorHealthAggregates(t *testing.T) {
	healthy := &fakeService{name: "healthy"}
	sick := &fakeService{name: "sick", health: errors.New("connection lost")}

	if err := NewSupervisor(healthy).Health(); err != nil {
		t.Fatalf("expected healthy supervisor, got %v", err)
	}
	if err := NewSupervisor(healthy, sick).Health(); err == nil {
		t.Fatal("expected the sick service to fail aggregation")
	}
}

func TestServiceFuncAdaptsFunctions(t *testing.T) {
	var started, stopped bool
	svc := NewServiceFunc("adapter",
		func(ctx context.Context) error { started = true; return nil },
		func(ctx context.Context) error { stopped = true; return nil },
	).WithHealth(func() error { return nil })

	if svc.Name() != "adapter" {
		t.Fatalf("unexpected name %q", svc.Name())
	}
	if err := svc.Start(context.Background()); err != nil || !started {
		t.Fatalf("start: err=%v started=%v", err, started)
	}
	if err := svc.Stop(context.Background()); err != nil || !stopped {
		t.Fatalf("stop: err=%v stopped=%v", err, stopped)
	}
	if err := svc.Health(); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestSupervisorTreeStartStop(t *testing.T) {
	tree := NewSupervisorTree(slog.Default(), DefaultTreeConfig())
	svc := &fakeService{name: "worker"}
	tree.AddStorageWorker(svc)

	ctx := context.Background()
	if err := tree.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		svc.mu.Lock()
		started := svc.started
		svc.mu.Unlock()
		if started {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := tree.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
