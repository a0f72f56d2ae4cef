package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig bounds the supervisor tree's restart behavior.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultTreeConfig matches suture's own built-in defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// SupervisorTree runs this library's background workers (outbox,
// inbox cleanup, scheduler, saga timeout handler, queue consumers)
// under a suture supervisor tree with separate storage and processing
// branches.
type SupervisorTree struct {
	root       *suture.Supervisor
	storage    *suture.Supervisor
	processing *suture.Supervisor

	cancel context.CancelFunc
	done   <-chan error
}

// NewSupervisorTree builds a two-layer tree: storage-facing workers
// (outbox poller, inbox cleanup, scheduler claim loop) in one branch,
// processing workers (saga timeout handler, queue consumers) in the
// other, so a crash in one branch's failure-backoff window doesn't
// starve the other.
func NewSupervisorTree(logger *slog.Logger, cfg TreeConfig) *SupervisorTree {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5.0
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30.0
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logger}
	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	root := suture.New("heromessaging", rootSpec)
	storage := suture.New("storage-workers", childSpec)
	processing := suture.New("processing-workers", childSpec)

	root.Add(storage)
	root.Add(processing)

	return &SupervisorTree{root: root, storage: storage, processing: processing}
}

// AddStorageWorker adds svc (adapted via AsSutureService) to the
// storage-facing branch: outbox, inbox cleanup, scheduler.
func (t *SupervisorTree) AddStorageWorker(svc Service) suture.ServiceToken {
	return t.storage.Add(AsSutureService(svc))
}

// AddProcessingWorker adds svc to the processing branch: saga timeout
// handler, queue consumers.
func (t *SupervisorTree) AddProcessingWorker(svc Service) suture.ServiceToken {
	return t.processing.Add(AsSutureService(svc))
}

// Serve runs the tree until ctx is cancelled.
func (t *SupervisorTree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// Start launches the tree in the background; Stop cancels it and waits
// for the supervisor to wind down. For callers that want the tree to
// own the process lifetime instead, use Serve directly.
func (t *SupervisorTree) Start(ctx context.Context) error {
	treeCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = t.root.ServeBackground(treeCtx)
	return nil
}

// Stop cancels a Start-launched tree and waits for it to exit or for
// ctx's deadline.
func (t *SupervisorTree) Stop(ctx context.Context) error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	t.cancel = nil
	select {
	case err := <-t.done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeBackground starts the tree in the background, returning a
// channel that receives its terminal error.
func (t *SupervisorTree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// sutureServiceAdapter adapts this package's Service interface (which
// has separate Start/Stop methods) to suture.Service's single blocking
// Serve(ctx) method.
type sutureServiceAdapter struct {
	svc Service
}

// AsSutureService wraps svc so it can be added directly to a
// suture.Supervisor.
func AsSutureService(svc Service) suture.Service {
	return &sutureServiceAdapter{svc: svc}
}

func (a *sutureServiceAdapter) Serve(ctx context.Context) error {
	if err := a.svc.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.svc.Stop(stopCtx)
}
