package orderflow

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and a Worker
// to provide a simple "local runner" for development and tests.
//
// Typical usage:
//
//	runner, _ := orderflow.NewLocalRunner(orderflow.Options{})
//	_ = runner.StartWorkers(ctx, 4)
//	defer runner.Stop()
//
//	_, _ = runner.Engine.StartOrder(ctx, req)
//	_, _ = orderflow.WaitForState(ctx, runner.Engine, req.ID, orderflow.StateAwaitingApproval)
//	_, _ = orderflow.Approve(ctx, runner.Engine, req.ID)
//
// Nothing survives the process; use a WorkerBundle for durability.
type LocalRunner struct {
	// Engine is the in-memory order engine used by this runner.
	Engine Engine

	// Queue is the in-memory task queue used by the Worker.
	Queue taskqueue.Queue

	// Worker processes wake-up tasks from Queue using Engine.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory store,
// in-memory queue, and a Worker with default config.
func NewLocalRunner(opts Options) (*LocalRunner, error) {
	q := taskqueue.NewInMemoryQueue(1024)
	eng, err := newEngine(persistence.NewInMemoryStore(), q, opts)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: worker.NewWithConfig(eng, q, worker.Config{Logger: opts.Logger}),
	}, nil
}

// StartWorkers starts 'concurrency' worker goroutines that consume the
// queue until Stop is called.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("orderflow: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go func(done chan struct{}) {
		defer close(done)
		_ = r.Worker.Run(ctx, concurrency)
	}(r.done)

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	<-done
}
