package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/orderflow/internal/taskqueue"
)

// Handler processes one wake-up task. The engine implements it.
type Handler interface {
	HandleTask(ctx context.Context, t taskqueue.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t taskqueue.Task) error

func (f HandlerFunc) HandleTask(ctx context.Context, t taskqueue.Task) error { return f(ctx, t) }

// Config controls how failed tasks are retried.
type Config struct {
	// MaxAttempts caps how often one task is handled before it is dropped.
	// Zero means retry forever.
	MaxAttempts int

	// Backoff is the delay before the first retry; each later retry doubles
	// it up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// WorkerID names this worker in logs.
	WorkerID string

	Logger *slog.Logger
}

// Worker pulls tasks from a Queue and hands them to a Handler.
type Worker struct {
	handler Handler
	queue   taskqueue.Queue
	cfg     Config
	logger  *slog.Logger
}

// New creates a Worker that retries failed tasks forever with a one
// second backoff.
func New(h Handler, q taskqueue.Queue) *Worker {
	return NewWithConfig(h, q, Config{Backoff: time.Second})
}

// NewWithConfig creates a Worker with an explicit retry policy.
func NewWithConfig(h Handler, q taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerID != "" {
		logger = logger.With(slog.String("worker_id", cfg.WorkerID))
	}
	return &Worker{
		handler: h,
		queue:   q,
		cfg:     cfg,
		logger:  logger,
	}
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the Dequeue error
//     (usually the context's).
//   - processed == true: a task was handled; err is the handler's error.
//     A failed task has already been re-enqueued for a later retry unless
//     its attempts are exhausted.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	herr := w.handler.HandleTask(ctx, *task)
	if herr == nil {
		return true, nil
	}

	if ctx.Err() != nil {
		// Shutting down: put the task back untouched so a durable queue
		// keeps it for the next process.
		if err := w.queue.Enqueue(context.WithoutCancel(ctx), *task); err != nil {
			w.logger.Error("requeue on shutdown failed",
				slog.String("task_id", task.ID),
				slog.String("instance_id", task.InstanceID),
				slog.Any("error", err),
			)
		}
		return true, herr
	}

	retry := *task
	retry.Attempts++
	if w.cfg.MaxAttempts > 0 && retry.Attempts >= w.cfg.MaxAttempts {
		w.logger.ErrorContext(ctx, "task dropped after repeated failures",
			slog.String("task_id", task.ID),
			slog.String("type", string(task.Type)),
			slog.String("instance_id", task.InstanceID),
			slog.Int("attempts", retry.Attempts),
			slog.Any("error", herr),
		)
		return true, herr
	}

	delay := w.backoff(retry.Attempts)
	retry.NotBefore = time.Now().Add(delay)
	w.logger.WarnContext(ctx, "task failed, retrying",
		slog.String("task_id", task.ID),
		slog.String("type", string(task.Type)),
		slog.String("instance_id", task.InstanceID),
		slog.Int("attempts", retry.Attempts),
		slog.Duration("delay", delay),
		slog.Any("error", herr),
	)
	if err := w.queue.Enqueue(ctx, retry); err != nil {
		return true, errors.Join(herr, err)
	}
	return true, herr
}

func (w *Worker) backoff(attempts int) time.Duration {
	d := w.cfg.Backoff
	for i := 1; i < attempts && d < w.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, w.cfg.MaxBackoff)
}

// Run processes tasks with the given number of concurrent consumers until
// ctx is cancelled. Handler errors are logged and do not stop the pool.
func (w *Worker) Run(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(ctx)
				if ctx.Err() != nil {
					return nil
				}
				if !processed && err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}
