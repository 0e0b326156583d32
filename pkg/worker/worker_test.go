package worker

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/orderflow/internal/taskqueue"
)

func TestWorker_ProcessOneHandlesTask(t *testing.T) {
	ctx := context.Background()
	q := taskqueue.NewInMemoryQueue(10)

	var got []string
	w := New(HandlerFunc(func(ctx context.Context, task taskqueue.Task) error {
		got = append(got, task.InstanceID)
		return nil
	}), q)

	require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask(taskqueue.TaskAdvanceOrder, "o-1")))

	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []string{"o-1"}, got)
	assert.Zero(t, q.Len())
}

func TestWorker_FailedTaskIsRescheduledWithBackoff(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}

	var calls atomic.Int32
	backoff := 30 * time.Millisecond
	w := NewWithConfig(HandlerFunc(func(ctx context.Context, task taskqueue.Task) error {
		if calls.Add(1) < 2 {
			return errors.New("database is locked")
		}
		return nil
	}), q, Config{MaxAttempts: 3, Backoff: backoff})

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask(taskqueue.TaskAdvanceOrder, "o-1")))

	start := time.Now()
	processed, err := w.ProcessOne(ctx)
	require.Error(t, err)
	require.True(t, processed)
	assert.Equal(t, 1, q.Len())

	processed, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), backoff)
	assert.Zero(t, q.Len())
}

func TestWorker_DropsTaskAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q := taskqueue.NewInMemoryQueue(10)

	var calls atomic.Int32
	w := NewWithConfig(HandlerFunc(func(ctx context.Context, task taskqueue.Task) error {
		calls.Add(1)
		return errors.New("boom")
	}), q, Config{MaxAttempts: 2, Backoff: time.Millisecond})

	require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask(taskqueue.TaskAdvanceOrder, "o-1")))

	for i := 0; i < 2; i++ {
		processed, err := w.ProcessOne(ctx)
		require.True(t, processed)
		require.Error(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, q.Len())
}

func TestWorker_RequeuesTaskOnShutdown(t *testing.T) {
	q := taskqueue.NewInMemoryQueue(10)
	ctx, cancel := context.WithCancel(context.Background())

	w := New(HandlerFunc(func(ctx context.Context, task taskqueue.Task) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}), q)

	task := taskqueue.NewTask(taskqueue.TaskAdvanceShipment, "ship-o-1")
	require.NoError(t, q.Enqueue(context.Background(), task))

	processed, err := w.ProcessOne(ctx)
	assert.True(t, processed)
	assert.ErrorIs(t, err, context.Canceled)

	dctx, dcancel := context.WithTimeout(context.Background(), time.Second)
	defer dcancel()
	back, err := q.Dequeue(dctx)
	require.NoError(t, err)
	assert.Equal(t, task.ID, back.ID)
	assert.Zero(t, back.Attempts)
}

func TestWorker_RunUsesConcurrentConsumers(t *testing.T) {
	q := taskqueue.NewInMemoryQueue(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		active  int
		peak    int
		handled atomic.Int32
	)
	release := make(chan struct{})
	w := New(HandlerFunc(func(ctx context.Context, task taskqueue.Task) error {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()

		select {
		case <-release:
		case <-ctx.Done():
		}

		mu.Lock()
		active--
		mu.Unlock()
		handled.Add(1)
		return nil
	}), q)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask(taskqueue.TaskAdvanceOrder, "o")))
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, 3) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return peak == 3
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return handled.Load() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func TestWorker_BackoffDoublesAndCaps(t *testing.T) {
	w := NewWithConfig(nil, nil, Config{Backoff: 10 * time.Millisecond, MaxBackoff: 35 * time.Millisecond})

	assert.Equal(t, 10*time.Millisecond, w.backoff(1))
	assert.Equal(t, 20*time.Millisecond, w.backoff(2))
	assert.Equal(t, 35*time.Millisecond, w.backoff(3))
	assert.Equal(t, 35*time.Millisecond, w.backoff(8))
}
