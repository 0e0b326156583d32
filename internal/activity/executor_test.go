package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/pkg/api"
)

type recordingObserver struct {
	api.NoopObserver
	mu       sync.Mutex
	attempts []api.ActivityAttempt
}

func (r *recordingObserver) OnActivityAttempt(ctx context.Context, a api.ActivityAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
}

func (r *recordingObserver) statuses() []api.AttemptStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.AttemptStatus, 0, len(r.attempts))
	for _, a := range r.attempts {
		out = append(out, a.Status)
	}
	return out
}

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		Timeout:        time.Second,
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func listAttempts(t *testing.T, store persistence.Store, activity string) []api.ActivityAttempt {
	t.Helper()
	attempts, err := store.ListAttempts(context.Background(), persistence.AttemptFilter{OrderID: "o-1", Activity: activity})
	require.NoError(t, err)
	return attempts
}

func TestExecute_SucceedsFirstTry(t *testing.T) {
	store := persistence.NewInMemoryStore()
	obs := &recordingObserver{}
	exec := New(store, WithObserver(obs))

	committed := false
	res, err := exec.Execute(context.Background(), Call{
		OrderID:  "o-1",
		Activity: "step",
		Input:    api.Payload{"n": 1},
		Policy:   fastPolicy(3),
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			return api.Payload{"key": key}, nil
		},
		Commit: func(ctx context.Context, tx persistence.Tx, r Result) error {
			committed = true
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, 1, res.Attempt)
	assert.Equal(t, "o-1-step-1", res.Key)
	assert.Equal(t, "o-1-step-1", res.Output["key"])
	assert.False(t, res.Replayed)

	attempts := listAttempts(t, store, "step")
	require.Len(t, attempts, 1)
	assert.Equal(t, api.AttemptCompleted, attempts[0].Status)
	assert.Equal(t, []api.AttemptStatus{api.AttemptCompleted}, obs.statuses())
}

func TestExecute_RetriesTransientFailuresWithNewKeys(t *testing.T) {
	store := persistence.NewInMemoryStore()
	exec := New(store)

	var keys []string
	res, err := exec.Execute(context.Background(), Call{
		OrderID:  "o-1",
		Activity: "charge",
		Policy:   fastPolicy(5),
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			keys = append(keys, key)
			if len(keys) < 3 {
				return nil, errors.New("gateway unavailable")
			}
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempt)
	assert.Equal(t, []string{"o-1-charge-1", "o-1-charge-2", "o-1-charge-3"}, keys)

	attempts := listAttempts(t, store, "charge")
	require.Len(t, attempts, 3)
	assert.Equal(t, api.AttemptFailed, attempts[0].Status)
	assert.Equal(t, "gateway unavailable", attempts[0].Error)
	assert.Equal(t, api.AttemptFailed, attempts[1].Status)
	assert.Equal(t, api.AttemptCompleted, attempts[2].Status)
}

func TestExecute_PermanentErrorStopsImmediately(t *testing.T) {
	store := persistence.NewInMemoryStore()
	exec := New(store)

	calls := 0
	aborted := 0
	_, err := exec.Execute(context.Background(), Call{
		OrderID:  "o-1",
		Activity: "validate",
		Policy:   fastPolicy(5),
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			calls++
			return nil, api.Permanent(errors.New("card declined"))
		},
		Abort: func(ctx context.Context, tx persistence.Tx, key string, attempt int, cause error) error {
			aborted++
			return nil
		},
	})
	require.Error(t, err)
	assert.True(t, api.IsPermanent(err))
	assert.False(t, errors.Is(err, ErrExhausted))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, aborted)
}

// A permanent failure survives a restart: the next run must not try again
// even though the attempt budget is not spent.
func TestExecute_LoggedPermanentFailureIsNotRetried(t *testing.T) {
	store := persistence.NewInMemoryStore()
	exec := New(store)
	ctx := context.Background()

	calls := 0
	call := Call{
		OrderID:  "o-1",
		Activity: "charge",
		Policy:   fastPolicy(5),
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			calls++
			if calls == 1 {
				return nil, api.Permanent(errors.New("card declined"))
			}
			return api.Payload{"ok": true}, nil
		},
	}

	_, err := exec.Execute(ctx, call)
	require.Error(t, err)
	require.True(t, api.IsPermanent(err))

	attempts := listAttempts(t, store, "charge")
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Permanent)

	_, err = New(store).Execute(ctx, call)
	require.Error(t, err)
	assert.True(t, api.IsPermanent(err))
	assert.ErrorContains(t, err, "card declined")
	assert.Equal(t, 1, calls)
	assert.Len(t, listAttempts(t, store, "charge"), 1)
}

func TestExecute_ExhaustionWrapsLastError(t *testing.T) {
	store := persistence.NewInMemoryStore()
	obs := &recordingObserver{}
	exec := New(store, WithObserver(obs))

	errBoom := errors.New("boom")
	calls := 0
	_, err := exec.Execute(context.Background(), Call{
		OrderID:  "o-1",
		Activity: "ship",
		Policy:   fastPolicy(3),
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			calls++
			return nil, errBoom
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
	assert.Len(t, listAttempts(t, store, "ship"), 3)
	assert.Equal(t, []api.AttemptStatus{api.AttemptFailed, api.AttemptFailed, api.AttemptFailed}, obs.statuses())

	// A later run with the budget already spent does not invoke again.
	_, err = exec.Execute(context.Background(), Call{
		OrderID:  "o-1",
		Activity: "ship",
		Policy:   fastPolicy(3),
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			calls++
			return nil, nil
		},
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 3, calls)
}

func TestExecute_TimeoutAbandonsStuckCall(t *testing.T) {
	store := persistence.NewInMemoryStore()
	exec := New(store)

	var calls atomic.Int32
	release := make(chan struct{})
	defer close(release)

	_, err := exec.Execute(context.Background(), Call{
		OrderID:  "o-1",
		Activity: "slow",
		Policy: Policy{
			Timeout:        20 * time.Millisecond,
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
		},
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			calls.Add(1)
			// Ignores ctx on purpose.
			<-release
			return nil, nil
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(2), calls.Load())

	attempts := listAttempts(t, store, "slow")
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		assert.Equal(t, api.AttemptTimeout, a.Status)
	}
}

func TestExecute_ResumesInDoubtAttemptWithSameKey(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	require.NoError(t, store.InTx(ctx, func(tx persistence.Tx) error {
		if err := tx.PutAttempt(ctx, api.ActivityAttempt{
			OrderID: "o-1", Activity: "charge", Attempt: 1,
			Status: api.AttemptFailed, Error: "declined", StartedAt: time.Now(),
		}); err != nil {
			return err
		}
		return tx.PutAttempt(ctx, api.ActivityAttempt{
			OrderID: "o-1", Activity: "charge", Attempt: 2,
			Status: api.AttemptStarted, StartedAt: time.Now(),
		})
	}))

	exec := New(store)
	var keys []string
	res, err := exec.Execute(ctx, Call{
		OrderID:  "o-1",
		Activity: "charge",
		Policy:   fastPolicy(5),
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			keys = append(keys, key)
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempt)
	assert.Equal(t, []string{"o-1-charge-2"}, keys)
	assert.Len(t, listAttempts(t, store, "charge"), 2)
}

func TestExecute_CommitFailureRetriesSameAttempt(t *testing.T) {
	store := persistence.NewInMemoryStore()
	exec := New(store)

	var keys []string
	commits := 0
	res, err := exec.Execute(context.Background(), Call{
		OrderID:  "o-1",
		Activity: "charge",
		Policy:   fastPolicy(5),
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			keys = append(keys, key)
			return nil, nil
		},
		Commit: func(ctx context.Context, tx persistence.Tx, r Result) error {
			commits++
			if commits == 1 {
				return errors.New("database is locked")
			}
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempt)
	assert.Equal(t, []string{"o-1-charge-1", "o-1-charge-1"}, keys)

	attempts := listAttempts(t, store, "charge")
	require.Len(t, attempts, 1)
	assert.Equal(t, api.AttemptCompleted, attempts[0].Status)
}

func TestExecute_StaleCommitIsReturned(t *testing.T) {
	store := persistence.NewInMemoryStore()
	exec := New(store)

	_, err := exec.Execute(context.Background(), Call{
		OrderID:  "o-1",
		Activity: "charge",
		Policy:   fastPolicy(5),
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			return nil, nil
		},
		Commit: func(ctx context.Context, tx persistence.Tx, r Result) error {
			return persistence.ErrStaleState
		},
	})
	assert.ErrorIs(t, err, persistence.ErrStaleState)
}

func TestExecute_LookupSkipsInvoke(t *testing.T) {
	store := persistence.NewInMemoryStore()
	exec := New(store)

	var calls atomic.Int32
	res, err := exec.Execute(context.Background(), Call{
		OrderID:  "o-1",
		Activity: "charge",
		Policy:   fastPolicy(5),
		Lookup: func(ctx context.Context, key string) (api.Payload, bool, error) {
			return api.Payload{"ref": "r-1"}, true, nil
		},
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			calls.Add(1)
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.Zero(t, calls.Load())
	assert.True(t, res.Replayed)
	assert.Equal(t, "r-1", res.Output["ref"])
}

func TestExecute_CompletedAttemptReplaysCommit(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	require.NoError(t, store.InTx(ctx, func(tx persistence.Tx) error {
		return tx.PutAttempt(ctx, api.ActivityAttempt{
			OrderID: "o-1", Activity: "prepare", Attempt: 2,
			Status: api.AttemptCompleted, Output: api.Payload{"ok": true}, StartedAt: time.Now(),
		})
	}))

	exec := New(store)
	var got Result
	calls := 0
	res, err := exec.Execute(ctx, Call{
		OrderID:  "o-1",
		Activity: "prepare",
		Policy:   fastPolicy(5),
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			calls++
			return nil, nil
		},
		Commit: func(ctx context.Context, tx persistence.Tx, r Result) error {
			got = r
			return nil
		},
	})
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.True(t, res.Replayed)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, true, got.Output["ok"])
}

func TestExecute_CancelledContextLeavesAttemptInDoubt(t *testing.T) {
	store := persistence.NewInMemoryStore()
	exec := New(store)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := exec.Execute(ctx, Call{
		OrderID:  "o-1",
		Activity: "charge",
		Policy:   fastPolicy(5),
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	assert.ErrorIs(t, err, context.Canceled)

	attempts := listAttempts(t, store, "charge")
	require.Len(t, attempts, 1)
	assert.Equal(t, api.AttemptStarted, attempts[0].Status)
}

func TestExecute_CustomKeyAndPrepare(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	exec := New(store)

	var prepared []string
	_, err := exec.Execute(ctx, Call{
		OrderID:  "o-1",
		Activity: "charge_payment",
		Policy:   fastPolicy(2),
		Key:      func(n int) string { return fmt.Sprintf("o-1-payment-%d", n) },
		Prepare: func(ctx context.Context, tx persistence.Tx, key string, attempt int) error {
			prepared = append(prepared, key)
			return nil
		},
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			if key == "o-1-payment-1" {
				return nil, errors.New("timeout talking to gateway")
			}
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"o-1-payment-1", "o-1-payment-2"}, prepared)
}

func TestPolicy_BackoffGrowsAndCaps(t *testing.T) {
	bo := Policy{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 35 * time.Millisecond}.newBackOff()

	assert.Equal(t, 10*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 35*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 35*time.Millisecond, bo.NextBackOff())
}
