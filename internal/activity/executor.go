// Package activity runs side-effecting steps with a per-attempt timeout,
// bounded retries, idempotency keys and a durable attempt log.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/pkg/api"
)

var (
	// ErrExhausted is returned when every allowed attempt failed. The last
	// attempt's error is wrapped as well.
	ErrExhausted = errors.New("activity attempts exhausted")

	// ErrTimeout marks an attempt abandoned at its deadline.
	ErrTimeout = errors.New("activity timed out")
)

// Call describes one activity execution. Only Invoke is required.
type Call struct {
	OrderID  string
	Activity string
	Input    api.Payload
	Policy   Policy

	// Key derives the idempotency key for an attempt number. Defaults to
	// "{OrderID}-{Activity}-{attempt}".
	Key func(attempt int) string

	// Lookup reports a result already committed under key, in which case
	// Invoke is skipped.
	Lookup func(ctx context.Context, key string) (api.Payload, bool, error)

	// Prepare runs in the transaction that records the attempt as started.
	Prepare func(ctx context.Context, tx persistence.Tx, key string, attempt int) error

	// Invoke performs the side effect. It must honor ctx; a call that does
	// not return by the deadline is abandoned and recorded as a timeout.
	Invoke func(ctx context.Context, key string) (api.Payload, error)

	// Commit runs in the transaction that records the attempt as
	// completed. It is where the caller persists the effect of success.
	Commit func(ctx context.Context, tx persistence.Tx, r Result) error

	// Abort runs in the transaction that records a failed attempt.
	Abort func(ctx context.Context, tx persistence.Tx, key string, attempt int, cause error) error
}

func (c Call) key(attempt int) string {
	if c.Key != nil {
		return c.Key(attempt)
	}
	return fmt.Sprintf("%s-%s-%d", c.OrderID, c.Activity, attempt)
}

// Result describes the successful attempt.
type Result struct {
	Output  api.Payload
	Attempt int
	Key     string
	Elapsed time.Duration
	// Replayed is true when no invocation happened because the result was
	// already recorded.
	Replayed bool
}

// Executor runs activities against a store.
type Executor struct {
	store    persistence.Store
	observer api.Observer
	logger   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithObserver reports every resolved attempt to obs.
func WithObserver(obs api.Observer) Option {
	return func(e *Executor) {
		if obs != nil {
			e.observer = obs
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an Executor that records attempts in store.
func New(store persistence.Store, opts ...Option) *Executor {
	e := &Executor{
		store:    store,
		observer: api.NoopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs c until an attempt succeeds, a permanent error occurs or the
// attempt budget is spent.
//
// Attempt numbers continue from the persisted log. An attempt still marked
// started (the process died mid-call, or its commit never landed) is rerun
// under the same number and therefore the same idempotency key.
//
// A logged permanent failure is returned again as a permanent error without
// invoking anything.
//
// If ctx is cancelled mid-attempt, Execute returns ctx.Err() and leaves the
// attempt in-doubt for the next run.
func (e *Executor) Execute(ctx context.Context, c Call) (*Result, error) {
	maxAttempts := c.Policy.maxAttempts()

	attempt, prior, err := e.resume(ctx, c)
	if err != nil {
		return nil, err
	}
	if prior != nil && prior.Status == api.AttemptCompleted {
		return e.replay(ctx, c, *prior)
	}

	var lastErr error
	if prior != nil {
		lastErr = errors.New(prior.Error)
		if prior.Permanent {
			return nil, api.Permanent(fmt.Errorf("%s attempt %d: %w", c.Activity, prior.Attempt, lastErr))
		}
	}
	if attempt > maxAttempts {
		return nil, e.exhausted(c, maxAttempts, lastErr)
	}

	bo := c.Policy.newBackOff()
	storeFailures := 0

	for attempt <= maxAttempts {
		key := c.key(attempt)
		startedAt := time.Now()

		if err := e.begin(ctx, c, attempt, key, startedAt); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			storeFailures++
			if storeFailures >= maxAttempts {
				return nil, fmt.Errorf("%s attempt %d: record start: %w", c.Activity, attempt, err)
			}
			e.logger.WarnContext(ctx, "activity store error, retrying",
				slog.String("order_id", c.OrderID),
				slog.String("activity", c.Activity),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			if err := sleep(ctx, bo); err != nil {
				return nil, err
			}
			continue
		}

		out, replayed, callErr := e.invoke(ctx, c, key)
		elapsed := time.Since(startedAt)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if callErr == nil {
			res := Result{Output: out, Attempt: attempt, Key: key, Elapsed: elapsed, Replayed: replayed}
			err := e.commit(ctx, c, res, startedAt)
			if err == nil {
				e.notify(ctx, c, attempt, api.AttemptCompleted, out, "", elapsed, startedAt)
				return &res, nil
			}
			if errors.Is(err, persistence.ErrStaleState) || ctx.Err() != nil {
				return nil, err
			}

			// The side effect happened but is not recorded. Retry under the
			// same attempt number so the collaborator sees the same key.
			storeFailures++
			if storeFailures >= maxAttempts {
				return nil, fmt.Errorf("%s attempt %d: commit: %w", c.Activity, attempt, err)
			}
			e.logger.WarnContext(ctx, "activity commit failed, retrying same attempt",
				slog.String("order_id", c.OrderID),
				slog.String("activity", c.Activity),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			if err := sleep(ctx, bo); err != nil {
				return nil, err
			}
			continue
		}

		lastErr = callErr
		status := api.AttemptFailed
		if errors.Is(callErr, ErrTimeout) {
			status = api.AttemptTimeout
		}
		if err := e.fail(ctx, c, attempt, key, status, callErr, elapsed, startedAt); err != nil {
			e.logger.ErrorContext(ctx, "recording failed attempt",
				slog.String("order_id", c.OrderID),
				slog.String("activity", c.Activity),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		}
		e.notify(ctx, c, attempt, status, nil, callErr.Error(), elapsed, startedAt)

		if api.IsPermanent(callErr) {
			return nil, callErr
		}
		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, bo); err != nil {
			return nil, err
		}
		attempt++
	}

	return nil, e.exhausted(c, maxAttempts, lastErr)
}

// resume picks the attempt number to run next from the persisted log and
// returns the latest attempt, if any.
func (e *Executor) resume(ctx context.Context, c Call) (int, *api.ActivityAttempt, error) {
	attempts, err := e.store.ListAttempts(ctx, persistence.AttemptFilter{OrderID: c.OrderID, Activity: c.Activity})
	if err != nil {
		return 0, nil, fmt.Errorf("load %s attempts: %w", c.Activity, err)
	}
	if len(attempts) == 0 {
		return 1, nil, nil
	}

	last := attempts[0]
	for _, a := range attempts[1:] {
		if a.Attempt > last.Attempt {
			last = a
		}
	}
	switch last.Status {
	case api.AttemptStarted:
		// In-doubt: rerun with the same key, don't count it twice.
		return last.Attempt, nil, nil
	case api.AttemptCompleted:
		return last.Attempt, &last, nil
	default:
		return last.Attempt + 1, &last, nil
	}
}

func (e *Executor) replay(ctx context.Context, c Call, prior api.ActivityAttempt) (*Result, error) {
	res := Result{
		Output:   prior.Output,
		Attempt:  prior.Attempt,
		Key:      c.key(prior.Attempt),
		Elapsed:  prior.ExecutionTime,
		Replayed: true,
	}
	if c.Commit != nil {
		err := e.store.InTx(ctx, func(tx persistence.Tx) error {
			return c.Commit(ctx, tx, res)
		})
		if err != nil {
			return nil, err
		}
	}
	return &res, nil
}

func (e *Executor) begin(ctx context.Context, c Call, attempt int, key string, startedAt time.Time) error {
	return e.store.InTx(ctx, func(tx persistence.Tx) error {
		err := tx.PutAttempt(ctx, api.ActivityAttempt{
			OrderID:   c.OrderID,
			Activity:  c.Activity,
			Attempt:   attempt,
			Status:    api.AttemptStarted,
			Input:     c.Input,
			StartedAt: startedAt,
		})
		if err != nil {
			return err
		}
		if c.Prepare != nil {
			return c.Prepare(ctx, tx, key, attempt)
		}
		return nil
	})
}

type outcome struct {
	out api.Payload
	err error
}

func (e *Executor) invoke(ctx context.Context, c Call, key string) (api.Payload, bool, error) {
	if c.Lookup != nil {
		out, ok, err := c.Lookup(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return out, true, nil
		}
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.Policy.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.Policy.Timeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%s panicked: %v", c.Activity, r)}
			}
		}()
		out, err := c.Invoke(callCtx, key)
		done <- outcome{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, false, fmt.Errorf("%w after %s: %w", ErrTimeout, c.Policy.Timeout, r.err)
		}
		return r.out, false, r.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("%w after %s", ErrTimeout, c.Policy.Timeout)
	}
}

func (e *Executor) commit(ctx context.Context, c Call, r Result, startedAt time.Time) error {
	return e.store.InTx(ctx, func(tx persistence.Tx) error {
		err := tx.PutAttempt(ctx, api.ActivityAttempt{
			OrderID:       c.OrderID,
			Activity:      c.Activity,
			Attempt:       r.Attempt,
			Status:        api.AttemptCompleted,
			Input:         c.Input,
			Output:        r.Output,
			ExecutionTime: r.Elapsed,
			StartedAt:     startedAt,
			CompletedAt:   time.Now(),
		})
		if err != nil {
			return err
		}
		if c.Commit != nil {
			return c.Commit(ctx, tx, r)
		}
		return nil
	})
}

func (e *Executor) fail(ctx context.Context, c Call, attempt int, key string, status api.AttemptStatus, cause error, elapsed time.Duration, startedAt time.Time) error {
	return e.store.InTx(ctx, func(tx persistence.Tx) error {
		err := tx.PutAttempt(ctx, api.ActivityAttempt{
			OrderID:       c.OrderID,
			Activity:      c.Activity,
			Attempt:       attempt,
			Status:        status,
			Input:         c.Input,
			Error:         cause.Error(),
			ExecutionTime: elapsed,
			StartedAt:     startedAt,
			CompletedAt:   time.Now(),
			Permanent:     api.IsPermanent(cause),
		})
		if err != nil {
			return err
		}
		if c.Abort != nil {
			return c.Abort(ctx, tx, key, attempt, cause)
		}
		return nil
	})
}

func (e *Executor) notify(ctx context.Context, c Call, attempt int, status api.AttemptStatus, out api.Payload, errMsg string, elapsed time.Duration, startedAt time.Time) {
	e.observer.OnActivityAttempt(ctx, api.ActivityAttempt{
		OrderID:       c.OrderID,
		Activity:      c.Activity,
		Attempt:       attempt,
		Status:        status,
		Input:         c.Input,
		Output:        out,
		Error:         errMsg,
		ExecutionTime: elapsed,
		StartedAt:     startedAt,
		CompletedAt:   startedAt.Add(elapsed),
	})
}

func (e *Executor) exhausted(c Call, attempts int, lastErr error) error {
	if lastErr == nil {
		return fmt.Errorf("%w: %s after %d attempts", ErrExhausted, c.Activity, attempts)
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrExhausted, c.Activity, attempts, lastErr)
}

func sleep(ctx context.Context, bo backoff.BackOff) error {
	d := bo.NextBackOff()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
