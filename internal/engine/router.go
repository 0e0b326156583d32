package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
)

// Signal queues sig for a live order and wakes it. Signals for unknown,
// finished or already charging orders are not errors; they come back with
// Applied=false and a reason.
func (e *Engine) Signal(ctx context.Context, id string, sig api.Signal) (*api.SignalResult, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}

	o, err := e.store.GetOrder(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return rejected(ctx, e, id, sig, "order not found"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}

	inst, live := e.sup.lookup(id)
	switch {
	case o.State.Terminal():
		return rejected(ctx, e, id, sig, fmt.Sprintf("order is %s", o.State)), nil
	case !live || inst.kind != kindOrder:
		return rejected(ctx, e, id, sig, "order is not live in this process"), nil
	case !o.State.Mutable():
		return rejected(ctx, e, id, sig, fmt.Sprintf("order is %s", o.State)), nil
	case o.State == api.OrderAwaitingApproval && !e.now().Before(o.ApprovalDeadline):
		return rejected(ctx, e, id, sig, "approval deadline has passed"), nil
	}

	e.sup.push(inst, sig)
	if err := e.wake(ctx, taskqueue.TaskAdvanceOrder, id); err != nil {
		return nil, err
	}
	e.logger.DebugContext(ctx, "signal queued",
		slog.String("order_id", id),
		slog.String("signal", string(sig.Kind)),
	)
	return &api.SignalResult{Applied: true}, nil
}

func rejected(ctx context.Context, e *Engine, id string, sig api.Signal, reason string) *api.SignalResult {
	e.logger.InfoContext(ctx, "signal ignored",
		slog.String("order_id", id),
		slog.String("signal", string(sig.Kind)),
		slog.String("reason", reason),
	)
	return &api.SignalResult{Applied: false, Reason: reason}
}
