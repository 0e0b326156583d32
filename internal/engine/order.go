package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petrijr/orderflow/internal/activity"
	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
)

// advanceOrder moves the order forward from its persisted state until it
// suspends (approval gate, shipment wait) or terminates.
func (e *Engine) advanceOrder(ctx context.Context, inst *instance) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		o, err := e.store.GetOrder(ctx, inst.id)
		if err != nil {
			return err
		}
		if o.State.Terminal() {
			e.rejectQueued(ctx, inst, o)
			e.sup.remove(inst.id)
			return nil
		}

		more, err := e.stepOrder(ctx, inst, o)
		if errors.Is(err, persistence.ErrStaleState) {
			// Someone else moved the order; reload and continue.
			continue
		}
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// stepOrder performs one transition out of o.State. It returns false when
// the order is suspended.
func (e *Engine) stepOrder(ctx context.Context, inst *instance, o *api.Order) (bool, error) {
	switch o.State {
	case api.OrderPending:
		o, err := e.checkpoint(ctx, inst, o)
		if err != nil || o.State.Terminal() {
			return true, err
		}
		_, err = e.commit(ctx, o, func(n *api.Order) { n.State = api.OrderValidating }, "", nil)
		return true, err

	case api.OrderValidating:
		o, err := e.checkpoint(ctx, inst, o)
		if err != nil || o.State.Terminal() {
			return true, err
		}
		return true, e.validate(ctx, o)

	case api.OrderValidated:
		o, err := e.checkpoint(ctx, inst, o)
		if err != nil || o.State.Terminal() {
			return true, err
		}
		deadline := e.now().Add(e.tuning.ApprovalTimeout)
		_, err = e.commit(ctx, o, func(n *api.Order) {
			n.State = api.OrderAwaitingApproval
			n.ApprovalDeadline = deadline
		}, "", nil)
		return true, err

	case api.OrderAwaitingApproval:
		return e.gate(ctx, inst, o)

	case api.OrderCharging:
		e.rejectQueued(ctx, inst, o)
		return true, e.charge(ctx, o)

	case api.OrderSpawningShipment:
		e.rejectQueued(ctx, inst, o)
		return e.awaitShipment(ctx, o)
	}
	return false, fmt.Errorf("order %s: unexpected state %q", o.ID, o.State)
}

// checkpoint applies queued cancel and update_address signals in receipt
// order. It stops at the first approve, which waits for the gate.
func (e *Engine) checkpoint(ctx context.Context, inst *instance, o *api.Order) (*api.Order, error) {
	for {
		sig, ok := e.sup.peek(inst)
		if !ok || sig.Kind == api.SignalApprove {
			return o, nil
		}
		next, err := e.applySignal(ctx, o, sig)
		if err != nil {
			return o, err
		}
		e.sup.pop(inst)
		o = next
		if o.State.Terminal() {
			return o, nil
		}
	}
}

// gate waits for approve or cancel until the approval deadline.
func (e *Engine) gate(ctx context.Context, inst *instance, o *api.Order) (bool, error) {
	for {
		sig, ok := e.sup.peek(inst)
		if !ok {
			break
		}
		next, err := e.applySignal(ctx, o, sig)
		if err != nil {
			return true, err
		}
		e.sup.pop(inst)
		o = next
		if o.State != api.OrderAwaitingApproval {
			return true, nil
		}
	}

	if !e.now().Before(o.ApprovalDeadline) {
		_, err := e.commit(ctx, o, func(n *api.Order) {
			n.State = api.OrderCancelled
			n.Reason = api.ReasonApprovalTimeout
		}, api.EventOrderCancelled, api.Payload{
			"reason":   string(api.ReasonApprovalTimeout),
			"deadline": o.ApprovalDeadline.UTC().Format(time.RFC3339Nano),
		})
		return true, err
	}

	if e.sup.arm(inst) {
		if err := e.wakeAt(ctx, taskqueue.TaskApprovalTimeout, o.ID, o.ApprovalDeadline); err != nil {
			return false, err
		}
	}
	return false, nil
}

// applySignal persists the effect of one signal on a pre-charging order.
func (e *Engine) applySignal(ctx context.Context, o *api.Order, sig api.Signal) (*api.Order, error) {
	switch sig.Kind {
	case api.SignalUpdateAddress:
		addr := *sig.Address
		return e.commit(ctx, o, func(n *api.Order) { n.Address = addr }, api.EventAddressUpdated, api.Payload{
			"previous_city": o.Address.City,
			"city":          addr.City,
			"postal_code":   addr.PostalCode,
			"country":       addr.Country,
		})

	case api.SignalCancel:
		return e.commit(ctx, o, func(n *api.Order) {
			n.State = api.OrderCancelled
			n.Reason = api.ReasonCancelled
		}, api.EventOrderCancelled, api.Payload{
			"reason": string(api.ReasonCancelled),
			"state":  string(o.State),
		})

	case api.SignalApprove:
		now := e.now()
		return e.commit(ctx, o, func(n *api.Order) {
			n.State = api.OrderCharging
			n.ApprovedAt = now
		}, api.EventOrderApproved, api.Payload{
			"deadline": o.ApprovalDeadline.UTC().Format(time.RFC3339Nano),
		})
	}
	return o, fmt.Errorf("%w: unknown kind %q", api.ErrInvalidSignal, sig.Kind)
}

func (e *Engine) validate(ctx context.Context, o *api.Order) error {
	var next *api.Order
	_, err := e.exec.Execute(ctx, activity.Call{
		OrderID:  o.ID,
		Activity: ActivityValidateOrder,
		Input:    api.Payload{"amount": o.Amount},
		Policy:   e.tuning.policy(e.tuning.ValidationMaxAttempts),
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			if err := checkOrder(o, e.tuning.MaxChargeAmount); err != nil {
				return nil, api.Permanent(err)
			}
			return api.Payload{"amount": o.Amount}, nil
		},
		Commit: func(ctx context.Context, tx persistence.Tx, r activity.Result) error {
			ev := orderEvent(o, api.EventValidationPassed, api.Payload{"amount": o.Amount}, e.now())
			ev.Attempt = r.Attempt
			ev.ExecutionTime = r.Elapsed
			n, err := e.transition(ctx, tx, o, func(n *api.Order) { n.State = api.OrderValidated }, ev)
			next = n
			return err
		},
	})
	if err == nil {
		e.transitioned(ctx, next, o.State)
		return nil
	}
	if !finalFailure(ctx, err) {
		return err
	}
	return e.fail(ctx, o, api.ReasonValidationFailed, err)
}

// checkOrder enforces the business rules an order must meet before it can
// be approved.
func checkOrder(o *api.Order, maxAmount float64) error {
	var problems []string
	if !o.Address.Complete() {
		problems = append(problems, "address is incomplete")
	}
	if len(o.Items) == 0 {
		problems = append(problems, "order has no items")
	}
	for i, it := range o.Items {
		if strings.TrimSpace(it.SKU) == "" {
			problems = append(problems, fmt.Sprintf("item %d has no sku", i))
		}
		if it.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("item %d quantity must be positive", i))
		}
		if it.UnitPrice < 0 {
			problems = append(problems, fmt.Sprintf("item %d price is negative", i))
		}
	}
	if o.Amount <= 0 {
		problems = append(problems, "amount must be positive")
	}
	if o.Amount > maxAmount {
		problems = append(problems, fmt.Sprintf("amount %.2f exceeds limit %.2f", o.Amount, maxAmount))
	}
	if len(problems) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// PaymentKey is the idempotency key of one charge attempt.
func PaymentKey(orderID string, attempt int) string {
	return fmt.Sprintf("%s-payment-%d", orderID, attempt)
}

func (e *Engine) charge(ctx context.Context, o *api.Order) error {
	var next *api.Order
	_, err := e.exec.Execute(ctx, activity.Call{
		OrderID:  o.ID,
		Activity: ActivityChargePayment,
		Input:    api.Payload{"amount": o.Amount},
		Policy:   e.tuning.policy(e.tuning.PaymentMaxAttempts),
		Key:      func(n int) string { return PaymentKey(o.ID, n) },
		Lookup: func(ctx context.Context, key string) (api.Payload, bool, error) {
			p, err := e.store.GetPayment(ctx, key)
			if errors.Is(err, persistence.ErrNotFound) {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, err
			}
			if p.Status != api.PaymentCharged {
				return nil, false, nil
			}
			return api.Payload{"reference": p.GatewayRef}, true, nil
		},
		Prepare: func(ctx context.Context, tx persistence.Tx, key string, attempt int) error {
			now := e.now()
			return tx.UpsertPayment(ctx, api.Payment{
				IdempotencyKey: key,
				OrderID:        o.ID,
				Status:         api.PaymentPending,
				Amount:         o.Amount,
				Attempt:        attempt,
				RetryCount:     attempt - 1,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		},
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			receipt, err := e.payments.Charge(ctx, api.ChargeRequest{
				IdempotencyKey: key,
				OrderID:        o.ID,
				Amount:         o.Amount,
			})
			if err != nil {
				return nil, err
			}
			return api.Payload{"reference": receipt.Reference}, nil
		},
		Commit: func(ctx context.Context, tx persistence.Tx, r activity.Result) error {
			ref, _ := r.Output["reference"].(string)
			if err := e.settlePayment(ctx, tx, r.Key, func(p *api.Payment) {
				p.Status = api.PaymentCharged
				p.GatewayRef = ref
				p.LastError = ""
			}); err != nil {
				return err
			}
			ev := orderEvent(o, api.EventPaymentCharged, api.Payload{
				"amount":          o.Amount,
				"reference":       ref,
				"idempotency_key": r.Key,
			}, e.now())
			ev.Attempt = r.Attempt
			ev.ExecutionTime = r.Elapsed
			n, err := e.transition(ctx, tx, o, func(n *api.Order) { n.State = api.OrderSpawningShipment }, ev)
			next = n
			return err
		},
		Abort: func(ctx context.Context, tx persistence.Tx, key string, attempt int, cause error) error {
			return e.settlePayment(ctx, tx, key, func(p *api.Payment) {
				p.Status = api.PaymentFailed
				p.LastError = cause.Error()
			})
		},
	})
	if err == nil {
		e.logger.InfoContext(ctx, "payment charged",
			slog.String("order_id", o.ID),
			slog.Float64("amount", o.Amount),
		)
		e.transitioned(ctx, next, o.State)
		return nil
	}
	if !finalFailure(ctx, err) {
		return err
	}
	return e.fail(ctx, o, api.ReasonPaymentFailed, err)
}

// settlePayment updates the ledger row for key inside tx.
func (e *Engine) settlePayment(ctx context.Context, tx persistence.Tx, key string, mutate func(p *api.Payment)) error {
	p, err := tx.GetPayment(ctx, key)
	if err != nil {
		return fmt.Errorf("load payment %s: %w", key, err)
	}
	mutate(p)
	p.UpdatedAt = e.now()
	return tx.UpsertPayment(ctx, *p)
}

// awaitShipment creates the child shipment on first entry and suspends
// until it reaches a terminal state.
func (e *Engine) awaitShipment(ctx context.Context, o *api.Order) (bool, error) {
	id := api.ShipmentID(o.ID)
	s, err := e.store.GetShipment(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		now := e.now()
		s = &api.Shipment{
			ID:        id,
			OrderID:   o.ID,
			State:     api.ShipmentPreparing,
			Address:   o.Address,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = e.store.InTx(ctx, func(tx persistence.Tx) error {
			_, err := tx.InsertShipment(ctx, s)
			return err
		})
		if err != nil {
			return false, fmt.Errorf("create shipment %s: %w", id, err)
		}
		e.logger.InfoContext(ctx, "shipment spawned",
			slog.String("order_id", o.ID),
			slog.String("shipment_id", id),
		)
		e.sup.register(kindShipment, id)
		return false, e.wake(ctx, taskqueue.TaskAdvanceShipment, id)
	}
	if err != nil {
		return false, err
	}

	switch s.State {
	case api.ShipmentDelivered:
		_, err := e.commit(ctx, o, func(n *api.Order) { n.State = api.OrderCompleted }, "", nil)
		return true, err
	case api.ShipmentFailed:
		_, err := e.commit(ctx, o, func(n *api.Order) {
			n.State = api.OrderFailed
			n.Reason = api.ReasonShippingFailed
		}, api.EventOrderFailed, api.Payload{
			"reason": string(api.ReasonShippingFailed),
			"error":  s.Reason,
		})
		return true, err
	}

	// Wake the child on every pass. A wake-up lost to a queue error is
	// replaced when this pass is retried; duplicates are harmless.
	e.sup.register(kindShipment, id)
	return false, e.wake(ctx, taskqueue.TaskAdvanceShipment, id)
}

// fail moves o to OrderFailed with reason and records the cause.
func (e *Engine) fail(ctx context.Context, o *api.Order, reason api.Reason, cause error) error {
	_, err := e.commit(ctx, o, func(n *api.Order) {
		n.State = api.OrderFailed
		n.Reason = reason
	}, api.EventOrderFailed, api.Payload{
		"reason": string(reason),
		"state":  string(o.State),
		"error":  cause.Error(),
	})
	return err
}

// rejectQueued drops every signal left in the inbox of an order that no
// longer accepts them, recording a signal_rejected event for each.
func (e *Engine) rejectQueued(ctx context.Context, inst *instance, o *api.Order) {
	pending := e.sup.drain(inst)
	if len(pending) == 0 {
		return
	}
	now := e.now()
	err := e.store.InTx(ctx, func(tx persistence.Tx) error {
		for _, sig := range pending {
			err := tx.AppendEvent(ctx, orderEvent(o, api.EventSignalRejected, api.Payload{
				"signal": string(sig.Kind),
				"state":  string(o.State),
			}, now))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.logger.WarnContext(ctx, "recording rejected signals",
			slog.String("order_id", o.ID),
			slog.Any("error", err),
		)
	}
}

// commit persists a transition of o in its own transaction. An empty
// event type writes no event.
func (e *Engine) commit(ctx context.Context, o *api.Order, mutate func(*api.Order), typ api.EventType, payload api.Payload) (*api.Order, error) {
	var ev *api.Event
	if typ != "" {
		ev = orderEvent(o, typ, payload, e.now())
	}
	var next *api.Order
	err := e.store.InTx(ctx, func(tx persistence.Tx) error {
		n, err := e.transition(ctx, tx, o, mutate, ev)
		next = n
		return err
	})
	if err != nil {
		return o, err
	}
	e.transitioned(ctx, next, o.State)
	return next, nil
}

// transition writes mutate(o) if the stored order is still in o.State and
// appends ev in the same transaction.
func (e *Engine) transition(ctx context.Context, tx persistence.Tx, o *api.Order, mutate func(*api.Order), ev *api.Event) (*api.Order, error) {
	next := o.Clone()
	mutate(next)
	next.UpdatedAt = e.now()
	if err := tx.UpdateOrder(ctx, next, o.State); err != nil {
		return nil, err
	}
	if ev != nil {
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return nil, err
		}
	}
	return next, nil
}

func (e *Engine) transitioned(ctx context.Context, o *api.Order, from api.OrderState) {
	if o == nil {
		return
	}
	if o.State != from {
		e.logger.DebugContext(ctx, "order transition",
			slog.String("order_id", o.ID),
			slog.String("from", string(from)),
			slog.String("state", string(o.State)),
		)
		e.observer.OnTransition(ctx, o.Clone(), from)
	}
	if o.State.Terminal() && !from.Terminal() {
		e.observer.OnOrderFinished(ctx, o.Clone())
	}
}

// finalFailure reports whether an activity error should end the order, as
// opposed to aborting this advance so the wake-up is retried.
func finalFailure(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.Is(err, activity.ErrExhausted) || api.IsPermanent(err)
}
