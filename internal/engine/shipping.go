package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/orderflow/internal/activity"
	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
)

// shippingStep is one activity of the shipping process.
type shippingStep struct {
	activity string
	from     api.ShipmentState
	to       api.ShipmentState
	event    api.EventType
	run      func(ctx context.Context, key string, s api.Shipment) (api.Payload, error)
}

func (e *Engine) shippingSteps() map[api.ShipmentState]shippingStep {
	return map[api.ShipmentState]shippingStep{
		api.ShipmentPreparing: {
			activity: ActivityPreparePackage,
			from:     api.ShipmentPreparing,
			to:       api.ShipmentDispatching,
			event:    api.EventPackagePrepared,
			run: func(ctx context.Context, key string, s api.Shipment) (api.Payload, error) {
				if err := e.carrier.PreparePackage(ctx, key, s); err != nil {
					return nil, err
				}
				return api.Payload{}, nil
			},
		},
		api.ShipmentDispatching: {
			activity: ActivityDispatchCarrier,
			from:     api.ShipmentDispatching,
			to:       api.ShipmentDelivered,
			event:    api.EventCarrierDispatched,
			run: func(ctx context.Context, key string, s api.Shipment) (api.Payload, error) {
				tracking, err := e.carrier.Dispatch(ctx, key, s)
				if err != nil {
					return nil, err
				}
				return api.Payload{"tracking": tracking}, nil
			},
		},
	}
}

// advanceShipment runs the shipping steps in order. On a terminal state it
// wakes the parent order.
func (e *Engine) advanceShipment(ctx context.Context, inst *instance) error {
	steps := e.shippingSteps()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := e.store.GetShipment(ctx, inst.id)
		if err != nil {
			return err
		}
		if s.State.Terminal() {
			e.sup.remove(inst.id)
			return e.wake(ctx, taskqueue.TaskAdvanceOrder, s.OrderID)
		}

		step, ok := steps[s.State]
		if !ok {
			return fmt.Errorf("shipment %s: unexpected state %q", s.ID, s.State)
		}
		err = e.runShippingStep(ctx, s, step)
		if errors.Is(err, persistence.ErrStaleState) {
			continue
		}
		if err != nil {
			return err
		}
	}
}

func (e *Engine) runShippingStep(ctx context.Context, s *api.Shipment, step shippingStep) error {
	_, err := e.exec.Execute(ctx, activity.Call{
		OrderID:  s.OrderID,
		Activity: step.activity,
		Input:    api.Payload{"shipment_id": s.ID},
		Policy:   e.tuning.policy(e.tuning.ShippingMaxAttempts),
		Key:      func(n int) string { return fmt.Sprintf("%s-%s-%d", s.ID, step.activity, n) },
		Invoke: func(ctx context.Context, key string) (api.Payload, error) {
			return step.run(ctx, key, *s)
		},
		Commit: func(ctx context.Context, tx persistence.Tx, r activity.Result) error {
			payload := api.Payload{"shipment_id": s.ID}
			next := *s
			next.State = step.to
			if tracking, ok := r.Output["tracking"].(string); ok {
				next.Tracking = tracking
				payload["tracking"] = tracking
			}
			ev := shipmentEvent(s, step.event, payload, e.now())
			ev.Attempt = r.Attempt
			ev.ExecutionTime = r.Elapsed
			return e.transitionShipment(ctx, tx, &next, step.from, ev)
		},
	})
	if err == nil {
		e.logger.InfoContext(ctx, "shipment step completed",
			slog.String("order_id", s.OrderID),
			slog.String("shipment_id", s.ID),
			slog.String("activity", step.activity),
		)
		return nil
	}
	if !finalFailure(ctx, err) {
		return err
	}

	e.logger.ErrorContext(ctx, "shipment failed",
		slog.String("order_id", s.OrderID),
		slog.String("shipment_id", s.ID),
		slog.String("activity", step.activity),
		slog.Any("error", err),
	)
	return e.store.InTx(ctx, func(tx persistence.Tx) error {
		next := *s
		next.State = api.ShipmentFailed
		next.Reason = err.Error()
		return e.transitionShipment(ctx, tx, &next, s.State, shipmentEvent(s, api.EventShipmentFailed, api.Payload{
			"shipment_id": s.ID,
			"activity":    step.activity,
			"error":       err.Error(),
		}, e.now()))
	})
}

func (e *Engine) transitionShipment(ctx context.Context, tx persistence.Tx, next *api.Shipment, expected api.ShipmentState, ev *api.Event) error {
	next.UpdatedAt = e.now()
	if err := tx.UpdateShipment(ctx, next, expected); err != nil {
		return err
	}
	return tx.AppendEvent(ctx, ev)
}

func shipmentEvent(s *api.Shipment, typ api.EventType, payload api.Payload, at time.Time) *api.Event {
	return &api.Event{
		OrderID:    s.OrderID,
		InstanceID: s.ID,
		Type:       typ,
		Payload:    payload,
		At:         at,
	}
}
