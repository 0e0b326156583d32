package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/orderflow/internal/activity"
	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
)

// Activity names as recorded in the attempt log.
const (
	ActivityValidateOrder   = "validate_order"
	ActivityChargePayment   = "charge_payment"
	ActivityPreparePackage  = "prepare_package"
	ActivityDispatchCarrier = "dispatch_carrier"
)

// Tuning holds the numeric limits of the engine.
type Tuning struct {
	ActivityTimeout       time.Duration
	ApprovalTimeout       time.Duration
	ValidationMaxAttempts int
	PaymentMaxAttempts    int
	ShippingMaxAttempts   int
	InitialBackoff        time.Duration
	BackoffMultiplier     float64
	MaxBackoff            time.Duration
	BackoffJitter         float64
	MaxChargeAmount       float64
	LeaseTTL              time.Duration
	// RecentEvents is how many events GetStatus returns.
	RecentEvents int
}

// DefaultTuning returns the reference limits.
func DefaultTuning() Tuning {
	return Tuning{
		ActivityTimeout:       20 * time.Second,
		ApprovalTimeout:       3 * time.Minute,
		ValidationMaxAttempts: 1,
		PaymentMaxAttempts:    5,
		ShippingMaxAttempts:   10,
		InitialBackoff:        time.Second,
		BackoffMultiplier:     2,
		MaxBackoff:            30 * time.Second,
		MaxChargeAmount:       10000,
		LeaseTTL:              30 * time.Second,
		RecentEvents:          10,
	}
}

// withDefaults fills zero fields from DefaultTuning.
func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	if t.ActivityTimeout <= 0 {
		t.ActivityTimeout = d.ActivityTimeout
	}
	if t.ApprovalTimeout <= 0 {
		t.ApprovalTimeout = d.ApprovalTimeout
	}
	if t.ValidationMaxAttempts <= 0 {
		t.ValidationMaxAttempts = d.ValidationMaxAttempts
	}
	if t.PaymentMaxAttempts <= 0 {
		t.PaymentMaxAttempts = d.PaymentMaxAttempts
	}
	if t.ShippingMaxAttempts <= 0 {
		t.ShippingMaxAttempts = d.ShippingMaxAttempts
	}
	if t.InitialBackoff < 0 {
		t.InitialBackoff = 0
	}
	if t.BackoffMultiplier <= 0 {
		t.BackoffMultiplier = d.BackoffMultiplier
	}
	if t.MaxBackoff <= 0 {
		t.MaxBackoff = d.MaxBackoff
	}
	if t.MaxChargeAmount <= 0 {
		t.MaxChargeAmount = d.MaxChargeAmount
	}
	if t.LeaseTTL <= 0 {
		t.LeaseTTL = d.LeaseTTL
	}
	if t.RecentEvents <= 0 {
		t.RecentEvents = d.RecentEvents
	}
	return t
}

func (t Tuning) policy(maxAttempts int) activity.Policy {
	return activity.Policy{
		Timeout:           t.ActivityTimeout,
		MaxAttempts:       maxAttempts,
		InitialBackoff:    t.InitialBackoff,
		BackoffMultiplier: t.BackoffMultiplier,
		MaxBackoff:        t.MaxBackoff,
		Jitter:            t.BackoffJitter,
	}
}

// Config describes how to construct an Engine. Store, Queue, Payments and
// Carrier are required.
type Config struct {
	Store    persistence.Store
	Queue    taskqueue.Queue
	Payments api.PaymentGateway
	Carrier  api.Carrier
	Observer api.Observer
	Logger   *slog.Logger

	// Owner identifies this process in instance leases. A random id is
	// used when empty.
	Owner string

	// Tuning zero fields fall back to DefaultTuning.
	Tuning Tuning
}

// Engine drives orders and their shipments. Wake-up tasks are consumed
// through HandleTask, usually by a pkg/worker pool.
type Engine struct {
	store    persistence.Store
	queue    taskqueue.Queue
	payments api.PaymentGateway
	carrier  api.Carrier
	observer api.Observer
	logger   *slog.Logger
	owner    string
	tuning   Tuning

	exec *activity.Executor
	sup  *supervisor
	now  func() time.Time
}

var _ api.Engine = (*Engine)(nil)

// New creates an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("engine: store is required")
	case cfg.Queue == nil:
		return nil, errors.New("engine: queue is required")
	case cfg.Payments == nil:
		return nil, errors.New("engine: payment gateway is required")
	case cfg.Carrier == nil:
		return nil, errors.New("engine: carrier is required")
	}

	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	owner := cfg.Owner
	if owner == "" {
		owner = uuid.NewString()
	}

	return &Engine{
		store:    cfg.Store,
		queue:    cfg.Queue,
		payments: cfg.Payments,
		carrier:  cfg.Carrier,
		observer: obs,
		logger:   logger,
		owner:    owner,
		tuning:   cfg.Tuning.withDefaults(),
		exec: activity.New(cfg.Store,
			activity.WithObserver(obs),
			activity.WithLogger(logger),
		),
		sup: newSupervisor(),
		now: time.Now,
	}, nil
}

// StartOrder records the order with its order_received event and
// schedules the first advance. A duplicate id writes nothing.
func (e *Engine) StartOrder(ctx context.Context, req api.OrderRequest) (*api.StartResult, error) {
	if err := api.CheckRequest(req); err != nil {
		return nil, err
	}

	now := e.now()
	o := &api.Order{
		ID:        req.ID,
		State:     api.OrderPending,
		Address:   req.Address,
		Items:     append([]api.Item(nil), req.Items...),
		Amount:    api.OrderAmount(req.Items),
		CreatedAt: now,
		UpdatedAt: now,
	}

	inserted := false
	err := e.store.InTx(ctx, func(tx persistence.Tx) error {
		ok, err := tx.InsertOrder(ctx, o)
		if err != nil || !ok {
			return err
		}
		inserted = true
		return tx.AppendEvent(ctx, orderEvent(o, api.EventOrderReceived, api.Payload{
			"amount": o.Amount,
			"city":   o.Address.City,
		}, now))
	})
	if err != nil {
		return nil, fmt.Errorf("start order %s: %w", req.ID, err)
	}

	if !inserted {
		existing, err := e.store.GetOrder(ctx, req.ID)
		if err != nil {
			return nil, fmt.Errorf("load order %s: %w", req.ID, err)
		}
		// An earlier start may have committed the order but failed to
		// schedule it.
		if _, live := e.sup.lookup(req.ID); !live && !existing.State.Terminal() {
			e.sup.register(kindOrder, existing.ID)
			if err := e.wake(ctx, taskqueue.TaskAdvanceOrder, existing.ID); err != nil {
				e.sup.remove(existing.ID)
				return nil, err
			}
		}
		return &api.StartResult{Order: existing, Duplicate: true}, nil
	}

	e.logger.InfoContext(ctx, "order received",
		slog.String("order_id", o.ID),
		slog.Float64("amount", o.Amount),
	)
	e.observer.OnOrderStarted(ctx, o.Clone())

	e.sup.register(kindOrder, o.ID)
	if err := e.wake(ctx, taskqueue.TaskAdvanceOrder, o.ID); err != nil {
		// Not live, so starting the same id again schedules it.
		e.sup.remove(o.ID)
		return nil, err
	}
	return &api.StartResult{Order: o.Clone()}, nil
}

// HandleTask advances the instance named by t. It is safe to call
// concurrently; advancement of one instance is serialized.
func (e *Engine) HandleTask(ctx context.Context, t taskqueue.Task) error {
	switch t.Type {
	case taskqueue.TaskAdvanceOrder, taskqueue.TaskApprovalTimeout:
		return e.run(ctx, kindOrder, t.InstanceID)
	case taskqueue.TaskAdvanceShipment:
		return e.run(ctx, kindShipment, t.InstanceID)
	default:
		return fmt.Errorf("unknown task type %q", t.Type)
	}
}

func (e *Engine) wake(ctx context.Context, typ taskqueue.TaskType, id string) error {
	return e.wakeAt(ctx, typ, id, time.Time{})
}

func (e *Engine) wakeAt(ctx context.Context, typ taskqueue.TaskType, id string, at time.Time) error {
	if err := e.queue.Enqueue(ctx, taskqueue.NewTask(typ, id).At(at)); err != nil {
		return fmt.Errorf("schedule %s for %s: %w", typ, id, err)
	}
	return nil
}

func orderEvent(o *api.Order, typ api.EventType, payload api.Payload, at time.Time) *api.Event {
	return &api.Event{
		OrderID:    o.ID,
		InstanceID: o.ID,
		Type:       typ,
		Payload:    payload,
		At:         at,
	}
}
