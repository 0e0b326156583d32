package orderflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/petrijr/orderflow/internal/engine"
	"github.com/petrijr/orderflow/internal/gateway"
	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
	"github.com/petrijr/orderflow/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Order                = api.Order
	OrderState           = api.OrderState
	OrderRequest         = api.OrderRequest
	OrderStatus          = api.OrderStatus
	OrderListOptions     = api.OrderListOptions
	Address              = api.Address
	Item                 = api.Item
	Signal               = api.Signal
	SignalKind           = api.SignalKind
	SignalResult         = api.SignalResult
	Event                = api.Event
	Payment              = api.Payment
	Shipment             = api.Shipment
	Stats                = api.Stats
	HealthReport         = api.HealthReport
	ActivityPerformance  = api.ActivityPerformance
	ActivityAttempt      = api.ActivityAttempt
	RetrySummary         = api.RetrySummary
	PaymentGateway       = api.PaymentGateway
	Carrier              = api.Carrier
	ChargeRequest        = api.ChargeRequest
	ChargeReceipt        = api.ChargeReceipt
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// Tuning holds timeouts, attempt budgets and backoff settings.
	Tuning = engine.Tuning
	// WorkerConfig controls how the worker retries failed wake-up tasks.
	WorkerConfig = worker.Config

	// Behavior scripts a fake gateway.
	Behavior = gateway.Behavior
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	DefaultTuning        = engine.DefaultTuning
	Permanent            = api.Permanent

	// ParseBehavior reads "fail,fail,succeed" style outcome scripts.
	ParseBehavior = gateway.ParseBehavior
)

var (
	ErrOrderNotFound = api.ErrOrderNotFound
	ErrInvalidOrder  = api.ErrInvalidOrder
	ErrInvalidSignal = api.ErrInvalidSignal
)

const (
	SignalApprove       = api.SignalApprove
	SignalCancel        = api.SignalCancel
	SignalUpdateAddress = api.SignalUpdateAddress
)

const (
	StatePending          = api.OrderPending
	StateValidating       = api.OrderValidating
	StateValidated        = api.OrderValidated
	StateAwaitingApproval = api.OrderAwaitingApproval
	StateCharging         = api.OrderCharging
	StateSpawningShipment = api.OrderSpawningShipment
	StateCompleted        = api.OrderCompleted
	StateCancelled        = api.OrderCancelled
	StateFailed           = api.OrderFailed
)

// Options configures the engine inside a LocalRunner or WorkerBundle.
type Options struct {
	// Payments and Carrier default to fakes that always succeed.
	Payments PaymentGateway
	Carrier  Carrier

	Observer Observer
	Logger   *slog.Logger

	// Owner names this process in instance leases.
	Owner string

	// Zero fields fall back to DefaultTuning.
	Tuning Tuning
}

// NewFakePaymentGateway returns an in-process payment gateway that plays b
// and deduplicates charges by idempotency key. A nil b always succeeds.
func NewFakePaymentGateway(b Behavior) PaymentGateway {
	return gateway.NewPaymentGateway(b)
}

// NewFakeCarrier returns an in-process carrier playing prepare and
// dispatch for the two shipping steps.
func NewFakeCarrier(prepare, dispatch Behavior) Carrier {
	return gateway.NewCarrier(prepare, dispatch)
}

func newEngine(store persistence.Store, q taskqueue.Queue, opts Options) (*engine.Engine, error) {
	if opts.Payments == nil {
		opts.Payments = gateway.NewPaymentGateway(nil)
	}
	if opts.Carrier == nil {
		opts.Carrier = gateway.NewCarrier(nil, nil)
	}
	return engine.New(engine.Config{
		Store:    store,
		Queue:    q,
		Payments: opts.Payments,
		Carrier:  opts.Carrier,
		Observer: opts.Observer,
		Logger:   opts.Logger,
		Owner:    opts.Owner,
		Tuning:   opts.Tuning,
	})
}

// Convenience helpers that just forward to the underlying Engine.

// Approve releases an order waiting at the approval gate.
func Approve(ctx context.Context, eng Engine, id string) (*SignalResult, error) {
	return eng.Signal(ctx, id, Signal{Kind: SignalApprove})
}

// Cancel cancels an order that has not been charged yet.
func Cancel(ctx context.Context, eng Engine, id string) (*SignalResult, error) {
	return eng.Signal(ctx, id, Signal{Kind: SignalCancel})
}

// UpdateAddress replaces the shipping address of an order that has not
// been charged yet.
func UpdateAddress(ctx context.Context, eng Engine, id string, addr Address) (*SignalResult, error) {
	return eng.Signal(ctx, id, Signal{Kind: SignalUpdateAddress, Address: &addr})
}

// WaitForState polls the order until it reaches one of states, a terminal
// state, or ctx is done.
func WaitForState(ctx context.Context, eng Engine, id string, states ...OrderState) (*Order, error) {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		st, err := eng.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.Order.State.Terminal() {
			return st.Order, nil
		}
		for _, s := range states {
			if st.Order.State == s {
				return st.Order, nil
			}
		}
		select {
		case <-ctx.Done():
			return st.Order, ctx.Err()
		case <-t.C:
		}
	}
}
