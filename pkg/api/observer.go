package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; they are invoked on
// the goroutine that advances the order.
type Observer interface {
	// OnOrderStarted is called once when a new order is recorded.
	OnOrderStarted(ctx context.Context, o *Order)

	// OnTransition is called after every persisted state change.
	OnTransition(ctx context.Context, o *Order, from OrderState)

	// OnActivityAttempt is called when an activity attempt resolves,
	// successfully or not.
	OnActivityAttempt(ctx context.Context, a ActivityAttempt)

	// OnOrderFinished is called when an order reaches a terminal state.
	OnOrderFinished(ctx context.Context, o *Order)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnOrderStarted(ctx context.Context, o *Order)                {}
func (NoopObserver) OnTransition(ctx context.Context, o *Order, from OrderState) {}
func (NoopObserver) OnActivityAttempt(ctx context.Context, a ActivityAttempt)    {}
func (NoopObserver) OnOrderFinished(ctx context.Context, o *Order)               {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnOrderStarted(ctx context.Context, o *Order) {
	for _, ob := range c.observers {
		ob.OnOrderStarted(ctx, o)
	}
}

func (c *CompositeObserver) OnTransition(ctx context.Context, o *Order, from OrderState) {
	for _, ob := range c.observers {
		ob.OnTransition(ctx, o, from)
	}
}

func (c *CompositeObserver) OnActivityAttempt(ctx context.Context, a ActivityAttempt) {
	for _, ob := range c.observers {
		ob.OnActivityAttempt(ctx, a)
	}
}

func (c *CompositeObserver) OnOrderFinished(ctx context.Context, o *Order) {
	for _, ob := range c.observers {
		ob.OnOrderFinished(ctx, o)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs order lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (l *LoggingObserver) OnOrderStarted(ctx context.Context, o *Order) {
	l.Logger.InfoContext(ctx, "order_started",
		slog.String("order_id", o.ID),
		slog.Float64("amount", o.Amount),
	)
}

func (l *LoggingObserver) OnTransition(ctx context.Context, o *Order, from OrderState) {
	l.Logger.DebugContext(ctx, "order_transition",
		slog.String("order_id", o.ID),
		slog.String("from", string(from)),
		slog.String("to", string(o.State)),
	)
}

func (l *LoggingObserver) OnActivityAttempt(ctx context.Context, a ActivityAttempt) {
	level := slog.LevelDebug
	if a.Status != AttemptCompleted {
		level = slog.LevelWarn
	}
	l.Logger.Log(ctx, level, "activity_attempt",
		slog.String("order_id", a.OrderID),
		slog.String("activity", a.Activity),
		slog.Int("attempt", a.Attempt),
		slog.String("status", string(a.Status)),
		slog.Duration("duration", a.ExecutionTime),
		slog.String("error", a.Error),
	)
}

func (l *LoggingObserver) OnOrderFinished(ctx context.Context, o *Order) {
	level := slog.LevelInfo
	if o.State == OrderFailed {
		level = slog.LevelError
	}
	l.Logger.Log(ctx, level, "order_finished",
		slog.String("order_id", o.ID),
		slog.String("state", string(o.State)),
		slog.String("reason", string(o.Reason)),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	ordersStarted   atomic.Int64
	ordersCompleted atomic.Int64
	ordersCancelled atomic.Int64
	ordersFailed    atomic.Int64

	attemptsCompleted atomic.Int64
	attemptsFailed    atomic.Int64
	totalDuration     atomic.Int64 // nanoseconds, successful attempts only
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	OrdersStarted   int64
	OrdersCompleted int64
	OrdersCancelled int64
	OrdersFailed    int64
	OrdersInFlight  int64

	AttemptsCompleted   int64
	AttemptsFailed      int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnOrderStarted(ctx context.Context, o *Order) {
	m.ordersStarted.Add(1)
}

func (m *BasicMetrics) OnActivityAttempt(ctx context.Context, a ActivityAttempt) {
	if a.Status == AttemptCompleted {
		m.attemptsCompleted.Add(1)
		m.totalDuration.Add(a.ExecutionTime.Nanoseconds())
		return
	}
	m.attemptsFailed.Add(1)
}

func (m *BasicMetrics) OnOrderFinished(ctx context.Context, o *Order) {
	switch o.State {
	case OrderCompleted:
		m.ordersCompleted.Add(1)
	case OrderCancelled:
		m.ordersCancelled.Add(1)
	case OrderFailed:
		m.ordersFailed.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.ordersStarted.Load()
	completed := m.ordersCompleted.Load()
	cancelled := m.ordersCancelled.Load()
	failed := m.ordersFailed.Load()
	ok := m.attemptsCompleted.Load()
	totalNs := m.totalDuration.Load()

	var avg time.Duration
	if ok > 0 {
		avg = time.Duration(totalNs / ok)
	}

	return BasicMetricsSnapshot{
		OrdersStarted:       started,
		OrdersCompleted:     completed,
		OrdersCancelled:     cancelled,
		OrdersFailed:        failed,
		OrdersInFlight:      started - completed - cancelled - failed,
		AttemptsCompleted:   ok,
		AttemptsFailed:      m.attemptsFailed.Load(),
		AvgActivityDuration: avg,
	}
}
