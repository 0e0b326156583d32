package api

import (
	"context"
	"errors"
	"time"
)

// ErrOrderNotFound is returned when no order has the requested id.
var ErrOrderNotFound = errors.New("order not found")

// Engine is the boundary API of the order fulfillment engine.
type Engine interface {
	// StartOrder records a new order and schedules it. Starting an id that
	// already exists is a no-op that returns the existing record with
	// Duplicate set.
	StartOrder(ctx context.Context, req OrderRequest) (*StartResult, error)

	// Signal routes approve / cancel / update_address to a live order.
	// Signals that arrive too late are reported through SignalResult,
	// malformed ones through ErrInvalidSignal.
	Signal(ctx context.Context, id string, sig Signal) (*SignalResult, error)

	// GetStatus returns the current state of an order along with its
	// attempt counters and most recent events.
	GetStatus(ctx context.Context, id string) (*OrderStatus, error)

	// GetAuditLog returns every event recorded for the order, in order.
	GetAuditLog(ctx context.Context, id string) ([]Event, error)

	// ListOrders returns orders matching opts, most recently created first.
	ListOrders(ctx context.Context, opts OrderListOptions) ([]*Order, error)

	// Recover re-registers every non-terminal order and shipment found in
	// the store and schedules it to continue from its persisted state.
	// It returns the number of instances recovered.
	//
	// Call it on process startup, before accepting new work.
	Recover(ctx context.Context) (int, error)

	// Stats aggregates orders and payments across the store.
	Stats(ctx context.Context) (*Stats, error)

	// HealthReport summarizes the attempt history of one order.
	HealthReport(ctx context.Context, id string) (*HealthReport, error)

	// ActivityPerformance aggregates attempts per activity across all
	// orders, busiest activity first.
	ActivityPerformance(ctx context.Context) ([]ActivityPerformance, error)

	// RecentFailures returns failed and timed out attempts started at or
	// after since, newest first.
	RecentFailures(ctx context.Context, since time.Time) ([]ActivityAttempt, error)

	// RetrySummaries returns attempt counts for the most recent orders.
	RetrySummaries(ctx context.Context, limit int) ([]RetrySummary, error)
}

// StartResult is returned by Engine.StartOrder.
type StartResult struct {
	Order     *Order
	Duplicate bool
}

// OrderStatus is a point-in-time view of an order.
type OrderStatus struct {
	Order *Order
	// Live is true while the instance is registered with the supervisor.
	Live bool

	// Attempts counts invocations per activity; RetryCounts is the same
	// minus the first try.
	Attempts    map[string]int
	RetryCounts map[string]int

	LastEvent    *Event
	RecentEvents []Event

	Payment  *Payment
	Shipment *Shipment
}

// Stats aggregates the whole store.
type Stats struct {
	TotalOrders      int
	OrdersByState    map[OrderState]int
	PaymentsByStatus map[PaymentStatus]int
	TotalCharged     float64
}

// TimelineEntry is one line of a HealthReport timeline.
type TimelineEntry struct {
	At     time.Time
	Kind   string // "event", "attempt" or "payment"
	Name   string
	Status string
	Detail string
}

// HealthReport summarizes retries and failures for one order.
type HealthReport struct {
	OrderID          string
	State            OrderState
	TotalAttempts    int
	FailedAttempts   int
	TimedOutAttempts int
	SuccessRate      float64
	AvgExecutionTime time.Duration
	PaymentRetries   int
	Timeline         []TimelineEntry
}

// ActivityPerformance aggregates every recorded attempt of one activity.
type ActivityPerformance struct {
	Activity         string
	TotalAttempts    int
	Successful       int
	Failed           int
	TimedOut         int
	SuccessRate      float64
	AvgExecutionTime time.Duration
	MaxExecutionTime time.Duration
}

// RetrySummary counts the activity attempts of one order.
type RetrySummary struct {
	OrderID        string
	State          OrderState
	TotalAttempts  int
	Successful     int
	Failed         int
	PaymentRetries int
}
