package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleState is returned by conditional updates when the row is no
	// longer in the expected state.
	ErrStaleState = errors.New("stale state")

	// ErrLeaseLost is returned by RenewLease when the caller no longer
	// owns the lease.
	ErrLeaseLost = errors.New("lease lost")

	// ErrDuplicateCharge is returned when a second payment row of the
	// same order would be marked charged.
	ErrDuplicateCharge = errors.New("order already has a charged payment")
)

// OrderFilter is used to select orders from the store.
// Zero values mean "no filter" for that field.
type OrderFilter struct {
	State    api.OrderState
	NonFinal bool
	Limit    int
}

// AttemptFilter selects activity attempts. Empty fields match everything.
type AttemptFilter struct {
	OrderID  string
	Activity string

	// Unsuccessful keeps only failed and timed out attempts.
	Unsuccessful bool

	// Since keeps attempts started at or after this time.
	Since time.Time
}

// PaymentFilter selects ledger rows. Empty fields match everything.
type PaymentFilter struct {
	OrderID string
	Status  api.PaymentStatus
}

// ShipmentFilter selects shipments.
type ShipmentFilter struct {
	NonFinal bool
}

// Reader holds the read side shared by Store and Tx.
type Reader interface {
	GetOrder(ctx context.Context, id string) (*api.Order, error)
	// ListOrders returns matching orders, most recently created first.
	ListOrders(ctx context.Context, f OrderFilter) ([]*api.Order, error)

	// ListEvents returns the events of one order ordered by Seq.
	ListEvents(ctx context.Context, orderID string) ([]api.Event, error)

	// ListAttempts returns attempts ordered by activity start, then number.
	ListAttempts(ctx context.Context, f AttemptFilter) ([]api.ActivityAttempt, error)

	GetPayment(ctx context.Context, key string) (*api.Payment, error)
	ListPayments(ctx context.Context, f PaymentFilter) ([]api.Payment, error)

	GetShipment(ctx context.Context, id string) (*api.Shipment, error)
	ListShipments(ctx context.Context, f ShipmentFilter) ([]*api.Shipment, error)
}

// Tx is a unit of work. Every write made through a Tx commits or rolls
// back together.
type Tx interface {
	Reader

	// InsertOrder inserts o unless the id already exists, in which case it
	// returns false and writes nothing.
	InsertOrder(ctx context.Context, o *api.Order) (bool, error)

	// UpdateOrder overwrites the order only if its stored state is still
	// expected. Otherwise it returns ErrStaleState (or ErrNotFound).
	UpdateOrder(ctx context.Context, o *api.Order, expected api.OrderState) error

	// AppendEvent appends ev and sets ev.Seq.
	AppendEvent(ctx context.Context, ev *api.Event) error

	// PutAttempt inserts or overwrites the attempt row identified by
	// (OrderID, Activity, Attempt).
	PutAttempt(ctx context.Context, a api.ActivityAttempt) error

	// UpsertPayment writes p keyed by its idempotency key. A row that is
	// already charged is never modified.
	UpsertPayment(ctx context.Context, p api.Payment) error

	// InsertShipment inserts s unless the id already exists.
	InsertShipment(ctx context.Context, s *api.Shipment) (bool, error)

	// UpdateShipment overwrites the shipment only if its stored state is
	// still expected.
	UpdateShipment(ctx context.Context, s *api.Shipment, expected api.ShipmentState) error
}

// Store is the durable State Store.
type Store interface {
	Reader

	// InTx runs fn in a transaction. The transaction commits if fn returns
	// nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// TryAcquireLease attempts to acquire (or re-acquire) the lease on an
	// instance. If another owner holds an unexpired lease it returns
	// acquired=false, err=nil. A lease held by the same owner is re-entrant.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)
	// RenewLease extends a lease owned by owner for the given ttl.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error
	// ReleaseLease releases a lease if it is owned by owner. It is idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}
