package api

import "time"

// Payload is the JSON-shaped detail carried by events and attempts.
type Payload map[string]any

// EventType identifies an entry in an order's audit trail.
type EventType string

const (
	EventOrderReceived     EventType = "order_received"
	EventValidationPassed  EventType = "validation_passed"
	EventAddressUpdated    EventType = "address_updated"
	EventOrderApproved     EventType = "order_approved"
	EventOrderCancelled    EventType = "order_cancelled"
	EventPaymentCharged    EventType = "payment_charged"
	EventPackagePrepared   EventType = "package_prepared"
	EventCarrierDispatched EventType = "carrier_dispatched"
	EventShipmentFailed    EventType = "shipment_failed"
	EventOrderFailed       EventType = "order_failed"
	EventSignalRejected    EventType = "signal_rejected"
)

// Event is an append-only audit record. Seq is assigned by the store and
// totally orders the events of one order.
type Event struct {
	Seq     int64
	OrderID string
	// InstanceID is the order id, or the shipment id for events produced
	// by the shipping process.
	InstanceID    string
	Type          EventType
	Payload       Payload
	Attempt       int
	ExecutionTime time.Duration
	At            time.Time
}

// PaymentStatus is the ledger status of one charge attempt.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentCharged PaymentStatus = "charged"
	PaymentFailed  PaymentStatus = "failed"
)

// Payment is one row of the payment ledger, keyed by idempotency key.
type Payment struct {
	IdempotencyKey string
	OrderID        string
	Status         PaymentStatus
	Amount         float64
	Attempt        int
	RetryCount     int
	LastError      string
	GatewayRef     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AttemptStatus is the outcome of one activity invocation.
type AttemptStatus string

const (
	AttemptStarted   AttemptStatus = "started"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
	AttemptTimeout   AttemptStatus = "timeout"
)

// ActivityAttempt records a single invocation of a side-effecting step.
// (OrderID, Activity, Attempt) identifies it.
type ActivityAttempt struct {
	OrderID       string
	Activity      string
	Attempt       int
	Status        AttemptStatus
	Input         Payload
	Output        Payload
	Error         string
	ExecutionTime time.Duration
	StartedAt     time.Time
	CompletedAt   time.Time

	// Permanent marks a failure that retrying cannot fix. The activity is
	// not attempted again, even after a restart.
	Permanent bool
}

// ShipmentState is the lifecycle position of a shipment.
type ShipmentState string

const (
	ShipmentPreparing   ShipmentState = "preparing"
	ShipmentDispatching ShipmentState = "dispatching"
	ShipmentDelivered   ShipmentState = "delivered"
	ShipmentFailed      ShipmentState = "failed"
)

// Terminal reports whether the shipment has finished.
func (s ShipmentState) Terminal() bool {
	return s == ShipmentDelivered || s == ShipmentFailed
}

// Shipment is the durable record of the child shipping process spawned
// for a charged order.
type Shipment struct {
	ID       string
	OrderID  string
	State    ShipmentState
	Reason   string
	Address  Address
	Tracking string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ShipmentID derives the shipment id for an order.
func ShipmentID(orderID string) string {
	return "ship-" + orderID
}
