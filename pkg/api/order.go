package api

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// OrderState is the lifecycle position of an order.
type OrderState string

const (
	OrderPending          OrderState = "pending"
	OrderValidating       OrderState = "validating"
	OrderValidated        OrderState = "validated"
	OrderAwaitingApproval OrderState = "awaiting_approval"
	OrderCharging         OrderState = "charging"
	OrderSpawningShipment OrderState = "spawning_shipment"
	OrderCompleted        OrderState = "completed"
	OrderCancelled        OrderState = "cancelled"
	OrderFailed           OrderState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderCompleted, OrderCancelled, OrderFailed:
		return true
	}
	return false
}

// Mutable reports whether the order still accepts cancel and address
// updates. Once charging begins the order is committed.
func (s OrderState) Mutable() bool {
	switch s {
	case OrderPending, OrderValidating, OrderValidated, OrderAwaitingApproval:
		return true
	}
	return false
}

// Reason explains why an order ended in OrderCancelled or OrderFailed.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonValidationFailed Reason = "validation_failed"
	ReasonApprovalTimeout  Reason = "approval_timeout"
	ReasonPaymentFailed    Reason = "payment_failed"
	ReasonShippingFailed   Reason = "shipping_failed"
	ReasonCancelled        Reason = "cancelled"
)

// Address is a shipping destination.
type Address struct {
	Name       string `json:"name"`
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Complete reports whether every field is set.
func (a Address) Complete() bool {
	for _, f := range []string{a.Name, a.Street, a.City, a.PostalCode, a.Country} {
		if strings.TrimSpace(f) == "" {
			return false
		}
	}
	return true
}

// Item is one order line.
type Item struct {
	SKU       string  `json:"sku"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// Order is the durable record of one fulfillment process.
type Order struct {
	ID      string
	State   OrderState
	Reason  Reason
	Address Address
	Items   []Item
	Amount  float64

	// ApprovalDeadline is set when the order enters OrderAwaitingApproval.
	ApprovalDeadline time.Time
	ApprovedAt       time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy that shares no slices with o.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Items = append([]Item(nil), o.Items...)
	return &cp
}

// OrderRequest is the input to Engine.StartOrder.
type OrderRequest struct {
	ID      string
	Address Address
	Items   []Item
}

// ErrInvalidOrder is returned for structurally unusable order requests
// (e.g. a missing id). Business-rule violations are not reported through
// it; they fail the order during validation instead.
var ErrInvalidOrder = errors.New("invalid order")

// CheckRequest rejects requests the engine cannot even record.
func CheckRequest(req OrderRequest) error {
	if strings.TrimSpace(req.ID) == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidOrder)
	}
	return nil
}

// OrderAmount sums quantity * unit price, rounded to cents.
func OrderAmount(items []Item) float64 {
	var total float64
	for _, it := range items {
		total += float64(it.Quantity) * it.UnitPrice
	}
	return math.Round(total*100) / 100
}

// OrderListOptions filters Engine.ListOrders. Zero values mean "no filter".
type OrderListOptions struct {
	State OrderState
	Limit int
}
