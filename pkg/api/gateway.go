package api

import (
	"context"
	"errors"
)

// ChargeRequest asks the payment gateway to charge an order once.
type ChargeRequest struct {
	IdempotencyKey string
	OrderID        string
	Amount         float64
}

// ChargeReceipt confirms a successful charge.
type ChargeReceipt struct {
	Reference string
}

// PaymentGateway charges money. Implementations must treat a repeated
// IdempotencyKey as the same charge and return the original receipt.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeReceipt, error)
}

// Carrier performs the two shipping steps. key is an idempotency key
// unique per shipment, step and attempt.
type Carrier interface {
	PreparePackage(ctx context.Context, key string, s Shipment) error
	Dispatch(ctx context.Context, key string, s Shipment) (tracking string, err error)
}

// PermanentError marks a failure that must not be retried, such as a hard
// card decline or a violated business rule.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the activity executor stops retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
