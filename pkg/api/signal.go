package api

import (
	"errors"
	"fmt"
)

// SignalKind names an external input to a running order.
type SignalKind string

const (
	SignalApprove       SignalKind = "approve"
	SignalCancel        SignalKind = "cancel"
	SignalUpdateAddress SignalKind = "update_address"
)

// ErrInvalidSignal is returned for malformed signals. Well-formed signals
// that arrive too late are not errors; see SignalResult.
var ErrInvalidSignal = errors.New("invalid signal")

// Signal is a transient message routed to a live order instance.
type Signal struct {
	Kind SignalKind
	// Address is required for SignalUpdateAddress and ignored otherwise.
	Address *Address
}

// Validate checks the signal is well formed.
func (s Signal) Validate() error {
	switch s.Kind {
	case SignalApprove, SignalCancel:
		return nil
	case SignalUpdateAddress:
		if s.Address == nil || !s.Address.Complete() {
			return fmt.Errorf("%w: update_address needs a complete address", ErrInvalidSignal)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSignal, s.Kind)
	}
}

// SignalResult reports whether a signal was queued for the instance.
//
// Applied means accepted into the order's inbox, not acted on. A cancel or
// address update still queued behind an approve when charging begins is
// dropped and recorded as a signal_rejected event, which shows up in the
// audit log and in OrderStatus.RecentEvents.
type SignalResult struct {
	Applied bool
	// Reason explains a no-op, e.g. "order is completed".
	Reason string
}
