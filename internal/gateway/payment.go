package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// PaymentGateway is a fake api.PaymentGateway. Charges are deduplicated by
// idempotency key: repeating a key that already succeeded returns the
// original receipt without charging again.
type PaymentGateway struct {
	behavior Behavior
	latency  time.Duration

	// OnCharge, if set, runs after a new charge has been recorded and
	// before Charge returns.
	OnCharge func(req api.ChargeRequest)

	mu       sync.Mutex
	receipts map[string]*api.ChargeReceipt
	byOrder  map[string]int
	calls    int
}

var _ api.PaymentGateway = (*PaymentGateway)(nil)

// NewPaymentGateway returns a gateway driven by b. A nil b always succeeds.
func NewPaymentGateway(b Behavior) *PaymentGateway {
	if b == nil {
		b = Always(Succeed)
	}
	return &PaymentGateway{
		behavior: b,
		receipts: make(map[string]*api.ChargeReceipt),
		byOrder:  make(map[string]int),
	}
}

// WithLatency delays every call by d.
func (g *PaymentGateway) WithLatency(d time.Duration) *PaymentGateway {
	g.latency = d
	return g
}

func (g *PaymentGateway) Charge(ctx context.Context, req api.ChargeRequest) (*api.ChargeReceipt, error) {
	g.mu.Lock()
	g.calls++
	if r, ok := g.receipts[req.IdempotencyKey]; ok {
		g.mu.Unlock()
		cp := *r
		return &cp, nil
	}
	g.mu.Unlock()

	if err := play(ctx, g.behavior.Next(), g.latency, "charge "+req.IdempotencyKey); err != nil {
		return nil, err
	}

	g.mu.Lock()
	r, ok := g.receipts[req.IdempotencyKey]
	if !ok {
		r = &api.ChargeReceipt{Reference: newReference("ch_")}
		g.receipts[req.IdempotencyKey] = r
		g.byOrder[req.OrderID]++
	}
	g.mu.Unlock()

	if !ok && g.OnCharge != nil {
		g.OnCharge(req)
	}
	cp := *r
	return &cp, nil
}

// Calls returns how many times Charge was invoked, replays included.
func (g *PaymentGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Charges returns how many distinct charges were made for an order.
func (g *PaymentGateway) Charges(orderID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byOrder[orderID]
}
