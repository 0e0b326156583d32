package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// Carrier is a fake api.Carrier with independent behaviours for the
// prepare and dispatch steps.
type Carrier struct {
	prepare  Behavior
	dispatch Behavior
	latency  time.Duration

	mu        sync.Mutex
	prepared  map[string]bool
	tracking  map[string]string
	shipments map[string]int
}

var _ api.Carrier = (*Carrier)(nil)

// NewCarrier returns a carrier. Nil behaviours always succeed.
func NewCarrier(prepare, dispatch Behavior) *Carrier {
	if prepare == nil {
		prepare = Always(Succeed)
	}
	if dispatch == nil {
		dispatch = Always(Succeed)
	}
	return &Carrier{
		prepare:   prepare,
		dispatch:  dispatch,
		prepared:  make(map[string]bool),
		tracking:  make(map[string]string),
		shipments: make(map[string]int),
	}
}

// WithLatency delays every call by d.
func (c *Carrier) WithLatency(d time.Duration) *Carrier {
	c.latency = d
	return c
}

func (c *Carrier) PreparePackage(ctx context.Context, key string, s api.Shipment) error {
	c.mu.Lock()
	done := c.prepared[key]
	c.mu.Unlock()
	if done {
		return nil
	}

	if err := play(ctx, c.prepare.Next(), c.latency, "prepare "+s.ID); err != nil {
		return err
	}

	c.mu.Lock()
	c.prepared[key] = true
	c.mu.Unlock()
	return nil
}

func (c *Carrier) Dispatch(ctx context.Context, key string, s api.Shipment) (string, error) {
	c.mu.Lock()
	if t, ok := c.tracking[key]; ok {
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	if err := play(ctx, c.dispatch.Next(), c.latency, "dispatch "+s.ID); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tracking[key]
	if !ok {
		t = newReference("TRK")
		c.tracking[key] = t
		c.shipments[s.ID]++
	}
	return t, nil
}

// Dispatched returns how many distinct dispatches were made for a shipment.
func (c *Carrier) Dispatched(shipmentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shipments[shipmentID]
}
