package persistence

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

type attemptKey struct {
	orderID  string
	activity string
	attempt  int
}

type lease struct {
	owner     string
	expiresAt time.Time
}

// memState is the full content of an InMemoryStore. Transactions run
// against a copy and swap it in on success.
type memState struct {
	orders    map[string]*api.Order
	events    []api.Event
	seq       int64
	attempts  map[attemptKey]api.ActivityAttempt
	payments  map[string]api.Payment
	shipments map[string]*api.Shipment
}

func newMemState() *memState {
	return &memState{
		orders:    make(map[string]*api.Order),
		attempts:  make(map[attemptKey]api.ActivityAttempt),
		payments:  make(map[string]api.Payment),
		shipments: make(map[string]*api.Shipment),
	}
}

func (m *memState) clone() *memState {
	cp := &memState{
		orders:    make(map[string]*api.Order, len(m.orders)),
		events:    slices.Clone(m.events),
		seq:       m.seq,
		attempts:  maps.Clone(m.attempts),
		payments:  maps.Clone(m.payments),
		shipments: make(map[string]*api.Shipment, len(m.shipments)),
	}
	for id, o := range m.orders {
		cp.orders[id] = o.Clone()
	}
	for id, s := range m.shipments {
		sc := *s
		cp.shipments[id] = &sc
	}
	return cp
}

// InMemoryStore is a simple, goroutine-safe Store backed by maps.
// Nothing survives the process; use it for tests and local runs.
type InMemoryStore struct {
	mu     sync.RWMutex
	state  *memState
	leases map[string]lease
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		state:  newMemState(),
		leases: make(map[string]lease),
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(memTx{work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *InMemoryStore) read() memTx {
	return memTx{s.state}
}

func (s *InMemoryStore) GetOrder(ctx context.Context, id string) (*api.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetOrder(ctx, id)
}

func (s *InMemoryStore) ListOrders(ctx context.Context, f OrderFilter) ([]*api.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListOrders(ctx, f)
}

func (s *InMemoryStore) ListEvents(ctx context.Context, orderID string) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListEvents(ctx, orderID)
}

func (s *InMemoryStore) ListAttempts(ctx context.Context, f AttemptFilter) ([]api.ActivityAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListAttempts(ctx, f)
}

func (s *InMemoryStore) GetPayment(ctx context.Context, key string) (*api.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetPayment(ctx, key)
}

func (s *InMemoryStore) ListPayments(ctx context.Context, f PaymentFilter) ([]api.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListPayments(ctx, f)
}

func (s *InMemoryStore) GetShipment(ctx context.Context, id string) (*api.Shipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetShipment(ctx, id)
}

func (s *InMemoryStore) ListShipments(ctx context.Context, f ShipmentFilter) ([]*api.Shipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListShipments(ctx, f)
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if l, ok := s.leases[instanceID]; ok && l.owner != owner && now.Before(l.expiresAt) {
		return false, nil
	}
	s.leases[instanceID] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[instanceID]
	if !ok || l.owner != owner {
		return ErrLeaseLost
	}
	l.expiresAt = time.Now().Add(ttl)
	s.leases[instanceID] = l
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[instanceID]; ok && l.owner == owner {
		delete(s.leases, instanceID)
	}
	return nil
}

// memTx implements Tx over a memState. Callers hold the store lock.
type memTx struct {
	st *memState
}

var _ Tx = memTx{}

func (t memTx) GetOrder(ctx context.Context, id string) (*api.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (t memTx) ListOrders(ctx context.Context, f OrderFilter) ([]*api.Order, error) {
	var out []*api.Order
	for _, o := range t.st.orders {
		if f.State != "" && o.State != f.State {
			continue
		}
		if f.NonFinal && o.State.Terminal() {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t memTx) InsertOrder(ctx context.Context, o *api.Order) (bool, error) {
	if _, ok := t.st.orders[o.ID]; ok {
		return false, nil
	}
	t.st.orders[o.ID] = o.Clone()
	return true, nil
}

func (t memTx) UpdateOrder(ctx context.Context, o *api.Order, expected api.OrderState) error {
	cur, ok := t.st.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != expected {
		return ErrStaleState
	}
	next := o.Clone()
	next.CreatedAt = cur.CreatedAt
	t.st.orders[o.ID] = next
	return nil
}

func (t memTx) AppendEvent(ctx context.Context, ev *api.Event) error {
	t.st.seq++
	ev.Seq = t.st.seq
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.InstanceID == "" {
		ev.InstanceID = ev.OrderID
	}
	cp := *ev
	cp.Payload = maps.Clone(ev.Payload)
	t.st.events = append(t.st.events, cp)
	return nil
}

func (t memTx) ListEvents(ctx context.Context, orderID string) ([]api.Event, error) {
	var out []api.Event
	for _, ev := range t.st.events {
		if ev.OrderID == orderID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (t memTx) PutAttempt(ctx context.Context, a api.ActivityAttempt) error {
	t.st.attempts[attemptKey{a.OrderID, a.Activity, a.Attempt}] = a
	return nil
}

func (t memTx) ListAttempts(ctx context.Context, f AttemptFilter) ([]api.ActivityAttempt, error) {
	var out []api.ActivityAttempt
	for k, a := range t.st.attempts {
		if f.OrderID != "" && k.orderID != f.OrderID {
			continue
		}
		if f.Activity != "" && k.activity != f.Activity {
			continue
		}
		if f.Unsuccessful && a.Status != api.AttemptFailed && a.Status != api.AttemptTimeout {
			continue
		}
		if !f.Since.IsZero() && a.StartedAt.Before(f.Since) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		if a.Activity != b.Activity {
			return a.Activity < b.Activity
		}
		return a.Attempt < b.Attempt
	})
	return out, nil
}

func (t memTx) UpsertPayment(ctx context.Context, p api.Payment) error {
	if cur, ok := t.st.payments[p.IdempotencyKey]; ok {
		if cur.Status == api.PaymentCharged {
			return nil
		}
		p.CreatedAt = cur.CreatedAt
		p.Attempt = cur.Attempt
	}
	if p.Status == api.PaymentCharged {
		for k, other := range t.st.payments {
			if k != p.IdempotencyKey && other.OrderID == p.OrderID && other.Status == api.PaymentCharged {
				return ErrDuplicateCharge
			}
		}
	}
	t.st.payments[p.IdempotencyKey] = p
	return nil
}

func (t memTx) GetPayment(ctx context.Context, key string) (*api.Payment, error) {
	p, ok := t.st.payments[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t memTx) ListPayments(ctx context.Context, f PaymentFilter) ([]api.Payment, error) {
	var out []api.Payment
	for _, p := range t.st.payments {
		if f.OrderID != "" && p.OrderID != f.OrderID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

func (t memTx) InsertShipment(ctx context.Context, s *api.Shipment) (bool, error) {
	if _, ok := t.st.shipments[s.ID]; ok {
		return false, nil
	}
	cp := *s
	t.st.shipments[s.ID] = &cp
	return true, nil
}

func (t memTx) UpdateShipment(ctx context.Context, s *api.Shipment, expected api.ShipmentState) error {
	cur, ok := t.st.shipments[s.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != expected {
		return ErrStaleState
	}
	next := *cur
	next.State = s.State
	next.Reason = s.Reason
	next.Tracking = s.Tracking
	next.UpdatedAt = s.UpdatedAt
	t.st.shipments[s.ID] = &next
	return nil
}

func (t memTx) GetShipment(ctx context.Context, id string) (*api.Shipment, error) {
	s, ok := t.st.shipments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (t memTx) ListShipments(ctx context.Context, f ShipmentFilter) ([]*api.Shipment, error) {
	var out []*api.Shipment
	for _, s := range t.st.shipments {
		if f.NonFinal && s.State.Terminal() {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
