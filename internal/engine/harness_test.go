package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/orderflow/internal/gateway"
	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
	"github.com/petrijr/orderflow/pkg/worker"
)

// harness runs an Engine with an in-memory queue and a worker pool.
type harness struct {
	t        *testing.T
	store    persistence.Store
	queue    taskqueue.Queue
	payments *gateway.PaymentGateway
	carrier  *gateway.Carrier
	eng      *Engine

	cancel context.CancelFunc
	done   chan struct{}
}

type harnessOption func(*Config)

func withPayments(g *gateway.PaymentGateway) harnessOption {
	return func(c *Config) { c.Payments = g }
}

func withCarrier(cr *gateway.Carrier) harnessOption {
	return func(c *Config) { c.Carrier = cr }
}

func withTuning(fn func(*Tuning)) harnessOption {
	return func(c *Config) { fn(&c.Tuning) }
}

func withObserver(obs api.Observer) harnessOption {
	return func(c *Config) { c.Observer = obs }
}

func withQueue(q taskqueue.Queue) harnessOption {
	return func(c *Config) { c.Queue = q }
}

var errQueueDown = errors.New("queue unavailable")

// flakyQueue rejects the first enqueues of the given task types.
type flakyQueue struct {
	taskqueue.Queue

	mu       sync.Mutex
	failures map[taskqueue.TaskType]int
}

func newFlakyQueue(failures map[taskqueue.TaskType]int) *flakyQueue {
	return &flakyQueue{Queue: taskqueue.NewInMemoryQueue(256), failures: failures}
}

func (q *flakyQueue) Enqueue(ctx context.Context, t taskqueue.Task) error {
	q.mu.Lock()
	n := q.failures[t.Type]
	if n > 0 {
		q.failures[t.Type] = n - 1
	}
	q.mu.Unlock()
	if n > 0 {
		return errQueueDown
	}
	return q.Queue.Enqueue(ctx, t)
}

// crashOnFailure cancels the worker pool right after a failed attempt of
// activity is recorded, before the engine reacts to it.
type crashOnFailure struct {
	api.NoopObserver

	activity string
	once     sync.Once
	crash    func()
}

func (c *crashOnFailure) OnActivityAttempt(ctx context.Context, a api.ActivityAttempt) {
	if a.Activity == c.activity && a.Status == api.AttemptFailed {
		c.once.Do(c.crash)
	}
}

func fastTuning() Tuning {
	return Tuning{
		ActivityTimeout: 200 * time.Millisecond,
		ApprovalTimeout: 10 * time.Second,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		LeaseTTL:        time.Second,
	}
}

func newHarness(t *testing.T, store persistence.Store, opts ...harnessOption) *harness {
	t.Helper()

	cfg := Config{
		Store:    store,
		Queue:    taskqueue.NewInMemoryQueue(256),
		Payments: gateway.NewPaymentGateway(nil),
		Carrier:  gateway.NewCarrier(nil, nil),
		Tuning:   fastTuning(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:        t,
		store:    store,
		queue:    cfg.Queue,
		payments: cfg.Payments.(*gateway.PaymentGateway),
		carrier:  cfg.Carrier.(*gateway.Carrier),
		eng:      eng,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	w := worker.NewWithConfig(eng, cfg.Queue, worker.Config{Backoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond})
	go func() {
		defer close(h.done)
		_ = w.Run(ctx, 4)
	}()
	t.Cleanup(h.stop)
	return h
}

// stop shuts the worker pool down and waits for it. Safe to call twice.
func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func newSQLiteTestStore(t *testing.T) (*sql.DB, persistence.Store) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return db, store
}

var storeFactories = map[string]func(t *testing.T) persistence.Store{
	"memory": func(t *testing.T) persistence.Store { return persistence.NewInMemoryStore() },
	"sqlite": func(t *testing.T) persistence.Store {
		_, s := newSQLiteTestStore(t)
		return s
	},
}

func forEachStore(t *testing.T, fn func(t *testing.T, store persistence.Store)) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func sampleRequest(id string) api.OrderRequest {
	return api.OrderRequest{
		ID: id,
		Address: api.Address{
			Name:       "Ada Lovelace",
			Street:     "12 St James's Square",
			City:       "London",
			PostalCode: "SW1Y 4JH",
			Country:    "GB",
		},
		Items: []api.Item{
			{SKU: "BOOK-1", Quantity: 2, UnitPrice: 12.50},
			{SKU: "PEN-7", Quantity: 1, UnitPrice: 3.99},
		},
	}
}

func (h *harness) start(id string) *api.Order {
	h.t.Helper()
	res, err := h.eng.StartOrder(context.Background(), sampleRequest(id))
	require.NoError(h.t, err)
	require.False(h.t, res.Duplicate)
	return res.Order
}

func (h *harness) signal(id string, sig api.Signal) *api.SignalResult {
	h.t.Helper()
	res, err := h.eng.Signal(context.Background(), id, sig)
	require.NoError(h.t, err)
	return res
}

func (h *harness) waitState(id string, want api.OrderState) *api.Order {
	h.t.Helper()
	var last *api.Order
	require.Eventuallyf(h.t, func() bool {
		o, err := h.store.GetOrder(context.Background(), id)
		if err != nil {
			return false
		}
		last = o
		return o.State == want
	}, 3*time.Second, 2*time.Millisecond, "order %s never reached %s", id, want)
	return last
}

func (h *harness) eventTypes(id string) []api.EventType {
	h.t.Helper()
	events, err := h.eng.GetAuditLog(context.Background(), id)
	require.NoError(h.t, err)
	out := make([]api.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func (h *harness) ledger(id string) []api.Payment {
	h.t.Helper()
	ps, err := h.store.ListPayments(context.Background(), persistence.PaymentFilter{OrderID: id})
	require.NoError(h.t, err)
	return ps
}

func (h *harness) attempts(id, activity string) []api.ActivityAttempt {
	h.t.Helper()
	as, err := h.store.ListAttempts(context.Background(), persistence.AttemptFilter{OrderID: id, Activity: activity})
	require.NoError(h.t, err)
	return as
}

func approve() api.Signal { return api.Signal{Kind: api.SignalApprove} }
func cancelSignal() api.Signal { return api.Signal{Kind: api.SignalCancel} }
