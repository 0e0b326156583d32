package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
)

type instanceKind int

const (
	kindOrder instanceKind = iota
	kindShipment
)

func (k instanceKind) String() string {
	if k == kindShipment {
		return "shipment"
	}
	return "order"
}

// instance is the in-memory half of a live order or shipment. Durable
// state lives in the store; this only holds the signal inbox and the
// run flags that serialize advancement inside the process.
type instance struct {
	id   string
	kind instanceKind

	inbox []api.Signal
	// running is set while a goroutine advances the instance; dirty asks
	// that goroutine for one more pass.
	running bool
	dirty   bool
	// armed is set once the approval deadline task has been scheduled.
	armed bool
}

type supervisor struct {
	mu        sync.Mutex
	instances map[string]*instance
}

func newSupervisor() *supervisor {
	return &supervisor{instances: make(map[string]*instance)}
}

// register returns the live instance for id, creating it if needed.
func (s *supervisor) register(kind instanceKind, id string) *instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		inst = &instance{id: id, kind: kind}
		s.instances[id] = inst
	}
	return inst
}

func (s *supervisor) lookup(id string) (*instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	return inst, ok
}

func (s *supervisor) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
}

func (s *supervisor) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// begin claims the instance for advancement. If another goroutine holds
// it, that goroutine is asked to run again and begin returns false.
func (s *supervisor) begin(inst *instance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.running {
		inst.dirty = true
		return false
	}
	inst.running = true
	inst.dirty = false
	return true
}

// again reports whether a wake-up arrived during the last pass. If not,
// the instance is released.
func (s *supervisor) again(inst *instance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.dirty {
		inst.dirty = false
		return true
	}
	inst.running = false
	return false
}

func (s *supervisor) release(inst *instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst.running = false
	inst.dirty = false
}

func (s *supervisor) push(inst *instance, sig api.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst.inbox = append(inst.inbox, sig)
}

func (s *supervisor) peek(inst *instance) (api.Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(inst.inbox) == 0 {
		return api.Signal{}, false
	}
	return inst.inbox[0], true
}

func (s *supervisor) pop(inst *instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(inst.inbox) > 0 {
		inst.inbox = inst.inbox[1:]
	}
}

func (s *supervisor) drain(inst *instance) []api.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := inst.inbox
	inst.inbox = nil
	return out
}

func (s *supervisor) arm(inst *instance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.armed {
		return false
	}
	inst.armed = true
	return true
}

// run advances one instance until it suspends or terminates. Concurrent
// calls for the same id coalesce into extra passes of the first caller.
func (e *Engine) run(ctx context.Context, kind instanceKind, id string) error {
	inst := e.sup.register(kind, id)
	if !e.sup.begin(inst) {
		return nil
	}

	for {
		if err := e.advanceLeased(ctx, inst); err != nil {
			e.sup.release(inst)
			if errors.Is(err, persistence.ErrNotFound) {
				e.sup.remove(id)
				e.logger.WarnContext(ctx, "dropping wake-up for unknown instance",
					slog.String("instance_id", id),
					slog.String("kind", kind.String()),
				)
				return nil
			}
			return err
		}
		if !e.sup.again(inst) {
			return nil
		}
	}
}

// advanceLeased takes the store lease for the instance, keeps it alive
// while advancing and releases it on return. If another process holds the
// lease the wake-up is retried later.
func (e *Engine) advanceLeased(ctx context.Context, inst *instance) error {
	ttl := e.tuning.LeaseTTL
	ok, err := e.store.TryAcquireLease(ctx, inst.id, e.owner, ttl)
	if err != nil {
		return fmt.Errorf("acquire lease on %s: %w", inst.id, err)
	}
	if !ok {
		e.logger.DebugContext(ctx, "instance leased elsewhere, retrying later",
			slog.String("instance_id", inst.id),
		)
		return e.wakeAt(ctx, inst.kind.taskType(), inst.id, e.now().Add(ttl/2))
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopped := make(chan struct{})
	go e.heartbeat(runCtx, inst.id, cancel, stopped)
	defer func() {
		cancel(nil)
		<-stopped
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), inst.id, e.owner); err != nil {
			e.logger.WarnContext(ctx, "release lease",
				slog.String("instance_id", inst.id),
				slog.Any("error", err),
			)
		}
	}()

	switch inst.kind {
	case kindShipment:
		err = e.advanceShipment(runCtx, inst)
	default:
		err = e.advanceOrder(runCtx, inst)
	}
	if cause := context.Cause(runCtx); err != nil && errors.Is(cause, persistence.ErrLeaseLost) {
		return fmt.Errorf("advance %s: %w", inst.id, cause)
	}
	return err
}

func (e *Engine) heartbeat(ctx context.Context, id string, cancel context.CancelCauseFunc, stopped chan<- struct{}) {
	defer close(stopped)
	ttl := e.tuning.LeaseTTL
	t := time.NewTicker(ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := e.store.RenewLease(ctx, id, e.owner, ttl)
			switch {
			case err == nil:
			case errors.Is(err, persistence.ErrLeaseLost):
				e.logger.ErrorContext(ctx, "lease lost", slog.String("instance_id", id))
				cancel(err)
				return
			case ctx.Err() != nil:
				return
			default:
				e.logger.WarnContext(ctx, "renew lease",
					slog.String("instance_id", id),
					slog.Any("error", err),
				)
			}
		}
	}
}

func (k instanceKind) taskType() taskqueue.TaskType {
	if k == kindShipment {
		return taskqueue.TaskAdvanceShipment
	}
	return taskqueue.TaskAdvanceOrder
}

// Recover registers every non-terminal order and shipment in the store and
// schedules it to continue from its persisted state.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	orders, err := e.store.ListOrders(ctx, persistence.OrderFilter{NonFinal: true})
	if err != nil {
		return 0, fmt.Errorf("list in-flight orders: %w", err)
	}
	shipments, err := e.store.ListShipments(ctx, persistence.ShipmentFilter{NonFinal: true})
	if err != nil {
		return 0, fmt.Errorf("list in-flight shipments: %w", err)
	}

	n := 0
	for _, o := range orders {
		e.sup.register(kindOrder, o.ID)
		if err := e.wake(ctx, taskqueue.TaskAdvanceOrder, o.ID); err != nil {
			return n, err
		}
		n++
	}
	for _, s := range shipments {
		e.sup.register(kindShipment, s.ID)
		if err := e.wake(ctx, taskqueue.TaskAdvanceShipment, s.ID); err != nil {
			return n, err
		}
		n++
	}

	e.logger.InfoContext(ctx, "recovered instances",
		slog.Int("orders", len(orders)),
		slog.Int("shipments", len(shipments)),
	)
	return n, nil
}

// LiveInstances returns how many orders and shipments are registered.
func (e *Engine) LiveInstances() int {
	return e.sup.live()
}
