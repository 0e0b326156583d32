package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/pkg/api"
)

func (e *Engine) loadOrder(ctx context.Context, id string) (*api.Order, error) {
	o, err := e.store.GetOrder(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", api.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	return o, nil
}

// GetStatus returns the order with its attempt counters, latest events,
// payment and shipment.
func (e *Engine) GetStatus(ctx context.Context, id string) (*api.OrderStatus, error) {
	o, err := e.loadOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	attempts, err := e.store.ListAttempts(ctx, persistence.AttemptFilter{OrderID: id})
	if err != nil {
		return nil, err
	}
	events, err := e.store.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := e.store.ListPayments(ctx, persistence.PaymentFilter{OrderID: id})
	if err != nil {
		return nil, err
	}

	st := &api.OrderStatus{
		Order:       o,
		Attempts:    make(map[string]int),
		RetryCounts: make(map[string]int),
	}
	_, st.Live = e.sup.lookup(id)

	for _, a := range attempts {
		st.Attempts[a.Activity]++
	}
	for name, n := range st.Attempts {
		st.RetryCounts[name] = n - 1
	}

	if len(events) > 0 {
		last := events[len(events)-1]
		st.LastEvent = &last
		from := max(0, len(events)-e.tuning.RecentEvents)
		st.RecentEvents = append([]api.Event(nil), events[from:]...)
	}

	for i := range payments {
		p := payments[i]
		if st.Payment == nil || p.Status == api.PaymentCharged || st.Payment.Status != api.PaymentCharged {
			st.Payment = &p
		}
	}

	s, err := e.store.GetShipment(ctx, api.ShipmentID(id))
	switch {
	case err == nil:
		st.Shipment = s
	case !errors.Is(err, persistence.ErrNotFound):
		return nil, err
	}
	return st, nil
}

// GetAuditLog returns every event of the order ordered by sequence.
func (e *Engine) GetAuditLog(ctx context.Context, id string) ([]api.Event, error) {
	if _, err := e.loadOrder(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, id)
}

// ListOrders returns orders, most recently created first.
func (e *Engine) ListOrders(ctx context.Context, opts api.OrderListOptions) ([]*api.Order, error) {
	return e.store.ListOrders(ctx, persistence.OrderFilter{State: opts.State, Limit: opts.Limit})
}

// Stats aggregates every order and payment in the store.
func (e *Engine) Stats(ctx context.Context) (*api.Stats, error) {
	orders, err := e.store.ListOrders(ctx, persistence.OrderFilter{})
	if err != nil {
		return nil, err
	}
	payments, err := e.store.ListPayments(ctx, persistence.PaymentFilter{})
	if err != nil {
		return nil, err
	}

	st := &api.Stats{
		TotalOrders:      len(orders),
		OrdersByState:    make(map[api.OrderState]int),
		PaymentsByStatus: make(map[api.PaymentStatus]int),
	}
	for _, o := range orders {
		st.OrdersByState[o.State]++
	}
	for _, p := range payments {
		st.PaymentsByStatus[p.Status]++
		if p.Status == api.PaymentCharged {
			st.TotalCharged += p.Amount
		}
	}
	st.TotalCharged = math.Round(st.TotalCharged*100) / 100
	return st, nil
}

// HealthReport summarizes attempts, retries and the full timeline of one
// order.
func (e *Engine) HealthReport(ctx context.Context, id string) (*api.HealthReport, error) {
	o, err := e.loadOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := e.store.ListAttempts(ctx, persistence.AttemptFilter{OrderID: id})
	if err != nil {
		return nil, err
	}
	events, err := e.store.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := e.store.ListPayments(ctx, persistence.PaymentFilter{OrderID: id})
	if err != nil {
		return nil, err
	}

	r := &api.HealthReport{
		OrderID:       id,
		State:         o.State,
		TotalAttempts: len(attempts),
	}

	var (
		timed int
		total time.Duration
	)
	for _, a := range attempts {
		switch a.Status {
		case api.AttemptFailed:
			r.FailedAttempts++
		case api.AttemptTimeout:
			r.TimedOutAttempts++
		}
		if a.Status != api.AttemptStarted && a.ExecutionTime > 0 {
			timed++
			total += a.ExecutionTime
		}
		r.Timeline = append(r.Timeline, api.TimelineEntry{
			At:     a.StartedAt,
			Kind:   "attempt",
			Name:   fmt.Sprintf("%s #%d", a.Activity, a.Attempt),
			Status: string(a.Status),
			Detail: a.Error,
		})
	}
	r.SuccessRate = successRate(r.TotalAttempts-r.FailedAttempts-r.TimedOutAttempts, r.TotalAttempts)
	if timed > 0 {
		r.AvgExecutionTime = total / time.Duration(timed)
	}

	for _, p := range payments {
		r.PaymentRetries = max(r.PaymentRetries, p.RetryCount)
		detail := p.GatewayRef
		if p.LastError != "" {
			detail = p.LastError
		}
		r.Timeline = append(r.Timeline, api.TimelineEntry{
			At:     p.CreatedAt,
			Kind:   "payment",
			Name:   p.IdempotencyKey,
			Status: string(p.Status),
			Detail: detail,
		})
	}

	for _, ev := range events {
		detail := ""
		if len(ev.Payload) > 0 {
			if b, err := json.Marshal(ev.Payload); err == nil {
				detail = string(b)
			}
		}
		r.Timeline = append(r.Timeline, api.TimelineEntry{
			At:     ev.At,
			Kind:   "event",
			Name:   string(ev.Type),
			Detail: detail,
		})
	}

	sort.SliceStable(r.Timeline, func(i, j int) bool {
		return r.Timeline[i].At.Before(r.Timeline[j].At)
	})
	return r, nil
}

func successRate(ok, total int) float64 {
	if total == 0 {
		return 100
	}
	return math.Round(float64(ok)/float64(total)*1000) / 10
}

// ActivityPerformance aggregates every attempt in the store per activity.
func (e *Engine) ActivityPerformance(ctx context.Context) ([]api.ActivityPerformance, error) {
	attempts, err := e.store.ListAttempts(ctx, persistence.AttemptFilter{})
	if err != nil {
		return nil, err
	}

	type acc struct {
		perf  api.ActivityPerformance
		timed int
		total time.Duration
	}
	byName := make(map[string]*acc)
	for _, a := range attempts {
		x, ok := byName[a.Activity]
		if !ok {
			x = &acc{perf: api.ActivityPerformance{Activity: a.Activity}}
			byName[a.Activity] = x
		}
		x.perf.TotalAttempts++
		switch a.Status {
		case api.AttemptCompleted:
			x.perf.Successful++
		case api.AttemptFailed:
			x.perf.Failed++
		case api.AttemptTimeout:
			x.perf.TimedOut++
		}
		if a.Status != api.AttemptStarted && a.ExecutionTime > 0 {
			x.timed++
			x.total += a.ExecutionTime
			x.perf.MaxExecutionTime = max(x.perf.MaxExecutionTime, a.ExecutionTime)
		}
	}

	out := make([]api.ActivityPerformance, 0, len(byName))
	for _, x := range byName {
		x.perf.SuccessRate = successRate(x.perf.Successful, x.perf.TotalAttempts)
		if x.timed > 0 {
			x.perf.AvgExecutionTime = x.total / time.Duration(x.timed)
		}
		out = append(out, x.perf)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalAttempts != out[j].TotalAttempts {
			return out[i].TotalAttempts > out[j].TotalAttempts
		}
		return out[i].Activity < out[j].Activity
	})
	return out, nil
}

// RecentFailures lists failed and timed out attempts since the given time,
// newest first.
func (e *Engine) RecentFailures(ctx context.Context, since time.Time) ([]api.ActivityAttempt, error) {
	attempts, err := e.store.ListAttempts(ctx, persistence.AttemptFilter{Unsuccessful: true, Since: since})
	if err != nil {
		return nil, err
	}
	slices.Reverse(attempts)
	return attempts, nil
}

// RetrySummaries counts attempts for the limit most recent orders.
func (e *Engine) RetrySummaries(ctx context.Context, limit int) ([]api.RetrySummary, error) {
	orders, err := e.store.ListOrders(ctx, persistence.OrderFilter{Limit: limit})
	if err != nil {
		return nil, err
	}

	out := make([]api.RetrySummary, 0, len(orders))
	for _, o := range orders {
		attempts, err := e.store.ListAttempts(ctx, persistence.AttemptFilter{OrderID: o.ID})
		if err != nil {
			return nil, err
		}
		payments, err := e.store.ListPayments(ctx, persistence.PaymentFilter{OrderID: o.ID})
		if err != nil {
			return nil, err
		}

		sum := api.RetrySummary{OrderID: o.ID, State: o.State, TotalAttempts: len(attempts)}
		for _, a := range attempts {
			switch a.Status {
			case api.AttemptCompleted:
				sum.Successful++
			case api.AttemptFailed, api.AttemptTimeout:
				sum.Failed++
			}
		}
		for _, p := range payments {
			sum.PaymentRetries = max(sum.PaymentRetries, p.RetryCount)
		}
		out = append(out, sum)
	}
	return out, nil
}
