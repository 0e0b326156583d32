package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/orderflow/internal/config"
	"github.com/petrijr/orderflow/internal/gateway"
	"github.com/petrijr/orderflow/pkg/api"
)

type cli struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
	errOut io.Writer
}

// A command registers its flags on fs and returns the function that runs
// once they are parsed.
type command func(fs *flag.FlagSet) func(ctx context.Context) error

func (c *cli) commands() map[string]command {
	return map[string]command{
		"run":            c.runCmd,
		"start":          c.startCmd,
		"approve":        c.signalCmd(api.SignalApprove),
		"cancel":         c.signalCmd(api.SignalCancel),
		"update-address": c.signalCmd(api.SignalUpdateAddress),
		"status":         c.statusCmd,
		"audit":          c.auditCmd,
		"health":         c.healthCmd,
		"list":           c.listCmd,
		"stats":          c.statsCmd,
		"performance":    c.performanceCmd,
		"failures":       c.failuresCmd,
		"retries":        c.retriesCmd,
	}
}

// gatewayFlags scripts the fake payment gateway and carrier.
type gatewayFlags struct {
	payment  string
	prepare  string
	dispatch string
	failRate float64
	latency  time.Duration
}

func (g *gatewayFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.payment, "payment", "", `payment outcomes, e.g. "fail,fail,succeed"`)
	fs.StringVar(&g.prepare, "prepare", "", "prepare_package outcomes")
	fs.StringVar(&g.dispatch, "dispatch", "", "dispatch_carrier outcomes")
	fs.Float64Var(&g.failRate, "fail-rate", 0, "random transient failure rate for every gateway call")
	fs.DurationVar(&g.latency, "latency", 0, "simulated gateway latency")
}

func (g *gatewayFlags) build() (gateways, error) {
	pick := func(script string, seed uint64) (gateway.Behavior, error) {
		if g.failRate > 0 && script == "" {
			return gateway.Random(g.failRate, 0, seed), nil
		}
		return gateway.ParseBehavior(script)
	}
	pay, err := pick(g.payment, uint64(time.Now().UnixNano()))
	if err != nil {
		return gateways{}, fmt.Errorf("-payment: %w", err)
	}
	prep, err := pick(g.prepare, uint64(time.Now().UnixNano())+1)
	if err != nil {
		return gateways{}, fmt.Errorf("-prepare: %w", err)
	}
	disp, err := pick(g.dispatch, uint64(time.Now().UnixNano())+2)
	if err != nil {
		return gateways{}, fmt.Errorf("-dispatch: %w", err)
	}
	return gateways{
		payments: gateway.NewPaymentGateway(pay).WithLatency(g.latency),
		carrier:  gateway.NewCarrier(prep, disp).WithLatency(g.latency),
	}, nil
}

// session opens the backend and starts the worker pool. The returned stop
// function cancels the pool and waits for it before closing the backend.
func (c *cli) session(ctx context.Context, gf *gatewayFlags) (*backend, func(), error) {
	gw, err := gf.build()
	if err != nil {
		return nil, nil, err
	}
	b, err := openBackend(ctx, c.cfg, gw, c.logger)
	if err != nil {
		return nil, nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	done, err := b.start(runCtx, c.cfg.Worker.Concurrency, c.logger)
	if err != nil {
		cancel()
		_ = b.Close()
		return nil, nil, err
	}
	return b, func() {
		cancel()
		<-done
		if err := b.Close(); err != nil {
			c.logger.Warn("close backend", "error", err)
		}
	}, nil
}

// readOnly opens the backend without consuming the queue.
func (c *cli) readOnly(ctx context.Context, fn func(*backend) error) error {
	b, err := openBackend(ctx, c.cfg, gateways{
		payments: gateway.NewPaymentGateway(nil),
		carrier:  gateway.NewCarrier(nil, nil),
	}, c.logger)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()
	return fn(b)
}

func (c *cli) runCmd(fs *flag.FlagSet) func(context.Context) error {
	var (
		gf          gatewayFlags
		demo        int
		autoApprove bool
	)
	gf.register(fs)
	fs.IntVar(&demo, "demo", 0, "start this many demo orders")
	fs.BoolVar(&autoApprove, "auto-approve", true, "approve orders as soon as they wait for approval")

	return func(ctx context.Context) error {
		b, stop, err := c.session(ctx, &gf)
		if err != nil {
			return err
		}
		defer stop()

		for i := 0; i < demo; i++ {
			req := demoRequest(i)
			if _, err := b.engine.StartOrder(ctx, req); err != nil {
				return fmt.Errorf("start %s: %w", req.ID, err)
			}
		}
		c.logger.Info("processing orders; interrupt to stop",
			"store", c.cfg.Store.Driver, "queue", c.cfg.Queue.Driver, "workers", c.cfg.Worker.Concurrency)

		t := time.NewTicker(250 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				snap := b.metrics.Snapshot()
				c.logger.Info("stopped",
					"orders_started", snap.OrdersStarted,
					"orders_completed", snap.OrdersCompleted,
					"orders_cancelled", snap.OrdersCancelled,
					"orders_failed", snap.OrdersFailed,
					"attempts_failed", snap.AttemptsFailed)
				return nil
			case <-t.C:
			}
			if !autoApprove {
				continue
			}
			waiting, err := b.engine.ListOrders(ctx, api.OrderListOptions{State: api.OrderAwaitingApproval})
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				return err
			}
			for _, o := range waiting {
				res, err := b.engine.Signal(ctx, o.ID, api.Signal{Kind: api.SignalApprove})
				if err == nil && !res.Applied {
					c.logger.Debug("approve skipped", "order_id", o.ID, "reason", res.Reason)
				}
			}
		}
	}
}

func (c *cli) startCmd(fs *flag.FlagSet) func(context.Context) error {
	var (
		gf    gatewayFlags
		id    string
		addr  addressFlags
		items itemFlags
	)
	gf.register(fs)
	addr.register(fs)
	fs.StringVar(&id, "id", "", "order id (random when empty)")
	fs.Var(&items, "item", "order line as SKU:QTY:PRICE, repeatable")

	return func(ctx context.Context) error {
		if id == "" {
			id = uuid.NewString()
		}
		if len(items) == 0 {
			items = itemFlags{{SKU: "SAMPLE-1", Quantity: 1, UnitPrice: 19.99}}
		}
		b, stop, err := c.session(ctx, &gf)
		if err != nil {
			return err
		}
		defer stop()

		res, err := b.engine.StartOrder(ctx, api.OrderRequest{ID: id, Address: addr.address(), Items: items})
		if err != nil {
			return err
		}
		if res.Duplicate {
			c.logger.Warn("order already exists", "order_id", id, "state", res.Order.State)
		}
		st, err := b.waitFor(ctx, id, func(st *api.OrderStatus) bool {
			return st.Order.State == api.OrderAwaitingApproval || st.Order.State.Terminal()
		})
		if err != nil {
			return err
		}
		return c.printJSON(st)
	}
}

func (c *cli) signalCmd(kind api.SignalKind) command {
	return func(fs *flag.FlagSet) func(context.Context) error {
		var (
			gf   gatewayFlags
			id   string
			addr addressFlags
		)
		gf.register(fs)
		fs.StringVar(&id, "id", "", "order id")
		if kind == api.SignalUpdateAddress {
			addr.register(fs)
		}

		return func(ctx context.Context) error {
			if id == "" {
				return errors.New("-id is required")
			}
			sig := api.Signal{Kind: kind}
			if kind == api.SignalUpdateAddress {
				a := addr.address()
				sig.Address = &a
			}

			b, stop, err := c.session(ctx, &gf)
			if err != nil {
				return err
			}
			defer stop()

			before, err := b.engine.GetStatus(ctx, id)
			if err != nil {
				return err
			}
			res, err := b.engine.Signal(ctx, id, sig)
			if err != nil {
				return err
			}
			if !res.Applied {
				return fmt.Errorf("%s not applied: %s", kind, res.Reason)
			}

			var lastSeq int64
			if before.LastEvent != nil {
				lastSeq = before.LastEvent.Seq
			}
			st, err := b.waitFor(ctx, id, func(st *api.OrderStatus) bool {
				if st.Order.State.Terminal() {
					return true
				}
				// An address change leaves the order waiting; its event is enough.
				return kind == api.SignalUpdateAddress && st.LastEvent != nil && st.LastEvent.Seq > lastSeq
			})
			if err != nil {
				return err
			}
			return c.printJSON(st)
		}
	}
}

func (c *cli) statusCmd(fs *flag.FlagSet) func(context.Context) error {
	id := fs.String("id", "", "order id")
	return func(ctx context.Context) error {
		return c.readOnly(ctx, func(b *backend) error {
			st, err := b.engine.GetStatus(ctx, *id)
			if err != nil {
				return err
			}
			return c.printJSON(st)
		})
	}
}

func (c *cli) auditCmd(fs *flag.FlagSet) func(context.Context) error {
	id := fs.String("id", "", "order id")
	return func(ctx context.Context) error {
		return c.readOnly(ctx, func(b *backend) error {
			events, err := b.engine.GetAuditLog(ctx, *id)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tAT\tINSTANCE\tEVENT\tATTEMPT\tPAYLOAD")
			for _, ev := range events {
				payload, _ := json.Marshal(ev.Payload)
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
					ev.Seq, ev.At.Format(time.RFC3339), ev.InstanceID, ev.Type, ev.Attempt, payload)
			}
			return tw.Flush()
		})
	}
}

func (c *cli) healthCmd(fs *flag.FlagSet) func(context.Context) error {
	id := fs.String("id", "", "order id")
	return func(ctx context.Context) error {
		return c.readOnly(ctx, func(b *backend) error {
			r, err := b.engine.HealthReport(ctx, *id)
			if err != nil {
				return err
			}
			return c.printJSON(r)
		})
	}
}

func (c *cli) listCmd(fs *flag.FlagSet) func(context.Context) error {
	state := fs.String("state", "", "only orders in this state")
	limit := fs.Int("limit", 50, "maximum number of orders")
	return func(ctx context.Context) error {
		return c.readOnly(ctx, func(b *backend) error {
			orders, err := b.engine.ListOrders(ctx, api.OrderListOptions{State: api.OrderState(*state), Limit: *limit})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tREASON\tAMOUNT\tCREATED")
			for _, o := range orders {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\n",
					o.ID, o.State, o.Reason, o.Amount, o.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		})
	}
}

func (c *cli) statsCmd(_ *flag.FlagSet) func(context.Context) error {
	return func(ctx context.Context) error {
		return c.readOnly(ctx, func(b *backend) error {
			st, err := b.engine.Stats(ctx)
			if err != nil {
				return err
			}
			return c.printJSON(st)
		})
	}
}

func (c *cli) performanceCmd(_ *flag.FlagSet) func(context.Context) error {
	return func(ctx context.Context) error {
		return c.readOnly(ctx, func(b *backend) error {
			perf, err := b.engine.ActivityPerformance(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ACTIVITY\tATTEMPTS\tOK\tFAILED\tTIMEOUT\tSUCCESS\tAVG\tMAX")
			for _, p := range perf {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.1f%%\t%s\t%s\n",
					p.Activity, p.TotalAttempts, p.Successful, p.Failed, p.TimedOut, p.SuccessRate,
					p.AvgExecutionTime.Round(time.Millisecond), p.MaxExecutionTime.Round(time.Millisecond))
			}
			return tw.Flush()
		})
	}
}

func (c *cli) failuresCmd(fs *flag.FlagSet) func(context.Context) error {
	window := fs.Duration("since", 24*time.Hour, "how far back to look")
	return func(ctx context.Context) error {
		return c.readOnly(ctx, func(b *backend) error {
			failures, err := b.engine.RecentFailures(ctx, time.Now().Add(-*window))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tORDER\tACTIVITY\tATTEMPT\tSTATUS\tERROR")
			for _, a := range failures {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					a.StartedAt.Format(time.RFC3339), a.OrderID, a.Activity, a.Attempt, a.Status, a.Error)
			}
			return tw.Flush()
		})
	}
}

func (c *cli) retriesCmd(fs *flag.FlagSet) func(context.Context) error {
	limit := fs.Int("limit", 10, "number of recent orders")
	return func(ctx context.Context) error {
		return c.readOnly(ctx, func(b *backend) error {
			sums, err := b.engine.RetrySummaries(ctx, *limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ORDER\tSTATE\tATTEMPTS\tOK\tFAILED\tPAYMENT RETRIES")
			for _, s := range sums {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n",
					s.OrderID, s.State, s.TotalAttempts, s.Successful, s.Failed, s.PaymentRetries)
			}
			return tw.Flush()
		})
	}
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type addressFlags struct {
	name, street, city, postal, country string
}

func (a *addressFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&a.name, "name", "Ada Lovelace", "recipient name")
	fs.StringVar(&a.street, "street", "12 St James's Square", "street")
	fs.StringVar(&a.city, "city", "London", "city")
	fs.StringVar(&a.postal, "postal-code", "SW1Y 4JH", "postal code")
	fs.StringVar(&a.country, "country", "GB", "country code")
}

func (a *addressFlags) address() api.Address {
	return api.Address{Name: a.name, Street: a.street, City: a.city, PostalCode: a.postal, Country: a.country}
}

// itemFlags collects repeated -item SKU:QTY:PRICE flags.
type itemFlags []api.Item

func (f *itemFlags) String() string {
	parts := make([]string, 0, len(*f))
	for _, it := range *f {
		parts = append(parts, fmt.Sprintf("%s:%d:%.2f", it.SKU, it.Quantity, it.UnitPrice))
	}
	return strings.Join(parts, ",")
}

func (f *itemFlags) Set(s string) error {
	it, err := parseItem(s)
	if err != nil {
		return err
	}
	*f = append(*f, it)
	return nil
}

func parseItem(s string) (api.Item, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return api.Item{}, fmt.Errorf("item %q: want SKU:QTY:PRICE", s)
	}
	qty, err := strconv.Atoi(parts[1])
	if err != nil {
		return api.Item{}, fmt.Errorf("item %q: quantity: %w", s, err)
	}
	price, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return api.Item{}, fmt.Errorf("item %q: price: %w", s, err)
	}
	return api.Item{SKU: parts[0], Quantity: qty, UnitPrice: price}, nil
}

var demoCities = []string{"London", "Helsinki", "Lisbon", "Osaka", "Toronto"}

func demoRequest(i int) api.OrderRequest {
	return api.OrderRequest{
		ID: fmt.Sprintf("demo-%s", uuid.NewString()[:8]),
		Address: api.Address{
			Name:       fmt.Sprintf("Customer %d", i+1),
			Street:     fmt.Sprintf("%d Market Street", 10+i),
			City:       demoCities[i%len(demoCities)],
			PostalCode: fmt.Sprintf("%05d", 10000+i),
			Country:    "GB",
		},
		Items: []api.Item{
			{SKU: "BOOK-1", Quantity: 1 + i%3, UnitPrice: 12.50},
			{SKU: "PEN-7", Quantity: 1, UnitPrice: 3.99},
		},
	}
}
