package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/petrijr/orderflow/internal/config"
	"github.com/petrijr/orderflow/internal/engine"
	"github.com/petrijr/orderflow/internal/gateway"
	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
	"github.com/petrijr/orderflow/pkg/worker"
)

// backend is the store, queue and engine of one process.
type backend struct {
	store   persistence.Store
	queue   taskqueue.Queue
	engine  *engine.Engine
	worker  *worker.Worker
	metrics *api.BasicMetrics

	closers []func() error
}

// gateways configures the fake collaborators the engine talks to.
type gateways struct {
	payments *gateway.PaymentGateway
	carrier  *gateway.Carrier
}

func openBackend(ctx context.Context, cfg *config.Config, gw gateways, logger *slog.Logger) (*backend, error) {
	b := &backend{metrics: &api.BasicMetrics{}}

	var sqliteDB *sql.DB
	switch cfg.Store.Driver {
	case config.DriverMemory:
		b.store = persistence.NewInMemoryStore()
	case config.DriverSQLite:
		db, err := sql.Open("sqlite", cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.Store.DSN, err)
		}
		// One connection serializes writers and keeps transactions honest.
		db.SetMaxOpenConns(1)
		b.closers = append(b.closers, db.Close)
		store, err := persistence.NewSQLiteStore(db)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.store, sqliteDB = store, db
	case config.DriverPostgres:
		db, err := sql.Open("pgx", cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		store, err := persistence.NewPostgresStore(db)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.store = store
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	switch cfg.Queue.Driver {
	case config.DriverMemory:
		b.queue = taskqueue.NewInMemoryQueue(cfg.Queue.Capacity)
	case config.DriverSQLite:
		if sqliteDB == nil {
			b.Close()
			return nil, errors.New("the sqlite queue needs the sqlite store")
		}
		q, err := taskqueue.NewSQLiteQueue(sqliteDB)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.queue = q
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
		b.closers = append(b.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Queue.RedisAddr, err)
		}
		b.queue = taskqueue.NewRedisQueue(client, cfg.Queue.Prefix)
	default:
		b.Close()
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}

	eng, err := engine.New(engine.Config{
		Store:    b.store,
		Queue:    b.queue,
		Payments: gw.payments,
		Carrier:  gw.carrier,
		Observer: api.NewCompositeObserver(api.NewLoggingObserver(logger), b.metrics),
		Logger:   logger,
		Tuning:   cfg.Tuning(),
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	b.engine = eng
	b.worker = worker.NewWithConfig(eng, b.queue, worker.Config{
		MaxAttempts: cfg.Worker.MaxAttempts,
		Backoff:     cfg.Worker.Backoff,
		MaxBackoff:  cfg.Worker.MaxBackoff,
		Logger:      logger,
	})
	return b, nil
}

// Close releases connections in reverse order of opening.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// start recovers in-flight instances and runs the worker pool until ctx is
// done. The returned channel is closed once the pool has stopped.
func (b *backend) start(ctx context.Context, concurrency int, logger *slog.Logger) (<-chan struct{}, error) {
	n, err := b.engine.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}
	if n > 0 {
		logger.Info("recovered in-flight instances", "count", n)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := b.worker.Run(ctx, concurrency); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker pool stopped", "error", err)
		}
	}()
	return done, nil
}

// waitFor polls the order until cond holds or ctx is done.
func (b *backend) waitFor(ctx context.Context, id string, cond func(*api.OrderStatus) bool) (*api.OrderStatus, error) {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		st, err := b.engine.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if cond(st) {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}
