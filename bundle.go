package orderflow

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	workerpkg "github.com/petrijr/orderflow/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable task queue, and a Worker
// that consumes tasks from that queue.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	// queue is kept unexported; the public API focuses on Engine and Worker.
	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Orders, their audit trail and queued wake-ups
// are persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:orders.db")
//	db.SetMaxOpenConns(1)
//	bundle, err := orderflow.NewSQLiteBundle(db, orderflow.Options{}, orderflow.WorkerConfig{})
//	go bundle.Run(ctx, 4)
func NewSQLiteBundle(db *sql.DB, opts Options, cfg workerpkg.Config) (*WorkerBundle, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return newBundle(store, q, opts, cfg)
}

// NewPostgresBundle keeps orders in PostgreSQL and wake-ups in Redis under
// prefix. db must use a PostgreSQL driver such as pgx/v5/stdlib.
func NewPostgresBundle(db *sql.DB, client *redis.Client, prefix string, opts Options, cfg workerpkg.Config) (*WorkerBundle, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return newBundle(store, taskqueue.NewRedisQueue(client, prefix), opts, cfg)
}

func newBundle(store persistence.Store, q taskqueue.Queue, opts Options, cfg workerpkg.Config) (*WorkerBundle, error) {
	if cfg.Logger == nil {
		cfg.Logger = opts.Logger
	}
	eng, err := newEngine(store, q, opts)
	if err != nil {
		return nil, err
	}
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.NewWithConfig(eng, q, cfg),
		queue:  q,
	}, nil
}

// Run recovers every in-flight order and shipment, then consumes the queue
// with concurrency workers until ctx is done.
func (b *WorkerBundle) Run(ctx context.Context, concurrency int) error {
	if _, err := b.Engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	return b.Worker.Run(ctx, concurrency)
}
