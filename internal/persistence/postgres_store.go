package persistence

import (
	"database/sql"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore struct {
	*sqlStore
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database
// and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	p := &PostgresStore{sqlStore: newSQLStore(db, dialectPostgres)}
	if err := p.initSchema(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PostgresStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL,
			items TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			approval_deadline BIGINT NOT NULL DEFAULT 0,
			approved_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS orders_state_idx ON orders (state)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq BIGSERIAL PRIMARY KEY,
			order_id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			execution_time BIGINT NOT NULL DEFAULT 0,
			at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS events_order_idx ON events (order_id, seq)`,
		`CREATE TABLE IF NOT EXISTS activity_attempts (
			order_id TEXT NOT NULL,
			activity TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			permanent INTEGER NOT NULL DEFAULT 0,
			execution_time BIGINT NOT NULL DEFAULT 0,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (order_id, activity, attempt)
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			idempotency_key TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			status TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			attempt INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			gateway_ref TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS payments_order_idx ON payments (order_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS payments_one_charged_idx ON payments (order_id) WHERE status = 'charged'`,
		`CREATE TABLE IF NOT EXISTS shipments (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL,
			tracking TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS leases (
			instance_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
