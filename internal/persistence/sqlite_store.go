package persistence

import (
	"database/sql"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// SQLite allows a single writer; callers sharing one database between the
// store and a task queue should limit the pool with db.SetMaxOpenConns(1).
type SQLiteStore struct {
	*sqlStore
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{sqlStore: newSQLStore(db, dialectSQLite)}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL,
			items TEXT NOT NULL,
			amount REAL NOT NULL,
			approval_deadline INTEGER NOT NULL DEFAULT 0,
			approved_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS orders_state_idx ON orders (state);

		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			execution_time INTEGER NOT NULL DEFAULT 0,
			at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS events_order_idx ON events (order_id, seq);

		CREATE TABLE IF NOT EXISTS activity_attempts (
			order_id TEXT NOT NULL,
			activity TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			permanent INTEGER NOT NULL DEFAULT 0,
			execution_time INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (order_id, activity, attempt)
		);

		CREATE TABLE IF NOT EXISTS payments (
			idempotency_key TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			status TEXT NOT NULL,
			amount REAL NOT NULL,
			attempt INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			gateway_ref TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS payments_order_idx ON payments (order_id);
		CREATE UNIQUE INDEX IF NOT EXISTS payments_one_charged_idx ON payments (order_id) WHERE status = 'charged';

		CREATE TABLE IF NOT EXISTS shipments (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL,
			tracking TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS leases (
			instance_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
	)
	return err
}
