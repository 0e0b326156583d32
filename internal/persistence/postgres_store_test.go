//go:build integration

package persistence

import (
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/orderflow/internal/testutil"
)

// With the integration tag every store test also runs against Postgres.
func init() {
	storeFactories["postgres"] = newTestPostgresStore
}

func newTestPostgresStore(t *testing.T) Store {
	t.Helper()

	dsn := testutil.GetPostgresEndpoint(t)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	_, err = db.Exec(`TRUNCATE orders, events, activity_attempts, payments, shipments, leases`)
	require.NoError(t, err)

	return store
}
