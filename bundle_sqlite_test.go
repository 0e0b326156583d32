package orderflow

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	workerpkg "github.com/petrijr/orderflow/pkg/worker"
)

func openBundleDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	return db
}

// TestSQLiteBundle_DurableAcrossRestart shows that an order waiting for
// approval survives a process restart and can be approved afterwards.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbPath := filepath.Join(t.TempDir(), "orders.db")
	tuning := Tuning{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, LeaseTTL: time.Second}
	wcfg := workerpkg.Config{Backoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}

	// --- Phase 1: run the order up to the approval gate.

	db1 := openBundleDB(t, dbPath)
	bundle1, err := NewSQLiteBundle(db1, Options{Tuning: tuning}, wcfg)
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- bundle1.Run(runCtx, 2) }()

	_, err = bundle1.Engine.StartOrder(ctx, sampleOrder("durable-1"))
	require.NoError(t, err)
	_, err = WaitForState(ctx, bundle1.Engine, "durable-1", StateAwaitingApproval)
	require.NoError(t, err)

	stop()
	require.NoError(t, <-done)
	require.NoError(t, db1.Close())

	// --- Phase 2: a new process recovers the order and approves it.

	db2 := openBundleDB(t, dbPath)
	defer db2.Close()
	bundle2, err := NewSQLiteBundle(db2, Options{Tuning: tuning}, wcfg)
	require.NoError(t, err)

	res, err := Approve(ctx, bundle2.Engine, "durable-1")
	require.NoError(t, err)
	require.False(t, res.Applied, "not live before recovery")

	runCtx2, stop2 := context.WithCancel(ctx)
	defer stop2()
	go func() { _ = bundle2.Run(runCtx2, 2) }()

	require.Eventually(t, func() bool {
		res, err := Approve(ctx, bundle2.Engine, "durable-1")
		return err == nil && res.Applied
	}, 3*time.Second, 10*time.Millisecond)

	o, err := WaitForState(ctx, bundle2.Engine, "durable-1")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, o.State)

	events, err := bundle2.Engine.GetAuditLog(ctx, "durable-1")
	require.NoError(t, err)
	require.Len(t, events, 6)
}
