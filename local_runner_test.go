package orderflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleOrder(id string) OrderRequest {
	return OrderRequest{
		ID: id,
		Address: Address{
			Name:       "Grace Hopper",
			Street:     "1 Navy Yard",
			City:       "Arlington",
			PostalCode: "22202",
			Country:    "US",
		},
		Items: []Item{{SKU: "COBOL-MANUAL", Quantity: 1, UnitPrice: 42}},
	}
}

// TestLocalRunner_ApproveToCompletion drives one order through the
// in-memory runner with the default fake gateways.
func TestLocalRunner_ApproveToCompletion(t *testing.T) {
	runner, err := NewLocalRunner(Options{})
	if err != nil {
		t.Fatalf("NewLocalRunner failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := runner.StartWorkers(ctx, 2); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer runner.Stop()

	if err := runner.StartWorkers(ctx, 2); err == nil {
		t.Fatalf("expected second StartWorkers to fail")
	}

	if _, err := runner.Engine.StartOrder(ctx, sampleOrder("local-1")); err != nil {
		t.Fatalf("StartOrder failed: %v", err)
	}

	o, err := WaitForState(ctx, runner.Engine, "local-1", StateAwaitingApproval)
	if err != nil {
		t.Fatalf("WaitForState failed: %v", err)
	}
	if o.State != StateAwaitingApproval {
		t.Fatalf("expected %s, got %s", StateAwaitingApproval, o.State)
	}

	res, err := Approve(ctx, runner.Engine, "local-1")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if !res.Applied {
		t.Fatalf("approve not applied: %s", res.Reason)
	}

	o, err = WaitForState(ctx, runner.Engine, "local-1")
	if err != nil {
		t.Fatalf("WaitForState failed: %v", err)
	}
	if o.State != StateCompleted {
		t.Fatalf("expected %s, got %s (%s)", StateCompleted, o.State, o.Reason)
	}

	st, err := runner.Engine.GetStatus(ctx, "local-1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if st.Shipment == nil || st.Shipment.Tracking == "" {
		t.Fatalf("expected a dispatched shipment, got %+v", st.Shipment)
	}
}

func TestLocalRunner_CancelAndAddressChange(t *testing.T) {
	metrics := &BasicMetrics{}
	runner, err := NewLocalRunner(Options{Observer: metrics})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runner.StartWorkers(ctx, 2))
	defer runner.Stop()

	_, err = runner.Engine.StartOrder(ctx, sampleOrder("local-2"))
	require.NoError(t, err)
	_, err = WaitForState(ctx, runner.Engine, "local-2", StateAwaitingApproval)
	require.NoError(t, err)

	moved := sampleOrder("local-2").Address
	moved.City = "Philadelphia"
	res, err := UpdateAddress(ctx, runner.Engine, "local-2", moved)
	require.NoError(t, err)
	require.True(t, res.Applied)

	res, err = Cancel(ctx, runner.Engine, "local-2")
	require.NoError(t, err)
	require.True(t, res.Applied)

	o, err := WaitForState(ctx, runner.Engine, "local-2")
	require.NoError(t, err)
	require.Equal(t, StateCancelled, o.State)
	require.Equal(t, "Philadelphia", o.Address.City)

	res, err = Approve(ctx, runner.Engine, "local-2")
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Equal(t, "order is cancelled", res.Reason)

	require.Eventually(t, func() bool {
		return metrics.Snapshot().OrdersCancelled == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLocalRunner_StopWithoutStart(t *testing.T) {
	runner, err := NewLocalRunner(Options{})
	require.NoError(t, err)
	runner.Stop()
	runner.Stop()
}
