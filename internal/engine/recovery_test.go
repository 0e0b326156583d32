package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/orderflow/internal/gateway"
	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/pkg/api"
)

// A process dying after the gateway charged but before the charge was
// committed must converge to one charged row and one real charge.
func TestRecover_CrashBetweenChargeAndCommit(t *testing.T) {
	forEachStore(t, func(t *testing.T, store persistence.Store) {
		g := gateway.NewPaymentGateway(nil)
		first := newHarness(t, store, withPayments(g))

		var once sync.Once
		g.OnCharge = func(req api.ChargeRequest) {
			once.Do(first.cancel)
		}

		first.start("crashy")
		first.waitState("crashy", api.OrderAwaitingApproval)
		first.signal("crashy", approve())
		require.Eventually(t, func() bool { return g.Charges("crashy") == 1 }, 3*time.Second, 2*time.Millisecond)
		first.stop()

		ctx := context.Background()
		o, err := store.GetOrder(ctx, "crashy")
		require.NoError(t, err)
		require.Equal(t, api.OrderCharging, o.State)

		attempts := first.attempts("crashy", ActivityChargePayment)
		require.Len(t, attempts, 1)
		require.Equal(t, api.AttemptStarted, attempts[0].Status)
		p, err := store.GetPayment(ctx, "crashy-payment-1")
		require.NoError(t, err)
		require.Equal(t, api.PaymentPending, p.Status)

		second := newHarness(t, store, withPayments(g))
		n, err := second.eng.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		second.waitState("crashy", api.OrderCompleted)

		assert.Equal(t, 1, g.Charges("crashy"))
		assert.Equal(t, 2, g.Calls())

		payments := second.ledger("crashy")
		require.Len(t, payments, 1)
		assert.Equal(t, api.PaymentCharged, payments[0].Status)
		assert.Equal(t, "crashy-payment-1", payments[0].IdempotencyKey)

		attempts = second.attempts("crashy", ActivityChargePayment)
		require.Len(t, attempts, 1)
		assert.Equal(t, api.AttemptCompleted, attempts[0].Status)
	})
}

// A decline recorded just before the process died must fail the order on
// recovery instead of charging again under the next key.
func TestRecover_CrashAfterDeclineDoesNotRetryCharge(t *testing.T) {
	forEachStore(t, func(t *testing.T, store persistence.Store) {
		ctx := context.Background()
		declining := gateway.NewPaymentGateway(gateway.Always(gateway.Decline))
		obs := &crashOnFailure{activity: ActivityChargePayment}
		first := newHarness(t, store, withPayments(declining), withObserver(obs))
		obs.crash = first.cancel

		first.start("declined")
		first.waitState("declined", api.OrderAwaitingApproval)
		first.signal("declined", approve())
		<-first.done

		o, err := store.GetOrder(ctx, "declined")
		require.NoError(t, err)
		require.Equal(t, api.OrderCharging, o.State)
		attempts := first.attempts("declined", ActivityChargePayment)
		require.Len(t, attempts, 1)
		require.Equal(t, api.AttemptFailed, attempts[0].Status)
		require.True(t, attempts[0].Permanent)

		// The replacement process talks to a gateway that would accept.
		accepting := gateway.NewPaymentGateway(nil)
		second := newHarness(t, store, withPayments(accepting))
		_, err = second.eng.Recover(ctx)
		require.NoError(t, err)

		o = second.waitState("declined", api.OrderFailed)
		assert.Equal(t, api.ReasonPaymentFailed, o.Reason)
		assert.Zero(t, accepting.Calls())
		assert.Equal(t, 1, declining.Calls())
		assert.Len(t, second.attempts("declined", ActivityChargePayment), 1)

		payments := second.ledger("declined")
		require.Len(t, payments, 1)
		assert.Equal(t, api.PaymentFailed, payments[0].Status)
	})
}

func TestRecover_ResumesAwaitingApprovalAfterRestart(t *testing.T) {
	_, store := newSQLiteTestStore(t)
	ctx := context.Background()

	first := newHarness(t, store)
	first.start("sleeper")
	first.waitState("sleeper", api.OrderAwaitingApproval)
	first.stop()

	second := newHarness(t, store)

	// Not live until recovered.
	res := second.signal("sleeper", approve())
	assert.False(t, res.Applied)

	n, err := second.eng.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.True(t, second.signal("sleeper", approve()).Applied)
	second.waitState("sleeper", api.OrderCompleted)

	assert.Equal(t, []api.EventType{
		api.EventOrderReceived,
		api.EventValidationPassed,
		api.EventOrderApproved,
		api.EventPaymentCharged,
		api.EventPackagePrepared,
		api.EventCarrierDispatched,
	}, second.eventTypes("sleeper"))
}

func TestRecover_RearmsApprovalDeadline(t *testing.T) {
	_, store := newSQLiteTestStore(t)
	ctx := context.Background()
	short := withTuning(func(tu *Tuning) { tu.ApprovalTimeout = 300 * time.Millisecond })

	first := newHarness(t, store, short)
	first.start("forgotten")
	first.waitState("forgotten", api.OrderAwaitingApproval)
	first.stop()

	second := newHarness(t, store, short)
	_, err := second.eng.Recover(ctx)
	require.NoError(t, err)

	o := second.waitState("forgotten", api.OrderCancelled)
	assert.Equal(t, api.ReasonApprovalTimeout, o.Reason)
}

func TestRecover_ResumesInFlightShipment(t *testing.T) {
	forEachStore(t, func(t *testing.T, store persistence.Store) {
		ctx := context.Background()

		// Dispatch hangs until the first process is gone.
		carrier := gateway.NewCarrier(nil, gateway.Scripted(gateway.Hang))
		first := newHarness(t, store, withCarrier(carrier), withTuning(func(tu *Tuning) {
			tu.ActivityTimeout = 5 * time.Second
		}))
		first.start("parcel")
		first.waitState("parcel", api.OrderAwaitingApproval)
		first.signal("parcel", approve())

		require.Eventually(t, func() bool {
			s, err := store.GetShipment(ctx, api.ShipmentID("parcel"))
			return err == nil && s.State == api.ShipmentDispatching
		}, 3*time.Second, 2*time.Millisecond)
		first.stop()

		second := newHarness(t, store, withCarrier(carrier))
		n, err := second.eng.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		second.waitState("parcel", api.OrderCompleted)
		s, err := store.GetShipment(ctx, api.ShipmentID("parcel"))
		require.NoError(t, err)
		assert.Equal(t, api.ShipmentDelivered, s.State)
		assert.Len(t, second.attempts("parcel", ActivityDispatchCarrier), 1)
	})
}

func TestRecover_SkipsTerminalOrders(t *testing.T) {
	store := persistence.NewInMemoryStore()
	ctx := context.Background()

	first := newHarness(t, store)
	first.start("finished")
	first.waitState("finished", api.OrderAwaitingApproval)
	first.signal("finished", cancelSignal())
	first.waitState("finished", api.OrderCancelled)
	first.stop()

	second := newHarness(t, store)
	n, err := second.eng.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
