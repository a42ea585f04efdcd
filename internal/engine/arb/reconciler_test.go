package arb

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basis_arb/internal/core"
)

func TestDiffOrders(t *testing.T) {
	mk := func(id string) core.Order { return core.Order{OrderID: id} }
	tracked := map[string]core.Order{"a": mk("a"), "b": mk("b")}

	cases := []struct {
		name    string
		venue   []core.Order
		strays  []string
		missing []string
	}{
		{name: "in sync", venue: []core.Order{mk("a"), mk("b")}},
		{name: "stray on venue", venue: []core.Order{mk("a"), mk("b"), mk("c")}, strays: []string{"c"}},
		{name: "vanished from venue", venue: []core.Order{mk("a")}, missing: []string{"b"}},
		{name: "both at once", venue: []core.Order{mk("a"), mk("x")}, strays: []string{"x"}, missing: []string{"b"}},
		{name: "venue empty", venue: nil, missing: []string{"a", "b"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			diff := diffOrders(tracked, tc.venue)

			var strayIDs []string
			for _, order := range diff.strays {
				strayIDs = append(strayIDs, order.OrderID)
			}
			assert.Equal(t, tc.strays, strayIDs)
			assert.Equal(t, tc.missing, diff.missing)
			assert.Equal(t, len(tc.strays) == 0 && len(tc.missing) == 0, diff.empty())
		})
	}
}

func TestApplyReconcileCancelsStrays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(ctx)

	stray, err := h.spot.Private().PlaceLimitOrder(ctx, core.OrderRequest{
		Symbol: h.spotSym, Side: core.SideBuy, Type: core.TypeLimit,
		Quantity: dec("0.1"), Price: dec("99.00"),
	})
	require.NoError(t, err)

	h.engine.applyReconcile(ctx, reconcileReport{role: core.RoleSpot, orders: []core.Order{stray}})

	got, ok := h.spot.Order(stray.OrderID)
	require.True(t, ok)
	assert.Equal(t, core.StatusCanceled, got.Status)
	assert.Equal(t, 0, h.engine.ec.ActiveOrderCount(), "a stray is cancelled, never adopted")
}

func TestApplyReconcileRetiresOrdersThatFinishedOffStream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(ctx)

	placed, err := h.spot.Private().PlaceLimitOrder(ctx, core.OrderRequest{
		Symbol: h.spotSym, Side: core.SideBuy, Type: core.TypeLimit,
		Quantity: dec("0.2"), Price: dec("100.01"),
	})
	require.NoError(t, err)
	h.engine.ec.trackOrder(core.RoleSpot, placed)
	require.NoError(t, h.spot.FillOrder(placed.OrderID, decimal.Zero, decimal.Zero))

	// The fill update was missed: the venue listing no longer shows the
	// order, so the reconciler resolves it to its terminal state.
	h.engine.applyReconcile(ctx, reconcileReport{role: core.RoleSpot, orders: nil})

	assert.Equal(t, 0, h.engine.ec.ActiveOrderCount())
}

func TestApplyReconcileDropsOrdersTheVenueNeverSaw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(ctx)

	h.engine.ec.trackOrder(core.RoleSpot, core.Order{
		OrderID: "4242", Symbol: h.spotSym, Side: core.SideBuy, Type: core.TypeLimit,
		Quantity: dec("0.2"), Status: core.StatusNew,
	})

	h.engine.applyReconcile(ctx, reconcileReport{role: core.RoleSpot, orders: nil})

	assert.Equal(t, 0, h.engine.ec.ActiveOrderCount())
}

func TestApplyReconcileKeepsStateOnListingError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(ctx)

	h.engine.ec.trackOrder(core.RoleSpot, core.Order{
		OrderID: "1000", Symbol: h.spotSym, Side: core.SideBuy, Type: core.TypeLimit,
		Quantity: dec("0.2"), Status: core.StatusNew,
	})

	h.engine.applyReconcile(ctx, reconcileReport{role: core.RoleSpot, err: errors.New("listing timed out")})

	assert.Equal(t, 1, h.engine.ec.ActiveOrderCount(), "a failed listing must not mutate tracked state")
}
