package e2e

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basis_arb/internal/core"
)

// TestPartialEntryFailureCancelsSibling rejects the futures leg at the venue.
// The already-placed spot leg must be pulled, and once the venue recovers the
// engine enters again cleanly.
func TestPartialEntryFailureCancelsSibling(t *testing.T) {
	spot, futures, spotSym, futSym := newVenues()
	s := newStack(t, "e2e-partial", fastConfig(), t.TempDir(), spot, futures, spotSym, futSym, nil)
	s.start(t)

	futures.FailNextPlace(errors.New("margin check rejected"))
	s.entryBooks()

	// The spot leg goes out, the futures leg is rejected, and the sibling is
	// canceled before anything fills.
	require.Eventually(t, func() bool {
		if spot.OrderCount() == 0 {
			return false
		}
		order, ok := spot.Order("1000")
		return ok && order.Status == core.StatusCanceled
	}, waitFor, pollTick, "spot sibling never canceled")

	// After the recovery backoff the engine hunts again; this time the venue
	// accepts and a fresh pair rests.
	require.Eventually(t, func() bool {
		return len(spot.OpenOrders(spotSym)) == 1 && len(futures.OpenOrders(futSym)) == 1
	}, waitFor, pollTick, "engine never re-entered after recovery")
	assert.Equal(t, 2, spot.OrderCount())
	assert.Equal(t, 1, futures.OrderCount())

	s.stop(t)

	restored, err := s.snaps.Restore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.GreaterOrEqual(t, restored.Counters.Failures, int64(1))
}

// TestDeltaDriftRebalancedByMarketOrder fills the legs unevenly: spot takes
// the full 0.2, futures only 0.15 before the rest is pulled. The 14 % delta
// ratio breaches the 2 % tolerance and the engine market-sells the 0.05 spot
// excess.
func TestDeltaDriftRebalancedByMarketOrder(t *testing.T) {
	spot, futures, spotSym, futSym := newVenues()
	s := newStack(t, "e2e-drift", fastConfig(), t.TempDir(), spot, futures, spotSym, futSym, nil)
	s.start(t)
	s.entryBooks()

	require.Eventually(t, func() bool {
		return len(spot.OpenOrders(spotSym)) == 1 && len(futures.OpenOrders(futSym)) == 1
	}, waitFor, pollTick, "entry pair never placed")
	spotID := spot.OpenOrders(spotSym)[0].OrderID
	futID := futures.OpenOrders(futSym)[0].OrderID

	require.NoError(t, spot.FillOrder(spotID, decimal.Zero, decimal.Zero))
	require.NoError(t, futures.FillOrder(futID, dec("0.15"), decimal.Zero))
	_, err := futures.Private().CancelOrder(context.Background(), futSym, futID)
	require.NoError(t, err)

	// Once the order set is quiet the engine sees +0.20 vs -0.15 and sells
	// the spot excess at market.
	require.Eventually(t, func() bool {
		return spot.Position(spotSym).Quantity.Equal(dec("0.15"))
	}, waitFor, pollTick, "spot excess never sold down")

	rebalance, ok := spot.Order("1001")
	require.True(t, ok, "rebalance order missing")
	assert.Equal(t, core.TypeMarket, rebalance.Type)
	assert.Equal(t, core.SideSell, rebalance.Side)
	assert.Equal(t, "0.05", rebalance.Quantity.String())
	assert.Equal(t, core.StatusFilled, rebalance.Status)
	assert.True(t, futures.Position(futSym).Quantity.Equal(dec("-0.15")))

	// Neutral again at 0.15 a side; the basis is still wide open, so the
	// held pair must neither exit nor grow.
	assert.Never(t, func() bool {
		return spot.OrderCount() > 2 || futures.OrderCount() > 1
	}, settle, pollTick, "no further orders after rebalancing")

	s.stop(t)
}

// TestStreamGapReconciledFromVenue drops both private streams mid-trade: the
// resting pair fills while nobody is listening. After the reconnect the order
// poller must converge the tracked set against the venue's book of record.
func TestStreamGapReconciledFromVenue(t *testing.T) {
	spot, futures, spotSym, futSym := newVenues()
	cfg := fastConfig()
	cfg.ReconcileInterval = 25 * time.Millisecond
	s := newStack(t, "e2e-reconnect", cfg, t.TempDir(), spot, futures, spotSym, futSym, nil)
	s.start(t)
	s.entryBooks()

	require.Eventually(t, func() bool {
		return len(spot.OpenOrders(spotSym)) == 1 && len(futures.OpenOrders(futSym)) == 1
	}, waitFor, pollTick, "entry pair never placed")
	waitActiveOrders(t, s.taskID, 2)

	// Streams drop. Both legs fill and the basis normalizes while the
	// engine is deaf.
	spot.SetQuiet(true)
	futures.SetQuiet(true)
	spot.FillAll(spotSym)
	futures.FillAll(futSym)
	s.flatBooks()
	spot.SetQuiet(false)
	futures.SetQuiet(false)

	// The next reconcile pass resolves both tracked orders against the
	// venue, finds them filled, and retires them.
	waitActiveOrders(t, s.taskID, 0)

	spotOrder, ok := spot.Order("1000")
	require.True(t, ok)
	assert.Equal(t, core.StatusFilled, spotOrder.Status)
	futOrder, ok := futures.Order("1000")
	require.True(t, ok)
	assert.Equal(t, core.StatusFilled, futOrder.Status)

	// Nothing new goes out on a flat basis.
	assert.Never(t, func() bool {
		return spot.OrderCount() > 1 || futures.OrderCount() > 1
	}, settle, pollTick, "no new orders after reconcile")

	s.stop(t)
}
