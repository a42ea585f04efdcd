package e2e

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRestartRevalidatesAndCancelsRestoredOrders crashes the engine with a
// resting entry pair, then restarts it over the same snapshot root and the
// same venues. The restored orders must be revalidated against the venue,
// canceled during recovery, and never replaced by a second entry.
func TestRestartRevalidatesAndCancelsRestoredOrders(t *testing.T) {
	spot, futures, spotSym, futSym := newVenues()
	snapshotRoot := t.TempDir()
	ctx := context.Background()

	first := newStack(t, "e2e-crash", fastConfig(), snapshotRoot, spot, futures, spotSym, futSym, nil)
	first.start(t)
	first.entryBooks()

	require.Eventually(t, func() bool {
		return len(spot.OpenOrders(spotSym)) == 1 && len(futures.OpenOrders(futSym)) == 1
	}, waitFor, pollTick, "entry pair never placed")

	// Wait for a snapshot that carries the live pair; that is what the next
	// process will wake up to.
	require.Eventually(t, func() bool {
		restored, err := first.snaps.Restore(ctx)
		return err == nil && restored != nil && restored.ActiveOrderCount() == 2
	}, waitFor, pollTick, "snapshot never caught the live pair")

	// Crash. The loop dies without touching the venues, so both legs keep
	// resting.
	first.stop(t)
	require.Len(t, spot.OpenOrders(spotSym), 1)
	require.Len(t, futures.OpenOrders(futSym), 1)

	// The basis normalizes while the process is down.
	first.flatBooks()

	second := newStack(t, "e2e-crash", fastConfig(), snapshotRoot, spot, futures, spotSym, futSym, nil)
	second.start(t)

	// Restart distrusts the restored pair and pulls both legs.
	require.Eventually(t, func() bool {
		return len(spot.OpenOrders(spotSym)) == 0 && len(futures.OpenOrders(futSym)) == 0
	}, waitFor, pollTick, "restored orders never canceled")

	// No double entry: the only orders the venues ever saw are the two from
	// the first run.
	assert.Never(t, func() bool {
		return spot.OrderCount() > 1 || futures.OrderCount() > 1
	}, settle, pollTick, "restart must not place new orders")

	second.stop(t)

	restored, err := second.snaps.Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, 0, restored.ActiveOrderCount())
	assert.True(t, restored.Positions.IsFlat())
	assert.Equal(t, int64(1), restored.Counters.Cycles, "cycle count carries across the restart")
}
