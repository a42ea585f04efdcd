package arb

import (
	"context"
	"errors"
	"time"

	"basis_arb/internal/core"
	apperrors "basis_arb/pkg/errors"
	"basis_arb/pkg/telemetry"
)

// reconcileReport is one venue's open-order listing, taken by the background
// poller and applied on the loop goroutine.
type reconcileReport struct {
	role   core.Role
	orders []core.Order
	err    error
}

// pollVenueOrders periodically lists open orders per leg and hands the
// listings to the engine loop. The listing is the slow REST half; the compare
// runs on the loop, where the context lives. Forced listings also converge
// the venue adapters' own open-order maps.
func (e *Engine) pollVenueOrders(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, role := range e.manager.Roles() {
			orders, err := e.manager.GetOpenOrders(ctx, role, true)
			select {
			case e.reconcileCh <- reconcileReport{role: role, orders: orders, err: err}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// orderDiff is the disagreement between the tracked set and a venue listing.
type orderDiff struct {
	// strays are open on the venue but not tracked.
	strays []core.Order
	// missing are tracked but absent from the venue's open set.
	missing []string
}

func (d orderDiff) empty() bool {
	return len(d.strays) == 0 && len(d.missing) == 0
}

func diffOrders(tracked map[string]core.Order, venueOpen []core.Order) orderDiff {
	var diff orderDiff
	onVenue := make(map[string]bool, len(venueOpen))
	for _, order := range venueOpen {
		onVenue[order.OrderID] = true
		if _, ok := tracked[order.OrderID]; !ok {
			diff.strays = append(diff.strays, order)
		}
	}
	for _, id := range sortedOrderIDs(tracked) {
		if !onVenue[id] {
			diff.missing = append(diff.missing, id)
		}
	}
	return diff
}

// applyReconcile converges the tracked order set with a venue listing: strays
// are canceled, missing orders resolved by REST and retired or re-adopted as
// the venue reports them.
func (e *Engine) applyReconcile(ctx context.Context, rep reconcileReport) {
	if rep.err != nil {
		e.logger.Warn("reconcile listing failed", "role", string(rep.role), "error", rep.err)
		return
	}

	diff := diffOrders(e.ec.ActiveOrders[rep.role], rep.orders)
	if diff.empty() {
		return
	}

	for _, stray := range diff.strays {
		e.logger.Warn("stray venue order, canceling",
			"role", string(rep.role), "order_id", stray.OrderID, "side", string(stray.Side),
			"qty", stray.Quantity.String(), "price", stray.Price.String())
		if _, err := e.manager.CancelOrder(ctx, rep.role, stray.OrderID); err != nil &&
			!errors.Is(err, apperrors.ErrOrderNotFound) {
			e.logger.Error("stray cancel failed",
				"role", string(rep.role), "order_id", stray.OrderID, "error", err)
		}
	}

	for _, id := range diff.missing {
		resolved, err := e.manager.GetActiveOrder(ctx, rep.role, id)
		switch {
		case errors.Is(err, apperrors.ErrOrderNotFound):
			e.ec.dropOrder(rep.role, id)
			e.logger.Warn("tracked order vanished from venue, dropped",
				"role", string(rep.role), "order_id", id)
		case err != nil:
			e.logger.Warn("tracked order resolve failed",
				"role", string(rep.role), "order_id", id, "error", err)
		case resolved.IsDone():
			e.retireOrder(rep.role, resolved)
			e.logger.Info("tracked order finished off-stream, retired",
				"role", string(rep.role), "order_id", id, "status", string(resolved.Status))
		default:
			e.ec.trackOrder(rep.role, resolved)
		}
	}

	telemetry.GetGlobalMetrics().SetActiveOrders(e.ec.TaskID, int64(e.ec.ActiveOrderCount()))
	e.offerSnapshot(e.now())
}
