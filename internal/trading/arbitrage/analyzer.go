package arbitrage

import (
	"time"

	"github.com/shopspring/decimal"

	"basis_arb/internal/core"
	"basis_arb/pkg/tradingutils"
)

// Analyzer turns a pair of books into executable decisions. It is pure:
// the engine owns all state and feeds it the current view.
type Analyzer struct {
	params      Params
	spotInfo    core.SymbolInfo
	futuresInfo core.SymbolInfo
}

func NewAnalyzer(params Params, spotInfo, futuresInfo core.SymbolInfo) *Analyzer {
	return &Analyzer{params: params, spotInfo: spotInfo, futuresInfo: futuresInfo}
}

// FindOpportunity returns the best executable entry at the current books,
// or nil when nothing clears the entry threshold. Both tickers must be
// valid and fresh.
func (a *Analyzer) FindOpportunity(spot, futures core.BookTicker, now time.Time) *core.Opportunity {
	if !spot.Valid() || !futures.Valid() {
		return nil
	}
	if !spot.Fresh(now, core.MaxBookTickerAge) || !futures.Fresh(now, core.MaxBookTickerAge) {
		return nil
	}

	var best *core.Opportunity
	for _, direction := range []core.Direction{core.SpotToFutures, core.FuturesToSpot} {
		cost := EntryCost(direction, spot, futures)
		if !cost.LessThan(a.params.MaxEntryCostPct) {
			continue
		}
		buyPrice, sellPrice, buyDepth, sellDepth := entryLegs(direction, spot, futures)
		qty := a.sizeEntry(direction, buyPrice, sellPrice, buyDepth, sellDepth)
		if !qty.IsPositive() {
			continue
		}
		if best == nil || cost.LessThan(best.SpreadPct) {
			best = &core.Opportunity{
				Direction:   direction,
				SpreadPct:   cost,
				BuyPrice:    buyPrice,
				SellPrice:   sellPrice,
				MaxQuantity: qty,
				ObservedAt:  now,
			}
		}
	}
	return best
}

// sizeEntry sizes one pair: the quote budget converted at the buy price,
// capped by visible depth on both legs, snapped to both venue grids, and
// zeroed when either leg's minimums are not met.
func (a *Analyzer) sizeEntry(direction core.Direction, buyPrice, sellPrice, buyDepth, sellDepth decimal.Decimal) decimal.Decimal {
	if !buyPrice.IsPositive() {
		return decimal.Zero
	}

	budgetQty := a.params.BasePositionSize.Div(buyPrice).Mul(a.params.MaxPositionMultiplier)
	qty := tradingutils.RoundQuantity(budgetQty, int(a.spotInfo.BasePrecision))

	// Depth caps are floored so the order never asks for more than the book
	// shows.
	depthCap := decimal.Min(buyDepth, sellDepth).Truncate(a.spotInfo.BasePrecision)
	qty = decimal.Min(qty, depthCap)
	qty = tradingutils.SnapToContractSize(qty, a.futuresInfo.ContractSize)
	if !qty.IsPositive() {
		return decimal.Zero
	}

	spotPrice, futuresPrice := buyPrice, sellPrice
	if direction == core.FuturesToSpot {
		spotPrice, futuresPrice = sellPrice, buyPrice
	}

	if qty.LessThan(a.spotInfo.MinBaseQty) || qty.LessThan(a.futuresInfo.MinBaseQty) {
		return decimal.Zero
	}
	// Notional minimums are inclusive: exactly MinQuoteQty trades.
	if qty.Mul(spotPrice).LessThan(a.spotInfo.MinQuoteQty) {
		return decimal.Zero
	}
	if qty.Mul(futuresPrice).LessThan(a.futuresInfo.MinQuoteQty) {
		return decimal.Zero
	}
	return qty
}

// ShouldExit evaluates the unwind of a held pair. It returns the current
// unwind cost and whether to close now: either the cost dropped below the
// exit threshold or the pair outlived the configured age limit. Stale or
// invalid books never trigger an exit.
func (a *Analyzer) ShouldExit(direction core.Direction, openedAt time.Time, spot, futures core.BookTicker, now time.Time) (decimal.Decimal, bool) {
	if !spot.Valid() || !futures.Valid() {
		return decimal.Zero, false
	}
	if !spot.Fresh(now, core.MaxBookTickerAge) || !futures.Fresh(now, core.MaxBookTickerAge) {
		return decimal.Zero, false
	}

	cost := UnwindCost(direction, spot, futures)
	if cost.LessThan(a.params.ExitThresholdPct) {
		return cost, true
	}
	if a.params.PositionAgeLimit > 0 && now.Sub(openedAt) >= a.params.PositionAgeLimit {
		return cost, true
	}
	return cost, false
}

// EstimateProfitQuote is the expected round-trip profit in quote currency
// for closing qty at the given costs. Entry banks −entryCostPct of notional,
// the unwind pays unwindCostPct.
func EstimateProfitQuote(entryCostPct, unwindCostPct, qty, refPrice decimal.Decimal) decimal.Decimal {
	return entryCostPct.Add(unwindCostPct).Neg().Div(hundred).Mul(qty).Mul(refPrice)
}

// RebalancePlan is a market order restoring delta neutrality.
type RebalancePlan struct {
	Role     core.Role
	Side     core.Side
	Quantity decimal.Decimal
}

// PlanRebalance checks the pair's delta against the tolerance and, when
// breached, plans a market order on the excess leg for the imbalance.
func PlanRebalance(positions core.PositionState, tolerancePct decimal.Decimal) (RebalancePlan, bool) {
	if positions.IsFlat() || positions.IsNeutral(tolerancePct) {
		return RebalancePlan{}, false
	}

	delta := positions.Delta()
	plan := RebalancePlan{
		Role:     core.RoleSpot,
		Quantity: delta.Abs(),
	}
	if positions.Futures.Quantity.Abs().GreaterThan(positions.Spot.Quantity.Abs()) {
		plan.Role = core.RoleFutures
	}
	if delta.IsPositive() {
		plan.Side = core.SideSell
	} else {
		plan.Side = core.SideBuy
	}
	return plan, true
}
