package arbitrage

import (
	"github.com/shopspring/decimal"

	"basis_arb/internal/core"
)

var hundred = decimal.NewFromInt(100)

// CostPct is the round-trip cost of buying at buy and selling at sell,
// in percent of the buy price. Negative when the sell side pays more than
// the buy side costs. Zero buy price yields zero to avoid division blowups;
// callers validate tickers first.
func CostPct(buy, sell decimal.Decimal) decimal.Decimal {
	if buy.IsZero() {
		return decimal.Zero
	}
	return buy.Sub(sell).Div(buy).Mul(hundred)
}

// EntryCost is the cost of opening a pair in the given direction at the
// current books: buy one leg at its ask, sell the other at its bid.
func EntryCost(direction core.Direction, spot, futures core.BookTicker) decimal.Decimal {
	if direction == core.SpotToFutures {
		return CostPct(spot.AskPrice, futures.BidPrice)
	}
	return CostPct(futures.AskPrice, spot.BidPrice)
}

// UnwindCost is the cost of closing a pair that was opened in the given
// direction: sell the leg that was bought at its bid, buy back the leg that
// was sold at its ask.
func UnwindCost(direction core.Direction, spot, futures core.BookTicker) decimal.Decimal {
	if direction == core.SpotToFutures {
		return CostPct(futures.AskPrice, spot.BidPrice)
	}
	return CostPct(spot.AskPrice, futures.BidPrice)
}

// entryLegs resolves the per-direction execution prices and book depths:
// the buy leg takes the ask, the sell leg takes the bid.
func entryLegs(direction core.Direction, spot, futures core.BookTicker) (buyPrice, sellPrice, buyDepth, sellDepth decimal.Decimal) {
	if direction == core.SpotToFutures {
		return spot.AskPrice, futures.BidPrice, spot.AskQty, futures.BidQty
	}
	return futures.AskPrice, spot.BidPrice, futures.AskQty, spot.BidQty
}

// BuyRole names the leg bought on entry for a direction.
func BuyRole(direction core.Direction) core.Role {
	if direction == core.SpotToFutures {
		return core.RoleSpot
	}
	return core.RoleFutures
}

// SellRole names the leg sold on entry for a direction.
func SellRole(direction core.Direction) core.Role {
	if direction == core.SpotToFutures {
		return core.RoleFutures
	}
	return core.RoleSpot
}
