// Package arbitrage holds the pure decision logic for delta-neutral
// spot-futures arbitrage: spread math, opportunity detection, exit and
// rebalance planning. Nothing here touches the network.
package arbitrage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Params are the per-task strategy knobs.
//
// Cost sign convention, used everywhere: a cost is (buy − sell) / buy × 100,
// so a favourable entry (selling above the buy price) is negative. Entries
// require cost strictly below MaxEntryCostPct.
type Params struct {
	// BasePositionSize is the quote-currency budget per entry.
	BasePositionSize decimal.Decimal
	// MaxPositionMultiplier scales the base size into the position cap.
	MaxPositionMultiplier decimal.Decimal
	// FuturesLeverage is applied on the futures account; it does not change
	// sizing, which is always expressed in base quantity.
	FuturesLeverage decimal.Decimal

	// MaxEntryCostPct gates entries (strict less-than).
	MaxEntryCostPct decimal.Decimal
	// ExitThresholdPct gates exits: unwind when the round-trip cost of
	// closing drops strictly below it.
	ExitThresholdPct decimal.Decimal
	// DeltaTolerancePct is the rebalance trigger on |delta|/gross in percent.
	DeltaTolerancePct decimal.Decimal

	// PositionAgeLimit force-exits pairs older than this. Zero disables.
	PositionAgeLimit time.Duration
	// MinProfitQuote skips exits that would realize less than this. Zero
	// disables.
	MinProfitQuote decimal.Decimal
}

// DefaultParams returns the conservative defaults; task config overrides.
func DefaultParams() Params {
	return Params{
		BasePositionSize:      decimal.NewFromInt(20),
		MaxPositionMultiplier: decimal.NewFromInt(1),
		FuturesLeverage:       decimal.NewFromInt(1),
		MaxEntryCostPct:       decimal.RequireFromString("-0.1"),
		ExitThresholdPct:      decimal.RequireFromString("0.03"),
		DeltaTolerancePct:     decimal.NewFromInt(2),
	}
}

// Validate rejects parameter sets that cannot trade sanely.
func (p Params) Validate() error {
	if !p.BasePositionSize.IsPositive() {
		return fmt.Errorf("base position size must be positive, got %s", p.BasePositionSize)
	}
	if !p.MaxPositionMultiplier.IsPositive() {
		return fmt.Errorf("max position multiplier must be positive, got %s", p.MaxPositionMultiplier)
	}
	if p.FuturesLeverage.IsNegative() {
		return fmt.Errorf("futures leverage must not be negative, got %s", p.FuturesLeverage)
	}
	if p.ExitThresholdPct.LessThanOrEqual(p.MaxEntryCostPct) {
		return fmt.Errorf("exit threshold %s must exceed max entry cost %s or every entry unwinds immediately",
			p.ExitThresholdPct, p.MaxEntryCostPct)
	}
	if p.DeltaTolerancePct.IsNegative() {
		return fmt.Errorf("delta tolerance must not be negative, got %s", p.DeltaTolerancePct)
	}
	if p.PositionAgeLimit < 0 {
		return fmt.Errorf("position age limit must not be negative, got %s", p.PositionAgeLimit)
	}
	return nil
}

// MaxPositionQuote is the quote-value cap for one pair.
func (p Params) MaxPositionQuote() decimal.Decimal {
	return p.BasePositionSize.Mul(p.MaxPositionMultiplier)
}
