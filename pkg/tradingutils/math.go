package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// RoundQuantity rounds a quantity to the specified decimals
func RoundQuantity(qty decimal.Decimal, qtyDecimals int) decimal.Decimal {
	return qty.Round(int32(qtyDecimals))
}

// SnapToContractSize floors a base quantity to a whole number of contracts.
// A zero or negative contract size leaves the quantity untouched.
func SnapToContractSize(qty, contractSize decimal.Decimal) decimal.Decimal {
	if !contractSize.IsPositive() {
		return qty
	}
	contracts := qty.Div(contractSize).Floor()
	return contracts.Mul(contractSize)
}

// Contracts converts a base quantity into a whole contract count, floored.
func Contracts(qty, contractSize decimal.Decimal) int64 {
	if !contractSize.IsPositive() {
		return 0
	}
	return qty.Div(contractSize).Floor().IntPart()
}

// PctOf returns part/whole expressed in percent, zero when whole is zero.
func PctOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(decimal.NewFromInt(100))
}
