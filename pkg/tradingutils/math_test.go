package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRoundQuantity(t *testing.T) {
	tests := []struct {
		name     string
		qty      string
		decimals int
		want     string
	}{
		{"rounds up at half", "0.19998", 1, "0.2"},
		{"rounds down below half", "0.14", 1, "0.1"},
		{"exact stays", "0.2", 1, "0.2"},
		{"zero decimals", "2.6", 0, "3"},
		{"high precision", "0.123456789", 8, "0.12345679"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundQuantity(decimal.RequireFromString(tt.qty), tt.decimals)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestRoundQuantity_Idempotent(t *testing.T) {
	for _, raw := range []string{"0.19998", "123.456789", "0.00000001", "42"} {
		q := decimal.RequireFromString(raw)
		once := RoundQuantity(q, 4)
		twice := RoundQuantity(once, 4)
		assert.True(t, once.Equal(twice), "rounding %s twice changed the value: %s vs %s", raw, once, twice)
	}
}

func TestSnapToContractSize(t *testing.T) {
	tests := []struct {
		name         string
		qty          string
		contractSize string
		want         string
	}{
		{"exact multiple", "0.2", "0.01", "0.2"},
		{"floors partial contract", "0.2049", "0.01", "0.2"},
		{"below one contract", "0.004", "0.01", "0"},
		{"zero size is passthrough", "0.123", "0", "0.123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SnapToContractSize(decimal.RequireFromString(tt.qty), decimal.RequireFromString(tt.contractSize))
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestContracts(t *testing.T) {
	assert.EqualValues(t, 20, Contracts(decimal.RequireFromString("0.2"), decimal.RequireFromString("0.01")))
	assert.EqualValues(t, 0, Contracts(decimal.RequireFromString("0.2"), decimal.Zero))
}

func TestPctOf(t *testing.T) {
	got := PctOf(decimal.RequireFromString("0.05"), decimal.RequireFromString("0.35"))
	assert.True(t, got.GreaterThan(decimal.RequireFromString("14.28")))
	assert.True(t, got.LessThan(decimal.RequireFromString("14.29")))
	assert.True(t, PctOf(decimal.NewFromInt(1), decimal.Zero).IsZero())
}
