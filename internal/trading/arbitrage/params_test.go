package arbitrage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParamsValidate(t *testing.T) {
	p := DefaultParams()
	require.NoError(t, p.Validate())
	assert.Equal(t, "20", p.MaxPositionQuote().String())
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Params)
		wantErr string
	}{
		{"zero base size", func(p *Params) { p.BasePositionSize = decimal.Zero }, "base position size"},
		{"negative multiplier", func(p *Params) { p.MaxPositionMultiplier = decimal.NewFromInt(-1) }, "multiplier"},
		{"negative leverage", func(p *Params) { p.FuturesLeverage = decimal.NewFromInt(-2) }, "leverage"},
		{"exit below entry", func(p *Params) { p.ExitThresholdPct = d("-0.2") }, "exit threshold"},
		{"exit equal to entry", func(p *Params) { p.ExitThresholdPct = p.MaxEntryCostPct }, "exit threshold"},
		{"negative tolerance", func(p *Params) { p.DeltaTolerancePct = decimal.NewFromInt(-1) }, "delta tolerance"},
		{"negative age limit", func(p *Params) { p.PositionAgeLimit = -time.Second }, "age limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMaxPositionQuoteScalesWithMultiplier(t *testing.T) {
	p := DefaultParams()
	p.BasePositionSize = decimal.NewFromInt(50)
	p.MaxPositionMultiplier = d("2.5")
	assert.Equal(t, "125", p.MaxPositionQuote().String())
}
