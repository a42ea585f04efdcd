// Package base provides shared plumbing for venue adapters: parsing helpers,
// handler registries, order tracking, and market-data caches.
package base

import (
	"time"

	"github.com/shopspring/decimal"

	"basis_arb/internal/core"
)

// Adapter carries the pieces every venue adapter shares.
type Adapter struct {
	Name   string
	Logger core.ILogger
}

// NewAdapter creates the shared adapter core.
func NewAdapter(name string, logger core.ILogger) *Adapter {
	return &Adapter{
		Name:   name,
		Logger: logger.WithField("venue", name),
	}
}

// GetName returns the venue name.
func (a *Adapter) GetName() string {
	return a.Name
}

// ParseDecimal safely parses a string to decimal. Malformed input logs a
// warning and yields zero rather than failing the whole payload.
func (a *Adapter) ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		a.Logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// ParseTimestamp safely parses a timestamp in milliseconds.
func (a *Adapter) ParseTimestamp(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
