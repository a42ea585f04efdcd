package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Freshness windows applied to streaming market data. Anything at or past
// the window is stale and must not be acted on.
const (
	MaxBookTickerAge  = 5 * time.Second
	MaxOpportunityAge = 5 * time.Second
)

// Role identifies the leg a venue plays in an arbitrage pair, independent of
// the venue's identity.
type Role string

const (
	RoleSpot    Role = "spot"
	RoleFutures Role = "futures"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the order type.
type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

// OrderStatus is the canonical order status shared by all venues.
type OrderStatus string

const (
	StatusNew               OrderStatus = "NEW"
	StatusPartiallyFilled   OrderStatus = "PARTIALLY_FILLED"
	StatusFilled            OrderStatus = "FILLED"
	StatusCanceled          OrderStatus = "CANCELED"
	StatusPartiallyCanceled OrderStatus = "PARTIALLY_CANCELED"
	StatusRejected          OrderStatus = "REJECTED"
	StatusExpired           OrderStatus = "EXPIRED"
	StatusUnknown           OrderStatus = "UNKNOWN"
)

// IsDone reports whether the status is terminal.
func (s OrderStatus) IsDone() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusPartiallyCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Symbol identifies a trading pair. The Futures flag distinguishes the
// perpetual contract from the spot pair of the same assets. Comparable,
// usable as a map key.
type Symbol struct {
	Base    string `json:"base" yaml:"base"`
	Quote   string `json:"quote" yaml:"quote"`
	Futures bool   `json:"futures,omitempty" yaml:"futures,omitempty"`
}

// String renders "BTC/USDT" for spot and "BTC/USDT:PERP" for futures.
func (s Symbol) String() string {
	if s.Futures {
		return fmt.Sprintf("%s/%s:PERP", s.Base, s.Quote)
	}
	return fmt.Sprintf("%s/%s", s.Base, s.Quote)
}

// Perp returns the futures twin of a spot symbol.
func (s Symbol) Perp() Symbol {
	s.Futures = true
	return s
}

// SymbolInfo carries the venue trading rules for one symbol.
type SymbolInfo struct {
	Symbol         Symbol          `json:"symbol"`
	BasePrecision  int32           `json:"base_precision"`
	QuotePrecision int32           `json:"quote_precision"`
	MinBaseQty     decimal.Decimal `json:"min_base_qty"`
	MinQuoteQty    decimal.Decimal `json:"min_quote_qty"`
	MakerFee       decimal.Decimal `json:"maker_fee"`
	TakerFee       decimal.Decimal `json:"taker_fee"`
	Active         bool            `json:"active"`
	// ContractSize is the base quantity represented by one contract.
	// Zero for spot symbols.
	ContractSize decimal.Decimal `json:"contract_size"`
}

// BookTicker is the top of book for one symbol at one venue.
type BookTicker struct {
	Symbol    Symbol          `json:"symbol"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	BidQty    decimal.Decimal `json:"bid_qty"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	AskQty    decimal.Decimal `json:"ask_qty"`
	UpdateID  int64           `json:"update_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// Fresh reports whether the ticker is younger than maxAge. A ticker exactly
// maxAge old is stale.
func (bt BookTicker) Fresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(bt.Timestamp) < maxAge
}

// Valid reports whether both sides carry a positive price.
func (bt BookTicker) Valid() bool {
	return bt.BidPrice.IsPositive() && bt.AskPrice.IsPositive()
}

// PriceLevel is one (price, size) rung of an order book.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// OrderBook is a depth view: bids descending, asks ascending.
type OrderBook struct {
	Symbol    Symbol       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	UpdateID  int64        `json:"update_id"`
	Timestamp time.Time    `json:"timestamp"`
}

// Top derives the book ticker from the first level of each side.
func (ob OrderBook) Top() (BookTicker, bool) {
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return BookTicker{}, false
	}
	return BookTicker{
		Symbol:    ob.Symbol,
		BidPrice:  ob.Bids[0].Price,
		BidQty:    ob.Bids[0].Qty,
		AskPrice:  ob.Asks[0].Price,
		AskQty:    ob.Asks[0].Qty,
		UpdateID:  ob.UpdateID,
		Timestamp: ob.Timestamp,
	}, true
}

// UpdateType tags order book deliveries.
type UpdateType string

const (
	UpdateSnapshot UpdateType = "SNAPSHOT"
	UpdateDiff     UpdateType = "DIFF"
)

// Order is an order intent plus its current venue state.
type Order struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        Symbol          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	Price         decimal.Decimal `json:"price"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsDone reports whether the order reached a terminal status.
func (o Order) IsDone() bool {
	return o.Status.IsDone()
}

// SignedFilledQty returns the fill quantity signed by side.
func (o Order) SignedFilledQty() decimal.Decimal {
	if o.Side == SideSell {
		return o.FilledQty.Neg()
	}
	return o.FilledQty
}

// OrderRequest is the placement intent handed to a private exchange.
type OrderRequest struct {
	Symbol        Symbol
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
	ReduceOnly    bool
}

// AssetBalance is the free and locked amount of one asset on one venue.
type AssetBalance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Total returns free plus locked.
func (b AssetBalance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Trade is a single fill.
type Trade struct {
	Symbol    Symbol          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
	OrderID   string          `json:"order_id"`
	IsMaker   bool            `json:"is_maker"`
}

// SignedQty returns the trade quantity signed by side.
func (t Trade) SignedQty() decimal.Decimal {
	if t.Side == SideSell {
		return t.Quantity.Neg()
	}
	return t.Quantity
}

// Position is a signed holding on one venue, built from fills.
type Position struct {
	Symbol        Symbol          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

// ApplyFill folds a signed fill into the position and returns the result.
// Additions move the volume-weighted entry price; reductions keep it; a fill
// that crosses zero restarts the entry price at the fill price.
func (p Position) ApplyFill(price, signedQty decimal.Decimal) Position {
	if signedQty.IsZero() {
		return p
	}
	next := p
	newQty := p.Quantity.Add(signedQty)
	switch {
	case p.Quantity.IsZero():
		next.AvgEntryPrice = price
	case p.Quantity.Sign() == signedQty.Sign():
		prev := p.AvgEntryPrice.Mul(p.Quantity.Abs())
		added := price.Mul(signedQty.Abs())
		next.AvgEntryPrice = prev.Add(added).Div(newQty.Abs())
	case newQty.IsZero():
		next.AvgEntryPrice = decimal.Zero
	case newQty.Sign() != p.Quantity.Sign():
		// Reduced through zero; the residual opened at the fill price.
		next.AvgEntryPrice = price
	}
	next.Quantity = newQty
	return next
}

// IsFlat reports whether the position quantity is zero.
func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// PositionState is the engine-level pair of positions whose signed sum must
// stay near zero while a pair is open.
type PositionState struct {
	Spot    Position `json:"spot"`
	Futures Position `json:"futures"`
}

// Delta is the signed sum of the two legs.
func (ps PositionState) Delta() decimal.Decimal {
	return ps.Spot.Quantity.Add(ps.Futures.Quantity)
}

// GrossQty is the sum of absolute leg quantities.
func (ps PositionState) GrossQty() decimal.Decimal {
	return ps.Spot.Quantity.Abs().Add(ps.Futures.Quantity.Abs())
}

// DeltaRatio is |delta| / gross, zero when flat.
func (ps PositionState) DeltaRatio() decimal.Decimal {
	gross := ps.GrossQty()
	if gross.IsZero() {
		return decimal.Zero
	}
	return ps.Delta().Abs().Div(gross)
}

// IsNeutral reports whether the delta ratio, in percent, is within tolerance.
func (ps PositionState) IsNeutral(tolerancePct decimal.Decimal) bool {
	return ps.DeltaRatio().Mul(decimal.NewFromInt(100)).LessThanOrEqual(tolerancePct)
}

// IsFlat reports whether both legs are flat.
func (ps PositionState) IsFlat() bool {
	return ps.Spot.IsFlat() && ps.Futures.IsFlat()
}

// Checksum is a stable digest of both legs, used to validate restored
// snapshots. Quantities and prices are fixed to 12 decimal places so the
// digest is independent of decimal exponent representation.
func (ps PositionState) Checksum() string {
	payload := fmt.Sprintf("spot:%s@%s|futures:%s@%s",
		ps.Spot.Quantity.StringFixed(12), ps.Spot.AvgEntryPrice.StringFixed(12),
		ps.Futures.Quantity.StringFixed(12), ps.Futures.AvgEntryPrice.StringFixed(12),
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Direction names which leg is bought on entry.
type Direction string

const (
	// SpotToFutures buys spot at the ask and sells futures at the bid.
	SpotToFutures Direction = "SPOT_TO_FUTURES"
	// FuturesToSpot buys futures at the ask and sells spot at the bid.
	FuturesToSpot Direction = "FUTURES_TO_SPOT"
)

// Opportunity is a detected, executable price dislocation.
type Opportunity struct {
	Direction   Direction       `json:"direction"`
	SpreadPct   decimal.Decimal `json:"spread_pct"`
	BuyPrice    decimal.Decimal `json:"buy_price"`
	SellPrice   decimal.Decimal `json:"sell_price"`
	MaxQuantity decimal.Decimal `json:"max_quantity"`
	ObservedAt  time.Time       `json:"observed_at"`
}

// Fresh reports whether the opportunity is younger than the freshness
// window. One exactly at the window is stale.
func (op Opportunity) Fresh(now time.Time) bool {
	return now.Sub(op.ObservedAt) < MaxOpportunityAge
}
