// Package mock provides an in-process venue for tests. One Venue carries
// scripted books, deterministic order ids, and explicit fill control, and
// exposes the public and private exchange surfaces over the same state so a
// test can stand in for a real venue without the network.
package mock

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"basis_arb/internal/core"
	"basis_arb/internal/exchange/base"
	apperrors "basis_arb/pkg/errors"
)

// Venue is the shared state behind both exchange surfaces. All mutators are
// safe for concurrent use; streaming callbacks fire outside the lock.
//
// Balances start large so balance clamping only binds when a test narrows
// them with SetBalance.
type Venue struct {
	name      string
	callbacks base.Callbacks

	mu         sync.RWMutex
	infos      map[core.Symbol]core.SymbolInfo
	tickers    map[core.Symbol]core.BookTicker
	orders     map[string]core.Order
	byClientID map[string]string
	balances   map[string]core.AssetBalance
	positions  map[core.Symbol]core.Position
	nextID     int64
	updateID   int64
	quiet      bool

	placeErr     error
	placeErrOnce error
	cancelErr    error
	lookupErr    error

	withdrawals []Withdrawal
}

// Withdrawal records one Withdraw call.
type Withdrawal struct {
	ID      string
	Asset   string
	Amount  decimal.Decimal
	Address string
	Network string
}

// NewVenue builds a venue trading the given symbols.
func NewVenue(name string, infos ...core.SymbolInfo) *Venue {
	v := &Venue{
		name:       name,
		infos:      make(map[core.Symbol]core.SymbolInfo, len(infos)),
		tickers:    make(map[core.Symbol]core.BookTicker),
		orders:     make(map[string]core.Order),
		byClientID: make(map[string]string),
		balances:   make(map[string]core.AssetBalance),
		positions:  make(map[core.Symbol]core.Position),
		nextID:     1000,
	}
	for _, info := range infos {
		v.infos[info.Symbol] = info
		v.seedBalances(info.Symbol)
	}
	return v
}

func (v *Venue) seedBalances(symbol core.Symbol) {
	if _, ok := v.balances[symbol.Base]; !ok {
		v.balances[symbol.Base] = core.AssetBalance{Asset: symbol.Base, Free: decimal.NewFromInt(1000)}
	}
	if _, ok := v.balances[symbol.Quote]; !ok {
		v.balances[symbol.Quote] = core.AssetBalance{Asset: symbol.Quote, Free: decimal.NewFromInt(1_000_000)}
	}
}

// Public returns the market-data surface.
func (v *Venue) Public() core.IPublicExchange { return publicSide{v} }

// Private returns the trading surface.
func (v *Venue) Private() core.IPrivateExchange { return privateSide{v} }

// defaultInfo synthesizes permissive trading rules for a symbol the test did
// not configure explicitly.
func defaultInfo(symbol core.Symbol) core.SymbolInfo {
	info := core.SymbolInfo{
		Symbol:         symbol,
		BasePrecision:  8,
		QuotePrecision: 8,
		Active:         true,
	}
	if symbol.Futures {
		info.ContractSize = decimal.NewFromInt(1)
	}
	return info
}

// SetQuiet models a dropped stream. While quiet, venue state keeps changing
// but no events reach the registered handlers; clearing it restores the
// stream without replaying what was missed.
func (v *Venue) SetQuiet(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.quiet = on
}

// SetBook scripts the top of book and streams it to ticker handlers,
// timestamped now.
func (v *Venue) SetBook(symbol core.Symbol, bidPrice, bidQty, askPrice, askQty decimal.Decimal) {
	v.mu.Lock()
	v.updateID++
	ticker := core.BookTicker{
		Symbol:    symbol,
		BidPrice:  bidPrice,
		BidQty:    bidQty,
		AskPrice:  askPrice,
		AskQty:    askQty,
		UpdateID:  v.updateID,
		Timestamp: time.Now(),
	}
	v.tickers[symbol] = ticker
	quiet := v.quiet
	v.mu.Unlock()

	if quiet {
		return
	}
	v.callbacks.EmitBookTicker(symbol, ticker)
}

// PushTicker stores and streams a ticker verbatim, timestamp included. Use it
// to script stale or malformed books.
func (v *Venue) PushTicker(ticker core.BookTicker) {
	v.mu.Lock()
	v.tickers[ticker.Symbol] = ticker
	quiet := v.quiet
	v.mu.Unlock()

	if quiet {
		return
	}
	v.callbacks.EmitBookTicker(ticker.Symbol, ticker)
}

// SetBalance scripts an asset balance and streams the change.
func (v *Venue) SetBalance(asset string, free, locked decimal.Decimal) {
	balance := core.AssetBalance{Asset: asset, Free: free, Locked: locked}
	v.mu.Lock()
	v.balances[asset] = balance
	quiet := v.quiet
	v.mu.Unlock()

	if quiet {
		return
	}
	v.callbacks.EmitBalance(balance)
}

// SetPosition scripts the venue-side position.
func (v *Venue) SetPosition(symbol core.Symbol, qty, avgPrice decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions[symbol] = core.Position{Symbol: symbol, Quantity: qty, AvgEntryPrice: avgPrice}
}

// SetPlaceError makes every placement fail until cleared with nil.
func (v *Venue) SetPlaceError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placeErr = err
}

// FailNextPlace makes only the next placement fail.
func (v *Venue) FailNextPlace(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placeErrOnce = err
}

// SetCancelError makes cancels fail until cleared with nil.
func (v *Venue) SetCancelError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelErr = err
}

// SetLookupError makes order lookups and listings fail until cleared with nil.
func (v *Venue) SetLookupError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lookupErr = err
}

// Order returns the current state of any order the venue has seen, open or
// done.
func (v *Venue) Order(orderID string) (core.Order, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	order, ok := v.orders[orderID]
	return order, ok
}

// OrderCount is the total number of orders the venue ever accepted,
// regardless of status.
func (v *Venue) OrderCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.orders)
}

// OpenOrders lists open orders for the symbol in placement order.
func (v *Venue) OpenOrders(symbol core.Symbol) []core.Order {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.openOrdersLocked(symbol)
}

func (v *Venue) openOrdersLocked(symbol core.Symbol) []core.Order {
	var out []core.Order
	for _, order := range v.orders {
		if order.Symbol == symbol && !order.IsDone() {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// Position returns the venue-side position built from fills.
func (v *Venue) Position(symbol core.Symbol) core.Position {
	v.mu.RLock()
	defer v.mu.RUnlock()
	pos, ok := v.positions[symbol]
	if !ok {
		return core.Position{Symbol: symbol}
	}
	return pos
}

// Withdrawals returns the recorded Withdraw calls.
func (v *Venue) Withdrawals() []Withdrawal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Withdrawal, len(v.withdrawals))
	copy(out, v.withdrawals)
	return out
}

// FillOrder executes qty of an open order at price and streams the order
// update followed by the trade. Zero qty means the full remainder; zero price
// means the order's own price. Quantities above the remainder are clamped.
func (v *Venue) FillOrder(orderID string, qty, price decimal.Decimal) error {
	v.mu.Lock()
	order, ok := v.orders[orderID]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	if order.IsDone() {
		v.mu.Unlock()
		return fmt.Errorf("order %s is already %s", orderID, order.Status)
	}
	remaining := order.Quantity.Sub(order.FilledQty)
	if qty.IsZero() || qty.GreaterThan(remaining) {
		qty = remaining
	}
	if !qty.IsPositive() {
		v.mu.Unlock()
		return fmt.Errorf("order %s has nothing left to fill", orderID)
	}
	if price.IsZero() {
		price = order.Price
	}
	order, trade := v.executeLocked(order, qty, price)
	quiet := v.quiet
	v.mu.Unlock()

	if quiet {
		return nil
	}
	v.callbacks.EmitOrder(order)
	v.callbacks.EmitTrade(trade)
	return nil
}

// FillAll fills every open order on the symbol at its own price and returns
// how many were filled.
func (v *Venue) FillAll(symbol core.Symbol) int {
	open := v.OpenOrders(symbol)
	for _, order := range open {
		if err := v.FillOrder(order.OrderID, decimal.Zero, decimal.Zero); err != nil {
			return 0
		}
	}
	return len(open)
}

// executeLocked applies a fill to the order and the venue position. The
// caller holds the lock and emits the returned events after releasing it.
func (v *Venue) executeLocked(order core.Order, qty, price decimal.Decimal) (core.Order, core.Trade) {
	now := time.Now()
	order.FilledQty = order.FilledQty.Add(qty)
	if order.FilledQty.GreaterThanOrEqual(order.Quantity) {
		order.Status = core.StatusFilled
	} else {
		order.Status = core.StatusPartiallyFilled
	}
	order.UpdatedAt = now
	v.orders[order.OrderID] = order

	signed := qty
	if order.Side == core.SideSell {
		signed = signed.Neg()
	}
	pos := v.positions[order.Symbol]
	pos.Symbol = order.Symbol
	v.positions[order.Symbol] = pos.ApplyFill(price, signed)

	return order, core.Trade{
		Symbol:    order.Symbol,
		Side:      order.Side,
		Price:     price,
		Quantity:  qty,
		Timestamp: now,
		OrderID:   order.OrderID,
	}
}

// place handles both order types. Market orders execute immediately at the
// touch; limit orders rest until a test fills or cancels them. Duplicate
// client order ids return the already-placed order.
func (v *Venue) place(req core.OrderRequest, orderType core.OrderType) (core.Order, error) {
	v.mu.Lock()

	if err := v.takePlaceErr(); err != nil {
		v.mu.Unlock()
		return core.Order{}, err
	}
	if req.ClientOrderID != "" {
		if id, dup := v.byClientID[req.ClientOrderID]; dup {
			existing := v.orders[id]
			v.mu.Unlock()
			return existing, nil
		}
	}
	if _, known := v.infos[req.Symbol]; !known {
		v.mu.Unlock()
		return core.Order{}, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, req.Symbol)
	}
	if !req.Quantity.IsPositive() {
		v.mu.Unlock()
		return core.Order{}, fmt.Errorf("%w: quantity %s", apperrors.ErrInvalidOrderParameter, req.Quantity)
	}

	now := time.Now()
	order := core.Order{
		OrderID:       strconv.FormatInt(v.nextID, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          orderType,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        core.StatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	v.nextID++

	var trade core.Trade
	var filled bool
	if orderType == core.TypeMarket {
		price, err := v.touchPriceLocked(req.Symbol, req.Side)
		if err != nil {
			v.mu.Unlock()
			return core.Order{}, err
		}
		v.orders[order.OrderID] = order
		order, trade = v.executeLocked(order, order.Quantity, price)
		filled = true
	} else {
		v.orders[order.OrderID] = order
	}
	if req.ClientOrderID != "" {
		v.byClientID[req.ClientOrderID] = order.OrderID
	}
	quiet := v.quiet
	v.mu.Unlock()

	if quiet {
		return order, nil
	}
	v.callbacks.EmitOrder(order)
	if filled {
		v.callbacks.EmitTrade(trade)
	}
	return order, nil
}

func (v *Venue) takePlaceErr() error {
	if err := v.placeErrOnce; err != nil {
		v.placeErrOnce = nil
		return err
	}
	return v.placeErr
}

// touchPriceLocked resolves the marketable price for a market order.
func (v *Venue) touchPriceLocked(symbol core.Symbol, side core.Side) (decimal.Decimal, error) {
	ticker, ok := v.tickers[symbol]
	if !ok || !ticker.Valid() {
		return decimal.Decimal{}, fmt.Errorf("%w: no book for market order on %s", apperrors.ErrStaleData, symbol)
	}
	if side == core.SideBuy {
		return ticker.AskPrice, nil
	}
	return ticker.BidPrice, nil
}

func (v *Venue) cancel(symbol core.Symbol, orderID string) (core.Order, error) {
	v.mu.Lock()
	if err := v.cancelErr; err != nil {
		v.mu.Unlock()
		return core.Order{}, err
	}
	order, ok := v.orders[orderID]
	if !ok || order.Symbol != symbol {
		v.mu.Unlock()
		return core.Order{}, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	if order.IsDone() {
		v.mu.Unlock()
		return core.Order{}, fmt.Errorf("%w: order %s is %s", apperrors.ErrOrderNotFound, orderID, order.Status)
	}
	order.Status = core.StatusCanceled
	order.UpdatedAt = time.Now()
	v.orders[orderID] = order
	quiet := v.quiet
	v.mu.Unlock()

	if quiet {
		return order, nil
	}
	v.callbacks.EmitOrder(order)
	return order, nil
}

func (v *Venue) cancelAll(symbol core.Symbol) error {
	v.mu.Lock()
	if err := v.cancelErr; err != nil {
		v.mu.Unlock()
		return err
	}
	now := time.Now()
	var canceled []core.Order
	for id, order := range v.orders {
		if order.Symbol != symbol || order.IsDone() {
			continue
		}
		order.Status = core.StatusCanceled
		order.UpdatedAt = now
		v.orders[id] = order
		canceled = append(canceled, order)
	}
	quiet := v.quiet
	v.mu.Unlock()

	if quiet {
		return nil
	}
	sort.Slice(canceled, func(i, j int) bool { return canceled[i].OrderID < canceled[j].OrderID })
	for _, order := range canceled {
		v.callbacks.EmitOrder(order)
	}
	return nil
}

// publicSide adapts the venue to the market-data surface.
type publicSide struct{ v *Venue }

var _ core.IPublicExchange = publicSide{}

func (p publicSide) GetName() string { return p.v.name }

func (p publicSide) Initialize(ctx context.Context, symbols []core.Symbol) error {
	p.v.mu.Lock()
	defer p.v.mu.Unlock()
	for _, symbol := range symbols {
		if _, ok := p.v.infos[symbol]; !ok {
			p.v.infos[symbol] = defaultInfo(symbol)
		}
		p.v.seedBalances(symbol)
	}
	return nil
}

func (p publicSide) AddSymbol(ctx context.Context, symbol core.Symbol) error {
	return p.Initialize(ctx, []core.Symbol{symbol})
}

func (p publicSide) RemoveSymbol(ctx context.Context, symbol core.Symbol) error {
	p.v.mu.Lock()
	defer p.v.mu.Unlock()
	delete(p.v.tickers, symbol)
	return nil
}

func (p publicSide) Close(ctx context.Context) error { return nil }

func (p publicSide) GetSymbolInfo(symbol core.Symbol) (core.SymbolInfo, error) {
	p.v.mu.RLock()
	defer p.v.mu.RUnlock()
	info, ok := p.v.infos[symbol]
	if !ok {
		return core.SymbolInfo{}, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return info, nil
}

func (p publicSide) RefreshSymbolInfo(ctx context.Context) error { return nil }

func (p publicSide) GetBestBidAsk(symbol core.Symbol) (core.BookTicker, bool) {
	p.v.mu.RLock()
	defer p.v.mu.RUnlock()
	ticker, ok := p.v.tickers[symbol]
	return ticker, ok
}

func (p publicSide) GetOrderBook(symbol core.Symbol) (core.OrderBook, bool) {
	p.v.mu.RLock()
	defer p.v.mu.RUnlock()
	ticker, ok := p.v.tickers[symbol]
	if !ok || !ticker.Valid() {
		return core.OrderBook{}, false
	}
	return core.OrderBook{
		Symbol:    symbol,
		Bids:      []core.PriceLevel{{Price: ticker.BidPrice, Qty: ticker.BidQty}},
		Asks:      []core.PriceLevel{{Price: ticker.AskPrice, Qty: ticker.AskQty}},
		UpdateID:  ticker.UpdateID,
		Timestamp: ticker.Timestamp,
	}, true
}

func (p publicSide) RegisterBookTickerHandler(handler core.BookTickerHandler) {
	p.v.callbacks.RegisterBookTickerHandler(handler)
}

func (p publicSide) RegisterOrderBookHandler(handler core.OrderBookHandler) {
	p.v.callbacks.RegisterOrderBookHandler(handler)
}

// privateSide adapts the venue to the trading surface.
type privateSide struct{ v *Venue }

var _ core.IPrivateExchange = privateSide{}

func (p privateSide) GetName() string { return p.v.name }

func (p privateSide) Initialize(ctx context.Context, symbolsInfo map[core.Symbol]core.SymbolInfo) error {
	p.v.mu.Lock()
	defer p.v.mu.Unlock()
	for symbol, info := range symbolsInfo {
		p.v.infos[symbol] = info
		p.v.seedBalances(symbol)
	}
	return nil
}

func (p privateSide) Close(ctx context.Context) error { return nil }

func (p privateSide) PlaceLimitOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	return p.v.place(req, core.TypeLimit)
}

func (p privateSide) PlaceMarketOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	return p.v.place(req, core.TypeMarket)
}

func (p privateSide) CancelOrder(ctx context.Context, symbol core.Symbol, orderID string) (core.Order, error) {
	return p.v.cancel(symbol, orderID)
}

func (p privateSide) CancelAllOrders(ctx context.Context, symbol core.Symbol) error {
	return p.v.cancelAll(symbol)
}

func (p privateSide) GetActiveOrder(ctx context.Context, symbol core.Symbol, orderID string) (core.Order, error) {
	p.v.mu.RLock()
	defer p.v.mu.RUnlock()
	if err := p.v.lookupErr; err != nil {
		return core.Order{}, err
	}
	order, ok := p.v.orders[orderID]
	if !ok || order.Symbol != symbol {
		return core.Order{}, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (p privateSide) GetOpenOrders(ctx context.Context, symbol core.Symbol, force bool) ([]core.Order, error) {
	p.v.mu.RLock()
	defer p.v.mu.RUnlock()
	if err := p.v.lookupErr; err != nil {
		return nil, err
	}
	return p.v.openOrdersLocked(symbol), nil
}

func (p privateSide) GetAssetBalance(ctx context.Context, asset string, force bool) (core.AssetBalance, error) {
	p.v.mu.RLock()
	defer p.v.mu.RUnlock()
	if balance, ok := p.v.balances[asset]; ok {
		return balance, nil
	}
	return core.AssetBalance{Asset: asset}, nil
}

func (p privateSide) GetPosition(ctx context.Context, symbol core.Symbol) (core.Position, error) {
	p.v.mu.RLock()
	defer p.v.mu.RUnlock()
	pos, ok := p.v.positions[symbol]
	if !ok {
		return core.Position{Symbol: symbol}, nil
	}
	return pos, nil
}

func (p privateSide) Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address, network string) (string, error) {
	p.v.mu.Lock()
	defer p.v.mu.Unlock()
	id := fmt.Sprintf("wd-%d", len(p.v.withdrawals)+1)
	p.v.withdrawals = append(p.v.withdrawals, Withdrawal{
		ID: id, Asset: asset, Amount: amount, Address: address, Network: network,
	})
	return id, nil
}

func (p privateSide) RegisterOrderHandler(handler core.OrderHandler) {
	p.v.callbacks.RegisterOrderHandler(handler)
}

func (p privateSide) RegisterBalanceHandler(handler core.BalanceHandler) {
	p.v.callbacks.RegisterBalanceHandler(handler)
}

func (p privateSide) RegisterTradeHandler(handler core.TradeHandler) {
	p.v.callbacks.RegisterTradeHandler(handler)
}
