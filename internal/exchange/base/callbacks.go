package base

import (
	"sync"

	"basis_arb/internal/core"
)

// Callbacks is a thread-safe registry for the streaming handlers a venue
// adapter fans out to. Handlers run inline on the emitting goroutine and
// must not block.
type Callbacks struct {
	mu          sync.RWMutex
	bookTickers []core.BookTickerHandler
	orderBooks  []core.OrderBookHandler
	orders      []core.OrderHandler
	balances    []core.BalanceHandler
	trades      []core.TradeHandler
}

// RegisterBookTickerHandler adds a top-of-book handler.
func (c *Callbacks) RegisterBookTickerHandler(h core.BookTickerHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bookTickers = append(c.bookTickers, h)
}

// RegisterOrderBookHandler adds a depth handler.
func (c *Callbacks) RegisterOrderBookHandler(h core.OrderBookHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orderBooks = append(c.orderBooks, h)
}

// RegisterOrderHandler adds an order state handler.
func (c *Callbacks) RegisterOrderHandler(h core.OrderHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = append(c.orders, h)
}

// RegisterBalanceHandler adds a balance change handler.
func (c *Callbacks) RegisterBalanceHandler(h core.BalanceHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances = append(c.balances, h)
}

// RegisterTradeHandler adds a fill handler.
func (c *Callbacks) RegisterTradeHandler(h core.TradeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trades = append(c.trades, h)
}

// EmitBookTicker fans a top-of-book update out to all handlers.
func (c *Callbacks) EmitBookTicker(symbol core.Symbol, ticker core.BookTicker) {
	c.mu.RLock()
	handlers := c.bookTickers
	c.mu.RUnlock()
	for _, h := range handlers {
		h(symbol, ticker)
	}
}

// EmitOrderBook fans a depth update out to all handlers.
func (c *Callbacks) EmitOrderBook(symbol core.Symbol, book core.OrderBook, updateType core.UpdateType) {
	c.mu.RLock()
	handlers := c.orderBooks
	c.mu.RUnlock()
	for _, h := range handlers {
		h(symbol, book, updateType)
	}
}

// EmitOrder fans an order update out to all handlers.
func (c *Callbacks) EmitOrder(order core.Order) {
	c.mu.RLock()
	handlers := c.orders
	c.mu.RUnlock()
	for _, h := range handlers {
		h(order)
	}
}

// EmitBalance fans a balance change out to all handlers.
func (c *Callbacks) EmitBalance(balance core.AssetBalance) {
	c.mu.RLock()
	handlers := c.balances
	c.mu.RUnlock()
	for _, h := range handlers {
		h(balance)
	}
}

// EmitTrade fans a fill out to all handlers.
func (c *Callbacks) EmitTrade(trade core.Trade) {
	c.mu.RLock()
	handlers := c.trades
	c.mu.RUnlock()
	for _, h := range handlers {
		h(trade)
	}
}
