package base

import (
	"sync"

	"basis_arb/internal/core"
)

// TickerCache holds the latest top-of-book per symbol, guarded against
// out-of-order delivery by update id.
type TickerCache struct {
	mu      sync.RWMutex
	tickers map[core.Symbol]core.BookTicker
	books   map[core.Symbol]core.OrderBook
}

// NewTickerCache creates an empty cache.
func NewTickerCache() *TickerCache {
	return &TickerCache{
		tickers: make(map[core.Symbol]core.BookTicker),
		books:   make(map[core.Symbol]core.OrderBook),
	}
}

// UpdateTicker stores a ticker unless a newer one is already cached.
// Returns whether the update was applied.
func (c *TickerCache) UpdateTicker(ticker core.BookTicker) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.tickers[ticker.Symbol]
	if ok && ticker.UpdateID != 0 && prev.UpdateID >= ticker.UpdateID {
		return false
	}
	if ok && ticker.UpdateID == 0 && ticker.Timestamp.Before(prev.Timestamp) {
		return false
	}
	c.tickers[ticker.Symbol] = ticker
	return true
}

// Ticker returns the cached top-of-book for a symbol.
func (c *TickerCache) Ticker(symbol core.Symbol) (core.BookTicker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ticker, ok := c.tickers[symbol]
	return ticker, ok
}

// UpdateBook stores a depth view unless a newer one is already cached.
func (c *TickerCache) UpdateBook(book core.OrderBook) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.books[book.Symbol]
	if ok && book.UpdateID != 0 && prev.UpdateID >= book.UpdateID {
		return false
	}
	c.books[book.Symbol] = book
	return true
}

// Book returns the cached depth for a symbol.
func (c *TickerCache) Book(symbol core.Symbol) (core.OrderBook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	book, ok := c.books[symbol]
	return book, ok
}

// Drop removes all cached state for a symbol.
func (c *TickerCache) Drop(symbol core.Symbol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tickers, symbol)
	delete(c.books, symbol)
}
