package base

import (
	"sync"

	"basis_arb/internal/core"
)

// executedCapacity bounds the per-symbol history of terminal orders; the
// oldest entries are evicted first.
const executedCapacity = 1000

type executedHistory struct {
	orders map[string]core.Order
	// ids preserves insertion order for eviction.
	ids []string
}

// OrderTracker maintains the open and executed order state for one venue.
// Updates are idempotent: replaying the same terminal state is a no-op.
type OrderTracker struct {
	mu       sync.RWMutex
	open     map[core.Symbol]map[string]core.Order
	executed map[core.Symbol]*executedHistory
}

// NewOrderTracker creates an empty tracker.
func NewOrderTracker() *OrderTracker {
	return &OrderTracker{
		open:     make(map[core.Symbol]map[string]core.Order),
		executed: make(map[core.Symbol]*executedHistory),
	}
}

// Update applies an order state. Open orders are upserted; terminal orders
// move from the open set into the executed history.
func (t *OrderTracker) Update(order core.Order) {
	if order.OrderID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if order.IsDone() {
		if open, ok := t.open[order.Symbol]; ok {
			delete(open, order.OrderID)
		}
		t.recordExecuted(order)
		return
	}

	open, ok := t.open[order.Symbol]
	if !ok {
		open = make(map[string]core.Order)
		t.open[order.Symbol] = open
	}
	// Never resurrect an order already seen terminal; venue streams can
	// deliver updates out of order.
	if hist, ok := t.executed[order.Symbol]; ok {
		if _, done := hist.orders[order.OrderID]; done {
			return
		}
	}
	open[order.OrderID] = order
}

func (t *OrderTracker) recordExecuted(order core.Order) {
	hist, ok := t.executed[order.Symbol]
	if !ok {
		hist = &executedHistory{orders: make(map[string]core.Order)}
		t.executed[order.Symbol] = hist
	}
	if _, exists := hist.orders[order.OrderID]; !exists {
		hist.ids = append(hist.ids, order.OrderID)
	}
	hist.orders[order.OrderID] = order

	for len(hist.ids) > executedCapacity {
		oldest := hist.ids[0]
		hist.ids = hist.ids[1:]
		delete(hist.orders, oldest)
	}
}

// Get returns the tracked state of an order, checking open orders first and
// executed history second.
func (t *OrderTracker) Get(symbol core.Symbol, orderID string) (core.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if open, ok := t.open[symbol]; ok {
		if order, ok := open[orderID]; ok {
			return order, true
		}
	}
	if hist, ok := t.executed[symbol]; ok {
		if order, ok := hist.orders[orderID]; ok {
			return order, true
		}
	}
	return core.Order{}, false
}

// Open returns a copy of the open orders for a symbol.
func (t *OrderTracker) Open(symbol core.Symbol) []core.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()

	open, ok := t.open[symbol]
	if !ok {
		return nil
	}
	orders := make([]core.Order, 0, len(open))
	for _, order := range open {
		orders = append(orders, order)
	}
	return orders
}

// OpenCount returns the number of open orders for a symbol.
func (t *OrderTracker) OpenCount(symbol core.Symbol) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.open[symbol])
}

// ReplaceOpen swaps the open set for a symbol with a fresh venue listing.
// Orders already seen terminal are not resurrected.
func (t *OrderTracker) ReplaceOpen(symbol core.Symbol, orders []core.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()

	open := make(map[string]core.Order, len(orders))
	hist := t.executed[symbol]
	for _, order := range orders {
		if order.IsDone() {
			continue
		}
		if hist != nil {
			if _, done := hist.orders[order.OrderID]; done {
				continue
			}
		}
		open[order.OrderID] = order
	}
	t.open[symbol] = open
}
