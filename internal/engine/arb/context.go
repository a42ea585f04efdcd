package arb

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"basis_arb/internal/core"
	"basis_arb/internal/snapshot"
	"basis_arb/internal/trading/arbitrage"
)

// Counters accumulate over the task's lifetime and survive restarts through
// snapshots.
type Counters struct {
	// Cycles counts dispatched entries.
	Cycles int64 `json:"cycles" msgpack:"cycles"`
	// Failures counts handler errors and failed placements.
	Failures int64 `json:"failures" msgpack:"failures"`
	// VolumeQuote is cumulative entry notional in quote currency.
	VolumeQuote decimal.Decimal `json:"volume_quote" msgpack:"volume_quote"`
}

// Context is the engine's entire mutable state for one task. Only the engine
// loop goroutine touches it; snapshots are taken from deep copies so a write
// in flight never tears.
type Context struct {
	TaskID string           `json:"task_id" msgpack:"task_id"`
	Symbol core.Symbol      `json:"symbol" msgpack:"symbol"`
	Params arbitrage.Params `json:"params" msgpack:"params"`

	State     State              `json:"state" msgpack:"state"`
	Positions core.PositionState `json:"positions" msgpack:"positions"`

	// ActiveOrders tracks open orders by role and venue order id. Done orders
	// are retired as their terminal updates arrive.
	ActiveOrders map[core.Role]map[string]core.Order `json:"active_orders" msgpack:"active_orders"`

	// Opportunity is the entry being worked or held; nil while hunting.
	Opportunity      *core.Opportunity `json:"opportunity,omitempty" msgpack:"opportunity"`
	PositionOpenedAt time.Time         `json:"position_opened_at" msgpack:"position_opened_at"`

	Counters  Counters  `json:"counters" msgpack:"counters"`
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`
}

func NewContext(taskID string, symbol core.Symbol, params arbitrage.Params) *Context {
	return &Context{
		TaskID:       taskID,
		Symbol:       symbol,
		Params:       params,
		State:        StateIdle,
		ActiveOrders: make(map[core.Role]map[string]core.Order),
	}
}

// DeepCopy clones the context so the copy can leave the loop goroutine.
// Decimals and times are immutable; only maps and pointers need new storage.
func (c *Context) DeepCopy() *Context {
	cp := *c
	cp.ActiveOrders = make(map[core.Role]map[string]core.Order, len(c.ActiveOrders))
	for role, orders := range c.ActiveOrders {
		inner := make(map[string]core.Order, len(orders))
		for id, order := range orders {
			inner[id] = order
		}
		cp.ActiveOrders[role] = inner
	}
	if c.Opportunity != nil {
		op := *c.Opportunity
		cp.Opportunity = &op
	}
	return &cp
}

// trackOrder upserts an open order under its role.
func (c *Context) trackOrder(role core.Role, order core.Order) {
	if c.ActiveOrders == nil {
		c.ActiveOrders = make(map[core.Role]map[string]core.Order)
	}
	if c.ActiveOrders[role] == nil {
		c.ActiveOrders[role] = make(map[string]core.Order)
	}
	c.ActiveOrders[role][order.OrderID] = order
}

// applyOrderUpdate folds an order update into the tracked set: tracked open
// orders are refreshed, tracked done ones retired. Updates for orders the
// engine never placed are ignored; the reconciler decides their fate. It
// reports whether a tracked order left the active set.
func (c *Context) applyOrderUpdate(role core.Role, order core.Order) bool {
	orders := c.ActiveOrders[role]
	if orders == nil {
		return false
	}
	if _, tracked := orders[order.OrderID]; !tracked {
		return false
	}
	if order.IsDone() {
		delete(orders, order.OrderID)
		return true
	}
	orders[order.OrderID] = order
	return false
}

func (c *Context) dropOrder(role core.Role, orderID string) {
	if orders := c.ActiveOrders[role]; orders != nil {
		delete(orders, orderID)
	}
}

// applyFill folds a signed fill into the role's position leg.
func (c *Context) applyFill(role core.Role, price, signedQty decimal.Decimal) {
	if role == core.RoleFutures {
		c.Positions.Futures = c.Positions.Futures.ApplyFill(price, signedQty)
		return
	}
	c.Positions.Spot = c.Positions.Spot.ApplyFill(price, signedQty)
}

// ActiveOrderCount counts tracked open orders across both legs.
func (c *Context) ActiveOrderCount() int {
	n := 0
	for _, orders := range c.ActiveOrders {
		n += len(orders)
	}
	return n
}

// Holding reports whether an entered pair is being carried: the entry
// opportunity is recorded and the open timestamp is set.
func (c *Context) Holding() bool {
	return c.Opportunity != nil && !c.PositionOpenedAt.IsZero()
}

// HeldDirection resolves the direction of the carried pair. It prefers the
// recorded opportunity; if error recovery cleared it, the direction is
// inferred from the position signs so the exit path still works.
func (c *Context) HeldDirection() (core.Direction, bool) {
	if c.Opportunity != nil {
		return c.Opportunity.Direction, true
	}
	if c.Positions.Spot.Quantity.IsPositive() && c.Positions.Futures.Quantity.IsNegative() {
		return core.SpotToFutures, true
	}
	if c.Positions.Spot.Quantity.IsNegative() && c.Positions.Futures.Quantity.IsPositive() {
		return core.FuturesToSpot, true
	}
	return "", false
}

// Summarize extracts the snapshot validation summary. Order records are
// sorted by id so the envelope is deterministic.
func Summarize(c *Context) snapshot.Summary {
	records := make([]snapshot.OrderRecord, 0, c.ActiveOrderCount())
	for _, orders := range c.ActiveOrders {
		for _, order := range orders {
			records = append(records, snapshot.RecordFromOrder(order))
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].OrderID < records[j].OrderID })
	return snapshot.Summary{
		TaskID:           c.TaskID,
		OrderCount:       len(records),
		PositionChecksum: c.Positions.Checksum(),
		ActiveOrders:     records,
	}
}
