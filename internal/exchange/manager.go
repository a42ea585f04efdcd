// Package exchange binds venue adapters into a trading pair: one spot leg,
// one futures leg, a shared event bus, and multi-leg order placement.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"basis_arb/internal/core"
	apperrors "basis_arb/pkg/errors"
	"basis_arb/pkg/telemetry"
)

// Leg is one side of the pair: the venue adapters plus the venue-side symbol
// and the role's risk limits.
type Leg struct {
	Role    core.Role
	Symbol  core.Symbol
	Public  core.IPublicExchange
	Private core.IPrivateExchange

	// MaxPosition caps the absolute base position this leg may carry.
	MaxPosition decimal.Decimal
	// Priority orders initialization and shutdown; lower goes first.
	Priority int
}

// positionReader is implemented by venues that track positions server-side
// (futures). Spot venues derive position from balances instead.
type positionReader interface {
	GetPosition(ctx context.Context, symbol core.Symbol) (core.Position, error)
}

// LegResult is the per-leg outcome of a parallel placement.
type LegResult struct {
	Role  core.Role
	Order core.Order
	Err   error

	// Canceled reports that this successful leg was canceled because a
	// sibling leg failed. CancelErr carries the cancel failure, if any; a
	// failed cancel means the leg may still be live on the venue.
	Canceled  bool
	CancelErr error
}

// Manager owns the venue adapters for one symbol pair and forwards their
// events onto the bus.
type Manager struct {
	logger core.ILogger
	task   string

	legs  map[core.Role]*Leg
	order []core.Role

	bus *EventBus
}

// NewManager wires the legs. Initialization order follows leg priority.
func NewManager(task string, legs []*Leg, logger core.ILogger) (*Manager, error) {
	if len(legs) == 0 {
		return nil, errors.New("exchange manager needs at least one leg")
	}

	m := &Manager{
		logger: logger.WithField("component", "exchange_manager"),
		task:   task,
		legs:   make(map[core.Role]*Leg, len(legs)),
		bus:    NewEventBus(logger),
	}
	for _, leg := range legs {
		if _, dup := m.legs[leg.Role]; dup {
			return nil, fmt.Errorf("duplicate leg role %q", leg.Role)
		}
		m.legs[leg.Role] = leg
	}
	for _, leg := range sortedByPriority(legs) {
		m.order = append(m.order, leg.Role)
	}
	return m, nil
}

func sortedByPriority(legs []*Leg) []*Leg {
	out := make([]*Leg, len(legs))
	copy(out, legs)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority < out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Initialize hooks venue callbacks into the bus and brings every leg up:
// public market data first, then the trading surface.
func (m *Manager) Initialize(ctx context.Context) error {
	for _, role := range m.order {
		leg := m.legs[role]
		m.wireLeg(leg)

		if err := leg.Public.Initialize(ctx, []core.Symbol{leg.Symbol}); err != nil {
			return fmt.Errorf("initialize %s public: %w", role, err)
		}
		info, err := leg.Public.GetSymbolInfo(leg.Symbol)
		if err != nil {
			return fmt.Errorf("symbol info %s: %w", role, err)
		}
		if !info.Active {
			return fmt.Errorf("%s symbol %s is not tradable", role, leg.Symbol)
		}
		if err := leg.Private.Initialize(ctx, map[core.Symbol]core.SymbolInfo{leg.Symbol: info}); err != nil {
			return fmt.Errorf("initialize %s private: %w", role, err)
		}

		m.logger.Info("leg initialized",
			"role", string(role), "venue", leg.Public.GetName(), "symbol", leg.Symbol.String())
	}
	return nil
}

// wireLeg forwards the leg's venue callbacks onto the bus, tagged with role
// and venue.
func (m *Manager) wireLeg(leg *Leg) {
	role, venue := leg.Role, leg.Public.GetName()

	leg.Public.RegisterBookTickerHandler(func(symbol core.Symbol, ticker core.BookTicker) {
		m.bus.Publish(Event{Type: EventBookTicker, Role: role, Venue: venue, Ticker: &ticker})
	})
	leg.Private.RegisterOrderHandler(func(order core.Order) {
		m.bus.Publish(Event{Type: EventOrder, Role: role, Venue: venue, Order: &order})
	})
	leg.Private.RegisterTradeHandler(func(trade core.Trade) {
		m.bus.Publish(Event{Type: EventTrade, Role: role, Venue: venue, Trade: &trade})
	})
	leg.Private.RegisterBalanceHandler(func(balance core.AssetBalance) {
		m.bus.Publish(Event{Type: EventBalance, Role: role, Venue: venue, Balance: &balance})
	})
}

// Subscribe attaches a bus subscriber for one event type.
func (m *Manager) Subscribe(eventType EventType) (<-chan Event, func()) {
	return m.bus.Subscribe(eventType)
}

// Leg returns the leg bound to the role.
func (m *Manager) Leg(role core.Role) (*Leg, bool) {
	leg, ok := m.legs[role]
	return leg, ok
}

// Roles returns the bound roles in priority order.
func (m *Manager) Roles() []core.Role {
	out := make([]core.Role, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Manager) leg(role core.Role) (*Leg, error) {
	leg, ok := m.legs[role]
	if !ok {
		return nil, fmt.Errorf("no leg bound for role %q", role)
	}
	return leg, nil
}

// BookTicker returns the current top-of-book for the role's symbol.
func (m *Manager) BookTicker(role core.Role) (core.BookTicker, bool) {
	leg, err := m.leg(role)
	if err != nil {
		return core.BookTicker{}, false
	}
	return leg.Public.GetBestBidAsk(leg.Symbol)
}

// SymbolInfo returns the trading rules for the role's symbol.
func (m *Manager) SymbolInfo(role core.Role) (core.SymbolInfo, error) {
	leg, err := m.leg(role)
	if err != nil {
		return core.SymbolInfo{}, err
	}
	return leg.Public.GetSymbolInfo(leg.Symbol)
}

// Balance reads the asset balance on the role's venue.
func (m *Manager) Balance(ctx context.Context, role core.Role, asset string, force bool) (core.AssetBalance, error) {
	leg, err := m.leg(role)
	if err != nil {
		return core.AssetBalance{}, err
	}
	return leg.Private.GetAssetBalance(ctx, asset, force)
}

// Position reads the venue-side position for the role. Venues without
// server-side positions return ErrNotSupported.
func (m *Manager) Position(ctx context.Context, role core.Role) (core.Position, error) {
	leg, err := m.leg(role)
	if err != nil {
		return core.Position{}, err
	}
	reader, ok := leg.Private.(positionReader)
	if !ok {
		return core.Position{}, fmt.Errorf("%w: %s venue has no position endpoint", apperrors.ErrNotSupported, role)
	}
	return reader.GetPosition(ctx, leg.Symbol)
}

// GetActiveOrder resolves an order on the role's venue.
func (m *Manager) GetActiveOrder(ctx context.Context, role core.Role, orderID string) (core.Order, error) {
	leg, err := m.leg(role)
	if err != nil {
		return core.Order{}, err
	}
	return leg.Private.GetActiveOrder(ctx, leg.Symbol, orderID)
}

// GetOpenOrders lists open orders on the role's venue.
func (m *Manager) GetOpenOrders(ctx context.Context, role core.Role, force bool) ([]core.Order, error) {
	leg, err := m.leg(role)
	if err != nil {
		return nil, err
	}
	return leg.Private.GetOpenOrders(ctx, leg.Symbol, force)
}

// CancelOrder cancels one order on the role's venue.
func (m *Manager) CancelOrder(ctx context.Context, role core.Role, orderID string) (core.Order, error) {
	leg, err := m.leg(role)
	if err != nil {
		return core.Order{}, err
	}
	return leg.Private.CancelOrder(ctx, leg.Symbol, orderID)
}

// CancelAllOrders cancels every open order on every leg. All legs are
// attempted; errors are joined.
func (m *Manager) CancelAllOrders(ctx context.Context) error {
	var errs []error
	for _, role := range m.order {
		leg := m.legs[role]
		if err := leg.Private.CancelAllOrders(ctx, leg.Symbol); err != nil {
			errs = append(errs, fmt.Errorf("cancel all on %s: %w", role, err))
		}
	}
	return errors.Join(errs...)
}

// PlaceMarketOrder places a single market order on the role's venue.
func (m *Manager) PlaceMarketOrder(ctx context.Context, role core.Role, side core.Side, qty decimal.Decimal) (core.Order, error) {
	if _, err := m.leg(role); err != nil {
		return core.Order{}, err
	}
	return m.placeOn(ctx, role, core.OrderRequest{
		Side:     side,
		Type:     core.TypeMarket,
		Quantity: qty,
	})
}

// PlaceOrdersParallel fires one order per leg simultaneously and waits for
// all of them. On a mixed outcome every successful leg is cancelled
// best-effort and an aggregate error is returned; per-leg results always come
// back so the caller can flatten a leg that filled before the cancel landed.
func (m *Manager) PlaceOrdersParallel(ctx context.Context, reqs map[core.Role]core.OrderRequest) (map[core.Role]LegResult, error) {
	if len(reqs) == 0 {
		return nil, errors.New("no legs to place")
	}
	for role := range reqs {
		if _, ok := m.legs[role]; !ok {
			return nil, fmt.Errorf("no leg bound for role %q", role)
		}
	}

	start := time.Now()

	type placed struct {
		role  core.Role
		order core.Order
		err   error
	}
	results := make(chan placed, len(reqs))
	for role, req := range reqs {
		go func(role core.Role, req core.OrderRequest) {
			order, err := m.placeOn(ctx, role, req)
			results <- placed{role: role, order: order, err: err}
		}(role, req)
	}

	out := make(map[core.Role]LegResult, len(reqs))
	var firstErr error
	failures := 0
	for range reqs {
		res := <-results
		out[res.role] = LegResult{Role: res.role, Order: res.order, Err: res.err}
		if res.err != nil {
			failures++
			if firstErr == nil {
				firstErr = res.err
			}
			m.logger.Error("leg placement failed", "role", string(res.role), "error", res.err)
		}
	}

	elapsed := time.Since(start)
	telemetry.GetGlobalMetrics().ObservePlacementLatency(ctx, m.task, float64(elapsed.Milliseconds()))

	if failures == 0 {
		m.logger.Info("parallel placement complete", "legs", len(reqs), "elapsed", elapsed.String())
		return out, nil
	}

	// Unwind what succeeded. A filled leg cannot be cancelled; the caller
	// sees it in the results and flattens it.
	for role, res := range out {
		if res.Err != nil {
			continue
		}
		leg := m.legs[role]
		canceled, cerr := leg.Private.CancelOrder(ctx, leg.Symbol, res.Order.OrderID)
		res.Canceled = cerr == nil
		res.CancelErr = cerr
		if cerr == nil {
			res.Order = canceled
		} else {
			m.logger.Error("compensating cancel failed; leg may be live",
				"role", string(role), "order_id", res.Order.OrderID, "error", cerr)
		}
		out[role] = res
	}

	return out, fmt.Errorf("parallel placement failed on %d of %d legs: %w", failures, len(reqs), firstErr)
}

func (m *Manager) placeOn(ctx context.Context, role core.Role, req core.OrderRequest) (core.Order, error) {
	leg := m.legs[role]
	req.Symbol = leg.Symbol
	// Leg-level hard cap. The engine sizes under its own quote cap; this is
	// the last line against a runaway single order.
	if leg.MaxPosition.IsPositive() && req.Quantity.GreaterThan(leg.MaxPosition) {
		return core.Order{}, fmt.Errorf("%w: quantity %s exceeds %s leg cap %s",
			apperrors.ErrInvalidOrderParameter, req.Quantity, role, leg.MaxPosition)
	}
	if req.Type == core.TypeMarket {
		return leg.Private.PlaceMarketOrder(ctx, req)
	}
	return leg.Private.PlaceLimitOrder(ctx, req)
}

// Shutdown closes every leg, private surface first so no order events are
// lost, then stops the bus. All legs are attempted regardless of errors.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(m.order) - 1; i >= 0; i-- {
		leg := m.legs[m.order[i]]
		if err := leg.Private.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s private: %w", leg.Role, err))
		}
		if err := leg.Public.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s public: %w", leg.Role, err))
		}
	}
	m.bus.Close()
	return errors.Join(errs...)
}
