// Package core defines the domain model and interfaces shared across the
// arbitrage system.
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// BookTickerHandler receives top-of-book updates.
type BookTickerHandler func(symbol Symbol, ticker BookTicker)

// OrderBookHandler receives depth updates tagged snapshot or diff.
type OrderBookHandler func(symbol Symbol, book OrderBook, updateType UpdateType)

// OrderHandler receives order state transitions.
type OrderHandler func(order Order)

// BalanceHandler receives balance changes.
type BalanceHandler func(balance AssetBalance)

// TradeHandler receives fills.
type TradeHandler func(trade Trade)

// IPublicExchange is the per-venue market-data surface.
type IPublicExchange interface {
	// Identity
	GetName() string

	// Lifecycle
	Initialize(ctx context.Context, symbols []Symbol) error
	AddSymbol(ctx context.Context, symbol Symbol) error
	RemoveSymbol(ctx context.Context, symbol Symbol) error
	Close(ctx context.Context) error

	// Trading rules
	GetSymbolInfo(symbol Symbol) (SymbolInfo, error)
	RefreshSymbolInfo(ctx context.Context) error

	// Market data. Both getters return only current streaming state;
	// ok is false when nothing fresh is known for the symbol.
	GetBestBidAsk(symbol Symbol) (BookTicker, bool)
	GetOrderBook(symbol Symbol) (OrderBook, bool)

	// Streaming callbacks
	RegisterBookTickerHandler(handler BookTickerHandler)
	RegisterOrderBookHandler(handler OrderBookHandler)
}

// IPrivateExchange is the per-venue trading surface.
type IPrivateExchange interface {
	// Identity
	GetName() string

	// Lifecycle
	Initialize(ctx context.Context, symbolsInfo map[Symbol]SymbolInfo) error
	Close(ctx context.Context) error

	// Order operations
	PlaceLimitOrder(ctx context.Context, req OrderRequest) (Order, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol Symbol, orderID string) (Order, error)
	CancelAllOrders(ctx context.Context, symbol Symbol) error

	// Order state. GetActiveOrder consults open orders, then executed
	// history, then the venue itself; the venue answer is written back.
	GetActiveOrder(ctx context.Context, symbol Symbol, orderID string) (Order, error)
	GetOpenOrders(ctx context.Context, symbol Symbol, force bool) ([]Order, error)

	// Account
	GetAssetBalance(ctx context.Context, asset string, force bool) (AssetBalance, error)
	Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address, network string) (string, error)

	// Streaming callbacks
	RegisterOrderHandler(handler OrderHandler)
	RegisterBalanceHandler(handler BalanceHandler)
	RegisterTradeHandler(handler TradeHandler)
}

// IHealthMonitor is the interface for health monitoring.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
