package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"basis_arb/internal/core"
	"basis_arb/internal/exchange/base"
	"basis_arb/pkg/concurrency"
	apphttp "basis_arb/pkg/http"
	"basis_arb/pkg/telemetry"
	"basis_arb/pkg/websocket"
)

// Public is the Gate USDT-perp market-data adapter. Venue sizes are whole
// contract counts; everything leaving this package is converted to base
// quantities via the contract multiplier.
type Public struct {
	*base.Adapter
	opts Options

	rest  *apphttp.Client
	ws    *websocket.Client
	cache *base.TickerCache
	pool  *concurrency.DispatchPool

	callbacks base.Callbacks

	mu      sync.RWMutex
	symbols map[core.Symbol]core.SymbolInfo
	// contracts maps venue contract names back to domain symbols.
	contracts map[string]core.Symbol
}

var _ core.IPublicExchange = (*Public)(nil)

// NewPublic creates the Gate public adapter.
func NewPublic(opts Options, pool *concurrency.DispatchPool, logger core.ILogger) *Public {
	opts.applyDefaults()

	p := &Public{
		Adapter:   base.NewAdapter("gate", logger),
		opts:      opts,
		rest:      apphttp.NewClient(opts.BaseURL, 10*time.Second, nil, opts.publicLimiter()),
		cache:     base.NewTickerCache(),
		pool:      pool,
		symbols:   make(map[core.Symbol]core.SymbolInfo),
		contracts: make(map[string]core.Symbol),
	}

	p.ws = websocket.NewClient(websocket.Config{
		Name:          "gate-public",
		URL:           func(context.Context) (string, error) { return opts.WsURL, nil },
		Codec:         &wsCodec{resolve: p.resolveContract},
		PingInterval:  opts.PingInterval,
		SoloSubscribe: true,
	}, p.Logger)
	p.ws.OnMessage(p.handleMessage)
	p.ws.OnStateChange(p.handleStateChange)

	return p
}

// Initialize loads contract metadata, seeds top-of-book from REST depth, and
// opens the public stream.
func (p *Public) Initialize(ctx context.Context, symbols []core.Symbol) error {
	p.mu.Lock()
	for _, symbol := range symbols {
		p.contracts[contractName(symbol)] = symbol
	}
	p.mu.Unlock()

	if err := p.RefreshSymbolInfo(ctx); err != nil {
		return fmt.Errorf("load contract catalog: %w", err)
	}

	for _, symbol := range symbols {
		if _, err := p.GetSymbolInfo(symbol); err != nil {
			return err
		}
		if err := p.seedBook(ctx, symbol); err != nil {
			return fmt.Errorf("seed order book %s: %w", symbol, err)
		}
	}

	if err := p.ws.Connect(ctx); err != nil {
		return fmt.Errorf("connect public stream: %w", err)
	}

	channels := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		channels = append(channels, channelBookTicker+":"+contractName(symbol))
	}
	if err := p.ws.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("subscribe book tickers: %w", err)
	}

	return nil
}

// AddSymbol starts streaming one more contract.
func (p *Public) AddSymbol(ctx context.Context, symbol core.Symbol) error {
	p.mu.Lock()
	p.contracts[contractName(symbol)] = symbol
	p.mu.Unlock()

	if _, err := p.GetSymbolInfo(symbol); err != nil {
		if err := p.refreshContract(ctx, symbol); err != nil {
			return err
		}
	}
	if err := p.seedBook(ctx, symbol); err != nil {
		return err
	}
	return p.ws.Subscribe(ctx, channelBookTicker+":"+contractName(symbol))
}

// RemoveSymbol stops streaming a contract and drops its cached state.
func (p *Public) RemoveSymbol(ctx context.Context, symbol core.Symbol) error {
	if err := p.ws.Unsubscribe(ctx, channelBookTicker+":"+contractName(symbol)); err != nil {
		return err
	}
	p.cache.Drop(symbol)
	p.mu.Lock()
	delete(p.contracts, contractName(symbol))
	p.mu.Unlock()
	return nil
}

// Close shuts the stream down.
func (p *Public) Close(ctx context.Context) error {
	return p.ws.Close()
}

// CheckHealth reports whether the market-data stream is connected.
func (p *Public) CheckHealth() error {
	if st := p.ws.State(); st != websocket.StateActive {
		return fmt.Errorf("gate public stream %s", st)
	}
	return nil
}

// GetSymbolInfo returns the cached trading rules for a contract.
func (p *Public) GetSymbolInfo(symbol core.Symbol) (core.SymbolInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.symbols[symbol]
	if !ok {
		return core.SymbolInfo{}, fmt.Errorf("gate: no contract info for %s", symbol)
	}
	return info, nil
}

// contractInfo is the /contracts response subset we consume.
type contractInfo struct {
	Name            string `json:"name"`
	Type            string `json:"type"`
	QuantoMultiplier string `json:"quanto_multiplier"`
	OrderPriceRound string `json:"order_price_round"`
	OrderSizeMin    int64  `json:"order_size_min"`
	MakerFeeRate    string `json:"maker_fee_rate"`
	TakerFeeRate    string `json:"taker_fee_rate"`
	InDelisting     bool   `json:"in_delisting"`
}

func (p *Public) symbolInfoFromContract(symbol core.Symbol, c contractInfo) core.SymbolInfo {
	multiplier := p.ParseDecimal(c.QuantoMultiplier)
	priceRound := p.ParseDecimal(c.OrderPriceRound)
	return core.SymbolInfo{
		Symbol:         symbol,
		BasePrecision:  decimalPlaces(multiplier),
		QuotePrecision: decimalPlaces(priceRound),
		MinBaseQty:     multiplier.Mul(decimal.NewFromInt(c.OrderSizeMin)),
		MakerFee:       p.ParseDecimal(c.MakerFeeRate),
		TakerFee:       p.ParseDecimal(c.TakerFeeRate),
		Active:         !c.InDelisting,
		ContractSize:   multiplier,
	}
}

// RefreshSymbolInfo reloads the full contract catalog.
func (p *Public) RefreshSymbolInfo(ctx context.Context) error {
	body, err := p.rest.Get(ctx, futuresPath+"/contracts", nil)
	if err != nil {
		return mapError(err)
	}

	var contracts []contractInfo
	if err := json.Unmarshal(body, &contracts); err != nil {
		return fmt.Errorf("decode contracts: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range contracts {
		symbol, ok := p.contracts[c.Name]
		if !ok {
			baseAsset, quoteAsset, found := splitContractName(c.Name)
			if !found {
				continue
			}
			symbol = core.Symbol{Base: baseAsset, Quote: quoteAsset, Futures: true}
		}
		p.symbols[symbol] = p.symbolInfoFromContract(symbol, c)
	}

	p.Logger.Info("contract catalog refreshed", "contracts", len(contracts))
	return nil
}

// refreshContract reloads metadata for a single contract.
func (p *Public) refreshContract(ctx context.Context, symbol core.Symbol) error {
	body, err := p.rest.Get(ctx, futuresPath+"/contracts/"+contractName(symbol), nil)
	if err != nil {
		return mapError(err)
	}

	var c contractInfo
	if err := json.Unmarshal(body, &c); err != nil {
		return fmt.Errorf("decode contract: %w", err)
	}

	p.mu.Lock()
	p.symbols[symbol] = p.symbolInfoFromContract(symbol, c)
	p.mu.Unlock()
	return nil
}

// GetBestBidAsk returns the latest streamed top-of-book.
func (p *Public) GetBestBidAsk(symbol core.Symbol) (core.BookTicker, bool) {
	return p.cache.Ticker(symbol)
}

// GetOrderBook returns the latest known depth view.
func (p *Public) GetOrderBook(symbol core.Symbol) (core.OrderBook, bool) {
	return p.cache.Book(symbol)
}

// RegisterBookTickerHandler adds a top-of-book subscriber.
func (p *Public) RegisterBookTickerHandler(handler core.BookTickerHandler) {
	p.callbacks.RegisterBookTickerHandler(handler)
}

// RegisterOrderBookHandler adds a depth subscriber.
func (p *Public) RegisterOrderBookHandler(handler core.OrderBookHandler) {
	p.callbacks.RegisterOrderBookHandler(handler)
}

func (p *Public) resolveContract(contract string) (core.Symbol, decimal.Decimal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	symbol, ok := p.contracts[contract]
	if !ok {
		return core.Symbol{}, decimal.Zero, false
	}
	info, ok := p.symbols[symbol]
	if !ok || info.ContractSize.IsZero() {
		return core.Symbol{}, decimal.Zero, false
	}
	return symbol, info.ContractSize, true
}

// depthLevel is one (price, contracts) rung of the venue order book.
type depthLevel struct {
	Price string `json:"p"`
	Size  int64  `json:"s"`
}

// depthResponse is the /order_book response subset we consume.
type depthResponse struct {
	ID   int64        `json:"id"`
	Asks []depthLevel `json:"asks"`
	Bids []depthLevel `json:"bids"`
}

// seedBook fetches a REST depth snapshot and primes both caches so consumers
// see a book before the first streamed update.
func (p *Public) seedBook(ctx context.Context, symbol core.Symbol) error {
	info, err := p.GetSymbolInfo(symbol)
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("contract", contractName(symbol))
	params.Set("limit", strconv.Itoa(5))
	params.Set("with_id", "true")

	body, err := p.rest.Get(ctx, futuresPath+"/order_book", params)
	if err != nil {
		return mapError(err)
	}

	var depth depthResponse
	if err := json.Unmarshal(body, &depth); err != nil {
		return fmt.Errorf("decode order book: %w", err)
	}

	book := core.OrderBook{
		Symbol:    symbol,
		UpdateID:  depth.ID,
		Timestamp: time.Now(),
		Bids:      make([]core.PriceLevel, 0, len(depth.Bids)),
		Asks:      make([]core.PriceLevel, 0, len(depth.Asks)),
	}
	for _, level := range depth.Bids {
		book.Bids = append(book.Bids, core.PriceLevel{
			Price: p.ParseDecimal(level.Price),
			Qty:   info.ContractSize.Mul(decimal.NewFromInt(level.Size)),
		})
	}
	for _, level := range depth.Asks {
		book.Asks = append(book.Asks, core.PriceLevel{
			Price: p.ParseDecimal(level.Price),
			Qty:   info.ContractSize.Mul(decimal.NewFromInt(level.Size)),
		})
	}

	p.cache.UpdateBook(book)
	if ticker, ok := book.Top(); ok {
		p.cache.UpdateTicker(ticker)
	}
	p.dispatchBook(symbol, book, core.UpdateSnapshot)
	return nil
}

func (p *Public) handleMessage(msg websocket.Message) {
	switch msg.Kind {
	case websocket.KindBookTicker:
		p.handleBookTicker(*msg.BookTicker)
	case websocket.KindOrderBook:
		p.cache.UpdateBook(*msg.OrderBook)
		p.dispatchBook(msg.OrderBook.Symbol, *msg.OrderBook, msg.UpdateType)
	}
}

func (p *Public) handleBookTicker(ticker core.BookTicker) {
	start := time.Now()
	metrics := telemetry.GetGlobalMetrics()

	if !ticker.Fresh(time.Now(), core.MaxBookTickerAge) {
		metrics.RecordStaleTicker(context.Background(), p.Name, contractName(ticker.Symbol))
		return
	}
	if !p.cache.UpdateTicker(ticker) {
		// Late or duplicate update id.
		return
	}

	metrics.RecordOrderbookUpdate(context.Background(), p.Name, contractName(ticker.Symbol))
	p.callbacks.EmitBookTicker(ticker.Symbol, ticker)
	metrics.ObserveBookTickerLatency(context.Background(), p.Name, float64(time.Since(start).Microseconds()))
}

// dispatchBook fans depth updates out on the worker pool; depth consumers can
// afford the scheduling hop, the hot ticker path cannot.
func (p *Public) dispatchBook(symbol core.Symbol, book core.OrderBook, updateType core.UpdateType) {
	if p.pool == nil {
		p.callbacks.EmitOrderBook(symbol, book, updateType)
		return
	}
	if err := p.pool.Dispatch(func() {
		p.callbacks.EmitOrderBook(symbol, book, updateType)
	}); err != nil {
		p.Logger.Warn("depth dispatch dropped", "symbol", symbol.String(), "error", err)
	}
}

// handleStateChange re-seeds books after every reconnect so consumers never
// act on a gap.
func (p *Public) handleStateChange(state websocket.State) {
	if state != websocket.StateActive {
		return
	}

	p.mu.RLock()
	symbols := make([]core.Symbol, 0, len(p.contracts))
	for _, symbol := range p.contracts {
		symbols = append(symbols, symbol)
	}
	p.mu.RUnlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, symbol := range symbols {
			if err := p.seedBook(ctx, symbol); err != nil {
				p.Logger.Warn("re-seed after reconnect failed", "symbol", symbol.String(), "error", err)
			}
		}
	}()
}
