package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"basis_arb/internal/core"
	"basis_arb/internal/exchange/base"
	"basis_arb/pkg/concurrency"
	apphttp "basis_arb/pkg/http"
	"basis_arb/pkg/telemetry"
	"basis_arb/pkg/websocket"
)

// Public is the MEXC market-data adapter.
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
	// pairs maps venue pair names back to domain symbols for the codec.
	pairs map[string]core.Symbol
}

var _ core.IPublicExchange = (*Public)(nil)

// NewPublic creates the MEXC public adapter. The worker pool fans depth
// updates out to handlers; book tickers dispatch inline.
func NewPublic(opts Options, pool *concurrency.DispatchPool, logger core.ILogger) *Public {
	opts.applyDefaults()

	p := &Public{
		Adapter: base.NewAdapter("mexc", logger),
		opts:    opts,
		rest:    apphttp.NewClient(opts.BaseURL, 10*time.Second, nil, opts.publicLimiter()),
		cache:   base.NewTickerCache(),
		pool:    pool,
		symbols: make(map[core.Symbol]core.SymbolInfo),
		pairs:   make(map[string]core.Symbol),
	}

	p.ws = websocket.NewClient(websocket.Config{
		Name:         "mexc-public",
		URL:          func(context.Context) (string, error) { return opts.WsURL, nil },
		Codec:        &wsCodec{resolve: p.resolvePair},
		PingInterval: opts.PingInterval,
	}, p.Logger)
	p.ws.OnMessage(p.handleMessage)
	p.ws.OnStateChange(p.handleStateChange)

	return p
}

// Initialize loads the symbol catalog, seeds top-of-book from REST depth
// snapshots, and opens the public stream.
func (p *Public) Initialize(ctx context.Context, symbols []core.Symbol) error {
	p.mu.Lock()
	for _, symbol := range symbols {
		p.pairs[pairName(symbol)] = symbol
	}
	p.mu.Unlock()

	if err := p.RefreshSymbolInfo(ctx); err != nil {
		return fmt.Errorf("load symbol catalog: %w", err)
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
		channels = append(channels, bookTickerChannelPrefix+pairName(symbol))
	}
	if err := p.ws.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("subscribe book tickers: %w", err)
	}

	return nil
}

// AddSymbol starts streaming one more symbol.
func (p *Public) AddSymbol(ctx context.Context, symbol core.Symbol) error {
	p.mu.Lock()
	p.pairs[pairName(symbol)] = symbol
	p.mu.Unlock()

	if _, err := p.GetSymbolInfo(symbol); err != nil {
		if err := p.RefreshSymbolInfo(ctx); err != nil {
			return err
		}
		if _, err := p.GetSymbolInfo(symbol); err != nil {
			return err
		}
	}
	if err := p.seedBook(ctx, symbol); err != nil {
		return err
	}
	return p.ws.Subscribe(ctx, bookTickerChannelPrefix+pairName(symbol))
}

// RemoveSymbol stops streaming a symbol and drops its cached state.
func (p *Public) RemoveSymbol(ctx context.Context, symbol core.Symbol) error {
	if err := p.ws.Unsubscribe(ctx, bookTickerChannelPrefix+pairName(symbol)); err != nil {
		return err
	}
	p.cache.Drop(symbol)
	p.mu.Lock()
	delete(p.pairs, pairName(symbol))
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
		return fmt.Errorf("mexc public stream %s", st)
	}
	return nil
}

// GetSymbolInfo returns the cached trading rules for a symbol.
func (p *Public) GetSymbolInfo(symbol core.Symbol) (core.SymbolInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.symbols[symbol]
	if !ok {
		return core.SymbolInfo{}, fmt.Errorf("mexc: no symbol info for %s", symbol)
	}
	return info, nil
}

// exchangeInfo is the /api/v3/exchangeInfo response subset we consume.
type exchangeInfo struct {
	Symbols []struct {
		Symbol              string `json:"symbol"`
		Status              string `json:"status"`
		BaseAsset           string `json:"baseAsset"`
		QuoteAsset          string `json:"quoteAsset"`
		BaseAssetPrecision  int32  `json:"baseAssetPrecision"`
		QuoteAssetPrecision int32  `json:"quoteAssetPrecision"`
		BaseSizePrecision   string `json:"baseSizePrecision"`
		QuoteAmountPrecision string `json:"quoteAmountPrecision"`
		MakerCommission     string `json:"makerCommission"`
		TakerCommission     string `json:"takerCommission"`
	} `json:"symbols"`
}

// RefreshSymbolInfo reloads the venue symbol catalog.
func (p *Public) RefreshSymbolInfo(ctx context.Context) error {
	body, err := p.rest.Get(ctx, "/api/v3/exchangeInfo", nil)
	if err != nil {
		return mapError(err)
	}

	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("decode exchange info: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range info.Symbols {
		symbol := core.Symbol{Base: s.BaseAsset, Quote: s.QuoteAsset}
		if known, ok := p.pairs[s.Symbol]; ok {
			symbol = known
		}
		p.symbols[symbol] = core.SymbolInfo{
			Symbol:         symbol,
			BasePrecision:  s.BaseAssetPrecision,
			QuotePrecision: s.QuoteAssetPrecision,
			MinBaseQty:     p.ParseDecimal(s.BaseSizePrecision),
			MinQuoteQty:    p.ParseDecimal(s.QuoteAmountPrecision),
			MakerFee:       p.ParseDecimal(s.MakerCommission),
			TakerFee:       p.ParseDecimal(s.TakerCommission),
			Active:         s.Status == "1" || s.Status == "ENABLED",
		}
	}

	p.Logger.Info("symbol catalog refreshed", "symbols", len(info.Symbols))
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

func (p *Public) resolvePair(pair string) (core.Symbol, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	symbol, ok := p.pairs[pair]
	return symbol, ok
}

// depthResponse is the /api/v3/depth response.
type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// seedBook fetches a REST depth snapshot and primes both caches so consumers
// see a book before the first streamed update.
func (p *Public) seedBook(ctx context.Context, symbol core.Symbol) error {
	params := url.Values{}
	params.Set("symbol", pairName(symbol))
	params.Set("limit", strconv.Itoa(5))

	body, err := p.rest.Get(ctx, "/api/v3/depth", params)
	if err != nil {
		return mapError(err)
	}

	var depth depthResponse
	if err := json.Unmarshal(body, &depth); err != nil {
		return fmt.Errorf("decode depth: %w", err)
	}

	book := core.OrderBook{
		Symbol:    symbol,
		UpdateID:  depth.LastUpdateID,
		Timestamp: time.Now(),
		Bids:      make([]core.PriceLevel, 0, len(depth.Bids)),
		Asks:      make([]core.PriceLevel, 0, len(depth.Asks)),
	}
	for _, level := range depth.Bids {
		if len(level) < 2 {
			continue
		}
		book.Bids = append(book.Bids, core.PriceLevel{Price: p.ParseDecimal(level[0]), Qty: p.ParseDecimal(level[1])})
	}
	for _, level := range depth.Asks {
		if len(level) < 2 {
			continue
		}
		book.Asks = append(book.Asks, core.PriceLevel{Price: p.ParseDecimal(level[0]), Qty: p.ParseDecimal(level[1])})
	}

	p.cache.UpdateBook(book)
	if ticker, ok := book.Top(); ok {
		p.cache.UpdateTicker(ticker)
	}
	if err := p.seedTicker(ctx, symbol); err != nil {
		// The depth top already primed the ticker cache.
		p.Logger.Debug("ticker seed skipped", "symbol", symbol.String(), "error", err)
	}
	p.dispatchBook(symbol, book, core.UpdateSnapshot)
	return nil
}

// bookTickerResponse is the /api/v3/ticker/bookTicker response.
type bookTickerResponse struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

// seedTicker overlays the venue's current top-of-book onto the depth seed.
// The REST ticker carries no update id, so the cache keeps whichever view
// is newer once the stream resumes.
func (p *Public) seedTicker(ctx context.Context, symbol core.Symbol) error {
	params := url.Values{}
	params.Set("symbol", pairName(symbol))

	body, err := p.rest.Get(ctx, "/api/v3/ticker/bookTicker", params)
	if err != nil {
		return mapError(err)
	}

	var resp bookTickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode book ticker: %w", err)
	}

	ticker := core.BookTicker{
		Symbol:    symbol,
		BidPrice:  p.ParseDecimal(resp.BidPrice),
		BidQty:    p.ParseDecimal(resp.BidQty),
		AskPrice:  p.ParseDecimal(resp.AskPrice),
		AskQty:    p.ParseDecimal(resp.AskQty),
		Timestamp: time.Now(),
	}
	if !ticker.Valid() {
		return nil
	}
	p.cache.UpdateTicker(ticker)
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
		metrics.RecordStaleTicker(context.Background(), p.Name, pairName(ticker.Symbol))
		return
	}
	if !p.cache.UpdateTicker(ticker) {
		// Late or duplicate update id.
		return
	}

	metrics.RecordOrderbookUpdate(context.Background(), p.Name, pairName(ticker.Symbol))
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
	symbols := make([]core.Symbol, 0, len(p.pairs))
	for _, symbol := range p.pairs {
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
