package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"basis_arb/internal/core"
	"basis_arb/internal/exchange/base"
	apperrors "basis_arb/pkg/errors"
	apphttp "basis_arb/pkg/http"
	"basis_arb/pkg/retry"
	"basis_arb/pkg/telemetry"
	"basis_arb/pkg/tradingutils"
	"basis_arb/pkg/websocket"
)

// Private is the Gate USDT-perp trading adapter. The stream authenticates
// in-band per subscription, so there is no listen-key lifecycle to manage.
type Private struct {
	*base.Adapter
	opts Options

	rest *apphttp.Client
	ws   *websocket.Client

	tracker   *base.OrderTracker
	callbacks base.Callbacks

	mu        sync.RWMutex
	symbols   map[core.Symbol]core.SymbolInfo
	contracts map[string]core.Symbol
	balances  map[string]core.AssetBalance
	// lastTradeAt is the newest fill timestamp delivered per symbol. The
	// reconnect backfill replays only fills strictly newer than this.
	lastTradeAt map[core.Symbol]time.Time
}

var _ core.IPrivateExchange = (*Private)(nil)

// NewPrivate creates the Gate trading adapter.
func NewPrivate(opts Options, logger core.ILogger) *Private {
	opts.applyDefaults()

	s := &signer{apiKey: opts.APIKey, secretKey: opts.SecretKey}
	p := &Private{
		Adapter:     base.NewAdapter("gate", logger),
		opts:        opts,
		rest:        apphttp.NewClient(opts.BaseURL, 10*time.Second, s, opts.tradingLimiter()),
		tracker:     base.NewOrderTracker(),
		symbols:     make(map[core.Symbol]core.SymbolInfo),
		contracts:   make(map[string]core.Symbol),
		balances:    make(map[string]core.AssetBalance),
		lastTradeAt: make(map[core.Symbol]time.Time),
	}

	p.ws = websocket.NewClient(websocket.Config{
		Name:          "gate-private",
		URL:           func(context.Context) (string, error) { return opts.WsURL, nil },
		Codec:         &wsCodec{apiKey: opts.APIKey, secretKey: opts.SecretKey, resolve: p.resolveContract},
		PingInterval:  opts.PingInterval,
		SoloSubscribe: true,
	}, p.Logger)
	p.ws.OnMessage(p.handleMessage)
	p.ws.OnStateChange(p.handleStateChange)

	return p
}

// handleStateChange re-fetches open orders after every reconnect. Orders that
// left the open set during the gap are resolved to their terminal state and
// re-emitted, so downstream order maps converge without waiting for the next
// reconcile pass.
func (p *Private) handleStateChange(state websocket.State) {
	if state != websocket.StateActive {
		return
	}

	p.mu.RLock()
	symbols := make([]core.Symbol, 0, len(p.symbols))
	for symbol := range p.symbols {
		symbols = append(symbols, symbol)
	}
	p.mu.RUnlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, symbol := range symbols {
			before := p.tracker.Open(symbol)
			orders, err := p.GetOpenOrders(ctx, symbol, true)
			if err != nil {
				p.Logger.Warn("open order refresh after reconnect failed",
					"contract", contractName(symbol), "error", err)
				continue
			}

			stillOpen := make(map[string]bool, len(orders))
			for _, order := range orders {
				stillOpen[order.OrderID] = true
				p.callbacks.EmitOrder(order)
			}
			for _, order := range before {
				if stillOpen[order.OrderID] {
					continue
				}
				final, err := p.GetActiveOrder(ctx, symbol, order.OrderID)
				if err != nil {
					p.Logger.Warn("missed order update resolve failed",
						"order_id", order.OrderID, "error", err)
					continue
				}
				p.tracker.Update(final)
				p.callbacks.EmitOrder(final)
			}
		}
		for _, symbol := range symbols {
			p.backfillTrades(ctx, symbol)
		}
	}()
}

// Initialize connects the private stream and warms the order and balance
// caches from REST.
func (p *Private) Initialize(ctx context.Context, symbolsInfo map[core.Symbol]core.SymbolInfo) error {
	// Fills predating this session belong to snapshot recovery, not the
	// stream, so the backfill watermark starts at initialization.
	now := time.Now()
	p.mu.Lock()
	for symbol, info := range symbolsInfo {
		p.symbols[symbol] = info
		p.contracts[contractName(symbol)] = symbol
		p.lastTradeAt[symbol] = now
	}
	p.mu.Unlock()

	if err := p.ws.Connect(ctx); err != nil {
		return fmt.Errorf("connect private stream: %w", err)
	}
	if err := p.ws.Subscribe(ctx,
		channelOrders+":!all",
		channelUserTrades+":!all",
		channelBalances+":!all",
	); err != nil {
		return fmt.Errorf("subscribe private channels: %w", err)
	}

	for symbol := range symbolsInfo {
		if _, err := p.GetOpenOrders(ctx, symbol, true); err != nil {
			return fmt.Errorf("load open orders %s: %w", symbol, err)
		}
	}
	if err := p.refreshBalances(ctx); err != nil {
		return fmt.Errorf("load balances: %w", err)
	}

	return nil
}

// Close shuts the stream down.
func (p *Private) Close(ctx context.Context) error {
	return p.ws.Close()
}

// CheckHealth reports whether the trading stream is connected.
func (p *Private) CheckHealth() error {
	if st := p.ws.State(); st != websocket.StateActive {
		return fmt.Errorf("gate private stream %s", st)
	}
	return nil
}

// PlaceLimitOrder places a limit order.
func (p *Private) PlaceLimitOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	req.Type = core.TypeLimit
	return p.placeOrder(ctx, req)
}

// PlaceMarketOrder places a market order. Market orders on Gate are price
// zero with IOC time-in-force.
func (p *Private) PlaceMarketOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	req.Type = core.TypeMarket
	return p.placeOrder(ctx, req)
}

// orderBody is the POST /orders request.
type orderBody struct {
	Contract   string `json:"contract"`
	Size       int64  `json:"size"`
	Price      string `json:"price"`
	TIF        string `json:"tif,omitempty"`
	Text       string `json:"text,omitempty"`
	ReduceOnly bool   `json:"reduce_only,omitempty"`
}

func (p *Private) placeOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	info, err := p.symbolInfo(req.Symbol)
	if err != nil {
		return core.Order{}, err
	}

	contracts := tradingutils.Contracts(req.Quantity, info.ContractSize)
	if contracts <= 0 {
		return core.Order{}, fmt.Errorf("%w: quantity %s is below one contract (%s)",
			apperrors.ErrInvalidOrderParameter, req.Quantity, info.ContractSize)
	}
	size := contracts
	if req.Side == core.SideSell {
		size = -contracts
	}

	price := "0"
	tif := "ioc"
	if req.Type == core.TypeLimit {
		rounded := tradingutils.RoundPrice(req.Price, int(info.QuotePrecision))
		if !rounded.IsPositive() {
			return core.Order{}, fmt.Errorf("%w: limit order requires a positive price", apperrors.ErrInvalidOrderParameter)
		}
		price = rounded.String()
		tif = "gtc"
	}

	// The client order id doubles as the idempotency token: a retried
	// placement that actually reached the venue comes back as a duplicate
	// and is recovered by lookup instead of placed twice.
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	body, err := json.Marshal(orderBody{
		Contract:   contractName(req.Symbol),
		Size:       size,
		Price:      price,
		TIF:        tif,
		Text:       clientIDPrefix + clientID,
		ReduceOnly: req.ReduceOnly,
	})
	if err != nil {
		return core.Order{}, fmt.Errorf("encode order: %w", err)
	}

	metrics := telemetry.GetGlobalMetrics()
	order, err := retry.Do(ctx, retry.DefaultPolicy, apperrors.IsRetryable, func() (core.Order, error) {
		respBody, err := p.rest.Post(ctx, futuresPath+"/orders", nil, body)
		if err != nil {
			err = mapError(err)
			if errors.Is(err, apperrors.ErrDuplicateOrder) {
				return p.fetchOrderByClientID(ctx, req.Symbol, clientID)
			}
			return core.Order{}, err
		}

		var resp futuresOrder
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return core.Order{}, fmt.Errorf("decode placement: %w", err)
		}
		return p.orderFromFutures(req.Symbol, info.ContractSize, resp), nil
	})
	if err != nil {
		metrics.RecordOrderOperation(ctx, p.Name, "place", "error")
		return core.Order{}, err
	}

	p.tracker.Update(order)
	metrics.RecordOrderOperation(ctx, p.Name, "place", "ok")
	p.Logger.Info("order placed",
		"contract", contractName(req.Symbol), "side", string(req.Side), "type", string(req.Type),
		"contracts", contracts, "price", price, "order_id", order.OrderID)
	return order, nil
}

// CancelOrder cancels an order. Cancelling an order the venue no longer
// knows is a success: the final state is fetched, or synthesized as
// canceled when nothing remains to fetch.
func (p *Private) CancelOrder(ctx context.Context, symbol core.Symbol, orderID string) (core.Order, error) {
	info, err := p.symbolInfo(symbol)
	if err != nil {
		return core.Order{}, err
	}

	metrics := telemetry.GetGlobalMetrics()
	body, err := p.rest.Delete(ctx, futuresPath+"/orders/"+orderID, nil)
	if err != nil {
		err = mapError(err)
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			if order, ok := p.tracker.Get(symbol, orderID); ok && order.IsDone() {
				metrics.RecordOrderOperation(ctx, p.Name, "cancel", "noop")
				return order, nil
			}
			order := core.Order{
				OrderID:   orderID,
				Symbol:    symbol,
				Status:    core.StatusCanceled,
				UpdatedAt: time.Now(),
			}
			p.tracker.Update(order)
			metrics.RecordOrderOperation(ctx, p.Name, "cancel", "noop")
			return order, nil
		}
		metrics.RecordOrderOperation(ctx, p.Name, "cancel", "error")
		return core.Order{}, err
	}

	var resp futuresOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, fmt.Errorf("decode cancel: %w", err)
	}
	order := p.orderFromFutures(symbol, info.ContractSize, resp)
	if order.Status == core.StatusUnknown || order.Status == core.StatusNew {
		order.Status = core.StatusCanceled
	}
	p.tracker.Update(order)
	metrics.RecordOrderOperation(ctx, p.Name, "cancel", "ok")
	return order, nil
}

// CancelAllOrders cancels every open order on the contract.
func (p *Private) CancelAllOrders(ctx context.Context, symbol core.Symbol) error {
	info, err := p.symbolInfo(symbol)
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("contract", contractName(symbol))

	metrics := telemetry.GetGlobalMetrics()
	body, err := p.rest.Delete(ctx, futuresPath+"/orders", params)
	if err != nil {
		err = mapError(err)
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			// Nothing was open.
			metrics.RecordOrderOperation(ctx, p.Name, "cancel_all", "noop")
			return nil
		}
		metrics.RecordOrderOperation(ctx, p.Name, "cancel_all", "error")
		return err
	}

	var canceled []futuresOrder
	if err := json.Unmarshal(body, &canceled); err == nil {
		for _, detail := range canceled {
			order := p.orderFromFutures(symbol, info.ContractSize, detail)
			if order.Status == core.StatusUnknown || order.Status == core.StatusNew {
				order.Status = core.StatusCanceled
			}
			p.tracker.Update(order)
		}
	}
	metrics.RecordOrderOperation(ctx, p.Name, "cancel_all", "ok")
	return nil
}

// GetActiveOrder answers from tracked state first and falls back to REST;
// the venue answer is written back into the tracker.
func (p *Private) GetActiveOrder(ctx context.Context, symbol core.Symbol, orderID string) (core.Order, error) {
	if order, ok := p.tracker.Get(symbol, orderID); ok {
		return order, nil
	}

	info, err := p.symbolInfo(symbol)
	if err != nil {
		return core.Order{}, err
	}

	body, err := p.rest.Get(ctx, futuresPath+"/orders/"+orderID, nil)
	if err != nil {
		return core.Order{}, mapError(err)
	}
	var resp futuresOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, fmt.Errorf("decode order: %w", err)
	}
	order := p.orderFromFutures(symbol, info.ContractSize, resp)
	p.tracker.Update(order)
	return order, nil
}

// GetOpenOrders returns tracked open orders, or the venue's view when force
// is set. A forced read replaces the tracked open set.
func (p *Private) GetOpenOrders(ctx context.Context, symbol core.Symbol, force bool) ([]core.Order, error) {
	if !force {
		return p.tracker.Open(symbol), nil
	}

	info, err := p.symbolInfo(symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("contract", contractName(symbol))
	params.Set("status", "open")

	body, err := p.rest.Get(ctx, futuresPath+"/orders", params)
	if err != nil {
		return nil, mapError(err)
	}
	var resp []futuresOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}

	orders := make([]core.Order, 0, len(resp))
	for _, detail := range resp {
		orders = append(orders, p.orderFromFutures(symbol, info.ContractSize, detail))
	}
	p.tracker.ReplaceOpen(symbol, orders)
	return orders, nil
}

// futuresAccount is the /accounts response subset we consume.
type futuresAccount struct {
	Total     string `json:"total"`
	Available string `json:"available"`
	Currency  string `json:"currency"`
}

// GetAssetBalance returns the margin balance for the asset. force refreshes
// from REST first. Unknown assets read as zero.
func (p *Private) GetAssetBalance(ctx context.Context, asset string, force bool) (core.AssetBalance, error) {
	if force {
		if err := p.refreshBalances(ctx); err != nil {
			return core.AssetBalance{}, err
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if bal, ok := p.balances[asset]; ok {
		return bal, nil
	}
	return core.AssetBalance{Asset: asset}, nil
}

func (p *Private) refreshBalances(ctx context.Context) error {
	body, err := p.rest.Get(ctx, futuresPath+"/accounts", nil)
	if err != nil {
		return mapError(err)
	}

	var resp futuresAccount
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode account: %w", err)
	}

	asset := resp.Currency
	if asset == "" {
		asset = "USDT"
	}
	total := parseDecimal(resp.Total)
	available := parseDecimal(resp.Available)

	p.mu.Lock()
	p.balances[asset] = core.AssetBalance{
		Asset:  asset,
		Free:   available,
		Locked: total.Sub(available),
	}
	p.mu.Unlock()
	return nil
}

// futuresPosition is the /positions/{contract} response subset we consume.
type futuresPosition struct {
	Contract   string `json:"contract"`
	Size       int64  `json:"size"`
	EntryPrice string `json:"entry_price"`
}

// GetPosition returns the venue-side position for the contract. A contract
// that has never traded reads as a flat position.
func (p *Private) GetPosition(ctx context.Context, symbol core.Symbol) (core.Position, error) {
	info, err := p.symbolInfo(symbol)
	if err != nil {
		return core.Position{}, err
	}

	body, err := p.rest.Get(ctx, futuresPath+"/positions/"+contractName(symbol), nil)
	if err != nil {
		err = mapError(err)
		// The venue only materializes a position record on first trade.
		if strings.Contains(err.Error(), "POSITION_NOT_FOUND") {
			return core.Position{Symbol: symbol}, nil
		}
		return core.Position{}, err
	}

	var resp futuresPosition
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Position{}, fmt.Errorf("decode position: %w", err)
	}
	return core.Position{
		Symbol:        symbol,
		Quantity:      info.ContractSize.Mul(decimal.NewFromInt(resp.Size)),
		AvgEntryPrice: parseDecimal(resp.EntryPrice),
	}, nil
}

// Withdraw is not available on the futures account; funds move through the
// spot wallet.
func (p *Private) Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address, network string) (string, error) {
	return "", fmt.Errorf("%w: withdrawals are not available on the futures account", apperrors.ErrNotSupported)
}

// RegisterOrderHandler adds an order update subscriber.
func (p *Private) RegisterOrderHandler(handler core.OrderHandler) {
	p.callbacks.RegisterOrderHandler(handler)
}

// RegisterBalanceHandler adds a balance update subscriber.
func (p *Private) RegisterBalanceHandler(handler core.BalanceHandler) {
	p.callbacks.RegisterBalanceHandler(handler)
}

// RegisterTradeHandler adds a fill subscriber.
func (p *Private) RegisterTradeHandler(handler core.TradeHandler) {
	p.callbacks.RegisterTradeHandler(handler)
}

func (p *Private) resolveContract(contract string) (core.Symbol, decimal.Decimal, bool) {
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

func (p *Private) symbolInfo(symbol core.Symbol) (core.SymbolInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.symbols[symbol]
	if !ok {
		return core.SymbolInfo{}, fmt.Errorf("gate: no contract info for %s", symbol)
	}
	return info, nil
}

func (p *Private) handleMessage(msg websocket.Message) {
	switch msg.Kind {
	case websocket.KindOrder:
		for _, order := range msg.Orders {
			p.tracker.Update(order)
			p.callbacks.EmitOrder(order)
		}
	case websocket.KindExecution:
		for _, trade := range msg.Trades {
			p.noteTrade(trade)
			p.callbacks.EmitTrade(trade)
		}
	case websocket.KindBalance:
		for _, bal := range msg.Balances {
			p.mu.Lock()
			// The stream carries only the account total; locked margin
			// refreshes on the next REST read.
			existing := p.balances[bal.Asset]
			existing.Asset = bal.Asset
			existing.Free = bal.Free
			p.balances[bal.Asset] = existing
			p.mu.Unlock()
			p.callbacks.EmitBalance(existing)
		}
	}
}

// noteTrade advances the per-symbol fill watermark.
func (p *Private) noteTrade(trade core.Trade) {
	p.mu.Lock()
	if trade.Timestamp.After(p.lastTradeAt[trade.Symbol]) {
		p.lastTradeAt[trade.Symbol] = trade.Timestamp
	}
	p.mu.Unlock()
}

// backfillTrades replays fills the stream missed while disconnected. The
// endpoint has no time filter, so the newest page is fetched and anything at
// or before the watermark is skipped; a fill already delivered on the stream
// is never applied twice.
func (p *Private) backfillTrades(ctx context.Context, symbol core.Symbol) {
	p.mu.RLock()
	since := p.lastTradeAt[symbol]
	p.mu.RUnlock()
	if since.IsZero() {
		return
	}

	trades, err := p.fetchMyTrades(ctx, symbol)
	if err != nil {
		p.Logger.Warn("trade backfill failed", "contract", contractName(symbol), "error", err)
		return
	}

	replayed := 0
	for _, trade := range trades {
		if !trade.Timestamp.After(since) {
			continue
		}
		p.noteTrade(trade)
		p.callbacks.EmitTrade(trade)
		replayed++
	}
	if replayed > 0 {
		p.Logger.Info("fills backfilled after reconnect", "contract", contractName(symbol), "fills", replayed)
	}
}

// futuresTrade is one /my_trades response element. create_time is unix
// seconds with a fractional part.
type futuresTrade struct {
	OrderID    string  `json:"order_id"`
	Size       int64   `json:"size"`
	Price      string  `json:"price"`
	Role       string  `json:"role"`
	CreateTime float64 `json:"create_time"`
}

func (p *Private) fetchMyTrades(ctx context.Context, symbol core.Symbol) ([]core.Trade, error) {
	info, err := p.symbolInfo(symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("contract", contractName(symbol))
	params.Set("limit", "200")

	body, err := p.rest.Get(ctx, futuresPath+"/my_trades", params)
	if err != nil {
		return nil, mapError(err)
	}
	var resp []futuresTrade
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}

	trades := make([]core.Trade, 0, len(resp))
	for _, t := range resp {
		trades = append(trades, core.Trade{
			Symbol:    symbol,
			Side:      sideFromSize(t.Size),
			Price:     parseDecimal(t.Price),
			Quantity:  info.ContractSize.Mul(decimal.NewFromInt(t.Size).Abs()),
			Timestamp: timeFromUnixSeconds(t.CreateTime),
			OrderID:   t.OrderID,
			IsMaker:   t.Role == "maker",
		})
	}
	return trades, nil
}

// futuresOrder is the order shape shared by placement, query, cancel, and
// open-orders responses. Times are unix seconds with a fractional part.
type futuresOrder struct {
	ID         int64   `json:"id"`
	Contract   string  `json:"contract"`
	Text       string  `json:"text"`
	Size       int64   `json:"size"`
	Left       int64   `json:"left"`
	Price      string  `json:"price"`
	FillPrice  string  `json:"fill_price"`
	Status     string  `json:"status"`
	FinishAs   string  `json:"finish_as"`
	TIF        string  `json:"tif"`
	CreateTime float64 `json:"create_time"`
	FinishTime float64 `json:"finish_time"`
}

func timeFromUnixSeconds(sec float64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(sec * 1000))
}

func (p *Private) orderFromFutures(symbol core.Symbol, contractSize decimal.Decimal, d futuresOrder) core.Order {
	total := contractSize.Mul(decimal.NewFromInt(d.Size).Abs())
	left := contractSize.Mul(decimal.NewFromInt(d.Left).Abs())
	filled := total.Sub(left)

	price := parseDecimal(d.Price)
	orderType := core.TypeLimit
	if price.IsZero() {
		orderType = core.TypeMarket
	}

	updated := timeFromUnixSeconds(d.CreateTime)
	if d.FinishTime > 0 {
		updated = timeFromUnixSeconds(d.FinishTime)
	}

	return core.Order{
		OrderID:       strconv.FormatInt(d.ID, 10),
		ClientOrderID: stripClientID(d.Text),
		Symbol:        symbol,
		Side:          sideFromSize(d.Size),
		Type:          orderType,
		Quantity:      total,
		FilledQty:     filled,
		Price:         price,
		Status:        mapFuturesStatus(d.Status, d.FinishAs, filled, total),
		CreatedAt:     timeFromUnixSeconds(d.CreateTime),
		UpdatedAt:     updated,
	}
}

func (p *Private) fetchOrderByClientID(ctx context.Context, symbol core.Symbol, clientID string) (core.Order, error) {
	info, err := p.symbolInfo(symbol)
	if err != nil {
		return core.Order{}, err
	}

	// The venue resolves prefixed client ids on the order endpoint.
	body, err := p.rest.Get(ctx, futuresPath+"/orders/"+clientIDPrefix+clientID, nil)
	if err != nil {
		return core.Order{}, mapError(err)
	}
	var resp futuresOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, fmt.Errorf("decode order: %w", err)
	}
	return p.orderFromFutures(symbol, info.ContractSize, resp), nil
}
