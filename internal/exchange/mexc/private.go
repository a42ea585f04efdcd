package mexc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
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

// listenKeyKeepAlive is how often the listen key is refreshed. The venue
// expires unattended keys after 60 minutes.
const listenKeyKeepAlive = 30 * time.Minute

// Private is the MEXC trading adapter. Order and balance state is kept hot
// from the listen-key stream; REST is the fallback for anything unknown.
type Private struct {
	*base.Adapter
	opts Options

	rest *apphttp.Client
	ws   *websocket.Client

	tracker   *base.OrderTracker
	callbacks base.Callbacks

	mu       sync.RWMutex
	symbols  map[core.Symbol]core.SymbolInfo
	pairs    map[string]core.Symbol
	balances map[string]core.AssetBalance
	// lastTradeAt is the newest fill timestamp delivered per symbol. The
	// reconnect backfill replays only fills strictly newer than this.
	lastTradeAt map[core.Symbol]time.Time

	keyMu     sync.Mutex
	listenKey string

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	wg         sync.WaitGroup
}

var _ core.IPrivateExchange = (*Private)(nil)

// NewPrivate creates the MEXC trading adapter.
func NewPrivate(opts Options, logger core.ILogger) *Private {
	opts.applyDefaults()

	s := &signer{apiKey: opts.APIKey, secretKey: opts.SecretKey, recvWindow: opts.RecvWindowMS}
	p := &Private{
		Adapter:     base.NewAdapter("mexc", logger),
		opts:        opts,
		rest:        apphttp.NewClient(opts.BaseURL, 10*time.Second, s, opts.tradingLimiter()),
		tracker:     base.NewOrderTracker(),
		symbols:     make(map[core.Symbol]core.SymbolInfo),
		pairs:       make(map[string]core.Symbol),
		balances:    make(map[string]core.AssetBalance),
		lastTradeAt: make(map[core.Symbol]time.Time),
	}

	p.ws = websocket.NewClient(websocket.Config{
		Name: "mexc-private",
		URL: func(ctx context.Context) (string, error) {
			key, err := p.ensureListenKey(ctx)
			if err != nil {
				return "", err
			}
			return opts.WsURL + "?listenKey=" + key, nil
		},
		Codec:        &wsCodec{resolve: p.resolvePair},
		PingInterval: opts.PingInterval,
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
					"pair", pairName(symbol), "error", err)
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
		p.pairs[pairName(symbol)] = symbol
		p.lastTradeAt[symbol] = now
	}
	p.mu.Unlock()

	if err := p.ws.Connect(ctx); err != nil {
		return fmt.Errorf("connect private stream: %w", err)
	}
	if err := p.ws.Subscribe(ctx, ordersChannel, dealsChannel, accountChannel); err != nil {
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

	p.lifeCtx, p.lifeCancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.keepAliveLoop(p.lifeCtx)

	return nil
}

// Close stops the keepalive loop, closes the stream, and releases the listen
// key on the venue.
func (p *Private) Close(ctx context.Context) error {
	if p.lifeCancel != nil {
		p.lifeCancel()
	}
	p.wg.Wait()

	err := p.ws.Close()

	p.keyMu.Lock()
	key := p.listenKey
	p.listenKey = ""
	p.keyMu.Unlock()
	if key != "" {
		params := url.Values{}
		params.Set("listenKey", key)
		if _, derr := p.rest.Delete(ctx, "/api/v3/userDataStream", params); derr != nil {
			p.Logger.Debug("listen key release failed", "error", derr)
		}
	}
	return err
}

// CheckHealth reports whether the user-data stream is connected.
func (p *Private) CheckHealth() error {
	if st := p.ws.State(); st != websocket.StateActive {
		return fmt.Errorf("mexc private stream %s", st)
	}
	return nil
}

// PlaceLimitOrder places a limit order.
func (p *Private) PlaceLimitOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	req.Type = core.TypeLimit
	return p.placeOrder(ctx, req)
}

// PlaceMarketOrder places a market order.
func (p *Private) PlaceMarketOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	req.Type = core.TypeMarket
	return p.placeOrder(ctx, req)
}

func (p *Private) placeOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	info, err := p.symbolInfo(req.Symbol)
	if err != nil {
		return core.Order{}, err
	}

	qty := tradingutils.RoundQuantity(req.Quantity, int(info.BasePrecision))
	if !qty.IsPositive() {
		return core.Order{}, fmt.Errorf("%w: quantity %s rounds to zero", apperrors.ErrInvalidOrderParameter, req.Quantity)
	}
	price := req.Price
	if req.Type == core.TypeLimit {
		price = tradingutils.RoundPrice(price, int(info.QuotePrecision))
		if !price.IsPositive() {
			return core.Order{}, fmt.Errorf("%w: limit order requires a positive price", apperrors.ErrInvalidOrderParameter)
		}
	}

	// The client order id doubles as the idempotency token: a retried
	// placement that actually reached the venue comes back as a duplicate
	// and is recovered by lookup instead of placed twice.
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	params := url.Values{}
	params.Set("symbol", pairName(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", qty.String())
	if req.Type == core.TypeLimit {
		params.Set("price", price.String())
	}
	params.Set("newClientOrderId", clientID)

	metrics := telemetry.GetGlobalMetrics()
	order, err := retry.Do(ctx, retry.DefaultPolicy, apperrors.IsRetryable, func() (core.Order, error) {
		body, err := p.rest.Post(ctx, "/api/v3/order", params, nil)
		if err != nil {
			err = mapError(err)
			if errors.Is(err, apperrors.ErrDuplicateOrder) {
				return p.fetchOrderByClientID(ctx, req.Symbol, clientID)
			}
			return core.Order{}, err
		}

		var resp placeResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return core.Order{}, fmt.Errorf("decode placement: %w", err)
		}
		return core.Order{
			OrderID:       resp.OrderID,
			ClientOrderID: clientID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Quantity:      qty,
			Price:         price,
			Status:        core.StatusNew,
			CreatedAt:     p.ParseTimestamp(resp.TransactTime),
			UpdatedAt:     p.ParseTimestamp(resp.TransactTime),
		}, nil
	})
	if err != nil {
		metrics.RecordOrderOperation(ctx, p.Name, "place", "error")
		return core.Order{}, err
	}

	p.tracker.Update(order)
	metrics.RecordOrderOperation(ctx, p.Name, "place", "ok")
	p.Logger.Info("order placed",
		"symbol", req.Symbol.String(), "side", string(req.Side), "type", string(req.Type),
		"qty", qty.String(), "price", price.String(), "order_id", order.OrderID)
	return order, nil
}

// CancelOrder cancels an order. Cancelling an order the venue no longer
// knows is a success: the final state is fetched, or synthesized as
// canceled when nothing remains to fetch.
func (p *Private) CancelOrder(ctx context.Context, symbol core.Symbol, orderID string) (core.Order, error) {
	params := url.Values{}
	params.Set("symbol", pairName(symbol))
	params.Set("orderId", orderID)

	metrics := telemetry.GetGlobalMetrics()
	body, err := p.rest.Delete(ctx, "/api/v3/order", params)
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

	var resp orderDetail
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, fmt.Errorf("decode cancel: %w", err)
	}
	order := p.orderFromDetail(symbol, resp)
	if order.Status == core.StatusUnknown || order.Status == core.StatusNew {
		order.Status = core.StatusCanceled
	}
	p.tracker.Update(order)
	metrics.RecordOrderOperation(ctx, p.Name, "cancel", "ok")
	return order, nil
}

// CancelAllOrders cancels every open order on the symbol.
func (p *Private) CancelAllOrders(ctx context.Context, symbol core.Symbol) error {
	params := url.Values{}
	params.Set("symbol", pairName(symbol))

	metrics := telemetry.GetGlobalMetrics()
	body, err := p.rest.Delete(ctx, "/api/v3/openOrders", params)
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

	var canceled []orderDetail
	if err := json.Unmarshal(body, &canceled); err == nil {
		for _, detail := range canceled {
			order := p.orderFromDetail(symbol, detail)
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

	params := url.Values{}
	params.Set("symbol", pairName(symbol))
	params.Set("orderId", orderID)

	body, err := p.rest.Get(ctx, "/api/v3/order", params)
	if err != nil {
		return core.Order{}, mapError(err)
	}
	var resp orderDetail
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, fmt.Errorf("decode order: %w", err)
	}
	order := p.orderFromDetail(symbol, resp)
	p.tracker.Update(order)
	return order, nil
}

// GetOpenOrders returns tracked open orders, or the venue's view when force
// is set. A forced read replaces the tracked open set.
func (p *Private) GetOpenOrders(ctx context.Context, symbol core.Symbol, force bool) ([]core.Order, error) {
	if !force {
		return p.tracker.Open(symbol), nil
	}

	params := url.Values{}
	params.Set("symbol", pairName(symbol))

	body, err := p.rest.Get(ctx, "/api/v3/openOrders", params)
	if err != nil {
		return nil, mapError(err)
	}
	var resp []orderDetail
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}

	orders := make([]core.Order, 0, len(resp))
	for _, detail := range resp {
		orders = append(orders, p.orderFromDetail(symbol, detail))
	}
	p.tracker.ReplaceOpen(symbol, orders)
	return orders, nil
}

// GetAssetBalance returns the streamed balance for the asset. force refreshes
// the whole balance map from REST first. Unknown assets read as zero.
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

// accountResponse is the /api/v3/account response subset we consume.
type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (p *Private) refreshBalances(ctx context.Context) error {
	body, err := p.rest.Get(ctx, "/api/v3/account", nil)
	if err != nil {
		return mapError(err)
	}

	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode account: %w", err)
	}

	p.mu.Lock()
	for _, b := range resp.Balances {
		p.balances[b.Asset] = core.AssetBalance{
			Asset:  b.Asset,
			Free:   parseDecimal(b.Free),
			Locked: parseDecimal(b.Locked),
		}
	}
	p.mu.Unlock()
	return nil
}

// Withdraw submits a withdrawal and returns the venue withdrawal id.
func (p *Private) Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address, network string) (string, error) {
	params := url.Values{}
	params.Set("coin", asset)
	params.Set("amount", amount.String())
	params.Set("address", address)
	if network != "" {
		params.Set("netWork", network)
	}

	body, err := p.rest.Post(ctx, "/api/v3/capital/withdraw/apply", params, nil)
	if err != nil {
		return "", mapError(err)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode withdrawal: %w", err)
	}
	p.Logger.Info("withdrawal submitted", "asset", asset, "amount", amount.String(), "id", resp.ID)
	return resp.ID, nil
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

func (p *Private) resolvePair(pair string) (core.Symbol, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	symbol, ok := p.pairs[pair]
	return symbol, ok
}

func (p *Private) symbolInfo(symbol core.Symbol) (core.SymbolInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.symbols[symbol]
	if !ok {
		return core.SymbolInfo{}, fmt.Errorf("mexc: no symbol info for %s", symbol)
	}
	return info, nil
}

func (p *Private) handleMessage(msg websocket.Message) {
	switch msg.Kind {
	case websocket.KindOrder:
		p.tracker.Update(*msg.Order)
		p.callbacks.EmitOrder(*msg.Order)
	case websocket.KindExecution:
		p.noteTrade(*msg.Execution)
		p.callbacks.EmitTrade(*msg.Execution)
	case websocket.KindBalance:
		p.mu.Lock()
		p.balances[msg.Balance.Asset] = *msg.Balance
		p.mu.Unlock()
		p.callbacks.EmitBalance(*msg.Balance)
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

// backfillTrades replays fills the stream missed while disconnected. Only
// fills strictly newer than the watermark are re-emitted, so a fill already
// delivered on the stream is never applied twice.
func (p *Private) backfillTrades(ctx context.Context, symbol core.Symbol) {
	p.mu.RLock()
	since := p.lastTradeAt[symbol]
	p.mu.RUnlock()
	if since.IsZero() {
		return
	}

	trades, err := p.fetchMyTrades(ctx, symbol, since)
	if err != nil {
		p.Logger.Warn("trade backfill failed", "pair", pairName(symbol), "error", err)
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
		p.Logger.Info("fills backfilled after reconnect", "pair", pairName(symbol), "fills", replayed)
	}
}

// myTrade is one /api/v3/myTrades response element.
type myTrade struct {
	OrderID string `json:"orderId"`
	Price   string `json:"price"`
	Qty     string `json:"qty"`
	IsBuyer bool   `json:"isBuyer"`
	IsMaker bool   `json:"isMaker"`
	Time    int64  `json:"time"`
}

func (p *Private) fetchMyTrades(ctx context.Context, symbol core.Symbol, since time.Time) ([]core.Trade, error) {
	params := url.Values{}
	params.Set("symbol", pairName(symbol))
	params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))

	body, err := p.rest.Get(ctx, "/api/v3/myTrades", params)
	if err != nil {
		return nil, mapError(err)
	}
	var resp []myTrade
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}

	trades := make([]core.Trade, 0, len(resp))
	for _, t := range resp {
		side := core.SideSell
		if t.IsBuyer {
			side = core.SideBuy
		}
		trades = append(trades, core.Trade{
			Symbol:    symbol,
			Side:      side,
			Price:     parseDecimal(t.Price),
			Quantity:  parseDecimal(t.Qty),
			Timestamp: p.ParseTimestamp(t.Time),
			OrderID:   t.OrderID,
			IsMaker:   t.IsMaker,
		})
	}
	return trades, nil
}

// placeResponse is the POST /api/v3/order acknowledgement.
type placeResponse struct {
	Symbol       string `json:"symbol"`
	OrderID      string `json:"orderId"`
	TransactTime int64  `json:"transactTime"`
}

// orderDetail is the order shape shared by query, cancel, and open-orders
// responses.
type orderDetail struct {
	Symbol        string `json:"symbol"`
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	OrigClientID  string `json:"origClientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (p *Private) orderFromDetail(symbol core.Symbol, d orderDetail) core.Order {
	clientID := d.ClientOrderID
	if clientID == "" {
		clientID = d.OrigClientID
	}
	orderType := core.TypeLimit
	if d.Type == "MARKET" {
		orderType = core.TypeMarket
	}
	return core.Order{
		OrderID:       d.OrderID,
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          core.Side(d.Side),
		Type:          orderType,
		Quantity:      parseDecimal(d.OrigQty),
		FilledQty:     parseDecimal(d.ExecutedQty),
		Price:         parseDecimal(d.Price),
		Status:        mapOrderStatus(d.Status),
		CreatedAt:     p.ParseTimestamp(d.Time),
		UpdatedAt:     p.ParseTimestamp(d.UpdateTime),
	}
}

func (p *Private) fetchOrderByClientID(ctx context.Context, symbol core.Symbol, clientID string) (core.Order, error) {
	params := url.Values{}
	params.Set("symbol", pairName(symbol))
	params.Set("origClientOrderId", clientID)

	body, err := p.rest.Get(ctx, "/api/v3/order", params)
	if err != nil {
		return core.Order{}, mapError(err)
	}
	var resp orderDetail
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, fmt.Errorf("decode order: %w", err)
	}
	return p.orderFromDetail(symbol, resp), nil
}

// ensureListenKey returns the active listen key, obtaining one from the venue
// when none is held.
func (p *Private) ensureListenKey(ctx context.Context) (string, error) {
	p.keyMu.Lock()
	defer p.keyMu.Unlock()
	if p.listenKey != "" {
		return p.listenKey, nil
	}

	body, err := p.rest.Post(ctx, "/api/v3/userDataStream", nil, nil)
	if err != nil {
		return "", mapError(err)
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	if resp.ListenKey == "" {
		return "", errors.New("mexc: venue returned empty listen key")
	}
	p.listenKey = resp.ListenKey
	p.Logger.Debug("listen key obtained")
	return p.listenKey, nil
}

func (p *Private) keepAliveLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.keepAliveListenKey(ctx); err != nil {
				p.Logger.Warn("listen key keepalive failed, rotating", "error", err)
				p.rotateListenKey(ctx)
			}
		}
	}
}

func (p *Private) keepAliveListenKey(ctx context.Context) error {
	p.keyMu.Lock()
	key := p.listenKey
	p.keyMu.Unlock()
	if key == "" {
		return nil
	}

	params := url.Values{}
	params.Set("listenKey", key)
	_, err := p.rest.Put(ctx, "/api/v3/userDataStream", params, nil)
	return mapError(err)
}

// rotateListenKey drops the expired key and redials; the dial obtains a fresh
// key and the client replays the private subscriptions.
func (p *Private) rotateListenKey(ctx context.Context) {
	p.keyMu.Lock()
	old := p.listenKey
	p.listenKey = ""
	p.keyMu.Unlock()

	p.ws.Kick()

	if old != "" {
		params := url.Values{}
		params.Set("listenKey", old)
		if _, err := p.rest.Delete(ctx, "/api/v3/userDataStream", params); err != nil {
			p.Logger.Debug("stale listen key release failed", "error", err)
		}
	}
}
