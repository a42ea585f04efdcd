package gate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"basis_arb/internal/core"
	apperrors "basis_arb/pkg/errors"
	"basis_arb/pkg/websocket"
)

// wsErrAuthFailed is the server error code for a rejected in-band signature.
const wsErrAuthFailed = 4

// contractResolver maps a venue contract (BTC_USDT) to the domain symbol and
// its contract size. Resolution is restricted to the contracts the venue
// instance trades.
type contractResolver func(contract string) (core.Symbol, decimal.Decimal, bool)

// wsCodec translates Gate futures frames. Channel strings passed to the
// transport are "channel:payload" pairs, e.g. "futures.book_ticker:BTC_USDT"
// or "futures.orders:!all"; private channels get in-band signatures.
type wsCodec struct {
	apiKey    string
	secretKey string
	resolve   contractResolver
	// now is injectable for deterministic signature tests.
	now func() time.Time
}

func (c *wsCodec) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

type wsAuth struct {
	Method string `json:"method"`
	Key    string `json:"KEY"`
	Sign   string `json:"SIGN"`
}

type wsRequest struct {
	Time    int64    `json:"time"`
	ID      int64    `json:"id,omitempty"`
	Channel string   `json:"channel"`
	Event   string   `json:"event,omitempty"`
	Payload []string `json:"payload,omitempty"`
	Auth    *wsAuth  `json:"auth,omitempty"`
}

// splitChannel separates the venue channel from its payload list.
func splitChannel(channel string) (string, []string) {
	name, payload, found := strings.Cut(channel, ":")
	if !found || payload == "" {
		return name, nil
	}
	return name, strings.Split(payload, ",")
}

func isPrivateChannel(name string) bool {
	switch name {
	case channelOrders, channelUserTrades, channelBalances:
		return true
	default:
		return false
	}
}

func (c *wsCodec) encodeRequest(channel string, id int64, event string) ([]byte, error) {
	name, payload := splitChannel(channel)
	ts := c.clock().Unix()

	req := wsRequest{
		Time:    ts,
		ID:      id,
		Channel: name,
		Event:   event,
		Payload: payload,
	}
	if isPrivateChannel(name) {
		req.Auth = &wsAuth{
			Method: "api_key",
			Key:    c.apiKey,
			Sign:   signChannel(c.secretKey, name, event, ts),
		}
	}
	return json.Marshal(req)
}

func (c *wsCodec) EncodeSubscribe(channels []string, id int64) ([]byte, error) {
	if len(channels) != 1 {
		return nil, fmt.Errorf("gate: one channel per subscribe request, got %d", len(channels))
	}
	return c.encodeRequest(channels[0], id, "subscribe")
}

func (c *wsCodec) EncodeUnsubscribe(channels []string, id int64) ([]byte, error) {
	if len(channels) != 1 {
		return nil, fmt.Errorf("gate: one channel per unsubscribe request, got %d", len(channels))
	}
	return c.encodeRequest(channels[0], id, "unsubscribe")
}

func (c *wsCodec) EncodePing() ([]byte, bool) {
	frame, err := json.Marshal(wsRequest{Time: c.clock().Unix(), Channel: channelPing})
	if err != nil {
		return nil, false
	}
	return frame, true
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wsFrame struct {
	Time    int64           `json:"time"`
	TimeMs  int64           `json:"time_ms"`
	ID      int64           `json:"id"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Error   *wsError        `json:"error"`
	Result  json.RawMessage `json:"result"`
}

func (c *wsCodec) Decode(messageType int, frame []byte) (websocket.Message, error) {
	var f wsFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return websocket.Message{}, fmt.Errorf("decode frame: %w", err)
	}

	if f.Channel == channelPong || f.Channel == channelPing {
		return websocket.Message{Kind: websocket.KindHeartbeat}, nil
	}

	switch f.Event {
	case "subscribe", "unsubscribe":
		if f.Error != nil {
			err := fmt.Errorf("gate subscription failed (code %d): %s", f.Error.Code, f.Error.Message)
			if f.Error.Code == wsErrAuthFailed {
				err = fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, f.Error.Message)
			}
			return websocket.Message{Kind: websocket.KindSubscriptionError, ID: f.ID, Channel: f.Channel, Err: err}, nil
		}
		return websocket.Message{Kind: websocket.KindSubscriptionAck, ID: f.ID, Channel: f.Channel}, nil

	case "update":
		return c.decodeUpdate(f)
	}

	return websocket.Message{Kind: websocket.KindUnknown, Channel: f.Channel, Raw: frame}, nil
}

// frameTime prefers the millisecond timestamp when present.
func frameTime(f wsFrame) time.Time {
	if f.TimeMs > 0 {
		return time.UnixMilli(f.TimeMs)
	}
	return time.Unix(f.Time, 0)
}

func (c *wsCodec) decodeUpdate(f wsFrame) (websocket.Message, error) {
	switch f.Channel {
	case channelBookTicker:
		return c.decodeBookTicker(f)
	case channelOrders:
		return c.decodeOrders(f)
	case channelUserTrades:
		return c.decodeUserTrades(f)
	case channelBalances:
		return c.decodeBalances(f)
	}
	return websocket.Message{Kind: websocket.KindUnknown, Channel: f.Channel}, nil
}

// wsBookTicker is the futures.book_ticker update payload. Sizes are whole
// contract counts.
type wsBookTicker struct {
	Timestamp int64  `json:"t"` // ms
	UpdateID  int64  `json:"u"`
	Contract  string `json:"s"`
	BidPrice  string `json:"b"`
	BidSize   int64  `json:"B"`
	AskPrice  string `json:"a"`
	AskSize   int64  `json:"A"`
}

func (c *wsCodec) decodeBookTicker(f wsFrame) (websocket.Message, error) {
	var raw wsBookTicker
	if err := json.Unmarshal(f.Result, &raw); err != nil {
		return websocket.Message{}, fmt.Errorf("decode book ticker: %w", err)
	}

	symbol, multiplier, ok := c.resolve(raw.Contract)
	if !ok {
		return websocket.Message{Kind: websocket.KindUnknown, Channel: f.Channel}, nil
	}

	ticker := core.BookTicker{
		Symbol:    symbol,
		BidPrice:  parseDecimal(raw.BidPrice),
		BidQty:    multiplier.Mul(decimal.NewFromInt(raw.BidSize)),
		AskPrice:  parseDecimal(raw.AskPrice),
		AskQty:    multiplier.Mul(decimal.NewFromInt(raw.AskSize)),
		UpdateID:  raw.UpdateID,
		Timestamp: time.UnixMilli(raw.Timestamp),
	}
	return websocket.Message{Kind: websocket.KindBookTicker, Channel: f.Channel, BookTicker: &ticker}, nil
}

// wsOrder is one entry of a futures.orders update.
type wsOrder struct {
	ID           int64  `json:"id"`
	Contract     string `json:"contract"`
	Text         string `json:"text"`
	Size         int64  `json:"size"`
	Left         int64  `json:"left"`
	Price        string `json:"price"`
	FillPrice    string `json:"fill_price"`
	Status       string `json:"status"`
	FinishAs     string `json:"finish_as"`
	IsReduceOnly bool   `json:"is_reduce_only"`
	CreateTimeMs int64  `json:"create_time_ms"`
	FinishTimeMs int64  `json:"finish_time_ms"`
}

func (c *wsCodec) orderFromWs(raw wsOrder, at time.Time) (core.Order, bool) {
	symbol, multiplier, ok := c.resolve(raw.Contract)
	if !ok {
		return core.Order{}, false
	}

	total := multiplier.Mul(decimal.NewFromInt(raw.Size).Abs())
	left := multiplier.Mul(decimal.NewFromInt(raw.Left).Abs())
	filled := total.Sub(left)

	price := parseDecimal(raw.Price)
	orderType := core.TypeLimit
	if price.IsZero() {
		orderType = core.TypeMarket
	}

	updated := at
	if raw.FinishTimeMs > 0 {
		updated = time.UnixMilli(raw.FinishTimeMs)
	}

	return core.Order{
		OrderID:       strconv.FormatInt(raw.ID, 10),
		ClientOrderID: stripClientID(raw.Text),
		Symbol:        symbol,
		Side:          sideFromSize(raw.Size),
		Type:          orderType,
		Quantity:      total,
		FilledQty:     filled,
		Price:         price,
		Status:        mapFuturesStatus(raw.Status, raw.FinishAs, filled, total),
		CreatedAt:     time.UnixMilli(raw.CreateTimeMs),
		UpdatedAt:     updated,
	}, true
}

func (c *wsCodec) decodeOrders(f wsFrame) (websocket.Message, error) {
	var raws []wsOrder
	if err := json.Unmarshal(f.Result, &raws); err != nil {
		return websocket.Message{}, fmt.Errorf("decode orders: %w", err)
	}

	at := frameTime(f)
	orders := make([]core.Order, 0, len(raws))
	for _, raw := range raws {
		if order, ok := c.orderFromWs(raw, at); ok {
			orders = append(orders, order)
		}
	}
	if len(orders) == 0 {
		return websocket.Message{Kind: websocket.KindUnknown, Channel: f.Channel}, nil
	}
	return websocket.Message{Kind: websocket.KindOrder, Channel: f.Channel, Orders: orders}, nil
}

// wsUserTrade is one entry of a futures.usertrades update.
type wsUserTrade struct {
	ID           string `json:"id"`
	Contract     string `json:"contract"`
	OrderID      string `json:"order_id"`
	Size         int64  `json:"size"`
	Price        string `json:"price"`
	Role         string `json:"role"`
	CreateTimeMs int64  `json:"create_time_ms"`
}

func (c *wsCodec) decodeUserTrades(f wsFrame) (websocket.Message, error) {
	var raws []wsUserTrade
	if err := json.Unmarshal(f.Result, &raws); err != nil {
		return websocket.Message{}, fmt.Errorf("decode user trades: %w", err)
	}

	trades := make([]core.Trade, 0, len(raws))
	for _, raw := range raws {
		symbol, multiplier, ok := c.resolve(raw.Contract)
		if !ok {
			continue
		}
		trades = append(trades, core.Trade{
			Symbol:    symbol,
			Side:      sideFromSize(raw.Size),
			Price:     parseDecimal(raw.Price),
			Quantity:  multiplier.Mul(decimal.NewFromInt(raw.Size).Abs()),
			Timestamp: time.UnixMilli(raw.CreateTimeMs),
			OrderID:   raw.OrderID,
			IsMaker:   raw.Role == "maker",
		})
	}
	if len(trades) == 0 {
		return websocket.Message{Kind: websocket.KindUnknown, Channel: f.Channel}, nil
	}
	return websocket.Message{Kind: websocket.KindExecution, Channel: f.Channel, Trades: trades}, nil
}

// wsBalance is one entry of a futures.balances update. balance is the
// account total after the change, in the settle currency.
type wsBalance struct {
	Balance  float64 `json:"balance"`
	Change   float64 `json:"change"`
	Currency string  `json:"currency"`
	TimeMs   int64   `json:"time_ms"`
}

func (c *wsCodec) decodeBalances(f wsFrame) (websocket.Message, error) {
	var raws []wsBalance
	if err := json.Unmarshal(f.Result, &raws); err != nil {
		return websocket.Message{}, fmt.Errorf("decode balances: %w", err)
	}

	balances := make([]core.AssetBalance, 0, len(raws))
	for _, raw := range raws {
		asset := raw.Currency
		if asset == "" {
			asset = "USDT"
		}
		balances = append(balances, core.AssetBalance{
			Asset: asset,
			Free:  decimal.NewFromFloat(raw.Balance),
		})
	}
	if len(balances) == 0 {
		return websocket.Message{Kind: websocket.KindUnknown, Channel: f.Channel}, nil
	}
	return websocket.Message{Kind: websocket.KindBalance, Channel: f.Channel, Balances: balances}, nil
}
