package gate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basis_arb/internal/core"
	apperrors "basis_arb/pkg/errors"
	"basis_arb/pkg/websocket"
)

var (
	testSymbol     = core.Symbol{Base: "BTC", Quote: "USDT", Futures: true}
	testMultiplier = decimal.RequireFromString("0.0001")
)

func testResolver(contract string) (core.Symbol, decimal.Decimal, bool) {
	if contract == "BTC_USDT" {
		return testSymbol, testMultiplier, true
	}
	return core.Symbol{}, decimal.Zero, false
}

func newTestCodec() *wsCodec {
	return &wsCodec{
		apiKey:    "test-key",
		secretKey: "test-secret",
		resolve:   testResolver,
		now:       func() time.Time { return time.Unix(1700000000, 0) },
	}
}

func TestCodec_EncodeSubscribePublic(t *testing.T) {
	codec := newTestCodec()

	frame, err := codec.EncodeSubscribe([]string{"futures.book_ticker:BTC_USDT"}, 3)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(frame, &req))
	assert.Equal(t, float64(1700000000), req["time"])
	assert.Equal(t, float64(3), req["id"])
	assert.Equal(t, "futures.book_ticker", req["channel"])
	assert.Equal(t, "subscribe", req["event"])
	assert.Equal(t, []any{"BTC_USDT"}, req["payload"])
	assert.NotContains(t, req, "auth")
}

func TestCodec_EncodeSubscribePrivateSignsRequest(t *testing.T) {
	codec := newTestCodec()

	frame, err := codec.EncodeSubscribe([]string{"futures.orders:!all"}, 7)
	require.NoError(t, err)

	var req struct {
		Channel string   `json:"channel"`
		Payload []string `json:"payload"`
		Auth    *wsAuth  `json:"auth"`
	}
	require.NoError(t, json.Unmarshal(frame, &req))
	assert.Equal(t, "futures.orders", req.Channel)
	assert.Equal(t, []string{"!all"}, req.Payload)

	require.NotNil(t, req.Auth)
	assert.Equal(t, "api_key", req.Auth.Method)
	assert.Equal(t, "test-key", req.Auth.Key)
	assert.Equal(t, signChannel("test-secret", "futures.orders", "subscribe", 1700000000), req.Auth.Sign)
}

func TestCodec_EncodeSubscribeRejectsBatch(t *testing.T) {
	codec := newTestCodec()
	_, err := codec.EncodeSubscribe([]string{"a", "b"}, 1)
	assert.Error(t, err)
}

func TestCodec_EncodeUnsubscribe(t *testing.T) {
	codec := newTestCodec()

	frame, err := codec.EncodeUnsubscribe([]string{"futures.book_ticker:BTC_USDT"}, 9)
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"event":"unsubscribe"`)
}

func TestCodec_EncodePing(t *testing.T) {
	codec := newTestCodec()

	frame, ok := codec.EncodePing()
	require.True(t, ok)
	assert.JSONEq(t, `{"time":1700000000,"channel":"futures.ping"}`, string(frame))
}

func TestCodec_DecodePong(t *testing.T) {
	codec := newTestCodec()

	msg, err := codec.Decode(1, []byte(`{"time":1700000001,"channel":"futures.pong","event":"","result":null}`))
	require.NoError(t, err)
	assert.Equal(t, websocket.KindHeartbeat, msg.Kind)
}

func TestCodec_DecodeSubscribeAck(t *testing.T) {
	codec := newTestCodec()

	msg, err := codec.Decode(1, []byte(`{
		"time": 1700000001, "id": 7,
		"channel": "futures.book_ticker", "event": "subscribe",
		"error": null, "result": {"status": "success"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, websocket.KindSubscriptionAck, msg.Kind)
	assert.Equal(t, int64(7), msg.ID)
}

func TestCodec_DecodeSubscribeError(t *testing.T) {
	codec := newTestCodec()

	msg, err := codec.Decode(1, []byte(`{
		"time": 1700000001, "id": 8,
		"channel": "futures.book_ticker", "event": "subscribe",
		"error": {"code": 2, "message": "unknown contract"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, websocket.KindSubscriptionError, msg.Kind)
	assert.Equal(t, int64(8), msg.ID)
	require.Error(t, msg.Err)
	assert.Contains(t, msg.Err.Error(), "unknown contract")
}

func TestCodec_DecodeAuthRejection(t *testing.T) {
	codec := newTestCodec()

	msg, err := codec.Decode(1, []byte(`{
		"time": 1700000001, "id": 9,
		"channel": "futures.orders", "event": "subscribe",
		"error": {"code": 4, "message": "failed to authenticate"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, websocket.KindSubscriptionError, msg.Kind)
	assert.ErrorIs(t, msg.Err, apperrors.ErrAuthenticationFailed)
}

func TestCodec_DecodeBookTicker(t *testing.T) {
	codec := newTestCodec()

	msg, err := codec.Decode(1, []byte(`{
		"time": 1700000002, "channel": "futures.book_ticker", "event": "update",
		"result": {
			"t": 1700000002123, "u": 4581,
			"s": "BTC_USDT",
			"b": "97400.5", "B": 250,
			"a": "97400.6", "A": 120
		}
	}`))
	require.NoError(t, err)
	require.Equal(t, websocket.KindBookTicker, msg.Kind)
	require.NotNil(t, msg.BookTicker)

	ticker := msg.BookTicker
	assert.Equal(t, testSymbol, ticker.Symbol)
	assert.True(t, ticker.BidPrice.Equal(decimal.RequireFromString("97400.5")))
	assert.True(t, ticker.BidQty.Equal(decimal.RequireFromString("0.025")), "bid qty %s", ticker.BidQty)
	assert.True(t, ticker.AskPrice.Equal(decimal.RequireFromString("97400.6")))
	assert.True(t, ticker.AskQty.Equal(decimal.RequireFromString("0.012")), "ask qty %s", ticker.AskQty)
	assert.Equal(t, int64(4581), ticker.UpdateID)
	assert.Equal(t, time.UnixMilli(1700000002123), ticker.Timestamp)
}

func TestCodec_DecodeBookTickerUnknownContract(t *testing.T) {
	codec := newTestCodec()

	msg, err := codec.Decode(1, []byte(`{
		"time": 1700000002, "channel": "futures.book_ticker", "event": "update",
		"result": {"t": 1, "u": 2, "s": "DOGE_USDT", "b": "0.1", "B": 1, "a": "0.2", "A": 1}
	}`))
	require.NoError(t, err)
	assert.Equal(t, websocket.KindUnknown, msg.Kind)
}

func TestCodec_DecodeOrders(t *testing.T) {
	codec := newTestCodec()

	msg, err := codec.Decode(1, []byte(`{
		"time": 1700000003, "time_ms": 1700000003456,
		"channel": "futures.orders", "event": "update",
		"result": [{
			"id": 74046514,
			"contract": "BTC_USDT",
			"text": "t-cid-1",
			"size": 10, "left": 4,
			"price": "97000", "fill_price": "97000",
			"status": "open", "finish_as": "",
			"create_time_ms": 1700000003000
		}]
	}`))
	require.NoError(t, err)
	require.Equal(t, websocket.KindOrder, msg.Kind)
	require.Len(t, msg.Orders, 1)

	order := msg.Orders[0]
	assert.Equal(t, "74046514", order.OrderID)
	assert.Equal(t, "cid-1", order.ClientOrderID)
	assert.Equal(t, testSymbol, order.Symbol)
	assert.Equal(t, core.SideBuy, order.Side)
	assert.Equal(t, core.TypeLimit, order.Type)
	assert.True(t, order.Quantity.Equal(decimal.RequireFromString("0.001")), "quantity %s", order.Quantity)
	assert.True(t, order.FilledQty.Equal(decimal.RequireFromString("0.0006")), "filled %s", order.FilledQty)
	assert.Equal(t, core.StatusPartiallyFilled, order.Status)
	assert.Equal(t, time.UnixMilli(1700000003000), order.CreatedAt)
	assert.Equal(t, time.UnixMilli(1700000003456), order.UpdatedAt)
}

func TestCodec_DecodeMarketSellOrderFilled(t *testing.T) {
	codec := newTestCodec()

	msg, err := codec.Decode(1, []byte(`{
		"time": 1700000004, "channel": "futures.orders", "event": "update",
		"result": [{
			"id": 74046515,
			"contract": "BTC_USDT",
			"text": "t-cid-2",
			"size": -10, "left": 0,
			"price": "0",
			"status": "finished", "finish_as": "filled",
			"create_time_ms": 1700000003500,
			"finish_time_ms": 1700000003900
		}]
	}`))
	require.NoError(t, err)
	require.Len(t, msg.Orders, 1)

	order := msg.Orders[0]
	assert.Equal(t, core.SideSell, order.Side)
	assert.Equal(t, core.TypeMarket, order.Type)
	assert.Equal(t, core.StatusFilled, order.Status)
	assert.True(t, order.FilledQty.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, time.UnixMilli(1700000003900), order.UpdatedAt)
}

func TestCodec_DecodeOrdersUnknownContract(t *testing.T) {
	codec := newTestCodec()

	msg, err := codec.Decode(1, []byte(`{
		"time": 1700000004, "channel": "futures.orders", "event": "update",
		"result": [{"id": 1, "contract": "DOGE_USDT", "size": 1, "left": 0, "status": "open"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, websocket.KindUnknown, msg.Kind)
}

func TestCodec_DecodeUserTrades(t *testing.T) {
	codec := newTestCodec()

	msg, err := codec.Decode(1, []byte(`{
		"time": 1700000005, "channel": "futures.usertrades", "event": "update",
		"result": [{
			"id": "1705497",
			"contract": "BTC_USDT",
			"order_id": "74046514",
			"size": -6, "price": "97000.5",
			"role": "maker",
			"create_time_ms": 1700000005123
		}]
	}`))
	require.NoError(t, err)
	require.Equal(t, websocket.KindExecution, msg.Kind)
	require.Len(t, msg.Trades, 1)

	trade := msg.Trades[0]
	assert.Equal(t, testSymbol, trade.Symbol)
	assert.Equal(t, core.SideSell, trade.Side)
	assert.True(t, trade.Quantity.Equal(decimal.RequireFromString("0.0006")), "quantity %s", trade.Quantity)
	assert.True(t, trade.Price.Equal(decimal.RequireFromString("97000.5")))
	assert.Equal(t, "74046514", trade.OrderID)
	assert.True(t, trade.IsMaker)
	assert.Equal(t, time.UnixMilli(1700000005123), trade.Timestamp)
}

func TestCodec_DecodeBalances(t *testing.T) {
	codec := newTestCodec()

	msg, err := codec.Decode(1, []byte(`{
		"time": 1700000006, "channel": "futures.balances", "event": "update",
		"result": [{"balance": 9908.98, "change": -8.97, "text": "BTC_USDT:74046514", "time_ms": 1700000006000, "type": "fee"}]
	}`))
	require.NoError(t, err)
	require.Equal(t, websocket.KindBalance, msg.Kind)
	require.Len(t, msg.Balances, 1)

	assert.Equal(t, "USDT", msg.Balances[0].Asset)
	assert.True(t, msg.Balances[0].Free.Equal(decimal.NewFromFloat(9908.98)))
}

func TestCodec_DecodeUnknownChannel(t *testing.T) {
	codec := newTestCodec()

	msg, err := codec.Decode(1, []byte(`{"time":1,"channel":"futures.positions","event":"update","result":[]}`))
	require.NoError(t, err)
	assert.Equal(t, websocket.KindUnknown, msg.Kind)
}
