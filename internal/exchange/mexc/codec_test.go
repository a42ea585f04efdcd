package mexc

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"basis_arb/internal/core"
	apperrors "basis_arb/pkg/errors"
	"basis_arb/pkg/websocket"
)

var testSymbol = core.Symbol{Base: "BTC", Quote: "USDT"}

func testResolver(pair string) (core.Symbol, bool) {
	if pair == "BTCUSDT" {
		return testSymbol, true
	}
	return core.Symbol{}, false
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func buildTickerPush(pair string, sendTime int64, bid, bidQty, ask, askQty string) []byte {
	var body []byte
	body = appendStringField(body, tickerFieldBidPrice, bid)
	body = appendStringField(body, tickerFieldBidQty, bidQty)
	body = appendStringField(body, tickerFieldAskPrice, ask)
	body = appendStringField(body, tickerFieldAskQty, askQty)

	var frame []byte
	frame = appendStringField(frame, wrapperFieldChannel, bookTickerChannelPrefix+pair)
	frame = appendStringField(frame, wrapperFieldSymbol, pair)
	frame = protowire.AppendTag(frame, wrapperFieldSendTime, protowire.VarintType)
	frame = protowire.AppendVarint(frame, uint64(sendTime))
	frame = protowire.AppendTag(frame, wrapperFieldBookTicker, protowire.BytesType)
	frame = protowire.AppendBytes(frame, body)
	return frame
}

func TestCodec_DecodeBookTickerPush(t *testing.T) {
	codec := &wsCodec{resolve: testResolver}
	sendTime := time.Now().UnixMilli()

	frame := buildTickerPush("BTCUSDT", sendTime, "50000.5", "1.25", "50001", "0.8")
	msg, err := codec.Decode(gorillaws.BinaryMessage, frame)
	require.NoError(t, err)

	require.Equal(t, websocket.KindBookTicker, msg.Kind)
	require.NotNil(t, msg.BookTicker)
	assert.Equal(t, testSymbol, msg.BookTicker.Symbol)
	assert.Equal(t, "50000.5", msg.BookTicker.BidPrice.String())
	assert.Equal(t, "1.25", msg.BookTicker.BidQty.String())
	assert.Equal(t, "50001", msg.BookTicker.AskPrice.String())
	assert.Equal(t, "0.8", msg.BookTicker.AskQty.String())
	assert.Equal(t, sendTime, msg.BookTicker.UpdateID)
	assert.Equal(t, time.UnixMilli(sendTime), msg.BookTicker.Timestamp)
}

func TestCodec_DecodePushSkipsUnknownFields(t *testing.T) {
	codec := &wsCodec{resolve: testResolver}
	sendTime := time.Now().UnixMilli()

	// Splice an unrelated varint field into the wrapper; the decoder must
	// step over it.
	frame := buildTickerPush("BTCUSDT", sendTime, "100", "1", "101", "2")
	frame = protowire.AppendTag(frame, 99, protowire.VarintType)
	frame = protowire.AppendVarint(frame, 7)

	msg, err := codec.Decode(gorillaws.BinaryMessage, frame)
	require.NoError(t, err)
	assert.Equal(t, websocket.KindBookTicker, msg.Kind)
}

func TestCodec_DecodePushUnknownSymbol(t *testing.T) {
	codec := &wsCodec{resolve: testResolver}

	frame := buildTickerPush("ETHUSDT", time.Now().UnixMilli(), "100", "1", "101", "2")
	msg, err := codec.Decode(gorillaws.BinaryMessage, frame)
	require.NoError(t, err)
	assert.Equal(t, websocket.KindUnknown, msg.Kind)
}

func TestCodec_DecodePushWithoutBody(t *testing.T) {
	codec := &wsCodec{resolve: testResolver}

	var frame []byte
	frame = appendStringField(frame, wrapperFieldChannel, "spot@public.deals.v3.api@BTCUSDT")
	frame = appendStringField(frame, wrapperFieldSymbol, "BTCUSDT")

	msg, err := codec.Decode(gorillaws.BinaryMessage, frame)
	require.NoError(t, err)
	assert.Equal(t, websocket.KindUnknown, msg.Kind)
}

func TestCodec_DecodePushTruncatedFrame(t *testing.T) {
	codec := &wsCodec{resolve: testResolver}

	frame := buildTickerPush("BTCUSDT", time.Now().UnixMilli(), "100", "1", "101", "2")
	_, err := codec.Decode(gorillaws.BinaryMessage, frame[:len(frame)-3])
	assert.Error(t, err)
}

func TestCodec_DecodePong(t *testing.T) {
	codec := &wsCodec{resolve: testResolver}

	msg, err := codec.Decode(gorillaws.TextMessage, []byte(`{"id":0,"code":0,"msg":"PONG"}`))
	require.NoError(t, err)
	assert.Equal(t, websocket.KindHeartbeat, msg.Kind)
}

func TestCodec_DecodeSubscriptionAck(t *testing.T) {
	codec := &wsCodec{resolve: testResolver}

	msg, err := codec.Decode(gorillaws.TextMessage,
		[]byte(`{"id":7,"code":0,"msg":"spot@public.bookTicker.v3.api@BTCUSDT"}`))
	require.NoError(t, err)
	assert.Equal(t, websocket.KindSubscriptionAck, msg.Kind)
	assert.Equal(t, int64(7), msg.ID)
}

func TestCodec_DecodeSubscriptionError(t *testing.T) {
	codec := &wsCodec{resolve: testResolver}

	msg, err := codec.Decode(gorillaws.TextMessage,
		[]byte(`{"id":7,"code":10015,"msg":"invalid subscription"}`))
	require.NoError(t, err)
	assert.Equal(t, websocket.KindSubscriptionError, msg.Kind)
	assert.Equal(t, int64(7), msg.ID)
	assert.Error(t, msg.Err)
}

func TestCodec_DecodeAuthRejection(t *testing.T) {
	codec := &wsCodec{resolve: testResolver}

	msg, err := codec.Decode(gorillaws.TextMessage,
		[]byte(`{"id":1,"code":700002,"msg":"signature for this request is not valid"}`))
	require.NoError(t, err)
	assert.Equal(t, websocket.KindSubscriptionError, msg.Kind)
	assert.True(t, errors.Is(msg.Err, apperrors.ErrAuthenticationFailed))
}

func TestCodec_DecodePrivateOrder(t *testing.T) {
	codec := &wsCodec{resolve: testResolver}

	frame := []byte(`{
		"c":"spot@private.orders.v3.api",
		"s":"BTCUSDT",
		"t":1700000001000,
		"d":{"i":"ord-1","c":"cli-1","p":"50000","v":"0.5","cv":"0.2","S":1,"o":1,"s":3,"O":1700000000000}
	}`)
	msg, err := codec.Decode(gorillaws.TextMessage, frame)
	require.NoError(t, err)

	require.Equal(t, websocket.KindOrder, msg.Kind)
	require.NotNil(t, msg.Order)
	assert.Equal(t, "ord-1", msg.Order.OrderID)
	assert.Equal(t, "cli-1", msg.Order.ClientOrderID)
	assert.Equal(t, testSymbol, msg.Order.Symbol)
	assert.Equal(t, core.SideBuy, msg.Order.Side)
	assert.Equal(t, core.TypeLimit, msg.Order.Type)
	assert.Equal(t, core.StatusPartiallyFilled, msg.Order.Status)
	assert.Equal(t, "0.5", msg.Order.Quantity.String())
	assert.Equal(t, "0.2", msg.Order.FilledQty.String())
	assert.Equal(t, time.UnixMilli(1700000001000), msg.Order.UpdatedAt)
}

func TestCodec_DecodePrivateMarketSellOrder(t *testing.T) {
	codec := &wsCodec{resolve: testResolver}

	frame := []byte(`{
		"c":"spot@private.orders.v3.api",
		"s":"BTCUSDT",
		"t":1700000001000,
		"d":{"i":"ord-2","p":"0","v":"0.5","cv":"0.5","S":2,"o":5,"s":2,"O":1700000000000}
	}`)
	msg, err := codec.Decode(gorillaws.TextMessage, frame)
	require.NoError(t, err)

	require.Equal(t, websocket.KindOrder, msg.Kind)
	assert.Equal(t, core.SideSell, msg.Order.Side)
	assert.Equal(t, core.TypeMarket, msg.Order.Type)
	assert.Equal(t, core.StatusFilled, msg.Order.Status)
}

func TestCodec_DecodePrivateDeal(t *testing.T) {
	codec := &wsCodec{resolve: testResolver}

	frame := []byte(`{
		"c":"spot@private.deals.v3.api",
		"s":"BTCUSDT",
		"t":1700000002000,
		"d":{"p":"50010","v":"0.1","S":2,"T":1700000001500,"t":"trade-9","i":"ord-1","m":1}
	}`)
	msg, err := codec.Decode(gorillaws.TextMessage, frame)
	require.NoError(t, err)

	require.Equal(t, websocket.KindExecution, msg.Kind)
	require.NotNil(t, msg.Execution)
	assert.Equal(t, core.SideSell, msg.Execution.Side)
	assert.Equal(t, "50010", msg.Execution.Price.String())
	assert.Equal(t, "0.1", msg.Execution.Quantity.String())
	assert.Equal(t, "ord-1", msg.Execution.OrderID)
	assert.True(t, msg.Execution.IsMaker)
}

func TestCodec_DecodePrivateBalance(t *testing.T) {
	codec := &wsCodec{resolve: testResolver}

	frame := []byte(`{
		"c":"spot@private.account.v3.api",
		"t":1700000003000,
		"d":{"a":"USDT","f":"1050.25","l":"200"}
	}`)
	msg, err := codec.Decode(gorillaws.TextMessage, frame)
	require.NoError(t, err)

	require.Equal(t, websocket.KindBalance, msg.Kind)
	require.NotNil(t, msg.Balance)
	assert.Equal(t, "USDT", msg.Balance.Asset)
	assert.Equal(t, "1050.25", msg.Balance.Free.String())
	assert.Equal(t, "200", msg.Balance.Locked.String())
}

func TestCodec_DecodePrivateOrderUnknownSymbol(t *testing.T) {
	codec := &wsCodec{resolve: testResolver}

	frame := []byte(`{"c":"spot@private.orders.v3.api","s":"DOGEUSDT","t":1,"d":{"i":"x"}}`)
	msg, err := codec.Decode(gorillaws.TextMessage, frame)
	require.NoError(t, err)
	assert.Equal(t, websocket.KindUnknown, msg.Kind)
}

func TestCodec_EncodeSubscribe(t *testing.T) {
	codec := &wsCodec{resolve: testResolver}

	frame, err := codec.EncodeSubscribe([]string{"a", "b"}, 42)
	require.NoError(t, err)

	var req wsRequest
	require.NoError(t, json.Unmarshal(frame, &req))
	assert.Equal(t, "SUBSCRIBE", req.Method)
	assert.Equal(t, []string{"a", "b"}, req.Params)
	assert.Equal(t, int64(42), req.ID)

	frame, err = codec.EncodeUnsubscribe([]string{"a"}, 43)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(frame, &req))
	assert.Equal(t, "UNSUBSCRIBE", req.Method)
}

func TestCodec_EncodePing(t *testing.T) {
	codec := &wsCodec{resolve: testResolver}

	frame, ok := codec.EncodePing()
	require.True(t, ok)

	var req wsRequest
	require.NoError(t, json.Unmarshal(frame, &req))
	assert.Equal(t, "PING", req.Method)
}
