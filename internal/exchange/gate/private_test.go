package gate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basis_arb/internal/core"
	apperrors "basis_arb/pkg/errors"
	"basis_arb/pkg/logging"
)

// newTestPrivate builds a trading adapter pointed at the test server with the
// contract table pre-seeded, skipping stream initialization.
func newTestPrivate(t *testing.T, serverURL string) *Private {
	t.Helper()
	p := NewPrivate(Options{
		APIKey:    "test-key",
		SecretKey: "test-secret",
		BaseURL:   serverURL,
	}, logging.NewNopLogger())

	p.symbols[testSymbol] = core.SymbolInfo{
		Symbol:         testSymbol,
		BasePrecision:  4,
		QuotePrecision: 1,
		MinBaseQty:     testMultiplier,
		ContractSize:   testMultiplier,
		Active:         true,
	}
	p.contracts["BTC_USDT"] = testSymbol
	return p
}

func openOrderJSON(id int64, text string, size, left int64, price string) map[string]interface{} {
	return map[string]interface{}{
		"id":          id,
		"contract":    "BTC_USDT",
		"text":        text,
		"size":        size,
		"left":        left,
		"price":       price,
		"status":      "open",
		"finish_as":   "",
		"create_time": 1700000000.123,
	}
}

func TestPrivate_PlaceLimitOrder(t *testing.T) {
	var gotBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v4/futures/usdt/orders", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("KEY"))
		require.NotEmpty(t, r.Header.Get("SIGN"))
		require.NotEmpty(t, r.Header.Get("Timestamp"))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body orderBody
		require.NoError(t, json.Unmarshal(raw, &body))
		gotBody.Store(body)

		json.NewEncoder(w).Encode(openOrderJSON(9001, body.Text, body.Size, body.Size, body.Price))
	}))
	defer server.Close()

	p := newTestPrivate(t, server.URL)
	order, err := p.PlaceLimitOrder(context.Background(), core.OrderRequest{
		Symbol:   testSymbol,
		Side:     core.SideBuy,
		Quantity: decimal.RequireFromString("0.00105"), // 10.5 contracts, floored to 10
		Price:    decimal.RequireFromString("97000.12"),
	})
	require.NoError(t, err)

	assert.Equal(t, "9001", order.OrderID)
	assert.Equal(t, core.StatusNew, order.Status)
	assert.Equal(t, core.TypeLimit, order.Type)
	assert.NotEmpty(t, order.ClientOrderID)
	assert.True(t, order.Quantity.Equal(decimal.RequireFromString("0.001")), "quantity %s", order.Quantity)

	body := gotBody.Load().(orderBody)
	assert.Equal(t, "BTC_USDT", body.Contract)
	assert.Equal(t, int64(10), body.Size)
	// Rounded to the contract's price step.
	assert.Equal(t, "97000.1", body.Price)
	assert.Equal(t, "gtc", body.TIF)
	assert.True(t, strings.HasPrefix(body.Text, clientIDPrefix), "text %q", body.Text)

	// Placement is tracked as open.
	open, err := p.GetOpenOrders(context.Background(), testSymbol, false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "9001", open[0].OrderID)
}

func TestPrivate_PlaceMarketSellOrder(t *testing.T) {
	var gotBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body orderBody
		require.NoError(t, json.Unmarshal(raw, &body))
		gotBody.Store(body)

		resp := openOrderJSON(9002, body.Text, body.Size, 0, "0")
		resp["status"] = "finished"
		resp["finish_as"] = "filled"
		resp["finish_time"] = 1700000000.456
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newTestPrivate(t, server.URL)
	order, err := p.PlaceMarketOrder(context.Background(), core.OrderRequest{
		Symbol:   testSymbol,
		Side:     core.SideSell,
		Quantity: decimal.RequireFromString("0.003"),
	})
	require.NoError(t, err)

	body := gotBody.Load().(orderBody)
	assert.Equal(t, int64(-30), body.Size)
	assert.Equal(t, "0", body.Price)
	assert.Equal(t, "ioc", body.TIF)

	assert.Equal(t, core.SideSell, order.Side)
	assert.Equal(t, core.TypeMarket, order.Type)
	assert.Equal(t, core.StatusFilled, order.Status)
	assert.True(t, order.FilledQty.Equal(decimal.RequireFromString("0.003")), "filled %s", order.FilledQty)
}

func TestPrivate_PlaceRejectsSubContractQuantity(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	p := newTestPrivate(t, server.URL)
	_, err := p.PlaceLimitOrder(context.Background(), core.OrderRequest{
		Symbol:   testSymbol,
		Side:     core.SideBuy,
		Quantity: decimal.RequireFromString("0.00005"), // below one contract
		Price:    decimal.RequireFromString("97000"),
	})
	require.ErrorIs(t, err, apperrors.ErrInvalidOrderParameter)
	assert.Zero(t, calls.Load())
}

func TestPrivate_PlaceDuplicateRecoversExisting(t *testing.T) {
	var placeCalls, queryCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v4/futures/usdt/orders":
			placeCalls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"label":"ORDER_EXISTS","message":"duplicate order text"}`))
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v4/futures/usdt/orders/t-"):
			queryCalls.Add(1)
			text := strings.TrimPrefix(r.URL.Path, "/api/v4/futures/usdt/orders/")
			json.NewEncoder(w).Encode(openOrderJSON(9003, text, 10, 10, "97000"))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	p := newTestPrivate(t, server.URL)
	order, err := p.PlaceLimitOrder(context.Background(), core.OrderRequest{
		Symbol:        testSymbol,
		Side:          core.SideBuy,
		Quantity:      decimal.RequireFromString("0.001"),
		Price:         decimal.RequireFromString("97000"),
		ClientOrderID: "cid-7",
	})
	require.NoError(t, err)

	assert.Equal(t, "9003", order.OrderID)
	assert.Equal(t, "cid-7", order.ClientOrderID)
	assert.Equal(t, int32(1), placeCalls.Load())
	assert.Equal(t, int32(1), queryCalls.Load())
}

func TestPrivate_CancelOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/api/v4/futures/usdt/orders/9001", r.URL.Path)

		resp := openOrderJSON(9001, "t-cid-1", 10, 6, "97000")
		resp["status"] = "finished"
		resp["finish_as"] = "cancelled"
		resp["finish_time"] = 1700000001.0
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newTestPrivate(t, server.URL)
	order, err := p.CancelOrder(context.Background(), testSymbol, "9001")
	require.NoError(t, err)

	assert.Equal(t, core.StatusPartiallyCanceled, order.Status)
	assert.True(t, order.FilledQty.Equal(decimal.RequireFromString("0.0004")), "filled %s", order.FilledQty)
}

func TestPrivate_CancelOrder_UnknownOrderIsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"label":"ORDER_NOT_FOUND","message":"no such order"}`))
	}))
	defer server.Close()

	p := newTestPrivate(t, server.URL)
	order, err := p.CancelOrder(context.Background(), testSymbol, "404404")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, order.Status)
	assert.Equal(t, "404404", order.OrderID)
}

func TestPrivate_CancelAllOrders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/api/v4/futures/usdt/orders", r.URL.Path)
		require.Equal(t, "BTC_USDT", r.URL.Query().Get("contract"))

		resp := openOrderJSON(9001, "t-cid-1", 10, 10, "97000")
		resp["status"] = "finished"
		resp["finish_as"] = "cancelled"
		json.NewEncoder(w).Encode([]interface{}{resp})
	}))
	defer server.Close()

	p := newTestPrivate(t, server.URL)
	p.tracker.Update(core.Order{OrderID: "9001", Symbol: testSymbol, Status: core.StatusNew})

	require.NoError(t, p.CancelAllOrders(context.Background(), testSymbol))

	open, err := p.GetOpenOrders(context.Background(), testSymbol, false)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPrivate_GetActiveOrder_RESTFallbackWritesBack(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/api/v4/futures/usdt/orders/777", r.URL.Path)
		json.NewEncoder(w).Encode(openOrderJSON(777, "t-cid-9", 10, 4, "97000"))
	}))
	defer server.Close()

	p := newTestPrivate(t, server.URL)

	order, err := p.GetActiveOrder(context.Background(), testSymbol, "777")
	require.NoError(t, err)
	assert.Equal(t, core.StatusPartiallyFilled, order.Status)
	assert.Equal(t, "cid-9", order.ClientOrderID)

	// Second read is served from the tracker.
	_, err = p.GetActiveOrder(context.Background(), testSymbol, "777")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPrivate_GetOpenOrders_ForceReplacesTracked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v4/futures/usdt/orders", r.URL.Path)
		require.Equal(t, "open", r.URL.Query().Get("status"))
		json.NewEncoder(w).Encode([]interface{}{openOrderJSON(555, "t-cid-5", 20, 20, "96000")})
	}))
	defer server.Close()

	p := newTestPrivate(t, server.URL)
	p.tracker.Update(core.Order{OrderID: "111", Symbol: testSymbol, Status: core.StatusNew})

	orders, err := p.GetOpenOrders(context.Background(), testSymbol, true)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "555", orders[0].OrderID)

	tracked, err := p.GetOpenOrders(context.Background(), testSymbol, false)
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Equal(t, "555", tracked[0].OrderID)
}

func TestPrivate_GetAssetBalance(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/api/v4/futures/usdt/accounts", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"total":     "10000",
			"available": "5000",
			"currency":  "USDT",
		})
	}))
	defer server.Close()

	p := newTestPrivate(t, server.URL)

	bal, err := p.GetAssetBalance(context.Background(), "USDT", true)
	require.NoError(t, err)
	assert.True(t, bal.Free.Equal(decimal.NewFromInt(5000)))
	assert.True(t, bal.Locked.Equal(decimal.NewFromInt(5000)))

	// Cached read does not hit REST.
	_, err = p.GetAssetBalance(context.Background(), "USDT", false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	unknown, err := p.GetAssetBalance(context.Background(), "BTC", false)
	require.NoError(t, err)
	assert.True(t, unknown.Free.IsZero())
}

func TestPrivate_GetPosition(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v4/futures/usdt/positions/BTC_USDT", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"contract":    "BTC_USDT",
			"size":        -30,
			"entry_price": "97123.4",
		})
	}))
	defer server.Close()

	p := newTestPrivate(t, server.URL)
	pos, err := p.GetPosition(context.Background(), testSymbol)
	require.NoError(t, err)

	assert.True(t, pos.Quantity.Equal(decimal.RequireFromString("-0.003")), "quantity %s", pos.Quantity)
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.RequireFromString("97123.4")))
}

func TestPrivate_GetPosition_NeverTradedIsFlat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"label":"POSITION_NOT_FOUND","message":"no position"}`))
	}))
	defer server.Close()

	p := newTestPrivate(t, server.URL)
	pos, err := p.GetPosition(context.Background(), testSymbol)
	require.NoError(t, err)
	assert.True(t, pos.Quantity.IsZero())
}

func TestPrivate_WithdrawNotSupported(t *testing.T) {
	p := newTestPrivate(t, "http://127.0.0.1:0")
	_, err := p.Withdraw(context.Background(), "USDT", decimal.NewFromInt(100), "addr", "TRC20")
	assert.ErrorIs(t, err, apperrors.ErrNotSupported)
}

func TestPrivate_StreamUpdatesFeedTrackerAndBalances(t *testing.T) {
	p := newTestPrivate(t, "http://127.0.0.1:0")

	var orders []core.Order
	var trades []core.Trade
	var balances []core.AssetBalance
	p.RegisterOrderHandler(func(order core.Order) { orders = append(orders, order) })
	p.RegisterTradeHandler(func(trade core.Trade) { trades = append(trades, trade) })
	p.RegisterBalanceHandler(func(bal core.AssetBalance) { balances = append(balances, bal) })

	codec := &wsCodec{resolve: p.resolveContract}
	frames := [][]byte{
		[]byte(`{"time":1,"channel":"futures.orders","event":"update","result":[
			{"id":9001,"contract":"BTC_USDT","text":"t-cid-1","size":10,"left":10,"price":"97000","status":"open","create_time_ms":1700000000000}
		]}`),
		[]byte(`{"time":2,"channel":"futures.usertrades","event":"update","result":[
			{"id":"1705497","contract":"BTC_USDT","order_id":"9001","size":4,"price":"97000","role":"maker","create_time_ms":1700000000100}
		]}`),
		[]byte(`{"time":3,"channel":"futures.balances","event":"update","result":[
			{"balance":9908.98,"change":-8.97,"time_ms":1700000000200,"type":"fee"}
		]}`),
	}
	for _, frame := range frames {
		msg, err := codec.Decode(1, frame)
		require.NoError(t, err)
		p.handleMessage(msg)
	}

	require.Len(t, orders, 1)
	assert.Equal(t, "9001", orders[0].OrderID)

	require.Len(t, trades, 1)
	assert.True(t, trades[0].IsMaker)

	require.Len(t, balances, 1)
	assert.True(t, balances[0].Free.Equal(decimal.NewFromFloat(9908.98)))

	// The streamed order is tracked.
	tracked, ok := p.tracker.Get(testSymbol, "9001")
	require.True(t, ok)
	assert.Equal(t, core.StatusNew, tracked.Status)

	// The streamed balance is readable without force.
	bal, err := p.GetAssetBalance(context.Background(), "USDT", false)
	require.NoError(t, err)
	assert.True(t, bal.Free.Equal(decimal.NewFromFloat(9908.98)))
}

func TestPrivate_BackfillReplaysOnlyNewFills(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v4/futures/usdt/my_trades", r.URL.Path)
		require.Equal(t, "BTC_USDT", r.URL.Query().Get("contract"))
		// Newest first, the venue's order.
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"order_id": "ord-new", "size": -2000, "price": "50010", "role": "taker", "create_time": 1700000009.5},
			{"order_id": "ord-seen", "size": 1000, "price": "50000", "role": "maker", "create_time": 1700000000.0},
		})
	}))
	defer server.Close()

	p := newTestPrivate(t, server.URL)
	p.lastTradeAt[testSymbol] = time.UnixMilli(1700000000000)

	var got []core.Trade
	p.RegisterTradeHandler(func(trade core.Trade) { got = append(got, trade) })

	p.backfillTrades(context.Background(), testSymbol)

	// Only the fill past the watermark is replayed.
	require.Len(t, got, 1)
	assert.Equal(t, "ord-new", got[0].OrderID)
	assert.Equal(t, core.SideSell, got[0].Side)
	assert.Equal(t, "0.2", got[0].Quantity.String())
	assert.False(t, got[0].IsMaker)
	assert.Equal(t, time.UnixMilli(1700000009500), p.lastTradeAt[testSymbol])
}
