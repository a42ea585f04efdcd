package mexc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basis_arb/internal/core"
	"basis_arb/pkg/logging"
)

func exchangeInfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"symbols": []map[string]interface{}{
				{
					"symbol":               "BTCUSDT",
					"status":               "1",
					"baseAsset":            "BTC",
					"quoteAsset":           "USDT",
					"baseAssetPrecision":   6,
					"quoteAssetPrecision":  2,
					"baseSizePrecision":    "0.000001",
					"quoteAmountPrecision": "5",
					"makerCommission":      "0.001",
					"takerCommission":      "0.002",
				},
				{
					"symbol":              "DELISTEDUSDT",
					"status":              "3",
					"baseAsset":           "DELISTED",
					"quoteAsset":          "USDT",
					"baseAssetPrecision":  2,
					"quoteAssetPrecision": 2,
				},
			},
		})
	}
}

func depthHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"lastUpdateId": 42,
			"bids":         [][]string{{"50000", "1.5"}, {"49999", "2"}},
			"asks":         [][]string{{"50001", "0.7"}, {"50002", "3"}},
		})
	}
}

func bookTickerHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		json.NewEncoder(w).Encode(map[string]string{
			"symbol":   "BTCUSDT",
			"bidPrice": "50000.1",
			"bidQty":   "1.2",
			"askPrice": "50000.9",
			"askQty":   "0.5",
		})
	}
}

func newTestPublic(t *testing.T, serverURL string) *Public {
	t.Helper()
	p := NewPublic(Options{
		BaseURL: serverURL,
		WsURL:   "ws://127.0.0.1:0/ws",
	}, nil, logging.NewNopLogger())
	p.pairs["BTCUSDT"] = testSymbol
	return p
}

func TestPublic_RefreshSymbolInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", exchangeInfoHandler())
	server := httptest.NewServer(mux)
	defer server.Close()

	p := newTestPublic(t, server.URL)
	require.NoError(t, p.RefreshSymbolInfo(context.Background()))

	info, err := p.GetSymbolInfo(testSymbol)
	require.NoError(t, err)
	assert.Equal(t, int32(6), info.BasePrecision)
	assert.Equal(t, int32(2), info.QuotePrecision)
	assert.Equal(t, "0.000001", info.MinBaseQty.String())
	assert.Equal(t, "5", info.MinQuoteQty.String())
	assert.Equal(t, "0.001", info.MakerFee.String())
	assert.Equal(t, "0.002", info.TakerFee.String())
	assert.True(t, info.Active)

	delisted, err := p.GetSymbolInfo(core.Symbol{Base: "DELISTED", Quote: "USDT"})
	require.NoError(t, err)
	assert.False(t, delisted.Active)

	_, err = p.GetSymbolInfo(core.Symbol{Base: "NOPE", Quote: "USDT"})
	assert.Error(t, err)
}

func TestPublic_SeedBookPrimesCaches(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/depth", depthHandler(t))
	mux.HandleFunc("/api/v3/ticker/bookTicker", bookTickerHandler(t))
	server := httptest.NewServer(mux)
	defer server.Close()

	p := newTestPublic(t, server.URL)

	var snapshots []core.OrderBook
	p.RegisterOrderBookHandler(func(symbol core.Symbol, book core.OrderBook, updateType core.UpdateType) {
		assert.Equal(t, core.UpdateSnapshot, updateType)
		snapshots = append(snapshots, book)
	})

	require.NoError(t, p.seedBook(context.Background(), testSymbol))

	book, ok := p.GetOrderBook(testSymbol)
	require.True(t, ok)
	assert.Equal(t, int64(42), book.UpdateID)
	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 2)
	assert.Equal(t, "50000", book.Bids[0].Price.String())

	// The REST top-of-book overlays the depth top in the ticker cache.
	ticker, ok := p.GetBestBidAsk(testSymbol)
	require.True(t, ok)
	assert.Equal(t, "50000.1", ticker.BidPrice.String())
	assert.Equal(t, "50000.9", ticker.AskPrice.String())
	assert.Equal(t, "0.5", ticker.AskQty.String())

	require.Len(t, snapshots, 1)
}

func TestPublic_SeedBookWithoutTickerEndpointUsesDepthTop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/depth", depthHandler(t))
	server := httptest.NewServer(mux)
	defer server.Close()

	p := newTestPublic(t, server.URL)
	require.NoError(t, p.seedBook(context.Background(), testSymbol))

	ticker, ok := p.GetBestBidAsk(testSymbol)
	require.True(t, ok)
	assert.Equal(t, "50000", ticker.BidPrice.String())
	assert.Equal(t, "50001", ticker.AskPrice.String())
}

func freshTicker(updateID int64, bid, ask string) core.BookTicker {
	return core.BookTicker{
		Symbol:    testSymbol,
		BidPrice:  decimal.RequireFromString(bid),
		BidQty:    decimal.NewFromInt(1),
		AskPrice:  decimal.RequireFromString(ask),
		AskQty:    decimal.NewFromInt(1),
		UpdateID:  updateID,
		Timestamp: time.Now(),
	}
}

func TestPublic_HandleBookTicker_Dispatches(t *testing.T) {
	p := newTestPublic(t, "http://127.0.0.1:0")

	var got []core.BookTicker
	p.RegisterBookTickerHandler(func(symbol core.Symbol, ticker core.BookTicker) {
		got = append(got, ticker)
	})

	p.handleBookTicker(freshTicker(1, "50000", "50001"))

	require.Len(t, got, 1)
	cached, ok := p.GetBestBidAsk(testSymbol)
	require.True(t, ok)
	assert.Equal(t, int64(1), cached.UpdateID)
}

func TestPublic_HandleBookTicker_RejectsStale(t *testing.T) {
	p := newTestPublic(t, "http://127.0.0.1:0")

	var calls int
	p.RegisterBookTickerHandler(func(core.Symbol, core.BookTicker) { calls++ })

	stale := freshTicker(1, "50000", "50001")
	stale.Timestamp = time.Now().Add(-core.MaxBookTickerAge)
	p.handleBookTicker(stale)

	assert.Zero(t, calls)
	_, ok := p.GetBestBidAsk(testSymbol)
	assert.False(t, ok)
}

func TestPublic_HandleBookTicker_KeepsGreatestUpdateID(t *testing.T) {
	p := newTestPublic(t, "http://127.0.0.1:0")

	var calls int
	p.RegisterBookTickerHandler(func(core.Symbol, core.BookTicker) { calls++ })

	p.handleBookTicker(freshTicker(10, "50000", "50001"))
	// A late frame with a smaller id must not regress the cache.
	p.handleBookTicker(freshTicker(9, "49000", "49001"))

	assert.Equal(t, 1, calls)
	cached, ok := p.GetBestBidAsk(testSymbol)
	require.True(t, ok)
	assert.Equal(t, int64(10), cached.UpdateID)
	assert.Equal(t, "50000", cached.BidPrice.String())
}

func TestPublic_AddAndRemoveSymbol(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", exchangeInfoHandler())
	mux.HandleFunc("/api/v3/depth", depthHandler(t))
	server := httptest.NewServer(mux)
	defer server.Close()

	p := NewPublic(Options{
		BaseURL: server.URL,
		WsURL:   "ws://127.0.0.1:0/ws",
	}, nil, logging.NewNopLogger())

	require.NoError(t, p.AddSymbol(context.Background(), testSymbol))

	_, ok := p.GetBestBidAsk(testSymbol)
	assert.True(t, ok)

	require.NoError(t, p.RemoveSymbol(context.Background(), testSymbol))
	_, ok = p.GetBestBidAsk(testSymbol)
	assert.False(t, ok)
}
