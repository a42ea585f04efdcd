// Package mexc implements the spot venue adapter for MEXC: signed REST,
// public book-ticker streaming over binary push frames, and the listen-key
// authenticated private stream.
package mexc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"basis_arb/internal/core"
	apperrors "basis_arb/pkg/errors"
	apphttp "basis_arb/pkg/http"
)

const (
	defaultBaseURL = "https://api.mexc.com"
	defaultWsURL   = "wss://wbs-api.mexc.com/ws"

	bookTickerChannelPrefix = "spot@public.bookTicker.v3.api@"
	ordersChannel           = "spot@private.orders.v3.api"
	dealsChannel            = "spot@private.deals.v3.api"
	accountChannel          = "spot@private.account.v3.api"
)

// Options configures the MEXC adapters.
type Options struct {
	APIKey    string
	SecretKey string
	BaseURL   string
	WsURL     string
	// RecvWindowMS is the signed-request validity window.
	RecvWindowMS int
	// PublicRateLimit and TradingRateLimit are requests per second for the
	// two REST families.
	PublicRateLimit  int
	TradingRateLimit int
	PingInterval     time.Duration
}

func (o *Options) applyDefaults() {
	if o.BaseURL == "" {
		o.BaseURL = defaultBaseURL
	}
	if o.WsURL == "" {
		o.WsURL = defaultWsURL
	}
	if o.RecvWindowMS <= 0 {
		o.RecvWindowMS = 5000
	}
	if o.PublicRateLimit <= 0 {
		o.PublicRateLimit = 900
	}
	if o.TradingRateLimit <= 0 {
		o.TradingRateLimit = 20
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
}

func (o Options) publicLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(o.PublicRateLimit), o.PublicRateLimit)
}

func (o Options) tradingLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(o.TradingRateLimit), o.TradingRateLimit)
}

// signer implements the MEXC signed-request family: HMAC-SHA256 over the
// encoded query string including timestamp and recvWindow, appended as the
// signature parameter, with the API key in a header.
type signer struct {
	apiKey     string
	secretKey  string
	recvWindow int
}

func (s *signer) SignRequest(req *http.Request, body []byte) error {
	req.Header.Set("X-MEXC-APIKEY", s.apiKey)

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	}
	if q.Get("recvWindow") == "" {
		q.Set("recvWindow", fmt.Sprintf("%d", s.recvWindow))
	}

	queryString := q.Encode()
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(queryString))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	req.URL.RawQuery = q.Encode()
	return nil
}

// parseAPIError maps a MEXC error payload onto the shared sentinels.
func parseAPIError(body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("mexc error (unmarshal failed): %s", string(body))
	}

	switch errResp.Code {
	case 700002, 10072:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, errResp.Msg)
	case 700003:
		return fmt.Errorf("%w: %s", apperrors.ErrTimestampOutOfBounds, errResp.Msg)
	case 10007, -1121:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, errResp.Msg)
	case 30004, 10101:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, errResp.Msg)
	case -2011, -2013:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, errResp.Msg)
	case -2010:
		return fmt.Errorf("%w: %s", apperrors.ErrDuplicateOrder, errResp.Msg)
	case 510, 429:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, errResp.Msg)
	case 700004, 700005, 30002:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, errResp.Msg)
	}

	msg := strings.ToLower(errResp.Msg)
	switch {
	case strings.Contains(msg, "signature"), strings.Contains(msg, "api key"):
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, errResp.Msg)
	case strings.Contains(msg, "insufficient"):
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, errResp.Msg)
	case strings.Contains(msg, "order does not exist"):
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, errResp.Msg)
	case strings.Contains(msg, "too many"):
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, errResp.Msg)
	}

	return fmt.Errorf("mexc error %d: %s", errResp.Code, errResp.Msg)
}

// mapError unwraps REST-layer errors: API error bodies go through the venue
// error mapping, everything else passes through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apphttp.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode == 418 {
			return fmt.Errorf("%w: HTTP %d", apperrors.ErrRateLimitExceeded, apiErr.StatusCode)
		}
		return parseAPIError(apiErr.Body)
	}
	return err
}

// pairName renders the venue symbol, e.g. BTC/USDT -> BTCUSDT.
func pairName(symbol core.Symbol) string {
	return symbol.Base + symbol.Quote
}

// parseDecimal parses without logging; malformed wire values become zero and
// are caught by validity checks downstream.
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// mapOrderStatus maps the venue REST status strings onto the canonical set.
func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "NEW":
		return core.StatusNew
	case "PARTIALLY_FILLED":
		return core.StatusPartiallyFilled
	case "FILLED":
		return core.StatusFilled
	case "CANCELED":
		return core.StatusCanceled
	case "PARTIALLY_CANCELED":
		return core.StatusPartiallyCanceled
	case "REJECTED":
		return core.StatusRejected
	case "EXPIRED":
		return core.StatusExpired
	default:
		return core.StatusUnknown
	}
}

// mapStreamOrderStatus maps the private-stream integer status codes.
func mapStreamOrderStatus(code int) core.OrderStatus {
	switch code {
	case 1:
		return core.StatusNew
	case 2:
		return core.StatusFilled
	case 3:
		return core.StatusPartiallyFilled
	case 4:
		return core.StatusCanceled
	case 5:
		return core.StatusPartiallyCanceled
	default:
		return core.StatusUnknown
	}
}

func mapStreamSide(code int) core.Side {
	if code == 2 {
		return core.SideSell
	}
	return core.SideBuy
}
