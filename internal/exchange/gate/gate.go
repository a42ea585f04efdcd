// Package gate implements the USDT-perpetual futures venue adapter for
// Gate.io: signed REST, public book-ticker streaming, and in-band signed
// private channels. Quantities cross the wire as signed contract counts;
// the adapter converts to and from base-asset decimals at the boundary.
package gate

import (
	"crypto/hmac"
	"crypto/sha512"
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
	defaultBaseURL = "https://api.gateio.ws"
	defaultWsURL   = "wss://fx-ws.gateio.ws/v4/ws/usdt"

	futuresPath = "/api/v4/futures/usdt"

	channelBookTicker = "futures.book_ticker"
	channelOrders     = "futures.orders"
	channelUserTrades = "futures.usertrades"
	channelBalances   = "futures.balances"
	channelPing       = "futures.ping"
	channelPong       = "futures.pong"

	// clientIDPrefix is mandatory on user-supplied order texts.
	clientIDPrefix = "t-"
)

// Options configures the Gate adapters.
type Options struct {
	APIKey    string
	SecretKey string
	BaseURL   string
	WsURL     string
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
	if o.PublicRateLimit <= 0 {
		o.PublicRateLimit = 100
	}
	if o.TradingRateLimit <= 0 {
		o.TradingRateLimit = 50
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
}

func (o Options) publicLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(o.PublicRateLimit), o.PublicRateLimit)
}

func (o Options) tradingLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(o.TradingRateLimit), o.TradingRateLimit)
}

// signer implements the Gate v4 signed-request scheme: HMAC-SHA512 over
// "method\npath\nquery\nsha512hex(body)\ntimestamp", attached as the KEY,
// SIGN, and Timestamp headers. The timestamp is unix seconds.
type signer struct {
	apiKey    string
	secretKey string
}

func (s *signer) SignRequest(req *http.Request, body []byte) error {
	timestamp := time.Now().Unix()

	hasher := sha512.New()
	hasher.Write(body)
	bodyHash := hex.EncodeToString(hasher.Sum(nil))

	message := fmt.Sprintf("%s\n%s\n%s\n%s\n%d",
		req.Method,
		req.URL.Path,
		req.URL.RawQuery,
		bodyHash,
		timestamp,
	)

	mac := hmac.New(sha512.New, []byte(s.secretKey))
	mac.Write([]byte(message))

	req.Header.Set("KEY", s.apiKey)
	req.Header.Set("SIGN", hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("Timestamp", fmt.Sprintf("%d", timestamp))
	return nil
}

// signChannel produces the in-band subscription signature:
// HMAC-SHA512 over "channel=%s&event=%s&time=%d".
func signChannel(secretKey, channel, event string, timestamp int64) string {
	message := fmt.Sprintf("channel=%s&event=%s&time=%d", channel, event, timestamp)
	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// parseAPIError maps a Gate error payload onto the shared sentinels.
func parseAPIError(body []byte) error {
	var errResp struct {
		Label   string `json:"label"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("gate error (unmarshal failed): %s", string(body))
	}

	switch errResp.Label {
	case "INVALID_PARAM", "INVALID_PRICE", "INVALID_SIZE", "CONTRACT_NOT_FOUND":
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, errResp.Message)
	case "AUTHENTICATION_FAILED", "INVALID_KEY", "INVALID_SIGNATURE", "FORBIDDEN":
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, errResp.Message)
	case "BALANCE_NOT_ENOUGH", "MARGIN_NOT_ENOUGH", "INSUFFICIENT_AVAILABLE":
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, errResp.Message)
	case "ORDER_NOT_FOUND":
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, errResp.Message)
	case "TOO_MANY_REQUESTS":
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, errResp.Message)
	case "ORDER_POC_IMMEDIATE":
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, errResp.Message)
	case "SERVER_ERROR", "INTERNAL":
		return fmt.Errorf("%w: %s", apperrors.ErrSystemOverload, errResp.Message)
	case "REQUEST_EXPIRED":
		return fmt.Errorf("%w: %s", apperrors.ErrTimestampOutOfBounds, errResp.Message)
	}

	if strings.Contains(strings.ToLower(errResp.Message), "duplicate") {
		return fmt.Errorf("%w: %s", apperrors.ErrDuplicateOrder, errResp.Message)
	}

	return fmt.Errorf("gate error: %s (%s)", errResp.Message, errResp.Label)
}

// mapError unwraps REST-layer errors through the venue error mapping.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apphttp.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: HTTP 429", apperrors.ErrRateLimitExceeded)
		}
		return parseAPIError(apiErr.Body)
	}
	return err
}

// contractName renders the venue contract, e.g. BTC/USDT:PERP -> BTC_USDT.
func contractName(symbol core.Symbol) string {
	return symbol.Base + "_" + symbol.Quote
}

// splitContractName recovers base and quote from a venue contract name.
func splitContractName(contract string) (string, string, bool) {
	return strings.Cut(contract, "_")
}

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

// decimalPlaces derives a precision (decimal places) from a venue step such
// as "0.01" -> 2. Integer steps yield zero.
func decimalPlaces(step decimal.Decimal) int32 {
	if exp := step.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}

// mapFuturesStatus maps the venue order lifecycle onto the canonical set.
// Gate reports status open|finished; finished orders carry finish_as.
func mapFuturesStatus(status, finishAs string, filled, total decimal.Decimal) core.OrderStatus {
	switch status {
	case "open":
		if filled.IsPositive() {
			return core.StatusPartiallyFilled
		}
		return core.StatusNew
	case "finished":
		switch finishAs {
		case "filled":
			return core.StatusFilled
		case "cancelled", "liquidated", "auto_deleveraged", "reduce_out", "position_closed", "stp":
			if filled.IsPositive() && filled.LessThan(total) {
				return core.StatusPartiallyCanceled
			}
			return core.StatusCanceled
		case "ioc", "fok":
			if filled.Equal(total) && total.IsPositive() {
				return core.StatusFilled
			}
			if filled.IsPositive() {
				return core.StatusPartiallyCanceled
			}
			return core.StatusExpired
		default:
			return core.StatusFilled
		}
	default:
		return core.StatusUnknown
	}
}

// sideFromSize maps Gate's signed contract count to a side.
func sideFromSize(size int64) core.Side {
	if size < 0 {
		return core.SideSell
	}
	return core.SideBuy
}

// stripClientID removes the mandated text prefix. Venue-generated texts
// (e.g. "web", "api") are not client ids and map to empty.
func stripClientID(text string) string {
	if strings.HasPrefix(text, clientIDPrefix) {
		return strings.TrimPrefix(text, clientIDPrefix)
	}
	return ""
}
