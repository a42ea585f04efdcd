package mexc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basis_arb/internal/core"
	apperrors "basis_arb/pkg/errors"
	apphttp "basis_arb/pkg/http"
)

func TestSigner_SignRequest(t *testing.T) {
	s := &signer{apiKey: "test-key", secretKey: "test-secret", recvWindow: 5000}

	req, err := http.NewRequest(http.MethodGet, "https://api.mexc.com/api/v3/account?timestamp=1700000000000&recvWindow=5000", nil)
	require.NoError(t, err)

	require.NoError(t, s.SignRequest(req, nil))

	assert.Equal(t, "test-key", req.Header.Get("X-MEXC-APIKEY"))

	q := req.URL.Query()
	sig := q.Get("signature")
	require.NotEmpty(t, sig)

	// The signature covers the encoded query without the signature itself.
	q.Del("signature")
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(q.Encode()))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestSigner_AddsTimestampAndWindow(t *testing.T) {
	s := &signer{apiKey: "k", secretKey: "sec", recvWindow: 7000}

	req, err := http.NewRequest(http.MethodPost, "https://api.mexc.com/api/v3/order?symbol=BTCUSDT", nil)
	require.NoError(t, err)
	require.NoError(t, s.SignRequest(req, nil))

	q := req.URL.Query()
	assert.NotEmpty(t, q.Get("timestamp"))
	assert.Equal(t, "7000", q.Get("recvWindow"))
	assert.NotEmpty(t, q.Get("signature"))
	assert.Equal(t, "BTCUSDT", q.Get("symbol"))
}

func TestParseAPIError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"bad signature", `{"code":700002,"msg":"Signature for this request is not valid."}`, apperrors.ErrAuthenticationFailed},
		{"bad api key", `{"code":10072,"msg":"Api key info invalid"}`, apperrors.ErrAuthenticationFailed},
		{"timestamp drift", `{"code":700003,"msg":"Timestamp for this request is outside of the recvWindow."}`, apperrors.ErrTimestampOutOfBounds},
		{"unknown symbol", `{"code":10007,"msg":"symbol not support api"}`, apperrors.ErrInvalidSymbol},
		{"no balance", `{"code":30004,"msg":"Insufficient balance"}`, apperrors.ErrInsufficientFunds},
		{"order missing", `{"code":-2011,"msg":"Unknown order sent."}`, apperrors.ErrOrderNotFound},
		{"duplicate", `{"code":-2010,"msg":"Duplicate order sent."}`, apperrors.ErrDuplicateOrder},
		{"throttled", `{"code":510,"msg":"Requests too frequent"}`, apperrors.ErrRateLimitExceeded},
		{"bad param", `{"code":700004,"msg":"Param 'origClientOrderId' or 'orderId' must be sent, but both were empty"}`, apperrors.ErrInvalidOrderParameter},
		{"message fallback signature", `{"code":99999,"msg":"signature mismatch"}`, apperrors.ErrAuthenticationFailed},
		{"message fallback balance", `{"code":99999,"msg":"insufficient position"}`, apperrors.ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parseAPIError([]byte(tt.body))
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestParseAPIError_UnmappedCode(t *testing.T) {
	err := parseAPIError([]byte(`{"code":12345,"msg":"something novel"}`))
	require.Error(t, err)
	assert.False(t, apperrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "12345")
}

func TestMapError(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, mapError(nil))
	})

	t.Run("http 429 is rate limit", func(t *testing.T) {
		err := mapError(&apphttp.APIError{StatusCode: 429, Body: []byte(`{}`)})
		assert.True(t, errors.Is(err, apperrors.ErrRateLimitExceeded))
	})

	t.Run("api body is mapped", func(t *testing.T) {
		err := mapError(&apphttp.APIError{StatusCode: 400, Body: []byte(`{"code":30004,"msg":"Insufficient balance"}`)})
		assert.True(t, errors.Is(err, apperrors.ErrInsufficientFunds))
	})

	t.Run("plain errors pass through", func(t *testing.T) {
		sentinel := errors.New("boom")
		assert.Equal(t, sentinel, mapError(sentinel))
	})
}

func TestPairName(t *testing.T) {
	assert.Equal(t, "BTCUSDT", pairName(core.Symbol{Base: "BTC", Quote: "USDT"}))
	assert.Equal(t, "ETHUSDC", pairName(core.Symbol{Base: "ETH", Quote: "USDC"}))
}

func TestMapOrderStatus(t *testing.T) {
	assert.Equal(t, core.StatusNew, mapOrderStatus("NEW"))
	assert.Equal(t, core.StatusPartiallyFilled, mapOrderStatus("PARTIALLY_FILLED"))
	assert.Equal(t, core.StatusFilled, mapOrderStatus("FILLED"))
	assert.Equal(t, core.StatusCanceled, mapOrderStatus("CANCELED"))
	assert.Equal(t, core.StatusPartiallyCanceled, mapOrderStatus("PARTIALLY_CANCELED"))
	assert.Equal(t, core.StatusUnknown, mapOrderStatus("SOMETHING_ELSE"))
}

func TestMapStreamOrderStatus(t *testing.T) {
	assert.Equal(t, core.StatusNew, mapStreamOrderStatus(1))
	assert.Equal(t, core.StatusFilled, mapStreamOrderStatus(2))
	assert.Equal(t, core.StatusPartiallyFilled, mapStreamOrderStatus(3))
	assert.Equal(t, core.StatusCanceled, mapStreamOrderStatus(4))
	assert.Equal(t, core.StatusPartiallyCanceled, mapStreamOrderStatus(5))
	assert.Equal(t, core.StatusUnknown, mapStreamOrderStatus(0))
}
