package apperrors

import "errors"

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
	ErrNotSupported          = errors.New("operation not supported")
	ErrStaleData             = errors.New("stale market data")
	ErrSnapshotInvalid       = errors.New("snapshot failed validation")
)

// IsRetryable reports whether the error is transient: the call may be
// repeated with backoff without changing its arguments.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrExchangeMaintenance) ||
		errors.Is(err, ErrSystemOverload) ||
		errors.Is(err, ErrTimestampOutOfBounds)
}

// IsAuthentication reports whether the error is an authentication failure.
// These are fatal for the client that produced them; retrying without new
// credentials cannot succeed.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}

// IsBusiness reports whether the error is a deterministic business rejection
// (insufficient balance, bad parameter, unknown symbol). Retrying the same
// request yields the same outcome.
func IsBusiness(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrOrderRejected) ||
		errors.Is(err, ErrInvalidSymbol) ||
		errors.Is(err, ErrInvalidOrderParameter) ||
		errors.Is(err, ErrDuplicateOrder) ||
		errors.Is(err, ErrOrderNotFound)
}
