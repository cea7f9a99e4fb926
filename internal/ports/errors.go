package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these sentinels so the
// transport layer can classify a failure without knowing the exchange SDK.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrPositionNotFound     = errors.New("position not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrDuplicateOrder       = errors.New("order with this client order id already exists")

	// Execution Core Errors
	ErrCircuitOpen        = errors.New("circuit breaker open for endpoint")
	ErrRetryBudgetExceeded = errors.New("retry budget exhausted")
	ErrInvalidMarketData  = errors.New("invalid market data")
	ErrStaleData          = errors.New("market data is stale")
	ErrRiskRejected       = errors.New("trade rejected by risk admission")
	ErrBelowMinNotional   = errors.New("order notional below exchange minimum")
	ErrPositionClosed     = errors.New("position already closed")
	ErrShuttingDown       = errors.New("coordinator is shutting down")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
)

// IsRetryable reports whether the error belongs to a class the transport may
// retry: rate limiting, transient network failures, and timeouts. Client
// errors are never retryable; retrying them cannot succeed and risks
// duplicate side effects.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrExchangeUnavailable)
}

// IsRateLimit reports whether the error is a rate-limit signal, which gets
// the full retry budget rather than the reduced network-error budget.
func IsRateLimit(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
