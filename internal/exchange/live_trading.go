package exchange

import (
	"context"

	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// FillHandler receives execution reports from a venue. Implementations must not
// block; the engine forwards fills onto its own loop.
type FillHandler func(types.Fill)

// BrokerAdapter is the capability set every venue exposes to the execution core.
// Protocol, authentication and symbol differences stay behind it.
type BrokerAdapter interface {
	// Name identifies the venue in breaker keys, metrics and order records
	Name() string

	Connect(ctx context.Context) (bool, error)
	Disconnect() error

	// SubmitOrder places the order and returns it with VenueOrderID set and status
	// SUBMITTED. Executions are reported only through SubscribeFills, and may be
	// delivered before SubmitOrder returns.
	SubmitOrder(ctx context.Context, order types.Order) (types.Order, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	ModifyOrder(ctx context.Context, orderID string, quantity, price float64) (bool, error)
	GetOrderStatus(ctx context.Context, orderID string) (types.Order, error)

	GetPositions(ctx context.Context) ([]types.Position, error)
	GetAccountBalance(ctx context.Context) (float64, error)

	SubscribeFills(handler FillHandler)
}

// PriceSource is implemented by adapters that can quote a last price
type PriceSource interface {
	GetLatestPrice(ctx context.Context, instrument string) (float64, error)
}

// ExchangeError represents standardized errors from exchanges
type ExchangeError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Details     string `json:"details,omitempty"`
	IsRetryable bool   `json:"is_retryable"`
}

func (e *ExchangeError) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// IsTransient reports whether a retry may succeed
func (e *ExchangeError) IsTransient() bool {
	return e.IsRetryable
}

// WithDetails returns a copy of a template error carrying details
func (e *ExchangeError) WithDetails(details string) *ExchangeError {
	c := *e
	c.Details = details
	return &c
}

// Common error types
var (
	ErrInsufficientBalance = &ExchangeError{
		Code:        "INSUFFICIENT_BALANCE",
		Message:     "Insufficient balance for trade",
		IsRetryable: false,
	}

	ErrInvalidSymbol = &ExchangeError{
		Code:        "INVALID_SYMBOL",
		Message:     "Invalid trading symbol",
		IsRetryable: false,
	}

	ErrOrderSizeTooSmall = &ExchangeError{
		Code:        "ORDER_SIZE_TOO_SMALL",
		Message:     "Order size below minimum requirements",
		IsRetryable: false,
	}

	ErrOrderNotFound = &ExchangeError{
		Code:        "ORDER_NOT_FOUND",
		Message:     "Order not found",
		IsRetryable: false,
	}

	ErrOrderRejected = &ExchangeError{
		Code:        "ORDER_REJECTED",
		Message:     "Order rejected by venue",
		IsRetryable: false,
	}

	ErrRateLimitExceeded = &ExchangeError{
		Code:        "RATE_LIMIT_EXCEEDED",
		Message:     "API rate limit exceeded",
		IsRetryable: true,
	}

	ErrConnectionFailed = &ExchangeError{
		Code:        "CONNECTION_FAILED",
		Message:     "Failed to connect to exchange",
		IsRetryable: true,
	}

	ErrTimeout = &ExchangeError{
		Code:        "TIMEOUT",
		Message:     "Venue request timed out",
		IsRetryable: true,
	}

	ErrAuthenticationFailed = &ExchangeError{
		Code:        "AUTHENTICATION_FAILED",
		Message:     "API authentication failed",
		IsRetryable: false,
	}

	ErrNotConnected = &ExchangeError{
		Code:        "NOT_CONNECTED",
		Message:     "Adapter is not connected",
		IsRetryable: false,
	}
)
