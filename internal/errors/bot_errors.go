package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrorCategory represents the failure classes of the execution core
type ErrorCategory string

const (
	// Never retried
	ErrorCategoryValidation     ErrorCategory = "VALIDATION"
	ErrorCategoryRisk           ErrorCategory = "RISK"
	ErrorCategoryPermanentVenue ErrorCategory = "PERMANENT_VENUE"
	ErrorCategoryExhaustedRetry ErrorCategory = "EXHAUSTED_RETRY"
	ErrorCategoryCircuitOpen    ErrorCategory = "CIRCUIT_OPEN"
	ErrorCategoryConfiguration  ErrorCategory = "CONFIG"
	ErrorCategoryState          ErrorCategory = "STATE"

	// Eligible for retry under the resiliency manager
	ErrorCategoryTransientVenue ErrorCategory = "TRANSIENT_VENUE"
)

// BotError represents a categorized error with context
type BotError struct {
	Category   ErrorCategory
	Component  string
	Operation  string
	Message    string
	Underlying error
	Context    map[string]interface{}
	Retryable  bool
}

// Error implements the error interface
func (e *BotError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Category, e.Component, e.Operation, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Category, e.Component, e.Operation, e.Message)
}

// Unwrap returns the underlying error for error unwrapping
func (e *BotError) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error can be retried
func (e *BotError) IsRetryable() bool {
	return e.Retryable
}

// NewBotError creates a new categorized bot error
func NewBotError(category ErrorCategory, component, operation, message string) *BotError {
	return &BotError{
		Category:  category,
		Component: component,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Retryable: isRetryableCategory(category),
	}
}

// WrapError wraps an existing error with bot error context
func WrapError(err error, category ErrorCategory, component, operation string) *BotError {
	if err == nil {
		return nil
	}

	return &BotError{
		Category:   category,
		Component:  component,
		Operation:  operation,
		Message:    "operation failed",
		Underlying: err,
		Context:    make(map[string]interface{}),
		Retryable:  isRetryableCategory(category),
	}
}

// WithContext adds context information to the error
func (e *BotError) WithContext(key string, value interface{}) *BotError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRetryable sets the retryable flag
func (e *BotError) WithRetryable(retryable bool) *BotError {
	e.Retryable = retryable
	return e
}

func isRetryableCategory(category ErrorCategory) bool {
	return category == ErrorCategoryTransientVenue
}

// transient is implemented by venue errors that know whether a retry can help
type transient interface {
	IsTransient() bool
}

// Classify maps an arbitrary error into the taxonomy. Unknown errors are treated
// as permanent so that nothing is retried on a guess.
func Classify(err error, component, operation string) *BotError {
	if err == nil {
		return nil
	}

	var botErr *BotError
	if stderrors.As(err, &botErr) {
		return botErr
	}

	var rv *RiskViolation
	if stderrors.As(err, &rv) {
		return WrapError(err, ErrorCategoryRisk, component, operation)
	}

	var exhausted *ExhaustedRetryError
	if stderrors.As(err, &exhausted) {
		return WrapError(err, ErrorCategoryExhaustedRetry, component, operation)
	}

	var open *CircuitOpenError
	if stderrors.As(err, &open) {
		return WrapError(err, ErrorCategoryCircuitOpen, component, operation)
	}

	var t transient
	if stderrors.As(err, &t) {
		if t.IsTransient() {
			return WrapError(err, ErrorCategoryTransientVenue, component, operation)
		}
		return WrapError(err, ErrorCategoryPermanentVenue, component, operation)
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return WrapError(err, ErrorCategoryTransientVenue, component, operation)
	}
	if stderrors.Is(err, context.Canceled) {
		return WrapError(err, ErrorCategoryPermanentVenue, component, operation)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return WrapError(err, ErrorCategoryTransientVenue, component, operation)
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "connection") ||
		strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "too many requests") ||
		strings.Contains(errMsg, "service unavailable") || strings.Contains(errMsg, "bad gateway") {
		return WrapError(err, ErrorCategoryTransientVenue, component, operation)
	}

	if strings.Contains(errMsg, "invalid") || strings.Contains(errMsg, "insufficient") ||
		strings.Contains(errMsg, "unauthorized") || strings.Contains(errMsg, "api key") {
		return WrapError(err, ErrorCategoryPermanentVenue, component, operation)
	}

	return WrapError(err, ErrorCategoryPermanentVenue, component, operation)
}

// IsRetryable reports whether err is worth another attempt
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err, "", "").Retryable
}

// Common error constructors
func NewValidationError(component, operation, message string) *BotError {
	return NewBotError(ErrorCategoryValidation, component, operation, message)
}

func NewConfigurationError(component, operation, message string) *BotError {
	return NewBotError(ErrorCategoryConfiguration, component, operation, message)
}

func NewStateError(component, operation string, err error) *BotError {
	return WrapError(err, ErrorCategoryState, component, operation)
}

func NewTransientVenueError(component, operation string, err error) *BotError {
	return WrapError(err, ErrorCategoryTransientVenue, component, operation)
}

func NewPermanentVenueError(component, operation string, err error) *BotError {
	return WrapError(err, ErrorCategoryPermanentVenue, component, operation)
}

// ExhaustedRetryError is returned once a call used up its attempts. The call has
// already been written to the dead-letter queue when the caller sees this.
type ExhaustedRetryError struct {
	Venue    string
	Method   string
	Attempts int
	History  []string
	Last     error
	DLQID    string
}

func (e *ExhaustedRetryError) Error() string {
	return fmt.Sprintf("%s.%s exhausted %d attempts (dlq=%s): %v", e.Venue, e.Method, e.Attempts, e.DLQID, e.Last)
}

func (e *ExhaustedRetryError) Unwrap() error {
	return e.Last
}

// CircuitOpenError is returned without contacting the venue
type CircuitOpenError struct {
	Venue   string
	Method  string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s.%s is open until %s", e.Venue, e.Method, e.RetryAt.Format(time.RFC3339))
}

// ErrorStats tracks error statistics. Safe for concurrent use.
type ErrorStats struct {
	mu               sync.Mutex
	TotalErrors      int
	ErrorsByCategory map[ErrorCategory]int
	RecentErrors     []*BotError
	MaxRecentErrors  int
}

// NewErrorStats creates a new error statistics tracker
func NewErrorStats(maxRecentErrors int) *ErrorStats {
	return &ErrorStats{
		ErrorsByCategory: make(map[ErrorCategory]int),
		RecentErrors:     make([]*BotError, 0, maxRecentErrors),
		MaxRecentErrors:  maxRecentErrors,
	}
}

// RecordError records an error in the statistics
func (es *ErrorStats) RecordError(err *BotError) {
	if err == nil {
		return
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	es.TotalErrors++
	es.ErrorsByCategory[err.Category]++

	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > es.MaxRecentErrors {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate returns the error rate for a specific category
func (es *ErrorStats) GetErrorRate(category ErrorCategory) float64 {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.TotalErrors == 0 {
		return 0.0
	}
	return float64(es.ErrorsByCategory[category]) / float64(es.TotalErrors)
}

// HasRecentErrors checks if there have been errors in the recent history
func (es *ErrorStats) HasRecentErrors(category ErrorCategory, count int) bool {
	es.mu.Lock()
	defer es.mu.Unlock()
	recentCount := 0
	for _, err := range es.RecentErrors {
		if err.Category == category {
			recentCount++
		}
	}
	return recentCount >= count
}

// Recent returns the messages of the retained errors, oldest first
func (es *ErrorStats) Recent() []string {
	es.mu.Lock()
	defer es.mu.Unlock()
	out := make([]string, 0, len(es.RecentErrors))
	for _, err := range es.RecentErrors {
		out = append(out, err.Error())
	}
	return out
}

// Counts returns a copy of the per-category totals
func (es *ErrorStats) Counts() map[ErrorCategory]int {
	es.mu.Lock()
	defer es.mu.Unlock()
	out := make(map[ErrorCategory]int, len(es.ErrorsByCategory))
	for k, v := range es.ErrorsByCategory {
		out[k] = v
	}
	return out
}
