package safety

import (
	"fmt"
	"math"
	"strings"

	boterrors "github.com/ducminhle1904/trade-execution-core/internal/errors"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// ValidationResult represents the result of a validation check
type ValidationResult struct {
	Valid   bool
	Message string
	Code    string
}

// Err converts a failed result into a ValidationError
func (r ValidationResult) Err(component, operation string) error {
	if r.Valid {
		return nil
	}
	return boterrors.NewValidationError(component, operation, r.Message).WithContext("code", r.Code)
}

func invalid(code, format string, args ...interface{}) ValidationResult {
	return ValidationResult{Valid: false, Code: code, Message: fmt.Sprintf(format, args...)}
}

var valid = ValidationResult{Valid: true}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// Validator checks inputs at the boundary of the execution core
type Validator struct{}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProbability requires p in [0, 1]
func (v *Validator) ValidateProbability(p float64) ValidationResult {
	if !finite(p) {
		return invalid("PROBABILITY_NOT_FINITE", "probability %v is not finite", p)
	}
	if p < 0 || p > 1 {
		return invalid("PROBABILITY_OUT_OF_RANGE", "probability %.6f outside [0, 1]", p)
	}
	return valid
}

// ValidateForecast checks an externally supplied forecast
func (v *Validator) ValidateForecast(f types.Forecast) ValidationResult {
	if r := v.ValidateSymbol(f.Instrument); !r.Valid {
		return r
	}
	if r := v.ValidateProbability(f.Probability); !r.Valid {
		return r
	}
	if !finite(f.ExpectedValue) {
		return invalid("EXPECTED_VALUE_NOT_FINITE", "expected value for %s is not finite", f.Instrument)
	}
	if f.Price != 0 {
		if r := v.ValidatePrice(f.Price, f.Instrument); !r.Valid {
			return r
		}
	}
	return valid
}

// ValidatePrice validates a price value for trading
func (v *Validator) ValidatePrice(price float64, symbol string) ValidationResult {
	if math.IsNaN(price) {
		return invalid("INVALID_PRICE_NAN", "invalid price for %s: price is NaN", symbol)
	}
	if math.IsInf(price, 0) {
		return invalid("INVALID_PRICE_INF", "invalid price for %s: price is infinite", symbol)
	}
	if price <= 0 {
		return invalid("INVALID_PRICE_NEGATIVE", "invalid price %.8f for %s: price must be positive", price, symbol)
	}
	if price > 1e10 {
		return invalid("PRICE_OUT_OF_BOUNDS", "suspicious price %.8f for %s: exceeds reasonable bounds", price, symbol)
	}
	return valid
}

// ValidateQuantity validates a quantity value for trading
func (v *Validator) ValidateQuantity(quantity float64, symbol string) ValidationResult {
	if math.IsNaN(quantity) {
		return invalid("INVALID_QUANTITY_NAN", "invalid quantity for %s: quantity is NaN", symbol)
	}
	if math.IsInf(quantity, 0) {
		return invalid("INVALID_QUANTITY_INF", "invalid quantity for %s: quantity is infinite", symbol)
	}
	if quantity <= 0 {
		return invalid("INVALID_QUANTITY_NEGATIVE", "invalid quantity %.8f for %s: quantity must be positive", quantity, symbol)
	}
	if quantity > 1e12 {
		return invalid("QUANTITY_OUT_OF_BOUNDS", "suspicious quantity %.8f for %s: exceeds reasonable bounds", quantity, symbol)
	}
	return valid
}

// ValidateSymbol validates an instrument identifier such as BTCUSDT or BTC-PERP
func (v *Validator) ValidateSymbol(symbol string) ValidationResult {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return invalid("SYMBOL_EMPTY", "symbol cannot be empty")
	}
	if len(symbol) > 32 {
		return invalid("SYMBOL_TOO_LONG", "symbol '%s' too long: maximum 32 characters allowed", symbol)
	}
	for _, char := range symbol {
		isAlnum := (char >= 'A' && char <= 'Z') || (char >= 'a' && char <= 'z') || (char >= '0' && char <= '9')
		if !isAlnum && char != '-' && char != '/' && char != '_' && char != '.' {
			return invalid("SYMBOL_INVALID_CHARS", "symbol '%s' contains invalid character %q", symbol, char)
		}
	}
	return valid
}

// ValidateOrder checks an order before it is handed to a venue
func (v *Validator) ValidateOrder(o types.Order) ValidationResult {
	if r := v.ValidateSymbol(o.Instrument); !r.Valid {
		return r
	}
	if o.Side != types.SideBuy && o.Side != types.SideSell {
		return invalid("ORDER_SIDE_INVALID", "order side %q is not BUY or SELL", o.Side)
	}
	if r := v.ValidateQuantity(o.Quantity, o.Instrument); !r.Valid {
		return r
	}
	switch o.Type {
	case types.OrderTypeMarket:
	case types.OrderTypeLimit:
		if r := v.ValidatePrice(o.LimitPrice, o.Instrument); !r.Valid {
			return r
		}
	default:
		return invalid("ORDER_TYPE_INVALID", "order type %q is not supported", o.Type)
	}
	if strings.TrimSpace(o.Venue) == "" {
		return invalid("ORDER_VENUE_EMPTY", "order %s has no venue", o.ID)
	}
	return valid
}

// ValidateBalance validates an account balance
func (v *Validator) ValidateBalance(balance float64, currency string) ValidationResult {
	if !finite(balance) {
		return invalid("BALANCE_NOT_FINITE", "balance for %s is not finite", currency)
	}
	if balance < 0 {
		return invalid("BALANCE_NEGATIVE", "balance %.8f %s cannot be negative", balance, currency)
	}
	return valid
}

// ValidatePercentageRange validates a fraction is within expected bounds
func (v *Validator) ValidatePercentageRange(percentage float64, min, max float64, context string) ValidationResult {
	if math.IsNaN(percentage) {
		return invalid("PERCENTAGE_NAN", "%s percentage is NaN", context)
	}
	if percentage < min {
		return invalid("PERCENTAGE_BELOW_MIN", "%s percentage %.4f below minimum %.4f", context, percentage, min)
	}
	if percentage > max {
		return invalid("PERCENTAGE_ABOVE_MAX", "%s percentage %.4f above maximum %.4f", context, percentage, max)
	}
	return valid
}

// SafeDivision performs division with zero-check
func (v *Validator) SafeDivision(dividend, divisor float64) (float64, error) {
	if divisor == 0 {
		return 0, fmt.Errorf("division by zero: %.8f / %.8f", dividend, divisor)
	}
	if !finite(dividend) || !finite(divisor) {
		return 0, fmt.Errorf("division with non-finite operand: %v / %v", dividend, divisor)
	}

	result := dividend / divisor
	if !finite(result) {
		return 0, fmt.Errorf("division resulted in invalid value: %.8f / %.8f", dividend, divisor)
	}
	return result, nil
}
