package sizing

import (
	"fmt"
	"math"
)

// LeverageCalculator bounds notional against account margin
type LeverageCalculator struct {
	minLeverage float64
	maxLeverage float64
}

// NewLeverageCalculator creates a calculator limited to [minLev, maxLev]
func NewLeverageCalculator(minLev, maxLev float64) *LeverageCalculator {
	if minLev <= 0 {
		minLev = 1
	}
	if maxLev < minLev {
		maxLev = minLev
	}
	return &LeverageCalculator{minLeverage: minLev, maxLeverage: maxLev}
}

func (c *LeverageCalculator) clamp(leverage float64) float64 {
	return math.Max(c.minLeverage, math.Min(c.maxLeverage, leverage))
}

// RequiredMargin is notional / leverage.
//
// Example: $100 position with 10x leverage = $10 margin required
func (c *LeverageCalculator) RequiredMargin(notional, leverage float64) float64 {
	if leverage <= 0 {
		return notional
	}
	return notional / c.clamp(leverage)
}

// MaxNotional is margin × leverage.
//
// Example: $50 margin with 10x leverage = $500 max position
func (c *LeverageCalculator) MaxNotional(margin, leverage float64) float64 {
	if margin <= 0 || leverage <= 0 {
		return 0
	}
	return margin * c.clamp(leverage)
}

// Validate checks that leverage is inside the configured limits
func (c *LeverageCalculator) Validate(leverage float64) error {
	if leverage <= 0 {
		return fmt.Errorf("leverage must be greater than 0, got: %.2f", leverage)
	}
	if leverage < c.minLeverage {
		return fmt.Errorf("leverage %.2f is below minimum allowed %.2f", leverage, c.minLeverage)
	}
	if leverage > c.maxLeverage {
		return fmt.Errorf("leverage %.2f exceeds maximum allowed %.2f", leverage, c.maxLeverage)
	}
	return nil
}
