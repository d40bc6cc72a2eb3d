package sizing

import (
	"math"

	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// Estimator names a realized volatility estimator
type Estimator string

const (
	EstimatorStd       Estimator = "std"
	EstimatorEWMA      Estimator = "ewma"
	EstimatorParkinson Estimator = "parkinson"
)

// tail returns the last n values, or all of them when n <= 0
func tail(xs []float64, n int) []float64 {
	if n > 0 && len(xs) > n {
		return xs[len(xs)-n:]
	}
	return xs
}

func finiteValues(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			out = append(out, x)
		}
	}
	return out
}

// StdDev is the sample standard deviation; fewer than two points yield 0
func StdDev(returns []float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)
	ss := 0.0
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// EWMAVol is the RiskMetrics exponentially weighted volatility with decay lambda
func EWMAVol(returns []float64, lambda float64) float64 {
	if len(returns) < 2 || lambda <= 0 || lambda >= 1 {
		return 0
	}
	variance := returns[0] * returns[0]
	for _, r := range returns[1:] {
		variance = lambda*variance + (1-lambda)*r*r
	}
	return math.Sqrt(variance)
}

// ParkinsonVol estimates volatility from the high-low range of each bar
func ParkinsonVol(bars []types.OHLCV) float64 {
	sum := 0.0
	n := 0
	for _, b := range bars {
		if b.High <= 0 || b.Low <= 0 || b.High < b.Low {
			continue
		}
		hl := math.Log(b.High / b.Low)
		sum += hl * hl
		n++
	}
	if n < 2 {
		return 0
	}
	return math.Sqrt(sum / (4 * math.Ln2 * float64(n)))
}

// RealizedVol applies the named estimator over the lookback window. Parkinson
// falls back to the standard deviation of returns when no bars are available.
func RealizedVol(est Estimator, returns []float64, bars []types.OHLCV, lookback int, lambda float64) (float64, Estimator) {
	window := finiteValues(tail(returns, lookback))
	switch est {
	case EstimatorEWMA:
		return EWMAVol(window, lambda), EstimatorEWMA
	case EstimatorParkinson:
		if lookback > 0 && len(bars) > lookback {
			bars = bars[len(bars)-lookback:]
		}
		if v := ParkinsonVol(bars); v > 0 {
			return v, EstimatorParkinson
		}
	}
	return StdDev(window), EstimatorStd
}
