package sizing

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// Method selects a sizing policy
type Method string

const (
	MethodVolatilityScaled Method = "volatility_scaled"
	MethodKelly            Method = "kelly"
	MethodFixedFractional  Method = "fixed_fractional"
	MethodRiskParity       Method = "risk_parity"
)

// Config holds the parameters of every policy; Method picks the active one
type Config struct {
	Method           Method    `yaml:"method" json:"method" default:"volatility_scaled" validate:"oneof=volatility_scaled kelly fixed_fractional risk_parity"`
	TargetVolatility float64   `yaml:"target_volatility" json:"target_volatility" default:"0.02" validate:"gt=0"`
	Lookback         int       `yaml:"lookback" json:"lookback" default:"20" validate:"gte=2"`
	Estimator        Estimator `yaml:"estimator" json:"estimator" default:"std" validate:"oneof=std ewma parkinson"`
	EWMALambda       float64   `yaml:"ewma_lambda" json:"ewma_lambda" default:"0.94" validate:"gt=0,lt=1"`
	// BaseFraction is the equity share a volatility-scaled position takes at target volatility
	BaseFraction float64 `yaml:"base_fraction" json:"base_fraction" default:"0.1" validate:"gt=0,lte=1"`
	MinScale     float64 `yaml:"min_scale" json:"min_scale" default:"0.1" validate:"gt=0"`
	MaxScale     float64 `yaml:"max_scale" json:"max_scale" default:"10" validate:"gtefield=MinScale"`

	KellyPayoff   float64 `yaml:"kelly_payoff" json:"kelly_payoff" default:"2" validate:"gt=0"`
	KellyFraction float64 `yaml:"kelly_fraction" json:"kelly_fraction" default:"0.25" validate:"gt=0,lte=1"`
	KellyCap      float64 `yaml:"kelly_cap" json:"kelly_cap" default:"0.25" validate:"gt=0,lte=1"`

	FixedFraction float64 `yaml:"fixed_fraction" json:"fixed_fraction" default:"0.02" validate:"gt=0,lte=1"`

	// RiskParityBudget is the equity share spread over the book by inverse volatility
	RiskParityBudget float64 `yaml:"risk_parity_budget" json:"risk_parity_budget" default:"0.5" validate:"gt=0"`

	// StopDistance converts notional into the amount at risk
	StopDistance float64 `yaml:"stop_distance" json:"stop_distance" default:"0.05" validate:"gt=0,lt=1"`
	MaxLeverage  float64 `yaml:"max_leverage" json:"max_leverage" default:"1" validate:"gt=0"`
}

// Request carries what a policy may need; unused fields are ignored
type Request struct {
	Instrument  string
	Equity      float64
	Probability float64
	Returns     []float64
	Bars        []types.OHLCV
	// Book holds recent returns of the other instruments for risk parity
	Book map[string][]float64
}

// Result is a sized position in account currency
type Result struct {
	Method     Method             `json:"method"`
	Size       float64            `json:"size"`
	Leverage   float64            `json:"leverage"`
	RiskAmount float64            `json:"risk_amount"`
	Breakdown  map[string]float64 `json:"breakdown"`
	Reason     string             `json:"reason,omitempty"`
}

// Sizer converts a signal and the account into a notional size
type Sizer struct {
	config   Config
	leverage *LeverageCalculator
}

// NewSizer creates a sizer for the configured method
func NewSizer(config Config) *Sizer {
	return &Sizer{config: config, leverage: NewLeverageCalculator(1, config.MaxLeverage)}
}

// Method returns the active policy
func (s *Sizer) Method() Method {
	return s.config.Method
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func zero(method Method, reason string, breakdown map[string]float64) Result {
	return Result{Method: method, Breakdown: breakdown, Reason: reason}
}

// Size runs the configured policy. Any non-finite or negative intermediate
// collapses the result to zero with a reason.
func (s *Sizer) Size(req Request) Result {
	return s.SizeWith(s.config.Method, req)
}

// SizeWith runs a specific policy
func (s *Sizer) SizeWith(method Method, req Request) Result {
	breakdown := map[string]float64{"equity": req.Equity}
	if !finite(req.Equity) || req.Equity <= 0 {
		return zero(method, "no equity", breakdown)
	}

	var fraction float64
	switch method {
	case MethodVolatilityScaled:
		vol, used := RealizedVol(s.config.Estimator, req.Returns, req.Bars, s.config.Lookback, s.config.EWMALambda)
		breakdown["realized_vol"] = vol
		breakdown["target_vol"] = s.config.TargetVolatility
		if used != s.config.Estimator {
			breakdown["estimator_fallback"] = 1
		}
		if !finite(vol) || vol <= 0 {
			return zero(method, "insufficient volatility history", breakdown)
		}
		scale := math.Max(s.config.MinScale, math.Min(s.config.MaxScale, s.config.TargetVolatility/vol))
		breakdown["vol_scale"] = scale
		fraction = s.config.BaseFraction * scale

	case MethodKelly:
		f, full := kellyFraction(req.Probability, s.config.KellyPayoff, s.config.KellyFraction)
		breakdown["kelly_full"] = full
		breakdown["kelly_fraction"] = f
		if f > s.config.KellyCap {
			f = s.config.KellyCap
			breakdown["kelly_capped"] = 1
		}
		if !(f > 0) {
			return zero(method, "no edge", breakdown)
		}
		fraction = f

	case MethodFixedFractional:
		fraction = s.config.FixedFraction

	case MethodRiskParity:
		w, ok := s.riskParityWeight(req, breakdown)
		if !ok {
			return zero(method, "insufficient volatility history", breakdown)
		}
		fraction = s.config.RiskParityBudget * w

	default:
		return zero(method, "unknown sizing method", breakdown)
	}

	size := req.Equity * fraction
	breakdown["fraction"] = fraction
	if !finite(size) || size < 0 {
		return zero(method, "non-finite size", breakdown)
	}

	if limit := s.leverage.MaxNotional(req.Equity, s.config.MaxLeverage); size > limit {
		breakdown["leverage_capped"] = 1
		size = limit
	}

	return Result{
		Method:     method,
		Size:       size,
		Leverage:   size / req.Equity,
		RiskAmount: size * s.config.StopDistance,
		Breakdown:  breakdown,
	}
}

// kellyFraction returns the fractional and full Kelly bet for win probability p
// and payoff ratio b. Computed in decimal so round inputs give round outputs.
func kellyFraction(p, b, frac float64) (float64, float64) {
	if !finite(p) || !finite(b) || b <= 0 || p < 0 || p > 1 {
		return 0, 0
	}
	dp := decimal.NewFromFloat(p)
	db := decimal.NewFromFloat(b)
	q := decimal.NewFromInt(1).Sub(dp)
	full := dp.Mul(db).Sub(q).Div(db)
	if full.IsNegative() {
		return 0, full.InexactFloat64()
	}
	return full.Mul(decimal.NewFromFloat(frac)).InexactFloat64(), full.InexactFloat64()
}

func (s *Sizer) riskParityWeight(req Request, breakdown map[string]float64) (float64, bool) {
	own := StdDev(finiteValues(tail(req.Returns, s.config.Lookback)))
	if !finite(own) || own <= 0 {
		return 0, false
	}
	names := make([]string, 0, len(req.Book))
	for name := range req.Book {
		if name != req.Instrument {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	inv := 1 / own
	total := inv
	for _, name := range names {
		vol := StdDev(finiteValues(tail(req.Book[name], s.config.Lookback)))
		if finite(vol) && vol > 0 {
			total += 1 / vol
		}
	}
	w := inv / total
	breakdown["realized_vol"] = own
	breakdown["parity_weight"] = w
	breakdown["book_size"] = float64(len(names) + 1)
	return w, true
}
