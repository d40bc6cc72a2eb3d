package sizing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

func testConfig(method Method) Config {
	return Config{
		Method:           method,
		TargetVolatility: 0.02,
		Lookback:         20,
		Estimator:        EstimatorStd,
		EWMALambda:       0.94,
		BaseFraction:     0.1,
		MinScale:         0.1,
		MaxScale:         10,
		KellyPayoff:      2,
		KellyFraction:    0.25,
		KellyCap:         0.25,
		FixedFraction:    0.02,
		RiskParityBudget: 0.5,
		StopDistance:     0.05,
		MaxLeverage:      1,
	}
}

// alternating returns of +/-a have sample std a*sqrt(n/(n-1))
func alternating(a float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = a
		} else {
			out[i] = -a
		}
	}
	return out
}

// TestSizer_KellyFraction tests the fractional Kelly example p=0.6, b=2, 25% Kelly
func TestSizer_KellyFraction(t *testing.T) {
	s := NewSizer(testConfig(MethodKelly))
	res := s.Size(Request{Equity: 10000, Probability: 0.6})

	assert.Equal(t, 0.10, res.Breakdown["kelly_fraction"])
	assert.Equal(t, 0.4, res.Breakdown["kelly_full"])
	assert.InDelta(t, 1000, res.Size, 1e-9)
	assert.InDelta(t, 0.1, res.Leverage, 1e-12)
	assert.InDelta(t, 50, res.RiskAmount, 1e-9)
}

func TestSizer_KellyEdgeCases(t *testing.T) {
	s := NewSizer(testConfig(MethodKelly))

	tests := []struct {
		name string
		p    float64
		want float64
	}{
		{"no edge", 1.0 / 3.0, 0},
		{"negative edge", 0.2, 0},
		{"nan probability", math.NaN(), 0},
		{"strong edge", 0.99, 2462.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Size(Request{Equity: 10000, Probability: tt.p})
			assert.InDelta(t, tt.want, res.Size, 1e-6)
			assert.GreaterOrEqual(t, res.Size, 0.0)
		})
	}

	cfg := testConfig(MethodKelly)
	cfg.KellyFraction = 1
	res := NewSizer(cfg).Size(Request{Equity: 10000, Probability: 0.99})
	assert.InDelta(t, 2500, res.Size, 1e-9)
	assert.Equal(t, 1.0, res.Breakdown["kelly_capped"])
}

func TestSizer_VolatilityScaled(t *testing.T) {
	s := NewSizer(testConfig(MethodVolatilityScaled))

	tests := []struct {
		name      string
		returns   []float64
		wantScale float64
	}{
		{"at target", alternating(0.02*math.Sqrt(19.0/20.0), 20), 1},
		{"half target doubles", alternating(0.01*math.Sqrt(19.0/20.0), 20), 2},
		{"tiny vol clamps high", alternating(1e-6, 20), 10},
		{"huge vol clamps low", alternating(1, 20), 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Size(Request{Equity: 1000, Returns: tt.returns})
			assert.InDelta(t, tt.wantScale, res.Breakdown["vol_scale"], 1e-9)
			want := math.Min(1000*0.1*tt.wantScale, 1000)
			assert.InDelta(t, want, res.Size, 1e-6)
		})
	}

	res := s.Size(Request{Equity: 1000, Returns: []float64{0.01}})
	assert.Zero(t, res.Size)
	assert.NotEmpty(t, res.Reason)
}

func TestSizer_Estimators(t *testing.T) {
	returns := alternating(0.01, 40)

	assert.InDelta(t, 0.01, EWMAVol(returns, 0.94), 1e-12)
	assert.Zero(t, EWMAVol(returns[:1], 0.94))

	bars := make([]types.OHLCV, 10)
	for i := range bars {
		bars[i] = types.OHLCV{High: 101, Low: 99, Close: 100}
	}
	want := math.Log(101.0/99.0) / math.Sqrt(4*math.Ln2)
	assert.InDelta(t, want, ParkinsonVol(bars), 1e-12)

	vol, used := RealizedVol(EstimatorParkinson, returns, nil, 20, 0.94)
	assert.Equal(t, EstimatorStd, used, "no bars falls back to std")
	assert.Greater(t, vol, 0.0)

	vol, used = RealizedVol(EstimatorParkinson, returns, bars, 20, 0.94)
	assert.Equal(t, EstimatorParkinson, used)
	assert.InDelta(t, want, vol, 1e-12)

	withNaN := append([]float64{math.NaN()}, alternating(0.01, 10)...)
	assert.False(t, math.IsNaN(StdDev(finiteValues(withNaN))))
}

func TestSizer_FixedFractional(t *testing.T) {
	res := NewSizer(testConfig(MethodFixedFractional)).Size(Request{Equity: 5000})
	assert.InDelta(t, 100, res.Size, 1e-9)

	res = NewSizer(testConfig(MethodFixedFractional)).Size(Request{Equity: math.Inf(1)})
	assert.Zero(t, res.Size)
	res = NewSizer(testConfig(MethodFixedFractional)).Size(Request{Equity: -10})
	assert.Zero(t, res.Size)
}

// TestSizer_RiskParity tests that weights are proportional to inverse volatility
func TestSizer_RiskParity(t *testing.T) {
	s := NewSizer(testConfig(MethodRiskParity))

	res := s.Size(Request{
		Instrument: "ETHUSDT",
		Equity:     10000,
		Returns:    alternating(0.02, 20),
		Book: map[string][]float64{
			"BTCUSDT": alternating(0.01, 20),
			"ETHUSDT": alternating(0.02, 20),
		},
	})
	// 1/0.02 : 1/0.01 = 1 : 2
	assert.InDelta(t, 1.0/3.0, res.Breakdown["parity_weight"], 1e-9)
	assert.InDelta(t, 10000*0.5/3, res.Size, 1e-6)

	res = s.Size(Request{Instrument: "ETHUSDT", Equity: 10000})
	assert.Zero(t, res.Size)
}

func TestSizer_LeverageCap(t *testing.T) {
	cfg := testConfig(MethodFixedFractional)
	cfg.FixedFraction = 1
	cfg.MaxLeverage = 0.5
	res := NewSizer(cfg).Size(Request{Equity: 1000})
	// leverage never drops below 1x
	assert.InDelta(t, 1000, res.Size, 1e-9)

	cfg.MaxLeverage = 3
	cfg.FixedFraction = 5
	res = NewSizer(cfg).Size(Request{Equity: 1000})
	assert.InDelta(t, 3000, res.Size, 1e-9)
	assert.InDelta(t, 3, res.Leverage, 1e-12)
}

func TestLeverageCalculator(t *testing.T) {
	c := NewLeverageCalculator(1, 10)
	assert.Equal(t, 10.0, c.RequiredMargin(100, 10))
	assert.Equal(t, 10.0, c.RequiredMargin(100, 50), "clamped to max")
	assert.Equal(t, 500.0, c.MaxNotional(50, 10))
	assert.Zero(t, c.MaxNotional(-1, 10))
	require.NoError(t, c.Validate(5))
	assert.Error(t, c.Validate(11))
	assert.Error(t, c.Validate(0))
}
