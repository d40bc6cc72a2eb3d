package signal

import (
	"math"
	"sort"
	"time"

	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// ProfitBand closes Fraction of the initial quantity once the return reaches GainPct
type ProfitBand struct {
	GainPct  float64 `yaml:"gain_pct" json:"gain_pct" validate:"gt=0"`
	Fraction float64 `yaml:"fraction" json:"fraction" validate:"gt=0,lte=1"`
}

// Config holds entry thresholds and exit rules
type Config struct {
	BuyThreshold     float64 `yaml:"buy_threshold" json:"buy_threshold" default:"0.55" validate:"gte=0,lte=1"`
	SellThreshold    float64 `yaml:"sell_threshold" json:"sell_threshold" default:"0.45" validate:"gte=0,lte=1,ltfield=BuyThreshold"`
	MinExpectedValue float64 `yaml:"min_expected_value" json:"min_expected_value" default:"0"`
	TransactionCost  float64 `yaml:"transaction_cost" json:"transaction_cost" default:"0.001" validate:"gte=0"`
	AllowShort       bool    `yaml:"allow_short" json:"allow_short" default:"true"`

	// MaxHoldBars closes a position after this many bars; 0 disables the time stop
	MaxHoldBars int `yaml:"max_hold_bars" json:"max_hold_bars" default:"48" validate:"gte=0"`
	// MaxHoldDuration is a wall-clock time stop; 0 disables it
	MaxHoldDuration time.Duration `yaml:"max_hold_duration" json:"max_hold_duration" default:"0s" validate:"gte=0"`
	MaxMAEPct       float64       `yaml:"max_mae_pct" json:"max_mae_pct" default:"0.05" validate:"gt=0,lt=1"`
	TrailingStop    bool          `yaml:"trailing_stop" json:"trailing_stop" default:"true"`
	// TrailingStopPct defaults to MaxMAEPct when zero
	TrailingStopPct float64      `yaml:"trailing_stop_pct" json:"trailing_stop_pct" default:"0" validate:"gte=0,lt=1"`
	ProfitBands     []ProfitBand `yaml:"profit_bands" json:"profit_bands" validate:"dive"`
}

// DefaultProfitBands takes a third off at 2%, 4% and 6%
func DefaultProfitBands() []ProfitBand {
	return []ProfitBand{
		{GainPct: 0.02, Fraction: 0.33},
		{GainPct: 0.04, Fraction: 0.33},
		{GainPct: 0.06, Fraction: 0.34},
	}
}

// Generator turns forecasts into directional signals and open positions into exit signals
type Generator struct {
	config Config
	tiers  []ProfitBand
}

// NewGenerator creates a signal generator. Tiers are evaluated in ascending gain order.
func NewGenerator(config Config) *Generator {
	tiers := append([]ProfitBand(nil), config.ProfitBands...)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].GainPct < tiers[j].GainPct })
	if config.TrailingStopPct == 0 {
		config.TrailingStopPct = config.MaxMAEPct
	}
	return &Generator{config: config, tiers: tiers}
}

// Tiers returns the profit tiers in evaluation order
func (g *Generator) Tiers() []ProfitBand {
	return append([]ProfitBand(nil), g.tiers...)
}

func hold(instrument string, p, ev float64, at time.Time, reason string) types.Signal {
	return types.Signal{
		Direction:     types.DirectionHold,
		ExpectedValue: ev,
		Instrument:    instrument,
		Timestamp:     at,
		Metadata:      map[string]interface{}{"probability": p, "reason": reason},
		TierIndex:     -1,
	}
}

// Generate maps a calibrated probability to LONG, SHORT or HOLD. The expected
// value filter fails closed: a non-finite value never passes.
func (g *Generator) Generate(instrument string, probability, expectedValue float64, at time.Time) types.Signal {
	if math.IsNaN(probability) || math.IsInf(probability, 0) || probability < 0 || probability > 1 {
		return hold(instrument, probability, expectedValue, at, "invalid_probability")
	}

	direction := types.DirectionHold
	confidence := 0.0
	switch {
	case probability >= g.config.BuyThreshold:
		direction = types.DirectionLong
		confidence = probability
	case probability <= g.config.SellThreshold:
		direction = types.DirectionShort
		confidence = 1 - probability
	}
	if direction == types.DirectionHold {
		return hold(instrument, probability, expectedValue, at, "neutral")
	}
	if direction == types.DirectionShort && !g.config.AllowShort {
		return hold(instrument, probability, expectedValue, at, "short_disabled")
	}

	net := expectedValue - g.config.TransactionCost
	if !(net >= g.config.MinExpectedValue) {
		return hold(instrument, probability, expectedValue, at, "ev_filter")
	}

	return types.Signal{
		Direction:     direction,
		Confidence:    confidence,
		ExpectedValue: expectedValue,
		Instrument:    instrument,
		Timestamp:     at,
		Metadata:      map[string]interface{}{"probability": probability, "net_expected_value": net},
		TierIndex:     -1,
	}
}

// CheckExit evaluates exit rules for a marked position in priority order: time
// stop, adverse excursion stop, trailing stop, then profit tiers. At most one
// tier fires per call and a taken tier never fires again.
func (g *Generator) CheckExit(pos *types.Position, now time.Time) (types.Signal, bool) {
	if pos == nil || pos.Quantity <= 0 {
		return types.Signal{}, false
	}
	closeAll := func(reason types.ExitReason, meta map[string]interface{}) (types.Signal, bool) {
		return types.Signal{
			Direction:     types.DirectionClose,
			Confidence:    1,
			Instrument:    pos.Instrument,
			Timestamp:     now,
			Metadata:      meta,
			ExitReason:    reason,
			CloseFraction: 1,
			TierIndex:     -1,
		}, true
	}

	if g.config.MaxHoldBars > 0 && pos.BarsHeld >= g.config.MaxHoldBars {
		return closeAll(types.ExitTimeStop, map[string]interface{}{"bars_held": pos.BarsHeld})
	}
	if g.config.MaxHoldDuration > 0 && !pos.OpenedAt.IsZero() && now.Sub(pos.OpenedAt) >= g.config.MaxHoldDuration {
		return closeAll(types.ExitTimeStop, map[string]interface{}{"held": now.Sub(pos.OpenedAt).String()})
	}

	ret := pos.ReturnPct()
	if -ret >= g.config.MaxMAEPct {
		return closeAll(types.ExitAdverseStop, map[string]interface{}{"return": ret})
	}
	if g.config.TrailingStop && pos.MaxFavorableExcursion > 0 {
		if dd := pos.DrawdownFromHighWater(); dd >= g.config.TrailingStopPct {
			return closeAll(types.ExitTrailingStop, map[string]interface{}{"drawdown_from_high": dd, "high_water_mark": pos.HighWaterMark})
		}
	}

	remaining := 1 - pos.RealizedFraction
	if remaining <= 1e-9 {
		return types.Signal{}, false
	}
	for i, tier := range g.tiers {
		if pos.HasTier(i) || ret < tier.GainPct {
			continue
		}
		fraction := math.Min(tier.Fraction, remaining)
		if i == len(g.tiers)-1 {
			fraction = remaining
		}
		return types.Signal{
			Direction:     types.DirectionClose,
			Confidence:    1,
			Instrument:    pos.Instrument,
			Timestamp:     now,
			Metadata:      map[string]interface{}{"return": ret, "tier_gain": tier.GainPct},
			ExitReason:    types.ExitProfitTake,
			CloseFraction: fraction,
			TierIndex:     i,
		}, true
	}
	return types.Signal{}, false
}
