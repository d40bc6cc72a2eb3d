package types

import (
	"math"
	"time"
)

// ClosedPosition records a position after its final exit
type ClosedPosition struct {
	Instrument  string     `json:"instrument"`
	Side        Direction  `json:"side"`
	EntryPrice  float64    `json:"entry_price"`
	ExitPrice   float64    `json:"exit_price"`
	Quantity    float64    `json:"quantity"`
	RealizedPnL float64    `json:"realized_pnl"`
	Fees        float64    `json:"fees"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    time.Time  `json:"closed_at"`
	ExitReason  ExitReason `json:"exit_reason,omitempty"`
	MAE         float64    `json:"mae"`
	MFE         float64    `json:"mfe"`
}

// Net is realized PnL after every fee paid on the round trip
func (c ClosedPosition) Net() float64 {
	return c.RealizedPnL - c.Fees
}

// IsLoss reports whether a round trip lost money net of fees. Break-even is a
// win for every counter that tracks outcomes.
func IsLoss(net float64) bool {
	return net < 0
}

// StrategyState is the single-owner session object. Only the orchestrator's
// record path mutates it.
type StrategyState struct {
	Equity          float64              `json:"equity"`
	PeakEquity      float64              `json:"peak_equity"`
	CurrentDrawdown float64              `json:"current_drawdown"`
	MaxDrawdown     float64              `json:"max_drawdown"`
	OpenPositions   map[string]*Position `json:"open_positions"`
	ClosedPositions []ClosedPosition     `json:"closed_positions"`
	TotalTrades     int                  `json:"total_trades"`
	Wins            int                  `json:"wins"`
	Losses          int                  `json:"losses"`
	TotalPnL        float64              `json:"total_pnl"`
	TotalFees       float64              `json:"total_fees"`
	SessionStart    time.Time            `json:"session_start"`
	LastUpdated     time.Time            `json:"last_updated"`
}

// NewStrategyState starts a session at the given equity
func NewStrategyState(equity float64, now time.Time) *StrategyState {
	return &StrategyState{
		Equity:          equity,
		PeakEquity:      equity,
		OpenPositions:   make(map[string]*Position),
		ClosedPositions: make([]ClosedPosition, 0),
		SessionStart:    now,
		LastUpdated:     now,
	}
}

// ApplyEquityChange adds delta to equity and recomputes peak and drawdown
func (s *StrategyState) ApplyEquityChange(delta float64) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return
	}
	s.Equity += delta
	s.recomputeDrawdown()
}

func (s *StrategyState) recomputeDrawdown() {
	if s.Equity > s.PeakEquity {
		s.PeakEquity = s.Equity
	}
	if s.PeakEquity <= 0 {
		s.CurrentDrawdown = 0
		return
	}
	dd := (s.PeakEquity - s.Equity) / s.PeakEquity
	if dd < 0 {
		dd = 0
	}
	s.CurrentDrawdown = dd
	if dd > s.MaxDrawdown {
		s.MaxDrawdown = dd
	}
}

// WinRate returns wins over completed trades
func (s *StrategyState) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.TotalTrades)
}

// GrossExposure sums absolute notional over open positions
func (s *StrategyState) GrossExposure() float64 {
	var g float64
	for _, p := range s.OpenPositions {
		g += p.Notional()
	}
	return g
}

// NetExposure sums signed notional over open positions
func (s *StrategyState) NetExposure() float64 {
	var n float64
	for _, p := range s.OpenPositions {
		n += p.SignedNotional()
	}
	return n
}

// Clone returns a deep copy
func (s *StrategyState) Clone() *StrategyState {
	c := *s
	c.OpenPositions = make(map[string]*Position, len(s.OpenPositions))
	for k, p := range s.OpenPositions {
		c.OpenPositions[k] = p.Clone()
	}
	c.ClosedPositions = append([]ClosedPosition(nil), s.ClosedPositions...)
	return &c
}
