package errors

import (
	stderrors "errors"
	"fmt"
)

// LimitKind names the policy that produced a RiskViolation
type LimitKind string

const (
	LimitDailyLoss          LimitKind = "daily_loss"
	LimitTradesPerMinute    LimitKind = "trades_per_minute"
	LimitTradesPerHour      LimitKind = "trades_per_hour"
	LimitTradesPerDay       LimitKind = "trades_per_day"
	LimitConsecutiveLosses  LimitKind = "consecutive_losses"
	LimitDrawdown           LimitKind = "max_drawdown"
	LimitInstrumentExposure LimitKind = "instrument_exposure"
	LimitGrossExposure      LimitKind = "gross_exposure"
	LimitNetExposure        LimitKind = "net_exposure"
	LimitSectorExposure     LimitKind = "sector_exposure"

	LimitMaxPositions      LimitKind = "max_concurrent_positions"
	LimitSectorPositions   LimitKind = "max_per_sector"
	LimitVenuePositions    LimitKind = "max_per_venue"
	LimitPortfolioCooldown LimitKind = "portfolio_cooldown"
	LimitCorrelation       LimitKind = "correlation"
	LimitDiversification   LimitKind = "diversification"
	LimitDuplicatePosition LimitKind = "duplicate_position"
)

// Severity orders violations so the most restrictive one can be picked
type Severity int

const (
	SeverityScale Severity = iota + 1 // size reduced, decision still goes ahead
	SeverityBlock                     // this decision is rejected
	SeverityHalt                      // all entries are rejected until the condition clears
)

func (s Severity) String() string {
	switch s {
	case SeverityScale:
		return "SCALE"
	case SeverityBlock:
		return "BLOCK"
	case SeverityHalt:
		return "HALT"
	}
	return "UNKNOWN"
}

// RiskViolation is a typed, non-fatal breach of a single limit
type RiskViolation struct {
	Limit     LimitKind
	Severity  Severity
	Scope     string // instrument, sector or venue the limit applies to, empty for account-wide
	Value     float64
	Threshold float64
	Message   string
}

func (v *RiskViolation) Error() string {
	if v.Scope != "" {
		return fmt.Sprintf("risk limit %s[%s] %s: %s (value=%.4f threshold=%.4f)", v.Limit, v.Scope, v.Severity, v.Message, v.Value, v.Threshold)
	}
	return fmt.Sprintf("risk limit %s %s: %s (value=%.4f threshold=%.4f)", v.Limit, v.Severity, v.Message, v.Value, v.Threshold)
}

// NewRiskViolation builds a violation that blocks the current decision
func NewRiskViolation(limit LimitKind, value, threshold float64, format string, args ...interface{}) *RiskViolation {
	return &RiskViolation{
		Limit:     limit,
		Severity:  SeverityBlock,
		Value:     value,
		Threshold: threshold,
		Message:   fmt.Sprintf(format, args...),
	}
}

// WithScope sets the instrument/sector/venue the violation applies to
func (v *RiskViolation) WithScope(scope string) *RiskViolation {
	v.Scope = scope
	return v
}

// WithSeverity overrides the default BLOCK severity
func (v *RiskViolation) WithSeverity(s Severity) *RiskViolation {
	v.Severity = s
	return v
}

// AsRiskViolation extracts a RiskViolation from err if present
func AsRiskViolation(err error) (*RiskViolation, bool) {
	var rv *RiskViolation
	if stderrors.As(err, &rv) {
		return rv, true
	}
	return nil, false
}

// MostRestrictive returns the violation with the highest severity. Ties keep the
// first one reported.
func MostRestrictive(violations []*RiskViolation) *RiskViolation {
	var worst *RiskViolation
	for _, v := range violations {
		if v == nil {
			continue
		}
		if worst == nil || v.Severity > worst.Severity {
			worst = v
		}
	}
	return worst
}
