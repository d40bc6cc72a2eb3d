package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	boterrors "github.com/ducminhle1904/trade-execution-core/internal/errors"
	"github.com/ducminhle1904/trade-execution-core/internal/logger"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// Config contains all account-level risk limits. Exposure and loss limits are
// fractions of equity.
type Config struct {
	MaxDailyLoss       float64 `yaml:"max_daily_loss" json:"max_daily_loss" default:"0.05" validate:"gt=0,lt=1"`
	DailyLossWarnRatio float64 `yaml:"daily_loss_warn_ratio" json:"daily_loss_warn_ratio" default:"0.8" validate:"gt=0,lte=1"`
	DailyResetTime     string  `yaml:"daily_reset_time" json:"daily_reset_time" default:"00:00" validate:"datetime=15:04"`
	ResetTimezone      string  `yaml:"reset_timezone" json:"reset_timezone" default:"UTC"`

	// Trade count windows; 0 disables a window
	MaxTradesPerMinute int `yaml:"max_trades_per_minute" json:"max_trades_per_minute" default:"5" validate:"gte=0"`
	MaxTradesPerHour   int `yaml:"max_trades_per_hour" json:"max_trades_per_hour" default:"30" validate:"gte=0"`
	MaxTradesPerDay    int `yaml:"max_trades_per_day" json:"max_trades_per_day" default:"200" validate:"gte=0"`

	ConsecutiveLossLimit int `yaml:"consecutive_loss_limit" json:"consecutive_loss_limit" default:"5" validate:"gte=1"`
	CooldownMinutes      int `yaml:"cooldown_minutes" json:"cooldown_minutes" default:"30" validate:"gte=1"`

	MaxDrawdown        float64 `yaml:"max_drawdown" json:"max_drawdown" default:"0.20" validate:"gt=0,lt=1"`
	ScaleStartDrawdown float64 `yaml:"scale_start_drawdown" json:"scale_start_drawdown" default:"0.10" validate:"gte=0,ltfield=MaxDrawdown"`

	MaxInstrumentExposure float64 `yaml:"max_instrument_exposure" json:"max_instrument_exposure" default:"0.25" validate:"gt=0"`
	MaxGrossExposure      float64 `yaml:"max_gross_exposure" json:"max_gross_exposure" default:"1.0" validate:"gt=0"`
	MaxNetExposure        float64 `yaml:"max_net_exposure" json:"max_net_exposure" default:"1.0" validate:"gt=0"`
	MaxSectorExposure     float64 `yaml:"max_sector_exposure" json:"max_sector_exposure" default:"0.5" validate:"gt=0"`
}

// Request is a proposed entry
type Request struct {
	Instrument string
	Sector     string
	Direction  types.Direction
	Notional   float64
	State      *types.StrategyState
}

// Assessment is the combined verdict of every limit
type Assessment struct {
	Allowed        bool
	SizeMultiplier float64
	Violations     []*boterrors.RiskViolation
	// Binding is the most restrictive violation, nil when nothing fired
	Binding  *boterrors.RiskViolation
	Warnings []string
}

// Status summarizes the manager for logs and status tables
type Status struct {
	DailyPnL          float64   `json:"daily_pnl"`
	DailyLossLimit    float64   `json:"daily_loss_limit"`
	DailyHalted       bool      `json:"daily_halted"`
	NextReset         time.Time `json:"next_reset"`
	TradesLastMinute  int       `json:"trades_last_minute"`
	TradesLastHour    int       `json:"trades_last_hour"`
	TradesLastDay     int       `json:"trades_last_day"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	HaltedUntil       time.Time `json:"halted_until,omitempty"`
}

// Snapshot is the persisted form of the counters
type Snapshot struct {
	DayStartEquity    float64     `json:"day_start_equity"`
	DailyPnL          float64     `json:"daily_pnl"`
	NextReset         time.Time   `json:"next_reset"`
	Trades            []time.Time `json:"trades"`
	ConsecutiveLosses int         `json:"consecutive_losses"`
	HaltedUntil       time.Time   `json:"halted_until"`
}

// Manager enforces independent account limits. Each check runs on every
// entry; the most restrictive result wins and every breach is logged.
type Manager struct {
	config      Config
	loc         *time.Location
	resetHour   int
	resetMinute int
	log         *logger.Logger
	now         func() time.Time

	mu                sync.Mutex
	dayStartEquity    float64
	dailyPnL          float64
	nextReset         time.Time
	warned            bool
	trades            []time.Time
	consecutiveLosses int
	haltedUntil       time.Time
}

// NewManager creates a risk manager. An invalid reset time or zone is a configuration error.
func NewManager(config Config, log *logger.Logger, now func() time.Time) (*Manager, error) {
	if now == nil {
		now = time.Now
	}
	loc := time.UTC
	if config.ResetTimezone != "" {
		l, err := time.LoadLocation(config.ResetTimezone)
		if err != nil {
			return nil, boterrors.NewConfigurationError("risk", "new", fmt.Sprintf("reset timezone %q: %v", config.ResetTimezone, err))
		}
		loc = l
	}
	resetAt := config.DailyResetTime
	if resetAt == "" {
		resetAt = "00:00"
	}
	t, err := time.Parse("15:04", resetAt)
	if err != nil {
		return nil, boterrors.NewConfigurationError("risk", "new", fmt.Sprintf("daily reset time %q: %v", config.DailyResetTime, err))
	}

	m := &Manager{
		config:      config,
		loc:         loc,
		resetHour:   t.Hour(),
		resetMinute: t.Minute(),
		log:         log.Component("risk"),
		now:         now,
	}
	m.nextReset = m.resetAfter(now())
	return m, nil
}

// resetAfter returns the first configured reset instant strictly after t
func (m *Manager) resetAfter(t time.Time) time.Time {
	local := t.In(m.loc)
	r := time.Date(local.Year(), local.Month(), local.Day(), m.resetHour, m.resetMinute, 0, 0, m.loc)
	if !r.After(local) {
		r = r.AddDate(0, 0, 1)
	}
	return r
}

// rolloverLocked starts a new risk day once the reset instant has passed
func (m *Manager) rolloverLocked(now time.Time, equity float64) {
	if m.dayStartEquity == 0 {
		m.dayStartEquity = equity
	}
	if now.Before(m.nextReset) {
		return
	}
	if m.dailyPnL != 0 {
		m.log.Info("daily reset: realized %.2f on start equity %.2f", m.dailyPnL, m.dayStartEquity)
	}
	m.dailyPnL = 0
	m.dayStartEquity = equity
	m.warned = false
	m.nextReset = m.resetAfter(now)
}

func (m *Manager) pruneTradesLocked(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := sort.Search(len(m.trades), func(i int) bool { return m.trades[i].After(cutoff) })
	m.trades = m.trades[i:]
}

func (m *Manager) countSinceLocked(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	i := sort.Search(len(m.trades), func(i int) bool { return m.trades[i].After(cutoff) })
	return len(m.trades) - i
}

// Check evaluates a proposed entry against every limit
func (m *Manager) Check(req Request) Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	equity := 0.0
	if req.State != nil {
		equity = req.State.Equity
	}
	m.rolloverLocked(now, equity)
	m.pruneTradesLocked(now)

	out := Assessment{SizeMultiplier: 1}
	add := func(v *boterrors.RiskViolation) { out.Violations = append(out.Violations, v) }

	// daily loss
	limit := m.config.MaxDailyLoss * m.dayStartEquity
	loss := -m.dailyPnL
	if limit > 0 && loss >= limit {
		add(boterrors.NewRiskViolation(boterrors.LimitDailyLoss, loss, limit,
			"daily loss reached, entries halted until %s", m.nextReset.Format(time.RFC3339)).WithSeverity(boterrors.SeverityHalt))
	} else if limit > 0 && loss >= m.config.DailyLossWarnRatio*limit {
		warning := fmt.Sprintf("daily loss %.2f is %.0f%% of limit %.2f", loss, 100*loss/limit, limit)
		out.Warnings = append(out.Warnings, warning)
		if !m.warned {
			m.warned = true
			m.log.Warning("%s", warning)
		}
	}

	// trade counts
	windows := []struct {
		kind   boterrors.LimitKind
		window time.Duration
		max    int
	}{
		{boterrors.LimitTradesPerMinute, time.Minute, m.config.MaxTradesPerMinute},
		{boterrors.LimitTradesPerHour, time.Hour, m.config.MaxTradesPerHour},
		{boterrors.LimitTradesPerDay, 24 * time.Hour, m.config.MaxTradesPerDay},
	}
	for _, w := range windows {
		if w.max <= 0 {
			continue
		}
		if n := m.countSinceLocked(now, w.window); n >= w.max {
			add(boterrors.NewRiskViolation(w.kind, float64(n), float64(w.max), "%d trades in the last %s", n, w.window))
		}
	}

	// consecutive-loss breaker
	m.expireHaltLocked(now)
	if !m.haltedUntil.IsZero() {
		add(boterrors.NewRiskViolation(boterrors.LimitConsecutiveLosses, float64(m.consecutiveLosses), float64(m.config.ConsecutiveLossLimit),
			"loss streak cooldown until %s", m.haltedUntil.Format(time.RFC3339)).WithSeverity(boterrors.SeverityHalt))
	}

	// drawdown
	if req.State != nil {
		dd := req.State.CurrentDrawdown
		switch {
		case dd >= m.config.MaxDrawdown:
			add(boterrors.NewRiskViolation(boterrors.LimitDrawdown, dd, m.config.MaxDrawdown, "drawdown beyond maximum").WithSeverity(boterrors.SeverityHalt))
			out.SizeMultiplier = 0
		case dd > m.config.ScaleStartDrawdown:
			out.SizeMultiplier = DrawdownMultiplier(dd, m.config.ScaleStartDrawdown, m.config.MaxDrawdown)
			add(boterrors.NewRiskViolation(boterrors.LimitDrawdown, dd, m.config.ScaleStartDrawdown,
				"drawdown scaling size by %.2f", out.SizeMultiplier).WithSeverity(boterrors.SeverityScale))
		}
	}

	// exposure, measured on the scaled size
	if req.State != nil && equity > 0 {
		for _, v := range m.exposureChecks(req, req.Notional*out.SizeMultiplier, equity) {
			add(v)
		}
	}

	out.Binding = boterrors.MostRestrictive(out.Violations)
	out.Allowed = out.Binding == nil || out.Binding.Severity == boterrors.SeverityScale
	if !out.Allowed {
		out.SizeMultiplier = 0
	}
	for _, v := range out.Violations {
		m.log.LogWarning(req.Instrument, "%v", v)
	}
	return out
}

// DrawdownMultiplier scales linearly from 1 at start to 0 at max
func DrawdownMultiplier(dd, start, max float64) float64 {
	if dd <= start {
		return 1
	}
	if dd >= max || max <= start {
		return 0
	}
	return (max - dd) / (max - start)
}

func (m *Manager) exposureChecks(req Request, notional, equity float64) []*boterrors.RiskViolation {
	var out []*boterrors.RiskViolation
	state := req.State

	signed := notional
	if req.Direction == types.DirectionShort {
		signed = -notional
	}

	instrument := notional
	sector := notional
	for _, p := range state.OpenPositions {
		if p.Instrument == req.Instrument {
			instrument += p.Notional()
		}
		if req.Sector != "" && p.Sector == req.Sector {
			sector += p.Notional()
		}
	}

	if capAmt := m.config.MaxInstrumentExposure * equity; instrument > capAmt {
		out = append(out, boterrors.NewRiskViolation(boterrors.LimitInstrumentExposure, instrument, capAmt, "instrument exposure over cap").WithScope(req.Instrument))
	}
	if gross, capAmt := state.GrossExposure()+notional, m.config.MaxGrossExposure*equity; gross > capAmt {
		out = append(out, boterrors.NewRiskViolation(boterrors.LimitGrossExposure, gross, capAmt, "gross exposure over cap"))
	}
	if net, capAmt := math.Abs(state.NetExposure()+signed), m.config.MaxNetExposure*equity; net > capAmt {
		out = append(out, boterrors.NewRiskViolation(boterrors.LimitNetExposure, net, capAmt, "net exposure over cap"))
	}
	if req.Sector != "" {
		if capAmt := m.config.MaxSectorExposure * equity; sector > capAmt {
			out = append(out, boterrors.NewRiskViolation(boterrors.LimitSectorExposure, sector, capAmt, "sector exposure over cap").WithScope(req.Sector))
		}
	}
	return out
}

// RecordTrade counts an emitted entry against the trade windows
func (m *Manager) RecordTrade(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, at)
}

// RecordOutcome books realized PnL and fees. closed marks the end of a round
// trip whose net result feeds the loss-streak breaker.
func (m *Manager) RecordOutcome(pnl, fees float64, closed bool, net float64, equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rolloverLocked(now, equity)
	if !math.IsNaN(pnl) && !math.IsNaN(fees) {
		m.dailyPnL += pnl - fees
	}
	if !closed {
		return
	}

	// a streak that starts after the cooldown ran out counts from zero
	m.expireHaltLocked(now)
	if types.IsLoss(net) {
		m.consecutiveLosses++
		if m.consecutiveLosses >= m.config.ConsecutiveLossLimit && m.haltedUntil.IsZero() {
			m.haltedUntil = now.Add(time.Duration(m.config.CooldownMinutes) * time.Minute)
			m.log.Error("%d consecutive losses, entries halted until %s", m.consecutiveLosses, m.haltedUntil.Format(time.RFC3339))
		}
		return
	}
	m.consecutiveLosses = 0
}

// expireHaltLocked ends a finished loss-streak cooldown and clears the streak
func (m *Manager) expireHaltLocked(now time.Time) {
	if m.haltedUntil.IsZero() || now.Before(m.haltedUntil) {
		return
	}
	m.log.Info("loss streak cooldown ended, trading resumed")
	m.haltedUntil = time.Time{}
	m.consecutiveLosses = 0
}

// Halted reports whether the account breaker or the daily loss limit is active
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !m.haltedUntil.IsZero() && now.Before(m.haltedUntil) {
		return true
	}
	limit := m.config.MaxDailyLoss * m.dayStartEquity
	return limit > 0 && -m.dailyPnL >= limit && now.Before(m.nextReset)
}

// Status returns the current counters
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	limit := m.config.MaxDailyLoss * m.dayStartEquity
	return Status{
		DailyPnL:          m.dailyPnL,
		DailyLossLimit:    limit,
		DailyHalted:       limit > 0 && -m.dailyPnL >= limit && now.Before(m.nextReset),
		NextReset:         m.nextReset,
		TradesLastMinute:  m.countSinceLocked(now, time.Minute),
		TradesLastHour:    m.countSinceLocked(now, time.Hour),
		TradesLastDay:     m.countSinceLocked(now, 24*time.Hour),
		ConsecutiveLosses: m.consecutiveLosses,
		HaltedUntil:       m.haltedUntil,
	}
}

// Snapshot copies the counters for persistence
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		DayStartEquity:    m.dayStartEquity,
		DailyPnL:          m.dailyPnL,
		NextReset:         m.nextReset,
		Trades:            append([]time.Time(nil), m.trades...),
		ConsecutiveLosses: m.consecutiveLosses,
		HaltedUntil:       m.haltedUntil,
	}
}

// Restore loads persisted counters
func (m *Manager) Restore(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dayStartEquity = s.DayStartEquity
	m.dailyPnL = s.DailyPnL
	if !s.NextReset.IsZero() {
		m.nextReset = s.NextReset
	}
	m.trades = append([]time.Time(nil), s.Trades...)
	m.consecutiveLosses = s.ConsecutiveLosses
	m.haltedUntil = s.HaltedUntil
}
