package portfolio

import (
	"math"
	"sort"
	"sync"
	"time"

	boterrors "github.com/ducminhle1904/trade-execution-core/internal/errors"
	"github.com/ducminhle1904/trade-execution-core/internal/logger"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// Status is the portfolio-level trading state
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusCooldown Status = "COOLDOWN"
	StatusHalted   Status = "HALTED"
)

// Config holds the cross-asset limits
type Config struct {
	MaxConcurrentPositions int `yaml:"max_concurrent_positions" json:"max_concurrent_positions" default:"10" validate:"gte=1"`
	MaxPerSector           int `yaml:"max_per_sector" json:"max_per_sector" default:"3" validate:"gte=1"`
	MaxPerVenue            int `yaml:"max_per_venue" json:"max_per_venue" default:"5" validate:"gte=1"`

	MaxCorrelation        float64 `yaml:"max_correlation" json:"max_correlation" default:"0.70" validate:"gt=0,lte=1"`
	CorrelationLookback   int     `yaml:"correlation_lookback" json:"correlation_lookback" default:"60" validate:"gte=2"`
	MinCorrelationSamples int     `yaml:"min_correlation_samples" json:"min_correlation_samples" default:"20" validate:"gte=2"`

	CooldownLossCount  int  `yaml:"cooldown_loss_count" json:"cooldown_loss_count" default:"3" validate:"gte=1"`
	CooldownMinutes    int  `yaml:"cooldown_minutes" json:"cooldown_minutes" default:"60" validate:"gte=1"`
	MaxCooldownMinutes int  `yaml:"max_cooldown_minutes" json:"max_cooldown_minutes" default:"480" validate:"gtefield=CooldownMinutes"`
	HaltAtMaxCooldown  bool `yaml:"halt_at_max_cooldown" json:"halt_at_max_cooldown" default:"true"`

	// Diversification applies once the book holds at least DiversifyAbove positions
	DiversifyAbove   int     `yaml:"diversify_above" json:"diversify_above" default:"4" validate:"gte=0"`
	MinSectors       int     `yaml:"min_sectors" json:"min_sectors" default:"2" validate:"gte=0"`
	MinVenues        int     `yaml:"min_venues" json:"min_venues" default:"1" validate:"gte=0"`
	MaxConcentration float64 `yaml:"max_concentration" json:"max_concentration" default:"0.5" validate:"gt=0,lte=1"`
}

// Candidate is a sized entry waiting for portfolio approval
type Candidate struct {
	Instrument string
	Sector     string
	Venue      string
	Direction  types.Direction
	Notional   float64
	Returns    []float64
}

// Assessment carries the scale factor and any violations for a candidate
type Assessment struct {
	Status         Status
	Scale          float64
	AvgCorrelation float64
	Violations     []*boterrors.RiskViolation
	Binding        *boterrors.RiskViolation
}

// Allowed is false when the book is not ACTIVE, a limit blocked, or the size was scaled to zero
func (a Assessment) Allowed() bool {
	if a.Status != StatusActive || a.Scale <= 0 {
		return false
	}
	return a.Binding == nil || a.Binding.Severity == boterrors.SeverityScale
}

// Snapshot is the persisted form of the cooldown state
type Snapshot struct {
	ConsecutiveLosses int       `json:"consecutive_losses"`
	Triggers          int       `json:"triggers"`
	CooldownUntil     time.Time `json:"cooldown_until"`
	Halted            bool      `json:"halted"`
	HaltReason        string    `json:"halt_reason,omitempty"`
}

// Manager enforces concurrency, correlation, cooldown and diversification across the book
type Manager struct {
	config       Config
	correlations *CorrelationTracker
	log          *logger.Logger
	now          func() time.Time

	mu                sync.Mutex
	consecutiveLosses int
	triggers          int
	cooldownUntil     time.Time
	halted            bool
	haltReason        string
}

// NewManager creates a portfolio manager
func NewManager(config Config, log *logger.Logger, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		config:       config,
		correlations: NewCorrelationTracker(config.CorrelationLookback, config.MinCorrelationSamples),
		log:          log.Component("portfolio"),
		now:          now,
	}
}

// Correlations exposes the rolling tracker
func (m *Manager) Correlations() *CorrelationTracker {
	return m.correlations
}

// ObserveReturns records the latest return series for an instrument
func (m *Manager) ObserveReturns(instrument string, returns []float64) {
	m.correlations.Observe(instrument, returns)
}

func (m *Manager) statusLocked(now time.Time) Status {
	if m.halted {
		return StatusHalted
	}
	if now.Before(m.cooldownUntil) {
		return StatusCooldown
	}
	return StatusActive
}

// Status returns the current state
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(m.now())
}

// CooldownUntil returns the end of the current cooldown, zero when none
func (m *Manager) CooldownUntil() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cooldownUntil
}

// Evaluate checks a candidate against the open book. positions is keyed by instrument.
func (m *Manager) Evaluate(c Candidate, positions map[string]*types.Position) Assessment {
	m.mu.Lock()
	status := m.statusLocked(m.now())
	cooldownUntil := m.cooldownUntil
	haltReason := m.haltReason
	m.mu.Unlock()

	out := Assessment{Status: status, Scale: 1}
	add := func(v *boterrors.RiskViolation) { out.Violations = append(out.Violations, v) }

	switch status {
	case StatusHalted:
		add(boterrors.NewRiskViolation(boterrors.LimitPortfolioCooldown, 0, 0, "portfolio halted: %s", haltReason).WithSeverity(boterrors.SeverityHalt))
	case StatusCooldown:
		add(boterrors.NewRiskViolation(boterrors.LimitPortfolioCooldown, 0, 0,
			"loss cooldown until %s", cooldownUntil.Format(time.RFC3339)).WithSeverity(boterrors.SeverityHalt))
	}

	if _, ok := positions[c.Instrument]; ok {
		add(boterrors.NewRiskViolation(boterrors.LimitDuplicatePosition, 1, 1, "position already open").WithScope(c.Instrument))
	}

	for _, v := range m.concurrencyChecks(c, positions) {
		add(v)
	}

	book := make([]string, 0, len(positions))
	for name := range positions {
		if name != c.Instrument {
			book = append(book, name)
		}
	}
	sort.Strings(book)

	if avg, _, ok := m.correlations.AverageWith(c.Returns, book); ok {
		out.AvgCorrelation = avg
		if math.IsNaN(avg) || avg > m.config.MaxCorrelation {
			out.Scale = CorrelationScale(avg, m.config.MaxCorrelation)
			add(boterrors.NewRiskViolation(boterrors.LimitCorrelation, avg, m.config.MaxCorrelation,
				"average correlation with book scales size by %.2f", out.Scale).WithSeverity(boterrors.SeverityScale))
		}
	}

	for _, v := range m.diversificationChecks(c, positions) {
		add(v)
	}

	out.Binding = boterrors.MostRestrictive(out.Violations)
	if !out.Allowed() {
		out.Scale = 0
	}
	for _, v := range out.Violations {
		m.log.LogWarning(c.Instrument, "%v", v)
	}
	return out
}

// CorrelationScale is 1 - avg/max clamped to [0, 1]
func CorrelationScale(avg, max float64) float64 {
	if max <= 0 || math.IsNaN(avg) {
		return 0
	}
	s := 1 - avg/max
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func (m *Manager) concurrencyChecks(c Candidate, positions map[string]*types.Position) []*boterrors.RiskViolation {
	var out []*boterrors.RiskViolation
	if n := len(positions); n >= m.config.MaxConcurrentPositions {
		out = append(out, boterrors.NewRiskViolation(boterrors.LimitMaxPositions, float64(n), float64(m.config.MaxConcurrentPositions), "too many open positions"))
	}

	sector, venue := 0, 0
	for _, p := range positions {
		if c.Sector != "" && p.Sector == c.Sector {
			sector++
		}
		if c.Venue != "" && p.Venue == c.Venue {
			venue++
		}
	}
	if c.Sector != "" && sector >= m.config.MaxPerSector {
		out = append(out, boterrors.NewRiskViolation(boterrors.LimitSectorPositions, float64(sector), float64(m.config.MaxPerSector), "sector position limit").WithScope(c.Sector))
	}
	if c.Venue != "" && venue >= m.config.MaxPerVenue {
		out = append(out, boterrors.NewRiskViolation(boterrors.LimitVenuePositions, float64(venue), float64(m.config.MaxPerVenue), "venue position limit").WithScope(c.Venue))
	}
	return out
}

// diversificationChecks blocks entries that would leave a large book concentrated
func (m *Manager) diversificationChecks(c Candidate, positions map[string]*types.Position) []*boterrors.RiskViolation {
	if len(positions)+1 <= m.config.DiversifyAbove {
		return nil
	}

	sectors := map[string]bool{}
	venues := map[string]bool{}
	total := c.Notional
	sameSector := 0.0
	if c.Sector != "" {
		sectors[c.Sector] = true
		sameSector = c.Notional
	}
	if c.Venue != "" {
		venues[c.Venue] = true
	}
	for _, p := range positions {
		n := p.Notional()
		total += n
		if p.Sector != "" {
			sectors[p.Sector] = true
		}
		if p.Venue != "" {
			venues[p.Venue] = true
		}
		if c.Sector != "" && p.Sector == c.Sector {
			sameSector += n
		}
	}

	var out []*boterrors.RiskViolation
	if c.Sector != "" && total > 0 {
		if share := sameSector / total; share > m.config.MaxConcentration {
			out = append(out, boterrors.NewRiskViolation(boterrors.LimitDiversification, share, m.config.MaxConcentration,
				"sector concentration too high").WithScope(c.Sector))
		}
	}
	if len(sectors) < m.config.MinSectors {
		out = append(out, boterrors.NewRiskViolation(boterrors.LimitDiversification, float64(len(sectors)), float64(m.config.MinSectors),
			"book spans too few sectors"))
	}
	if len(venues) < m.config.MinVenues {
		out = append(out, boterrors.NewRiskViolation(boterrors.LimitDiversification, float64(len(venues)), float64(m.config.MinVenues),
			"book spans too few venues"))
	}
	return out
}

// RecordClose updates the loss streak after a position is fully closed.
// Reaching the trigger starts a cooldown that doubles on every repeat.
func (m *Manager) RecordClose(instrument string, net float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !types.IsLoss(net) {
		m.consecutiveLosses = 0
		m.triggers = 0
		return
	}

	m.consecutiveLosses++
	if m.consecutiveLosses < m.config.CooldownLossCount {
		return
	}

	m.consecutiveLosses = 0
	m.triggers++
	d, capped := m.cooldownFor(m.triggers)
	now := m.now()
	m.cooldownUntil = now.Add(d)
	m.log.Warning("%d losses in a row (last %s), portfolio cooldown %s until %s",
		m.config.CooldownLossCount, instrument, d, m.cooldownUntil.Format(time.RFC3339))

	if capped && m.config.HaltAtMaxCooldown {
		m.halted = true
		m.haltReason = "cooldown escalated to maximum"
		m.log.Error("portfolio halted: cooldown escalated to %s", d)
	}
}

// cooldownFor returns the duration of the nth cooldown and whether it hit the cap
func (m *Manager) cooldownFor(n int) (time.Duration, bool) {
	base := time.Duration(m.config.CooldownMinutes) * time.Minute
	limit := time.Duration(m.config.MaxCooldownMinutes) * time.Minute
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= limit {
			return limit, true
		}
	}
	if d >= limit {
		return limit, true
	}
	return d, false
}

// Halt stops all new entries until Resume
func (m *Manager) Halt(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = true
	m.haltReason = reason
	m.log.Warning("portfolio halted: %s", reason)
}

// Resume clears a halt and any pending cooldown escalation
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = false
	m.haltReason = ""
	m.triggers = 0
	m.consecutiveLosses = 0
	m.cooldownUntil = time.Time{}
	m.log.Info("portfolio resumed")
}

// Snapshot copies the cooldown state for persistence
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		ConsecutiveLosses: m.consecutiveLosses,
		Triggers:          m.triggers,
		CooldownUntil:     m.cooldownUntil,
		Halted:            m.halted,
		HaltReason:        m.haltReason,
	}
}

// Restore loads persisted cooldown state
func (m *Manager) Restore(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveLosses = s.ConsecutiveLosses
	m.triggers = s.Triggers
	m.cooldownUntil = s.CooldownUntil
	m.halted = s.Halted
	m.haltReason = s.HaltReason
}
