package orchestrator

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	boterrors "github.com/ducminhle1904/trade-execution-core/internal/errors"
	"github.com/ducminhle1904/trade-execution-core/internal/logger"
	"github.com/ducminhle1904/trade-execution-core/internal/portfolio"
	"github.com/ducminhle1904/trade-execution-core/internal/risk"
	"github.com/ducminhle1904/trade-execution-core/internal/safety"
	"github.com/ducminhle1904/trade-execution-core/internal/signal"
	"github.com/ducminhle1904/trade-execution-core/internal/sizing"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

const qtyEpsilon = 1e-9

// Rejection reasons for decisions that never reach the order manager
const (
	ReasonInvalidInput   = "invalid_input"
	ReasonOrderPending   = "order_pending"
	ReasonPositionOpen   = "position_open"
	ReasonBelowMinimum   = "below_min_notional"
	ReasonSizingPrefix   = "sizing: "
	ReasonPortfolioLimit = "portfolio: "
	ReasonRiskLimit      = "risk: "
)

// Config controls the decision pipeline outside the individual components
type Config struct {
	DefaultVenue     string  `yaml:"default_venue" json:"default_venue" default:"paper"`
	MinOrderNotional float64 `yaml:"min_order_notional" json:"min_order_notional" default:"10" validate:"gte=0"`
	AuditSize        int     `yaml:"audit_size" json:"audit_size" default:"1000" validate:"gte=1"`
	// BarHistory bounds the bars kept per instrument for range-based volatility
	BarHistory int `yaml:"bar_history" json:"bar_history" default:"500" validate:"gte=1"`
	// ReverseOnOpposite closes an open position when the signal flips
	ReverseOnOpposite bool `yaml:"reverse_on_opposite" json:"reverse_on_opposite" default:"true"`
}

// Snapshot is everything the orchestrator needs to resume a session
type Snapshot struct {
	State        *types.StrategyState          `json:"state"`
	Pending      []types.ExecutionDecision     `json:"pending"`
	PositionFees map[string]float64            `json:"position_fees"`
	Bars         map[string][]types.OHLCV      `json:"bars,omitempty"`
	Returns      map[string]types.ReturnSeries `json:"returns,omitempty"`
	// Executed lists recently recorded decision ids, oldest first
	Executed []string `json:"executed,omitempty"`
}

// Orchestrator runs forecast -> signal -> size -> portfolio -> risk and owns
// the strategy state. RecordExecution is the only path that mutates it.
type Orchestrator struct {
	config    Config
	signals   *signal.Generator
	sizer     *sizing.Sizer
	risk      *risk.Manager
	portfolio *portfolio.Manager
	validator *safety.Validator
	log       *logger.Logger
	now       func() time.Time

	mu           sync.Mutex
	state        *types.StrategyState
	pending      map[string]types.ExecutionDecision // by instrument
	positionFees map[string]float64                 // fees paid on each open position
	executed     *recordedSet
	bars         map[string][]types.OHLCV
	returns      map[string][]float64
	audit        *auditRing
}

// New creates an orchestrator over an existing session state
func New(config Config, signals *signal.Generator, sizer *sizing.Sizer, riskManager *risk.Manager,
	portfolioManager *portfolio.Manager, state *types.StrategyState, log *logger.Logger, now func() time.Time) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	if state == nil {
		state = types.NewStrategyState(0, now())
	}
	if state.OpenPositions == nil {
		state.OpenPositions = make(map[string]*types.Position)
	}
	return &Orchestrator{
		config:       config,
		signals:      signals,
		sizer:        sizer,
		risk:         riskManager,
		portfolio:    portfolioManager,
		validator:    safety.NewValidator(),
		log:          log.Component("orchestrator"),
		now:          now,
		state:        state,
		pending:      make(map[string]types.ExecutionDecision),
		positionFees: make(map[string]float64),
		executed:     newRecordedSet(config.AuditSize),
		bars:         make(map[string][]types.OHLCV),
		returns:      make(map[string][]float64),
		audit:        newAuditRing(config.AuditSize),
	}
}

// ProcessForecast runs the pipeline for one external forecast
func (o *Orchestrator) ProcessForecast(f types.Forecast) types.ExecutionDecision {
	venue := f.Venue
	if venue == "" {
		venue = o.config.DefaultVenue
	}
	return o.ProcessSignal(f.Instrument, f.Probability, f.ExpectedValue, []float64(f.Returns), f.Sector, venue)
}

// ProcessSignal produces exactly one decision. Anything that stops the entry
// yields HOLD with the reason recorded.
func (o *Orchestrator) ProcessSignal(instrument string, probability, expectedValue float64, returns []float64, sector, venue string) types.ExecutionDecision {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	if venue == "" {
		venue = o.config.DefaultVenue
	}
	d := types.ExecutionDecision{
		ID:         uuid.NewString(),
		Action:     types.ActionHold,
		Instrument: instrument,
		Timestamp:  now,
		Sector:     sector,
		Venue:      venue,
		TierIndex:  -1,
		Metadata: map[string]interface{}{
			"probability":    probability,
			"expected_value": expectedValue,
		},
	}

	if res := o.validator.ValidateSymbol(instrument); !res.Valid {
		return o.rejectLocked(d, ReasonInvalidInput+": "+res.Message)
	}
	if len(returns) > 0 {
		o.returns[instrument] = append([]float64(nil), returns...)
		o.portfolio.ObserveReturns(instrument, returns)
	}
	if _, busy := o.pending[instrument]; busy {
		return o.rejectLocked(d, ReasonOrderPending)
	}

	sig := o.signals.Generate(instrument, probability, expectedValue, now)
	d.Confidence = sig.Confidence
	if sig.Direction == types.DirectionHold {
		reason, _ := sig.Metadata["reason"].(string)
		return o.rejectLocked(d, reason)
	}

	if pos, open := o.state.OpenPositions[instrument]; open {
		if pos.Side == sig.Direction || !o.config.ReverseOnOpposite {
			return o.rejectLocked(d, ReasonPositionOpen)
		}
		exit := types.Signal{
			Direction:     types.DirectionClose,
			Confidence:    sig.Confidence,
			Instrument:    instrument,
			Timestamp:     now,
			ExitReason:    types.ExitSignalReverse,
			CloseFraction: 1,
			TierIndex:     -1,
		}
		return o.exitDecisionLocked(pos, exit, d)
	}

	sized := o.sizer.Size(sizing.Request{
		Instrument:  instrument,
		Equity:      o.state.Equity,
		Probability: sig.Confidence,
		Returns:     returns,
		Bars:        o.bars[instrument],
		Book:        o.returns,
	})
	d.Metadata["sizing_method"] = string(sized.Method)
	d.Metadata["sized_notional"] = sized.Size
	if sized.Size <= 0 {
		return o.rejectLocked(d, ReasonSizingPrefix+sized.Reason)
	}
	size := sized.Size

	pa := o.portfolio.Evaluate(portfolio.Candidate{
		Instrument: instrument,
		Sector:     sector,
		Venue:      venue,
		Direction:  sig.Direction,
		Notional:   size,
		Returns:    returns,
	}, o.state.OpenPositions)
	d.Metadata["portfolio_status"] = string(pa.Status)
	d.Metadata["portfolio_scale"] = pa.Scale
	d.Metadata["avg_correlation"] = pa.AvgCorrelation
	if !pa.Allowed() {
		return o.rejectLocked(d, ReasonPortfolioLimit+violationReason(pa.Binding, string(pa.Status)))
	}
	size *= pa.Scale

	ra := o.risk.Check(risk.Request{
		Instrument: instrument,
		Sector:     sector,
		Direction:  sig.Direction,
		Notional:   size,
		State:      o.state,
	})
	d.Metadata["risk_multiplier"] = ra.SizeMultiplier
	if len(ra.Warnings) > 0 {
		d.Metadata["risk_warnings"] = ra.Warnings
	}
	if !ra.Allowed {
		return o.rejectLocked(d, ReasonRiskLimit+violationReason(ra.Binding, "blocked"))
	}
	size *= ra.SizeMultiplier

	if !(size >= o.config.MinOrderNotional) || size <= 0 {
		return o.rejectLocked(d, ReasonBelowMinimum)
	}

	if sig.Direction == types.DirectionLong {
		d.Action = types.ActionEnterLong
	} else {
		d.Action = types.ActionEnterShort
	}
	d.Size = size
	o.risk.RecordTrade(now)
	return o.emitLocked(d)
}

func violationReason(v *boterrors.RiskViolation, fallback string) string {
	if v == nil {
		return fallback
	}
	if v.Scope != "" {
		return fmt.Sprintf("%s[%s]", v.Limit, v.Scope)
	}
	return string(v.Limit)
}

func (o *Orchestrator) rejectLocked(d types.ExecutionDecision, reason string) types.ExecutionDecision {
	if reason == "" {
		reason = "hold"
	}
	d.Action = types.ActionHold
	d.Size = 0
	d.RejectionReason = reason
	o.audit.add(AuditEntry{Decision: d, Status: AuditRejected, UpdatedAt: d.Timestamp})
	o.log.LogDecision(d.ID, d.Instrument, string(d.Action), 0, d.Confidence, reason)
	return d
}

func (o *Orchestrator) emitLocked(d types.ExecutionDecision) types.ExecutionDecision {
	o.pending[d.Instrument] = d
	o.audit.add(AuditEntry{Decision: d, Status: AuditEmitted, UpdatedAt: d.Timestamp})
	o.log.LogDecision(d.ID, d.Instrument, string(d.Action), d.Size, d.Confidence, "")
	return d
}

// exitDecisionLocked builds a CLOSE for the quantity an exit signal asks for.
// Fractions are of the initial quantity and never exceed what is still open.
func (o *Orchestrator) exitDecisionLocked(pos *types.Position, sig types.Signal, d types.ExecutionDecision) types.ExecutionDecision {
	qty := pos.Quantity
	if sig.CloseFraction < 1 {
		qty = math.Min(pos.Quantity, sig.CloseFraction*pos.InitialQty)
	}
	price := pos.CurrentPrice
	if price <= 0 {
		price = pos.EntryPrice
	}

	d.Action = types.ActionClose
	d.Confidence = sig.Confidence
	d.Size = qty * price
	d.CloseFraction = sig.CloseFraction
	d.ExitReason = sig.ExitReason
	d.TierIndex = sig.TierIndex
	if d.Sector == "" {
		d.Sector = pos.Sector
	}
	if pos.Venue != "" {
		d.Venue = pos.Venue
	}
	if d.Metadata == nil {
		d.Metadata = map[string]interface{}{}
	}
	d.Metadata["quantity"] = qty
	d.Metadata["position_side"] = string(pos.Side)
	for k, v := range sig.Metadata {
		d.Metadata[k] = v
	}
	return o.emitLocked(d)
}

// EvaluateExits runs exit rules over every open position without a pending order
func (o *Orchestrator) EvaluateExits(now time.Time) []types.ExecutionDecision {
	o.mu.Lock()
	defer o.mu.Unlock()

	names := make([]string, 0, len(o.state.OpenPositions))
	for name := range o.state.OpenPositions {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []types.ExecutionDecision
	for _, name := range names {
		if _, busy := o.pending[name]; busy {
			continue
		}
		pos := o.state.OpenPositions[name]
		sig, ok := o.signals.CheckExit(pos, now)
		if !ok {
			continue
		}
		d := types.ExecutionDecision{
			ID:         uuid.NewString(),
			Instrument: name,
			Timestamp:  now,
			Sector:     pos.Sector,
			Venue:      pos.Venue,
		}
		out = append(out, o.exitDecisionLocked(pos, sig, d))
	}
	return out
}

// UpdatePrice marks an open position to the latest price
func (o *Orchestrator) UpdatePrice(instrument string, price float64, at time.Time) {
	if !(price > 0) || math.IsInf(price, 0) {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if pos, ok := o.state.OpenPositions[instrument]; ok {
		pos.Mark(price, at, false)
	}
}

// UpdateBar records a completed bar and advances the hold counter
func (o *Orchestrator) UpdateBar(instrument string, bar types.OHLCV) {
	o.mu.Lock()
	defer o.mu.Unlock()

	bars := append(o.bars[instrument], bar)
	if len(bars) > o.config.BarHistory && o.config.BarHistory > 0 {
		bars = bars[len(bars)-o.config.BarHistory:]
	}
	o.bars[instrument] = bars

	if pos, ok := o.state.OpenPositions[instrument]; ok && bar.Close > 0 {
		at := bar.Timestamp
		if at.IsZero() {
			at = o.now()
		}
		pos.Mark(bar.Close, at, true)
	}
}

// RecordExecution applies an executed decision to the strategy state, the risk
// counters and the portfolio. decision.Size is the filled notional. Recording the
// same decision twice is a no-op.
func (o *Orchestrator) RecordExecution(decision types.ExecutionDecision, pnl, fees, fillPrice float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.executed.has(decision.ID) {
		o.log.Warning("decision %s already recorded", decision.ID)
		return nil
	}
	if !(fillPrice > 0) || math.IsInf(fillPrice, 0) || !(decision.Size > 0) || math.IsInf(decision.Size, 0) {
		return boterrors.NewValidationError("orchestrator", "record_execution",
			fmt.Sprintf("invalid fill for %s: size=%v price=%v", decision.ID, decision.Size, fillPrice))
	}
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		pnl = 0
	}
	if math.IsNaN(fees) || math.IsInf(fees, 0) || fees < 0 {
		fees = 0
	}

	now := o.now()
	qty := decision.Size / fillPrice

	switch {
	case decision.Action.IsEntry():
		o.applyEntryLocked(decision, qty, fillPrice, fees, now)
		o.state.ApplyEquityChange(pnl - fees)
		o.state.TotalPnL += pnl
		o.state.TotalFees += fees
		o.risk.RecordOutcome(pnl, fees, false, 0, o.state.Equity)

	case decision.Action == types.ActionClose:
		pos, ok := o.state.OpenPositions[decision.Instrument]
		if !ok {
			return boterrors.NewStateError("orchestrator", "record_execution",
				fmt.Errorf("no open position for %s", decision.Instrument))
		}
		o.state.ApplyEquityChange(pnl - fees)
		o.state.TotalPnL += pnl
		o.state.TotalFees += fees
		closed, net := o.applyExitLocked(pos, decision, qty, fillPrice, pnl, fees, now)
		o.risk.RecordOutcome(pnl, fees, closed, net, o.state.Equity)
		if closed {
			o.portfolio.RecordClose(decision.Instrument, net)
		}

	default:
		return boterrors.NewValidationError("orchestrator", "record_execution",
			fmt.Sprintf("decision %s has no executable action", decision.ID))
	}

	o.executed.add(decision.ID)
	if p, ok := o.pending[decision.Instrument]; ok && p.ID == decision.ID {
		delete(o.pending, decision.Instrument)
	}
	o.state.LastUpdated = now
	o.audit.update(decision.ID, func(e *AuditEntry) {
		e.Status = AuditExecuted
		e.FillPrice = fillPrice
		e.PnL = pnl
		e.Fees = fees
		e.UpdatedAt = now
	})
	o.log.LogEquity(o.state.Equity, o.state.PeakEquity, o.state.CurrentDrawdown)
	return nil
}

func (o *Orchestrator) applyEntryLocked(d types.ExecutionDecision, qty, price, fees float64, now time.Time) {
	side := types.DirectionLong
	if d.Action == types.ActionEnterShort {
		side = types.DirectionShort
	}
	orderID, _ := d.Metadata["order_id"].(string)

	if pos, ok := o.state.OpenPositions[d.Instrument]; ok && pos.Side == side {
		total := pos.Quantity + qty
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*qty) / total
		pos.Quantity = total
		pos.InitialQty += qty
		pos.UpdatedAt = now
		o.positionFees[d.Instrument] += fees
		return
	}

	o.state.OpenPositions[d.Instrument] = &types.Position{
		Instrument:         d.Instrument,
		Side:               side,
		EntryPrice:         price,
		CurrentPrice:       price,
		Quantity:           qty,
		InitialQty:         qty,
		OpenedAt:           now,
		UpdatedAt:          now,
		HighWaterMark:      price,
		RealizedTiersTaken: []int{},
		Sector:             d.Sector,
		Venue:              d.Venue,
		EntryOrderID:       orderID,
	}
	o.positionFees[d.Instrument] = fees
}

// applyExitLocked reduces the position and reports whether the round trip closed
// along with its net result after all fees
func (o *Orchestrator) applyExitLocked(pos *types.Position, d types.ExecutionDecision, qty, price, pnl, fees float64, now time.Time) (bool, float64) {
	if qty > pos.Quantity {
		qty = pos.Quantity
	}
	pos.Quantity -= qty
	pos.RealizedPnL += pnl
	if pos.InitialQty > 0 {
		pos.RealizedFraction = math.Min(1, pos.RealizedFraction+qty/pos.InitialQty)
	}
	if d.TierIndex >= 0 && d.ExitReason == types.ExitProfitTake && !pos.HasTier(d.TierIndex) {
		pos.RealizedTiersTaken = append(pos.RealizedTiersTaken, d.TierIndex)
	}
	pos.CurrentPrice = price
	pos.UpdatedAt = now
	o.positionFees[d.Instrument] += fees

	if pos.Quantity > qtyEpsilon*math.Max(1, pos.InitialQty) {
		return false, 0
	}

	totalFees := o.positionFees[d.Instrument]
	net := pos.RealizedPnL - totalFees
	o.state.ClosedPositions = append(o.state.ClosedPositions, types.ClosedPosition{
		Instrument:  pos.Instrument,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   price,
		Quantity:    pos.InitialQty,
		RealizedPnL: pos.RealizedPnL,
		Fees:        totalFees,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    now,
		ExitReason:  d.ExitReason,
		MAE:         pos.MaxAdverseExcursion,
		MFE:         pos.MaxFavorableExcursion,
	})
	o.state.TotalTrades++
	if types.IsLoss(net) {
		o.state.Losses++
	} else {
		o.state.Wins++
	}
	delete(o.state.OpenPositions, d.Instrument)
	delete(o.positionFees, d.Instrument)
	o.log.Trade("closed %s %s net %.2f after fees %.2f (%s)", pos.Side, pos.Instrument, net, totalFees, d.ExitReason)
	return true, net
}

// RecordFailure clears the pending marker for a decision that produced no fill
func (o *Orchestrator) RecordFailure(decision types.ExecutionDecision, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if p, ok := o.pending[decision.Instrument]; ok && p.ID == decision.ID {
		delete(o.pending, decision.Instrument)
	}
	o.audit.update(decision.ID, func(e *AuditEntry) {
		e.Status = AuditFailed
		e.Error = reason
		e.UpdatedAt = o.now()
	})
	o.log.LogWarning(decision.Instrument, "decision %s failed: %s", decision.ID, reason)
}

// CancelPending drops the pending marker for an instrument
func (o *Orchestrator) CancelPending(instrument string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.pending[instrument]; !ok {
		return false
	}
	delete(o.pending, instrument)
	return true
}

// Pending returns the decisions still waiting for a fill, sorted by instrument
func (o *Orchestrator) Pending() []types.ExecutionDecision {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]types.ExecutionDecision, 0, len(o.pending))
	for _, d := range o.pending {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// State returns a copy of the strategy state
func (o *Orchestrator) State() *types.StrategyState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// Position returns a copy of the open position on instrument
func (o *Orchestrator) Position(instrument string) (*types.Position, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pos, ok := o.state.OpenPositions[instrument]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// Audit returns the retained decision history, oldest first
func (o *Orchestrator) Audit() []AuditEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.audit.list()
}

// Snapshot captures the session for persistence
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Snapshot{
		State:        o.state.Clone(),
		PositionFees: make(map[string]float64, len(o.positionFees)),
		Bars:         make(map[string][]types.OHLCV, len(o.bars)),
		Returns:      make(map[string]types.ReturnSeries, len(o.returns)),
		Executed:     o.executed.list(),
	}
	for _, d := range o.pending {
		s.Pending = append(s.Pending, d)
	}
	sort.Slice(s.Pending, func(i, j int) bool { return s.Pending[i].Instrument < s.Pending[j].Instrument })
	for k, v := range o.positionFees {
		s.PositionFees[k] = v
	}
	for k, v := range o.bars {
		s.Bars[k] = append([]types.OHLCV(nil), v...)
	}
	for k, v := range o.returns {
		s.Returns[k] = append(types.ReturnSeries(nil), v...)
	}
	return s
}

// Restore replaces the session with a snapshot
func (o *Orchestrator) Restore(s Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s.State != nil {
		o.state = s.State.Clone()
		if o.state.OpenPositions == nil {
			o.state.OpenPositions = make(map[string]*types.Position)
		}
	}
	o.pending = make(map[string]types.ExecutionDecision, len(s.Pending))
	for _, d := range s.Pending {
		o.pending[d.Instrument] = d
	}
	o.positionFees = make(map[string]float64, len(s.PositionFees))
	for k, v := range s.PositionFees {
		o.positionFees[k] = v
	}
	o.bars = make(map[string][]types.OHLCV, len(s.Bars))
	for k, v := range s.Bars {
		o.bars[k] = append([]types.OHLCV(nil), v...)
	}
	o.executed = newRecordedSet(o.config.AuditSize)
	for _, id := range s.Executed {
		o.executed.add(id)
	}
	o.returns = make(map[string][]float64, len(s.Returns))
	for k, v := range s.Returns {
		o.returns[k] = append([]float64(nil), v...)
		o.portfolio.ObserveReturns(k, v)
	}
}
