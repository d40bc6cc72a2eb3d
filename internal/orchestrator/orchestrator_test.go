package orchestrator

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/trade-execution-core/internal/logger"
	"github.com/ducminhle1904/trade-execution-core/internal/portfolio"
	"github.com/ducminhle1904/trade-execution-core/internal/risk"
	"github.com/ducminhle1904/trade-execution-core/internal/signal"
	"github.com/ducminhle1904/trade-execution-core/internal/sizing"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	orch      *Orchestrator
	clock     *testClock
	risk      *risk.Manager
	portfolio *portfolio.Manager
}

func newFixture(t *testing.T, equity float64) *fixture {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	log := logger.Nop()

	gen := signal.NewGenerator(signal.Config{
		BuyThreshold:    0.55,
		SellThreshold:   0.45,
		TransactionCost: 0.001,
		AllowShort:      true,
		MaxHoldBars:     48,
		MaxMAEPct:       0.05,
		TrailingStop:    true,
		ProfitBands:     signal.DefaultProfitBands(),
	})
	sizer := sizing.NewSizer(sizing.Config{
		Method:        sizing.MethodFixedFractional,
		FixedFraction: 0.1,
		StopDistance:  0.05,
		MaxLeverage:   1,
	})
	rm, err := risk.NewManager(risk.Config{
		MaxDailyLoss:          0.05,
		DailyLossWarnRatio:    0.8,
		DailyResetTime:        "00:00",
		ResetTimezone:         "UTC",
		MaxTradesPerMinute:    5,
		MaxTradesPerHour:      30,
		MaxTradesPerDay:       200,
		ConsecutiveLossLimit:  5,
		CooldownMinutes:       30,
		MaxDrawdown:           0.20,
		ScaleStartDrawdown:    0.10,
		MaxInstrumentExposure: 0.25,
		MaxGrossExposure:      1.0,
		MaxNetExposure:        1.0,
		MaxSectorExposure:     0.5,
	}, log, clock.Now)
	require.NoError(t, err)
	pm := portfolio.NewManager(portfolio.Config{
		MaxConcurrentPositions: 10,
		MaxPerSector:           3,
		MaxPerVenue:            5,
		MaxCorrelation:         0.70,
		CorrelationLookback:    60,
		MinCorrelationSamples:  20,
		CooldownLossCount:      3,
		CooldownMinutes:        60,
		MaxCooldownMinutes:     480,
		DiversifyAbove:         4,
		MinSectors:             2,
		MinVenues:              1,
		MaxConcentration:       0.5,
	}, log, clock.Now)

	orch := New(Config{
		DefaultVenue:      "paper",
		MinOrderNotional:  10,
		AuditSize:         100,
		BarHistory:        100,
		ReverseOnOpposite: true,
	}, gen, sizer, rm, pm, types.NewStrategyState(equity, clock.Now()), log, clock.Now)
	return &fixture{orch: orch, clock: clock, risk: rm, portfolio: pm}
}

func sine(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 0.01 * math.Sin(float64(i)/3)
	}
	return out
}

// open emits and fills an entry at price
func (f *fixture) open(t *testing.T, instrument string, p float64, returns []float64, price, fee float64) types.ExecutionDecision {
	t.Helper()
	d := f.orch.ProcessSignal(instrument, p, 0.02, returns, "", "")
	require.True(t, d.IsExecutable(), "entry rejected: %s", d.RejectionReason)
	require.NoError(t, f.orch.RecordExecution(d, 0, fee, price))
	return d
}

func TestProcessSignal_Entry(t *testing.T) {
	f := newFixture(t, 10000)

	d := f.orch.ProcessSignal("BTCUSDT", 0.7, 0.02, nil, "crypto", "")
	assert.Equal(t, types.ActionEnterLong, d.Action)
	assert.InDelta(t, 1000, d.Size, 1e-9)
	assert.Equal(t, 0.7, d.Confidence)
	assert.Equal(t, "paper", d.Venue)
	assert.Empty(t, d.RejectionReason)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, 1, f.risk.Status().TradesLastMinute)

	again := f.orch.ProcessSignal("BTCUSDT", 0.7, 0.02, nil, "crypto", "")
	assert.Equal(t, types.ActionHold, again.Action)
	assert.Equal(t, ReasonOrderPending, again.RejectionReason)

	short := f.orch.ProcessSignal("ETHUSDT", 0.2, 0.02, nil, "", "bybit")
	assert.Equal(t, types.ActionEnterShort, short.Action)
	assert.InDelta(t, 0.8, short.Confidence, 1e-12)
	assert.Equal(t, "bybit", short.Venue)
}

// TestProcessSignal_Holds tests that every non-entry carries a rejection reason
func TestProcessSignal_Holds(t *testing.T) {
	f := newFixture(t, 10000)

	tests := []struct {
		name       string
		instrument string
		p, ev      float64
		reason     string
	}{
		{"neutral band", "BTCUSDT", 0.5, 0.02, "neutral"},
		{"expected value below cost", "BTCUSDT", 0.7, 0.0005, "ev_filter"},
		{"nan expected value", "BTCUSDT", 0.7, math.NaN(), "ev_filter"},
		{"invalid probability", "BTCUSDT", 1.5, 0.02, "invalid_probability"},
		{"empty instrument", "", 0.7, 0.02, ReasonInvalidInput + ": symbol cannot be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.orch.ProcessSignal(tt.instrument, tt.p, tt.ev, nil, "", "")
			assert.Equal(t, types.ActionHold, d.Action)
			assert.Equal(t, tt.reason, d.RejectionReason)
			assert.Zero(t, d.Size)
			assert.False(t, d.IsExecutable())
		})
	}
	assert.Len(t, f.orch.Audit(), len(tests))
	assert.Empty(t, f.orch.Pending())
}

func TestProcessSignal_RiskGate(t *testing.T) {
	f := newFixture(t, 10000)
	f.orch.state.ApplyEquityChange(-1500)

	d := f.orch.ProcessSignal("BTCUSDT", 0.7, 0.02, nil, "", "")
	require.Equal(t, types.ActionEnterLong, d.Action)
	// 10% of 8500, halved by the drawdown scale
	assert.InDelta(t, 425, d.Size, 1e-9)
	assert.InDelta(t, 0.5, d.Metadata["risk_multiplier"], 1e-9)

	f.orch.state.ApplyEquityChange(-1000)
	d = f.orch.ProcessSignal("ETHUSDT", 0.7, 0.02, nil, "", "")
	assert.Equal(t, types.ActionHold, d.Action)
	assert.Equal(t, ReasonRiskLimit+"max_drawdown", d.RejectionReason)
}

func TestProcessSignal_CorrelationSuppression(t *testing.T) {
	f := newFixture(t, 10000)
	f.open(t, "BTCUSDT", 0.7, sine(60), 100, 0)

	d := f.orch.ProcessSignal("ETHUSDT", 0.7, 0.02, sine(60), "", "")
	assert.Equal(t, types.ActionHold, d.Action)
	assert.Equal(t, ReasonPortfolioLimit+"correlation", d.RejectionReason)
	assert.InDelta(t, 1, d.Metadata["avg_correlation"], 1e-9)
}

// TestProcessSignal_CorrelationSuppressionWithGaps tests that a missing return
// in the candidate series does not let a correlated entry through
func TestProcessSignal_CorrelationSuppressionWithGaps(t *testing.T) {
	f := newFixture(t, 10000)
	f.open(t, "BTCUSDT", 0.7, sine(60), 100, 0)

	returns := sine(60)
	returns[3] = math.NaN()
	returns[40] = math.Inf(-1)
	d := f.orch.ProcessSignal("ETHUSDT", 0.7, 0.02, returns, "", "")
	assert.Equal(t, types.ActionHold, d.Action)
	assert.Equal(t, ReasonPortfolioLimit+"correlation", d.RejectionReason)
	assert.InDelta(t, 1, d.Metadata["avg_correlation"], 1e-9)
	assert.Empty(t, f.orch.Pending())
}

func TestProcessSignal_MinimumNotional(t *testing.T) {
	f := newFixture(t, 50)
	d := f.orch.ProcessSignal("BTCUSDT", 0.7, 0.02, nil, "", "")
	assert.Equal(t, ReasonBelowMinimum, d.RejectionReason)
}

// TestRecordExecution_RoundTrip tests a profit tier followed by a stop out
func TestRecordExecution_RoundTrip(t *testing.T) {
	f := newFixture(t, 10000)
	entry := f.open(t, "BTCUSDT", 0.7, nil, 100, 1)

	pos, ok := f.orch.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 10, pos.Quantity, 1e-9)
	assert.Equal(t, types.DirectionLong, pos.Side)
	assert.InDelta(t, 9999, f.orch.State().Equity, 1e-9)
	assert.Empty(t, f.orch.Pending())
	assert.Empty(t, f.orch.EvaluateExits(f.clock.Now()))

	f.orch.UpdatePrice("BTCUSDT", 103, f.clock.Now())
	exits := f.orch.EvaluateExits(f.clock.Now())
	require.Len(t, exits, 1)
	tier := exits[0]
	assert.Equal(t, types.ActionClose, tier.Action)
	assert.Equal(t, types.ExitProfitTake, tier.ExitReason)
	assert.Equal(t, 0, tier.TierIndex)
	assert.InDelta(t, 3.3, tier.Metadata["quantity"], 1e-9)
	assert.InDelta(t, 3.3*103, tier.Size, 1e-9)
	assert.Empty(t, f.orch.EvaluateExits(f.clock.Now()), "no new exit while one is pending")

	require.NoError(t, f.orch.RecordExecution(tier, 9.9, 0.34, 103))
	pos, _ = f.orch.Position("BTCUSDT")
	assert.InDelta(t, 6.7, pos.Quantity, 1e-9)
	assert.True(t, pos.HasTier(0))
	assert.Empty(t, f.orch.EvaluateExits(f.clock.Now()), "tier taken once")

	f.orch.UpdatePrice("BTCUSDT", 94, f.clock.Now())
	exits = f.orch.EvaluateExits(f.clock.Now())
	require.Len(t, exits, 1)
	stop := exits[0]
	assert.Equal(t, types.ExitAdverseStop, stop.ExitReason)
	assert.InDelta(t, 6.7, stop.Metadata["quantity"], 1e-9)

	require.NoError(t, f.orch.RecordExecution(stop, -40.2, 0.63, 94))
	state := f.orch.State()
	assert.Empty(t, state.OpenPositions)
	require.Len(t, state.ClosedPositions, 1)
	closed := state.ClosedPositions[0]
	assert.InDelta(t, 9.9-40.2, closed.RealizedPnL, 1e-9)
	assert.InDelta(t, 1.97, closed.Fees, 1e-9)
	assert.Equal(t, types.ExitAdverseStop, closed.ExitReason)
	assert.Equal(t, 1, state.TotalTrades)
	assert.Equal(t, 1, state.Losses)
	assert.InDelta(t, 10000-1+9.9-0.34-40.2-0.63, state.Equity, 1e-9)
	assert.InDelta(t, 1.97, state.TotalFees, 1e-9)
	assert.Equal(t, 1, f.risk.Status().ConsecutiveLosses)

	entries := f.orch.Audit()
	require.Len(t, entries, 3)
	assert.Equal(t, entry.ID, entries[0].Decision.ID)
	for _, e := range entries {
		assert.Equal(t, AuditExecuted, e.Status)
	}
}

func TestRecordExecution_Idempotent(t *testing.T) {
	f := newFixture(t, 10000)
	d := f.open(t, "BTCUSDT", 0.7, nil, 100, 1)

	require.NoError(t, f.orch.RecordExecution(d, 0, 1, 100))
	pos, _ := f.orch.Position("BTCUSDT")
	assert.InDelta(t, 10, pos.Quantity, 1e-9)
	assert.InDelta(t, 9999, f.orch.State().Equity, 1e-9)
}

func TestRecordExecution_BreakEvenIsAWin(t *testing.T) {
	f := newFixture(t, 10000)
	f.open(t, "BTCUSDT", 0.7, nil, 100, 1)

	rev := f.orch.ProcessSignal("BTCUSDT", 0.2, 0.02, nil, "", "")
	require.Equal(t, types.ActionClose, rev.Action)
	require.NoError(t, f.orch.RecordExecution(rev, 2, 1, 100))

	state := f.orch.State()
	require.Len(t, state.ClosedPositions, 1)
	assert.Zero(t, state.ClosedPositions[0].Net())
	assert.Equal(t, 1, state.Wins)
	assert.Zero(t, state.Losses)
	assert.Zero(t, f.risk.Status().ConsecutiveLosses)
	assert.Zero(t, f.portfolio.Snapshot().ConsecutiveLosses)
}

// TestRecordExecution_IdempotentAfterRestore tests that recorded decisions
// survive a snapshot so a repeated fill report is still ignored
func TestRecordExecution_IdempotentAfterRestore(t *testing.T) {
	f := newFixture(t, 10000)
	d := f.open(t, "BTCUSDT", 0.7, nil, 100, 1)

	snap := f.orch.Snapshot()
	assert.Equal(t, []string{d.ID}, snap.Executed)

	g := newFixture(t, 0)
	g.orch.Restore(snap)
	require.NoError(t, g.orch.RecordExecution(d, 0, 1, 100))
	pos, _ := g.orch.Position("BTCUSDT")
	assert.InDelta(t, 10, pos.Quantity, 1e-9)
	assert.InDelta(t, 9999, g.orch.State().Equity, 1e-9)
}

func TestRecordedSet_Bounded(t *testing.T) {
	s := newRecordedSet(2)
	s.add("a")
	s.add("b")
	s.add("b")
	s.add("c")
	assert.False(t, s.has("a"))
	assert.True(t, s.has("b"))
	assert.True(t, s.has("c"))
	assert.Equal(t, []string{"b", "c"}, s.list())
}

func TestRecordExecution_Invalid(t *testing.T) {
	f := newFixture(t, 10000)
	d := f.orch.ProcessSignal("BTCUSDT", 0.7, 0.02, nil, "", "")

	assert.Error(t, f.orch.RecordExecution(d, 0, 0, 0))
	assert.Error(t, f.orch.RecordExecution(d, 0, 0, math.NaN()))

	hold := f.orch.ProcessSignal("ETHUSDT", 0.5, 0.02, nil, "", "")
	hold.Size = 10
	assert.Error(t, f.orch.RecordExecution(hold, 0, 0, 100))

	ghost := types.ExecutionDecision{ID: "x", Action: types.ActionClose, Instrument: "SOLUSDT", Size: 10}
	assert.Error(t, f.orch.RecordExecution(ghost, 0, 0, 10))
}

func TestRecordFailure(t *testing.T) {
	f := newFixture(t, 10000)
	d := f.orch.ProcessSignal("BTCUSDT", 0.7, 0.02, nil, "", "")
	require.Len(t, f.orch.Pending(), 1)

	f.orch.RecordFailure(d, "venue rejected")
	assert.Empty(t, f.orch.Pending())
	audit := f.orch.Audit()
	assert.Equal(t, AuditFailed, audit[len(audit)-1].Status)
	assert.Equal(t, "venue rejected", audit[len(audit)-1].Error)
	assert.Empty(t, f.orch.State().OpenPositions)

	d = f.orch.ProcessSignal("BTCUSDT", 0.7, 0.02, nil, "", "")
	require.True(t, d.IsExecutable())
	assert.True(t, f.orch.CancelPending("BTCUSDT"))
	assert.False(t, f.orch.CancelPending("BTCUSDT"))
}

func TestProcessSignal_Reversal(t *testing.T) {
	f := newFixture(t, 10000)
	f.open(t, "BTCUSDT", 0.7, nil, 100, 0)

	same := f.orch.ProcessSignal("BTCUSDT", 0.8, 0.02, nil, "", "")
	assert.Equal(t, ReasonPositionOpen, same.RejectionReason)

	rev := f.orch.ProcessSignal("BTCUSDT", 0.2, 0.02, nil, "", "")
	assert.Equal(t, types.ActionClose, rev.Action)
	assert.Equal(t, types.ExitSignalReverse, rev.ExitReason)
	assert.InDelta(t, 10, rev.Metadata["quantity"], 1e-9)
	assert.Equal(t, 1, f.risk.Status().TradesLastMinute, "exits do not count as trades")
}

func TestUpdateBar_AdvancesHoldCounter(t *testing.T) {
	f := newFixture(t, 10000)
	f.open(t, "BTCUSDT", 0.7, nil, 100, 0)

	for i := 0; i < 48; i++ {
		f.orch.UpdateBar("BTCUSDT", types.OHLCV{Open: 100, High: 100.5, Low: 99.5, Close: 100, Timestamp: f.clock.Now()})
	}
	exits := f.orch.EvaluateExits(f.clock.Now())
	require.Len(t, exits, 1)
	assert.Equal(t, types.ExitTimeStop, exits[0].ExitReason)
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t, 10000)
	f.open(t, "BTCUSDT", 0.7, sine(30), 100, 1)
	pending := f.orch.ProcessSignal("ETHUSDT", 0.7, 0.02, nil, "", "")
	require.True(t, pending.IsExecutable())

	snap := f.orch.Snapshot()
	g := newFixture(t, 0)
	g.orch.Restore(snap)

	assert.Equal(t, f.orch.State().Equity, g.orch.State().Equity)
	require.Len(t, g.orch.Pending(), 1)
	assert.Equal(t, pending.ID, g.orch.Pending()[0].ID)

	pos, ok := g.orch.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 10, pos.Quantity, 1e-9)
	assert.InDelta(t, 1, g.orch.positionFees["BTCUSDT"], 1e-12)

	// restored state is independent of the source
	f.orch.UpdatePrice("BTCUSDT", 150, f.clock.Now())
	pos, _ = g.orch.Position("BTCUSDT")
	assert.Equal(t, 100.0, pos.CurrentPrice)
}

func TestSnapshot_ReturnGapsSurviveJSON(t *testing.T) {
	f := newFixture(t, 10000)
	returns := sine(30)
	returns[7] = math.NaN()
	f.open(t, "BTCUSDT", 0.7, returns, 100, 0)

	raw, err := json.Marshal(f.orch.Snapshot())
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Len(t, snap.Returns["BTCUSDT"], 30)
	assert.True(t, math.IsNaN(snap.Returns["BTCUSDT"][7]))
	assert.InDelta(t, returns[8], snap.Returns["BTCUSDT"][8], 1e-15)
}
