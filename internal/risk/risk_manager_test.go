package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	boterrors "github.com/ducminhle1904/trade-execution-core/internal/errors"
	"github.com/ducminhle1904/trade-execution-core/internal/logger"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() Config {
	return Config{
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
	}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	m, err := NewManager(cfg, logger.Nop(), clock.Now)
	require.NoError(t, err)
	return m, clock
}

func entry(state *types.StrategyState, notional float64) Request {
	return Request{Instrument: "BTCUSDT", Sector: "crypto", Direction: types.DirectionLong, Notional: notional, State: state}
}

func TestNewManager_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ResetTimezone = "Mars/Olympus"
	_, err := NewManager(cfg, logger.Nop(), nil)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.DailyResetTime = "25:99"
	_, err = NewManager(cfg, logger.Nop(), nil)
	assert.Error(t, err)
}

// TestManager_DailyLoss tests the warning band, the halt and the reset at the configured time
func TestManager_DailyLoss(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	state := types.NewStrategyState(10000, clock.Now())

	a := m.Check(entry(state, 100))
	require.True(t, a.Allowed)

	// 420 of a 500 limit is past the 80% warning
	m.RecordOutcome(-400, 20, true, -420, state.Equity)
	a = m.Check(entry(state, 100))
	assert.True(t, a.Allowed)
	assert.Len(t, a.Warnings, 1)

	m.RecordOutcome(-80, 0, true, -80, state.Equity)
	a = m.Check(entry(state, 100))
	assert.False(t, a.Allowed)
	require.NotNil(t, a.Binding)
	assert.Equal(t, boterrors.LimitDailyLoss, a.Binding.Limit)
	assert.Equal(t, boterrors.SeverityHalt, a.Binding.Severity)
	assert.Zero(t, a.SizeMultiplier)
	assert.True(t, m.Status().DailyHalted)

	// next reset is midnight UTC
	clock.t = time.Date(2026, 3, 3, 0, 0, 1, 0, time.UTC)
	a = m.Check(entry(state, 100))
	assert.True(t, a.Allowed)
	assert.Zero(t, m.Status().DailyPnL)
}

func TestManager_ResetTimezone(t *testing.T) {
	cfg := testConfig()
	cfg.DailyResetTime = "17:00"
	cfg.ResetTimezone = "America/New_York"
	m, clock := newTestManager(t, cfg)

	next := m.Status().NextReset
	assert.True(t, next.After(clock.Now()))
	assert.Equal(t, 17, next.Hour())
	assert.Equal(t, "America/New_York", next.Location().String())
}

func TestManager_TradeWindows(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	state := types.NewStrategyState(100000, clock.Now())

	for i := 0; i < 5; i++ {
		m.RecordTrade(clock.Now())
		clock.Advance(time.Second)
	}
	a := m.Check(entry(state, 100))
	assert.False(t, a.Allowed)
	assert.Equal(t, boterrors.LimitTradesPerMinute, a.Binding.Limit)
	assert.Equal(t, boterrors.SeverityBlock, a.Binding.Severity)

	// sliding window: a minute later the burst no longer counts
	clock.Advance(time.Minute)
	a = m.Check(entry(state, 100))
	assert.True(t, a.Allowed)
	assert.Equal(t, 5, m.Status().TradesLastHour)

	clock.Advance(25 * time.Hour)
	assert.Zero(t, m.Status().TradesLastDay)
}

// TestManager_ConsecutiveLosses tests the halt after N losing round trips and the auto-resume
func TestManager_ConsecutiveLosses(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	state := types.NewStrategyState(1000000, clock.Now())

	for i := 0; i < 4; i++ {
		m.RecordOutcome(-10, 0, true, -10, state.Equity)
	}
	assert.True(t, m.Check(entry(state, 100)).Allowed)

	// a partial exit does not count toward the streak
	m.RecordOutcome(-10, 0, false, 0, state.Equity)
	assert.Equal(t, 4, m.Status().ConsecutiveLosses)

	m.RecordOutcome(-10, 0, true, -10, state.Equity)
	a := m.Check(entry(state, 100))
	assert.False(t, a.Allowed)
	assert.Equal(t, boterrors.LimitConsecutiveLosses, a.Binding.Limit)
	assert.True(t, m.Halted())

	clock.Advance(29 * time.Minute)
	assert.False(t, m.Check(entry(state, 100)).Allowed)

	clock.Advance(time.Minute)
	assert.True(t, m.Check(entry(state, 100)).Allowed)
	assert.Zero(t, m.Status().ConsecutiveLosses)
	assert.False(t, m.Halted())
}

// TestManager_StreakAfterExpiredCooldown tests that losses booked after a
// cooldown ran out, with no Check in between, still re-halt
func TestManager_StreakAfterExpiredCooldown(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	state := types.NewStrategyState(1000000, clock.Now())

	for i := 0; i < 5; i++ {
		m.RecordOutcome(-10, 0, true, -10, state.Equity)
	}
	require.True(t, m.Halted())

	// exits keep closing positions while entries are halted
	clock.Advance(31 * time.Minute)
	for i := 0; i < 5; i++ {
		m.RecordOutcome(-10, 0, true, -10, state.Equity)
	}
	assert.Equal(t, 5, m.Status().ConsecutiveLosses)
	assert.True(t, m.Halted())

	a := m.Check(entry(state, 100))
	assert.False(t, a.Allowed)
	require.NotNil(t, a.Binding)
	assert.Equal(t, boterrors.LimitConsecutiveLosses, a.Binding.Limit)
	assert.Equal(t, 5, m.Status().ConsecutiveLosses)
}

func TestManager_BreakEvenIsNotALoss(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	for i := 0; i < 4; i++ {
		m.RecordOutcome(-10, 0, true, -10, 100000)
	}
	m.RecordOutcome(1, 1, true, 0, 100000)
	assert.Zero(t, m.Status().ConsecutiveLosses)
}

func TestManager_WinResetsStreak(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	for i := 0; i < 4; i++ {
		m.RecordOutcome(-10, 0, true, -10, 100000)
	}
	m.RecordOutcome(30, 1, true, 29, 100000)
	assert.Zero(t, m.Status().ConsecutiveLosses)
}

func TestDrawdownMultiplier(t *testing.T) {
	tests := []struct {
		dd   float64
		want float64
	}{
		{0, 1},
		{0.10, 1},
		{0.15, 0.5},
		{0.18, 0.2},
		{0.20, 0},
		{0.35, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, DrawdownMultiplier(tt.dd, 0.10, 0.20), 1e-9, "dd=%v", tt.dd)
	}
}

func TestManager_Drawdown(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	state := types.NewStrategyState(10000, clock.Now())

	state.ApplyEquityChange(-1500)
	a := m.Check(entry(state, 1000))
	assert.True(t, a.Allowed)
	assert.InDelta(t, 0.5, a.SizeMultiplier, 1e-9)
	require.NotNil(t, a.Binding)
	assert.Equal(t, boterrors.SeverityScale, a.Binding.Severity)

	state.ApplyEquityChange(-600)
	a = m.Check(entry(state, 1000))
	assert.False(t, a.Allowed)
	assert.Equal(t, boterrors.LimitDrawdown, a.Binding.Limit)
	assert.Equal(t, boterrors.SeverityHalt, a.Binding.Severity)
}

func TestManager_Exposure(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	state := types.NewStrategyState(10000, clock.Now())
	state.OpenPositions["ETHUSDT"] = &types.Position{
		Instrument: "ETHUSDT", Side: types.DirectionLong, Quantity: 20, EntryPrice: 200, CurrentPrice: 200, Sector: "crypto",
	}

	tests := []struct {
		name  string
		req   Request
		limit boterrors.LimitKind
	}{
		{"instrument cap", Request{Instrument: "BTCUSDT", Direction: types.DirectionLong, Notional: 3000, State: state}, boterrors.LimitInstrumentExposure},
		{"sector cap", Request{Instrument: "SOLUSDT", Sector: "crypto", Direction: types.DirectionLong, Notional: 2000, State: state}, boterrors.LimitSectorExposure},
		{"within caps", Request{Instrument: "SOLUSDT", Sector: "crypto", Direction: types.DirectionLong, Notional: 500, State: state}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := m.Check(tt.req)
			if tt.limit == "" {
				assert.True(t, a.Allowed)
				assert.Nil(t, a.Binding)
				return
			}
			assert.False(t, a.Allowed)
			require.NotNil(t, a.Binding)
			assert.Equal(t, tt.limit, a.Binding.Limit)
		})
	}
}

func TestManager_GrossAndNetExposure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInstrumentExposure = 10
	cfg.MaxSectorExposure = 10
	cfg.MaxNetExposure = 0.5
	m, clock := newTestManager(t, cfg)
	state := types.NewStrategyState(10000, clock.Now())
	state.OpenPositions["ETHUSDT"] = &types.Position{
		Instrument: "ETHUSDT", Side: types.DirectionLong, Quantity: 20, EntryPrice: 200, CurrentPrice: 200,
	}

	a := m.Check(Request{Instrument: "BTCUSDT", Direction: types.DirectionLong, Notional: 2000, State: state})
	assert.False(t, a.Allowed)
	assert.Equal(t, boterrors.LimitNetExposure, a.Binding.Limit)

	// a short offsets net but adds to gross
	a = m.Check(Request{Instrument: "BTCUSDT", Direction: types.DirectionShort, Notional: 2000, State: state})
	assert.True(t, a.Allowed)

	a = m.Check(Request{Instrument: "BTCUSDT", Direction: types.DirectionShort, Notional: 7000, State: state})
	assert.False(t, a.Allowed)
	assert.Equal(t, boterrors.LimitGrossExposure, a.Binding.Limit)
}

// TestManager_MostRestrictiveWins tests that a halt outranks blocks reported alongside it
func TestManager_MostRestrictiveWins(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	state := types.NewStrategyState(10000, clock.Now())
	for i := 0; i < 5; i++ {
		m.RecordTrade(clock.Now())
	}
	m.RecordOutcome(-600, 0, true, -600, state.Equity)

	a := m.Check(entry(state, 5000))
	assert.False(t, a.Allowed)
	assert.GreaterOrEqual(t, len(a.Violations), 3)
	assert.Equal(t, boterrors.SeverityHalt, a.Binding.Severity)
}

func TestManager_SnapshotRestore(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	m.RecordTrade(clock.Now())
	for i := 0; i < 5; i++ {
		m.RecordOutcome(-10, 0, true, -10, 10000)
	}
	snap := m.Snapshot()

	restored, _ := newTestManager(t, testConfig())
	restored.Restore(snap)
	assert.True(t, restored.Halted())
	assert.Equal(t, 5, restored.Status().ConsecutiveLosses)
	assert.Equal(t, 1, restored.Status().TradesLastMinute)
	assert.InDelta(t, -50, restored.Status().DailyPnL, 1e-9)
}
