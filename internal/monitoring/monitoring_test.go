package monitoring

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	boterrors "github.com/ducminhle1904/trade-execution-core/internal/errors"
	"github.com/ducminhle1904/trade-execution-core/internal/logger"
	"github.com/ducminhle1904/trade-execution-core/internal/resiliency"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

func TestReasonClass(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"", "hold"},
		{"risk: daily_loss", "risk"},
		{"portfolio: correlation", "portfolio"},
		{"invalid_input: symbol cannot be empty", "invalid_input"},
		{"order_pending", "order_pending"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReasonClass(tt.reason), tt.reason)
	}
}

func TestMetrics_Decisions(t *testing.T) {
	m := NewMetrics()

	m.RecordDecision(types.ExecutionDecision{Action: types.ActionEnterLong, Size: 100})
	m.RecordDecision(types.ExecutionDecision{Action: types.ActionEnterLong, Size: 50})
	m.RecordDecision(types.ExecutionDecision{Action: types.ActionClose, Size: 50})
	m.RecordDecision(types.ExecutionDecision{Action: types.ActionHold, RejectionReason: "risk: max_drawdown"})
	m.RecordDecision(types.ExecutionDecision{Action: types.ActionHold, RejectionReason: "risk: daily_loss"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("ENTER_LONG")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("CLOSE")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rejections.WithLabelValues("risk")))
}

func TestMetrics_FillsAndState(t *testing.T) {
	m := NewMetrics()
	m.RecordFill("paper", "BTCUSDT", types.Fill{Price: 100, Quantity: 2, Fee: 0.2})
	m.RecordFill("paper", "BTCUSDT", types.Fill{Price: 110, Quantity: 1})
	m.RecordOrder(types.Order{Venue: "paper", Status: types.OrderStatusFilled})

	assert.InDelta(t, 310.0, testutil.ToFloat64(m.fillVolume.WithLabelValues("paper", "BTCUSDT")), 1e-9)
	assert.InDelta(t, 0.2, testutil.ToFloat64(m.commission.WithLabelValues("paper")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues("paper", string(types.OrderStatusFilled))))

	st := types.NewStrategyState(10000, time.Now())
	st.ApplyEquityChange(-1000)
	st.OpenPositions["BTCUSDT"] = &types.Position{Instrument: "BTCUSDT"}
	m.UpdateState(st)
	assert.Equal(t, 9000.0, testutil.ToFloat64(m.equity))
	assert.InDelta(t, 0.1, testutil.ToFloat64(m.drawdown), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.openPositions))
}

// TestMetrics_Attach tests that venue attempts, breaker transitions and dead letters reach the collectors
func TestMetrics_Attach(t *testing.T) {
	m := NewMetrics()
	res := resiliency.NewManager(resiliency.Config{
		MaxRetries:              1,
		CircuitBreakerThreshold: 2,
		CircuitBreakerTimeout:   time.Minute,
		RequestsPerSecond:       100,
		Burst:                   100,
	}, nil, logger.Nop(), resiliency.WithSleep(func(context.Context, time.Duration) error { return nil }))
	m.Attach(res)

	venueErr := boterrors.NewTransientVenueError("paper", "submit_order", stderrors.New("connection reset"))
	err := res.Execute(context.Background(), resiliency.Call{Venue: "paper", Method: "submit_order"},
		func(context.Context) error { return venueErr })
	require.Error(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.venueErrors.WithLabelValues("paper", "submit_order", string(boterrors.ErrorCategoryTransientVenue))))
	assert.Equal(t, 1, testutil.CollectAndCount(m.venueLatency))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("paper", "submit_order")), "breaker open")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetters))
	assert.Equal(t, 2, m.Errors().Counts()[boterrors.ErrorCategoryTransientVenue])

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "execution_core_dead_letters 1"))

	open := CircuitSource(res.Breakers()).OpenCircuits()
	assert.Equal(t, []string{"paper.submit_order"}, open)
}

func TestHealthChecker(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	var open []string
	stats := boterrors.NewErrorStats(5)
	h := NewHealthChecker(time.Second, stats, BreakerSourceFunc(func() []string { return open }))
	h.now = func() time.Time { return now }
	h.started = now.Add(-time.Hour)

	assert.Equal(t, "degraded", h.Check().Status, "no cycle yet")

	h.MarkCycle(now.Add(-100 * time.Millisecond))
	h.SetVenue("paper", true)
	got := h.Check()
	assert.Equal(t, "healthy", got.Status)
	assert.Equal(t, "1h0m0s", got.Uptime)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Venues["paper"])

	h.SetVenue("bybit", false)
	assert.Equal(t, "degraded", h.Check().Status)
	h.SetVenue("bybit", true)

	open = []string{"bybit.submit_order"}
	assert.Equal(t, "degraded", h.Check().Status)
	open = nil

	stats.RecordError(boterrors.NewValidationError("engine", "submit", "bad qty"))
	assert.Len(t, h.Check().Errors, 1)

	h.SetHalted("daily loss limit")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"halted"`)
}
