package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type venueErr struct{ transient bool }

func (e venueErr) Error() string     { return "venue error" }
func (e venueErr) IsTransient() bool { return e.transient }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      ErrorCategory
		retryable bool
	}{
		{"transient venue", venueErr{transient: true}, ErrorCategoryTransientVenue, true},
		{"permanent venue", venueErr{transient: false}, ErrorCategoryPermanentVenue, false},
		{"wrapped transient", fmt.Errorf("submit: %w", venueErr{transient: true}), ErrorCategoryTransientVenue, true},
		{"deadline", context.DeadlineExceeded, ErrorCategoryTransientVenue, true},
		{"cancelled", context.Canceled, ErrorCategoryPermanentVenue, false},
		{"risk", NewRiskViolation(LimitDailyLoss, 600, 500, "daily loss"), ErrorCategoryRisk, false},
		{"exhausted", &ExhaustedRetryError{Venue: "v", Method: "m", Last: venueErr{transient: true}}, ErrorCategoryExhaustedRetry, false},
		{"circuit open", &CircuitOpenError{Venue: "v", Method: "m", RetryAt: time.Now()}, ErrorCategoryCircuitOpen, false},
		{"validation", NewValidationError("oms", "submit", "bad qty"), ErrorCategoryValidation, false},
		{"timeout text", stderrors.New("i/o timeout while reading"), ErrorCategoryTransientVenue, true},
		{"unknown", stderrors.New("something odd"), ErrorCategoryPermanentVenue, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err, "test", "op")
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Category)
			assert.Equal(t, tt.retryable, got.IsRetryable())
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}

	assert.Nil(t, Classify(nil, "", ""))
	assert.False(t, IsRetryable(nil))
}

// TestExhaustedRetryError_Unwrap tests that the last cause stays reachable
func TestExhaustedRetryError_Unwrap(t *testing.T) {
	cause := &CircuitOpenError{Venue: "bybit", Method: "submit_order"}
	err := fmt.Errorf("oms: %w", &ExhaustedRetryError{Venue: "bybit", Method: "submit_order", Attempts: 5, Last: cause, DLQID: "x"})

	var open *CircuitOpenError
	assert.ErrorAs(t, err, &open)
	assert.Contains(t, err.Error(), "dlq=x")
}

func TestMostRestrictive(t *testing.T) {
	scale := NewRiskViolation(LimitDrawdown, 0.15, 0.2, "scaling").WithSeverity(SeverityScale)
	block := NewRiskViolation(LimitTradesPerHour, 11, 10, "hourly")
	block2 := NewRiskViolation(LimitGrossExposure, 2, 1, "gross")
	halt := NewRiskViolation(LimitDailyLoss, 600, 500, "daily").WithSeverity(SeverityHalt)

	assert.Nil(t, MostRestrictive(nil))
	assert.Same(t, block, MostRestrictive([]*RiskViolation{scale, block, block2}))
	assert.Same(t, halt, MostRestrictive([]*RiskViolation{scale, block, nil, halt, block2}))
}

func TestRiskViolation_Error(t *testing.T) {
	v := NewRiskViolation(LimitSectorExposure, 0.5, 0.3, "sector %s over cap", "defi").WithScope("defi")
	assert.Equal(t, "risk limit sector_exposure[defi] BLOCK: sector defi over cap (value=0.5000 threshold=0.3000)", v.Error())

	rv, ok := AsRiskViolation(fmt.Errorf("wrapped: %w", v))
	require.True(t, ok)
	assert.Equal(t, "defi", rv.Scope)
}

func TestBotError_WrapAndContext(t *testing.T) {
	cause := stderrors.New("disk full")
	err := NewStateError("state", "save", cause).WithContext("path", "/tmp/x")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "/tmp/x", err.Context["path"])
	assert.False(t, err.IsRetryable())
	assert.True(t, err.WithRetryable(true).IsRetryable())
}

func TestErrorStats(t *testing.T) {
	stats := NewErrorStats(3)
	stats.RecordError(NewValidationError("a", "b", "c"))
	stats.RecordError(NewTransientVenueError("a", "b", stderrors.New("x")))
	stats.RecordError(NewTransientVenueError("a", "b", stderrors.New("y")))
	stats.RecordError(NewTransientVenueError("a", "b", stderrors.New("z")))
	stats.RecordError(nil)

	assert.Equal(t, 4, stats.TotalErrors)
	assert.Len(t, stats.RecentErrors, 3)
	assert.InDelta(t, 0.75, stats.GetErrorRate(ErrorCategoryTransientVenue), 1e-12)
	assert.True(t, stats.HasRecentErrors(ErrorCategoryTransientVenue, 3))
	assert.False(t, stats.HasRecentErrors(ErrorCategoryValidation, 1))
}
