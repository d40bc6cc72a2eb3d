package monitoring

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	boterrors "github.com/ducminhle1904/trade-execution-core/internal/errors"
	"github.com/ducminhle1904/trade-execution-core/internal/safety"
)

// BreakerSource lists the breakers that are not closed
type BreakerSource interface {
	OpenCircuits() []string
}

// BreakerSourceFunc adapts a function to BreakerSource
type BreakerSourceFunc func() []string

func (f BreakerSourceFunc) OpenCircuits() []string { return f() }

// CircuitSource reports the non-closed breakers of cbm as venue.method keys
func CircuitSource(cbm *safety.CircuitBreakerManager) BreakerSource {
	return BreakerSourceFunc(func() []string {
		keys := cbm.GetOpenCircuits()
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, k.String())
		}
		return out
	})
}

type HealthChecker struct {
	mu           sync.RWMutex
	started      time.Time
	lastCycle    time.Time
	lastDecision time.Time
	venues       map[string]bool
	halted       string
	staleAfter   time.Duration
	errors       *boterrors.ErrorStats
	breakers     BreakerSource
	now          func() time.Time
}

type HealthStatus struct {
	Status       string          `json:"status"`
	Timestamp    time.Time       `json:"timestamp"`
	LastCycle    time.Time       `json:"last_cycle"`
	LastDecision time.Time       `json:"last_decision,omitempty"`
	Venues       map[string]bool `json:"venues"`
	OpenCircuits []string        `json:"open_circuits,omitempty"`
	Halted       string          `json:"halted,omitempty"`
	Uptime       string          `json:"uptime"`
	Errors       []string        `json:"errors,omitempty"`
}

// NewHealthChecker reports degraded when the event loop has not cycled within staleAfter
func NewHealthChecker(staleAfter time.Duration, errors *boterrors.ErrorStats, breakers BreakerSource) *HealthChecker {
	return &HealthChecker{
		started:    time.Now(),
		venues:     make(map[string]bool),
		staleAfter: staleAfter,
		errors:     errors,
		breakers:   breakers,
		now:        time.Now,
	}
}

// MarkCycle records a completed event loop pass
func (h *HealthChecker) MarkCycle(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCycle = at
}

// MarkDecision records the last emitted decision
func (h *HealthChecker) MarkDecision(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastDecision = at
}

// SetVenue records venue connectivity
func (h *HealthChecker) SetVenue(name string, connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.venues[name] = connected
}

// SetHalted records why trading is halted; empty clears it
func (h *HealthChecker) SetHalted(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.halted = reason
}

// Check builds the current status
func (h *HealthChecker) Check() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	status := "healthy"

	venues := make(map[string]bool, len(h.venues))
	for name, ok := range h.venues {
		venues[name] = ok
		if !ok {
			status = "degraded"
		}
	}
	if h.staleAfter > 0 && (h.lastCycle.IsZero() || now.Sub(h.lastCycle) > h.staleAfter) {
		status = "degraded"
	}

	var open []string
	if h.breakers != nil {
		open = h.breakers.OpenCircuits()
		sort.Strings(open)
		if len(open) > 0 {
			status = "degraded"
		}
	}
	if h.halted != "" {
		status = "halted"
	}

	var errs []string
	if h.errors != nil {
		errs = h.errors.Recent()
	}

	return HealthStatus{
		Status:       status,
		Timestamp:    now,
		LastCycle:    h.lastCycle,
		LastDecision: h.lastDecision,
		Venues:       venues,
		OpenCircuits: open,
		Halted:       h.halted,
		Uptime:       now.Sub(h.started).Truncate(time.Second).String(),
		Errors:       errs,
	}
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	health := h.Check()

	w.Header().Set("Content-Type", "application/json")
	if health.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}
