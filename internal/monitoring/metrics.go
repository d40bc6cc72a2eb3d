package monitoring

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	boterrors "github.com/ducminhle1904/trade-execution-core/internal/errors"
	"github.com/ducminhle1904/trade-execution-core/internal/resiliency"
	"github.com/ducminhle1904/trade-execution-core/internal/safety"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

const namespace = "execution_core"

// Metrics holds the engine collectors. Each instance registers on its own
// registry so tests and multiple engines never collide.
type Metrics struct {
	registry *prometheus.Registry
	errors   *boterrors.ErrorStats

	decisions     *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	orders        *prometheus.CounterVec
	fillVolume    *prometheus.CounterVec
	commission    *prometheus.CounterVec
	venueLatency  *prometheus.HistogramVec
	venueErrors   *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	deadLetters   prometheus.Gauge
	errorsTotal   *prometheus.CounterVec
	equity        prometheus.Gauge
	drawdown      prometheus.Gauge
	openPositions prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on a fresh registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

// NewMetricsWith registers the collectors on the given registry
func NewMetricsWith(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		errors:   boterrors.NewErrorStats(50),

		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Execution decisions emitted, by action",
		}, []string{"action"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected or held decisions, by reason class",
		}, []string{"reason"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Orders reaching a status, by venue",
		}, []string{"venue", "status"}),
		fillVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fill_notional_total",
			Help:      "Filled notional in account currency",
		}, []string{"venue", "instrument"}),
		commission: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commission_total",
			Help:      "Commission paid on fills",
		}, []string{"venue"}),
		venueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "venue_call_seconds",
			Help:      "Latency of individual venue calls",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"venue", "method"}),
		venueErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "venue_errors_total",
			Help:      "Failed venue calls by error category",
		}, []string{"venue", "method", "category"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Breaker state per venue method (0 closed, 1 open, 2 half-open)",
		}, []string{"venue", "method"}),
		deadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letters",
			Help:      "Calls parked in the dead-letter queue",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by category",
		}, []string{"category"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "equity",
			Help:      "Account equity",
		}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drawdown_ratio",
			Help:      "Drawdown from peak equity",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Open positions",
		}),
	}

	registry.MustRegister(
		m.decisions, m.rejections, m.orders, m.fillVolume, m.commission,
		m.venueLatency, m.venueErrors, m.breakerState, m.deadLetters,
		m.errorsTotal, m.equity, m.drawdown, m.openPositions,
	)
	return m
}

// Attach wires the resiliency hooks into the collectors
func (m *Metrics) Attach(res *resiliency.Manager) {
	res.OnAttempt(m.ObserveVenueCall)
	res.OnBreakerChange(func(key safety.BreakerKey, _, to safety.CircuitBreakerState) {
		m.breakerState.WithLabelValues(key.Venue, key.Method).Set(float64(to))
	})
	res.OnDeadLetter(func(resiliency.DeadLetter) {
		m.deadLetters.Inc()
	})
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Errors returns the error statistics fed by RecordError
func (m *Metrics) Errors() *boterrors.ErrorStats {
	return m.errors
}

// RecordDecision counts an executable decision or its rejection class
func (m *Metrics) RecordDecision(d types.ExecutionDecision) {
	if d.IsExecutable() {
		m.decisions.WithLabelValues(string(d.Action)).Inc()
		return
	}
	m.rejections.WithLabelValues(ReasonClass(d.RejectionReason)).Inc()
}

// ReasonClass strips the detail from a rejection reason so label cardinality stays bounded
func ReasonClass(reason string) string {
	if reason == "" {
		return "hold"
	}
	if i := strings.Index(reason, ":"); i > 0 {
		return reason[:i]
	}
	return reason
}

// RecordOrder counts an order reaching its current status
func (m *Metrics) RecordOrder(o types.Order) {
	m.orders.WithLabelValues(o.Venue, string(o.Status)).Inc()
}

// RecordFill adds a fill's notional and commission
func (m *Metrics) RecordFill(venue, instrument string, f types.Fill) {
	m.fillVolume.WithLabelValues(venue, instrument).Add(f.Notional())
	if f.Fee > 0 {
		m.commission.WithLabelValues(venue).Add(f.Fee)
	}
}

// ObserveVenueCall records one venue contact
func (m *Metrics) ObserveVenueCall(key safety.BreakerKey, latency time.Duration, err error) {
	m.venueLatency.WithLabelValues(key.Venue, key.Method).Observe(latency.Seconds())
	if err != nil {
		be := boterrors.Classify(err, key.Venue, key.Method)
		m.venueErrors.WithLabelValues(key.Venue, key.Method, string(be.Category)).Inc()
		m.RecordError(be)
	}
}

// RecordError counts a classified error and keeps it for the health report
func (m *Metrics) RecordError(err *boterrors.BotError) {
	if err == nil {
		return
	}
	m.errors.RecordError(err)
	m.errorsTotal.WithLabelValues(string(err.Category)).Inc()
}

// SetDeadLetters sets the queue depth after a replay or discard
func (m *Metrics) SetDeadLetters(n int) {
	m.deadLetters.Set(float64(n))
}

// UpdateState mirrors the account gauges
func (m *Metrics) UpdateState(s *types.StrategyState) {
	if s == nil {
		return
	}
	m.equity.Set(s.Equity)
	m.drawdown.Set(s.CurrentDrawdown)
	m.openPositions.Set(float64(len(s.OpenPositions)))
}
