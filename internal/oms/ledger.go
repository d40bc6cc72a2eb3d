package oms

import (
	"math"
	"time"

	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

const qtyEpsilon = 1e-9

// NetPosition is the OMS view of what is held at one venue, built from fills only
type NetPosition struct {
	Venue       string    `json:"venue"`
	Instrument  string    `json:"instrument"`
	Quantity    float64   `json:"quantity"` // signed, positive is long
	AvgPrice    float64   `json:"avg_price"`
	RealizedPnL float64   `json:"realized_pnl"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func positionKey(venue, instrument string) string {
	return venue + "|" + instrument
}

// apply adds a signed quantity at price and returns the PnL realized by any reduction
func (p *NetPosition) apply(signed, price float64, at time.Time) float64 {
	p.UpdatedAt = at
	if math.Abs(p.Quantity) < qtyEpsilon || p.Quantity*signed > 0 {
		total := p.Quantity + signed
		if math.Abs(total) > qtyEpsilon {
			p.AvgPrice = (p.AvgPrice*math.Abs(p.Quantity) + price*math.Abs(signed)) / math.Abs(total)
		}
		p.Quantity = total
		return 0
	}

	closing := math.Min(math.Abs(signed), math.Abs(p.Quantity))
	direction := 1.0
	if p.Quantity < 0 {
		direction = -1.0
	}
	realized := (price - p.AvgPrice) * closing * direction
	p.RealizedPnL += realized

	p.Quantity += signed
	switch {
	case math.Abs(p.Quantity) < qtyEpsilon:
		p.Quantity = 0
		p.AvgPrice = 0
	case p.Quantity*direction < 0:
		p.AvgPrice = price
	}
	return realized
}

func signedQty(side types.Side, qty float64) float64 {
	if side == types.SideSell {
		return -qty
	}
	return qty
}

// Ledger is the persisted form of the OMS arena
type Ledger struct {
	Orders     map[string]types.Order `json:"orders"`
	Fills      map[string]types.Fill  `json:"fills"`
	OrderFills map[string][]string    `json:"order_fills"`
	Positions  map[string]NetPosition `json:"positions"`
	OrderPnL   map[string]float64     `json:"order_pnl"`
	Metrics    Metrics                `json:"metrics"`
}

// Metrics are running execution statistics
type Metrics struct {
	OrdersCreated   int `json:"orders_created"`
	OrdersSubmitted int `json:"orders_submitted"`
	OrdersFilled    int `json:"orders_filled"`
	OrdersPartial   int `json:"orders_partial"`
	OrdersCancelled int `json:"orders_cancelled"`
	OrdersRejected  int `json:"orders_rejected"`
	OrdersTimedOut  int `json:"orders_timed_out"`

	FillCount  int     `json:"fill_count"`
	Volume     float64 `json:"volume"` // notional
	Commission float64 `json:"commission"`

	SubmitLatencyTotal time.Duration `json:"submit_latency_total"`
	SubmitSamples      int           `json:"submit_samples"`
	FillLatencyTotal   time.Duration `json:"fill_latency_total"`
	FillSamples        int           `json:"fill_samples"`
}

// FillRate is filled orders over orders accepted by a venue
func (m Metrics) FillRate() float64 {
	if m.OrdersSubmitted == 0 {
		return 0
	}
	return float64(m.OrdersFilled) / float64(m.OrdersSubmitted)
}

// AvgSubmitLatency is the mean time a venue took to accept an order, retries included
func (m Metrics) AvgSubmitLatency() time.Duration {
	if m.SubmitSamples == 0 {
		return 0
	}
	return m.SubmitLatencyTotal / time.Duration(m.SubmitSamples)
}

// AvgFillLatency is the mean time from acceptance to first fill
func (m Metrics) AvgFillLatency() time.Duration {
	if m.FillSamples == 0 {
		return 0
	}
	return m.FillLatencyTotal / time.Duration(m.FillSamples)
}
