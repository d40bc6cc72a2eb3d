package types

import (
	"encoding/json"
	"math"
	"time"
)

type OHLCV struct {
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

type Ticker struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Forecast is the input produced by the external scoring component.
type Forecast struct {
	Probability   float64                `json:"probability"`
	ExpectedValue float64                `json:"expected_value"`
	Instrument    string                 `json:"instrument"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`

	// Optional context carried alongside the forecast by the feed.
	Returns ReturnSeries `json:"returns,omitempty"`
	Sector  string       `json:"sector,omitempty"`
	Venue   string       `json:"venue,omitempty"`
	Price   float64      `json:"price,omitempty"`
}

// ReturnSeries is a per-bar return series where a missing bar is NaN. Gaps are
// written as JSON null so the series keeps its length through a round trip.
type ReturnSeries []float64

func (r ReturnSeries) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	out := make([]*float64, len(r))
	for i := range r {
		if math.IsNaN(r[i]) || math.IsInf(r[i], 0) {
			continue
		}
		v := r[i]
		out[i] = &v
	}
	return json.Marshal(out)
}

func (r *ReturnSeries) UnmarshalJSON(data []byte) error {
	var in []*float64
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in == nil {
		*r = nil
		return nil
	}
	out := make(ReturnSeries, len(in))
	for i, v := range in {
		if v == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *v
	}
	*r = out
	return nil
}
