package types

import "time"

// Direction is the directional intent of a signal
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionHold  Direction = "HOLD"
	DirectionClose Direction = "CLOSE"
)

// IsEntry reports whether the direction opens a new position
func (d Direction) IsEntry() bool {
	return d == DirectionLong || d == DirectionShort
}

// ExitReason names the exit rule that produced a CLOSE signal
type ExitReason string

const (
	ExitNone          ExitReason = ""
	ExitTimeStop      ExitReason = "time_stop"
	ExitAdverseStop   ExitReason = "adverse_excursion_stop"
	ExitTrailingStop  ExitReason = "trailing_stop"
	ExitProfitTake    ExitReason = "profit_take"
	ExitSignalReverse ExitReason = "signal_reversal"
)

// Signal is created once per forecast tick and consumed exactly once.
// Treat it as immutable after construction.
type Signal struct {
	Direction     Direction              `json:"direction"`
	Confidence    float64                `json:"confidence"`
	ExpectedValue float64                `json:"expected_value"`
	Instrument    string                 `json:"instrument"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`

	// Exit details, populated for CLOSE signals only
	ExitReason    ExitReason `json:"exit_reason,omitempty"`
	CloseFraction float64    `json:"close_fraction,omitempty"`
	TierIndex     int        `json:"tier_index,omitempty"`
}
