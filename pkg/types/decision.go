package types

import "time"

// Action is what the orchestrator decided to do
type Action string

const (
	ActionEnterLong  Action = "ENTER_LONG"
	ActionEnterShort Action = "ENTER_SHORT"
	ActionClose      Action = "CLOSE"
	ActionHold       Action = "HOLD"
)

// IsEntry reports whether the action opens a position
func (a Action) IsEntry() bool {
	return a == ActionEnterLong || a == ActionEnterShort
}

// OrderSide maps an action to the order side that executes it; exits need the position side
func (a Action) OrderSide(positionSide Direction) Side {
	switch a {
	case ActionEnterLong:
		return SideBuy
	case ActionEnterShort:
		return SideSell
	case ActionClose:
		if positionSide == DirectionShort {
			return SideBuy
		}
		return SideSell
	}
	return ""
}

// ExecutionDecision is produced once per orchestrator pass and never mutated afterwards.
// Every decision either carries an executable action or a rejection reason.
type ExecutionDecision struct {
	ID              string                 `json:"id"`
	Action          Action                 `json:"action"`
	Instrument      string                 `json:"instrument"`
	Size            float64                `json:"size"` // notional in account currency
	Confidence      float64                `json:"confidence"`
	Timestamp       time.Time              `json:"timestamp"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	RejectionReason string                 `json:"rejection_reason,omitempty"`

	Sector        string     `json:"sector,omitempty"`
	Venue         string     `json:"venue,omitempty"`
	CloseFraction float64    `json:"close_fraction,omitempty"`
	ExitReason    ExitReason `json:"exit_reason,omitempty"`
	TierIndex     int        `json:"tier_index,omitempty"`
}

// IsRejected reports whether the decision was blocked
func (d ExecutionDecision) IsRejected() bool {
	return d.RejectionReason != ""
}

// IsExecutable reports whether the decision should reach the order manager
func (d ExecutionDecision) IsExecutable() bool {
	return d.Action != ActionHold && !d.IsRejected()
}
