package types

import (
	"fmt"
	"time"
)

// Side is the side of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that unwinds this side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType represents different order types
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further transitions are possible
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// IsOpen reports whether the order is live at the venue
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusSubmitted || s == OrderStatusPartiallyFilled
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew:             {OrderStatusSubmitted, OrderStatusRejected, OrderStatusCancelled},
	OrderStatusSubmitted:       {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected},
	OrderStatusPartiallyFilled: {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle step
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderPurpose tags why an order was created
type OrderPurpose string

const (
	PurposeEntry OrderPurpose = "entry"
	PurposeExit  OrderPurpose = "exit"
)

// Order is owned by exactly one order manager for its lifetime
type Order struct {
	ID           string       `json:"id"`
	VenueOrderID string       `json:"venue_order_id,omitempty"`
	Instrument   string       `json:"instrument"`
	Side         Side         `json:"side"`
	Quantity     float64      `json:"quantity"`
	Type         OrderType    `json:"type"`
	LimitPrice   float64      `json:"limit_price,omitempty"`
	Status       OrderStatus  `json:"status"`
	Venue        string       `json:"venue"`
	Purpose      OrderPurpose `json:"purpose"`
	DecisionID   string       `json:"decision_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	SubmittedAt  time.Time    `json:"submitted_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at,omitempty"`

	FilledQuantity float64 `json:"filled_quantity"`
	AvgFillPrice   float64 `json:"avg_fill_price"`
	Fees           float64 `json:"fees"`
	RejectReason   string  `json:"reject_reason,omitempty"`
}

// RemainingQuantity returns the unfilled quantity
func (o *Order) RemainingQuantity() float64 {
	rem := o.Quantity - o.FilledQuantity
	if rem < 0 {
		return 0
	}
	return rem
}

func (o *Order) String() string {
	return fmt.Sprintf("%s %s %s %.8f @%s [%s]", o.ID, o.Instrument, o.Side, o.Quantity, o.Type, o.Status)
}

// Fill is an append-only execution report
type Fill struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// Notional returns price times quantity
func (f Fill) Notional() float64 {
	return f.Price * f.Quantity
}
