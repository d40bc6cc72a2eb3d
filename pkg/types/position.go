package types

import "time"

// Position is created on an entry fill and removed on full close.
// Orders and fills reference it by instrument key; it holds ids, not pointers.
type Position struct {
	Instrument   string    `json:"instrument"`
	Side         Direction `json:"side"` // LONG or SHORT
	EntryPrice   float64   `json:"entry_price"`
	CurrentPrice float64   `json:"current_price"`
	Quantity     float64   `json:"quantity"`
	InitialQty   float64   `json:"initial_quantity"`
	OpenedAt     time.Time `json:"opened_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	BarsHeld     int       `json:"bars_held"`

	// Excursions are fractions of entry price, both stored as non-negative numbers
	MaxAdverseExcursion   float64 `json:"max_adverse_excursion"`
	MaxFavorableExcursion float64 `json:"max_favorable_excursion"`
	HighWaterMark         float64 `json:"high_water_mark"`

	RealizedTiersTaken []int   `json:"realized_tiers_taken"`
	RealizedFraction   float64 `json:"realized_fraction"`
	RealizedPnL        float64 `json:"realized_pnl"`

	Sector       string `json:"sector,omitempty"`
	Venue        string `json:"venue,omitempty"`
	EntryOrderID string `json:"entry_order_id,omitempty"`
	OpenOrderID  string `json:"open_order_id,omitempty"`
}

// ReturnPct is the signed unrealized return from entry
func (p *Position) ReturnPct() float64 {
	if p.EntryPrice <= 0 || p.CurrentPrice <= 0 {
		return 0
	}
	r := (p.CurrentPrice - p.EntryPrice) / p.EntryPrice
	if p.Side == DirectionShort {
		r = -r
	}
	return r
}

// DrawdownFromHighWater is the adverse move measured from the best price seen
func (p *Position) DrawdownFromHighWater() float64 {
	if p.HighWaterMark <= 0 || p.CurrentPrice <= 0 {
		return 0
	}
	var dd float64
	if p.Side == DirectionShort {
		dd = (p.CurrentPrice - p.HighWaterMark) / p.HighWaterMark
	} else {
		dd = (p.HighWaterMark - p.CurrentPrice) / p.HighWaterMark
	}
	if dd < 0 {
		return 0
	}
	return dd
}

// UnrealizedPnL in account currency
func (p *Position) UnrealizedPnL() float64 {
	return p.ReturnPct() * p.EntryPrice * p.Quantity
}

// Notional is the current market value of the open quantity
func (p *Position) Notional() float64 {
	price := p.CurrentPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return price * p.Quantity
}

// SignedNotional is positive for longs and negative for shorts
func (p *Position) SignedNotional() float64 {
	if p.Side == DirectionShort {
		return -p.Notional()
	}
	return p.Notional()
}

// HasTier reports whether profit tier idx has already been realized
func (p *Position) HasTier(idx int) bool {
	for _, t := range p.RealizedTiersTaken {
		if t == idx {
			return true
		}
	}
	return false
}

// Mark updates price-dependent fields. newBar advances the hold counter.
func (p *Position) Mark(price float64, at time.Time, newBar bool) {
	if price <= 0 {
		return
	}
	p.CurrentPrice = price
	p.UpdatedAt = at
	if newBar {
		p.BarsHeld++
	}

	if p.HighWaterMark <= 0 {
		p.HighWaterMark = p.EntryPrice
	}
	if p.Side == DirectionShort {
		if price < p.HighWaterMark {
			p.HighWaterMark = price
		}
	} else if price > p.HighWaterMark {
		p.HighWaterMark = price
	}

	r := p.ReturnPct()
	if r < 0 && -r > p.MaxAdverseExcursion {
		p.MaxAdverseExcursion = -r
	}
	if r > p.MaxFavorableExcursion {
		p.MaxFavorableExcursion = r
	}
}

// Clone returns a deep copy
func (p *Position) Clone() *Position {
	c := *p
	c.RealizedTiersTaken = append([]int(nil), p.RealizedTiersTaken...)
	return &c
}
