package reporting

import (
	"sort"
	"time"

	"github.com/ducminhle1904/trade-execution-core/internal/orchestrator"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// Package reporting exports a finished or running session to spreadsheet files

// Report is a point-in-time copy of a session
type Report struct {
	Session       string
	GeneratedAt   time.Time
	InitialEquity float64
	State         *types.StrategyState
	Audit         []orchestrator.AuditEntry
	Orders        []types.Order
}

// SortOrders orders by creation time, then id
func SortOrders(orders []types.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

// WinRate is wins over closed round trips
func (r Report) WinRate() float64 {
	if r.State == nil {
		return 0
	}
	closed := r.State.Wins + r.State.Losses
	if closed == 0 {
		return 0
	}
	return float64(r.State.Wins) / float64(closed)
}

// ReturnPct is the session return against starting equity
func (r Report) ReturnPct() float64 {
	if r.State == nil || r.InitialEquity <= 0 {
		return 0
	}
	return (r.State.Equity - r.InitialEquity) / r.InitialEquity
}

// ExcelStyles holds Excel formatting styles
type ExcelStyles struct {
	HeaderStyle    int
	CurrencyStyle  int
	PercentStyle   int
	BaseStyle      int
	RedCurrency    int
	GreenCurrency  int
	SummaryStyle   int
	RejectedStyle  int
	TimestampStyle int
}
