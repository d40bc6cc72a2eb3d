package reporting

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ducminhle1904/trade-execution-core/internal/orchestrator"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

func sampleReport() Report {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	st := types.NewStrategyState(10000, start)
	st.Equity = 9938.06
	st.TotalTrades = 2
	st.Losses = 1
	st.ClosedPositions = append(st.ClosedPositions, types.ClosedPosition{
		Instrument: "BTCUSDT", Side: types.DirectionLong,
		EntryPrice: 100, ExitPrice: 94, Quantity: 10,
		RealizedPnL: -60, Fees: 1.94,
		OpenedAt: start, ClosedAt: start.Add(time.Minute),
		ExitReason: types.ExitAdverseStop, MAE: 0.06,
	})
	st.OpenPositions["ETHUSDT"] = &types.Position{
		Instrument: "ETHUSDT", Side: types.DirectionShort,
		EntryPrice: 50, CurrentPrice: 49, Quantity: 2, InitialQty: 2,
	}

	return Report{
		Session:       "paper",
		GeneratedAt:   start.Add(time.Hour),
		InitialEquity: 10000,
		State:         st,
		Audit: []orchestrator.AuditEntry{
			{Decision: types.ExecutionDecision{ID: "d-1", Action: types.ActionEnterLong, Instrument: "BTCUSDT", Size: 1000, Timestamp: start}, Status: orchestrator.AuditExecuted, FillPrice: 100, Fees: 1},
			{Decision: types.ExecutionDecision{ID: "d-2", Action: types.ActionHold, Instrument: "SOLUSDT", Timestamp: start, RejectionReason: "risk: daily loss limit"}, Status: orchestrator.AuditRejected},
			{Decision: types.ExecutionDecision{ID: "d-3", Action: types.ActionClose, Instrument: "BTCUSDT", Size: 940, Timestamp: start.Add(time.Minute)}, Status: orchestrator.AuditExecuted, FillPrice: 94, PnL: -60, Fees: 0.94},
		},
		Orders: []types.Order{
			{ID: "o-2", Instrument: "BTCUSDT", Side: types.SideSell, Quantity: 10, Status: types.OrderStatusFilled, CreatedAt: start.Add(time.Minute), DecisionID: "d-3"},
			{ID: "o-1", Instrument: "BTCUSDT", Side: types.SideBuy, Quantity: 10, Status: types.OrderStatusFilled, CreatedAt: start, DecisionID: "d-1"},
		},
	}
}

func TestReport_Ratios(t *testing.T) {
	rep := sampleReport()
	assert.Equal(t, 0.0, rep.WinRate())
	assert.InDelta(t, -0.006194, rep.ReturnPct(), 1e-9)

	assert.Equal(t, 0.0, Report{}.WinRate())
	assert.Equal(t, 0.0, Report{}.ReturnPct())
}

func TestReportPath(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 30, 5, 0, time.UTC)
	tests := []struct {
		dir, session, ext, want string
	}{
		{"out", "Paper Session", "xlsx", filepath.Join("out", "paper_session_20260302_103005.xlsx")},
		{"", "", ".csv", filepath.Join("reports", "session_20260302_103005.csv")},
		{"out", "a/b", "csv", filepath.Join("out", "a_b_20260302_103005.csv")},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReportPath(tt.dir, tt.session, at, tt.ext))
	}
}

// TestWriteXLSX tests that every sheet is written with one row per record
func TestWriteXLSX(t *testing.T) {
	rep := sampleReport()
	path := filepath.Join(t.TempDir(), "nested", "session.xlsx")
	require.NoError(t, WriteXLSX(rep, path))

	fx, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer fx.Close()

	assert.Equal(t, []string{SummarySheet, DecisionsSheet, PositionsSheet, OrdersSheet}, fx.GetSheetList())

	summary, err := fx.GetRows(SummarySheet)
	require.NoError(t, err)
	assert.Equal(t, "Session", summary[0][0])
	assert.Equal(t, "paper", summary[0][1])
	var openRow []string
	for _, row := range summary {
		if len(row) > 0 && row[0] == "ETHUSDT" {
			openRow = row
		}
	}
	require.NotNil(t, openRow, "open positions listed")
	assert.Equal(t, "SHORT", openRow[1])

	decisions, err := fx.GetRows(DecisionsSheet)
	require.NoError(t, err)
	require.Len(t, decisions, 4)
	assert.Equal(t, "Decision", decisions[0][1])
	assert.Equal(t, "d-2", decisions[2][1])
	assert.Equal(t, "REJECTED", decisions[2][6])
	assert.Equal(t, "risk: daily loss limit", decisions[2][7])

	positions, err := fx.GetRows(PositionsSheet)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "BTCUSDT", positions[1][0])
	assert.Equal(t, "adverse_excursion_stop", positions[1][13])

	orders, err := fx.GetRows(OrdersSheet)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, "o-1", orders[1][1], "sorted by creation time")
	assert.Equal(t, "o-2", orders[2][1])

	raw, err := fx.GetCellValue(PositionsSheet, "H2", excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	assert.Equal(t, "-60", raw)
}

func TestWriteXLSX_EmptyReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xlsx")
	require.NoError(t, WriteXLSX(Report{Session: "empty", InitialEquity: 1000}, path))

	fx, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer fx.Close()
	rows, err := fx.GetRows(DecisionsSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestWriteClosedPositionsCSV(t *testing.T) {
	rep := sampleReport()
	path := filepath.Join(t.TempDir(), "closed.csv")
	require.NoError(t, WriteClosedPositionsCSV(rep, path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, records, 3)
	assert.Equal(t, "Instrument", records[0][0])
	assert.Equal(t, "BTCUSDT", records[1][0])
	assert.Equal(t, "-61.94", records[1][9])
	assert.Equal(t, "L", records[1][11])
	assert.Contains(t, records[2][11], "round_trips=1")
}

func TestWriteClosedPositionsCSV_DelegatesXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.xlsx")
	require.NoError(t, WriteClosedPositionsCSV(sampleReport(), path))
	fx, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer fx.Close()
	assert.Contains(t, fx.GetSheetList(), OrdersSheet)
}
