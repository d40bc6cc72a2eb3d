package reporting

import (
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ducminhle1904/trade-execution-core/internal/orchestrator"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// Sheet names of the session workbook
const (
	SummarySheet   = "Summary"
	DecisionsSheet = "Decisions"
	PositionsSheet = "Closed Positions"
	OrdersSheet    = "Orders"
)

const timeLayout = "2006-01-02 15:04:05"

// ExcelReporter writes a session workbook
type ExcelReporter struct{}

// NewExcelReporter creates a new Excel reporter
func NewExcelReporter() *ExcelReporter {
	return &ExcelReporter{}
}

// WriteXLSX writes summary, decision audit, closed positions and orders to path
func (r *ExcelReporter) WriteXLSX(rep Report, path string) error {
	if err := EnsureDirectoryExists(path); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	fx := excelize.NewFile()
	defer fx.Close()

	fx.SetSheetName(fx.GetSheetName(0), SummarySheet)
	for _, sheet := range []string{DecisionsSheet, PositionsSheet, OrdersSheet} {
		if _, err := fx.NewSheet(sheet); err != nil {
			return err
		}
	}

	styles, err := r.createStyles(fx)
	if err != nil {
		return err
	}

	if err := r.writeSummarySheet(fx, rep, styles); err != nil {
		return err
	}
	if err := r.writeDecisionsSheet(fx, rep.Audit, styles); err != nil {
		return err
	}
	if err := r.writePositionsSheet(fx, rep.State, styles); err != nil {
		return err
	}
	if err := r.writeOrdersSheet(fx, rep.Orders, styles); err != nil {
		return err
	}

	return fx.SaveAs(path)
}

func border(color string) []excelize.Border {
	return []excelize.Border{
		{Type: "left", Color: color, Style: 1},
		{Type: "right", Color: color, Style: 1},
		{Type: "bottom", Color: color, Style: 1},
	}
}

func (r *ExcelReporter) createStyles(fx *excelize.File) (ExcelStyles, error) {
	var styles ExcelStyles
	var err error

	// Dark slate header with white text
	styles.HeaderStyle, err = fx.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "FFFFFF", Family: "Calibri"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"2F4F4F"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return styles, err
	}

	styles.CurrencyStyle, err = fx.NewStyle(&excelize.Style{
		NumFmt:    7,
		Alignment: &excelize.Alignment{Horizontal: "right"},
		Border:    border("E0E0E0"),
	})
	if err != nil {
		return styles, err
	}

	styles.PercentStyle, err = fx.NewStyle(&excelize.Style{
		NumFmt:    10,
		Alignment: &excelize.Alignment{Horizontal: "right"},
		Border:    border("E0E0E0"),
	})
	if err != nil {
		return styles, err
	}

	styles.RedCurrency, err = fx.NewStyle(&excelize.Style{
		NumFmt:    7,
		Font:      &excelize.Font{Color: "C00000"},
		Alignment: &excelize.Alignment{Horizontal: "right"},
		Border:    border("E0E0E0"),
	})
	if err != nil {
		return styles, err
	}

	styles.GreenCurrency, err = fx.NewStyle(&excelize.Style{
		NumFmt:    7,
		Font:      &excelize.Font{Color: "008000"},
		Alignment: &excelize.Alignment{Horizontal: "right"},
		Border:    border("E0E0E0"),
	})
	if err != nil {
		return styles, err
	}

	styles.BaseStyle, err = fx.NewStyle(&excelize.Style{Border: border("E0E0E0")})
	if err != nil {
		return styles, err
	}

	styles.SummaryStyle, err = fx.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Size: 11, Family: "Calibri"},
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"E7E6E6"}, Pattern: 1},
		Border: border("A0A0A0"),
	})
	if err != nil {
		return styles, err
	}

	// Light red fill for decisions that never reached a venue
	styles.RejectedStyle, err = fx.NewStyle(&excelize.Style{
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"FDE9E7"}, Pattern: 1},
		Border: border("E0E0E0"),
	})
	if err != nil {
		return styles, err
	}

	styles.TimestampStyle, err = fx.NewStyle(&excelize.Style{
		Alignment: &excelize.Alignment{Horizontal: "left"},
		Border:    border("E0E0E0"),
	})
	return styles, err
}

func writeHeader(fx *excelize.File, sheet string, headers []string, widths []float64, styles ExcelStyles) {
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		fx.SetCellValue(sheet, cell, h)
		fx.SetCellStyle(sheet, cell, cell, styles.HeaderStyle)
		if i < len(widths) {
			col, _ := excelize.ColumnNumberToName(i + 1)
			fx.SetColWidth(sheet, col, col, widths[i])
		}
	}
	fx.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

// writeRow sets values and a per-column style; a zero style keeps the row style
func writeRow(fx *excelize.File, sheet string, row int, values []interface{}, colStyles []int, rowStyle int) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		fx.SetCellValue(sheet, cell, v)
		style := rowStyle
		if i < len(colStyles) && colStyles[i] != 0 {
			style = colStyles[i]
		}
		fx.SetCellStyle(sheet, cell, cell, style)
	}
}

func pnlStyle(v float64, styles ExcelStyles) int {
	if v < 0 {
		return styles.RedCurrency
	}
	return styles.GreenCurrency
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func (r *ExcelReporter) writeSummarySheet(fx *excelize.File, rep Report, styles ExcelStyles) error {
	const sheet = SummarySheet
	fx.SetColWidth(sheet, "A", "A", 24)
	fx.SetColWidth(sheet, "B", "B", 28)

	st := rep.State
	if st == nil {
		st = types.NewStrategyState(rep.InitialEquity, rep.GeneratedAt)
	}
	closedPnL := 0.0
	for _, c := range st.ClosedPositions {
		closedPnL += c.Net()
	}

	rows := []struct {
		label string
		value interface{}
		style int
	}{
		{"Session", rep.Session, styles.BaseStyle},
		{"Generated", formatTime(rep.GeneratedAt), styles.TimestampStyle},
		{"Session start", formatTime(st.SessionStart), styles.TimestampStyle},
		{"Initial equity", rep.InitialEquity, styles.CurrencyStyle},
		{"Equity", st.Equity, styles.CurrencyStyle},
		{"Return", rep.ReturnPct(), styles.PercentStyle},
		{"Peak equity", st.PeakEquity, styles.CurrencyStyle},
		{"Max drawdown", st.MaxDrawdown, styles.PercentStyle},
		{"Realized PnL", st.TotalPnL, pnlStyle(st.TotalPnL, styles)},
		{"Fees", st.TotalFees, styles.CurrencyStyle},
		{"Closed round trips net", closedPnL, pnlStyle(closedPnL, styles)},
		{"Trades", st.TotalTrades, styles.BaseStyle},
		{"Wins", st.Wins, styles.BaseStyle},
		{"Losses", st.Losses, styles.BaseStyle},
		{"Win rate", rep.WinRate(), styles.PercentStyle},
		{"Open positions", len(st.OpenPositions), styles.BaseStyle},
		{"Decisions audited", len(rep.Audit), styles.BaseStyle},
		{"Orders", len(rep.Orders), styles.BaseStyle},
	}
	for i, row := range rows {
		n := i + 1
		writeRow(fx, sheet, n, []interface{}{row.label, row.value}, []int{styles.SummaryStyle, row.style}, styles.BaseStyle)
	}

	// open positions follow the totals
	if len(st.OpenPositions) == 0 {
		return nil
	}
	names := make([]string, 0, len(st.OpenPositions))
	for name := range st.OpenPositions {
		names = append(names, name)
	}
	sort.Strings(names)

	start := len(rows) + 3
	headers := []string{"Open position", "Side", "Quantity", "Entry", "Mark", "Unrealized PnL", "Bars held"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, start)
		fx.SetCellValue(sheet, cell, h)
		fx.SetCellStyle(sheet, cell, cell, styles.HeaderStyle)
	}
	for i, name := range names {
		p := st.OpenPositions[name]
		upnl := p.UnrealizedPnL()
		writeRow(fx, sheet, start+1+i,
			[]interface{}{name, string(p.Side), p.Quantity, p.EntryPrice, p.CurrentPrice, upnl, p.BarsHeld},
			[]int{0, 0, 0, styles.CurrencyStyle, styles.CurrencyStyle, pnlStyle(upnl, styles)},
			styles.BaseStyle)
	}
	return nil
}

func (r *ExcelReporter) writeDecisionsSheet(fx *excelize.File, audit []orchestrator.AuditEntry, styles ExcelStyles) error {
	const sheet = DecisionsSheet
	writeHeader(fx, sheet,
		[]string{"Timestamp", "Decision", "Instrument", "Action", "Size", "Confidence", "Status", "Reason", "Exit", "Fill Price", "PnL", "Fees", "Updated"},
		[]float64{20, 38, 12, 13, 14, 11, 11, 32, 16, 12, 12, 10, 20},
		styles)

	for i, e := range audit {
		d := e.Decision
		reason := d.RejectionReason
		if e.Error != "" {
			reason = e.Error
		}
		rowStyle := styles.BaseStyle
		if e.Status == orchestrator.AuditRejected || e.Status == orchestrator.AuditFailed {
			rowStyle = styles.RejectedStyle
		}
		values := []interface{}{
			formatTime(d.Timestamp), d.ID, d.Instrument, string(d.Action),
			d.Size, d.Confidence, string(e.Status), reason, string(d.ExitReason),
			e.FillPrice, e.PnL, e.Fees, formatTime(e.UpdatedAt),
		}
		colStyles := []int{0, 0, 0, 0, styles.CurrencyStyle, styles.PercentStyle, 0, 0, 0, 0, 0, 0}
		if e.Status == orchestrator.AuditExecuted {
			colStyles[9] = styles.CurrencyStyle
			colStyles[10] = pnlStyle(e.PnL, styles)
			colStyles[11] = styles.CurrencyStyle
		}
		writeRow(fx, sheet, i+2, values, colStyles, rowStyle)
	}
	return nil
}

func (r *ExcelReporter) writePositionsSheet(fx *excelize.File, st *types.StrategyState, styles ExcelStyles) error {
	const sheet = PositionsSheet
	writeHeader(fx, sheet,
		[]string{"Instrument", "Side", "Opened", "Closed", "Entry", "Exit", "Quantity", "Realized PnL", "Fees", "Net", "Return %", "MAE %", "MFE %", "Exit Reason"},
		[]float64{12, 8, 20, 20, 12, 12, 12, 14, 10, 12, 10, 10, 10, 16},
		styles)
	if st == nil {
		return nil
	}

	for i, c := range st.ClosedPositions {
		net := c.Net()
		ret := 0.0
		if c.EntryPrice > 0 {
			ret = (c.ExitPrice - c.EntryPrice) / c.EntryPrice
			if c.Side == types.DirectionShort {
				ret = -ret
			}
		}
		writeRow(fx, sheet, i+2,
			[]interface{}{
				c.Instrument, string(c.Side), formatTime(c.OpenedAt), formatTime(c.ClosedAt),
				c.EntryPrice, c.ExitPrice, c.Quantity, c.RealizedPnL, c.Fees, net,
				ret, c.MAE, c.MFE, string(c.ExitReason),
			},
			[]int{0, 0, 0, 0, styles.CurrencyStyle, styles.CurrencyStyle, 0,
				pnlStyle(c.RealizedPnL, styles), styles.CurrencyStyle, pnlStyle(net, styles),
				styles.PercentStyle, styles.PercentStyle, styles.PercentStyle},
			styles.BaseStyle)
	}
	return nil
}

func (r *ExcelReporter) writeOrdersSheet(fx *excelize.File, orders []types.Order, styles ExcelStyles) error {
	const sheet = OrdersSheet
	writeHeader(fx, sheet,
		[]string{"Created", "Order", "Venue Order", "Venue", "Instrument", "Side", "Purpose", "Type", "Quantity", "Filled", "Avg Price", "Fees", "Status", "Reject Reason", "Decision"},
		[]float64{20, 38, 20, 10, 12, 7, 9, 8, 12, 12, 12, 10, 16, 30, 38},
		styles)

	sorted := append([]types.Order(nil), orders...)
	SortOrders(sorted)
	for i, o := range sorted {
		rowStyle := styles.BaseStyle
		if o.Status == types.OrderStatusRejected {
			rowStyle = styles.RejectedStyle
		}
		writeRow(fx, sheet, i+2,
			[]interface{}{
				formatTime(o.CreatedAt), o.ID, o.VenueOrderID, o.Venue, o.Instrument,
				string(o.Side), string(o.Purpose), string(o.Type), o.Quantity, o.FilledQuantity,
				o.AvgFillPrice, o.Fees, string(o.Status), o.RejectReason, o.DecisionID,
			},
			[]int{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, styles.CurrencyStyle, styles.CurrencyStyle},
			rowStyle)
	}
	return nil
}

// WriteXLSX writes the session workbook with the default reporter
func WriteXLSX(rep Report, path string) error {
	return NewExcelReporter().WriteXLSX(rep, path)
}
