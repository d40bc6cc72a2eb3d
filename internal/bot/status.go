package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ducminhle1904/trade-execution-core/internal/exchange"
)

func sortedVenues(venues map[string]exchange.BrokerAdapter) []string {
	names := make([]string, 0, len(venues))
	for name := range venues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// printStartup prints the session header
func (e *Engine) printStartup() {
	st := e.Orchestrator.State()

	t := table.NewWriter()
	t.SetOutputMirror(e.out)
	t.SetTitle("EXECUTION CORE")
	t.SetStyle(table.StyleRounded)
	t.AppendRows([]table.Row{
		{"Session", e.opts.Session},
		{"Venues", strings.Join(sortedVenues(e.Venues), ", ")},
		{"Cycle", e.opts.CycleInterval.String()},
		{"Equity", fmt.Sprintf("$%.2f", st.Equity)},
		{"Open positions", len(st.OpenPositions)},
		{"Orders in flight", len(e.inflight)},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 18, Align: text.AlignLeft},
		{Number: 2, WidthMin: 25, WidthMax: 50, Align: text.AlignLeft},
	})
	t.Render()
}

// printStatus renders account, positions and venue health
func (e *Engine) printStatus() {
	st := e.Orchestrator.State()
	rs := e.Risk.Status()
	om := e.OMS.Metrics()

	t := table.NewWriter()
	t.SetOutputMirror(e.out)
	t.SetTitle(fmt.Sprintf("STATUS %s", e.now().UTC().Format(time.RFC3339)))
	t.SetStyle(table.StyleRounded)
	t.AppendRows([]table.Row{
		{"Equity", fmt.Sprintf("$%.2f", st.Equity)},
		{"Peak / Drawdown", fmt.Sprintf("$%.2f / %.2f%%", st.PeakEquity, st.CurrentDrawdown*100)},
		{"Realized PnL / Fees", fmt.Sprintf("$%.2f / $%.2f", st.TotalPnL, st.TotalFees)},
		{"Trades (W/L)", fmt.Sprintf("%d (%d/%d)", st.TotalTrades, st.Wins, st.Losses)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Daily PnL / Limit", fmt.Sprintf("$%.2f / $%.2f", rs.DailyPnL, rs.DailyLossLimit)},
		{"Trades 1m/1h/1d", fmt.Sprintf("%d/%d/%d", rs.TradesLastMinute, rs.TradesLastHour, rs.TradesLastDay)},
		{"Loss streak", rs.ConsecutiveLosses},
		{"Portfolio", string(e.Portfolio.Status())},
	})
	if reason := e.haltReason(); reason != "" {
		t.AppendRow(table.Row{"HALTED", reason})
	}
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Orders sent / filled", fmt.Sprintf("%d / %d (%.0f%%)", om.OrdersSubmitted, om.OrdersFilled, om.FillRate()*100)},
		{"Rejected / timed out", fmt.Sprintf("%d / %d", om.OrdersRejected, om.OrdersTimedOut)},
		{"Avg submit latency", om.AvgSubmitLatency().String()},
		{"Orders in flight", len(e.inflight)},
	})
	if e.Resiliency != nil {
		open := e.Resiliency.Breakers().GetOpenCircuits()
		if len(open) > 0 {
			keys := make([]string, len(open))
			for i, k := range open {
				keys[i] = k.String()
			}
			t.AppendRow(table.Row{"Open circuits", strings.Join(keys, ", ")})
		}
		if n, err := e.Resiliency.DeadLetterCount(context.Background()); err == nil && n > 0 {
			t.AppendRow(table.Row{"Dead letters", n})
		}
	}
	for _, r := range e.lastReports {
		if len(r.Drifts) > 0 {
			t.AppendRow(table.Row{"Drift " + r.Venue, fmt.Sprintf("%d instruments", len(r.Drifts))})
		}
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 22, Align: text.AlignLeft},
		{Number: 2, WidthMin: 25, WidthMax: 50, Align: text.AlignLeft},
	})
	t.Render()

	if len(st.OpenPositions) == 0 {
		return
	}
	names := make([]string, 0, len(st.OpenPositions))
	for name := range st.OpenPositions {
		names = append(names, name)
	}
	sort.Strings(names)

	pt := table.NewWriter()
	pt.SetOutputMirror(e.out)
	pt.SetTitle("OPEN POSITIONS")
	pt.SetStyle(table.StyleRounded)
	pt.AppendHeader(table.Row{"Instrument", "Side", "Qty", "Entry", "Mark", "Return", "Bars", "Tiers"})
	for _, name := range names {
		p := st.OpenPositions[name]
		pt.AppendRow(table.Row{
			name, string(p.Side),
			fmt.Sprintf("%.6f", p.Quantity),
			fmt.Sprintf("%.4f", p.EntryPrice),
			fmt.Sprintf("%.4f", p.CurrentPrice),
			fmt.Sprintf("%+.2f%%", p.ReturnPct()*100),
			p.BarsHeld,
			len(p.RealizedTiersTaken),
		})
	}
	pt.Render()
}
