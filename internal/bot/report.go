package bot

import (
	"github.com/ducminhle1904/trade-execution-core/pkg/reporting"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// Report captures the session for export
func (e *Engine) Report() reporting.Report {
	ledger := e.OMS.Snapshot()
	orders := make([]types.Order, 0, len(ledger.Orders))
	for _, o := range ledger.Orders {
		orders = append(orders, o)
	}
	reporting.SortOrders(orders)

	return reporting.Report{
		Session:       e.opts.Session,
		GeneratedAt:   e.now(),
		InitialEquity: e.opts.InitialEquity,
		State:         e.Orchestrator.State(),
		Audit:         e.Orchestrator.Audit(),
		Orders:        orders,
	}
}

// ExportReport writes the session workbook into dir and returns its path
func (e *Engine) ExportReport(dir string) (string, error) {
	path := reporting.ReportPath(dir, e.opts.Session, e.now(), "xlsx")
	if err := reporting.WriteXLSX(e.Report(), path); err != nil {
		return "", err
	}
	e.log.Info("session report written to %s", path)
	return path, nil
}
