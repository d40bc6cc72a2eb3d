package reporting

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// CSVReporter writes closed round trips as CSV
type CSVReporter struct{}

// NewCSVReporter creates a new CSV reporter
func NewCSVReporter() *CSVReporter {
	return &CSVReporter{}
}

// WriteClosedPositionsCSV writes one row per closed position and a summary row.
// An .xlsx path writes the full workbook instead.
func (r *CSVReporter) WriteClosedPositionsCSV(rep Report, path string) error {
	if err := EnsureDirectoryExists(path); err != nil {
		return err
	}
	if strings.HasSuffix(strings.ToLower(path), ".xlsx") {
		return WriteXLSX(rep, path)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)

	headers := []string{
		"Instrument", "Side", "Opened", "Closed", "Entry_Price", "Exit_Price",
		"Quantity", "Realized_PnL", "Fees", "Net", "Exit_Reason", "Win_Loss",
	}
	if err := w.Write(headers); err != nil {
		return err
	}

	var totalNet float64
	wins := 0
	count := 0
	if rep.State != nil {
		for _, c := range rep.State.ClosedPositions {
			net := c.Net()
			totalNet += net
			count++
			winLoss := "W"
			if types.IsLoss(net) {
				winLoss = "L"
			} else {
				wins++
			}
			row := []string{
				c.Instrument,
				string(c.Side),
				formatTime(c.OpenedAt),
				formatTime(c.ClosedAt),
				fmt.Sprintf("%.8f", c.EntryPrice),
				fmt.Sprintf("%.8f", c.ExitPrice),
				fmt.Sprintf("%.8f", c.Quantity),
				fmt.Sprintf("%.2f", c.RealizedPnL),
				fmt.Sprintf("%.2f", c.Fees),
				fmt.Sprintf("%.2f", net),
				string(c.ExitReason),
				winLoss,
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
	}

	summary := make([]string, len(headers))
	summary[len(headers)-1] = fmt.Sprintf("SUMMARY: net=$%.2f; round_trips=%d; wins=%d", totalNet, count, wins)
	if err := w.Write(summary); err != nil {
		return err
	}

	w.Flush()
	return w.Error()
}

// WriteClosedPositionsCSV writes closed positions with the default reporter
func WriteClosedPositionsCSV(rep Report, path string) error {
	return NewCSVReporter().WriteClosedPositionsCSV(rep, path)
}
