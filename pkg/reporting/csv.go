package reporting

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// WriteTradesCSV writes the completed trades of every report into one
// CSV file, oldest instance first, with a trailing summary row.
func WriteTradesCSV(path string, reports []InstanceReport) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{
		"instance_id",
		"symbol",
		"side",
		"quantity",
		"entry_price",
		"exit_price",
		"pnl",
		"entry_time",
		"exit_time",
		"win_loss",
	}); err != nil {
		return err
	}

	var totalPnL float64
	var count int
	for _, rep := range reports {
		for _, t := range rep.Trades {
			totalPnL += t.PnL
			count++

			winLoss := "W"
			if t.PnL < 0 {
				winLoss = "L"
			}
			row := []string{
				rep.Meta.ID,
				t.Symbol,
				string(t.Side),
				strconv.FormatFloat(t.Quantity, 'f', -1, 64),
				strconv.FormatFloat(t.EntryPrice, 'f', -1, 64),
				strconv.FormatFloat(t.ExitPrice, 'f', -1, 64),
				strconv.FormatFloat(t.PnL, 'f', -1, 64),
				t.EntryTime.Format("2006-01-02 15:04:05"),
				t.ExitTime.Format("2006-01-02 15:04:05"),
				winLoss,
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
	}

	summaryRow := make([]string, 10)
	summaryRow[9] = fmt.Sprintf("SUMMARY: total_pnl=%.2f; total_trades=%d", totalPnL, count)
	return w.Write(summaryRow)
}
