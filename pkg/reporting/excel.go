package reporting

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"
)

const (
	tradesSheet = "Trades"
	statsSheet  = "Statistics"
)

type excelStyles struct {
	Header   int
	Base     int
	Currency int
	Percent  int
	Gain     int
	Loss     int
}

// WriteReportXLSX exports the completed trades and per-instance
// statistics of every report into one workbook.
func WriteReportXLSX(path string, reports []InstanceReport) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	fx := excelize.NewFile()
	defer fx.Close()

	fx.SetSheetName(fx.GetSheetName(0), tradesSheet)
	if _, err := fx.NewSheet(statsSheet); err != nil {
		return err
	}

	styles, err := createStyles(fx)
	if err != nil {
		return err
	}

	if err := writeTradesSheet(fx, reports, styles); err != nil {
		return err
	}
	if err := writeStatsSheet(fx, reports, styles); err != nil {
		return err
	}

	return fx.SaveAs(path)
}

func createStyles(fx *excelize.File) (excelStyles, error) {
	var styles excelStyles
	var err error

	styles.Header, err = fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold:   true,
			Size:   11,
			Color:  "FFFFFF",
			Family: "Calibri",
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"2F4F4F"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
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

	lightBorder := []excelize.Border{
		{Type: "left", Color: "E0E0E0", Style: 1},
		{Type: "right", Color: "E0E0E0", Style: 1},
		{Type: "bottom", Color: "E0E0E0", Style: 1},
	}

	styles.Base, err = fx.NewStyle(&excelize.Style{Border: lightBorder})
	if err != nil {
		return styles, err
	}

	styles.Currency, err = fx.NewStyle(&excelize.Style{
		NumFmt:    7,
		Alignment: &excelize.Alignment{Horizontal: "right"},
		Border:    lightBorder,
	})
	if err != nil {
		return styles, err
	}

	styles.Percent, err = fx.NewStyle(&excelize.Style{
		NumFmt:    9,
		Alignment: &excelize.Alignment{Horizontal: "right"},
		Border:    lightBorder,
	})
	if err != nil {
		return styles, err
	}

	styles.Gain, err = fx.NewStyle(&excelize.Style{
		NumFmt:    7,
		Font:      &excelize.Font{Color: "008000"},
		Alignment: &excelize.Alignment{Horizontal: "right"},
		Border:    lightBorder,
	})
	if err != nil {
		return styles, err
	}

	styles.Loss, err = fx.NewStyle(&excelize.Style{
		NumFmt:    7,
		Font:      &excelize.Font{Color: "FF0000"},
		Alignment: &excelize.Alignment{Horizontal: "right"},
		Border:    lightBorder,
	})
	return styles, err
}

func writeTradesSheet(fx *excelize.File, reports []InstanceReport, styles excelStyles) error {
	headers := []string{
		"Instance", "Symbol", "Side", "Quantity", "Entry Price",
		"Exit Price", "PnL", "Entry Time", "Exit Time", "Duration",
	}
	widths := []float64{16, 12, 8, 12, 12, 12, 12, 20, 20, 14}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		fx.SetCellValue(tradesSheet, cell, h)
		fx.SetCellStyle(tradesSheet, cell, cell, styles.Header)
		col, _ := excelize.ColumnNumberToName(i + 1)
		fx.SetColWidth(tradesSheet, col, col, widths[i])
	}

	row := 2
	for _, rep := range reports {
		for _, trade := range rep.Trades {
			values := []any{
				rep.Meta.ID,
				trade.Symbol,
				string(trade.Side),
				trade.Quantity,
				trade.EntryPrice,
				trade.ExitPrice,
				trade.PnL,
				trade.EntryTime.Format("2006-01-02 15:04:05"),
				trade.ExitTime.Format("2006-01-02 15:04:05"),
				trade.Duration().String(),
			}
			for i, v := range values {
				cell, _ := excelize.CoordinatesToCellName(i+1, row)
				if err := fx.SetCellValue(tradesSheet, cell, v); err != nil {
					return err
				}
				fx.SetCellStyle(tradesSheet, cell, cell, styles.Base)
			}

			pnlCell, _ := excelize.CoordinatesToCellName(7, row)
			pnlStyle := styles.Gain
			if trade.PnL < 0 {
				pnlStyle = styles.Loss
			}
			fx.SetCellStyle(tradesSheet, pnlCell, pnlCell, pnlStyle)
			row++
		}
	}
	return nil
}

func writeStatsSheet(fx *excelize.File, reports []InstanceReport, styles excelStyles) error {
	headers := []string{
		"Instance", "Kind", "Symbol", "Status", "Trades", "Wins", "Losses",
		"Win Rate", "Total PnL", "Best Trade", "Worst Trade", "Max Drawdown",
		"Invested", "Generated",
	}
	widths := []float64{16, 10, 12, 10, 8, 8, 8, 10, 12, 12, 12, 14, 12, 20}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		fx.SetCellValue(statsSheet, cell, h)
		fx.SetCellStyle(statsSheet, cell, cell, styles.Header)
		col, _ := excelize.ColumnNumberToName(i + 1)
		fx.SetColWidth(statsSheet, col, col, widths[i])
	}

	for r, rep := range reports {
		row := r + 2
		values := []any{
			rep.Meta.ID,
			string(rep.Meta.Kind),
			rep.Meta.Symbol,
			string(rep.Meta.Status),
			rep.Stats.TotalTrades,
			rep.Stats.Wins,
			rep.Stats.Losses,
			rep.Stats.WinRate,
			rep.Stats.TotalPnL,
			rep.Stats.BestTrade,
			rep.Stats.WorstTrade,
			rep.Stats.MaxDrawdown,
			rep.Stats.TotalInvested,
			rep.Stats.GeneratedAt.Format("2006-01-02 15:04:05"),
		}
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			if err := fx.SetCellValue(statsSheet, cell, v); err != nil {
				return err
			}
			style := styles.Base
			switch i {
			case 7:
				style = styles.Percent
			case 8, 9, 10, 12:
				style = styles.Currency
			}
			fx.SetCellStyle(statsSheet, cell, cell, style)
		}
	}
	return nil
}
