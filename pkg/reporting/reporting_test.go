package reporting

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/stratforge/crypto-strategy-engine/internal/config"
	"github.com/stratforge/crypto-strategy-engine/internal/engine"
	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
	"github.com/stratforge/crypto-strategy-engine/internal/stats"
	"github.com/stratforge/crypto-strategy-engine/internal/strategy"
)

func sampleReports() []InstanceReport {
	entry := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	return []InstanceReport{
		{
			Meta: engine.StrategyInstance{
				ID:        "scalp-1",
				Name:      "btc scalper",
				Kind:      strategy.KindScalping,
				Symbol:    "BTCUSDT",
				Timeframe: "5m",
				Status:    strategy.StatusActive,
			},
			Stats: stats.Snapshot{
				InstanceID:    "scalp-1",
				TotalTrades:   2,
				Wins:          1,
				Losses:        1,
				WinRate:       0.5,
				TotalPnL:      12.5,
				BestTrade:     20,
				WorstTrade:    -7.5,
				TotalInvested: 400,
				GeneratedAt:   entry.Add(3 * time.Hour),
			},
			Trades: []stats.Trade{
				{
					InstanceID: "scalp-1",
					Symbol:     "BTCUSDT",
					Side:       exchange.SideBuy,
					Quantity:   0.002,
					EntryPrice: 100000,
					ExitPrice:  110000,
					PnL:        20,
					EntryTime:  entry,
					ExitTime:   entry.Add(30 * time.Minute),
				},
				{
					InstanceID: "scalp-1",
					Symbol:     "BTCUSDT",
					Side:       exchange.SideBuy,
					Quantity:   0.002,
					EntryPrice: 100000,
					ExitPrice:  96250,
					PnL:        -7.5,
					EntryTime:  entry.Add(time.Hour),
					ExitTime:   entry.Add(2 * time.Hour),
				},
			},
		},
	}
}

func TestWriteReportXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "report.xlsx")
	require.NoError(t, WriteReportXLSX(path, sampleReports()))

	fx, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer fx.Close()

	assert.ElementsMatch(t, []string{"Trades", "Statistics"}, fx.GetSheetList())

	got, err := fx.GetCellValue("Trades", "A2")
	require.NoError(t, err)
	assert.Equal(t, "scalp-1", got)

	got, err = fx.GetCellValue("Trades", "G3")
	require.NoError(t, err)
	assert.Contains(t, got, "-7.5")

	got, err = fx.GetCellValue("Statistics", "E2")
	require.NoError(t, err)
	assert.Equal(t, "2", got)
}

func TestWriteTradesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	require.NoError(t, WriteTradesCSV(path, sampleReports()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4) // header + 2 trades + summary

	assert.Equal(t, "instance_id", rows[0][0])
	assert.Equal(t, "scalp-1", rows[1][0])
	assert.Equal(t, "W", rows[1][9])
	assert.Equal(t, "L", rows[2][9])
	assert.Contains(t, rows[3][9], "total_trades=2")
}

func TestConsoleReporterTables(t *testing.T) {
	var buf bytes.Buffer
	r := NewConsoleReporter(&buf)

	cfg, err := config.Parse([]byte("{}"))
	require.NoError(t, err)
	r.PrintStartup(cfg)
	assert.Contains(t, buf.String(), "ENGINE CONFIGURATION")
	assert.Contains(t, buf.String(), "paper")

	buf.Reset()
	r.PrintInstances([]engine.StrategyInstance{sampleReports()[0].Meta})
	assert.Contains(t, buf.String(), "STRATEGY INSTANCES")
	assert.Contains(t, buf.String(), "scalp-1")
	assert.Contains(t, buf.String(), "BTCUSDT")

	buf.Reset()
	r.PrintReport(sampleReports())
	assert.Contains(t, buf.String(), "+12.50")
	assert.Contains(t, buf.String(), "50.0%")
}
