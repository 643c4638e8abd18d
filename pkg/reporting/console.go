package reporting

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/stratforge/crypto-strategy-engine/internal/config"
	"github.com/stratforge/crypto-strategy-engine/internal/engine"
)

// ConsoleReporter renders operator-facing tables. Output goes to the
// writer given at construction so tests can capture it.
type ConsoleReporter struct {
	out io.Writer
}

func NewConsoleReporter(out io.Writer) *ConsoleReporter {
	return &ConsoleReporter{out: out}
}

// PrintStartup shows the effective configuration once at boot.
func (r *ConsoleReporter) PrintStartup(cfg *config.Config) {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle("ENGINE CONFIGURATION")
	t.SetStyle(table.StyleRounded)

	stateTarget := cfg.State.Dir
	if cfg.State.Backend == "sqlite" {
		stateTarget = cfg.State.Path
	}

	t.AppendRows([]table.Row{
		{"🌍 Environment", cfg.Environment},
		{"🏪 Exchange", cfg.Exchange.Name},
		{"💾 State", fmt.Sprintf("%s (%s)", cfg.State.Backend, stateTarget)},
		{"📈 Instances", len(cfg.Instances)},
		{"🔭 Metrics", cfg.Server.MetricsAddr},
		{"🎛 Control API", orDisabled(cfg.Server.API.Addr)},
	})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 15, WidthMax: 18, Align: text.AlignLeft},
		{Number: 2, WidthMin: 28, WidthMax: 40, Align: text.AlignLeft},
	})

	t.Render()
	fmt.Fprintln(r.out)
}

// PrintInstances shows one row per registered instance.
func (r *ConsoleReporter) PrintInstances(list []engine.StrategyInstance) {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle("STRATEGY INSTANCES")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Name", "Kind", "Symbol", "Timeframe", "Status"})

	for _, inst := range list {
		t.AppendRow(table.Row{
			inst.ID, inst.Name, inst.Kind, inst.Symbol, inst.Timeframe, inst.Status,
		})
	}

	t.Render()
	fmt.Fprintln(r.out)
}

// PrintReport shows trading outcomes per instance: trade counts, win
// rate, PnL and invested quote.
func (r *ConsoleReporter) PrintReport(reports []InstanceReport) {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle(fmt.Sprintf("STATUS %s", time.Now().Format("2006-01-02 15:04:05")))
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Status", "Trades", "Win Rate", "PnL", "Invested"})

	var totalPnL float64
	for _, rep := range reports {
		totalPnL += rep.Stats.TotalPnL
		t.AppendRow(table.Row{
			rep.Meta.ID,
			rep.Meta.Status,
			rep.Stats.TotalTrades,
			fmt.Sprintf("%.1f%%", rep.Stats.WinRate*100),
			fmt.Sprintf("%+.2f", rep.Stats.TotalPnL),
			fmt.Sprintf("%.2f", rep.Stats.TotalInvested),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "Total", fmt.Sprintf("%+.2f", totalPnL), ""})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})

	t.Render()
	fmt.Fprintln(r.out)
}

func orDisabled(addr string) string {
	if addr == "" {
		return "disabled"
	}
	return addr
}
