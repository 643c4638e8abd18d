// Package reporting renders engine outcomes for operators: console
// tables at startup and on demand, plus trade-history exports to CSV and
// Excel workbooks.
package reporting

import (
	"github.com/stratforge/crypto-strategy-engine/internal/engine"
	"github.com/stratforge/crypto-strategy-engine/internal/stats"
)

// InstanceReport bundles everything the reporters need about one
// instance: registry metadata, aggregate statistics and the completed
// trade history.
type InstanceReport struct {
	Meta   engine.StrategyInstance
	Stats  stats.Snapshot
	Trades []stats.Trade
}

// Collect snapshots every registered instance. Instances that disappear
// mid-iteration are skipped rather than reported half-filled.
func Collect(eng *engine.Engine) []InstanceReport {
	list := eng.List()
	out := make([]InstanceReport, 0, len(list))
	for _, meta := range list {
		snap, err := eng.Stats(meta.ID)
		if err != nil {
			continue
		}
		trades, err := eng.Trades(meta.ID)
		if err != nil {
			continue
		}
		out = append(out, InstanceReport{Meta: meta, Stats: snap, Trades: trades})
	}
	return out
}
