package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
)

func tradeWithPnL(pnl float64, held time.Duration) Trade {
	entry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return Trade{
		Symbol:     "BTCUSDT",
		Side:       exchange.SideBuy,
		Quantity:   1,
		EntryPrice: 100,
		ExitPrice:  100 + pnl,
		PnL:        pnl,
		EntryTime:  entry,
		ExitTime:   entry.Add(held),
	}
}

func TestSnapshotEmptyTracker(t *testing.T) {
	tr := NewTracker("dca-1")
	s := tr.Snapshot()

	assert.Equal(t, "dca-1", s.InstanceID)
	assert.Zero(t, s.TotalTrades)
	assert.Zero(t, s.WinRate)
	assert.Zero(t, s.AvgDuration)
	assert.Zero(t, s.BestTrade)
	assert.Zero(t, s.MaxDrawdown)
}

func TestSnapshotAggregates(t *testing.T) {
	tr := NewTracker("scalp-1")
	pnls := []float64{10, -5, 3, -12, 20}
	for _, pnl := range pnls {
		tr.RecordTrade(tradeWithPnL(pnl, 10*time.Minute))
	}

	s := tr.Snapshot()
	assert.Equal(t, 5, s.TotalTrades)
	assert.Equal(t, 3, s.Wins)
	assert.Equal(t, 2, s.Losses)
	assert.InDelta(t, 0.6, s.WinRate, 1e-9)
	assert.InDelta(t, 16.0, s.TotalPnL, 1e-9)
	assert.InDelta(t, 20.0, s.BestTrade, 1e-9)
	assert.InDelta(t, -12.0, s.WorstTrade, 1e-9)
	assert.Equal(t, 10*time.Minute, s.AvgDuration)

	// Cumulative curve 10, 5, 8, -4, 16: deepest dip is 14 below the
	// earlier peak of 10.
	assert.InDelta(t, 14.0, s.MaxDrawdown, 1e-9)
}

func TestSnapshotBreakevenTrades(t *testing.T) {
	tr := NewTracker("x")
	tr.RecordTrade(tradeWithPnL(5, time.Minute))
	tr.RecordTrade(tradeWithPnL(0, time.Minute))
	tr.RecordTrade(tradeWithPnL(-5, time.Minute))

	s := tr.Snapshot()
	assert.Equal(t, 3, s.TotalTrades)
	assert.Equal(t, 1, s.Wins)
	assert.Equal(t, 1, s.Losses)
	assert.InDelta(t, 1.0/3.0, s.WinRate, 1e-9)
}

func TestSnapshotSingleLosingTrade(t *testing.T) {
	tr := NewTracker("x")
	tr.RecordTrade(tradeWithPnL(-7, 3*time.Minute))

	s := tr.Snapshot()
	assert.InDelta(t, -7.0, s.BestTrade, 1e-9)
	assert.InDelta(t, -7.0, s.WorstTrade, 1e-9)
	assert.InDelta(t, 7.0, s.MaxDrawdown, 1e-9)
	assert.Zero(t, s.WinRate)
}

func TestOrderCounters(t *testing.T) {
	tr := NewTracker("dca-1")
	tr.RecordOrder(exchange.SideBuy, 100)
	tr.RecordOrder(exchange.SideBuy, 150)
	tr.RecordOrder(exchange.SideSell, 300)

	s := tr.Snapshot()
	assert.Equal(t, 2, s.BuyOrders)
	assert.Equal(t, 1, s.SellOrders)
	assert.InDelta(t, 250.0, s.TotalInvested, 1e-9)
}

func TestSnapshotRecomputesFromFullHistory(t *testing.T) {
	tr := NewTracker("x")
	tr.RecordTrade(tradeWithPnL(10, time.Minute))

	first := tr.Snapshot()
	require.InDelta(t, 10.0, first.TotalPnL, 1e-9)

	tr.RecordTrade(tradeWithPnL(-4, time.Minute))
	second := tr.Snapshot()
	assert.InDelta(t, 6.0, second.TotalPnL, 1e-9)

	// The first snapshot is untouched by later trades.
	assert.InDelta(t, 10.0, first.TotalPnL, 1e-9)
}

func TestTradesReturnsCopy(t *testing.T) {
	tr := NewTracker("x")
	tr.RecordTrade(tradeWithPnL(1, time.Minute))

	trades := tr.Trades()
	trades[0].PnL = 999

	assert.InDelta(t, 1.0, tr.Snapshot().TotalPnL, 1e-9)
}

func TestRestore(t *testing.T) {
	tr := NewTracker("x")
	tr.Restore([]Trade{tradeWithPnL(2, time.Minute), tradeWithPnL(3, time.Minute)}, 4, 2, 500)

	s := tr.Snapshot()
	assert.Equal(t, 2, s.TotalTrades)
	assert.InDelta(t, 5.0, s.TotalPnL, 1e-9)
	assert.Equal(t, 4, s.BuyOrders)
	assert.Equal(t, 2, s.SellOrders)
	assert.InDelta(t, 500.0, s.TotalInvested, 1e-9)
}

func TestRecordTradeStampsInstanceID(t *testing.T) {
	tr := NewTracker("grid-7")
	tr.RecordTrade(tradeWithPnL(1, time.Minute))

	assert.Equal(t, "grid-7", tr.Trades()[0].InstanceID)
}
