package stats

import (
	"sync"
	"time"

	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
)

// Trade is one completed round trip.
type Trade struct {
	InstanceID string        `json:"instance_id"`
	Symbol     string        `json:"symbol"`
	Side       exchange.Side `json:"side"` // direction of the entry
	Quantity   float64       `json:"quantity"`
	EntryPrice float64       `json:"entry_price"`
	ExitPrice  float64       `json:"exit_price"`
	PnL        float64       `json:"pnl"`
	EntryTime  time.Time     `json:"entry_time"`
	ExitTime   time.Time     `json:"exit_time"`
}

// Duration returns how long the trade was held.
func (t Trade) Duration() time.Duration { return t.ExitTime.Sub(t.EntryTime) }

// Snapshot is an immutable view of one instance's aggregates, recomputed
// from the full trade history on every call. Readers never see aggregates
// mid-update.
type Snapshot struct {
	InstanceID    string        `json:"instance_id"`
	TotalTrades   int           `json:"total_trades"`
	Wins          int           `json:"wins"`
	Losses        int           `json:"losses"`
	WinRate       float64       `json:"win_rate"`
	TotalPnL      float64       `json:"total_pnl"`
	AvgDuration   time.Duration `json:"avg_duration"`
	BestTrade     float64       `json:"best_trade"`
	WorstTrade    float64       `json:"worst_trade"`
	MaxDrawdown   float64       `json:"max_drawdown"`
	BuyOrders     int           `json:"buy_orders"`
	SellOrders    int           `json:"sell_orders"`
	TotalInvested float64       `json:"total_invested"`
	GeneratedAt   time.Time     `json:"generated_at"`
}

// Tracker owns one instance's trade history and order counters.
type Tracker struct {
	mutex      sync.Mutex
	instanceID string
	trades     []Trade
	buys       int
	sells      int
	invested   float64
	now        func() time.Time
}

// NewTracker creates an empty tracker for an instance.
func NewTracker(instanceID string) *Tracker {
	return &Tracker{instanceID: instanceID, now: time.Now}
}

// SetClock overrides the time source, for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.now = now
}

// RecordTrade appends a completed trade.
func (t *Tracker) RecordTrade(trade Trade) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	trade.InstanceID = t.instanceID
	t.trades = append(t.trades, trade)
}

// RecordOrder counts an executed order and, for buys, the quote spent.
func (t *Tracker) RecordOrder(side exchange.Side, quoteValue float64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if side == exchange.SideBuy {
		t.buys++
		t.invested += quoteValue
		return
	}
	t.sells++
}

// Trades returns a copy of the full history, oldest first.
func (t *Tracker) Trades() []Trade {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	out := make([]Trade, len(t.trades))
	copy(out, t.trades)
	return out
}

// Restore replaces the history, for crash recovery.
func (t *Tracker) Restore(trades []Trade, buys, sells int, invested float64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.trades = append([]Trade(nil), trades...)
	t.buys = buys
	t.sells = sells
	t.invested = invested
}

// Snapshot recomputes every aggregate from the trade history. Breakeven
// trades count toward the total but neither wins nor losses.
func (t *Tracker) Snapshot() Snapshot {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	s := Snapshot{
		InstanceID:    t.instanceID,
		TotalTrades:   len(t.trades),
		BuyOrders:     t.buys,
		SellOrders:    t.sells,
		TotalInvested: t.invested,
		GeneratedAt:   t.now(),
	}
	if len(t.trades) == 0 {
		return s
	}

	var (
		totalDuration time.Duration
		cumulative    float64
		peak          float64
	)
	s.BestTrade = t.trades[0].PnL
	s.WorstTrade = t.trades[0].PnL

	for _, trade := range t.trades {
		s.TotalPnL += trade.PnL
		totalDuration += trade.Duration()

		switch {
		case trade.PnL > 0:
			s.Wins++
		case trade.PnL < 0:
			s.Losses++
		}
		if trade.PnL > s.BestTrade {
			s.BestTrade = trade.PnL
		}
		if trade.PnL < s.WorstTrade {
			s.WorstTrade = trade.PnL
		}

		cumulative += trade.PnL
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > s.MaxDrawdown {
			s.MaxDrawdown = dd
		}
	}

	s.WinRate = float64(s.Wins) / float64(s.TotalTrades)
	s.AvgDuration = totalDuration / time.Duration(s.TotalTrades)
	return s
}
