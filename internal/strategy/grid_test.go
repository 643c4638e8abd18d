package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/crypto-strategy-engine/internal/engerr"
	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
	"github.com/stratforge/crypto-strategy-engine/internal/risk"
)

// denySellsGate approves buys and rejects every sell intent.
type denySellsGate struct{}

func (denySellsGate) Approve(_ context.Context, req risk.Request) (bool, string) {
	if req.Side == exchange.SideSell {
		return false, "sells disabled"
	}
	return true, ""
}

func newTestGrid(t *testing.T, params GridParams) *Grid {
	t.Helper()
	g, err := NewGrid("BTCUSDT", params)
	require.NoError(t, err)
	return g
}

func TestGridParamsValidate(t *testing.T) {
	cases := []GridParams{
		{PriceMin: 0, PriceMax: 200, Levels: 3, Investment: 300},
		{PriceMin: 200, PriceMax: 100, Levels: 3, Investment: 300},
		{PriceMin: 100, PriceMax: 100, Levels: 3, Investment: 300},
		{PriceMin: 100, PriceMax: 200, Levels: 1, Investment: 300},
		{PriceMin: 100, PriceMax: 200, Levels: 3, Investment: 0},
		{PriceMin: 100, PriceMax: 200, Levels: 3, Investment: 300, StopLossPct: 1},
		{PriceMin: 100, PriceMax: 200, Levels: 3, Investment: 300, TakeProfitPct: -0.1},
	}
	for i, p := range cases {
		_, err := NewGrid("BTCUSDT", p)
		require.Error(t, err, "case %d", i)
		assert.True(t, engerr.IsValidation(err), "case %d", i)
	}

	_, err := NewGrid("", GridParams{PriceMin: 100, PriceMax: 200, Levels: 3, Investment: 300})
	assert.True(t, engerr.IsValidation(err))
}

func TestGridLevelSpacing(t *testing.T) {
	g := newTestGrid(t, GridParams{PriceMin: 100, PriceMax: 200, Levels: 5, Investment: 300})

	assert.InDelta(t, 25.0, g.Params().Step(), 1e-9)

	levels := g.Levels()
	require.Len(t, levels, 5)
	want := []float64{100, 125, 150, 175, 200}
	for i, level := range levels {
		assert.InDelta(t, want[i], level.Price, 1e-9, "level %d", i)
		assert.InDelta(t, 60.0, level.TargetQuote, 1e-9, "level %d", i)
	}
	assert.InDelta(t, 60.0/125.0, levels[1].Quantity(), 1e-12)
}

func TestGridInitialPlacement(t *testing.T) {
	te := newTestEnv(t, "BTCUSDT", 150)
	g := newTestGrid(t, GridParams{PriceMin: 100, PriceMax: 200, Levels: 3, Investment: 300})

	require.NoError(t, g.Init(context.Background(), te.Env))

	// Buys below the price, sells above, nothing at the level sitting on it.
	levels := g.Levels()
	assert.NotEmpty(t, levels[0].BuyOrderID)
	assert.Empty(t, levels[0].SellOrderID)
	assert.Empty(t, levels[1].BuyOrderID)
	assert.Empty(t, levels[1].SellOrderID)
	assert.Empty(t, levels[2].BuyOrderID)
	assert.NotEmpty(t, levels[2].SellOrderID)

	placed := te.Orders.ForInstance("inst-1")
	require.Len(t, placed, 2)
	assert.Equal(t, exchange.SideBuy, placed[0].Side)
	assert.InDelta(t, 100.0, placed[0].Price, 1e-9)
	assert.InDelta(t, 1.0, placed[0].Quantity, 1e-9) // 100 quote at 100
	assert.Equal(t, exchange.SideSell, placed[1].Side)
	assert.InDelta(t, 200.0, placed[1].Price, 1e-9)
	assert.InDelta(t, 0.5, placed[1].Quantity, 1e-9) // 100 quote at 200

	// Both orders rest; nothing crossed at 150.
	assert.Len(t, te.paper.OpenOrders("BTCUSDT"), 2)

	// A second Init is a no-op once the ladder is placed.
	require.NoError(t, g.Init(context.Background(), te.Env))
	assert.Len(t, te.Orders.ForInstance("inst-1"), 2)
}

func TestGridInitSkipsSellLevelsBeyondBalance(t *testing.T) {
	te := newTestEnvWith(t, "BTCUSDT", 150, map[string]float64{"USDT": 100000, "BTC": 0.4})
	g := newTestGrid(t, GridParams{PriceMin: 100, PriceMax: 200, Levels: 3, Investment: 300})

	require.NoError(t, g.Init(context.Background(), te.Env))

	// The sell level needs 0.5 base but only 0.4 is free.
	levels := g.Levels()
	assert.NotEmpty(t, levels[0].BuyOrderID)
	assert.Empty(t, levels[2].SellOrderID)
	assert.Len(t, te.Orders.ForInstance("inst-1"), 1)
}

func TestGridCounterOrderSameLevel(t *testing.T) {
	te := newTestEnv(t, "BTCUSDT", 150)
	g := newTestGrid(t, GridParams{PriceMin: 100, PriceMax: 200, Levels: 3, Investment: 300})

	require.NoError(t, g.Init(context.Background(), te.Env))
	require.NoError(t, g.Tick(context.Background(), te.Env))
	require.Len(t, te.Orders.ForInstance("inst-1"), 2)

	// Price drops through the bottom rung: the buy fills, and the next tick
	// answers with one sell at that same level.
	te.setPrice(95)
	require.NoError(t, g.Tick(context.Background(), te.Env))

	levels := g.Levels()
	assert.Empty(t, levels[0].BuyOrderID)
	assert.False(t, levels[0].BuyFilled, "flag clears once the counter-order is out")
	assert.NotEmpty(t, levels[0].SellOrderID)
	assert.InDelta(t, 1.0, g.baseQty, 1e-9)
	assert.InDelta(t, 100.0, g.VWAP(), 1e-9)

	placed := te.Orders.ForInstance("inst-1")
	require.Len(t, placed, 3)
	counter := placed[2]
	assert.Equal(t, exchange.SideSell, counter.Side)
	assert.Equal(t, exchange.OrderTypeLimit, counter.Kind)
	assert.InDelta(t, 100.0, counter.Price, 1e-9)
	assert.InDelta(t, 1.0, counter.Quantity, 1e-9)

	// Further ticks at the same price place nothing new.
	require.NoError(t, g.Tick(context.Background(), te.Env))
	require.NoError(t, g.Tick(context.Background(), te.Env))
	assert.Len(t, te.Orders.ForInstance("inst-1"), 3)

	// Price recovers through the level: the sell fills and one buy comes back.
	te.setPrice(105)
	require.NoError(t, g.Tick(context.Background(), te.Env))

	levels = g.Levels()
	assert.Empty(t, levels[0].SellOrderID)
	assert.False(t, levels[0].SellFilled)
	assert.NotEmpty(t, levels[0].BuyOrderID)
	assert.Zero(t, g.baseQty)

	placed = te.Orders.ForInstance("inst-1")
	require.Len(t, placed, 4)
	assert.Equal(t, exchange.SideBuy, placed[3].Side)
	assert.InDelta(t, 100.0, placed[3].Price, 1e-9)

	require.NoError(t, g.Tick(context.Background(), te.Env))
	assert.Len(t, te.Orders.ForInstance("inst-1"), 4)
}

func TestGridGateRejectionKeepsFillFlag(t *testing.T) {
	te := newTestEnv(t, "BTCUSDT", 150)
	te.Gate = denySellsGate{}
	g := newTestGrid(t, GridParams{PriceMin: 100, PriceMax: 200, Levels: 3, Investment: 300, TakeProfitPct: 0.10})

	require.NoError(t, g.Init(context.Background(), te.Env))
	// The sell ladder was rejected wholesale; only the buy rests.
	require.Len(t, te.Orders.ForInstance("inst-1"), 1)

	te.setPrice(95)
	require.NoError(t, g.Tick(context.Background(), te.Env))

	// The counter sell was rejected, so the fill flag survives for a retry.
	levels := g.Levels()
	assert.True(t, levels[0].BuyFilled)
	assert.Empty(t, levels[0].SellOrderID)
	assert.Len(t, te.Orders.ForInstance("inst-1"), 1)

	// Take profit trips against the 100 VWAP; liquidation is not gated.
	te.setPrice(111)
	err := g.Tick(context.Background(), te.Env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCompleted))
	assert.Contains(t, err.Error(), "take profit")

	snap := te.Tracker.Snapshot()
	require.Equal(t, 1, snap.TotalTrades)
	assert.InDelta(t, 11.0, snap.TotalPnL, 1e-9) // (111-100) * 1
	assert.Zero(t, g.baseQty)
	for _, level := range g.Levels() {
		assert.False(t, level.BuyFilled)
		assert.False(t, level.SellFilled)
	}

	bal, err := te.paper.GetBalance(context.Background(), "BTC")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, bal.Free, 1e-9)
}

func TestGridTakeProfitCancelsRestingOrders(t *testing.T) {
	te := newTestEnv(t, "BTCUSDT", 150)
	g := newTestGrid(t, GridParams{PriceMin: 100, PriceMax: 200, Levels: 3, Investment: 300, TakeProfitPct: 0.05})

	require.NoError(t, g.Init(context.Background(), te.Env))

	te.setPrice(95) // bottom buy fills
	require.NoError(t, g.Tick(context.Background(), te.Env))

	// 106 fills the counter sell at 100 and trips take profit over the 100
	// VWAP in the same move; the base position is already flat.
	te.setPrice(106)
	err := g.Tick(context.Background(), te.Env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCompleted))

	assert.Empty(t, te.paper.OpenOrders("BTCUSDT"), "teardown cancels the remaining ladder")
	assert.Zero(t, te.Tracker.Snapshot().TotalTrades, "nothing left to liquidate")
}

func TestGridDriftWarnsOncePerExcursion(t *testing.T) {
	te := newTestEnv(t, "BTCUSDT", 150)
	rec := &recordingNotifier{}
	te.Notifier = rec
	g := newTestGrid(t, GridParams{PriceMin: 100, PriceMax: 200, Levels: 3, Investment: 300})

	require.NoError(t, g.Init(context.Background(), te.Env))
	require.NoError(t, g.Tick(context.Background(), te.Env))
	assert.Zero(t, rec.count())

	// 225 is beyond the 10% tolerance above 200.
	te.setPrice(225)
	require.NoError(t, g.Tick(context.Background(), te.Env))
	assert.Equal(t, 1, rec.count())
	assert.Contains(t, rec.lastMessage(), "outside")

	// Still outside: the warning does not repeat.
	require.NoError(t, g.Tick(context.Background(), te.Env))
	assert.Equal(t, 1, rec.count())

	// Back inside resets the latch.
	te.setPrice(150)
	require.NoError(t, g.Tick(context.Background(), te.Env))
	assert.Equal(t, 1, rec.count())

	// 89 is beyond the 10% tolerance below 100.
	te.setPrice(89)
	require.NoError(t, g.Tick(context.Background(), te.Env))
	assert.Equal(t, 2, rec.count())
}

func TestGridStateRoundTrip(t *testing.T) {
	te := newTestEnv(t, "BTCUSDT", 150)
	g := newTestGrid(t, GridParams{PriceMin: 100, PriceMax: 200, Levels: 3, Investment: 300})

	require.NoError(t, g.Init(context.Background(), te.Env))
	te.setPrice(95)
	require.NoError(t, g.Tick(context.Background(), te.Env))

	raw, err := g.MarshalState()
	require.NoError(t, err)

	restored := newTestGrid(t, GridParams{PriceMin: 100, PriceMax: 200, Levels: 3, Investment: 300})
	require.NoError(t, restored.RestoreState(raw))

	assert.InDelta(t, g.baseQty, restored.baseQty, 1e-9)
	assert.InDelta(t, g.VWAP(), restored.VWAP(), 1e-9)
	levels := restored.Levels()
	assert.NotEmpty(t, levels[0].SellOrderID)

	// A restored ladder must not be placed again.
	te2 := newTestEnv(t, "BTCUSDT", 150)
	require.NoError(t, restored.Init(context.Background(), te2.Env))
	assert.Empty(t, te2.Orders.ForInstance("inst-1"))
}

func TestGridRestoreRejectsLevelMismatch(t *testing.T) {
	g := newTestGrid(t, GridParams{PriceMin: 100, PriceMax: 200, Levels: 3, Investment: 300})
	raw, err := g.MarshalState()
	require.NoError(t, err)

	other := newTestGrid(t, GridParams{PriceMin: 100, PriceMax: 200, Levels: 4, Investment: 300})
	err = other.RestoreState(raw)
	require.Error(t, err)
	assert.True(t, engerr.IsValidation(err))
}
