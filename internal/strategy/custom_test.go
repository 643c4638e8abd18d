package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/crypto-strategy-engine/internal/engerr"
	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
	"github.com/stratforge/crypto-strategy-engine/internal/orders"
	"github.com/stratforge/crypto-strategy-engine/internal/risk"
)

func newTestCustom(t *testing.T, specs ...RuleSpec) *Custom {
	t.Helper()
	c, err := NewCustom("BTCUSDT", CustomParams{Rules: specs})
	require.NoError(t, err)
	return c
}

func priceAboveRule(name string, threshold float64, action ActionSpec) RuleSpec {
	return RuleSpec{
		Name:       name,
		Conditions: []ConditionSpec{{Indicator: "price", Operator: ">", Value: threshold}},
		Action:     action,
	}
}

func TestCustomValidation(t *testing.T) {
	_, err := NewCustom("", CustomParams{Rules: []RuleSpec{priceAboveRule("r", 1, ActionSpec{Type: "notify"})}})
	assert.True(t, engerr.IsValidation(err))

	_, err = NewCustom("BTCUSDT", CustomParams{})
	assert.True(t, engerr.IsValidation(err))

	bad := priceAboveRule("r", 1, ActionSpec{Type: "notify"})
	bad.Conditions[0].Operator = "between"
	_, err = NewCustom("BTCUSDT", CustomParams{Rules: []RuleSpec{bad}})
	assert.True(t, engerr.IsValidation(err))
}

func TestCustomPriceRuleBuysEachTick(t *testing.T) {
	te := newTestEnv(t, "BTCUSDT", 60000)
	c := newTestCustom(t, priceAboveRule("breakout", 50000, ActionSpec{Type: "buy", Amount: 0.001}))

	require.NoError(t, c.Tick(context.Background(), te.Env))

	placed := te.Orders.ForInstance("inst-1")
	require.Len(t, placed, 1)
	assert.Equal(t, exchange.SideBuy, placed[0].Side)
	assert.InDelta(t, 0.001, placed[0].Quantity, 1e-12)
	assert.InDelta(t, 0.001, c.BaseQuantity(), 1e-12)

	status := c.Rules()
	require.Len(t, status, 1)
	assert.Equal(t, 1, status[0].Triggered)
	assert.Equal(t, 1, status[0].Succeeded)
	assert.Zero(t, status[0].Failed)

	// The condition is level-based, so it fires again on the next tick.
	te.advance(time.Minute)
	te.feed(60000)
	require.NoError(t, c.Tick(context.Background(), te.Env))
	assert.Len(t, te.Orders.ForInstance("inst-1"), 2)
	assert.InDelta(t, 0.002, c.BaseQuantity(), 1e-12)
	assert.Equal(t, 2, c.Rules()[0].Triggered)

	// Below the threshold nothing fires.
	te.advance(time.Minute)
	te.setPrice(40000)
	require.NoError(t, c.Tick(context.Background(), te.Env))
	assert.Len(t, te.Orders.ForInstance("inst-1"), 2)
	assert.Equal(t, 2, c.Rules()[0].Triggered)
}

func TestCustomPercentageBuySizesFromQuoteBalance(t *testing.T) {
	te := newTestEnv(t, "BTCUSDT", 50000)
	c := newTestCustom(t, priceAboveRule("buy tenth", 1, ActionSpec{
		Type: "buy", Amount: 10, AmountType: "percentage",
	}))

	require.NoError(t, c.Tick(context.Background(), te.Env))

	// 10% of the 100000 quote balance at 50000 buys 0.2 base.
	placed := te.Orders.ForInstance("inst-1")
	require.Len(t, placed, 1)
	assert.InDelta(t, 0.2, placed[0].Quantity, 1e-9)
	assert.InDelta(t, 0.2, c.BaseQuantity(), 1e-9)
}

func TestCustomPercentageSellSizesFromBaseBalance(t *testing.T) {
	te := newTestEnv(t, "BTCUSDT", 50000)
	c := newTestCustom(t, priceAboveRule("sell half", 1, ActionSpec{
		Type: "sell", Amount: 50, AmountType: "percentage",
	}))

	require.NoError(t, c.Tick(context.Background(), te.Env))

	// 50% of the 10 base balance.
	placed := te.Orders.ForInstance("inst-1")
	require.Len(t, placed, 1)
	assert.Equal(t, exchange.SideSell, placed[0].Side)
	assert.InDelta(t, 5.0, placed[0].Quantity, 1e-9)
}

func TestCustomDisabledRuleSkipped(t *testing.T) {
	te := newTestEnv(t, "BTCUSDT", 60000)
	disabled := false
	spec := priceAboveRule("dormant", 1, ActionSpec{Type: "buy", Amount: 1})
	spec.Enabled = &disabled
	c := newTestCustom(t, spec)

	require.NoError(t, c.Tick(context.Background(), te.Env))
	assert.Empty(t, te.Orders.ForInstance("inst-1"))
	assert.Zero(t, c.Rules()[0].Triggered)
}

func TestCustomClosePositionFlatIsNoop(t *testing.T) {
	te := newTestEnv(t, "BTCUSDT", 100)
	c := newTestCustom(t, priceAboveRule("flatten", 1, ActionSpec{Type: "close_position"}))

	require.NoError(t, c.Tick(context.Background(), te.Env))
	assert.Empty(t, te.Orders.ForInstance("inst-1"))
	assert.Zero(t, te.Tracker.Snapshot().TotalTrades)
	assert.Equal(t, 1, c.Rules()[0].Succeeded)
}

func TestCustomClosePositionUnwinds(t *testing.T) {
	te := newTestEnv(t, "BTCUSDT", 120)
	c := newTestCustom(t, priceAboveRule("flatten", 1, ActionSpec{Type: "close_position"}))
	c.baseQty = 2
	c.buyCost = 200 // avg entry 100
	c.firstFillAt = te.clock.Add(-time.Hour)

	require.NoError(t, c.Tick(context.Background(), te.Env))

	assert.Zero(t, c.BaseQuantity())
	snap := te.Tracker.Snapshot()
	require.Equal(t, 1, snap.TotalTrades)
	assert.InDelta(t, 40.0, snap.TotalPnL, 1e-9) // (120-100) * 2
	assert.Equal(t, 1, snap.Wins)

	bal, err := te.paper.GetBalance(context.Background(), "BTC")
	require.NoError(t, err)
	assert.InDelta(t, 8.0, bal.Free, 1e-9)
}

func TestCustomCrossRuleFiresOncePerCross(t *testing.T) {
	te := newTestEnv(t, "BTCUSDT", 10)
	rec := &recordingNotifier{}
	te.Notifier = rec
	c := newTestCustom(t, RuleSpec{
		Name:       "breakout alert",
		Conditions: []ConditionSpec{{Indicator: "price", Operator: "crosses_above", Value: 11}},
		Action:     ActionSpec{Type: "notify", Message: "price broke 11"},
	})

	// First tick seeds the cross, second holds below, third crosses.
	require.NoError(t, c.Tick(context.Background(), te.Env))
	assert.Zero(t, rec.count())

	te.advance(time.Minute)
	te.feed(10)
	require.NoError(t, c.Tick(context.Background(), te.Env))
	assert.Zero(t, rec.count())

	te.advance(time.Minute)
	te.feed(12)
	require.NoError(t, c.Tick(context.Background(), te.Env))
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, "price broke 11", rec.lastMessage())
	assert.Equal(t, 1, c.Rules()[0].Triggered)

	// Staying above is not a new cross.
	te.advance(time.Minute)
	te.feed(12)
	require.NoError(t, c.Tick(context.Background(), te.Env))
	assert.Equal(t, 1, rec.count())
}

func TestCustomConditionsEvaluateWithoutShortCircuit(t *testing.T) {
	te := newTestEnv(t, "BTCUSDT", 10)
	rec := &recordingNotifier{}
	te.Notifier = rec
	c := newTestCustom(t, RuleSpec{
		Name: "volume breakout",
		Conditions: []ConditionSpec{
			{Indicator: "volume", Operator: ">", Value: 1e9},
			{Indicator: "price", Operator: "crosses_above", Value: 11},
		},
		Action: ActionSpec{Type: "notify"},
	})

	// Low volume fails the first condition, yet the cross still sees the
	// price at 10 and seeds.
	require.NoError(t, c.Tick(context.Background(), te.Env))
	assert.Zero(t, rec.count())

	// Volume and cross line up on the very next tick. If the failed volume
	// check had skipped the cross last tick, this would only seed it now.
	te.advance(time.Minute)
	te.feedPV(12, 2e9)
	require.NoError(t, c.Tick(context.Background(), te.Env))
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, c.Rules()[0].Triggered)
}

func TestCustomRiskRejectedCountsFailed(t *testing.T) {
	te := newTestEnv(t, "BTCUSDT", 100)
	te.Gate = risk.NewLimitGate(risk.Limits{MaxOrderQuote: 10})
	c := newTestCustom(t, priceAboveRule("big buy", 1, ActionSpec{Type: "buy", Amount: 1}))

	// A rejection is not a tick failure; it only marks the rule.
	require.NoError(t, c.Tick(context.Background(), te.Env))

	status := c.Rules()[0]
	assert.Equal(t, 1, status.Triggered)
	assert.Equal(t, 1, status.Failed)
	assert.Zero(t, status.Succeeded)
	assert.Empty(t, te.Orders.ForInstance("inst-1"))
}

func TestCustomAbsorbReleasesCostProportionally(t *testing.T) {
	c := newTestCustom(t, priceAboveRule("r", 1, ActionSpec{Type: "notify"}))

	c.absorb(orders.Order{Side: exchange.SideBuy, FilledQuantity: 2, AvgFillPrice: 100, UpdatedAt: time.Now()})
	assert.InDelta(t, 2.0, c.baseQty, 1e-9)
	assert.InDelta(t, 200.0, c.buyCost, 1e-9)

	// Selling half releases half the cost; the average entry is unchanged.
	c.absorb(orders.Order{Side: exchange.SideSell, FilledQuantity: 1, AvgFillPrice: 130})
	assert.InDelta(t, 1.0, c.baseQty, 1e-9)
	assert.InDelta(t, 100.0, c.buyCost, 1e-9)

	// Overselling floors the position at flat.
	c.absorb(orders.Order{Side: exchange.SideSell, FilledQuantity: 5, AvgFillPrice: 130})
	assert.Zero(t, c.baseQty)
	assert.Zero(t, c.buyCost)
}

func TestCustomStateRoundTrip(t *testing.T) {
	te := newTestEnv(t, "BTCUSDT", 60000)
	spec := priceAboveRule("breakout", 50000, ActionSpec{Type: "buy", Amount: 0.001})
	c := newTestCustom(t, spec)

	require.NoError(t, c.Tick(context.Background(), te.Env))
	raw, err := c.MarshalState()
	require.NoError(t, err)

	restored := newTestCustom(t, spec)
	require.NoError(t, restored.RestoreState(raw))

	assert.InDelta(t, c.BaseQuantity(), restored.BaseQuantity(), 1e-12)
	status := restored.Rules()[0]
	assert.Equal(t, 1, status.Triggered)
	assert.Equal(t, 1, status.Succeeded)
}
