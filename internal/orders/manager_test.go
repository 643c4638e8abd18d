package orders

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
	"github.com/stratforge/crypto-strategy-engine/internal/logger"
)

func newTestManager(t *testing.T) (*Manager, *exchange.Paper) {
	t.Helper()
	paper := exchange.NewPaper(map[string]float64{"USDT": 100000, "BTC": 10})
	paper.SetPrice("BTCUSDT", 100)
	return NewManager(paper, logger.Nop()), paper
}

func marketBuy(qty float64) Intent {
	return Intent{
		InstanceID: "inst-1",
		Symbol:     "BTCUSDT",
		Side:       exchange.SideBuy,
		Kind:       exchange.OrderTypeMarket,
		Quantity:   qty,
	}
}

func limitBuy(qty, price float64) Intent {
	return Intent{
		InstanceID: "inst-1",
		Symbol:     "BTCUSDT",
		Side:       exchange.SideBuy,
		Kind:       exchange.OrderTypeLimit,
		Quantity:   qty,
		Price:      price,
	}
}

func TestSubmitRecordsPendingBeforeExchangeCall(t *testing.T) {
	m, _ := newTestManager(t)

	var first Order
	seen := 0
	m.OnChange(func(o Order) {
		if seen == 0 {
			first = o
		}
		seen++
	})

	o, err := m.Submit(context.Background(), marketBuy(1))
	require.NoError(t, err)

	// The first observable mutation is the local pending record, created
	// before the exchange acknowledged anything.
	assert.Equal(t, StatusPending, first.Status)
	assert.Empty(t, first.ExchangeOrderID)
	assert.Equal(t, o.LocalID, first.LocalID)
	assert.NotEmpty(t, o.ExchangeOrderID)
}

func TestSubmitThenReconcileMarketFill(t *testing.T) {
	m, _ := newTestManager(t)

	fills := 0
	m.OnFill(func(o Order) { fills++ })

	o, err := m.Submit(context.Background(), marketBuy(2))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)

	got, err := m.Reconcile(context.Background(), o.LocalID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, got.Status)
	assert.InDelta(t, 2.0, got.FilledQuantity, 1e-9)
	assert.InDelta(t, 100.0, got.AvgFillPrice, 1e-9)
	assert.Equal(t, 1, fills)

	// Terminal orders reconcile to themselves without another fill event.
	again, err := m.Reconcile(context.Background(), o.LocalID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, again.Status)
	assert.Equal(t, 1, fills)
}

func TestSubmitFailureMarksFailed(t *testing.T) {
	m, paper := newTestManager(t)
	paper.FailNext(exchange.ErrRateLimited)

	o, err := m.Submit(context.Background(), marketBuy(1))
	require.Error(t, err)
	assert.Equal(t, StatusFailed, o.Status)
	assert.NotEmpty(t, o.FailReason)

	// The failed record stays queryable and stays failed.
	got, ok := m.Get(o.LocalID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, got.Status)

	same, err := m.Reconcile(context.Background(), o.LocalID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, same.Status)
}

func TestSubmitRejectsBadQuantity(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Submit(context.Background(), marketBuy(0))
	require.Error(t, err)
	assert.Empty(t, m.ForInstance("inst-1"))
}

func TestReconcileLimitOrderAfterCross(t *testing.T) {
	m, paper := newTestManager(t)

	o, err := m.Submit(context.Background(), limitBuy(1, 95))
	require.NoError(t, err)

	got, err := m.Reconcile(context.Background(), o.LocalID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	paper.SetPrice("BTCUSDT", 94)

	got, err = m.Reconcile(context.Background(), o.LocalID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, got.Status)
	assert.InDelta(t, 95.0, got.AvgFillPrice, 1e-9)
}

func TestReconcileOpenSweepsPending(t *testing.T) {
	m, paper := newTestManager(t)

	a, err := m.Submit(context.Background(), limitBuy(1, 95))
	require.NoError(t, err)
	b, err := m.Submit(context.Background(), limitBuy(1, 90))
	require.NoError(t, err)

	paper.SetPrice("BTCUSDT", 92) // crosses a but not b

	updated := m.ReconcileOpen(context.Background(), "inst-1")
	require.Len(t, updated, 2)

	gotA, _ := m.Get(a.LocalID)
	gotB, _ := m.Get(b.LocalID)
	assert.Equal(t, StatusFilled, gotA.Status)
	assert.Equal(t, StatusPending, gotB.Status)
}

func TestCancelAllCancelsPendingOnly(t *testing.T) {
	m, paper := newTestManager(t)

	resting, err := m.Submit(context.Background(), limitBuy(1, 90))
	require.NoError(t, err)
	crossed, err := m.Submit(context.Background(), limitBuy(1, 105)) // marketable, fills at once
	require.NoError(t, err)

	require.NoError(t, m.CancelAll(context.Background(), "inst-1"))

	gotResting, _ := m.Get(resting.LocalID)
	assert.Equal(t, StatusCancelled, gotResting.Status)

	// The marketable order had already filled on the exchange; cancel must
	// observe the fill, not overwrite it.
	gotCrossed, _ := m.Get(crossed.LocalID)
	assert.Equal(t, StatusFilled, gotCrossed.Status)

	assert.Empty(t, m.Open("inst-1"))

	usdt, _ := paper.GetBalance(context.Background(), "USDT")
	assert.InDelta(t, 0.0, usdt.Locked, 1e-9)
}

func TestOpenReturnsOldestFirst(t *testing.T) {
	m, _ := newTestManager(t)

	first, err := m.Submit(context.Background(), limitBuy(1, 90))
	require.NoError(t, err)
	second, err := m.Submit(context.Background(), limitBuy(1, 85))
	require.NoError(t, err)

	open := m.Open("inst-1")
	require.Len(t, open, 2)
	assert.Equal(t, first.LocalID, open[0].LocalID)
	assert.Equal(t, second.LocalID, open[1].LocalID)
}

func TestRestoreSkipsKnownAndEmptyIDs(t *testing.T) {
	m, _ := newTestManager(t)

	o, err := m.Submit(context.Background(), limitBuy(1, 90))
	require.NoError(t, err)

	n := m.Restore([]Order{
		o, // already tracked
		{LocalID: "", InstanceID: "inst-1"},
		{LocalID: "restored-1", InstanceID: "inst-2", Symbol: "ETHUSDT", Status: StatusPending},
	})
	assert.Equal(t, 1, n)

	got, ok := m.Get("restored-1")
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", got.Symbol)
	assert.Len(t, m.ForInstance("inst-2"), 1)
}

func TestForgetDropsInstanceRecords(t *testing.T) {
	m, _ := newTestManager(t)

	o, err := m.Submit(context.Background(), marketBuy(1))
	require.NoError(t, err)
	_, err = m.Reconcile(context.Background(), o.LocalID)
	require.NoError(t, err)

	m.Forget("inst-1")
	_, ok := m.Get(o.LocalID)
	assert.False(t, ok)
	assert.Empty(t, m.ForInstance("inst-1"))
}

// stubExchange lets tests script exchange behavior the paper engine cannot
// produce, like orders vanishing server-side.
type stubExchange struct {
	exchange.Exchange
	statusFn func(ctx context.Context, symbol, orderID string) (exchange.OrderResult, error)
}

func (s *stubExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (exchange.OrderResult, error) {
	return s.statusFn(ctx, symbol, orderID)
}

func TestReconcileVanishedOrderBecomesCancelled(t *testing.T) {
	paper := exchange.NewPaper(map[string]float64{"USDT": 1000})
	paper.SetPrice("BTCUSDT", 100)
	stub := &stubExchange{Exchange: paper}
	stub.statusFn = func(context.Context, string, string) (exchange.OrderResult, error) {
		return exchange.OrderResult{}, exchange.ErrOrderNotFound
	}

	m := NewManager(stub, logger.Nop())
	o, err := m.Submit(context.Background(), limitBuy(1, 90))
	require.NoError(t, err)

	got, err := m.Reconcile(context.Background(), o.LocalID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestReconcileTransientErrorKeepsPending(t *testing.T) {
	paper := exchange.NewPaper(map[string]float64{"USDT": 1000})
	paper.SetPrice("BTCUSDT", 100)
	stub := &stubExchange{Exchange: paper}
	stub.statusFn = func(context.Context, string, string) (exchange.OrderResult, error) {
		return exchange.OrderResult{}, fmt.Errorf("connection reset")
	}

	m := NewManager(stub, logger.Nop())
	o, err := m.Submit(context.Background(), limitBuy(1, 90))
	require.NoError(t, err)

	got, err := m.Reconcile(context.Background(), o.LocalID)
	require.Error(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestUnknownLocalID(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Reconcile(context.Background(), "nope")
	assert.ErrorIs(t, err, exchange.ErrOrderNotFound)
}
