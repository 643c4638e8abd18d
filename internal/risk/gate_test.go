package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
)

func buyRequest(instance string, qty, price float64) Request {
	return Request{
		InstanceID: instance,
		Symbol:     "BTCUSDT",
		Side:       exchange.SideBuy,
		Quantity:   qty,
		Price:      price,
	}
}

func TestLimitGateZeroLimitsApproveEverything(t *testing.T) {
	g := NewLimitGate(Limits{})

	ok, reason := g.Approve(context.Background(), buyRequest("dca-1", 1000, 65000))
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestLimitGateMinQuantity(t *testing.T) {
	g := NewLimitGate(Limits{MinQuantity: 0.001})

	ok, reason := g.Approve(context.Background(), buyRequest("dca-1", 0.0005, 65000))
	assert.False(t, ok)
	assert.Contains(t, reason, "below minimum")

	ok, _ = g.Approve(context.Background(), buyRequest("dca-1", 0.002, 65000))
	assert.True(t, ok)
}

func TestLimitGateMaxOrderQuote(t *testing.T) {
	g := NewLimitGate(Limits{MaxOrderQuote: 500})

	ok, reason := g.Approve(context.Background(), buyRequest("dca-1", 0.01, 65000))
	assert.False(t, ok)
	assert.Contains(t, reason, "per-order limit")

	// No known price means no quote check.
	ok, _ = g.Approve(context.Background(), buyRequest("dca-1", 0.01, 0))
	assert.True(t, ok)
}

func TestLimitGatePositionExposure(t *testing.T) {
	g := NewLimitGate(Limits{MaxPositionQuote: 1000})

	ok, _ := g.Approve(context.Background(), buyRequest("grid-1", 0.01, 60000))
	assert.False(t, ok)

	ok, _ = g.Approve(context.Background(), buyRequest("grid-1", 0.01, 40000))
	require.True(t, ok)
	g.RecordFill("grid-1", exchange.SideBuy, 400)

	// 400 held, another 700 would breach the 1000 cap.
	ok, reason := g.Approve(context.Background(), buyRequest("grid-1", 0.01, 70000))
	assert.False(t, ok)
	assert.Contains(t, reason, "exceed limit")

	// Sells are never blocked by the position cap and release exposure.
	sell := buyRequest("grid-1", 0.01, 70000)
	sell.Side = exchange.SideSell
	ok, _ = g.Approve(context.Background(), sell)
	assert.True(t, ok)

	g.RecordFill("grid-1", exchange.SideSell, 400)
	assert.Equal(t, 0.0, g.Exposure("grid-1"))

	// Exposure released, the buy fits again.
	ok, _ = g.Approve(context.Background(), buyRequest("grid-1", 0.01, 70000))
	assert.True(t, ok)
}

func TestLimitGateExposureIsPerInstance(t *testing.T) {
	g := NewLimitGate(Limits{MaxPositionQuote: 500})
	g.RecordFill("a", exchange.SideBuy, 450)

	ok, _ := g.Approve(context.Background(), buyRequest("a", 0.002, 50000))
	assert.False(t, ok)

	ok, _ = g.Approve(context.Background(), buyRequest("b", 0.002, 50000))
	assert.True(t, ok)
}

func TestLimitGateOrderRate(t *testing.T) {
	now := time.Now()
	g := NewLimitGate(Limits{MaxOrdersPerHour: 2})
	g.SetClock(func() time.Time { return now })

	ok, _ := g.Approve(context.Background(), buyRequest("scalp-1", 1, 100))
	require.True(t, ok)
	ok, _ = g.Approve(context.Background(), buyRequest("scalp-1", 1, 100))
	require.True(t, ok)

	ok, reason := g.Approve(context.Background(), buyRequest("scalp-1", 1, 100))
	assert.False(t, ok)
	assert.Contains(t, reason, "order rate")

	// Window slides, old approvals drop out.
	now = now.Add(61 * time.Minute)
	ok, _ = g.Approve(context.Background(), buyRequest("scalp-1", 1, 100))
	assert.True(t, ok)
}

func TestLimitGateForget(t *testing.T) {
	g := NewLimitGate(Limits{MaxPositionQuote: 100})
	g.RecordFill("x", exchange.SideBuy, 100)

	ok, _ := g.Approve(context.Background(), buyRequest("x", 1, 50))
	require.False(t, ok)

	g.Forget("x")
	ok, _ = g.Approve(context.Background(), buyRequest("x", 1, 50))
	assert.True(t, ok)
}

func TestLimitGateConcurrentApprovals(t *testing.T) {
	g := NewLimitGate(Limits{MaxOrdersPerHour: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				g.Approve(context.Background(), buyRequest("conc", 1, 100))
				g.RecordFill("conc", exchange.SideBuy, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 400.0, g.Exposure("conc"))
}
