package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
)

// Request describes an order intent submitted for approval.
type Request struct {
	InstanceID string
	Symbol     string
	Side       exchange.Side
	Quantity   float64
	Price      float64 // last known price; 0 when unavailable
}

// QuoteValue returns the intent's notional in quote currency, 0 when no
// price is known.
func (r Request) QuoteValue() float64 {
	if r.Price <= 0 {
		return 0
	}
	return r.Quantity * r.Price
}

// Gate is the pre-trade approval boundary. A false verdict means the caller
// skips the action for this tick; it never stops the strategy. Implementations
// must be safe for concurrent calls from every instance goroutine.
type Gate interface {
	Approve(ctx context.Context, req Request) (bool, string)
}

// Limits configures the built-in gate. Zero values disable each check.
type Limits struct {
	MaxOrderQuote    float64 `mapstructure:"max_order_quote"`
	MaxPositionQuote float64 `mapstructure:"max_position_quote"`
	MaxOrdersPerHour int     `mapstructure:"max_orders_per_hour"`
	MinQuantity      float64 `mapstructure:"min_quantity"`
}

// LimitGate approves intents against static limits plus per-instance
// exposure and order-rate tracking.
type LimitGate struct {
	limits Limits
	now    func() time.Time

	mutex     sync.Mutex
	exposure  map[string]float64   // instance -> open quote exposure
	approvals map[string][]time.Time // instance -> approval times, pruned hourly
}

// NewLimitGate creates a gate enforcing the given limits.
func NewLimitGate(limits Limits) *LimitGate {
	return &LimitGate{
		limits:    limits,
		now:       time.Now,
		exposure:  make(map[string]float64),
		approvals: make(map[string][]time.Time),
	}
}

// SetClock overrides the time source, for tests.
func (g *LimitGate) SetClock(now func() time.Time) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.now = now
}

// Approve implements Gate.
func (g *LimitGate) Approve(_ context.Context, req Request) (bool, string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.limits.MinQuantity > 0 && req.Quantity < g.limits.MinQuantity {
		return false, fmt.Sprintf("quantity %.8f below minimum %.8f", req.Quantity, g.limits.MinQuantity)
	}

	quote := req.QuoteValue()
	if g.limits.MaxOrderQuote > 0 && quote > g.limits.MaxOrderQuote {
		return false, fmt.Sprintf("order value %.2f exceeds per-order limit %.2f", quote, g.limits.MaxOrderQuote)
	}

	if g.limits.MaxPositionQuote > 0 && req.Side == exchange.SideBuy {
		if g.exposure[req.InstanceID]+quote > g.limits.MaxPositionQuote {
			return false, fmt.Sprintf("position value %.2f would exceed limit %.2f",
				g.exposure[req.InstanceID]+quote, g.limits.MaxPositionQuote)
		}
	}

	if g.limits.MaxOrdersPerHour > 0 {
		recent := g.pruneLocked(req.InstanceID)
		if len(recent) >= g.limits.MaxOrdersPerHour {
			return false, fmt.Sprintf("order rate %d/h at limit %d/h", len(recent), g.limits.MaxOrdersPerHour)
		}
	}

	if g.limits.MaxOrdersPerHour > 0 {
		g.approvals[req.InstanceID] = append(g.approvals[req.InstanceID], g.now())
	}
	return true, ""
}

// RecordFill updates per-instance exposure from an executed order. Buys add
// to exposure, sells release it, floored at zero.
func (g *LimitGate) RecordFill(instanceID string, side exchange.Side, quoteValue float64) {
	if quoteValue <= 0 {
		return
	}
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if side == exchange.SideBuy {
		g.exposure[instanceID] += quoteValue
		return
	}
	g.exposure[instanceID] -= quoteValue
	if g.exposure[instanceID] < 0 {
		g.exposure[instanceID] = 0
	}
}

// Exposure returns the tracked open quote exposure for an instance.
func (g *LimitGate) Exposure(instanceID string) float64 {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.exposure[instanceID]
}

// Forget clears all state tracked for an instance.
func (g *LimitGate) Forget(instanceID string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	delete(g.exposure, instanceID)
	delete(g.approvals, instanceID)
}

// pruneLocked drops approvals older than one hour. Caller holds the lock.
func (g *LimitGate) pruneLocked(instanceID string) []time.Time {
	cutoff := g.now().Add(-time.Hour)
	times := g.approvals[instanceID]
	kept := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	g.approvals[instanceID] = kept
	return kept
}
