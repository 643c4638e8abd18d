package safety

import "context"

// Guard pairs a rate limiter with a circuit breaker in front of one
// downstream service. Exchange adapters are wrapped in one of these.
type Guard struct {
	limiter *RateLimiter
	breaker *CircuitBreaker
}

// NewGuard builds a guard named after the downstream it protects.
func NewGuard(name string, perSecond float64, burst int, breaker BreakerConfig) *Guard {
	return &Guard{
		limiter: NewRateLimiter(name, perSecond, burst),
		breaker: NewCircuitBreaker(name, breaker),
	}
}

// Do waits for rate limit headroom, then runs fn under the breaker.
func (g *Guard) Do(ctx context.Context, fn func() error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return g.breaker.Call(fn)
}

// Breaker exposes the underlying breaker for state inspection.
func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }

// Limiter exposes the underlying limiter for stats.
func (g *Guard) Limiter() *RateLimiter { return g.limiter }
