package safety

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter wraps a token bucket with a name for logging and stats.
type RateLimiter struct {
	name    string
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter allowing perSecond sustained operations
// with the given burst.
func NewRateLimiter(name string, perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Allow reports whether one operation may proceed now.
func (rl *RateLimiter) Allow() bool { return rl.limiter.Allow() }

// Wait blocks until an operation may proceed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error { return rl.limiter.Wait(ctx) }

// Reserve consumes a token and returns the delay before the operation may
// proceed.
func (rl *RateLimiter) Reserve() time.Duration { return rl.limiter.Reserve().Delay() }

// Stats returns a point-in-time snapshot of the limiter.
func (rl *RateLimiter) Stats() RateLimiterStats {
	return RateLimiterStats{
		Name:   rl.name,
		Rate:   float64(rl.limiter.Limit()),
		Burst:  rl.limiter.Burst(),
		Tokens: rl.limiter.Tokens(),
	}
}

// RateLimiterStats holds a snapshot of one limiter.
type RateLimiterStats struct {
	Name   string
	Rate   float64
	Burst  int
	Tokens float64
}

// RateLimiterManager hands out named limiters, one per protected resource.
type RateLimiterManager struct {
	limiters map[string]*RateLimiter
	mutex    sync.RWMutex
}

// NewRateLimiterManager creates an empty manager.
func NewRateLimiterManager() *RateLimiterManager {
	return &RateLimiterManager{limiters: make(map[string]*RateLimiter)}
}

// GetOrCreate returns the limiter registered under name, creating it with
// the given settings on first use.
func (m *RateLimiterManager) GetOrCreate(name string, perSecond float64, burst int) *RateLimiter {
	m.mutex.RLock()
	if rl, exists := m.limiters[name]; exists {
		m.mutex.RUnlock()
		return rl
	}
	m.mutex.RUnlock()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// Double-check after acquiring write lock
	if rl, exists := m.limiters[name]; exists {
		return rl
	}

	rl := NewRateLimiter(name, perSecond, burst)
	m.limiters[name] = rl
	return rl
}

// Get returns an existing limiter.
func (m *RateLimiterManager) Get(name string) (*RateLimiter, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	rl, exists := m.limiters[name]
	return rl, exists
}

// Stats returns snapshots of every registered limiter.
func (m *RateLimiterManager) Stats() []RateLimiterStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := make([]RateLimiterStats, 0, len(m.limiters))
	for _, rl := range m.limiters {
		stats = append(stats, rl.Stats())
	}
	return stats
}
