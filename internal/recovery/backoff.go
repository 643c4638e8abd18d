package recovery

import (
	"math/rand"
	"sync"
	"time"

	"github.com/stratforge/crypto-strategy-engine/internal/engerr"
)

// Policy configures retry backoff and failure escalation for one instance
// loop.
type Policy struct {
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Jitter         float64       `mapstructure:"jitter"` // fraction of the delay, 0..1
	MaxConsecutive int           `mapstructure:"max_consecutive"` // 0 = retry forever
}

// DefaultPolicy returns the engine defaults: 1s doubling to 5m with 20%
// jitter, escalating after 5 consecutive failures.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      time.Second,
		Multiplier:     2.0,
		MaxDelay:       5 * time.Minute,
		Jitter:         0.2,
		MaxConsecutive: 5,
	}
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Minute
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = 0.2
	}
	return p
}

// Delay returns the backoff before retry number n (n >= 1), exponential and
// capped, without jitter.
func (p Policy) Delay(n int) time.Duration {
	p = p.withDefaults()
	if n < 1 {
		n = 1
	}
	delay := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Monitor tracks consecutive failures of one instance loop and decides
// between backing off and escalating to a terminal error state. A success
// resets the streak.
type Monitor struct {
	policy Policy
	rng    *rand.Rand

	mutex    sync.Mutex
	failures int
	lastErr  error
	stats    *engerr.Stats
}

// NewMonitor creates a monitor with the given policy.
func NewMonitor(policy Policy) *Monitor {
	return &Monitor{
		policy: policy.withDefaults(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		stats:  engerr.NewStats(50),
	}
}

// Failure records a failed tick. It returns the delay to sleep before the
// next attempt and whether the instance should escalate to its terminal
// error state. Fatal errors escalate at once; transient ones escalate after
// MaxConsecutive in a row (never, when MaxConsecutive is 0).
func (m *Monitor) Failure(err error) (time.Duration, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.failures++
	m.lastErr = err
	m.stats.Record(err)

	if engerr.IsFatal(err) {
		return 0, true
	}
	if m.policy.MaxConsecutive > 0 && m.failures >= m.policy.MaxConsecutive {
		return 0, true
	}
	return m.jittered(m.policy.Delay(m.failures)), false
}

// Success resets the failure streak.
func (m *Monitor) Success() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failures = 0
	m.lastErr = nil
}

// Consecutive returns the current failure streak length.
func (m *Monitor) Consecutive() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.failures
}

// LastError returns the most recent failure, nil after a success.
func (m *Monitor) LastError() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.lastErr
}

// Stats exposes the recorded error statistics.
func (m *Monitor) Stats() *engerr.Stats { return m.stats }

// jittered spreads the delay by ±Jitter to avoid synchronized retries
// across instances. Caller holds the lock.
func (m *Monitor) jittered(delay time.Duration) time.Duration {
	if m.policy.Jitter == 0 || delay == 0 {
		return delay
	}
	span := float64(delay) * m.policy.Jitter
	offset := (m.rng.Float64()*2 - 1) * span
	return time.Duration(float64(delay) + offset)
}
