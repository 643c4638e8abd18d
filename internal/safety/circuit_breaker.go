package safety

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call while the breaker rejects traffic.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold uint32        // consecutive failures before opening
	SuccessThreshold uint32        // successes in half-open before closing
	Cooldown         time.Duration // open duration before probing
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// CircuitBreaker guards a downstream dependency. Consecutive failures open
// it; after the cooldown a probe call is let through, and enough probe
// successes close it again.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	now    func() time.Time

	mutex         sync.Mutex
	state         BreakerState
	failures      uint32
	successes     uint32
	lastFailure   time.Time
	openedUntil   time.Time
	onStateChange func(from, to BreakerState)
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		now:    time.Now,
		state:  BreakerClosed,
	}
}

// SetClock overrides the time source, for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.now = now
}

// OnStateChange registers a callback invoked after each transition. The
// callback runs on its own goroutine.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.onStateChange = fn
}

// Call runs fn under breaker protection. While open it fails fast with
// ErrCircuitOpen.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.admit() {
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	}

	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// admit decides whether a call may go through, transitioning open breakers
// to half-open once the cooldown has elapsed.
func (cb *CircuitBreaker) admit() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if cb.now().After(cb.openedUntil) {
			cb.transition(BreakerHalfOpen)
			cb.successes = 0
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures = 0
	if cb.state == BreakerHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(BreakerClosed)
			cb.successes = 0
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case BreakerClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.open()
		}
	case BreakerHalfOpen:
		// Failed probe reopens immediately.
		cb.open()
	case BreakerOpen:
		cb.openedUntil = cb.now().Add(cb.config.Cooldown)
	}
}

// open transitions to open. Caller holds the lock.
func (cb *CircuitBreaker) open() {
	cb.transition(BreakerOpen)
	cb.openedUntil = cb.now().Add(cb.config.Cooldown)
	cb.successes = 0
}

// transition changes state and fires the callback. Caller holds the lock.
func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		go cb.onStateChange(from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Reset forces the breaker closed and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.transition(BreakerClosed)
	cb.failures = 0
	cb.successes = 0
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return BreakerStats{
		Name:        cb.name,
		State:       cb.state,
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
		OpenedUntil: cb.openedUntil,
	}
}

// BreakerStats holds a snapshot of one breaker.
type BreakerStats struct {
	Name        string
	State       BreakerState
	Failures    uint32
	LastFailure time.Time
	OpenedUntil time.Time
}

// CircuitBreakerManager hands out named breakers, one per downstream.
type CircuitBreakerManager struct {
	breakers map[string]*CircuitBreaker
	mutex    sync.RWMutex
}

// NewCircuitBreakerManager creates an empty manager.
func NewCircuitBreakerManager() *CircuitBreakerManager {
	return &CircuitBreakerManager{breakers: make(map[string]*CircuitBreaker)}
}

// GetOrCreate returns the breaker registered under name, creating it with
// config on first use.
func (m *CircuitBreakerManager) GetOrCreate(name string, config BreakerConfig) *CircuitBreaker {
	m.mutex.RLock()
	if cb, exists := m.breakers[name]; exists {
		m.mutex.RUnlock()
		return cb
	}
	m.mutex.RUnlock()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := m.breakers[name]; exists {
		return cb
	}

	cb := NewCircuitBreaker(name, config)
	m.breakers[name] = cb
	return cb
}

// Get returns an existing breaker.
func (m *CircuitBreakerManager) Get(name string) (*CircuitBreaker, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	cb, exists := m.breakers[name]
	return cb, exists
}

// OpenCircuits lists the names of breakers currently open.
func (m *CircuitBreakerManager) OpenCircuits() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var open []string
	for name, cb := range m.breakers {
		if cb.State() == BreakerOpen {
			open = append(open, name)
		}
	}
	return open
}

// Stats returns snapshots of every registered breaker.
func (m *CircuitBreakerManager) Stats() []BreakerStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := make([]BreakerStats, 0, len(m.breakers))
	for _, cb := range m.breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}
