package engine

import "time"

// Ticker abstracts time.Ticker so tests can drive instance loops
// deterministically.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock is the scheduler used by instance loops. Production code runs on
// the wall clock; tests substitute a manual clock and advance it explicitly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// NewClock returns the wall clock.
func NewClock() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) NewTicker(d time.Duration) Ticker       { return &realTicker{inner: time.NewTicker(d)} }

type realTicker struct {
	inner *time.Ticker
}

func (t *realTicker) C() <-chan time.Time { return t.inner.C }
func (t *realTicker) Stop()               { t.inner.Stop() }

// nextTickDelay returns the wait until the next interval boundary, so the
// first tick lands on a candle close rather than at an arbitrary offset.
// A moment exactly on a boundary waits one full interval.
func nextTickDelay(now time.Time, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return now.Truncate(interval).Add(interval).Sub(now)
}
