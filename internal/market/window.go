package market

import (
	"sync"
	"time"
)

// PriceSample is one observed market data point.
type PriceSample struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
}

// Window is a fixed-capacity rolling series of samples for one
// (symbol, timeframe) pair. Appending beyond capacity evicts the oldest
// sample. Safe for concurrent use.
type Window struct {
	mu        sync.RWMutex
	symbol    string
	timeframe string
	samples   []PriceSample
	head      int
	count     int
	gen       uint64
}

// NewWindow creates a window holding at most capacity samples.
// Capacity below 2 is raised to 2; indicators need at least two points.
func NewWindow(symbol, timeframe string, capacity int) *Window {
	if capacity < 2 {
		capacity = 2
	}
	return &Window{
		symbol:    symbol,
		timeframe: timeframe,
		samples:   make([]PriceSample, capacity),
	}
}

// Append adds a sample, evicting the oldest when full. Each append bumps
// the generation counter so cached indicator values become stale.
func (w *Window) Append(s PriceSample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := (w.head + w.count) % len(w.samples)
	w.samples[idx] = s
	if w.count < len(w.samples) {
		w.count++
	} else {
		w.head = (w.head + 1) % len(w.samples)
	}
	w.gen++
}

// Snapshot returns a copy of the most recent period samples ordered
// oldest first, most recent last. When fewer samples exist, all of them
// are returned; callers check the length.
func (w *Window) Snapshot(period int) []PriceSample {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if period <= 0 || period > w.count {
		period = w.count
	}
	out := make([]PriceSample, period)
	start := w.count - period
	for i := 0; i < period; i++ {
		out[i] = w.samples[(w.head+start+i)%len(w.samples)]
	}
	return out
}

// Last returns the most recent sample, if any.
func (w *Window) Last() (PriceSample, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.count == 0 {
		return PriceSample{}, false
	}
	return w.samples[(w.head+w.count-1)%len(w.samples)], true
}

// Len returns the number of held samples.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

// Capacity returns the fixed capacity.
func (w *Window) Capacity() int {
	return len(w.samples)
}

// Generation returns the current append generation. The indicator cache
// compares generations to decide whether a cached value is still valid.
func (w *Window) Generation() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.gen
}

// Symbol returns the window's symbol.
func (w *Window) Symbol() string { return w.symbol }

// Timeframe returns the window's timeframe label.
func (w *Window) Timeframe() string { return w.timeframe }

// View captures the whole window as an immutable value. Controllers take
// one View per tick so every evaluation inside the tick sees the same data.
func (w *Window) View() View {
	w.mu.RLock()
	defer w.mu.RUnlock()

	samples := make([]PriceSample, w.count)
	for i := 0; i < w.count; i++ {
		samples[i] = w.samples[(w.head+i)%len(w.samples)]
	}
	return View{
		symbol:     w.symbol,
		timeframe:  w.timeframe,
		samples:    samples,
		generation: w.gen,
	}
}
