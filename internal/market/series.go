package market

import "sync"

// Series groups the windows of one symbol by timeframe. Custom rules may
// reference several timeframes of the same instance.
type Series struct {
	mu       sync.RWMutex
	symbol   string
	capacity int
	windows  map[string]*Window
}

// NewSeries creates an empty series; windows are created on first use with
// the given capacity.
func NewSeries(symbol string, capacity int) *Series {
	return &Series{
		symbol:   symbol,
		capacity: capacity,
		windows:  make(map[string]*Window),
	}
}

// Window returns the window for timeframe, creating it when missing.
func (s *Series) Window(timeframe string) *Window {
	s.mu.RLock()
	w, ok := s.windows[timeframe]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[timeframe]; ok {
		return w
	}
	w = NewWindow(s.symbol, timeframe, s.capacity)
	s.windows[timeframe] = w
	return w
}

// Append records a sample on the given timeframe.
func (s *Series) Append(timeframe string, sample PriceSample) {
	s.Window(timeframe).Append(sample)
}

// Views captures a per-tick immutable view of every timeframe.
func (s *Series) Views() map[string]View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]View, len(s.windows))
	for tf, w := range s.windows {
		out[tf] = w.View()
	}
	return out
}

// Timeframes lists the timeframes holding data.
func (s *Series) Timeframes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.windows))
	for tf := range s.windows {
		out = append(out, tf)
	}
	return out
}

// Symbol returns the series symbol.
func (s *Series) Symbol() string { return s.symbol }
