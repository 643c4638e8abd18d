package market

// View is an immutable snapshot of a window taken at tick start. Later
// appends to the window do not show through.
type View struct {
	symbol     string
	timeframe  string
	samples    []PriceSample
	generation uint64
}

// Symbol returns the originating window's symbol.
func (v View) Symbol() string { return v.symbol }

// Timeframe returns the originating window's timeframe label.
func (v View) Timeframe() string { return v.timeframe }

// Generation returns the window generation the view was taken at.
func (v View) Generation() uint64 { return v.generation }

// Len returns the number of samples in the view.
func (v View) Len() int { return len(v.samples) }

// Samples returns the most recent period samples, oldest first. period <= 0
// or beyond the view length yields everything held.
func (v View) Samples(period int) []PriceSample {
	if period <= 0 || period > len(v.samples) {
		period = len(v.samples)
	}
	return v.samples[len(v.samples)-period:]
}

// Closes returns the prices of the most recent period samples, oldest first.
func (v View) Closes(period int) []float64 {
	tail := v.Samples(period)
	out := make([]float64, len(tail))
	for i, s := range tail {
		out[i] = s.Price
	}
	return out
}

// LastPrice returns the most recent price, or 0 when the view is empty.
func (v View) LastPrice() float64 {
	if len(v.samples) == 0 {
		return 0
	}
	return v.samples[len(v.samples)-1].Price
}

// Last returns the most recent sample, if any.
func (v View) Last() (PriceSample, bool) {
	if len(v.samples) == 0 {
		return PriceSample{}, false
	}
	return v.samples[len(v.samples)-1], true
}
