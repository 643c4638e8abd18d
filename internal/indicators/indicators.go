package indicators

import (
	"errors"
	"fmt"
	"math"
)

// ErrInsufficientData is returned when a series is too short for the
// requested period. Callers treat it as "not yet", not as a failure.
var ErrInsufficientData = errors.New("insufficient data")

// RSI computes the relative strength index over the last period deltas.
// Needs period+1 closes. All-gain windows return 100; the result is always
// within [0, 100].
func RSI(closes []float64, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("rsi period must be >= 1, got %d", period)
	}
	if len(closes) < period+1 {
		return 0, fmt.Errorf("rsi(%d) needs %d closes, have %d: %w", period, period+1, len(closes), ErrInsufficientData)
	}

	window := closes[len(closes)-period-1:]
	var gains, losses float64
	for i := 1; i < len(window); i++ {
		delta := window[i] - window[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// SMA computes the arithmetic mean of the last period closes.
func SMA(closes []float64, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("sma period must be >= 1, got %d", period)
	}
	if len(closes) < period {
		return 0, fmt.Errorf("sma(%d) needs %d closes, have %d: %w", period, period, len(closes), ErrInsufficientData)
	}

	var sum float64
	for _, c := range closes[len(closes)-period:] {
		sum += c
	}
	return sum / float64(period), nil
}

// EMA computes the exponential moving average, seeded with the SMA of the
// first period values and smoothed with k = 2/(period+1).
func EMA(closes []float64, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("ema period must be >= 1, got %d", period)
	}
	if len(closes) < period {
		return 0, fmt.Errorf("ema(%d) needs %d closes, have %d: %w", period, period, len(closes), ErrInsufficientData)
	}
	series := emaSeries(closes, period)
	return series[len(series)-1], nil
}

// emaSeries returns the EMA aligned to closes. Entries before index
// period-1 are zero and carry no meaning.
func emaSeries(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))

	var sum float64
	for i := 0; i < period; i++ {
		sum += closes[i]
	}
	prev := sum / float64(period)
	out[period-1] = prev

	k := 2.0 / float64(period+1)
	for i := period; i < len(closes); i++ {
		prev = (closes[i]-prev)*k + prev
		out[i] = prev
	}
	return out
}

// MACDValue bundles the MACD line, its signal EMA and the histogram.
type MACDValue struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes fast EMA minus slow EMA and a signal EMA over the rolling
// MACD series. Needs slow+signal-1 closes so the signal line is a real EMA
// rather than a single-point average.
func MACD(closes []float64, fast, slow, signal int) (MACDValue, error) {
	if fast < 1 || slow < 1 || signal < 1 {
		return MACDValue{}, fmt.Errorf("macd periods must be >= 1, got %d/%d/%d", fast, slow, signal)
	}
	if fast >= slow {
		return MACDValue{}, fmt.Errorf("macd fast period %d must be less than slow period %d", fast, slow)
	}
	need := slow + signal - 1
	if len(closes) < need {
		return MACDValue{}, fmt.Errorf("macd(%d,%d,%d) needs %d closes, have %d: %w", fast, slow, signal, need, len(closes), ErrInsufficientData)
	}

	fastSeries := emaSeries(closes, fast)
	slowSeries := emaSeries(closes, slow)

	macdSeries := make([]float64, 0, len(closes)-slow+1)
	for i := slow - 1; i < len(closes); i++ {
		macdSeries = append(macdSeries, fastSeries[i]-slowSeries[i])
	}

	signalSeries := emaSeries(macdSeries, signal)
	line := macdSeries[len(macdSeries)-1]
	sig := signalSeries[len(signalSeries)-1]
	return MACDValue{MACD: line, Signal: sig, Histogram: line - sig}, nil
}

// Bands bundles the Bollinger band levels.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes SMA(period) bands at k population standard deviations.
func Bollinger(closes []float64, period int, k float64) (Bands, error) {
	if period < 1 {
		return Bands{}, fmt.Errorf("bollinger period must be >= 1, got %d", period)
	}
	if k < 0 {
		return Bands{}, fmt.Errorf("bollinger multiplier must be non-negative, got %.2f", k)
	}
	if len(closes) < period {
		return Bands{}, fmt.Errorf("bollinger(%d) needs %d closes, have %d: %w", period, period, len(closes), ErrInsufficientData)
	}

	window := closes[len(closes)-period:]
	var sum float64
	for _, c := range window {
		sum += c
	}
	middle := sum / float64(period)

	var variance float64
	for _, c := range window {
		d := c - middle
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))

	return Bands{
		Upper:  middle + k*sd,
		Middle: middle,
		Lower:  middle - k*sd,
	}, nil
}

// ATR computes a simplified average true range: the mean absolute
// consecutive close delta over the last period deltas. Needs period+1
// closes.
func ATR(closes []float64, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("atr period must be >= 1, got %d", period)
	}
	if len(closes) < period+1 {
		return 0, fmt.Errorf("atr(%d) needs %d closes, have %d: %w", period, period+1, len(closes), ErrInsufficientData)
	}

	window := closes[len(closes)-period-1:]
	var sum float64
	for i := 1; i < len(window); i++ {
		sum += math.Abs(window[i] - window[i-1])
	}
	return sum / float64(period), nil
}

// Stochastic computes %K over the last period closes. A flat window
// (max == min) returns the neutral 50.
func Stochastic(closes []float64, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("stochastic period must be >= 1, got %d", period)
	}
	if len(closes) < period {
		return 0, fmt.Errorf("stochastic(%d) needs %d closes, have %d: %w", period, period, len(closes), ErrInsufficientData)
	}

	window := closes[len(closes)-period:]
	lowest, highest := window[0], window[0]
	for _, c := range window[1:] {
		if c < lowest {
			lowest = c
		}
		if c > highest {
			highest = c
		}
	}
	if highest == lowest {
		return 50, nil
	}
	last := window[len(window)-1]
	return (last - lowest) / (highest - lowest) * 100, nil
}
