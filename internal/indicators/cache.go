package indicators

import (
	"sync"

	"github.com/stratforge/crypto-strategy-engine/internal/market"
)

// Defaults applied when a rule condition names a multi-parameter indicator
// with only a single period.
const (
	DefaultMACDFast   = 12
	DefaultMACDSlow   = 26
	DefaultMACDSignal = 9
	DefaultBollingerK = 2.0
)

type scalarKey struct {
	kind      Kind
	timeframe string
	period    int
}

type macdKey struct {
	timeframe          string
	fast, slow, signal int
}

type bandsKey struct {
	timeframe string
	period    int
	k         float64
}

type scalarEntry struct {
	gen   uint64
	value float64
	err   error
}

type macdEntry struct {
	gen   uint64
	value MACDValue
	err   error
}

type bandsEntry struct {
	gen   uint64
	value Bands
	err   error
}

// Cache memoizes indicator values per (kind, timeframe, period) for the
// current window generation. Appending to a window bumps its generation,
// which invalidates every cached value computed from it.
type Cache struct {
	mu      sync.Mutex
	scalars map[scalarKey]scalarEntry
	macds   map[macdKey]macdEntry
	bands   map[bandsKey]bandsEntry
	hits    int
	misses  int
}

// NewCache creates an empty cache. One cache serves one strategy instance.
func NewCache() *Cache {
	return &Cache{
		scalars: make(map[scalarKey]scalarEntry),
		macds:   make(map[macdKey]macdEntry),
		bands:   make(map[bandsKey]bandsEntry),
	}
}

func (c *Cache) scalar(v market.View, kind Kind, period int, compute func([]float64) (float64, error)) (float64, error) {
	key := scalarKey{kind: kind, timeframe: v.Timeframe(), period: period}

	c.mu.Lock()
	if e, ok := c.scalars[key]; ok && e.gen == v.Generation() {
		c.hits++
		c.mu.Unlock()
		return e.value, e.err
	}
	c.misses++
	c.mu.Unlock()

	value, err := compute(v.Closes(0))

	c.mu.Lock()
	c.scalars[key] = scalarEntry{gen: v.Generation(), value: value, err: err}
	c.mu.Unlock()
	return value, err
}

// RSI returns the cached or freshly computed RSI for the view.
func (c *Cache) RSI(v market.View, period int) (float64, error) {
	return c.scalar(v, KindRSI, period, func(closes []float64) (float64, error) {
		return RSI(closes, period)
	})
}

// SMA returns the cached or freshly computed SMA for the view.
func (c *Cache) SMA(v market.View, period int) (float64, error) {
	return c.scalar(v, KindSMA, period, func(closes []float64) (float64, error) {
		return SMA(closes, period)
	})
}

// EMA returns the cached or freshly computed EMA for the view.
func (c *Cache) EMA(v market.View, period int) (float64, error) {
	return c.scalar(v, KindEMA, period, func(closes []float64) (float64, error) {
		return EMA(closes, period)
	})
}

// ATR returns the cached or freshly computed simplified ATR for the view.
func (c *Cache) ATR(v market.View, period int) (float64, error) {
	return c.scalar(v, KindATR, period, func(closes []float64) (float64, error) {
		return ATR(closes, period)
	})
}

// Stochastic returns the cached or freshly computed %K for the view.
func (c *Cache) Stochastic(v market.View, period int) (float64, error) {
	return c.scalar(v, KindStochastic, period, func(closes []float64) (float64, error) {
		return Stochastic(closes, period)
	})
}

// MACD returns the cached or freshly computed MACD triple for the view.
func (c *Cache) MACD(v market.View, fast, slow, signal int) (MACDValue, error) {
	key := macdKey{timeframe: v.Timeframe(), fast: fast, slow: slow, signal: signal}

	c.mu.Lock()
	if e, ok := c.macds[key]; ok && e.gen == v.Generation() {
		c.hits++
		c.mu.Unlock()
		return e.value, e.err
	}
	c.misses++
	c.mu.Unlock()

	value, err := MACD(v.Closes(0), fast, slow, signal)

	c.mu.Lock()
	c.macds[key] = macdEntry{gen: v.Generation(), value: value, err: err}
	c.mu.Unlock()
	return value, err
}

// Bollinger returns the cached or freshly computed bands for the view.
func (c *Cache) Bollinger(v market.View, period int, k float64) (Bands, error) {
	key := bandsKey{timeframe: v.Timeframe(), period: period, k: k}

	c.mu.Lock()
	if e, ok := c.bands[key]; ok && e.gen == v.Generation() {
		c.hits++
		c.mu.Unlock()
		return e.value, e.err
	}
	c.misses++
	c.mu.Unlock()

	value, err := Bollinger(v.Closes(0), period, k)

	c.mu.Lock()
	c.bands[key] = bandsEntry{gen: v.Generation(), value: value, err: err}
	c.mu.Unlock()
	return value, err
}

// Value evaluates kind against the view for the rules engine. MACD kinds
// use the standard 12/26 EMA pair with period, when positive, overriding
// the signal period; Bollinger kinds use k = 2.
func (c *Cache) Value(v market.View, kind Kind, period int) (float64, error) {
	switch kind {
	case KindPrice:
		last, ok := v.Last()
		if !ok {
			return 0, ErrInsufficientData
		}
		return last.Price, nil
	case KindVolume:
		last, ok := v.Last()
		if !ok {
			return 0, ErrInsufficientData
		}
		return last.Volume, nil
	case KindRSI:
		return c.RSI(v, period)
	case KindSMA:
		return c.SMA(v, period)
	case KindEMA:
		return c.EMA(v, period)
	case KindATR:
		return c.ATR(v, period)
	case KindStochastic:
		return c.Stochastic(v, period)
	case KindMACD, KindMACDHistogram:
		signal := DefaultMACDSignal
		if period > 0 {
			signal = period
		}
		mv, err := c.MACD(v, DefaultMACDFast, DefaultMACDSlow, signal)
		if err != nil {
			return 0, err
		}
		if kind == KindMACDHistogram {
			return mv.Histogram, nil
		}
		return mv.MACD, nil
	case KindBollingerUpper, KindBollingerMiddle, KindBollingerLower:
		bands, err := c.Bollinger(v, period, DefaultBollingerK)
		if err != nil {
			return 0, err
		}
		switch kind {
		case KindBollingerUpper:
			return bands.Upper, nil
		case KindBollingerLower:
			return bands.Lower, nil
		default:
			return bands.Middle, nil
		}
	default:
		return 0, &UnknownKindError{Kind: kind}
	}
}

// Stats returns hit and miss counts, mostly for tests and monitoring.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// UnknownKindError reports a kind that escaped parse-time validation.
type UnknownKindError struct {
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return "unknown indicator " + string(e.Kind)
}
