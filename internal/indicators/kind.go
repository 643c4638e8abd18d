package indicators

import (
	"fmt"
	"strings"
)

// Kind names one value the rules engine can evaluate. The set is closed;
// parsing an unknown name fails at rule construction, never at tick time.
type Kind string

const (
	KindRSI             Kind = "rsi"
	KindSMA             Kind = "sma"
	KindEMA             Kind = "ema"
	KindMACD            Kind = "macd"
	KindMACDHistogram   Kind = "macd_histogram"
	KindBollingerUpper  Kind = "bollinger_upper"
	KindBollingerMiddle Kind = "bollinger_middle"
	KindBollingerLower  Kind = "bollinger_lower"
	KindATR             Kind = "atr"
	KindStochastic      Kind = "stochastic"
	KindPrice           Kind = "price"
	KindVolume          Kind = "volume"
)

var allKinds = map[Kind]struct{}{
	KindRSI:             {},
	KindSMA:             {},
	KindEMA:             {},
	KindMACD:            {},
	KindMACDHistogram:   {},
	KindBollingerUpper:  {},
	KindBollingerMiddle: {},
	KindBollingerLower:  {},
	KindATR:             {},
	KindStochastic:      {},
	KindPrice:           {},
	KindVolume:          {},
}

// ParseKind resolves a config string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := allKinds[k]; !ok {
		return "", fmt.Errorf("unknown indicator %q", s)
	}
	return k, nil
}

// NeedsPeriod reports whether the kind takes a lookback period.
// Price and volume read the latest sample directly.
func (k Kind) NeedsPeriod() bool {
	return k != KindPrice && k != KindVolume
}
