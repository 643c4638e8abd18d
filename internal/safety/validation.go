package safety

import (
	"fmt"
	"math"
	"time"
)

// Bounds for sane market data. Values outside these are treated as feed
// corruption rather than real prices.
const (
	minReasonablePrice = 1e-8
	maxReasonablePrice = 1e10
)

// CheckPrice rejects prices that cannot be real market data.
func CheckPrice(symbol string, price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("price for %s must be finite", symbol)
	}
	if price <= 0 {
		return fmt.Errorf("price %.8f for %s must be positive", price, symbol)
	}
	if price < minReasonablePrice || price > maxReasonablePrice {
		return fmt.Errorf("price %.8g for %s must be within reasonable bounds", price, symbol)
	}
	return nil
}

// CheckQuantity rejects order quantities that cannot be executed.
func CheckQuantity(symbol string, quantity float64) error {
	if math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return fmt.Errorf("quantity for %s must be finite", symbol)
	}
	if quantity <= 0 {
		return fmt.Errorf("quantity %.8f for %s must be positive", quantity, symbol)
	}
	return nil
}

// CheckTimestamp rejects samples older than maxAge. Zero maxAge disables
// the check.
func CheckTimestamp(ts time.Time, now time.Time, maxAge time.Duration) error {
	if maxAge <= 0 {
		return nil
	}
	if age := now.Sub(ts); age > maxAge {
		return fmt.Errorf("sample is stale: %s old, limit %s", age.Round(time.Millisecond), maxAge)
	}
	return nil
}
