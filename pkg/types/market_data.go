package types

import "time"

// Ticker is a point-in-time market quote.
type Ticker struct {
	Symbol    string
	Price     float64
	Volume    float64
	Timestamp time.Time
}

// Balance holds the free and locked amounts of one asset.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Total returns free plus locked.
func (b Balance) Total() float64 {
	return b.Free + b.Locked
}

// PriceLevel is one row of an order book side.
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// OrderBook is a depth snapshot. Bids sort best (highest) first, asks best
// (lowest) first.
type OrderBook struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}
