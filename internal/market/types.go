package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Resolution is a bar interval.
type Resolution string

const (
	Resolution1m  Resolution = "1m"
	Resolution5m  Resolution = "5m"
	Resolution15m Resolution = "15m"
	Resolution1h  Resolution = "1h"
	Resolution1d  Resolution = "1d"
)

// Resolutions lists the supported resolutions in ascending order.
var Resolutions = []Resolution{Resolution1m, Resolution5m, Resolution15m, Resolution1h, Resolution1d}

// Duration returns the length of one bar.
func (r Resolution) Duration() time.Duration {
	switch r {
	case Resolution1m:
		return time.Minute
	case Resolution5m:
		return 5 * time.Minute
	case Resolution15m:
		return 15 * time.Minute
	case Resolution1h:
		return time.Hour
	case Resolution1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// ParseResolution validates s.
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(s)
	if r.Duration() == 0 {
		return "", fmt.Errorf("unsupported resolution %q", s)
	}
	return r, nil
}

// Bar is one OHLCV candlestick. Prices and volume are decimals and encode as
// strings on the wire.
type Bar struct {
	Symbol     string          `json:"symbol" cbor:"symbol"`
	Resolution Resolution      `json:"resolution" cbor:"resolution"`
	OpenTime   time.Time       `json:"open_time" cbor:"open_time"`
	CloseTime  time.Time       `json:"close_time" cbor:"close_time"`
	Open       decimal.Decimal `json:"open" cbor:"open"`
	High       decimal.Decimal `json:"high" cbor:"high"`
	Low        decimal.Decimal `json:"low" cbor:"low"`
	Close      decimal.Decimal `json:"close" cbor:"close"`
	Volume     decimal.Decimal `json:"volume" cbor:"volume"`
	Trades     int             `json:"trades" cbor:"trades"`
	Complete   bool            `json:"complete" cbor:"complete"`
}

// NewBar starts an empty bar for the window containing ts.
func NewBar(symbol string, res Resolution, ts time.Time) *Bar {
	open := ts.UTC().Truncate(res.Duration())
	return &Bar{
		Symbol:     symbol,
		Resolution: res,
		OpenTime:   open,
		CloseTime:  open.Add(res.Duration()),
	}
}

// Contains reports whether ts falls inside the bar window.
func (b *Bar) Contains(ts time.Time) bool {
	return !ts.Before(b.OpenTime) && ts.Before(b.CloseTime)
}

// Update folds one trade into the bar.
func (b *Bar) Update(price, volume decimal.Decimal) {
	if b.Trades == 0 {
		b.Open, b.High, b.Low = price, price, price
	}
	if price.GreaterThan(b.High) {
		b.High = price
	}
	if price.LessThan(b.Low) {
		b.Low = price
	}
	b.Close = price
	b.Volume = b.Volume.Add(volume)
	b.Trades++
}
