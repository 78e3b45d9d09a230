package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// FloorToStep floors a base quantity down to a multiple of the lot step.
// A zero or negative step passes the value through unchanged.
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// FloorToTick floors a price down to a multiple of the tick size. Selling at
// a floored price is always at least as aggressive as the requested price.
func FloorToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

// MeetsMinNotional reports whether qty*price clears the symbol's minimum
// order value.
func MeetsMinNotional(qty, price, minNotional decimal.Decimal) bool {
	if minNotional.Sign() <= 0 {
		return true
	}
	return qty.Mul(price).GreaterThanOrEqual(minNotional)
}

// LastClosed picks the most recent fully closed candle from an
// ascending-by-open-time slice, dropping the live candle venues append at the
// end. Returns false if no candle in the slice has closed yet.
func LastClosed(candles []Candle, iv Interval, now time.Time) (Candle, bool) {
	for i := len(candles) - 1; i >= 0; i-- {
		if candles[i].Closed(iv, now) {
			return candles[i], true
		}
	}
	return Candle{}, false
}

// VWAP aggregates a fill list into total quantity and quantity-weighted
// average price. An empty list yields zeros.
func VWAP(qtys, prices []decimal.Decimal) (totalQty, avgPrice decimal.Decimal) {
	var notional decimal.Decimal
	for i := range qtys {
		totalQty = totalQty.Add(qtys[i])
		notional = notional.Add(qtys[i].Mul(prices[i]))
	}
	if totalQty.Sign() > 0 {
		avgPrice = notional.Div(totalQty)
	}
	return totalQty, avgPrice
}
