// Package exchange defines the spot-exchange adapter surface shared by the
// engine, the reconciler and the per-venue implementations. Adapters translate
// venue-specific wire formats and error codes into the types and sentinels
// declared here; everything above this package is venue-agnostic.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is a single kline. Adapters only ever return fully closed candles
// in ascending open-time order.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// CloseTime returns the instant the candle stops being live.
func (c Candle) CloseTime(iv Interval) time.Time {
	return c.OpenTime.Add(iv.Duration())
}

// Closed reports whether the candle is fully closed at the given instant.
func (c Candle) Closed(iv Interval, now time.Time) bool {
	return !c.CloseTime(iv).After(now)
}

// Balance is the wallet state of a single asset.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total returns free plus locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// OrderState is the venue-side lifecycle state of a placed order.
type OrderState string

const (
	OrderNew             OrderState = "NEW"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCanceled        OrderState = "CANCELED"
	OrderRejected        OrderState = "REJECTED"
)

// PlacedOrder is the adapter-normalized result of an order placement.
// FilledQty and AvgPrice are aggregated over the venue's fill list; for a
// resting limit order both are zero.
type PlacedOrder struct {
	OrderID   string
	State     OrderState
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
}

// OpenOrder is a resting order as reported by the venue.
type OpenOrder struct {
	OrderID string
	Symbol  string
	Side    string
	Type    string
	Price   decimal.Decimal
	Qty     decimal.Decimal
}

// Filters are the per-symbol trading constraints enforced before any order
// hits the wire.
type Filters struct {
	LotStep     decimal.Decimal
	TickSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// Adapter is a spot-exchange client bound to one set of credentials on one
// venue (mainnet or testnet). Implementations floor quantities to the lot
// step, round prices to the tick and reject sub-min-notional orders locally,
// so callers can hand over un-normalized decimals.
type Adapter interface {
	// Name returns the venue identifier ("binance", "bybit").
	Name() string

	// SpotPrice returns the current last-trade price for the symbol.
	SpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// Balance returns the wallet state of one asset. An asset the account
	// never touched comes back as zero balances, not an error.
	Balance(ctx context.Context, asset string) (Balance, error)

	// Balances returns every asset with a non-zero wallet state.
	Balances(ctx context.Context) ([]Balance, error)

	// LastClosedCandle returns the most recent fully closed candle for the
	// interval. The live candle is never returned.
	LastClosedCandle(ctx context.Context, symbol string, iv Interval) (Candle, error)

	// MarketBuy places a market buy for the given base quantity.
	MarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (PlacedOrder, error)

	// MarketSell places a market sell for the given base quantity.
	MarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (PlacedOrder, error)

	// LimitSell places a GTC limit sell at the given price.
	LimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (PlacedOrder, error)

	// CancelOrder cancels a resting order. An order that is already gone
	// surfaces as ErrOrderNotFound; callers treat that as success.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// OpenOrders lists resting orders for the symbol.
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)

	// SymbolFilters fetches the symbol's trading constraints from the venue.
	SymbolFilters(ctx context.Context, symbol string) (Filters, error)
}

// quoteAssets are the quote currencies recognized when splitting a symbol.
// Order matters: longer suffixes are tried first.
var quoteAssets = []string{"USDC", "USDT", "BUSD"}

// SplitSymbol splits a spot symbol into base and quote assets. It returns
// ErrSymbolNotFound for symbols quoted in an unsupported currency.
func SplitSymbol(symbol string) (base, quote string, err error) {
	for _, q := range quoteAssets {
		if len(symbol) > len(q) && symbol[len(symbol)-len(q):] == q {
			return symbol[:len(symbol)-len(q)], q, nil
		}
	}
	return "", "", ErrSymbolNotFound
}
