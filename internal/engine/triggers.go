package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradepilot/internal/exchange"
	"github.com/web3guy0/tradepilot/internal/store"
)

// entryAction is the outcome of evaluating an entry trigger.
type entryAction int

const (
	entryWait entryAction = iota
	entryFire
	entryAbort
)

// evalEntry decides what to do with a pending plan. Market-interval plans
// fire unconditionally. Candle plans fire when the last closed candle of the
// entry interval closed at or above the entry price, abort when it closed
// above the ceiling, and otherwise keep waiting.
//
// The candle must have opened after the plan was created; without that guard
// a plan created mid-candle would fire off a close that predates it.
func (e *Engine) evalEntry(ctx context.Context, adapter exchange.Adapter, o *store.Order) (entryAction, error) {
	iv := exchange.Interval(o.EntryInterval)
	if iv.IsMarket() {
		return entryFire, nil
	}

	c, err := adapter.LastClosedCandle(ctx, o.Symbol, iv)
	if err != nil {
		return entryWait, err
	}
	if !c.OpenTime.After(o.CreatedAt) {
		return entryWait, nil
	}
	if o.MaxEntry.Sign() > 0 && c.Close.GreaterThan(o.MaxEntry) {
		return entryAbort, nil
	}
	if c.Close.GreaterThanOrEqual(o.EntryPrice) {
		return entryFire, nil
	}
	return entryWait, nil
}

// evalStop decides whether the stop loss fired: the last closed candle of
// the stop interval closed at or below the stop. A Market stop interval
// compares the live price instead. Returns the triggering price.
func (e *Engine) evalStop(ctx context.Context, adapter exchange.Adapter, o *store.Order) (bool, decimal.Decimal, error) {
	iv := exchange.Interval(o.StopInterval)
	if iv.IsMarket() {
		price, err := adapter.SpotPrice(ctx, o.Symbol)
		if err != nil {
			return false, decimal.Zero, err
		}
		return price.LessThanOrEqual(o.StopLoss.Decimal), price, nil
	}

	c, err := adapter.LastClosedCandle(ctx, o.Symbol, iv)
	if err != nil {
		return false, decimal.Zero, err
	}
	return c.Close.LessThanOrEqual(o.StopLoss.Decimal), c.Close, nil
}
