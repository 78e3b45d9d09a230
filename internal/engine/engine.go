// Package engine drives trade plans through their lifecycle. Every fast tick
// it scans non-terminal orders and processes each one inside a bounded worker
// pool; the status column is the lock, flipped to IN_EXECUTION before any
// exchange call and restored (or advanced) when the work is done.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradepilot/internal/clock"
	"github.com/web3guy0/tradepilot/internal/exchange"
	"github.com/web3guy0/tradepilot/internal/notify"
	"github.com/web3guy0/tradepilot/internal/store"
)

// AdapterSource resolves the exchange client an order trades through.
type AdapterSource interface {
	AdapterFor(ctx context.Context, o *store.Order) (exchange.Adapter, error)

	// Invalidate forgets any cached client behind the order's account, so
	// the next AdapterFor builds a fresh one. Called after an auth failure;
	// a rotated API key takes effect without a restart.
	Invalidate(o *store.Order)
}

// Config tunes the engine.
type Config struct {
	Workers          int             // concurrent orders per tick
	FeeMargin        decimal.Decimal // quote headroom reserved for taker fees
	QtyBuffer        decimal.Decimal // epsilon shaved off sell quantities
	BalanceNotifyTTL time.Duration   // insufficient-balance notify throttle
}

// Engine is the trade lifecycle engine.
type Engine struct {
	store    *store.Store
	adapters AdapterSource
	filters  *exchange.FilterCache
	notifier notify.Notifier
	clk      clock.Clock
	cfg      Config
	pool     *pond.WorkerPool

	mu              sync.Mutex
	balanceNotified map[int64]time.Time // user id -> last insufficient-balance notify
	filterRetried   map[int64]bool      // order id -> already retried after filter reject
}

// New creates an engine.
func New(st *store.Store, adapters AdapterSource, filters *exchange.FilterCache, notifier notify.Notifier, clk clock.Clock, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	pool := pond.New(cfg.Workers, cfg.Workers*4,
		pond.MinWorkers(1),
		pond.PanicHandler(func(p interface{}) {
			log.Error().Interface("panic", p).Msg("order worker panicked")
		}),
	)
	return &Engine{
		store:           st,
		adapters:        adapters,
		filters:         filters,
		notifier:        notifier,
		clk:             clk,
		cfg:             cfg,
		pool:            pool,
		balanceNotified: make(map[int64]time.Time),
		filterRetried:   make(map[int64]bool),
	}
}

// Stop drains the worker pool.
func (e *Engine) Stop() {
	e.pool.StopAndWait()
}

// Tick processes every non-terminal order once. Orders run concurrently up
// to the worker bound; the tick returns when all of them finished.
func (e *Engine) Tick(ctx context.Context) {
	orders, err := e.store.NonTerminalOrders(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list non-terminal orders")
		return
	}
	if len(orders) == 0 {
		return
	}

	group := e.pool.Group()
	for i := range orders {
		o := orders[i]
		group.Submit(func() {
			e.processOrder(ctx, &o)
		})
	}
	group.Wait()
}

// processOrder runs one order through its per-status step. Acquiring the
// IN_EXECUTION lock can lose the race to another worker; that is not an
// error, the order just skips this tick.
func (e *Engine) processOrder(ctx context.Context, o *store.Order) {
	switch o.Status {
	case store.StatusPending, store.StatusExecuted:
	case store.StatusInExecution:
		// A crashed worker's leftover; the reconciler resolves it.
		return
	default:
		return
	}

	prior := o.Status
	if err := e.store.Transition(ctx, o.ID, prior, store.StatusInExecution, nil); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Debug().Int64("order_id", o.ID).Msg("order taken by another worker, skipping")
			return
		}
		log.Error().Err(err).Int64("order_id", o.ID).Msg("failed to acquire order")
		return
	}

	switch prior {
	case store.StatusPending:
		e.runEntry(ctx, o)
	case store.StatusExecuted:
		e.runExit(ctx, o)
	}
}

// restore puts an acquired order back to its prior status, optionally with
// extra column updates.
func (e *Engine) restore(ctx context.Context, o *store.Order, prior store.Status, updates map[string]any) {
	if err := e.store.Transition(ctx, o.ID, store.StatusInExecution, prior, updates); err != nil {
		log.Error().Err(err).Int64("order_id", o.ID).Str("prior", string(prior)).
			Msg("failed to restore order status")
	}
}

// cancelAcquired terminates an acquired order as CANCELLED.
func (e *Engine) cancelAcquired(ctx context.Context, o *store.Order, reason string) {
	now := e.clk.Now()
	err := e.store.Transition(ctx, o.ID, store.StatusInExecution, store.StatusCancelled, map[string]any{
		"closed_at":    &now,
		"close_reason": reason,
	})
	if err != nil {
		log.Error().Err(err).Int64("order_id", o.ID).Msg("failed to cancel order")
		return
	}
	log.Info().Int64("order_id", o.ID).Str("symbol", o.Symbol).Str("reason", reason).Msg("order cancelled")
	e.notifier.Notify(o.UserID, cancelledMessage(o, reason))
}

// runEntry handles a PENDING order the engine has acquired: evaluate the
// entry trigger and, when it fires, buy and install the take profit.
func (e *Engine) runEntry(ctx context.Context, o *store.Order) {
	adapter, err := e.adapters.AdapterFor(ctx, o)
	if err != nil {
		e.entryError(ctx, o, err)
		return
	}

	action, err := e.evalEntry(ctx, adapter, o)
	if err != nil {
		e.entryError(ctx, o, err)
		return
	}
	switch action {
	case entryWait:
		e.restore(ctx, o, store.StatusPending, nil)
	case entryAbort:
		e.cancelAcquired(ctx, o, "price above entry ceiling")
	case entryFire:
		e.executeEntry(ctx, adapter, o)
	}
}

// entryError classifies a failure on the entry path. Retryable failures put
// the order back to PENDING untouched; auth failures kill the plan.
func (e *Engine) entryError(ctx context.Context, o *store.Order, err error) {
	switch {
	case errors.Is(err, exchange.ErrAuth):
		log.Warn().Err(err).Int64("order_id", o.ID).Msg("credentials rejected, cancelling order")
		e.adapters.Invalidate(o)
		e.cancelAcquired(ctx, o, "invalid API credentials")
	case errors.Is(err, exchange.ErrSymbolNotFound):
		log.Warn().Err(err).Int64("order_id", o.ID).Msg("symbol unknown on venue, cancelling order")
		e.cancelAcquired(ctx, o, "symbol not traded on exchange")
	default:
		if !exchange.IsRetryable(err) {
			log.Error().Err(err).Int64("order_id", o.ID).Msg("entry step failed")
		} else {
			log.Debug().Err(err).Int64("order_id", o.ID).Msg("entry step deferred")
		}
		e.restore(ctx, o, store.StatusPending, nil)
	}
}

// executeEntry buys the planned quantity at market and installs the TP.
// The order is IN_EXECUTION throughout.
func (e *Engine) executeEntry(ctx context.Context, adapter exchange.Adapter, o *store.Order) {
	f, err := e.filters.Get(ctx, adapter.Name(), o.Symbol, adapter.SymbolFilters)
	if err != nil {
		e.entryError(ctx, o, err)
		return
	}

	qty := exchange.FloorToStep(o.Quantity, f.LotStep)
	if qty.Sign() <= 0 {
		log.Warn().Int64("order_id", o.ID).Str("qty", o.Quantity.String()).
			Msg("quantity floors to zero lot steps, leaving pending")
		e.restore(ctx, o, store.StatusPending, nil)
		return
	}

	price, err := adapter.SpotPrice(ctx, o.Symbol)
	if err != nil {
		e.entryError(ctx, o, err)
		return
	}
	if !exchange.MeetsMinNotional(qty, price, f.MinNotional) {
		log.Warn().Int64("order_id", o.ID).Str("notional", qty.Mul(price).String()).
			Str("min_notional", f.MinNotional.String()).
			Msg("order value below min notional, leaving pending")
		e.restore(ctx, o, store.StatusPending, nil)
		return
	}

	_, quote, err := exchange.SplitSymbol(o.Symbol)
	if err != nil {
		e.entryError(ctx, o, err)
		return
	}
	bal, err := adapter.Balance(ctx, quote)
	if err != nil {
		e.entryError(ctx, o, err)
		return
	}
	need := qty.Mul(price).Mul(decimal.NewFromInt(1).Add(e.cfg.FeeMargin))
	if bal.Free.LessThan(need) {
		e.restore(ctx, o, store.StatusPending, nil)
		e.notifyInsufficientBalance(o, quote, need, bal.Free)
		return
	}

	res, err := adapter.MarketBuy(ctx, o.Symbol, qty)
	if err != nil {
		e.buyError(ctx, o, quote, need, bal.Free, err)
		return
	}

	filled := res.FilledQty
	if filled.Sign() <= 0 {
		filled = qty
	}
	execPrice := res.AvgPrice
	if execPrice.Sign() <= 0 {
		execPrice = price
	}
	now := e.clk.Now()

	tpOrderID := e.placeTP(ctx, adapter, o, filled, f)

	err = e.store.Transition(ctx, o.ID, store.StatusInExecution, store.StatusExecuted, map[string]any{
		"executed_price": decimal.NullDecimal{Decimal: execPrice, Valid: true},
		"executed_at":    &now,
		"quantity":       filled,
		"tp_order_id":    tpOrderID,
	})
	if err != nil {
		// The buy went through but the row would not advance; leave it
		// IN_EXECUTION for the reconciler rather than lose the fill.
		log.Error().Err(err).Int64("order_id", o.ID).Msg("buy filled but status update failed")
		return
	}

	e.mu.Lock()
	delete(e.filterRetried, o.ID)
	e.mu.Unlock()

	o.ExecutedPrice = decimal.NullDecimal{Decimal: execPrice, Valid: true}
	o.Quantity = filled
	log.Info().Int64("order_id", o.ID).Str("symbol", o.Symbol).
		Str("qty", filled.String()).Str("price", execPrice.String()).
		Msg("entry executed")
	e.notifier.Notify(o.UserID, executedMessage(o))
}

// buyError classifies a market-buy failure. A filter rejection gets exactly
// one retry with freshly fetched filters; a second rejection kills the plan.
func (e *Engine) buyError(ctx context.Context, o *store.Order, quote string, need, have decimal.Decimal, err error) {
	switch {
	case errors.Is(err, exchange.ErrInsufficientBalance):
		e.restore(ctx, o, store.StatusPending, nil)
		e.notifyInsufficientBalance(o, quote, need, have)
	case errors.Is(err, exchange.ErrFilterViolation):
		e.mu.Lock()
		retried := e.filterRetried[o.ID]
		e.filterRetried[o.ID] = true
		e.mu.Unlock()
		if retried {
			e.cancelAcquired(ctx, o, "order violates symbol filters")
			return
		}
		log.Warn().Err(err).Int64("order_id", o.ID).Msg("filter rejection, retrying with fresh filters next tick")
		e.restore(ctx, o, store.StatusPending, nil)
	default:
		e.entryError(ctx, o, err)
	}
}

// placeTP installs the limit sell for the take profit. The epsilon buffer
// keeps the sell quantity inside what the wallet actually credited after
// fees. Returns the venue order id, or "" when no TP was placed.
func (e *Engine) placeTP(ctx context.Context, adapter exchange.Adapter, o *store.Order, filled decimal.Decimal, f exchange.Filters) string {
	if !o.TakeProfit.Valid {
		return ""
	}
	one := decimal.NewFromInt(1)
	tpQty := exchange.FloorToStep(filled.Mul(one.Sub(e.cfg.QtyBuffer)), f.LotStep)
	tpPrice := exchange.FloorToTick(o.TakeProfit.Decimal, f.TickSize)
	if tpQty.Sign() <= 0 || !exchange.MeetsMinNotional(tpQty, tpPrice, f.MinNotional) {
		log.Warn().Int64("order_id", o.ID).Str("tp_qty", tpQty.String()).
			Msg("take profit below min notional, monitoring stop loss only")
		return ""
	}
	res, err := adapter.LimitSell(ctx, o.Symbol, tpQty, tpPrice)
	if err != nil {
		// Position is open either way; a later tick re-places the TP.
		log.Warn().Err(err).Int64("order_id", o.ID).Msg("take profit placement failed")
		return ""
	}
	log.Info().Int64("order_id", o.ID).Str("tp_order_id", res.OrderID).
		Str("price", tpPrice.String()).Msg("take profit placed")
	return res.OrderID
}

// runExit handles an EXECUTED order the engine has acquired: stop loss
// first, then position reconciliation (TP fill, missing TP, external sell).
func (e *Engine) runExit(ctx context.Context, o *store.Order) {
	adapter, err := e.adapters.AdapterFor(ctx, o)
	if err != nil {
		e.exitError(ctx, o, err)
		return
	}

	if o.StopLoss.Valid {
		hit, trigger, err := e.evalStop(ctx, adapter, o)
		if err != nil {
			e.exitError(ctx, o, err)
			return
		}
		if hit {
			log.Info().Int64("order_id", o.ID).Str("trigger", trigger.String()).Msg("stop loss hit")
			e.closeAcquired(ctx, adapter, o, store.StatusClosedSL, "stop loss hit", trigger)
			return
		}
	}

	e.checkPosition(ctx, adapter, o)
}

// exitError on the EXECUTED path always restores; there is an open position
// to protect and nothing here is fatal.
func (e *Engine) exitError(ctx context.Context, o *store.Order, err error) {
	if !exchange.IsRetryable(err) {
		log.Error().Err(err).Int64("order_id", o.ID).Msg("exit step failed")
	} else {
		log.Debug().Err(err).Int64("order_id", o.ID).Msg("exit step deferred")
	}
	e.restore(ctx, o, store.StatusExecuted, nil)
}

// checkPosition reconciles an acquired EXECUTED order against the venue:
// detects a filled TP, re-places an externally cancelled TP, and closes the
// order when the wallet shows the position was sold outside the service.
// Shared by the fast tick and the reconciliation sweep.
func (e *Engine) checkPosition(ctx context.Context, adapter exchange.Adapter, o *store.Order) {
	base, _, err := exchange.SplitSymbol(o.Symbol)
	if err != nil {
		e.exitError(ctx, o, err)
		return
	}
	bal, err := adapter.Balance(ctx, base)
	if err != nil {
		e.exitError(ctx, o, err)
		return
	}
	one := decimal.NewFromInt(1)
	threshold := o.Quantity.Mul(one.Sub(e.cfg.QtyBuffer))
	// A resting TP locks the base asset, so the position is free+locked.
	balanceDropped := bal.Total().LessThan(threshold)

	tpOpen := false
	if o.TPOrderID != "" {
		open, err := adapter.OpenOrders(ctx, o.Symbol)
		if err != nil {
			e.exitError(ctx, o, err)
			return
		}
		for _, oo := range open {
			if oo.OrderID == o.TPOrderID {
				tpOpen = true
				break
			}
		}
	}

	switch {
	case o.TPOrderID != "" && !tpOpen && balanceDropped:
		// TP gone and the coins left with it: the TP filled.
		e.closeAt(ctx, o, store.StatusClosedTP, "take profit filled", o.TakeProfit.Decimal)

	case o.TPOrderID != "" && !tpOpen:
		// TP gone but the coins are still here: cancelled outside the
		// service. Re-arm it.
		f, err := e.filters.Get(ctx, adapter.Name(), o.Symbol, adapter.SymbolFilters)
		if err != nil {
			e.exitError(ctx, o, err)
			return
		}
		newID := e.placeTP(ctx, adapter, o, o.Quantity, f)
		e.restore(ctx, o, store.StatusExecuted, map[string]any{"tp_order_id": newID})
		if newID != "" {
			log.Info().Int64("order_id", o.ID).Str("tp_order_id", newID).Msg("take profit re-placed after external cancel")
			e.notifier.Notify(o.UserID, tpReplacedMessage(o))
		}

	case balanceDropped:
		// Position sold outside the service.
		if o.TPOrderID != "" {
			e.cancelVenueOrder(ctx, adapter, o)
		}
		price, perr := adapter.SpotPrice(ctx, o.Symbol)
		if perr != nil {
			price = o.EffectiveEntry()
		}
		e.closeAt(ctx, o, store.StatusClosedExternally, "position sold externally", price)

	default:
		if o.TakeProfit.Valid && o.TPOrderID == "" {
			// Crash or earlier failure left the position unprotected.
			f, err := e.filters.Get(ctx, adapter.Name(), o.Symbol, adapter.SymbolFilters)
			if err != nil {
				e.exitError(ctx, o, err)
				return
			}
			if newID := e.placeTP(ctx, adapter, o, o.Quantity, f); newID != "" {
				e.restore(ctx, o, store.StatusExecuted, map[string]any{"tp_order_id": newID})
				return
			}
		}
		e.restore(ctx, o, store.StatusExecuted, nil)
	}
}

// closeAcquired liquidates an acquired position at market and terminalizes
// the order. Used by the stop loss and by manual close.
func (e *Engine) closeAcquired(ctx context.Context, adapter exchange.Adapter, o *store.Order, status store.Status, reason string, fallbackPrice decimal.Decimal) {
	if o.TPOrderID != "" {
		if !e.cancelVenueOrder(ctx, adapter, o) {
			// Could not free the locked coins; try again next tick.
			e.restore(ctx, o, store.StatusExecuted, nil)
			return
		}
	}

	exitPrice, err := e.sellWallet(ctx, adapter, o)
	if err != nil {
		log.Error().Err(err).Int64("order_id", o.ID).Msg("market sell failed")
		e.restore(ctx, o, store.StatusExecuted, map[string]any{"tp_order_id": ""})
		return
	}
	if exitPrice.Sign() <= 0 {
		exitPrice = fallbackPrice
	}
	e.closeAt(ctx, o, status, reason, exitPrice)
}

// cancelVenueOrder cancels the order's resting TP. An already-gone order
// counts as success.
func (e *Engine) cancelVenueOrder(ctx context.Context, adapter exchange.Adapter, o *store.Order) bool {
	err := adapter.CancelOrder(ctx, o.Symbol, o.TPOrderID)
	if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		log.Warn().Err(err).Int64("order_id", o.ID).Str("tp_order_id", o.TPOrderID).
			Msg("failed to cancel take profit")
		return false
	}
	return true
}

// sellWallet market-sells the position. The sell targets the recorded
// quantity; when the wallet no longer covers it (fees paid in base, dust),
// the epsilon buffer is applied and the remainder is sold instead.
func (e *Engine) sellWallet(ctx context.Context, adapter exchange.Adapter, o *store.Order) (decimal.Decimal, error) {
	base, _, err := exchange.SplitSymbol(o.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	f, err := e.filters.Get(ctx, adapter.Name(), o.Symbol, adapter.SymbolFilters)
	if err != nil {
		return decimal.Zero, err
	}
	bal, err := adapter.Balance(ctx, base)
	if err != nil {
		return decimal.Zero, err
	}

	qty := exchange.FloorToStep(o.Quantity, f.LotStep)
	if qty.GreaterThan(bal.Free) {
		one := decimal.NewFromInt(1)
		qty = exchange.FloorToStep(bal.Free.Mul(one.Sub(e.cfg.QtyBuffer)), f.LotStep)
	}
	if qty.Sign() <= 0 {
		return decimal.Zero, errors.New("no sellable balance")
	}

	res, err := adapter.MarketSell(ctx, o.Symbol, qty)
	if err != nil {
		return decimal.Zero, err
	}
	return res.AvgPrice, nil
}

// closeAt terminalizes an acquired order and sends the close notification.
func (e *Engine) closeAt(ctx context.Context, o *store.Order, status store.Status, reason string, exitPrice decimal.Decimal) {
	now := e.clk.Now()
	err := e.store.Transition(ctx, o.ID, store.StatusInExecution, status, map[string]any{
		"closed_at":    &now,
		"close_reason": reason,
		"tp_order_id":  "",
	})
	if err != nil {
		log.Error().Err(err).Int64("order_id", o.ID).Str("status", string(status)).
			Msg("failed to close order")
		return
	}
	log.Info().Int64("order_id", o.ID).Str("symbol", o.Symbol).
		Str("status", string(status)).Str("exit_price", exitPrice.String()).
		Msg("position closed")
	e.notifier.Notify(o.UserID, closedMessage(o, status, exitPrice))
}

// notifyInsufficientBalance tells the user their quote balance cannot cover
// a pending entry, at most once per user per throttle window.
func (e *Engine) notifyInsufficientBalance(o *store.Order, quote string, need, have decimal.Decimal) {
	now := e.clk.Now()
	e.mu.Lock()
	last, seen := e.balanceNotified[o.UserID]
	if seen && now.Sub(last) < e.cfg.BalanceNotifyTTL {
		e.mu.Unlock()
		return
	}
	e.balanceNotified[o.UserID] = now
	e.mu.Unlock()

	log.Warn().Int64("order_id", o.ID).Str("need", need.String()).Str("have", have.String()).
		Msg("insufficient balance for entry")
	e.notifier.Notify(o.UserID, insufficientBalanceMessage(o, quote, need, have))
}
