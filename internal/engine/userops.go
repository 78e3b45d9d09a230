package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradepilot/internal/exchange"
	"github.com/web3guy0/tradepilot/internal/store"
)

// ErrInvalidOrder wraps every user-input validation failure.
var ErrInvalidOrder = errors.New("invalid order")

// ErrOrderBusy means the order is mid-execution and cannot be edited right
// now; the caller should retry shortly.
var ErrOrderBusy = errors.New("order is being processed, try again")

// CreateParams describes a new trade plan.
type CreateParams struct {
	UserID     int64
	ExchangeID int64
	APIKeyID   int64
	IsTestnet  bool

	Symbol   string
	Side     string
	Quantity decimal.Decimal

	EntryPrice    decimal.Decimal
	MaxEntry      decimal.Decimal
	TakeProfit    decimal.NullDecimal
	StopLoss      decimal.NullDecimal
	EntryInterval string
	StopInterval  string
}

func (p *CreateParams) validate() error {
	if p.Side != "" && p.Side != "LONG" {
		return fmt.Errorf("%w: only LONG side is supported on spot", ErrInvalidOrder)
	}
	if _, _, err := exchange.SplitSymbol(p.Symbol); err != nil {
		return fmt.Errorf("%w: unsupported symbol %q", ErrInvalidOrder, p.Symbol)
	}
	if p.Quantity.Sign() <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if p.EntryPrice.Sign() <= 0 {
		return fmt.Errorf("%w: entry price must be positive", ErrInvalidOrder)
	}
	if p.MaxEntry.Sign() > 0 && p.MaxEntry.LessThan(p.EntryPrice) {
		return fmt.Errorf("%w: max entry must be >= entry price", ErrInvalidOrder)
	}
	if _, err := exchange.ParseInterval(p.EntryInterval); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if p.StopInterval != "" {
		if _, err := exchange.ParseInterval(p.StopInterval); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
	}
	return validateLevels(p.EntryPrice, p.TakeProfit, p.StopLoss)
}

// validateLevels enforces stop loss < entry < take profit for whichever
// levels are set.
func validateLevels(entry decimal.Decimal, tp, sl decimal.NullDecimal) error {
	if tp.Valid && !tp.Decimal.GreaterThan(entry) {
		return fmt.Errorf("%w: take profit must be above entry price", ErrInvalidOrder)
	}
	if sl.Valid && !sl.Decimal.LessThan(entry) {
		return fmt.Errorf("%w: stop loss must be below entry price", ErrInvalidOrder)
	}
	return nil
}

// CreateOrder validates and persists a new plan as PENDING. Market-interval
// plans are handed to a worker immediately instead of waiting for the next
// tick.
func (e *Engine) CreateOrder(ctx context.Context, p CreateParams) (*store.Order, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	o := &store.Order{
		UserID:        p.UserID,
		ExchangeID:    p.ExchangeID,
		APIKeyID:      p.APIKeyID,
		IsTestnet:     p.IsTestnet,
		Symbol:        p.Symbol,
		Side:          "LONG",
		Quantity:      p.Quantity,
		EntryPrice:    p.EntryPrice,
		MaxEntry:      p.MaxEntry,
		TakeProfit:    p.TakeProfit,
		StopLoss:      p.StopLoss,
		EntryInterval: p.EntryInterval,
		StopInterval:  p.StopInterval,
		Status:        store.StatusPending,
	}

	iv := exchange.Interval(p.EntryInterval)
	if !iv.IsMarket() && p.TakeProfit.Valid {
		// Reject a plan that is already past its target: if the last
		// closed candle closed at or above the TP there is nothing left
		// to capture. Skipped when the venue cannot answer right now.
		adapter, err := e.adapters.AdapterFor(ctx, o)
		if err == nil {
			c, cerr := adapter.LastClosedCandle(ctx, p.Symbol, iv)
			if cerr == nil && c.Close.GreaterThanOrEqual(p.TakeProfit.Decimal) {
				return nil, fmt.Errorf("%w: previous %s close %s already at or above take profit",
					ErrInvalidOrder, iv, c.Close)
			}
			if cerr != nil && !exchange.IsRetryable(cerr) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, cerr)
			}
		}
	}

	if err := e.store.CreateOrder(ctx, o); err != nil {
		return nil, err
	}
	log.Info().Int64("order_id", o.ID).Int64("user_id", o.UserID).Str("symbol", o.Symbol).
		Str("entry_interval", p.EntryInterval).Msg("order created")

	if iv.IsMarket() {
		e.pool.Submit(func() {
			e.processOrder(context.Background(), o)
		})
	}
	return o, nil
}

// UpdateParams patches an existing plan. Nil fields stay unchanged.
type UpdateParams struct {
	Quantity      *decimal.Decimal
	EntryPrice    *decimal.Decimal
	MaxEntry      *decimal.Decimal
	TakeProfit    *decimal.NullDecimal
	StopLoss      *decimal.NullDecimal
	EntryInterval *string
	StopInterval  *string
}

// UpdateOrder edits a plan. Entry-side fields (quantity, prices, entry
// interval) are editable while PENDING only; TP, SL and the stop interval are
// editable until the order closes. Changing the TP on an executed order
// re-places the venue order after validating the new level.
func (e *Engine) UpdateOrder(ctx context.Context, userID, orderID int64, p UpdateParams) error {
	o, err := e.store.UserOrder(ctx, userID, orderID)
	if err != nil {
		return err
	}
	if o.Status.Terminal() {
		return fmt.Errorf("%w: order %d is closed", ErrInvalidOrder, orderID)
	}
	if o.Status == store.StatusInExecution {
		return ErrOrderBusy
	}
	if o.Executed() && (p.Quantity != nil || p.EntryPrice != nil || p.MaxEntry != nil || p.EntryInterval != nil) {
		return fmt.Errorf("%w: entry fields cannot change after execution", ErrInvalidOrder)
	}

	// Merge and validate the resulting plan before touching anything.
	next := *o
	if p.Quantity != nil {
		if p.Quantity.Sign() <= 0 {
			return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
		}
		next.Quantity = *p.Quantity
	}
	if p.EntryPrice != nil {
		if p.EntryPrice.Sign() <= 0 {
			return fmt.Errorf("%w: entry price must be positive", ErrInvalidOrder)
		}
		next.EntryPrice = *p.EntryPrice
	}
	if p.MaxEntry != nil {
		next.MaxEntry = *p.MaxEntry
	}
	if p.TakeProfit != nil {
		next.TakeProfit = *p.TakeProfit
	}
	if p.StopLoss != nil {
		next.StopLoss = *p.StopLoss
	}
	if p.EntryInterval != nil {
		if _, err := exchange.ParseInterval(*p.EntryInterval); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
		next.EntryInterval = *p.EntryInterval
	}
	if p.StopInterval != nil {
		if *p.StopInterval != "" {
			if _, err := exchange.ParseInterval(*p.StopInterval); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
			}
		}
		next.StopInterval = *p.StopInterval
	}
	if next.MaxEntry.Sign() > 0 && next.MaxEntry.LessThan(next.EntryPrice) {
		return fmt.Errorf("%w: max entry must be >= entry price", ErrInvalidOrder)
	}
	if err := validateLevels(next.EffectiveEntry(), next.TakeProfit, next.StopLoss); err != nil {
		return err
	}

	prior := o.Status
	if err := e.store.Transition(ctx, o.ID, prior, store.StatusInExecution, nil); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrOrderBusy
		}
		return err
	}

	updates := map[string]any{
		"quantity":       next.Quantity,
		"entry_price":    next.EntryPrice,
		"max_entry":      next.MaxEntry,
		"take_profit":    next.TakeProfit,
		"stop_loss":      next.StopLoss,
		"entry_interval": next.EntryInterval,
		"stop_interval":  next.StopInterval,
	}

	tpChanged := p.TakeProfit != nil && !nullDecimalEqual(o.TakeProfit, next.TakeProfit)
	if o.Executed() && tpChanged {
		adapter, err := e.adapters.AdapterFor(ctx, o)
		if err != nil {
			e.restore(ctx, o, prior, nil)
			return err
		}
		// Validate the new TP against the symbol filters before cancelling
		// the old one, so a bad edit never leaves the position naked.
		var f exchange.Filters
		if next.TakeProfit.Valid {
			if f, err = e.filters.Get(ctx, adapter.Name(), o.Symbol, adapter.SymbolFilters); err != nil {
				e.restore(ctx, o, prior, nil)
				return err
			}
			one := decimal.NewFromInt(1)
			tpQty := exchange.FloorToStep(o.Quantity.Mul(one.Sub(e.cfg.QtyBuffer)), f.LotStep)
			tpPrice := exchange.FloorToTick(next.TakeProfit.Decimal, f.TickSize)
			if tpQty.Sign() <= 0 || !exchange.MeetsMinNotional(tpQty, tpPrice, f.MinNotional) {
				e.restore(ctx, o, prior, nil)
				return fmt.Errorf("%w: new take profit is below the symbol's minimum order value", ErrInvalidOrder)
			}
		}
		if o.TPOrderID != "" {
			if !e.cancelVenueOrder(ctx, adapter, o) {
				e.restore(ctx, o, prior, nil)
				return fmt.Errorf("could not cancel existing take profit, try again")
			}
		}
		updates["tp_order_id"] = ""
		if next.TakeProfit.Valid {
			tmp := next
			if id := e.placeTP(ctx, adapter, &tmp, o.Quantity, f); id != "" {
				updates["tp_order_id"] = id
			}
		}
	}

	if err := e.store.Transition(ctx, o.ID, store.StatusInExecution, prior, updates); err != nil {
		log.Error().Err(err).Int64("order_id", o.ID).Msg("failed to apply order update")
		return err
	}
	log.Info().Int64("order_id", o.ID).Msg("order updated")
	return nil
}

func nullDecimalEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

// CancelOrder cancels a PENDING plan. Nothing was bought, so nothing is
// sold.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID int64) error {
	o, err := e.store.UserOrder(ctx, userID, orderID)
	if err != nil {
		return err
	}
	if o.Status != store.StatusPending {
		return fmt.Errorf("%w: only pending orders can be cancelled, order %d is %s",
			ErrInvalidOrder, orderID, o.Status)
	}
	now := e.clk.Now()
	err = e.store.Transition(ctx, o.ID, store.StatusPending, store.StatusCancelled, map[string]any{
		"closed_at":    &now,
		"close_reason": "cancelled by user",
	})
	if errors.Is(err, store.ErrConflict) {
		return ErrOrderBusy
	}
	if err == nil {
		log.Info().Int64("order_id", o.ID).Msg("order cancelled by user")
	}
	return err
}

// ClosePosition liquidates an EXECUTED order at market on user request.
func (e *Engine) ClosePosition(ctx context.Context, userID, orderID int64) error {
	o, err := e.store.UserOrder(ctx, userID, orderID)
	if err != nil {
		return err
	}
	if !o.Executed() {
		return fmt.Errorf("%w: order %d holds no position (%s)", ErrInvalidOrder, orderID, o.Status)
	}
	if err := e.store.Transition(ctx, o.ID, store.StatusExecuted, store.StatusInExecution, nil); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrOrderBusy
		}
		return err
	}

	adapter, err := e.adapters.AdapterFor(ctx, o)
	if err != nil {
		e.restore(ctx, o, store.StatusExecuted, nil)
		return err
	}
	e.closeAcquired(ctx, adapter, o, store.StatusClosedManual, "closed by user", o.EffectiveEntry())
	return nil
}

// SplitParams carves an executed order in two.
type SplitParams struct {
	SplitQty decimal.Decimal // quantity moved to the new sibling order

	// Exit levels per leg. Nil keeps the original order's level.
	KeepTakeProfit    *decimal.NullDecimal
	KeepStopLoss      *decimal.NullDecimal
	SiblingTakeProfit decimal.NullDecimal
	SiblingStopLoss   decimal.NullDecimal
}

// SplitOrder divides an executed position into two independently managed
// orders sharing the original fill price. The original TP is cancelled and
// each leg gets its own.
func (e *Engine) SplitOrder(ctx context.Context, userID, orderID int64, p SplitParams) (*store.Order, error) {
	o, err := e.store.UserOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Executed() {
		return nil, fmt.Errorf("%w: only executed orders can be split", ErrInvalidOrder)
	}
	if p.SplitQty.Sign() <= 0 || p.SplitQty.GreaterThanOrEqual(o.Quantity) {
		return nil, fmt.Errorf("%w: split quantity must be between 0 and %s", ErrInvalidOrder, o.Quantity)
	}

	keepTP := o.TakeProfit
	if p.KeepTakeProfit != nil {
		keepTP = *p.KeepTakeProfit
	}
	keepSL := o.StopLoss
	if p.KeepStopLoss != nil {
		keepSL = *p.KeepStopLoss
	}
	entry := o.EffectiveEntry()
	if err := validateLevels(entry, keepTP, keepSL); err != nil {
		return nil, err
	}
	if err := validateLevels(entry, p.SiblingTakeProfit, p.SiblingStopLoss); err != nil {
		return nil, err
	}

	if err := e.store.Transition(ctx, o.ID, store.StatusExecuted, store.StatusInExecution, nil); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrOrderBusy
		}
		return nil, err
	}

	adapter, err := e.adapters.AdapterFor(ctx, o)
	if err != nil {
		e.restore(ctx, o, store.StatusExecuted, nil)
		return nil, err
	}
	if o.TPOrderID != "" {
		if !e.cancelVenueOrder(ctx, adapter, o) {
			e.restore(ctx, o, store.StatusExecuted, nil)
			return nil, fmt.Errorf("could not cancel existing take profit, try again")
		}
	}

	keepQty := o.Quantity.Sub(p.SplitQty)
	sibling := &store.Order{
		UserID:        o.UserID,
		ExchangeID:    o.ExchangeID,
		APIKeyID:      o.APIKeyID,
		IsTestnet:     o.IsTestnet,
		Symbol:        o.Symbol,
		Side:          o.Side,
		EntryPrice:    o.EntryPrice,
		MaxEntry:      o.MaxEntry,
		TakeProfit:    p.SiblingTakeProfit,
		StopLoss:      p.SiblingStopLoss,
		EntryInterval: o.EntryInterval,
		StopInterval:  o.StopInterval,
		Status:        store.StatusExecuted,
		ExecutedPrice: o.ExecutedPrice,
		ExecutedAt:    o.ExecutedAt,
	}
	origUpdates := map[string]any{
		"take_profit": keepTP,
		"stop_loss":   keepSL,
		"tp_order_id": "",
	}
	if err := e.store.SplitExecuted(ctx, o, keepQty, p.SplitQty, origUpdates, sibling); err != nil {
		e.restore(ctx, o, store.StatusExecuted, nil)
		return nil, err
	}

	// Re-arm the exits. Failures are non-fatal; the next tick heals a
	// missing TP on either leg.
	f, ferr := e.filters.Get(ctx, adapter.Name(), o.Symbol, adapter.SymbolFilters)
	origTPID := ""
	if ferr == nil {
		keepLeg := *o
		keepLeg.Quantity = keepQty
		keepLeg.TakeProfit = keepTP
		origTPID = e.placeTP(ctx, adapter, &keepLeg, keepQty, f)
		if sibling.TakeProfit.Valid {
			if id := e.placeTP(ctx, adapter, sibling, sibling.Quantity, f); id != "" {
				if uerr := e.store.UpdateFields(ctx, sibling.ID, store.StatusExecuted, map[string]any{"tp_order_id": id}); uerr != nil {
					log.Error().Err(uerr).Int64("order_id", sibling.ID).Msg("failed to record sibling TP order id")
				}
			}
		}
	} else {
		log.Warn().Err(ferr).Int64("order_id", o.ID).Msg("split legs left without TP, next tick re-places")
	}

	e.restore(ctx, o, store.StatusExecuted, map[string]any{"tp_order_id": origTPID})
	log.Info().Int64("order_id", o.ID).Int64("sibling_id", sibling.ID).
		Str("keep_qty", keepQty.String()).Str("split_qty", p.SplitQty.String()).
		Msg("order split")
	return sibling, nil
}

// AdoptParams creates an order around coins the user already holds.
type AdoptParams struct {
	UserID     int64
	ExchangeID int64
	APIKeyID   int64
	IsTestnet  bool

	Symbol       string
	Quantity     decimal.Decimal
	TakeProfit   decimal.NullDecimal
	StopLoss     decimal.NullDecimal
	StopInterval string
}

// AdoptHolding creates an EXECUTED order from an existing wallet balance:
// no buy happens, the current spot price is recorded as the entry and the TP
// is placed immediately. The adopted quantity is capped at the free balance.
func (e *Engine) AdoptHolding(ctx context.Context, p AdoptParams) (*store.Order, error) {
	if _, _, err := exchange.SplitSymbol(p.Symbol); err != nil {
		return nil, fmt.Errorf("%w: unsupported symbol %q", ErrInvalidOrder, p.Symbol)
	}
	if p.Quantity.Sign() <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if p.StopInterval != "" {
		if _, err := exchange.ParseInterval(p.StopInterval); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
	}

	o := &store.Order{
		UserID:     p.UserID,
		ExchangeID: p.ExchangeID,
		APIKeyID:   p.APIKeyID,
		IsTestnet:  p.IsTestnet,
		Symbol:     p.Symbol,
		Side:       "LONG",
	}
	adapter, err := e.adapters.AdapterFor(ctx, o)
	if err != nil {
		return nil, err
	}

	price, err := adapter.SpotPrice(ctx, p.Symbol)
	if err != nil {
		return nil, err
	}
	if err := validateLevels(price, p.TakeProfit, p.StopLoss); err != nil {
		return nil, err
	}

	base, _, _ := exchange.SplitSymbol(p.Symbol)
	bal, err := adapter.Balance(ctx, base)
	if err != nil {
		return nil, err
	}
	f, err := e.filters.Get(ctx, adapter.Name(), p.Symbol, adapter.SymbolFilters)
	if err != nil {
		return nil, err
	}
	qty := p.Quantity
	if qty.GreaterThan(bal.Free) {
		qty = bal.Free
	}
	qty = exchange.FloorToStep(qty, f.LotStep)
	if qty.Sign() <= 0 {
		return nil, fmt.Errorf("%w: no free %s balance to adopt", ErrInvalidOrder, base)
	}

	now := e.clk.Now()
	o.Quantity = qty
	o.EntryPrice = price
	o.TakeProfit = p.TakeProfit
	o.StopLoss = p.StopLoss
	o.EntryInterval = string(exchange.IntervalMarket)
	o.StopInterval = p.StopInterval
	o.Status = store.StatusExecuted
	o.ExecutedPrice = decimal.NullDecimal{Decimal: price, Valid: true}
	o.ExecutedAt = &now

	// Persist before touching the venue: an order placed first would rest
	// untracked if the insert failed. A failed TP here is healed by the
	// position check on the next tick.
	if err := e.store.CreateOrder(ctx, o); err != nil {
		return nil, err
	}
	if id := e.placeTP(ctx, adapter, o, qty, f); id != "" {
		if err := e.store.UpdateFields(ctx, o.ID, store.StatusExecuted, map[string]any{"tp_order_id": id}); err != nil {
			log.Error().Err(err).Int64("order_id", o.ID).Msg("failed to record adopted TP order id")
		} else {
			o.TPOrderID = id
		}
	}
	log.Info().Int64("order_id", o.ID).Str("symbol", o.Symbol).Str("qty", qty.String()).
		Msg("holding adopted")
	e.notifier.Notify(o.UserID, adoptedMessage(o))
	return o, nil
}

// Orders lists a user's orders, optionally filtered by status.
func (e *Engine) Orders(ctx context.Context, userID int64, statuses ...store.Status) ([]store.Order, error) {
	return e.store.Orders(ctx, store.OrderFilter{UserID: userID, Statuses: statuses})
}
