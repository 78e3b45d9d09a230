package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradepilot/internal/exchange"
	"github.com/web3guy0/tradepilot/internal/store"
)

// Reconciler repairs drift between the database and the venues on the slow
// tick: orders abandoned IN_EXECUTION by a crash, take profits that filled
// or were cancelled behind our back, and positions sold outside the service.
type Reconciler struct {
	engine     *Engine
	staleAfter time.Duration
}

// NewReconciler creates a reconciler over the engine's collaborators.
func NewReconciler(e *Engine, staleAfter time.Duration) *Reconciler {
	return &Reconciler{engine: e, staleAfter: staleAfter}
}

// Run performs one reconciliation pass.
func (r *Reconciler) Run(ctx context.Context) {
	r.resolveStale(ctx)
	r.sweepExecuted(ctx)
}

// resolveStale settles orders stuck IN_EXECUTION longer than the threshold.
// The worker that held them is gone; the wallet tells us how far it got.
func (r *Reconciler) resolveStale(ctx context.Context) {
	e := r.engine
	cutoff := e.clk.Now().Add(-r.staleAfter)
	orders, err := e.store.StaleInExecution(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("failed to list stale in-execution orders")
		return
	}
	for i := range orders {
		o := orders[i]
		r.resolveStaleOrder(ctx, &o)
	}
}

func (r *Reconciler) resolveStaleOrder(ctx context.Context, o *store.Order) {
	e := r.engine
	log.Warn().Int64("order_id", o.ID).Str("symbol", o.Symbol).
		Time("updated_at", o.UpdatedAt).Msg("resolving abandoned in-execution order")

	adapter, err := e.adapters.AdapterFor(ctx, o)
	if err != nil {
		log.Error().Err(err).Int64("order_id", o.ID).Msg("cannot reach venue for stale order")
		return
	}

	// An order that already has a fill recorded was EXECUTED before the
	// crash; put it straight back.
	if o.ExecutedAt != nil {
		e.restore(ctx, o, store.StatusExecuted, nil)
		return
	}

	// No fill recorded: did the buy land? The wallet is the only witness.
	base, _, err := exchange.SplitSymbol(o.Symbol)
	if err != nil {
		log.Error().Err(err).Int64("order_id", o.ID).Msg("stale order has unsupported symbol")
		return
	}
	bal, err := adapter.Balance(ctx, base)
	if err != nil {
		log.Error().Err(err).Int64("order_id", o.ID).Msg("balance check failed for stale order")
		return
	}
	one := decimal.NewFromInt(1)
	threshold := o.Quantity.Mul(one.Sub(e.cfg.QtyBuffer))

	if bal.Total().GreaterThanOrEqual(threshold) {
		// The coins are here: the buy filled and the crash ate the
		// result. Recover with the spot price as the best fill estimate;
		// the next fast tick re-places the missing TP.
		price, perr := adapter.SpotPrice(ctx, o.Symbol)
		if perr != nil {
			log.Error().Err(perr).Int64("order_id", o.ID).Msg("price lookup failed for stale order")
			return
		}
		now := e.clk.Now()
		err = e.store.Transition(ctx, o.ID, store.StatusInExecution, store.StatusExecuted, map[string]any{
			"executed_price": decimal.NullDecimal{Decimal: price, Valid: true},
			"executed_at":    &now,
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			log.Error().Err(err).Int64("order_id", o.ID).Msg("failed to promote stale order")
			return
		}
		log.Info().Int64("order_id", o.ID).Str("price", price.String()).
			Msg("stale order promoted to executed from wallet evidence")
		return
	}

	// No coins: the buy never landed. Back to waiting.
	e.restore(ctx, o, store.StatusPending, nil)
	log.Info().Int64("order_id", o.ID).Msg("stale order restored to pending")
}

// sweepExecuted runs the position check over every executed order. The fast
// tick does the same work; this pass catches orders the fast tick keeps
// skipping and anything drifting between ticks.
func (r *Reconciler) sweepExecuted(ctx context.Context) {
	e := r.engine
	orders, err := e.store.Orders(ctx, store.OrderFilter{Statuses: []store.Status{store.StatusExecuted}})
	if err != nil {
		log.Error().Err(err).Msg("failed to list executed orders")
		return
	}
	for i := range orders {
		o := orders[i]
		if err := e.store.Transition(ctx, o.ID, store.StatusExecuted, store.StatusInExecution, nil); err != nil {
			continue
		}
		adapter, err := e.adapters.AdapterFor(ctx, &o)
		if err != nil {
			e.restore(ctx, &o, store.StatusExecuted, nil)
			continue
		}
		e.checkPosition(ctx, adapter, &o)
	}
}
