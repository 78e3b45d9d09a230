package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/tradepilot/internal/exchange"
	"github.com/web3guy0/tradepilot/internal/store"
)

func baseParams() CreateParams {
	return CreateParams{
		UserID:        1,
		ExchangeID:    1,
		APIKeyID:      1,
		Symbol:        "BTCUSDT",
		Side:          "LONG",
		Quantity:      d("0.5"),
		EntryPrice:    d("100"),
		MaxEntry:      d("110"),
		TakeProfit:    decimal.NullDecimal{Decimal: d("120"), Valid: true},
		StopLoss:      decimal.NullDecimal{Decimal: d("90"), Valid: true},
		EntryInterval: "1h",
		StopInterval:  "1h",
	}
}

func TestCreateOrderValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"short side", func(p *CreateParams) { p.Side = "SHORT" }},
		{"unknown quote asset", func(p *CreateParams) { p.Symbol = "BTCEUR" }},
		{"zero quantity", func(p *CreateParams) { p.Quantity = decimal.Zero }},
		{"negative entry", func(p *CreateParams) { p.EntryPrice = d("-1") }},
		{"ceiling below entry", func(p *CreateParams) { p.MaxEntry = d("99") }},
		{"tp below entry", func(p *CreateParams) { p.TakeProfit = decimal.NullDecimal{Decimal: d("95"), Valid: true} }},
		{"sl above entry", func(p *CreateParams) { p.StopLoss = decimal.NullDecimal{Decimal: d("105"), Valid: true} }},
		{"bad entry interval", func(p *CreateParams) { p.EntryInterval = "7m" }},
		{"bad stop interval", func(p *CreateParams) { p.StopInterval = "2w" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := baseParams()
			tc.mutate(&p)
			_, err := h.eng.CreateOrder(ctx, p)
			assert.ErrorIs(t, err, ErrInvalidOrder)
		})
	}
}

func TestCreateOrderPersistsPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.adapter.candles[exchange.Interval1h] = stagedCandle(time.Now(), "100")

	o, err := h.eng.CreateOrder(context.Background(), baseParams())
	require.NoError(t, err)
	require.NotZero(t, o.ID)
	assert.Equal(t, store.StatusPending, h.reload(t, o.ID).Status)
}

func TestCreateOrderRejectsTargetAlreadyReached(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	// The previous 1h candle already closed above the TP of 120.
	h.adapter.candles[exchange.Interval1h] = stagedCandle(time.Now(), "125")

	_, err := h.eng.CreateOrder(context.Background(), baseParams())
	require.ErrorIs(t, err, ErrInvalidOrder)
	assert.Contains(t, err.Error(), "take profit")
}

func TestCreateOrderTargetCheckSkippedWhenVenueDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.adapter.candleErr = exchange.ErrTransient

	o, err := h.eng.CreateOrder(context.Background(), baseParams())
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, h.reload(t, o.ID).Status)
}

func TestCancelOrderPendingOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	o := h.pendingOrder(t)
	require.NoError(t, h.eng.CancelOrder(ctx, 1, o.ID))
	got := h.reload(t, o.ID)
	assert.Equal(t, store.StatusCancelled, got.Status)
	assert.NotNil(t, got.ClosedAt)

	// Cancelling again, or cancelling someone else's order, fails.
	assert.ErrorIs(t, h.eng.CancelOrder(ctx, 1, o.ID), ErrInvalidOrder)
	assert.ErrorIs(t, h.eng.CancelOrder(ctx, 2, o.ID), store.ErrNotFound)

	executed := h.executedOrder(t)
	assert.ErrorIs(t, h.eng.CancelOrder(ctx, 1, executed.ID), ErrInvalidOrder)
}

func TestClosePosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.executedOrder(t)
	h.adapter.balances["BTC"] = exchange.Balance{Asset: "BTC", Free: d("0.5")}
	h.adapter.price = d("104")

	require.NoError(t, h.eng.ClosePosition(context.Background(), 1, o.ID))

	got := h.reload(t, o.ID)
	assert.Equal(t, store.StatusClosedManual, got.Status)
	assert.Equal(t, []string{"tp-resting"}, h.adapter.cancelled)
	require.Len(t, h.adapter.sells, 1)
	assert.Contains(t, h.notifier.last(), "Position closed")
}

func TestClosePositionRequiresExecuted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.pendingOrder(t)
	assert.ErrorIs(t, h.eng.ClosePosition(context.Background(), 1, o.ID), ErrInvalidOrder)
}

func TestUpdateOrderPendingEntryFields(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.pendingOrder(t)

	entry := d("95")
	qty := d("0.8")
	require.NoError(t, h.eng.UpdateOrder(context.Background(), 1, o.ID, UpdateParams{
		EntryPrice: &entry,
		Quantity:   &qty,
	}))

	got := h.reload(t, o.ID)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.True(t, got.EntryPrice.Equal(d("95")))
	assert.True(t, got.Quantity.Equal(d("0.8")))
}

func TestUpdateOrderIntervals(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.pendingOrder(t)

	entryIv := "4h"
	stopIv := "15m"
	require.NoError(t, h.eng.UpdateOrder(context.Background(), 1, o.ID, UpdateParams{
		EntryInterval: &entryIv,
		StopInterval:  &stopIv,
	}))

	got := h.reload(t, o.ID)
	assert.Equal(t, "4h", got.EntryInterval)
	assert.Equal(t, "15m", got.StopInterval)
}

func TestUpdateOrderRejectsUnknownInterval(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.pendingOrder(t)

	bad := "7m"
	err := h.eng.UpdateOrder(context.Background(), 1, o.ID, UpdateParams{EntryInterval: &bad})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	err = h.eng.UpdateOrder(context.Background(), 1, o.ID, UpdateParams{StopInterval: &bad})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	assert.Equal(t, "1h", h.reload(t, o.ID).EntryInterval)
}

func TestUpdateOrderIntervalsAfterExecution(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.executedOrder(t)

	// The stop interval still steers the exit and stays editable; the entry
	// interval is spent once the position is open.
	stopIv := "15m"
	require.NoError(t, h.eng.UpdateOrder(context.Background(), 1, o.ID, UpdateParams{StopInterval: &stopIv}))
	assert.Equal(t, "15m", h.reload(t, o.ID).StopInterval)

	entryIv := "4h"
	err := h.eng.UpdateOrder(context.Background(), 1, o.ID, UpdateParams{EntryInterval: &entryIv})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestUpdateOrderRejectsEntryEditsAfterExecution(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.executedOrder(t)

	entry := d("95")
	err := h.eng.UpdateOrder(context.Background(), 1, o.ID, UpdateParams{EntryPrice: &entry})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestUpdateOrderRejectsInvalidLevels(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.pendingOrder(t)

	tp := decimal.NullDecimal{Decimal: d("80"), Valid: true} // below entry
	err := h.eng.UpdateOrder(context.Background(), 1, o.ID, UpdateParams{TakeProfit: &tp})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestUpdateOrderBusyWhileInExecution(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.pendingOrder(t)
	require.NoError(t, h.store.Transition(context.Background(), o.ID, store.StatusPending, store.StatusInExecution, nil))

	sl := decimal.NullDecimal{Decimal: d("85"), Valid: true}
	err := h.eng.UpdateOrder(context.Background(), 1, o.ID, UpdateParams{StopLoss: &sl})
	assert.ErrorIs(t, err, ErrOrderBusy)
}

func TestUpdateOrderReplacesTPOnExecuted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.executedOrder(t)

	tp := decimal.NullDecimal{Decimal: d("130"), Valid: true}
	require.NoError(t, h.eng.UpdateOrder(context.Background(), 1, o.ID, UpdateParams{TakeProfit: &tp}))

	got := h.reload(t, o.ID)
	assert.Equal(t, store.StatusExecuted, got.Status)
	assert.True(t, got.TakeProfit.Decimal.Equal(d("130")))
	assert.NotEmpty(t, got.TPOrderID)
	assert.NotEqual(t, "tp-resting", got.TPOrderID)

	assert.Equal(t, []string{"tp-resting"}, h.adapter.cancelled)
	require.Len(t, h.adapter.limits, 1)
	assert.True(t, h.adapter.limits[0].Price.Equal(d("130")))
}

func TestUpdateOrderRejectsTPBelowMinNotionalBeforeCancelling(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.executedOrder(t)
	h.adapter.filters.MinNotional = d("100000")

	tp := decimal.NullDecimal{Decimal: d("130"), Valid: true}
	err := h.eng.UpdateOrder(context.Background(), 1, o.ID, UpdateParams{TakeProfit: &tp})
	require.ErrorIs(t, err, ErrInvalidOrder)

	// The existing TP must still be resting.
	got := h.reload(t, o.ID)
	assert.Equal(t, "tp-resting", got.TPOrderID)
	assert.Empty(t, h.adapter.cancelled)
}

func TestUpdateOrderTPKeptWhenFilterFetchFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.executedOrder(t)
	h.adapter.filtersErr = fmt.Errorf("%w: venue down", exchange.ErrTransient)

	tp := decimal.NullDecimal{Decimal: d("130"), Valid: true}
	err := h.eng.UpdateOrder(context.Background(), 1, o.ID, UpdateParams{TakeProfit: &tp})
	require.Error(t, err)

	// The old TP must still be resting and the order back to EXECUTED.
	got := h.reload(t, o.ID)
	assert.Equal(t, store.StatusExecuted, got.Status)
	assert.Equal(t, "tp-resting", got.TPOrderID)
	assert.True(t, got.TakeProfit.Decimal.Equal(d("120")))
	assert.Empty(t, h.adapter.cancelled)
	assert.Empty(t, h.adapter.limits)
}

func TestSplitOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.executedOrder(t)
	require.NoError(t, h.store.UpdateFields(context.Background(), o.ID, store.StatusExecuted, map[string]any{
		"quantity": d("1.0"),
	}))
	h.adapter.balances["BTC"] = exchange.Balance{Asset: "BTC", Locked: d("1.0")}

	sibling, err := h.eng.SplitOrder(context.Background(), 1, o.ID, SplitParams{
		SplitQty:          d("0.4"),
		SiblingTakeProfit: decimal.NullDecimal{Decimal: d("140"), Valid: true},
		SiblingStopLoss:   decimal.NullDecimal{Decimal: d("85"), Valid: true},
	})
	require.NoError(t, err)
	require.NotNil(t, sibling)

	got := h.reload(t, o.ID)
	assert.Equal(t, store.StatusExecuted, got.Status)
	assert.True(t, got.Quantity.Equal(d("0.6")))
	assert.NotEmpty(t, got.TPOrderID)
	assert.NotEqual(t, "tp-resting", got.TPOrderID)

	gotSib := h.reload(t, sibling.ID)
	assert.Equal(t, store.StatusExecuted, gotSib.Status)
	assert.True(t, gotSib.Quantity.Equal(d("0.4")))
	assert.True(t, gotSib.TakeProfit.Decimal.Equal(d("140")))
	assert.True(t, gotSib.ExecutedPrice.Decimal.Equal(d("100")))
	assert.NotEmpty(t, gotSib.TPOrderID)

	// Old TP cancelled, one new TP per leg.
	assert.Equal(t, []string{"tp-resting"}, h.adapter.cancelled)
	assert.Len(t, h.adapter.limits, 2)
}

func TestSplitOrderValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.executedOrder(t)

	// Split quantity must be strictly inside (0, quantity).
	_, err := h.eng.SplitOrder(context.Background(), 1, o.ID, SplitParams{SplitQty: d("0.5")})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = h.eng.SplitOrder(context.Background(), 1, o.ID, SplitParams{SplitQty: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	pending := h.pendingOrder(t)
	_, err = h.eng.SplitOrder(context.Background(), 1, pending.ID, SplitParams{SplitQty: d("0.1")})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestAdoptHolding(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.adapter.balances["BTC"] = exchange.Balance{Asset: "BTC", Free: d("0.3")}
	h.adapter.price = d("100")

	o, err := h.eng.AdoptHolding(context.Background(), AdoptParams{
		UserID:     1,
		ExchangeID: 1,
		APIKeyID:   1,
		Symbol:     "BTCUSDT",
		Quantity:   d("0.5"), // more than the wallet holds
		TakeProfit: decimal.NullDecimal{Decimal: d("120"), Valid: true},
		StopLoss:   decimal.NullDecimal{Decimal: d("90"), Valid: true},
	})
	require.NoError(t, err)

	got := h.reload(t, o.ID)
	assert.Equal(t, store.StatusExecuted, got.Status)
	// Capped at the free balance.
	assert.True(t, got.Quantity.Equal(d("0.3")))
	assert.True(t, got.ExecutedPrice.Decimal.Equal(d("100")))
	assert.NotEmpty(t, got.TPOrderID)
	require.NotNil(t, got.ExecutedAt)
	assert.Contains(t, h.notifier.last(), "adopted")
}

func TestAdoptHoldingPersistsBeforePlacingTP(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.adapter.balances["BTC"] = exchange.Balance{Asset: "BTC", Free: d("0.3")}
	h.adapter.price = d("100")
	h.adapter.limitErr = fmt.Errorf("%w: venue down", exchange.ErrTransient)

	o, err := h.eng.AdoptHolding(context.Background(), AdoptParams{
		UserID:     1,
		ExchangeID: 1,
		APIKeyID:   1,
		Symbol:     "BTCUSDT",
		Quantity:   d("0.3"),
		TakeProfit: decimal.NullDecimal{Decimal: d("120"), Valid: true},
	})
	require.NoError(t, err)

	// The position is tracked even though the TP never reached the venue;
	// the next tick re-places it.
	got := h.reload(t, o.ID)
	assert.Equal(t, store.StatusExecuted, got.Status)
	assert.Empty(t, got.TPOrderID)
}

func TestAdoptHoldingValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.AdoptHolding(ctx, AdoptParams{Symbol: "BTCEUR", Quantity: d("1")})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	// Levels validate against the live price, not a user-supplied entry.
	h.adapter.price = d("100")
	h.adapter.balances["BTC"] = exchange.Balance{Asset: "BTC", Free: d("1")}
	_, err = h.eng.AdoptHolding(ctx, AdoptParams{
		Symbol:     "BTCUSDT",
		Quantity:   d("1"),
		TakeProfit: decimal.NullDecimal{Decimal: d("99"), Valid: true},
	})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	// Nothing in the wallet to adopt.
	h.adapter.balances["BTC"] = exchange.Balance{Asset: "BTC"}
	_, err = h.eng.AdoptHolding(ctx, AdoptParams{Symbol: "BTCUSDT", Quantity: d("1")})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestOrdersScopedToUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.pendingOrder(t)

	got, err := h.eng.Orders(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, o.ID, got[0].ID)

	got, err = h.eng.Orders(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, got)
}
