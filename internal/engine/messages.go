package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradepilot/internal/store"
)

// Notification texts. Markdown, sent per user through the notifier.

func executedMessage(o *store.Order) string {
	msg := fmt.Sprintf("🟢 *Order #%d executed*\n%s\nBought %s @ %s",
		o.ID, o.Symbol, o.Quantity.String(), o.EffectiveEntry().String())
	if o.TakeProfit.Valid {
		msg += fmt.Sprintf("\nTake profit: %s", o.TakeProfit.Decimal.String())
	}
	if o.StopLoss.Valid {
		msg += fmt.Sprintf("\nStop loss: %s", o.StopLoss.Decimal.String())
	}
	return msg
}

func closedMessage(o *store.Order, status store.Status, exitPrice decimal.Decimal) string {
	var title string
	switch status {
	case store.StatusClosedTP:
		title = "🎯 *Take profit hit*"
	case store.StatusClosedSL:
		title = "🛑 *Stop loss hit*"
	case store.StatusClosedManual:
		title = "✋ *Position closed*"
	case store.StatusClosedExternally:
		title = "⚠️ *Position sold externally*"
	default:
		title = "*Position closed*"
	}

	entry := o.EffectiveEntry()
	msg := fmt.Sprintf("%s\nOrder #%d %s\nEntry %s → Exit %s",
		title, o.ID, o.Symbol, entry.String(), exitPrice.String())

	if entry.Sign() > 0 && exitPrice.Sign() > 0 {
		pnl := exitPrice.Sub(entry).Mul(o.Quantity)
		pct := exitPrice.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
		msg += fmt.Sprintf("\nP&L: %s (%s%%)", pnl.Round(4).String(), pct.Round(2).String())
	}
	return msg
}

func cancelledMessage(o *store.Order, reason string) string {
	return fmt.Sprintf("🚫 *Order #%d cancelled*\n%s\n%s", o.ID, o.Symbol, reason)
}

func tpReplacedMessage(o *store.Order) string {
	return fmt.Sprintf("🔁 *Take profit re-placed*\nOrder #%d %s\nThe TP order was cancelled outside the service and has been restored at %s.",
		o.ID, o.Symbol, o.TakeProfit.Decimal.String())
}

func insufficientBalanceMessage(o *store.Order, quote string, need, have decimal.Decimal) string {
	return fmt.Sprintf("💸 *Insufficient balance*\nOrder #%d %s needs %s %s but only %s is free. The order stays pending.",
		o.ID, o.Symbol, need.Round(4).String(), quote, have.Round(4).String())
}

func adoptedMessage(o *store.Order) string {
	msg := fmt.Sprintf("📥 *Holding adopted*\nOrder #%d %s\nTracking %s @ %s",
		o.ID, o.Symbol, o.Quantity.String(), o.EffectiveEntry().String())
	if o.TakeProfit.Valid {
		msg += fmt.Sprintf("\nTake profit: %s", o.TakeProfit.Decimal.String())
	}
	return msg
}
