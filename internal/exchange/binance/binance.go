// Package binance implements the spot adapter for Binance using the official
// REST endpoints via adshao/go-binance.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/web3guy0/tradepilot/internal/exchange"
)

const (
	testnetBaseURL = "https://testnet.binance.vision"

	// Binance allows 1200 request weight per minute; we stay well under it.
	requestsPerSecond = 10
	requestBurst      = 20

	defaultTimeout = 10 * time.Second
)

// Adapter is a Binance spot client bound to one account.
type Adapter struct {
	client  *gobinance.Client
	filters *exchange.FilterCache
	limiter *rate.Limiter
	now     func() time.Time
}

// New builds an adapter from credentials. Every request carries the timeout;
// a hung endpoint must never wedge a tick. The registry calls this through
// the factory; tests construct it directly.
func New(creds exchange.Credentials, testnet bool, filters *exchange.FilterCache, timeout time.Duration) (*Adapter, error) {
	if creds.Key == "" || creds.Secret == "" {
		return nil, fmt.Errorf("binance: %w", exchange.ErrAuth)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := gobinance.NewClient(creds.Key, creds.Secret)
	client.HTTPClient = &http.Client{Timeout: timeout}
	if testnet {
		client.BaseURL = testnetBaseURL
	}
	return &Adapter{
		client:  client,
		filters: filters,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		now:     time.Now,
	}, nil
}

// NewFactory returns a registry factory applying the per-call timeout to
// every client it builds.
func NewFactory(timeout time.Duration) exchange.Factory {
	return func(creds exchange.Credentials, testnet bool, filters *exchange.FilterCache) (exchange.Adapter, error) {
		return New(creds, testnet, filters, timeout)
	}
}

func (a *Adapter) Name() string { return "binance" }

func (a *Adapter) wait(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", exchange.ErrTransient, err)
	}
	return nil
}

// SpotPrice returns the last traded price for the symbol.
func (a *Adapter) SpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := a.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	prices, err := a.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, mapError(err)
	}
	if len(prices) == 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", exchange.ErrSymbolNotFound, symbol)
	}
	p, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", prices[0].Price, err)
	}
	return p, nil
}

// Balance returns the wallet state of one asset.
func (a *Adapter) Balance(ctx context.Context, asset string) (exchange.Balance, error) {
	balances, err := a.Balances(ctx)
	if err != nil {
		return exchange.Balance{}, err
	}
	for _, b := range balances {
		if b.Asset == asset {
			return b, nil
		}
	}
	return exchange.Balance{Asset: asset}, nil
}

// Balances returns every asset with a non-zero wallet state.
func (a *Adapter) Balances(ctx context.Context) ([]exchange.Balance, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]exchange.Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return nil, fmt.Errorf("parse free balance %q: %w", b.Free, err)
		}
		locked, err := decimal.NewFromString(b.Locked)
		if err != nil {
			return nil, fmt.Errorf("parse locked balance %q: %w", b.Locked, err)
		}
		if free.Sign() == 0 && locked.Sign() == 0 {
			continue
		}
		out = append(out, exchange.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// LastClosedCandle fetches the two most recent klines and returns the latest
// one that has fully closed. Binance returns klines ascending with the live
// candle last.
func (a *Adapter) LastClosedCandle(ctx context.Context, symbol string, iv exchange.Interval) (exchange.Candle, error) {
	if iv.IsMarket() {
		return exchange.Candle{}, fmt.Errorf("no candles for market interval")
	}
	if err := a.wait(ctx); err != nil {
		return exchange.Candle{}, err
	}
	klines, err := a.client.NewKlinesService().
		Symbol(symbol).
		Interval(iv.BinanceCode()).
		Limit(2).
		Do(ctx)
	if err != nil {
		return exchange.Candle{}, mapError(err)
	}

	candles := make([]exchange.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := parseKline(k)
		if err != nil {
			return exchange.Candle{}, err
		}
		candles = append(candles, c)
	}
	c, ok := exchange.LastClosed(candles, iv, a.now())
	if !ok {
		return exchange.Candle{}, fmt.Errorf("%w: no closed %s candle for %s", exchange.ErrTransient, iv, symbol)
	}
	return c, nil
}

func parseKline(k *gobinance.Kline) (exchange.Candle, error) {
	c := exchange.Candle{OpenTime: time.UnixMilli(k.OpenTime)}
	var err error
	if c.Open, err = decimal.NewFromString(k.Open); err != nil {
		return c, fmt.Errorf("parse kline open: %w", err)
	}
	if c.High, err = decimal.NewFromString(k.High); err != nil {
		return c, fmt.Errorf("parse kline high: %w", err)
	}
	if c.Low, err = decimal.NewFromString(k.Low); err != nil {
		return c, fmt.Errorf("parse kline low: %w", err)
	}
	if c.Close, err = decimal.NewFromString(k.Close); err != nil {
		return c, fmt.Errorf("parse kline close: %w", err)
	}
	if c.Volume, err = decimal.NewFromString(k.Volume); err != nil {
		return c, fmt.Errorf("parse kline volume: %w", err)
	}
	return c, nil
}

// MarketBuy places a market buy after flooring the quantity to the lot step
// and checking min notional against the current price.
func (a *Adapter) MarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (exchange.PlacedOrder, error) {
	qty, err := a.normalizeQty(ctx, symbol, qty, decimal.Zero)
	if err != nil {
		return exchange.PlacedOrder{}, err
	}
	return a.placeMarket(ctx, symbol, gobinance.SideTypeBuy, qty)
}

// MarketSell places a market sell after flooring the quantity to the lot step.
func (a *Adapter) MarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (exchange.PlacedOrder, error) {
	qty, err := a.normalizeQty(ctx, symbol, qty, decimal.Zero)
	if err != nil {
		return exchange.PlacedOrder{}, err
	}
	return a.placeMarket(ctx, symbol, gobinance.SideTypeSell, qty)
}

func (a *Adapter) placeMarket(ctx context.Context, symbol string, side gobinance.SideType, qty decimal.Decimal) (exchange.PlacedOrder, error) {
	if err := a.wait(ctx); err != nil {
		return exchange.PlacedOrder{}, err
	}
	res, err := a.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(gobinance.OrderTypeMarket).
		Quantity(qty.String()).
		Do(ctx)
	if err != nil {
		a.onOrderError(symbol, err)
		return exchange.PlacedOrder{}, mapError(err)
	}
	return normalizeOrder(res)
}

// LimitSell places a GTC limit sell, flooring the quantity to the lot step
// and the price to the tick size.
func (a *Adapter) LimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (exchange.PlacedOrder, error) {
	f, err := a.symbolFilters(ctx, symbol)
	if err != nil {
		return exchange.PlacedOrder{}, err
	}
	qty = exchange.FloorToStep(qty, f.LotStep)
	price = exchange.FloorToTick(price, f.TickSize)
	if qty.Sign() <= 0 || !exchange.MeetsMinNotional(qty, price, f.MinNotional) {
		return exchange.PlacedOrder{}, fmt.Errorf("%w: %s qty=%s price=%s below min notional %s",
			exchange.ErrFilterViolation, symbol, qty, price, f.MinNotional)
	}
	if err := a.wait(ctx); err != nil {
		return exchange.PlacedOrder{}, err
	}
	res, err := a.client.NewCreateOrderService().
		Symbol(symbol).
		Side(gobinance.SideTypeSell).
		Type(gobinance.OrderTypeLimit).
		TimeInForce(gobinance.TimeInForceTypeGTC).
		Quantity(qty.String()).
		Price(price.String()).
		Do(ctx)
	if err != nil {
		a.onOrderError(symbol, err)
		return exchange.PlacedOrder{}, mapError(err)
	}
	return normalizeOrder(res)
}

func normalizeOrder(res *gobinance.CreateOrderResponse) (exchange.PlacedOrder, error) {
	qtys := make([]decimal.Decimal, 0, len(res.Fills))
	prices := make([]decimal.Decimal, 0, len(res.Fills))
	for _, f := range res.Fills {
		q, err := decimal.NewFromString(f.Quantity)
		if err != nil {
			return exchange.PlacedOrder{}, fmt.Errorf("parse fill qty: %w", err)
		}
		p, err := decimal.NewFromString(f.Price)
		if err != nil {
			return exchange.PlacedOrder{}, fmt.Errorf("parse fill price: %w", err)
		}
		qtys = append(qtys, q)
		prices = append(prices, p)
	}
	filled, avg := exchange.VWAP(qtys, prices)
	if filled.Sign() == 0 && res.ExecutedQuantity != "" {
		eq, err := decimal.NewFromString(res.ExecutedQuantity)
		if err == nil {
			filled = eq
		}
	}
	return exchange.PlacedOrder{
		OrderID:   strconv.FormatInt(res.OrderID, 10),
		State:     exchange.OrderState(res.Status),
		FilledQty: filled,
		AvgPrice:  avg,
	}, nil
}

// CancelOrder cancels a resting order. "Unknown order" maps to
// ErrOrderNotFound, which callers treat as already gone.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid binance order id %q: %w", orderID, err)
	}
	if err := a.wait(ctx); err != nil {
		return err
	}
	_, err = a.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// OpenOrders lists resting orders for the symbol.
func (a *Adapter) OpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	orders, err := a.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]exchange.OpenOrder, 0, len(orders))
	for _, o := range orders {
		price, err := decimal.NewFromString(o.Price)
		if err != nil {
			return nil, fmt.Errorf("parse open order price: %w", err)
		}
		qty, err := decimal.NewFromString(o.OrigQuantity)
		if err != nil {
			return nil, fmt.Errorf("parse open order qty: %w", err)
		}
		out = append(out, exchange.OpenOrder{
			OrderID: strconv.FormatInt(o.OrderID, 10),
			Symbol:  o.Symbol,
			Side:    string(o.Side),
			Type:    string(o.Type),
			Price:   price,
			Qty:     qty,
		})
	}
	return out, nil
}

// SymbolFilters fetches lot step, tick size and min notional from exchange
// info. Callers normally go through the filter cache.
func (a *Adapter) SymbolFilters(ctx context.Context, symbol string) (exchange.Filters, error) {
	if err := a.wait(ctx); err != nil {
		return exchange.Filters{}, err
	}
	info, err := a.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return exchange.Filters{}, mapError(err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		var f exchange.Filters
		if lot := s.LotSizeFilter(); lot != nil {
			if f.LotStep, err = decimal.NewFromString(lot.StepSize); err != nil {
				return exchange.Filters{}, fmt.Errorf("parse lot step: %w", err)
			}
		}
		if pf := s.PriceFilter(); pf != nil {
			if f.TickSize, err = decimal.NewFromString(pf.TickSize); err != nil {
				return exchange.Filters{}, fmt.Errorf("parse tick size: %w", err)
			}
		}
		if nf := s.NotionalFilter(); nf != nil {
			if f.MinNotional, err = decimal.NewFromString(nf.MinNotional); err != nil {
				return exchange.Filters{}, fmt.Errorf("parse min notional: %w", err)
			}
		}
		return f, nil
	}
	return exchange.Filters{}, fmt.Errorf("%w: %s", exchange.ErrSymbolNotFound, symbol)
}

func (a *Adapter) symbolFilters(ctx context.Context, symbol string) (exchange.Filters, error) {
	return a.filters.Get(ctx, a.Name(), symbol, a.SymbolFilters)
}

// normalizeQty floors to the lot step and enforces min notional. A zero
// estimate price triggers a spot price lookup for the notional check.
func (a *Adapter) normalizeQty(ctx context.Context, symbol string, qty, price decimal.Decimal) (decimal.Decimal, error) {
	f, err := a.symbolFilters(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	qty = exchange.FloorToStep(qty, f.LotStep)
	if qty.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: %s quantity floors to zero", exchange.ErrFilterViolation, symbol)
	}
	if f.MinNotional.Sign() > 0 {
		if price.Sign() <= 0 {
			if price, err = a.SpotPrice(ctx, symbol); err != nil {
				return decimal.Zero, err
			}
		}
		if !exchange.MeetsMinNotional(qty, price, f.MinNotional) {
			return decimal.Zero, fmt.Errorf("%w: %s notional %s below %s",
				exchange.ErrFilterViolation, symbol, qty.Mul(price), f.MinNotional)
		}
	}
	return qty, nil
}

// onOrderError evicts cached filters when the venue rejected on a filter, so
// the next attempt refetches fresh constraints.
func (a *Adapter) onOrderError(symbol string, err error) {
	if errors.Is(mapError(err), exchange.ErrFilterViolation) {
		a.filters.Evict(a.Name(), symbol)
		log.Debug().Str("symbol", symbol).Msg("evicted binance filters after rejection")
	}
}

// mapError translates go-binance errors into the shared sentinel taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015:
			return fmt.Errorf("%w: %s", &exchange.RateLimitError{RetryAfter: time.Minute}, apiErr.Message)
		case -1013, -1111:
			return fmt.Errorf("%w: %s", exchange.ErrFilterViolation, apiErr.Message)
		case -1121:
			return fmt.Errorf("%w: %s", exchange.ErrSymbolNotFound, apiErr.Message)
		case -2010:
			// Binance reports both balance and filter rejections as
			// NEW_ORDER_REJECTED; the message disambiguates.
			if strings.Contains(strings.ToLower(apiErr.Message), "insufficient") {
				return fmt.Errorf("%w: %s", exchange.ErrInsufficientBalance, apiErr.Message)
			}
			return fmt.Errorf("%w: %s", exchange.ErrFilterViolation, apiErr.Message)
		case -2011, -2013:
			return fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, apiErr.Message)
		case -1022, -2014, -2015:
			return fmt.Errorf("%w: %s", exchange.ErrAuth, apiErr.Message)
		}
		if apiErr.Code <= -1000 && apiErr.Code >= -1099 {
			return fmt.Errorf("%w: binance %d: %s", exchange.ErrTransient, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("binance api error %d: %s", apiErr.Code, apiErr.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", exchange.ErrTransient, err)
	}
	// Anything else is a transport failure.
	return fmt.Errorf("%w: %v", exchange.ErrTransient, err)
}
