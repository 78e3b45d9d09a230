// Package bybit implements the spot adapter for Bybit's v5 REST API. The API
// has no official Go client, so this wraps resty with v5 HMAC signing.
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/web3guy0/tradepilot/internal/exchange"
)

const (
	mainnetBaseURL = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"

	recvWindow = "5000"
	category   = "spot"

	requestsPerSecond = 10
	requestBurst      = 20

	defaultTimeout = 10 * time.Second
)

// Adapter is a Bybit v5 spot client bound to one account.
type Adapter struct {
	http    *resty.Client
	key     string
	secret  string
	filters *exchange.FilterCache
	limiter *rate.Limiter
	now     func() time.Time
}

// New builds an adapter from credentials. Every request carries the timeout;
// a hung endpoint must never wedge a tick.
func New(creds exchange.Credentials, testnet bool, filters *exchange.FilterCache, timeout time.Duration) (*Adapter, error) {
	if creds.Key == "" || creds.Secret == "" {
		return nil, fmt.Errorf("bybit: %w", exchange.ErrAuth)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	baseURL := mainnetBaseURL
	if testnet {
		baseURL = testnetBaseURL
	}
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Adapter{
		http:    http,
		key:     creds.Key,
		secret:  creds.Secret,
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

func (a *Adapter) Name() string { return "bybit" }

// envelope is the uniform v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// sign computes the v5 HMAC: timestamp + key + recvWindow + payload, where
// payload is the sorted query string for GET and the raw JSON body for POST.
func (a *Adapter) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(timestamp + a.key + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) get(ctx context.Context, path string, params map[string]string, signed bool, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", exchange.ErrTransient, err)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	q := url.Values{}
	for _, k := range keys {
		q.Set(k, params[k])
	}
	query := q.Encode()

	req := a.http.R().SetContext(ctx).SetQueryParamsFromValues(q)
	if signed {
		ts := strconv.FormatInt(a.now().UnixMilli(), 10)
		req.SetHeader("X-BAPI-API-KEY", a.key).
			SetHeader("X-BAPI-TIMESTAMP", ts).
			SetHeader("X-BAPI-RECV-WINDOW", recvWindow).
			SetHeader("X-BAPI-SIGN", a.sign(ts, query))
	}

	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("%w: %v", exchange.ErrTransient, err)
	}
	return a.decode(resp, out)
}

func (a *Adapter) post(ctx context.Context, path string, body any, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", exchange.ErrTransient, err)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}
	ts := strconv.FormatInt(a.now().UnixMilli(), 10)

	resp, err := a.http.R().
		SetContext(ctx).
		SetHeader("X-BAPI-API-KEY", a.key).
		SetHeader("X-BAPI-TIMESTAMP", ts).
		SetHeader("X-BAPI-RECV-WINDOW", recvWindow).
		SetHeader("X-BAPI-SIGN", a.sign(ts, string(raw))).
		SetBody(raw).
		Post(path)
	if err != nil {
		return fmt.Errorf("%w: %v", exchange.ErrTransient, err)
	}
	return a.decode(resp, out)
}

func (a *Adapter) decode(resp *resty.Response, out any) error {
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("%w: bybit http %d", exchange.ErrTransient, resp.StatusCode())
	}
	if resp.StatusCode() == 429 {
		return fmt.Errorf("%w: bybit http 429", &exchange.RateLimitError{RetryAfter: time.Minute})
	}
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("%w: decode bybit response: %v", exchange.ErrTransient, err)
	}
	if env.RetCode != 0 {
		return mapRetCode(env.RetCode, env.RetMsg)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode bybit result: %w", err)
		}
	}
	return nil
}

// mapRetCode translates v5 return codes into the shared sentinel taxonomy.
func mapRetCode(code int, msg string) error {
	switch code {
	case 10006, 10018:
		return fmt.Errorf("%w: bybit %d: %s", &exchange.RateLimitError{RetryAfter: time.Minute}, code, msg)
	case 10003, 10004, 10005, 33004:
		return fmt.Errorf("%w: bybit %d: %s", exchange.ErrAuth, code, msg)
	case 110007, 170033, 170131:
		return fmt.Errorf("%w: bybit %d: %s", exchange.ErrInsufficientBalance, code, msg)
	case 170134, 170135, 170136, 170137, 170140:
		return fmt.Errorf("%w: bybit %d: %s", exchange.ErrFilterViolation, code, msg)
	case 110001, 170213:
		return fmt.Errorf("%w: bybit %d: %s", exchange.ErrOrderNotFound, code, msg)
	case 170121:
		return fmt.Errorf("%w: bybit %d: %s", exchange.ErrSymbolNotFound, code, msg)
	case 10002, 10016:
		return fmt.Errorf("%w: bybit %d: %s", exchange.ErrTransient, code, msg)
	}
	return fmt.Errorf("bybit api error %d: %s", code, msg)
}

// SpotPrice returns the last traded price for the symbol.
func (a *Adapter) SpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	err := a.get(ctx, "/v5/market/tickers", map[string]string{
		"category": category,
		"symbol":   symbol,
	}, false, &result)
	if err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", exchange.ErrSymbolNotFound, symbol)
	}
	p, err := decimal.NewFromString(result.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse last price %q: %w", result.List[0].LastPrice, err)
	}
	return p, nil
}

// Balance returns the wallet state of one asset from the unified account.
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
	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	err := a.get(ctx, "/v5/account/wallet-balance", map[string]string{
		"accountType": "UNIFIED",
	}, true, &result)
	if err != nil {
		return nil, err
	}

	var out []exchange.Balance
	for _, acct := range result.List {
		for _, c := range acct.Coin {
			total, err := decimal.NewFromString(c.WalletBalance)
			if err != nil {
				return nil, fmt.Errorf("parse wallet balance %q: %w", c.WalletBalance, err)
			}
			locked := decimal.Zero
			if c.Locked != "" {
				if locked, err = decimal.NewFromString(c.Locked); err != nil {
					return nil, fmt.Errorf("parse locked balance %q: %w", c.Locked, err)
				}
			}
			if total.Sign() == 0 {
				continue
			}
			out = append(out, exchange.Balance{
				Asset:  c.Coin,
				Free:   total.Sub(locked),
				Locked: locked,
			})
		}
	}
	return out, nil
}

// LastClosedCandle fetches the two most recent klines and returns the latest
// fully closed one. Bybit returns klines newest first.
func (a *Adapter) LastClosedCandle(ctx context.Context, symbol string, iv exchange.Interval) (exchange.Candle, error) {
	if iv.IsMarket() {
		return exchange.Candle{}, fmt.Errorf("no candles for market interval")
	}
	var result struct {
		List [][]string `json:"list"`
	}
	err := a.get(ctx, "/v5/market/kline", map[string]string{
		"category": category,
		"symbol":   symbol,
		"interval": iv.BybitCode(),
		"limit":    "2",
	}, false, &result)
	if err != nil {
		return exchange.Candle{}, err
	}

	// Reverse into ascending open-time order before picking the last closed.
	candles := make([]exchange.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		c, err := parseKline(result.List[i])
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

// parseKline decodes a v5 kline row: [startTime, open, high, low, close,
// volume, turnover].
func parseKline(row []string) (exchange.Candle, error) {
	if len(row) < 6 {
		return exchange.Candle{}, fmt.Errorf("short bybit kline row: %d fields", len(row))
	}
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return exchange.Candle{}, fmt.Errorf("parse kline start time: %w", err)
	}
	c := exchange.Candle{OpenTime: time.UnixMilli(ms)}
	if c.Open, err = decimal.NewFromString(row[1]); err != nil {
		return c, fmt.Errorf("parse kline open: %w", err)
	}
	if c.High, err = decimal.NewFromString(row[2]); err != nil {
		return c, fmt.Errorf("parse kline high: %w", err)
	}
	if c.Low, err = decimal.NewFromString(row[3]); err != nil {
		return c, fmt.Errorf("parse kline low: %w", err)
	}
	if c.Close, err = decimal.NewFromString(row[4]); err != nil {
		return c, fmt.Errorf("parse kline close: %w", err)
	}
	if c.Volume, err = decimal.NewFromString(row[5]); err != nil {
		return c, fmt.Errorf("parse kline volume: %w", err)
	}
	return c, nil
}

// MarketBuy places a market buy for a base quantity. marketUnit pins the qty
// to the base coin; Bybit defaults market buys to quote amounts otherwise.
func (a *Adapter) MarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (exchange.PlacedOrder, error) {
	return a.placeMarket(ctx, symbol, "Buy", qty)
}

// MarketSell places a market sell for a base quantity.
func (a *Adapter) MarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (exchange.PlacedOrder, error) {
	return a.placeMarket(ctx, symbol, "Sell", qty)
}

func (a *Adapter) placeMarket(ctx context.Context, symbol, side string, qty decimal.Decimal) (exchange.PlacedOrder, error) {
	qty, err := a.normalizeQty(ctx, symbol, qty)
	if err != nil {
		return exchange.PlacedOrder{}, err
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	err = a.post(ctx, "/v5/order/create", map[string]string{
		"category":   category,
		"symbol":     symbol,
		"side":       side,
		"orderType":  "Market",
		"qty":        qty.String(),
		"marketUnit": "baseCoin",
	}, &result)
	if err != nil {
		a.onOrderError(symbol, err)
		return exchange.PlacedOrder{}, err
	}

	// The create response carries no fill data; fetch the order for the
	// executed quantity and average price.
	placed, err := a.fetchOrder(ctx, symbol, result.OrderID)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Str("order_id", result.OrderID).
			Msg("bybit order placed but fill fetch failed")
		return exchange.PlacedOrder{OrderID: result.OrderID, State: exchange.OrderNew, FilledQty: qty}, nil
	}
	return placed, nil
}

// LimitSell places a GTC limit sell.
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
	var result struct {
		OrderID string `json:"orderId"`
	}
	err = a.post(ctx, "/v5/order/create", map[string]string{
		"category":    category,
		"symbol":      symbol,
		"side":        "Sell",
		"orderType":   "Limit",
		"qty":         qty.String(),
		"price":       price.String(),
		"timeInForce": "GTC",
	}, &result)
	if err != nil {
		a.onOrderError(symbol, err)
		return exchange.PlacedOrder{}, err
	}
	return exchange.PlacedOrder{OrderID: result.OrderID, State: exchange.OrderNew}, nil
}

// fetchOrder reads the fill state of an order from the realtime endpoint,
// falling back to history once the order leaves the open set.
func (a *Adapter) fetchOrder(ctx context.Context, symbol, orderID string) (exchange.PlacedOrder, error) {
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var result struct {
			List []struct {
				OrderID     string `json:"orderId"`
				OrderStatus string `json:"orderStatus"`
				CumExecQty  string `json:"cumExecQty"`
				AvgPrice    string `json:"avgPrice"`
			} `json:"list"`
		}
		err := a.get(ctx, path, map[string]string{
			"category": category,
			"symbol":   symbol,
			"orderId":  orderID,
		}, true, &result)
		if err != nil {
			return exchange.PlacedOrder{}, err
		}
		for _, o := range result.List {
			if o.OrderID != orderID {
				continue
			}
			placed := exchange.PlacedOrder{OrderID: orderID, State: mapOrderStatus(o.OrderStatus)}
			if o.CumExecQty != "" {
				if placed.FilledQty, err = decimal.NewFromString(o.CumExecQty); err != nil {
					return exchange.PlacedOrder{}, fmt.Errorf("parse cum exec qty: %w", err)
				}
			}
			if o.AvgPrice != "" {
				if placed.AvgPrice, err = decimal.NewFromString(o.AvgPrice); err != nil {
					return exchange.PlacedOrder{}, fmt.Errorf("parse avg price: %w", err)
				}
			}
			return placed, nil
		}
	}
	return exchange.PlacedOrder{}, fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, orderID)
}

func mapOrderStatus(s string) exchange.OrderState {
	switch s {
	case "New", "Untriggered":
		return exchange.OrderNew
	case "PartiallyFilled":
		return exchange.OrderPartiallyFilled
	case "Filled":
		return exchange.OrderFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return exchange.OrderCanceled
	case "Rejected":
		return exchange.OrderRejected
	}
	return exchange.OrderNew
}

// CancelOrder cancels a resting order.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return a.post(ctx, "/v5/order/cancel", map[string]string{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}, nil)
}

// OpenOrders lists resting orders for the symbol.
func (a *Adapter) OpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	var result struct {
		List []struct {
			OrderID   string `json:"orderId"`
			Symbol    string `json:"symbol"`
			Side      string `json:"side"`
			OrderType string `json:"orderType"`
			Price     string `json:"price"`
			Qty       string `json:"qty"`
		} `json:"list"`
	}
	err := a.get(ctx, "/v5/order/realtime", map[string]string{
		"category": category,
		"symbol":   symbol,
		"openOnly": "0",
	}, true, &result)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.OpenOrder, 0, len(result.List))
	for _, o := range result.List {
		price, err := decimal.NewFromString(o.Price)
		if err != nil {
			return nil, fmt.Errorf("parse open order price: %w", err)
		}
		qty, err := decimal.NewFromString(o.Qty)
		if err != nil {
			return nil, fmt.Errorf("parse open order qty: %w", err)
		}
		out = append(out, exchange.OpenOrder{
			OrderID: o.OrderID,
			Symbol:  o.Symbol,
			Side:    normalizeSide(o.Side),
			Type:    o.OrderType,
			Price:   price,
			Qty:     qty,
		})
	}
	return out, nil
}

func normalizeSide(s string) string {
	switch s {
	case "Buy":
		return "BUY"
	case "Sell":
		return "SELL"
	}
	return s
}

// SymbolFilters fetches lot step, tick size and min order value from
// instruments-info. Spot symbols express the lot step as basePrecision.
func (a *Adapter) SymbolFilters(ctx context.Context, symbol string) (exchange.Filters, error) {
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				BasePrecision string `json:"basePrecision"`
				QtyStep       string `json:"qtyStep"`
				MinOrderAmt   string `json:"minOrderAmt"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	err := a.get(ctx, "/v5/market/instruments-info", map[string]string{
		"category": category,
		"symbol":   symbol,
	}, false, &result)
	if err != nil {
		return exchange.Filters{}, err
	}
	for _, s := range result.List {
		if s.Symbol != symbol {
			continue
		}
		var f exchange.Filters
		step := s.LotSizeFilter.QtyStep
		if step == "" {
			step = s.LotSizeFilter.BasePrecision
		}
		if step != "" {
			if f.LotStep, err = decimal.NewFromString(step); err != nil {
				return exchange.Filters{}, fmt.Errorf("parse lot step: %w", err)
			}
		}
		if s.PriceFilter.TickSize != "" {
			if f.TickSize, err = decimal.NewFromString(s.PriceFilter.TickSize); err != nil {
				return exchange.Filters{}, fmt.Errorf("parse tick size: %w", err)
			}
		}
		if s.LotSizeFilter.MinOrderAmt != "" {
			if f.MinNotional, err = decimal.NewFromString(s.LotSizeFilter.MinOrderAmt); err != nil {
				return exchange.Filters{}, fmt.Errorf("parse min order amount: %w", err)
			}
		}
		return f, nil
	}
	return exchange.Filters{}, fmt.Errorf("%w: %s", exchange.ErrSymbolNotFound, symbol)
}

func (a *Adapter) symbolFilters(ctx context.Context, symbol string) (exchange.Filters, error) {
	return a.filters.Get(ctx, a.Name(), symbol, a.SymbolFilters)
}

func (a *Adapter) normalizeQty(ctx context.Context, symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	f, err := a.symbolFilters(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	qty = exchange.FloorToStep(qty, f.LotStep)
	if qty.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: %s quantity floors to zero", exchange.ErrFilterViolation, symbol)
	}
	if f.MinNotional.Sign() > 0 {
		price, err := a.SpotPrice(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		if !exchange.MeetsMinNotional(qty, price, f.MinNotional) {
			return decimal.Zero, fmt.Errorf("%w: %s notional %s below %s",
				exchange.ErrFilterViolation, symbol, qty.Mul(price), f.MinNotional)
		}
	}
	return qty, nil
}

func (a *Adapter) onOrderError(symbol string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, exchange.ErrFilterViolation) {
		a.filters.Evict(a.Name(), symbol)
		log.Debug().Str("symbol", symbol).Msg("evicted bybit filters after rejection")
	}
}
