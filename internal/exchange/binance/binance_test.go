package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/tradepilot/internal/exchange"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestAdapter(t *testing.T, srv *httptest.Server, timeout time.Duration) *Adapter {
	t.Helper()
	a, err := New(exchange.Credentials{Key: "key", Secret: "secret"}, false, exchange.NewFilterCache(time.Hour), timeout)
	require.NoError(t, err)
	a.client.BaseURL = srv.URL
	return a
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()
	_, err := New(exchange.Credentials{}, false, exchange.NewFilterCache(time.Hour), time.Second)
	assert.ErrorIs(t, err, exchange.ErrAuth)
}

func TestNewAppliesDefaultTimeout(t *testing.T) {
	t.Parallel()
	a, err := New(exchange.Credentials{Key: "k", Secret: "s"}, false, exchange.NewFilterCache(time.Hour), 0)
	require.NoError(t, err)
	// A client without a deadline can wedge the tick loop on one hung call.
	assert.Equal(t, defaultTimeout, a.client.HTTPClient.Timeout)
}

func TestRequestsAreBounded(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})
	a := newTestAdapter(t, srv, 100*time.Millisecond)

	start := time.Now()
	_, err := a.SpotPrice(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.ErrorIs(t, err, exchange.ErrTransient)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSymbolFiltersParsesExchangeInfo(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"timezone": "UTC",
			"serverTime": 1700000000000,
			"symbols": [{
				"symbol": "BTCUSDT",
				"status": "TRADING",
				"baseAsset": "BTC",
				"quoteAsset": "USDT",
				"filters": [
					{"filterType": "PRICE_FILTER", "minPrice": "0.01000000", "maxPrice": "1000000.00000000", "tickSize": "0.01000000"},
					{"filterType": "LOT_SIZE", "minQty": "0.00010000", "maxQty": "9000.00000000", "stepSize": "0.00100000"},
					{"filterType": "NOTIONAL", "minNotional": "10.00000000", "applyMinToMarket": true}
				]
			}]
		}`))
	}))
	t.Cleanup(srv.Close)
	a := newTestAdapter(t, srv, time.Second)

	f, err := a.SymbolFilters(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, f.LotStep.Equal(d("0.001")), "lot step %s", f.LotStep)
	assert.True(t, f.TickSize.Equal(d("0.01")), "tick size %s", f.TickSize)
	assert.True(t, f.MinNotional.Equal(d("10")), "min notional %s", f.MinNotional)
}

func TestSymbolFiltersUnknownSymbol(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"timezone": "UTC", "serverTime": 1700000000000, "symbols": []}`))
	}))
	t.Cleanup(srv.Close)
	a := newTestAdapter(t, srv, time.Second)

	_, err := a.SymbolFilters(context.Background(), "NOPEUSDT")
	assert.ErrorIs(t, err, exchange.ErrSymbolNotFound)
}

func TestMapError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"rate limited", &common.APIError{Code: -1003, Message: "Too many requests."}, exchange.ErrRateLimited},
		{"ip ban", &common.APIError{Code: -1015, Message: "Too many new orders."}, exchange.ErrRateLimited},
		{"filter", &common.APIError{Code: -1013, Message: "Filter failure: LOT_SIZE"}, exchange.ErrFilterViolation},
		{"precision", &common.APIError{Code: -1111, Message: "Precision is over the maximum."}, exchange.ErrFilterViolation},
		{"unknown symbol", &common.APIError{Code: -1121, Message: "Invalid symbol."}, exchange.ErrSymbolNotFound},
		{"rejected insufficient", &common.APIError{Code: -2010, Message: "Account has insufficient balance."}, exchange.ErrInsufficientBalance},
		{"rejected filter", &common.APIError{Code: -2010, Message: "Filter failure: MIN_NOTIONAL"}, exchange.ErrFilterViolation},
		{"cancel unknown", &common.APIError{Code: -2011, Message: "Unknown order sent."}, exchange.ErrOrderNotFound},
		{"query unknown", &common.APIError{Code: -2013, Message: "Order does not exist."}, exchange.ErrOrderNotFound},
		{"bad signature", &common.APIError{Code: -1022, Message: "Signature for this request is not valid."}, exchange.ErrAuth},
		{"bad key", &common.APIError{Code: -2014, Message: "API-key format invalid."}, exchange.ErrAuth},
		{"rejected key", &common.APIError{Code: -2015, Message: "Invalid API-key, IP, or permissions."}, exchange.ErrAuth},
		{"server error", &common.APIError{Code: -1001, Message: "Internal error."}, exchange.ErrTransient},
		{"transport", errors.New("connection reset"), exchange.ErrTransient},
		{"deadline", context.DeadlineExceeded, exchange.ErrTransient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, mapError(tt.err), tt.want)
		})
	}
}

func TestMapErrorRetryAfter(t *testing.T) {
	t.Parallel()
	err := mapError(&common.APIError{Code: -1003, Message: "Too many requests."})
	var rl *exchange.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, time.Minute, rl.RetryAfter)
}

func TestParseKline(t *testing.T) {
	t.Parallel()
	c, err := parseKline(&gobinance.Kline{
		OpenTime: 1700000000000,
		Open:     "100.5",
		High:     "110",
		Low:      "99.1",
		Close:    "105",
		Volume:   "42.42",
	})
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000), c.OpenTime)
	assert.Equal(t, "100.5", c.Open.String())
	assert.Equal(t, "110", c.High.String())
	assert.Equal(t, "99.1", c.Low.String())
	assert.Equal(t, "105", c.Close.String())
	assert.Equal(t, "42.42", c.Volume.String())
}

func TestParseKlineBadNumber(t *testing.T) {
	t.Parallel()
	_, err := parseKline(&gobinance.Kline{Open: "not-a-number"})
	assert.Error(t, err)
}
