package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketfeed/hub/internal/config"
	"github.com/marketfeed/hub/internal/exchange"
	"github.com/marketfeed/hub/internal/model"
	"github.com/marketfeed/hub/pkg/observability"
)

var errKlinesUnavailable = errors.New("fakeSource: klines not available")

// fakeSource is a minimal exchange.Variant + poller.Source used to build a
// Hub without dialing any real network connection. Tests that exercise
// dispatch/REST logic never call Start(), so Variant's wire-protocol
// methods are never invoked.
type fakeSource struct {
	name string
}

func (f *fakeSource) Name() string                                       { return f.name }
func (f *fakeSource) WSURL() string                                      { return "wss://example.invalid/" + f.name }
func (f *fakeSource) FetchSymbols(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeSource) OnOpen(a *exchange.Base) error                      { return nil }
func (f *fakeSource) IsPong(raw []byte) bool                             { return false }
func (f *fakeSource) PingFrame() (int, []byte)                           { return 0, nil }
func (f *fakeSource) HandleMessage(a *exchange.Base, raw []byte) error   { return nil }
func (f *fakeSource) SubscribeSymbol(a *exchange.Base, symbol string, channels []model.Channel) error {
	return nil
}
func (f *fakeSource) UnsubscribeSymbol(a *exchange.Base, symbol string, channels []model.Channel) error {
	return nil
}
func (f *fakeSource) SubscribeKline(a *exchange.Base, symbol, interval string) error   { return nil }
func (f *fakeSource) UnsubscribeKline(a *exchange.Base, symbol, interval string) error { return nil }

func (f *fakeSource) InstrumentsRequest(ctx context.Context) (*http.Request, error) { return nil, nil }
func (f *fakeSource) ParseInstruments(body []byte) ([]model.Instrument, error)      { return nil, nil }
func (f *fakeSource) TickersRequest(ctx context.Context) (*http.Request, error)     { return nil, nil }
func (f *fakeSource) ParseTickers(body []byte) ([]model.Ticker, error)              { return nil, nil }
func (f *fakeSource) FundingRequest(ctx context.Context) (*http.Request, error)      { return nil, nil }
func (f *fakeSource) ParseFunding(body []byte) ([]model.Funding, error)             { return nil, nil }
func (f *fakeSource) OpenInterestRequest(ctx context.Context) (*http.Request, error) { return nil, nil }
func (f *fakeSource) ParseOpenInterest(body []byte) ([]model.OpenInterest, error)   { return nil, nil }
func (f *fakeSource) IntervalMs(interval string) (int64, bool)                      { return 0, false }
func (f *fakeSource) KlinesRequest(ctx context.Context, symbol, interval string, limit int, before int64) (*http.Request, error) {
	return nil, errKlinesUnavailable
}
func (f *fakeSource) ParseKlines(body []byte) ([]model.Candle, error) { return nil, nil }

func testHub(t *testing.T) *Hub {
	t.Helper()
	cfg := config.HubConfig{
		StaleThreshold:       time.Minute,
		CleanupDelay:         time.Minute,
		RateLimitWindow:      time.Minute,
		RateLimitBackoff:     30 * time.Second,
		PollInterval:         time.Hour,
		PingInterval:         20 * time.Second,
		StartupBudget:        time.Second,
		AdapterConnectBudget: time.Second,
		HotSetSize:           10,
	}
	logger := observability.NewLogger(config.ObservabilityConfig{ServiceName: "test", LogLevel: "error", LogFormat: "json"})
	metrics, err := observability.NewMetricsProvider(observability.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("metrics provider: %v", err)
	}
	sources := map[string]Source{"bybit": &fakeSource{name: "bybit"}}
	return New(cfg, sources, logger, metrics)
}

func TestDispatchEventWritesTickerIntoCache(t *testing.T) {
	h := testHub(t)
	h.dispatchEvent(model.Event{
		Exchange: "bybit",
		Channel:  model.ChannelTickers,
		Symbol:   "BTCUSDT",
		Data:     model.Ticker{LastPrice: decimal.RequireFromString("50000")},
	})

	ticker, stale := h.cache.GetTicker("bybit", "BTCUSDT")
	if stale {
		t.Fatal("expected fresh ticker")
	}
	if ticker.Symbol != "BTCUSDT" {
		t.Fatalf("expected dispatch to stamp symbol, got %q", ticker.Symbol)
	}
	if !ticker.LastPrice.Equal(decimal.RequireFromString("50000")) {
		t.Fatalf("unexpected last price: %s", ticker.LastPrice)
	}
}

func TestDispatchOrderbookPlainModelWithBothSidesTreatedAsSnapshot(t *testing.T) {
	h := testHub(t)
	ob := model.Orderbook{
		Bids: []model.PriceLevel{{Price: decimal.RequireFromString("100"), Size: decimal.RequireFromString("1")}},
		Asks: []model.PriceLevel{{Price: decimal.RequireFromString("101"), Size: decimal.RequireFromString("1")}},
	}
	h.dispatchEvent(model.Event{Exchange: "bybit", Channel: model.ChannelOrderbook, Symbol: "BTCUSDT", Data: ob})

	got, stale := h.cache.GetOrderbook("bybit", "BTCUSDT")
	if stale {
		t.Fatal("expected freshly cached orderbook")
	}
	if len(got.Bids) != 1 || len(got.Asks) != 1 {
		t.Fatalf("unexpected orderbook shape: %+v", got)
	}
}

// deltaSource satisfies orderbookDeltaSource the way Bybit's unexported
// orderbookDelta type does, without depending on the bybit package.
type deltaSource struct {
	ob       model.Orderbook
	snapshot bool
}

func (d deltaSource) Orderbook() model.Orderbook { return d.ob }
func (d deltaSource) IsSnapshot() bool           { return d.snapshot }

func TestDispatchOrderbookDeltaDuckTypeHonorsIsSnapshot(t *testing.T) {
	h := testHub(t)
	d := deltaSource{
		ob: model.Orderbook{
			Bids: []model.PriceLevel{{Price: decimal.RequireFromString("100"), Size: decimal.RequireFromString("2")}},
		},
		snapshot: false,
	}
	h.dispatchEvent(model.Event{Exchange: "bybit", Channel: model.ChannelOrderbook, Symbol: "ETHUSDT", Data: d})

	got, stale := h.cache.GetOrderbook("bybit", "ETHUSDT")
	if stale {
		t.Fatal("expected orderbook delta to be applied and fresh")
	}
	if len(got.Bids) != 1 {
		t.Fatalf("expected delta bid applied, got %+v", got.Bids)
	}
}

func TestHealthHandlerReportsDownWithNoConnectedAdapters(t *testing.T) {
	h := testHub(t)
	req := httptest.NewRequest(http.MethodGet, "/hub/health", nil)
	w := httptest.NewRecorder()
	h.healthHandler(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no adapters connected, got %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp["status"] != "down" {
		t.Fatalf("expected status down, got %v", resp["status"])
	}
	if _, ok := resp["demandTracker"]; !ok {
		t.Fatal("expected demandTracker field in health response")
	}
	if _, ok := resp["exchanges"]; !ok {
		t.Fatal("expected exchanges field in health response")
	}
}

func TestHandleTickerReturns404ForUnknownSymbol(t *testing.T) {
	h := testHub(t)
	req := httptest.NewRequest(http.MethodGet, "/ticker/bybit/NOPE", nil)
	w := httptest.NewRecorder()

	// handleTicker reads mux.Vars(r); call it directly with a request that
	// carries no mux vars isn't representative, so exercise it through the
	// full router instead.
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown symbol, got %d", w.Code)
	}
}

func TestHandleTickerReturnsCachedTicker(t *testing.T) {
	h := testHub(t)
	h.cache.SetTicker("bybit", "BTCUSDT", model.Ticker{LastPrice: decimal.RequireFromString("123.45")})

	req := httptest.NewRequest(http.MethodGet, "/ticker/bybit/BTCUSDT", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var ticker model.Ticker
	if err := json.Unmarshal(w.Body.Bytes(), &ticker); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !ticker.LastPrice.Equal(decimal.RequireFromString("123.45")) {
		t.Fatalf("unexpected last price: %s", ticker.LastPrice)
	}
}

func TestHandleKlinesFallsBackToForcedFetchWhenCacheThin(t *testing.T) {
	h := testHub(t)
	// Cache holds fewer than minKlineRingForCache candles, and FetchKlines
	// will fail (fakeSource.KlinesRequest always errors), so the handler
	// must surface a 502 rather than silently serving the thin cache.
	h.cache.UpdateKline("bybit", "BTCUSDT", "1m", model.Candle{T: 1})

	req := httptest.NewRequest(http.MethodGet, "/klines/bybit/BTCUSDT/1m", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected forced-fetch failure to surface as 502, got %d: %s", w.Code, w.Body.String())
	}
}
