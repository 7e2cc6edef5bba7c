package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketfeed/hub/internal/cache"
	"github.com/marketfeed/hub/internal/dedup"
	"github.com/marketfeed/hub/internal/model"
	"github.com/marketfeed/hub/internal/ratelimit"
)

// fakeSource is a minimal Source backed by an httptest.Server, returning
// JSON bodies the test controls directly.
type fakeSource struct {
	name   string
	server *httptest.Server
	body   []byte
}

func newFakeSource(t *testing.T, name string) *fakeSource {
	t.Helper()
	f := &fakeSource{name: name}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(f.body)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) InstrumentsRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, "GET", f.server.URL, nil)
}
func (f *fakeSource) ParseInstruments(body []byte) ([]model.Instrument, error) {
	var out []model.Instrument
	err := json.Unmarshal(body, &out)
	return out, err
}

func (f *fakeSource) TickersRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, "GET", f.server.URL, nil)
}
func (f *fakeSource) ParseTickers(body []byte) ([]model.Ticker, error) {
	var out []model.Ticker
	err := json.Unmarshal(body, &out)
	return out, err
}

func (f *fakeSource) FundingRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, "GET", f.server.URL, nil)
}
func (f *fakeSource) ParseFunding(body []byte) ([]model.Funding, error) {
	var out []model.Funding
	err := json.Unmarshal(body, &out)
	return out, err
}

func (f *fakeSource) OpenInterestRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, "GET", f.server.URL, nil)
}
func (f *fakeSource) ParseOpenInterest(body []byte) ([]model.OpenInterest, error) {
	var out []model.OpenInterest
	err := json.Unmarshal(body, &out)
	return out, err
}

func (f *fakeSource) IntervalMs(interval string) (int64, bool) {
	if interval == "1m" {
		return 60_000, true
	}
	return 0, false
}

func (f *fakeSource) KlinesRequest(ctx context.Context, symbol, interval string, limit int, before int64) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, "GET", f.server.URL, nil)
}
func (f *fakeSource) ParseKlines(body []byte) ([]model.Candle, error) {
	var out []model.Candle
	err := json.Unmarshal(body, &out)
	return out, err
}

func newTestPoller(t *testing.T, src Source) *Poller {
	t.Helper()
	c := cache.New(time.Minute)
	rl := ratelimit.New(time.Minute, 30*time.Second)
	dd := dedup.New()
	return New([]Source{src}, c, rl, dd, time.Hour, nil, nil)
}

func TestPollExchangeWritesEverySubFetchIntoCache(t *testing.T) {
	src := newFakeSource(t, "bybit")
	src.body = []byte(`[{"symbol":"BTCUSDT","lastPrice":"50000"}]`)
	p := newTestPoller(t, src)

	if err := p.PollExchange(context.Background(), "bybit"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ticker, stale := p.cache.GetTicker("bybit", "BTCUSDT")
	if stale {
		t.Fatal("expected fresh ticker after poll")
	}
	if !ticker.LastPrice.Equal(decimal.RequireFromString("50000")) {
		t.Fatalf("unexpected last price: %s", ticker.LastPrice)
	}
}

func TestPollExchangeUnknownSourceErrors(t *testing.T) {
	src := newFakeSource(t, "bybit")
	p := newTestPoller(t, src)
	if err := p.PollExchange(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unregistered exchange")
	}
}

func TestGetTopSymbolsByVolumeSortsDescendingAndFiltersZero(t *testing.T) {
	src := newFakeSource(t, "bybit")
	p := newTestPoller(t, src)

	p.cache.SetTicker("bybit", "BTCUSDT", model.Ticker{Symbol: "BTCUSDT", Turnover24h: decimal.RequireFromString("500")})
	p.cache.SetTicker("bybit", "ETHUSDT", model.Ticker{Symbol: "ETHUSDT", Turnover24h: decimal.RequireFromString("900")})
	p.cache.SetTicker("bybit", "DEADUSDT", model.Ticker{Symbol: "DEADUSDT", Turnover24h: decimal.Zero})

	top := p.GetTopSymbolsByVolume("bybit", 10)
	if len(top) != 2 {
		t.Fatalf("expected 2 symbols with positive turnover, got %d: %v", len(top), top)
	}
	if top[0] != "ETHUSDT" || top[1] != "BTCUSDT" {
		t.Fatalf("expected descending turnover order, got %v", top)
	}
}

func TestFetchKlinesDeduplicatesConcurrentIdenticalRequests(t *testing.T) {
	src := newFakeSource(t, "bybit")
	src.body = []byte(`[{"t":1,"o":"1","h":"1","l":"1","c":"1","v":"1"}]`)
	p := newTestPoller(t, src)

	var wg = make(chan struct{}, 2)
	results := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			candles, err := p.FetchKlines(context.Background(), "bybit", "BTCUSDT", "1m", 10, 0)
			if err != nil {
				t.Error(err)
			}
			results <- len(candles)
			wg <- struct{}{}
		}()
	}
	<-wg
	<-wg
	close(results)
	for n := range results {
		if n != 1 {
			t.Fatalf("expected 1 candle merged into cache, got %d", n)
		}
	}
}
