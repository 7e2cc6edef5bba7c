package poller

import (
	"context"
	"net/http"

	"github.com/marketfeed/hub/internal/model"
)

// Source is the REST surface a per-exchange adapter exposes to the Poller.
// It never performs the HTTP round-trip itself: it builds the request and
// parses the response body, so every actual network call funnels through
// the Poller's single fetchJSON entry point (spec.md §4.5), which is what
// lets the Poller apply rate-limiting, deduplication and latency
// sampling uniformly across exchanges.
type Source interface {
	Name() string

	InstrumentsRequest(ctx context.Context) (*http.Request, error)
	ParseInstruments(body []byte) ([]model.Instrument, error)

	TickersRequest(ctx context.Context) (*http.Request, error)
	ParseTickers(body []byte) ([]model.Ticker, error)

	FundingRequest(ctx context.Context) (*http.Request, error)
	ParseFunding(body []byte) ([]model.Funding, error)

	OpenInterestRequest(ctx context.Context) (*http.Request, error)
	ParseOpenInterest(body []byte) ([]model.OpenInterest, error)

	// IntervalMs maps an exchange-specific interval token to its duration
	// in milliseconds, used to compute startTime/endTime for historical
	// kline pulls. ok is false for an unrecognized token.
	IntervalMs(interval string) (ms int64, ok bool)
	// KlinesRequest builds the historical-kline request. before is the
	// open-time (ms) to page backward from; zero means "most recent".
	KlinesRequest(ctx context.Context, symbol, interval string, limit int, before int64) (*http.Request, error)
	ParseKlines(body []byte) ([]model.Candle, error)
}
