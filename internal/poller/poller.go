// Package poller implements the REST Poller: the periodic (and
// on-demand) warm/refresh path that keeps instruments, tickers, funding
// and open interest current in the State Cache, and fulfils historical
// kline pulls for the hub's cache-with-fallback read path (spec.md §4.5).
package poller

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/marketfeed/hub/internal/cache"
	"github.com/marketfeed/hub/internal/dedup"
	"github.com/marketfeed/hub/internal/model"
	"github.com/marketfeed/hub/internal/ratelimit"
	"github.com/marketfeed/hub/pkg/observability"
)

// DefaultInterval is the periodic poll cadence.
const DefaultInterval = 30 * time.Second

const (
	defaultKlineLimit  = 200
	latencySampleCap   = 200
	startupJitterSpan  = 2 * time.Second
)

// Poller drives REST warming/refresh for every registered exchange
// Source, gated by a shared rate-limit Coordinator and Deduplicator.
type Poller struct {
	sources    map[string]Source
	cache      *cache.Cache
	rateLimit  *ratelimit.Coordinator
	dedup      *dedup.Deduplicator
	httpClient *http.Client
	interval   time.Duration
	logger     *observability.Logger
	perf       *observability.PerformanceLogger
	metrics    *observability.MetricsProvider

	latencyMu sync.Mutex
	latency   map[string][]time.Duration
}

// slowRequestThreshold is the REST round-trip duration above which a poll
// is logged as a slow operation.
const slowRequestThreshold = 2 * time.Second

// New builds a Poller over sources, keyed by Source.Name(). interval<=0
// uses DefaultInterval.
func New(sources []Source, c *cache.Cache, rl *ratelimit.Coordinator, dd *dedup.Deduplicator, interval time.Duration, logger *observability.Logger, metrics *observability.MetricsProvider) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	byName := make(map[string]Source, len(sources))
	for _, s := range sources {
		byName[s.Name()] = s
	}
	var perf *observability.PerformanceLogger
	if logger != nil {
		perf = observability.NewPerformanceLogger(logger)
	}
	return &Poller{
		sources:    byName,
		cache:      c,
		rateLimit:  rl,
		dedup:      dd,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		interval:   interval,
		logger:     logger,
		perf:       perf,
		metrics:    metrics,
		latency:    make(map[string][]time.Duration),
	}
}

// ErrRateLimited is returned by fetchJSON when the rate-limit coordinator
// advises against making the call, or when the upstream responds 429.
var ErrRateLimited = fmt.Errorf("poller: rate limited")

// fetchJSON is the single allowed HTTP entry point (spec.md §4.5): it
// consults and records against the rate-limit coordinator, executes the
// request, maps HTTP 429 to reportRateLimit plus ErrRateLimited, and
// propagates any other non-2xx status as an error. Every call's latency
// is sampled regardless of outcome.
func (p *Poller) fetchJSON(ctx context.Context, exchange string, req *http.Request) ([]byte, error) {
	if !p.rateLimit.CanRequest(exchange) {
		return nil, ErrRateLimited
	}
	p.rateLimit.RecordRequest(exchange)

	start := time.Now()
	resp, err := p.httpClient.Do(req.WithContext(ctx))
	elapsed := time.Since(start)
	p.sampleLatency(exchange, elapsed)
	if p.perf != nil {
		p.perf.LogSlowOperation(ctx, "poller.fetch:"+exchange, elapsed, slowRequestThreshold)
	}

	if err != nil {
		p.recordPoll(ctx, exchange, elapsed, false)
		return nil, fmt.Errorf("%s: request: %w", exchange, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		p.rateLimit.ReportRateLimit(exchange, retryAfter)
		if p.metrics != nil {
			p.metrics.RecordRateLimitBackoff(ctx, exchange)
		}
		p.recordPoll(ctx, exchange, elapsed, false)
		return nil, ErrRateLimited
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.recordPoll(ctx, exchange, elapsed, false)
		return nil, fmt.Errorf("%s: read body: %w", exchange, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.recordPoll(ctx, exchange, elapsed, false)
		return nil, fmt.Errorf("%s: status %d", exchange, resp.StatusCode)
	}
	p.recordPoll(ctx, exchange, elapsed, true)
	return body, nil
}

func (p *Poller) recordPoll(ctx context.Context, exchange string, d time.Duration, success bool) {
	if p.metrics != nil {
		p.metrics.RecordPoll(ctx, exchange, d, success)
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func (p *Poller) sampleLatency(exchange string, d time.Duration) {
	p.latencyMu.Lock()
	defer p.latencyMu.Unlock()
	sample := append(p.latency[exchange], d)
	if len(sample) > latencySampleCap {
		sample = sample[len(sample)-latencySampleCap:]
	}
	p.latency[exchange] = sample
}

// LatencyStats is the avg/min/max/percentile summary over an exchange's
// rolling REST latency sample, surfaced through the health endpoint.
type LatencyStats struct {
	Count int           `json:"count"`
	Avg   time.Duration `json:"avg"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// Latency returns the current rolling latency stats for exchange.
func (p *Poller) Latency(exchange string) LatencyStats {
	p.latencyMu.Lock()
	sample := append([]time.Duration(nil), p.latency[exchange]...)
	p.latencyMu.Unlock()
	if len(sample) == 0 {
		return LatencyStats{}
	}
	sorted := append([]time.Duration(nil), sample...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	pct := func(p float64) time.Duration {
		idx := int(p * float64(len(sorted)-1))
		return sorted[idx]
	}
	return LatencyStats{
		Count: len(sorted),
		Avg:   sum / time.Duration(len(sorted)),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P50:   pct(0.50),
		P95:   pct(0.95),
		P99:   pct(0.99),
	}
}

// PollExchange fetches instruments, tickers, funding and open interest
// for one exchange and writes each into the cache via its setter. Each
// sub-fetch fails independently; an error from one does not block the
// others.
func (p *Poller) PollExchange(ctx context.Context, exchange string) error {
	src, ok := p.sources[exchange]
	if !ok {
		return fmt.Errorf("poller: unknown exchange %q", exchange)
	}

	var firstErr error
	note := func(err error) {
		if err != nil {
			p.logError(exchange, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if instruments, err := p.fetchInstruments(ctx, src); err != nil {
		note(err)
	} else {
		p.cache.SetInstruments(exchange, instruments)
	}

	if tickers, err := p.fetchTickers(ctx, src); err != nil {
		note(err)
	} else {
		for _, t := range tickers {
			p.cache.SetTicker(exchange, t.Symbol, t)
		}
	}

	if funding, err := p.fetchFunding(ctx, src); err != nil {
		note(err)
	} else {
		for _, f := range funding {
			p.cache.SetFunding(exchange, f.Symbol, f)
		}
	}

	if ois, err := p.fetchOpenInterest(ctx, src); err != nil {
		note(err)
	} else {
		for _, oi := range ois {
			p.cache.SetOpenInterest(exchange, oi.Symbol, oi)
		}
	}

	return firstErr
}

func (p *Poller) logError(exchange string, err error) {
	if p.logger != nil {
		p.logger.Warn(context.Background(), "poll failed", map[string]interface{}{"exchange": exchange, "error": err.Error()})
	}
}

func (p *Poller) fetchInstruments(ctx context.Context, src Source) ([]model.Instrument, error) {
	req, err := src.InstrumentsRequest(ctx)
	if err != nil {
		return nil, err
	}
	body, err := p.fetchJSON(ctx, src.Name(), req)
	if err != nil {
		return nil, err
	}
	return src.ParseInstruments(body)
}

func (p *Poller) fetchTickers(ctx context.Context, src Source) ([]model.Ticker, error) {
	req, err := src.TickersRequest(ctx)
	if err != nil {
		return nil, err
	}
	body, err := p.fetchJSON(ctx, src.Name(), req)
	if err != nil {
		return nil, err
	}
	return src.ParseTickers(body)
}

func (p *Poller) fetchFunding(ctx context.Context, src Source) ([]model.Funding, error) {
	req, err := src.FundingRequest(ctx)
	if err != nil {
		return nil, err
	}
	body, err := p.fetchJSON(ctx, src.Name(), req)
	if err != nil {
		return nil, err
	}
	return src.ParseFunding(body)
}

func (p *Poller) fetchOpenInterest(ctx context.Context, src Source) ([]model.OpenInterest, error) {
	req, err := src.OpenInterestRequest(ctx)
	if err != nil {
		return nil, err
	}
	body, err := p.fetchJSON(ctx, src.Name(), req)
	if err != nil {
		return nil, err
	}
	return src.ParseOpenInterest(body)
}

// PollAll polls every registered exchange concurrently; each exchange's
// result is independent of the others.
func (p *Poller) PollAll(ctx context.Context) {
	var wg sync.WaitGroup
	for name := range p.sources {
		wg.Add(1)
		go func(exchange string) {
			defer wg.Done()
			_ = p.PollExchange(ctx, exchange)
		}(name)
	}
	wg.Wait()
}

// Start runs the startup poll (blocking, no jitter) then launches the
// periodic loop: each subsequent tick sleeps a uniform random 0-2s
// before polling, to avoid synchronized spikes across a fleet of hub
// instances. The returned stop function halts the loop.
func (p *Poller) Start(ctx context.Context) (stop func()) {
	p.PollAll(ctx)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				jitter := time.Duration(rand.Int63n(int64(startupJitterSpan)))
				select {
				case <-time.After(jitter):
				case <-done:
					return
				}
				p.PollAll(ctx)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// GetTopSymbolsByVolume returns up to n symbols from the ticker cache for
// exchange with turnover24h>0, sorted descending by turnover.
func (p *Poller) GetTopSymbolsByVolume(exchange string, n int) []string {
	tickers := p.cache.GetAllTickers(exchange)
	filtered := make([]model.Ticker, 0, len(tickers))
	for _, t := range tickers {
		if t.Turnover24h.IsPositive() {
			filtered = append(filtered, t)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Turnover24h.GreaterThan(filtered[j].Turnover24h)
	})
	if n > 0 && n < len(filtered) {
		filtered = filtered[:n]
	}
	out := make([]string, len(filtered))
	for i, t := range filtered {
		out[i] = t.Symbol
	}
	return out
}

// FetchKlines performs a single REST historical-kline pull for
// (exchange,symbol,interval), deduplicated via the Deduplicator (so
// concurrent identical requests share one round trip) and gated by the
// rate-limit coordinator through fetchJSON. The result is merged into
// the cache (dedup by t, sorted ascending, capped) and the merged batch
// is returned.
func (p *Poller) FetchKlines(ctx context.Context, exchange, symbol, interval string, limit int, before int64) ([]model.Candle, error) {
	src, ok := p.sources[exchange]
	if !ok {
		return nil, fmt.Errorf("poller: unknown exchange %q", exchange)
	}
	if limit <= 0 {
		limit = defaultKlineLimit
	}

	key := fmt.Sprintf("%s:klines:%s:%s:%d", exchange, symbol, interval, before)
	v, err := p.dedup.Execute(key, func() (interface{}, error) {
		req, err := src.KlinesRequest(ctx, symbol, interval, limit, before)
		if err != nil {
			return nil, err
		}
		body, err := p.fetchJSON(ctx, exchange, req)
		if err != nil {
			return nil, err
		}
		candles, err := src.ParseKlines(body)
		if err != nil {
			return nil, err
		}
		return p.cache.MergeKlines(exchange, symbol, interval, candles), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Candle), nil
}
