// Package hub wires adapters, the REST poller and the Demand Tracker
// together and exposes the aggregated state to downstream clients over
// WebSocket and REST (spec.md §4.7).
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/marketfeed/hub/internal/cache"
	"github.com/marketfeed/hub/internal/config"
	"github.com/marketfeed/hub/internal/dedup"
	"github.com/marketfeed/hub/internal/demand"
	"github.com/marketfeed/hub/internal/exchange"
	"github.com/marketfeed/hub/internal/model"
	"github.com/marketfeed/hub/internal/poller"
	"github.com/marketfeed/hub/internal/ratelimit"
	"github.com/marketfeed/hub/pkg/observability"
)

// Source is the union of exchange.Variant and poller.Source every
// registered exchange package implements.
type Source interface {
	exchange.Variant
	poller.Source
}

// Hub is the top-level orchestrator: one per process.
type Hub struct {
	cfg     config.HubConfig
	cache   *cache.Cache
	rate    *ratelimit.Coordinator
	dedup   *dedup.Deduplicator
	poller  *poller.Poller
	demand  *demand.Tracker
	logger  *observability.Logger
	metrics *observability.MetricsProvider

	adapters map[string]*exchange.Base

	startedAt time.Time

	clientsMu sync.RWMutex
	clients   map[*Client]struct{}

	stopSweeper func()
	stopPoller  func()
	stopOnce    sync.Once

	readyMu sync.Mutex
	ready   bool
}

// New constructs a Hub with one adapter per source, wired to the cache,
// rate limiter, deduper, poller and demand tracker.
func New(cfg config.HubConfig, sources map[string]Source, logger *observability.Logger, metrics *observability.MetricsProvider) *Hub {
	h := &Hub{
		cfg:      cfg,
		cache:    cache.New(cfg.StaleThreshold),
		rate:     ratelimit.New(cfg.RateLimitWindow, cfg.RateLimitBackoff),
		dedup:    dedup.New(),
		logger:   logger,
		metrics:  metrics,
		adapters: make(map[string]*exchange.Base),
		clients:  make(map[*Client]struct{}),
	}

	pollerSources := make([]poller.Source, 0, len(sources))
	adapterMap := make(map[string]demand.Adapter, len(sources))
	for name, src := range sources {
		base := exchange.NewBase(src, cfg.PingInterval, h.dispatchEvent, h.dispatchStatus)
		h.adapters[name] = base
		pollerSources = append(pollerSources, src)
		adapterMap[name] = base
	}

	h.poller = poller.New(pollerSources, h.cache, h.rate, h.dedup, cfg.PollInterval, logger, metrics)
	h.demand = demand.New(adapterMap, cfg.CleanupDelay)
	return h
}

// Cache exposes the underlying state cache to the REST read surface.
func (h *Hub) Cache() *cache.Cache { return h.cache }

// Poller exposes the REST poller for historical-kline fetches.
func (h *Hub) Poller() *poller.Poller { return h.poller }

// Demand exposes the Demand Tracker to the client subscription path.
func (h *Hub) Demand() *demand.Tracker { return h.demand }

func (h *Hub) setReady(ready bool) {
	h.readyMu.Lock()
	h.ready = ready
	h.readyMu.Unlock()
}

// Ready reports whether at least one exchange is connected.
func (h *Hub) Ready() bool {
	h.readyMu.Lock()
	defer h.readyMu.Unlock()
	return h.ready
}

// Start connects every adapter concurrently (each bounded by
// AdapterConnectBudget, the whole fan-out by StartupBudget), runs the
// initial REST poll, seeds hot sets from top-by-volume, and starts the
// periodic poller and stale sweeper.
func (h *Hub) Start(ctx context.Context) {
	h.startedAt = time.Now()

	startupCtx, cancel := context.WithTimeout(ctx, h.cfg.StartupBudget)
	defer cancel()

	var wg sync.WaitGroup
	for name, base := range h.adapters {
		wg.Add(1)
		go func(name string, base *exchange.Base) {
			defer wg.Done()
			connectCtx, cancel := context.WithTimeout(startupCtx, h.cfg.AdapterConnectBudget)
			defer cancel()
			if err := base.Connect(connectCtx); err != nil {
				h.logger.Error(ctx, "adapter connect failed", err, map[string]interface{}{"exchange": name})
			}
		}(name, base)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-startupCtx.Done():
		h.logger.Warn(ctx, "startup budget exceeded, proceeding with adapters connected so far", nil)
	}

	h.updateReadiness()

	h.poller.PollAll(ctx)

	for name := range h.adapters {
		top := h.poller.GetTopSymbolsByVolume(name, h.cfg.HotSetSize)
		h.demand.SetHotSymbols(name, top)
	}

	h.stopPoller = h.poller.Start(ctx)
	h.stopSweeper = h.cache.StartStaleSweeper(h.cfg.StaleThreshold)
}

func (h *Hub) updateReadiness() {
	connected := h.connectedCount()
	h.setReady(connected > 0)
}

func (h *Hub) connectedCount() int {
	n := 0
	for _, base := range h.adapters {
		if base.State() == exchange.StateOpen {
			n++
		}
	}
	return n
}

// Stop halts the sweeper and poller, cancels every demand-tracker
// cleanup timer, closes every adapter, and drops the client registry.
// In-flight REST calls are allowed to complete; their results are
// discarded.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		if h.stopSweeper != nil {
			h.stopSweeper()
		}
		if h.stopPoller != nil {
			h.stopPoller()
		}
		h.demand.Stop()
		for _, base := range h.adapters {
			base.Stop()
		}

		h.clientsMu.Lock()
		for c := range h.clients {
			c.close()
		}
		h.clients = make(map[*Client]struct{})
		h.clientsMu.Unlock()
	})
}

// dispatchEvent writes one normalized adapter event into the cache
// per spec.md §4.7's channel-to-setter wiring, then fans it out to
// subscribed clients via cache.Subscribe's callback mechanism (wired at
// subscribe time in client.go, not here).
func (h *Hub) dispatchEvent(evt model.Event) {
	switch evt.Channel {
	case model.ChannelTickers:
		t, ok := evt.Data.(model.Ticker)
		if !ok {
			return
		}
		t.Symbol = evt.Symbol
		h.cache.SetTicker(evt.Exchange, evt.Symbol, t)
		h.metrics.RecordCacheMutation(context.Background(), "tickers")
	case model.ChannelOrderbook:
		h.dispatchOrderbook(evt)
		h.metrics.RecordCacheMutation(context.Background(), "orderbook")
	case model.ChannelTrades:
		trades, ok := evt.Data.([]model.Trade)
		if !ok {
			return
		}
		h.cache.AddTrades(evt.Exchange, evt.Symbol, trades)
		h.metrics.RecordCacheMutation(context.Background(), "trades")
	case model.ChannelLiquidations:
		l, ok := evt.Data.(model.Liquidation)
		if !ok {
			return
		}
		h.cache.AddLiquidation(evt.Exchange, evt.Symbol, l)
		h.metrics.RecordCacheMutation(context.Background(), "liquidations")
	case model.ChannelKlines:
		c, ok := evt.Data.(model.Candle)
		if !ok {
			return
		}
		h.cache.UpdateKline(evt.Exchange, evt.Symbol, evt.Interval, c)
		h.metrics.RecordCacheMutation(context.Background(), "klines")
	case model.ChannelFunding:
		f, ok := evt.Data.(model.Funding)
		if !ok {
			return
		}
		f.Symbol = evt.Symbol
		h.cache.SetFunding(evt.Exchange, evt.Symbol, f)
		h.metrics.RecordCacheMutation(context.Background(), "funding")
	case model.ChannelOpenInterest:
		oi, ok := evt.Data.(model.OpenInterest)
		if !ok {
			return
		}
		oi.Symbol = evt.Symbol
		h.cache.SetOpenInterest(evt.Exchange, evt.Symbol, oi)
		h.metrics.RecordCacheMutation(context.Background(), "openInterest")
	}
}

// orderbookDeltaSource is satisfied by Bybit's orderbookDelta, the one
// variant that distinguishes snapshot frames from deltas; every other
// variant's Data is a plain model.Orderbook, treated as a full-book
// snapshot when both sides are present and merged as a delta otherwise.
type orderbookDeltaSource interface {
	Orderbook() model.Orderbook
	IsSnapshot() bool
}

func (h *Hub) dispatchOrderbook(evt model.Event) {
	if d, ok := evt.Data.(orderbookDeltaSource); ok {
		ob := d.Orderbook()
		h.cache.UpdateOrderbook(evt.Exchange, evt.Symbol, ob.Bids, ob.Asks, d.IsSnapshot(), ob.UpdateID, ob.CrossSeq, ob.Timestamp)
		return
	}
	ob, ok := evt.Data.(model.Orderbook)
	if !ok {
		return
	}
	// spec.md §4.7: setOrderbook (full replace) when both sides are
	// present in the frame, else updateOrderbook (merge) — a variant
	// whose wire protocol sends partial update frames as a plain
	// model.Orderbook (no snapshot/delta discriminator) must not have a
	// thin one-sided frame wipe out the other side of the cached book.
	isSnapshot := len(ob.Bids) > 0 && len(ob.Asks) > 0
	h.cache.UpdateOrderbook(evt.Exchange, evt.Symbol, ob.Bids, ob.Asks, isSnapshot, ob.UpdateID, ob.CrossSeq, ob.Timestamp)
}

// dispatchStatus broadcasts a connect/disconnect transition to every
// downstream client and refreshes hub readiness.
func (h *Hub) dispatchStatus(update exchange.StatusUpdate) {
	h.updateReadiness()
	h.metrics.SetAdaptersConnected(context.Background(), statusDelta(update.Connected))
	h.broadcast(map[string]interface{}{
		"type":      "status",
		"exchange":  update.Exchange,
		"connected": update.Connected,
	})
}

func statusDelta(connected bool) int64 {
	if connected {
		return 1
	}
	return -1
}

// broadcast sends msg to every registered client's outbound queue.
func (h *Hub) broadcast(msg interface{}) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for c := range h.clients {
		c.enqueue(msg)
	}
}
