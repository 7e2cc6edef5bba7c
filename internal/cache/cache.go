// Package cache is the hub's in-memory State Cache: current tickers,
// orderbooks, trade/liquidation/kline rings, instruments, funding and open
// interest, plus the channel-keyed subscriber fan-out that backs the
// downstream snapshot-then-update contract.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketfeed/hub/internal/model"
)

// DefaultStaleThreshold is how long a collection entry may go without an
// update before reads mark it stale and the sweeper drops it.
const DefaultStaleThreshold = 5 * time.Minute

// DefaultSweepInterval is how often the stale sweeper walks lastUpdate.
const DefaultSweepInterval = 10 * time.Minute

// Notification is what a subscriber callback receives, either a captured
// snapshot delivered synchronously on Subscribe, or a live update
// delivered on every subsequent mutation.
type Notification struct {
	Type     string // "snapshot" or "update"
	Exchange string
	Channel  model.Channel
	Symbol   string
	Data     interface{}
}

type subscriber struct {
	id int64
	cb func(Notification)
}

// Cache holds all process-local market-data state. The zero value is not
// usable; construct with New.
type Cache struct {
	staleThreshold time.Duration

	tickersMu sync.RWMutex
	tickers   map[string]model.Ticker

	booksMu sync.RWMutex
	books   map[string]*orderbookEntry

	tradesMu sync.RWMutex
	trades   map[string][]model.Trade

	liqMu sync.RWMutex
	liqs  map[string][]model.Liquidation

	instrumentsMu sync.RWMutex
	instruments   map[string]map[string]model.Instrument // exchange -> symbol -> Instrument

	fundingMu sync.RWMutex
	funding   map[string]model.Funding

	oiMu sync.RWMutex
	oi   map[string]model.OpenInterest

	klinesMu sync.RWMutex
	klines   map[string][]model.Candle

	lastUpdateMu sync.RWMutex
	lastUpdate   map[string]time.Time

	subsMu      sync.Mutex
	subscribers map[string][]*subscriber
	nextSubID   int64
}

type orderbookEntry struct {
	bids      *book
	asks      *book
	updateID  int64
	crossSeq  int64
	timestamp int64
}

// New builds an empty Cache. A staleThreshold of 0 uses DefaultStaleThreshold.
func New(staleThreshold time.Duration) *Cache {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	return &Cache{
		staleThreshold: staleThreshold,
		tickers:        make(map[string]model.Ticker),
		books:          make(map[string]*orderbookEntry),
		trades:         make(map[string][]model.Trade),
		liqs:           make(map[string][]model.Liquidation),
		instruments:    make(map[string]map[string]model.Instrument),
		funding:        make(map[string]model.Funding),
		oi:             make(map[string]model.OpenInterest),
		klines:         make(map[string][]model.Candle),
		lastUpdate:     make(map[string]time.Time),
		subscribers:    make(map[string][]*subscriber),
	}
}

func exSym(exchange, symbol string) string {
	return exchange + ":" + symbol
}

func klineKey(exchange, symbol, interval string) string {
	return exchange + ":" + symbol + ":" + interval
}

func (c *Cache) touch(collectionKey string) {
	c.lastUpdateMu.Lock()
	c.lastUpdate[collectionKey] = time.Now()
	c.lastUpdateMu.Unlock()
}

// IsStale reports whether collectionKey has not been touched within the
// cache's stale threshold. A key that was never written is not stale (no
// data yet is a different condition than stale data).
func (c *Cache) IsStale(collectionKey string) bool {
	c.lastUpdateMu.RLock()
	ts, ok := c.lastUpdate[collectionKey]
	c.lastUpdateMu.RUnlock()
	if !ok {
		return false
	}
	return time.Since(ts) > c.staleThreshold
}

// subKey identifies a subscriber bucket. For klines, symbol is the compound
// "<symbol>:<interval>" per the data model.
func subKey(channel model.Channel, exchange, symbol string) string {
	return string(channel) + "|" + exchange + "|" + symbol
}

// notify dispatches a Notification to every subscriber currently
// registered under (channel,exchange,symbol). The subscriber list is
// snapshotted under subsMu and released before any callback runs, so no
// data lock and no subsMu lock is held while user callbacks execute.
// Any panic from a callback is recovered and swallowed: delivery is
// best-effort.
func (c *Cache) notify(channel model.Channel, exchange, symbol string, data interface{}) {
	key := subKey(channel, exchange, symbol)
	c.subsMu.Lock()
	subs := c.subscribers[key]
	snapshot := make([]*subscriber, len(subs))
	copy(snapshot, subs)
	c.subsMu.Unlock()

	for _, s := range snapshot {
		deliver(s.cb, Notification{
			Type:     "update",
			Exchange: exchange,
			Channel:  channel,
			Symbol:   symbol,
			Data:     data,
		})
	}
}

func deliver(cb func(Notification), n Notification) {
	defer func() { _ = recover() }()
	cb(n)
}

// Subscribe registers cb for (channel,exchange,symbol) and returns an
// unsubscribe function. The critical ordering contract: a snapshot of
// current state is captured under the relevant collection's lock, cb is
// registered while that lock is still held, the lock is released, and
// only then is the captured snapshot delivered to cb as a "snapshot"
// notification. This prevents a concurrent mutation landing between
// snapshot capture and subscriber registration from being both missed by
// the snapshot and never delivered as an update.
func (c *Cache) Subscribe(channel model.Channel, exchange, symbol string, cb func(Notification)) func() {
	snapshot, id := c.snapshotAndRegister(channel, exchange, symbol, cb)
	deliver(cb, Notification{
		Type:     "snapshot",
		Exchange: exchange,
		Channel:  channel,
		Symbol:   symbol,
		Data:     snapshot,
	})
	return c.unsubscribeFunc(channel, exchange, symbol, id)
}

func (c *Cache) unsubscribeFunc(channel model.Channel, exchange, symbol string, id int64) func() {
	key := subKey(channel, exchange, symbol)
	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		subs := c.subscribers[key]
		for i, s := range subs {
			if s.id == id {
				c.subscribers[key] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(c.subscribers[key]) == 0 {
			delete(c.subscribers, key)
		}
	}
}

// snapshotAndRegister captures the current state for (channel,exchange,
// symbol) under the owning collection's lock and registers cb before the
// lock is released. Dispatch to the correct collection mirrors the
// channel's kline-compound-key special case.
func (c *Cache) snapshotAndRegister(channel model.Channel, exchange, symbol string, cb func(Notification)) (interface{}, int64) {
	id := atomic.AddInt64(&c.nextSubID, 1)
	sub := &subscriber{id: id, cb: cb}
	key := subKey(channel, exchange, symbol)

	register := func() {
		c.subsMu.Lock()
		c.subscribers[key] = append(c.subscribers[key], sub)
		c.subsMu.Unlock()
	}

	switch channel {
	case model.ChannelTickers:
		c.tickersMu.Lock()
		defer c.tickersMu.Unlock()
		t := c.tickers[exSym(exchange, symbol)]
		register()
		return t, id
	case model.ChannelOrderbook:
		c.booksMu.Lock()
		defer c.booksMu.Unlock()
		snap := c.snapshotOrderbookLocked(exchange, symbol)
		register()
		return snap, id
	case model.ChannelTrades:
		c.tradesMu.Lock()
		defer c.tradesMu.Unlock()
		trades := c.trades[exSym(exchange, symbol)]
		out := make([]model.Trade, len(trades))
		copy(out, trades)
		register()
		return out, id
	case model.ChannelLiquidations:
		c.liqMu.Lock()
		defer c.liqMu.Unlock()
		liqs := c.liqs[exSym(exchange, symbol)]
		out := make([]model.Liquidation, len(liqs))
		copy(out, liqs)
		register()
		return out, id
	case model.ChannelFunding:
		c.fundingMu.Lock()
		defer c.fundingMu.Unlock()
		f := c.funding[exSym(exchange, symbol)]
		register()
		return f, id
	case model.ChannelKlines:
		c.klinesMu.Lock()
		defer c.klinesMu.Unlock()
		// symbol is the compound "<sym>:<interval>"; exSym(exchange, symbol)
		// then equals klineKey(exchange, sym, interval) exactly.
		candles := c.klines[exSym(exchange, symbol)]
		out := make([]model.Candle, len(candles))
		copy(out, candles)
		register()
		return out, id
	case model.ChannelOpenInterest:
		c.oiMu.Lock()
		defer c.oiMu.Unlock()
		oi := c.oi[exSym(exchange, symbol)]
		register()
		return oi, id
	default:
		register()
		return nil, id
	}
}

// StartStaleSweeper launches the periodic (every interval) walk over
// lastUpdate that drops collection entries exceeding the stale threshold.
// Call the returned stop function to halt it.
func (c *Cache) StartStaleSweeper(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

func (c *Cache) sweep() {
	cutoff := time.Now().Add(-c.staleThreshold)

	var expired []string
	c.lastUpdateMu.Lock()
	for k, ts := range c.lastUpdate {
		if ts.Before(cutoff) {
			expired = append(expired, k)
			delete(c.lastUpdate, k)
		}
	}
	c.lastUpdateMu.Unlock()

	for _, key := range expired {
		c.dropCollectionEntry(key)
	}
}
