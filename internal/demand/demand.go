// Package demand implements the Demand Tracker: per-(exchange,symbol,
// channel) reference counting across all downstream clients, the hot-
// symbol pin set, and the 60s delayed-unsubscribe hysteresis that turns
// client subscribe/unsubscribe pairs into upstream subscribe/unsubscribe
// calls (spec.md §4.6).
package demand

import (
	"sync"
	"time"

	"github.com/marketfeed/hub/internal/model"
)

// DefaultCleanupDelay is how long an unsubscribe-to-zero waits before the
// upstream unsubscribe actually fires, giving a fast re-subscribe a
// window to cancel it.
const DefaultCleanupDelay = 60 * time.Second

// Adapter is the subset of exchange.Base's surface the tracker drives.
// Exchange packages' *exchange.Base satisfies this directly.
type Adapter interface {
	SubscribeSymbol(symbol string, channels []model.Channel) error
	UnsubscribeSymbol(symbol string, channels []model.Channel) error
	SubscribeKline(symbol, interval string) error
	UnsubscribeKline(symbol, interval string) error
	SubscribeLiquidations() error
}

type subscription struct {
	mu       sync.Mutex
	channels map[model.Channel]int
	isHot    bool
}

// Tracker owns the hot-symbol sets, per-key subscription refcounts and
// pending cleanup timers for every exchange registered with it.
type Tracker struct {
	cleanupDelay time.Duration
	adapters     map[string]Adapter

	hotMu sync.Mutex
	hot   map[string]map[string]struct{} // exchange -> symbol set

	subsMu sync.Mutex
	subs   map[string]*subscription // key -> subscription

	timersMu sync.Mutex
	timers   map[string]*time.Timer // "key:channel" -> pending cleanup
}

// New builds a Tracker driving adapters (keyed by exchange name).
// cleanupDelay<=0 uses DefaultCleanupDelay.
func New(adapters map[string]Adapter, cleanupDelay time.Duration) *Tracker {
	if cleanupDelay <= 0 {
		cleanupDelay = DefaultCleanupDelay
	}
	return &Tracker{
		cleanupDelay: cleanupDelay,
		adapters:     adapters,
		hot:          make(map[string]map[string]struct{}),
		subs:         make(map[string]*subscription),
		timers:       make(map[string]*time.Timer),
	}
}

// Key composes the subscription key for (exchange,symbol), or
// (exchange,symbol,interval) when interval is non-empty (klines).
func Key(exchange, symbol, interval string) string {
	if interval == "" {
		return exchange + ":" + symbol
	}
	return exchange + ":" + symbol + ":" + interval
}

func timerKey(key string, channel model.Channel) string {
	return key + ":" + string(channel)
}

func isHotEligibleChannel(channel model.Channel) bool {
	// Klines are never pinned by hot-set membership (Open Question in
	// spec.md §9: hot pinning is channel-aware, klines excluded).
	return channel != model.ChannelKlines
}

func (t *Tracker) sub(key string) *subscription {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	s, ok := t.subs[key]
	if !ok {
		s = &subscription{channels: make(map[model.Channel]int)}
		t.subs[key] = s
	}
	return s
}

func (t *Tracker) isHotSymbol(exchange, symbol string) bool {
	t.hotMu.Lock()
	defer t.hotMu.Unlock()
	set, ok := t.hot[exchange]
	if !ok {
		return false
	}
	_, hot := set[symbol]
	return hot
}

// Subscribe records one more interested client for (exchange,symbol,
// channel[,interval]). It cancels any pending cleanup timer for this
// (key,channel), increments the refcount, and — on a 0→1 transition —
// issues the upstream subscribe. Returns whether an upstream request was
// actually issued.
func (t *Tracker) Subscribe(exchange, symbol string, channel model.Channel, interval string) bool {
	key := Key(exchange, symbol, interval)
	t.cancelTimer(key, channel)

	s := t.sub(key)
	s.mu.Lock()
	s.channels[channel]++
	transitioned := s.channels[channel] == 1
	if transitioned && isHotEligibleChannel(channel) && t.isHotSymbol(exchange, symbol) {
		s.isHot = true
	}
	s.mu.Unlock()

	if !transitioned {
		return false
	}

	adapter, ok := t.adapters[exchange]
	if !ok {
		return false
	}
	return t.issueSubscribe(adapter, channel, symbol, interval) == nil
}

func (t *Tracker) issueSubscribe(adapter Adapter, channel model.Channel, symbol, interval string) error {
	switch channel {
	case model.ChannelKlines:
		return adapter.SubscribeKline(symbol, interval)
	case model.ChannelLiquidations:
		return adapter.SubscribeLiquidations()
	default:
		return adapter.SubscribeSymbol(symbol, []model.Channel{channel})
	}
}

func (t *Tracker) issueUnsubscribe(adapter Adapter, channel model.Channel, symbol, interval string) error {
	switch channel {
	case model.ChannelKlines:
		return adapter.UnsubscribeKline(symbol, interval)
	case model.ChannelLiquidations:
		// Liquidation streams are global/shared and never unsubscribed
		// per symbol (spec.md §4.4); nothing to do on refcount 0.
		return nil
	default:
		return adapter.UnsubscribeSymbol(symbol, []model.Channel{channel})
	}
}

// Unsubscribe records one fewer interested client. On a transition to
// zero: if the symbol is hot and the channel is not klines, the upstream
// subscription is pinned and nothing further happens. Otherwise a
// cleanup timer is scheduled; when it fires, it re-checks the refcount
// (a subscribe arriving during the window must observe the timer as
// cancelled) before actually unsubscribing upstream.
func (t *Tracker) Unsubscribe(exchange, symbol string, channel model.Channel, interval string) {
	key := Key(exchange, symbol, interval)

	t.subsMu.Lock()
	s, ok := t.subs[key]
	t.subsMu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.channels[channel] > 0 {
		s.channels[channel]--
	}
	count := s.channels[channel]
	hot := s.isHot
	empty := len(s.channels) == 0
	for ch, n := range s.channels {
		if n > 0 {
			empty = false
			break
		}
		_ = ch
	}
	s.mu.Unlock()

	if count > 0 {
		return
	}
	if hot && isHotEligibleChannel(channel) {
		return
	}

	t.scheduleCleanup(exchange, symbol, channel, interval, key)
	_ = empty
}

func (t *Tracker) scheduleCleanup(exchange, symbol string, channel model.Channel, interval, key string) {
	tk := timerKey(key, channel)
	timer := time.AfterFunc(t.cleanupDelay, func() {
		t.runCleanup(exchange, symbol, channel, interval, key, tk)
	})

	t.timersMu.Lock()
	if old, exists := t.timers[tk]; exists {
		old.Stop()
	}
	t.timers[tk] = timer
	t.timersMu.Unlock()
}

func (t *Tracker) cancelTimer(key string, channel model.Channel) {
	tk := timerKey(key, channel)
	t.timersMu.Lock()
	defer t.timersMu.Unlock()
	if timer, ok := t.timers[tk]; ok {
		timer.Stop()
		delete(t.timers, tk)
	}
}

func (t *Tracker) runCleanup(exchange, symbol string, channel model.Channel, interval, key, tk string) {
	t.timersMu.Lock()
	if _, stillPending := t.timers[tk]; !stillPending {
		t.timersMu.Unlock()
		return
	}
	delete(t.timers, tk)
	t.timersMu.Unlock()

	t.subsMu.Lock()
	s, ok := t.subs[key]
	t.subsMu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	count := s.channels[channel]
	if count > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.channels, channel)
	drained := len(s.channels) == 0
	s.mu.Unlock()

	if adapter, ok := t.adapters[exchange]; ok {
		_ = t.issueUnsubscribe(adapter, channel, symbol, interval)
	}

	if drained {
		t.subsMu.Lock()
		if cur, ok := t.subs[key]; ok && cur == s {
			cur.mu.Lock()
			stillDrained := len(cur.channels) == 0
			cur.mu.Unlock()
			if stillDrained {
				delete(t.subs, key)
			}
		}
		t.subsMu.Unlock()
	}
}

// SetHotSymbols replaces exchange's hot-symbol set, eagerly instructs the
// adapter to batch-subscribe trades+orderbook for every symbol in it,
// and marks any currently-tracked (non-kline) subscriptions in that set
// as hot so they are pinned on their next unsubscribe-to-zero.
func (t *Tracker) SetHotSymbols(exchange string, symbols []string) {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	t.hotMu.Lock()
	t.hot[exchange] = set
	t.hotMu.Unlock()

	if adapter, ok := t.adapters[exchange]; ok {
		for _, sym := range symbols {
			_ = adapter.SubscribeSymbol(sym, []model.Channel{model.ChannelTrades, model.ChannelOrderbook})
		}
	}

	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for key, s := range t.subs {
		ex, symbol, interval := splitKey(key)
		if ex != exchange || interval != "" {
			continue
		}
		if _, hot := set[symbol]; hot {
			s.mu.Lock()
			s.isHot = true
			s.mu.Unlock()
		}
	}
}

func splitKey(key string) (exchange, symbol, interval string) {
	parts := splitN(key, ':', 3)
	switch len(parts) {
	case 2:
		return parts[0], parts[1], ""
	case 3:
		return parts[0], parts[1], parts[2]
	default:
		return "", "", ""
	}
}

func splitN(s string, sep byte, n int) []string {
	out := make([]string, 0, n)
	start := 0
	for i := 0; i < len(s) && len(out) < n-1; i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// Stats summarizes tracker state for the health endpoint.
type Stats struct {
	TotalSubscriptions int            `json:"totalSubscriptions"`
	PendingCleanups    int            `json:"pendingCleanups"`
	PerExchange        map[string]int `json:"perExchange"`
}

// Stats returns a snapshot of current subscription counts.
func (t *Tracker) Stats() Stats {
	t.subsMu.Lock()
	perExchange := make(map[string]int)
	total := 0
	for key, s := range t.subs {
		ex, _, _ := splitKey(key)
		s.mu.Lock()
		n := len(s.channels)
		s.mu.Unlock()
		total += n
		perExchange[ex] += n
	}
	t.subsMu.Unlock()

	t.timersMu.Lock()
	pending := len(t.timers)
	t.timersMu.Unlock()

	return Stats{TotalSubscriptions: total, PendingCleanups: pending, PerExchange: perExchange}
}

// Stop cancels every pending cleanup timer and clears tracked state. It
// does not touch adapters — the hub closes those separately.
func (t *Tracker) Stop() {
	t.timersMu.Lock()
	for k, timer := range t.timers {
		timer.Stop()
		delete(t.timers, k)
	}
	t.timersMu.Unlock()

	t.subsMu.Lock()
	t.subs = make(map[string]*subscription)
	t.subsMu.Unlock()
}
