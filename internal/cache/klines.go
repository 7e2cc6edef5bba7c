package cache

import (
	"sort"

	"github.com/marketfeed/hub/internal/model"
)

const (
	klinesPrefix = "klines:"
	klineRingCap = 500
)

func klinesLastUpdateKey(exchange, symbol, interval string) string {
	return klinesPrefix + klineKey(exchange, symbol, interval)
}

// KlineSubSymbol is the compound subscriber key for klines: "<symbol>:<interval>".
func KlineSubSymbol(symbol, interval string) string {
	return symbol + ":" + interval
}

func mergeSortTruncate(existing, incoming []model.Candle) []model.Candle {
	byT := make(map[int64]model.Candle, len(existing)+len(incoming))
	for _, c := range existing {
		byT[c.T] = c
	}
	for _, c := range incoming {
		byT[c.T] = c
	}
	merged := make([]model.Candle, 0, len(byT))
	for _, c := range byT {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].T < merged[j].T })
	if len(merged) > klineRingCap {
		merged = merged[len(merged)-klineRingCap:]
	}
	return merged
}

// UpdateKline upserts a single live candle into the (exchange,symbol,
// interval) ring, keeping it ascending by open time and capped at
// klineRingCap, then notifies subscribers of the compound key.
func (c *Cache) UpdateKline(exchange, symbol, interval string, candle model.Candle) {
	key := klineKey(exchange, symbol, interval)

	c.klinesMu.Lock()
	merged := mergeSortTruncate(c.klines[key], []model.Candle{candle})
	c.klines[key] = merged
	out := make([]model.Candle, len(merged))
	copy(out, merged)
	c.klinesMu.Unlock()

	c.touch(klinesLastUpdateKey(exchange, symbol, interval))
	c.notify(model.ChannelKlines, exchange, KlineSubSymbol(symbol, interval), out)
}

// MergeKlines merges a freshly-fetched batch with whatever is already
// cached for (exchange,symbol,interval): dedup by open time, sort
// ascending, truncate to klineRingCap, store, and return the merged
// batch.
func (c *Cache) MergeKlines(exchange, symbol, interval string, batch []model.Candle) []model.Candle {
	key := klineKey(exchange, symbol, interval)

	c.klinesMu.Lock()
	merged := mergeSortTruncate(c.klines[key], batch)
	c.klines[key] = merged
	out := make([]model.Candle, len(merged))
	copy(out, merged)
	c.klinesMu.Unlock()

	c.touch(klinesLastUpdateKey(exchange, symbol, interval))
	return out
}

// GetKlines returns up to limit of the most recent cached candles for
// (exchange,symbol,interval), newest last (ascending).
func (c *Cache) GetKlines(exchange, symbol, interval string, limit int) []model.Candle {
	c.klinesMu.RLock()
	defer c.klinesMu.RUnlock()
	candles := c.klines[klineKey(exchange, symbol, interval)]
	if limit > 0 && limit < len(candles) {
		candles = candles[len(candles)-limit:]
	}
	out := make([]model.Candle, len(candles))
	copy(out, candles)
	return out
}

// KlineCount returns how many candles are cached for (exchange,symbol,
// interval), used by the read path to decide whether the cache already
// has enough history to answer without a fallback fetch.
func (c *Cache) KlineCount(exchange, symbol, interval string) int {
	c.klinesMu.RLock()
	defer c.klinesMu.RUnlock()
	return len(c.klines[klineKey(exchange, symbol, interval)])
}

func (c *Cache) dropKlines(exchange, symbol, interval string) {
	c.klinesMu.Lock()
	delete(c.klines, klineKey(exchange, symbol, interval))
	c.klinesMu.Unlock()
}
