package cache

import (
	"fmt"

	"github.com/marketfeed/hub/internal/model"
)

const (
	tradesPrefix = "trades:"
	tradeRingCap = 100
)

func tradesKey(exchange, symbol string) string {
	return tradesPrefix + exSym(exchange, symbol)
}

func tradeDedupKey(t model.Trade) string {
	if t.TradeID != "" {
		return "id:" + t.TradeID
	}
	return fmt.Sprintf("c:%s:%s:%d", t.Price.String(), t.Size.String(), t.Timestamp)
}

// AddTrades inserts new trades newest-first into the (exchange,symbol)
// ring, deduplicating against both the existing ring and duplicates
// within the incoming batch, then caps the ring at tradeRingCap.
func (c *Cache) AddTrades(exchange, symbol string, trades []model.Trade) {
	if len(trades) == 0 {
		return
	}

	c.tradesMu.Lock()
	key := exSym(exchange, symbol)
	existing := c.trades[key]

	seen := make(map[string]struct{}, len(existing)+len(trades))
	for _, t := range existing {
		seen[tradeDedupKey(t)] = struct{}{}
	}

	fresh := make([]model.Trade, 0, len(trades))
	for _, t := range trades {
		dk := tradeDedupKey(t)
		if _, dup := seen[dk]; dup {
			continue
		}
		seen[dk] = struct{}{}
		fresh = append(fresh, t)
	}

	merged := append(fresh, existing...)
	if len(merged) > tradeRingCap {
		merged = merged[:tradeRingCap]
	}
	c.trades[key] = merged
	out := make([]model.Trade, len(merged))
	copy(out, merged)
	c.tradesMu.Unlock()

	if len(fresh) == 0 {
		return
	}
	c.touch(tradesKey(exchange, symbol))
	c.notify(model.ChannelTrades, exchange, symbol, out)
}

// GetTrades returns up to limit of the most recent trades for
// (exchange,symbol). limit<=0 returns the full ring.
func (c *Cache) GetTrades(exchange, symbol string, limit int) []model.Trade {
	c.tradesMu.RLock()
	defer c.tradesMu.RUnlock()
	trades := c.trades[exSym(exchange, symbol)]
	if limit > 0 && limit < len(trades) {
		trades = trades[:limit]
	}
	out := make([]model.Trade, len(trades))
	copy(out, trades)
	return out
}

func (c *Cache) dropTrades(exchange, symbol string) {
	c.tradesMu.Lock()
	delete(c.trades, exSym(exchange, symbol))
	c.tradesMu.Unlock()
}
