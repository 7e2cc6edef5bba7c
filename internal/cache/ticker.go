package cache

import "github.com/marketfeed/hub/internal/model"

const tickerPrefix = "ticker:"

func tickerKey(exchange, symbol string) string {
	return tickerPrefix + exSym(exchange, symbol)
}

// SetTicker merges patch into the existing ticker for (exchange,symbol),
// touches its lastUpdate entry, and notifies subscribers.
func (c *Cache) SetTicker(exchange, symbol string, patch model.Ticker) {
	patch.Exchange = exchange
	patch.Symbol = symbol

	c.tickersMu.Lock()
	key := exSym(exchange, symbol)
	merged := c.tickers[key].Merge(patch)
	c.tickers[key] = merged
	c.tickersMu.Unlock()

	c.touch(tickerKey(exchange, symbol))
	c.notify(model.ChannelTickers, exchange, symbol, merged)
}

// GetTicker returns the current ticker for (exchange,symbol), the zero
// value if none exists, and whether the entry is stale.
func (c *Cache) GetTicker(exchange, symbol string) (model.Ticker, bool) {
	c.tickersMu.RLock()
	t := c.tickers[exSym(exchange, symbol)]
	c.tickersMu.RUnlock()
	return t, c.IsStale(tickerKey(exchange, symbol))
}

// GetAllTickers returns every cached ticker for exchange.
func (c *Cache) GetAllTickers(exchange string) []model.Ticker {
	c.tickersMu.RLock()
	defer c.tickersMu.RUnlock()
	out := make([]model.Ticker, 0)
	prefix := exchange + ":"
	for key, t := range c.tickers {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, t)
		}
	}
	return out
}

func (c *Cache) dropTicker(exchange, symbol string) {
	c.tickersMu.Lock()
	delete(c.tickers, exSym(exchange, symbol))
	c.tickersMu.Unlock()
}
