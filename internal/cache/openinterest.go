package cache

import "github.com/marketfeed/hub/internal/model"

const oiPrefix = "oi:"

func oiKey(exchange, symbol string) string {
	return oiPrefix + exSym(exchange, symbol)
}

// SetOpenInterest replaces the open-interest record for (exchange,symbol).
func (c *Cache) SetOpenInterest(exchange, symbol string, oi model.OpenInterest) {
	oi.Symbol = symbol

	c.oiMu.Lock()
	c.oi[exSym(exchange, symbol)] = oi
	c.oiMu.Unlock()

	c.touch(oiKey(exchange, symbol))
	c.notify(model.ChannelOpenInterest, exchange, symbol, oi)
}

// GetOpenInterest returns the open-interest record for (exchange,symbol)
// and whether it is stale.
func (c *Cache) GetOpenInterest(exchange, symbol string) (model.OpenInterest, bool) {
	c.oiMu.RLock()
	oi := c.oi[exSym(exchange, symbol)]
	c.oiMu.RUnlock()
	return oi, c.IsStale(oiKey(exchange, symbol))
}

func (c *Cache) dropOpenInterest(exchange, symbol string) {
	c.oiMu.Lock()
	delete(c.oi, exSym(exchange, symbol))
	c.oiMu.Unlock()
}
