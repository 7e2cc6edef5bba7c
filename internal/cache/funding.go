package cache

import "github.com/marketfeed/hub/internal/model"

const fundingPrefix = "funding:"

func fundingKey(exchange, symbol string) string {
	return fundingPrefix + exSym(exchange, symbol)
}

// SetFunding replaces the funding record for (exchange,symbol) and
// notifies subscribers.
func (c *Cache) SetFunding(exchange, symbol string, f model.Funding) {
	f.Symbol = symbol

	c.fundingMu.Lock()
	c.funding[exSym(exchange, symbol)] = f
	c.fundingMu.Unlock()

	c.touch(fundingKey(exchange, symbol))
	c.notify(model.ChannelFunding, exchange, symbol, f)
}

// GetFunding returns the funding record for (exchange,symbol) and whether
// it is stale.
func (c *Cache) GetFunding(exchange, symbol string) (model.Funding, bool) {
	c.fundingMu.RLock()
	f := c.funding[exSym(exchange, symbol)]
	c.fundingMu.RUnlock()
	return f, c.IsStale(fundingKey(exchange, symbol))
}

// GetAllFunding returns every cached funding record for exchange.
func (c *Cache) GetAllFunding(exchange string) []model.Funding {
	c.fundingMu.RLock()
	defer c.fundingMu.RUnlock()
	out := make([]model.Funding, 0)
	prefix := exchange + ":"
	for key, f := range c.funding {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, f)
		}
	}
	return out
}

func (c *Cache) dropFunding(exchange, symbol string) {
	c.fundingMu.Lock()
	delete(c.funding, exSym(exchange, symbol))
	c.fundingMu.Unlock()
}
