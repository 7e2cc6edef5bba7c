package cache

import "github.com/marketfeed/hub/internal/model"

const (
	liqPrefix  = "liquidations:"
	liqRingCap = 100
)

func liqKey(exchange, symbol string) string {
	return liqPrefix + exSym(exchange, symbol)
}

func prependCapped(ring []model.Liquidation, l model.Liquidation) []model.Liquidation {
	out := append([]model.Liquidation{l}, ring...)
	if len(out) > liqRingCap {
		out = out[:liqRingCap]
	}
	return out
}

// AddLiquidation inserts l into the (exchange,symbol) ring and mirrors it
// into the (exchange,"ALL") aggregate ring, notifying subscribers of both
// keys.
func (c *Cache) AddLiquidation(exchange, symbol string, l model.Liquidation) {
	l.Symbol = symbol

	c.liqMu.Lock()
	key := exSym(exchange, symbol)
	c.liqs[key] = prependCapped(c.liqs[key], l)
	symSnapshot := append([]model.Liquidation(nil), c.liqs[key]...)

	allKey := exSym(exchange, model.AllSymbol)
	allLiq := l
	allLiq.Symbol = symbol
	c.liqs[allKey] = prependCapped(c.liqs[allKey], allLiq)
	allSnapshot := append([]model.Liquidation(nil), c.liqs[allKey]...)
	c.liqMu.Unlock()

	c.touch(liqKey(exchange, symbol))
	c.touch(liqKey(exchange, model.AllSymbol))
	c.notify(model.ChannelLiquidations, exchange, symbol, symSnapshot)
	c.notify(model.ChannelLiquidations, exchange, model.AllSymbol, allSnapshot)
}

// GetLiquidations returns up to limit of the most recent liquidations for
// (exchange,symbol); pass model.AllSymbol for the aggregate feed.
func (c *Cache) GetLiquidations(exchange, symbol string, limit int) []model.Liquidation {
	c.liqMu.RLock()
	defer c.liqMu.RUnlock()
	liqs := c.liqs[exSym(exchange, symbol)]
	if limit > 0 && limit < len(liqs) {
		liqs = liqs[:limit]
	}
	out := make([]model.Liquidation, len(liqs))
	copy(out, liqs)
	return out
}

func (c *Cache) dropLiquidations(exchange, symbol string) {
	c.liqMu.Lock()
	delete(c.liqs, exSym(exchange, symbol))
	c.liqMu.Unlock()
}
