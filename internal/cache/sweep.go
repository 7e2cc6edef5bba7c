package cache

import "strings"

// dropCollectionEntry removes the collection entry identified by a
// lastUpdate key (as produced by tickerKey/orderbookKey/etc.) once the
// sweeper has determined it is expired.
func (c *Cache) dropCollectionEntry(key string) {
	switch {
	case strings.HasPrefix(key, tickerPrefix):
		ex, sym, ok := splitExSym(key, tickerPrefix)
		if ok {
			c.dropTicker(ex, sym)
		}
	case strings.HasPrefix(key, orderbookPrefix):
		ex, sym, ok := splitExSym(key, orderbookPrefix)
		if ok {
			c.dropOrderbook(ex, sym)
		}
	case strings.HasPrefix(key, tradesPrefix):
		ex, sym, ok := splitExSym(key, tradesPrefix)
		if ok {
			c.dropTrades(ex, sym)
		}
	case strings.HasPrefix(key, liqPrefix):
		ex, sym, ok := splitExSym(key, liqPrefix)
		if ok {
			c.dropLiquidations(ex, sym)
		}
	case strings.HasPrefix(key, fundingPrefix):
		ex, sym, ok := splitExSym(key, fundingPrefix)
		if ok {
			c.dropFunding(ex, sym)
		}
	case strings.HasPrefix(key, oiPrefix):
		ex, sym, ok := splitExSym(key, oiPrefix)
		if ok {
			c.dropOpenInterest(ex, sym)
		}
	case strings.HasPrefix(key, instrumentsPrefix):
		c.dropInstruments(strings.TrimPrefix(key, instrumentsPrefix))
	case strings.HasPrefix(key, klinesPrefix):
		rest := strings.TrimPrefix(key, klinesPrefix)
		parts := strings.SplitN(rest, ":", 3)
		if len(parts) == 3 {
			c.dropKlines(parts[0], parts[1], parts[2])
		}
	}
}

func splitExSym(key, prefix string) (exchange, symbol string, ok bool) {
	rest := strings.TrimPrefix(key, prefix)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
