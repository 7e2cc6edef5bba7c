package cache

import "github.com/marketfeed/hub/internal/model"

const orderbookPrefix = "orderbook:"

func orderbookKey(exchange, symbol string) string {
	return orderbookPrefix + exSym(exchange, symbol)
}

func (c *Cache) entry(exchange, symbol string) *orderbookEntry {
	key := exSym(exchange, symbol)
	e, ok := c.books[key]
	if !ok {
		e = &orderbookEntry{bids: newBook(), asks: newBook()}
		c.books[key] = e
	}
	return e
}

// UpdateOrderbook applies a mutation to the (exchange,symbol) book.
// snapshot=true replaces each side wholesale; snapshot=false merges as a
// delta where a zero size removes the level.
func (c *Cache) UpdateOrderbook(exchange, symbol string, bids, asks []model.PriceLevel, snapshot bool, updateID, crossSeq, timestamp int64) {
	c.booksMu.Lock()
	e := c.entry(exchange, symbol)
	if snapshot {
		e.bids.replace(bids)
		e.asks.replace(asks)
	} else {
		e.bids.applyDelta(bids)
		e.asks.applyDelta(asks)
	}
	e.updateID = updateID
	e.crossSeq = crossSeq
	e.timestamp = timestamp
	out := c.snapshotOrderbookLocked(exchange, symbol)
	c.booksMu.Unlock()

	c.touch(orderbookKey(exchange, symbol))
	c.notify(model.ChannelOrderbook, exchange, symbol, out)
}

// snapshotOrderbookLocked builds a model.Orderbook from the current tree
// state. Callers must hold booksMu.
func (c *Cache) snapshotOrderbookLocked(exchange, symbol string) model.Orderbook {
	key := exSym(exchange, symbol)
	e, ok := c.books[key]
	if !ok {
		return model.Orderbook{Exchange: exchange, Symbol: symbol}
	}
	return model.Orderbook{
		Exchange:  exchange,
		Symbol:    symbol,
		Bids:      e.bids.descending(),
		Asks:      e.asks.ascending(),
		UpdateID:  e.updateID,
		CrossSeq:  e.crossSeq,
		Timestamp: e.timestamp,
	}
}

// GetOrderbook returns the current book for (exchange,symbol) and whether
// it is stale.
func (c *Cache) GetOrderbook(exchange, symbol string) (model.Orderbook, bool) {
	c.booksMu.Lock()
	defer c.booksMu.Unlock()
	return c.snapshotOrderbookLocked(exchange, symbol), c.IsStale(orderbookKey(exchange, symbol))
}

func (c *Cache) dropOrderbook(exchange, symbol string) {
	c.booksMu.Lock()
	delete(c.books, exSym(exchange, symbol))
	c.booksMu.Unlock()
}
