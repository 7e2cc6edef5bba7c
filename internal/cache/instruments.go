package cache

import "github.com/marketfeed/hub/internal/model"

const instrumentsPrefix = "instruments:"

func instrumentsKey(exchange string) string {
	return instrumentsPrefix + exchange
}

// SetInstruments replaces the instrument set for exchange wholesale.
func (c *Cache) SetInstruments(exchange string, instruments []model.Instrument) {
	bysymbol := make(map[string]model.Instrument, len(instruments))
	for _, ins := range instruments {
		ins.Exchange = exchange
		bysymbol[ins.Symbol] = ins
	}

	c.instrumentsMu.Lock()
	c.instruments[exchange] = bysymbol
	c.instrumentsMu.Unlock()

	c.touch(instrumentsKey(exchange))
}

// GetInstruments returns every cached instrument for exchange.
func (c *Cache) GetInstruments(exchange string) []model.Instrument {
	c.instrumentsMu.RLock()
	defer c.instrumentsMu.RUnlock()
	bysym := c.instruments[exchange]
	out := make([]model.Instrument, 0, len(bysym))
	for _, ins := range bysym {
		out = append(out, ins)
	}
	return out
}

// GetInstrument returns one instrument by (exchange,symbol).
func (c *Cache) GetInstrument(exchange, symbol string) (model.Instrument, bool) {
	c.instrumentsMu.RLock()
	defer c.instrumentsMu.RUnlock()
	ins, ok := c.instruments[exchange][symbol]
	return ins, ok
}

func (c *Cache) dropInstruments(exchange string) {
	c.instrumentsMu.Lock()
	delete(c.instruments, exchange)
	c.instrumentsMu.Unlock()
}
