package cache

import (
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/shopspring/decimal"

	"github.com/marketfeed/hub/internal/model"
)

func decimalComparator(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

// book holds one side (bids or asks) of an orderbook as a price-ordered
// tree so snapshotting and top-of-book reads never need a sort.
type book struct {
	levels *treemap.Map
}

func newBook() *book {
	return &book{levels: treemap.NewWith(decimalComparator)}
}

// applyDelta upserts non-zero sizes and removes zero-size levels.
func (b *book) applyDelta(levels []model.PriceLevel) {
	for _, lvl := range levels {
		if lvl.Size.IsZero() {
			b.levels.Remove(lvl.Price)
			continue
		}
		b.levels.Put(lvl.Price, lvl.Size)
	}
}

// replace clears the book and loads levels wholesale (snapshot mode).
func (b *book) replace(levels []model.PriceLevel) {
	b.levels.Clear()
	for _, lvl := range levels {
		if lvl.Size.IsZero() {
			continue
		}
		b.levels.Put(lvl.Price, lvl.Size)
	}
}

// ascending walks the tree low-to-high price (natural order for asks).
func (b *book) ascending() []model.PriceLevel {
	out := make([]model.PriceLevel, 0, b.levels.Size())
	it := b.levels.Iterator()
	for it.Next() {
		out = append(out, model.PriceLevel{
			Price: it.Key().(decimal.Decimal),
			Size:  it.Value().(decimal.Decimal),
		})
	}
	return out
}

// descending walks the tree high-to-low price (natural order for bids).
func (b *book) descending() []model.PriceLevel {
	out := make([]model.PriceLevel, 0, b.levels.Size())
	it := b.levels.Iterator()
	for it.End(); it.Prev(); {
		out = append(out, model.PriceLevel{
			Price: it.Key().(decimal.Decimal),
			Size:  it.Value().(decimal.Decimal),
		})
	}
	return out
}
