// Package book reconstructs full order book snapshots from incremental delta
// streams and from raw order log replay.
package book

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/tradewire/connector/internal/schema"
)

// priceSide is one side of a book keyed by price. Bids sort descending, asks
// ascending, so Snapshot always returns best-first.
type priceSide struct {
	levels *btree.BTreeG[schema.Quote]
}

func newPriceSide(descending bool) *priceSide {
	less := func(a, b schema.Quote) bool {
		if descending {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	}
	return &priceSide{levels: btree.NewBTreeG(less)}
}

func (s *priceSide) clear() {
	s.levels.Clear()
}

func (s *priceSide) len() int {
	return s.levels.Len()
}

// upsert replaces the level at the quote's price, or removes it when the
// volume is zero.
func (s *priceSide) upsert(q schema.Quote) {
	if q.Volume.IsZero() {
		s.levels.Delete(q)
		return
	}
	s.levels.Set(q)
}

// add accumulates volume at a price level, growing the orders count.
func (s *priceSide) add(price, volume decimal.Decimal) {
	level, ok := s.levels.Get(schema.Quote{Price: price})
	if !ok {
		level = schema.Quote{Price: price}
	}
	level.Volume = level.Volume.Add(volume)
	level.OrdersCount++
	s.levels.Set(level)
}

// remove takes volume off a price level, dropping the level once empty.
// Returns the volume actually removed, which caps at what was resting.
func (s *priceSide) remove(price, volume decimal.Decimal) decimal.Decimal {
	level, ok := s.levels.Get(schema.Quote{Price: price})
	if !ok {
		return decimal.Zero
	}
	removed := volume
	if removed.GreaterThan(level.Volume) {
		removed = level.Volume
	}
	level.Volume = level.Volume.Sub(removed)
	if level.Volume.IsZero() {
		s.levels.Delete(level)
		return removed
	}
	if level.OrdersCount > 1 {
		level.OrdersCount--
	}
	s.levels.Set(level)
	return removed
}

// best returns the first level, best-first.
func (s *priceSide) best() (schema.Quote, bool) {
	return s.levels.Min()
}

// consume removes up to the given volume starting from the best level,
// stopping at the first level past the limit price. A zero limit consumes
// without a price bound. Returns the consumed volume.
func (s *priceSide) consume(volume decimal.Decimal, limit decimal.Decimal, crosses func(levelPrice, limit decimal.Decimal) bool) decimal.Decimal {
	consumed := decimal.Zero
	for volume.IsPositive() {
		level, ok := s.levels.Min()
		if !ok {
			break
		}
		if !limit.IsZero() && !crosses(level.Price, limit) {
			break
		}
		took := s.remove(level.Price, volume)
		consumed = consumed.Add(took)
		volume = volume.Sub(took)
	}
	return consumed
}

// snapshot returns the side best-first, trimmed to depth when positive.
func (s *priceSide) snapshot(depth int) []schema.Quote {
	out := make([]schema.Quote, 0, s.levels.Len())
	s.levels.Scan(func(q schema.Quote) bool {
		if depth > 0 && len(out) >= depth {
			return false
		}
		out = append(out, q)
		return true
	})
	return out
}
