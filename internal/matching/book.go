package matching

import (
	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/campusx/exchange/internal/model"
)

// entry is one order resting on a re-derived book side.
type entry struct {
	order  model.Order
	market bool
	priced bool
	price  decimal.Decimal
}

func newEntry(o model.Order) entry {
	p, ok := o.LimitPrice()
	return entry{order: o, market: o.Type.IsMarket(), priced: ok, price: p}
}

// rank orders entries by execution priority class: market orders first,
// then priced limits, then limits with an unusable price.
func (e entry) rank() int {
	switch {
	case e.market:
		return 0
	case e.priced:
		return 1
	}
	return 2
}

func timeLess(a, b entry) bool {
	if !a.order.CreatedAt.Equal(b.order.CreatedAt) {
		return a.order.CreatedAt.Before(b.order.CreatedAt)
	}
	return a.order.ID < b.order.ID
}

// bidLess orders buys: market first, then price descending, then
// created_at ascending, then order ID. Min() is the best bid.
func bidLess(a, b entry) bool {
	if a.rank() != b.rank() {
		return a.rank() < b.rank()
	}
	if a.priced && !a.price.Equal(b.price) {
		return a.price.GreaterThan(b.price)
	}
	return timeLess(a, b)
}

// askLess orders sells: market first, then price ascending, then
// created_at ascending, then order ID. Min() is the best ask.
func askLess(a, b entry) bool {
	if a.rank() != b.rank() {
		return a.rank() < b.rank()
	}
	if a.priced && !a.price.Equal(b.price) {
		return a.price.LessThan(b.price)
	}
	return timeLess(a, b)
}

// book is a snapshot of the open orders, rebuilt from the store for every
// matching step.
type book struct {
	bids *btree.BTreeG[entry]
	asks *btree.BTreeG[entry]
}

// buildBook sorts the open orders plus the virtual IPO seller into a book,
// leaving out excluded order IDs.
func buildBook(orders []model.Order, state *model.MarketState, excluded map[string]bool) *book {
	const degree = 32
	b := &book{
		bids: btree.NewG[entry](degree, bidLess),
		asks: btree.NewG[entry](degree, askLess),
	}
	for _, o := range orders {
		if excluded[o.ID] || !o.Status.Open() || o.Remaining() <= 0 {
			continue
		}
		switch o.Side {
		case model.SideBuy:
			b.bids.ReplaceOrInsert(newEntry(o))
		case model.SideSell:
			b.asks.ReplaceOrInsert(newEntry(o))
		}
	}
	if state != nil && !excluded[model.IPOOrderID] {
		if ipo, ok := state.IPOOrder(); ok {
			b.asks.ReplaceOrInsert(newEntry(ipo))
		}
	}
	return b
}

// best returns the top bid and ask, ok is false when either side is empty.
func (b *book) best() (buy, sell model.Order, ok bool) {
	bid, bok := b.bids.Min()
	ask, aok := b.asks.Min()
	if !bok || !aok {
		return model.Order{}, model.Order{}, false
	}
	return bid.order, ask.order, true
}

// depth aggregates priced orders into at most levels price levels per
// side (0 means all). Market orders are totalled separately.
func (b *book) depth(levels int, ref decimal.Decimal) model.Depth {
	d := model.Depth{ReferencePrice: ref}
	d.Bids, d.MarketBuyQty = aggregate(b.bids, levels)
	d.Asks, d.MarketSellQty = aggregate(b.asks, levels)
	return d
}

func aggregate(side *btree.BTreeG[entry], levels int) ([]model.PriceLevel, int64) {
	out := []model.PriceLevel{}
	var marketQty int64
	side.Ascend(func(e entry) bool {
		if e.market {
			marketQty += e.order.Remaining()
			return true
		}
		if !e.priced {
			return false
		}
		if n := len(out); n > 0 && out[n-1].Price.Equal(e.price) {
			out[n-1].Quantity += e.order.Remaining()
			out[n-1].OrderCount++
			return true
		}
		if levels > 0 && len(out) == levels {
			return false
		}
		out = append(out, model.PriceLevel{Price: e.price, Quantity: e.order.Remaining(), OrderCount: 1})
		return true
	})
	return out, marketQty
}
