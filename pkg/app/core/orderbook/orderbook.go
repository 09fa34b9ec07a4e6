package orderbook

import (
	"fmt"
	"sort"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/onboarding92/bitchange/pkg/app/core/types"
)

// Fill is a planned execution of the incoming order against one resting maker.
// Price is the maker's resting price.
type Fill struct {
	Maker    *types.Order
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// PriceLevel is an aggregated view of one price
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"` // total remaining qty at this price
	Orders   int             `json:"orders"`
}

// level is a FIFO queue of resting orders at one price, ordered by admission sequence
type level struct {
	price  decimal.Decimal
	orders []*types.Order
}

func lessLevel(a, b *level) bool { return a.price.LessThan(b.price) }

const btreeDegree = 32

// OrderBook holds the resting limit orders of one pair.
// It is owned by the pair's actor and is not safe for concurrent use.
type OrderBook struct {
	pair string

	// Price levels sorted ascending; best bid is Max, best ask is Min
	bids *btree.BTreeG[*level]
	asks *btree.BTreeG[*level]

	// Order index for O(1) lookup on cancel
	index map[uint64]*types.Order

	lastPrice decimal.Decimal // most recent fill price
}

func NewOrderBook(pair string) *OrderBook {
	return &OrderBook{
		pair:  pair,
		bids:  btree.NewG(btreeDegree, lessLevel),
		asks:  btree.NewG(btreeDegree, lessLevel),
		index: make(map[uint64]*types.Order),
	}
}

func (ob *OrderBook) Pair() string { return ob.pair }

func (ob *OrderBook) side(s types.Side) *btree.BTreeG[*level] {
	if s == types.Buy {
		return ob.bids
	}
	return ob.asks
}

// Insert adds a resting limit order at the tail of its price level
func (ob *OrderBook) Insert(o *types.Order) error {
	if o.Type != types.Limit {
		return fmt.Errorf("only limit orders rest in the book (order %d is %s)", o.ID, o.Type)
	}
	if !o.IsResting() {
		return fmt.Errorf("order %d is not live (status %s, remaining %s)", o.ID, o.Status, o.Remaining())
	}
	if _, exists := ob.index[o.ID]; exists {
		return fmt.Errorf("%w: %d", types.ErrDuplicateOrder, o.ID)
	}

	tree := ob.side(o.Side)
	lvl, ok := tree.Get(&level{price: o.Price})
	if !ok {
		lvl = &level{price: o.Price}
		tree.ReplaceOrInsert(lvl)
	}

	// Inserts normally arrive in admission order; keep the queue sorted if not
	n := len(lvl.orders)
	if n == 0 || lvl.orders[n-1].ID < o.ID {
		lvl.orders = append(lvl.orders, o)
	} else {
		i := sort.Search(n, func(i int) bool { return lvl.orders[i].ID > o.ID })
		lvl.orders = append(lvl.orders, nil)
		copy(lvl.orders[i+1:], lvl.orders[i:])
		lvl.orders[i] = o
	}

	ob.index[o.ID] = o
	return nil
}

// Remove takes an order out of the book, dropping its level once empty
func (ob *OrderBook) Remove(id uint64) (*types.Order, bool) {
	o, ok := ob.index[id]
	if !ok {
		return nil, false
	}
	delete(ob.index, id)

	tree := ob.side(o.Side)
	lvl, ok := tree.Get(&level{price: o.Price})
	if !ok {
		return o, true
	}
	for i, resting := range lvl.orders {
		if resting.ID == id {
			lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
			break
		}
	}
	if len(lvl.orders) == 0 {
		tree.Delete(lvl)
	}
	return o, true
}

// Get returns a resting order by id
func (ob *OrderBook) Get(id uint64) (*types.Order, bool) {
	o, ok := ob.index[id]
	return o, ok
}

// Len returns the number of resting orders
func (ob *OrderBook) Len() int { return len(ob.index) }

// BestBid returns the highest bid price
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	lvl, ok := ob.bids.Max()
	if !ok {
		return decimal.Zero, false
	}
	return lvl.price, true
}

// BestAsk returns the lowest ask price
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	lvl, ok := ob.asks.Min()
	if !ok {
		return decimal.Zero, false
	}
	return lvl.price, true
}

// LastPrice returns the most recent fill price, zero before the first trade
func (ob *OrderBook) LastPrice() decimal.Decimal { return ob.lastPrice }

func (ob *OrderBook) SetLastPrice(p decimal.Decimal) { ob.lastPrice = p }

// Match plans the executions of an incoming order against the opposite side.
// Levels are visited best price first and FIFO within a level, stopping at the
// first level that does not cross or when the incoming order is exhausted.
// The book is not modified; callers apply the fills once they are committed.
func (ob *OrderBook) Match(in *types.Order) []Fill {
	remaining := in.Remaining()
	if !remaining.IsPositive() {
		return nil
	}

	var fills []Fill
	visit := func(lvl *level) bool {
		if in.Type == types.Limit && !crosses(in, lvl.price) {
			return false
		}
		for _, maker := range lvl.orders {
			qty := decimal.Min(remaining, maker.Remaining())
			if !qty.IsPositive() {
				continue
			}
			fills = append(fills, Fill{Maker: maker, Price: lvl.price, Quantity: qty})
			remaining = remaining.Sub(qty)
			if remaining.IsZero() {
				return false
			}
		}
		return true
	}

	if in.Side == types.Buy {
		ob.asks.Ascend(visit)
	} else {
		ob.bids.Descend(visit)
	}
	return fills
}

func crosses(in *types.Order, resting decimal.Decimal) bool {
	if in.Side == types.Buy {
		return resting.LessThanOrEqual(in.Price)
	}
	return resting.GreaterThanOrEqual(in.Price)
}

// Snapshot returns up to depth aggregated levels per side, best first.
// depth <= 0 returns every level.
func (ob *OrderBook) Snapshot(depth int) (bids, asks []PriceLevel) {
	collect := func(out *[]PriceLevel) func(*level) bool {
		return func(lvl *level) bool {
			if depth > 0 && len(*out) >= depth {
				return false
			}
			qty := decimal.Zero
			for _, o := range lvl.orders {
				qty = qty.Add(o.Remaining())
			}
			*out = append(*out, PriceLevel{Price: lvl.price, Quantity: qty, Orders: len(lvl.orders)})
			return true
		}
	}
	bids = make([]PriceLevel, 0)
	asks = make([]PriceLevel, 0)
	ob.bids.Descend(collect(&bids))
	ob.asks.Ascend(collect(&asks))
	return bids, asks
}

// Orders returns every resting order in priority order per side
func (ob *OrderBook) Orders() []*types.Order {
	out := make([]*types.Order, 0, len(ob.index))
	gather := func(lvl *level) bool {
		out = append(out, lvl.orders...)
		return true
	}
	ob.bids.Descend(gather)
	ob.asks.Ascend(gather)
	return out
}
