// Package book implements the per-trading-pair Order Book (C3): price
// levels sorted for best-price-first traversal, with strict FIFO ordering
// within a level (§4.3). The teacher's matching package keeps resting
// orders in a single container/heap.Interface ordered only by price —
// sufficient for best-price lookup but silent on ordering within a price
// level, since heap pops are not stable. Levels here are instead kept in a
// price-sorted slice, each backed by a container/list.List so time
// priority within a level is exact, not incidental.
package book

import (
	"container/list"
	"sort"
	"sync"

	"github.com/exchangecore/spotex/internal/domain"
	"github.com/shopspring/decimal"
)

// restingOrder is the book's private view of an order sitting on a level:
// just enough to match against and to report in a depth snapshot.
type restingOrder struct {
	orderID  int64
	userID   int64
	price    decimal.Decimal
	quantity decimal.Decimal // remaining, not original
}

// level holds every resting order at a single price, oldest first.
type level struct {
	price   decimal.Decimal
	orders  *list.List // of *restingOrder
	byOrder map[int64]*list.Element
}

func newLevel(price decimal.Decimal) *level {
	return &level{price: price, orders: list.New(), byOrder: make(map[int64]*list.Element)}
}

func (lv *level) totalQty() decimal.Decimal {
	total := decimal.Zero
	for e := lv.orders.Front(); e != nil; e = e.Next() {
		total = total.Add(e.Value.(*restingOrder).quantity)
	}
	return total
}

// Book is one side-pair of price ladders for a single trading pair. Bids
// are kept price-descending, asks price-ascending; within a level, orders
// are FIFO by arrival (§4.3 "Price-time priority").
type Book struct {
	mu sync.RWMutex

	symbol string
	bids   []*level // descending by price: bids[0] is best bid
	asks   []*level // ascending by price: asks[0] is best ask

	// index from orderID to (side, price) so Remove/DecreaseTop don't need
	// a linear scan.
	location map[int64]orderLocation
}

type orderLocation struct {
	side  domain.Side
	price decimal.Decimal
}

// New creates an empty Book for symbol.
func New(symbol string) *Book {
	return &Book{
		symbol:   symbol,
		location: make(map[int64]orderLocation),
	}
}

func (b *Book) ladder(side domain.Side) []*level {
	if side == domain.Buy {
		return b.bids
	}
	return b.asks
}

func (b *Book) setLadder(side domain.Side, levels []*level) {
	if side == domain.Buy {
		b.bids = levels
	} else {
		b.asks = levels
	}
}

// betterThan reports whether price a is better than price b for side:
// higher for bids, lower for asks.
func betterThan(side domain.Side, a, b decimal.Decimal) bool {
	if side == domain.Buy {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// findLevelIndex returns the index of the level at price within levels, and
// whether it was found. levels are assumed ordered best-first per side.
func findLevelIndex(side domain.Side, levels []*level, price decimal.Decimal) (int, bool) {
	idx := sort.Search(len(levels), func(i int) bool {
		// first index whose price is not strictly better than price, i.e.
		// price is at-or-past levels[i] in the ladder's sort order.
		return !betterThan(side, levels[i].price, price)
	})
	if idx < len(levels) && levels[idx].price.Equal(price) {
		return idx, true
	}
	return idx, false
}

// Insert adds a resting order to the book at its limit price, appending
// it to the back of its price level (§4.3 "Insert(order) - O(log L)").
func (b *Book) Insert(orderID, userID int64, side domain.Side, price, quantity decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	levels := b.ladder(side)
	idx, found := findLevelIndex(side, levels, price)
	var lv *level
	if found {
		lv = levels[idx]
	} else {
		lv = newLevel(price)
		levels = append(levels, nil)
		copy(levels[idx+1:], levels[idx:])
		levels[idx] = lv
		b.setLadder(side, levels)
	}

	ro := &restingOrder{orderID: orderID, userID: userID, price: price, quantity: quantity}
	elem := lv.orders.PushBack(ro)
	lv.byOrder[orderID] = elem
	b.location[orderID] = orderLocation{side: side, price: price}
}

// Remove takes orderID off the book entirely, used on cancel or full
// fill. Returns false if the order was not resting.
func (b *Book) Remove(orderID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remove(orderID)
}

// remove is the unlocked core of Remove, reused by DecreaseTop.
func (b *Book) remove(orderID int64) bool {
	loc, ok := b.location[orderID]
	if !ok {
		return false
	}
	delete(b.location, orderID)

	levels := b.ladder(loc.side)
	idx, found := findLevelIndex(loc.side, levels, loc.price)
	if !found {
		return false
	}
	lv := levels[idx]
	elem, ok := lv.byOrder[orderID]
	if !ok {
		return false
	}
	lv.orders.Remove(elem)
	delete(lv.byOrder, orderID)

	if lv.orders.Len() == 0 {
		levels = append(levels[:idx], levels[idx+1:]...)
		b.setLadder(loc.side, levels)
	}
	return true
}

// DecreaseTop reduces the quantity of the order at the front of side's
// best level by qty — the partial fill of a resting maker order. If the
// order is fully consumed it is removed from the book. Returns the
// orderID affected and whether it still has remaining quantity.
func (b *Book) DecreaseTop(side domain.Side, qty decimal.Decimal) (orderID int64, remaining decimal.Decimal, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	levels := b.ladder(side)
	if len(levels) == 0 {
		return 0, decimal.Zero, false
	}
	lv := levels[0]
	front := lv.orders.Front()
	if front == nil {
		return 0, decimal.Zero, false
	}
	ro := front.Value.(*restingOrder)
	ro.quantity = ro.quantity.Sub(qty)

	if ro.quantity.IsZero() || ro.quantity.IsNegative() {
		remaining = decimal.Zero
		b.remove(ro.orderID)
	} else {
		remaining = ro.quantity
	}
	return ro.orderID, remaining, true
}

// BestOpposite returns the best resting price and total quantity on side,
// without consuming anything. ok is false if side is empty.
func (b *Book) BestOpposite(side domain.Side) (price decimal.Decimal, qty decimal.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	levels := b.ladder(side)
	if len(levels) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	return levels[0].price, levels[0].totalQty(), true
}

// WalkLevel is one (price, orderID, userID, quantity) entry visited by
// WalkOpposite, in FIFO order within the level.
type WalkLevel struct {
	Price    decimal.Decimal
	OrderID  int64
	UserID   int64
	Quantity decimal.Decimal
}

// WalkOpposite visits resting orders on side in price-time priority order,
// calling visit for each until visit returns false or the side is
// exhausted. Used by the matching engine's market-order worst-case
// collateral estimation (§4.4); the match loop itself uses FindEligible.
func (b *Book) WalkOpposite(side domain.Side, visit func(WalkLevel) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, lv := range b.ladder(side) {
		for e := lv.orders.Front(); e != nil; e = e.Next() {
			ro := e.Value.(*restingOrder)
			if !visit(WalkLevel{Price: lv.price, OrderID: ro.orderID, UserID: ro.userID, Quantity: ro.quantity}) {
				return
			}
		}
	}
}

// FindEligible walks side in price-time priority order and returns the
// first resting order for which skip returns false, stopping as soon as
// crossable reports a level's price is no longer reachable by the taker.
// Used by the matching engine to implement self-trade prevention (§4.4
// "skip this maker") without disturbing the book: an order skipped this
// way is left exactly where it was, still first in line against any
// other taker.
func (b *Book) FindEligible(side domain.Side, crossable func(price decimal.Decimal) bool, skip func(userID int64) bool) (WalkLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, lv := range b.ladder(side) {
		if !crossable(lv.price) {
			return WalkLevel{}, false
		}
		for e := lv.orders.Front(); e != nil; e = e.Next() {
			ro := e.Value.(*restingOrder)
			if skip(ro.userID) {
				continue
			}
			return WalkLevel{Price: lv.price, OrderID: ro.orderID, UserID: ro.userID, Quantity: ro.quantity}, true
		}
	}
	return WalkLevel{}, false
}

// ConsumeOrder reduces a specific resting order's remaining quantity by
// qty, wherever it sits in its level's FIFO queue — not necessarily at
// the front, which distinguishes it from DecreaseTop. Used after
// FindEligible locates a maker that may be behind a skipped self-trade
// order in the same level. Removes the order if fully consumed. Returns
// false if orderID is not currently resting.
func (b *Book) ConsumeOrder(side domain.Side, orderID int64, qty decimal.Decimal) (remaining decimal.Decimal, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	loc, ok := b.location[orderID]
	if !ok || loc.side != side {
		return decimal.Zero, false
	}
	levels := b.ladder(side)
	idx, found := findLevelIndex(side, levels, loc.price)
	if !found {
		return decimal.Zero, false
	}
	elem, ok := levels[idx].byOrder[orderID]
	if !ok {
		return decimal.Zero, false
	}
	ro := elem.Value.(*restingOrder)
	ro.quantity = ro.quantity.Sub(qty)
	if ro.quantity.IsZero() || ro.quantity.IsNegative() {
		remaining = decimal.Zero
		b.remove(orderID)
	} else {
		remaining = ro.quantity
	}
	return remaining, true
}

// DepthLevel is one aggregated price level in a DepthSnapshot.
type DepthLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Orders   int
}

// DepthSnapshot returns up to n best levels per side (§4.3
// "DepthSnapshot(n)").
func (b *Book) DepthSnapshot(n int) (bids, asks []DepthLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids = snapshotSide(b.bids, n)
	asks = snapshotSide(b.asks, n)
	return bids, asks
}

func snapshotSide(levels []*level, n int) []DepthLevel {
	if n > len(levels) {
		n = len(levels)
	}
	out := make([]DepthLevel, 0, n)
	for i := 0; i < n; i++ {
		lv := levels[i]
		out = append(out, DepthLevel{Price: lv.price, Quantity: lv.totalQty(), Orders: lv.orders.Len()})
	}
	return out
}

// LevelsAt returns the aggregated quantity resting at each requested
// price on side, for prices with no resting quantity the entry is zero
// (§4.3 "LevelsAt(prices)").
func (b *Book) LevelsAt(side domain.Side, prices []decimal.Decimal) []decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	levels := b.ladder(side)
	out := make([]decimal.Decimal, len(prices))
	for i, p := range prices {
		if idx, found := findLevelIndex(side, levels, p); found {
			out[i] = levels[idx].totalQty()
		} else {
			out[i] = decimal.Zero
		}
	}
	return out
}

// Symbol returns the trading pair symbol this book serves.
func (b *Book) Symbol() string {
	return b.symbol
}

// IsEmpty reports whether both sides of the book have no resting orders.
func (b *Book) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bids) == 0 && len(b.asks) == 0
}
