// Package ids implements the ID Allocator (C1): a monotonic,
// process-unique source of order and trade identifiers. Guarantees
// strictly increasing values within a process lifetime; on restart,
// Recovery (C8) seeds the allocator above the maximum ID observed in the
// durable store.
package ids

import "sync/atomic"

// Allocator hands out strictly increasing int64 IDs via atomic increment.
// Gaps are permitted; monotonicity is required.
type Allocator struct {
	orderSeq int64
	tradeSeq int64
}

// New creates an Allocator starting from zero.
func New() *Allocator {
	return &Allocator{}
}

// NextOrderID returns the next order ID.
func (a *Allocator) NextOrderID() int64 {
	return atomic.AddInt64(&a.orderSeq, 1)
}

// NextTradeID returns the next trade ID.
func (a *Allocator) NextTradeID() int64 {
	return atomic.AddInt64(&a.tradeSeq, 1)
}

// SeedOrderID bumps the order sequence so the next allocation exceeds
// seen, if it doesn't already. Used by Recovery at startup to resume
// above the maximum order ID found in the durable store.
func (a *Allocator) SeedOrderID(seen int64) {
	seedMonotonic(&a.orderSeq, seen)
}

// SeedTradeID bumps the trade sequence so the next allocation exceeds
// seen, if it doesn't already.
func (a *Allocator) SeedTradeID(seen int64) {
	seedMonotonic(&a.tradeSeq, seen)
}

func seedMonotonic(counter *int64, seen int64) {
	for {
		cur := atomic.LoadInt64(counter)
		if seen <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(counter, cur, seen) {
			return
		}
	}
}
