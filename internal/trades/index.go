// Package trades implements the in-memory trade index backing §6.2's
// GetOrderTrades(orderId) and ListUserTrades(userId, symbol?). Trades are
// enqueued into the write queue (C6) for durable persistence and then
// discarded from the queue once flushed; at steady state a query API must
// not read the durable store (§4.7, §9), so this index keeps its own copy
// alongside the one handed to C6, populated at the same call site in the
// matching engine's settlement path.
package trades

import (
	"sync"

	"github.com/exchangecore/spotex/internal/domain"
)

// Index is the process-wide, append-only record of every trade executed
// since boot, keyed for the two read patterns the front door needs.
// Recovery does not reload earlier trades into it.
type Index struct {
	mu sync.RWMutex

	byOrder map[int64][]domain.Trade
	byUser  map[int64][]domain.Trade
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		byOrder: make(map[int64][]domain.Trade),
		byUser:  make(map[int64][]domain.Trade),
	}
}

// Record appends t under both of its order legs and both of its user
// legs. Called once per trade, immediately alongside the write queue's
// EnqueueTradeCreated, so the two stores never drift relative to each
// other.
func (idx *Index) Record(t domain.Trade) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.byOrder[t.BuyOrderID] = append(idx.byOrder[t.BuyOrderID], t)
	idx.byOrder[t.SellOrderID] = append(idx.byOrder[t.SellOrderID], t)
	idx.byUser[t.BuyerUserID] = append(idx.byUser[t.BuyerUserID], t)
	idx.byUser[t.SellerUserID] = append(idx.byUser[t.SellerUserID], t)
}

// GetOrderTrades returns every trade that filled orderID, in execution
// order, on either side of the match.
func (idx *Index) GetOrderTrades(orderID int64) []domain.Trade {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	src := idx.byOrder[orderID]
	out := make([]domain.Trade, len(src))
	copy(out, src)
	return out
}

// ListUserTrades returns every trade userID was a party to, optionally
// filtered by symbol (empty string means no filter).
func (idx *Index) ListUserTrades(userID int64, symbol string) []domain.Trade {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	src := idx.byUser[userID]
	out := make([]domain.Trade, 0, len(src))
	for _, t := range src {
		if symbol == "" || t.Symbol == symbol {
			out = append(out, t)
		}
	}
	return out
}
