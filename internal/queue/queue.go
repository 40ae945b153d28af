// Package queue implements the Write Queue (C6): three FIFO,
// multi-producer/single-consumer durable-intent queues — orders, trades,
// assets — drained by the store-sync worker (C7). Entries are keys to
// re-read the authoritative in-memory state at flush time, except
// TradeCreated which carries an immutable payload (§4.7).
package queue

import (
	"sync"

	"github.com/exchangecore/spotex/internal/domain"
	"go.uber.org/zap"
)

// Queue is the bounded, multi-producer/single-consumer write-intent
// queue. Producers never block the matching engine on I/O: Enqueue* calls
// only touch in-memory channels/maps.
type Queue struct {
	logger *zap.Logger

	orders chan int64
	trades chan *domain.Trade

	mu          sync.Mutex
	assetDirty  map[domain.AssetKey]struct{}
	assetOrder  []domain.AssetKey // preserves first-seen order for FIFO-ish draining

	depth int

	metrics Metrics
}

// Metrics is the queue's optional instrumentation sink.
type Metrics interface {
	QueueDropped(category string)
	SetQueueDepth(category string, depth int)
}

// SetMetrics attaches an instrumentation sink.
func (q *Queue) SetMetrics(m Metrics) {
	q.metrics = m
}

// New creates a Queue with the given per-channel capacity. When the
// trades channel is full, EnqueueTradeCreated blocks rather than drop a
// trade; when the orders channel is full, EnqueueOrderUpserted logs and
// drops the signal. Asset snapshots go to a coalescing set with no cap.
func New(capacity int, logger *zap.Logger) *Queue {
	return &Queue{
		logger:     logger,
		orders:     make(chan int64, capacity),
		trades:     make(chan *domain.Trade, capacity),
		assetDirty: make(map[domain.AssetKey]struct{}),
		depth:      capacity,
	}
}

// EnqueueOrderUpserted records that orderID's current state should be
// re-read and upserted on the next flush.
func (q *Queue) EnqueueOrderUpserted(orderID int64) {
	select {
	case q.orders <- orderID:
	default:
		// Channel full: the order is already pending a flush in some
		// form almost certainly (a bounded consumer keeps up within one
		// flushIntervalMs under normal load); log and drop rather than
		// block the matching engine.
		q.logger.Warn("order write queue full, dropping duplicate upsert signal", zap.Int64("order_id", orderID))
		if q.metrics != nil {
			q.metrics.QueueDropped("orders")
		}
	}
}

// EnqueueTradeCreated records an immutable trade for durable persistence.
// Must be called before the matching engine releases its per-symbol
// serialisation point, so a published trade is never lost ahead of its
// own durability (§4.7).
func (q *Queue) EnqueueTradeCreated(t *domain.Trade) {
	select {
	case q.trades <- t:
	default:
		q.logger.Error("trade write queue full, blocking to preserve durability", zap.Int64("trade_id", t.ID))
		q.trades <- t
	}
}

// EnqueueAssetSnapshot records that (userID, symbol) changed and should
// be re-read and upserted on the next flush. Coalesced by key: the newest
// call before a flush is the only one that matters.
func (q *Queue) EnqueueAssetSnapshot(userID int64, symbol string) {
	key := domain.AssetKey{UserID: userID, Symbol: symbol}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dirty := q.assetDirty[key]; !dirty {
		q.assetOrder = append(q.assetOrder, key)
	}
	q.assetDirty[key] = struct{}{}
}

// DrainOrders removes up to max pending order keys, deduplicated.
func (q *Queue) DrainOrders(max int) []int64 {
	seen := make(map[int64]struct{})
	out := make([]int64, 0, max)
	for len(out) < max {
		select {
		case id := <-q.orders:
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		default:
			return out
		}
	}
	return out
}

// DrainTrades removes up to max pending trade payloads.
func (q *Queue) DrainTrades(max int) []*domain.Trade {
	out := make([]*domain.Trade, 0, max)
	for len(out) < max {
		select {
		case t := <-q.trades:
			out = append(out, t)
		default:
			return out
		}
	}
	return out
}

// DrainAssetKeys removes up to max pending, coalesced asset keys in
// first-dirtied order.
func (q *Queue) DrainAssetKeys(max int) []domain.AssetKey {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := max
	if n > len(q.assetOrder) {
		n = len(q.assetOrder)
	}
	out := make([]domain.AssetKey, n)
	copy(out, q.assetOrder[:n])
	for _, k := range out {
		delete(q.assetDirty, k)
	}
	q.assetOrder = q.assetOrder[n:]
	return out
}

// Depths reports current pending counts, for metrics and for deciding
// whether a flush tick has more work than one batchSize can drain.
func (q *Queue) Depths() (orders, trades, assets int) {
	q.mu.Lock()
	assets = len(q.assetOrder)
	q.mu.Unlock()
	return len(q.orders), len(q.trades), assets
}
