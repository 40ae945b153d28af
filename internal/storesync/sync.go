// Package storesync implements the Durable Store Sync (C7): a single
// background worker that wakes on a timer, drains the write queue (C6)
// in bounded batches, and upserts the current in-memory state into the
// durable relational store (internal/store), absorbing transient store
// failures behind a circuit breaker so the matching engine never blocks
// on I/O (§4.7, §5). Grounded on the teacher's circuit-breaker factory
// pattern in internal/architecture/fx/resilience/circuit_breaker.go,
// trimmed to the one named breaker this worker needs, and on its
// worker-pool usage of panjf2000/ants elsewhere in the codebase for
// bounded-concurrency batch fan-out.
package storesync

import (
	"context"
	"sync"
	"time"

	"github.com/exchangecore/spotex/internal/domain"
	"github.com/exchangecore/spotex/internal/ledger"
	"github.com/exchangecore/spotex/internal/orders"
	"github.com/exchangecore/spotex/internal/queue"
	xerrors "github.com/exchangecore/spotex/pkg/errors"
	"github.com/panjf2000/ants/v2"
	"github.com/segmentio/ksuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Store is the subset of internal/store.Store the sync worker depends on.
type Store interface {
	UpsertOrders(orders []domain.Order) error
	UpsertTrades(trades []domain.Trade) error
	UpsertAssets(assets []domain.Asset) error
}

// Config holds the two flush parameters named in §6.
type Config struct {
	FlushInterval time.Duration // default 10s
	BatchSize     int           // default 500
}

// Syncer is the C7 worker.
type Syncer struct {
	cfg    Config
	logger *zap.Logger

	queue  *queue.Queue
	orders *orders.Manager
	ledger *ledger.Ledger
	store  Store

	pool    *ants.Pool
	breaker *gobreaker.CircuitBreaker

	metrics Metrics
}

// Metrics is the syncer's optional instrumentation sink.
type Metrics interface {
	SyncFlush(outcome string)
	ObserveSyncFlushLatency(d time.Duration)
	SyncFailure()
	SetQueueDepth(category string, depth int)
}

// SetMetrics attaches an instrumentation sink.
func (sy *Syncer) SetMetrics(m Metrics) {
	sy.metrics = m
}

// New creates a Syncer. pool is an ants worker pool shared across the
// three per-category upsert calls within one tick, so one slow category
// does not serialise behind another.
func New(cfg Config, q *queue.Queue, om *orders.Manager, lg *ledger.Ledger, st Store, pool *ants.Pool, logger *zap.Logger) *Syncer {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store-sync",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store-sync circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Syncer{cfg: cfg, logger: logger, queue: q, orders: om, ledger: lg, store: st, pool: pool, breaker: breaker}
}

// Run blocks, ticking every cfg.FlushInterval until ctx is cancelled.
func (sy *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(sy.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sy.Flush() // final best-effort drain on shutdown
			return
		case <-ticker.C:
			sy.Flush()
		}
	}
}

// Flush runs one sync tick (§4.7 steps 1-4).
func (sy *Syncer) Flush() {
	start := time.Now()
	batchID := ksuid.New().String()

	orderIDs := sy.queue.DrainOrders(sy.cfg.BatchSize)
	trades := sy.queue.DrainTrades(sy.cfg.BatchSize)
	assetKeys := sy.queue.DrainAssetKeys(sy.cfg.BatchSize)

	if sy.metrics != nil {
		pendingOrders, pendingTrades, pendingAssets := sy.queue.Depths()
		sy.metrics.SetQueueDepth("orders", pendingOrders)
		sy.metrics.SetQueueDepth("trades", pendingTrades)
		sy.metrics.SetQueueDepth("assets", pendingAssets)
	}

	if len(orderIDs) == 0 && len(trades) == 0 && len(assetKeys) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(3)
	sy.pool.Submit(func() { defer wg.Done(); sy.flushOrders(batchID, orderIDs) })
	sy.pool.Submit(func() { defer wg.Done(); sy.flushTrades(batchID, trades) })
	sy.pool.Submit(func() { defer wg.Done(); sy.flushAssets(batchID, assetKeys) })
	wg.Wait()

	if sy.metrics != nil {
		sy.metrics.SyncFlush("ok")
		sy.metrics.ObserveSyncFlushLatency(time.Since(start))
	}
}

func (sy *Syncer) flushOrders(batchID string, ids []int64) {
	if len(ids) == 0 {
		return
	}
	batch := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := sy.orders.Get(id); ok {
			batch = append(batch, o)
		}
	}
	_, err := sy.breaker.Execute(func() (interface{}, error) {
		return nil, sy.store.UpsertOrders(batch)
	})
	if err != nil {
		sy.logger.Error("order batch flush failed, re-enqueuing", zap.String("batch_id", batchID), zap.Int("count", len(ids)),
			zap.Error(xerrors.Wrap(err, xerrors.TransientStoreFailure, "order upsert failed")))
		if sy.metrics != nil {
			sy.metrics.SyncFailure()
		}
		for _, id := range ids {
			sy.queue.EnqueueOrderUpserted(id)
		}
	}
}

func (sy *Syncer) flushTrades(batchID string, trades []*domain.Trade) {
	if len(trades) == 0 {
		return
	}
	batch := make([]domain.Trade, len(trades))
	for i, t := range trades {
		batch[i] = *t
	}
	_, err := sy.breaker.Execute(func() (interface{}, error) {
		return nil, sy.store.UpsertTrades(batch)
	})
	if err != nil {
		sy.logger.Error("trade batch flush failed, re-enqueuing", zap.String("batch_id", batchID), zap.Int("count", len(trades)),
			zap.Error(xerrors.Wrap(err, xerrors.TransientStoreFailure, "trade upsert failed")))
		if sy.metrics != nil {
			sy.metrics.SyncFailure()
		}
		for _, t := range trades {
			sy.queue.EnqueueTradeCreated(t)
		}
	}
}

func (sy *Syncer) flushAssets(batchID string, keys []domain.AssetKey) {
	if len(keys) == 0 {
		return
	}
	batch := make([]domain.Asset, len(keys))
	for i, k := range keys {
		batch[i] = sy.ledger.Get(k.UserID, k.Symbol)
	}
	_, err := sy.breaker.Execute(func() (interface{}, error) {
		return nil, sy.store.UpsertAssets(batch)
	})
	if err != nil {
		sy.logger.Error("asset batch flush failed, re-enqueuing", zap.String("batch_id", batchID), zap.Int("count", len(keys)),
			zap.Error(xerrors.Wrap(err, xerrors.TransientStoreFailure, "asset upsert failed")))
		if sy.metrics != nil {
			sy.metrics.SyncFailure()
		}
		for _, k := range keys {
			sy.queue.EnqueueAssetSnapshot(k.UserID, k.Symbol)
		}
	}
}
