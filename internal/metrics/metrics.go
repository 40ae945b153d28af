// Package metrics exposes Prometheus instrumentation for the exchange
// core's components, grounded on the teacher's internal/monitoring
// (CounterVec/HistogramVec-per-concern style) and
// internal/metrics/metrics_module.go (registry + promhttp.Handler
// lifecycle, here rewired to a plain constructor+Handler rather than
// fx, since the composition root wires these components directly).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus instruments for C2-C7 and C9.
type Collector struct {
	registry *prometheus.Registry

	ordersCreated   *prometheus.CounterVec
	ordersCancelled *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	orderLatency    *prometheus.HistogramVec

	tradesExecuted *prometheus.CounterVec
	tradeNotional  *prometheus.HistogramVec

	ledgerFreezeRejected *prometheus.CounterVec

	bookDepth *prometheus.GaugeVec

	queueDepth    *prometheus.GaugeVec
	queueDropped  *prometheus.CounterVec

	syncFlushes      *prometheus.CounterVec
	syncFlushLatency prometheus.Histogram
	syncFailures     prometheus.Counter

	wsConnections      prometheus.Gauge
	wsEventsDelivered  *prometheus.CounterVec
	wsEventsShed       prometheus.Counter
}

// New builds a Collector registered against a fresh Prometheus registry.
func New() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{registry: registry}

	factory := promauto.With(registry)

	c.ordersCreated = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "spotex_orders_created_total",
		Help: "Total number of orders submitted to the matching engine.",
	}, []string{"symbol", "side", "type"})

	c.ordersCancelled = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "spotex_orders_cancelled_total",
		Help: "Total number of orders cancelled.",
	}, []string{"symbol", "side"})

	c.ordersRejected = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "spotex_orders_rejected_total",
		Help: "Total number of orders rejected before entering the book.",
	}, []string{"symbol", "reason"})

	c.orderLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spotex_order_submit_latency_seconds",
		Help:    "Latency of Engine.Submit from receipt to response.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	}, []string{"symbol"})

	c.tradesExecuted = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "spotex_trades_executed_total",
		Help: "Total number of trades produced by the matching engine.",
	}, []string{"symbol"})

	c.tradeNotional = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spotex_trade_notional",
		Help:    "Notional value (price*quantity) of executed trades.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 12),
	}, []string{"symbol"})

	c.ledgerFreezeRejected = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "spotex_ledger_freeze_rejected_total",
		Help: "Total number of Freeze calls rejected for insufficient available balance.",
	}, []string{"symbol"})

	c.bookDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spotex_book_depth_levels",
		Help: "Number of resting price levels on one side of a symbol's book.",
	}, []string{"symbol", "side"})

	c.queueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spotex_write_queue_depth",
		Help: "Current depth of a write-queue channel.",
	}, []string{"category"})

	c.queueDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "spotex_write_queue_dropped_total",
		Help: "Total number of non-blocking enqueue attempts dropped because the channel was full.",
	}, []string{"category"})

	c.syncFlushes = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "spotex_store_sync_flushes_total",
		Help: "Total number of store-sync flush batches, by outcome.",
	}, []string{"outcome"})

	c.syncFlushLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "spotex_store_sync_flush_latency_seconds",
		Help:    "Latency of a full Syncer.Flush call.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	c.syncFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "spotex_store_sync_failures_total",
		Help: "Total number of store-sync category flushes that failed and were re-enqueued.",
	})

	c.wsConnections = factory.NewGauge(prometheus.GaugeOpts{
		Name: "spotex_ws_connections",
		Help: "Number of active event-publisher websocket sessions.",
	})

	c.wsEventsDelivered = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "spotex_ws_events_delivered_total",
		Help: "Total number of events delivered to subscriber sessions.",
	}, []string{"kind"})

	c.wsEventsShed = factory.NewCounter(prometheus.CounterOpts{
		Name: "spotex_ws_events_shed_total",
		Help: "Total number of queued events dropped by the slow-subscriber shedding policy.",
	})

	return c
}

// Handler returns the HTTP handler Prometheus should scrape.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) OrderCreated(symbol, side, orderType string)   { c.ordersCreated.WithLabelValues(symbol, side, orderType).Inc() }
func (c *Collector) OrderCancelled(symbol, side string)            { c.ordersCancelled.WithLabelValues(symbol, side).Inc() }
func (c *Collector) OrderRejected(symbol, reason string)           { c.ordersRejected.WithLabelValues(symbol, reason).Inc() }
func (c *Collector) ObserveOrderLatency(symbol string, d time.Duration) {
	c.orderLatency.WithLabelValues(symbol).Observe(d.Seconds())
}

func (c *Collector) TradeExecuted(symbol string, notional float64) {
	c.tradesExecuted.WithLabelValues(symbol).Inc()
	c.tradeNotional.WithLabelValues(symbol).Observe(notional)
}

func (c *Collector) LedgerFreezeRejected(symbol string) { c.ledgerFreezeRejected.WithLabelValues(symbol).Inc() }

func (c *Collector) SetBookDepth(symbol, side string, levels int) {
	c.bookDepth.WithLabelValues(symbol, side).Set(float64(levels))
}

func (c *Collector) SetQueueDepth(category string, depth int) {
	c.queueDepth.WithLabelValues(category).Set(float64(depth))
}
func (c *Collector) QueueDropped(category string) { c.queueDropped.WithLabelValues(category).Inc() }

func (c *Collector) SyncFlush(outcome string)               { c.syncFlushes.WithLabelValues(outcome).Inc() }
func (c *Collector) ObserveSyncFlushLatency(d time.Duration) { c.syncFlushLatency.Observe(d.Seconds()) }
func (c *Collector) SyncFailure()                            { c.syncFailures.Inc() }

func (c *Collector) SetWSConnections(n int)              { c.wsConnections.Set(float64(n)) }
func (c *Collector) WSEventDelivered(kind string)        { c.wsEventsDelivered.WithLabelValues(kind).Inc() }
func (c *Collector) WSEventShed()                        { c.wsEventsShed.Inc() }
