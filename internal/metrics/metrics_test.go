package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := &dto.Metric{}
	require.NoError(t, (<-ch).Write(m))
	return m.GetCounter().GetValue()
}

func TestOrderCreatedIncrementsCounter(t *testing.T) {
	c := New()
	c.OrderCreated("BTC-USDT", "buy", "limit")
	c.OrderCreated("BTC-USDT", "buy", "limit")

	got := counterValue(t, c.ordersCreated.WithLabelValues("BTC-USDT", "buy", "limit"))
	assert.Equal(t, float64(2), got)
}

func TestTradeExecutedRecordsNotionalAndCount(t *testing.T) {
	c := New()
	c.TradeExecuted("BTC-USDT", 1000)

	got := counterValue(t, c.tradesExecuted.WithLabelValues("BTC-USDT"))
	assert.Equal(t, float64(1), got)
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	c := New()
	c.OrderCreated("BTC-USDT", "buy", "limit")
	require.NotNil(t, c.Handler())
}
