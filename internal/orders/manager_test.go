package orders

import (
	"testing"
	"time"

	"github.com/exchangecore/spotex/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeUpserter struct {
	ids []int64
}

func (f *fakeUpserter) EnqueueOrderUpserted(orderID int64) {
	f.ids = append(f.ids, orderID)
}

func newTestOrder(id int64) *domain.Order {
	return &domain.Order{
		ID:        id,
		UserID:    1,
		Symbol:    "BTC-USDT",
		Side:      domain.Buy,
		Type:      domain.Limit,
		Price:     decimal.NewFromInt(100),
		Quantity:  decimal.NewFromInt(10),
		Status:    domain.StatusActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func TestCreateAndGet(t *testing.T) {
	m := New(&fakeUpserter{}, zap.NewNop())
	o := newTestOrder(1)
	m.Create(o)

	got, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, got.Status)
}

func TestApplyFillRecomputesWeightedAveragePrice(t *testing.T) {
	m := New(&fakeUpserter{}, zap.NewNop())
	m.Create(newTestOrder(1))

	require.NoError(t, m.ApplyFill(1, decimal.NewFromInt(4), decimal.NewFromInt(100)))
	require.NoError(t, m.ApplyFill(1, decimal.NewFromInt(6), decimal.NewFromInt(110)))

	got, _ := m.Get(1)
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(10)))
	// (4*100 + 6*110) / 10 = 106
	assert.True(t, got.AverageFillPrice.Equal(decimal.NewFromInt(106)), got.AverageFillPrice.String())
	assert.Equal(t, domain.StatusFilled, got.Status)
}

func TestApplyFillPartial(t *testing.T) {
	m := New(&fakeUpserter{}, zap.NewNop())
	m.Create(newTestOrder(1))

	require.NoError(t, m.ApplyFill(1, decimal.NewFromInt(3), decimal.NewFromInt(100)))
	got, _ := m.Get(1)
	assert.Equal(t, domain.StatusPartiallyFilled, got.Status)
}

func TestIllegalTransitionRaisesInconsistentState(t *testing.T) {
	m := New(&fakeUpserter{}, zap.NewNop())
	o := newTestOrder(1)
	o.Status = domain.StatusFilled
	m.Create(o)

	err := m.Transition(1, domain.StatusActive)
	require.Error(t, err)
}

func TestCancelFromActiveIsLegal(t *testing.T) {
	m := New(&fakeUpserter{}, zap.NewNop())
	m.Create(newTestOrder(1))
	require.NoError(t, m.Transition(1, domain.StatusCancelled))

	got, _ := m.Get(1)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestListByUserFiltersBySymbol(t *testing.T) {
	m := New(&fakeUpserter{}, zap.NewNop())
	a := newTestOrder(1)
	b := newTestOrder(2)
	b.Symbol = "ETH-USDT"
	m.Create(a)
	m.Create(b)

	btc := m.ListByUser(1, "BTC-USDT")
	assert.Len(t, btc, 1)
	all := m.ListByUser(1, "")
	assert.Len(t, all, 2)
}

func TestListActiveExcludesTerminal(t *testing.T) {
	m := New(&fakeUpserter{}, zap.NewNop())
	m.Create(newTestOrder(1))
	o2 := newTestOrder(2)
	o2.Status = domain.StatusFilled
	m.Create(o2)

	active := m.ListActive("")
	assert.Len(t, active, 1)
	assert.Equal(t, int64(1), active[0].ID)
}
