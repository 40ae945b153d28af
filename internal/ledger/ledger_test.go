package ledger

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeQueue struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeQueue) EnqueueAssetSnapshot(userID int64, symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, symbol)
}

func newTestLedger() (*Ledger, *fakeQueue) {
	q := &fakeQueue{}
	return New(q, zap.NewNop()), q
}

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestFreezeUnfreeze(t *testing.T) {
	l, q := newTestLedger()
	l.InitializeUserAssets(1, map[string]decimal.Decimal{"USDT": d("1000")})

	require.NoError(t, l.Freeze(1, "USDT", d("500")))
	a := l.Get(1, "USDT")
	assert.True(t, a.Available.Equal(d("500")))
	assert.True(t, a.Frozen.Equal(d("500")))

	require.NoError(t, l.Unfreeze(1, "USDT", d("500")))
	a = l.Get(1, "USDT")
	assert.True(t, a.Available.Equal(d("1000")))
	assert.True(t, a.Frozen.IsZero())

	assert.NotEmpty(t, q.keys)
}

func TestFreezeInsufficientFunds(t *testing.T) {
	l, _ := newTestLedger()
	l.InitializeUserAssets(1, map[string]decimal.Decimal{"USDT": d("100")})
	err := l.Freeze(1, "USDT", d("200"))
	require.Error(t, err)
}

func TestNoNegativeBalances(t *testing.T) {
	l, _ := newTestLedger()
	err := l.Freeze(1, "USDT", d("1"))
	require.Error(t, err)
	a := l.Get(1, "USDT")
	assert.True(t, a.Available.GreaterThanOrEqual(decimal.Zero))
	assert.True(t, a.Frozen.GreaterThanOrEqual(decimal.Zero))
}

func TestDebitFromFrozenInconsistentState(t *testing.T) {
	l, _ := newTestLedger()
	err := l.DebitFromFrozen(1, "BTC", d("1"))
	require.Error(t, err)
}

func TestTransferAppliesDebitThenCredit(t *testing.T) {
	l, _ := newTestLedger()
	l.InitializeUserAssets(1, map[string]decimal.Decimal{"BTC": d("1")})
	require.NoError(t, l.Freeze(1, "BTC", d("1")))

	require.NoError(t, l.Transfer(1, "BTC", 2, "BTC", d("1")))

	assert.True(t, l.Get(1, "BTC").Frozen.IsZero())
	assert.True(t, l.Get(2, "BTC").Available.Equal(d("1")))
}

func TestInitializeUserAssetsIdempotent(t *testing.T) {
	l, q := newTestLedger()
	l.InitializeUserAssets(1, map[string]decimal.Decimal{"USDT": d("1000")})
	firstLen := len(q.keys)

	l.InitializeUserAssets(1, map[string]decimal.Decimal{"USDT": d("1000")})
	assert.Equal(t, firstLen, len(q.keys), "second identical init must not re-enqueue")

	a := l.Get(1, "USDT")
	assert.True(t, a.Available.Equal(d("1000")))
}

func TestConcurrentFreezeOnSameKeySerialises(t *testing.T) {
	l, _ := newTestLedger()
	l.InitializeUserAssets(1, map[string]decimal.Decimal{"USDT": d("1000")})

	var wg sync.WaitGroup
	successes := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			successes <- l.Freeze(1, "USDT", d("100")) == nil
		}()
	}
	wg.Wait()
	close(successes)

	ok := 0
	for s := range successes {
		if s {
			ok++
		}
	}
	assert.Equal(t, 10, ok)
	assert.True(t, l.Get(1, "USDT").Available.IsZero())
	assert.True(t, l.Get(1, "USDT").Frozen.Equal(d("1000")))
}
