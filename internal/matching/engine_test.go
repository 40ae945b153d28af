package matching

import (
	"testing"

	"github.com/exchangecore/spotex/internal/domain"
	"github.com/exchangecore/spotex/internal/ids"
	"github.com/exchangecore/spotex/internal/ledger"
	"github.com/exchangecore/spotex/internal/orders"
	"github.com/exchangecore/spotex/internal/queue"
	"github.com/exchangecore/spotex/internal/trades"
	xerrors "github.com/exchangecore/spotex/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type noopPublisher struct {
	orderUpdates []domain.Order
	trades       []domain.Trade
	assetUpdates []domain.Asset
}

func (p *noopPublisher) PublishOrderUpdate(o domain.Order) { p.orderUpdates = append(p.orderUpdates, o) }
func (p *noopPublisher) PublishTrade(t domain.Trade)       { p.trades = append(p.trades, t) }
func (p *noopPublisher) PublishBookDelta(symbol string, side domain.Side, price, qty decimal.Decimal) {
}
func (p *noopPublisher) PublishUserAssetUpdate(userID int64, a domain.Asset) {
	p.assetUpdates = append(p.assetUpdates, a)
}

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

type testRig struct {
	engine *Engine
	ledger *ledger.Ledger
	orders *orders.Manager
	pub    *noopPublisher
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	logger := zap.NewNop()
	q := queue.New(1000, logger)
	lg := ledger.New(q, logger)
	om := orders.New(q, logger)
	alloc := ids.New()
	pub := &noopPublisher{}

	cfg := Config{DefaultFeeRate: d("0.001"), MarketBuyCollateralMargin: d("0.01")}
	e := New(cfg, lg, om, alloc, q, trades.New(), pub, logger)
	e.RegisterPair(domain.TradingPair{
		ID: 1, Symbol: "BTC-USDT", BaseAsset: "BTC", QuoteAsset: "USDT",
		PricePrecision: 2, QtyPrecision: 6, IsActive: true,
		MinQty: d("0.01"), MaxQty: d("1000000"),
	})

	lg.InitializeUserAssets(1, map[string]decimal.Decimal{"USDT": d("1000000"), "BTC": d("100")})
	lg.InitializeUserAssets(2, map[string]decimal.Decimal{"USDT": d("1000000"), "BTC": d("100")})

	return &testRig{engine: e, ledger: lg, orders: om, pub: pub}
}

func TestLimitOrderRestsWhenNoCross(t *testing.T) {
	r := newRig(t)
	order, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, order.Status)

	b, _ := r.engine.Book("BTC-USDT")
	price, qty, ok := b.BestOpposite(domain.Buy)
	require.True(t, ok)
	assert.True(t, price.Equal(d("100")))
	assert.True(t, qty.Equal(d("1")))
}

func TestLimitOrdersCrossAndProducesTrade(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Sell, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)

	taker, err := r.engine.Submit(SubmitRequest{UserID: 2, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFilled, taker.Status)
	require.Len(t, r.pub.trades, 1)
	assert.True(t, r.pub.trades[0].Price.Equal(d("100")))
	assert.True(t, r.pub.trades[0].Quantity.Equal(d("1")))

	buyerBTC := r.ledger.Get(2, "BTC")
	assert.True(t, buyerBTC.Available.Equal(d("101")))
	sellerUSDT := r.ledger.Get(1, "USDT")
	fee := d("1").Mul(d("100")).Mul(d("0.001"))
	assert.True(t, sellerUSDT.Available.Equal(d("1000000").Add(d("100")).Sub(fee)))
}

func TestPriceImprovementToMaker(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Sell, Type: domain.Limit, Quantity: d("1"), Price: d("95")})
	require.NoError(t, err)

	_, err = r.engine.Submit(SubmitRequest{UserID: 2, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)

	require.Len(t, r.pub.trades, 1)
	assert.True(t, r.pub.trades[0].Price.Equal(d("95")), "trade must execute at the resting maker's price, not the taker's limit")
}

func TestNoSelfTrade(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Sell, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)

	taker, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)

	assert.Empty(t, r.pub.trades, "same user on both sides must not self-trade")
	assert.Equal(t, domain.StatusActive, taker.Status)
}

func TestSelfTradeSkipsPastOwnOrderToNextEligibleMaker(t *testing.T) {
	r := newRig(t)
	r.ledger.InitializeUserAssets(3, map[string]decimal.Decimal{"USDT": d("1000000"), "BTC": d("100")})

	// U1 rests a sell first at the best price, then U3 rests a second sell
	// at the same price behind it. U1's own buy must skip its own resting
	// order (no trade) and still cross against U3's order behind it.
	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Sell, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)
	_, err = r.engine.Submit(SubmitRequest{UserID: 3, Symbol: "BTC-USDT", Side: domain.Sell, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)

	taker, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)

	require.Len(t, r.pub.trades, 1, "the skipped self-order must not trade, but the eligible maker behind it must")
	assert.Equal(t, int64(3), r.pub.trades[0].SellerUserID)
	assert.Equal(t, domain.StatusFilled, taker.Status)

	// U1's own resting sell is untouched, still on the book at full size.
	b, _ := r.engine.Book("BTC-USDT")
	price, qty, ok := b.BestOpposite(domain.Sell)
	require.True(t, ok)
	assert.True(t, price.Equal(d("100")))
	assert.True(t, qty.Equal(d("1")), "the skipped self-order keeps its original resting quantity")
}

func TestMarketMakerExemptFromSelfTradePrevention(t *testing.T) {
	r := newRig(t)
	r.engine.cfg.HasMarketMaker = true
	r.engine.cfg.MarketMakerUserID = 1

	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Sell, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)

	taker, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)

	require.Len(t, r.pub.trades, 1)
	assert.Equal(t, domain.StatusFilled, taker.Status)
}

func TestInsufficientFundsRejectsOrder(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("999999999")})
	require.Error(t, err)
}

func TestSubmitRejectsMalformedRequestViaStructValidation(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: "SIDEWAYS", Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.Error(t, err)
	assert.Equal(t, xerrors.Validation, xerrors.KindOf(err))
}

func TestMarketBuyFillsAndUnfreezesExcessCollateral(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Sell, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)

	before := r.ledger.Get(2, "USDT")
	taker, err := r.engine.Submit(SubmitRequest{UserID: 2, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Market, Quantity: d("1")})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFilled, taker.Status)
	after := r.ledger.Get(2, "USDT")
	// Only the trade notional should actually leave available+frozen net;
	// the margin buffer must be unfrozen back to available.
	assert.True(t, after.Frozen.IsZero())
	assert.True(t, before.Available.Sub(after.Available).Equal(d("100")))
}

func TestMarketBuyWithInsufficientLiquidityCancelsRemainder(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Sell, Type: domain.Limit, Quantity: d("0.5"), Price: d("100")})
	require.NoError(t, err)

	taker, err := r.engine.Submit(SubmitRequest{UserID: 2, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Market, Quantity: d("2")})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, taker.Status)
	assert.True(t, taker.FilledQuantity.Equal(d("0.5")))
}

func TestCancelUnfreezesRemainingCollateral(t *testing.T) {
	r := newRig(t)
	before := r.ledger.Get(1, "USDT")
	order, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)

	require.NoError(t, r.engine.Cancel(1, order.ID))

	after := r.ledger.Get(1, "USDT")
	assert.True(t, after.Available.Equal(before.Available))
	assert.True(t, after.Frozen.IsZero())

	got, _ := r.orders.Get(order.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestCancelRejectsNonOwner(t *testing.T) {
	r := newRig(t)
	order, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)

	err = r.engine.Cancel(2, order.ID)
	require.Error(t, err)
}

func TestCancelRejectsTerminalOrder(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Sell, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)
	taker, err := r.engine.Submit(SubmitRequest{UserID: 2, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)

	err = r.engine.Cancel(2, taker.ID)
	require.Error(t, err)
}

func TestFillMonotonicityAcrossPartialFills(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Sell, Type: domain.Limit, Quantity: d("0.4"), Price: d("100")})
	require.NoError(t, err)
	_, err = r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Sell, Type: domain.Limit, Quantity: d("0.6"), Price: d("100")})
	require.NoError(t, err)

	taker, err := r.engine.Submit(SubmitRequest{UserID: 2, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFilled, taker.Status)
	assert.True(t, taker.FilledQuantity.Equal(d("1")))
	require.Len(t, r.pub.trades, 2)
}

func TestSubmitAcceptsQuantityAtExactlyMinQty(t *testing.T) {
	r := newRig(t)
	order, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("0.01"), Price: d("100")})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, order.Status)
}

func TestSubmitRejectsQuantityBelowMinQty(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("0.009"), Price: d("100")})
	require.Error(t, err)
	assert.Equal(t, xerrors.Validation, xerrors.KindOf(err))
}

func TestSubmitRejectsQuantityAboveMaxQty(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1000001"), Price: d("100")})
	require.Error(t, err)
	assert.Equal(t, xerrors.Validation, xerrors.KindOf(err))
}

func TestSubmitRejectsQuantityFinerThanQtyPrecision(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1.0000001"), Price: d("100")})
	require.Error(t, err)
	assert.Equal(t, xerrors.Validation, xerrors.KindOf(err))
}

func TestSubmitRejectsPriceFinerThanPricePrecision(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("100.001")})
	require.Error(t, err)
	assert.Equal(t, xerrors.Validation, xerrors.KindOf(err))
}

func TestCancelAllCancelsEveryRestingOrderForUser(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("90")})
	require.NoError(t, err)
	_, err = r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("80")})
	require.NoError(t, err)
	_, err = r.engine.Submit(SubmitRequest{UserID: 2, Symbol: "BTC-USDT", Side: domain.Sell, Type: domain.Limit, Quantity: d("1"), Price: d("200")})
	require.NoError(t, err)

	result := r.engine.CancelAll(1, "")
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 0, result.FailedCount)
	assert.Len(t, result.CancelledIDs, 2)

	// Only user 2's resting sell is left active.
	assert.Len(t, r.orders.ListActive("BTC-USDT"), 1)
	assert.Len(t, r.engine.CancelAll(2, "").CancelledIDs, 1)
}

func TestGetOrderTradesAndListUserTradesReflectSettlement(t *testing.T) {
	r := newRig(t)
	maker, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Sell, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)
	taker, err := r.engine.Submit(SubmitRequest{UserID: 2, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)

	makerTrades := r.engine.GetOrderTrades(maker.ID)
	takerTrades := r.engine.GetOrderTrades(taker.ID)
	require.Len(t, makerTrades, 1)
	require.Len(t, takerTrades, 1)
	assert.Equal(t, makerTrades[0].ID, takerTrades[0].ID)

	assert.Len(t, r.engine.ListUserTrades(1, ""), 1)
	assert.Len(t, r.engine.ListUserTrades(2, "BTC-USDT"), 1)
	assert.Empty(t, r.engine.ListUserTrades(2, "ETH-USDT"))
	assert.Empty(t, r.engine.GetOrderTrades(99999))
}

func TestCancelAllFiltersBySymbolWhenGiven(t *testing.T) {
	r := newRig(t)
	r.engine.RegisterPair(domain.TradingPair{
		ID: 2, Symbol: "ETH-USDT", BaseAsset: "ETH", QuoteAsset: "USDT",
		PricePrecision: 2, QtyPrecision: 6, IsActive: true,
		MinQty: d("0.01"), MaxQty: d("1000000"),
	})
	r.ledger.InitializeUserAssets(1, map[string]decimal.Decimal{"USDT": d("1000000"), "ETH": d("100")})

	_, err := r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "BTC-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("90")})
	require.NoError(t, err)
	_, err = r.engine.Submit(SubmitRequest{UserID: 1, Symbol: "ETH-USDT", Side: domain.Buy, Type: domain.Limit, Quantity: d("1"), Price: d("10")})
	require.NoError(t, err)

	result := r.engine.CancelAll(1, "BTC-USDT")
	assert.Equal(t, 1, result.SuccessCount)
	assert.Len(t, r.orders.ListActive("ETH-USDT"), 1)
}
