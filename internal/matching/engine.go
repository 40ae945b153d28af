// Package matching implements the Matching Engine (C4): a per-symbol
// serialised executor that runs incoming orders against the order book
// (C3) under price-time priority, settles fills through the asset ledger
// (C2), advances order state through C5, and enqueues durable writes into
// C6. The teacher's engine_core.go runs its match loop directly against a
// single process-wide heap guarded by one mutex; this rewrite gives every
// symbol its own lock so unrelated pairs never contend, per the
// concurrency contract.
package matching

import (
	"sync"
	"time"

	"github.com/exchangecore/spotex/internal/book"
	"github.com/exchangecore/spotex/internal/domain"
	"github.com/exchangecore/spotex/internal/ids"
	"github.com/exchangecore/spotex/internal/orders"
	xerrors "github.com/exchangecore/spotex/pkg/errors"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// validate is the struct-tag validator for the DTOs crossing Submit's
// boundary (§7 "Validation" — missing/malformed fields, not the
// decimal-precision rules, which need domain logic a tag can't express
// and stay in preflight below).
var validate = validator.New()

// Ledger is the subset of the asset ledger the engine depends on.
type Ledger interface {
	Freeze(userID int64, symbol string, amount decimal.Decimal) error
	Unfreeze(userID int64, symbol string, amount decimal.Decimal) error
	DebitFromFrozen(userID int64, symbol string, amount decimal.Decimal) error
	Credit(userID int64, symbol string, amount decimal.Decimal)
	Get(userID int64, symbol string) domain.Asset
}

// TradeEnqueuer is the write-queue dependency for trades.
type TradeEnqueuer interface {
	EnqueueTradeCreated(t *domain.Trade)
}

// TradeIndex is the in-memory trade-history dependency backing §6.2's
// GetOrderTrades/ListUserTrades, populated at the same call site as
// TradeEnqueuer so the two never drift relative to each other.
type TradeIndex interface {
	Record(t domain.Trade)
	GetOrderTrades(orderID int64) []domain.Trade
	ListUserTrades(userID int64, symbol string) []domain.Trade
}

// Publisher is the event fan-out dependency (C9). The engine never blocks
// on delivery; Publisher implementations must themselves be non-blocking.
type Publisher interface {
	PublishOrderUpdate(o domain.Order)
	PublishTrade(t domain.Trade)
	PublishBookDelta(symbol string, side domain.Side, price, newAggregateQty decimal.Decimal)
	PublishUserAssetUpdate(userID int64, a domain.Asset)
}

// Config holds the configuration options named in §6 that bear on
// matching behaviour.
type Config struct {
	DefaultFeeRate            decimal.Decimal
	MarketBuyCollateralMargin decimal.Decimal
	MarketMakerUserID         int64
	HasMarketMaker            bool
}

// Metrics is the engine's optional instrumentation sink. A nil Metrics
// disables recording entirely; SetMetrics wires a real collector in.
type Metrics interface {
	OrderCreated(symbol, side, orderType string)
	OrderCancelled(symbol, side string)
	OrderRejected(symbol, reason string)
	ObserveOrderLatency(symbol string, d time.Duration)
	TradeExecuted(symbol string, notional float64)
	LedgerFreezeRejected(symbol string)
}

// symbolState bundles everything the engine serialises per trading pair.
type symbolState struct {
	mu      sync.Mutex
	pair    domain.TradingPair
	book    *book.Book
	halted  bool // set on InconsistentState, per §7 "fatal for the affected symbol"
}

// Engine is the per-process matching engine, one symbolState per active
// trading pair.
type Engine struct {
	logger *zap.Logger
	cfg    Config

	ledger   Ledger
	orders   *orders.Manager
	ids      *ids.Allocator
	tradeOut TradeEnqueuer
	tradeIdx TradeIndex
	pub      Publisher

	mu      sync.RWMutex
	symbols map[string]*symbolState

	metrics Metrics
}

// SetMetrics attaches an instrumentation sink. Safe to call once at
// startup before the engine accepts submissions.
func (e *Engine) SetMetrics(m Metrics) {
	e.metrics = m
}

// New creates an Engine with no trading pairs registered yet.
func New(cfg Config, ledger Ledger, om *orders.Manager, alloc *ids.Allocator, tradeOut TradeEnqueuer, tradeIdx TradeIndex, pub Publisher, logger *zap.Logger) *Engine {
	return &Engine{
		logger:   logger,
		cfg:      cfg,
		ledger:   ledger,
		orders:   om,
		ids:      alloc,
		tradeOut: tradeOut,
		tradeIdx: tradeIdx,
		pub:      pub,
		symbols:  make(map[string]*symbolState),
	}
}

// RegisterPair activates a trading pair, giving it an empty book. Used by
// Recovery (C8) for every TradingPair row it loads at boot.
func (e *Engine) RegisterPair(pair domain.TradingPair) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.symbols[pair.Symbol] = &symbolState{pair: pair, book: book.New(pair.Symbol)}
}

func (e *Engine) stateFor(symbol string) (*symbolState, error) {
	e.mu.RLock()
	s, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.Validation, "unknown trading pair").WithSymbol(symbol)
	}
	return s, nil
}

// Book exposes the read-only book for a symbol, for depth queries.
func (e *Engine) Book(symbol string) (*book.Book, error) {
	s, err := e.stateFor(symbol)
	if err != nil {
		return nil, err
	}
	return s.book, nil
}

// GetOrderTrades implements §6.2's GetOrderTrades(orderId).
func (e *Engine) GetOrderTrades(orderID int64) []domain.Trade {
	return e.tradeIdx.GetOrderTrades(orderID)
}

// ListUserTrades implements §6.2's ListUserTrades(userId, symbol?).
func (e *Engine) ListUserTrades(userID int64, symbol string) []domain.Trade {
	return e.tradeIdx.ListUserTrades(userID, symbol)
}

// SubmitRequest is the validated, as-yet-unplaced order handed to Submit.
type SubmitRequest struct {
	UserID        int64             `validate:"required,gt=0"`
	Symbol        string            `validate:"required"`
	Side          domain.Side       `validate:"required,oneof=BUY SELL"`
	Type          domain.OrderType  `validate:"required,oneof=LIMIT MARKET"`
	Quantity      decimal.Decimal   `validate:"-"` // decimal positivity checked in preflight, not tag-expressible
	Price         decimal.Decimal   `validate:"-"` // required for Limit, checked in preflight
	ClientOrderID string
}

// Submit runs the full order entry pipeline described in §4.4: pre-flight
// validation, collateral freeze, id assignment, matching, post-match
// placement, and publication.
func (e *Engine) Submit(req SubmitRequest) (domain.Order, error) {
	s, err := e.stateFor(req.Symbol)
	if err != nil {
		return domain.Order{}, err
	}

	if err := e.preflight(s, req); err != nil {
		if e.metrics != nil {
			e.metrics.OrderRejected(req.Symbol, "validation")
		}
		return domain.Order{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted {
		return domain.Order{}, xerrors.New(xerrors.InconsistentState, "trading pair halted after a prior invariant breach").WithSymbol(req.Symbol)
	}

	quoteAsset := s.pair.QuoteAsset
	baseAsset := s.pair.BaseAsset

	var frozen decimal.Decimal
	var frozenAsset string
	switch {
	case req.Side == domain.Buy && req.Type == domain.Limit:
		frozen = req.Price.Mul(req.Quantity)
		frozenAsset = quoteAsset
	case req.Side == domain.Buy && req.Type == domain.Market:
		frozen = e.worstCaseBuyNotional(s, req.Quantity)
		frozenAsset = quoteAsset
	default: // Sell, any type
		frozen = req.Quantity
		frozenAsset = baseAsset
	}

	if err := e.ledger.Freeze(req.UserID, frozenAsset, frozen); err != nil {
		if e.metrics != nil {
			e.metrics.LedgerFreezeRejected(req.Symbol)
		}
		return domain.Order{}, xerrors.New(xerrors.InsufficientFunds, "insufficient balance to freeze collateral").
			WithUser(req.UserID).WithSymbol(req.Symbol)
	}
	e.publishAssetUpdate(req.UserID, frozenAsset)

	now := time.Now()
	initialStatus := domain.StatusActive
	if req.Type == domain.Market {
		initialStatus = domain.StatusPending
	}

	order := &domain.Order{
		ID:            e.ids.NextOrderID(),
		UserID:        req.UserID,
		TradingPairID: s.pair.ID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Status:        initialStatus,
		ClientOrderID: req.ClientOrderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.orders.Create(order)

	if err := e.runMatchLoop(s, order, frozenAsset, frozen); err != nil {
		s.halted = true
		e.logger.Error("trading pair halted after invariant breach", zap.String("symbol", req.Symbol), zap.Error(err))
		return *order, err
	}

	e.placePostMatch(s, order, frozenAsset, frozen)

	final, _ := e.orders.Get(order.ID)
	e.pub.PublishOrderUpdate(final)
	if e.metrics != nil {
		e.metrics.OrderCreated(req.Symbol, string(req.Side), string(req.Type))
		e.metrics.ObserveOrderLatency(req.Symbol, time.Since(now))
	}
	return final, nil
}

func (e *Engine) preflight(s *symbolState, req SubmitRequest) error {
	if err := validate.Struct(req); err != nil {
		return xerrors.New(xerrors.Validation, "malformed order request: "+err.Error()).
			WithSymbol(req.Symbol).WithUser(req.UserID)
	}
	if !req.Quantity.IsPositive() {
		return xerrors.New(xerrors.Validation, "quantity must be positive").WithSymbol(req.Symbol).WithUser(req.UserID)
	}
	if req.Type == domain.Limit && !req.Price.IsPositive() {
		return xerrors.New(xerrors.Validation, "limit order requires a positive price").WithSymbol(req.Symbol).WithUser(req.UserID)
	}
	if !s.pair.IsActive {
		return xerrors.New(xerrors.Validation, "trading pair is inactive").WithSymbol(req.Symbol)
	}
	if req.Quantity.LessThan(s.pair.MinQty) {
		return xerrors.New(xerrors.Validation, "quantity below the trading pair's minimum").WithSymbol(req.Symbol).WithUser(req.UserID)
	}
	if s.pair.MaxQty.IsPositive() && req.Quantity.GreaterThan(s.pair.MaxQty) {
		return xerrors.New(xerrors.Validation, "quantity above the trading pair's maximum").WithSymbol(req.Symbol).WithUser(req.UserID)
	}
	if s.pair.ExceedsQtyPrecision(req.Quantity) {
		return xerrors.New(xerrors.Validation, "quantity exceeds the trading pair's quantity precision").WithSymbol(req.Symbol).WithUser(req.UserID)
	}
	if req.Type == domain.Limit && s.pair.ExceedsPricePrecision(req.Price) {
		return xerrors.New(xerrors.Validation, "price exceeds the trading pair's price precision").WithSymbol(req.Symbol).WithUser(req.UserID)
	}
	return nil
}

// worstCaseBuyNotional walks the ask side top-down to estimate the
// notional required to fill qty, with a configurable safety margin
// (§4.4 "Market-order collateral policy").
func (e *Engine) worstCaseBuyNotional(s *symbolState, qty decimal.Decimal) decimal.Decimal {
	remaining := qty
	notional := decimal.Zero
	s.book.WalkOpposite(domain.Sell, func(wl book.WalkLevel) bool {
		if !remaining.IsPositive() {
			return false
		}
		take := wl.Quantity
		if take.GreaterThan(remaining) {
			take = remaining
		}
		notional = notional.Add(take.Mul(wl.Price))
		remaining = remaining.Sub(take)
		return remaining.IsPositive()
	})
	// If remaining > 0 here, the book lacked liquidity to price the full
	// request; notional only covers what could be priced, and the match
	// loop later fills just that much before cancelling the remainder
	// (§4.4 "matches what is available and cancels the remainder").
	margin := decimal.NewFromInt(1).Add(e.cfg.MarketBuyCollateralMargin)
	return notional.Mul(margin)
}

// runMatchLoop executes step 4 of §4.4 against the opposing side of s's
// book. taker is mutated in place as fills accrue in C5; the book (C3)
// and ledger (C2) are updated per trade.
func (e *Engine) runMatchLoop(s *symbolState, taker *domain.Order, takerFrozenAsset string, takerFrozenAmount decimal.Decimal) error {
	opposite := taker.Side.Opposite()
	consumedFrozen := decimal.Zero

	for {
		current, _ := e.orders.Get(taker.ID)
		remaining := current.RemainingQuantity()
		if !remaining.IsPositive() {
			break
		}

		exemptSelfTrade := e.cfg.HasMarketMaker && e.cfg.MarketMakerUserID == taker.UserID
		wl, found := s.book.FindEligible(opposite, func(p decimal.Decimal) bool {
			return e.crossable(taker, p)
		}, func(makerUserID int64) bool {
			// Self-trade prevention (§4.4): skip makers owned by the same
			// user as the taker, unless the taker is the designated
			// market-maker account. The skipped order is left resting
			// untouched; the walk continues to the next eligible maker.
			return taker.UserID == makerUserID && !exemptSelfTrade
		})
		if !found {
			break
		}
		makerOrderID := wl.OrderID
		makerUserID := wl.UserID
		bestPrice := wl.Price

		makerOrder, _ := e.orders.Get(makerOrderID)
		matchQty := remaining
		if makerOrder.RemainingQuantity().LessThan(matchQty) {
			matchQty = makerOrder.RemainingQuantity()
		}
		tradePrice := bestPrice // price improvement to the resting (maker) order

		trade := &domain.Trade{
			ID:            e.ids.NextTradeID(),
			TradingPairID: s.pair.ID,
			Symbol:        s.pair.Symbol,
			Price:         tradePrice,
			Quantity:      matchQty,
			FeeAsset:      s.pair.QuoteAsset,
			ExecutedAt:    time.Now(),
		}
		if taker.Side == domain.Buy {
			trade.BuyOrderID, trade.SellOrderID = taker.ID, makerOrderID
			trade.BuyerUserID, trade.SellerUserID = taker.UserID, makerUserID
		} else {
			trade.BuyOrderID, trade.SellOrderID = makerOrderID, taker.ID
			trade.BuyerUserID, trade.SellerUserID = makerUserID, taker.UserID
		}
		trade.Fee = matchQty.Mul(tradePrice).Mul(e.cfg.DefaultFeeRate)

		notional := matchQty.Mul(tradePrice)
		if err := e.ledger.DebitFromFrozen(trade.BuyerUserID, s.pair.QuoteAsset, notional); err != nil {
			return xerrors.New(xerrors.InconsistentState, "buyer frozen-quote debit failed mid-trade").
				WithUser(trade.BuyerUserID).WithSymbol(s.pair.Symbol)
		}
		e.publishAssetUpdate(trade.BuyerUserID, s.pair.QuoteAsset)
		if taker.Side == domain.Buy {
			consumedFrozen = consumedFrozen.Add(notional)
		}
		if err := e.ledger.DebitFromFrozen(trade.SellerUserID, s.pair.BaseAsset, matchQty); err != nil {
			return xerrors.New(xerrors.InconsistentState, "seller frozen-base debit failed mid-trade").
				WithUser(trade.SellerUserID).WithSymbol(s.pair.Symbol)
		}
		e.publishAssetUpdate(trade.SellerUserID, s.pair.BaseAsset)
		if taker.Side == domain.Sell {
			consumedFrozen = consumedFrozen.Add(matchQty)
		}
		e.ledger.Credit(trade.BuyerUserID, s.pair.BaseAsset, matchQty)
		e.publishAssetUpdate(trade.BuyerUserID, s.pair.BaseAsset)
		e.ledger.Credit(trade.SellerUserID, s.pair.QuoteAsset, notional.Sub(trade.Fee))
		e.publishAssetUpdate(trade.SellerUserID, s.pair.QuoteAsset)

		if err := e.orders.ApplyFill(taker.ID, matchQty, tradePrice); err != nil {
			return err
		}
		if err := e.orders.ApplyFill(makerOrderID, matchQty, tradePrice); err != nil {
			return err
		}

		makerRemaining, _ := s.book.ConsumeOrder(opposite, makerOrderID, matchQty)
		e.tradeOut.EnqueueTradeCreated(trade)
		e.tradeIdx.Record(*trade)
		e.pub.PublishTrade(*trade)
		if e.metrics != nil {
			e.metrics.TradeExecuted(s.pair.Symbol, notional.InexactFloat64())
		}
		if updatedMaker, ok := e.orders.Get(makerOrderID); ok {
			e.pub.PublishOrderUpdate(updatedMaker)
		}
		e.pub.PublishBookDelta(s.pair.Symbol, opposite, bestPrice, s.book.LevelsAt(opposite, []decimal.Decimal{bestPrice})[0])
	}

	// Unfreeze any quote collateral a buy taker froze but no longer needs:
	// the margin and unspent estimate of a market buy, or, for a limit buy
	// filled below its limit price, the difference between price*qty and
	// what the fills cost. A limit buy keeps price*remaining frozen for
	// the part that rests on the book. A sell freezes exactly its
	// quantity, so fills consume it one for one.
	if taker.Side == domain.Buy {
		unused := takerFrozenAmount.Sub(consumedFrozen)
		if taker.Type == domain.Limit {
			current, _ := e.orders.Get(taker.ID)
			unused = unused.Sub(current.RemainingQuantity().Mul(taker.Price))
		}
		if unused.IsPositive() {
			if err := e.ledger.Unfreeze(taker.UserID, takerFrozenAsset, unused); err == nil {
				e.publishAssetUpdate(taker.UserID, takerFrozenAsset)
			}
		}
	}
	return nil
}

// publishAssetUpdate re-reads the current balance for (userID, symbol)
// and publishes it as a UserAssetUpdate (§4.9), called after every
// ledger mutation the engine triggers directly.
func (e *Engine) publishAssetUpdate(userID int64, symbol string) {
	e.pub.PublishUserAssetUpdate(userID, e.ledger.Get(userID, symbol))
}

func (e *Engine) crossable(taker *domain.Order, makerPrice decimal.Decimal) bool {
	if taker.Type == domain.Market {
		return true
	}
	if taker.Side == domain.Buy {
		return makerPrice.LessThanOrEqual(taker.Price)
	}
	return makerPrice.GreaterThanOrEqual(taker.Price)
}

// placePostMatch implements §4.4 step 5: rest a limit remainder on the
// book, or cancel a market order's unfilled remainder and return its
// unused collateral.
func (e *Engine) placePostMatch(s *symbolState, order *domain.Order, frozenAsset string, frozenAmount decimal.Decimal) {
	current, _ := e.orders.Get(order.ID)
	remaining := current.RemainingQuantity()

	if !remaining.IsPositive() {
		return
	}

	if order.Type == domain.Limit {
		s.book.Insert(order.ID, order.UserID, order.Side, order.Price, remaining)
		e.pub.PublishBookDelta(s.pair.Symbol, order.Side, order.Price, s.book.LevelsAt(order.Side, []decimal.Decimal{order.Price})[0])
		return
	}

	// Market order with remaining > 0: insufficient liquidity to fill it
	// all. Cancel the remainder and unfreeze whatever collateral this
	// unfilled portion was holding. A market buy's unused quote was
	// already released at the end of the match loop; a market sell still
	// holds its unfilled base quantity.
	if err := e.orders.Transition(order.ID, domain.StatusCancelled); err != nil {
		e.logger.Error("failed to cancel unfilled market order remainder", zap.Int64("order_id", order.ID), zap.Error(err))
	}
	if order.Side == domain.Sell {
		if err := e.ledger.Unfreeze(order.UserID, frozenAsset, remaining); err != nil {
			e.logger.Error("failed to unfreeze unfilled market sell remainder", zap.Int64("order_id", order.ID), zap.Error(err))
		} else {
			e.publishAssetUpdate(order.UserID, frozenAsset)
		}
	}
}

// Cancel implements §4.4's Cancel(orderId, userId): removes the order
// from the book if resting, unfreezes its remaining collateral, and
// marks it Cancelled.
func (e *Engine) Cancel(userID, orderID int64) error {
	o, ok := e.orders.Get(orderID)
	if !ok {
		return xerrors.New(xerrors.NotFound, "order not found").WithOrder(orderID).WithUser(userID)
	}
	if o.UserID != userID {
		return xerrors.New(xerrors.NotOwner, "order does not belong to caller").WithOrder(orderID).WithUser(userID)
	}
	if o.Status.IsTerminal() {
		return xerrors.New(xerrors.InvalidStateTransition, "cannot cancel a terminal order").WithOrder(orderID)
	}

	s, err := e.stateFor(o.Symbol)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.book.Remove(orderID)

	remaining := o.RemainingQuantity()
	var asset string
	var amount decimal.Decimal
	if o.Side == domain.Buy {
		asset = s.pair.QuoteAsset
		amount = remaining.Mul(o.Price)
	} else {
		asset = s.pair.BaseAsset
		amount = remaining
	}
	if amount.IsPositive() {
		if err := e.ledger.Unfreeze(userID, asset, amount); err != nil {
			e.logger.Error("failed to unfreeze collateral on cancel", zap.Int64("order_id", orderID), zap.Error(err))
		} else {
			e.publishAssetUpdate(userID, asset)
		}
	}

	if err := e.orders.Transition(orderID, domain.StatusCancelled); err != nil {
		return err
	}

	final, _ := e.orders.Get(orderID)
	e.pub.PublishOrderUpdate(final)
	e.pub.PublishBookDelta(o.Symbol, o.Side, o.Price, s.book.LevelsAt(o.Side, []decimal.Decimal{o.Price})[0])
	if e.metrics != nil {
		e.metrics.OrderCancelled(o.Symbol, string(o.Side))
	}
	return nil
}

// CancelAllResult is the bulk-cancel outcome described in §6.1.
type CancelAllResult struct {
	SuccessCount int
	FailedCount  int
	CancelledIDs []int64
}

// CancelAll implements §6.1's CancelAll(userId, symbol?): cancels every
// non-terminal order owned by userID, optionally restricted to symbol
// (empty string means every symbol), one Cancel call per order.
func (e *Engine) CancelAll(userID int64, symbol string) CancelAllResult {
	candidates := e.orders.ListByUser(userID, symbol)
	result := CancelAllResult{CancelledIDs: make([]int64, 0, len(candidates))}
	for _, o := range candidates {
		if o.Status.IsTerminal() {
			continue
		}
		if err := e.Cancel(userID, o.ID); err != nil {
			result.FailedCount++
			e.logger.Warn("CancelAll: failed to cancel order", zap.Int64("order_id", o.ID), zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		result.SuccessCount++
		result.CancelledIDs = append(result.CancelledIDs, o.ID)
	}
	return result
}
