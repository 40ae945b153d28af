package events

import (
	"strings"
	"time"

	"github.com/exchangecore/spotex/internal/book"
	"github.com/exchangecore/spotex/internal/domain"
	"github.com/shopspring/decimal"
)

// snapshotDepth bounds the number of levels per side included in an
// OrderBookSnapshot (§4.9).
const snapshotDepth = 50

// BookProvider is the subset of the matching engine the facade needs to
// serve an OrderBookSnapshot on subscribe. Kept narrow so this package
// still never needs to import internal/matching.
type BookProvider interface {
	Book(symbol string) (*book.Book, error)
}

// EngineFacade adapts a Hub to the matching.Publisher interface,
// translating domain types into the wire DTOs and topics named in §4.9.
// It satisfies matching.Publisher structurally, so this package never
// needs to import internal/matching.
type EngineFacade struct {
	hub   *Hub
	books BookProvider
}

// NewEngineFacade wraps hub for use as a matching engine's Publisher.
// The book provider is wired separately via SetBookProvider, since the
// engine and its facade are constructed in opposite dependency order.
func NewEngineFacade(hub *Hub) *EngineFacade {
	return &EngineFacade{hub: hub}
}

// SetBookProvider attaches the matching engine (or any narrower
// BookProvider) so Subscribe can serve order-book snapshots. Safe to call
// once at startup before the facade accepts subscriptions.
func (f *EngineFacade) SetBookProvider(books BookProvider) {
	f.books = books
}

// Subscribe registers sess on topic and, for an orderbook:<symbol> topic,
// immediately delivers an OrderBookSnapshot so the new subscriber can
// reconstruct book state from deltas alone from that point forward
// (§4.9 "sent on subscribe and on rollover").
func (f *EngineFacade) Subscribe(topic string, sess Session) {
	f.hub.Subscribe(topic, sess)

	symbol, ok := strings.CutPrefix(topic, orderBookTopicPrefix)
	if !ok || f.books == nil {
		return
	}
	b, err := f.books.Book(symbol)
	if err != nil {
		return
	}
	_ = sess.Deliver(Event{Topic: topic, Kind: KindOrderBookSnapshot, Payload: f.snapshotPayload(symbol, b)})
}

// BroadcastSnapshot publishes symbol's current depth as an
// OrderBookSnapshot to every subscriber of its orderbook topic (§4.9
// "rollover"), bounding the drift a subscriber could accumulate from a
// long run of deltas alone.
func (f *EngineFacade) BroadcastSnapshot(symbol string) error {
	if f.books == nil {
		return nil
	}
	b, err := f.books.Book(symbol)
	if err != nil {
		return err
	}
	f.hub.Publish(Event{Topic: TopicOrderBook(symbol), Kind: KindOrderBookSnapshot, Payload: f.snapshotPayload(symbol, b)})
	return nil
}

func (f *EngineFacade) snapshotPayload(symbol string, b *book.Book) DepthSnapshotPayload {
	bids, asks := b.DepthSnapshot(snapshotDepth)
	return DepthSnapshotPayload{Symbol: symbol, Bids: toDepthLevelDTOs(bids), Asks: toDepthLevelDTOs(asks)}
}

func toDepthLevelDTOs(levels []book.DepthLevel) []DepthLevelDTO {
	out := make([]DepthLevelDTO, len(levels))
	for i, l := range levels {
		out[i] = DepthLevelDTO{Price: l.Price, Quantity: l.Quantity, Orders: l.Orders}
	}
	return out
}

// PublishOrderUpdate emits a UserOrderUpdate to the owning user's topic.
func (f *EngineFacade) PublishOrderUpdate(o domain.Order) {
	dto := OrderDTO{
		ID: o.ID, Symbol: o.Symbol, Side: o.Side, Type: o.Type, Price: o.Price,
		Quantity: o.Quantity, FilledQuantity: o.FilledQuantity,
		AverageFillPrice: o.AverageFillPrice, Status: o.Status,
	}
	f.hub.Publish(Event{Topic: TopicUserOrders(o.UserID), Kind: KindUserOrderUpdate, Payload: dto})
}

// PublishTrade emits a TradeExecuted on the symbol's public topic and a
// UserTrade to each side's private topic.
func (f *EngineFacade) PublishTrade(t domain.Trade) {
	public := TradeDTO{ID: t.ID, Symbol: t.Symbol, Price: t.Price, Quantity: t.Quantity, ExecutedAt: t.ExecutedAt}
	f.hub.Publish(Event{Topic: TopicTrades(t.Symbol), Kind: KindTradeExecuted, Payload: public})

	buyerView := public
	buyerView.Side = domain.Buy
	f.hub.Publish(Event{Topic: TopicUserTrades(t.BuyerUserID), Kind: KindUserTrade, Payload: buyerView})

	sellerView := public
	sellerView.Side = domain.Sell
	f.hub.Publish(Event{Topic: TopicUserTrades(t.SellerUserID), Kind: KindUserTrade, Payload: sellerView})

	f.hub.Publish(Event{
		Topic: TopicPrice(t.Symbol),
		Kind:  KindPriceUpdate,
		Payload: PriceUpdate{
			Symbol: t.Symbol, LastPrice: t.Price, Timestamp: time.Now(),
		},
	})
}

// PublishBookDelta emits an OrderBookDelta containing the single changed
// level (§4.4 step 6 "exactly the price levels whose aggregate quantity
// changed, not a full snapshot").
func (f *EngineFacade) PublishBookDelta(symbol string, side domain.Side, price, newAggregateQty decimal.Decimal) {
	payload := OrderBookDeltaPayload{
		Symbol: symbol,
		Levels: []OrderBookLevelDTO{{Side: side, Price: price, Quantity: newAggregateQty}},
	}
	f.hub.Publish(Event{Topic: TopicOrderBook(symbol), Kind: KindOrderBookDelta, Payload: payload})
}

// PublishUserAssetUpdate emits a UserAssetUpdate; called by the ledger's
// caller whenever a freeze/unfreeze/credit/debit changes a balance. The
// ledger itself stays free of a Publisher dependency (§4.2 scope), so
// wiring calls this directly after each mutating ledger call in the
// engine and API layers that need it.
func (f *EngineFacade) PublishUserAssetUpdate(userID int64, a domain.Asset) {
	f.hub.Publish(Event{
		Topic: TopicUserAssets(userID),
		Kind:  KindUserAssetUpdate,
		Payload: AssetDTO{Symbol: a.Symbol, Available: a.Available, Frozen: a.Frozen},
	})
}
