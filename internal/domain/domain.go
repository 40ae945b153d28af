// Package domain holds the entities specified in §3: TradingPair, User,
// Asset, Order, Trade, and the write-queue entry variants, plus their
// invariants as documented methods. Monetary fields use
// github.com/shopspring/decimal throughout — floating point is forbidden
// for balances, prices, and quantities.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the side of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType is the order type. Only Limit and Market are specified;
// stop/iceberg/etc. are a Non-goal.
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// OrderStatus is a node in the order state machine (§4.4).
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusActive          OrderStatus = "ACTIVE"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether status is one of the monotonic terminal
// states {Filled, Cancelled, Rejected}.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// TradingPair is an administratively created market.
type TradingPair struct {
	ID             int64
	Symbol         string
	BaseAsset      string
	QuoteAsset     string
	MinQty         decimal.Decimal
	MaxQty         decimal.Decimal
	PricePrecision int32
	QtyPrecision   int32
	IsActive       bool
}

// RoundPrice rounds p to the pair's price precision.
func (p *TradingPair) RoundPrice(price decimal.Decimal) decimal.Decimal {
	return price.Round(p.PricePrecision)
}

// RoundQty rounds q to the pair's quantity precision.
func (p *TradingPair) RoundQty(qty decimal.Decimal) decimal.Decimal {
	return qty.Round(p.QtyPrecision)
}

// ExceedsQtyPrecision reports whether qty carries more fractional digits
// than the pair allows.
func (p *TradingPair) ExceedsQtyPrecision(qty decimal.Decimal) bool {
	return !qty.Equal(qty.Round(p.QtyPrecision))
}

// ExceedsPricePrecision reports whether price carries more fractional
// digits than the pair allows.
func (p *TradingPair) ExceedsPricePrecision(price decimal.Decimal) bool {
	return !price.Equal(price.Round(p.PricePrecision))
}

// User is the identity the core consumes; authentication and profile
// management are external collaborators (§1).
type User struct {
	ID       int64
	Username string
	IsActive bool
}

// Asset is a per-user, per-symbol balance record (§3).
type Asset struct {
	UserID    int64
	Symbol    string
	Available decimal.Decimal
	Frozen    decimal.Decimal
}

// Total is a derived view, never stored.
func (a Asset) Total() decimal.Decimal {
	return a.Available.Add(a.Frozen)
}

// Order is a buy or sell instruction against a trading pair.
type Order struct {
	ID               int64
	UserID           int64
	TradingPairID    int64
	Symbol           string
	Side             Side
	Type             OrderType
	Price            decimal.Decimal // required if Limit
	Quantity         decimal.Decimal // original
	FilledQuantity   decimal.Decimal
	AverageFillPrice decimal.Decimal
	Status           OrderStatus
	ClientOrderID    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RemainingQuantity is quantity - filledQuantity.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// OnBook reports whether the order is eligible to rest in the order book:
// remainingQuantity > 0 and status is non-terminal.
func (o *Order) OnBook() bool {
	return o.RemainingQuantity().IsPositive() && !o.Status.IsTerminal()
}

// Trade is an immutable, append-only execution record (§3).
type Trade struct {
	ID            int64
	TradingPairID int64
	Symbol        string
	BuyOrderID    int64
	SellOrderID   int64
	BuyerUserID   int64
	SellerUserID  int64
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Fee           decimal.Decimal
	FeeAsset      string
	ExecutedAt    time.Time // millisecond-unix granularity in the wire form
}

// WriteQueueKind discriminates the three write-queue entry variants (§3).
type WriteQueueKind string

const (
	WriteOrderUpserted WriteQueueKind = "ORDER_UPSERTED"
	WriteTradeCreated  WriteQueueKind = "TRADE_CREATED"
	WriteAssetSnapshot WriteQueueKind = "ASSET_SNAPSHOT"
)

// WriteEntry is a single write-queue entry. OrderUpserted and
// AssetSnapshot entries are re-read keys (the authoritative in-memory
// state is consulted at flush time); TradeCreated entries carry an
// immutable payload since a trade, once matched, never changes again but
// also never re-appears in any in-memory "current" index to re-read.
type WriteEntry struct {
	Kind      WriteQueueKind
	OrderID   int64           // OrderUpserted
	Trade     *Trade          // TradeCreated
	UserID    int64           // AssetSnapshot
	Symbol    string          // AssetSnapshot
	Sequence  int64           // monotonic enqueue sequence, used for dedupe/ordering diagnostics
	EnqueuedAt time.Time
}

// AssetKey returns the coalescing key for an AssetSnapshot entry.
func (w WriteEntry) AssetKey() AssetKey {
	return AssetKey{UserID: w.UserID, Symbol: w.Symbol}
}

// AssetKey identifies a single (userId, symbol) balance record.
type AssetKey struct {
	UserID int64
	Symbol string
}

// Less gives AssetKey (and by extension any (userId, symbol) pair) a
// total order, used to acquire ledger locks in a fixed order during a
// transfer and so prevent deadlock (§5).
func (k AssetKey) Less(other AssetKey) bool {
	if k.UserID != other.UserID {
		return k.UserID < other.UserID
	}
	return k.Symbol < other.Symbol
}
