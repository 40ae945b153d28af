// Package store is the durable relational store contract from §6.5: a
// gorm-backed schema for TradingPair, User, Asset, Order, and Trade, with
// the uniqueness and upsert semantics the specification requires. The
// teacher keeps each of these as a float64-backed gorm model in
// internal/db/models; this rewrite keeps the same table shape and tags
// but stores monetary columns as decimal.Decimal (via
// shopspring/decimal's database/sql Scanner/Valuer implementation)
// instead of float64.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradingPairRow is the TradingPair table row (§6.5).
type TradingPairRow struct {
	ID             int64  `gorm:"primaryKey"`
	Symbol         string `gorm:"uniqueIndex;size:20"`
	BaseAsset      string `gorm:"size:10"`
	QuoteAsset     string `gorm:"size:10"`
	MinQty         decimal.Decimal `gorm:"type:decimal(36,18)"`
	MaxQty         decimal.Decimal `gorm:"type:decimal(36,18)"`
	PricePrecision int32
	QtyPrecision   int32
	IsActive       bool
}

func (TradingPairRow) TableName() string { return "trading_pairs" }

// UserRow is the User table row. Authentication fields are out of scope
// (§1); only what the core needs to reference a user is kept.
type UserRow struct {
	ID       int64  `gorm:"primaryKey"`
	Username string `gorm:"uniqueIndex;size:64"`
	IsActive bool
}

func (UserRow) TableName() string { return "users" }

// AssetRow is the Asset table row, unique on (userId, symbol) (§6.5).
type AssetRow struct {
	UserID    int64           `gorm:"primaryKey"`
	Symbol    string          `gorm:"primaryKey;size:20"`
	Available decimal.Decimal `gorm:"type:decimal(36,18)"`
	Frozen    decimal.Decimal `gorm:"type:decimal(36,18)"`
}

func (AssetRow) TableName() string { return "assets" }

// OrderRow is the Order table row.
type OrderRow struct {
	ID               int64  `gorm:"primaryKey"`
	UserID           int64  `gorm:"index"`
	TradingPairID    int64  `gorm:"index"`
	Symbol           string `gorm:"size:20;index"`
	Side             string `gorm:"size:4"`
	Type             string `gorm:"size:8"`
	Price            decimal.Decimal `gorm:"type:decimal(36,18)"`
	Quantity         decimal.Decimal `gorm:"type:decimal(36,18)"`
	FilledQuantity   decimal.Decimal `gorm:"type:decimal(36,18)"`
	AverageFillPrice decimal.Decimal `gorm:"type:decimal(36,18)"`
	Status           string `gorm:"size:20;index"`
	ClientOrderID    string `gorm:"size:64"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (OrderRow) TableName() string { return "orders" }

// TradeRow is the Trade table row, append-only (§3 "immutable").
type TradeRow struct {
	ID            int64 `gorm:"primaryKey"`
	TradingPairID int64 `gorm:"index"`
	Symbol        string `gorm:"size:20;index"`
	BuyOrderID    int64  `gorm:"index"`
	SellOrderID   int64  `gorm:"index"`
	BuyerUserID   int64  `gorm:"index"`
	SellerUserID  int64  `gorm:"index"`
	Price         decimal.Decimal `gorm:"type:decimal(36,18)"`
	Quantity      decimal.Decimal `gorm:"type:decimal(36,18)"`
	Fee           decimal.Decimal `gorm:"type:decimal(36,18)"`
	FeeAsset      string          `gorm:"size:10"`
	ExecutedAt    time.Time       `gorm:"index"`
}

func (TradeRow) TableName() string { return "trades" }
