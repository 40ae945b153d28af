package store

import (
	"github.com/exchangecore/spotex/internal/domain"
	"gorm.io/gorm"
)

// Store wraps the durable relational connection with the upsert and
// load operations the rest of the core needs (§6.5, §4.7, §4.8). It
// performs no retries or circuit breaking itself; internal/storesync
// wraps calls into this package with a circuit breaker instead, since
// only the sync worker, never the matching engine, is allowed to block
// on the durable store (§5).
type Store struct {
	db *gorm.DB
}

// New wraps an already-connected *gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates/updates the five tables from §6.5. Schema
// migrations beyond this are out of scope (§1).
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&TradingPairRow{}, &UserRow{}, &AssetRow{}, &OrderRow{}, &TradeRow{})
}

func toOrderRow(o domain.Order) OrderRow {
	return OrderRow{
		ID: o.ID, UserID: o.UserID, TradingPairID: o.TradingPairID, Symbol: o.Symbol,
		Side: string(o.Side), Type: string(o.Type), Price: o.Price, Quantity: o.Quantity,
		FilledQuantity: o.FilledQuantity, AverageFillPrice: o.AverageFillPrice,
		Status: string(o.Status), ClientOrderID: o.ClientOrderID,
		CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt,
	}
}

func fromOrderRow(r OrderRow) domain.Order {
	return domain.Order{
		ID: r.ID, UserID: r.UserID, TradingPairID: r.TradingPairID, Symbol: r.Symbol,
		Side: domain.Side(r.Side), Type: domain.OrderType(r.Type), Price: r.Price, Quantity: r.Quantity,
		FilledQuantity: r.FilledQuantity, AverageFillPrice: r.AverageFillPrice,
		Status: domain.OrderStatus(r.Status), ClientOrderID: r.ClientOrderID,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func toTradeRow(t domain.Trade) TradeRow {
	return TradeRow{
		ID: t.ID, TradingPairID: t.TradingPairID, Symbol: t.Symbol,
		BuyOrderID: t.BuyOrderID, SellOrderID: t.SellOrderID,
		BuyerUserID: t.BuyerUserID, SellerUserID: t.SellerUserID,
		Price: t.Price, Quantity: t.Quantity, Fee: t.Fee, FeeAsset: t.FeeAsset,
		ExecutedAt: t.ExecutedAt,
	}
}

func toAssetRow(a domain.Asset) AssetRow {
	return AssetRow{UserID: a.UserID, Symbol: a.Symbol, Available: a.Available, Frozen: a.Frozen}
}

func fromAssetRow(r AssetRow) domain.Asset {
	return domain.Asset{UserID: r.UserID, Symbol: r.Symbol, Available: r.Available, Frozen: r.Frozen}
}

func fromTradingPairRow(r TradingPairRow) domain.TradingPair {
	return domain.TradingPair{
		ID: r.ID, Symbol: r.Symbol, BaseAsset: r.BaseAsset, QuoteAsset: r.QuoteAsset,
		MinQty: r.MinQty, MaxQty: r.MaxQty, PricePrecision: r.PricePrecision,
		QtyPrecision: r.QtyPrecision, IsActive: r.IsActive,
	}
}

// UpsertOrders writes a batch of current order states, keyed on id
// (§4.7 "single batch" per category).
func (s *Store) UpsertOrders(orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	rows := make([]OrderRow, len(orders))
	for i, o := range orders {
		rows[i] = toOrderRow(o)
	}
	return s.db.Save(&rows).Error
}

// UpsertTrades writes a batch of immutable trade records, keyed on id, so
// a retried batch that was already written succeeds again.
func (s *Store) UpsertTrades(trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	rows := make([]TradeRow, len(trades))
	for i, t := range trades {
		rows[i] = toTradeRow(t)
	}
	return s.db.Save(&rows).Error
}

// UpsertAssets writes a batch of current balance snapshots, keyed on
// (userId, symbol).
func (s *Store) UpsertAssets(assets []domain.Asset) error {
	if len(assets) == 0 {
		return nil
	}
	rows := make([]AssetRow, len(assets))
	for i, a := range assets {
		rows[i] = toAssetRow(a)
	}
	return s.db.Save(&rows).Error
}

// LoadTradingPairs loads every TradingPair row (§4.8 step 1).
func (s *Store) LoadTradingPairs() ([]domain.TradingPair, error) {
	var rows []TradingPairRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.TradingPair, len(rows))
	for i, r := range rows {
		out[i] = fromTradingPairRow(r)
	}
	return out, nil
}

// LoadAssets loads every Asset row (§4.8 step 2).
func (s *Store) LoadAssets() ([]domain.Asset, error) {
	var rows []AssetRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Asset, len(rows))
	for i, r := range rows {
		out[i] = fromAssetRow(r)
	}
	return out, nil
}

// LoadNonTerminalOrders loads every order in Pending, Active, or
// PartiallyFilled status (§4.8 step 3).
func (s *Store) LoadNonTerminalOrders() ([]domain.Order, error) {
	statuses := []string{
		string(domain.StatusPending), string(domain.StatusActive), string(domain.StatusPartiallyFilled),
	}
	var rows []OrderRow
	if err := s.db.Where("status IN ?", statuses).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Order, len(rows))
	for i, r := range rows {
		out[i] = fromOrderRow(r)
	}
	return out, nil
}

// MaxOrderID and MaxTradeID scan the durable store's id maxima so C1 can
// be seeded above them on restart (§4.8 step 4).
func (s *Store) MaxOrderID() (int64, error) {
	var max int64
	err := s.db.Model(&OrderRow{}).Select("COALESCE(MAX(id), 0)").Scan(&max).Error
	return max, err
}

func (s *Store) MaxTradeID() (int64, error) {
	var max int64
	err := s.db.Model(&TradeRow{}).Select("COALESCE(MAX(id), 0)").Scan(&max).Error
	return max, err
}
