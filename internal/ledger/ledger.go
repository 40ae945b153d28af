// Package ledger implements the Asset Ledger (C2): per-user, per-symbol
// balance records with atomic freeze/unfreeze/debit-from-frozen/credit
// operations (§4.2). Mutation of Asset records is owned exclusively by
// this package.
package ledger

import (
	"sync"

	"github.com/exchangecore/spotex/internal/domain"
	xerrors "github.com/exchangecore/spotex/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SnapshotEnqueuer is the write-queue dependency: every mutation enqueues
// an AssetSnapshot key (§4.2 "Persistence").
type SnapshotEnqueuer interface {
	EnqueueAssetSnapshot(userID int64, symbol string)
}

// entry is a single (userId, symbol) balance record guarded by its own
// mutex, so concurrent operations on unrelated keys never contend.
type entry struct {
	mu        sync.Mutex
	available decimal.Decimal
	frozen    decimal.Decimal
}

// Ledger is a sharded map of per-key balance records.
type Ledger struct {
	logger *zap.Logger
	queue  SnapshotEnqueuer

	mu      sync.RWMutex
	entries map[domain.AssetKey]*entry
}

// New creates an empty Ledger.
func New(queue SnapshotEnqueuer, logger *zap.Logger) *Ledger {
	return &Ledger{
		logger:  logger,
		queue:   queue,
		entries: make(map[domain.AssetKey]*entry),
	}
}

// getOrCreate returns the entry for key, lazily creating a zero balance
// (§3 "lazily created on first credit or first freeze").
func (l *Ledger) getOrCreate(key domain.AssetKey) *entry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[key]; ok {
		return e
	}
	e = &entry{available: decimal.Zero, frozen: decimal.Zero}
	l.entries[key] = e
	return e
}

// Freeze moves amount from available to frozen. Fails with
// InsufficientFunds if available < amount.
func (l *Ledger) Freeze(userID int64, symbol string, amount decimal.Decimal) error {
	key := domain.AssetKey{UserID: userID, Symbol: symbol}
	e := l.getOrCreate(key)

	e.mu.Lock()
	if e.available.LessThan(amount) {
		e.mu.Unlock()
		return xerrors.New(xerrors.InsufficientFunds, "insufficient available balance to freeze").
			WithUser(userID).WithSymbol(symbol)
	}
	e.available = e.available.Sub(amount)
	e.frozen = e.frozen.Add(amount)
	e.mu.Unlock()

	l.queue.EnqueueAssetSnapshot(userID, symbol)
	return nil
}

// Unfreeze moves amount from frozen back to available. Fails with
// InconsistentState if frozen < amount — that should be unreachable
// given correct callers.
func (l *Ledger) Unfreeze(userID int64, symbol string, amount decimal.Decimal) error {
	key := domain.AssetKey{UserID: userID, Symbol: symbol}
	e := l.getOrCreate(key)

	e.mu.Lock()
	if e.frozen.LessThan(amount) {
		e.mu.Unlock()
		return xerrors.New(xerrors.InconsistentState, "frozen balance below unfreeze amount").
			WithUser(userID).WithSymbol(symbol)
	}
	e.frozen = e.frozen.Sub(amount)
	e.available = e.available.Add(amount)
	e.mu.Unlock()

	l.queue.EnqueueAssetSnapshot(userID, symbol)
	return nil
}

// DebitFromFrozen removes amount from frozen without crediting it
// anywhere (the counterpart Credit call lands on a different key).
func (l *Ledger) DebitFromFrozen(userID int64, symbol string, amount decimal.Decimal) error {
	key := domain.AssetKey{UserID: userID, Symbol: symbol}
	e := l.getOrCreate(key)

	e.mu.Lock()
	if e.frozen.LessThan(amount) {
		e.mu.Unlock()
		return xerrors.New(xerrors.InconsistentState, "frozen balance below debit amount").
			WithUser(userID).WithSymbol(symbol)
	}
	e.frozen = e.frozen.Sub(amount)
	e.mu.Unlock()

	l.queue.EnqueueAssetSnapshot(userID, symbol)
	return nil
}

// Credit adds amount to available. Always succeeds.
func (l *Ledger) Credit(userID int64, symbol string, amount decimal.Decimal) {
	key := domain.AssetKey{UserID: userID, Symbol: symbol}
	e := l.getOrCreate(key)

	e.mu.Lock()
	e.available = e.available.Add(amount)
	e.mu.Unlock()

	l.queue.EnqueueAssetSnapshot(userID, symbol)
}

// HasAvailable reports whether available >= amount, without mutating.
func (l *Ledger) HasAvailable(userID int64, symbol string, amount decimal.Decimal) bool {
	key := domain.AssetKey{UserID: userID, Symbol: symbol}
	e := l.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.available.LessThan(amount)
}

// Get returns a point-in-time snapshot of the asset record.
func (l *Ledger) Get(userID int64, symbol string) domain.Asset {
	key := domain.AssetKey{UserID: userID, Symbol: symbol}
	e := l.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.Asset{UserID: userID, Symbol: symbol, Available: e.available, Frozen: e.frozen}
}

// ListByUser returns a snapshot of every asset record the user holds.
func (l *Ledger) ListByUser(userID int64) []domain.Asset {
	l.mu.RLock()
	keys := make([]domain.AssetKey, 0)
	for k := range l.entries {
		if k.UserID == userID {
			keys = append(keys, k)
		}
	}
	l.mu.RUnlock()

	out := make([]domain.Asset, 0, len(keys))
	for _, k := range keys {
		out = append(out, l.Get(k.UserID, k.Symbol))
	}
	return out
}

// InitializeUserAssets upserts starting balances for onboarding and for
// seeding system/market-maker accounts. Idempotent: calling it again with
// the same values is a no-op (§4.2).
func (l *Ledger) InitializeUserAssets(userID int64, balances map[string]decimal.Decimal) {
	for symbol, amount := range balances {
		key := domain.AssetKey{UserID: userID, Symbol: symbol}
		e := l.getOrCreate(key)

		e.mu.Lock()
		changed := !e.available.Equal(amount) || !e.frozen.IsZero()
		if changed {
			e.available = amount
			e.frozen = decimal.Zero
		}
		e.mu.Unlock()

		if changed {
			l.queue.EnqueueAssetSnapshot(userID, symbol)
		}
	}
}

// Restore sets a balance record to exactly (available, frozen) without
// the onboarding no-change-detection InitializeUserAssets applies, and
// without enqueueing a write-queue entry (the record is already durable,
// since this is what Recovery loaded it from). Used only by Recovery
// (C8) to repopulate the ledger at startup (§4.8 step 2).
func (l *Ledger) Restore(userID int64, symbol string, available, frozen decimal.Decimal) {
	key := domain.AssetKey{UserID: userID, Symbol: symbol}
	e := l.getOrCreate(key)
	e.mu.Lock()
	e.available = available
	e.frozen = frozen
	e.mu.Unlock()
}

// Transfer debits amount of fromSymbol from fromUser's frozen balance and
// credits amount to toUser's available balance, applied in the fixed
// order debit-then-credit (§4.2, §5). Credit cannot fail, so there is no
// compensation branch: a failed debit returns before anything is
// credited, and a successful debit is always followed by its credit.
func (l *Ledger) Transfer(fromUserID int64, fromSymbol string, toUserID int64, toSymbol string, amount decimal.Decimal) error {
	if err := l.DebitFromFrozen(fromUserID, fromSymbol, amount); err != nil {
		return err
	}

	l.Credit(toUserID, toSymbol, amount)
	return nil
}
