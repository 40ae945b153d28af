// Package orders implements the Order Lifecycle Manager (C5): the
// authoritative in-memory store of Order records, the state-machine
// enforcement described in §4.5, and fill-weighted average price
// recomputation. Every mutation enqueues OrderUpserted into the write
// queue (C6).
package orders

import (
	"sync"
	"time"

	"github.com/exchangecore/spotex/internal/domain"
	xerrors "github.com/exchangecore/spotex/pkg/errors"
	patrickmncache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Upserter is the write-queue dependency.
type Upserter interface {
	EnqueueOrderUpserted(orderID int64)
}

// legalTransitions enumerates the state machine from §4.4's diagram: map
// keys are the current status, values the statuses it may move to.
var legalTransitions = map[domain.OrderStatus]map[domain.OrderStatus]bool{
	domain.StatusPending: {
		domain.StatusActive:          true,
		domain.StatusPartiallyFilled: true,
		domain.StatusFilled:          true,
		domain.StatusCancelled:       true,
		domain.StatusRejected:        true,
	},
	domain.StatusActive: {
		domain.StatusPartiallyFilled: true,
		domain.StatusFilled:          true,
		domain.StatusCancelled:       true,
	},
	domain.StatusPartiallyFilled: {
		domain.StatusFilled:    true,
		domain.StatusCancelled: true,
	},
}

// Manager owns every Order record in the process.
type Manager struct {
	logger *zap.Logger
	queue  Upserter

	mu     sync.RWMutex
	orders map[int64]*domain.Order
	byUser map[int64]map[int64]struct{} // userID -> set of orderID

	// readCache serves GetOrder lookups under light read pressure; entries
	// are invalidated on every mutation rather than left to expire, so
	// staleness is bounded by zero once a write has occurred.
	readCache *patrickmncache.Cache
}

// New creates an empty Manager.
func New(queue Upserter, logger *zap.Logger) *Manager {
	return &Manager{
		logger:    logger,
		queue:     queue,
		orders:    make(map[int64]*domain.Order),
		byUser:    make(map[int64]map[int64]struct{}),
		readCache: patrickmncache.New(30*time.Second, time.Minute),
	}
}

// Create records a brand-new order with the given id (already assigned by
// C1) and initial status, and enqueues it for durable persistence.
func (m *Manager) Create(o *domain.Order) {
	m.mu.Lock()
	m.orders[o.ID] = o
	if m.byUser[o.UserID] == nil {
		m.byUser[o.UserID] = make(map[int64]struct{})
	}
	m.byUser[o.UserID][o.ID] = struct{}{}
	m.mu.Unlock()

	m.readCache.Delete(cacheKey(o.ID))
	m.queue.EnqueueOrderUpserted(o.ID)
}

// ApplyFill recomputes filledQuantity and averageFillPrice as a
// quantity-weighted mean, and advances status to PartiallyFilled or
// Filled as appropriate (§4.5). It does not itself settle the ledger;
// callers apply fills only after a successful settlement.
func (m *Manager) ApplyFill(orderID int64, qty, price decimal.Decimal) error {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return xerrors.New(xerrors.NotFound, "order not found").WithOrder(orderID)
	}

	priorFilled := o.FilledQuantity
	priorAvg := o.AverageFillPrice
	newFilled := priorFilled.Add(qty)

	if priorFilled.IsZero() {
		o.AverageFillPrice = price
	} else {
		weighted := priorAvg.Mul(priorFilled).Add(price.Mul(qty))
		o.AverageFillPrice = weighted.Div(newFilled)
	}
	o.FilledQuantity = newFilled

	target := domain.StatusPartiallyFilled
	if o.RemainingQuantity().IsZero() || o.RemainingQuantity().IsNegative() {
		target = domain.StatusFilled
	}
	err := m.transitionLocked(o, target)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.readCache.Delete(cacheKey(orderID))
	m.queue.EnqueueOrderUpserted(orderID)
	return nil
}

// Transition moves orderID to newStatus, enforcing the state machine.
// Illegal transitions raise InconsistentState (§4.5 "any illegal
// transition raises InconsistentState").
func (m *Manager) Transition(orderID int64, newStatus domain.OrderStatus) error {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return xerrors.New(xerrors.NotFound, "order not found").WithOrder(orderID)
	}
	err := m.transitionLocked(o, newStatus)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.readCache.Delete(cacheKey(orderID))
	m.queue.EnqueueOrderUpserted(orderID)
	return nil
}

// transitionLocked must be called with m.mu held for writing.
func (m *Manager) transitionLocked(o *domain.Order, newStatus domain.OrderStatus) error {
	if o.Status == newStatus {
		return nil
	}
	allowed := legalTransitions[o.Status]
	if allowed == nil || !allowed[newStatus] {
		return xerrors.New(xerrors.InconsistentState, "illegal order state transition").
			WithOrder(o.ID)
	}
	o.Status = newStatus
	o.UpdatedAt = time.Now()
	return nil
}

// Get returns the order, consulting the read cache first.
func (m *Manager) Get(orderID int64) (domain.Order, bool) {
	if v, found := m.readCache.Get(cacheKey(orderID)); found {
		return v.(domain.Order), true
	}

	m.mu.RLock()
	o, ok := m.orders[orderID]
	var snapshot domain.Order
	if ok {
		snapshot = *o
	}
	m.mu.RUnlock()

	if ok {
		m.readCache.SetDefault(cacheKey(orderID), snapshot)
	}
	return snapshot, ok
}

// ListByUser returns every order belonging to userID, optionally filtered
// by symbol (empty string means no filter).
func (m *Manager) ListByUser(userID int64, symbol string) []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byUser[userID]
	out := make([]domain.Order, 0, len(ids))
	for id := range ids {
		o := m.orders[id]
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out
}

// ListActive returns every order in a non-terminal state, optionally
// filtered by symbol.
func (m *Manager) ListActive(symbol string) []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Order, 0)
	for _, o := range m.orders {
		if o.Status.IsTerminal() {
			continue
		}
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out
}

func cacheKey(orderID int64) string {
	return "order:" + decimal.NewFromInt(orderID).String()
}
