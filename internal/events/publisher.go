// Package events implements the Event Publisher (C9): topic-based fan-out
// of ticker, order-book, trade, and per-user updates to subscribed
// sessions (§4.9), with per-session bounded queues and a slow-subscriber
// shedding policy (§5 "drop oldest with a marker, or disconnect"), plus
// cross-process fan-out over the teacher's go-micro broker for
// multi-instance deployments. Grounded on the teacher's
// internal/events/broker.go (go-micro broker lifecycle) and
// services/websocket/ws_gateway_core.go (per-connection send goroutine,
// gorilla/websocket transport), generalised from a single exchange
// gateway into the specification's topic model.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/exchangecore/spotex/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go-micro.dev/v4/broker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const orderBookTopicPrefix = "orderbook:"

// Topic name builders, matching the fixed topic families in §4.9.
func TopicPrice(symbol string) string       { return "price:" + symbol }
func TopicOrderBook(symbol string) string   { return orderBookTopicPrefix + symbol }
func TopicTrades(symbol string) string      { return "trades:" + symbol }
func TopicUserOrders(userID int64) string   { return topicForUser("userOrders", userID) }
func TopicUserTrades(userID int64) string   { return topicForUser("userTrades", userID) }
func TopicUserAssets(userID int64) string   { return topicForUser("userAssets", userID) }

func topicForUser(prefix string, userID int64) string {
	return prefix + ":" + decimal.NewFromInt(userID).String()
}

// EventKind discriminates the event shapes from the §4.9 table.
type EventKind string

const (
	KindPriceUpdate       EventKind = "PriceUpdate"
	KindOrderBookDelta    EventKind = "OrderBookDelta"
	KindOrderBookSnapshot EventKind = "OrderBookSnapshot"
	KindTradeExecuted     EventKind = "TradeExecuted"
	KindUserOrderUpdate   EventKind = "UserOrderUpdate"
	KindUserTrade         EventKind = "UserTrade"
	KindUserAssetUpdate   EventKind = "UserAssetUpdate"
)

// Event is one message delivered to a topic's subscribers.
type Event struct {
	Topic   string
	Kind    EventKind
	Payload interface{}
}

// Session is a single subscriber's delivery sink — typically a websocket
// connection, but kept abstract so tests and non-websocket transports
// (e.g. an in-process test harness) can implement it too.
type Session interface {
	ID() string
	// Deliver is called by the Hub's dispatch goroutine; it must not
	// block the caller for long; implementations typically write to a
	// per-session outbound channel drained by their own writer goroutine.
	Deliver(Event) error
	Close() error
}

// WSSession adapts a gorilla/websocket connection into a Session, with
// its own bounded outbound queue and writer goroutine so one slow client
// cannot stall the Hub's dispatch loop.
type WSSession struct {
	id     string
	conn   *websocket.Conn
	logger *zap.Logger

	out    chan Event
	closed chan struct{}
	once   sync.Once

	metrics Metrics
}

// SetMetrics attaches an instrumentation sink.
func (s *WSSession) SetMetrics(m Metrics) {
	s.metrics = m
}

// newSessionID mints a session identifier. The Hub owns session identity,
// not the front door that dials the websocket, so each WSSession draws its
// own id rather than accepting a caller-supplied one.
func newSessionID() string {
	return uuid.NewString()
}

// NewWSSession starts the session's writer goroutine and returns it.
func NewWSSession(conn *websocket.Conn, queueDepth int, logger *zap.Logger) *WSSession {
	s := &WSSession{
		id:     newSessionID(),
		conn:   conn,
		logger: logger,
		out:    make(chan Event, queueDepth),
		closed: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *WSSession) ID() string { return s.id }

func (s *WSSession) Deliver(e Event) error {
	select {
	case s.out <- e:
		return nil
	default:
		// Shedding policy: drop the oldest queued event for this
		// subscriber and enqueue the new one, rather than block the
		// Hub's dispatch goroutine on a slow client (§5).
		select {
		case <-s.out:
			if s.metrics != nil {
				s.metrics.WSEventShed()
			}
		default:
		}
		select {
		case s.out <- e:
		default:
		}
		return nil
	}
}

func (s *WSSession) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case e := <-s.out:
			body, err := json.Marshal(e.Payload)
			if err != nil {
				s.logger.Error("failed to marshal event payload", zap.Error(err))
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				s.logger.Warn("session write failed, closing", zap.String("session_id", s.id), zap.Error(err))
				s.Close()
				return
			}
		}
	}
}

func (s *WSSession) Close() error {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
	return nil
}

// Hub is the in-process half of the event publisher: per-topic
// subscriber sets with a shared rate limiter guarding total fan-out
// throughput, plus optional cross-process fan-out via a go-micro broker.
type Hub struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subs        map[string]map[string]Session // topic -> sessionID -> session
	sessTopics  map[string]int                // sessionID -> number of topics subscribed, for the connection gauge

	limiter *rate.Limiter

	crossProcess broker.Broker // nil if single-instance deployment

	metrics Metrics
}

// Metrics is the hub's optional instrumentation sink.
type Metrics interface {
	SetWSConnections(n int)
	WSEventDelivered(kind string)
	WSEventShed()
}

// SetMetrics attaches an instrumentation sink.
func (h *Hub) SetMetrics(m Metrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics = m
}

// Config holds the Hub's tunables.
type Config struct {
	// EventQueueDepth is the configured per-session outbound queue depth
	// (§6 "eventQueueDepth"). NewHub does not read it; a WSSession's queue
	// is sized by the queueDepth passed to NewWSSession.
	EventQueueDepth int
	// PublishRateLimit bounds total publish throughput across all
	// topics, burstable to PublishBurst.
	PublishRateLimit rate.Limit
	PublishBurst     int
}

// NewHub creates a Hub with no cross-process broker attached.
func NewHub(cfg Config, logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		subs:       make(map[string]map[string]Session),
		sessTopics: make(map[string]int),
		limiter:    rate.NewLimiter(cfg.PublishRateLimit, cfg.PublishBurst),
	}
}

// AttachBroker wires a go-micro broker for cross-process fan-out —
// publishes additionally go out over the broker, and the Hub subscribes
// to receive events published by other processes to replay locally.
func (h *Hub) AttachBroker(b broker.Broker) error {
	h.crossProcess = b
	_, err := b.Subscribe("spotex.events", func(event broker.Event) error {
		var e wireEvent
		if err := json.Unmarshal(event.Message().Body, &e); err != nil {
			return err
		}
		h.dispatchLocal(Event{Topic: e.Topic, Kind: e.Kind, Payload: e.Payload})
		return nil
	})
	return err
}

type wireEvent struct {
	Topic   string          `json:"topic"`
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Subscribe registers sess to receive events published to topic.
func (h *Hub) Subscribe(topic string, sess Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[string]Session)
	}
	if _, already := h.subs[topic][sess.ID()]; !already {
		h.sessTopics[sess.ID()]++
	}
	h.subs[topic][sess.ID()] = sess
	h.reportConnectionsLocked()
}

// Unsubscribe removes sess from topic. Unsubscribing from every topic a
// session holds is the caller's responsibility on disconnect.
func (h *Hub) Unsubscribe(topic string, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.subs[topic]; ok {
		if _, present := m[sessionID]; present {
			delete(m, sessionID)
			h.sessTopics[sessionID]--
			if h.sessTopics[sessionID] <= 0 {
				delete(h.sessTopics, sessionID)
			}
		}
	}
	h.reportConnectionsLocked()
}

// reportConnectionsLocked must be called with h.mu held.
func (h *Hub) reportConnectionsLocked() {
	if h.metrics != nil {
		h.metrics.SetWSConnections(len(h.sessTopics))
	}
}

// Publish delivers e to every local subscriber of e.Topic and, if a
// cross-process broker is attached, republishes it for other instances.
// Per-topic ordering is preserved by dispatching synchronously from a
// single call site per publish (§4.9 delivery contract); cross-topic
// ordering is not guaranteed.
func (h *Hub) Publish(e Event) {
	if !h.limiter.Allow() {
		h.logger.Warn("publish rate limit exceeded, dropping event", zap.String("topic", e.Topic))
		return
	}
	h.dispatchLocal(e)

	if h.crossProcess != nil {
		body, err := json.Marshal(e.Payload)
		if err != nil {
			return
		}
		wire, err := json.Marshal(wireEvent{Topic: e.Topic, Kind: e.Kind, Payload: body})
		if err != nil {
			return
		}
		if err := h.crossProcess.Publish("spotex.events", &broker.Message{Body: wire}); err != nil {
			h.logger.Warn("cross-process publish failed", zap.Error(err))
		}
	}
}

func (h *Hub) dispatchLocal(e Event) {
	h.mu.RLock()
	subs := h.subs[e.Topic]
	targets := make([]Session, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.Deliver(e); err != nil {
			h.logger.Warn("session delivery failed", zap.Error(err))
			continue
		}
		if h.metrics != nil {
			h.metrics.WSEventDelivered(string(e.Kind))
		}
	}
}

// PriceUpdate is the payload published on price:<symbol>.
type PriceUpdate struct {
	Symbol     string          `json:"symbol"`
	LastPrice  decimal.Decimal `json:"lastPrice"`
	Change24h  decimal.Decimal `json:"change24h"`
	Volume24h  decimal.Decimal `json:"volume24h"`
	High24h    decimal.Decimal `json:"high24h"`
	Low24h     decimal.Decimal `json:"low24h"`
	Timestamp  time.Time       `json:"timestamp"`
}

// OrderBookDeltaPayload carries the changed levels only (§4.9).
type OrderBookDeltaPayload struct {
	Symbol string              `json:"symbol"`
	Levels []OrderBookLevelDTO `json:"levels"`
}

// OrderBookLevelDTO is one (side, price, newAggregateQty) entry.
type OrderBookLevelDTO struct {
	Side     domain.Side     `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// TradeDTO is the wire shape for TradeExecuted and UserTrade.
type TradeDTO struct {
	ID         int64           `json:"id"`
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	ExecutedAt time.Time       `json:"executedAt"`
	Side       domain.Side     `json:"side,omitempty"` // set only on UserTrade, the caller's side
}

// OrderDTO is the wire shape for UserOrderUpdate.
type OrderDTO struct {
	ID               int64               `json:"id"`
	Symbol           string              `json:"symbol"`
	Side             domain.Side         `json:"side"`
	Type             domain.OrderType    `json:"type"`
	Price            decimal.Decimal     `json:"price"`
	Quantity         decimal.Decimal     `json:"quantity"`
	FilledQuantity   decimal.Decimal     `json:"filledQuantity"`
	AverageFillPrice decimal.Decimal     `json:"averageFillPrice"`
	Status           domain.OrderStatus  `json:"status"`
}

// AssetDTO is the wire shape for UserAssetUpdate.
type AssetDTO struct {
	Symbol    string          `json:"symbol"`
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
}

// DepthSnapshotPayload is the wire shape for OrderBookSnapshot: a full
// top-N view of both sides, as opposed to OrderBookDeltaPayload's
// changed-levels-only shape.
type DepthSnapshotPayload struct {
	Symbol string          `json:"symbol"`
	Bids   []DepthLevelDTO `json:"bids"`
	Asks   []DepthLevelDTO `json:"asks"`
}

// DepthLevelDTO is one aggregated price level within a DepthSnapshotPayload.
type DepthLevelDTO struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}
