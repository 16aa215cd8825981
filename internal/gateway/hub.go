// Package gateway accepts client WebSocket connections, dispatches
// their messages to the engine and stores, and fans engine and
// lifecycle events back out. Each client has a bounded outbound queue;
// under pressure the oldest non-critical message (a price tick) is
// shed first, so trade, settlement, and order messages survive slow
// consumers.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/minutex/exchange-engine/internal/auth"
	"github.com/minutex/exchange-engine/internal/engine"
	"github.com/minutex/exchange-engine/internal/feed"
	"github.com/minutex/exchange-engine/internal/lifecycle"
	"github.com/minutex/exchange-engine/internal/metrics"
	"github.com/minutex/exchange-engine/internal/model"
	"github.com/minutex/exchange-engine/internal/store"
)

const (
	sendQueueSize  = 256
	writeDeadline  = 10 * time.Second
	readDeadline   = 120 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4 * 1024
)

// Hub owns the client set and the userID → connections reverse map.
type Hub struct {
	engine    *engine.Engine
	store     store.Store
	verifier  *auth.Verifier
	lifecycle *lifecycle.Controller
	agg       *feed.Aggregator
	adapters  []feed.Adapter

	debounce time.Duration

	mu        sync.RWMutex
	clients   map[*client]struct{}
	userConns map[string]map[*client]struct{}
	pending   map[int64]*time.Timer // round → debounced book broadcast
}

// New creates a hub. The engine's notifier and the lifecycle's events
// sink should both be pointed at the returned hub.
func New(eng *engine.Engine, st store.Store, verifier *auth.Verifier, lc *lifecycle.Controller, agg *feed.Aggregator, adapters []feed.Adapter, debounce time.Duration) *Hub {
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}
	return &Hub{
		engine:    eng,
		store:     st,
		verifier:  verifier,
		lifecycle: lc,
		agg:       agg,
		adapters:  adapters,
		debounce:  debounce,
		clients:   make(map[*client]struct{}),
		userConns: make(map[string]map[*client]struct{}),
		pending:   make(map[int64]*time.Timer),
	}
}

// client is one WebSocket connection with its outbound queue.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string // empty until authenticated

	mu     sync.Mutex
	queue  []queued
	wake   chan struct{}
	closed bool
}

type queued struct {
	data     []byte
	critical bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades a connection and starts its pumps.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		wake: make(chan struct{}, 1),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
	slog.Info("client connected", "total", total)

	go c.writePump()
	// The request context dies when the handler returns; the hijacked
	// connection outlives it.
	go c.readPump(context.Background())
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	if c.userID != "" {
		if set, ok := h.userConns[c.userID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.userConns, c.userID)
			}
		}
	}
	total := len(h.clients)
	h.mu.Unlock()

	c.close()
	metrics.WebSocketClients.Set(float64(total))
}

func (h *Hub) bindUser(c *client, userID string) {
	h.mu.Lock()
	c.userID = userID
	set, ok := h.userConns[userID]
	if !ok {
		set = make(map[*client]struct{})
		h.userConns[userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		if c.conn != nil {
			c.conn.Close()
		}
		// Wake the write pump so it observes the closed flag.
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// enqueue appends a message to the client's bounded queue. Under
// pressure the oldest non-critical (price) message is shed first;
// trade, settlement, and order messages are only lost if the queue is
// entirely critical, which means the client is beyond saving anyway.
func (c *client) enqueue(data []byte, critical bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= sendQueueSize {
		shed := -1
		for i, q := range c.queue {
			if !q.critical {
				shed = i
				break
			}
		}
		if shed >= 0 {
			c.queue = append(c.queue[:shed], c.queue[shed+1:]...)
		} else if !critical {
			c.mu.Unlock()
			return // all queued messages outrank this one
		} else {
			c.queue = c.queue[1:]
		}
	}
	c.queue = append(c.queue, queued{data: data, critical: critical})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// takeQueue swaps out the pending messages.
func (c *client) takeQueue() ([]queued, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	out := c.queue
	c.queue = nil
	return out, true
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.wake:
			msgs, ok := c.takeQueue()
			if !ok {
				return
			}
			for _, msg := range msgs {
				c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					c.hub.drop(c)
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.drop(c)
				return
			}
		}
	}
}

func (c *client) readPump(ctx context.Context) {
	defer c.hub.drop(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		c.hub.dispatch(ctx, c, raw)
	}
}

// --- Send helpers ---

func encode(v any) ([]byte, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("outbound marshal failed", "err", err)
		return nil, false
	}
	return data, true
}

func (c *client) sendJSON(v any, critical bool) {
	if data, ok := encode(v); ok {
		c.enqueue(data, critical)
	}
}

// broadcastAll fans a message out to every connected client.
func (h *Hub) broadcastAll(v any, critical bool) {
	data, ok := encode(v)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(data, critical)
	}
}

// sendToUser fans a message out to every connection of one user.
func (h *Hub) sendToUser(userID string, v any, critical bool) {
	data, ok := encode(v)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.userConns[userID] {
		c.enqueue(data, critical)
	}
}

// --- feed.Broadcaster ---

// BroadcastPrice pushes a reference-price tick to every client.
// Price ticks are the one message class allowed to drop under
// pressure.
func (h *Hub) BroadcastPrice(p model.AggregatedPrice) {
	h.broadcastAll(priceMsg{Type: "price", Price: p.Price, Sources: p.Sources, Timestamp: p.Timestamp}, false)
}

// --- lifecycle.Events ---

// MarketPhaseChanged announces provision→active→closed transitions.
func (h *Hub) MarketPhaseChanged(m model.Market) {
	h.broadcastAll(marketPhaseMsg{Type: "market_phase_change", Market: marketView(m)}, true)
	if m.Phase == model.PhaseActive && m.PriceToBeat != nil {
		h.broadcastAll(priceToBeatMsg{Type: "price_to_beat", Slug: m.Slug, PriceToBeat: *m.PriceToBeat}, true)
	}
}

// MarketListChanged pushes the refreshed market list.
func (h *Hub) MarketListChanged(markets []model.Market) {
	views := make([]marketViewMsg, len(markets))
	for i, m := range markets {
		views[i] = marketView(m)
	}
	h.broadcastAll(marketListMsg{Type: "market_list", Markets: views}, true)
}

// RoundOpened broadcasts the empty book of a freshly opened round.
func (h *Hub) RoundOpened(roundStart int64) {
	h.broadcastBook(roundStart)
}

// --- engine.Notifier ---

// OrderAccepted confirms a placement to its owner.
func (h *Hub) OrderAccepted(userID string, order model.Order, trades []model.Trade) {
	h.sendToUser(userID, orderAcceptedMsg{Type: "order_accepted", Order: orderView(order), Trades: tradeViews(trades)}, true)
	for _, t := range trades {
		h.sendToUser(userID, tradeMsg{Type: "trade", Trade: tradeView(t)}, true)
	}
	h.scheduleBookBroadcast(order.RoundStart)
}

// OrderUpdated tells a counterparty its resting order was filled.
func (h *Hub) OrderUpdated(userID string, order model.Order, trade model.Trade) {
	h.sendToUser(userID, orderUpdateMsg{Type: "order_update", Order: orderView(order)}, true)
	h.sendToUser(userID, tradeMsg{Type: "trade", Trade: tradeView(trade)}, true)
}

// OrderCancelled reports a cancel with its refund, and the trigger
// failure reason when there is one.
func (h *Hub) OrderCancelled(userID, orderID string, refundCents int64, reason string) {
	msg := orderCancelledMsg{Type: "order_cancelled", OrderID: orderID, Refund: model.Dollars(refundCents)}
	if reason != "" {
		msg.Reason = &reason
	}
	h.sendToUser(userID, msg, true)
}

// BalanceChanged pushes the user's fresh balance.
func (h *Hub) BalanceChanged(userID string) {
	u, err := h.store.GetUser(context.Background(), userID)
	if err != nil {
		slog.Warn("balance push failed", "user", userID, "err", err)
		return
	}
	h.sendToUser(userID, balanceMsg{Type: "balance_update", Balance: model.Dollars(u.Balance)}, true)
}

// LiquidityAdded confirms a provision to its owner.
func (h *Hub) LiquidityAdded(userID string, lp model.LiquidityProvision) {
	h.sendToUser(userID, liquidityMsg{
		Type:       "liquidity_added",
		Slug:       h.slugFor(lp.RoundStart),
		Amount:     lp.Amount,
		YesShares:  lp.Amount,
		NoShares:   lp.Amount,
	}, true)
}

// RoundSettled announces the outcome and each user's payout.
func (h *Hub) RoundSettled(roundStart int64, outcome model.Outcome, payouts map[string]int64) {
	s := h.slugFor(roundStart)
	h.broadcastAll(settlementMsg{Type: "settlement", Slug: s, Outcome: outcome}, true)
	for userID, cents := range payouts {
		h.sendToUser(userID, settlementPayoutMsg{Type: "settlement", Slug: s, Outcome: outcome, Payout: model.Dollars(cents)}, true)
	}
}

// BookChanged schedules a debounced order-book broadcast.
func (h *Hub) BookChanged(roundStart int64) {
	h.scheduleBookBroadcast(roundStart)
}

// scheduleBookBroadcast coalesces book broadcasts so a burst of fills
// produces at most one message per debounce window.
func (h *Hub) scheduleBookBroadcast(roundStart int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pending[roundStart]; ok {
		return
	}
	h.pending[roundStart] = time.AfterFunc(h.debounce, func() {
		h.mu.Lock()
		delete(h.pending, roundStart)
		h.mu.Unlock()
		h.broadcastBook(roundStart)
	})
}

func (h *Hub) broadcastBook(roundStart int64) {
	snap, err := h.engine.SnapshotBook(roundStart)
	if err != nil {
		return // round already settled and dropped
	}
	h.broadcastAll(orderbookMsg{
		Type: "orderbook",
		Slug: h.slugFor(roundStart),
		Bids: snap.Bids,
		Asks: snap.Asks,
	}, true)
}
