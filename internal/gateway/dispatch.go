package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/minutex/exchange-engine/internal/engine"
	"github.com/minutex/exchange-engine/internal/model"
	"github.com/minutex/exchange-engine/internal/slug"
	"github.com/minutex/exchange-engine/internal/store"
)

// dispatch routes one inbound frame. Malformed or unknown messages
// are answered with order_rejected-style errors and never mutate
// state. Panics are contained to the frame that caused them; books
// and markets stay live.
func (h *Hub) dispatch(ctx context.Context, c *client, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in message dispatch", "panic", r)
			c.sendJSON(errorMsg{Type: "order_rejected", Error: "internal error"}, true)
		}
	}()

	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "malformed message"}, true)
		return
	}

	switch msg.Type {
	case "auth":
		h.handleAuth(ctx, c, msg)
	case "place_order":
		h.handlePlaceOrder(ctx, c, msg)
	case "cancel_order":
		h.handleCancelOrder(ctx, c, msg)
	case "get_orderbook":
		h.handleGetOrderbook(c, msg)
	case "get_my_orders":
		h.handleGetMyOrders(ctx, c, msg)
	case "get_order":
		h.handleGetOrder(ctx, c, msg)
	case "add_liquidity":
		h.handleAddLiquidity(ctx, c, msg)
	case "get_market":
		h.handleGetMarket(ctx, c, msg)
	case "get_markets":
		h.handleGetMarkets(c)
	case "status":
		h.handleStatus(c)
	default:
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "unknown message type: " + msg.Type}, true)
	}
}

func (h *Hub) handleAuth(ctx context.Context, c *client, msg inbound) {
	if msg.Token == "" || msg.UserID == "" || msg.AuthDate == 0 {
		c.sendJSON(errorMsg{Type: "auth_error", Error: "token, userID, and authDate are required"}, true)
		return
	}
	if !h.verifier.VerifySession(msg.UserID, msg.AuthDate, msg.Token) {
		c.sendJSON(errorMsg{Type: "auth_error", Error: "invalid session token"}, true)
		return
	}
	u, err := h.store.GetUser(ctx, msg.UserID)
	if err != nil {
		c.sendJSON(errorMsg{Type: "auth_error", Error: "unknown user"}, true)
		return
	}

	h.bindUser(c, msg.UserID)
	c.sendJSON(authSuccessMsg{Type: "auth_success", User: userViewMsg{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		PhotoURL:  u.PhotoURL,
		Balance:   model.Dollars(u.Balance),
	}}, true)
	slog.Info("client authenticated", "user", msg.UserID)
}

// resolveRound maps an optional slug to a round start, defaulting to
// the current market.
func (h *Hub) resolveRound(s string) (int64, bool) {
	if s == "" {
		cur, ok := h.lifecycle.Current()
		if !ok {
			return 0, false
		}
		return cur.MinuteStart, true
	}
	start, err := slug.Parse(s)
	if err != nil {
		return 0, false
	}
	return start, true
}

func (h *Hub) handlePlaceOrder(ctx context.Context, c *client, msg inbound) {
	if c.userID == "" {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "authentication required"}, true)
		return
	}
	roundStart, ok := h.resolveRound(msg.Slug)
	if !ok {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "market not found"}, true)
		return
	}

	// order_accepted and per-fill trades are pushed by the engine
	// notifier to every connection of the user.
	_, _, err := h.engine.Place(ctx, engine.PlaceRequest{
		UserID:     c.userID,
		RoundStart: roundStart,
		Type:       model.OrderType(msg.OrderType),
		Side:       model.Side(msg.Side),
		Outcome:    model.OutcomeSide(msg.Outcome),
		Price:      msg.Price,
		StopPrice:  msg.StopPrice,
		Shares:     msg.Shares,
	})
	if err != nil {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: rejectionText(err)}, true)
	}
}

func (h *Hub) handleCancelOrder(ctx context.Context, c *client, msg inbound) {
	if c.userID == "" {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "authentication required"}, true)
		return
	}
	if msg.OrderID == "" {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "orderID is required"}, true)
		return
	}
	if _, err := h.engine.Cancel(ctx, c.userID, msg.OrderID); err != nil {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: rejectionText(err)}, true)
	}
}

func (h *Hub) handleGetOrderbook(c *client, msg inbound) {
	roundStart, ok := h.resolveRound(msg.Slug)
	if !ok {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "market not found"}, true)
		return
	}
	snap, err := h.engine.SnapshotBook(roundStart)
	if err != nil {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "market not found"}, true)
		return
	}
	c.sendJSON(orderbookMsg{Type: "orderbook", Slug: slug.Format(roundStart), Bids: snap.Bids, Asks: snap.Asks}, true)
}

func (h *Hub) handleGetMyOrders(ctx context.Context, c *client, msg inbound) {
	if c.userID == "" {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "authentication required"}, true)
		return
	}
	var statuses []model.OrderStatus
	switch msg.Status {
	case "", "all":
	case "open":
		statuses = []model.OrderStatus{model.StatusOpen, model.StatusPartiallyFilled, model.StatusStopped}
	case "filled":
		statuses = []model.OrderStatus{model.StatusFilled}
	case "cancelled":
		statuses = []model.OrderStatus{model.StatusCancelled}
	default:
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "unknown status filter: " + msg.Status}, true)
		return
	}

	var roundStart int64
	if msg.Slug != "" {
		start, ok := h.resolveRound(msg.Slug)
		if !ok {
			c.sendJSON(errorMsg{Type: "order_rejected", Error: "market not found"}, true)
			return
		}
		roundStart = start
	}

	orders, err := h.store.GetUserOrders(ctx, c.userID, roundStart, statuses)
	if err != nil {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "internal error"}, true)
		return
	}
	views := make([]orderViewMsg, len(orders))
	for i, o := range orders {
		views[i] = orderView(o)
	}
	c.sendJSON(myOrdersMsg{Type: "my_orders", Orders: views}, true)
}

func (h *Hub) handleGetOrder(ctx context.Context, c *client, msg inbound) {
	if c.userID == "" {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "authentication required"}, true)
		return
	}
	o, err := h.store.GetOrder(ctx, msg.OrderID)
	if err != nil || o.UserID != c.userID {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "order not found"}, true)
		return
	}
	trades, err := h.store.GetOrderTrades(ctx, msg.OrderID)
	if err != nil {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "internal error"}, true)
		return
	}
	c.sendJSON(orderDetailMsg{Type: "order_detail", Order: orderView(*o), Trades: tradeViews(trades)}, true)
}

func (h *Hub) handleAddLiquidity(ctx context.Context, c *client, msg inbound) {
	if c.userID == "" {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "authentication required"}, true)
		return
	}
	if msg.Slug == "" {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "slug is required"}, true)
		return
	}
	roundStart, ok := h.resolveRound(msg.Slug)
	if !ok {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "market not found"}, true)
		return
	}
	if _, err := h.engine.AddLiquidity(ctx, c.userID, roundStart, msg.Amount); err != nil {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: rejectionText(err)}, true)
	}
}

func (h *Hub) handleGetMarket(ctx context.Context, c *client, msg inbound) {
	if msg.Slug == "" {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "slug is required"}, true)
		return
	}
	m, err := h.lifecycle.MarketBySlug(ctx, msg.Slug)
	if err != nil {
		c.sendJSON(errorMsg{Type: "order_rejected", Error: "market not found"}, true)
		return
	}
	c.sendJSON(marketMsg{Type: "market", Market: marketView(*m)}, true)
}

func (h *Hub) handleGetMarkets(c *client) {
	markets := h.lifecycle.Markets()
	views := make([]marketViewMsg, len(markets))
	for i, m := range markets {
		views[i] = marketView(m)
	}
	c.sendJSON(marketListMsg{Type: "market_list", Markets: views}, true)
}

func (h *Hub) handleStatus(c *client) {
	msg := statusMsg{Type: "status"}
	if h.agg != nil {
		msg.Sources = h.agg.Status()
	}
	for _, a := range h.adapters {
		msg.Adapters = append(msg.Adapters, a.Status())
	}
	c.sendJSON(msg, true)
}

// rejectionText maps engine and store errors onto client-facing text.
// Internal errors stay opaque.
func rejectionText(err error) string {
	switch {
	case errors.Is(err, engine.ErrInternal):
		return "internal error"
	case errors.Is(err, store.ErrInsufficientBalance):
		return "insufficient balance"
	case errors.Is(err, store.ErrNotFound):
		return "order not found"
	default:
		return err.Error()
	}
}
