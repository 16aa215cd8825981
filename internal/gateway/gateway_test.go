package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/minutex/exchange-engine/internal/auth"
	"github.com/minutex/exchange-engine/internal/engine"
	"github.com/minutex/exchange-engine/internal/lifecycle"
	"github.com/minutex/exchange-engine/internal/model"
	"github.com/minutex/exchange-engine/internal/risk"
	"github.com/minutex/exchange-engine/internal/slug"
	"github.com/minutex/exchange-engine/internal/store"
)

const testSlug = "btc-20250815-1200"

func testRound(t *testing.T) int64 {
	t.Helper()
	start, err := slug.Parse(testSlug)
	if err != nil {
		t.Fatal(err)
	}
	return start
}

type env struct {
	hub      *Hub
	ms       *store.MemoryStore
	eng      *engine.Engine
	verifier *auth.Verifier
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()

	for _, id := range []string{"42", "43"} {
		if err := ms.UpsertUser(ctx, &model.User{ID: id, Username: "user" + id, Balance: 1000_00, CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatal(err)
		}
	}
	round := testRound(t)
	if err := ms.InsertMarket(ctx, &model.Market{MinuteStart: round, Slug: testSlug, Phase: model.PhaseActive, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	eng := engine.New(ms, risk.NewLimits(1000, 0), nil)
	eng.InitRound(round)
	eng.SetPhase(round, model.PhaseActive)

	verifier := auth.NewVerifier("123456:test-token", 24*time.Hour)
	lc := lifecycle.New(ms, eng, nil, nil, 5, 10*time.Minute)

	hub := New(eng, ms, verifier, lc, nil, nil, 5*time.Millisecond)
	eng.SetNotifier(hub)
	return &env{hub: hub, ms: ms, eng: eng, verifier: verifier}
}

// testClient builds a client that is registered with the hub but has
// no real socket; messages pile up in its queue.
func (e *env) testClient(t *testing.T) *client {
	t.Helper()
	c := &client{hub: e.hub, wake: make(chan struct{}, 1)}
	e.hub.mu.Lock()
	e.hub.clients[c] = struct{}{}
	e.hub.mu.Unlock()
	return c
}

func (e *env) authed(t *testing.T, c *client, userID string) {
	t.Helper()
	e.hub.bindUser(c, userID)
}

// pop removes and decodes the oldest queued message, polling briefly
// for async broadcasts.
func pop(t *testing.T, c *client) (map[string]any, bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			q := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			var m map[string]any
			if err := json.Unmarshal(q.data, &m); err != nil {
				t.Fatalf("bad outbound json: %v", err)
			}
			return m, true
		}
		c.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func next(t *testing.T, c *client) map[string]any {
	t.Helper()
	m, ok := pop(t, c)
	if !ok {
		t.Fatal("no outbound message")
	}
	return m
}

func nextOfType(t *testing.T, c *client, want string) map[string]any {
	t.Helper()
	for {
		m, ok := pop(t, c)
		if !ok {
			t.Fatalf("no %q message", want)
		}
		if m["type"] == want {
			return m
		}
	}
}

func send(e *env, c *client, v any) {
	data, _ := json.Marshal(v)
	e.hub.dispatch(context.Background(), c, data)
}

func TestUnknownMessageTypeRejected(t *testing.T) {
	e := newTestEnv(t)
	c := e.testClient(t)

	send(e, c, map[string]any{"type": "frobnicate"})
	m := next(t, c)
	if m["type"] != "order_rejected" {
		t.Errorf("unexpected reply: %+v", m)
	}
}

func TestAuthFlow(t *testing.T) {
	e := newTestEnv(t)
	c := e.testClient(t)
	authDate := time.Now().Unix()
	token := e.verifier.SessionToken("42", authDate)

	send(e, c, map[string]any{"type": "auth", "token": token, "userID": "42", "authDate": authDate})
	m := next(t, c)
	if m["type"] != "auth_success" {
		t.Fatalf("expected auth_success, got %+v", m)
	}
	user := m["user"].(map[string]any)
	if user["balance"] != "1000.00" {
		t.Errorf("balance should be a two-digit dollar string: %v", user["balance"])
	}

	// Wrong token fails.
	c2 := e.testClient(t)
	send(e, c2, map[string]any{"type": "auth", "token": "bogus", "userID": "42", "authDate": authDate})
	if m := next(t, c2); m["type"] != "auth_error" {
		t.Errorf("expected auth_error, got %+v", m)
	}
}

func TestPlaceOrderRequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	c := e.testClient(t)

	send(e, c, map[string]any{"type": "place_order", "orderType": "limit", "side": "buy", "outcome": "yes", "price": 50, "shares": 5, "slug": testSlug})
	m := next(t, c)
	if m["type"] != "order_rejected" || m["error"] != "authentication required" {
		t.Errorf("unexpected reply: %+v", m)
	}
}

func TestPlaceAndRejectOrder(t *testing.T) {
	e := newTestEnv(t)
	c := e.testClient(t)
	e.authed(t, c, "42")

	send(e, c, map[string]any{"type": "place_order", "orderType": "limit", "side": "buy", "outcome": "yes", "price": 50, "shares": 5, "slug": testSlug})
	m := nextOfType(t, c, "order_accepted")
	order := m["order"].(map[string]any)
	if order["status"] != "open" || order["remaining"] != float64(5) {
		t.Errorf("order = %+v", order)
	}

	// Bad price is rejected through the same channel.
	send(e, c, map[string]any{"type": "place_order", "orderType": "limit", "side": "buy", "outcome": "yes", "price": 120, "shares": 5, "slug": testSlug})
	if m := nextOfType(t, c, "order_rejected"); m["error"] == "" {
		t.Errorf("rejection should carry an error: %+v", m)
	}
}

func TestTradeNotifiesBothParties(t *testing.T) {
	e := newTestEnv(t)
	maker := e.testClient(t)
	taker := e.testClient(t)
	e.authed(t, maker, "42")
	e.authed(t, taker, "43")

	send(e, maker, map[string]any{"type": "place_order", "orderType": "limit", "side": "buy", "outcome": "yes", "price": 50, "shares": 10, "slug": testSlug})
	nextOfType(t, maker, "order_accepted")

	send(e, taker, map[string]any{"type": "place_order", "orderType": "limit", "side": "sell", "outcome": "yes", "price": 40, "shares": 6, "slug": testSlug})

	acc := nextOfType(t, taker, "order_accepted")
	trades := acc["trades"].([]any)
	if len(trades) != 1 {
		t.Fatalf("taker should see one fill: %+v", acc)
	}
	tr := trades[0].(map[string]any)
	if tr["price"] != float64(50) {
		t.Errorf("exec at maker price: %+v", tr)
	}

	if m := nextOfType(t, maker, "order_update"); m["order"] == nil {
		t.Errorf("maker should see its order update: %+v", m)
	}
	if m := nextOfType(t, maker, "trade"); m["trade"] == nil {
		t.Errorf("maker should see the trade: %+v", m)
	}
}

func TestGetOrderbookAndDebounce(t *testing.T) {
	e := newTestEnv(t)
	c := e.testClient(t)
	e.authed(t, c, "42")

	send(e, c, map[string]any{"type": "place_order", "orderType": "limit", "side": "buy", "outcome": "yes", "price": 50, "shares": 5, "slug": testSlug})
	nextOfType(t, c, "order_accepted")

	send(e, c, map[string]any{"type": "get_orderbook", "slug": testSlug})
	m := nextOfType(t, c, "orderbook")
	bids := m["bids"].([]any)
	if len(bids) != 1 {
		t.Fatalf("expected one bid level: %+v", m)
	}
	level := bids[0].(map[string]any)
	if level["price"] != float64(50) || level["shares"] != float64(5) {
		t.Errorf("level = %+v", level)
	}

	// The placement also scheduled a debounced broadcast.
	if m := nextOfType(t, c, "orderbook"); m["slug"] != testSlug {
		t.Errorf("debounced broadcast = %+v", m)
	}
}

func TestGetMyOrdersFilters(t *testing.T) {
	e := newTestEnv(t)
	c := e.testClient(t)
	e.authed(t, c, "42")

	send(e, c, map[string]any{"type": "place_order", "orderType": "limit", "side": "buy", "outcome": "yes", "price": 50, "shares": 5, "slug": testSlug})
	nextOfType(t, c, "order_accepted")

	send(e, c, map[string]any{"type": "get_my_orders", "status": "open", "slug": testSlug})
	m := nextOfType(t, c, "my_orders")
	if orders := m["orders"].([]any); len(orders) != 1 {
		t.Errorf("expected one open order: %+v", m)
	}

	send(e, c, map[string]any{"type": "get_my_orders", "status": "filled", "slug": testSlug})
	m = nextOfType(t, c, "my_orders")
	if orders := m["orders"].([]any); len(orders) != 0 {
		t.Errorf("no filled orders yet: %+v", m)
	}

	send(e, c, map[string]any{"type": "get_my_orders", "status": "bogus"})
	if m := nextOfType(t, c, "order_rejected"); m["error"] == nil {
		t.Errorf("bad filter should reject: %+v", m)
	}
}

func TestCancelOrderOverGateway(t *testing.T) {
	e := newTestEnv(t)
	c := e.testClient(t)
	e.authed(t, c, "42")

	send(e, c, map[string]any{"type": "place_order", "orderType": "limit", "side": "buy", "outcome": "yes", "price": 50, "shares": 5, "slug": testSlug})
	acc := nextOfType(t, c, "order_accepted")
	orderID := acc["order"].(map[string]any)["id"].(string)

	send(e, c, map[string]any{"type": "cancel_order", "orderID": orderID})
	m := nextOfType(t, c, "order_cancelled")
	if m["orderID"] != orderID {
		t.Errorf("cancel ack = %+v", m)
	}
	if m["refund"] != "2.50" {
		t.Errorf("refund should be 5 shares x 50c = 2.50: %v", m["refund"])
	}
}

func TestPriceBroadcastIsDroppable(t *testing.T) {
	e := newTestEnv(t)
	c := e.testClient(t)

	// Saturate the queue with price ticks around one critical message.
	crit, _ := json.Marshal(map[string]string{"type": "settlement"})
	c.enqueue(crit, true)
	for i := 0; i < sendQueueSize*2; i++ {
		data, _ := json.Marshal(map[string]any{"type": "price", "price": i})
		c.enqueue(data, false)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > sendQueueSize {
		t.Fatalf("queue must stay bounded, got %d", len(c.queue))
	}
	found := false
	for _, q := range c.queue {
		var m map[string]any
		json.Unmarshal(q.data, &m)
		if m["type"] == "settlement" {
			found = true
		}
	}
	if !found {
		t.Error("critical message was shed under pressure")
	}
}

func TestStatusMessage(t *testing.T) {
	e := newTestEnv(t)
	c := e.testClient(t)

	send(e, c, map[string]any{"type": "status"})
	m := next(t, c)
	if m["type"] != "status" {
		t.Errorf("unexpected reply: %+v", m)
	}
}

func TestAuthDateRoundTripThroughJSON(t *testing.T) {
	// authDate arrives as a JSON number; make sure the inbound decode
	// and the token mint agree.
	e := newTestEnv(t)
	c := e.testClient(t)
	authDate := time.Now().Unix()
	token := e.verifier.SessionToken("42", authDate)

	raw := []byte(`{"type":"auth","token":"` + token + `","userID":"42","authDate":` + strconv.FormatInt(authDate, 10) + `}`)
	e.hub.dispatch(context.Background(), c, raw)
	if m := next(t, c); m["type"] != "auth_success" {
		t.Errorf("expected auth_success, got %+v", m)
	}
}
