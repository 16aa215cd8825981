package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/minutex/exchange-engine/internal/model"
	"github.com/minutex/exchange-engine/internal/risk"
	"github.com/minutex/exchange-engine/internal/store"
)

const round = int64(1_755_264_000_000) // arbitrary minute start

type captureNotifier struct {
	cancelled []struct {
		OrderID string
		Refund  int64
		Reason  string
	}
	settled map[string]int64
}

func (n *captureNotifier) OrderAccepted(string, model.Order, []model.Trade) {}
func (n *captureNotifier) OrderUpdated(string, model.Order, model.Trade)   {}
func (n *captureNotifier) OrderCancelled(_, orderID string, refund int64, reason string) {
	n.cancelled = append(n.cancelled, struct {
		OrderID string
		Refund  int64
		Reason  string
	}{orderID, refund, reason})
}
func (n *captureNotifier) BalanceChanged(string)                           {}
func (n *captureNotifier) LiquidityAdded(string, model.LiquidityProvision) {}
func (n *captureNotifier) RoundSettled(_ int64, _ model.Outcome, payouts map[string]int64) {
	n.settled = payouts
}
func (n *captureNotifier) BookChanged(int64) {}

func newTestEngine(t *testing.T, balances map[string]int64) (*Engine, *store.MemoryStore, *captureNotifier) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	for id, cents := range balances {
		u := &model.User{ID: id, Username: id, Balance: cents, CreatedAt: time.Now().UTC()}
		if err := ms.UpsertUser(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", id, err)
		}
	}
	if err := ms.InsertMarket(ctx, &model.Market{
		MinuteStart: round,
		Slug:        "btc-20250815-1200",
		Phase:       model.PhaseActive,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed market: %v", err)
	}

	n := &captureNotifier{}
	e := New(ms, risk.NewLimits(1000, 0), n)
	e.InitRound(round)
	if err := e.SetPhase(round, model.PhaseActive); err != nil {
		t.Fatal(err)
	}
	return e, ms, n
}

func balance(t *testing.T, ms *store.MemoryStore, userID string) int64 {
	t.Helper()
	u, err := ms.GetUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("get user %s: %v", userID, err)
	}
	return u.Balance
}

func position(t *testing.T, ms *store.MemoryStore, userID string) *model.Position {
	t.Helper()
	p, err := ms.GetPosition(context.Background(), userID, round)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func place(t *testing.T, e *Engine, req PlaceRequest) (*model.Order, []model.Trade) {
	t.Helper()
	req.RoundStart = round
	o, trades, err := e.Place(context.Background(), req)
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	return o, trades
}

// Limit crosses and the taker collects a price-improvement refund.
func TestLimitCrossWithPriceImprovement(t *testing.T) {
	e, ms, _ := newTestEngine(t, map[string]int64{"u1": 100_00, "u2": 100_00})

	// U1 buys YES 50¢ x 10: costs $5, rests at bid 50.
	o1, trades := place(t, e, PlaceRequest{
		UserID: "u1", Type: model.OrderLimit, Side: model.SideBuy,
		Outcome: model.OutcomeYes, Price: 50, Shares: 10,
	})
	if len(trades) != 0 {
		t.Fatalf("expected no trades yet, got %d", len(trades))
	}
	if got := balance(t, ms, "u1"); got != 95_00 {
		t.Errorf("u1 balance = %d, want 9500", got)
	}

	// U2 sells YES 40¢ x 6: crosses at the maker's 50.
	_, trades = place(t, e, PlaceRequest{
		UserID: "u2", Type: model.OrderLimit, Side: model.SideSell,
		Outcome: model.OutcomeYes, Price: 40, Shares: 6,
	})
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.Price != 50 {
		t.Errorf("exec price = %d, want maker price 50", tr.Price)
	}
	if tr.Shares != 6 {
		t.Errorf("shares = %d, want 6", tr.Shares)
	}
	if tr.YesUserID != "u1" || tr.NoUserID != "u2" {
		t.Errorf("counterparties: yes=%s no=%s", tr.YesUserID, tr.NoUserID)
	}

	// U2 reserved (100-40)*6 = $3.60, actually paid (100-50)*6 = $3.00.
	if got := balance(t, ms, "u2"); got != 100_00-360+60 {
		t.Errorf("u2 balance = %d, want %d", got, 100_00-300)
	}

	if p := position(t, ms, "u1"); p.YesShares != 6 || p.NoShares != 0 {
		t.Errorf("u1 position = %+v", p)
	}
	if p := position(t, ms, "u2"); p.NoShares != 6 || p.YesShares != 0 {
		t.Errorf("u2 position = %+v", p)
	}

	// Remaining book: u1 bid 50 x 4.
	snap, err := e.SnapshotBook(round)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Bids) != 1 || snap.Bids[0].Price != 50 || snap.Bids[0].Shares != 4 {
		t.Errorf("remaining bids = %+v", snap.Bids)
	}
	if len(snap.Asks) != 0 {
		t.Errorf("asks should be empty, got %+v", snap.Asks)
	}

	// u1's order row reflects the partial fill.
	row, err := ms.GetOrder(context.Background(), o1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Filled != 6 || row.Remaining != 4 || row.Status != model.StatusPartiallyFilled {
		t.Errorf("maker row = %+v", row)
	}
}

// FOK with insufficient book depth fails before any mutation.
func TestFOKInsufficientLiquidity(t *testing.T) {
	e, ms, _ := newTestEngine(t, map[string]int64{"u1": 1000_00, "u2": 1000_00, "u3": 1000_00})

	// Asks: 10 @ 60 and 5 @ 61.
	place(t, e, PlaceRequest{UserID: "u2", Type: model.OrderLimit, Side: model.SideSell, Outcome: model.OutcomeYes, Price: 60, Shares: 10})
	place(t, e, PlaceRequest{UserID: "u3", Type: model.OrderLimit, Side: model.SideSell, Outcome: model.OutcomeYes, Price: 61, Shares: 5})

	before := balance(t, ms, "u1")
	_, _, err := e.Place(context.Background(), PlaceRequest{
		UserID: "u1", RoundStart: round, Type: model.OrderMarketFOK,
		Side: model.SideBuy, Outcome: model.OutcomeYes, Shares: 20,
	})
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if !strings.Contains(err.Error(), "15 shares available, need 20") {
		t.Errorf("error should name the shortfall: %v", err)
	}
	if got := balance(t, ms, "u1"); got != before {
		t.Errorf("no balance change on FOK reject: %d != %d", got, before)
	}
	if orders, _ := ms.GetUserOrders(context.Background(), "u1", round, nil); len(orders) != 0 {
		t.Errorf("no order row on FOK reject, got %d", len(orders))
	}
}

// FOK with enough depth fills completely.
func TestFOKFullFill(t *testing.T) {
	e, ms, _ := newTestEngine(t, map[string]int64{"u1": 1000_00, "u2": 1000_00})

	place(t, e, PlaceRequest{UserID: "u2", Type: model.OrderLimit, Side: model.SideSell, Outcome: model.OutcomeYes, Price: 60, Shares: 10})

	o, trades := place(t, e, PlaceRequest{
		UserID: "u1", Type: model.OrderMarketFOK, Side: model.SideBuy,
		Outcome: model.OutcomeYes, Shares: 10,
	})
	if o.Status != model.StatusFilled || o.Remaining != 0 {
		t.Errorf("FOK order = %+v", o)
	}
	if len(trades) != 1 || trades[0].Price != 60 {
		t.Errorf("trades = %+v", trades)
	}
	// Reserved 99/share, paid 60/share: refund 39*10.
	if got := balance(t, ms, "u1"); got != 1000_00-600 {
		t.Errorf("u1 balance = %d, want %d", got, 1000_00-600)
	}
}

// Self-trade prevention skips own resting orders without removing them.
func TestSelfTradePrevention(t *testing.T) {
	e, ms, _ := newTestEngine(t, map[string]int64{"u1": 1000_00})

	place(t, e, PlaceRequest{UserID: "u1", Type: model.OrderLimit, Side: model.SideSell, Outcome: model.OutcomeYes, Price: 40, Shares: 5})
	afterRest := balance(t, ms, "u1")

	o, trades := place(t, e, PlaceRequest{
		UserID: "u1", Type: model.OrderMarketFAK, Side: model.SideBuy,
		Outcome: model.OutcomeYes, Shares: 5,
	})
	if len(trades) != 0 {
		t.Fatalf("self-trade must not match, got %d trades", len(trades))
	}
	if o.Status != model.StatusCancelled || o.Filled != 0 {
		t.Errorf("FAK residual should cancel, got %+v", o)
	}
	// Full refund of the FAK reservation.
	if got := balance(t, ms, "u1"); got != afterRest {
		t.Errorf("balance = %d, want %d", got, afterRest)
	}
	// The resting ask is untouched.
	snap, _ := e.SnapshotBook(round)
	if len(snap.Asks) != 1 || snap.Asks[0].Shares != 5 {
		t.Errorf("resting ask should survive, got %+v", snap.Asks)
	}
	if tr, _ := ms.GetOrderTrades(context.Background(), o.ID); len(tr) != 0 {
		t.Error("no trades should be recorded")
	}
}

// FAK sweeps multiple levels and cancels the residual.
func TestFAKPartialFill(t *testing.T) {
	e, ms, _ := newTestEngine(t, map[string]int64{"u1": 1000_00, "u2": 1000_00, "u3": 1000_00})

	place(t, e, PlaceRequest{UserID: "u2", Type: model.OrderLimit, Side: model.SideSell, Outcome: model.OutcomeYes, Price: 55, Shares: 4})
	place(t, e, PlaceRequest{UserID: "u3", Type: model.OrderLimit, Side: model.SideSell, Outcome: model.OutcomeYes, Price: 60, Shares: 3})

	o, trades := place(t, e, PlaceRequest{
		UserID: "u1", Type: model.OrderMarketFAK, Side: model.SideBuy,
		Outcome: model.OutcomeYes, Shares: 10,
	})
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].Price != 55 || trades[1].Price != 60 {
		t.Errorf("fills must walk the book in price order: %+v", trades)
	}
	if o.Filled != 7 || o.Remaining != 3 || o.Status != model.StatusPartiallyFilled {
		t.Errorf("FAK order = %+v", o)
	}
	// Paid 4*55 + 3*60 = 400; reserved 10*99 = 990; refunds: improvement
	// (99-55)*4 + (99-60)*3 = 293 plus residual 3*99 = 297.
	if got := balance(t, ms, "u1"); got != 1000_00-400 {
		t.Errorf("u1 balance = %d, want %d", got, 1000_00-400)
	}
	if p := position(t, ms, "u1"); p.YesShares != 7 {
		t.Errorf("u1 yes shares = %d, want 7", p.YesShares)
	}
}

// NO-leg orders translate onto the YES book and match its bids/asks.
func TestNoLegNormalisation(t *testing.T) {
	e, ms, _ := newTestEngine(t, map[string]int64{"u1": 1000_00, "u2": 1000_00})

	// U1 buys NO at 45: ask at 55 on the YES scale, reserving 45/share.
	place(t, e, PlaceRequest{UserID: "u1", Type: model.OrderLimit, Side: model.SideBuy, Outcome: model.OutcomeNo, Price: 45, Shares: 10})
	if got := balance(t, ms, "u1"); got != 1000_00-450 {
		t.Errorf("u1 balance = %d", got)
	}
	snap, _ := e.SnapshotBook(round)
	if len(snap.Asks) != 1 || snap.Asks[0].Price != 55 {
		t.Fatalf("buy NO 45 should rest as ask 55, got %+v", snap.Asks)
	}

	// U2 buys YES at 55: matches, U2 is the YES side.
	_, trades := place(t, e, PlaceRequest{UserID: "u2", Type: model.OrderLimit, Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 55, Shares: 10})
	if len(trades) != 1 || trades[0].Price != 55 {
		t.Fatalf("trades = %+v", trades)
	}
	if trades[0].YesUserID != "u2" || trades[0].NoUserID != "u1" {
		t.Errorf("counterparties: %+v", trades[0])
	}
	if p := position(t, ms, "u1"); p.NoShares != 10 {
		t.Errorf("u1 no shares = %d", p.NoShares)
	}
}

// Stop-limit: parks without reservation, triggers on best bid, then
// trades as a limit.
func TestStopLimitTriggers(t *testing.T) {
	e, ms, _ := newTestEngine(t, map[string]int64{"u1": 1000_00, "u2": 1000_00})

	// U1 parks: sell YES, stop 30, limit 25, 10 shares.
	o, _ := place(t, e, PlaceRequest{
		UserID: "u1", Type: model.OrderStopLimit, Side: model.SideSell,
		Outcome: model.OutcomeYes, Price: 25, StopPrice: 30, Shares: 10,
	})
	if o.Status != model.StatusStopped {
		t.Fatalf("stop should park as stopped, got %s", o.Status)
	}
	if got := balance(t, ms, "u1"); got != 1000_00 {
		t.Errorf("no balance reserved for parked stop, got %d", got)
	}

	// U2 lifts the best bid to 30: the ask stop triggers.
	_, trades := place(t, e, PlaceRequest{
		UserID: "u2", Type: model.OrderLimit, Side: model.SideBuy,
		Outcome: model.OutcomeYes, Price: 30, Shares: 10,
	})
	if len(trades) != 0 {
		t.Fatal("the lifting bid itself should rest")
	}

	// Trigger deducted (100-25)*10 = $7.50, then matched the bid at 30.
	row, err := ms.GetOrder(context.Background(), o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != model.StatusFilled || row.Filled != 10 {
		t.Fatalf("triggered stop should fill against the bid: %+v", row)
	}
	tr, _ := ms.GetOrderTrades(context.Background(), o.ID)
	if len(tr) != 1 || tr[0].Price != 30 {
		t.Fatalf("stop fills at the maker bid 30: %+v", tr)
	}
	// Reserved 75/share, actual (100-30)=70/share: refund 5*10 = 50.
	if got := balance(t, ms, "u1"); got != 1000_00-750+50 {
		t.Errorf("u1 balance = %d, want %d", got, 1000_00-700)
	}
	if p := position(t, ms, "u1"); p.NoShares != 10 {
		t.Errorf("u1 takes the NO side: %+v", p)
	}
}

// Stop whose balance vanished before trigger is cancelled with reason.
func TestStopLimitInsufficientBalanceAtTrigger(t *testing.T) {
	e, ms, n := newTestEngine(t, map[string]int64{"u1": 500, "u2": 1000_00})

	// Stop needs (100-25)*10 = 750 at trigger; u1 only has 500.
	o, _ := place(t, e, PlaceRequest{
		UserID: "u1", Type: model.OrderStopLimit, Side: model.SideSell,
		Outcome: model.OutcomeYes, Price: 25, StopPrice: 30, Shares: 10,
	})

	place(t, e, PlaceRequest{
		UserID: "u2", Type: model.OrderLimit, Side: model.SideBuy,
		Outcome: model.OutcomeYes, Price: 30, Shares: 10,
	})

	row, _ := ms.GetOrder(context.Background(), o.ID)
	if row.Status != model.StatusCancelled {
		t.Fatalf("stop should cancel on failed reservation, got %s", row.Status)
	}
	if got := balance(t, ms, "u1"); got != 500 {
		t.Errorf("u1 balance must be untouched, got %d", got)
	}
	var found bool
	for _, c := range n.cancelled {
		if c.OrderID == o.ID && c.Reason == "Insufficient balance at trigger" && c.Refund == 0 {
			found = true
		}
	}
	if !found {
		t.Errorf("owner must be told why the stop died: %+v", n.cancelled)
	}
}

// Cancel refunds remaining*costPerShare and is idempotent-rejecting.
func TestCancelRefunds(t *testing.T) {
	e, ms, _ := newTestEngine(t, map[string]int64{"u1": 1000_00, "u2": 1000_00})

	o, _ := place(t, e, PlaceRequest{UserID: "u1", Type: model.OrderLimit, Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 50, Shares: 10})
	// Partial fill of 4.
	place(t, e, PlaceRequest{UserID: "u2", Type: model.OrderLimit, Side: model.SideSell, Outcome: model.OutcomeYes, Price: 50, Shares: 4})

	refund, err := e.Cancel(context.Background(), "u1", o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if refund != 6*50 {
		t.Errorf("refund = %d, want 300", refund)
	}
	// 1000_00 - 500 (reserve) + 300 (refund) = 998_00.
	if got := balance(t, ms, "u1"); got != 1000_00-200 {
		t.Errorf("u1 balance = %d", got)
	}
	snap, _ := e.SnapshotBook(round)
	if len(snap.Bids) != 0 {
		t.Errorf("cancelled order must leave the book: %+v", snap.Bids)
	}

	if _, err := e.Cancel(context.Background(), "u1", o.ID); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("second cancel should fail, got %v", err)
	}
	if _, err := e.Cancel(context.Background(), "u2", o.ID); err == nil {
		t.Error("cancel by non-owner should fail")
	}
}

func TestCancelStoppedOrderRefundsNothing(t *testing.T) {
	e, ms, _ := newTestEngine(t, map[string]int64{"u1": 1000_00})

	o, _ := place(t, e, PlaceRequest{
		UserID: "u1", Type: model.OrderStopLimit, Side: model.SideBuy,
		Outcome: model.OutcomeYes, Price: 40, StopPrice: 35, Shares: 10,
	})
	refund, err := e.Cancel(context.Background(), "u1", o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if refund != 0 {
		t.Errorf("stopped orders hold no reservation, refund = %d", refund)
	}
	if got := balance(t, ms, "u1"); got != 1000_00 {
		t.Errorf("balance = %d", got)
	}
}

// Liquidity provision mints matched yes/no shares for a dollar debit.
func TestAddLiquidity(t *testing.T) {
	e, ms, _ := newTestEngine(t, map[string]int64{"u1": 100_00})
	e.InitRound(round + 60_000) // provision phase by default

	lp, err := e.AddLiquidity(context.Background(), "u1", round+60_000, 25)
	if err != nil {
		t.Fatal(err)
	}
	if lp.Amount != 25 {
		t.Errorf("lp = %+v", lp)
	}
	if got := balance(t, ms, "u1"); got != 100_00-25_00 {
		t.Errorf("balance = %d, want 7500", got)
	}
	p, _ := ms.GetPosition(context.Background(), "u1", round+60_000)
	if p.YesShares != 25 || p.NoShares != 25 {
		t.Errorf("position = %+v, want (25, 25)", p)
	}
	if total, _ := ms.GetTotalLiquidity(context.Background(), round+60_000); total != 25 {
		t.Errorf("total liquidity = %d", total)
	}

	// Not allowed once active.
	if _, err := e.AddLiquidity(context.Background(), "u1", round, 5); !errors.Is(err, ErrRoundNotProvisioning) {
		t.Errorf("expected ErrRoundNotProvisioning, got %v", err)
	}
	// Insufficient balance surfaces the store error.
	if _, err := e.AddLiquidity(context.Background(), "u1", round+60_000, 10_000); !errors.Is(err, store.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

// Settlement cancels and refunds open orders, then pays winners.
func TestSettleUp(t *testing.T) {
	e, ms, n := newTestEngine(t, map[string]int64{"u1": 1000_00, "u2": 1000_00})

	// Two crossing trades build positions u1:(4 yes), u2:(4 no) then
	// u2:(6 yes), u1:(6 no).
	place(t, e, PlaceRequest{UserID: "u1", Type: model.OrderLimit, Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 50, Shares: 4})
	place(t, e, PlaceRequest{UserID: "u2", Type: model.OrderLimit, Side: model.SideSell, Outcome: model.OutcomeYes, Price: 50, Shares: 4})
	place(t, e, PlaceRequest{UserID: "u2", Type: model.OrderLimit, Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 50, Shares: 6})
	place(t, e, PlaceRequest{UserID: "u1", Type: model.OrderLimit, Side: model.SideSell, Outcome: model.OutcomeYes, Price: 50, Shares: 6})

	// A leftover open order to verify the cancel-refund path.
	leftover, _ := place(t, e, PlaceRequest{UserID: "u1", Type: model.OrderLimit, Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 10, Shares: 10})

	u1Before := balance(t, ms, "u1")
	u2Before := balance(t, ms, "u2")

	if err := e.Settle(context.Background(), round, model.OutcomeUp); err != nil {
		t.Fatal(err)
	}

	// u1 payout: 4 yes -> $4. u2 payout: 6 yes -> $6.
	if n.settled["u1"] != 400 || n.settled["u2"] != 600 {
		t.Errorf("payouts = %+v", n.settled)
	}
	// u1 also gets the leftover's 10*10 = 100 cents refund.
	if got := balance(t, ms, "u1"); got != u1Before+400+100 {
		t.Errorf("u1 balance = %d, want %d", got, u1Before+500)
	}
	if got := balance(t, ms, "u2"); got != u2Before+600 {
		t.Errorf("u2 balance = %d, want %d", got, u2Before+600)
	}

	row, _ := ms.GetOrder(context.Background(), leftover.ID)
	if row.Status != model.StatusCancelled {
		t.Errorf("leftover order should be cancelled, got %s", row.Status)
	}

	// The round's in-memory state is gone.
	if _, ok := e.Phase(round); ok {
		t.Error("settled round should be dropped")
	}
	if _, _, err := e.Place(context.Background(), PlaceRequest{
		UserID: "u1", RoundStart: round, Type: model.OrderLimit,
		Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 50, Shares: 1,
	}); !errors.Is(err, ErrRoundNotFound) {
		t.Errorf("placement after settlement should fail, got %v", err)
	}
}

// Dollars are conserved across a round: deposits in = trades + refunds
// + payouts out.
func TestDollarConservation(t *testing.T) {
	e, ms, _ := newTestEngine(t, map[string]int64{"u1": 1000_00, "u2": 1000_00, "u3": 1000_00})

	place(t, e, PlaceRequest{UserID: "u1", Type: model.OrderLimit, Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 60, Shares: 10})
	place(t, e, PlaceRequest{UserID: "u2", Type: model.OrderLimit, Side: model.SideSell, Outcome: model.OutcomeYes, Price: 55, Shares: 7})
	place(t, e, PlaceRequest{UserID: "u3", Type: model.OrderLimit, Side: model.SideBuy, Outcome: model.OutcomeNo, Price: 42, Shares: 5})
	place(t, e, PlaceRequest{UserID: "u2", Type: model.OrderMarketFAK, Side: model.SideBuy, Outcome: model.OutcomeYes, Shares: 3})

	if err := e.Settle(context.Background(), round, model.OutcomeDown); err != nil {
		t.Fatal(err)
	}

	total := balance(t, ms, "u1") + balance(t, ms, "u2") + balance(t, ms, "u3")
	// Every yes/no pair minted cost exactly 100 cents and paid out
	// exactly 100 cents to its winning half.
	if total != 3000_00 {
		t.Errorf("total balance after settlement = %d, want 300000", total)
	}
}

// Placements on unknown or non-active rounds are rejected untouched.
func TestPlacementPhaseChecks(t *testing.T) {
	e, ms, _ := newTestEngine(t, map[string]int64{"u1": 1000_00})
	e.InitRound(round + 60_000) // provision

	_, _, err := e.Place(context.Background(), PlaceRequest{
		UserID: "u1", RoundStart: round + 60_000, Type: model.OrderLimit,
		Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 50, Shares: 5,
	})
	if !errors.Is(err, ErrRoundNotActive) {
		t.Errorf("expected ErrRoundNotActive, got %v", err)
	}

	_, _, err = e.Place(context.Background(), PlaceRequest{
		UserID: "u1", RoundStart: 123, Type: model.OrderLimit,
		Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 50, Shares: 5,
	})
	if !errors.Is(err, ErrRoundNotFound) {
		t.Errorf("expected ErrRoundNotFound, got %v", err)
	}
	if got := balance(t, ms, "u1"); got != 1000_00 {
		t.Errorf("rejections must not move balances, got %d", got)
	}
}

func TestPlacementValidation(t *testing.T) {
	e, _, _ := newTestEngine(t, map[string]int64{"u1": 1000_00})

	cases := []PlaceRequest{
		{UserID: "u1", RoundStart: round, Type: "weird", Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 50, Shares: 5},
		{UserID: "u1", RoundStart: round, Type: model.OrderLimit, Side: "hold", Outcome: model.OutcomeYes, Price: 50, Shares: 5},
		{UserID: "u1", RoundStart: round, Type: model.OrderLimit, Side: model.SideBuy, Outcome: "maybe", Price: 50, Shares: 5},
		{UserID: "u1", RoundStart: round, Type: model.OrderLimit, Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 0, Shares: 5},
		{UserID: "u1", RoundStart: round, Type: model.OrderLimit, Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 100, Shares: 5},
		{UserID: "u1", RoundStart: round, Type: model.OrderLimit, Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 50, Shares: 0},
		{UserID: "u1", RoundStart: round, Type: model.OrderLimit, Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 50, Shares: 1001},
		{UserID: "u1", RoundStart: round, Type: model.OrderStopLimit, Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 50, StopPrice: 0, Shares: 5},
	}
	for i, req := range cases {
		if _, _, err := e.Place(context.Background(), req); !errors.Is(err, ErrInvalidOrder) {
			t.Errorf("case %d: expected ErrInvalidOrder, got %v", i, err)
		}
	}
}

func TestInsufficientBalanceRejectsPlacement(t *testing.T) {
	e, ms, _ := newTestEngine(t, map[string]int64{"u1": 100})

	_, _, err := e.Place(context.Background(), PlaceRequest{
		UserID: "u1", RoundStart: round, Type: model.OrderLimit,
		Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 50, Shares: 10,
	})
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := balance(t, ms, "u1"); got != 100 {
		t.Errorf("balance = %d, want 100", got)
	}
	if orders, _ := ms.GetUserOrders(context.Background(), "u1", round, nil); len(orders) != 0 {
		t.Error("failed placement must leave no order row")
	}
}

// Recovery reloads open orders and stops with their original priority.
func TestRecoverRebuildsBooks(t *testing.T) {
	e1, ms, _ := newTestEngine(t, map[string]int64{"u1": 1000_00, "u2": 1000_00})

	early, _ := place(t, e1, PlaceRequest{UserID: "u1", Type: model.OrderLimit, Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 50, Shares: 5})
	place(t, e1, PlaceRequest{UserID: "u2", Type: model.OrderLimit, Side: model.SideBuy, Outcome: model.OutcomeYes, Price: 50, Shares: 5})
	// Parked ask stop with a trigger far above the current best bid.
	stop, _ := place(t, e1, PlaceRequest{UserID: "u2", Type: model.OrderStopLimit, Side: model.SideSell, Outcome: model.OutcomeYes, Price: 75, StopPrice: 80, Shares: 3})

	// Fresh engine over the same store, as after a restart.
	e2 := New(ms, risk.NewLimits(1000, 0), nil)
	if err := e2.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap, err := e2.SnapshotBook(round)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Bids) != 1 || snap.Bids[0].Shares != 10 {
		t.Fatalf("recovered book = %+v", snap)
	}

	// Time priority survives: a crossing sell hits u1's earlier bid first.
	_, trades, err := e2.Place(context.Background(), PlaceRequest{
		UserID: "u2", RoundStart: round, Type: model.OrderLimit,
		Side: model.SideSell, Outcome: model.OutcomeYes, Price: 50, Shares: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || trades[0].BidOrderID != early.ID {
		t.Errorf("earliest bid should fill first after recovery: %+v", trades)
	}

	// The stop survived recovery and is still parked.
	row, _ := ms.GetOrder(context.Background(), stop.ID)
	if row.Status != model.StatusStopped {
		t.Errorf("stop should still be parked, got %s", row.Status)
	}
}
