// Package engine implements the per-round matching engine: order
// placement, matching with price-time priority, self-trade prevention,
// maker pricing with taker price-improvement refunds, stop-limit
// triggering, cancellation, liquidity provision, and settlement.
//
// The engine serialises all mutation behind one mutex; ledger row
// locks make fills durable and linearizable within a round. Matching
// logic between ledger calls is CPU-bound and never blocks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/minutex/exchange-engine/internal/book"
	"github.com/minutex/exchange-engine/internal/model"
	"github.com/minutex/exchange-engine/internal/risk"
	"github.com/minutex/exchange-engine/internal/store"
)

var (
	// ErrRoundNotFound is returned for operations on unknown rounds.
	ErrRoundNotFound = errors.New("engine: round not found")

	// ErrRoundNotActive is returned when an order targets a round
	// outside its trading window.
	ErrRoundNotActive = errors.New("engine: round is not active")

	// ErrRoundNotProvisioning is returned when liquidity is added
	// outside the provision window.
	ErrRoundNotProvisioning = errors.New("engine: round is not in provision phase")

	// ErrInvalidOrder is returned for malformed placement requests.
	ErrInvalidOrder = errors.New("engine: invalid order")

	// ErrInsufficientLiquidity is returned when a FOK order cannot be
	// fully filled.
	ErrInsufficientLiquidity = errors.New("engine: insufficient liquidity")

	// ErrNotCancellable is returned when a cancel targets an order
	// that is filled, already cancelled, or a market order.
	ErrNotCancellable = errors.New("engine: order is not cancellable")

	// ErrNotOwner is returned when a user operates on someone else's
	// order.
	ErrNotOwner = errors.New("engine: order belongs to another user")

	// ErrInternal flags invariant violations; the transaction that
	// surfaced one has been rolled back.
	ErrInternal = errors.New("engine: internal error")
)

// Notifier receives engine events for fan-out to clients. Callbacks
// run after commit, outside the ledger transaction but under the
// engine lock; implementations must not block.
type Notifier interface {
	OrderAccepted(userID string, order model.Order, trades []model.Trade)
	OrderUpdated(userID string, order model.Order, trade model.Trade)
	OrderCancelled(userID, orderID string, refundCents int64, reason string)
	BalanceChanged(userID string)
	LiquidityAdded(userID string, lp model.LiquidityProvision)
	RoundSettled(roundStart int64, outcome model.Outcome, payouts map[string]int64)
	BookChanged(roundStart int64)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) OrderAccepted(string, model.Order, []model.Trade)       {}
func (NopNotifier) OrderUpdated(string, model.Order, model.Trade)          {}
func (NopNotifier) OrderCancelled(string, string, int64, string)           {}
func (NopNotifier) BalanceChanged(string)                                  {}
func (NopNotifier) LiquidityAdded(string, model.LiquidityProvision)        {}
func (NopNotifier) RoundSettled(int64, model.Outcome, map[string]int64)    {}
func (NopNotifier) BookChanged(int64)                                      {}

// roundState is the in-memory trading state of one round.
type roundState struct {
	phase model.Phase
	book  *book.Book
	stops map[string]*model.Order
}

// Engine is the matching engine. One instance serves every round.
type Engine struct {
	mu     sync.Mutex
	store  store.Store
	limits *risk.Limits
	notify Notifier
	rounds map[int64]*roundState
}

// New creates an engine. A nil notifier discards events.
func New(st store.Store, limits *risk.Limits, notify Notifier) *Engine {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Engine{
		store:  st,
		limits: limits,
		notify: notify,
		rounds: make(map[int64]*roundState),
	}
}

// SetNotifier installs the event sink. Call before the engine starts
// serving requests; the hub is constructed after the engine.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n == nil {
		n = NopNotifier{}
	}
	e.notify = n
}

// InitRound registers a round in the provision phase with an empty
// book. Re-initialising an existing round is a no-op.
func (e *Engine) InitRound(roundStart int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rounds[roundStart]; ok {
		return
	}
	e.rounds[roundStart] = &roundState{
		phase: model.PhaseProvision,
		book:  book.New(),
		stops: make(map[string]*model.Order),
	}
}

// SetPhase moves a round to the given phase.
func (e *Engine) SetPhase(roundStart int64, phase model.Phase) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.rounds[roundStart]
	if !ok {
		return fmt.Errorf("%w: @%d", ErrRoundNotFound, roundStart)
	}
	rs.phase = phase
	return nil
}

// Phase reports a round's phase.
func (e *Engine) Phase(roundStart int64) (model.Phase, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.rounds[roundStart]
	if !ok {
		return "", false
	}
	return rs.phase, true
}

// DropRound discards a round's in-memory state after settlement.
func (e *Engine) DropRound(roundStart int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rounds, roundStart)
}

// SnapshotBook returns the aggregated book for display. The copy is
// built under the engine lock; readers never see a half-applied match.
func (e *Engine) SnapshotBook(roundStart int64) (book.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.rounds[roundStart]
	if !ok {
		return book.Snapshot{}, fmt.Errorf("%w: @%d", ErrRoundNotFound, roundStart)
	}
	return rs.book.SnapshotLevels(), nil
}

// Recover reloads open and stopped orders for non-closed rounds into
// the in-memory structures, preserving created_at for time priority.
func (e *Engine) Recover(ctx context.Context) error {
	markets, err := e.store.NonClosedMarkets(ctx)
	if err != nil {
		return fmt.Errorf("recover markets: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range markets {
		rs := &roundState{
			phase: m.Phase,
			book:  book.New(),
			stops: make(map[string]*model.Order),
		}
		e.rounds[m.MinuteStart] = rs

		open, err := e.store.GetOpenRoundOrders(ctx, m.MinuteStart)
		if err != nil {
			return fmt.Errorf("recover open orders @%d: %w", m.MinuteStart, err)
		}
		for i := range open {
			o := open[i]
			rs.book.Insert(&book.Entry{
				OrderID:      o.ID,
				UserID:       o.UserID,
				Price:        o.BookPrice,
				Remaining:    o.Remaining,
				CostPerShare: o.CostPerShare,
				Side:         o.BookSide,
				CreatedAt:    o.CreatedAt,
			})
		}

		stopped, err := e.store.GetStoppedRoundOrders(ctx, m.MinuteStart)
		if err != nil {
			return fmt.Errorf("recover stops @%d: %w", m.MinuteStart, err)
		}
		for i := range stopped {
			o := stopped[i]
			rs.stops[o.ID] = &o
		}
	}
	return nil
}
