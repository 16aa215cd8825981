package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/minutex/exchange-engine/internal/metrics"
	"github.com/minutex/exchange-engine/internal/model"
	"github.com/minutex/exchange-engine/internal/store"
)

// Cancel cancels a limit or stop-limit order owned by userID and
// refunds the remaining reservation. Cancels are rejected for market
// orders and for orders already in a terminal state.
func (e *Engine) Cancel(ctx context.Context, userID, orderID string) (refundCents int64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	o, err := tx.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		tx.Rollback(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if o.UserID != userID {
		tx.Rollback(ctx)
		return 0, ErrNotOwner
	}
	if o.Type != model.OrderLimit && o.Type != model.OrderStopLimit {
		tx.Rollback(ctx)
		return 0, fmt.Errorf("%w: market orders execute synchronously", ErrNotCancellable)
	}
	switch o.Status {
	case model.StatusOpen, model.StatusPartiallyFilled, model.StatusStopped:
	default:
		tx.Rollback(ctx)
		return 0, fmt.Errorf("%w: status %s", ErrNotCancellable, o.Status)
	}

	// Stopped orders never reserved balance; everything else refunds
	// the unfilled remainder.
	if o.Status != model.StatusStopped {
		refundCents = o.ReservedCents()
	}

	if err := tx.CancelOrder(ctx, orderID); err != nil {
		tx.Rollback(ctx)
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if refundCents > 0 {
		if err := tx.CreditBalance(ctx, userID, refundCents); err != nil {
			tx.Rollback(ctx)
			return 0, fmt.Errorf("%w: %v", ErrInternal, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrInternal, err)
	}

	if rs, ok := e.rounds[o.RoundStart]; ok {
		rs.book.Remove(orderID)
		delete(rs.stops, orderID)
	}

	e.notify.OrderCancelled(userID, orderID, refundCents, "")
	if refundCents > 0 {
		e.notify.BalanceChanged(userID)
	}
	e.notify.BookChanged(o.RoundStart)
	return refundCents, nil
}

// AddLiquidity mints amount yes-shares and amount no-shares for the
// user against a debit of amount dollars. Permitted only while the
// round is provisioning; this is the single path that creates shares
// without a counterparty, safe because the user holds the exact
// complement on both sides.
func (e *Engine) AddLiquidity(ctx context.Context, userID string, roundStart, amount int64) (*model.LiquidityProvision, error) {
	if amount < 1 {
		return nil, fmt.Errorf("%w: amount must be a positive whole dollar figure", ErrInvalidOrder)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rs, ok := e.rounds[roundStart]
	if !ok {
		return nil, fmt.Errorf("%w: @%d", ErrRoundNotFound, roundStart)
	}
	if rs.phase != model.PhaseProvision {
		return nil, fmt.Errorf("%w: @%d is %s", ErrRoundNotProvisioning, roundStart, rs.phase)
	}

	lp := &model.LiquidityProvision{
		ID:         uuid.New().String(),
		UserID:     userID,
		RoundStart: roundStart,
		Amount:     amount,
		CreatedAt:  time.Now().UTC(),
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := tx.DeductBalance(ctx, userID, amount*100); err != nil {
		tx.Rollback(ctx)
		if errors.Is(err, store.ErrInsufficientBalance) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := tx.InsertLiquidityProvision(ctx, lp); err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := tx.UpsertPosition(ctx, userID, roundStart, amount, amount); err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrInternal, err)
	}

	slog.Info("liquidity added", "user", userID, "round", roundStart, "amount", amount)
	e.notify.LiquidityAdded(userID, *lp)
	e.notify.BalanceChanged(userID)
	return lp, nil
}

// Settle closes a round: cancel and refund every open order, pay the
// winning side of every position one dollar per share, and drop the
// in-memory state. All ledger effects land in one transaction.
func (e *Engine) Settle(ctx context.Context, roundStart int64, outcome model.Outcome) error {
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	defer tx.Rollback(ctx)

	prior, err := tx.CancelAllRoundOrders(ctx, roundStart)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	// Refund reservations of non-stopped orders; stopped ones never
	// reserved anything, and a market order's unfilled residual was
	// already refunded at placement.
	affected := make(map[string]struct{})
	for i := range prior {
		o := &prior[i]
		affected[o.UserID] = struct{}{}
		if o.Status == model.StatusStopped || o.Type == model.OrderMarketFAK || o.Type == model.OrderMarketFOK {
			continue
		}
		if refund := o.ReservedCents(); refund > 0 {
			if err := tx.CreditBalance(ctx, o.UserID, refund); err != nil {
				return fmt.Errorf("%w: %v", ErrInternal, err)
			}
		}
	}

	positions, err := tx.GetAllRoundPositions(ctx, roundStart)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	payouts := make(map[string]int64)
	for _, p := range positions {
		winning := p.YesShares
		if outcome == model.OutcomeDown {
			winning = p.NoShares
		}
		if winning == 0 {
			continue
		}
		cents := winning * 100
		if err := tx.CreditBalance(ctx, p.UserID, cents); err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		payouts[p.UserID] = cents
		affected[p.UserID] = struct{}{}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrInternal, err)
	}

	delete(e.rounds, roundStart)

	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	slog.Info("round settled",
		"round", roundStart,
		"outcome", outcome,
		"orders_cancelled", len(prior),
		"positions_paid", len(payouts),
	)

	e.notify.RoundSettled(roundStart, outcome, payouts)
	for userID := range affected {
		e.notify.BalanceChanged(userID)
	}
	return nil
}
