package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/minutex/exchange-engine/internal/book"
	"github.com/minutex/exchange-engine/internal/metrics"
	"github.com/minutex/exchange-engine/internal/model"
	"github.com/minutex/exchange-engine/internal/store"
)

// checkStops evaluates the round's parked stop-limits against the
// top of book and activates any that trigger. Activations can move
// the top of book, so the scan repeats until quiet; it terminates
// because each stop is removed from the set before activation and can
// trigger at most once per round.
//
// Trigger rule:
//   - a bid stop fires when bestAsk <= stopPrice (YES became cheap
//     enough to buy)
//   - an ask stop fires when bestBid >= stopPrice (YES became
//     expensive enough to sell)
func (e *Engine) checkStops(ctx context.Context, rs *roundState, roundStart int64) {
	for {
		var triggered *model.Order

		bestBid, haveBid := rs.book.BestBid()
		bestAsk, haveAsk := rs.book.BestAsk()

		for _, o := range rs.stops {
			if o.BookSide == model.BookBid && haveAsk && bestAsk.Price <= o.StopPrice {
				triggered = o
				break
			}
			if o.BookSide == model.BookAsk && haveBid && bestBid.Price >= o.StopPrice {
				triggered = o
				break
			}
		}
		if triggered == nil {
			return
		}

		delete(rs.stops, triggered.ID)
		e.activateStop(ctx, rs, roundStart, triggered)
	}
}

// activateStop runs one stop-limit activation in its own transaction:
// reserve the balance, flip the status, then match and rest like a
// fresh limit order. A failed reservation cancels the order.
func (e *Engine) activateStop(ctx context.Context, rs *roundState, roundStart int64, stop *model.Order) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		slog.Error("stop activation begin failed", "order", stop.ID, "err", err)
		return
	}
	defer tx.Rollback(ctx)

	reserve := stop.Shares * int64(stop.CostPerShare)
	if err := tx.DeductBalance(ctx, stop.UserID, reserve); err != nil {
		tx.Rollback(ctx)
		if errors.Is(err, store.ErrInsufficientBalance) {
			e.cancelStopAtTrigger(ctx, stop)
			return
		}
		slog.Error("stop activation deduct failed", "order", stop.ID, "err", err)
		return
	}

	if err := tx.ActivateStopOrder(ctx, stop.ID); err != nil {
		tx.Rollback(ctx)
		slog.Error("stop activation failed", "order", stop.ID, "err", err)
		return
	}
	stop.Status = model.StatusOpen

	trades, fills, err := e.match(ctx, tx, rs, stop)
	if err != nil {
		tx.Rollback(ctx)
		stop.Status = model.StatusStopped
		slog.Error("stop match failed", "order", stop.ID, "err", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		slog.Error("stop activation commit failed", "order", stop.ID, "err", err)
		return
	}

	rs.book.ApplyFills(fills)
	if stop.Remaining > 0 {
		rs.book.Insert(&book.Entry{
			OrderID:      stop.ID,
			UserID:       stop.UserID,
			Price:        stop.BookPrice,
			Remaining:    stop.Remaining,
			CostPerShare: stop.CostPerShare,
			Side:         stop.BookSide,
			CreatedAt:    stop.CreatedAt,
		})
	}

	metrics.StopsTriggered.Inc()
	slog.Info("stop-limit triggered", "order", stop.ID, "user", stop.UserID, "stop_price", stop.StopPrice, "fills", len(trades))

	e.notifyPlacement(stop, trades)
	e.notify.BookChanged(roundStart)
}

// cancelStopAtTrigger cancels a stop whose balance check failed at
// activation and tells the owner why. Nothing was reserved for it, so
// the refund is zero.
func (e *Engine) cancelStopAtTrigger(ctx context.Context, stop *model.Order) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		slog.Error("stop cancel begin failed", "order", stop.ID, "err", err)
		return
	}
	if err := tx.CancelOrder(ctx, stop.ID); err != nil {
		tx.Rollback(ctx)
		slog.Error("stop cancel failed", "order", stop.ID, "err", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		slog.Error("stop cancel commit failed", "order", stop.ID, "err", err)
		return
	}
	stop.Status = model.StatusCancelled
	e.notify.OrderCancelled(stop.UserID, stop.ID, 0, "Insufficient balance at trigger")
}
