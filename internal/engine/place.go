package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/minutex/exchange-engine/internal/book"
	"github.com/minutex/exchange-engine/internal/metrics"
	"github.com/minutex/exchange-engine/internal/model"
	"github.com/minutex/exchange-engine/internal/store"
)

// PlaceRequest is a normalised placement request. Price and StopPrice
// are on the user-facing scale of the chosen outcome.
type PlaceRequest struct {
	UserID     string
	RoundStart int64
	Type       model.OrderType
	Side       model.Side
	Outcome    model.OutcomeSide
	Price      int
	StopPrice  int
	Shares     int64
}

// Normalize translates a user-facing (side, outcome, price) triple to
// the YES-scale book: the book side, the book price, and the cents
// reserved per share.
//
//	buy  yes  → bid  at P,      cost P
//	buy  no   → ask  at 100−P,  cost P
//	sell yes  → ask  at P,      cost 100−P
//	sell no   → bid  at 100−P,  cost 100−P
func Normalize(side model.Side, outcome model.OutcomeSide, price int) (model.BookSide, int, int) {
	switch {
	case side == model.SideBuy && outcome == model.OutcomeYes:
		return model.BookBid, price, price
	case side == model.SideBuy && outcome == model.OutcomeNo:
		return model.BookAsk, 100 - price, price
	case side == model.SideSell && outcome == model.OutcomeYes:
		return model.BookAsk, price, 100 - price
	default: // sell no
		return model.BookBid, 100 - price, 100 - price
	}
}

// marketPrice returns the pseudo-price that makes a market order cross
// the entire opposing side: book price 99 for bids, 1 for asks, and a
// worst-case 99¢ reservation either way.
func marketPrice(side model.Side) int {
	if side == model.SideBuy {
		return 99
	}
	return 1
}

func (r *PlaceRequest) validate(maxShares int64) error {
	switch r.Type {
	case model.OrderMarketFAK, model.OrderMarketFOK, model.OrderLimit, model.OrderStopLimit:
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, r.Type)
	}
	switch r.Side {
	case model.SideBuy, model.SideSell:
	default:
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, r.Side)
	}
	switch r.Outcome {
	case model.OutcomeYes, model.OutcomeNo:
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidOrder, r.Outcome)
	}
	if r.Shares < 1 || r.Shares > maxShares {
		return fmt.Errorf("%w: shares must be in [1, %d]", ErrInvalidOrder, maxShares)
	}
	if r.Type == model.OrderLimit || r.Type == model.OrderStopLimit {
		if r.Price < 1 || r.Price > 99 {
			return fmt.Errorf("%w: price must be an integer in [1, 99]", ErrInvalidOrder)
		}
	}
	if r.Type == model.OrderStopLimit {
		if r.StopPrice < 1 || r.StopPrice > 99 {
			return fmt.Errorf("%w: stop price must be an integer in [1, 99]", ErrInvalidOrder)
		}
	}
	return nil
}

// Place validates, persists, and matches one incoming order. It
// returns the final order state and the trades it produced. The whole
// placement is atomic: on error no state is persisted.
func (e *Engine) Place(ctx context.Context, req PlaceRequest) (*model.Order, []model.Trade, error) {
	if err := req.validate(e.limits.MaxSharesPerOrder); err != nil {
		metrics.OrdersRejected.WithLabelValues("input").Inc()
		return nil, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rs, ok := e.rounds[req.RoundStart]
	if !ok {
		metrics.OrdersRejected.WithLabelValues("round").Inc()
		return nil, nil, fmt.Errorf("%w: @%d", ErrRoundNotFound, req.RoundStart)
	}
	if rs.phase != model.PhaseActive {
		metrics.OrdersRejected.WithLabelValues("phase").Inc()
		return nil, nil, fmt.Errorf("%w: @%d is %s", ErrRoundNotActive, req.RoundStart, rs.phase)
	}

	price := req.Price
	if req.Type == model.OrderMarketFAK || req.Type == model.OrderMarketFOK {
		price = marketPrice(req.Side)
	}
	bookSide, bookPrice, costPerShare := Normalize(req.Side, req.Outcome, price)

	// Stop prices live on the YES scale like the book itself; a stop
	// quoted against the NO leg mirrors across.
	stopPrice := req.StopPrice
	if req.Type == model.OrderStopLimit && req.Outcome == model.OutcomeNo {
		stopPrice = 100 - req.StopPrice
	}

	// FOK pre-check walks the book before any ledger mutation.
	if req.Type == model.OrderMarketFOK {
		available := rs.book.AvailableShares(bookSide, bookPrice, req.UserID)
		if available < req.Shares {
			metrics.OrdersRejected.WithLabelValues("liquidity").Inc()
			return nil, nil, fmt.Errorf("%w: %d shares available, need %d",
				ErrInsufficientLiquidity, available, req.Shares)
		}
	}

	order := &model.Order{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		RoundStart:   req.RoundStart,
		Side:         req.Side,
		Outcome:      req.Outcome,
		BookSide:     bookSide,
		Type:         req.Type,
		BookPrice:    bookPrice,
		StopPrice:    stopPrice,
		Shares:       req.Shares,
		Remaining:    req.Shares,
		CostPerShare: costPerShare,
		Status:       model.StatusOpen,
		CreatedAt:    time.Now().UTC(),
	}
	if req.Type == model.OrderStopLimit {
		order.Status = model.StatusStopped
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	// No-op after a successful commit; releases the transaction on
	// every error and panic path.
	defer tx.Rollback(ctx)

	order, trades, fills, err := e.placeInTx(ctx, tx, rs, order)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: commit: %v", ErrInternal, err)
	}

	// The ledger is durable; now mirror the fills into the book and
	// rest any limit residual.
	rs.book.ApplyFills(fills)
	if order.Type == model.OrderLimit && order.Remaining > 0 {
		rs.book.Insert(&book.Entry{
			OrderID:      order.ID,
			UserID:       order.UserID,
			Price:        order.BookPrice,
			Remaining:    order.Remaining,
			CostPerShare: order.CostPerShare,
			Side:         order.BookSide,
			CreatedAt:    order.CreatedAt,
		})
	}

	metrics.OrdersPlaced.WithLabelValues(string(req.Type)).Inc()
	e.notifyPlacement(order, trades)
	e.notify.BookChanged(req.RoundStart)

	// Fills and freshly rested limits both move the top of book.
	if len(trades) > 0 || (order.Type == model.OrderLimit && order.Remaining > 0) {
		e.checkStops(ctx, rs, req.RoundStart)
	}
	return order, trades, nil
}

// placeInTx runs the ledger half of a placement: reserve, insert,
// match, and resolve the residual per order type. Book mutations are
// returned, not applied; the caller applies them after commit.
func (e *Engine) placeInTx(ctx context.Context, tx store.Tx, rs *roundState, order *model.Order) (*model.Order, []model.Trade, []book.Fill, error) {
	reserve := order.Shares * int64(order.CostPerShare)

	if order.Type != model.OrderStopLimit {
		locked, err := tx.UserLockedCents(ctx, order.UserID, order.RoundStart)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if err := e.limits.CheckExposure(locked, reserve); err != nil {
			metrics.OrdersRejected.WithLabelValues("exposure").Inc()
			return nil, nil, nil, err
		}
		if err := tx.DeductBalance(ctx, order.UserID, reserve); err != nil {
			if errors.Is(err, store.ErrInsufficientBalance) {
				metrics.OrdersRejected.WithLabelValues("balance").Inc()
				return nil, nil, nil, err
			}
			return nil, nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
	}

	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	// Stop-limits park without matching and without a reservation.
	if order.Type == model.OrderStopLimit {
		cp := *order
		rs.stops[order.ID] = &cp
		return order, nil, nil, nil
	}

	trades, fills, err := e.match(ctx, tx, rs, order)
	if err != nil {
		return nil, nil, nil, err
	}

	if order.Remaining > 0 {
		switch order.Type {
		case model.OrderLimit:
			// Residual rests; the caller inserts it after commit.
		case model.OrderMarketFAK:
			// Cancel the residual and release the unused reservation.
			if order.Filled > 0 {
				order.Status = model.StatusPartiallyFilled
			} else {
				order.Status = model.StatusCancelled
			}
			if err := tx.UpdateOrderFill(ctx, order.ID, order.Filled, order.Remaining, order.Status); err != nil {
				return nil, nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
			}
			if err := tx.CreditBalance(ctx, order.UserID, order.Remaining*int64(order.CostPerShare)); err != nil {
				return nil, nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
			}
		case model.OrderMarketFOK:
			// The pre-check passed; a residual here is a bug.
			return nil, nil, nil, fmt.Errorf("%w: FOK residual %d after full-fill pre-check", ErrInternal, order.Remaining)
		}
	}
	return order, trades, fills, nil
}

// match crosses an incoming order against the opposing side in
// price-time priority, holding the transaction open across all fills.
// The book itself is untouched: each fill is returned for the caller
// to apply once the transaction commits.
func (e *Engine) match(ctx context.Context, tx store.Tx, rs *roundState, taker *model.Order) ([]model.Trade, []book.Fill, error) {
	var trades []model.Trade
	var fills []book.Fill

	candidates := rs.book.Candidates(taker.BookSide, taker.BookPrice)
	for _, resting := range candidates {
		if taker.Remaining == 0 {
			break
		}
		// Self-trade prevention: skip own entries, leave them resting.
		if resting.UserID == taker.UserID {
			continue
		}

		fill := taker.Remaining
		if resting.Remaining < fill {
			fill = resting.Remaining
		}
		execPrice := resting.Price // maker price, always

		var bidOrderID, askOrderID, yesUserID, noUserID string
		if taker.BookSide == model.BookBid {
			bidOrderID, askOrderID = taker.ID, resting.OrderID
			yesUserID, noUserID = taker.UserID, resting.UserID
		} else {
			bidOrderID, askOrderID = resting.OrderID, taker.ID
			yesUserID, noUserID = resting.UserID, taker.UserID
		}

		trade := model.Trade{
			ID:         uuid.New().String(),
			RoundStart: taker.RoundStart,
			BidOrderID: bidOrderID,
			AskOrderID: askOrderID,
			YesUserID:  yesUserID,
			NoUserID:   noUserID,
			Price:      execPrice,
			Shares:     fill,
			CreatedAt:  time.Now().UTC(),
		}
		if err := tx.InsertTrade(ctx, &trade); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}

		if err := tx.UpsertPosition(ctx, yesUserID, taker.RoundStart, fill, 0); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if err := tx.UpsertPosition(ctx, noUserID, taker.RoundStart, 0, fill); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}

		// Resting order row, under lock.
		restingRow, err := tx.GetOrderForUpdate(ctx, resting.OrderID)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		restingRow.Filled += fill
		restingRow.Remaining -= fill
		restingStatus := model.StatusPartiallyFilled
		if restingRow.Remaining == 0 {
			restingStatus = model.StatusFilled
		}
		if err := tx.UpdateOrderFill(ctx, resting.OrderID, restingRow.Filled, restingRow.Remaining, restingStatus); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}

		// Taker order row.
		taker.Filled += fill
		taker.Remaining -= fill
		if taker.Remaining == 0 {
			taker.Status = model.StatusFilled
		} else {
			taker.Status = model.StatusPartiallyFilled
		}
		if err := tx.UpdateOrderFill(ctx, taker.ID, taker.Filled, taker.Remaining, taker.Status); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}

		// Price improvement: the taker reserved its own cost but pays
		// the maker's price.
		takerActual := execPrice
		if taker.BookSide == model.BookAsk {
			takerActual = 100 - execPrice
		}
		if diff := taker.CostPerShare - takerActual; diff > 0 {
			if err := tx.CreditBalance(ctx, taker.UserID, int64(diff)*fill); err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
			}
		}

		fills = append(fills, book.Fill{OrderID: resting.OrderID, Shares: fill})
		trades = append(trades, trade)
		metrics.TradesExecuted.Inc()
		metrics.TradeShares.Add(float64(fill))
	}
	return trades, fills, nil
}

// notifyPlacement pushes placement results: the full picture to the
// placer, one update per fill to each counterparty.
func (e *Engine) notifyPlacement(order *model.Order, trades []model.Trade) {
	e.notify.OrderAccepted(order.UserID, *order, trades)

	for _, t := range trades {
		makerOrderID := t.BidOrderID
		if makerOrderID == order.ID {
			makerOrderID = t.AskOrderID
		}
		makerUserID := t.YesUserID
		if makerUserID == order.UserID {
			makerUserID = t.NoUserID
		}
		// Counterparty sees its own updated order plus the trade. A
		// fully filled maker has left the book, so read the row back.
		if entry, ok := e.bookEntry(order.RoundStart, makerOrderID); ok {
			e.notify.OrderUpdated(makerUserID, entry, t)
		} else if row, err := e.store.GetOrder(context.Background(), makerOrderID); err == nil {
			e.notify.OrderUpdated(makerUserID, *row, t)
		}
	}
	if order.Filled > 0 {
		e.notify.BalanceChanged(order.UserID)
	}
}

// bookEntry reconstructs a light order view from the resting entry.
func (e *Engine) bookEntry(roundStart int64, orderID string) (model.Order, bool) {
	rs, ok := e.rounds[roundStart]
	if !ok {
		return model.Order{}, false
	}
	entry, ok := rs.book.Get(orderID)
	if !ok {
		return model.Order{}, false
	}
	return model.Order{
		ID:           entry.OrderID,
		UserID:       entry.UserID,
		RoundStart:   roundStart,
		BookSide:     entry.Side,
		BookPrice:    entry.Price,
		Remaining:    entry.Remaining,
		CostPerShare: entry.CostPerShare,
		Status:       model.StatusPartiallyFilled,
		CreatedAt:    entry.CreatedAt,
	}, true
}
