// Package model defines the core domain types shared across the exchange.
// Monetary amounts are integer cents everywhere inside the engine; the
// store boundary converts to fixed-point decimals. Book prices and
// cost-per-share are plain integers in [1, 99].
package model

import "time"

// Phase is the lifecycle phase of a minute market.
type Phase string

const (
	PhaseProvision Phase = "provision"
	PhaseActive    Phase = "active"
	PhaseClosed    Phase = "closed"
)

// Outcome is the settlement result of a market.
type Outcome string

const (
	OutcomeUp   Outcome = "up"
	OutcomeDown Outcome = "down"
)

// Side is the user-facing direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OutcomeSide is the outcome leg an order trades.
type OutcomeSide string

const (
	OutcomeYes OutcomeSide = "yes"
	OutcomeNo  OutcomeSide = "no"
)

// BookSide is the side of the YES-scale book an order rests on.
type BookSide string

const (
	BookBid BookSide = "bid"
	BookAsk BookSide = "ask"
)

// OrderType discriminates the supported order types.
type OrderType string

const (
	OrderMarketFAK OrderType = "market_fak"
	OrderMarketFOK OrderType = "market_fok"
	OrderLimit     OrderType = "limit"
	OrderStopLimit OrderType = "stop_limit"
)

// OrderStatus is the lifecycle state of an order. Stopped is the
// pre-trigger state of a stop-limit. Expired is reserved for a future
// time-in-force feature; no code path produces it today.
type OrderStatus string

const (
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusStopped         OrderStatus = "stopped"
	StatusExpired         OrderStatus = "expired"
)

// PriceSample is one observation from an upstream exchange feed.
// Transient; only the newest per source is kept.
type PriceSample struct {
	SourceID  string  `json:"source_id"`
	Mid       float64 `json:"mid"`
	BestBid   float64 `json:"best_bid"`
	BestAsk   float64 `json:"best_ask"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

// AggregatedPrice is the canonical reference price produced by the
// aggregator, one per tick. Persisted; latest also cached.
type AggregatedPrice struct {
	Price     float64 `json:"price"`
	Sources   int     `json:"sources"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

// Market is one minute-long binary prediction market. Unique by
// MinuteStart and by Slug. PriceToBeat is assigned exactly once, when
// the market first enters the active phase.
type Market struct {
	MinuteStart int64     `json:"minute_start" db:"minute_start"` // unix millis
	Slug        string    `json:"slug" db:"slug"`
	Phase       Phase     `json:"phase" db:"phase"`
	PriceToBeat *float64  `json:"price_to_beat,omitempty" db:"price_to_beat"`
	FinalPrice  *float64  `json:"final_price,omitempty" db:"final_price"`
	Outcome     *Outcome  `json:"outcome,omitempty" db:"outcome"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// User is an authenticated trader. Balance is integer cents and never
// goes negative.
type User struct {
	ID        string    `json:"id" db:"id"` // upstream identity ID, stringified
	Username  string    `json:"username" db:"username"`
	FirstName string    `json:"first_name" db:"first_name"`
	PhotoURL  string    `json:"photo_url,omitempty" db:"photo_url"`
	Balance   int64     `json:"balance" db:"balance"` // cents
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Order is a user order scoped to one round. Invariants:
// Filled + Remaining = Shares, BookPrice and CostPerShare in [1,99],
// Shares > 0, Remaining >= 0.
type Order struct {
	ID           string      `json:"id" db:"id"`
	UserID       string      `json:"user_id" db:"user_id"`
	RoundStart   int64       `json:"round_start" db:"round_start"`
	Side         Side        `json:"side" db:"side"`
	Outcome      OutcomeSide `json:"outcome" db:"outcome"`
	BookSide     BookSide    `json:"book_side" db:"book_side"`
	Type         OrderType   `json:"type" db:"type"`
	BookPrice    int         `json:"book_price" db:"book_price"`          // YES scale, [1,99]
	StopPrice    int         `json:"stop_price,omitempty" db:"stop_price"` // 0 when not a stop
	Shares       int64       `json:"shares" db:"shares"`
	Filled       int64       `json:"filled" db:"filled"`
	Remaining    int64       `json:"remaining" db:"remaining"`
	CostPerShare int         `json:"cost_per_share" db:"cost_per_share"` // cents reserved per share
	Status       OrderStatus `json:"status" db:"status"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
}

// ReservedCents is the balance still locked for the order's remaining
// shares.
func (o *Order) ReservedCents() int64 {
	return o.Remaining * int64(o.CostPerShare)
}

// Trade is one fill between a bid order and an ask order. The YES
// counterparty is the bid side of the fill; execution price is always
// the resting (maker) order's book price.
type Trade struct {
	ID         string    `json:"id" db:"id"`
	RoundStart int64     `json:"round_start" db:"round_start"`
	BidOrderID string    `json:"bid_order_id" db:"bid_order_id"`
	AskOrderID string    `json:"ask_order_id" db:"ask_order_id"`
	YesUserID  string    `json:"yes_user_id" db:"yes_user_id"`
	NoUserID   string    `json:"no_user_id" db:"no_user_id"`
	Price      int       `json:"price" db:"price"` // YES scale, [1,99]
	Shares     int64     `json:"shares" db:"shares"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Position is a user's share holdings in one round.
type Position struct {
	UserID     string `json:"user_id" db:"user_id"`
	RoundStart int64  `json:"round_start" db:"round_start"`
	YesShares  int64  `json:"yes_shares" db:"yes_shares"`
	NoShares   int64  `json:"no_shares" db:"no_shares"`
}

// LiquidityProvision is an immutable record of liquidity minting during
// the provision phase.
type LiquidityProvision struct {
	ID         string    `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	RoundStart int64     `json:"round_start" db:"round_start"`
	Amount     int64     `json:"amount" db:"amount"` // whole dollars = shares minted per leg
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
