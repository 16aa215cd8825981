// Package store defines the ledger persistence interface for the
// exchange. Implementations include PostgreSQL (source of truth),
// Redis (read-through cache), and in-memory (for testing and
// development). All mutation primitives require a transaction handle;
// the matching engine holds one transaction open across the fills of a
// single incoming order.
package store

import (
	"context"
	"errors"

	"github.com/minutex/exchange-engine/internal/model"
)

var (
	// ErrNotFound is returned for lookups that match nothing.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientBalance is returned by DeductBalance when the
	// pre-balance cannot cover the deduction. This is the sole source
	// of insufficient-funds errors in the system.
	ErrInsufficientBalance = errors.New("store: insufficient balance")

	// ErrDuplicate is returned when a uniqueness constraint would be
	// violated (market slug or minute start).
	ErrDuplicate = errors.New("store: duplicate")
)

// Store is the ledger read surface plus the transaction factory.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	// --- Users ---
	UpsertUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)

	// --- Markets ---
	InsertMarket(ctx context.Context, m *model.Market) error
	SaveMarket(ctx context.Context, m *model.Market) error
	GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error)
	GetMarketByStart(ctx context.Context, minuteStart int64) (*model.Market, error)
	RecentOutcomes(ctx context.Context, limit int) ([]model.Market, error)
	NonClosedMarkets(ctx context.Context) ([]model.Market, error)

	// --- Reference-price time series ---
	InsertPriceTick(ctx context.Context, p model.AggregatedPrice) error
	PriceHistory(ctx context.Context, limit int) ([]model.AggregatedPrice, error)

	// --- Orders and trades (reads) ---
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetUserOrders(ctx context.Context, userID string, roundStart int64, statuses []model.OrderStatus) ([]model.Order, error)
	GetOpenRoundOrders(ctx context.Context, roundStart int64) ([]model.Order, error)
	GetStoppedRoundOrders(ctx context.Context, roundStart int64) ([]model.Order, error)
	GetOrderTrades(ctx context.Context, orderID string) ([]model.Trade, error)

	// --- Positions and liquidity (reads) ---
	GetPosition(ctx context.Context, userID string, roundStart int64) (*model.Position, error)
	GetTotalLiquidity(ctx context.Context, roundStart int64) (int64, error)
}

// Tx is one ledger transaction. Row locks on orders and balances give
// the matching engine linearizable fills within a round.
type Tx interface {
	// --- Orders ---
	InsertOrder(ctx context.Context, o *model.Order) error
	GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error)
	UpdateOrderFill(ctx context.Context, id string, filled, remaining int64, status model.OrderStatus) error
	CancelOrder(ctx context.Context, id string) error
	// CancelAllRoundOrders marks every open, partially filled, or
	// stopped order of the round cancelled and returns the pre-update
	// rows.
	CancelAllRoundOrders(ctx context.Context, roundStart int64) ([]model.Order, error)
	// ActivateStopOrder moves a stopped order to open.
	ActivateStopOrder(ctx context.Context, id string) error

	// --- Trades ---
	InsertTrade(ctx context.Context, t *model.Trade) error

	// --- Positions ---
	UpsertPosition(ctx context.Context, userID string, roundStart int64, deltaYes, deltaNo int64) error
	GetAllRoundPositions(ctx context.Context, roundStart int64) ([]model.Position, error)

	// --- Liquidity ---
	InsertLiquidityProvision(ctx context.Context, lp *model.LiquidityProvision) error

	// --- Balances (integer cents at this interface) ---
	DeductBalance(ctx context.Context, userID string, cents int64) error
	CreditBalance(ctx context.Context, userID string, cents int64) error
	GetBalanceForUpdate(ctx context.Context, userID string) (int64, error)
	// UserLockedCents sums the reserved balance of the user's open and
	// partially filled orders in the round.
	UserLockedCents(ctx context.Context, userID string, roundStart int64) (int64, error)

	// --- Markets (transactional writes during settlement) ---
	SaveMarket(ctx context.Context, m *model.Market) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
