package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/minutex/exchange-engine/internal/model"
)

// PostgresStore implements Store on PostgreSQL. Balances and dollar
// amounts are stored as NUMERIC(14,2); the interface stays in integer
// cents. Prices for the reference feed are NUMERIC(18,8).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const marketColumns = `minute_start, slug, phase, price_to_beat, final_price, outcome, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var outcome *string
	if err := row.Scan(&m.MinuteStart, &m.Slug, &m.Phase, &m.PriceToBeat, &m.FinalPrice, &outcome, &m.CreatedAt); err != nil {
		return nil, err
	}
	if outcome != nil {
		o := model.Outcome(*outcome)
		m.Outcome = &o
	}
	return &m, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, u *model.User) error {
	// Balance is only seeded on first insert; later upserts refresh
	// the display attributes.
	row := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, username, first_name, photo_url, balance, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)
		 ON CONFLICT (id) DO UPDATE
		   SET username = EXCLUDED.username,
		       first_name = EXCLUDED.first_name,
		       photo_url = EXCLUDED.photo_url
		 RETURNING balance::TEXT, created_at`,
		u.ID, u.Username, u.FirstName, u.PhotoURL,
		model.CentsToDecimal(u.Balance).String(), u.CreatedAt)

	var balance string
	if err := row.Scan(&balance, &u.CreatedAt); err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	d, err := decimal.NewFromString(balance)
	if err != nil {
		return fmt.Errorf("upsert user %s: bad balance %q: %w", u.ID, balance, err)
	}
	u.Balance = model.DecimalToCents(d)
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, first_name, photo_url, balance::TEXT, created_at
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.FirstName, &u.PhotoURL, &balance, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	d, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("get user %s: bad balance %q: %w", id, balance, err)
	}
	u.Balance = model.DecimalToCents(d)
	return &u, nil
}

func (s *PostgresStore) InsertMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO btc_1m_outcomes (minute_start, slug, phase, price_to_beat, final_price, outcome, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.MinuteStart, m.Slug, m.Phase, m.PriceToBeat, m.FinalPrice, outcomeText(m.Outcome), m.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("market %s: %w", m.Slug, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert market %s: %w", m.Slug, err)
	}
	return nil
}

func outcomeText(o *model.Outcome) *string {
	if o == nil {
		return nil
	}
	s := string(*o)
	return &s
}

func (s *PostgresStore) SaveMarket(ctx context.Context, m *model.Market) error {
	return saveMarket(ctx, s.pool, m)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func saveMarket(ctx context.Context, db execer, m *model.Market) error {
	tag, err := db.Exec(ctx,
		`UPDATE btc_1m_outcomes
		 SET phase = $2, price_to_beat = $3, final_price = $4, outcome = $5
		 WHERE minute_start = $1`,
		m.MinuteStart, m.Phase, m.PriceToBeat, m.FinalPrice, outcomeText(m.Outcome))
	if err != nil {
		return fmt.Errorf("save market %s: %w", m.Slug, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.Slug, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM btc_1m_outcomes WHERE slug = $1`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", slug, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketByStart(ctx context.Context, minuteStart int64) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM btc_1m_outcomes WHERE minute_start = $1`, minuteStart))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market @%d: %w", minuteStart, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market @%d: %w", minuteStart, err)
	}
	return m, nil
}

func (s *PostgresStore) marketsWhere(ctx context.Context, clause string, args ...any) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM btc_1m_outcomes `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecentOutcomes(ctx context.Context, limit int) ([]model.Market, error) {
	return s.marketsWhere(ctx,
		`WHERE phase = 'closed' ORDER BY minute_start DESC LIMIT $1`, limit)
}

func (s *PostgresStore) NonClosedMarkets(ctx context.Context) ([]model.Market, error) {
	return s.marketsWhere(ctx, `WHERE phase <> 'closed' ORDER BY minute_start`)
}

func (s *PostgresStore) InsertPriceTick(ctx context.Context, p model.AggregatedPrice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_history (price, sources, ts) VALUES ($1, $2, $3)`,
		p.Price, p.Sources, p.Timestamp)
	if err != nil {
		return fmt.Errorf("insert price tick: %w", err)
	}
	return nil
}

func (s *PostgresStore) PriceHistory(ctx context.Context, limit int) ([]model.AggregatedPrice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT price, sources, ts FROM
		   (SELECT price, sources, ts FROM price_history ORDER BY ts DESC LIMIT $1) recent
		 ORDER BY ts`, limit)
	if err != nil {
		return nil, fmt.Errorf("price history: %w", err)
	}
	defer rows.Close()

	var out []model.AggregatedPrice
	for rows.Next() {
		var p model.AggregatedPrice
		if err := rows.Scan(&p.Price, &p.Sources, &p.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const orderColumns = `id, user_id, round_start, side, outcome, book_side, type,
	book_price, stop_price, shares, filled, remaining, cost_per_share, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	err := row.Scan(&o.ID, &o.UserID, &o.RoundStart, &o.Side, &o.Outcome, &o.BookSide,
		&o.Type, &o.BookPrice, &o.StopPrice, &o.Shares, &o.Filled, &o.Remaining,
		&o.CostPerShare, &o.Status, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ordersWhere(ctx context.Context, clause string, args ...any) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetUserOrders(ctx context.Context, userID string, roundStart int64, statuses []model.OrderStatus) ([]model.Order, error) {
	clause := `WHERE user_id = $1`
	args := []any{userID}
	if roundStart != 0 {
		clause += ` AND round_start = $2`
		args = append(args, roundStart)
	}
	if len(statuses) > 0 {
		clause += fmt.Sprintf(` AND status = ANY($%d)`, len(args)+1)
		ss := make([]string, len(statuses))
		for i, st := range statuses {
			ss[i] = string(st)
		}
		args = append(args, ss)
	}
	clause += ` ORDER BY created_at`
	return s.ordersWhere(ctx, clause, args...)
}

func (s *PostgresStore) GetOpenRoundOrders(ctx context.Context, roundStart int64) ([]model.Order, error) {
	return s.ordersWhere(ctx,
		`WHERE round_start = $1 AND status IN ('open', 'partially_filled') ORDER BY created_at`,
		roundStart)
}

func (s *PostgresStore) GetStoppedRoundOrders(ctx context.Context, roundStart int64) ([]model.Order, error) {
	return s.ordersWhere(ctx,
		`WHERE round_start = $1 AND status = 'stopped' ORDER BY created_at`, roundStart)
}

func (s *PostgresStore) GetOrderTrades(ctx context.Context, orderID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, round_start, bid_order_id, ask_order_id, yes_user_id, no_user_id, price, shares, created_at
		 FROM trades WHERE bid_order_id = $1 OR ask_order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("order trades %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.ID, &t.RoundStart, &t.BidOrderID, &t.AskOrderID,
			&t.YesUserID, &t.NoUserID, &t.Price, &t.Shares, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID string, roundStart int64) (*model.Position, error) {
	p := &model.Position{UserID: userID, RoundStart: roundStart}
	err := s.pool.QueryRow(ctx,
		`SELECT yes_shares, no_shares FROM positions WHERE user_id = $1 AND round_start = $2`,
		userID, roundStart).Scan(&p.YesShares, &p.NoShares)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s@%d: %w", userID, roundStart, err)
	}
	return p, nil
}

func (s *PostgresStore) GetTotalLiquidity(ctx context.Context, roundStart int64) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM liquidity_provisions WHERE round_start = $1`,
		roundStart).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total liquidity @%d: %w", roundStart, err)
	}
	return total, nil
}

// Begin opens a ledger transaction.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		o.ID, o.UserID, o.RoundStart, o.Side, o.Outcome, o.BookSide, o.Type,
		o.BookPrice, o.StopPrice, o.Shares, o.Filled, o.Remaining,
		o.CostPerShare, o.Status, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", id, err)
	}
	return o, nil
}

func (t *pgTx) UpdateOrderFill(ctx context.Context, id string, filled, remaining int64, status model.OrderStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET filled = $2, remaining = $3, status = $4
		 WHERE id = $1 AND filled + remaining = $2 + $3`,
		id, filled, remaining, status)
	if err != nil {
		return fmt.Errorf("update fill %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update fill %s: shares invariant violated", id)
	}
	return nil
}

func (t *pgTx) CancelOrder(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = 'cancelled' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) CancelAllRoundOrders(ctx context.Context, roundStart int64) ([]model.Order, error) {
	// Lock and capture the pre-update rows, then flip them in one pass.
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE round_start = $1 AND status IN ('open', 'partially_filled', 'stopped')
		 ORDER BY created_at
		 FOR UPDATE`, roundStart)
	if err != nil {
		return nil, fmt.Errorf("lock round orders @%d: %w", roundStart, err)
	}
	var prior []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		prior = append(prior, *o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = t.tx.Exec(ctx,
		`UPDATE orders SET status = 'cancelled'
		 WHERE round_start = $1 AND status IN ('open', 'partially_filled', 'stopped')`,
		roundStart)
	if err != nil {
		return nil, fmt.Errorf("cancel round orders @%d: %w", roundStart, err)
	}
	return prior, nil
}

func (t *pgTx) ActivateStopOrder(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = 'open' WHERE id = $1 AND status = 'stopped'`, id)
	if err != nil {
		return fmt.Errorf("activate stop %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s is not stopped", id)
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, round_start, bid_order_id, ask_order_id, yes_user_id, no_user_id, price, shares, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tr.ID, tr.RoundStart, tr.BidOrderID, tr.AskOrderID,
		tr.YesUserID, tr.NoUserID, tr.Price, tr.Shares, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", tr.ID, err)
	}
	return nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, userID string, roundStart int64, deltaYes, deltaNo int64) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, round_start, yes_shares, no_shares)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, round_start) DO UPDATE
		   SET yes_shares = positions.yes_shares + EXCLUDED.yes_shares,
		       no_shares  = positions.no_shares  + EXCLUDED.no_shares`,
		userID, roundStart, deltaYes, deltaNo)
	if err != nil {
		return fmt.Errorf("upsert position %s@%d: %w", userID, roundStart, err)
	}
	return nil
}

func (t *pgTx) GetAllRoundPositions(ctx context.Context, roundStart int64) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT user_id, round_start, yes_shares, no_shares
		 FROM positions WHERE round_start = $1 ORDER BY user_id`, roundStart)
	if err != nil {
		return nil, fmt.Errorf("round positions @%d: %w", roundStart, err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.UserID, &p.RoundStart, &p.YesShares, &p.NoShares); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertLiquidityProvision(ctx context.Context, lp *model.LiquidityProvision) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO liquidity_provisions (id, user_id, round_start, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		lp.ID, lp.UserID, lp.RoundStart, lp.Amount, lp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert liquidity %s: %w", lp.ID, err)
	}
	return nil
}

func (t *pgTx) DeductBalance(ctx context.Context, userID string, cents int64) error {
	amount := model.CentsToDecimal(cents).String()
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET balance = balance - $2::NUMERIC
		 WHERE id = $1 AND balance >= $2::NUMERIC`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("deduct %s from %s: %w", amount, userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deduct %s from %s: %w", amount, userID, ErrInsufficientBalance)
	}
	return nil
}

func (t *pgTx) CreditBalance(ctx context.Context, userID string, cents int64) error {
	amount := model.CentsToDecimal(cents).String()
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("credit %s to %s: %w", amount, userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetBalanceForUpdate(ctx context.Context, userID string) (int64, error) {
	var balance string
	err := t.tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("lock balance %s: %w", userID, err)
	}
	d, err := decimal.NewFromString(balance)
	if err != nil {
		return 0, fmt.Errorf("lock balance %s: bad value %q: %w", userID, balance, err)
	}
	return model.DecimalToCents(d), nil
}

func (t *pgTx) UserLockedCents(ctx context.Context, userID string, roundStart int64) (int64, error) {
	var locked int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(remaining * cost_per_share), 0) FROM orders
		 WHERE user_id = $1 AND round_start = $2 AND status IN ('open', 'partially_filled')`,
		userID, roundStart).Scan(&locked)
	if err != nil {
		return 0, fmt.Errorf("locked cents %s@%d: %w", userID, roundStart, err)
	}
	return locked, nil
}

func (t *pgTx) SaveMarket(ctx context.Context, m *model.Market) error {
	return saveMarket(ctx, t.tx, m)
}
