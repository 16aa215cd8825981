package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/minutex/exchange-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development; data does not persist. A transaction takes the
// write lock for its whole lifetime and snapshots mutable state so
// Rollback can restore it.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	markets   map[int64]*model.Market
	orders    map[string]*model.Order
	trades    []model.Trade
	positions map[string]*model.Position // userID|roundStart
	liquidity []model.LiquidityProvision
	ticks     []model.AggregatedPrice
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		markets:   make(map[int64]*model.Market),
		orders:    make(map[string]*model.Order),
		positions: make(map[string]*model.Position),
	}
}

func posKey(userID string, roundStart int64) string {
	return fmt.Sprintf("%s|%d", userID, roundStart)
}

// --- Store reads ---

func (s *MemoryStore) UpsertUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[u.ID]; ok {
		existing.Username = u.Username
		existing.FirstName = u.FirstName
		existing.PhotoURL = u.PhotoURL
		u.Balance = existing.Balance
		u.CreatedAt = existing.CreatedAt
		return nil
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) InsertMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.MinuteStart]; ok {
		return fmt.Errorf("market %s: %w", m.Slug, ErrDuplicate)
	}
	for _, existing := range s.markets {
		if existing.Slug == m.Slug {
			return fmt.Errorf("market %s: %w", m.Slug, ErrDuplicate)
		}
	}
	cp := *m
	s.markets[m.MinuteStart] = &cp
	return nil
}

func (s *MemoryStore) SaveMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveMarketLocked(m)
}

func (s *MemoryStore) saveMarketLocked(m *model.Market) error {
	existing, ok := s.markets[m.MinuteStart]
	if !ok {
		return fmt.Errorf("market %s: %w", m.Slug, ErrNotFound)
	}
	existing.Phase = m.Phase
	existing.PriceToBeat = m.PriceToBeat
	existing.FinalPrice = m.FinalPrice
	existing.Outcome = m.Outcome
	return nil
}

func (s *MemoryStore) GetMarketBySlug(_ context.Context, slug string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.markets {
		if m.Slug == slug {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("market %s: %w", slug, ErrNotFound)
}

func (s *MemoryStore) GetMarketByStart(_ context.Context, minuteStart int64) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[minuteStart]
	if !ok {
		return nil, fmt.Errorf("market @%d: %w", minuteStart, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) RecentOutcomes(_ context.Context, limit int) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Market
	for _, m := range s.markets {
		if m.Phase == model.PhaseClosed {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinuteStart > out[j].MinuteStart })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) NonClosedMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Market
	for _, m := range s.markets {
		if m.Phase != model.PhaseClosed {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinuteStart < out[j].MinuteStart })
	return out, nil
}

func (s *MemoryStore) InsertPriceTick(_ context.Context, p model.AggregatedPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, p)
	return nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, limit int) ([]model.AggregatedPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.ticks)
	if limit > 0 && n > limit {
		n = limit
	}
	// Oldest first, trimmed from the front.
	out := make([]model.AggregatedPrice, n)
	copy(out, s.ticks[len(s.ticks)-n:])
	return out, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) GetUserOrders(_ context.Context, userID string, roundStart int64, statuses []model.OrderStatus) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	match := func(st model.OrderStatus) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, want := range statuses {
			if st == want {
				return true
			}
		}
		return false
	}
	var out []model.Order
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if roundStart != 0 && o.RoundStart != roundStart {
			continue
		}
		if !match(o.Status) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetOpenRoundOrders(_ context.Context, roundStart int64) ([]model.Order, error) {
	return s.roundOrders(roundStart, model.StatusOpen, model.StatusPartiallyFilled)
}

func (s *MemoryStore) GetStoppedRoundOrders(_ context.Context, roundStart int64) ([]model.Order, error) {
	return s.roundOrders(roundStart, model.StatusStopped)
}

func (s *MemoryStore) roundOrders(roundStart int64, statuses ...model.OrderStatus) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Order
	for _, o := range s.orders {
		if o.RoundStart != roundStart {
			continue
		}
		for _, st := range statuses {
			if o.Status == st {
				out = append(out, *o)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetOrderTrades(_ context.Context, orderID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Trade
	for _, t := range s.trades {
		if t.BidOrderID == orderID || t.AskOrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID string, roundStart int64) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[posKey(userID, roundStart)]
	if !ok {
		return &model.Position{UserID: userID, RoundStart: roundStart}, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetTotalLiquidity(_ context.Context, roundStart int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, lp := range s.liquidity {
		if lp.RoundStart == roundStart {
			total += lp.Amount
		}
	}
	return total, nil
}

// --- Transactions ---

// memorySnapshot captures the mutable state a rollback must restore.
type memorySnapshot struct {
	users     map[string]*model.User
	markets   map[int64]*model.Market
	orders    map[string]*model.Order
	positions map[string]*model.Position
	trades    int
	liquidity int
}

func (s *MemoryStore) snapshot() *memorySnapshot {
	snap := &memorySnapshot{
		users:     make(map[string]*model.User, len(s.users)),
		markets:   make(map[int64]*model.Market, len(s.markets)),
		orders:    make(map[string]*model.Order, len(s.orders)),
		positions: make(map[string]*model.Position, len(s.positions)),
		trades:    len(s.trades),
		liquidity: len(s.liquidity),
	}
	for k, v := range s.users {
		cp := *v
		snap.users[k] = &cp
	}
	for k, v := range s.markets {
		cp := *v
		snap.markets[k] = &cp
	}
	for k, v := range s.orders {
		cp := *v
		snap.orders[k] = &cp
	}
	for k, v := range s.positions {
		cp := *v
		snap.positions[k] = &cp
	}
	return snap
}

func (s *MemoryStore) restore(snap *memorySnapshot) {
	s.users = snap.users
	s.markets = snap.markets
	s.orders = snap.orders
	s.positions = snap.positions
	s.trades = s.trades[:snap.trades]
	s.liquidity = s.liquidity[:snap.liquidity]
}

// Begin takes the write lock for the transaction's lifetime.
func (s *MemoryStore) Begin(_ context.Context) (Tx, error) {
	s.mu.Lock()
	return &memoryTx{store: s, snap: s.snapshot()}, nil
}

type memoryTx struct {
	store *MemoryStore
	snap  *memorySnapshot
	done  bool
}

func (tx *memoryTx) finish() {
	if !tx.done {
		tx.done = true
		tx.store.mu.Unlock()
	}
}

func (tx *memoryTx) Commit(_ context.Context) error {
	tx.finish()
	return nil
}

func (tx *memoryTx) Rollback(_ context.Context) error {
	if !tx.done {
		tx.store.restore(tx.snap)
	}
	tx.finish()
	return nil
}

func (tx *memoryTx) InsertOrder(_ context.Context, o *model.Order) error {
	if o.Shares <= 0 || o.BookPrice < 1 || o.BookPrice > 99 || o.CostPerShare < 1 || o.CostPerShare > 99 {
		return fmt.Errorf("order %s violates check constraints", o.ID)
	}
	cp := *o
	tx.store.orders[o.ID] = &cp
	return nil
}

func (tx *memoryTx) GetOrderForUpdate(_ context.Context, id string) (*model.Order, error) {
	o, ok := tx.store.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (tx *memoryTx) UpdateOrderFill(_ context.Context, id string, filled, remaining int64, status model.OrderStatus) error {
	o, ok := tx.store.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if filled+remaining != o.Shares || remaining < 0 {
		return fmt.Errorf("order %s fill update violates shares invariant", id)
	}
	o.Filled = filled
	o.Remaining = remaining
	o.Status = status
	return nil
}

func (tx *memoryTx) CancelOrder(_ context.Context, id string) error {
	o, ok := tx.store.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	o.Status = model.StatusCancelled
	return nil
}

func (tx *memoryTx) CancelAllRoundOrders(_ context.Context, roundStart int64) ([]model.Order, error) {
	var prior []model.Order
	for _, o := range tx.store.orders {
		if o.RoundStart != roundStart {
			continue
		}
		switch o.Status {
		case model.StatusOpen, model.StatusPartiallyFilled, model.StatusStopped:
			prior = append(prior, *o)
			o.Status = model.StatusCancelled
		}
	}
	sort.Slice(prior, func(i, j int) bool { return prior[i].CreatedAt.Before(prior[j].CreatedAt) })
	return prior, nil
}

func (tx *memoryTx) ActivateStopOrder(_ context.Context, id string) error {
	o, ok := tx.store.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if o.Status != model.StatusStopped {
		return fmt.Errorf("order %s is not stopped", id)
	}
	o.Status = model.StatusOpen
	return nil
}

func (tx *memoryTx) InsertTrade(_ context.Context, t *model.Trade) error {
	if t.Shares <= 0 || t.Price < 1 || t.Price > 99 {
		return fmt.Errorf("trade %s violates check constraints", t.ID)
	}
	tx.store.trades = append(tx.store.trades, *t)
	return nil
}

func (tx *memoryTx) UpsertPosition(_ context.Context, userID string, roundStart int64, deltaYes, deltaNo int64) error {
	key := posKey(userID, roundStart)
	p, ok := tx.store.positions[key]
	if !ok {
		p = &model.Position{UserID: userID, RoundStart: roundStart}
		tx.store.positions[key] = p
	}
	p.YesShares += deltaYes
	p.NoShares += deltaNo
	if p.YesShares < 0 || p.NoShares < 0 {
		return fmt.Errorf("position %s would go negative", key)
	}
	return nil
}

func (tx *memoryTx) GetAllRoundPositions(_ context.Context, roundStart int64) ([]model.Position, error) {
	var out []model.Position
	for _, p := range tx.store.positions {
		if p.RoundStart == roundStart {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (tx *memoryTx) InsertLiquidityProvision(_ context.Context, lp *model.LiquidityProvision) error {
	if lp.Amount <= 0 {
		return fmt.Errorf("liquidity %s must be positive", lp.ID)
	}
	tx.store.liquidity = append(tx.store.liquidity, *lp)
	return nil
}

func (tx *memoryTx) DeductBalance(_ context.Context, userID string, cents int64) error {
	u, ok := tx.store.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if u.Balance < cents {
		return fmt.Errorf("user %s has %d, needs %d: %w", userID, u.Balance, cents, ErrInsufficientBalance)
	}
	u.Balance -= cents
	return nil
}

func (tx *memoryTx) CreditBalance(_ context.Context, userID string, cents int64) error {
	u, ok := tx.store.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	u.Balance += cents
	return nil
}

func (tx *memoryTx) GetBalanceForUpdate(_ context.Context, userID string) (int64, error) {
	u, ok := tx.store.users[userID]
	if !ok {
		return 0, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return u.Balance, nil
}

func (tx *memoryTx) UserLockedCents(_ context.Context, userID string, roundStart int64) (int64, error) {
	var total int64
	for _, o := range tx.store.orders {
		if o.UserID != userID || o.RoundStart != roundStart {
			continue
		}
		if o.Status == model.StatusOpen || o.Status == model.StatusPartiallyFilled {
			total += o.ReservedCents()
		}
	}
	return total, nil
}

func (tx *memoryTx) SaveMarket(_ context.Context, m *model.Market) error {
	return tx.store.saveMarketLocked(m)
}
