package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/minutex/exchange-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache for market and user lookups, plus a rolling
// latest-price key. Writes go to the primary and invalidate; reads
// check Redis first and fall back.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func marketSlugKey(slug string) string  { return fmt.Sprintf("market:slug:%s", slug) }
func marketStartKey(start int64) string { return fmt.Sprintf("market:start:%d", start) }
func userKey(id string) string          { return fmt.Sprintf("user:%s", id) }

const latestPriceKey = "price:latest"

// --- Write-through with invalidation ---

func (s *CachedStore) InsertMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.InsertMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) SaveMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.SaveMarket(ctx, m); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketSlugKey(m.Slug), marketStartKey(m.MinuteStart))
	return nil
}

func (s *CachedStore) UpsertUser(ctx context.Context, u *model.User) error {
	if err := s.primary.UpsertUser(ctx, u); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(u.ID))
	return nil
}

func (s *CachedStore) InsertPriceTick(ctx context.Context, p model.AggregatedPrice) error {
	if err := s.primary.InsertPriceTick(ctx, p); err != nil {
		return err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, latestPriceKey, data, s.ttl)
	}
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error) {
	if data, err := s.rdb.Get(ctx, marketSlugKey(slug)).Bytes(); err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}
	m, err := s.primary.GetMarketBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetMarketByStart(ctx context.Context, start int64) (*model.Market, error) {
	if data, err := s.rdb.Get(ctx, marketStartKey(start)).Bytes(); err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}
	m, err := s.primary.GetMarketByStart(ctx, start)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	if data, err := s.rdb.Get(ctx, userKey(id)).Bytes(); err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}
	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(id), data, s.ttl)
	}
	return u, nil
}

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketSlugKey(m.Slug), data, s.ttl)
		s.rdb.Set(ctx, marketStartKey(m.MinuteStart), data, s.ttl)
	}
}

// --- Passthrough ---

// Begin returns a primary-store transaction. Balance and order
// mutations go to the primary; cached user entries touched by balance
// changes are deleted when the transaction commits.
func (s *CachedStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.primary.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &invalidatingTx{Tx: tx, cache: s}, nil
}

// invalidatingTx drops cached user entries touched by balance
// mutations once they land in the primary.
type invalidatingTx struct {
	Tx
	cache   *CachedStore
	touched []string
}

func (t *invalidatingTx) DeductBalance(ctx context.Context, userID string, cents int64) error {
	if err := t.Tx.DeductBalance(ctx, userID, cents); err != nil {
		return err
	}
	t.touched = append(t.touched, userKey(userID))
	return nil
}

func (t *invalidatingTx) CreditBalance(ctx context.Context, userID string, cents int64) error {
	if err := t.Tx.CreditBalance(ctx, userID, cents); err != nil {
		return err
	}
	t.touched = append(t.touched, userKey(userID))
	return nil
}

func (t *invalidatingTx) Commit(ctx context.Context) error {
	if err := t.Tx.Commit(ctx); err != nil {
		return err
	}
	if len(t.touched) > 0 {
		t.cache.rdb.Del(ctx, t.touched...)
	}
	return nil
}

func (s *CachedStore) RecentOutcomes(ctx context.Context, limit int) ([]model.Market, error) {
	return s.primary.RecentOutcomes(ctx, limit)
}

func (s *CachedStore) NonClosedMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.NonClosedMarkets(ctx)
}

func (s *CachedStore) PriceHistory(ctx context.Context, limit int) ([]model.AggregatedPrice, error) {
	return s.primary.PriceHistory(ctx, limit)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) GetUserOrders(ctx context.Context, userID string, roundStart int64, statuses []model.OrderStatus) ([]model.Order, error) {
	return s.primary.GetUserOrders(ctx, userID, roundStart, statuses)
}

func (s *CachedStore) GetOpenRoundOrders(ctx context.Context, roundStart int64) ([]model.Order, error) {
	return s.primary.GetOpenRoundOrders(ctx, roundStart)
}

func (s *CachedStore) GetStoppedRoundOrders(ctx context.Context, roundStart int64) ([]model.Order, error) {
	return s.primary.GetStoppedRoundOrders(ctx, roundStart)
}

func (s *CachedStore) GetOrderTrades(ctx context.Context, orderID string) ([]model.Trade, error) {
	return s.primary.GetOrderTrades(ctx, orderID)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID string, roundStart int64) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, roundStart)
}

func (s *CachedStore) GetTotalLiquidity(ctx context.Context, roundStart int64) (int64, error) {
	return s.primary.GetTotalLiquidity(ctx, roundStart)
}
