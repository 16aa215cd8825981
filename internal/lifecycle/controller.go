// Package lifecycle drives the minute-market state machine: at every
// minute boundary the expiring round settles, the next activates with
// the closing price as its price to beat, and a fresh provision round
// is created at the horizon.
package lifecycle

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minutex/exchange-engine/internal/engine"
	"github.com/minutex/exchange-engine/internal/metrics"
	"github.com/minutex/exchange-engine/internal/model"
	"github.com/minutex/exchange-engine/internal/slug"
	"github.com/minutex/exchange-engine/internal/store"
)

const minuteMillis = 60_000

// PriceSource yields the latest aggregated reference price, nil before
// any feed has reported.
type PriceSource interface {
	Latest() *model.AggregatedPrice
}

// Events receives market lifecycle broadcasts.
type Events interface {
	MarketPhaseChanged(m model.Market)
	MarketListChanged(markets []model.Market)
	RoundOpened(roundStart int64)
}

// NopEvents discards all lifecycle events.
type NopEvents struct{}

func (NopEvents) MarketPhaseChanged(model.Market)   {}
func (NopEvents) MarketListChanged([]model.Market)  {}
func (NopEvents) RoundOpened(int64)                 {}

// Controller is the single-writer round state machine. The markets map
// is mutated only here; readers get snapshots.
type Controller struct {
	store  store.Store
	engine *engine.Engine
	prices PriceSource
	events Events

	horizon    int           // provision markets kept ahead
	pruneAfter time.Duration // keep closed markets in memory this long

	mu      sync.RWMutex
	markets map[int64]*model.Market
	current int64

	boundary atomic.Bool // reentrancy guard for the boundary action
	now      func() time.Time
}

// New creates a controller. A nil events sink discards broadcasts.
func New(st store.Store, eng *engine.Engine, prices PriceSource, events Events, horizon int, pruneAfter time.Duration) *Controller {
	if events == nil {
		events = NopEvents{}
	}
	return &Controller{
		store:      st,
		engine:     eng,
		prices:     prices,
		events:     events,
		horizon:    horizon,
		pruneAfter: pruneAfter,
		markets:    make(map[int64]*model.Market),
		now:        time.Now,
	}
}

// SetEvents installs the broadcast sink. Call before Run; the gateway
// is constructed after the controller.
func (c *Controller) SetEvents(e Events) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e == nil {
		e = NopEvents{}
	}
	c.events = e
}

// Init creates the current round plus the provision horizon. Markets
// already persisted (after a restart) are reused as-is.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m0 := slug.MinuteStart(c.now().UnixMilli())
	c.current = m0

	for i := 0; i <= c.horizon; i++ {
		start := m0 + int64(i)*minuteMillis
		if err := c.ensureMarketLocked(ctx, start); err != nil {
			return err
		}
	}
	return nil
}

// ensureMarketLocked loads or creates the market for a minute and
// registers its round with the engine.
func (c *Controller) ensureMarketLocked(ctx context.Context, start int64) error {
	if _, ok := c.markets[start]; ok {
		return nil
	}
	m, err := c.store.GetMarketByStart(ctx, start)
	if err != nil {
		m = &model.Market{
			MinuteStart: start,
			Slug:        slug.Format(start),
			Phase:       model.PhaseProvision,
			CreatedAt:   c.now().UTC(),
		}
		if err := c.store.InsertMarket(ctx, m); err != nil {
			return err
		}
		slog.Info("market provisioned", "slug", m.Slug)
	}
	c.markets[start] = m
	if m.Phase != model.PhaseClosed {
		c.engine.InitRound(start)
		c.engine.SetPhase(start, m.Phase)
	}
	return nil
}

// Run drives the state machine: a timer armed at each minute boundary
// plus a coarse safety tick.
func (c *Controller) Run(ctx context.Context) {
	safety := time.NewTicker(500 * time.Millisecond)
	defer safety.Stop()

	for {
		untilBoundary := time.Duration(minuteMillis-c.now().UnixMilli()%minuteMillis) * time.Millisecond
		boundary := time.NewTimer(untilBoundary)

		select {
		case <-ctx.Done():
			boundary.Stop()
			return
		case <-boundary.C:
			c.Tick(ctx)
		case <-safety.C:
			boundary.Stop()
			c.Tick(ctx)
		}
	}
}

// Tick runs one state-machine step. Safe to call concurrently; the
// boundary action is guarded and overlapping ticks no-op.
func (c *Controller) Tick(ctx context.Context) {
	latest := c.prices.Latest()
	if latest == nil {
		return // no reference price yet; activation waits
	}
	metrics.ReferencePrice.Set(latest.Price)

	if !c.boundary.CompareAndSwap(false, true) {
		return
	}
	defer c.boundary.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	nowMinute := slug.MinuteStart(c.now().UnixMilli())

	// Late activation: the current round is still pre-active and a
	// price finally exists.
	if cur, ok := c.markets[c.current]; ok && cur.Phase == model.PhaseProvision {
		c.activateLocked(ctx, cur, latest.Price)
	}

	if nowMinute <= c.current {
		return
	}

	// Boundary crossed: settle the expiring round with the latest
	// price, which also opens the next round.
	finalPrice := latest.Price

	if expiring, ok := c.markets[c.current]; ok {
		c.settleLocked(ctx, expiring, finalPrice)
	}

	c.current = nowMinute
	if err := c.ensureMarketLocked(ctx, nowMinute); err != nil {
		slog.Error("market creation failed", "minute", nowMinute, "err", err)
		return
	}
	// Close-of-previous becomes open-of-next: the reference line never
	// gaps between rounds.
	if next := c.markets[nowMinute]; next.Phase == model.PhaseProvision {
		c.activateLocked(ctx, next, finalPrice)
	}

	if err := c.ensureMarketLocked(ctx, nowMinute+int64(c.horizon)*minuteMillis); err != nil {
		slog.Error("provision market creation failed", "err", err)
	}

	c.pruneLocked()
	c.events.MarketListChanged(c.snapshotLocked())
	c.events.RoundOpened(nowMinute)
	c.updateActiveGaugeLocked()
}

// activateLocked fixes the price to beat and opens trading. Called at
// most once per market.
func (c *Controller) activateLocked(ctx context.Context, m *model.Market, price float64) {
	p := price
	m.PriceToBeat = &p
	m.Phase = model.PhaseActive

	if err := c.engine.SetPhase(m.MinuteStart, model.PhaseActive); err != nil {
		slog.Error("round activation failed", "slug", m.Slug, "err", err)
		return
	}
	if err := c.store.SaveMarket(ctx, m); err != nil {
		slog.Error("market activation persist failed", "slug", m.Slug, "err", err)
	}

	slog.Info("round active", "slug", m.Slug, "price_to_beat", p)
	c.events.MarketPhaseChanged(*m)
	c.updateActiveGaugeLocked()
}

// settleLocked closes a round against the final price. A round that
// never activated settles against itself and pays the YES side.
func (c *Controller) settleLocked(ctx context.Context, m *model.Market, finalPrice float64) {
	if m.Phase == model.PhaseClosed {
		return // already settled, e.g. re-loaded after a restart
	}
	if m.PriceToBeat == nil {
		m.PriceToBeat = &finalPrice
	}

	f := finalPrice
	outcome := model.OutcomeDown
	if finalPrice >= *m.PriceToBeat {
		outcome = model.OutcomeUp
	}
	m.FinalPrice = &f
	m.Outcome = &outcome
	m.Phase = model.PhaseClosed

	if err := c.engine.Settle(ctx, m.MinuteStart, outcome); err != nil {
		slog.Error("round settlement failed", "slug", m.Slug, "err", err)
	}
	if err := c.store.SaveMarket(ctx, m); err != nil {
		slog.Error("market settlement persist failed", "slug", m.Slug, "err", err)
	}

	slog.Info("round settled",
		"slug", m.Slug,
		"price_to_beat", *m.PriceToBeat,
		"final_price", finalPrice,
		"outcome", outcome,
	)
	c.events.MarketPhaseChanged(*m)
}

// pruneLocked drops closed markets whose close is older than the
// retention window.
func (c *Controller) pruneLocked() {
	cutoff := c.now().UnixMilli() - c.pruneAfter.Milliseconds()
	for start, m := range c.markets {
		if m.Phase == model.PhaseClosed && start+minuteMillis < cutoff {
			delete(c.markets, start)
			c.engine.DropRound(start)
		}
	}
}

func (c *Controller) updateActiveGaugeLocked() {
	var active int
	for _, m := range c.markets {
		if m.Phase == model.PhaseActive {
			active++
		}
	}
	if active > 1 {
		// The controller guarantees a single active market; two is an
		// internal error, not a display problem.
		slog.Error("multiple active markets", "count", active)
	}
	metrics.ActiveRounds.Set(float64(active))
}

func (c *Controller) snapshotLocked() []model.Market {
	out := make([]model.Market, 0, len(c.markets))
	for _, m := range c.markets {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinuteStart < out[j].MinuteStart })
	return out
}

// Markets returns a snapshot of the in-memory market list, oldest
// first.
func (c *Controller) Markets() []model.Market {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Current returns the market the clock is inside of, if known.
func (c *Controller) Current() (model.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markets[c.current]
	if !ok {
		return model.Market{}, false
	}
	return *m, true
}

// MarketBySlug resolves a slug from memory, falling back to the store
// for aged-out markets.
func (c *Controller) MarketBySlug(ctx context.Context, s string) (*model.Market, error) {
	start, err := slug.Parse(s)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	m, ok := c.markets[start]
	c.mu.RUnlock()
	if ok {
		cp := *m
		return &cp, nil
	}
	return c.store.GetMarketBySlug(ctx, s)
}
