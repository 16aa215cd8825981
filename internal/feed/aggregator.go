package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/minutex/exchange-engine/internal/model"
)

// Aggregator keeps the newest sample per source and publishes one
// weighted-average reference price per tick. Samples are never dropped
// for age: a stale-but-known price beats none for one-minute
// settlement. Staleness is surfaced through Status instead.
type Aggregator struct {
	weights   map[string]float64
	interval  time.Duration
	staleness time.Duration

	mu     sync.RWMutex
	latest map[string]model.PriceSample
	last   *model.AggregatedPrice
	subs   []chan model.AggregatedPrice

	now func() time.Time
}

// SourceStatus is the per-source view exposed by Status.
type SourceStatus struct {
	SourceID  string  `json:"source_id"`
	Weight    float64 `json:"weight"`
	Mid       float64 `json:"mid"`
	AgeMillis int64   `json:"age_millis"`
	Stale     bool    `json:"stale"`
}

// NewAggregator creates an aggregator with a static weight table that
// sums to 1.0. Absent sources reduce the denominator, never the
// numerator.
func NewAggregator(weights map[string]float64, interval, staleness time.Duration) *Aggregator {
	return &Aggregator{
		weights:   weights,
		interval:  interval,
		staleness: staleness,
		latest:    make(map[string]model.PriceSample),
		now:       time.Now,
	}
}

// Subscribe returns a channel receiving every published reference
// price. Slow subscribers lose intermediate ticks, never block the
// aggregator.
func (a *Aggregator) Subscribe() <-chan model.AggregatedPrice {
	ch := make(chan model.AggregatedPrice, 16)
	a.mu.Lock()
	a.subs = append(a.subs, ch)
	a.mu.Unlock()
	return ch
}

// Latest returns the most recently published price, or nil before any
// source has reported.
func (a *Aggregator) Latest() *model.AggregatedPrice {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return nil
	}
	cp := *a.last
	return &cp
}

// Run consumes samples and publishes aggregates until ctx ends.
func (a *Aggregator) Run(ctx context.Context, in <-chan model.PriceSample) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-in:
			if !ok {
				return
			}
			a.ingest(s)
		case <-ticker.C:
			a.publish()
		}
	}
}

func (a *Aggregator) ingest(s model.PriceSample) {
	if _, known := a.weights[s.SourceID]; !known {
		slog.Debug("sample from unweighted source dropped", "source", s.SourceID)
		return
	}
	a.mu.Lock()
	a.latest[s.SourceID] = s
	a.mu.Unlock()
}

func (a *Aggregator) publish() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.latest) == 0 {
		// No source has ever reported; subscribers get nothing rather
		// than a fabricated price.
		return
	}

	var weightedSum, weightTotal float64
	for src, s := range a.latest {
		w := a.weights[src]
		weightedSum += s.Mid * w
		weightTotal += w
	}

	agg := model.AggregatedPrice{
		Price:     weightedSum / weightTotal,
		Sources:   len(a.latest),
		Timestamp: a.now().UnixMilli(),
	}
	a.last = &agg

	for _, ch := range a.subs {
		select {
		case ch <- agg:
		default:
			// Drain one stale tick and retry so the subscriber always
			// holds the freshest price.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- agg:
			default:
			}
		}
	}
}

// Status reports the per-source sample ages against the staleness
// threshold. Informational only; stale samples still aggregate.
func (a *Aggregator) Status() []SourceStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	now := a.now().UnixMilli()
	out := make([]SourceStatus, 0, len(a.weights))
	for src, w := range a.weights {
		st := SourceStatus{SourceID: src, Weight: w}
		if s, ok := a.latest[src]; ok {
			st.Mid = s.Mid
			st.AgeMillis = now - s.Timestamp
			st.Stale = st.AgeMillis > a.staleness.Milliseconds()
		} else {
			st.AgeMillis = -1
		}
		out = append(out, st)
	}
	return out
}
