package feed

import (
	"context"
	"log/slog"

	"github.com/minutex/exchange-engine/internal/model"
)

// Persister stores reference-price ticks. Write errors are tolerated;
// the fan-out never blocks on durability.
type Persister interface {
	InsertPriceTick(ctx context.Context, p model.AggregatedPrice) error
}

// Broadcaster pushes a reference price to connected clients.
type Broadcaster interface {
	BroadcastPrice(p model.AggregatedPrice)
}

// Distributor fans each published reference price out to clients and,
// best-effort, to the time-series persister.
type Distributor struct {
	persister   Persister
	broadcaster Broadcaster
}

// NewDistributor wires the aggregator output to its consumers. Either
// dependency may be nil.
func NewDistributor(p Persister, b Broadcaster) *Distributor {
	return &Distributor{persister: p, broadcaster: b}
}

// Run consumes aggregated prices until ctx ends or in closes.
func (d *Distributor) Run(ctx context.Context, in <-chan model.AggregatedPrice) {
	for {
		select {
		case <-ctx.Done():
			return
		case agg, ok := <-in:
			if !ok {
				return
			}
			if d.broadcaster != nil {
				d.broadcaster.BroadcastPrice(agg)
			}
			if d.persister != nil {
				if err := d.persister.InsertPriceTick(ctx, agg); err != nil {
					slog.Warn("price tick persist failed", "err", err)
				}
			}
		}
	}
}
