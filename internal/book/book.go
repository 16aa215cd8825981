// Package book implements the per-round central limit order book. The
// book lives on the YES price scale: bids sorted price descending,
// asks ascending, ties broken by creation time then order ID.
//
// The book is not internally synchronized; the matching engine owns
// all mutation and serialises access.
package book

import (
	"time"

	"github.com/google/btree"

	"github.com/minutex/exchange-engine/internal/model"
)

// Entry is a single resting order on the book.
type Entry struct {
	OrderID      string
	UserID       string
	Price        int // YES scale, [1,99]
	Remaining    int64
	CostPerShare int
	Side         model.BookSide
	CreatedAt    time.Time
}

// Level is one aggregated price level for display. No user data.
type Level struct {
	Price  int   `json:"price"`
	Shares int64 `json:"shares"`
	Orders int   `json:"orders"`
}

// Snapshot is a full aggregated view of both sides.
type Snapshot struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// bidLess orders the bid side: price descending, then created_at
// ascending, then order ID ascending. Min() is the best bid.
func bidLess(a, b *Entry) bool {
	if a.Price != b.Price {
		return a.Price > b.Price
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// askLess orders the ask side: price ascending, then created_at
// ascending, then order ID ascending. Min() is the best ask.
func askLess(a, b *Entry) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// Book holds both sides of one round's order book with a secondary
// index for O(log n) removal by order ID.
type Book struct {
	bids  *btree.BTreeG[*Entry]
	asks  *btree.BTreeG[*Entry]
	index map[string]*Entry
}

// New creates an empty book.
func New() *Book {
	const degree = 32
	return &Book{
		bids:  btree.NewG(degree, bidLess),
		asks:  btree.NewG(degree, askLess),
		index: make(map[string]*Entry),
	}
}

// Insert rests an entry on its side of the book.
func (b *Book) Insert(e *Entry) {
	if e.Side == model.BookBid {
		b.bids.ReplaceOrInsert(e)
	} else {
		b.asks.ReplaceOrInsert(e)
	}
	b.index[e.OrderID] = e
}

// Remove unlinks an order from the book. Unknown IDs are a no-op.
func (b *Book) Remove(orderID string) {
	e, ok := b.index[orderID]
	if !ok {
		return
	}
	delete(b.index, orderID)
	if e.Side == model.BookBid {
		b.bids.Delete(e)
	} else {
		b.asks.Delete(e)
	}
}

// Get returns the resting entry for an order ID.
func (b *Book) Get(orderID string) (*Entry, bool) {
	e, ok := b.index[orderID]
	return e, ok
}

// BestBid returns the highest-priority bid.
func (b *Book) BestBid() (*Entry, bool) {
	return b.bids.Min()
}

// BestAsk returns the highest-priority ask.
func (b *Book) BestAsk() (*Entry, bool) {
	return b.asks.Min()
}

// Candidates returns, in priority order, the resting entries on the
// side opposing an incoming order of the given side, stopping at the
// first price-incompatible level. limitPrice 99 (bid) or 1 (ask)
// crosses the whole book.
func (b *Book) Candidates(incoming model.BookSide, limitPrice int) []*Entry {
	var out []*Entry
	if incoming == model.BookBid {
		b.asks.Ascend(func(e *Entry) bool {
			if e.Price > limitPrice {
				return false
			}
			out = append(out, e)
			return true
		})
	} else {
		b.bids.Ascend(func(e *Entry) bool {
			if e.Price < limitPrice {
				return false
			}
			out = append(out, e)
			return true
		})
	}
	return out
}

// AvailableShares counts matchable shares for an incoming order,
// skipping entries owned by excludeUser. Used by the FOK pre-check.
func (b *Book) AvailableShares(incoming model.BookSide, limitPrice int, excludeUser string) int64 {
	var total int64
	for _, e := range b.Candidates(incoming, limitPrice) {
		if e.UserID == excludeUser {
			continue
		}
		total += e.Remaining
	}
	return total
}

// SnapshotLevels aggregates both sides by price. Bids come out price
// descending, asks ascending.
func (b *Book) SnapshotLevels() Snapshot {
	return Snapshot{
		Bids: levels(b.bids),
		Asks: levels(b.asks),
	}
}

func levels(tree *btree.BTreeG[*Entry]) []Level {
	out := make([]Level, 0, 8)
	tree.Ascend(func(e *Entry) bool {
		if n := len(out); n > 0 && out[n-1].Price == e.Price {
			out[n-1].Shares += e.Remaining
			out[n-1].Orders++
			return true
		}
		out = append(out, Level{Price: e.Price, Shares: e.Remaining, Orders: 1})
		return true
	})
	return out
}

// Fill is one committed fill against a resting entry, to be mirrored
// into the book after the ledger transaction lands.
type Fill struct {
	OrderID string
	Shares  int64
}

// ApplyFills decrements resting entries by their committed fills and
// unlinks the ones that reach zero. Sorted positions of surviving
// entries are preserved.
func (b *Book) ApplyFills(fills []Fill) {
	for _, f := range fills {
		e, ok := b.index[f.OrderID]
		if !ok {
			continue
		}
		e.Remaining -= f.Shares
		if e.Remaining <= 0 {
			b.Remove(f.OrderID)
		}
	}
}

// Walk iterates one side in priority order. The callback returns true
// to continue.
func (b *Book) Walk(side model.BookSide, fn func(*Entry) bool) {
	if side == model.BookBid {
		b.bids.Ascend(fn)
	} else {
		b.asks.Ascend(fn)
	}
}

// Len returns the number of resting orders on both sides.
func (b *Book) Len() int {
	return b.bids.Len() + b.asks.Len()
}
