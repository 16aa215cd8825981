package book

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/minutex/exchange-engine/internal/model"
)

// genEntry generates a random entry with a small timestamp range to
// encourage tie-breaking on equal prices.
func genEntry(id int, side model.BookSide) *rapid.Generator[*Entry] {
	return rapid.Custom(func(t *rapid.T) *Entry {
		price := rapid.IntRange(1, 99).Draw(t, "price")
		secOffset := rapid.IntRange(0, 10).Draw(t, "secOffset")
		createdAt := time.Date(2025, 1, 1, 0, 0, secOffset, 0, time.UTC)
		orderID := fmt.Sprintf("order-%d", id)

		return &Entry{
			OrderID:      orderID,
			UserID:       fmt.Sprintf("user-%d", id%5),
			Price:        price,
			Remaining:    rapid.Int64Range(1, 100).Draw(t, "remaining"),
			CostPerShare: price,
			Side:         side,
			CreatedAt:    createdAt,
		}
	})
}

func TestProperty_BidSortingInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 60).Draw(t, "numEntries")
		b := New()
		for i := 0; i < n; i++ {
			b.Insert(genEntry(i, model.BookBid).Draw(t, fmt.Sprintf("bid-%d", i)))
		}

		var prev *Entry
		b.Walk(model.BookBid, func(e *Entry) bool {
			if prev != nil {
				if e.Price > prev.Price {
					t.Fatalf("bid side: price should be descending, got %d after %d", e.Price, prev.Price)
				}
				if e.Price == prev.Price && e.CreatedAt.Before(prev.CreatedAt) {
					t.Fatalf("bid side: same price %d, created_at should be ascending", e.Price)
				}
			}
			prev = e
			return true
		})
	})
}

func TestProperty_AskSortingInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 60).Draw(t, "numEntries")
		b := New()
		for i := 0; i < n; i++ {
			b.Insert(genEntry(i, model.BookAsk).Draw(t, fmt.Sprintf("ask-%d", i)))
		}

		var prev *Entry
		b.Walk(model.BookAsk, func(e *Entry) bool {
			if prev != nil {
				if e.Price < prev.Price {
					t.Fatalf("ask side: price should be ascending, got %d after %d", e.Price, prev.Price)
				}
				if e.Price == prev.Price && e.CreatedAt.Before(prev.CreatedAt) {
					t.Fatalf("ask side: same price %d, created_at should be ascending", e.Price)
				}
			}
			prev = e
			return true
		})
	})
}

func TestProperty_SnapshotConservesShares(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 60).Draw(t, "numEntries")
		b := New()
		var inserted int64
		for i := 0; i < n; i++ {
			side := model.BookBid
			if rapid.Bool().Draw(t, "side") {
				side = model.BookAsk
			}
			e := genEntry(i, side).Draw(t, fmt.Sprintf("e-%d", i))
			inserted += e.Remaining
			b.Insert(e)
		}

		snap := b.SnapshotLevels()
		var total int64
		for _, l := range snap.Bids {
			total += l.Shares
		}
		for _, l := range snap.Asks {
			total += l.Shares
		}
		if total != inserted {
			t.Fatalf("snapshot shares %d != inserted %d", total, inserted)
		}
	})
}

func TestProperty_RemoveIsComplete(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(t, "numEntries")
		b := New()
		ids := make([]string, 0, n)
		for i := 0; i < n; i++ {
			e := genEntry(i, model.BookBid).Draw(t, fmt.Sprintf("e-%d", i))
			b.Insert(e)
			ids = append(ids, e.OrderID)
		}
		for _, id := range ids {
			b.Remove(id)
		}
		if b.Len() != 0 {
			t.Fatalf("book should be empty after removing all, got %d", b.Len())
		}
		if _, ok := b.BestBid(); ok {
			t.Fatal("BestBid on empty book should report none")
		}
	})
}
