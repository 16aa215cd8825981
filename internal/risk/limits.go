// Package risk enforces order-size and exposure limits at placement
// time. Limits are static per process; violating orders are rejected
// before any balance is touched.
package risk

import (
	"errors"
	"fmt"
)

var (
	// ErrSharesOutOfRange is returned when an order's share count is
	// outside [1, MaxSharesPerOrder].
	ErrSharesOutOfRange = errors.New("risk: share count out of range")

	// ErrExposureLimitExceeded is returned when an order would push
	// the user's locked balance in one round past MaxOpenExposure.
	ErrExposureLimitExceeded = errors.New("risk: open exposure limit exceeded")
)

// Limits bounds what a single user can put at risk in one round.
type Limits struct {
	// MaxSharesPerOrder caps the share count of any single order.
	MaxSharesPerOrder int64

	// MaxOpenExposure caps the cents a user may have locked across
	// resting orders in a single round. Zero disables the check.
	MaxOpenExposure int64
}

// NewLimits creates limits with the given caps.
func NewLimits(maxShares, maxExposure int64) *Limits {
	if maxShares < 1 {
		maxShares = 1
	}
	return &Limits{
		MaxSharesPerOrder: maxShares,
		MaxOpenExposure:   maxExposure,
	}
}

// CheckShares validates an order's share count.
func (l *Limits) CheckShares(shares int64) error {
	if shares < 1 || shares > l.MaxSharesPerOrder {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrSharesOutOfRange, shares, l.MaxSharesPerOrder)
	}
	return nil
}

// CheckExposure validates that adding deltaCents of newly locked
// balance keeps the user's round exposure within bounds. lockedCents
// is the user's current locked total for the round.
func (l *Limits) CheckExposure(lockedCents, deltaCents int64) error {
	if l.MaxOpenExposure <= 0 {
		return nil
	}
	if lockedCents+deltaCents > l.MaxOpenExposure {
		return fmt.Errorf("%w: %d + %d > %d cents",
			ErrExposureLimitExceeded, lockedCents, deltaCents, l.MaxOpenExposure)
	}
	return nil
}
