package risk

import (
	"errors"
	"testing"
)

func TestCheckShares(t *testing.T) {
	l := NewLimits(1000, 0)

	if err := l.CheckShares(1); err != nil {
		t.Errorf("1 share should pass: %v", err)
	}
	if err := l.CheckShares(1000); err != nil {
		t.Errorf("cap should pass: %v", err)
	}
	if err := l.CheckShares(0); !errors.Is(err, ErrSharesOutOfRange) {
		t.Errorf("expected ErrSharesOutOfRange for 0, got %v", err)
	}
	if err := l.CheckShares(1001); !errors.Is(err, ErrSharesOutOfRange) {
		t.Errorf("expected ErrSharesOutOfRange for 1001, got %v", err)
	}
	if err := l.CheckShares(-5); !errors.Is(err, ErrSharesOutOfRange) {
		t.Errorf("expected ErrSharesOutOfRange for negative, got %v", err)
	}
}

func TestCheckExposure(t *testing.T) {
	l := NewLimits(1000, 50_00)

	if err := l.CheckExposure(20_00, 30_00); err != nil {
		t.Errorf("exactly at cap should pass: %v", err)
	}
	if err := l.CheckExposure(20_00, 30_01); !errors.Is(err, ErrExposureLimitExceeded) {
		t.Errorf("expected ErrExposureLimitExceeded, got %v", err)
	}

	unlimited := NewLimits(1000, 0)
	if err := unlimited.CheckExposure(1<<40, 1<<40); err != nil {
		t.Errorf("zero cap disables the check: %v", err)
	}
}
