package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/equities-sim/internal/config"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var sectors = map[string]string{
	"NOVA": "tech",
	"QBIT": "tech",
	"LEDG": "finance",
	"VALT": "finance",
}

func newLimiter() *Limiter {
	return NewLimiter(config.Risk{
		StartingCash:        d(10000),
		MaxOrderValue:       d(5000),
		MinCashReserve:      d(100),
		MaxPositionFraction: d(0.5),
		MaxSectorFraction:   d(0.7),
	}, sectors)
}

func TestCheckOrderValue(t *testing.T) {
	l := newLimiter()

	if err := l.CheckOrderValue(d(5000)); err != nil {
		t.Errorf("order at the limit should pass, got %v", err)
	}
	if err := l.CheckOrderValue(d(5000.01)); err != ErrOrderValueExceeded {
		t.Errorf("expected ErrOrderValueExceeded, got %v", err)
	}
}

func TestCheckCashReserve(t *testing.T) {
	l := newLimiter()

	tests := []struct {
		cash, notional float64
		want           error
	}{
		{1000, 900, nil},
		{1000, 900.01, ErrCashReserveBreached},
		{100, 0, nil},
		{50, 0, ErrCashReserveBreached},
	}
	for _, tt := range tests {
		if err := l.CheckCashReserve(d(tt.cash), d(tt.notional)); err != tt.want {
			t.Errorf("cash=%v notional=%v: expected %v, got %v", tt.cash, tt.notional, tt.want, err)
		}
	}
}

func TestCheckConcentration_WithinLimits(t *testing.T) {
	l := newLimiter()

	err := l.CheckConcentration("NOVA", d(1000), nil, d(10000))
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckConcentration_PositionExceeded(t *testing.T) {
	l := newLimiter()

	// Existing 4500 + 600 = 5100 > 50% of 10000.
	existing := map[string]decimal.Decimal{"NOVA": d(4500)}

	err := l.CheckConcentration("NOVA", d(600), existing, d(10000))
	if err != ErrPositionLimitExceeded {
		t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
	}
}

func TestCheckConcentration_SectorExceeded(t *testing.T) {
	l := newLimiter()

	// Tech: 4000 (NOVA) + 3500 (QBIT) = 7500 > 70% of 10000, even though
	// each position alone is under 50%.
	existing := map[string]decimal.Decimal{"NOVA": d(4000), "QBIT": d(3000)}

	err := l.CheckConcentration("QBIT", d(500), existing, d(10000))
	if err != ErrSectorLimitExceeded {
		t.Errorf("expected ErrSectorLimitExceeded, got %v", err)
	}
}

func TestCheckConcentration_OtherSectorsIgnored(t *testing.T) {
	l := newLimiter()

	existing := map[string]decimal.Decimal{
		"NOVA": d(3000), // same sector as target
		"LEDG": d(4000), // finance, not counted
	}

	// Tech total = 3000 + 1000 = 4000 < 7000.
	err := l.CheckConcentration("QBIT", d(1000), existing, d(10000))
	if err != nil {
		t.Errorf("other sectors should be ignored, got %v", err)
	}
}

func TestCheckConcentration_UnknownSectorOnlyPositionLimit(t *testing.T) {
	l := newLimiter()

	err := l.CheckConcentration("ZZZZ", d(4000), nil, d(10000))
	if err != nil {
		t.Errorf("symbol without sector should only face the position limit, got %v", err)
	}
}

func TestCheckConcentration_EmptyPortfolio(t *testing.T) {
	l := newLimiter()

	err := l.CheckConcentration("NOVA", d(1), nil, decimal.Zero)
	if err != ErrPositionLimitExceeded {
		t.Errorf("zero portfolio value should reject, got %v", err)
	}
}
