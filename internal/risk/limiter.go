// Package risk implements pre-trade limits for simulated traders.
//
// Besides the plain order-value and cash-reserve limits, the limiter is
// correlation aware: symbols sharing a sector tag tend to move together
// (the simulator nudges them toward each other), so a trader stacking the
// whole sector carries correlated risk. The limiter caps both the single
// position and the aggregate sector exposure as fractions of total
// portfolio value.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/equities-sim/internal/config"
)

var (
	// ErrOrderValueExceeded is returned when an order's notional is above
	// MaxOrderValue.
	ErrOrderValueExceeded = errors.New("risk: order value exceeds limit")

	// ErrCashReserveBreached is returned when a buy would leave less than
	// MinCashReserve in cash.
	ErrCashReserveBreached = errors.New("risk: order would breach minimum cash reserve")

	// ErrPositionLimitExceeded is returned when a buy would push a single
	// position beyond MaxPositionFraction of portfolio value.
	ErrPositionLimitExceeded = errors.New("risk: position concentration limit exceeded")

	// ErrSectorLimitExceeded is returned when a buy would push the aggregate
	// exposure of a sector beyond MaxSectorFraction of portfolio value.
	ErrSectorLimitExceeded = errors.New("risk: correlated sector exposure limit exceeded")
)

// Limiter enforces the configured limits.
type Limiter struct {
	// MaxOrderValue caps the notional of a single order.
	MaxOrderValue decimal.Decimal

	// MinCashReserve is the cash a buy must leave untouched.
	MinCashReserve decimal.Decimal

	// MaxPositionFraction caps one position's market value relative to
	// total portfolio value.
	MaxPositionFraction decimal.Decimal

	// MaxSectorFraction caps the summed market value of all positions
	// sharing a sector tag relative to total portfolio value.
	MaxSectorFraction decimal.Decimal

	sectorOf map[string]string
}

// NewLimiter creates a limiter from configuration. sectorOf maps each
// ticker onto its sector tag.
func NewLimiter(cfg config.Risk, sectorOf map[string]string) *Limiter {
	return &Limiter{
		MaxOrderValue:       cfg.MaxOrderValue,
		MinCashReserve:      cfg.MinCashReserve,
		MaxPositionFraction: cfg.MaxPositionFraction,
		MaxSectorFraction:   cfg.MaxSectorFraction,
		sectorOf:            sectorOf,
	}
}

// CheckOrderValue validates the order notional.
func (l *Limiter) CheckOrderValue(notional decimal.Decimal) error {
	if notional.GreaterThan(l.MaxOrderValue) {
		return ErrOrderValueExceeded
	}
	return nil
}

// CheckCashReserve validates that cash − notional stays at or above the
// reserve.
func (l *Limiter) CheckCashReserve(cash, notional decimal.Decimal) error {
	if cash.Sub(notional).LessThan(l.MinCashReserve) {
		return ErrCashReserveBreached
	}
	return nil
}

// CheckConcentration validates a buy of buyNotional in symbol.
//
// Parameters:
//   - symbol: ticker being bought
//   - buyNotional: value added to the position
//   - exposures: ticker → current market value of the trader's holdings
//   - totalValue: total portfolio value (cash + reserved cash + holdings)
//
// A buy at market converts cash into stock, so totalValue is unchanged by
// the trade itself.
func (l *Limiter) CheckConcentration(
	symbol string,
	buyNotional decimal.Decimal,
	exposures map[string]decimal.Decimal,
	totalValue decimal.Decimal,
) error {
	if !totalValue.IsPositive() {
		return ErrPositionLimitExceeded
	}

	// 1. Single position.
	newPosition := exposures[symbol].Add(buyNotional)
	if newPosition.GreaterThan(totalValue.Mul(l.MaxPositionFraction)) {
		return ErrPositionLimitExceeded
	}

	// 2. Correlated sector exposure.
	sector, ok := l.sectorOf[symbol]
	if !ok {
		return nil
	}
	totalSector := newPosition
	for other, value := range exposures {
		if other == symbol {
			continue // already counted via newPosition above
		}
		if l.sectorOf[other] == sector {
			totalSector = totalSector.Add(value.Abs())
		}
	}
	if totalSector.GreaterThan(totalValue.Mul(l.MaxSectorFraction)) {
		return ErrSectorLimitExceeded
	}
	return nil
}
