// Package portfolio owns per-session portfolio snapshots: opening a new
// session, marking holdings to market and reconciling balances against the
// fills ledger.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/equities-sim/internal/model"
	"github.com/atmx/equities-sim/internal/store"
)

// SessionLayout formats session dates.
const SessionLayout = "2006-01-02"

// Sessions opens one snapshot per user per trading day.
type Sessions struct {
	store        store.Store
	startingCash decimal.Decimal
	loc          *time.Location
	clock        func() time.Time
}

// NewSessions creates a session manager. A nil loc means UTC and a nil
// clock means time.Now.
func NewSessions(st store.Store, startingCash decimal.Decimal, loc *time.Location, clock func() time.Time) *Sessions {
	if loc == nil {
		loc = time.UTC
	}
	if clock == nil {
		clock = time.Now
	}
	return &Sessions{store: st, startingCash: startingCash, loc: loc, clock: clock}
}

// Date returns the session date containing t.
func (s *Sessions) Date(t time.Time) string {
	return t.In(s.loc).Format(SessionLayout)
}

// Current returns today's session date.
func (s *Sessions) Current() string {
	return s.Date(s.clock())
}

// Ensure returns the user's snapshot for the current session, creating it
// on first access. A new session carries the previous session's cash,
// reservations and holdings forward, with startingCash set to the previous
// total value. A brand-new user starts with the configured cash.
func (s *Sessions) Ensure(ctx context.Context, userRef string) (*model.Portfolio, error) {
	date := s.Current()
	p, err := s.store.GetPortfolio(ctx, userRef, date)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get portfolio: %w", err)
	}

	next, err := s.open(ctx, userRef, date)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePortfolio(ctx, next); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return s.store.GetPortfolio(ctx, userRef, date)
		}
		return nil, fmt.Errorf("create portfolio: %w", err)
	}

	slog.Info("portfolio session opened",
		"user", userRef,
		"session", date,
		"cash", next.Cash.String(),
		"starting_cash", next.StartingCash.String(),
		"holdings", len(next.Holdings),
	)
	return next, nil
}

func (s *Sessions) open(ctx context.Context, userRef, date string) (*model.Portfolio, error) {
	now := s.clock()
	prev, err := s.store.GetLatestPortfolio(ctx, userRef)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &model.Portfolio{
			UserRef:         userRef,
			SessionDate:     date,
			Cash:            s.startingCash,
			ReservedCash:    decimal.Zero,
			StartingCash:    s.startingCash,
			TotalValue:      s.startingCash,
			OpeningCash:     s.startingCash,
			OpeningHoldings: map[string]int64{},
			Holdings:        map[string]model.Holding{},
			UpdatedAt:       now,
		}, nil
	case err != nil:
		return nil, fmt.Errorf("get previous portfolio: %w", err)
	}

	starting := prev.TotalValue
	if !starting.IsPositive() {
		starting = prev.Cash.Add(prev.ReservedCash)
	}
	next := prev.Clone()
	next.SessionDate = date
	next.StartingCash = starting
	next.TotalValue = starting
	next.OpeningCash = prev.Cash.Add(prev.ReservedCash)
	next.OpeningHoldings = make(map[string]int64, len(prev.Holdings))
	for sym, h := range prev.Holdings {
		next.OpeningHoldings[sym] = h.Quantity
	}
	next.Version = 0
	next.UpdatedAt = now
	return next, nil
}
