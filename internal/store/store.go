// Package store defines the persistence interface for the simulation
// engine. Implementations include PostgreSQL (source of truth), a
// cache-wrapped decorator, and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/equities-sim/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrVersionConflict is returned when an execution's expected portfolio
	// version no longer matches; the caller lost a compare-and-set race.
	ErrVersionConflict = errors.New("store: portfolio version conflict")

	// ErrInvalidExecution is returned when applying an execution would
	// leave cash, reservations or holdings negative.
	ErrInvalidExecution = errors.New("store: execution would violate portfolio invariants")

	// ErrUnavailable marks a storage outage.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// a cache layer may wrap it.
type Store interface {
	// --- Market audit trail ---

	// InsertTick appends a quote to the tick history.
	InsertTick(ctx context.Context, q *model.Quote) error

	// GetTicks returns up to limit ticks for symbol at or after since,
	// oldest first. limit <= 0 means no limit.
	GetTicks(ctx context.Context, symbol string, since time.Time, limit int) ([]model.Quote, error)

	// GetLatestQuotes returns the most recent tick per symbol. An empty
	// symbols slice means every symbol with history.
	GetLatestQuotes(ctx context.Context, symbols []string) (map[string]model.Quote, error)

	// InsertEvent appends a market event.
	InsertEvent(ctx context.Context, ev *model.MarketEvent) error

	// ListEvents returns events created at or after since, oldest first.
	ListEvents(ctx context.Context, since time.Time) ([]model.MarketEvent, error)

	// --- Portfolios ---

	// GetPortfolio returns the snapshot for userRef on sessionDate.
	GetPortfolio(ctx context.Context, userRef, sessionDate string) (*model.Portfolio, error)

	// GetLatestPortfolio returns the user's most recent snapshot.
	GetLatestPortfolio(ctx context.Context, userRef string) (*model.Portfolio, error)

	// CreatePortfolio persists a new session snapshot.
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error

	// UpdatePortfolio writes the mark-to-market totals back.
	UpdatePortfolio(ctx context.Context, userRef, sessionDate string, totals model.PortfolioTotals) error

	// ApplyExecution atomically applies cash, reservation and holding
	// deltas, upserts the order and appends the fill, provided the
	// portfolio is still at ExpectedVersion. On success the version is
	// incremented. Either everything is applied or nothing is.
	ApplyExecution(ctx context.Context, exec *model.Execution) error

	// --- Orders and fills ---

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOpenOrders returns open orders for symbol, or for every symbol
	// when symbol is empty, oldest first.
	ListOpenOrders(ctx context.Context, symbol string) ([]model.Order, error)

	// ListOrdersByUser returns every order for userRef, newest first.
	ListOrdersByUser(ctx context.Context, userRef string) ([]model.Order, error)

	// ListFills returns the fills for userRef on sessionDate, oldest first.
	ListFills(ctx context.Context, userRef, sessionDate string) ([]model.Fill, error)
}

// nextHolding computes the holding after exec. ok is false when the
// holding should be removed.
func nextHolding(cur model.Holding, exec *model.Execution) (model.Holding, bool, error) {
	h := cur
	h.Symbol = exec.Symbol
	h.Quantity += exec.QuantityDelta
	h.Reserved += exec.ReservedDelta
	if !exec.AverageCost.IsZero() {
		h.AverageCost = exec.AverageCost
	}
	if h.Quantity < 0 || h.Reserved < 0 || h.Reserved > h.Quantity {
		return model.Holding{}, false, ErrInvalidExecution
	}
	if h.Quantity == 0 {
		return model.Holding{}, false, nil
	}
	return h, true, nil
}

// touchesHolding reports whether exec changes a holding at all.
func touchesHolding(exec *model.Execution) bool {
	return exec.Symbol != "" && (exec.QuantityDelta != 0 || exec.ReservedDelta != 0 || !exec.AverageCost.IsZero())
}
