package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/equities-sim/internal/model"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	ticks      map[string][]model.Quote
	events     []model.MarketEvent
	portfolios map[string]*model.Portfolio // userRef|sessionDate
	orders     map[string]*model.Order
	fills      []model.Fill
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ticks:      make(map[string][]model.Quote),
		portfolios: make(map[string]*model.Portfolio),
		orders:     make(map[string]*model.Order),
	}
}

func portfolioKey(userRef, sessionDate string) string {
	return userRef + "|" + sessionDate
}

func (s *MemoryStore) InsertTick(_ context.Context, q *model.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[q.Symbol] = append(s.ticks[q.Symbol], *q)
	return nil
}

func (s *MemoryStore) GetTicks(_ context.Context, symbol string, since time.Time, limit int) ([]model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Quote
	for _, q := range s.ticks[symbol] {
		if q.Timestamp.Before(since) {
			continue
		}
		result = append(result, q)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLatestQuotes(_ context.Context, symbols []string) (map[string]model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(symbols) == 0 {
		for sym := range s.ticks {
			symbols = append(symbols, sym)
		}
	}
	latest := make(map[string]model.Quote, len(symbols))
	for _, sym := range symbols {
		ticks := s.ticks[sym]
		if len(ticks) > 0 {
			latest[sym] = ticks[len(ticks)-1]
		}
	}
	return latest, nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, ev *model.MarketEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	cp.AffectedSymbols = append([]string(nil), ev.AffectedSymbols...)
	s.events = append(s.events, cp)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, since time.Time) ([]model.MarketEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.MarketEvent
	for _, ev := range s.events {
		if !ev.CreatedAt.Before(since) {
			result = append(result, ev)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userRef, sessionDate string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[portfolioKey(userRef, sessionDate)]
	if !ok {
		return nil, fmt.Errorf("portfolio %s/%s: %w", userRef, sessionDate, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetLatestPortfolio(_ context.Context, userRef string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.Portfolio
	for _, p := range s.portfolios {
		if p.UserRef != userRef {
			continue
		}
		if latest == nil || p.SessionDate > latest.SessionDate {
			latest = p
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("portfolio %s: %w", userRef, ErrNotFound)
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := portfolioKey(p.UserRef, p.SessionDate)
	if _, ok := s.portfolios[key]; ok {
		return fmt.Errorf("portfolio %s/%s: %w", p.UserRef, p.SessionDate, ErrAlreadyExists)
	}
	s.portfolios[key] = p.Clone()
	return nil
}

func (s *MemoryStore) UpdatePortfolio(_ context.Context, userRef, sessionDate string, totals model.PortfolioTotals) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.portfolios[portfolioKey(userRef, sessionDate)]
	if !ok {
		return fmt.Errorf("portfolio %s/%s: %w", userRef, sessionDate, ErrNotFound)
	}
	p.TotalValue = totals.TotalValue
	p.UpdatedAt = totals.ValuedAt
	return nil
}

// ApplyExecution validates the whole change against a scratch copy before
// touching stored state, so a failure leaves nothing behind.
func (s *MemoryStore) ApplyExecution(_ context.Context, exec *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := portfolioKey(exec.UserRef, exec.SessionDate)
	cur, ok := s.portfolios[key]
	if !ok {
		return fmt.Errorf("portfolio %s/%s: %w", exec.UserRef, exec.SessionDate, ErrNotFound)
	}
	if cur.Version != exec.ExpectedVersion {
		return fmt.Errorf("portfolio %s/%s at version %d, expected %d: %w",
			exec.UserRef, exec.SessionDate, cur.Version, exec.ExpectedVersion, ErrVersionConflict)
	}

	next := cur.Clone()
	next.Cash = next.Cash.Add(exec.CashDelta)
	next.ReservedCash = next.ReservedCash.Add(exec.ReservedCashDelta)
	if next.Cash.IsNegative() || next.ReservedCash.IsNegative() {
		return ErrInvalidExecution
	}
	if touchesHolding(exec) {
		h, keep, err := nextHolding(next.Holdings[exec.Symbol], exec)
		if err != nil {
			return err
		}
		if keep {
			next.Holdings[exec.Symbol] = h
		} else {
			delete(next.Holdings, exec.Symbol)
		}
	}
	next.Version++
	if exec.Order != nil {
		next.UpdatedAt = exec.Order.UpdatedAt
	}

	s.portfolios[key] = next
	if exec.Order != nil {
		o := *exec.Order
		s.orders[o.ID] = &o
	}
	if exec.Fill != nil {
		s.fills = append(s.fills, *exec.Fill)
	}
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context, symbol string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.Status != model.StatusOpen {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userRef string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserRef == userRef {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListFills(_ context.Context, userRef, sessionDate string) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Fill
	for _, f := range s.fills {
		if f.UserRef == userRef && f.SessionDate == sessionDate {
			result = append(result, f)
		}
	}
	return result, nil
}
