package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/equities-sim/internal/cache"
	"github.com/atmx/equities-sim/internal/model"
)

var _ Store = (*CachedStore)(nil)

// CachedStore wraps a primary Store with a read-through cache. Writes go to
// the primary store and refresh or invalidate the cache; reads check the
// cache first then fall back to the primary. Cache errors are logged and
// otherwise ignored.
type CachedStore struct {
	primary Store
	cache   cache.Cache
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, c cache.Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		cache:   c,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) InsertTick(ctx context.Context, q *model.Quote) error {
	if err := s.primary.InsertTick(ctx, q); err != nil {
		return err
	}
	s.put(ctx, quoteKey(q.Symbol), q)
	return nil
}

func (s *CachedStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := s.primary.CreatePortfolio(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, portfolioCacheKey(p.UserRef, p.SessionDate), latestPortfolioKey(p.UserRef))
	return nil
}

func (s *CachedStore) UpdatePortfolio(ctx context.Context, userRef, sessionDate string, totals model.PortfolioTotals) error {
	if err := s.primary.UpdatePortfolio(ctx, userRef, sessionDate, totals); err != nil {
		return err
	}
	s.invalidate(ctx, portfolioCacheKey(userRef, sessionDate), latestPortfolioKey(userRef))
	return nil
}

func (s *CachedStore) ApplyExecution(ctx context.Context, exec *model.Execution) error {
	err := s.primary.ApplyExecution(ctx, exec)
	// Invalidate even on failure: a conflict means the cached copy is stale.
	s.invalidate(ctx, portfolioCacheKey(exec.UserRef, exec.SessionDate), latestPortfolioKey(exec.UserRef))
	return err
}

// --- Read-through ---

func (s *CachedStore) GetPortfolio(ctx context.Context, userRef, sessionDate string) (*model.Portfolio, error) {
	key := portfolioCacheKey(userRef, sessionDate)
	var p model.Portfolio
	if s.get(ctx, key, &p) {
		return &p, nil
	}

	fresh, err := s.primary.GetPortfolio(ctx, userRef, sessionDate)
	if err != nil {
		return nil, err
	}
	s.put(ctx, key, fresh)
	return fresh, nil
}

func (s *CachedStore) GetLatestPortfolio(ctx context.Context, userRef string) (*model.Portfolio, error) {
	key := latestPortfolioKey(userRef)
	var p model.Portfolio
	if s.get(ctx, key, &p) {
		return &p, nil
	}

	fresh, err := s.primary.GetLatestPortfolio(ctx, userRef)
	if err != nil {
		return nil, err
	}
	s.put(ctx, key, fresh)
	return fresh, nil
}

// GetLatestQuotes serves cached symbols and reads the rest from the
// primary.
func (s *CachedStore) GetLatestQuotes(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	if len(symbols) == 0 {
		return s.primary.GetLatestQuotes(ctx, symbols)
	}

	latest := make(map[string]model.Quote, len(symbols))
	var missing []string
	for _, sym := range symbols {
		var q model.Quote
		if s.get(ctx, quoteKey(sym), &q) {
			latest[sym] = q
			continue
		}
		missing = append(missing, sym)
	}
	if len(missing) == 0 {
		return latest, nil
	}

	fresh, err := s.primary.GetLatestQuotes(ctx, missing)
	if err != nil {
		return nil, err
	}
	for sym, q := range fresh {
		latest[sym] = q
		s.put(ctx, quoteKey(sym), q)
	}
	return latest, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetTicks(ctx context.Context, symbol string, since time.Time, limit int) ([]model.Quote, error) {
	return s.primary.GetTicks(ctx, symbol, since, limit)
}

func (s *CachedStore) InsertEvent(ctx context.Context, ev *model.MarketEvent) error {
	return s.primary.InsertEvent(ctx, ev)
}

func (s *CachedStore) ListEvents(ctx context.Context, since time.Time) ([]model.MarketEvent, error) {
	return s.primary.ListEvents(ctx, since)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	return s.primary.ListOpenOrders(ctx, symbol)
}

func (s *CachedStore) ListOrdersByUser(ctx context.Context, userRef string) ([]model.Order, error) {
	return s.primary.ListOrdersByUser(ctx, userRef)
}

func (s *CachedStore) ListFills(ctx context.Context, userRef, sessionDate string) ([]model.Fill, error) {
	return s.primary.ListFills(ctx, userRef, sessionDate)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("cache get failed", "key", key, "err", err)
		return false
	}
	if !ok {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) put(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		slog.Warn("cache set failed", "key", key, "err", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := s.cache.Del(ctx, keys...); err != nil {
		slog.Warn("cache invalidate failed", "keys", keys, "err", err)
	}
}

func quoteKey(symbol string) string { return fmt.Sprintf("quote:%s", symbol) }
func portfolioCacheKey(user, date string) string {
	return fmt.Sprintf("portfolio:%s:%s", user, date)
}
func latestPortfolioKey(user string) string { return fmt.Sprintf("portfolio:%s:latest", user) }
