// Package pricing implements the stochastic price generator.
//
// Each symbol follows Geometric Brownian Motion over the wall-clock time
// since its last update:
//
//	newPrice = oldPrice × exp(drift + diffusion + sectorEffect + eventImpact)
//
// where effective volatility is scaled by active events and the market's
// volatility regime. A circuit breaker caps the fractional move of any
// single update, and prices are clamped to [MinPrice, MaxPrice].
//
// Every symbol owns its own mutex and random stream, so updates for
// different symbols never block each other and a fixed seed reproduces the
// same paths for the same sequence of calls.
package pricing

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/equities-sim/internal/config"
	"github.com/atmx/equities-sim/internal/metrics"
	"github.com/atmx/equities-sim/internal/model"
)

var (
	// ErrUnknownSymbol is returned for a symbol outside the universe.
	ErrUnknownSymbol = errors.New("pricing: unknown symbol")

	// ErrInvalidPrice is returned by SetPrice for non-positive prices.
	ErrInvalidPrice = errors.New("pricing: price must be positive")
)

const (
	secondsPerYear = 365 * 24 * 60 * 60
	returnWindow   = 64
)

// EventSource is the read-only view of live market events.
type EventSource interface {
	ActiveEvents(now time.Time) []model.MarketEvent
}

// RegimeSource reports the current volatility regime.
type RegimeSource interface {
	Regime() model.VolatilityRegime
}

// TickRecorder receives every generated quote. Implementations must not
// block; the audit trail is best-effort.
type TickRecorder interface {
	RecordTick(q model.Quote)
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithSeed makes every symbol's random stream deterministic.
func WithSeed(seed uint64) Option {
	return func(s *Simulator) {
		s.seed = seed
		s.seeded = true
	}
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Simulator) { s.clock = clock }
}

// WithEvents injects the active-event view.
func WithEvents(src EventSource) Option {
	return func(s *Simulator) { s.events = src }
}

// WithRegime injects the regime view.
func WithRegime(src RegimeSource) Option {
	return func(s *Simulator) { s.regime = src }
}

// WithRecorder injects the tick audit sink.
func WithRecorder(r TickRecorder) Option {
	return func(s *Simulator) { s.recorder = r }
}

// WithMarketHours injects the open/closed predicate.
func WithMarketHours(isOpen func(time.Time) bool) Option {
	return func(s *Simulator) { s.isOpen = isOpen }
}

type symbolState struct {
	mu        sync.Mutex
	cfg       config.Symbol
	state     model.PriceState
	rng       *rand.Rand
	returns   []float64 // recent log returns
	steps     []float64 // matching Δt in years
	lastQuote *model.Quote

	// lastReturn holds math.Float64bits of the latest log return so peers
	// can read it without taking this symbol's lock.
	lastReturn atomic.Uint64
}

// Simulator owns the per-symbol price table.
type Simulator struct {
	cfg     config.Simulation
	symbols map[string]*symbolState
	order   []string
	peers   map[string][]*symbolState

	seed     uint64
	seeded   bool
	clock    func() time.Time
	events   EventSource
	regime   RegimeSource
	recorder TickRecorder
	isOpen   func(time.Time) bool
}

// NewSimulator builds a simulator for the configured universe. All symbols
// start at their base price and base volatility.
func NewSimulator(cfg *config.Config, opts ...Option) *Simulator {
	s := &Simulator{
		cfg:     cfg.Simulation,
		symbols: make(map[string]*symbolState, len(cfg.Symbols)),
		peers:   make(map[string][]*symbolState, len(cfg.Symbols)),
		clock:   time.Now,
		isOpen:  func(time.Time) bool { return true },
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.seeded {
		s.seed = rand.Uint64()
	}

	now := s.clock()
	for _, sym := range cfg.Symbols {
		st := &symbolState{
			cfg: sym,
			state: model.PriceState{
				Symbol:     sym.Ticker,
				Price:      sym.BasePrice,
				Volatility: math.Min(sym.BaseVolatility, s.cfg.MaxVolatility),
				LastUpdate: now,
			},
			rng: rand.New(rand.NewPCG(s.seed, symbolStream(sym.Ticker))),
		}
		s.symbols[sym.Ticker] = st
		s.order = append(s.order, sym.Ticker)
	}
	for _, a := range cfg.Symbols {
		for _, b := range cfg.Symbols {
			if a.Ticker != b.Ticker && a.Sector == b.Sector {
				s.peers[a.Ticker] = append(s.peers[a.Ticker], s.symbols[b.Ticker])
			}
		}
	}
	return s
}

// Symbols returns the universe in configuration order.
func (s *Simulator) Symbols() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Known reports whether symbol is in the universe.
func (s *Simulator) Known(symbol string) bool {
	_, ok := s.symbols[symbol]
	return ok
}

// NextQuote advances symbol by one stochastic update and returns the new
// quote. The quote is handed to the recorder after the symbol lock is
// released; a failing audit trail never affects the update.
func (s *Simulator) NextQuote(symbol string) (model.Quote, error) {
	st, ok := s.symbols[symbol]
	if !ok {
		return model.Quote{}, ErrUnknownSymbol
	}

	return s.advance(st, s.sectorEffect(symbol)), nil
}

func (s *Simulator) advance(st *symbolState, sector float64) model.Quote {
	st.mu.Lock()
	q := s.step(st, sector)
	st.mu.Unlock()

	metrics.TicksTotal.WithLabelValues(st.cfg.Ticker).Inc()
	if s.recorder != nil {
		s.recorder.RecordTick(q)
	}
	return q
}

// NextQuotes advances every symbol concurrently and returns the quotes in
// configuration order. Sector nudges are taken from the returns of the
// previous batch, so the result does not depend on scheduling.
func (s *Simulator) NextQuotes(ctx context.Context) ([]model.Quote, error) {
	sectors := make([]float64, len(s.order))
	for i, sym := range s.order {
		sectors[i] = s.sectorEffect(sym)
	}

	quotes := make([]model.Quote, len(s.order))
	g, ctx := errgroup.WithContext(ctx)
	for i, sym := range s.order {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			quotes[i] = s.advance(s.symbols[sym], sectors[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return quotes, nil
}

// CurrentQuote returns the latest quote without advancing the price.
func (s *Simulator) CurrentQuote(symbol string) (model.Quote, error) {
	st, ok := s.symbols[symbol]
	if !ok {
		return model.Quote{}, ErrUnknownSymbol
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lastQuote != nil {
		return *st.lastQuote, nil
	}
	return s.buildQuote(st, st.state.Price, st.state.LastUpdate, 0), nil
}

// State returns a snapshot of symbol's price state.
func (s *Simulator) State(symbol string) (model.PriceState, error) {
	st, ok := s.symbols[symbol]
	if !ok {
		return model.PriceState{}, ErrUnknownSymbol
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state, nil
}

// SetPrice overrides the current price (clamped to bounds). Used for
// scenario set-up and admin corrections; the next update continues from it.
func (s *Simulator) SetPrice(symbol string, price float64) (model.Quote, error) {
	st, ok := s.symbols[symbol]
	if !ok {
		return model.Quote{}, ErrUnknownSymbol
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return model.Quote{}, ErrInvalidPrice
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	old := st.state.Price
	st.state.Price = clamp(price, s.cfg.MinPrice, s.cfg.MaxPrice)
	st.state.LastUpdate = s.clock()
	q := s.buildQuote(st, old, st.state.LastUpdate, 0)
	st.lastQuote = &q
	return q, nil
}

// RealizedVolatility returns the annualized standard deviation of recent
// log returns for symbol, or zero with fewer than two observations.
func (s *Simulator) RealizedVolatility(symbol string) float64 {
	st, ok := s.symbols[symbol]
	if !ok {
		return 0
	}
	st.mu.Lock()
	returns := append([]float64(nil), st.returns...)
	steps := append([]float64(nil), st.steps...)
	st.mu.Unlock()

	if len(returns) < 2 {
		return 0
	}
	sd, err := stats.StandardDeviationSample(returns)
	if err != nil {
		return 0
	}
	meanStep, err := stats.Mean(steps)
	if err != nil || meanStep <= 0 {
		return 0
	}
	return sd / math.Sqrt(meanStep)
}

// step performs one GBM update with the given sector nudge. Caller holds
// st.mu.
func (s *Simulator) step(st *symbolState, sector float64) model.Quote {
	now := s.clock()
	dt := now.Sub(st.state.LastUpdate)
	if dt < s.cfg.MinStep {
		dt = s.cfg.MinStep
	}
	dtYears := dt.Seconds() / secondsPerYear

	var active []model.MarketEvent
	if s.events != nil {
		active = s.events.ActiveEvents(now)
	}
	eventMult, eventImpact := s.eventEffects(st.cfg.Ticker, active, now, dtYears)

	regimeMult := 1.0
	if s.regime != nil {
		if m, ok := s.cfg.RegimeMultipliers[s.regime.Regime()]; ok {
			regimeMult = m
		}
	}

	vol := math.Min(st.cfg.BaseVolatility*eventMult*regimeMult, s.cfg.MaxVolatility)
	drift := s.cfg.RiskFreeRate * dtYears
	diffusion := vol * math.Sqrt(dtYears) * standardNormal(st.rng)

	old := st.state.Price
	next := old * math.Exp(drift+diffusion+sector+eventImpact)
	next = s.circuitBreaker(st.cfg.Ticker, old, next)
	next = clamp(next, s.cfg.MinPrice, s.cfg.MaxPrice)

	ret := math.Log(next / old)
	st.lastReturn.Store(math.Float64bits(ret))
	st.returns = appendWindow(st.returns, ret)
	st.steps = appendWindow(st.steps, dtYears)

	st.state.Price = next
	st.state.Volatility = vol
	st.state.LastUpdate = now

	q := s.buildQuote(st, old, now, st.rng.Float64())
	st.lastQuote = &q
	return q
}

// eventEffects folds the active events touching symbol into a volatility
// multiplier and a per-update log impact clamped to ±MaxEventImpact.
func (s *Simulator) eventEffects(symbol string, active []model.MarketEvent, now time.Time, dtYears float64) (float64, float64) {
	mult := 1.0
	var impact float64
	for i := range active {
		ev := &active[i]
		if !ev.Affects(symbol) {
			continue
		}
		decay := ev.Decay(now)
		switch p := ev.Payload.(type) {
		case model.VolatilitySpikePayload:
			m := p.Multiplier
			if m <= 0 {
				m = 1 + ev.Magnitude
			}
			mult *= 1 + (m-1)*decay
		default:
			mult *= 1 + ev.Magnitude*decay
		}
		durationYears := ev.Duration().Seconds() / secondsPerYear
		if durationYears > 0 {
			impact += ev.Impact * decay * dtYears / durationYears
		}
	}
	return mult, clamp(impact, -s.cfg.MaxEventImpact, s.cfg.MaxEventImpact)
}

// sectorEffect nudges symbol toward the mean of its sector peers' latest
// log returns, weighted by SectorWeight.
func (s *Simulator) sectorEffect(symbol string) float64 {
	peers := s.peers[symbol]
	if len(peers) == 0 || s.cfg.SectorWeight <= 0 {
		return 0
	}
	moves := make([]float64, len(peers))
	for i, p := range peers {
		moves[i] = math.Float64frombits(p.lastReturn.Load())
	}
	mean, err := stats.Mean(moves)
	if err != nil {
		return 0
	}
	return s.cfg.SectorWeight * mean
}

// circuitBreaker clamps a move larger than MaxChange to exactly MaxChange in
// the same direction.
func (s *Simulator) circuitBreaker(symbol string, old, next float64) float64 {
	change := next/old - 1
	if math.Abs(change) <= s.cfg.MaxChange {
		return next
	}
	metrics.CircuitBreakerTrips.WithLabelValues(symbol).Inc()
	if change > 0 {
		return old * (1 + s.cfg.MaxChange)
	}
	return old * (1 - s.cfg.MaxChange)
}

func symbolStream(ticker string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(ticker))
	return h.Sum64()
}

// standardNormal draws N(0,1) with the Box–Muller transform.
func standardNormal(r *rand.Rand) float64 {
	u1 := r.Float64()
	for u1 == 0 {
		u1 = r.Float64()
	}
	u2 := r.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

func appendWindow(xs []float64, x float64) []float64 {
	xs = append(xs, x)
	if len(xs) > returnWindow {
		xs = xs[len(xs)-returnWindow:]
	}
	return xs
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
