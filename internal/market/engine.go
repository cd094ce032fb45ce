// Package market is the outward face of the simulation. Engine owns one
// price simulator, one event generator and one order engine, keeps the
// MarketState aggregate current and drives the periodic tick.
//
// Every Engine is independent: two engines built with the same seed and
// clock produce the same prices and events, and share no state.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmx/equities-sim/internal/config"
	"github.com/atmx/equities-sim/internal/events"
	"github.com/atmx/equities-sim/internal/metrics"
	"github.com/atmx/equities-sim/internal/model"
	"github.com/atmx/equities-sim/internal/order"
	"github.com/atmx/equities-sim/internal/portfolio"
	"github.com/atmx/equities-sim/internal/pricing"
	"github.com/atmx/equities-sim/internal/risk"
	"github.com/atmx/equities-sim/internal/store"
	"github.com/atmx/equities-sim/internal/stream"
)

// Recorder receives every tick and event for the audit trail. It must not
// block.
type Recorder interface {
	RecordTick(q model.Quote)
	RecordEvent(ev model.MarketEvent)
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	seed      uint64
	seeded    bool
	clock     func() time.Time
	recorder  Recorder
	publisher stream.Publisher
	timeout   time.Duration
}

// WithSeed makes prices and events deterministic.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.seed = seed
		o.seeded = true
	}
}

// WithClock replaces time.Now everywhere in the engine.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithRecorder sends ticks and events to an audit trail.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithPublisher streams quotes, events, state and order updates.
func WithPublisher(p stream.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithStoreTimeout bounds every store round-trip.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Engine is the market simulation.
type Engine struct {
	cfg       *config.Config
	store     store.Store
	hours     *Hours
	sim       *pricing.Simulator
	gen       *events.Generator
	orders    *order.Engine
	sessions  *portfolio.Sessions
	valuer    *portfolio.Valuer
	publisher stream.Publisher
	clock     func() time.Time
	timeout   time.Duration

	regime atomic.Value // model.VolatilityRegime

	mu      sync.Mutex
	changes map[string]float64 // latest percent change per symbol
}

// New builds an engine over st.
func New(cfg *config.Config, st store.Store, opts ...Option) (*Engine, error) {
	o := options{clock: time.Now, timeout: cfg.Service.StoreTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.seeded && cfg.Service.Seed != 0 {
		o.seed, o.seeded = cfg.Service.Seed, true
	}

	hours, err := NewHours(cfg.Hours)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		store:     st,
		hours:     hours,
		publisher: o.publisher,
		clock:     o.clock,
		timeout:   o.timeout,
		changes:   make(map[string]float64, len(cfg.Symbols)),
	}
	e.regime.Store(model.RegimeNormal)

	genOpts := []events.Option{events.WithClock(o.clock)}
	simOpts := []pricing.Option{
		pricing.WithClock(o.clock),
		pricing.WithRegime(e),
		pricing.WithMarketHours(hours.IsOpen),
	}
	if o.seeded {
		genOpts = append(genOpts, events.WithSeed(o.seed))
		simOpts = append(simOpts, pricing.WithSeed(o.seed))
	}
	if o.recorder != nil {
		genOpts = append(genOpts, events.WithRecorder(o.recorder))
		simOpts = append(simOpts, pricing.WithRecorder(o.recorder))
	}
	e.gen = events.NewGenerator(cfg, genOpts...)
	e.sim = pricing.NewSimulator(cfg, append(simOpts, pricing.WithEvents(e.gen))...)

	e.sessions = portfolio.NewSessions(st, cfg.Risk.StartingCash, hours.Location(), o.clock)
	e.valuer = portfolio.NewValuer(st, e.sim, e.sessions)
	e.orders = order.NewEngine(
		st, e.sim,
		risk.NewLimiter(cfg.Risk, cfg.SectorOf()),
		e.sessions, e.valuer,
		order.WithClock(o.clock),
		order.WithTimeout(o.timeout),
		order.WithListener(e),
	)

	e.refreshState()
	return e, nil
}

// Regime implements pricing.RegimeSource.
func (e *Engine) Regime() model.VolatilityRegime {
	return e.regime.Load().(model.VolatilityRegime)
}

// OrderUpdated implements order.Listener.
func (e *Engine) OrderUpdated(o model.Order, f *model.Fill) {
	e.publish(context.Background(), stream.OrderMessage(o, f))
}

// Symbols returns the universe in configuration order.
func (e *Engine) Symbols() []string {
	return e.sim.Symbols()
}

// IsOpen reports whether the market is open now.
func (e *Engine) IsOpen() bool {
	return e.hours.IsOpen(e.clock())
}

// GetMarketState recomputes and returns the market state.
func (e *Engine) GetMarketState() model.MarketState {
	return e.refreshState()
}

// GenerateQuote advances one symbol, fills any resting orders it now
// satisfies and publishes the quote.
func (e *Engine) GenerateQuote(ctx context.Context, symbol string) (model.Quote, error) {
	q, err := e.sim.NextQuote(symbol)
	if err != nil {
		return model.Quote{}, err
	}
	e.afterQuotes(ctx, []model.Quote{q})
	return q, nil
}

// GenerateAllQuotes advances every symbol concurrently, fills resting
// orders, recomputes the market state and publishes everything.
func (e *Engine) GenerateAllQuotes(ctx context.Context) ([]model.Quote, error) {
	quotes, err := e.sim.NextQuotes(ctx)
	if err != nil {
		return nil, err
	}
	e.afterQuotes(ctx, quotes)
	return quotes, nil
}

func (e *Engine) afterQuotes(ctx context.Context, quotes []model.Quote) {
	bysymbol := make(map[string]model.Quote, len(quotes))
	e.mu.Lock()
	for _, q := range quotes {
		bysymbol[q.Symbol] = q
		e.changes[q.Symbol] = q.ChangePercent
	}
	e.mu.Unlock()

	if _, err := e.orders.ProcessOpenOrders(ctx, bysymbol); err != nil {
		slog.Warn("open order sweep failed", "err", err)
	}

	msgs := make([]stream.Message, 0, len(quotes)+1)
	for _, q := range quotes {
		msgs = append(msgs, stream.QuoteMessage(q))
	}
	msgs = append(msgs, stream.StateMessage(e.refreshState()))
	e.publish(ctx, msgs...)
}

// GetQuote returns the latest quote for symbol without advancing it.
func (e *Engine) GetQuote(symbol string) (model.Quote, error) {
	return e.sim.CurrentQuote(symbol)
}

// GetQuotes returns the latest quote for every symbol.
func (e *Engine) GetQuotes() []model.Quote {
	out := make([]model.Quote, 0, len(e.cfg.Symbols))
	for _, sym := range e.sim.Symbols() {
		if q, err := e.sim.CurrentQuote(sym); err == nil {
			out = append(out, q)
		}
	}
	return out
}

// SetPrice overrides a symbol's price and publishes the resulting quote.
func (e *Engine) SetPrice(ctx context.Context, symbol string, price float64) (model.Quote, error) {
	q, err := e.sim.SetPrice(symbol, price)
	if err != nil {
		return model.Quote{}, err
	}
	slog.Info("price overridden", "symbol", symbol, "price", q.Price.String())
	e.afterQuotes(ctx, []model.Quote{q})
	return q, nil
}

// TriggerEvent forces an event and publishes it.
func (e *Engine) TriggerEvent(ctx context.Context, t model.EventType, symbols []string) (model.MarketEvent, error) {
	ev, err := e.gen.Trigger(t, symbols)
	if err != nil {
		return model.MarketEvent{}, err
	}
	e.publish(ctx, stream.EventMessage(ev), stream.StateMessage(e.refreshState()))
	return ev, nil
}

// GetActiveEvents returns the live events.
func (e *Engine) GetActiveEvents() []model.MarketEvent {
	return e.gen.Active()
}

// EventHistory returns every event still retained in memory.
func (e *Engine) EventHistory() []model.MarketEvent {
	return e.gen.History()
}

// GetDramaScore returns the drama score, recomputed now.
func (e *Engine) GetDramaScore() float64 {
	return e.gen.DramaScore()
}

// SubmitOrder executes an order.
func (e *Engine) SubmitOrder(ctx context.Context, req order.Request) (model.ExecutionResult, error) {
	return e.orders.Submit(ctx, req)
}

// CancelOrder cancels one of the user's open orders.
func (e *Engine) CancelOrder(ctx context.Context, userRef, orderID string) (*model.Order, error) {
	return e.orders.Cancel(ctx, userRef, orderID)
}

// ListOrders returns the user's orders, newest first.
func (e *Engine) ListOrders(ctx context.Context, userRef string) ([]model.Order, error) {
	return e.orders.ListOrders(ctx, userRef)
}

// GetPortfolioValue marks the user's current session to market.
func (e *Engine) GetPortfolioValue(ctx context.Context, userRef string) (model.PortfolioValue, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.valuer.ValuePortfolio(ctx, userRef)
}

// Reconcile checks the user's current session against its fills.
func (e *Engine) Reconcile(ctx context.Context, userRef string) (portfolio.Reconciliation, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return portfolio.Reconcile(ctx, e.store, userRef, e.sessions.Current())
}

// GetTicks returns stored ticks for symbol since the given time, newest
// first.
func (e *Engine) GetTicks(ctx context.Context, symbol string, since time.Time, limit int) ([]model.Quote, error) {
	if !e.sim.Known(symbol) {
		return nil, fmt.Errorf("%w: %s", pricing.ErrUnknownSymbol, symbol)
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.store.GetTicks(ctx, symbol, since, limit)
}

// ListEvents returns stored events created since the given time.
func (e *Engine) ListEvents(ctx context.Context, since time.Time) ([]model.MarketEvent, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.store.ListEvents(ctx, since)
}

// Tick runs one simulation step: maybe generate an event, then advance
// every symbol while the market is open. It returns the new quotes, or nil
// when the market is closed.
func (e *Engine) Tick(ctx context.Context) ([]model.Quote, error) {
	if ev := e.gen.MaybeGenerate(); ev != nil {
		e.publish(ctx, stream.EventMessage(*ev))
	}
	if !e.IsOpen() {
		e.publish(ctx, stream.StateMessage(e.refreshState()))
		return nil, nil
	}
	return e.GenerateAllQuotes(ctx)
}

// Run ticks every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("market tick loop started", "interval", interval.String(), "symbols", len(e.cfg.Symbols))
	for {
		select {
		case <-ctx.Done():
			slog.Info("market tick loop stopped")
			return
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil {
				slog.Error("market tick failed", "err", err)
			}
		}
	}
}

// refreshState recomputes the MarketState from live events and the latest
// quote changes and feeds the regime back to the simulator.
func (e *Engine) refreshState() model.MarketState {
	now := e.clock()
	active := e.gen.ActiveEvents(now)

	e.mu.Lock()
	changes := make([]float64, 0, len(e.changes))
	for _, c := range e.changes {
		changes = append(changes, c)
	}
	e.mu.Unlock()

	symbols := e.sim.Symbols()
	realized := make([]float64, 0, len(symbols))
	for _, sym := range symbols {
		realized = append(realized, e.sim.RealizedVolatility(sym))
	}

	s := computeState(now, e.hours.IsOpen(now), active, changes, realized)
	e.regime.Store(s.VolatilityRegime)
	metrics.DramaScore.Set(s.DramaScore)
	metrics.ActiveEvents.Set(float64(len(s.ActiveEvents)))
	return s
}

func (e *Engine) publish(ctx context.Context, msgs ...stream.Message) {
	if e.publisher != nil {
		e.publisher.Publish(ctx, msgs...)
	}
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}
