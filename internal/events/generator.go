// Package events manufactures narrative market events and scores the
// market's current "drama".
//
// Each event type has an independent per-call probability; one uniform
// draw picks at most one type per call by cumulative sampling. A per-type
// cooldown suppresses repeats. Events are immutable after creation, active
// while younger than their duration, and dropped from history once twice
// their duration has elapsed.
package events

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/equities-sim/internal/config"
	"github.com/atmx/equities-sim/internal/metrics"
	"github.com/atmx/equities-sim/internal/model"
)

var (
	// ErrUnknownType is returned when triggering an unconfigured event type.
	ErrUnknownType = errors.New("events: unknown event type")

	// ErrUnknownSymbol is returned when a trigger names a symbol outside the
	// universe.
	ErrUnknownSymbol = errors.New("events: unknown symbol")
)

// Drama score weights.
const (
	dramaPerEvent     = 15.0
	dramaPerMagnitude = 30.0
	dramaBigEvent     = 10.0
	bigEventMagnitude = 0.5
	maxDrama          = 100.0
)

// EventRecorder receives every generated event. Implementations must not
// block; persistence is best-effort.
type EventRecorder interface {
	RecordEvent(ev model.MarketEvent)
}

// Option configures a Generator.
type Option func(*Generator)

// WithSeed makes generation deterministic.
func WithSeed(seed uint64) Option {
	return func(g *Generator) {
		g.seed = seed
		g.seeded = true
	}
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(g *Generator) { g.clock = clock }
}

// WithRecorder injects the persistence sink.
func WithRecorder(r EventRecorder) Option {
	return func(g *Generator) { g.recorder = r }
}

// Generator owns the event history and per-type cooldowns behind a single
// lock; events are cross-symbol and rare compared to price ticks.
type Generator struct {
	cfg      config.Events
	symbols  map[string]config.Symbol
	universe []string
	sectors  map[string][]string
	sectorNs []string
	seed     uint64
	seeded   bool
	clock    func() time.Time
	recorder EventRecorder

	mu        sync.Mutex
	rng       *rand.Rand
	history   []model.MarketEvent
	lastFired map[model.EventType]time.Time
}

// NewGenerator builds a generator for the configured universe.
func NewGenerator(cfg *config.Config, opts ...Option) *Generator {
	g := &Generator{
		cfg:       cfg.Events,
		symbols:   make(map[string]config.Symbol, len(cfg.Symbols)),
		sectors:   make(map[string][]string),
		clock:     time.Now,
		lastFired: make(map[model.EventType]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	if !g.seeded {
		g.seed = rand.Uint64()
	}
	g.rng = rand.New(rand.NewPCG(g.seed, streamID("events")))

	for _, s := range cfg.Symbols {
		g.symbols[s.Ticker] = s
		g.universe = append(g.universe, s.Ticker)
		g.sectors[s.Sector] = append(g.sectors[s.Sector], s.Ticker)
	}
	for name := range g.sectors {
		g.sectorNs = append(g.sectorNs, name)
	}
	sort.Strings(g.sectorNs)
	return g
}

// MaybeGenerate rolls the dice once and returns the new event, or nil when
// nothing fires or the chosen type is cooling down.
func (g *Generator) MaybeGenerate() *model.MarketEvent {
	g.mu.Lock()
	now := g.clock()
	g.prune(now)

	t, ok := g.sampleType()
	if !ok {
		g.mu.Unlock()
		return nil
	}
	if last, fired := g.lastFired[t]; fired && now.Sub(last) < g.cfg.Cooldown {
		g.mu.Unlock()
		return nil
	}
	ev := g.build(t, g.pickSymbols(t), now)
	g.commit(ev, now)
	g.mu.Unlock()

	g.publish(ev, "random")
	return &ev
}

// Trigger forces an event of type t. When symbols is non-empty it replaces
// the random selection, except for market-wide events which always cover
// the whole universe. Triggering bypasses the cooldown but restarts it.
func (g *Generator) Trigger(t model.EventType, symbols []string) (model.MarketEvent, error) {
	if _, ok := g.cfg.Templates[t]; !ok {
		return model.MarketEvent{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	for _, s := range symbols {
		if _, ok := g.symbols[s]; !ok {
			return model.MarketEvent{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, s)
		}
	}

	g.mu.Lock()
	now := g.clock()
	g.prune(now)
	affected := dedupe(symbols)
	if len(affected) == 0 || t == model.EventMarketWide {
		affected = g.pickSymbols(t)
	}
	ev := g.build(t, affected, now)
	g.commit(ev, now)
	g.mu.Unlock()

	g.publish(ev, "trigger")
	return ev, nil
}

// ActiveEvents returns the events younger than their duration at now.
func (g *Generator) ActiveEvents(now time.Time) []model.MarketEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeLocked(now)
}

// Active returns the currently active events.
func (g *Generator) Active() []model.MarketEvent {
	return g.ActiveEvents(g.clock())
}

// History returns every event still retained (active or within 2× its
// duration), oldest first.
func (g *Generator) History() []model.MarketEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(g.clock())
	out := make([]model.MarketEvent, len(g.history))
	copy(out, g.history)
	return out
}

// DramaScore computes
//
//	min(100, 15·n + Σ magnitude·30·recency + 10·#{magnitude > 0.5})
//
// over the active events. It is recomputed on every call.
func (g *Generator) DramaScore() float64 {
	g.mu.Lock()
	now := g.clock()
	active := g.activeLocked(now)
	g.mu.Unlock()

	score := Drama(active, now)
	metrics.DramaScore.Set(score)
	metrics.ActiveEvents.Set(float64(len(active)))
	return score
}

// Drama scores a set of active events at now.
func Drama(active []model.MarketEvent, now time.Time) float64 {
	score := dramaPerEvent * float64(len(active))
	for i := range active {
		ev := &active[i]
		score += ev.Magnitude * dramaPerMagnitude * ev.Decay(now)
		if ev.Magnitude > bigEventMagnitude {
			score += dramaBigEvent
		}
	}
	return math.Max(0, math.Min(maxDrama, score))
}

func (g *Generator) activeLocked(now time.Time) []model.MarketEvent {
	var out []model.MarketEvent
	for _, ev := range g.history {
		if ev.Active(now) {
			out = append(out, ev)
		}
	}
	return out
}

// prune drops events older than twice their duration. Caller holds g.mu.
func (g *Generator) prune(now time.Time) {
	kept := g.history[:0]
	for _, ev := range g.history {
		if !ev.Expired(now) {
			kept = append(kept, ev)
		}
	}
	clear(g.history[len(kept):])
	g.history = kept
}

func (g *Generator) commit(ev model.MarketEvent, now time.Time) {
	g.history = append(g.history, ev)
	g.lastFired[ev.Type] = now
}

func (g *Generator) publish(ev model.MarketEvent, origin string) {
	metrics.EventsGenerated.WithLabelValues(string(ev.Type), origin).Inc()
	slog.Info("market event generated",
		"id", ev.ID,
		"type", ev.Type,
		"symbols", ev.AffectedSymbols,
		"impact", ev.Impact,
		"magnitude", ev.Magnitude,
		"duration_min", ev.DurationMinutes,
		"origin", origin,
	)
	if g.recorder != nil {
		g.recorder.RecordEvent(ev)
	}
}

// sampleType walks the cumulative probabilities in a fixed order. Caller
// holds g.mu.
func (g *Generator) sampleType() (model.EventType, bool) {
	u := g.rng.Float64()
	var cum float64
	for _, t := range model.EventTypes {
		tpl, ok := g.cfg.Templates[t]
		if !ok {
			continue
		}
		cum += tpl.Probability
		if u < cum {
			return t, true
		}
	}
	return "", false
}

// pickSymbols selects the affected set for t. Caller holds g.mu.
func (g *Generator) pickSymbols(t model.EventType) []string {
	switch t {
	case model.EventEarnings, model.EventNews:
		return []string{g.universe[g.rng.IntN(len(g.universe))]}
	case model.EventSectorRotation:
		sector := g.sectorNs[g.rng.IntN(len(g.sectorNs))]
		return append([]string(nil), g.sectors[sector]...)
	default:
		return append([]string(nil), g.universe...)
	}
}

// build constructs an event of type t over affected. Caller holds g.mu.
func (g *Generator) build(t model.EventType, affected []string, now time.Time) model.MarketEvent {
	tpl := g.cfg.Templates[t]

	size := tpl.MinImpact + g.rng.Float64()*(tpl.MaxImpact-tpl.MinImpact)
	impact, magnitude := 0.0, size
	if t.Directional() {
		impact = size
		if g.rng.IntN(2) == 0 {
			impact = -size
		}
		magnitude = math.Abs(impact)
	}

	duration := tpl.MinDuration
	if tpl.MaxDuration > tpl.MinDuration {
		duration += g.rng.IntN(tpl.MaxDuration - tpl.MinDuration + 1)
	}

	flavor := ""
	if len(g.cfg.Flavors) > 0 {
		flavor = g.cfg.Flavors[g.rng.IntN(len(g.cfg.Flavors))]
	}
	first := g.symbols[affected[0]]

	var payload model.EventPayload
	company, sector := first.Company, first.Sector
	switch t {
	case model.EventEarnings:
		payload = model.EarningsPayload{Symbol: first.Ticker, SurprisePercent: impact * 100}
	case model.EventNews:
		payload = model.NewsPayload{Symbol: first.Ticker, Flavor: flavor}
	case model.EventSectorRotation:
		payload = model.SectorRotationPayload{Sector: first.Sector}
	case model.EventVolatilitySpike:
		payload = model.VolatilitySpikePayload{Multiplier: 1 + magnitude}
		company, sector = "the market", "every sector"
	case model.EventMarketWide:
		payload = model.MarketWidePayload{Flavor: flavor}
		company, sector = "the market", "every sector"
	}

	r := strings.NewReplacer(
		"{company}", company,
		"{symbol}", first.Ticker,
		"{sector}", sector,
		"{flavor}", flavor,
	)

	return model.MarketEvent{
		ID:              uuid.NewString(),
		Type:            t,
		Title:           r.Replace(g.pick(tpl.Titles, string(t))),
		Description:     r.Replace(g.pick(tpl.Descriptions, "")),
		AffectedSymbols: affected,
		Impact:          impact,
		Magnitude:       magnitude,
		Sentiment:       model.SentimentOf(impact),
		DurationMinutes: duration,
		CreatedAt:       now,
		Payload:         payload,
	}
}

func (g *Generator) pick(options []string, fallback string) string {
	if len(options) == 0 {
		return fallback
	}
	return options[g.rng.IntN(len(options))]
}

func dedupe(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	var out []string
	for _, s := range symbols {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func streamID(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}
