package market_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/equities-sim/internal/audit"
	"github.com/atmx/equities-sim/internal/config"
	"github.com/atmx/equities-sim/internal/market"
	"github.com/atmx/equities-sim/internal/model"
	"github.com/atmx/equities-sim/internal/order"
	"github.com/atmx/equities-sim/internal/pricing"
	"github.com/atmx/equities-sim/internal/store"
	"github.com/atmx/equities-sim/internal/stream"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type capture struct {
	mu   sync.Mutex
	msgs []stream.Message
}

func (c *capture) Publish(_ context.Context, msgs ...stream.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msgs...)
	c.mu.Unlock()
}

func (c *capture) count(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	engine *market.Engine
	store  *store.MemoryStore
	clock  *clock
	pub    *capture
	audit  *audit.Writer
}

// Monday 2026-03-02 10:00 in New York.
var monday = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	for _, m := range mutate {
		m(cfg)
	}
	h := &harness{
		store: store.NewMemoryStore(),
		clock: &clock{now: monday},
		pub:   &capture{},
	}
	h.audit = audit.NewWriter(h.store, 4096, time.Second)
	e, err := market.New(cfg, h.store,
		market.WithSeed(2026),
		market.WithClock(h.clock.Now),
		market.WithPublisher(h.pub),
		market.WithRecorder(h.audit),
	)
	require.NoError(t, err)
	h.engine = e
	return h
}

func TestScenarioBuySellAndRestingLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.SetPrice(ctx, "NOVA", 100)
	require.NoError(t, err)

	res, err := h.engine.SubmitOrder(ctx, order.Request{
		UserRef: "alice", Symbol: "NOVA", Side: model.SideBuy, Kind: model.KindMarket, Quantity: 10,
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.True(t, res.ExecutedPrice.Equal(decimal.NewFromInt(100)))

	h.clock.Advance(time.Second)
	_, err = h.engine.SetPrice(ctx, "NOVA", 110)
	require.NoError(t, err)
	res, err = h.engine.SubmitOrder(ctx, order.Request{
		UserRef: "alice", Symbol: "NOVA", Side: model.SideSell, Kind: model.KindMarket, Quantity: 5,
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	val, err := h.engine.GetPortfolioValue(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, val.CashBalance.Equal(decimal.NewFromInt(9550)), "cash = %s", val.CashBalance)
	require.Len(t, val.Positions, 1)
	assert.Equal(t, int64(5), val.Positions[0].Quantity)
	assert.True(t, val.Positions[0].AverageCost.Equal(decimal.NewFromInt(100)))

	h.clock.Advance(time.Second)
	limit := decimal.NewFromInt(90)
	res, err = h.engine.SubmitOrder(ctx, order.Request{
		UserRef: "alice", Symbol: "NOVA", Side: model.SideBuy, Kind: model.KindLimit, Quantity: 5, LimitPrice: &limit,
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusOpen, res.Status)

	// A fresh quote at 89 satisfies the limit.
	_, err = h.engine.SetPrice(ctx, "NOVA", 89)
	require.NoError(t, err)

	orders, err := h.engine.ListOrders(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, res.OrderID, orders[0].ID)
	assert.Equal(t, model.StatusFilled, orders[0].Status)

	rec, err := h.engine.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, rec.Consistent, "%+v", rec.Discrepancies)
	assert.Equal(t, 3, rec.Fills)

	assert.GreaterOrEqual(t, h.pub.count(stream.TypeOrder), 4, "placement, fills and resting fill are streamed")
}

func TestTriggerMarketWideCoversUniverse(t *testing.T) {
	h := newHarness(t)
	ev, err := h.engine.TriggerEvent(context.Background(), model.EventMarketWide, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, h.engine.Symbols(), ev.AffectedSymbols)
	assert.Len(t, h.engine.GetActiveEvents(), 1)
	assert.Equal(t, 1, h.pub.count(stream.TypeEvent))
}

func TestTriggerNeverLowersDrama(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, typ := range []model.EventType{model.EventNews, model.EventEarnings, model.EventVolatilitySpike, model.EventSectorRotation, model.EventMarketWide, model.EventNews} {
		before := h.engine.GetDramaScore()
		_, err := h.engine.TriggerEvent(ctx, typ, nil)
		require.NoError(t, err)
		after := h.engine.GetDramaScore()
		assert.GreaterOrEqual(t, after, before)
		assert.LessOrEqual(t, after, 100.0)
		h.clock.Advance(time.Minute)
	}
}

func TestTickGeneratesQuotesAndState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for i := 0; i < 5; i++ {
		h.clock.Advance(5 * time.Second)
		quotes, err := h.engine.Tick(ctx)
		require.NoError(t, err)
		require.Len(t, quotes, len(h.engine.Symbols()))
		for _, q := range quotes {
			assert.True(t, q.Bid.LessThan(q.Price))
			assert.True(t, q.Price.LessThan(q.Ask))
		}
	}
	assert.Equal(t, 5*len(h.engine.Symbols()), h.pub.count(stream.TypeQuote))
	assert.GreaterOrEqual(t, h.pub.count(stream.TypeMarketState), 5)

	state := h.engine.GetMarketState()
	assert.True(t, state.IsOpen)
	assert.NotEmpty(t, state.VolatilityRegime)
	assert.Contains(t, []model.Sentiment{model.Bullish, model.Bearish, model.Neutral}, state.Trend)

	// The audit trail lands in the store.
	h.audit.Flush()
	ticks, err := h.engine.GetTicks(ctx, "NOVA", time.Time{}, 100)
	require.NoError(t, err)
	assert.Len(t, ticks, 5)

	_, err = h.engine.GetTicks(ctx, "ZZZZ", time.Time{}, 10)
	assert.ErrorIs(t, err, pricing.ErrUnknownSymbol)
}

func TestTickSkipsPricesWhileClosed(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Hours.AlwaysOpen = false })
	h.clock.Advance(-24 * time.Hour) // Sunday

	quotes, err := h.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, quotes)
	assert.False(t, h.engine.GetMarketState().IsOpen)

	// Explicit generation still works, with the closed-market spread.
	q, err := h.engine.GenerateQuote(context.Background(), "NOVA")
	require.NoError(t, err)
	assert.True(t, q.Bid.LessThan(q.Price))
}

func TestEnginesWithSameSeedAgree(t *testing.T) {
	a := newHarness(t)
	b := newHarness(t)
	for i := 0; i < 10; i++ {
		a.clock.Advance(time.Minute)
		b.clock.Advance(time.Minute)
		qa, err := a.engine.GenerateAllQuotes(context.Background())
		require.NoError(t, err)
		qb, err := b.engine.GenerateAllQuotes(context.Background())
		require.NoError(t, err)
		for j := range qa {
			require.True(t, qa[j].Price.Equal(qb[j].Price), "%s diverged at step %d", qa[j].Symbol, i)
		}
	}
}

func TestEventsArePersisted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ev, err := h.engine.TriggerEvent(ctx, model.EventEarnings, []string{"VOLT"})
	require.NoError(t, err)

	h.audit.Flush()
	stored, err := h.engine.ListEvents(ctx, monday.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, ev.ID, stored[0].ID)
	assert.Equal(t, ev.Payload, stored[0].Payload)
	assert.Len(t, h.engine.EventHistory(), 1)
}

func TestNewRejectsBadHours(t *testing.T) {
	cfg := config.Default()
	cfg.Hours.AlwaysOpen = false
	cfg.Hours.Open = "17:00"
	_, err := market.New(cfg, store.NewMemoryStore())
	assert.ErrorIs(t, err, market.ErrInvalidHours)
}
