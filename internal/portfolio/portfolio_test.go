package portfolio_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/equities-sim/internal/model"
	"github.com/atmx/equities-sim/internal/portfolio"
	"github.com/atmx/equities-sim/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeQuotes map[string]float64

func (f fakeQuotes) CurrentQuote(symbol string) (model.Quote, error) {
	p, ok := f[symbol]
	if !ok {
		return model.Quote{}, errors.New("unknown symbol")
	}
	return model.Quote{Symbol: symbol, Price: d(p)}, nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func day(n int) time.Time {
	return time.Date(2026, 3, n, 15, 0, 0, 0, time.UTC)
}

func TestEnsureOpensFreshSession(t *testing.T) {
	st := store.NewMemoryStore()
	c := &clock{now: day(2)}
	s := portfolio.NewSessions(st, d(10000), time.UTC, c.Now)

	p, err := s.Ensure(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", p.SessionDate)
	assert.True(t, p.Cash.Equal(d(10000)))
	assert.True(t, p.StartingCash.Equal(d(10000)))
	assert.True(t, p.OpeningCash.Equal(d(10000)))
	assert.Empty(t, p.Holdings)

	again, err := s.Ensure(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, p.SessionDate, again.SessionDate)
	assert.Equal(t, p.Version, again.Version)
}

func TestEnsureRollsSessionForward(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := &clock{now: day(2)}
	s := portfolio.NewSessions(st, d(10000), time.UTC, c.Now)

	require.NoError(t, st.CreatePortfolio(ctx, &model.Portfolio{
		UserRef:      "alice",
		SessionDate:  "2026-03-02",
		Cash:         d(7000),
		ReservedCash: d(500),
		StartingCash: d(10000),
		TotalValue:   d(10400),
		OpeningCash:  d(10000),
		Holdings: map[string]model.Holding{
			"NOVA": {Symbol: "NOVA", Quantity: 20, Reserved: 5, AverageCost: d(125)},
		},
		Version: 9,
	}))

	c.now = day(3)
	p, err := s.Ensure(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, "2026-03-03", p.SessionDate)
	assert.True(t, p.Cash.Equal(d(7000)))
	assert.True(t, p.ReservedCash.Equal(d(500)), "open reservations carry over")
	assert.True(t, p.StartingCash.Equal(d(10400)), "starting cash is yesterday's total value")
	assert.True(t, p.OpeningCash.Equal(d(7500)))
	assert.Equal(t, map[string]int64{"NOVA": 20}, p.OpeningHoldings)
	assert.Equal(t, int64(5), p.Holdings["NOVA"].Reserved)
	assert.Zero(t, p.Version)

	prev, err := st.GetPortfolio(ctx, "alice", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, int64(9), prev.Version, "previous session untouched")
}

func TestSessionDateUsesLocation(t *testing.T) {
	ny := time.FixedZone("EST", -5*60*60)
	c := &clock{now: time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC)}
	s := portfolio.NewSessions(store.NewMemoryStore(), d(1), ny, c.Now)
	assert.Equal(t, "2026-03-02", s.Current())
}

func seed(t *testing.T, st store.Store, c *clock) *portfolio.Sessions {
	t.Helper()
	require.NoError(t, st.CreatePortfolio(context.Background(), &model.Portfolio{
		UserRef:      "alice",
		SessionDate:  "2026-03-02",
		Cash:         d(5000),
		ReservedCash: decimal.Zero,
		StartingCash: d(10000),
		TotalValue:   d(10000),
		OpeningCash:  d(10000),
		Holdings: map[string]model.Holding{
			"NOVA": {Symbol: "NOVA", Quantity: 10, AverageCost: d(200)},
			"LEDG": {Symbol: "LEDG", Quantity: 20, AverageCost: d(50)},
			"VALT": {Symbol: "VALT", Quantity: 10, AverageCost: d(100)},
		},
	}))
	return portfolio.NewSessions(st, d(10000), time.UTC, c.Now)
}

func TestValuePriceFallback(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := &clock{now: day(2)}
	sessions := seed(t, st, c)

	// NOVA has a live quote, LEDG only a stored tick, VALT nothing.
	require.NoError(t, st.InsertTick(ctx, &model.Quote{Symbol: "LEDG", Price: d(60), Timestamp: day(1)}))
	v := portfolio.NewValuer(st, fakeQuotes{"NOVA": 220}, sessions)

	val, err := v.ValuePortfolio(ctx, "alice")
	require.NoError(t, err)

	byS := map[string]model.PositionValue{}
	for _, pos := range val.Positions {
		byS[pos.Symbol] = pos
	}
	assert.Equal(t, portfolio.SourceQuote, byS["NOVA"].PriceSource)
	assert.Equal(t, portfolio.SourceStored, byS["LEDG"].PriceSource)
	assert.Equal(t, portfolio.SourceCost, byS["VALT"].PriceSource)

	assert.True(t, byS["NOVA"].UnrealizedPnL.Equal(d(200)))
	assert.True(t, byS["NOVA"].UnrealizedPnLPercent.Equal(d(10)))
	assert.True(t, byS["LEDG"].MarketValue.Equal(d(1200)))
	assert.True(t, byS["VALT"].UnrealizedPnL.IsZero())

	// 5000 + 2200 + 1200 + 1000
	assert.True(t, val.TotalValue.Equal(d(9400)), "total = %s", val.TotalValue)
	assert.True(t, val.DayChange.Equal(d(-600)))
	assert.True(t, val.DayChangePercent.Equal(d(-6)))

	p, err := st.GetPortfolio(ctx, "alice", "2026-03-02")
	require.NoError(t, err)
	assert.True(t, p.TotalValue.Equal(d(9400)), "total written back")
}

func TestValueWithoutHoldings(t *testing.T) {
	st := store.NewMemoryStore()
	c := &clock{now: day(2)}
	sessions := portfolio.NewSessions(st, d(10000), time.UTC, c.Now)
	v := portfolio.NewValuer(st, nil, sessions)

	val, err := v.ValuePortfolio(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, val.TotalValue.Equal(d(10000)))
	assert.True(t, val.DayChange.IsZero())
	assert.Empty(t, val.Positions)
}

func TestExposures(t *testing.T) {
	st := store.NewMemoryStore()
	c := &clock{now: day(2)}
	sessions := seed(t, st, c)
	v := portfolio.NewValuer(st, fakeQuotes{"NOVA": 100, "LEDG": 50, "VALT": 100}, sessions)

	p, err := sessions.Ensure(context.Background(), "alice")
	require.NoError(t, err)
	exp, total := v.Exposures(context.Background(), p)
	assert.True(t, exp["NOVA"].Equal(d(1000)))
	assert.True(t, total.Equal(d(8000)))
}

func TestReconcileDetectsDrift(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := &clock{now: day(2)}
	sessions := portfolio.NewSessions(st, d(10000), time.UTC, c.Now)

	p, err := sessions.Ensure(ctx, "alice")
	require.NoError(t, err)

	o := &model.Order{
		ID: "o1", UserRef: "alice", Symbol: "NOVA", Side: model.SideBuy, Kind: model.KindMarket,
		Quantity: 10, Status: model.StatusFilled, SessionDate: p.SessionDate,
	}
	require.NoError(t, st.ApplyExecution(ctx, &model.Execution{
		UserRef:         "alice",
		SessionDate:     p.SessionDate,
		ExpectedVersion: p.Version,
		CashDelta:       d(-1000),
		Symbol:          "NOVA",
		QuantityDelta:   10,
		AverageCost:     d(100),
		Order:           o,
		Fill: &model.Fill{
			ID: "f1", OrderID: "o1", UserRef: "alice", Symbol: "NOVA", Side: model.SideBuy,
			Quantity: 10, Price: d(100), Notional: d(-1000), SessionDate: p.SessionDate,
		},
	}))

	rec, err := portfolio.Reconcile(ctx, st, "alice", p.SessionDate)
	require.NoError(t, err)
	assert.True(t, rec.Consistent, "%+v", rec.Discrepancies)
	assert.Equal(t, 1, rec.Fills)

	// A cash change with no fill behind it is drift.
	o2 := *o
	o2.ID = "o2"
	require.NoError(t, st.ApplyExecution(ctx, &model.Execution{
		UserRef:         "alice",
		SessionDate:     p.SessionDate,
		ExpectedVersion: p.Version + 1,
		CashDelta:       d(-1),
		Symbol:          "NOVA",
		Order:           &o2,
	}))
	rec, err = portfolio.Reconcile(ctx, st, "alice", p.SessionDate)
	require.NoError(t, err)
	assert.False(t, rec.Consistent)
	require.Len(t, rec.Discrepancies, 1)
	assert.Equal(t, "cash", rec.Discrepancies[0].Field)
	assert.Equal(t, "9000", rec.Discrepancies[0].Expected)
	assert.Equal(t, "8999", rec.Discrepancies[0].Actual)
}

func TestReconcileMissingPortfolio(t *testing.T) {
	_, err := portfolio.Reconcile(context.Background(), store.NewMemoryStore(), "ghost", "2026-03-02")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
