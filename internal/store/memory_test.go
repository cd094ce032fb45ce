package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/equities-sim/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

func seedPortfolio(t *testing.T, s Store, user string, cash float64) *model.Portfolio {
	t.Helper()
	p := &model.Portfolio{
		UserRef:      user,
		SessionDate:  "2026-03-02",
		Cash:         d(cash),
		StartingCash: d(cash),
		TotalValue:   d(cash),
		Holdings:     map[string]model.Holding{},
		UpdatedAt:    t0,
	}
	require.NoError(t, s.CreatePortfolio(context.Background(), p))
	return p
}

func buyExecution(p *model.Portfolio, qty int64, price float64) *model.Execution {
	fillPrice := d(price)
	notional := fillPrice.Mul(decimal.NewFromInt(qty))
	order := &model.Order{
		ID: "o-1", UserRef: p.UserRef, Symbol: "NOVA", Side: model.SideBuy, Kind: model.KindMarket,
		Quantity: qty, Status: model.StatusFilled, FillPrice: &fillPrice,
		SessionDate: p.SessionDate, CreatedAt: t0, UpdatedAt: t0,
	}
	return &model.Execution{
		UserRef:         p.UserRef,
		SessionDate:     p.SessionDate,
		ExpectedVersion: p.Version,
		CashDelta:       notional.Neg(),
		Symbol:          "NOVA",
		QuantityDelta:   qty,
		AverageCost:     fillPrice,
		Order:           order,
		Fill: &model.Fill{
			ID: "f-1", OrderID: order.ID, UserRef: p.UserRef, Symbol: "NOVA", Side: model.SideBuy,
			Quantity: qty, Price: fillPrice, Notional: notional.Neg(), SessionDate: p.SessionDate, Timestamp: t0,
		},
	}
}

func TestMemoryStore_ApplyExecution(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := seedPortfolio(t, s, "alice", 10000)

	require.NoError(t, s.ApplyExecution(ctx, buyExecution(p, 10, 100)))

	got, err := s.GetPortfolio(ctx, "alice", "2026-03-02")
	require.NoError(t, err)
	assert.True(t, got.Cash.Equal(d(9000)), "cash = %s", got.Cash)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, int64(10), got.Holdings["NOVA"].Quantity)
	assert.True(t, got.Holdings["NOVA"].AverageCost.Equal(d(100)))

	fills, err := s.ListFills(ctx, "alice", "2026-03-02")
	require.NoError(t, err)
	require.Len(t, fills, 1)

	o, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, o.Status)
}

func TestMemoryStore_ApplyExecution_VersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := seedPortfolio(t, s, "alice", 10000)

	exec := buyExecution(p, 10, 100)
	exec.ExpectedVersion = 7

	err := s.ApplyExecution(ctx, exec)
	assert.True(t, errors.Is(err, ErrVersionConflict), "got %v", err)

	got, _ := s.GetPortfolio(ctx, "alice", "2026-03-02")
	assert.True(t, got.Cash.Equal(d(10000)))
	assert.Empty(t, got.Holdings)
	_, err = s.GetOrder(ctx, "o-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ApplyExecution_RejectsNegativeState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := seedPortfolio(t, s, "alice", 500)

	err := s.ApplyExecution(ctx, buyExecution(p, 10, 100))
	assert.ErrorIs(t, err, ErrInvalidExecution)

	sell := &model.Execution{
		UserRef: "alice", SessionDate: "2026-03-02", ExpectedVersion: 0,
		CashDelta: d(100), Symbol: "NOVA", QuantityDelta: -1,
	}
	assert.ErrorIs(t, s.ApplyExecution(ctx, sell), ErrInvalidExecution)

	fills, _ := s.ListFills(ctx, "alice", "2026-03-02")
	assert.Empty(t, fills)
}

func TestMemoryStore_ApplyExecution_RemovesClosedHolding(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := seedPortfolio(t, s, "alice", 10000)
	require.NoError(t, s.ApplyExecution(ctx, buyExecution(p, 10, 100)))

	sell := &model.Execution{
		UserRef: "alice", SessionDate: "2026-03-02", ExpectedVersion: 1,
		CashDelta: d(1000), Symbol: "NOVA", QuantityDelta: -10,
	}
	require.NoError(t, s.ApplyExecution(ctx, sell))

	got, _ := s.GetPortfolio(ctx, "alice", "2026-03-02")
	_, held := got.Holdings["NOVA"]
	assert.False(t, held)
	assert.True(t, got.Cash.Equal(d(10000)))
}

func TestMemoryStore_CreatePortfolio_Duplicate(t *testing.T) {
	s := NewMemoryStore()
	p := seedPortfolio(t, s, "alice", 10000)
	err := s.CreatePortfolio(context.Background(), p)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStore_GetPortfolio_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedPortfolio(t, s, "alice", 10000)

	got, _ := s.GetPortfolio(ctx, "alice", "2026-03-02")
	got.Cash = d(1)
	got.Holdings["NOVA"] = model.Holding{Symbol: "NOVA", Quantity: 5}

	again, _ := s.GetPortfolio(ctx, "alice", "2026-03-02")
	assert.True(t, again.Cash.Equal(d(10000)))
	assert.Empty(t, again.Holdings)
}

func TestMemoryStore_GetLatestPortfolio(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedPortfolio(t, s, "alice", 10000)
	require.NoError(t, s.CreatePortfolio(ctx, &model.Portfolio{
		UserRef: "alice", SessionDate: "2026-03-03", Cash: d(12000), Holdings: map[string]model.Holding{},
	}))

	got, err := s.GetLatestPortfolio(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-03", got.SessionDate)

	_, err = s.GetLatestPortfolio(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Ticks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		q := model.Quote{Symbol: "NOVA", Price: d(100 + float64(i)), Timestamp: t0.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.InsertTick(ctx, &q))
	}

	ticks, err := s.GetTicks(ctx, "NOVA", t0.Add(2*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.True(t, ticks[0].Price.Equal(d(102)))

	latest, err := s.GetLatestQuotes(ctx, nil)
	require.NoError(t, err)
	assert.True(t, latest["NOVA"].Price.Equal(d(104)))
}

func TestMemoryStore_OpenOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := seedPortfolio(t, s, "alice", 10000)

	limit := d(90)
	for i, sym := range []string{"NOVA", "QBIT"} {
		o := &model.Order{
			ID: sym, UserRef: "alice", Symbol: sym, Side: model.SideBuy, Kind: model.KindLimit,
			Quantity: 1, LimitPrice: &limit, Status: model.StatusOpen,
			SessionDate: p.SessionDate, CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.ApplyExecution(ctx, &model.Execution{
			UserRef: "alice", SessionDate: p.SessionDate, ExpectedVersion: int64(i),
			CashDelta: limit.Neg(), ReservedCashDelta: limit, Order: o,
		}))
	}

	all, err := s.ListOpenOrders(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "NOVA", all[0].ID)

	nova, err := s.ListOpenOrders(ctx, "NOVA")
	require.NoError(t, err)
	assert.Len(t, nova, 1)

	mine, err := s.ListOrdersByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "QBIT", mine[0].ID, "newest first")
}
