package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/equities-sim/internal/api"
	"github.com/atmx/equities-sim/internal/config"
	"github.com/atmx/equities-sim/internal/market"
	"github.com/atmx/equities-sim/internal/model"
	"github.com/atmx/equities-sim/internal/portfolio"
	"github.com/atmx/equities-sim/internal/store"
)

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

// newTestEnv creates an engine over an in-memory store and mounts the API.
func newTestEnv(t *testing.T) chi.Router {
	t.Helper()
	e, err := market.New(config.Default(), store.NewMemoryStore(),
		market.WithSeed(11),
		market.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Mount("/api/v1", api.NewHandler(e, nil).Routes())
	return r
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestGetMarket(t *testing.T) {
	router := newTestEnv(t)
	w := do(t, router, "GET", "/api/v1/market", nil)
	require.Equal(t, http.StatusOK, w.Code)

	state := decode[model.MarketState](t, w)
	assert.True(t, state.IsOpen)
	assert.Equal(t, model.RegimeLow, state.VolatilityRegime)
	assert.NotNil(t, state.ActiveEvents)
}

func TestQuotes(t *testing.T) {
	router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/quotes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Quote](t, w), len(config.Default().Symbols))

	w = do(t, router, "GET", "/api/v1/quotes/nova", nil)
	require.Equal(t, http.StatusOK, w.Code)
	q := decode[model.Quote](t, w)
	assert.Equal(t, "NOVA", q.Symbol)
	assert.True(t, q.Bid.LessThan(q.Price))
	assert.True(t, q.Price.LessThan(q.Ask))

	w = do(t, router, "GET", "/api/v1/quotes/NOVA?fresh=true", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, "GET", "/api/v1/quotes/ZZZZ", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetPrice(t *testing.T) {
	router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/quotes/VOLT", api.SetPriceRequest{Price: 98.37})
	require.Equal(t, http.StatusOK, w.Code)
	q := decode[model.Quote](t, w)
	assert.Equal(t, "98.37", q.Price.String())

	w = do(t, router, "POST", "/api/v1/quotes/VOLT", api.SetPriceRequest{Price: -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/quotes/ZZZZ", api.SetPriceRequest{Price: 10})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistoryValidation(t *testing.T) {
	router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/quotes/NOVA/history?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "GET", "/api/v1/quotes/NOVA/history?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "GET", "/api/v1/quotes/ZZZZ/history", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "GET", "/api/v1/quotes/NOVA/history?since=2026-03-01T00:00:00Z&limit=5000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())
}

func TestTriggerEvent(t *testing.T) {
	router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/events", api.TriggerEventRequest{
		Type:    model.EventEarnings,
		Symbols: []string{"ledg"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ev := decode[model.MarketEvent](t, w)
	assert.Equal(t, []string{"LEDG"}, ev.AffectedSymbols)
	_, ok := ev.Payload.(model.EarningsPayload)
	assert.True(t, ok, "payload decodes to its concrete type")

	w = do(t, router, "GET", "/api/v1/events?active=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.MarketEvent](t, w), 1)

	w = do(t, router, "GET", "/api/v1/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.MarketEvent](t, w), 1)

	w = do(t, router, "GET", "/api/v1/events/drama", nil)
	require.Equal(t, http.StatusOK, w.Code)
	drama := decode[api.DramaResponse](t, w)
	assert.Equal(t, 1, drama.ActiveEvents)
	assert.Greater(t, drama.DramaScore, 0.0)

	w = do(t, router, "POST", "/api/v1/events", api.TriggerEventRequest{Type: "alien_invasion"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/events", api.TriggerEventRequest{Type: model.EventNews, Symbols: []string{"ZZZZ"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrderLifecycle(t *testing.T) {
	router := newTestEnv(t)
	do(t, router, "POST", "/api/v1/quotes/NOVA", api.SetPriceRequest{Price: 100})

	w := do(t, router, "POST", "/api/v1/orders", map[string]any{
		"user_ref": "alice", "symbol": "nova", "side": "buy", "kind": "market", "quantity": 10,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[model.ExecutionResult](t, w)
	assert.True(t, res.Success)
	assert.Equal(t, model.StatusFilled, res.Status)
	require.NotNil(t, res.ExecutedPrice)
	assert.True(t, res.ExecutedPrice.Equal(decimal.NewFromInt(100)))

	w = do(t, router, "POST", "/api/v1/orders", map[string]any{
		"user_ref": "alice", "symbol": "NOVA", "side": "buy", "kind": "limit", "quantity": 5, "limit_price": "50",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resting := decode[model.ExecutionResult](t, w)
	assert.Equal(t, model.StatusOpen, resting.Status)

	w = do(t, router, "GET", "/api/v1/orders?user=alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Order](t, w), 2)

	w = do(t, router, "GET", "/api/v1/portfolio/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	val := decode[model.PortfolioValue](t, w)
	assert.True(t, val.CashBalance.Equal(decimal.NewFromInt(8750)), "cash = %s", val.CashBalance)
	assert.True(t, val.ReservedCash.Equal(decimal.NewFromInt(250)))

	w = do(t, router, "DELETE", "/api/v1/orders/"+resting.OrderID+"?user=alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.StatusCancelled, decode[model.Order](t, w).Status)

	w = do(t, router, "DELETE", "/api/v1/orders/"+resting.OrderID+"?user=alice", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, "DELETE", "/api/v1/orders/"+resting.OrderID+"?user=mallory", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "GET", "/api/v1/portfolio/alice/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rec := decode[portfolio.Reconciliation](t, w)
	assert.True(t, rec.Consistent, "%+v", rec.Discrepancies)
	assert.Equal(t, 1, rec.Fills)
}

func TestRejectedOrderIsUnprocessable(t *testing.T) {
	router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/orders", map[string]any{
		"user_ref": "bob", "symbol": "NOVA", "side": "sell", "kind": "market", "quantity": 1,
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	res := decode[model.ExecutionResult](t, w)
	assert.False(t, res.Success)
	assert.Equal(t, model.CodeInsufficientShares, res.Code)
	assert.NotEmpty(t, res.Error)

	w = do(t, router, "POST", "/api/v1/orders", map[string]any{
		"user_ref": "bob", "symbol": "NOVA", "side": "buy", "kind": "market", "quantity": 0,
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, model.CodeValidation, decode[model.ExecutionResult](t, w).Code)
}

func TestBadRequests(t *testing.T) {
	router := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/orders", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, http.StatusBadRequest, do(t, router, "GET", "/api/v1/orders", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, "DELETE", "/api/v1/orders/x", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, "GET", "/api/v1/portfolio/nobody/reconcile", nil).Code)
}
