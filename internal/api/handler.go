// Package api exposes the market engine over HTTP: quotes, market state,
// events, orders and portfolios, plus the WebSocket stream.
//
// Money and prices travel as decimal strings; symbols are upper-cased.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/equities-sim/internal/events"
	"github.com/atmx/equities-sim/internal/market"
	"github.com/atmx/equities-sim/internal/model"
	"github.com/atmx/equities-sim/internal/order"
	"github.com/atmx/equities-sim/internal/pricing"
	"github.com/atmx/equities-sim/internal/store"
	"github.com/atmx/equities-sim/internal/stream"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Handler serves the /api/v1 routes.
type Handler struct {
	engine *market.Engine
	hub    *stream.Hub // optional
}

// NewHandler creates a handler. Pass nil for hub to disable /ws.
func NewHandler(engine *market.Engine, hub *stream.Hub) *Handler {
	return &Handler{engine: engine, hub: hub}
}

// Routes returns a router for mounting under /api/v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Get("/market", h.GetMarket)

	r.Get("/quotes", h.ListQuotes)
	r.Get("/quotes/{symbol}", h.GetQuote)
	r.Post("/quotes/{symbol}", h.SetPrice)
	r.Get("/quotes/{symbol}/history", h.GetHistory)

	r.Get("/events", h.ListEvents)
	r.Post("/events", h.TriggerEvent)
	r.Get("/events/drama", h.GetDrama)

	r.Post("/orders", h.SubmitOrder)
	r.Get("/orders", h.ListOrders)
	r.Delete("/orders/{orderID}", h.CancelOrder)

	r.Get("/portfolio/{userRef}", h.GetPortfolio)
	r.Get("/portfolio/{userRef}/reconcile", h.Reconcile)
	return r
}

// --- Request types ---

// SetPriceRequest is the JSON body for POST /quotes/{symbol}.
type SetPriceRequest struct {
	Price float64 `json:"price"`
}

// TriggerEventRequest is the JSON body for POST /events.
type TriggerEventRequest struct {
	Type    model.EventType `json:"type"`
	Symbols []string        `json:"symbols,omitempty"` // empty: chosen by the generator
}

// DramaResponse is returned from GET /events/drama.
type DramaResponse struct {
	DramaScore       float64                `json:"drama_score"`
	VolatilityRegime model.VolatilityRegime `json:"volatility_regime"`
	ActiveEvents     int                    `json:"active_events"`
}

// --- Market data ---

// GetMarket handles GET /market
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetMarketState())
}

// ListQuotes handles GET /quotes
func (h *Handler) ListQuotes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetQuotes())
}

// GetQuote handles GET /quotes/{symbol}
// Returns the latest quote; ?fresh=true advances the symbol first.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := symbolParam(r)

	var (
		q   model.Quote
		err error
	)
	if fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh")); fresh {
		q, err = h.engine.GenerateQuote(r.Context(), symbol)
	} else {
		q, err = h.engine.GetQuote(symbol)
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// SetPrice handles POST /quotes/{symbol}
// Overrides the price for scenario set-up; the result is clamped to bounds.
func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req SetPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	q, err := h.engine.SetPrice(r.Context(), symbolParam(r), req.Price)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetHistory handles GET /quotes/{symbol}/history?since=<RFC3339>&limit=<n>
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	since, err := sinceParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ticks, err := h.engine.GetTicks(r.Context(), symbolParam(r), since, limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if ticks == nil {
		ticks = []model.Quote{}
	}
	writeJSON(w, http.StatusOK, ticks)
}

// --- Events ---

// ListEvents handles GET /events
// ?active=true returns the active events; ?since=<RFC3339> reads the stored
// history; otherwise the in-memory history is returned.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var evs []model.MarketEvent
	switch {
	case q.Get("active") == "true":
		evs = h.engine.GetActiveEvents()
	case q.Get("since") != "":
		since, err := sinceParam(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		evs, err = h.engine.ListEvents(r.Context(), since)
		if err != nil {
			writeFailure(w, err)
			return
		}
	default:
		evs = h.engine.EventHistory()
	}
	if evs == nil {
		evs = []model.MarketEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// TriggerEvent handles POST /events
func (h *Handler) TriggerEvent(w http.ResponseWriter, r *http.Request) {
	var req TriggerEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	symbols := make([]string, 0, len(req.Symbols))
	for _, s := range req.Symbols {
		symbols = append(symbols, strings.ToUpper(strings.TrimSpace(s)))
	}

	ev, err := h.engine.TriggerEvent(r.Context(), req.Type, symbols)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// GetDrama handles GET /events/drama
func (h *Handler) GetDrama(w http.ResponseWriter, r *http.Request) {
	state := h.engine.GetMarketState()
	writeJSON(w, http.StatusOK, DramaResponse{
		DramaScore:       state.DramaScore,
		VolatilityRegime: state.VolatilityRegime,
		ActiveEvents:     len(state.ActiveEvents),
	})
}

// --- Orders ---

// SubmitOrder handles POST /orders
// A rejected order is answered with 422 and the ExecutionResult; a storage
// failure with 500 (or 503 when the store is unreachable).
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req order.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))

	res, err := h.engine.SubmitOrder(r.Context(), req)
	switch {
	case err != nil:
		writeJSON(w, statusOf(err), res)
	case !res.Success:
		writeJSON(w, http.StatusUnprocessableEntity, res)
	default:
		writeJSON(w, http.StatusCreated, res)
	}
}

// ListOrders handles GET /orders?user=<userRef>
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}
	orders, err := h.engine.ListOrders(r.Context(), user)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// CancelOrder handles DELETE /orders/{orderID}?user=<userRef>
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}
	o, err := h.engine.CancelOrder(r.Context(), user, chi.URLParam(r, "orderID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// --- Portfolio ---

// GetPortfolio handles GET /portfolio/{userRef}
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	val, err := h.engine.GetPortfolioValue(r.Context(), chi.URLParam(r, "userRef"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, val)
}

// Reconcile handles GET /portfolio/{userRef}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Reconcile(r.Context(), chi.URLParam(r, "userRef"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Helpers ---

func symbolParam(r *http.Request) string {
	return strings.ToUpper(chi.URLParam(r, "symbol"))
}

func sinceParam(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("since must be an RFC3339 timestamp")
	}
	return t, nil
}

// statusOf maps engine errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, pricing.ErrUnknownSymbol),
		errors.Is(err, order.ErrOrderNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pricing.ErrInvalidPrice),
		errors.Is(err, events.ErrUnknownType),
		errors.Is(err, events.ErrUnknownSymbol):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrOrderNotOpen):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeFailure(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
