// Package order validates and executes trader orders against the simulated
// market.
//
// Orders clear against a synthetic counterparty; there is no book. Market
// orders and marketable limit orders fill immediately at the current quote.
// Other limit orders rest: a buy moves its notional from cash to reserved
// cash, a sell locks its shares, and both are released when the order fills
// or is cancelled. Every state change is one store.Execution applied with a
// compare-and-set on the portfolio version, so cash and holdings can never
// be observed half-updated.
//
// Orders for one user are serialized on a striped lock; different users
// proceed in parallel.
package order

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/equities-sim/internal/metrics"
	"github.com/atmx/equities-sim/internal/model"
	"github.com/atmx/equities-sim/internal/portfolio"
	"github.com/atmx/equities-sim/internal/risk"
	"github.com/atmx/equities-sim/internal/store"
)

var (
	ErrValidation         = errors.New("order: invalid order")
	ErrInsufficientFunds  = errors.New("order: insufficient funds")
	ErrInsufficientShares = errors.New("order: insufficient shares")
	ErrRiskLimitExceeded  = errors.New("order: risk limit exceeded")
	ErrTransactionFailure = errors.New("order: transaction failed")
	ErrOrderNotFound      = errors.New("order: not found")
	ErrOrderNotOpen       = errors.New("order: order is not open")
)

const lockStripes = 64

// averageCostScale is the number of decimal places average cost keeps.
const averageCostScale = 8

// Quotes provides the current quote for a symbol without advancing it.
type Quotes interface {
	CurrentQuote(symbol string) (model.Quote, error)
}

// Listener is told about every order state change that was persisted.
type Listener interface {
	OrderUpdated(o model.Order, f *model.Fill)
}

// Request is a trader's order before validation.
type Request struct {
	UserRef    string           `json:"user_ref"`
	Symbol     string           `json:"symbol"`
	Side       model.Side       `json:"side"`
	Kind       model.OrderKind  `json:"kind"`
	Quantity   int64            `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithTimeout bounds every store round-trip of one order.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithListener registers an order listener.
func WithListener(l Listener) Option {
	return func(e *Engine) { e.listener = l }
}

// Engine executes orders.
type Engine struct {
	store    store.Store
	quotes   Quotes
	limiter  *risk.Limiter
	sessions *portfolio.Sessions
	valuer   *portfolio.Valuer
	clock    func() time.Time
	timeout  time.Duration
	listener Listener

	locks [lockStripes]sync.Mutex
}

// NewEngine creates an order engine.
func NewEngine(
	st store.Store,
	quotes Quotes,
	limiter *risk.Limiter,
	sessions *portfolio.Sessions,
	valuer *portfolio.Valuer,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:    st,
		quotes:   quotes,
		limiter:  limiter,
		sessions: sessions,
		valuer:   valuer,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit validates and executes req.
//
// Validation, funds, shares and risk rejections are reported in the result
// with a nil error and leave all state untouched. A failure while applying
// the execution is reported in the result and also returned as an error
// wrapping ErrTransactionFailure; nothing is applied in that case either.
func (e *Engine) Submit(ctx context.Context, req Request) (model.ExecutionResult, error) {
	start := time.Now()
	res, err := e.submit(ctx, req)

	outcome := "filled"
	switch {
	case !res.Success:
		outcome = res.Code
	case res.Status == model.StatusOpen:
		outcome = "resting"
	}
	metrics.OrdersTotal.WithLabelValues(string(req.Side), string(req.Kind), outcome).Inc()
	metrics.OrderLatency.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())
	return res, err
}

func (e *Engine) submit(ctx context.Context, req Request) (model.ExecutionResult, error) {
	if err := validate(req); err != nil {
		return reject(err), nil
	}
	quote, err := e.quotes.CurrentQuote(req.Symbol)
	if err != nil {
		return reject(fmt.Errorf("%w: unknown symbol %s", ErrValidation, req.Symbol)), nil
	}

	unlock := e.lock(req.UserRef)
	defer unlock()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	p, err := e.sessions.Ensure(ctx, req.UserRef)
	if err != nil {
		return failure(err)
	}

	marketable := isMarketable(req.Kind, req.Side, quote.Price, req.LimitPrice)
	price := quote.Price
	if !marketable {
		price = *req.LimitPrice
	}
	qty := decimal.NewFromInt(req.Quantity)
	notional := price.Mul(qty)

	if err := e.checkRisk(ctx, p, req, notional); err != nil {
		return reject(err), nil
	}

	now := e.clock()
	o := &model.Order{
		ID:          uuid.NewString(),
		UserRef:     req.UserRef,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Kind:        req.Kind,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		Status:      model.StatusOpen,
		SessionDate: p.SessionDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	exec := &model.Execution{
		UserRef:         p.UserRef,
		SessionDate:     p.SessionDate,
		ExpectedVersion: p.Version,
		Symbol:          req.Symbol,
		Order:           o,
	}

	if marketable {
		fill(exec, p, price, now)
	} else if req.Side == model.SideBuy {
		exec.CashDelta = notional.Neg()
		exec.ReservedCashDelta = notional
	} else {
		exec.ReservedDelta = req.Quantity
	}

	if err := e.store.ApplyExecution(ctx, exec); err != nil {
		return failure(err)
	}
	e.notify(exec)

	slog.Info("order executed",
		"order_id", o.ID,
		"user", o.UserRef,
		"symbol", o.Symbol,
		"side", o.Side,
		"kind", o.Kind,
		"quantity", o.Quantity,
		"price", price.String(),
		"status", o.Status,
	)
	return accepted(o, price), nil
}

// checkRisk runs the pre-trade checks in order: order value, funds or
// shares, then concentration for buys.
func (e *Engine) checkRisk(ctx context.Context, p *model.Portfolio, req Request, notional decimal.Decimal) error {
	if err := e.limiter.CheckOrderValue(notional); err != nil {
		return fmt.Errorf("%w: %w", ErrRiskLimitExceeded, err)
	}

	if req.Side == model.SideSell {
		h := p.Holdings[req.Symbol]
		if h.Available() < req.Quantity {
			return fmt.Errorf("%w: have %d available %s, need %d",
				ErrInsufficientShares, h.Available(), req.Symbol, req.Quantity)
		}
		return nil
	}

	if p.Cash.LessThan(notional) {
		return fmt.Errorf("%w: cash %s, need %s", ErrInsufficientFunds, p.Cash.StringFixed(2), notional.StringFixed(2))
	}
	if err := e.limiter.CheckCashReserve(p.Cash, notional); err != nil {
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	}

	exposures, total := e.valuer.Exposures(ctx, p)
	if err := e.limiter.CheckConcentration(req.Symbol, notional, exposures, total); err != nil {
		return fmt.Errorf("%w: %w", ErrRiskLimitExceeded, err)
	}
	return nil
}

// Cancel cancels an open order owned by userRef and releases its
// reservation.
func (e *Engine) Cancel(ctx context.Context, userRef, orderID string) (*model.Order, error) {
	unlock := e.lock(userRef)
	defer unlock()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	o, err := e.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && o.UserRef != userRef) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionFailure, err)
	}
	if o.Status != model.StatusOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrOrderNotOpen, orderID, o.Status)
	}

	p, err := e.sessions.Ensure(ctx, userRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionFailure, err)
	}

	o.Status = model.StatusCancelled
	o.UpdatedAt = e.clock()
	exec := &model.Execution{
		UserRef:         p.UserRef,
		SessionDate:     p.SessionDate,
		ExpectedVersion: p.Version,
		Symbol:          o.Symbol,
		Order:           o,
	}
	if o.Side == model.SideBuy {
		reserved := o.ReservedNotional()
		exec.CashDelta = reserved
		exec.ReservedCashDelta = reserved.Neg()
	} else {
		exec.ReservedDelta = -o.Quantity
	}

	if err := e.store.ApplyExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionFailure, err)
	}
	e.notify(exec)
	slog.Info("order cancelled", "order_id", o.ID, "user", userRef, "symbol", o.Symbol)
	return o, nil
}

// ProcessOpenOrders fills every resting limit order whose limit the given
// quotes satisfy (buy: price ≤ limit, sell: price ≥ limit). A resting order
// fills at its limit price, consuming exactly what it reserved. Failures on
// one order are logged and do not stop the sweep. It returns the filled
// orders.
func (e *Engine) ProcessOpenOrders(ctx context.Context, quotes map[string]model.Quote) ([]model.Order, error) {
	open, err := e.store.ListOpenOrders(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}

	var filled []model.Order
	remaining := 0
	for _, o := range open {
		q, ok := quotes[o.Symbol]
		if !ok || o.LimitPrice == nil || !isMarketable(o.Kind, o.Side, q.Price, o.LimitPrice) {
			remaining++
			continue
		}
		done, err := e.fillResting(ctx, o.ID, o.UserRef)
		if err != nil {
			remaining++
			slog.Error("resting order fill failed", "order_id", o.ID, "user", o.UserRef, "err", err)
			continue
		}
		if done != nil {
			filled = append(filled, *done)
		}
	}
	metrics.OpenOrders.Set(float64(remaining))
	return filled, nil
}

func (e *Engine) fillResting(ctx context.Context, orderID, userRef string) (*model.Order, error) {
	unlock := e.lock(userRef)
	defer unlock()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	// Re-read under the user lock; a concurrent cancel may have won.
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != model.StatusOpen {
		return nil, nil
	}
	p, err := e.sessions.Ensure(ctx, userRef)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	price := *o.LimitPrice
	o.Status = model.StatusFilled
	o.FillPrice = &price
	o.UpdatedAt = now

	exec := &model.Execution{
		UserRef:         p.UserRef,
		SessionDate:     p.SessionDate,
		ExpectedVersion: p.Version,
		Symbol:          o.Symbol,
		Order:           o,
	}
	fill(exec, p, price, now)
	if o.Side == model.SideBuy {
		// Paid out of the reservation, not available cash.
		exec.ReservedCashDelta = exec.CashDelta
		exec.CashDelta = decimal.Zero
	} else {
		exec.ReservedDelta = -o.Quantity
	}

	if err := e.store.ApplyExecution(ctx, exec); err != nil {
		return nil, err
	}
	e.notify(exec)
	slog.Info("resting order filled",
		"order_id", o.ID,
		"user", userRef,
		"symbol", o.Symbol,
		"side", o.Side,
		"quantity", o.Quantity,
		"price", price.String(),
	)
	return o, nil
}

// ListOrders returns every order for userRef, newest first.
func (e *Engine) ListOrders(ctx context.Context, userRef string) ([]model.Order, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.store.ListOrdersByUser(ctx, userRef)
}

// fill marks exec's order filled at price and sets the cash, quantity and
// average-cost deltas for an immediate execution.
func fill(exec *model.Execution, p *model.Portfolio, price decimal.Decimal, now time.Time) {
	o := exec.Order
	qty := decimal.NewFromInt(o.Quantity)
	notional := price.Mul(qty)

	o.Status = model.StatusFilled
	fillPrice := price
	o.FillPrice = &fillPrice

	signed := notional
	if o.Side == model.SideBuy {
		signed = notional.Neg()
		exec.QuantityDelta = o.Quantity
		exec.AverageCost = averageCost(p.Holdings[o.Symbol], o.Quantity, price)
	} else {
		exec.QuantityDelta = -o.Quantity
	}
	exec.CashDelta = signed
	exec.Fill = &model.Fill{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		UserRef:     o.UserRef,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Quantity:    o.Quantity,
		Price:       price,
		Notional:    signed,
		SessionDate: p.SessionDate,
		Timestamp:   now,
	}
}

// averageCost = (oldQty·oldAvg + qty·price) / (oldQty + qty).
func averageCost(h model.Holding, qty int64, price decimal.Decimal) decimal.Decimal {
	oldQty := decimal.NewFromInt(h.Quantity)
	newQty := decimal.NewFromInt(h.Quantity + qty)
	total := oldQty.Mul(h.AverageCost).Add(decimal.NewFromInt(qty).Mul(price))
	return total.DivRound(newQty, averageCostScale)
}

func isMarketable(kind model.OrderKind, side model.Side, price decimal.Decimal, limit *decimal.Decimal) bool {
	if kind == model.KindMarket {
		return true
	}
	if side == model.SideBuy {
		return price.LessThanOrEqual(*limit)
	}
	return price.GreaterThanOrEqual(*limit)
}

func validate(req Request) error {
	switch {
	case req.UserRef == "":
		return fmt.Errorf("%w: user_ref is required", ErrValidation)
	case req.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrValidation)
	case req.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	case req.Side != model.SideBuy && req.Side != model.SideSell:
		return fmt.Errorf("%w: side must be buy or sell", ErrValidation)
	case req.Kind != model.KindMarket && req.Kind != model.KindLimit:
		return fmt.Errorf("%w: kind must be market or limit", ErrValidation)
	case req.Kind == model.KindLimit && (req.LimitPrice == nil || !req.LimitPrice.IsPositive()):
		return fmt.Errorf("%w: limit orders need a positive limit_price", ErrValidation)
	}
	return nil
}

func (e *Engine) notify(exec *model.Execution) {
	if e.listener != nil && exec.Order != nil {
		e.listener.OrderUpdated(*exec.Order, exec.Fill)
	}
}

func (e *Engine) lock(userRef string) func() {
	h := fnv.New32a()
	h.Write([]byte(userRef))
	mu := &e.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

// codeOf maps a rejection onto its stable result code.
func codeOf(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return model.CodeInsufficientFunds
	case errors.Is(err, ErrInsufficientShares):
		return model.CodeInsufficientShares
	case errors.Is(err, ErrRiskLimitExceeded):
		return model.CodeRiskLimitExceeded
	case errors.Is(err, ErrTransactionFailure):
		return model.CodeTransactionFailure
	default:
		return model.CodeValidation
	}
}

func reject(err error) model.ExecutionResult {
	return model.ExecutionResult{
		Success: false,
		Code:    codeOf(err),
		Error:   err.Error(),
		Err:     err,
	}
}

func failure(cause error) (model.ExecutionResult, error) {
	err := fmt.Errorf("%w: %w", ErrTransactionFailure, cause)
	slog.Error("order execution failed", "err", err)
	return reject(err), err
}

func accepted(o *model.Order, price decimal.Decimal) model.ExecutionResult {
	res := model.ExecutionResult{
		Success: true,
		OrderID: o.ID,
		Status:  o.Status,
	}
	if o.Status == model.StatusFilled {
		p := price
		res.ExecutedPrice = &p
		res.ExecutedQuantity = o.Quantity
	} else {
		res.RemainingQuantity = o.Quantity
	}
	return res
}
