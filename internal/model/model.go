// Package model defines the core domain types shared across the simulation
// engine. All monetary values that touch a portfolio use shopspring/decimal;
// the price process itself runs in float64 and is converted at the quote
// boundary.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of decimal places quotes are rounded to.
const PriceScale int32 = 4

// PriceState is the authoritative in-memory state of one symbol.
type PriceState struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Volatility float64   `json:"volatility"` // annualized, capped at 2.0
	LastUpdate time.Time `json:"last_update"`
}

// Quote is derived from a PriceState after an update. It doubles as the
// tick record appended to storage.
type Quote struct {
	Symbol        string          `json:"symbol" db:"symbol"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Bid           decimal.Decimal `json:"bid" db:"bid"`
	Ask           decimal.Decimal `json:"ask" db:"ask"`
	Change        decimal.Decimal `json:"change" db:"change"`
	ChangePercent float64         `json:"change_percent" db:"change_percent"`
	Volume        int64           `json:"volume" db:"volume"`
	Volatility    float64         `json:"volatility" db:"volatility"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderKind distinguishes market from limit orders.
type OrderKind string

const (
	KindMarket OrderKind = "market"
	KindLimit  OrderKind = "limit"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// Order is a trader's instruction against the synthetic counterparty.
// Market orders go open→filled synchronously; limit orders may rest.
type Order struct {
	ID          string           `json:"id" db:"id"`
	UserRef     string           `json:"user_ref" db:"user_ref"`
	Symbol      string           `json:"symbol" db:"symbol"`
	Side        Side             `json:"side" db:"side"`
	Kind        OrderKind        `json:"kind" db:"kind"`
	Quantity    int64            `json:"quantity" db:"quantity"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"`
	Status      OrderStatus      `json:"status" db:"status"`
	FillPrice   *decimal.Decimal `json:"fill_price,omitempty" db:"fill_price"`
	SessionDate string           `json:"session_date" db:"session_date"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" db:"updated_at"`
}

// ReservedNotional is the cash a resting buy limit order holds back:
// quantity × limit price. Zero for anything else.
func (o *Order) ReservedNotional() decimal.Decimal {
	if o.Side != SideBuy || o.Kind != KindLimit || o.LimitPrice == nil {
		return decimal.Zero
	}
	return o.LimitPrice.Mul(decimal.NewFromInt(o.Quantity))
}

// Fill is an immutable record of an execution. Once created, fills are
// never modified or deleted; they are the reconciliation source for cash
// and holdings.
type Fill struct {
	ID          string          `json:"id" db:"id"`
	OrderID     string          `json:"order_id" db:"order_id"`
	UserRef     string          `json:"user_ref" db:"user_ref"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Side        Side            `json:"side" db:"side"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Notional    decimal.Decimal `json:"notional" db:"notional"` // signed: -buy, +sell (cash effect)
	SessionDate string          `json:"session_date" db:"session_date"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// Holding is a position in one symbol. Reserved shares are locked against
// resting sell limit orders and may not be sold twice.
type Holding struct {
	Symbol      string          `json:"symbol" db:"symbol"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	Reserved    int64           `json:"reserved" db:"reserved"`
	AverageCost decimal.Decimal `json:"average_cost" db:"average_cost"`
}

// Available returns the shares not locked by open sell orders.
func (h Holding) Available() int64 {
	return h.Quantity - h.Reserved
}

// Portfolio is the per-user, per-session snapshot. Cash is the available
// balance; ReservedCash is locked against open buy limit orders.
//
// OpeningCash (cash plus reserved cash) and OpeningHoldings (share counts)
// are frozen when the session is created; replaying the session's fills on
// top of them must reproduce the live balances.
type Portfolio struct {
	UserRef         string             `json:"user_ref" db:"user_ref"`
	SessionDate     string             `json:"session_date" db:"session_date"`
	Cash            decimal.Decimal    `json:"cash" db:"cash"`
	ReservedCash    decimal.Decimal    `json:"reserved_cash" db:"reserved_cash"`
	StartingCash    decimal.Decimal    `json:"starting_cash" db:"starting_cash"`
	TotalValue      decimal.Decimal    `json:"total_value" db:"total_value"`
	OpeningCash     decimal.Decimal    `json:"opening_cash" db:"opening_cash"`
	OpeningHoldings map[string]int64   `json:"opening_holdings" db:"opening_holdings"`
	Holdings        map[string]Holding `json:"holdings"`
	Version         int64              `json:"version" db:"version"`
	UpdatedAt       time.Time          `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so callers can never mutate stored state.
func (p *Portfolio) Clone() *Portfolio {
	cp := *p
	cp.Holdings = make(map[string]Holding, len(p.Holdings))
	for k, v := range p.Holdings {
		cp.Holdings[k] = v
	}
	cp.OpeningHoldings = make(map[string]int64, len(p.OpeningHoldings))
	for k, v := range p.OpeningHoldings {
		cp.OpeningHoldings[k] = v
	}
	return &cp
}

// PortfolioTotals is what the valuer writes back after marking to market.
type PortfolioTotals struct {
	TotalValue decimal.Decimal `json:"total_value"`
	ValuedAt   time.Time       `json:"valued_at"`
}

// Execution is the unit of atomic change against a portfolio: cash,
// reservations, one holding, the order record and an optional fill are
// applied together or not at all. ExpectedVersion is compared-and-set.
type Execution struct {
	UserRef           string
	SessionDate       string
	ExpectedVersion   int64
	CashDelta         decimal.Decimal
	ReservedCashDelta decimal.Decimal
	Symbol            string
	QuantityDelta     int64
	ReservedDelta     int64
	AverageCost       decimal.Decimal // new average cost; zero leaves it unchanged
	Order             *Order          // inserted or updated
	Fill              *Fill           // optional
}

// PositionValue is one marked-to-market holding.
type PositionValue struct {
	Symbol               string          `json:"symbol"`
	Quantity             int64           `json:"quantity"`
	AverageCost          decimal.Decimal `json:"average_cost"`
	CurrentPrice         decimal.Decimal `json:"current_price"`
	MarketValue          decimal.Decimal `json:"market_value"`
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
	PriceSource          string          `json:"price_source"` // "quote", "stored", "cost"
}

// PortfolioValue aggregates a user's positions with session P&L.
type PortfolioValue struct {
	UserRef          string          `json:"user_ref"`
	SessionDate      string          `json:"session_date"`
	TotalValue       decimal.Decimal `json:"total_value"`
	CashBalance      decimal.Decimal `json:"cash_balance"`
	ReservedCash     decimal.Decimal `json:"reserved_cash"`
	HoldingsValue    decimal.Decimal `json:"holdings_value"`
	DayChange        decimal.Decimal `json:"day_change"`
	DayChangePercent decimal.Decimal `json:"day_change_percent"`
	Positions        []PositionValue `json:"positions"`
}

// Rejection codes carried by ExecutionResult.
const (
	CodeValidation         = "validation_error"
	CodeInsufficientFunds  = "insufficient_funds"
	CodeInsufficientShares = "insufficient_shares"
	CodeRiskLimitExceeded  = "risk_limit_exceeded"
	CodeTransactionFailure = "transaction_failure"
)

// ExecutionResult is returned for every submitted order. Rejections carry
// a stable Code and a human-readable Error; Err holds the typed cause.
type ExecutionResult struct {
	Success           bool             `json:"success"`
	OrderID           string           `json:"order_id,omitempty"`
	Status            OrderStatus      `json:"status,omitempty"`
	ExecutedPrice     *decimal.Decimal `json:"executed_price,omitempty"`
	ExecutedQuantity  int64            `json:"executed_quantity"`
	RemainingQuantity int64            `json:"remaining_quantity"`
	Code              string           `json:"code,omitempty"`
	Error             string           `json:"error,omitempty"`
	Err               error            `json:"-"`
}
