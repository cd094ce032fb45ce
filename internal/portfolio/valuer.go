package portfolio

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/equities-sim/internal/model"
	"github.com/atmx/equities-sim/internal/store"
)

// Price sources, in order of preference.
const (
	SourceQuote  = "quote"
	SourceStored = "stored"
	SourceCost   = "cost"
)

var hundred = decimal.NewFromInt(100)

// QuoteSource provides the latest simulated quote for a symbol.
type QuoteSource interface {
	CurrentQuote(symbol string) (model.Quote, error)
}

// Valuer marks portfolios to market.
type Valuer struct {
	store    store.Store
	quotes   QuoteSource
	sessions *Sessions
	clock    func() time.Time
}

// NewValuer creates a valuer. quotes may be nil, in which case prices come
// from stored ticks or average cost.
func NewValuer(st store.Store, quotes QuoteSource, sessions *Sessions) *Valuer {
	return &Valuer{store: st, quotes: quotes, sessions: sessions, clock: sessions.clock}
}

// ValuePortfolio values the user's current session and writes the total
// back to the snapshot. A failed write-back is logged, not returned.
func (v *Valuer) ValuePortfolio(ctx context.Context, userRef string) (model.PortfolioValue, error) {
	p, err := v.sessions.Ensure(ctx, userRef)
	if err != nil {
		return model.PortfolioValue{}, err
	}
	val := v.Value(ctx, p)

	totals := model.PortfolioTotals{TotalValue: val.TotalValue, ValuedAt: v.clock()}
	if err := v.store.UpdatePortfolio(ctx, userRef, p.SessionDate, totals); err != nil {
		slog.Warn("portfolio write-back failed", "user", userRef, "session", p.SessionDate, "err", err)
	}
	return val, nil
}

// Value computes the mark-to-market value of p. It never fails: a holding
// without a simulated quote is priced from the latest stored tick, and
// failing that at its average cost.
func (v *Valuer) Value(ctx context.Context, p *model.Portfolio) model.PortfolioValue {
	symbols := make([]string, 0, len(p.Holdings))
	for sym := range p.Holdings {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	prices, sources := v.prices(ctx, symbols)

	out := model.PortfolioValue{
		UserRef:       p.UserRef,
		SessionDate:   p.SessionDate,
		CashBalance:   p.Cash,
		ReservedCash:  p.ReservedCash,
		HoldingsValue: decimal.Zero,
		Positions:     make([]model.PositionValue, 0, len(symbols)),
	}
	for _, sym := range symbols {
		h := p.Holdings[sym]
		price, ok := prices[sym]
		source := sources[sym]
		if !ok {
			price, source = h.AverageCost, SourceCost
		}
		qty := decimal.NewFromInt(h.Quantity)
		marketValue := price.Mul(qty)
		cost := h.AverageCost.Mul(qty)
		pnl := marketValue.Sub(cost)

		pnlPct := decimal.Zero
		if cost.IsPositive() {
			pnlPct = pnl.Div(cost).Mul(hundred).Round(4)
		}
		out.Positions = append(out.Positions, model.PositionValue{
			Symbol:               sym,
			Quantity:             h.Quantity,
			AverageCost:          h.AverageCost,
			CurrentPrice:         price,
			MarketValue:          marketValue,
			UnrealizedPnL:        pnl,
			UnrealizedPnLPercent: pnlPct,
			PriceSource:          source,
		})
		out.HoldingsValue = out.HoldingsValue.Add(marketValue)
	}

	out.TotalValue = p.Cash.Add(p.ReservedCash).Add(out.HoldingsValue)
	out.DayChange = out.TotalValue.Sub(p.StartingCash)
	out.DayChangePercent = decimal.Zero
	if p.StartingCash.IsPositive() {
		out.DayChangePercent = out.DayChange.Div(p.StartingCash).Mul(hundred).Round(4)
	}
	return out
}

// Exposures returns symbol → market value for p, plus the total portfolio
// value, for concentration checks.
func (v *Valuer) Exposures(ctx context.Context, p *model.Portfolio) (map[string]decimal.Decimal, decimal.Decimal) {
	val := v.Value(ctx, p)
	exposures := make(map[string]decimal.Decimal, len(val.Positions))
	for _, pos := range val.Positions {
		exposures[pos.Symbol] = pos.MarketValue
	}
	return exposures, val.TotalValue
}

func (v *Valuer) prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, map[string]string) {
	prices := make(map[string]decimal.Decimal, len(symbols))
	sources := make(map[string]string, len(symbols))

	var missing []string
	for _, sym := range symbols {
		if v.quotes != nil {
			if q, err := v.quotes.CurrentQuote(sym); err == nil {
				prices[sym], sources[sym] = q.Price, SourceQuote
				continue
			}
		}
		missing = append(missing, sym)
	}
	if len(missing) == 0 {
		return prices, sources
	}

	stored, err := v.store.GetLatestQuotes(ctx, missing)
	if err != nil {
		slog.Warn("stored quote lookup failed", "symbols", missing, "err", err)
		return prices, sources
	}
	for sym, q := range stored {
		prices[sym], sources[sym] = q.Price, SourceStored
	}
	return prices, sources
}
