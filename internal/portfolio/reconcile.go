package portfolio

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/atmx/equities-sim/internal/model"
	"github.com/atmx/equities-sim/internal/store"
)

// Discrepancy is one balance that does not match the fills ledger.
type Discrepancy struct {
	Field    string `json:"field"` // "cash" or "quantity"
	Symbol   string `json:"symbol,omitempty"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Reconciliation reports whether a snapshot agrees with its fills.
type Reconciliation struct {
	UserRef       string        `json:"user_ref"`
	SessionDate   string        `json:"session_date"`
	Fills         int           `json:"fills"`
	Consistent    bool          `json:"consistent"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
}

// Reconcile replays the session's fills over its opening balances and
// compares the result with the live snapshot. Reservations move value
// between cash and reserved cash (or lock shares) without a fill, so cash is
// compared as cash + reserved cash.
func Reconcile(ctx context.Context, st store.Store, userRef, sessionDate string) (Reconciliation, error) {
	p, err := st.GetPortfolio(ctx, userRef, sessionDate)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("reconcile %s/%s: %w", userRef, sessionDate, err)
	}
	fills, err := st.ListFills(ctx, userRef, sessionDate)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("reconcile %s/%s: %w", userRef, sessionDate, err)
	}

	cash := p.OpeningCash
	qty := make(map[string]int64, len(p.OpeningHoldings))
	for sym, q := range p.OpeningHoldings {
		qty[sym] = q
	}
	for _, f := range fills {
		cash = cash.Add(f.Notional)
		if f.Side == model.SideBuy {
			qty[f.Symbol] += f.Quantity
		} else {
			qty[f.Symbol] -= f.Quantity
		}
	}

	rec := Reconciliation{UserRef: userRef, SessionDate: sessionDate, Fills: len(fills)}
	actualCash := p.Cash.Add(p.ReservedCash)
	if !cash.Equal(actualCash) {
		rec.Discrepancies = append(rec.Discrepancies, Discrepancy{
			Field: "cash", Expected: cash.String(), Actual: actualCash.String(),
		})
	}

	symbols := make(map[string]bool, len(qty)+len(p.Holdings))
	for sym := range qty {
		symbols[sym] = true
	}
	for sym := range p.Holdings {
		symbols[sym] = true
	}
	sorted := make([]string, 0, len(symbols))
	for sym := range symbols {
		sorted = append(sorted, sym)
	}
	sort.Strings(sorted)

	for _, sym := range sorted {
		want, got := qty[sym], p.Holdings[sym].Quantity
		if want != got {
			rec.Discrepancies = append(rec.Discrepancies, Discrepancy{
				Field:    "quantity",
				Symbol:   sym,
				Expected: strconv.FormatInt(want, 10),
				Actual:   strconv.FormatInt(got, 10),
			})
		}
	}
	rec.Consistent = len(rec.Discrepancies) == 0
	return rec, nil
}
