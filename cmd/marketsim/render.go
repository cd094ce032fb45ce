package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/atmx/equities-sim/internal/model"
)

var hundred = decimal.NewFromInt(100)

// writeQuotes renders the closing quotes against the opening ones.
func writeQuotes(w io.Writer, opening, closing []model.Quote) {
	open := make(map[string]decimal.Decimal, len(opening))
	for _, q := range opening {
		open[q.Symbol] = q.Price
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Symbol", "Open", "Last", "Bid", "Ask", "Change", "Volume", "Vol"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, q := range closing {
		change := "n/a"
		if o, ok := open[q.Symbol]; ok && o.IsPositive() {
			change = q.Price.Sub(o).Div(o).Mul(hundred).StringFixed(2) + "%"
		}
		table.Append([]string{
			q.Symbol,
			open[q.Symbol].StringFixed(2),
			q.Price.StringFixed(2),
			q.Bid.StringFixed(2),
			q.Ask.StringFixed(2),
			change,
			fmt.Sprintf("%d", q.Volume),
			fmt.Sprintf("%.3f", q.Volatility),
		})
	}
	table.Render()
}

// writeState renders the market state and the event history.
func writeState(w io.Writer, state model.MarketState, history []model.MarketEvent) {
	fmt.Fprintf(w, "Market: open=%t drama=%.1f regime=%s trend=%s realized_vol=%.3f\n",
		state.IsOpen, state.DramaScore, state.VolatilityRegime, state.Trend, state.RealizedVolatility)
	if len(history) == 0 {
		return
	}

	fmt.Fprintln(w)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Time", "Type", "Symbols", "Impact", "Title"})
	table.SetAutoWrapText(false)
	for _, ev := range history {
		table.Append([]string{
			ev.CreatedAt.Format("15:04:05"),
			string(ev.Type),
			fmt.Sprintf("%v", ev.AffectedSymbols),
			fmt.Sprintf("%+.3f", ev.Impact),
			ev.Title,
		})
	}
	table.Render()
}
