package market

import (
	"time"

	"github.com/montanaflynn/stats"

	"github.com/atmx/equities-sim/internal/events"
	"github.com/atmx/equities-sim/internal/model"
)

// Trend thresholds on the mean percent change of the last batch.
const (
	bullishThreshold = 0.1
	bearishThreshold = -0.1
)

var regimeOrder = []model.VolatilityRegime{
	model.RegimeLow,
	model.RegimeNormal,
	model.RegimeHigh,
	model.RegimeExtreme,
}

// ClassifyRegime maps a drama score onto a volatility regime. An active
// volatility spike pushes the regime up one level.
func ClassifyRegime(drama float64, spike bool) model.VolatilityRegime {
	level := 3
	switch {
	case drama < 20:
		level = 0
	case drama < 50:
		level = 1
	case drama < 80:
		level = 2
	}
	if spike && level < len(regimeOrder)-1 {
		level++
	}
	return regimeOrder[level]
}

// ClassifyTrend maps the mean percent change of a batch of quotes onto a
// sentiment.
func ClassifyTrend(changes []float64) model.Sentiment {
	mean, err := stats.Mean(changes)
	if err != nil {
		return model.Neutral
	}
	switch {
	case mean > bullishThreshold:
		return model.Bullish
	case mean < bearishThreshold:
		return model.Bearish
	default:
		return model.Neutral
	}
}

// computeState builds a fresh MarketState. It never mutates a previous one.
func computeState(now time.Time, open bool, active []model.MarketEvent, changes, realized []float64) model.MarketState {
	drama := events.Drama(active, now)
	spike := false
	for i := range active {
		if _, ok := active[i].Payload.(model.VolatilitySpikePayload); ok {
			spike = true
			break
		}
	}

	rv, err := stats.Mean(realized)
	if err != nil {
		rv = 0
	}
	if active == nil {
		active = []model.MarketEvent{}
	}
	return model.MarketState{
		IsOpen:             open,
		DramaScore:         drama,
		VolatilityRegime:   ClassifyRegime(drama, spike),
		Trend:              ClassifyTrend(changes),
		RealizedVolatility: rv,
		ActiveEvents:       active,
		UpdatedAt:          now,
	}
}
