package pricing

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/equities-sim/internal/model"
)

// minHalfSpread keeps bid < price < ask after rounding to PriceScale.
var minHalfSpread = decimal.New(1, -model.PriceScale)

// SpreadBps returns the quoted spread in basis points:
// baseSpread × (1 + volatility × multiplier), doubled while closed.
func (s *Simulator) SpreadBps(volatility float64, open bool) float64 {
	bps := s.cfg.BaseSpreadBps * (1 + volatility*s.cfg.SpreadVolatilityMultiplier)
	if !open {
		bps *= 2
	}
	return bps
}

// buildQuote derives the quote for st's current state. u is a uniform draw
// in [0,1) for the volume noise. Caller holds st.mu.
func (s *Simulator) buildQuote(st *symbolState, oldPrice float64, ts time.Time, u float64) model.Quote {
	price := decimal.NewFromFloat(st.state.Price).Round(model.PriceScale)
	prev := decimal.NewFromFloat(oldPrice).Round(model.PriceScale)

	bps := s.SpreadBps(st.state.Volatility, s.isOpen(ts))
	half := price.Mul(decimal.NewFromFloat(bps / 10_000 / 2)).Round(model.PriceScale)
	if half.LessThan(minHalfSpread) {
		half = minHalfSpread
	}

	changePct := 0.0
	if oldPrice > 0 {
		changePct = (st.state.Price/oldPrice - 1) * 100
	}

	return model.Quote{
		Symbol:        st.cfg.Ticker,
		Price:         price,
		Bid:           price.Sub(half),
		Ask:           price.Add(half),
		Change:        price.Sub(prev),
		ChangePercent: changePct,
		Volume:        s.volume(st, changePct, u),
		Volatility:    st.state.Volatility,
		Timestamp:     ts,
	}
}

// volume = baseVolume × (1 + 2|Δ%|/100 + volatility) × [0.5,1.5) / scale.
func (s *Simulator) volume(st *symbolState, changePct, u float64) int64 {
	v := float64(st.cfg.BaseVolume) * (1 + 2*math.Abs(changePct)/100 + st.state.Volatility) * (0.5 + u)
	if s.cfg.VolumeScale > 0 {
		v /= s.cfg.VolumeScale
	}
	return int64(math.Round(v))
}
