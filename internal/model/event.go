package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of market event.
type EventType string

const (
	EventEarnings        EventType = "earnings"
	EventNews            EventType = "news"
	EventSectorRotation  EventType = "sector_rotation"
	EventVolatilitySpike EventType = "volatility_spike"
	EventMarketWide      EventType = "market_wide"
)

// EventTypes lists every event type in sampling order.
var EventTypes = []EventType{
	EventEarnings,
	EventNews,
	EventSectorRotation,
	EventVolatilitySpike,
	EventMarketWide,
}

// Directional reports whether the type carries a signed price impact.
func (t EventType) Directional() bool {
	return t != EventVolatilitySpike
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, et := range EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Sentiment is the narrative direction of an event or of the market.
type Sentiment string

const (
	Bullish Sentiment = "bullish"
	Bearish Sentiment = "bearish"
	Neutral Sentiment = "neutral"
)

// SentimentOf maps the sign of an impact onto a sentiment.
func SentimentOf(impact float64) Sentiment {
	switch {
	case impact > 0:
		return Bullish
	case impact < 0:
		return Bearish
	default:
		return Neutral
	}
}

// EventPayload is the type-specific part of a MarketEvent. The set of
// implementations is closed; switch over it with a type switch.
type EventPayload interface {
	EventType() EventType
	isEventPayload()
}

// EarningsPayload is a single-company earnings surprise.
type EarningsPayload struct {
	Symbol          string  `json:"symbol"`
	SurprisePercent float64 `json:"surprise_percent"`
}

// NewsPayload is a single-company news item.
type NewsPayload struct {
	Symbol string `json:"symbol"`
	Flavor string `json:"flavor"`
}

// SectorRotationPayload moves money into or out of one sector.
type SectorRotationPayload struct {
	Sector string `json:"sector"`
}

// VolatilitySpikePayload raises volatility market-wide without direction.
type VolatilitySpikePayload struct {
	Multiplier float64 `json:"multiplier"`
}

// MarketWidePayload is a macro shock across the universe.
type MarketWidePayload struct {
	Flavor string `json:"flavor"`
}

func (EarningsPayload) EventType() EventType        { return EventEarnings }
func (NewsPayload) EventType() EventType            { return EventNews }
func (SectorRotationPayload) EventType() EventType  { return EventSectorRotation }
func (VolatilitySpikePayload) EventType() EventType { return EventVolatilitySpike }
func (MarketWidePayload) EventType() EventType      { return EventMarketWide }

func (EarningsPayload) isEventPayload()        {}
func (NewsPayload) isEventPayload()            {}
func (SectorRotationPayload) isEventPayload()  {}
func (VolatilitySpikePayload) isEventPayload() {}
func (MarketWidePayload) isEventPayload()      {}

// MarketEvent is immutable once created by the event generator.
type MarketEvent struct {
	ID              string       `json:"id"`
	Type            EventType    `json:"type"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	AffectedSymbols []string     `json:"affected_symbols"`
	Impact          float64      `json:"impact"`    // [-1, 1]
	Magnitude       float64      `json:"magnitude"` // |impact| for directional types
	Sentiment       Sentiment    `json:"sentiment"`
	DurationMinutes int          `json:"duration_minutes"`
	CreatedAt       time.Time    `json:"created_at"`
	Payload         EventPayload `json:"payload"`
}

// Duration returns the active window of the event.
func (e *MarketEvent) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// Age returns how long ago the event was created.
func (e *MarketEvent) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Active reports whether the event still influences prices.
func (e *MarketEvent) Active(now time.Time) bool {
	return e.Age(now) < e.Duration()
}

// Expired reports whether the event may be dropped from history (2× its
// duration has elapsed).
func (e *MarketEvent) Expired(now time.Time) bool {
	return e.Age(now) >= 2*e.Duration()
}

// Decay is the linear recency factor max(0, 1 − age/duration).
func (e *MarketEvent) Decay(now time.Time) float64 {
	if e.DurationMinutes <= 0 {
		return 0
	}
	f := 1 - e.Age(now).Minutes()/float64(e.DurationMinutes)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Affects reports whether symbol is in the affected set.
func (e *MarketEvent) Affects(symbol string) bool {
	for _, s := range e.AffectedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// UnmarshalJSON decodes the payload using Type as the discriminator.
func (e *MarketEvent) UnmarshalJSON(data []byte) error {
	type alias MarketEvent
	var raw struct {
		alias
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = MarketEvent(raw.alias)
	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		e.Payload = nil
		return nil
	}
	p, err := DecodePayload(e.Type, raw.Payload)
	if err != nil {
		return err
	}
	e.Payload = p
	return nil
}

// DecodePayload decodes a JSON payload for the given event type.
func DecodePayload(t EventType, data []byte) (EventPayload, error) {
	var p EventPayload
	switch t {
	case EventEarnings:
		var v EarningsPayload
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		p = v
	case EventNews:
		var v NewsPayload
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		p = v
	case EventSectorRotation:
		var v SectorRotationPayload
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		p = v
	case EventVolatilitySpike:
		var v VolatilitySpikePayload
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		p = v
	case EventMarketWide:
		var v MarketWidePayload
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, fmt.Errorf("model: unknown event type %q", t)
	}
	return p, nil
}

// VolatilityRegime is a coarse classification of market-wide volatility.
type VolatilityRegime string

const (
	RegimeLow     VolatilityRegime = "low"
	RegimeNormal  VolatilityRegime = "normal"
	RegimeHigh    VolatilityRegime = "high"
	RegimeExtreme VolatilityRegime = "extreme"
)

// MarketState is recomputed after each batch of price updates; it is never
// mutated field by field.
type MarketState struct {
	IsOpen             bool             `json:"is_open"`
	DramaScore         float64          `json:"drama_score"`
	VolatilityRegime   VolatilityRegime `json:"volatility_regime"`
	Trend              Sentiment        `json:"trend"`
	RealizedVolatility float64          `json:"realized_volatility"`
	ActiveEvents       []MarketEvent    `json:"active_events"`
	UpdatedAt          time.Time        `json:"updated_at"`
}
