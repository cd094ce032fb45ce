// Package stream fans simulation output out to subscribers: WebSocket
// clients through the Hub and downstream services through Kafka.
//
// Publishing is best-effort. A slow or failing subscriber never delays the
// tick that produced the message.
package stream

import (
	"context"
	"time"

	"github.com/atmx/equities-sim/internal/model"
)

// Message types.
const (
	TypeQuote       = "quote"
	TypeEvent       = "event"
	TypeMarketState = "market_state"
	TypeOrder       = "order"
)

// Message is one published update. Key partitions the stream: the symbol
// for quotes, the user for orders, the event ID for events.
type Message struct {
	Type      string    `json:"type"`
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// OrderUpdate is the payload of an order message.
type OrderUpdate struct {
	Order model.Order `json:"order"`
	Fill  *model.Fill `json:"fill,omitempty"`
}

// Publisher accepts messages. Implementations must not block for long and
// must not return errors to the producer; failures are theirs to log.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message)
}

// Fanout publishes to every member in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, msgs ...Message) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, msgs...)
		}
	}
}

// QuoteMessage wraps a quote.
func QuoteMessage(q model.Quote) Message {
	return Message{Type: TypeQuote, Key: q.Symbol, Timestamp: q.Timestamp, Data: q}
}

// EventMessage wraps a market event.
func EventMessage(ev model.MarketEvent) Message {
	return Message{Type: TypeEvent, Key: ev.ID, Timestamp: ev.CreatedAt, Data: ev}
}

// StateMessage wraps a market state snapshot.
func StateMessage(s model.MarketState) Message {
	return Message{Type: TypeMarketState, Key: "market", Timestamp: s.UpdatedAt, Data: s}
}

// OrderMessage wraps an order change and its optional fill.
func OrderMessage(o model.Order, f *model.Fill) Message {
	return Message{Type: TypeOrder, Key: o.UserRef, Timestamp: o.UpdatedAt, Data: OrderUpdate{Order: o, Fill: f}}
}
