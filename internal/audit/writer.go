// Package audit persists ticks and market events in the background.
//
// The in-memory price and event state is authoritative; the audit trail is
// best-effort. Record calls never block: when the buffer is full the record
// is dropped and counted. Each write carries its own timeout, and failures
// are logged and counted, never returned to the producer.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/equities-sim/internal/metrics"
	"github.com/atmx/equities-sim/internal/model"
)

// Sink is the subset of the store the writer needs.
type Sink interface {
	InsertTick(ctx context.Context, q *model.Quote) error
	InsertEvent(ctx context.Context, ev *model.MarketEvent) error
}

type record struct {
	tick  *model.Quote
	event *model.MarketEvent
}

func (r record) kind() string {
	if r.tick != nil {
		return "tick"
	}
	return "event"
}

// Writer drains a bounded buffer of records into a Sink.
type Writer struct {
	sink    Sink
	timeout time.Duration
	queue   chan record

	done chan struct{}
}

// NewWriter creates a writer with the given buffer size and per-write
// timeout.
func NewWriter(sink Sink, buffer int, timeout time.Duration) *Writer {
	if buffer <= 0 {
		buffer = 1
	}
	return &Writer{
		sink:    sink,
		timeout: timeout,
		queue:   make(chan record, buffer),
		done:    make(chan struct{}),
	}
}

// RecordTick enqueues a quote.
func (w *Writer) RecordTick(q model.Quote) {
	w.enqueue(record{tick: &q})
}

// RecordEvent enqueues a market event.
func (w *Writer) RecordEvent(ev model.MarketEvent) {
	w.enqueue(record{event: &ev})
}

func (w *Writer) enqueue(r record) {
	select {
	case w.queue <- r:
	default:
		metrics.AuditFailures.WithLabelValues(r.kind(), "dropped").Inc()
	}
}

// Run writes records until ctx is cancelled, then drains what is already
// buffered and returns.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case r := <-w.queue:
			w.write(r)
		case <-ctx.Done():
			for {
				select {
				case r := <-w.queue:
					w.write(r)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (w *Writer) Wait() {
	<-w.done
}

// Flush writes everything currently buffered on the caller's goroutine.
// Useful when no Run loop is active.
func (w *Writer) Flush() {
	for {
		select {
		case r := <-w.queue:
			w.write(r)
		default:
			return
		}
	}
}

func (w *Writer) write(r record) {
	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	var err error
	if r.tick != nil {
		err = w.sink.InsertTick(ctx, r.tick)
	} else {
		err = w.sink.InsertEvent(ctx, r.event)
	}
	if err == nil {
		return
	}

	reason := "error"
	if ctx.Err() != nil {
		reason = "timeout"
	}
	metrics.AuditFailures.WithLabelValues(r.kind(), reason).Inc()
	if r.tick != nil {
		slog.Warn("audit tick write failed", "symbol", r.tick.Symbol, "reason", reason, "err", err)
	} else {
		slog.Warn("audit event write failed", "event_id", r.event.ID, "reason", reason, "err", err)
	}
}
