package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/equities-sim/internal/model"
)

type fakeSink struct {
	mu     sync.Mutex
	ticks  []model.Quote
	events []model.MarketEvent
	err    error
	block  bool
}

func (f *fakeSink) InsertTick(ctx context.Context, q *model.Quote) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ticks = append(f.ticks, *q)
	return nil
}

func (f *fakeSink) InsertEvent(_ context.Context, ev *model.MarketEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, *ev)
	return nil
}

func TestWriter_RunDrainsOnCancel(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, 16, time.Second)

	for i := 0; i < 5; i++ {
		w.RecordTick(model.Quote{Symbol: "NOVA", Price: decimal.NewFromInt(int64(100 + i))})
	}
	w.RecordEvent(model.MarketEvent{ID: "ev-1", Type: model.EventNews})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)
	w.Wait()

	assert.Len(t, sink.ticks, 5)
	assert.Len(t, sink.events, 1)
}

func TestWriter_DropsWhenFull(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, 2, time.Second)

	for i := 0; i < 10; i++ {
		w.RecordTick(model.Quote{Symbol: "NOVA"})
	}
	w.Flush()

	assert.Len(t, sink.ticks, 2, "records beyond the buffer are dropped, not blocked on")
}

func TestWriter_FailuresAreSwallowed(t *testing.T) {
	sink := &fakeSink{err: errors.New("connection refused")}
	w := NewWriter(sink, 4, time.Second)

	w.RecordTick(model.Quote{Symbol: "NOVA"})
	w.RecordEvent(model.MarketEvent{ID: "ev-1"})
	require.NotPanics(t, w.Flush)
	assert.Empty(t, sink.ticks)
}

func TestWriter_TimeoutBoundsSlowWrites(t *testing.T) {
	sink := &fakeSink{block: true}
	w := NewWriter(sink, 1, 20*time.Millisecond)

	w.RecordTick(model.Quote{Symbol: "NOVA"})
	start := time.Now()
	w.Flush()
	assert.Less(t, time.Since(start), 2*time.Second)
}
