package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/equities-sim/internal/config"
)

func TestSimulateRendersQuotesAndState(t *testing.T) {
	seed = 7
	var out bytes.Buffer
	err := simulate(context.Background(), &out, config.Default(), simulateOptions{
		ticks:    20,
		interval: time.Minute,
		start:    "2026-03-02T14:30:00Z",
		event:    "earnings",
		symbols:  []string{"nova"},
	})
	require.NoError(t, err)

	s := out.String()
	assert.Contains(t, s, "Simulated 20 ticks")
	assert.Contains(t, s, "Triggered:")
	for _, sym := range config.Default().Tickers() {
		assert.Contains(t, s, sym)
	}
	assert.Contains(t, s, "Market: open=true")
	assert.Contains(t, s, "earnings")
}

func TestSimulateIsReproducible(t *testing.T) {
	seed = 99
	opts := simulateOptions{ticks: 50, interval: 5 * time.Second, start: "2026-03-02T14:30:00Z"}

	var a, b bytes.Buffer
	require.NoError(t, simulate(context.Background(), &a, config.Default(), opts))
	require.NoError(t, simulate(context.Background(), &b, config.Default(), opts))
	assert.Equal(t, a.String(), b.String())
}

func TestSimulateRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	cfg := config.Default()

	assert.Error(t, simulate(ctx, &out, cfg, simulateOptions{ticks: 0, interval: time.Second, start: "2026-03-02T14:30:00Z"}))
	assert.Error(t, simulate(ctx, &out, cfg, simulateOptions{ticks: 1, interval: 0, start: "2026-03-02T14:30:00Z"}))
	assert.Error(t, simulate(ctx, &out, cfg, simulateOptions{ticks: 1, interval: time.Second, start: "monday"}))
	assert.Error(t, simulate(ctx, &out, cfg, simulateOptions{ticks: 1, interval: time.Second, start: "2026-03-02T14:30:00Z", event: "meteor"}))
}
