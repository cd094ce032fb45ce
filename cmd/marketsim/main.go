// marketsim runs the market simulation offline and prints the resulting
// quotes and market state.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/equities-sim/internal/config"
	"github.com/atmx/equities-sim/internal/market"
	"github.com/atmx/equities-sim/internal/model"
	"github.com/atmx/equities-sim/internal/store"
)

var (
	configPath string
	seed       uint64
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "marketsim",
		Short: "Offline equities market simulator",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelInfo
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults to the built-in universe)")
	rootCmd.PersistentFlags().Uint64VarP(&seed, "seed", "s", 1, "Random seed; the same seed replays the same market")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity to stderr")

	rootCmd.AddCommand(simulateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type simulateOptions struct {
	ticks    int
	interval time.Duration
	start    string
	event    string
	symbols  []string
}

func simulateCmd() *cobra.Command {
	var opts simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Advance the market for a number of ticks and print the final quotes",
		Example: `  marketsim simulate --ticks 500 --seed 7
  marketsim simulate --event earnings --symbols NOVA --interval 1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return simulate(cmd.Context(), cmd.OutOrStdout(), cfg, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.ticks, "ticks", "n", 100, "Number of ticks to simulate")
	cmd.Flags().DurationVarP(&opts.interval, "interval", "i", 5*time.Second, "Simulated time between ticks")
	cmd.Flags().StringVar(&opts.start, "start", "2026-03-02T14:30:00Z", "Simulated start time (RFC3339)")
	cmd.Flags().StringVarP(&opts.event, "event", "e", "", "Event type to trigger before the first tick")
	cmd.Flags().StringSliceVar(&opts.symbols, "symbols", nil, "Symbols affected by --event")
	return cmd
}

// simClock is advanced by the simulation loop only.
type simClock struct{ now time.Time }

func (c *simClock) Now() time.Time { return c.now }

func simulate(ctx context.Context, out io.Writer, cfg *config.Config, opts simulateOptions) error {
	if opts.ticks <= 0 {
		return fmt.Errorf("ticks must be positive, got %d", opts.ticks)
	}
	if opts.interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", opts.interval)
	}
	start, err := time.Parse(time.RFC3339, opts.start)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}

	clock := &simClock{now: start}
	engine, err := market.New(cfg, store.NewMemoryStore(),
		market.WithSeed(seed),
		market.WithClock(clock.Now),
	)
	if err != nil {
		return err
	}

	var triggered *model.MarketEvent
	if opts.event != "" {
		symbols := make([]string, 0, len(opts.symbols))
		for _, s := range opts.symbols {
			symbols = append(symbols, strings.ToUpper(strings.TrimSpace(s)))
		}
		ev, err := engine.TriggerEvent(ctx, model.EventType(opts.event), symbols)
		if err != nil {
			return err
		}
		triggered = &ev
	}

	opening := engine.GetQuotes()
	for i := 0; i < opts.ticks; i++ {
		clock.now = clock.now.Add(opts.interval)
		if _, err := engine.Tick(ctx); err != nil {
			return fmt.Errorf("tick %d: %w", i+1, err)
		}
	}

	fmt.Fprintf(out, "Simulated %d ticks of %s from %s (seed %d)\n\n",
		opts.ticks, opts.interval, start.Format(time.RFC3339), seed)
	if triggered != nil {
		fmt.Fprintf(out, "Triggered: %s\n\n", triggered.Title)
	}
	writeQuotes(out, opening, engine.GetQuotes())
	fmt.Fprintln(out)
	writeState(out, engine.GetMarketState(), engine.EventHistory())
	return nil
}
