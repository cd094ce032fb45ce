package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/equities-sim/internal/api"
	"github.com/atmx/equities-sim/internal/audit"
	"github.com/atmx/equities-sim/internal/cache"
	"github.com/atmx/equities-sim/internal/config"
	"github.com/atmx/equities-sim/internal/market"
	"github.com/atmx/equities-sim/internal/metrics"
	"github.com/atmx/equities-sim/internal/store"
	"github.com/atmx/equities-sim/internal/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := config.LoadEnv(); err != nil {
		slog.Error("env file", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load(os.Getenv("MARKET_CONFIG"))
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Service.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Service.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Service.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Service.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, cache.NewRedis(rdb), cfg.Service.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Service.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Audit trail ---
	auditor := audit.NewWriter(st, cfg.Service.AuditBuffer, cfg.Service.StoreTimeout)
	auditCtx, stopAudit := context.WithCancel(context.Background())
	go auditor.Run(auditCtx)

	// --- Streaming ---
	wsHub := stream.NewHub()
	go wsHub.Run(ctx)

	publishers := stream.Fanout{wsHub}
	if len(cfg.Service.KafkaBrokers) > 0 {
		kp := stream.NewKafkaPublisher(cfg.Service.KafkaBrokers, cfg.Service.KafkaTopic)
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Warn("kafka close", "err", err)
			}
		})
		publishers = append(publishers, kp)
	}

	// --- Market engine ---
	engine, err := market.New(cfg, st,
		market.WithRecorder(auditor),
		market.WithPublisher(publishers),
	)
	if err != nil {
		slog.Error("market engine", "err", err)
		os.Exit(1)
	}
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(ctx, cfg.Service.TickInterval)
	}()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"equities-sim"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// Market data, events, orders, portfolios and the WebSocket stream.
	r.Mount("/api/v1", api.NewHandler(engine, wsHub).Routes())

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Service.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("equities-sim listening",
			"port", cfg.Service.Port,
			"symbols", len(cfg.Symbols),
			"tick_interval", cfg.Service.TickInterval,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down equities-sim...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	<-engineDone
	stopAudit()
	auditor.Wait()
	fmt.Println("equities-sim stopped")
}
