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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/minutex/exchange-engine/internal/api"
	"github.com/minutex/exchange-engine/internal/auth"
	"github.com/minutex/exchange-engine/internal/config"
	"github.com/minutex/exchange-engine/internal/engine"
	"github.com/minutex/exchange-engine/internal/feed"
	"github.com/minutex/exchange-engine/internal/gateway"
	"github.com/minutex/exchange-engine/internal/lifecycle"
	"github.com/minutex/exchange-engine/internal/model"
	"github.com/minutex/exchange-engine/internal/risk"
	"github.com/minutex/exchange-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("MINUTEX_CONFIG"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price feed ---
	samples := make(chan model.PriceSample, 256)
	backoff := feed.Backoff{Base: cfg.Feed.ReconnectBase, Max: cfg.Feed.ReconnectMax}
	adapters := feed.BuildAdapters(cfg.Feed.Sources, samples, backoff, cfg.Feed.MaxReconnects, 2*time.Second)
	for _, a := range adapters {
		go a.Run(ctx)
	}

	aggregator := feed.NewAggregator(cfg.Feed.Weights, cfg.Feed.AggregateInterval, cfg.Feed.StalenessThreshold)
	go aggregator.Run(ctx, samples)

	// --- Engine, lifecycle, gateway ---
	limits := risk.NewLimits(cfg.Trading.MaxSharesPerOrder, cfg.Trading.MaxOpenExposure)
	eng := engine.New(st, limits, nil)

	controller := lifecycle.New(st, eng, aggregator, nil, cfg.Trading.ProvisionHorizon, cfg.Trading.PruneAfter)

	verifier := auth.NewVerifier(cfg.Auth.TelegramBotToken, cfg.Auth.ClaimMaxAge)
	hub := gateway.New(eng, st, verifier, controller, aggregator, adapters, cfg.Trading.BookDebounce)
	eng.SetNotifier(hub)
	controller.SetEvents(hub)

	// Reload open state before the clock starts.
	if err := eng.Recover(ctx); err != nil {
		slog.Error("recovery failed", "err", err)
		os.Exit(1)
	}
	if err := controller.Init(ctx); err != nil {
		slog.Error("lifecycle init failed", "err", err)
		os.Exit(1)
	}
	go controller.Run(ctx)

	// Reference-price fan-out: clients plus the time-series persister.
	distributor := feed.NewDistributor(st, hub)
	go distributor.Run(ctx, aggregator.Subscribe())

	// --- HTTP server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewServer(st, controller, verifier, cfg.Server.StaticDir, hub.HandleWS).Router(cfg.Server.CORSOrigin),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("exchange-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down exchange-engine...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("exchange-engine stopped")
}
