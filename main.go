package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"perp-signal-engine/config"
	"perp-signal-engine/internal/binance"
	"perp-signal-engine/internal/cache"
	"perp-signal-engine/internal/database"
	"perp-signal-engine/internal/events"
	"perp-signal-engine/internal/logging"
	"perp-signal-engine/internal/service"
	"perp-signal-engine/internal/strategy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().
		Str("strategy", cfg.EngineConfig.Strategy).
		Strs("symbols", cfg.EngineConfig.Symbols).
		Strs("timeframes", cfg.EngineConfig.Timeframes).
		Msg("starting signal engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	repo := database.NewRepository(db)

	// Redis is optional: without it streaks and the active-signal mirror
	// live in PostgreSQL only.
	var streaks strategy.StreakStore
	var activeCache *cache.ActiveSignalCache
	if cfg.RedisConfig.Enabled {
		cacheService, err := cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, running without cache")
		} else {
			defer cacheService.Close()
			streaks = cache.NewStreakCache(cacheService)
			activeCache = cache.NewActiveSignalCache(cacheService)
		}
	}

	bus := events.NewEventBus()
	bus.Subscribe(events.EventSignal, func(e events.Event) {
		logger.Info().Interface("signal", e.Data).Msg("signal")
	})
	bus.Subscribe(events.EventOutcome, func(e events.Event) {
		logger.Info().Interface("outcome", e.Data).Msg("outcome")
	})

	client := binance.NewClient(cfg.BinanceConfig.FuturesURL, logger)

	collector, err := service.NewCollector(cfg, client, repo, streaks, activeCache, bus, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector setup failed")
	}
	if err := collector.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("collector start failed")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	collector.Stop()
	cancel()
}
