// Package main provides the entry point for the coordination worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	gormlogger "gorm.io/gorm/logger"

	"github.com/thebtf/fenceline/internal/admin"
	"github.com/thebtf/fenceline/internal/config"
	"github.com/thebtf/fenceline/internal/coordinator"
	gormdb "github.com/thebtf/fenceline/internal/db/gorm"
	"github.com/thebtf/fenceline/internal/family"
	"github.com/thebtf/fenceline/internal/kv"
	"github.com/thebtf/fenceline/internal/platform"
	"github.com/thebtf/fenceline/internal/queue"
)

var Version = "dev"

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("version", Version).
		Msg("Starting fenceline worker")

	cfg := config.Get()

	store, err := kv.NewRedis(kv.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to coordination store")
	}
	defer store.Close()

	if cfg.PostgresDSN == "" {
		log.Fatal().Msg("postgres_dsn is required")
	}
	db, err := gormdb.NewStore(gormdb.Config{
		DSN:      cfg.PostgresDSN,
		MaxConns: cfg.MaxConns,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to postgres")
	}
	defer db.Close()

	client := platform.NewClient(cfg.PlatformURL, cfg.PlatformAPIKey)

	metrics, err := coordinator.NewMetrics()
	if err != nil {
		log.Warn().Err(err).Msg("Metrics unavailable, continuing without")
		metrics = coordinator.NopMetrics()
	}

	broker := queue.NewMemory(log.Logger)
	deps := coordinator.Deps{
		Store:    store,
		Broker:   broker,
		Records:  gormdb.NewSyncStore(db),
		Entities: client,
		Strategies: family.Registry(family.Collaborators{
			Indexer: client,
			Source:  client,
			Index:   client,
			Acl:     client,
			Books:   client,
		}, cfg, log.Logger),
		Config:  cfg,
		Log:     log.Logger,
		Metrics: metrics,
	}
	coordinator.RegisterHandlers(deps, broker)

	svc := coordinator.NewService(deps)
	adminSrv := admin.NewServer(fmt.Sprintf(":%d", cfg.AdminPort), store, db.Ping)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return broker.Run(ctx, int64(cfg.MaxWorkers))
	})
	g.Go(func() error {
		svc.Start(ctx)
		return nil
	})
	g.Go(func() error {
		return adminSrv.ListenAndServe()
	})
	g.Go(func() error {
		<-ctx.Done()
		svc.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return adminSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return config.Watch(ctx, log.Logger, func(c *config.Config) {
			log.Info().Msg("Configuration reloaded")
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Worker exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Worker shutdown complete")
}
