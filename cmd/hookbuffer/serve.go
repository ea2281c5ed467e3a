package main

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/akave-ai/hookbuffer/internal/config"
	"github.com/akave-ai/hookbuffer/internal/database"
	"github.com/akave-ai/hookbuffer/internal/dispatch"
	"github.com/akave-ai/hookbuffer/internal/engine"
	"github.com/akave-ai/hookbuffer/internal/handler"
	"github.com/akave-ai/hookbuffer/internal/lock"
	"github.com/akave-ai/hookbuffer/internal/logger"
	"github.com/akave-ai/hookbuffer/internal/repository"
	"github.com/akave-ai/hookbuffer/internal/server"
	"github.com/akave-ai/hookbuffer/internal/storage"
	"github.com/akave-ai/hookbuffer/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook ingress, the buffering engine and the management API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			skip, err := cmd.Flags().GetBool("skip-migrations")
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, skip)
		},
	}
	cmd.Flags().String("port", "", "HTTP listen port")
	cmd.Flags().Bool("skip-migrations", false, "do not apply database migrations on start")
	return cmd
}

type configStore interface {
	engine.ConfigRepository
	handler.ConfigStore
	handler.Pinger
}

type messageStore interface {
	engine.MessageRepository
	handler.MessageQueries
}

// openStorage returns the repositories for the configured driver and a
// cleanup func that is always safe to call.
func openStorage(ctx context.Context, cfg *config.Config, log zerolog.Logger, skipMigrations bool) (configStore, messageStore, func(), error) {
	if cfg.Database.Driver == "memory" {
		log.Warn().Msg("using in-memory storage, nothing survives a restart")
		repo := repository.NewMemoryRepository()
		return repo, repo, func() {}, nil
	}

	if !skipMigrations {
		if err := database.RunMigrations(ctx, cfg.Database.URL, log); err != nil {
			return nil, nil, func() {}, fmt.Errorf("migrations: %w", err)
		}
	}
	pool, err := database.NewPool(ctx, cfg.Database, log)
	if err != nil {
		return nil, nil, func() {}, fmt.Errorf("database pool: %w", err)
	}
	return repository.NewConfigRepository(pool), repository.NewMessageRepository(pool), pool.Close, nil
}

func serve(ctx context.Context, cfg *config.Config, skipMigrations bool) error {
	log := logger.New(cfg.Observability)

	nr, err := logger.NewService(cfg.Observability)
	if err != nil {
		log.Warn().Err(err).Msg("new relic disabled")
	}
	defer nr.Shutdown()

	if cfg.Observability.Otel.Enabled {
		shutdown, err := telemetry.InitProvider(ctx, telemetry.OtelConfig{
			Endpoint:       cfg.Observability.Otel.Endpoint,
			Insecure:       cfg.Observability.Otel.Insecure,
			ExportInterval: time.Duration(cfg.Observability.Otel.ExportIntervalSeconds) * time.Second,
		}, cfg.Observability.ServiceName, log)
		if err != nil {
			return fmt.Errorf("otel: %w", err)
		}
		defer shutdown()
	}
	metrics := telemetry.NewMetrics()

	configs, messages, closeStorage, err := openStorage(ctx, cfg, log, skipMigrations)
	defer closeStorage()
	if err != nil {
		return err
	}

	var locker engine.Locker = engine.LocalLocker{}
	if cfg.Redis.URL != "" {
		rdb, err := lock.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, time.Duration(cfg.Redis.LockTTLSeconds)*time.Second, log)
		log.Info().Msg("flush lock shared through redis")
	}

	archive, err := storage.NewArchive(cfg.Archive, log)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := archive.EnsureBucket(ctx); err != nil {
		log.Warn().Err(err).Msg("archive bucket check failed, uploads may fail")
	}

	userAgent := cfg.Dispatch.UserAgent
	if userAgent == "" {
		userAgent = config.ServiceName + "/" + version
	}
	sender := dispatch.New(dispatch.Config{
		Timeout:          cfg.Dispatch.Timeout(),
		UserAgent:        userAgent,
		MaxResponseBytes: cfg.Dispatch.MaxResponseBytes,
	}, log)

	opts := engine.Options{
		Clock:     clock.New(),
		Locker:    locker,
		Metrics:   metrics,
		NewRelic:  nr.Application(),
		Logger:    log,
		ParkedTTL: cfg.Housekeeping.ParkedTTL(),
	}
	deps := server.Deps{
		Configs:  configs,
		Messages: messages,
		Storage:  configs,
		NewRelic: nr.Application(),
		Logger:   log,
	}
	if archive != nil {
		opts.Archiver = archive
		deps.Archive = archive
	}

	mgr := engine.NewManager(configs, messages, sender, opts)
	deps.Engine = mgr

	if n, err := mgr.Restore(ctx); err != nil {
		log.Error().Err(err).Int("restored", n).Msg("restore incomplete")
	}
	if _, err := mgr.Housekeep(ctx); err != nil {
		log.Error().Err(err).Msg("housekeeping failed")
	}

	srv := server.New(cfg, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return mgr.RunHousekeeping(gctx, cfg.Housekeeping.Interval()) })
	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if cerr := mgr.Close(closeCtx); cerr != nil {
		log.Warn().Err(cerr).Msg("flushes still running at exit, their messages stay pending")
	}
	log.Info().Msg("stopped")
	return err
}
