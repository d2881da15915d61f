package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"calsyncd/internal/api"
	"calsyncd/internal/config"
	"calsyncd/internal/crypto"
	"calsyncd/internal/database"
	"calsyncd/internal/domain"
	"calsyncd/internal/events"
	"calsyncd/internal/logging"
	"calsyncd/internal/metrics"
	"calsyncd/internal/provider"
	"calsyncd/internal/repository"
	"calsyncd/internal/scheduler"
	"calsyncd/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	// Token encryption is non-negotiable; refuse to start without a key.
	cipher, err := crypto.NewTokenCipherFromEnv()
	if err != nil {
		logger.Error().Err(err).Msg("token encryption key missing or invalid")
		return err
	}

	if err := prepareDirectories(cfg, &logger); err != nil {
		return err
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("database initialization failed")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, idempotency := initIdempotency(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	registry := buildRegistry(cfg, cipher, db, &logger)

	eventBus := events.NewEventBus()
	subscribeSyncEvents(eventBus, &logger)

	metrics.Register()
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	processor := worker.NewProcessor(db, registry, redisClient, eventBus,
		worker.PolicyFromConfig(cfg.Sync), cfg.Sync.PollInterval, &logger)
	go processor.Start(ctx)

	periodic := scheduler.New(db, processor, idempotency, cfg.Sync, &logger)
	go periodic.Start(ctx)

	if cfg.Backup.Enabled {
		backupService := database.NewBackupService(cfg.Database.Path, cfg.Backup, &logger)
		go backupService.Start(ctx)
	}

	var apiServer *api.HTTPServer
	if cfg.API.Enabled {
		apiServer = api.NewHTTPServer(cfg.API, cfg.Exports, db, processor, registry, &logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("api server stopped")
			}
		}()
	}

	logger.Info().Str("db", cfg.Database.Path).Bool("api", cfg.API.Enabled).Msg("calsyncd started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if apiServer != nil {
		_ = apiServer.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger := baseLogger.With().Str("component", "main").Logger()
	return cfg, logger, closer, nil
}

func prepareDirectories(cfg *config.Config, logger *zerolog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("create database directory")
		return err
	}
	if err := os.MkdirAll(cfg.Exports.Path, 0o755); err != nil {
		logger.Error().Err(err).Msg("create exports directory")
		return err
	}
	return nil
}

// initIdempotency picks the dedup store for periodic triggers. Redis is
// preferred when configured; the in-memory store covers single-node runs
// and Redis outages.
func initIdempotency(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, domain.IdempotencyStore) {
	memory := repository.NewMemoryIdempotencyStore()
	if cfg.Redis.Address == "" {
		return nil, memory
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, idempotency will fail over to memory")
	}
	return client, repository.NewFailoverIdempotencyStore(repository.NewRedisIdempotencyStore(client), memory, logger)
}

func buildRegistry(cfg *config.Config, cipher *crypto.TokenCipher, db *database.DB, logger *zerolog.Logger) *provider.Registry {
	base := cfg.Providers.WebhookBaseURL
	registry := provider.NewRegistry()
	registry.Register(provider.NewGoogleConnector(cfg.Providers.Google, base+"/webhooks/google", cipher, db, logger))
	registry.Register(provider.NewMicrosoftConnector(cfg.Providers.Microsoft, base+"/webhooks/microsoft", cipher, db, logger))
	registry.Register(provider.NewCalDAVConnector(cfg.Providers.CalDAV, cipher, db, logger))
	return registry
}

func subscribeSyncEvents(bus *events.EventBus, logger *zerolog.Logger) {
	bus.Subscribe(events.EventSyncFailed, func(ev *events.Event) error {
		var payload events.SyncEventPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return nil
		}
		logger.Warn().
			Int64("item_id", payload.ItemID).
			Str("provider", string(payload.Provider)).
			Str("operation", string(payload.Operation)).
			Int("attempts", payload.Attempts).
			Str("error", payload.Error).
			Msg("sync item exhausted retries")
		return nil
	})
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
