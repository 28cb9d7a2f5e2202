package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/querywave/querywave/internal/api"
	"github.com/querywave/querywave/internal/auth"
	"github.com/querywave/querywave/internal/config"
	"github.com/querywave/querywave/internal/generate"
	"github.com/querywave/querywave/internal/nl2sql"
	"github.com/querywave/querywave/internal/observability"
	"github.com/querywave/querywave/internal/quota"
	"github.com/querywave/querywave/internal/registry"
	storepostgres "github.com/querywave/querywave/internal/store/postgres"
	"github.com/querywave/querywave/internal/validate"
)

func main() {
	cfg, err := config.LoadFromEnv("querywave-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	var (
		registryPersister registry.Persister
		quotaPersister    quota.Persister
		readiness         = []api.ReadinessCheck{api.CheckStoreDSN(cfg), api.CheckTranslatorConfig(cfg)}
	)
	if cfg.Store.Enabled {
		storeDB, err := storepostgres.Open(context.Background(), storepostgres.DBConfig{
			DSN:             cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open store db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = storeDB.Close() }()

		store := storepostgres.NewStore(storeDB)
		registryPersister = store
		quotaPersister = store
		readiness = append(readiness, store.HealthCheck)
	}

	reg := registry.New(registry.Config{
		Capacity:      cfg.Registry.Capacity,
		TTL:           cfg.Registry.TTL,
		PreviewTables: cfg.Registry.PreviewTables,
	}, registryPersister, logger)
	tracker := quota.New(quota.Config{
		SchemaUpload: quota.Limit{Max: cfg.Quota.SchemaUploadMax, Window: cfg.Quota.SchemaUploadWindow},
		Generate:     quota.Limit{Max: cfg.Quota.GenerateMax, Window: cfg.Quota.GenerateWindow},
	}, quotaPersister, logger)

	if cfg.Store.Enabled {
		restoreCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := reg.Restore(restoreCtx); err != nil {
			logger.Warn("schema restore failed", slog.Any("error", err))
		}
		if err := tracker.Restore(restoreCtx); err != nil {
			logger.Warn("quota restore failed", slog.Any("error", err))
		}
		cancel()
	}
	observability.SetRegistrySchemas(reg.Len())

	translator, err := nl2sql.NewOpenAITranslator(nl2sql.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize translator", slog.Any("error", err))
		os.Exit(1)
	}

	generator := generate.NewService(reg, tracker, translator, generate.Config{
		MaxQuestionChars: cfg.AI.MaxQuestionChars,
		RepairRounds:     cfg.AI.RepairRounds,
		ValidatorLimits: validate.Limits{
			MaxJoinedTables: cfg.Validator.MaxJoinedTables,
			MaxPredicates:   cfg.Validator.MaxPredicates,
			RequireLimit:    cfg.Validator.RequireLimit,
		},
	}, logger)

	deps := api.Dependencies{
		Logger:           logger,
		Registry:         reg,
		Quota:            tracker,
		Generator:        generator,
		Readiness:        api.CombineReadinessChecks(readiness...),
		DependencyTimout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepExpiredSchemas(ctx, reg, cfg.Registry.SweepInterval, logger)

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

// sweepExpiredSchemas drops expired registry records on a fixed cadence so
// memory is reclaimed even when nobody fetches the expired ids.
func sweepExpiredSchemas(ctx context.Context, reg *registry.Registry, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := reg.Sweep(ctx); dropped > 0 {
				logger.Info("swept expired schemas", slog.Int("dropped", dropped))
			}
			observability.SetRegistrySchemas(reg.Len())
		}
	}
}
