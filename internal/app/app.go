// Package app wires configuration, storage, usage tracking, providers, and
// the HTTP server together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"llmgate/config"
	"llmgate/internal/cache"
	"llmgate/internal/gateway"
	"llmgate/internal/metrics"
	"llmgate/internal/pricing"
	"llmgate/internal/providers"
	_ "llmgate/internal/providers/gemini"
	_ "llmgate/internal/providers/openai"
	"llmgate/internal/server"
	"llmgate/internal/storage"
	"llmgate/internal/usage"
)

// App holds every long-lived component. The caller must call Shutdown to
// release resources.
type App struct {
	config  *config.Config
	storage storage.Storage
	store   usage.Store
	cost    cache.DailyCost
	tracker *usage.Tracker
	server  *server.Server
	logger  *slog.Logger

	shutdownMu sync.Mutex
	shutdown   bool
}

// New builds the application from loaded configuration. Components that fail
// to initialize tear down everything built before them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{config: cfg, logger: logger}

	registry, err := pricing.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing table: %w", err)
	}

	if cfg.Usage.Enabled {
		st, err := storage.New(ctx, storage.Config{
			Type:   cfg.Storage.Type,
			SQLite: storage.SQLiteConfig{Path: cfg.Storage.SQLitePath},
			PostgreSQL: storage.PostgreSQLConfig{
				URL:      cfg.Storage.PostgreSQLURL,
				MaxConns: cfg.Storage.PostgreSQLMaxConn,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		app.storage = st

		store, err := newUsageStore(st, cfg.Usage.RetentionDays)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to initialize usage store: %w", err), st.Close())
		}
		app.store = store
	}

	cost, err := newCostCache(cfg.Cache)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize cost cache: %w", err), app.closeStores())
	}
	app.cost = cost

	var m *metrics.Metrics
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		m = metrics.New(reg)
	}

	app.tracker = usage.NewTracker(registry, usage.TrackerConfig{
		Store:             app.store,
		DailyCost:         app.cost,
		DailyThresholdUSD: cfg.Usage.DailyThresholdUSD,
		Logger:            logger,
		Metrics:           m,
	})

	adapters, err := buildAdapters(cfg.Providers)
	if err != nil {
		return nil, errors.Join(err, app.closeStores())
	}

	// Credentials flow through the config layer so a .env file works the
	// same as real environment variables.
	env := map[string]string{
		"DEFAULT_LLM_PROVIDER": cfg.Providers.Default,
		"OPENAI_API_KEY":       cfg.Providers.OpenAIKey,
		"GEMINI_API_KEY":       cfg.Providers.GeminiKey,
	}
	gw := gateway.New(adapters, registry, app.tracker,
		gateway.WithLogger(logger),
		gateway.WithEnv(func(key string) string { return env[key] }),
	)

	app.server = server.New(gw, app.store, server.Config{
		Port:            cfg.Server.Port,
		MasterKey:       cfg.Server.MasterKey,
		BodySizeLimit:   cfg.Server.BodySizeLimit,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		MetricsRegistry: reg,
	}, logger)

	app.logStartupInfo()
	return app, nil
}

// newUsageStore picks the store implementation matching the open connection.
func newUsageStore(st storage.Storage, retentionDays int) (usage.Store, error) {
	switch st.Type() {
	case storage.TypeSQLite:
		return usage.NewSQLiteStore(st.SQLiteDB(), retentionDays)
	case storage.TypePostgreSQL:
		return usage.NewPostgreSQLStore(st.PostgreSQLPool(), retentionDays)
	default:
		return nil, fmt.Errorf("no usage store for storage type %q", st.Type())
	}
}

func newCostCache(cfg config.CacheConfig) (cache.DailyCost, error) {
	switch cfg.Backend {
	case "none", "":
		return nil, nil
	case "local":
		return cache.NewLocalCost(), nil
	case "redis":
		return cache.NewRedisCost(cache.RedisConfig{URL: cfg.RedisURL})
	default:
		return nil, fmt.Errorf("unknown cost cache backend %q", cfg.Backend)
	}
}

// buildAdapters instantiates every registered provider, applying base URL
// overrides from configuration.
func buildAdapters(cfg config.ProvidersConfig) (map[string]providers.Adapter, error) {
	baseURLs := map[string]string{
		"openai": cfg.OpenAIBaseURL,
		"gemini": cfg.GeminiBaseURL,
	}
	adapters := make(map[string]providers.Adapter)
	for _, name := range providers.Registered() {
		adapter, err := providers.New(name, baseURLs[name])
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %s: %w", name, err)
		}
		adapters[name] = adapter
	}
	return adapters, nil
}

// Start runs the HTTP server. Blocks until the server stops.
func (a *App) Start() error {
	return a.server.Start()
}

// Shutdown tears down components in dependency order: the HTTP server stops
// accepting requests, the tracker drains in-flight usage writes, then the
// cache and database connections close. Idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	a.logger.Info("shutting down")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if a.tracker != nil {
		if err := a.tracker.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracker drain: %w", err))
		}
	}
	if err := a.closeStores(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeStores() error {
	var errs []error
	if a.cost != nil {
		if err := a.cost.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cost cache close: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("usage store close: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		a.logger.Warn("LLMGATE_MASTER_KEY not set, server accepts unauthenticated requests")
	} else {
		a.logger.Info("authentication enabled", slog.String("mode", "master_key"))
	}

	if cfg.Usage.Enabled {
		a.logger.Info("usage tracking enabled",
			slog.String("storage", cfg.Storage.Type),
			slog.Int("retention_days", cfg.Usage.RetentionDays),
			slog.Float64("daily_threshold_usd", cfg.Usage.DailyThresholdUSD),
		)
	} else {
		a.logger.Info("usage tracking disabled")
	}

	if cfg.Metrics.Enabled {
		a.logger.Info("prometheus metrics enabled", slog.String("endpoint", cfg.Metrics.Endpoint))
	}
}
