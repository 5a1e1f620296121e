package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"hairswap/internal/domain"
	"hairswap/internal/events"
	"hairswap/internal/http/handlers"
	"hairswap/internal/http/httpapi"
	"hairswap/internal/inference"
	"hairswap/internal/inference/gemini"
	"hairswap/internal/inference/local"
	"hairswap/internal/inference/mock"
	"hairswap/internal/inference/runpod"
	"hairswap/internal/inference/vmodel"
	"hairswap/internal/infra"
	"hairswap/internal/infra/geoip"
	"hairswap/internal/jobstore"
	"hairswap/internal/orchestrator"
	"hairswap/internal/perf"
	"hairswap/internal/status"
	"hairswap/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "hairswap-api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	var jobs domain.JobRepository
	if cfg.RedisURL != "" {
		redisClient, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: redis connection failed")
		}
		defer redisClient.Close()
		jobs = jobstore.NewRedis(redisClient, cfg.JobTTL)
	} else {
		logger.Warn().Msg("api: REDIS_URL not set, job records are kept in memory")
		jobs = jobstore.NewMemory(cfg.JobTTL)
	}

	assets, staticDir, err := storage.Open(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: asset store unavailable")
	}
	fetcher := storage.NewFetcher(nil, assets.Fallback(), 0)

	backend, err := newBackend(cfg, fetcher, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: inference backend misconfigured")
	}

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = infra.NewDBPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: db connection failed")
		}
		defer pool.Close()
	}
	perfLog, perfSource, err := openPerf(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: performance log unavailable")
	}
	defer func() {
		if err := perfLog.Close(); err != nil {
			logger.Warn().Err(err).Msg("api: close performance log")
		}
	}()

	var publisher events.Publisher = events.Nop{}
	var natsPub *events.NATS
	if cfg.NATSURL != "" {
		natsPub, err = events.Connect(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			logger.Warn().Err(err).Msg("api: nats unavailable, lifecycle events disabled")
		} else {
			publisher = natsPub
		}
	}
	defer publisher.Close()

	var resolver *geoip.Resolver
	if cfg.GeoIPDBPath != "" {
		resolver, err = geoip.Open(cfg.GeoIPDBPath)
		if err != nil {
			logger.Warn().Err(err).Msg("api: geoip database unavailable")
		} else {
			defer resolver.Close()
		}
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Jobs:           jobs,
		Assets:         assets,
		Fetcher:        fetcher,
		Backend:        backend,
		Perf:           perfLog,
		Events:         publisher,
		Logger:         &logger,
		PollInterval:   cfg.PollInterval,
		MaxAttempts:    cfg.PollMaxAttempts,
		PollTimeout:    cfg.PollTimeout,
		SubmitTimeout:  cfg.SubmitTimeout,
		RunTimeout:     cfg.RunTimeout,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: orchestrator setup failed")
	}
	resumed, failed, err := orch.Recover(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("api: recovering unfinished jobs failed")
	} else if resumed+failed > 0 {
		logger.Info().Int("resumed", resumed).Int("failed", failed).Msg("api: recovered unfinished jobs")
	}

	refresher, err := perf.NewRefresher(perfSource, cfg.MetricsRefreshSpec, 0, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: metrics refresher setup failed")
	}
	refresher.Start()

	app := &handlers.App{
		Jobs:           orch,
		Status:         status.NewService(jobs),
		Checks:         healthChecks(jobs, assets, backend, pool, natsPub),
		Logger:         &logger,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:             logger,
		AllowedOrigins:     cfg.CORSAllowedOrigins,
		DefaultLocale:      cfg.DefaultLocale,
		CountryLookup:      resolver.Lookup(),
		SubmitLimit:        cfg.RateLimitPerMin,
		AdminSecret:        cfg.AdminJWTSecret,
		AllowInsecureAdmin: cfg.IsDevelopment(),
		StaticDir:          staticDir,
	})
	server := infra.NewHTTPServer(cfg, cfg.Port, router)

	go func() {
		logger.Info().
			Str("addr", server.Addr()).
			Str("backend", backend.Name()).
			Str("assets", assets.BackendName()).
			Msg("api: listening")
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("api: http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: http shutdown failed")
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: job drivers did not stop in time")
	}
	refresher.Stop(shutdownCtx)
	logger.Info().Msg("api: stopped")
}

func newBackend(cfg *infra.Config, fetcher *storage.Fetcher, logger *infra.Logger) (inference.Backend, error) {
	switch cfg.InferenceBackend {
	case infra.BackendMock:
		return mock.New(cfg.MockPolls), nil
	case infra.BackendLocal:
		return local.New(local.Options{Fetcher: fetcher, Logger: logger})
	case infra.BackendRunPod:
		return runpod.NewClient(runpod.Options{
			APIKey:         cfg.RunPodAPIKey,
			EndpointID:     cfg.RunPodEndpointID,
			BaseURL:        cfg.RunPodBaseURL,
			Logger:         logger,
			RequestTimeout: cfg.PollTimeout,
		})
	case infra.BackendVModel:
		return vmodel.NewClient(vmodel.Options{
			APIKey:         cfg.VModelAPIKey,
			BaseURL:        cfg.VModelBaseURL,
			Version:        cfg.VModelVersion,
			Logger:         logger,
			RequestTimeout: cfg.PollTimeout,
		})
	case infra.BackendGemini:
		return gemini.NewClient(gemini.Options{
			APIKey:  cfg.GeminiAPIKey,
			BaseURL: cfg.GeminiBaseURL,
			Model:   cfg.GeminiModel,
			Fetcher: fetcher,
			Logger:  logger,
		})
	}
	return nil, fmt.Errorf("unsupported inference backend %q", cfg.InferenceBackend)
}

// openPerf opens the JSONL performance log and, with a database, mirrors
// records into Postgres, which then becomes the aggregation source.
func openPerf(ctx context.Context, cfg *infra.Config, pool *pgxpool.Pool, logger infra.Logger) (perf.Log, perf.Source, error) {
	jsonl, err := perf.OpenJSONL(cfg.PerfLogPath)
	if err != nil {
		return nil, nil, err
	}
	if pool == nil {
		return jsonl, jsonl, nil
	}
	pg := perf.NewPostgresLog(infra.NewSQLRunner(pool, logger))
	if err := pg.EnsureSchema(ctx); err != nil {
		_ = jsonl.Close()
		return nil, nil, err
	}
	return perf.MultiLog{jsonl, pg}, pg, nil
}

func healthChecks(jobs domain.JobRepository, assets *storage.Assets, backend inference.Backend, pool *pgxpool.Pool, nc *events.NATS) []handlers.HealthCheck {
	checks := []handlers.HealthCheck{
		{Name: "job_store", Probe: jobs.Ping},
		{Name: "asset_store", Probe: func(ctx context.Context) error {
			if !assets.Configured() {
				return handlers.ErrNotConfigured
			}
			return assets.Ping(ctx)
		}},
		{Name: "backend", Probe: func(ctx context.Context) error {
			err := backend.Ping(ctx)
			if errors.Is(err, inference.ErrNotConfigured) {
				return handlers.ErrNotConfigured
			}
			return err
		}},
		{Name: "performance_db", Probe: func(ctx context.Context) error {
			if pool == nil {
				return handlers.ErrNotConfigured
			}
			return pool.Ping(ctx)
		}},
		{Name: "events", Probe: func(context.Context) error {
			if nc == nil {
				return handlers.ErrNotConfigured
			}
			if !nc.Conn().IsConnected() {
				return fmt.Errorf("nats status %s", nc.Conn().Status())
			}
			return nil
		}},
	}
	return checks
}
