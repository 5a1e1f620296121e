package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hairswap/internal/inference/local"
	"hairswap/internal/infra"
	"hairswap/internal/middleware"
	"hairswap/internal/storage"
	"hairswap/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "hairswap-worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	assets, _, err := storage.Open(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: asset store unavailable")
	}
	if !assets.Configured() {
		logger.Warn().Msg("worker: no durable asset backend, every task will report an error")
	}

	pipeline, err := local.New(local.Options{
		Fetcher: storage.NewFetcher(nil, assets.Fallback(), 0),
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: pipeline setup failed")
	}

	srv, err := worker.New(worker.Options{
		EndpointID:  cfg.WorkerEndpointID,
		APIKey:      cfg.WorkerAPIKey,
		Runner:      pipeline,
		Assets:      assets,
		Concurrency: cfg.WorkerConcurrency,
		Retention:   cfg.JobTTL,
		TaskTimeout: cfg.RunTimeout,
		Logger:      &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: setup failed")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Logger(logger))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Mount("/", srv.Handler())

	server := infra.NewHTTPServer(cfg, cfg.WorkerPort, r)
	go func() {
		logger.Info().Str("addr", server.Addr()).Str("endpoint", cfg.WorkerEndpointID).Msg("worker: listening")
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("worker: http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worker: http shutdown failed")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worker: tasks did not stop in time")
	}
	logger.Info().Msg("worker: stopped")
}
