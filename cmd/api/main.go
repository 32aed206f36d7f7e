// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"knock-pipeline/internal/app"
	"knock-pipeline/internal/config"
	"knock-pipeline/internal/logging"
	"knock-pipeline/internal/service"
	httptransport "knock-pipeline/internal/transport/http"
)

// @title knock pipeline API
// @version 1.0
// @description Persona and room generation pipeline: jobs, stage logs, retries.
// @BasePath /
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		l := logging.New("")
		l.Fatal().Err(err).Msg("config")
	}
	logger := logging.New(cfg.AppEnv)

	store, closeStore, err := app.OpenStore(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("store")
	}
	defer closeStore()

	stages, err := app.NewStages(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("stages")
	}

	opts := service.OrchestratorOptions{Store: store, Stages: stages, Logger: &logger}
	if cfg.RedisAddr != "" {
		rdb, queue, err := app.NewQueue(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("queue")
		}
		defer rdb.Close()
		opts.Queue = queue
	} else {
		logger.Warn().Msg("REDIS_ADDR not set: pipelines run inside the api process")
	}
	orch := service.NewOrchestrator(opts)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httptransport.Routes(httptransport.NewHandler(orch), &logger, cfg.AssetDir),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("store", cfg.StoreDriver).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
	orch.Wait()
	logger.Info().Msg("api stopped")
}
