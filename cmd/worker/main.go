// cmd/worker/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"knock-pipeline/internal/app"
	"knock-pipeline/internal/config"
	"knock-pipeline/internal/logging"
	"knock-pipeline/internal/service"
	"knock-pipeline/internal/worker"
)

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

	rdb, queue, err := app.NewQueue(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("queue")
	}
	defer rdb.Close()

	stages, err := app.NewStages(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("stages")
	}

	orch := service.NewOrchestrator(service.OrchestratorOptions{
		Store:  store,
		Stages: stages,
		Queue:  queue,
		Logger: &logger,
	})

	go worker.Reaper{
		Queue:      queue,
		StaleAfter: cfg.QueueStaleAfter,
		Logger:     &logger,
	}.Run(ctx)

	logger.Info().
		Int("workers", cfg.Workers).
		Str("redis_addr", cfg.RedisAddr).
		Str("queue_key", cfg.RedisQueueKey).
		Str("processing_key", cfg.RedisProcessingKey).
		Str("store", cfg.StoreDriver).
		Msg("worker started")

	worker.NewPool(queue, worker.NewProcessor(orch, &logger), cfg.Workers, &logger).Run(ctx)

	logger.Info().Msg("worker stopped")
}
