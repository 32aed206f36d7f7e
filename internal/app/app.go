// Package app wires config into the stores, stages and queue shared by the binaries.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"knock-pipeline/internal/agent"
	"knock-pipeline/internal/catalog"
	"knock-pipeline/internal/config"
	"knock-pipeline/internal/logging"
	"knock-pipeline/internal/provider/gemini"
	"knock-pipeline/internal/repository/postgresql"
	"knock-pipeline/internal/repository/sqlite"
	"knock-pipeline/internal/service"
	"knock-pipeline/internal/storage"
)

// OpenStore opens the configured job store and applies its schema.
// The returned func releases it.
func OpenStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (service.JobStore, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("driver", cfg.StoreDriver).Str("path", cfg.SQLitePath).Msg("store opened")
		return s, func() { _ = s.Close() }, nil

	case config.DriverPostgres:
		pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := postgresql.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info().Str("driver", cfg.StoreDriver).Str("dsn", config.RedactDSN(cfg.PostgresDSN)).Msg("store opened")
		return postgresql.NewJobRepository(pool), pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// NewStages builds the five pipeline stages. Gemini is used only when an API key is set.
func NewStages(cfg *config.Config, logger *logging.Logger) ([]agent.Stage, error) {
	c, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	assets, err := storage.NewFileStore(cfg.AssetDir, cfg.AssetBaseURL)
	if err != nil {
		return nil, err
	}

	deps := agent.Deps{
		Catalog:            c,
		Assets:             assets,
		RemoteImageEnabled: cfg.RemoteImageEnabled,
		TextTimeout:        cfg.TextTimeout,
		ImageTimeout:       cfg.ImageTimeout,
		DefaultLanguage:    cfg.DefaultLanguage,
		Logger:             logger,
	}

	if cfg.GeminiAPIKey != "" {
		client, err := gemini.NewClient(gemini.Options{
			APIKey:     cfg.GeminiAPIKey,
			BaseURL:    cfg.GeminiBaseURL,
			TextModel:  cfg.GeminiTextModel,
			ImageModel: cfg.GeminiImageModel,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		deps.Text = client
		deps.Image = client
		logger.Info().
			Str("text_model", client.TextModel()).
			Str("image_model", client.ImageModel()).
			Bool("remote_image", cfg.RemoteImageEnabled).
			Msg("gemini enabled")
	} else {
		logger.Warn().Msg("GEMINI_API_KEY not set: lexicon scoring, ranked profiles and preset rooms only")
	}

	return agent.Pipeline(deps), nil
}

// NewQueue connects to Redis and returns the priority queue over the configured lanes.
func NewQueue(ctx context.Context, cfg *config.Config) (*redis.Client, service.Queue, error) {
	if err := cfg.RequireRedis(); err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}

	low, normal, high := service.LanesFor(cfg.RedisQueueKey, cfg.RedisProcessingKey)
	q := service.NewRedisPriorityQueue(rdb, cfg.RedisProcessingKey+":map", low, normal, high)
	return rdb, q, nil
}
