package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bdougie/formcheck/internal/cache"
	"github.com/bdougie/formcheck/internal/metrics"
	"github.com/bdougie/formcheck/internal/pipeline"
	"github.com/bdougie/formcheck/internal/storage"
)

// resultStore is what the worker and report commands need from storage
type resultStore interface {
	pipeline.ResultStore
	metrics.Store
	ListMetrics(ctx context.Context, since time.Time) ([]metrics.JobMetrics, error)
}

type stores struct {
	results  resultStore
	postgres *storage.Postgres
	files    *storage.FileStore
}

func (s *stores) Close() {
	if s.postgres != nil {
		s.postgres.Close()
	}
}

// openStores connects to Postgres when configured and falls back to JSON
// files under metrics.results_dir otherwise.
func openStores(ctx context.Context) (*stores, error) {
	if cfg.HasDatabase() {
		pg, err := storage.NewPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		return &stores{results: pg, postgres: pg}, nil
	}

	fs, err := storage.NewFileStore(cfg.Metrics.ResultsDir)
	if err != nil {
		return nil, err
	}
	logger.Warn("no database configured, storing results as files", "dir", cfg.Metrics.ResultsDir)
	return &stores{results: fs, files: fs}, nil
}

func requirePostgres(ctx context.Context) (*storage.Postgres, error) {
	if !cfg.HasDatabase() {
		return nil, fmt.Errorf("this command needs a database (set DATABASE_URL or postgres.host)")
	}
	return storage.NewPostgres(ctx, cfg.Postgres, logger)
}

func connectRedis(ctx context.Context) (*cache.Redis, error) {
	return cache.Connect(ctx, cache.Config{URL: cfg.Redis.URL, Password: cfg.Redis.Password}, logger)
}
