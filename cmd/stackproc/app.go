package main

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/grafana/stackproc/pkg/config"
	"github.com/grafana/stackproc/pkg/processors/inapp"
	"github.com/grafana/stackproc/pkg/processors/sourcemaps"
	"github.com/grafana/stackproc/pkg/project"
	"github.com/grafana/stackproc/pkg/stacktraces"
	"github.com/prometheus/client_golang/prometheus"
)

// app holds the processing pipeline built from a configuration file.
type app struct {
	pipeline *stacktraces.Pipeline
	projects project.Store
}

func newApp(ctx context.Context, l log.Logger, cfg *config.Config, reg prometheus.Registerer) (*app, error) {
	var store project.Store
	if cfg.Projects.DatabaseURL != "" {
		pg, err := project.NewPostgresStore(cfg.Projects.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store = pg
	} else {
		store = project.NewStaticStore(cfg.Projects.Static)
	}

	projects, err := project.NewCache(store, cfg.Projects.CacheSize, reg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var opts []sourcemaps.StoreOption
	if cfg.SourceMaps.S3 != nil {
		cli, err := sourcemaps.NewS3Client(ctx, *cfg.SourceMaps.S3)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		opts = append(opts, sourcemaps.WithS3Client(cli))
	}

	smLogger := log.With(l, "component", "sourcemaps")
	smStore, err := sourcemaps.NewStore(smLogger, cfg.SourceMaps, reg, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sourcemaps.Configure(smLogger, smStore)

	if err := inapp.Configure(cfg.InApp); err != nil {
		_ = store.Close()
		return nil, err
	}

	registry, err := stacktraces.Registered().Select(cfg.Processing.Processors)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("selecting processors: %w", err)
	}

	keys := cfg.Processing.Keys()
	return &app{
		pipeline: stacktraces.New(stacktraces.Options{
			Logger:     log.With(l, "component", "pipeline"),
			Registry:   registry,
			Projects:   projects,
			MetricKeys: &keys,
			Timer:      stacktraces.NewPrometheusTimer(reg),
			Registerer: reg,
		}),
		projects: store,
	}, nil
}

// Close releases the project store.
func (a *app) Close() error {
	return a.projects.Close()
}
