package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kazz187/phaseguild/internal/config"
	"github.com/kazz187/phaseguild/internal/engine"
	"github.com/kazz187/phaseguild/internal/eventbus"
	"github.com/kazz187/phaseguild/internal/pricing"
	"github.com/kazz187/phaseguild/internal/tokencount"
	"github.com/kazz187/phaseguild/internal/workflow"
	"github.com/kazz187/phaseguild/internal/workflow/repositoryimpl"
	"github.com/kazz187/phaseguild/pkg/clog"
	"github.com/kazz187/phaseguild/pkg/storage"
)

// deps is everything a command needs, built once from the environment.
type deps struct {
	env     *config.Env
	store   storage.Storage
	bus     *eventbus.Bus
	engine  *engine.Engine
	counter *tokencount.Counter
	closers []func() error
}

func setup(ctx context.Context) (*deps, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	setupLogger(env)

	d := &deps{
		env:     env,
		bus:     eventbus.New(),
		counter: tokencount.New(),
	}

	if d.store, err = openStorage(ctx, env); err != nil {
		return nil, err
	}
	repo, err := d.openRepository(env)
	if err != nil {
		return nil, err
	}

	table := pricing.Default()
	if env.PricingFile != "" {
		if table, err = pricing.Load(env.PricingFile); err != nil {
			return nil, fmt.Errorf("failed to load pricing table: %w", err)
		}
	}

	root, err := filepath.Abs(*artifactRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact root: %w", err)
	}

	d.engine = engine.New(repo,
		engine.WithPricing(table),
		engine.WithEventBus(d.bus),
		engine.WithSnapshotStorage(d.store),
		engine.WithArtifactRoot(root),
		engine.WithMaxImplementIterations(env.MaxImplementIterations),
	)
	return d, nil
}

func setupLogger(env *config.Env) {
	level := env.SlogLevel()
	var handler slog.Handler
	if env.IsLocal() {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))
}

func openStorage(ctx context.Context, env *config.Env) (storage.Storage, error) {
	switch env.StorageEnv.Type {
	case "s3":
		s, err := storage.NewS3Storage(ctx, env.S3Bucket, env.S3Prefix, env.S3Region)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 storage: %w", err)
		}
		return s, nil
	case "memory":
		return storage.NewMemoryStorage(), nil
	default:
		s, err := storage.NewLocalStorage(env.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create local storage: %w", err)
		}
		return s, nil
	}
}

// openRepository keeps workflows in SQLite when configured. Snapshots and
// push subscriptions stay in the blob store either way.
func (d *deps) openRepository(env *config.Env) (workflow.Repository, error) {
	if env.StorageEnv.Type != "sqlite" {
		return repositoryimpl.NewYAMLRepository(d.store), nil
	}
	if err := os.MkdirAll(filepath.Dir(env.SQLitePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}
	repo, err := repositoryimpl.OpenSQLiteRepository(env.SQLitePath, 0, slog.Default())
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, repo.Close)
	return repo, nil
}

func (d *deps) close() {
	for _, c := range d.closers {
		if err := c(); err != nil {
			slog.Error("failed to close", "error", err)
		}
	}
}
