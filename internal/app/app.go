// Package app wires the engine together: configuration, logging, the
// tool registry, the chosen store, the event log, the lifecycle tracker,
// and the executor, plus the run/inspect entrypoints the CLI drives.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/flowgrid/internal/config"
	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/vk/flowgrid/internal/events"
	"github.com/vk/flowgrid/internal/executor"
	"github.com/vk/flowgrid/internal/lifecycle"
	"github.com/vk/flowgrid/internal/registry"
	"github.com/vk/flowgrid/internal/store"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	registry *registry.Registry
	model    *config.Model
	store    store.Store
	events   *events.Log
	tracker  *lifecycle.Tracker
	executor *executor.Executor
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger and registry.
// Critical startup errors (bad config, unreachable store, registry
// mismatch) panic; the CLI entrypoint recovers and reports them.
func NewApp(outW io.Writer, appConfig *Config, loader config.Loader, modules ...registry.Module) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	var cfgModel *config.Model
	if appConfig.WorkflowPath != "" {
		var err error
		cfgModel, err = loader.Load(ctx, appConfig.WorkflowPath)
		if err != nil {
			panic(fmt.Errorf("failed to load workflow: %w", err))
		}
		logger.Debug("Workflow loaded and translated into unified model.", "workflow", cfgModel.Workflow.Name)
	}

	reg := registry.New()
	if len(modules) == 0 {
		modules = coreModules
	}
	for _, mod := range modules {
		mod.Register(reg)
	}
	logger.Debug("All tool modules registered.", "count", len(modules))

	if err := reg.ValidateRegistry(ctx); err != nil {
		// A mismatch between tool schemas and Go handlers is a programmer error.
		panic(err)
	}
	logger.Debug("Registry validation passed.")

	if cfgModel != nil {
		if err := reg.ValidateWorkflow(ctx, cfgModel.Workflow); err != nil {
			panic(fmt.Errorf("workflow validation failed: %w", err))
		}
		logger.Debug("Workflow validation passed.")
	}

	st, err := newStore(ctx, appConfig)
	if err != nil {
		panic(fmt.Errorf("failed to open store: %w", err))
	}
	logger.Debug("Store opened.", "backend", appConfig.StoreBackend)

	log := events.NewLog(st)
	tracker := lifecycle.NewTracker(st, log)

	return &App{
		outW:     outW,
		logger:   logger,
		registry: reg,
		model:    cfgModel,
		store:    st,
		events:   log,
		tracker:  tracker,
		executor: executor.New(reg, tracker, log, appConfig.MaxConcurrency),
	}
}

// newStore opens the backend the config selects.
func newStore(ctx context.Context, cfg *Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		return store.NewSQLiteStore(cfg.SQLitePath)
	case "redis":
		return store.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	default:
		return store.NewMemoryStore(), nil
	}
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Store returns the application's store. This is primarily for testing.
func (a *App) Store() store.Store {
	return a.store
}

// Events returns the application's event log. This is primarily for testing.
func (a *App) Events() *events.Log {
	return a.events
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}
