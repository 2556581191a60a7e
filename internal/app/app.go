// Package app wires the daemon together: config, cache, recorder,
// capability client, registry, refresher, and the metrics listener.
package app

import (
	"context"

	"go.uber.org/zap"

	"toolmux/internal/infra/config"
)

type App struct {
	logger *zap.Logger
}

type ServeConfig struct {
	ConfigPath string
}

type ValidateConfig struct {
	ConfigPath string
}

func New(logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		logger: logger.Named("app"),
	}
}

// Serve runs the daemon until the context is cancelled, then shuts down
// in reverse dependency order.
func (a *App) Serve(ctx context.Context, cfg ServeConfig) error {
	loader := config.NewLoader(a.logger)
	loaded, err := loader.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	a.logger.Info("configuration loaded",
		zap.String("config", cfg.ConfigPath),
		zap.Int("endpoints", len(loaded.Endpoints)),
	)

	runtime, err := BuildRuntime(ctx, RuntimeOptions{
		Config:     loaded,
		ConfigPath: cfg.ConfigPath,
		Loader:     loader,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	defer runtime.Close()

	summary, err := runtime.RefreshTools(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("initial discovery completed", zap.Int("tools", summary.Total))

	runtime.Start(ctx)

	<-ctx.Done()
	a.logger.Info("shutting down")
	return nil
}

// ValidateConfig loads and validates the config file without starting
// anything.
func (a *App) ValidateConfig(_ context.Context, cfg ValidateConfig) error {
	loader := config.NewLoader(a.logger)
	loaded, err := loader.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	a.logger.Info("configuration validated",
		zap.String("config", cfg.ConfigPath),
		zap.Int("endpoints", len(loaded.Endpoints)),
	)
	return nil
}
