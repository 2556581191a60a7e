package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"toolmux/internal/domain"
)

const reloadDebounce = 200 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands the
// validated result to the callback. The parent directory is watched
// rather than the file itself so atomic rename-in-place saves, the way
// most editors and config managers write, are still observed.
type Watcher struct {
	loader   *Loader
	path     string
	onReload func(domain.Config)
	logger   *zap.Logger
}

type WatcherOptions struct {
	Loader   *Loader
	Path     string
	OnReload func(domain.Config)
	Logger   *zap.Logger
}

func NewWatcher(opts WatcherOptions) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		loader:   opts.Loader,
		path:     opts.Path,
		onReload: opts.OnReload,
		logger:   logger.Named("config_watcher"),
	}
}

// Run watches until ctx is cancelled. A config that fails validation is
// logged and dropped; the previous config stays in effect.
func (w *Watcher) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("config watcher failed", zap.Error(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("config watcher add failed", zap.String("path", w.path), zap.Error(err))
		return
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-watcher.Errors:
			if err != nil {
				w.logger.Warn("config watcher error", zap.Error(err))
			}
		case event := <-watcher.Events:
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)
		case <-timerChan(timer):
			timer = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("config reloaded",
		zap.String("path", w.path),
		zap.Int("endpoints", len(cfg.Endpoints)),
	)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
