package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"toolmux/internal/domain"
)

// Refresher drives periodic background discovery. Ticks that fire while
// a pass is still running are skipped rather than queued, so a slow pass
// never causes a backlog.
type Refresher struct {
	registry *Registry
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// RefresherOptions wires a Refresher.
type RefresherOptions struct {
	Registry *Registry
	Interval time.Duration
	Logger   *zap.Logger
}

func NewRefresher(opts RefresherOptions) *Refresher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Duration(domain.DefaultRefreshSeconds) * time.Second
	}
	return &Refresher{
		registry: opts.Registry,
		interval: interval,
		logger:   logger.Named("refresher"),
	}
}

// Start launches the refresh loop. Calling Start on a running Refresher
// is a no-op.
func (f *Refresher) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})

	go f.loop(loopCtx, f.done)
	f.logger.Info("background refresh started", zap.Duration("interval", f.interval))
}

// Stop halts the loop and waits for an in-progress tick to finish.
func (f *Refresher) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	done := f.done
	f.cancel = nil
	f.done = nil
	f.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	f.logger.Info("background refresh stopped")
}

func (f *Refresher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.tick(ctx)
		}
	}
}

func (f *Refresher) tick(ctx context.Context) {
	summary, err := f.registry.TryRefresh(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrRefreshInFlight) {
			f.logger.Debug("refresh already running, skipping tick")
			return
		}
		f.logger.Warn("scheduled refresh failed", zap.Error(err))
		return
	}
	if len(summary.Added) > 0 || len(summary.Removed) > 0 {
		f.logger.Info("tool set changed",
			zap.Strings("added", summary.Added),
			zap.Strings("removed", summary.Removed),
			zap.Int("total", summary.Total),
		)
	}
}
