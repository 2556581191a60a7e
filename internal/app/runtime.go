package app

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"toolmux/internal/domain"
	"toolmux/internal/infra/cache"
	"toolmux/internal/infra/capability"
	"toolmux/internal/infra/config"
	"toolmux/internal/infra/invlog"
	"toolmux/internal/infra/registry"
	"toolmux/internal/infra/telemetry"
)

// Runtime holds the fully wired daemon and exposes its operations for
// an external surface. Build, Start, and Close split construction from
// the long-running pieces so tests can exercise the operations without
// background goroutines.
type Runtime struct {
	cfg        domain.Config
	configPath string
	logger     *zap.Logger

	registry      *registry.Registry
	refresher     *registry.Refresher
	recorder      *invlog.Recorder
	boltStore     *invlog.BoltStore
	redisCache    *cache.Redis
	resultCache   cache.ResultCache
	metricsServer *telemetry.MetricsServer
	watcher       *config.Watcher
}

// RuntimeOptions configures BuildRuntime.
type RuntimeOptions struct {
	Config     domain.Config
	ConfigPath string
	Loader     *config.Loader
	Logger     *zap.Logger
}

func BuildRuntime(ctx context.Context, opts RuntimeOptions) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	rt := &Runtime{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		logger:     logger,
	}

	rt.resultCache = rt.buildCache(ctx, cfg.Runtime.Cache)

	var sinks []invlog.Sink
	if cfg.Runtime.InvocationLog.Path != "" {
		store, err := invlog.OpenBoltStore(cfg.Runtime.InvocationLog.Path, logger)
		if err != nil {
			return nil, err
		}
		rt.boltStore = store
		sinks = append(sinks, store)
	}
	rt.recorder = invlog.NewRecorder(invlog.RecorderOptions{
		QueueSize: cfg.Runtime.InvocationLog.QueueSize,
		Sinks:     sinks,
		Logger:    logger,
	})
	rt.recorder.Start()

	var metrics telemetry.Metrics = telemetry.NewNoopMetrics()
	if cfg.Runtime.Observability.EnableMetrics {
		promReg := prometheus.NewRegistry()
		metrics = telemetry.NewPrometheusMetrics(promReg)
		rt.metricsServer = telemetry.NewMetricsServer(telemetry.MetricsServerOptions{
			Addr:     cfg.Runtime.Observability.ListenAddress,
			Registry: promReg,
			Logger:   logger,
		})
	}

	client := capability.NewMCPClient(capability.MCPClientOptions{
		Logger:         logger,
		ConnectTimeout: time.Duration(cfg.Runtime.ConnectTimeoutSeconds) * time.Second,
	})

	reg, err := registry.New(registry.Options{
		Client:    client,
		Cache:     rt.resultCache,
		Records:   rt.recorder,
		Metrics:   metrics,
		Logger:    logger,
		Config:    cfg.Runtime,
		Endpoints: cfg.Endpoints,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.registry = reg

	rt.refresher = registry.NewRefresher(registry.RefresherOptions{
		Registry: reg,
		Interval: time.Duration(cfg.Runtime.RefreshSeconds) * time.Second,
		Logger:   logger,
	})

	if opts.Loader != nil && opts.ConfigPath != "" {
		rt.watcher = config.NewWatcher(config.WatcherOptions{
			Loader:   opts.Loader,
			Path:     opts.ConfigPath,
			OnReload: rt.applyConfig,
			Logger:   logger,
		})
	}

	return rt, nil
}

func (rt *Runtime) buildCache(ctx context.Context, cfg domain.CacheConfig) cache.ResultCache {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	switch cfg.Backend {
	case "redis":
		redisCache, err := cache.NewRedis(ctx, cache.RedisOptions{
			URL:        cfg.RedisURL,
			KeyPrefix:  cfg.KeyPrefix,
			DefaultTTL: ttl,
			Logger:     rt.logger,
		})
		if err != nil {
			rt.logger.Warn("redis cache degraded to always-miss", zap.Error(err))
		}
		rt.redisCache = redisCache
		return redisCache
	case "none":
		return cache.NewNoop()
	default:
		return cache.NewMemory(cache.MemoryOptions{
			KeyPrefix:  cfg.KeyPrefix,
			DefaultTTL: ttl,
		})
	}
}

// Start launches the background pieces: refresher, config watcher, and
// metrics listener.
func (rt *Runtime) Start(ctx context.Context) {
	rt.refresher.Start(ctx)
	if rt.watcher != nil {
		go rt.watcher.Run(ctx)
	}
	if rt.metricsServer != nil {
		if err := rt.metricsServer.Start(); err != nil {
			rt.logger.Error("metrics listener failed to bind", zap.Error(err))
		}
	}
}

// Close releases resources in reverse dependency order. Safe to call
// on a partially built Runtime.
func (rt *Runtime) Close() {
	if rt.metricsServer != nil {
		rt.metricsServer.Stop()
	}
	if rt.refresher != nil {
		rt.refresher.Stop()
	}
	if rt.recorder != nil {
		rt.recorder.Stop()
	}
	if rt.boltStore != nil {
		if err := rt.boltStore.Close(); err != nil {
			rt.logger.Warn("invocation store close failed", zap.Error(err))
		}
	}
	if rt.redisCache != nil {
		if err := rt.redisCache.Close(); err != nil {
			rt.logger.Warn("redis close failed", zap.Error(err))
		}
	}
}

// applyConfig swaps the endpoint set after a config reload and kicks a
// refresh so the new set takes effect immediately. Runtime tunables
// other than the endpoint list require a restart.
func (rt *Runtime) applyConfig(cfg domain.Config) {
	rt.registry.ReplaceEndpoints(cfg.Endpoints)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), rt.refreshBudget())
		defer cancel()
		if _, err := rt.registry.TryRefresh(ctx); err != nil {
			rt.logger.Debug("post-reload refresh skipped", zap.Error(err))
		}
	}()
}

func (rt *Runtime) refreshBudget() time.Duration {
	seconds := rt.cfg.Runtime.RefreshSeconds
	if seconds <= 0 {
		seconds = domain.DefaultRefreshSeconds
	}
	return 2 * time.Duration(seconds) * time.Second
}

// RefreshTools runs a discovery pass and reports the diff.
func (rt *Runtime) RefreshTools(ctx context.Context) (domain.RefreshSummary, error) {
	return rt.registry.Refresh(ctx)
}

// ListTools returns all discovered handles, sorted by qualified name.
func (rt *Runtime) ListTools() []domain.ToolHandle {
	return rt.registry.ListTools()
}

// CallTool executes a qualified tool through the cache and recorder.
func (rt *Runtime) CallTool(ctx context.Context, qualifiedName string, args map[string]any) (domain.CallResult, error) {
	return rt.registry.CallTool(ctx, qualifiedName, args)
}

// EndpointStates reports the endpoint states from the last discovery.
func (rt *Runtime) EndpointStates() []domain.EndpointStatus {
	return rt.registry.EndpointStates()
}

// ProbeEndpoints runs a live health check against every endpoint.
func (rt *Runtime) ProbeEndpoints(ctx context.Context) []domain.EndpointStatus {
	return rt.registry.ProbeEndpoints(ctx)
}

// CacheStats returns hit/miss counters and the current key count.
func (rt *Runtime) CacheStats(ctx context.Context) cache.Stats {
	return rt.resultCache.Stats(ctx)
}

// ClearCache removes all cached results and returns how many were
// deleted.
func (rt *Runtime) ClearCache(ctx context.Context) int {
	return rt.resultCache.Clear(ctx)
}

// RecentInvocations returns the newest records from the invocation
// store, newest first. Without a configured store it returns nothing.
func (rt *Runtime) RecentInvocations(limit int) ([]domain.InvocationRecord, error) {
	if rt.boltStore == nil {
		return nil, nil
	}
	return rt.boltStore.Recent(limit)
}
