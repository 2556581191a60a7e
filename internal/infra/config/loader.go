// Package config loads and validates the endpoint registry
// configuration from a YAML file. Environment references in scalar
// values are expanded before parsing, so secrets like bearer tokens
// never live in the file itself.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"toolmux/internal/domain"
)

type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("config")}
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("refreshSeconds", domain.DefaultRefreshSeconds)
	v.SetDefault("refreshConcurrency", domain.DefaultRefreshConcurrency)
	v.SetDefault("connectTimeoutSeconds", domain.DefaultConnectTimeoutSeconds)
	v.SetDefault("invokeTimeoutSeconds", domain.DefaultInvokeTimeoutSeconds)
	v.SetDefault("cache.backend", domain.DefaultCacheBackend)
	v.SetDefault("cache.keyPrefix", domain.DefaultCacheKeyPrefix)
	v.SetDefault("cache.ttlSeconds", domain.DefaultCacheTTLSeconds)
	v.SetDefault("invocationLog.queueSize", domain.DefaultRecorderQueueSize)
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityAddress)
	v.SetDefault("observability.enableMetrics", true)
}

type rawConfig struct {
	Endpoints  []rawEndpoint `mapstructure:"endpoints"`
	rawRuntime `mapstructure:",squash"`
}

type rawEndpoint struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type rawRuntime struct {
	RefreshSeconds        int              `mapstructure:"refreshSeconds"`
	RefreshConcurrency    int              `mapstructure:"refreshConcurrency"`
	ConnectTimeoutSeconds int              `mapstructure:"connectTimeoutSeconds"`
	InvokeTimeoutSeconds  int              `mapstructure:"invokeTimeoutSeconds"`
	Cache                 rawCache         `mapstructure:"cache"`
	InvocationLog         rawInvocationLog `mapstructure:"invocationLog"`
	Observability         rawObservability `mapstructure:"observability"`
}

type rawCache struct {
	Backend    string `mapstructure:"backend"`
	RedisURL   string `mapstructure:"redisURL"`
	KeyPrefix  string `mapstructure:"keyPrefix"`
	TTLSeconds int    `mapstructure:"ttlSeconds"`
}

type rawInvocationLog struct {
	Path      string `mapstructure:"path"`
	QueueSize int    `mapstructure:"queueSize"`
}

type rawObservability struct {
	ListenAddress string `mapstructure:"listenAddress"`
	EnableMetrics bool   `mapstructure:"enableMetrics"`
}

// Load reads, expands, decodes, and validates the config file.
func (l *Loader) Load(path string) (domain.Config, error) {
	if path == "" {
		return domain.Config{}, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Config{}, fmt.Errorf("read config: %w", err)
	}
	return l.LoadBytes(path, data)
}

// LoadBytes is Load for callers that already hold the file contents,
// such as the reload watcher.
func (l *Loader) LoadBytes(path string, data []byte) (domain.Config, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return domain.Config{}, fmt.Errorf("parse config: %w", err)
	}

	missing := make(map[string]struct{})
	expanded, _ := expandTree(tree, missing).(map[string]any)
	if names := missingNames(missing); len(names) > 0 {
		l.logger.Warn("missing environment variables in config",
			zap.String("path", path),
			zap.Strings("missing", names),
		)
	}

	v := newConfigViper()
	if err := v.MergeConfigMap(expanded); err != nil {
		return domain.Config{}, fmt.Errorf("merge config: %w", err)
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return domain.Config{}, fmt.Errorf("decode config: %w", err)
	}

	return normalize(raw)
}

func normalize(raw rawConfig) (domain.Config, error) {
	var errs []string

	if len(raw.Endpoints) == 0 {
		return domain.Config{}, domain.ErrNoEndpoints
	}

	seen := make(map[string]struct{}, len(raw.Endpoints))
	endpoints := make([]domain.EndpointSpec, 0, len(raw.Endpoints))
	for i, ep := range raw.Endpoints {
		name := strings.TrimSpace(ep.Name)
		if name == "" {
			errs = append(errs, fmt.Sprintf("endpoints[%d]: name is required", i))
		}
		if strings.Contains(name, domain.QualifiedNameSeparator) {
			errs = append(errs, fmt.Sprintf("endpoints[%d]: name must not contain %q", i, domain.QualifiedNameSeparator))
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Sprintf("endpoints[%d]: duplicate name %q", i, name))
		} else if name != "" {
			seen[name] = struct{}{}
		}

		rawURL := strings.TrimSpace(ep.URL)
		if rawURL == "" {
			errs = append(errs, fmt.Sprintf("endpoints[%d]: url is required", i))
		} else if parsed, err := url.ParseRequestURI(rawURL); err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("endpoints[%d]: url must be a valid http(s) URL", i))
		}

		endpoints = append(endpoints, domain.EndpointSpec{
			Name:    name,
			URL:     rawURL,
			Headers: canonicalHeaders(ep.Headers),
		})
	}

	runtime, runtimeErrs := normalizeRuntime(raw.rawRuntime)
	errs = append(errs, runtimeErrs...)

	if len(errs) > 0 {
		return domain.Config{}, errors.New(strings.Join(errs, "; "))
	}

	return domain.Config{
		Endpoints: endpoints,
		Runtime:   runtime,
	}, nil
}

// canonicalHeaders restores canonical header casing. Viper lowercases
// nested map keys while decoding, so "Authorization" would otherwise
// come out as "authorization".
func canonicalHeaders(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		out[http.CanonicalHeaderKey(trimmed)] = value
	}
	return out
}

func normalizeRuntime(raw rawRuntime) (domain.RuntimeConfig, []string) {
	var errs []string

	if raw.RefreshSeconds <= 0 {
		errs = append(errs, "refreshSeconds must be > 0")
	}
	if raw.RefreshConcurrency <= 0 {
		errs = append(errs, "refreshConcurrency must be > 0")
	}
	if raw.ConnectTimeoutSeconds <= 0 {
		errs = append(errs, "connectTimeoutSeconds must be > 0")
	}
	if raw.InvokeTimeoutSeconds <= 0 {
		errs = append(errs, "invokeTimeoutSeconds must be > 0")
	}

	backend := strings.ToLower(strings.TrimSpace(raw.Cache.Backend))
	if backend == "" {
		backend = domain.DefaultCacheBackend
	}
	switch backend {
	case "memory", "redis", "none":
	default:
		errs = append(errs, "cache.backend must be memory, redis, or none")
	}
	if backend == "redis" && strings.TrimSpace(raw.Cache.RedisURL) == "" {
		errs = append(errs, "cache.redisURL is required when cache.backend is redis")
	}
	if raw.Cache.TTLSeconds <= 0 {
		errs = append(errs, "cache.ttlSeconds must be > 0")
	}

	keyPrefix := raw.Cache.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = domain.DefaultCacheKeyPrefix
	}

	if raw.InvocationLog.QueueSize <= 0 {
		errs = append(errs, "invocationLog.queueSize must be > 0")
	}

	listenAddress := strings.TrimSpace(raw.Observability.ListenAddress)
	if listenAddress == "" {
		listenAddress = domain.DefaultObservabilityAddress
	}

	return domain.RuntimeConfig{
		RefreshSeconds:        raw.RefreshSeconds,
		RefreshConcurrency:    raw.RefreshConcurrency,
		ConnectTimeoutSeconds: raw.ConnectTimeoutSeconds,
		InvokeTimeoutSeconds:  raw.InvokeTimeoutSeconds,
		Cache: domain.CacheConfig{
			Backend:    backend,
			RedisURL:   strings.TrimSpace(raw.Cache.RedisURL),
			KeyPrefix:  keyPrefix,
			TTLSeconds: raw.Cache.TTLSeconds,
		},
		InvocationLog: domain.InvocationLogConfig{
			Path:      strings.TrimSpace(raw.InvocationLog.Path),
			QueueSize: raw.InvocationLog.QueueSize,
		},
		Observability: domain.ObservabilityConfig{
			ListenAddress: listenAddress,
			EnableMetrics: raw.Observability.EnableMetrics,
		},
	}, errs
}
