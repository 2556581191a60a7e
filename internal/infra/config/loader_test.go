package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"toolmux/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
endpoints:
  - name: notes
    url: http://localhost:8001/mcp
    headers:
      Authorization: Bearer abc123
  - name: files
    url: https://files.internal/mcp
refreshSeconds: 15
refreshConcurrency: 8
connectTimeoutSeconds: 3
invokeTimeoutSeconds: 60
cache:
  backend: redis
  redisURL: redis://localhost:6379/0
  ttlSeconds: 120
invocationLog:
  path: /var/lib/toolmux/invocations.db
  queueSize: 512
observability:
  listenAddress: 127.0.0.1:9191
`)

	cfg, err := NewLoader(nil).Load(path)
	require.NoError(t, err)

	want := domain.Config{
		Endpoints: []domain.EndpointSpec{
			{
				Name:    "notes",
				URL:     "http://localhost:8001/mcp",
				Headers: map[string]string{"Authorization": "Bearer abc123"},
			},
			{
				Name: "files",
				URL:  "https://files.internal/mcp",
			},
		},
		Runtime: domain.RuntimeConfig{
			RefreshSeconds:        15,
			RefreshConcurrency:    8,
			ConnectTimeoutSeconds: 3,
			InvokeTimeoutSeconds:  60,
			Cache: domain.CacheConfig{
				Backend:    "redis",
				RedisURL:   "redis://localhost:6379/0",
				KeyPrefix:  domain.DefaultCacheKeyPrefix,
				TTLSeconds: 120,
			},
			InvocationLog: domain.InvocationLogConfig{
				Path:      "/var/lib/toolmux/invocations.db",
				QueueSize: 512,
			},
			Observability: domain.ObservabilityConfig{
				ListenAddress: "127.0.0.1:9191",
				EnableMetrics: true,
			},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
endpoints:
  - name: notes
    url: http://localhost:8001/mcp
`)

	cfg, err := NewLoader(nil).Load(path)
	require.NoError(t, err)
	require.Equal(t, domain.DefaultRefreshSeconds, cfg.Runtime.RefreshSeconds)
	require.Equal(t, domain.DefaultRefreshConcurrency, cfg.Runtime.RefreshConcurrency)
	require.Equal(t, domain.DefaultInvokeTimeoutSeconds, cfg.Runtime.InvokeTimeoutSeconds)
	require.Equal(t, "memory", cfg.Runtime.Cache.Backend)
	require.Equal(t, domain.DefaultCacheTTLSeconds, cfg.Runtime.Cache.TTLSeconds)
	require.Equal(t, domain.DefaultRecorderQueueSize, cfg.Runtime.InvocationLog.QueueSize)
	require.Equal(t, domain.DefaultObservabilityAddress, cfg.Runtime.Observability.ListenAddress)
	require.True(t, cfg.Runtime.Observability.EnableMetrics)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("NOTES_TOKEN", "s3cret")
	path := writeConfig(t, `
endpoints:
  - name: notes
    url: http://localhost:8001/mcp
    headers:
      Authorization: Bearer ${NOTES_TOKEN}
`)

	cfg, err := NewLoader(nil).Load(path)
	require.NoError(t, err)
	require.Equal(t, "Bearer s3cret", cfg.Endpoints[0].Headers["Authorization"])
}

func TestLoadRetypesSoleReferences(t *testing.T) {
	t.Setenv("TOOLMUX_TEST_REFRESH", "45")
	t.Setenv("TOOLMUX_TEST_METRICS", "false")
	path := writeConfig(t, `
endpoints:
  - name: notes
    url: http://localhost:8001/mcp
refreshSeconds: ${TOOLMUX_TEST_REFRESH}
observability:
  enableMetrics: $TOOLMUX_TEST_METRICS
`)

	cfg, err := NewLoader(nil).Load(path)
	require.NoError(t, err)
	require.Equal(t, 45, cfg.Runtime.RefreshSeconds)
	require.False(t, cfg.Runtime.Observability.EnableMetrics)
}

func TestLoadCanonicalizesHeaderKeys(t *testing.T) {
	path := writeConfig(t, `
endpoints:
  - name: notes
    url: http://localhost:8001/mcp
    headers:
      authorization: Bearer abc
      x-tenant-id: acme
`)

	cfg, err := NewLoader(nil).Load(path)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"Authorization": "Bearer abc",
		"X-Tenant-Id":   "acme",
	}, cfg.Endpoints[0].Headers)
}

func TestLoadMissingEnvLeavesEmpty(t *testing.T) {
	path := writeConfig(t, `
endpoints:
  - name: notes
    url: ${TOOLMUX_TEST_UNSET_URL}
`)

	_, err := NewLoader(nil).Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "url is required")
}

func TestLoadRejectsEmptyEndpoints(t *testing.T) {
	path := writeConfig(t, `
endpoints: []
`)

	_, err := NewLoader(nil).Load(path)
	require.ErrorIs(t, err, domain.ErrNoEndpoints)
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	path := writeConfig(t, `
endpoints:
  - name: notes
    url: http://a.test/mcp
  - name: notes
    url: http://b.test/mcp
`)

	_, err := NewLoader(nil).Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), `duplicate name "notes"`)
}

func TestLoadRejectsSeparatorInName(t *testing.T) {
	path := writeConfig(t, `
endpoints:
  - name: no__tes
    url: http://a.test/mcp
`)

	_, err := NewLoader(nil).Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not contain")
}

func TestLoadRejectsBadURL(t *testing.T) {
	path := writeConfig(t, `
endpoints:
  - name: notes
    url: not a url
`)

	_, err := NewLoader(nil).Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "valid http(s) URL")
}

func TestLoadRejectsRedisWithoutURL(t *testing.T) {
	path := writeConfig(t, `
endpoints:
  - name: notes
    url: http://a.test/mcp
cache:
  backend: redis
`)

	_, err := NewLoader(nil).Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cache.redisURL is required")
}

func TestLoadRejectsUnknownCacheBackend(t *testing.T) {
	path := writeConfig(t, `
endpoints:
  - name: notes
    url: http://a.test/mcp
cache:
  backend: memcached
`)

	_, err := NewLoader(nil).Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cache.backend must be")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewLoader(nil).Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
