package domain

const (
	// QualifiedNameSeparator joins endpoint and raw tool names.
	QualifiedNameSeparator = "__"

	// HealthCheckToolName is the raw name convention for liveness tools.
	HealthCheckToolName = "health_check"

	DefaultRefreshSeconds        = 30
	DefaultRefreshConcurrency    = 4
	DefaultConnectTimeoutSeconds = 5
	DefaultInvokeTimeoutSeconds  = 120
	DefaultCacheTTLSeconds       = 600
	DefaultCacheBackend          = "memory"
	DefaultCacheKeyPrefix        = "toolmux:cache:"
	DefaultRecorderQueueSize     = 256
	DefaultObservabilityAddress  = "0.0.0.0:9090"
)

// CacheConfig selects and tunes the result cache backend.
type CacheConfig struct {
	Backend    string
	RedisURL   string
	KeyPrefix  string
	TTLSeconds int
}

// InvocationLogConfig tunes the asynchronous invocation recorder.
type InvocationLogConfig struct {
	Path      string
	QueueSize int
}

// ObservabilityConfig configures the metrics listener.
type ObservabilityConfig struct {
	ListenAddress string
	EnableMetrics bool
}

// RuntimeConfig carries the tunables shared across components.
type RuntimeConfig struct {
	RefreshSeconds        int
	RefreshConcurrency    int
	ConnectTimeoutSeconds int
	InvokeTimeoutSeconds  int
	Cache                 CacheConfig
	InvocationLog         InvocationLogConfig
	Observability         ObservabilityConfig
}

// Config is the full startup configuration: the ordered endpoint list
// plus runtime tunables.
type Config struct {
	Endpoints []EndpointSpec
	Runtime   RuntimeConfig
}
