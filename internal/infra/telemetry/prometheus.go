package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"toolmux/internal/domain"
)

type PrometheusMetrics struct {
	toolInvocations    *prometheus.CounterVec
	toolDuration       *prometheus.HistogramVec
	cacheOperations    *prometheus.CounterVec
	refreshDuration    prometheus.Histogram
	availableTools     prometheus.Gauge
	availableEndpoints prometheus.Gauge
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		toolInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolmux_tool_invocations_total",
				Help: "Total number of tool invocations",
			},
			[]string{"tool", "endpoint", "status", "cache_hit"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolmux_tool_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"tool", "endpoint"},
		),
		cacheOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolmux_cache_operations_total",
				Help: "Total result cache operations",
			},
			[]string{"operation"},
		),
		refreshDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "toolmux_refresh_duration_seconds",
				Help:    "Duration of tool discovery passes in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		availableTools: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolmux_available_tools",
				Help: "Number of currently available tools",
			},
		),
		availableEndpoints: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolmux_available_endpoints",
				Help: "Number of reachable endpoints",
			},
		),
	}
}

func (p *PrometheusMetrics) ObserveInvocation(tool, endpoint string, outcome domain.InvocationOutcome, cacheHit bool, duration time.Duration) {
	p.toolInvocations.WithLabelValues(tool, endpoint, string(outcome), strconv.FormatBool(cacheHit)).Inc()
	p.toolDuration.WithLabelValues(tool, endpoint).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveCacheOp(operation string) {
	p.cacheOperations.WithLabelValues(operation).Inc()
}

func (p *PrometheusMetrics) ObserveRefresh(duration time.Duration) {
	p.refreshDuration.Observe(duration.Seconds())
}

func (p *PrometheusMetrics) SetAvailableTools(count int) {
	p.availableTools.Set(float64(count))
}

func (p *PrometheusMetrics) SetAvailableEndpoints(count int) {
	p.availableEndpoints.Set(float64(count))
}

var _ Metrics = (*PrometheusMetrics)(nil)
