package telemetry

import (
	"time"

	"toolmux/internal/domain"
)

// Metrics is the sink for registry-level observations. Implementations
// must be safe for concurrent use and must never block the caller.
type Metrics interface {
	ObserveInvocation(tool, endpoint string, outcome domain.InvocationOutcome, cacheHit bool, duration time.Duration)
	ObserveCacheOp(operation string)
	ObserveRefresh(duration time.Duration)
	SetAvailableTools(count int)
	SetAvailableEndpoints(count int)
}

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (n *NoopMetrics) ObserveInvocation(_, _ string, _ domain.InvocationOutcome, _ bool, _ time.Duration) {
}

func (n *NoopMetrics) ObserveCacheOp(_ string) {}

func (n *NoopMetrics) ObserveRefresh(_ time.Duration) {}

func (n *NoopMetrics) SetAvailableTools(_ int) {}

func (n *NoopMetrics) SetAvailableEndpoints(_ int) {}

var _ Metrics = (*NoopMetrics)(nil)
