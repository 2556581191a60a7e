package domain

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// EndpointState tracks reachability of a configured tool server.
type EndpointState string

const (
	EndpointStateUnknown EndpointState = "unknown"
	EndpointStateUp      EndpointState = "up"
	EndpointStateDown    EndpointState = "down"
)

// EndpointSpec is the static configuration of one remote tool server.
// Specs are created at startup and never deleted at runtime; discovery
// outcomes only change the observed state, not the configuration.
type EndpointSpec struct {
	Name    string
	URL     string
	Headers map[string]string
}

// EndpointStatus is the observed state of an endpoint in a snapshot.
type EndpointStatus struct {
	Name      string
	URL       string
	State     EndpointState
	LastError string
	CheckedAt time.Time
}

// ToolDescriptor is a raw capability as reported by an endpoint,
// before namespacing.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolHandle is a discovered, invocable capability. Handles are immutable;
// re-discovery replaces them wholesale.
type ToolHandle struct {
	QualifiedName string
	RawName       string
	Endpoint      string
	Description   string
	InputSchema   json.RawMessage
}

// Snapshot is the atomically published view of all discovered tools and
// the endpoint states observed while building it. Readers see either the
// fully-old or fully-new snapshot, never a mix.
type Snapshot struct {
	ETag      string
	Tools     map[string]ToolHandle
	Endpoints map[string]EndpointStatus
	BuiltAt   time.Time
}

// Handle resolves a qualified tool name in the snapshot.
func (s Snapshot) Handle(qualifiedName string) (ToolHandle, bool) {
	handle, ok := s.Tools[qualifiedName]
	return handle, ok
}

// ToolNames returns all qualified names in the snapshot, sorted.
func (s Snapshot) ToolNames() []string {
	names := make([]string, 0, len(s.Tools))
	for name := range s.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UpEndpoints returns the number of endpoints considered reachable.
func (s Snapshot) UpEndpoints() int {
	count := 0
	for _, status := range s.Endpoints {
		if status.State == EndpointStateUp {
			count++
		}
	}
	return count
}

// RefreshSummary reports the diff between two consecutive snapshots,
// keyed by qualified name.
type RefreshSummary struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Total   int      `json:"total"`
}

// CallResult is the outcome of a successful tool call.
type CallResult struct {
	Payload  string
	CacheHit bool
	Latency  time.Duration
}

// InvocationOutcome classifies a completed call attempt.
type InvocationOutcome string

const (
	OutcomeSuccess InvocationOutcome = "success"
	OutcomeError   InvocationOutcome = "error"
)

// InvocationRecord is an immutable report of one completed call attempt.
// Records are consumed asynchronously and best-effort; loss is not
// observable to the caller.
type InvocationRecord struct {
	ID        string            `json:"id"`
	Tool      string            `json:"tool"`
	Endpoint  string            `json:"endpoint"`
	Arguments json.RawMessage   `json:"arguments,omitempty"`
	Output    string            `json:"output,omitempty"`
	Error     string            `json:"error,omitempty"`
	Latency   time.Duration     `json:"latency"`
	CacheHit  bool              `json:"cacheHit"`
	Outcome   InvocationOutcome `json:"outcome"`
	At        time.Time         `json:"at"`
}

// Qualify builds a globally unique tool name from its endpoint and raw
// name. The fixed separator is applied unconditionally so behavior stays
// uniform even when no collisions exist.
func Qualify(endpoint, rawName string) string {
	return endpoint + QualifiedNameSeparator + rawName
}

// SplitQualified splits a qualified name back into endpoint and raw name.
func SplitQualified(qualifiedName string) (endpoint, rawName string, ok bool) {
	idx := strings.Index(qualifiedName, QualifiedNameSeparator)
	if idx <= 0 {
		return "", "", false
	}
	return qualifiedName[:idx], qualifiedName[idx+len(QualifiedNameSeparator):], true
}

// IsHealthCheck reports whether a raw tool name is a health-check-class
// capability. Such tools bypass the result cache on every call.
func IsHealthCheck(rawName string) bool {
	return rawName == HealthCheckToolName
}
