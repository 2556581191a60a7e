// Package registry is the single source of truth for "what tools exist
// right now" and "how do I call one". It discovers capabilities across
// all configured endpoints, publishes them as an atomically swapped
// snapshot of namespaced handles, and mediates every call through the
// result cache and the invocation recorder.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"toolmux/internal/domain"
	"toolmux/internal/infra/cache"
	"toolmux/internal/infra/capability"
	"toolmux/internal/infra/telemetry"
)

// RecordSink receives invocation records fire-and-forget.
type RecordSink interface {
	Submit(record domain.InvocationRecord)
}

// Registry orchestrates discovery and calls across the configured
// endpoints. The snapshot is the only state shared between the
// refresher and readers; it is replaced, never mutated in place.
type Registry struct {
	client  capability.Client
	cache   cache.ResultCache
	records RecordSink
	metrics telemetry.Metrics
	logger  *zap.Logger
	cfg     domain.RuntimeConfig
	gate    *RefreshGate

	mu        sync.Mutex
	endpoints []domain.EndpointSpec

	state atomic.Value // domain.Snapshot
}

// Options wires a Registry.
type Options struct {
	Client    capability.Client
	Cache     cache.ResultCache
	Records   RecordSink
	Metrics   telemetry.Metrics
	Logger    *zap.Logger
	Config    domain.RuntimeConfig
	Endpoints []domain.EndpointSpec
}

func New(opts Options) (*Registry, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("capability client is required")
	}
	if len(opts.Endpoints) == 0 {
		return nil, domain.ErrNoEndpoints
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	resultCache := opts.Cache
	if resultCache == nil {
		resultCache = cache.NewNoop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	r := &Registry{
		client:    opts.Client,
		cache:     resultCache,
		records:   opts.Records,
		metrics:   metrics,
		logger:    logger.Named("registry"),
		cfg:       opts.Config,
		gate:      NewRefreshGate(),
		endpoints: append([]domain.EndpointSpec(nil), opts.Endpoints...),
	}
	r.state.Store(initialSnapshot(r.endpoints))
	return r, nil
}

func initialSnapshot(endpoints []domain.EndpointSpec) domain.Snapshot {
	statuses := make(map[string]domain.EndpointStatus, len(endpoints))
	for _, spec := range endpoints {
		statuses[spec.Name] = domain.EndpointStatus{
			Name:  spec.Name,
			URL:   spec.URL,
			State: domain.EndpointStateUnknown,
		}
	}
	return domain.Snapshot{
		Tools:     map[string]domain.ToolHandle{},
		Endpoints: statuses,
		BuiltAt:   time.Now(),
	}
}

// Snapshot returns the currently published snapshot.
func (r *Registry) Snapshot() domain.Snapshot {
	return r.state.Load().(domain.Snapshot)
}

// ListTools returns all handles in the current snapshot, sorted by
// qualified name. This is what a capability-selection policy binds to.
func (r *Registry) ListTools() []domain.ToolHandle {
	snapshot := r.Snapshot()
	handles := make([]domain.ToolHandle, 0, len(snapshot.Tools))
	for _, name := range snapshot.ToolNames() {
		handles = append(handles, snapshot.Tools[name])
	}
	return handles
}

// EndpointStates returns the endpoint statuses observed by the last
// discovery pass, sorted by endpoint name.
func (r *Registry) EndpointStates() []domain.EndpointStatus {
	snapshot := r.Snapshot()
	names := make([]string, 0, len(snapshot.Endpoints))
	for name := range snapshot.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]domain.EndpointStatus, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, snapshot.Endpoints[name])
	}
	return statuses
}

// ReplaceEndpoints swaps the configured endpoint set, for config
// reloads. The new set takes effect on the next refresh.
func (r *Registry) ReplaceEndpoints(endpoints []domain.EndpointSpec) {
	r.mu.Lock()
	r.endpoints = append([]domain.EndpointSpec(nil), endpoints...)
	r.mu.Unlock()
}

// DiscoverAll runs a full discovery pass and returns the snapshot that
// pass published, not whatever a later pass may have swapped in. It
// shares the refresh code path; there is no separate logic for manual
// versus scheduled discovery.
func (r *Registry) DiscoverAll(ctx context.Context) (domain.Snapshot, error) {
	if err := r.gate.Acquire(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	defer r.gate.Release()
	_, snapshot := r.refreshLocked(ctx)
	return snapshot, nil
}

// Refresh rebuilds the snapshot off to the side, publishes it
// atomically, and reports the diff against the prior snapshot. A
// concurrent Refresh waits its turn on the gate.
func (r *Registry) Refresh(ctx context.Context) (domain.RefreshSummary, error) {
	if err := r.gate.Acquire(ctx); err != nil {
		return domain.RefreshSummary{}, err
	}
	defer r.gate.Release()
	summary, _ := r.refreshLocked(ctx)
	return summary, nil
}

// TryRefresh is Refresh for callers that must not queue behind a
// running pass; it fails fast with ErrRefreshInFlight instead.
func (r *Registry) TryRefresh(ctx context.Context) (domain.RefreshSummary, error) {
	if !r.gate.TryAcquire() {
		return domain.RefreshSummary{}, domain.ErrRefreshInFlight
	}
	defer r.gate.Release()
	summary, _ := r.refreshLocked(ctx)
	return summary, nil
}

// refreshLocked must be called with the gate held. It returns both the
// diff and the snapshot it published so callers can report the exact
// pass they ran, even if another pass publishes right after the gate is
// released.
func (r *Registry) refreshLocked(ctx context.Context) (domain.RefreshSummary, domain.Snapshot) {
	start := time.Now()
	specs := r.endpointSpecs()

	next := r.buildSnapshot(ctx, specs)
	prev := r.Snapshot()
	summary := diffSnapshots(prev, next)
	r.state.Store(next)

	r.metrics.ObserveRefresh(time.Since(start))
	r.metrics.SetAvailableTools(len(next.Tools))
	r.metrics.SetAvailableEndpoints(next.UpEndpoints())

	r.logger.Info("tool discovery completed",
		zap.Int("tools", summary.Total),
		zap.Int("added", len(summary.Added)),
		zap.Int("removed", len(summary.Removed)),
		zap.Int("endpointsUp", next.UpEndpoints()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return summary, next
}

type endpointResult struct {
	spec        domain.EndpointSpec
	descriptors []domain.ToolDescriptor
	err         error
}

// buildSnapshot discovers every endpoint concurrently. A failing
// endpoint is recorded as down and contributes zero handles; it never
// aborts discovery for the others. Even a pass where nothing is
// reachable publishes, because staleness is worse than visible
// emptiness here.
func (r *Registry) buildSnapshot(ctx context.Context, specs []domain.EndpointSpec) domain.Snapshot {
	results := make(chan endpointResult, len(specs))
	jobs := make(chan domain.EndpointSpec)
	timeout := r.discoverTimeout()

	workerCount := r.cfg.RefreshConcurrency
	if workerCount <= 0 {
		workerCount = domain.DefaultRefreshConcurrency
	}
	if workerCount > len(specs) {
		workerCount = len(specs)
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for spec := range jobs {
				fetchCtx, cancel := context.WithTimeout(ctx, timeout)
				descriptors, err := r.client.Discover(fetchCtx, spec)
				cancel()
				results <- endpointResult{spec: spec, descriptors: descriptors, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, spec := range specs {
			select {
			case jobs <- spec:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	now := time.Now()
	tools := make(map[string]domain.ToolHandle)
	statuses := make(map[string]domain.EndpointStatus, len(specs))
	for _, spec := range specs {
		statuses[spec.Name] = domain.EndpointStatus{
			Name:      spec.Name,
			URL:       spec.URL,
			State:     domain.EndpointStateDown,
			LastError: "discovery did not complete",
			CheckedAt: now,
		}
	}

	for result := range results {
		status := domain.EndpointStatus{
			Name:      result.spec.Name,
			URL:       result.spec.URL,
			CheckedAt: time.Now(),
		}
		if result.err != nil {
			status.State = domain.EndpointStateDown
			status.LastError = result.err.Error()
			statuses[result.spec.Name] = status
			r.logger.Warn("endpoint discovery failed",
				zap.String("endpoint", result.spec.Name),
				zap.String("url", result.spec.URL),
				zap.Error(result.err),
			)
			continue
		}

		status.State = domain.EndpointStateUp
		statuses[result.spec.Name] = status
		for _, descriptor := range result.descriptors {
			qualified := domain.Qualify(result.spec.Name, descriptor.Name)
			if _, exists := tools[qualified]; exists {
				r.logger.Warn("endpoint reported duplicate tool name",
					zap.String("endpoint", result.spec.Name),
					zap.String("tool", descriptor.Name),
				)
				continue
			}
			tools[qualified] = domain.ToolHandle{
				QualifiedName: qualified,
				RawName:       descriptor.Name,
				Endpoint:      result.spec.Name,
				Description:   descriptor.Description,
				InputSchema:   descriptor.InputSchema,
			}
		}
		r.logger.Info("discovered tools",
			zap.String("endpoint", result.spec.Name),
			zap.Int("count", len(result.descriptors)),
		)
	}

	return domain.Snapshot{
		ETag:      snapshotETag(tools),
		Tools:     tools,
		Endpoints: statuses,
		BuiltAt:   now,
	}
}

// CallTool resolves a qualified name in the current snapshot and
// executes it, consulting the result cache first for anything that is
// not a health-check-class capability. Failures come back as structured
// errors a caller can continue a multi-step chain after.
func (r *Registry) CallTool(ctx context.Context, qualifiedName string, args map[string]any) (domain.CallResult, error) {
	snapshot := r.Snapshot()
	handle, ok := snapshot.Handle(qualifiedName)
	if !ok {
		return domain.CallResult{}, domain.E(domain.CodeNotFound, "registry.CallTool",
			fmt.Sprintf("unknown tool %q", qualifiedName), domain.ErrUnknownTool)
	}
	spec, ok := r.endpointSpec(handle.Endpoint)
	if !ok {
		return domain.CallResult{}, domain.E(domain.CodeNotFound, "registry.CallTool",
			fmt.Sprintf("endpoint %q no longer configured", handle.Endpoint), domain.ErrUnknownTool)
	}

	start := time.Now()
	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = nil
	}
	healthCheck := domain.IsHealthCheck(handle.RawName)

	fingerprint, fpErr := domain.CallFingerprint(qualifiedName, args)
	if fpErr != nil {
		r.logger.Warn("fingerprint failed, bypassing cache",
			zap.String("tool", qualifiedName),
			zap.Error(fpErr),
		)
	}

	cacheable := !healthCheck && fpErr == nil
	if cacheable {
		if value, hit := r.cache.Get(ctx, qualifiedName, fingerprint); hit {
			latency := time.Since(start)
			r.metrics.ObserveCacheOp("hit")
			r.emitRecord(handle, argsJSON, value, "", latency, true, domain.OutcomeSuccess)
			return domain.CallResult{Payload: value, CacheHit: true, Latency: latency}, nil
		}
		r.metrics.ObserveCacheOp("miss")
	}

	payload, err := r.client.Invoke(ctx, spec, handle.RawName, args, r.invokeTimeout())
	latency := time.Since(start)
	if err != nil {
		r.emitRecord(handle, argsJSON, "", err.Error(), latency, false, domain.OutcomeError)
		return domain.CallResult{Latency: latency}, err
	}

	if cacheable {
		r.cache.Set(ctx, qualifiedName, fingerprint, payload, r.cacheTTL())
	}
	r.emitRecord(handle, argsJSON, payload, "", latency, false, domain.OutcomeSuccess)
	return domain.CallResult{Payload: payload, CacheHit: false, Latency: latency}, nil
}

// ProbeEndpoints checks reachability of every configured endpoint with
// a live handshake. It reports, but does not mutate, endpoint state:
// only discovery outcomes move the published state machine.
func (r *Registry) ProbeEndpoints(ctx context.Context) []domain.EndpointStatus {
	specs := r.endpointSpecs()
	statuses := make([]domain.EndpointStatus, len(specs))

	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec domain.EndpointSpec) {
			defer wg.Done()
			status := domain.EndpointStatus{
				Name:      spec.Name,
				URL:       spec.URL,
				State:     domain.EndpointStateUp,
				CheckedAt: time.Now(),
			}
			if err := r.client.CheckHealth(ctx, spec); err != nil {
				status.State = domain.EndpointStateDown
				status.LastError = err.Error()
			}
			statuses[i] = status
		}(i, spec)
	}
	wg.Wait()
	return statuses
}

func (r *Registry) emitRecord(handle domain.ToolHandle, args json.RawMessage, output, errSummary string, latency time.Duration, cacheHit bool, outcome domain.InvocationOutcome) {
	r.metrics.ObserveInvocation(handle.QualifiedName, handle.Endpoint, outcome, cacheHit, latency)
	if r.records == nil {
		return
	}
	r.records.Submit(domain.InvocationRecord{
		ID:        uuid.NewString(),
		Tool:      handle.QualifiedName,
		Endpoint:  handle.Endpoint,
		Arguments: args,
		Output:    output,
		Error:     errSummary,
		Latency:   latency,
		CacheHit:  cacheHit,
		Outcome:   outcome,
		At:        time.Now(),
	})
}

func (r *Registry) endpointSpecs() []domain.EndpointSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.EndpointSpec(nil), r.endpoints...)
}

func (r *Registry) endpointSpec(name string) (domain.EndpointSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, spec := range r.endpoints {
		if spec.Name == name {
			return spec, true
		}
	}
	return domain.EndpointSpec{}, false
}

// discoverTimeout bounds one endpoint's discovery by the refresh
// interval, so a hung endpoint cannot make passes pile up.
func (r *Registry) discoverTimeout() time.Duration {
	seconds := r.cfg.RefreshSeconds
	if seconds <= 0 {
		seconds = domain.DefaultRefreshSeconds
	}
	return time.Duration(seconds) * time.Second
}

func (r *Registry) invokeTimeout() time.Duration {
	seconds := r.cfg.InvokeTimeoutSeconds
	if seconds <= 0 {
		seconds = domain.DefaultInvokeTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

func (r *Registry) cacheTTL() time.Duration {
	seconds := r.cfg.Cache.TTLSeconds
	if seconds <= 0 {
		seconds = domain.DefaultCacheTTLSeconds
	}
	return time.Duration(seconds) * time.Second
}

func diffSnapshots(prev, next domain.Snapshot) domain.RefreshSummary {
	added := make([]string, 0)
	removed := make([]string, 0)

	for name := range next.Tools {
		if _, ok := prev.Tools[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range prev.Tools {
		if _, ok := next.Tools[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	return domain.RefreshSummary{
		Added:   added,
		Removed: removed,
		Total:   len(next.Tools),
	}
}

func snapshotETag(tools map[string]domain.ToolHandle) string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	hasher := sha256.New()
	for _, name := range names {
		handle := tools[name]
		_, _ = hasher.Write([]byte(handle.QualifiedName))
		_, _ = hasher.Write([]byte{0})
		_, _ = hasher.Write(handle.InputSchema)
		_, _ = hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
