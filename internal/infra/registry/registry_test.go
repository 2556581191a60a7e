package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"toolmux/internal/domain"
	"toolmux/internal/infra/cache"
)

// fakeClient serves canned tool sets per endpoint and counts invokes.
type fakeClient struct {
	mu      sync.Mutex
	tools   map[string][]domain.ToolDescriptor
	failing map[string]error
	invokes map[string]int
	block   chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		tools:   map[string][]domain.ToolDescriptor{},
		failing: map[string]error{},
		invokes: map[string]int{},
	}
}

func (f *fakeClient) serve(endpoint string, names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	descriptors := make([]domain.ToolDescriptor, 0, len(names))
	for _, name := range names {
		descriptors = append(descriptors, domain.ToolDescriptor{
			Name:        name,
			Description: "fake " + name,
			InputSchema: json.RawMessage(`{"type":"object"}`),
		})
	}
	f.tools[endpoint] = descriptors
	delete(f.failing, endpoint)
}

func (f *fakeClient) fail(endpoint string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[endpoint] = err
}

func (f *fakeClient) Discover(ctx context.Context, endpoint domain.EndpointSpec) ([]domain.ToolDescriptor, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[endpoint.Name]; ok {
		return nil, err
	}
	return f.tools[endpoint.Name], nil
}

func (f *fakeClient) Invoke(_ context.Context, endpoint domain.EndpointSpec, rawName string, args map[string]any, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[endpoint.Name]; ok {
		return "", err
	}
	key := domain.Qualify(endpoint.Name, rawName)
	f.invokes[key]++
	return fmt.Sprintf("%s result #%d", key, f.invokes[key]), nil
}

func (f *fakeClient) CheckHealth(_ context.Context, endpoint domain.EndpointSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[endpoint.Name]; ok {
		return err
	}
	return nil
}

func (f *fakeClient) invokeCount(qualifiedName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invokes[qualifiedName]
}

// captureSink collects submitted records synchronously.
type captureSink struct {
	mu      sync.Mutex
	records []domain.InvocationRecord
}

func (c *captureSink) Submit(record domain.InvocationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
}

func (c *captureSink) all() []domain.InvocationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.InvocationRecord(nil), c.records...)
}

func specs(names ...string) []domain.EndpointSpec {
	out := make([]domain.EndpointSpec, 0, len(names))
	for _, name := range names {
		out = append(out, domain.EndpointSpec{
			Name: name,
			URL:  "http://" + name + ".test/mcp",
		})
	}
	return out
}

func newTestRegistry(t *testing.T, client *fakeClient, endpoints []domain.EndpointSpec) *Registry {
	t.Helper()
	reg, err := New(Options{
		Client:    client,
		Cache:     cache.NewMemory(cache.MemoryOptions{}),
		Endpoints: endpoints,
	})
	require.NoError(t, err)
	return reg
}

func TestNewRequiresEndpoints(t *testing.T) {
	_, err := New(Options{Client: newFakeClient()})
	require.ErrorIs(t, err, domain.ErrNoEndpoints)
}

func TestRefreshQualifiesAllTools(t *testing.T) {
	client := newFakeClient()
	client.serve("notes", "search", "archive_note", "health_check")
	client.serve("files", "search", "health_check")

	reg := newTestRegistry(t, client, specs("notes", "files"))
	summary, err := reg.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, summary.Total)

	snapshot := reg.Snapshot()
	seen := map[string]bool{}
	for name, handle := range snapshot.Tools {
		require.True(t, strings.HasPrefix(name, handle.Endpoint+domain.QualifiedNameSeparator))
		require.False(t, seen[name], "qualified name %q not unique", name)
		seen[name] = true
	}
	_, ok := snapshot.Handle("notes__search")
	require.True(t, ok)
	_, ok = snapshot.Handle("files__search")
	require.True(t, ok)
	require.NotEmpty(t, snapshot.ETag)
}

func TestRefreshPartialFailureDegrades(t *testing.T) {
	client := newFakeClient()
	client.serve("alpha", "lookup", "health_check")
	client.fail("beta", errors.New("connection refused"))

	reg := newTestRegistry(t, client, specs("alpha", "beta"))
	summary, err := reg.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Total)

	snapshot := reg.Snapshot()
	require.Equal(t, domain.EndpointStateUp, snapshot.Endpoints["alpha"].State)
	require.Equal(t, domain.EndpointStateDown, snapshot.Endpoints["beta"].State)
	require.Contains(t, snapshot.Endpoints["beta"].LastError, "connection refused")

	_, ok := snapshot.Handle("alpha__lookup")
	require.True(t, ok)
}

func TestRefreshAllDownPublishesEmptySnapshot(t *testing.T) {
	client := newFakeClient()
	client.fail("alpha", errors.New("unreachable"))
	client.fail("beta", errors.New("unreachable"))

	reg := newTestRegistry(t, client, specs("alpha", "beta"))
	summary, err := reg.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, summary.Total)

	snapshot := reg.Snapshot()
	require.Empty(t, snapshot.Tools)
	require.Equal(t, 0, snapshot.UpEndpoints())
}

func TestRefreshDiffAcrossEndpointChange(t *testing.T) {
	client := newFakeClient()
	client.serve("notes", "search", "create", "update", "delete", "health_check")
	client.serve("files", "read", "write", "list", "stat", "health_check")
	client.serve("time", "now", "convert", "health_check")

	endpoints := specs("notes", "files", "time")
	reg := newTestRegistry(t, client, endpoints)

	summary, err := reg.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 13, summary.Total)
	require.Len(t, summary.Added, 13)
	require.Empty(t, summary.Removed)

	client.serve("mail", "send", "fetch", "health_check")
	reg.ReplaceEndpoints(append(endpoints, specs("mail")...))

	summary, err = reg.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 16, summary.Total)
	require.Equal(t, []string{"mail__fetch", "mail__health_check", "mail__send"}, summary.Added)
	require.Empty(t, summary.Removed)
}

func TestRefreshRemovesToolsFromLostEndpoint(t *testing.T) {
	client := newFakeClient()
	client.serve("alpha", "lookup", "health_check")
	client.serve("beta", "ping")

	reg := newTestRegistry(t, client, specs("alpha", "beta"))
	_, err := reg.Refresh(context.Background())
	require.NoError(t, err)

	client.fail("beta", errors.New("gone"))
	summary, err := reg.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"beta__ping"}, summary.Removed)
	require.Equal(t, 2, summary.Total)
}

func TestDiscoverAllReturnsItsOwnPass(t *testing.T) {
	client := newFakeClient()
	client.serve("alpha", "one")

	reg := newTestRegistry(t, client, specs("alpha"))
	snapshot, err := reg.DiscoverAll(context.Background())
	require.NoError(t, err)
	_, ok := snapshot.Handle("alpha__one")
	require.True(t, ok)
	require.Equal(t, snapshot.ETag, reg.Snapshot().ETag)

	// A pass publishing later must not leak into the snapshot an
	// earlier DiscoverAll already reported.
	client.serve("alpha", "one", "two")
	_, err = reg.Refresh(context.Background())
	require.NoError(t, err)

	_, ok = snapshot.Handle("alpha__two")
	require.False(t, ok)
	_, ok = reg.Snapshot().Handle("alpha__two")
	require.True(t, ok)
	require.NotEqual(t, snapshot.ETag, reg.Snapshot().ETag)

	// Under concurrent passes the reported snapshot still carries a
	// tool set some single pass built, never a later one spliced in.
	stop := make(chan struct{})
	var flips sync.WaitGroup
	flips.Add(1)
	go func() {
		defer flips.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				client.serve("alpha", "one")
			} else {
				client.serve("alpha", "one", "two")
			}
			_, _ = reg.Refresh(context.Background())
		}
	}()
	for i := 0; i < 10; i++ {
		got, err := reg.DiscoverAll(context.Background())
		require.NoError(t, err)
		require.Equal(t, got.ETag, snapshotETag(got.Tools))
	}
	close(stop)
	flips.Wait()
}

func TestCallToolUnknownName(t *testing.T) {
	client := newFakeClient()
	client.serve("alpha", "lookup")

	reg := newTestRegistry(t, client, specs("alpha"))
	_, err := reg.Refresh(context.Background())
	require.NoError(t, err)

	_, err = reg.CallTool(context.Background(), "alpha__missing", nil)
	require.ErrorIs(t, err, domain.ErrUnknownTool)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeNotFound, code)
}

func TestCallToolCachesRepeatedCalls(t *testing.T) {
	client := newFakeClient()
	client.serve("alpha", "lookup")

	reg := newTestRegistry(t, client, specs("alpha"))
	_, err := reg.Refresh(context.Background())
	require.NoError(t, err)

	args := map[string]any{"query": "golang"}

	first, err := reg.CallTool(context.Background(), "alpha__lookup", args)
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	second, err := reg.CallTool(context.Background(), "alpha__lookup", args)
	require.NoError(t, err)
	require.True(t, second.CacheHit)
	require.Equal(t, first.Payload, second.Payload)
	require.Equal(t, 1, client.invokeCount("alpha__lookup"))

	// Different arguments are a different logical call.
	third, err := reg.CallTool(context.Background(), "alpha__lookup", map[string]any{"query": "rust"})
	require.NoError(t, err)
	require.False(t, third.CacheHit)
	require.Equal(t, 2, client.invokeCount("alpha__lookup"))
}

func TestCallToolHealthCheckNeverCached(t *testing.T) {
	client := newFakeClient()
	client.serve("alpha", "health_check")

	reg := newTestRegistry(t, client, specs("alpha"))
	_, err := reg.Refresh(context.Background())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		result, err := reg.CallTool(context.Background(), "alpha__health_check", nil)
		require.NoError(t, err)
		require.False(t, result.CacheHit)
	}
	require.Equal(t, 3, client.invokeCount("alpha__health_check"))
}

func TestCallToolRecordsInvocations(t *testing.T) {
	client := newFakeClient()
	client.serve("alpha", "lookup")
	sink := &captureSink{}

	reg, err := New(Options{
		Client:    client,
		Cache:     cache.NewMemory(cache.MemoryOptions{}),
		Records:   sink,
		Endpoints: specs("alpha"),
	})
	require.NoError(t, err)
	_, err = reg.Refresh(context.Background())
	require.NoError(t, err)

	_, err = reg.CallTool(context.Background(), "alpha__lookup", map[string]any{"q": 1})
	require.NoError(t, err)
	_, err = reg.CallTool(context.Background(), "alpha__lookup", map[string]any{"q": 1})
	require.NoError(t, err)

	records := sink.all()
	require.Len(t, records, 2)
	require.Equal(t, "alpha__lookup", records[0].Tool)
	require.Equal(t, "alpha", records[0].Endpoint)
	require.False(t, records[0].CacheHit)
	require.True(t, records[1].CacheHit)
	require.Equal(t, domain.OutcomeSuccess, records[0].Outcome)
	require.NotEmpty(t, records[0].ID)
	require.NotEqual(t, records[0].ID, records[1].ID)
}

func TestCallToolFailureRecordedAndNotCached(t *testing.T) {
	client := newFakeClient()
	client.serve("alpha", "lookup")
	sink := &captureSink{}

	reg, err := New(Options{
		Client:    client,
		Cache:     cache.NewMemory(cache.MemoryOptions{}),
		Records:   sink,
		Endpoints: specs("alpha"),
	})
	require.NoError(t, err)
	_, err = reg.Refresh(context.Background())
	require.NoError(t, err)

	client.fail("alpha", domain.E(domain.CodeRemote, "capability.Invoke", "boom", nil))
	_, err = reg.CallTool(context.Background(), "alpha__lookup", nil)
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeRemote, code)

	records := sink.all()
	require.Len(t, records, 1)
	require.Equal(t, domain.OutcomeError, records[0].Outcome)
	require.Contains(t, records[0].Error, "boom")

	// A failed call must not poison the cache for the next success.
	client.serve("alpha", "lookup")
	result, err := reg.CallTool(context.Background(), "alpha__lookup", nil)
	require.NoError(t, err)
	require.False(t, result.CacheHit)
}

func TestTryRefreshFailsFastWhileInFlight(t *testing.T) {
	client := newFakeClient()
	client.serve("alpha", "lookup")
	client.block = make(chan struct{})

	reg := newTestRegistry(t, client, specs("alpha"))

	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		close(started)
		_, _ = reg.Refresh(context.Background())
		close(finished)
	}()
	<-started
	// Wait for the pass to actually hold the gate.
	require.Eventually(t, func() bool {
		_, err := reg.TryRefresh(context.Background())
		return errors.Is(err, domain.ErrRefreshInFlight)
	}, time.Second, 5*time.Millisecond)

	close(client.block)
	<-finished

	_, err := reg.TryRefresh(context.Background())
	require.NoError(t, err)
}

func TestSnapshotSwapIsAtomic(t *testing.T) {
	client := newFakeClient()
	client.serve("alpha", "a1", "a2")
	client.serve("beta", "b1", "b2")

	reg := newTestRegistry(t, client, specs("alpha", "beta"))
	_, err := reg.Refresh(context.Background())
	require.NoError(t, err)

	stop := make(chan struct{})
	var torn atomic.Bool
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snapshot := reg.Snapshot()
				// A snapshot holds either both of an endpoint's tools
				// or neither; a half-applied swap would mix them.
				_, a1 := snapshot.Handle("alpha__a1")
				_, a2 := snapshot.Handle("alpha__a2")
				if a1 != a2 {
					torn.Store(true)
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			client.fail("alpha", errors.New("flap"))
		} else {
			client.serve("alpha", "a1", "a2")
		}
		_, err := reg.Refresh(context.Background())
		require.NoError(t, err)
	}
	close(stop)
	readers.Wait()
	require.False(t, torn.Load(), "observed a torn snapshot")
}

func TestProbeEndpointsDoesNotMutateSnapshot(t *testing.T) {
	client := newFakeClient()
	client.serve("alpha", "lookup")

	reg := newTestRegistry(t, client, specs("alpha"))
	_, err := reg.Refresh(context.Background())
	require.NoError(t, err)

	client.fail("alpha", errors.New("probe failure"))
	statuses := reg.ProbeEndpoints(context.Background())
	require.Len(t, statuses, 1)
	require.Equal(t, domain.EndpointStateDown, statuses[0].State)

	// Published state still reflects the last discovery pass.
	require.Equal(t, domain.EndpointStateUp, reg.Snapshot().Endpoints["alpha"].State)
}

func TestListToolsSorted(t *testing.T) {
	client := newFakeClient()
	client.serve("zeta", "z")
	client.serve("alpha", "a")

	reg := newTestRegistry(t, client, specs("zeta", "alpha"))
	_, err := reg.Refresh(context.Background())
	require.NoError(t, err)

	handles := reg.ListTools()
	require.Len(t, handles, 2)
	require.Equal(t, "alpha__a", handles[0].QualifiedName)
	require.Equal(t, "zeta__z", handles[1].QualifiedName)
}
