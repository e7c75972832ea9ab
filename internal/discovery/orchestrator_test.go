package discovery

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/skimmerhq/skimmer/internal/pattern"
)

// stubSource counts probes so tests can assert zero network activity.
type stubSource struct {
	name   string
	prior  float64
	result Result
	delay  time.Duration
	calls  atomic.Int32
}

func (s *stubSource) Name() string   { return s.name }
func (s *stubSource) Prior() float64 { return s.prior }

func (s *stubSource) Discover(ctx context.Context, _ *http.Client, domain string) Result {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	return s.result
}

func newTestOrchestrator(t *testing.T, sources ...Source) (*Orchestrator, *Cache) {
	t.Helper()
	cache, _ := newTestCache(t)
	return &Orchestrator{
		sources:       sources,
		cache:         cache,
		client:        &http.Client{},
		probeInterval: time.Millisecond,
		probeBurst:    5,
		limiters:      make(map[string]*rate.Limiter),
	}, cache
}

func TestDiscoverMergesAndCaches(t *testing.T) {
	found := &stubSource{name: "openapi", prior: PriorOpenAPI, result: Result{
		Found:    true,
		Patterns: []*pattern.APIPattern{{ID: "pat_a", Domain: "example.com"}},
		Metadata: map[string]any{"title": "Pets"},
	}}
	miss := &stubSource{name: "raml", prior: PriorRAML, result: Result{Found: false}}
	o, _ := newTestOrchestrator(t, found, miss)

	d, err := o.Discover(context.Background(), "t1", "example.com")
	require.NoError(t, err)
	assert.True(t, d.Found)
	require.Len(t, d.Patterns, 1)
	assert.Equal(t, "t1", d.Patterns[0].TenantID)
	assert.Equal(t, "Pets", d.Metadata["title"])

	// Second call is served from cache.
	_, err = o.Discover(context.Background(), "t1", "example.com")
	require.NoError(t, err)
	assert.Equal(t, int32(1), found.calls.Load())
}

// recordingInstr captures per-source run results.
type recordingInstr struct {
	mu   sync.Mutex
	runs map[string]string
}

func (r *recordingInstr) ObserveDiscovery(source, result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[source] = result
}

func TestDiscoverReportsSourceRuns(t *testing.T) {
	found := &stubSource{name: "openapi", prior: PriorOpenAPI, result: Result{Found: true}}
	miss := &stubSource{name: "raml", prior: PriorRAML, result: Result{Found: false}}
	broken := &stubSource{name: "wadl", prior: PriorRAML, result: Result{Error: "connection refused"}}
	o, _ := newTestOrchestrator(t, found, miss, broken)
	instr := &recordingInstr{runs: map[string]string{}}
	o.instr = instr

	_, err := o.Discover(context.Background(), "t1", "example.com")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"openapi": "found",
		"raml":    "empty",
		"wadl":    "error",
	}, instr.runs)
}

func TestDiscoverSkipsSourcesInCooldown(t *testing.T) {
	src := &stubSource{name: "openapi", prior: PriorOpenAPI, result: Result{Found: true}}
	o, cache := newTestOrchestrator(t, src)

	_, err := cache.RecordFailure(context.Background(), "t1", "openapi", "down.example")
	require.NoError(t, err)

	d, err := o.Discover(context.Background(), "t1", "down.example")
	require.NoError(t, err)

	// No probe reaches the source while its cooldown is armed.
	assert.Equal(t, int32(0), src.calls.Load())
	assert.False(t, d.Found)
	require.Len(t, d.Sources, 1)
	assert.Equal(t, "in cooldown", d.Sources[0].Error)
}

func TestDiscoverTransportErrorArmsCooldown(t *testing.T) {
	src := &stubSource{name: "openapi", prior: PriorOpenAPI, result: Result{Error: "dial tcp: connection refused"}}
	o, cache := newTestOrchestrator(t, src)

	_, err := o.Discover(context.Background(), "t1", "refused.example")
	require.NoError(t, err)
	assert.True(t, cache.InCooldown(context.Background(), "t1", "openapi", "refused.example"))
}

func TestDiscoverCleanMissDoesNotArmCooldown(t *testing.T) {
	src := &stubSource{name: "openapi", prior: PriorOpenAPI, result: Result{Found: false}}
	o, cache := newTestOrchestrator(t, src)

	_, err := o.Discover(context.Background(), "t1", "plain.example")
	require.NoError(t, err)
	assert.False(t, cache.InCooldown(context.Background(), "t1", "openapi", "plain.example"))
}

func TestDiscoverSuccessClearsFailureLadder(t *testing.T) {
	src := &stubSource{name: "openapi", prior: PriorOpenAPI, result: Result{Found: true}}
	o, cache := newTestOrchestrator(t, src)
	ctx := context.Background()

	// One prior failure, already expired from cooldown but still on the
	// ladder.
	_, err := cache.RecordFailure(ctx, "t1", "openapi", "recovered.example")
	require.NoError(t, err)
	cache.rdb.Del(ctx, cooldownKey("t1", "openapi", "recovered.example"))

	_, err = o.Discover(ctx, "t1", "recovered.example")
	require.NoError(t, err)

	cd, err := cache.RecordFailure(ctx, "t1", "openapi", "recovered.example")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cd)
}

func TestDiscoverCoalescesConcurrentCallers(t *testing.T) {
	src := &stubSource{name: "openapi", prior: PriorOpenAPI, delay: 50 * time.Millisecond, result: Result{Found: true}}
	o, _ := newTestOrchestrator(t, src)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Discover(context.Background(), "t1", "slow.example")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestMergeDedupesAndPrefersHighestPriorityMetadata(t *testing.T) {
	results := []Result{
		{Source: "raml", Found: true, Metadata: map[string]any{"title": "from raml"},
			Patterns:        []*pattern.APIPattern{{ID: "pat_a"}, {ID: "pat_b"}},
			ProbedLocations: []string{"https://x/api.raml"}},
		{Source: "openapi", Found: true, Metadata: map[string]any{"title": "from openapi"},
			Patterns:        []*pattern.APIPattern{{ID: "pat_a"}, {ID: "pat_c"}},
			ProbedLocations: []string{"https://x/openapi.json"}},
		{Source: "graphql", Found: false, ProbedLocations: []string{"https://x/graphql"}},
	}
	merged := Merge("x.example", results)

	assert.True(t, merged.Found)
	assert.Len(t, merged.Patterns, 3)
	assert.Equal(t, "from openapi", merged.Metadata["title"])
	assert.Len(t, merged.ProbedLocations, 3)
}
