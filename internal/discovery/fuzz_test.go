package discovery

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/skimmerhq/skimmer/internal/pattern"
)

// fuzzTransport answers a fixed route table and counts probes.
type fuzzTransport struct {
	routes map[string]fuzzRoute
	probes int
}

type fuzzRoute struct {
	status      int
	contentType string
	body        string
}

func (ft *fuzzTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ft.probes++
	route, ok := ft.routes[req.Method+" "+req.URL.Path]
	if !ok {
		route = fuzzRoute{status: http.StatusNotFound, contentType: "text/html", body: "<html>not found</html>"}
	}
	return &http.Response{
		StatusCode: route.status,
		Header:     http.Header{"Content-Type": []string{route.contentType}},
		Body:       io.NopCloser(strings.NewReader(route.body)),
		Request:    req,
	}, nil
}

func newTestFuzzer(t *testing.T, ft *fuzzTransport) *Fuzzer {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := pattern.NewStore(db)
	require.NoError(t, err)

	f := NewFuzzer(store, Config{ProbeInterval: time.Millisecond, ProbeBurst: 100})
	f.client = &http.Client{Transport: ft}
	return f
}

func TestFuzzDiscoversAndLearns(t *testing.T) {
	ft := &fuzzTransport{routes: map[string]fuzzRoute{
		"GET /api":        {status: 200, contentType: "application/json", body: `{"version":"1"}`},
		"GET /api/status": {status: 200, contentType: "application/json", body: `{"ok":true}`},
		"GET /healthz":    {status: 200, contentType: "text/plain", body: "ok"},
	}}
	f := newTestFuzzer(t, ft)

	res, err := f.Fuzz(context.Background(), "t1", "example.com", FuzzOptions{
		Paths:         []string{"/api", "/api/status", "/healthz", "/missing"},
		LearnPatterns: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Stats.Probed)
	assert.Equal(t, 3, res.Stats.Hits)
	// Only JSON-answering hits become patterns.
	assert.Equal(t, 2, res.Stats.Learned)
	assert.False(t, res.Stats.TimedOut)

	byURL := map[string]DiscoveredEndpoint{}
	for _, ep := range res.Discovered {
		byURL[ep.URL] = ep
	}
	assert.True(t, byURL["https://example.com/api"].JSONLike)
	assert.False(t, byURL["https://example.com/healthz"].JSONLike)

	stored, err := f.store.FindMatchingPatterns(context.Background(), "t1", "https://example.com/api")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "fuzz", stored[0].DiscoverySource)
	assert.Equal(t, PriorObserved, stored[0].Metrics.Confidence)
	assert.Equal(t, 1, stored[0].Metrics.SuccessCount)
}

func TestFuzzCustomSuccessCodes(t *testing.T) {
	ft := &fuzzTransport{routes: map[string]fuzzRoute{
		"GET /gone": {status: 410, contentType: "application/json", body: `{}`},
	}}
	f := newTestFuzzer(t, ft)

	res, err := f.Fuzz(context.Background(), "t1", "example.com", FuzzOptions{
		Paths:        []string{"/gone"},
		SuccessCodes: []int{410},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Hits)
}

func TestFuzzRespectsMaxDuration(t *testing.T) {
	ft := &fuzzTransport{routes: map[string]fuzzRoute{}}
	f := newTestFuzzer(t, ft)
	// A probe interval far above the wall clock stalls the limiter after the
	// initial burst.
	f.probeInterval = time.Hour
	f.probeBurst = 1

	res, err := f.Fuzz(context.Background(), "t1", "example.com", FuzzOptions{
		Paths:       []string{"/a", "/b", "/c"},
		MaxDuration: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.Stats.TimedOut)
	assert.Less(t, res.Stats.Probed, 3)
}
