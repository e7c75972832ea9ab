package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/skimmerhq/skimmer/internal/discovery"
	"github.com/skimmerhq/skimmer/internal/executor"
	"github.com/skimmerhq/skimmer/internal/metrics"
	"github.com/skimmerhq/skimmer/internal/pattern"
	"github.com/skimmerhq/skimmer/internal/planner"
	"github.com/skimmerhq/skimmer/internal/predictor"
	"github.com/skimmerhq/skimmer/internal/renderer"
	"github.com/skimmerhq/skimmer/internal/skills"
	"github.com/skimmerhq/skimmer/internal/trace"
	"github.com/skimmerhq/skimmer/internal/verifier"
	"github.com/skimmerhq/skimmer/internal/workflow"
)

const (
	liveKey = "sk_live_abc"
	testKey = "sk_test_xyz"
)

// urlRenderer serves a canned result for any URL and remembers what it was
// asked to render.
type urlRenderer struct {
	mu   sync.Mutex
	urls []string
}

func (r *urlRenderer) Tiers() []renderer.Tier { return renderer.RealTiers }

func (r *urlRenderer) Render(_ context.Context, req renderer.Request) (*renderer.Result, error) {
	r.mu.Lock()
	r.urls = append(r.urls, req.URL)
	r.mu.Unlock()
	return &renderer.Result{FinalURL: req.URL, Title: "Page", Text: "rendered body", Markdown: "rendered body"}, nil
}

func (r *urlRenderer) rendered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

// stubEmbedder keeps template similarity deterministic.
type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) (skills.Embedding, error) {
	return skills.Embedding{1, 0, 0}, nil
}
func (stubEmbedder) Dimension() int    { return 3 }
func (stubEmbedder) ModelName() string { return "stub" }

type testServer struct {
	srv  *Server
	rend *urlRenderer

	patterns  *pattern.Store
	workflows *workflow.Store
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	patterns, err := pattern.NewStore(db)
	require.NoError(t, err)
	workflows, err := workflow.NewStore(db)
	require.NoError(t, err)
	skillStore, err := skills.NewStore(db)
	require.NoError(t, err)
	pred, err := predictor.New(db)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	cache := discovery.NewCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)

	presets, err := verifier.LoadCatalog("")
	require.NoError(t, err)

	rend := &urlRenderer{}
	pool := renderer.NewPool(rend, renderer.PoolConfig{})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ex := executor.New(pool, patterns, verifier.New(), nil, pred, trace.NewStats()).WithInstrumentation(m)

	cfg := Config{
		Addr: "127.0.0.1:0",
		APIKeys: map[string]string{
			liveKey: "t1",
			testKey: "t2",
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := New(cfg, Deps{
		Planner:      planner.New(patterns, cache),
		Executor:     ex,
		Patterns:     patterns,
		Orchestrator: discovery.NewOrchestrator(cache, patterns, discovery.Config{Instrumentation: m}),
		Fuzzer:       discovery.NewFuzzer(patterns, discovery.Config{}),
		Workflows:    workflows,
		Generalizer:  skills.NewGeneralizer(skillStore, stubEmbedder{}),
		Predictor:    pred,
		Presets:      presets,
		Metrics:      m,
		Registry:     reg,
	})
	return &testServer{srv: srv, rend: rend, patterns: patterns, workflows: workflows}
}

func (ts *testServer) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeAs[errorBody](t, rec)
	return string(body.Error.Code)
}

func TestAuthRejections(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/v1/workflows/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errCode(t, rec))

	rec = ts.do(t, http.MethodGet, "/v1/workflows/", "not_a_real_key", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/workflows/", "sk_live_unknown", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthzIsPublic(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")

	rec = ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitWindow(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.RateLimit = 2 })
	fixed := time.Date(2026, 3, 14, 10, 30, 20, 0, time.UTC)
	ts.srv.auth.now = func() time.Time { return fixed }

	rec := ts.do(t, http.MethodGet, "/v1/workflows/", liveKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	rec = ts.do(t, http.MethodGet, "/v1/workflows/", liveKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = ts.do(t, http.MethodGet, "/v1/workflows/", liveKey, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", errCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Another key has its own window.
	rec = ts.do(t, http.MethodGet, "/v1/workflows/", testKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The window resets on the minute boundary.
	ts.srv.auth.now = func() time.Time { return fixed.Add(time.Minute) }
	rec = ts.do(t, http.MethodGet, "/v1/workflows/", liveKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestBrowseRendersThroughCascade(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/v1/browse", liveKey, map[string]any{
		"url":     "https://example.com/article",
		"options": map[string]any{"includeDecisionTrace": true},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decodeAs[executor.Result](t, rec)
	assert.Equal(t, "https://example.com/article", res.FinalURL)
	assert.Equal(t, "rendered body", res.Content.Text)
	assert.Equal(t, renderer.TierIntelligence, res.Metadata.Tier)
	assert.NotNil(t, res.DecisionTrace)

	assert.Equal(t, []string{"https://example.com/article"}, ts.rend.rendered())
}

func TestBrowseTraceIsOptIn(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/browse", liveKey, map[string]any{
		"url": "https://example.com/article",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeAs[executor.Result](t, rec)
	assert.Nil(t, res.DecisionTrace)
}

func TestBrowseInvalidURL(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/browse", liveKey, map[string]any{"url": "://nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_url", errCode(t, rec))
}

func TestBrowseUnknownPreset(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/browse", liveKey, map[string]any{
		"url":     "https://example.com/article",
		"options": map[string]any{"verify": "no_such_preset"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", errCode(t, rec))
}

func TestBrowseRejectsUnknownFields(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/browse", liveKey, map[string]any{
		"url": "https://example.com", "surprise": true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", errCode(t, rec))
}

func TestBatchKeepsOrderAndIsolatesFailures(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/v1/batch", liveKey, map[string]any{
		"urls": []string{"https://example.com/a", "://nope", "https://example.com/b"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decodeAs[batchResponse](t, rec)
	require.Len(t, res.Results, 3)
	assert.Equal(t, "https://example.com/a", res.Results[0].URL)
	require.NotNil(t, res.Results[0].Result)
	assert.Equal(t, "rendered body", res.Results[0].Result.Content.Text)

	require.NotNil(t, res.Results[1].Error)
	assert.Equal(t, "invalid_url", string(res.Results[1].Error.Error.Code))
	assert.Nil(t, res.Results[1].Result)

	require.NotNil(t, res.Results[2].Result)
}

func TestBatchNeedsURLs(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/batch", liveKey, map[string]any{"urls": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDomainIntelligenceEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	// A fetch first, so the domain has something on record.
	rec := ts.do(t, http.MethodPost, "/v1/browse", liveKey, map[string]any{
		"url": "https://example.com/article",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/domains/example.com/intelligence", liveKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	intel := decodeAs[pattern.DomainIntelligence](t, rec)
	assert.Equal(t, "example.com", intel.Domain)
}

func TestWorkflowRecordReplayLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/v1/workflows/record/start", liveKey, map[string]any{"name": "profile lookup"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	recID := decodeAs[map[string]string](t, rec)["recordingId"]
	require.NotEmpty(t, recID)

	rec = ts.do(t, http.MethodPost, "/v1/workflows/record/"+recID+"/step", liveKey, map[string]any{
		"action": "navigate", "url": "https://example.com/users/{{userId}}", "success": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeAs[map[string]int](t, rec)["stepNumber"])

	rec = ts.do(t, http.MethodPost, "/v1/workflows/record/"+recID+"/annotate", liveKey, map[string]any{
		"stepNumber": 1, "annotation": "userId is the numeric profile id", "importance": "critical",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/v1/workflows/record/"+recID+"/stop", liveKey, map[string]any{
		"save": true, "description": "look up one profile", "tags": []string{"profiles"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wf := decodeAs[workflow.Workflow](t, rec)
	assert.Equal(t, "example.com", wf.Domain)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, "userId is the numeric profile id", wf.Steps[0].Annotation)

	rec = ts.do(t, http.MethodGet, "/v1/workflows/?domain=example.com", liveKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeAs[map[string][]*workflow.Workflow](t, rec)["workflows"]
	require.Len(t, list, 1)
	assert.Equal(t, wf.ID, list[0].ID)

	rec = ts.do(t, http.MethodPost, "/v1/workflows/"+wf.ID+"/replay", liveKey, map[string]any{
		"variables": map[string]any{"userId": 7},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	replay := decodeAs[workflow.ReplayResult](t, rec)
	assert.True(t, replay.OverallSuccess)
	require.Len(t, replay.Results, 1)
	assert.Contains(t, ts.rend.rendered(), "https://example.com/users/7")

	rec = ts.do(t, http.MethodGet, "/v1/workflows/"+wf.ID, liveKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decodeAs[workflow.Workflow](t, rec)
	assert.Equal(t, 1, stored.UsageCount)
	assert.InDelta(t, 1.0, stored.SuccessRate, 1e-9)

	rec = ts.do(t, http.MethodDelete, "/v1/workflows/"+wf.ID, liveKey, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodGet, "/v1/workflows/"+wf.ID, liveKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowTenantIsolation(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/v1/workflows/record/start", liveKey, map[string]any{"name": "mine"})
	require.Equal(t, http.StatusCreated, rec.Code)
	recID := decodeAs[map[string]string](t, rec)["recordingId"]

	// Another tenant cannot touch the recording.
	rec = ts.do(t, http.MethodPost, "/v1/workflows/record/"+recID+"/step", testKey, map[string]any{
		"action": "navigate", "url": "https://example.com/a",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", errCode(t, rec))

	rec = ts.do(t, http.MethodPost, "/v1/workflows/record/"+recID+"/step", liveKey, map[string]any{
		"action": "navigate", "url": "https://example.com/a",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPost, "/v1/workflows/record/"+recID+"/stop", liveKey, map[string]any{"save": true})
	require.Equal(t, http.StatusCreated, rec.Code)
	wf := decodeAs[workflow.Workflow](t, rec)

	// Saved workflows are invisible across tenants.
	rec = ts.do(t, http.MethodGet, "/v1/workflows/"+wf.ID, testKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "workflow_not_found", errCode(t, rec))
}

func TestAbstractAndSkillMatch(t *testing.T) {
	ts := newTestServer(t, nil)

	wf := &workflow.Workflow{
		Name: "profile harvest", TenantID: "t1", Domain: "example.com",
		UsageCount: 6, SuccessCount: 5, SuccessRate: 0.83,
		Steps: []workflow.Step{
			{StepNumber: 1, Action: workflow.ActionNavigate, URL: "https://example.com/people"},
			{StepNumber: 2, Action: workflow.ActionExtract, Selector: ".profile-card",
				Importance: workflow.ImportanceCritical},
		},
	}
	require.NoError(t, ts.workflows.Save(context.Background(), wf))

	rec := ts.do(t, http.MethodPost, "/v1/workflows/"+wf.ID+"/abstract", liveKey, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tmpl := decodeAs[skills.SkillTemplate](t, rec)
	assert.NotEmpty(t, tmpl.ID)

	rec = ts.do(t, http.MethodPost, "/v1/skills/match", liveKey, map[string]any{
		"context": map[string]any{
			"domain":             "other.org",
			"availableSelectors": []string{".profile-card"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	matches := decodeAs[map[string][]skills.TemplateMatch](t, rec)["matches"]
	require.Len(t, matches, 1)
	assert.Equal(t, tmpl.ID, matches[0].Template.ID)
	assert.Greater(t, matches[0].Score, 0.65)
}

func TestAbstractRejectsUnprovenWorkflow(t *testing.T) {
	ts := newTestServer(t, nil)

	wf := &workflow.Workflow{
		Name: "fresh", TenantID: "t1", Domain: "example.com",
		UsageCount: 1, SuccessCount: 1, SuccessRate: 1.0,
		Steps: []workflow.Step{{StepNumber: 1, Action: workflow.ActionNavigate, URL: "https://example.com/a"}},
	}
	require.NoError(t, ts.workflows.Save(context.Background(), wf))

	rec := ts.do(t, http.MethodPost, "/v1/workflows/"+wf.ID+"/abstract", liveKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "has not earned abstraction")
}

func TestPredictionEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	observe := func(hash string) *httptest.ResponseRecorder {
		return ts.do(t, http.MethodPost, "/v1/predictions/example.com/observe", liveKey, map[string]any{
			"url": "https://example.com/news", "contentHash": hash,
		})
	}
	rec := observe("h1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = observe("h2")
	require.Equal(t, http.StatusOK, rec.Code)

	var view struct {
		URLPattern   string `json:"urlPattern"`
		Urgency      int    `json:"urgency"`
		PollInterval int64  `json:"pollIntervalMs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "/news", view.URLPattern)
	assert.GreaterOrEqual(t, view.Urgency, 0)

	rec = ts.do(t, http.MethodGet, "/v1/predictions/?domain=example.com", liveKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list struct {
		Predictions []json.RawMessage `json:"predictions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Predictions, 1)

	rec = ts.do(t, http.MethodGet, "/v1/predictions/example.com", liveKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/predictions/example.com/accuracy", liveKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	acc := decodeAs[map[string]float64](t, rec)
	assert.Contains(t, acc, "hits")
	assert.Contains(t, acc, "misses")

	rec = ts.do(t, http.MethodGet, "/v1/predictions/urgency/9", liveKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodGet, "/v1/predictions/?minUrgency=7", liveKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodGet, "/v1/predictions/urgency/0", liveKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Another tenant sees nothing.
	rec = ts.do(t, http.MethodGet, "/v1/predictions/?domain=example.com", testKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Predictions)
}

func TestPredictionObserveValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/predictions/example.com/observe", liveKey, map[string]any{
		"url": "https://example.com/news",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", errCode(t, rec))
}

func TestWebhookDelivery(t *testing.T) {
	type received struct {
		event, sig, test string
		body             []byte
	}
	got := make(chan received, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := new(bytes.Buffer)
		_, _ = body.ReadFrom(r.Body)
		got <- received{
			event: r.Header.Get(headerWebhookEvent),
			sig:   r.Header.Get(headerWebhookSignature),
			test:  r.Header.Get(headerWebhookTest),
			body:  body.Bytes(),
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	n := NewNotifier(upstream.URL, "hush")
	n.Send(context.Background(), "fetch.completed", map[string]any{"url": "https://example.com"}, true)

	select {
	case r := <-got:
		assert.Equal(t, "fetch.completed", r.event)
		assert.Equal(t, "true", r.test)
		assert.True(t, VerifySignature([]byte("hush"), r.body, r.sig))
		assert.False(t, VerifySignature([]byte("wrong"), r.body, r.sig))
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"ok":true}`)
	header := "sha256=" + Sign(secret, body)

	assert.True(t, VerifySignature(secret, body, header))
	assert.False(t, VerifySignature(secret, []byte(`{"ok":false}`), header))
	assert.False(t, VerifySignature(secret, body, strings.TrimPrefix(header, "sha256=")))
	assert.False(t, VerifySignature(secret, body, "sha256=zz-not-hex"))
}

func TestNilNotifierDropsEvents(t *testing.T) {
	var n *Notifier
	// Must not panic.
	n.Send(context.Background(), "fetch.completed", nil, false)
	assert.Nil(t, NewNotifier("", "ignored"))
}

func TestFuzzNeedsDomain(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/discover/fuzz", liveKey, map[string]any{
		"domain": "", "options": map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsRecordRequests(t *testing.T) {
	ts := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		ts.do(t, http.MethodGet, "/healthz", "", nil)
	}
	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "skimmer_http_requests_total")
	assert.Contains(t, rec.Body.String(), fmt.Sprintf("%q", "GET /healthz"))
}

func TestRoutePatternFallsBackToPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	assert.Equal(t, "/nowhere", routePattern(req))
}
