package executor

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
	"github.com/skimmerhq/skimmer/internal/metrics"
	"github.com/skimmerhq/skimmer/internal/pattern"
	"github.com/skimmerhq/skimmer/internal/planner"
	"github.com/skimmerhq/skimmer/internal/renderer"
	"github.com/skimmerhq/skimmer/internal/trace"
	"github.com/skimmerhq/skimmer/internal/verifier"
)

func newTestStore(t *testing.T) *pattern.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := pattern.NewStore(db)
	require.NoError(t, err)
	return s
}

func seedUserPattern(t *testing.T, store *pattern.Store) *pattern.APIPattern {
	t.Helper()
	p := &pattern.APIPattern{
		TenantID:         "t1",
		Domain:           "example.com",
		TemplateType:     pattern.TemplateRESTResource,
		URLPatterns:      []string{`^https://api\.example\.com/users/[^/]+$`},
		EndpointTemplate: "https://api.example.com/users/{id}",
		Extractors: []pattern.Extractor{
			{Name: "id", Source: pattern.SourcePath, Pattern: `users/([^/?#]+)`, Group: 1},
		},
		Method:         "GET",
		ResponseFormat: pattern.FormatJSON,
		ContentMapping: pattern.ContentMapping{Title: "name", Body: "bio"},
		Metrics: pattern.Metrics{
			Confidence:   0.95,
			SuccessCount: 50,
			LastSuccess:  time.Now().UTC(),
		},
	}
	require.NoError(t, store.Upsert(context.Background(), p))
	return p
}

// recordingTransport serves canned JSON and remembers every request.
type recordingTransport struct {
	mu       sync.Mutex
	requests []*http.Request
	status   int
	body     string
}

func (rt *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	rt.requests = append(rt.requests, req)
	rt.mu.Unlock()
	status := rt.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(rt.body)),
		Request:    req,
	}, nil
}

func (rt *recordingTransport) count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.requests)
}

// scriptedRenderer returns a fixed result per tier.
type scriptedRenderer struct {
	mu      sync.Mutex
	results map[renderer.Tier]*renderer.Result
	errs    map[renderer.Tier]error
	calls   []renderer.Tier
}

func (s *scriptedRenderer) Tiers() []renderer.Tier { return renderer.RealTiers }

func (s *scriptedRenderer) Render(_ context.Context, req renderer.Request) (*renderer.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.Tier)
	s.mu.Unlock()
	if err := s.errs[req.Tier]; err != nil {
		return nil, err
	}
	if res, ok := s.results[req.Tier]; ok {
		return res, nil
	}
	return &renderer.Result{FinalURL: req.URL, Text: "default", Markdown: "default"}, nil
}

type stubObserver struct {
	mu     sync.Mutex
	hashes []string
}

func (o *stubObserver) ObserveContent(_ context.Context, _, _, _ string, hash string) {
	o.mu.Lock()
	o.hashes = append(o.hashes, hash)
	o.mu.Unlock()
}

func newTestExecutor(t *testing.T, store *pattern.Store, rend renderer.Renderer, rt http.RoundTripper) (*Executor, *stubObserver) {
	t.Helper()
	pool := renderer.NewPool(rend, renderer.PoolConfig{})
	obs := &stubObserver{}
	var client *http.Client
	if rt != nil {
		client = &http.Client{Transport: rt}
	}
	return New(pool, store, verifier.New(), client, obs, trace.NewStats()), obs
}

func plapln(t *testing.T, store *pattern.Store, url string, c planner.Constraints) *planner.Plan {
	t.Helper()
	plan, err := planner.New(store, nil).Plan(context.Background(), "t1", url, c)
	require.NoError(t, err)
	return plan
}

func TestSpecBackedBypass(t *testing.T) {
	store := newTestStore(t)
	seeded := seedUserPattern(t, store)
	rt := &recordingTransport{body: `{"name":"Ada Lovelace","bio":"Analyst and programmer."}`}
	rend := &scriptedRenderer{}
	ex, obs := newTestExecutor(t, store, rend, rt)

	plan := plapln(t, store, "https://api.example.com/users/42", planner.Constraints{})
	res, err := ex.Execute(context.Background(), "t1", plan, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, renderer.TierPatternInvoke, res.Metadata.Tier)
	assert.Equal(t, []renderer.Tier{renderer.TierPatternInvoke}, res.Metadata.TiersAttempted)
	assert.Equal(t, "Ada Lovelace", res.Title)
	assert.Contains(t, res.Content.Markdown, "Ada Lovelace")
	assert.Contains(t, res.Content.Markdown, "Analyst and programmer.")

	// Exactly one outbound call, to the substituted endpoint; no renderer ran.
	require.Equal(t, 1, rt.count())
	assert.Equal(t, "https://api.example.com/users/42", rt.requests[0].URL.String())
	assert.Empty(t, rend.calls)

	// The winning pattern's confidence moved up.
	got, err := store.Get(context.Background(), "t1", seeded.ID)
	require.NoError(t, err)
	assert.Greater(t, got.Metrics.Confidence, 0.95)
	assert.Equal(t, 51, got.Metrics.SuccessCount)

	// A change observation fired.
	assert.Len(t, obs.hashes, 1)
}

func TestEscalationThroughTiers(t *testing.T) {
	store := newTestStore(t)
	long := strings.Repeat("dashboard content ", 40) // > 500 chars
	rend := &scriptedRenderer{results: map[renderer.Tier]*renderer.Result{
		renderer.TierIntelligence: {FinalURL: "https://spa.example.com/dashboard", Text: "loading...", Markdown: "loading..."},
		renderer.TierLightweight:  {FinalURL: "https://spa.example.com/dashboard", Text: strings.Repeat("x", 400), Markdown: "partial"},
		renderer.TierPlaywright:   {FinalURL: "https://spa.example.com/dashboard", Title: "Dashboard", Text: long, Markdown: long},
	}}
	ex, _ := newTestExecutor(t, store, rend, nil)

	plan := plapln(t, store, "https://spa.example.com/dashboard", planner.Constraints{})
	res, err := ex.Execute(context.Background(), "t1", plan, nil, Options{
		Checks: []verifier.Check{{
			Type:      "content",
			Assertion: verifier.Assertion{MinLength: 500},
			Severity:  verifier.SeverityCritical,
			Retryable: true,
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, renderer.TierPlaywright, res.Metadata.Tier)
	assert.Equal(t, []renderer.Tier{
		renderer.TierIntelligence, renderer.TierLightweight, renderer.TierPlaywright,
	}, res.Metadata.TiersAttempted)

	require.Len(t, res.DecisionTrace.Tiers, 3)
	assert.False(t, res.DecisionTrace.Tiers[0].Success)
	assert.False(t, res.DecisionTrace.Tiers[1].Success)
	assert.True(t, res.DecisionTrace.Tiers[2].Success)
	assert.Equal(t, "playwright", res.DecisionTrace.Summarize().FinalTier)
}

func TestEmptyPlanIsNoViableTier(t *testing.T) {
	store := newTestStore(t)
	ex, _ := newTestExecutor(t, store, &scriptedRenderer{}, nil)

	plan := plapln(t, store, "https://example.com/x", planner.Constraints{MaxLatency: time.Millisecond})
	require.True(t, plan.Empty())

	res, err := ex.Execute(context.Background(), "t1", plan, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, fetcherr.CodeNoViableTier, fetcherr.CodeOf(err))
	require.NotNil(t, res.DecisionTrace)
}

func TestConstrainedEmptyContentIsNoViableTier(t *testing.T) {
	store := newTestStore(t)
	rend := &scriptedRenderer{results: map[renderer.Tier]*renderer.Result{
		renderer.TierIntelligence: {FinalURL: "https://example.com/x"},
	}}
	ex, _ := newTestExecutor(t, store, rend, nil)

	plan := plapln(t, store, "https://example.com/x", planner.Constraints{MaxCostTier: renderer.TierIntelligence})
	res, err := ex.Execute(context.Background(), "t1", plan, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, fetcherr.CodeNoViableTier, fetcherr.CodeOf(err))
	require.Len(t, res.DecisionTrace.Tiers, 1)
	assert.Equal(t, "renderer produced empty content", res.DecisionTrace.Tiers[0].FailureReason)
}

func TestPatternFailureFallsThroughAndDecays(t *testing.T) {
	store := newTestStore(t)
	seeded := seedUserPattern(t, store)
	rt := &recordingTransport{status: http.StatusInternalServerError, body: `{}`}
	rend := &scriptedRenderer{results: map[renderer.Tier]*renderer.Result{
		renderer.TierIntelligence: {FinalURL: "https://api.example.com/users/42", Title: "Profile", Text: "rendered profile page", Markdown: "rendered"},
	}}
	ex, _ := newTestExecutor(t, store, rend, rt)

	plan := plapln(t, store, "https://api.example.com/users/42", planner.Constraints{})
	res, err := ex.Execute(context.Background(), "t1", plan, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, renderer.TierIntelligence, res.Metadata.Tier)
	assert.Equal(t, []renderer.Tier{renderer.TierPatternInvoke, renderer.TierIntelligence}, res.Metadata.TiersAttempted)

	got, err := store.Get(context.Background(), "t1", seeded.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.95*0.8, got.Metrics.Confidence, 1e-9)
	assert.Equal(t, 1, got.Metrics.FailureCount)
}

func TestBotDetectionAtPlaywrightIsTerminal(t *testing.T) {
	store := newTestStore(t)
	rend := &scriptedRenderer{results: map[renderer.Tier]*renderer.Result{
		renderer.TierIntelligence: {BotDetected: true},
		renderer.TierLightweight:  {BotDetected: true},
		renderer.TierPlaywright:   {BotDetected: true},
	}}
	ex, _ := newTestExecutor(t, store, rend, nil)

	plan := plapln(t, store, "https://guarded.example.com/x", planner.Constraints{})
	_, err := ex.Execute(context.Background(), "t1", plan, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, fetcherr.CodeBotDetected, fetcherr.CodeOf(err))

	intel, err := store.DomainIntelligence(context.Background(), "t1", "example.com")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, intel.BotFailures, 1)
}

func TestStrictVerificationFailure(t *testing.T) {
	store := newTestStore(t)
	rend := &scriptedRenderer{results: map[renderer.Tier]*renderer.Result{
		renderer.TierIntelligence: {Text: "short", Markdown: "short"},
		renderer.TierLightweight:  {Text: "short", Markdown: "short"},
		renderer.TierPlaywright:   {Text: "short", Markdown: "short"},
	}}
	ex, _ := newTestExecutor(t, store, rend, nil)
	checks := []verifier.Check{{
		Type:      "content",
		Assertion: verifier.Assertion{MinLength: 500},
		Severity:  verifier.SeverityError,
		Retryable: true,
	}}

	plan := plapln(t, store, "https://example.com/x", planner.Constraints{})

	// Strict: typed validation error with the verdict attached.
	_, err := ex.Execute(context.Background(), "t1", plan, nil, Options{Checks: checks, StrictVerification: true})
	require.Error(t, err)
	assert.Equal(t, fetcherr.CodeValidationFailed, fetcherr.CodeOf(err))

	// Soft: content is delivered with verification.passed=false.
	res, err := ex.Execute(context.Background(), "t1", plan, nil, Options{Checks: checks})
	require.NoError(t, err)
	require.NotNil(t, res.Verification)
	assert.False(t, res.Verification.Passed)
	assert.Equal(t, "short", res.Content.Text)
}

func TestNonRetryableCriticalStopsEscalation(t *testing.T) {
	store := newTestStore(t)
	rend := &scriptedRenderer{results: map[renderer.Tier]*renderer.Result{
		renderer.TierIntelligence: {Text: "account suspended notice", Markdown: "x"},
	}}
	ex, _ := newTestExecutor(t, store, rend, nil)

	plan := plapln(t, store, "https://example.com/x", planner.Constraints{})
	_, err := ex.Execute(context.Background(), "t1", plan, nil, Options{
		Checks: []verifier.Check{{
			Type:      "content",
			Assertion: verifier.Assertion{ExcludesText: "suspended"},
			Severity:  verifier.SeverityCritical,
			Retryable: false,
		}},
	})
	require.Error(t, err)
	assert.Equal(t, fetcherr.CodeValidationFailed, fetcherr.CodeOf(err))
	// Escalation stopped at the first tier.
	assert.Equal(t, []renderer.Tier{renderer.TierIntelligence}, rend.calls)
}

func TestUpstreamRateLimitSurfaces(t *testing.T) {
	store := newTestStore(t)
	seedUserPattern(t, store)
	rt := &recordingTransport{status: http.StatusTooManyRequests, body: `{}`}
	rend := &scriptedRenderer{
		errs: map[renderer.Tier]error{
			renderer.TierIntelligence: context.DeadlineExceeded,
			renderer.TierLightweight:  context.DeadlineExceeded,
			renderer.TierPlaywright:   context.DeadlineExceeded,
		},
	}
	ex, _ := newTestExecutor(t, store, rend, rt)

	plan := plapln(t, store, "https://api.example.com/users/42", planner.Constraints{})
	_, err := ex.Execute(context.Background(), "t1", plan, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, fetcherr.CodeRenderFailed, fetcherr.CodeOf(err))
}

func TestLearnedSelectorsDriveExtraction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSelectorChain(ctx, &pattern.SelectorChain{
		TenantID: "t1", Domain: "example.com", Purpose: "title",
		Selectors: []pattern.SelectorEntry{
			{Selector: ".headline", Kind: "css"},
			{Selector: "//h1", Kind: "xpath"},
			{Selector: "h1.profile-name", Kind: "css"},
		},
	}))
	require.NoError(t, store.UpsertSelectorChain(ctx, &pattern.SelectorChain{
		TenantID: "t1", Domain: "example.com", Purpose: "body",
		Selectors: []pattern.SelectorEntry{{Selector: ".bio", Kind: "css"}},
	}))

	doc := `<html><head><title>Example</title></head><body>` +
		`<h1 class="profile-name">Ada Lovelace</h1><p class="bio">Analyst and programmer.</p></body></html>`
	rend := &scriptedRenderer{results: map[renderer.Tier]*renderer.Result{
		renderer.TierIntelligence: {FinalURL: "https://example.com/people/ada", Title: "Example",
			HTML: doc, Text: "fallback", Markdown: "fallback"},
	}}
	ex, _ := newTestExecutor(t, store, rend, nil)

	plan := plapln(t, store, "https://example.com/people/ada", planner.Constraints{})
	require.NotEmpty(t, plan.CandidateSelectors)

	res, err := ex.Execute(ctx, "t1", plan, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, "Ada Lovelace", res.Title)
	assert.Equal(t, "Analyst and programmer.", res.Content.Text)
	assert.Equal(t, "selector:.bio", res.DecisionTrace.Tiers[0].ExtractionStrategy)

	// Every selector lands in the trace: one miss, one skipped xpath, two hits.
	require.Len(t, res.DecisionTrace.Selectors, 4)
	bySel := map[string]trace.SelectorAttempt{}
	for _, a := range res.DecisionTrace.Selectors {
		bySel[a.Selector] = a
	}
	assert.False(t, bySel[".headline"].Matched)
	assert.Equal(t, "unsupported selector kind xpath", bySel["//h1"].SkipReason)
	assert.True(t, bySel["h1.profile-name"].Selected)
	assert.True(t, bySel[".bio"].Matched)
	assert.Equal(t, 4, res.DecisionTrace.Summarize().SelectorsAttempted)

	// The document title lost to the selector-derived one.
	var docTitle *trace.TitleAttempt
	for i, ta := range res.DecisionTrace.Titles {
		if ta.Source == "document" {
			docTitle = &res.DecisionTrace.Titles[i]
		}
	}
	require.NotNil(t, docTitle)
	assert.True(t, docTitle.Found)
	assert.False(t, docTitle.Selected)

	// Outcomes fed the chain counters; the skipped xpath stayed untouched.
	chains, err := store.SelectorChains(ctx, "t1", "example.com")
	require.NoError(t, err)
	counts := map[string][2]int{}
	for _, c := range chains {
		for _, e := range c.Selectors {
			counts[e.Selector] = [2]int{e.SuccessCount, e.FailureCount}
		}
	}
	assert.Equal(t, [2]int{0, 1}, counts[".headline"])
	assert.Equal(t, [2]int{0, 0}, counts["//h1"])
	assert.Equal(t, [2]int{1, 0}, counts["h1.profile-name"])
	assert.Equal(t, [2]int{1, 0}, counts[".bio"])
}

func TestUnmappedPatternFlattensResponse(t *testing.T) {
	store := newTestStore(t)
	p := &pattern.APIPattern{
		TenantID:         "t1",
		Domain:           "example.com",
		TemplateType:     pattern.TemplateRESTResource,
		URLPatterns:      []string{`^https://api\.example\.com/users/[^/]+$`},
		EndpointTemplate: "https://api.example.com/users/{id}",
		Extractors: []pattern.Extractor{
			{Name: "id", Source: pattern.SourcePath, Pattern: `users/([^/?#]+)`, Group: 1},
		},
		Method:         "GET",
		ResponseFormat: pattern.FormatJSON,
		Metrics: pattern.Metrics{
			Confidence:   0.95,
			SuccessCount: 50,
			LastSuccess:  time.Now().UTC(),
		},
	}
	require.NoError(t, store.Upsert(context.Background(), p))

	rt := &recordingTransport{body: `{"name":"Ada Lovelace","stats":{"followers":2}}`}
	ex, _ := newTestExecutor(t, store, &scriptedRenderer{}, rt)

	plan := plapln(t, store, "https://api.example.com/users/42", planner.Constraints{})
	res, err := ex.Execute(context.Background(), "t1", plan, nil, Options{})
	require.NoError(t, err)

	// No content mapping: the JSON response reads as sorted key/value lines.
	assert.Equal(t, "name: Ada Lovelace\nstats.followers: 2", res.Content.Markdown)
	assert.Empty(t, res.Title)
}

func TestInstrumentationCounters(t *testing.T) {
	store := newTestStore(t)
	seedUserPattern(t, store)
	rt := &recordingTransport{body: `{"name":"Ada Lovelace","bio":"Analyst."}`}
	ex, _ := newTestExecutor(t, store, &scriptedRenderer{}, rt)
	m := metrics.New(prometheus.NewRegistry())
	ex.WithInstrumentation(m)

	plan := plapln(t, store, "https://api.example.com/users/42", planner.Constraints{})
	_, err := ex.Execute(context.Background(), "t1", plan, nil, Options{
		Checks: []verifier.Check{{
			Type:      "content",
			Assertion: verifier.Assertion{FieldExists: []string{"name"}},
			Severity:  verifier.SeverityError,
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TierAttempts.WithLabelValues("pattern-invoke", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PatternInvokes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VerifierResults.WithLabelValues("passed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TierDuration))
}

func TestVariableTruncation(t *testing.T) {
	store := newTestStore(t)
	long := strings.Repeat("a", 2000)
	rend := &scriptedRenderer{results: map[renderer.Tier]*renderer.Result{
		renderer.TierIntelligence: {Text: long, Markdown: long},
	}}
	ex, _ := newTestExecutor(t, store, rend, nil)

	plan := plapln(t, store, "https://example.com/x", planner.Constraints{})
	res, err := ex.Execute(context.Background(), "t1", plan, nil, Options{MaxChars: 100})
	require.NoError(t, err)
	assert.Len(t, res.Content.Text, 100)
	assert.Len(t, res.Content.Markdown, 100)
}
