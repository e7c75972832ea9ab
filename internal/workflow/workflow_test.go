package workflow

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
	"github.com/skimmerhq/skimmer/internal/renderer"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db)
	require.NoError(t, err)
	return s
}

type stubFetcher struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (f *stubFetcher) Fetch(_ context.Context, _ string, rawURL string) (FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, rawURL)
	if f.err != nil {
		return FetchResult{}, f.err
	}
	return FetchResult{Tier: "lightweight", Duration: 40 * time.Millisecond, Content: "ok"}, nil
}

func saveNavigateWorkflow(t *testing.T, store *Store, url string) *Workflow {
	t.Helper()
	w := &Workflow{
		Name:     "user-lookup",
		Domain:   "example.com",
		TenantID: "t1",
		Steps: []Step{
			{StepNumber: 1, Action: ActionNavigate, URL: url, Importance: ImportanceCritical, Success: true},
		},
	}
	require.NoError(t, store.Save(context.Background(), w))
	return w
}

func TestRecorderOwnership(t *testing.T) {
	r := NewRecorder(newTestStore(t))
	id, err := r.Start("t1", "checkout")
	require.NoError(t, err)

	_, err = r.RecordStep(id, "t2", Step{Action: ActionNavigate, URL: "https://shop.example/cart"})
	assert.Equal(t, fetcherr.CodeForbidden, fetcherr.CodeOf(err))

	err = r.Annotate(id, "t2", 1, "note", "")
	assert.Equal(t, fetcherr.CodeForbidden, fetcherr.CodeOf(err))

	_, err = r.Stop(context.Background(), id, "t2", true, "", nil)
	assert.Equal(t, fetcherr.CodeForbidden, fetcherr.CodeOf(err))

	// The rejected stop must not have consumed the session.
	n, err := r.RecordStep(id, "t1", Step{Action: ActionNavigate, URL: "https://shop.example/cart"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordAnnotateAndSave(t *testing.T) {
	store := newTestStore(t)
	r := NewRecorder(store)
	ctx := context.Background()

	id, err := r.Start("t1", "profile-scrape")
	require.NoError(t, err)

	_, err = r.RecordStep(id, "t1", Step{Action: ActionNavigate, URL: "https://app.example.com/users", Success: true})
	require.NoError(t, err)
	n, err := r.RecordStep(id, "t1", Step{Action: ActionExtract, Selector: ".profile", Success: true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, r.Annotate(id, "t1", 2, "grabs the profile card", ImportanceCritical))

	w, err := r.Stop(ctx, id, "t1", true, "scrapes user profiles", []string{"users"})
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "app.example.com", w.Domain)
	assert.Equal(t, 1, w.Version)

	got, err := store.Get(ctx, "t1", w.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "grabs the profile card", got.Steps[1].Annotation)
	assert.Equal(t, ImportanceCritical, got.Steps[1].Importance)
}

func TestStopDiscards(t *testing.T) {
	r := NewRecorder(newTestStore(t))
	id, err := r.Start("t1", "throwaway")
	require.NoError(t, err)
	_, err = r.RecordStep(id, "t1", Step{Action: ActionNavigate, URL: "https://x.example/"})
	require.NoError(t, err)

	w, err := r.Stop(context.Background(), id, "t1", false, "", nil)
	require.NoError(t, err)
	assert.Nil(t, w)

	_, err = r.RecordStep(id, "t1", Step{Action: ActionNavigate, URL: "https://x.example/"})
	assert.Equal(t, fetcherr.CodeSessionNotFound, fetcherr.CodeOf(err))
}

func TestStopRejectsEmptySave(t *testing.T) {
	r := NewRecorder(newTestStore(t))
	id, err := r.Start("t1", "empty")
	require.NoError(t, err)
	_, err = r.Stop(context.Background(), id, "t1", true, "", nil)
	assert.Equal(t, fetcherr.CodeInvalidRequest, fetcherr.CodeOf(err))
}

func TestReplaySubstitutesVariables(t *testing.T) {
	store := newTestStore(t)
	w := saveNavigateWorkflow(t, store, "https://api.example.com/users/{{userId}}")
	f := &stubFetcher{}
	rep := NewReplayer(store, f)

	res, err := rep.Replay(context.Background(), "t1", w.ID, ReplayOptions{
		Variables: map[string]any{"userId": 7},
	})
	require.NoError(t, err)
	assert.True(t, res.OverallSuccess)
	require.Len(t, f.urls, 1)
	assert.Equal(t, "https://api.example.com/users/7", f.urls[0])

	// JSON numbers arrive as float64 and must not render as 7.000000.
	_, err = rep.Replay(context.Background(), "t1", w.ID, ReplayOptions{
		Variables: map[string]any{"userId": float64(7)},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/users/7", f.urls[1])

	got, err := store.Get(context.Background(), "t1", w.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UsageCount)
	assert.InDelta(t, 1.0, got.SuccessRate, 1e-9)
}

func TestReplayMissingVariableFailsStep(t *testing.T) {
	store := newTestStore(t)
	w := saveNavigateWorkflow(t, store, "https://api.example.com/users/{{userId}}")
	f := &stubFetcher{}
	rep := NewReplayer(store, f)

	res, err := rep.Replay(context.Background(), "t1", w.ID, ReplayOptions{})
	require.NoError(t, err)
	assert.False(t, res.OverallSuccess)
	require.Len(t, res.Results, 1)
	assert.False(t, res.Results[0].Success)
	assert.Contains(t, res.Results[0].Error, "userId")
	assert.Empty(t, f.urls)
}

func TestReplayRejectsStructuredVariables(t *testing.T) {
	store := newTestStore(t)
	w := saveNavigateWorkflow(t, store, "https://api.example.com/users/{{userId}}")
	rep := NewReplayer(store, &stubFetcher{})

	_, err := rep.Replay(context.Background(), "t1", w.ID, ReplayOptions{
		Variables: map[string]any{"userId": map[string]any{"id": 7}},
	})
	assert.Equal(t, fetcherr.CodeInvalidRequest, fetcherr.CodeOf(err))
}

func TestReplaySuccessRateEMA(t *testing.T) {
	store := newTestStore(t)
	w := saveNavigateWorkflow(t, store, "https://api.example.com/users/1")
	f := &stubFetcher{}
	rep := NewReplayer(store, f)
	ctx := context.Background()

	_, err := rep.Replay(ctx, "t1", w.ID, ReplayOptions{})
	require.NoError(t, err)

	f.err = errors.New("upstream down")
	_, err = rep.Replay(ctx, "t1", w.ID, ReplayOptions{})
	require.NoError(t, err)

	got, err := store.Get(ctx, "t1", w.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UsageCount)
	assert.InDelta(t, 0.8, got.SuccessRate, 1e-9)
}

func TestReplayStopsAfterCriticalFailure(t *testing.T) {
	store := newTestStore(t)
	w := &Workflow{
		Name: "two-step", Domain: "example.com", TenantID: "t1",
		Steps: []Step{
			{StepNumber: 1, Action: ActionNavigate, URL: "https://example.com/a", Importance: ImportanceCritical},
			{StepNumber: 2, Action: ActionNavigate, URL: "https://example.com/b", Importance: ImportanceOptional},
		},
	}
	require.NoError(t, store.Save(context.Background(), w))

	f := &stubFetcher{err: errors.New("boom")}
	rep := NewReplayer(store, f)
	res, err := rep.Replay(context.Background(), "t1", w.ID, ReplayOptions{})
	require.NoError(t, err)
	assert.False(t, res.OverallSuccess)
	assert.Len(t, res.Results, 1)
}

// optimizableWorkflow records three extraction-heavy steps followed by a
// page whose own traffic contains one API response with all of their data.
func optimizableWorkflow(t *testing.T, store *Store) *Workflow {
	t.Helper()
	w := &Workflow{
		Name: "user-profile", Domain: "app.example.com", TenantID: "t1",
		Steps: []Step{
			{StepNumber: 1, Action: ActionNavigate, URL: "https://app.example.com/search?q=ada",
				Duration: 2 * time.Second, Success: true},
			{StepNumber: 2, Action: ActionExtract, Selector: ".result",
				ExtractedData: map[string]any{"name": "Ada Lovelace"},
				Duration:      1 * time.Second, Success: true},
			{StepNumber: 3, Action: ActionExtract, Selector: ".bio",
				ExtractedData: map[string]any{"bio": "Mathematician", "email": "ada@example.com"},
				Duration:      1 * time.Second, Success: true},
			{StepNumber: 4, Action: ActionNavigate, URL: "https://app.example.com/users/7",
				Duration: 2 * time.Second, Success: true,
				NetworkLog: []renderer.NetworkRequest{
					{
						URL: "https://api.example.com/v1/users/7?include=profile", Method: "GET", StatusCode: 200,
						ContentType:  "application/json",
						ResponseBody: `{"name":"Ada Lovelace","bio":"Mathematician","email":"ada@example.com","id":7}`,
						Duration:     500 * time.Millisecond,
					},
				}},
		},
	}
	require.NoError(t, store.Save(context.Background(), w))
	return w
}

func TestOptimizerFindsAPIShortcut(t *testing.T) {
	store := newTestStore(t)
	w := optimizableWorkflow(t, store)
	opt := NewOptimizer(store)

	props, err := opt.Analyze(context.Background(), "t1", w.ID)
	require.NoError(t, err)
	require.Len(t, props, 1)

	p := props[0]
	assert.Equal(t, KindAPIShortcut, p.Kind)
	assert.Equal(t, 4, p.ShortcutStep)
	assert.Equal(t, []int{1, 2, 3}, p.BypassedSteps)
	assert.Equal(t, "https://api.example.com/v1/users/7?include=profile", p.Endpoint)
	assert.InDelta(t, 1.0, p.FieldCoverage, 1e-9)
	// Bypassed steps took four seconds; the API call took half a second.
	assert.InDelta(t, 8.0, p.EstimatedSpeedup, 1e-9)
	assert.False(t, p.Promoted)

	// Re-analysis returns the same record instead of duplicating it.
	again, err := opt.Analyze(context.Background(), "t1", w.ID)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, p.ID, again[0].ID)
}

func TestOptimizerRequiresTwoParameters(t *testing.T) {
	store := newTestStore(t)
	w := optimizableWorkflow(t, store)
	// One dynamic path segment and no query: a static fetch, not a shortcut.
	w.Steps[3].NetworkLog[0].URL = "https://api.example.com/v1/users/7"
	require.NoError(t, store.Save(context.Background(), w))

	props, err := NewOptimizer(store).Analyze(context.Background(), "t1", w.ID)
	require.NoError(t, err)
	assert.Empty(t, props)
}

func TestOptimizerIgnoresLowCoverage(t *testing.T) {
	store := newTestStore(t)
	w := optimizableWorkflow(t, store)
	// Shrink the API response so it covers only one of four fields.
	w.Steps[3].NetworkLog[0].ResponseBody = `{"name":"Ada Lovelace"}`
	require.NoError(t, store.Save(context.Background(), w))

	props, err := NewOptimizer(store).Analyze(context.Background(), "t1", w.ID)
	require.NoError(t, err)
	assert.Empty(t, props)
}

func TestOptimizerPromotionGates(t *testing.T) {
	store := newTestStore(t)
	w := optimizableWorkflow(t, store)
	opt := NewOptimizer(store)
	ctx := context.Background()

	props, err := opt.Analyze(ctx, "t1", w.ID)
	require.NoError(t, err)
	require.Len(t, props, 1)
	id := props[0].ID

	// Four successful uses: below the gate.
	for i := 0; i < 4; i++ {
		o, err := opt.RecordUse(ctx, "t1", id, true, 300*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, o.Promoted)
	}

	// Fifth success crosses both gates.
	o, err := opt.RecordUse(ctx, "t1", id, true, 300*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, o.Promoted)
	assert.Equal(t, 5, o.Metrics.TimesUsed)
	assert.InDelta(t, 1.0, o.SuccessRate(), 1e-9)

	promoted, err := store.PromotedOptimization(ctx, "t1", w.ID)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, id, promoted.ID)
}

func TestOptimizerFailuresBlockPromotion(t *testing.T) {
	store := newTestStore(t)
	w := optimizableWorkflow(t, store)
	opt := NewOptimizer(store)
	ctx := context.Background()

	props, err := opt.Analyze(ctx, "t1", w.ID)
	require.NoError(t, err)
	id := props[0].ID

	for i := 0; i < 4; i++ {
		_, err := opt.RecordUse(ctx, "t1", id, true, 300*time.Millisecond)
		require.NoError(t, err)
	}
	// One failure drops the rate to 0.8, under the 0.9 gate.
	o, err := opt.RecordUse(ctx, "t1", id, false, 300*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, o.Promoted)
	assert.InDelta(t, 0.8, o.SuccessRate(), 1e-9)
}

func TestReplayUsesPromotedShortcut(t *testing.T) {
	store := newTestStore(t)
	w := optimizableWorkflow(t, store)
	opt := NewOptimizer(store)
	ctx := context.Background()

	props, err := opt.Analyze(ctx, "t1", w.ID)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := opt.RecordUse(ctx, "t1", props[0].ID, true, 300*time.Millisecond)
		require.NoError(t, err)
	}

	f := &stubFetcher{}
	rep := NewReplayer(store, f)
	res, err := rep.Replay(ctx, "t1", w.ID, ReplayOptions{})
	require.NoError(t, err)
	assert.True(t, res.UsedShortcut)
	assert.True(t, res.OverallSuccess)
	require.Len(t, f.urls, 1)
	assert.Equal(t, "https://api.example.com/v1/users/7?include=profile", f.urls[0])

	// SkipShortcut forces the recorded sequence.
	f.urls = nil
	res, err = rep.Replay(ctx, "t1", w.ID, ReplayOptions{SkipShortcut: true})
	require.NoError(t, err)
	assert.False(t, res.UsedShortcut)
	assert.Equal(t, []string{"https://app.example.com/search?q=ada", "https://app.example.com/users/7"}, f.urls)
}

func TestStoreTenantIsolationAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	w := saveNavigateWorkflow(t, store, "https://api.example.com/users/1")

	_, err := store.Get(ctx, "t2", w.ID)
	assert.Equal(t, fetcherr.CodeWorkflowNotFound, fetcherr.CodeOf(err))

	err = store.Delete(ctx, "t2", w.ID)
	assert.Equal(t, fetcherr.CodeWorkflowNotFound, fetcherr.CodeOf(err))

	require.NoError(t, store.Delete(ctx, "t1", w.ID))
	_, err = store.Get(ctx, "t1", w.ID)
	assert.Equal(t, fetcherr.CodeWorkflowNotFound, fetcherr.CodeOf(err))
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := &Workflow{Name: "a", Domain: "one.example", TenantID: "t1", Tags: []string{"users"},
		Steps: []Step{{StepNumber: 1, Action: ActionNavigate, URL: "https://one.example/"}}}
	b := &Workflow{Name: "b", Domain: "two.example", TenantID: "t1",
		Steps: []Step{{StepNumber: 1, Action: ActionNavigate, URL: "https://two.example/"}}}
	require.NoError(t, store.Save(ctx, a))
	require.NoError(t, store.Save(ctx, b))

	all, err := store.List(ctx, "t1", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byDomain, err := store.List(ctx, "t1", ListOptions{Domain: "one.example"})
	require.NoError(t, err)
	require.Len(t, byDomain, 1)
	assert.Equal(t, "a", byDomain[0].Name)

	byTag, err := store.List(ctx, "t1", ListOptions{Tag: "USERS"})
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Equal(t, "a", byTag[0].Name)
}
