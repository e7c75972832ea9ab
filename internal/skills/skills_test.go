package skills

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/skimmerhq/skimmer/internal/workflow"
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

// stubEmbedder maps the first matching keyword to a fixed vector, so
// similarity between descriptions is fully controlled by the test.
type stubEmbedder struct {
	keys []string
	vecs []Embedding
}

func (s *stubEmbedder) Embed(_ context.Context, text string) (Embedding, error) {
	for i, key := range s.keys {
		if strings.Contains(text, key) {
			return s.vecs[i], nil
		}
	}
	return Embedding{1, 0, 0}, nil
}

func (s *stubEmbedder) Dimension() int    { return 3 }
func (s *stubEmbedder) ModelName() string { return "stub" }

func provenWorkflow(name, domain string, usage, successes int, rate float64) *workflow.Workflow {
	return &workflow.Workflow{
		ID: "wf_" + name, Name: name, Domain: domain, TenantID: "t1",
		UsageCount: usage, SuccessCount: successes, SuccessRate: rate,
		Steps: []workflow.Step{
			{StepNumber: 1, Action: workflow.ActionNavigate, URL: "https://" + domain + "/list"},
			{StepNumber: 2, Action: workflow.ActionClick, Selector: ".next-page"},
			{StepNumber: 3, Action: workflow.ActionExtract, Selector: ".profile-card",
				Importance: workflow.ImportanceCritical},
		},
	}
}

func TestAbstractionGates(t *testing.T) {
	g := NewGeneralizer(newTestStore(t), &stubEmbedder{})
	ctx := context.Background()

	tooFew := provenWorkflow("few", "a.example", 2, 2, 1.0)
	tmpl, err := g.AbstractWorkflow(ctx, tooFew)
	require.NoError(t, err)
	assert.Nil(t, tmpl)

	tooFlaky := provenWorkflow("flaky", "a.example", 10, 6, 0.6)
	tmpl, err = g.AbstractWorkflow(ctx, tooFlaky)
	require.NoError(t, err)
	assert.Nil(t, tmpl)
}

func TestAbstractWorkflowBuildsSkillAndTemplate(t *testing.T) {
	store := newTestStore(t)
	g := NewGeneralizer(store, &stubEmbedder{})
	ctx := context.Background()

	w := provenWorkflow("paginate-profiles", "a.example", 5, 4, 0.9)
	tmpl, err := g.AbstractWorkflow(ctx, w)
	require.NoError(t, err)
	require.NotNil(t, tmpl)

	assert.Equal(t, []string{"a.example"}, tmpl.SuccessfulDomains)
	assert.InDelta(t, 0.9, tmpl.CrossDomainSuccessRate, 1e-9)
	require.Len(t, tmpl.Actions, 3)
	assert.Equal(t, "page", tmpl.Actions[0].Descriptor)
	assert.Equal(t, "pagination", tmpl.Actions[1].Descriptor)
	assert.Equal(t, []string{".next-page"}, tmpl.Actions[1].KnownSelectors)

	// The skill survived with the critical selector as a precondition.
	require.Len(t, tmpl.SourceSkillIDs, 1)
	sk, err := store.GetSkill(ctx, "t1", tmpl.SourceSkillIDs[0])
	require.NoError(t, err)
	assert.Equal(t, []string{".profile-card"}, sk.Preconditions.RequiredSelectors)
	assert.Equal(t, "wf_paginate-profiles", sk.SourceWorkflowID)

	// The cross references are indexed both ways.
	tmplIDs, err := store.TemplatesForSkill(ctx, "t1", sk.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{tmpl.ID}, tmplIDs)
	skillIDs, err := store.SkillsForTemplate(ctx, "t1", tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{sk.ID}, skillIDs)

	// The embedding round-trips through its blob column.
	got, err := store.GetTemplate(ctx, "t1", tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, tmpl.Embedding, got.Embedding)
}

func TestSimilarTemplatesMerge(t *testing.T) {
	store := newTestStore(t)
	emb := &stubEmbedder{
		keys: []string{"paginate-a", "paginate-b"},
		vecs: []Embedding{{1, 0, 0}, {0.95, 0.05, 0}},
	}
	g := NewGeneralizer(store, emb)
	ctx := context.Background()

	_, err := g.AbstractWorkflow(ctx, provenWorkflow("paginate-a", "a.example", 10, 8, 0.8))
	require.NoError(t, err)
	merged, err := g.AbstractWorkflow(ctx, provenWorkflow("paginate-b", "b.example", 5, 5, 0.9))
	require.NoError(t, err)
	require.NotNil(t, merged)

	templates, err := store.ListTemplates(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, templates, 1)

	assert.Len(t, merged.SourceSkillIDs, 2)
	assert.ElementsMatch(t, []string{"a.example", "b.example"}, merged.SuccessfulDomains)
	// Weighted by applications: (0.8*10 + 0.9*5) / 15.
	assert.InDelta(t, 0.8333, merged.CrossDomainSuccessRate, 1e-4)
	assert.Equal(t, 15, merged.Applications)
	assert.Equal(t, []string{".next-page"}, merged.Actions[1].KnownSelectors)
}

func TestDissimilarTemplatesStaySeparate(t *testing.T) {
	store := newTestStore(t)
	emb := &stubEmbedder{
		keys: []string{"paginate-a", "checkout"},
		vecs: []Embedding{{1, 0, 0}, {0, 1, 0}},
	}
	g := NewGeneralizer(store, emb)
	ctx := context.Background()

	_, err := g.AbstractWorkflow(ctx, provenWorkflow("paginate-a", "a.example", 10, 8, 0.8))
	require.NoError(t, err)
	_, err = g.AbstractWorkflow(ctx, provenWorkflow("checkout", "b.example", 5, 5, 0.9))
	require.NoError(t, err)

	templates, err := store.ListTemplates(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, templates, 2)
}

func TestMatchScoringAndThreshold(t *testing.T) {
	store := newTestStore(t)
	emb := &stubEmbedder{
		keys: []string{"paginate-a", "checkout", "shop.example"},
		vecs: []Embedding{{1, 0, 0}, {0, 1, 0}, {1, 0, 0}},
	}
	g := NewGeneralizer(store, emb)
	ctx := context.Background()

	_, err := g.AbstractWorkflow(ctx, provenWorkflow("paginate-a", "a.example", 10, 8, 0.8))
	require.NoError(t, err)
	_, err = g.AbstractWorkflow(ctx, provenWorkflow("checkout", "b.example", 5, 5, 0.9))
	require.NoError(t, err)

	// Query embeds onto the pagination template. Neutral preconditions
	// give 0.6*1 + 0.4*0.5 = 0.8; the checkout template scores
	// 0.6*0 + 0.4*0.5 = 0.2 and is cut by the threshold.
	matches, err := g.Match(ctx, "t1", PageContext{Domain: "shop.example", URL: "https://shop.example/items"}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-9)
	assert.InDelta(t, 0.5, matches[0].PreconditionScore, 1e-9)
	assert.InDelta(t, 0.8, matches[0].Score, 1e-9)
}

func TestMatchPreconditionOverlap(t *testing.T) {
	store := newTestStore(t)
	emb := &stubEmbedder{
		keys: []string{"paginate-a", "shop.example"},
		vecs: []Embedding{{1, 0, 0}, {1, 0, 0}},
	}
	g := NewGeneralizer(store, emb)
	ctx := context.Background()

	_, err := g.AbstractWorkflow(ctx, provenWorkflow("paginate-a", "a.example", 10, 8, 0.8))
	require.NoError(t, err)

	// The template requires .profile-card; the page has it.
	matches, err := g.Match(ctx, "t1", PageContext{
		Domain:             "shop.example",
		AvailableSelectors: []string{".profile-card", ".header"},
	}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 1.0, matches[0].PreconditionScore, 1e-9)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)

	// Without it the precondition leg scores zero.
	matches, err = g.Match(ctx, "t1", PageContext{
		Domain:             "shop.example",
		AvailableSelectors: []string{".header"},
	}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 0.0, matches[0].PreconditionScore, 1e-9)
	assert.InDelta(t, 0.6, matches[0].Score, 1e-9)
}

func TestRecordApplication(t *testing.T) {
	store := newTestStore(t)
	g := NewGeneralizer(store, &stubEmbedder{})
	ctx := context.Background()

	tmpl, err := g.AbstractWorkflow(ctx, provenWorkflow("paginate-a", "a.example", 4, 4, 1.0))
	require.NoError(t, err)
	require.NotNil(t, tmpl)

	got, err := g.RecordApplication(ctx, "t1", tmpl.ID, "c.example", true)
	require.NoError(t, err)
	assert.Contains(t, got.SuccessfulDomains, "c.example")
	assert.Equal(t, 5, got.Applications)
	assert.InDelta(t, 1.0, got.CrossDomainSuccessRate, 1e-9)

	got, err = g.RecordApplication(ctx, "t1", tmpl.ID, "d.example", false)
	require.NoError(t, err)
	assert.Contains(t, got.FailedDomains, "d.example")
	assert.InDelta(t, 5.0/6.0, got.CrossDomainSuccessRate, 1e-9)
}

func TestSmoothedSuccessRate(t *testing.T) {
	fresh := &Skill{}
	assert.InDelta(t, 0.5, fresh.SmoothedSuccessRate(), 1e-9)

	proven := &Skill{TimesUsed: 3, SuccessCount: 3}
	assert.InDelta(t, 0.8, proven.SmoothedSuccessRate(), 1e-9)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine(Embedding{1, 0}, Embedding{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine(Embedding{1, 0}, Embedding{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine(Embedding{1, 0}, Embedding{1, 0, 0}))
	assert.Equal(t, 0.0, Cosine(nil, nil))
}

func TestHTTPEmbedderCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(HTTPEmbedderConfig{Host: srv.URL})
	ctx := context.Background()

	first, err := e.Embed(ctx, "extract profile cards")
	require.NoError(t, err)
	assert.Len(t, first, 3)
	assert.Equal(t, 3, e.Dimension())

	// Same text, case-folded: served from cache.
	second, err := e.Embed(ctx, "  Extract Profile Cards ")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	stats := e.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestEmbedderErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(HTTPEmbedderConfig{Host: srv.URL})
	_, err := e.Embed(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
