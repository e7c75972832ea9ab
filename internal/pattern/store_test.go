package pattern

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
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

func userPattern(tenant string) *APIPattern {
	return &APIPattern{
		TenantID:         tenant,
		Domain:           "example.com",
		TemplateType:     TemplateRESTResource,
		URLPatterns:      []string{`^https://api\.example\.com/users/[^/]+$`},
		EndpointTemplate: "https://api.example.com/users/{id}",
		Method:           "GET",
		ResponseFormat:   FormatJSON,
		Extractors: []Extractor{
			{Name: "id", Source: SourcePath, Pattern: `users/([^/?#]+)`, Group: 1},
		},
		ContentMapping: ContentMapping{Title: "name", Body: "bio"},
		Metrics:        Metrics{Confidence: 0.95, SuccessCount: 50, LastSuccess: time.Now()},
	}
}

func TestUpsertAndFind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := userPattern("t1")
	require.NoError(t, s.Upsert(ctx, p))
	require.NotEmpty(t, p.ID)

	found, err := s.FindMatchingPatterns(ctx, "t1", "https://api.example.com/users/42")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, p.ID, found[0].ID)

	// Non-matching URL on the same domain.
	found, err = s.FindMatchingPatterns(ctx, "t1", "https://api.example.com/orders/42")
	require.NoError(t, err)
	assert.Empty(t, found)

	// Tenant isolation.
	found, err = s.FindMatchingPatterns(ctx, "t2", "https://api.example.com/users/42")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestFindOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := userPattern("t1")
	low.Metrics.Confidence = 0.4
	require.NoError(t, s.Upsert(ctx, low))

	high := userPattern("t1")
	high.Metrics.Confidence = 0.9
	require.NoError(t, s.Upsert(ctx, high))

	found, err := s.FindMatchingPatterns(ctx, "t1", "https://api.example.com/users/7")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, high.ID, found[0].ID)
}

func TestConfidenceUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := userPattern("t1")
	p.Metrics = Metrics{Confidence: 0.5}
	require.NoError(t, s.Upsert(ctx, p))

	require.NoError(t, s.RecordSuccess(ctx, "t1", p.ID, 100*time.Millisecond))
	got, err := s.Get(ctx, "t1", p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5+(1-0.5)*0.1, got.Metrics.Confidence, 1e-9)
	assert.Equal(t, 1, got.Metrics.SuccessCount)
	assert.False(t, got.Metrics.LastSuccess.IsZero())

	require.NoError(t, s.RecordFailure(ctx, "t1", p.ID, "mismatch"))
	got, err = s.Get(ctx, "t1", p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.55*0.8, got.Metrics.Confidence, 1e-9)
	assert.Equal(t, 1, got.Metrics.FailureCount)

	// Invariant: confidence stays in [0,1] under many updates.
	for i := 0; i < 50; i++ {
		require.NoError(t, s.RecordSuccess(ctx, "t1", p.ID, 0))
	}
	got, _ = s.Get(ctx, "t1", p.ID)
	assert.LessOrEqual(t, got.Metrics.Confidence, 1.0)
	for i := 0; i < 50; i++ {
		require.NoError(t, s.RecordFailure(ctx, "t1", p.ID, "x"))
	}
	got, _ = s.Get(ctx, "t1", p.ID)
	assert.GreaterOrEqual(t, got.Metrics.Confidence, 0.0)
}

func TestEligibility(t *testing.T) {
	now := time.Now()
	p := userPattern("t1")
	assert.True(t, p.Eligible(now))

	stale := userPattern("t1")
	stale.Metrics.LastSuccess = now.Add(-15 * 24 * time.Hour)
	assert.False(t, stale.Eligible(now), "stale lastSuccess")

	weak := userPattern("t1")
	weak.Metrics.Confidence = 0.5
	assert.False(t, weak.Eligible(now), "low confidence")

	fresh := userPattern("t1")
	fresh.Metrics.SuccessCount = 2
	assert.False(t, fresh.Eligible(now), "too few successes")
}

func TestDomainIntelligence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	di, err := s.DomainIntelligence(ctx, "t1", "example.com")
	require.NoError(t, err)
	assert.Zero(t, di.TotalAttempts)
	assert.Equal(t, "domcontentloaded", di.WaitStrategy)

	require.NoError(t, s.Upsert(ctx, userPattern("t1")))
	for i := 0; i < 4; i++ {
		require.NoError(t, s.RecordFetchOutcome(ctx, "t1", "example.com", true))
	}
	require.NoError(t, s.RecordFetchOutcome(ctx, "t1", "example.com", false))
	require.NoError(t, s.RecordBotDetection(ctx, "t1", "example.com"))

	di, err = s.DomainIntelligence(ctx, "t1", "example.com")
	require.NoError(t, err)
	assert.Equal(t, 5, di.TotalAttempts)
	assert.Equal(t, 4, di.TotalSuccesses)
	assert.Equal(t, 1, di.PatternCount)
	assert.Equal(t, 1, di.BotFailures)
	assert.Equal(t, "networkidle", di.WaitStrategy, "bot failures force full waits")
}

func TestSelectorChains(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &SelectorChain{
		TenantID: "t1",
		Domain:   "example.com",
		Purpose:  "title",
		Selectors: []SelectorEntry{
			{Selector: "h1.title", Kind: "css"},
			{Selector: "//h1", Kind: "xpath"},
		},
	}
	require.NoError(t, s.UpsertSelectorChain(ctx, c))
	require.NoError(t, s.RecordSelectorOutcome(ctx, "t1", c.ID, "h1.title", true))

	chains, err := s.SelectorChains(ctx, "t1", "example.com")
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Equal(t, 1, chains[0].Selectors[0].SuccessCount)
	assert.Zero(t, chains[0].Selectors[1].SuccessCount)
}

func TestGC(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := userPattern("t1")
	old.Metrics = Metrics{Confidence: 0.2, LastSuccess: time.Now().Add(-100 * 24 * time.Hour)}
	require.NoError(t, s.Upsert(ctx, old))

	keep := userPattern("t1")
	require.NoError(t, s.Upsert(ctx, keep))

	n, err := s.GC(ctx, 90*24*time.Hour, 0.3)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.Get(ctx, "t1", keep.ID)
	assert.NoError(t, err, "recent pattern survives gc")
}
