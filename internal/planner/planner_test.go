package planner

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
	"github.com/skimmerhq/skimmer/internal/pattern"
	"github.com/skimmerhq/skimmer/internal/renderer"
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

func seedEligiblePattern(t *testing.T, store *pattern.Store, tenant string) *pattern.APIPattern {
	t.Helper()
	p := &pattern.APIPattern{
		TenantID:         tenant,
		Domain:           "example.com",
		TemplateType:     pattern.TemplateRESTResource,
		URLPatterns:      []string{`^https://api\.example\.com/users/[^/]+$`},
		EndpointTemplate: "https://api.example.com/users/{id}",
		Method:           "GET",
		ResponseFormat:   pattern.FormatJSON,
		Metrics: pattern.Metrics{
			Confidence:   0.95,
			SuccessCount: 50,
			LastSuccess:  time.Now().UTC(),
		},
	}
	require.NoError(t, store.Upsert(context.Background(), p))
	return p
}

type stubCooldown struct{ active bool }

func (s stubCooldown) InCooldown(context.Context, string, string, string) bool { return s.active }

func TestPlanInvalidURL(t *testing.T) {
	pl := New(newTestStore(t), nil)
	_, err := pl.Plan(context.Background(), "t1", "not a url", Constraints{})
	require.Error(t, err)
	assert.Equal(t, fetcherr.CodeInvalidURL, fetcherr.CodeOf(err))
}

func TestPlanDefaultSequence(t *testing.T) {
	pl := New(newTestStore(t), nil)
	plan, err := pl.Plan(context.Background(), "t1", "https://example.com/page", Constraints{})
	require.NoError(t, err)
	assert.Equal(t, renderer.RealTiers, plan.TierSequence)
	assert.Empty(t, plan.CandidatePatterns)
	assert.False(t, plan.Confidence.Factors.APIDiscovered)
}

func TestPlanPrependsPatternInvoke(t *testing.T) {
	store := newTestStore(t)
	seedEligiblePattern(t, store, "t1")
	pl := New(store, nil)

	plan, err := pl.Plan(context.Background(), "t1", "https://api.example.com/users/42", Constraints{})
	require.NoError(t, err)
	require.NotEmpty(t, plan.TierSequence)
	assert.Equal(t, renderer.TierPatternInvoke, plan.TierSequence[0])
	assert.Len(t, plan.CandidatePatterns, 1)
	assert.True(t, plan.Confidence.Factors.APIDiscovered)
}

func TestPlanIneligiblePatternNotUsed(t *testing.T) {
	store := newTestStore(t)
	p := seedEligiblePattern(t, store, "t1")
	p.Metrics.Confidence = 0.4
	require.NoError(t, store.Upsert(context.Background(), p))
	pl := New(store, nil)

	plan, err := pl.Plan(context.Background(), "t1", "https://api.example.com/users/42", Constraints{})
	require.NoError(t, err)
	assert.Equal(t, renderer.RealTiers, plan.TierSequence)
	assert.Empty(t, plan.CandidatePatterns)
}

func TestPlanCooldownOmitsPatternInvoke(t *testing.T) {
	store := newTestStore(t)
	seedEligiblePattern(t, store, "t1")
	pl := New(store, stubCooldown{active: true})

	plan, err := pl.Plan(context.Background(), "t1", "https://api.example.com/users/42", Constraints{})
	require.NoError(t, err)
	assert.Equal(t, renderer.RealTiers, plan.TierSequence)
}

func TestPlanMaxCostTier(t *testing.T) {
	pl := New(newTestStore(t), nil)
	plan, err := pl.Plan(context.Background(), "t1", "https://example.com/x", Constraints{
		MaxCostTier: renderer.TierLightweight,
	})
	require.NoError(t, err)
	assert.Equal(t, []renderer.Tier{renderer.TierIntelligence, renderer.TierLightweight}, plan.TierSequence)
}

func TestPlanMaxLatencyDropsSlowTiers(t *testing.T) {
	pl := New(newTestStore(t), nil)
	plan, err := pl.Plan(context.Background(), "t1", "https://example.com/x", Constraints{
		MaxLatency: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, []renderer.Tier{renderer.TierIntelligence}, plan.TierSequence)
}

func TestPlanCanBeEmpty(t *testing.T) {
	pl := New(newTestStore(t), nil)
	plan, err := pl.Plan(context.Background(), "t1", "https://example.com/x", Constraints{
		MaxLatency: time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, plan.Empty())
	// Degrading to an empty plan is not an error; the executor reports
	// no_viable_tier.
	assert.False(t, errors.Is(err, fetcherr.New(fetcherr.CodeNoViableTier, "")))
}

func TestPlanForceRenderTier(t *testing.T) {
	store := newTestStore(t)
	seedEligiblePattern(t, store, "t1")
	pl := New(store, nil)

	plan, err := pl.Plan(context.Background(), "t1", "https://api.example.com/users/42", Constraints{
		ForceRenderTier: renderer.TierPlaywright,
	})
	require.NoError(t, err)
	assert.Equal(t, []renderer.Tier{renderer.TierPlaywright}, plan.TierSequence)
}

func TestPlanDomainFamiliarity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, store.RecordFetchOutcome(ctx, "t1", "example.com", true))
	}
	pl := New(store, nil)

	plan, err := pl.Plan(ctx, "t1", "https://example.com/x", Constraints{})
	require.NoError(t, err)
	assert.InDelta(t, 0.76, plan.Confidence.Factors.DomainFamiliarity, 0.01)
}

func TestPlanPreviewBudget(t *testing.T) {
	store := newTestStore(t)
	seedEligiblePattern(t, store, "t1")
	pl := New(store, nil)

	started := time.Now()
	_, err := pl.Plan(context.Background(), "t1", "https://api.example.com/users/42", Constraints{PreviewOnly: true})
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 50*time.Millisecond)
}
