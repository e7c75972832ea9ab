package predictor

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestPredictor(t *testing.T) *Predictor {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	p, err := New(db)
	require.NoError(t, err)
	return p
}

var epoch = time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)

func observeMonthly(t *testing.T, p *Predictor, n int) *ChangePattern {
	t.Helper()
	var cp *ChangePattern
	var err error
	for i := 0; i < n; i++ {
		cp, err = p.Observe(context.Background(), "t1", "gov.example", "/visa/fees",
			fmt.Sprintf("hash-%d", i), epoch.Add(time.Duration(i)*30*24*time.Hour))
		require.NoError(t, err)
	}
	return cp
}

func TestObserveDetectsChange(t *testing.T) {
	p := newTestPredictor(t)
	ctx := context.Background()

	cp, err := p.Observe(ctx, "t1", "example.com", "/page", "h1", epoch)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.ChangeCount)

	// Same hash: no change recorded.
	cp, err = p.Observe(ctx, "t1", "example.com", "/page", "h1", epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, cp.ChangeCount)
	assert.False(t, cp.Observations[1].Changed)

	cp, err = p.Observe(ctx, "t1", "example.com", "/page", "h2", epoch.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, cp.ChangeCount)
}

func TestPeriodicityNeedsFourChanges(t *testing.T) {
	p := newTestPredictor(t)
	cp := observeMonthly(t, p, 3)
	assert.Nil(t, cp.Periodic)

	cp = observeMonthly(t, p, 4)
	require.NotNil(t, cp.Periodic)
	assert.Equal(t, 30*24*time.Hour, cp.Periodic.Period)
	assert.InDelta(t, 1.0, cp.Periodic.Confidence, 1e-9)
	assert.Equal(t, epoch, cp.Periodic.Phase)
}

func TestIrregularIntervalsAreNotPeriodic(t *testing.T) {
	p := newTestPredictor(t)
	ctx := context.Background()
	offsets := []time.Duration{0, 24 * time.Hour, 10 * 24 * time.Hour, 11 * 24 * time.Hour, 40 * 24 * time.Hour}
	var cp *ChangePattern
	var err error
	for i, off := range offsets {
		cp, err = p.Observe(ctx, "t1", "example.com", "/x", fmt.Sprintf("h%d", i), epoch.Add(off))
		require.NoError(t, err)
	}
	assert.Nil(t, cp.Periodic)
}

func TestMonthlyUrgencyTransitions(t *testing.T) {
	p := newTestPredictor(t)
	cp := observeMonthly(t, p, 4)

	// Last change at T+90d, period 30d: next predicted at T+120d.
	require.NotNil(t, cp.Next)
	assert.Equal(t, epoch.Add(120*24*time.Hour), cp.Next.PredictedAt)
	assert.Equal(t, time.Duration(0), cp.Next.Uncertainty)

	// Far out: low urgency, daily polling.
	at := epoch.Add(85 * 24 * time.Hour)
	assert.Equal(t, UrgencyLow, cp.UrgencyAt(at))
	assert.Equal(t, 24*time.Hour, cp.PollIntervalAt(at))

	// Under a week out.
	at = epoch.Add(115 * 24 * time.Hour)
	assert.Equal(t, UrgencyNormal, cp.UrgencyAt(at))
	assert.Equal(t, 6*time.Hour, cp.PollIntervalAt(at))

	// Under a day out.
	at = epoch.Add(119*24*time.Hour + 12*time.Hour)
	assert.Equal(t, UrgencyHigh, cp.UrgencyAt(at))
	assert.Equal(t, time.Hour, cp.PollIntervalAt(at))

	// Imminent: critical, poll every five minutes.
	at = cp.Next.PredictedAt.Add(-30 * time.Minute)
	assert.Equal(t, UrgencyCritical, cp.UrgencyAt(at))
	assert.Equal(t, 5*time.Minute, cp.PollIntervalAt(at))
}

func TestCalendarTrigger(t *testing.T) {
	p := newTestPredictor(t)
	ctx := context.Background()

	// Changes on April 1st across three years.
	var cp *ChangePattern
	var err error
	for year := 2023; year <= 2025; year++ {
		cp, err = p.Observe(ctx, "t1", "tax.example", "/rates",
			fmt.Sprintf("april-%d", year), time.Date(year, time.April, 1, 9, 0, 0, 0, time.UTC))
		require.NoError(t, err)
	}

	require.Len(t, cp.Calendar, 1)
	trigger := cp.Calendar[0]
	assert.Equal(t, time.April, trigger.Month)
	assert.Equal(t, 1, trigger.Day)
	assert.Equal(t, 3, trigger.Count)
	assert.InDelta(t, 0.6, trigger.Confidence, 1e-9)

	// Only three changes, so no periodic pattern; the calendar drives the
	// prediction.
	require.NotNil(t, cp.Next)
	assert.Equal(t, time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC), cp.Next.PredictedAt)
}

func TestPredictionAccuracy(t *testing.T) {
	p := newTestPredictor(t)
	cp := observeMonthly(t, p, 4)
	require.NotNil(t, cp.Next)

	// A change lands ten minutes after the prediction: a hit (zero window
	// tolerates an hour).
	cp, err := p.Observe(context.Background(), "t1", "gov.example", "/visa/fees",
		"hash-next", cp.Next.PredictedAt.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, cp.PredictionHits)
	assert.Equal(t, 0, cp.PredictionMisses)
	assert.InDelta(t, 1.0, cp.PatternConfidence(), 1e-9)

	// The next change is three days late: a miss.
	require.NotNil(t, cp.Next)
	cp, err = p.Observe(context.Background(), "t1", "gov.example", "/visa/fees",
		"hash-late", cp.Next.PredictedAt.Add(3*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, cp.PredictionMisses)
}

func TestListFiltersAndRecomputesUrgency(t *testing.T) {
	p := newTestPredictor(t)
	observeMonthly(t, p, 4)
	_, err := p.Observe(context.Background(), "t1", "other.example", "/y", "h", epoch)
	require.NoError(t, err)

	now := epoch.Add(119*24*time.Hour + 12*time.Hour)
	all, err := p.List(context.Background(), "t1", "", 0, now)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	urgent, err := p.List(context.Background(), "t1", "", UrgencyHigh, now)
	require.NoError(t, err)
	require.Len(t, urgent, 1)
	assert.Equal(t, "gov.example", urgent[0].Domain)

	byLevel, err := p.ByUrgency(context.Background(), "t1", UrgencyHigh, now)
	require.NoError(t, err)
	assert.Len(t, byLevel, 1)

	domainOnly, err := p.List(context.Background(), "t1", "other.example", 0, now)
	require.NoError(t, err)
	assert.Len(t, domainOnly, 1)
}

func TestSeasonalHistograms(t *testing.T) {
	p := newTestPredictor(t)
	cp := observeMonthly(t, p, 4)

	var total float64
	for _, w := range cp.MonthWeights {
		total += w
	}
	assert.Equal(t, 4.0, total)
	// January 15, then 30-day steps: Jan, Feb, Mar, Apr.
	assert.Equal(t, 1.0, cp.MonthWeights[int(time.January)-1])
	assert.Equal(t, 1.0, cp.MonthWeights[int(time.April)-1])
}

func TestURLPattern(t *testing.T) {
	assert.Equal(t, "/visa/fees", URLPattern("https://gov.example/visa/fees?lang=en"))
	assert.Equal(t, "/", URLPattern("https://gov.example"))
}
