package predictor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Periodicity detection gates: at least this many changes with a
// coefficient of variation below the threshold.
const (
	minPeriodicChanges = 4
	maxPeriodicCV      = 0.25

	minCalendarCount = 3
)

// Predictor owns the change-pattern models. Observations for one key are
// serialized through striped locks so the buffer ordering is stable under
// concurrent fetches.
type Predictor struct {
	db    *sql.DB
	locks [64]sync.Mutex
}

// New creates the predictor and runs its migration.
func New(db *sql.DB) (*Predictor, error) {
	p := &Predictor{db: db}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS change_patterns (
			tenant_id   TEXT NOT NULL,
			domain      TEXT NOT NULL,
			url_pattern TEXT NOT NULL,
			payload     BLOB NOT NULL,
			next_prediction_ts INTEGER NOT NULL DEFAULT 0,
			urgency     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, domain, url_pattern)
		);
		CREATE INDEX IF NOT EXISTS idx_change_patterns_urgency
			ON change_patterns (tenant_id, urgency);`)
	if err != nil {
		return nil, fmt.Errorf("predictor migration: %w", err)
	}
	return p, nil
}

func (p *Predictor) lockFor(tenantID, domain, urlPattern string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(tenantID + "\x00" + domain + "\x00" + urlPattern))
	return &p.locks[h.Sum32()%uint32(len(p.locks))]
}

// URLPattern reduces a URL to its per-domain tracking key: the path with the
// query stripped.
func URLPattern(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// ObserveContent satisfies the executor's side-channel interface. Errors are
// logged, never propagated.
func (p *Predictor) ObserveContent(ctx context.Context, tenantID, domain, rawURL, contentHash string) {
	if _, err := p.Observe(ctx, tenantID, domain, URLPattern(rawURL), contentHash, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Str("component", "predictor").Str("domain", domain).Msg("observation failed")
	}
}

// Observe appends an observation and re-derives the temporal model. The
// change flag is computed against the previous observation's hash.
func (p *Predictor) Observe(ctx context.Context, tenantID, domain, urlPattern, contentHash string, at time.Time) (*ChangePattern, error) {
	mu := p.lockFor(tenantID, domain, urlPattern)
	mu.Lock()
	defer mu.Unlock()

	cp, err := p.load(ctx, tenantID, domain, urlPattern)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		cp = &ChangePattern{TenantID: tenantID, Domain: domain, URLPattern: urlPattern}
	}

	changed := true
	if n := len(cp.Observations); n > 0 {
		changed = cp.Observations[n-1].ContentHash != contentHash
	}

	if changed && cp.Next != nil {
		p.scoreAccuracy(cp, at)
	}

	cp.Observations = append(cp.Observations, Observation{
		Timestamp:   at,
		ContentHash: contentHash,
		Changed:     changed,
	})
	if len(cp.Observations) > maxObservations {
		cp.Observations = cp.Observations[len(cp.Observations)-maxObservations:]
	}
	if changed {
		cp.ChangeCount++
		cp.LastChange = at
		cp.MonthWeights[int(at.Month())-1]++
		cp.WeekdayWeights[int(at.Weekday())]++
	}

	p.analyze(cp, at)
	if err := p.save(ctx, cp, at); err != nil {
		return nil, err
	}
	return cp, nil
}

// scoreAccuracy compares an actual change against the standing prediction. A
// zero uncertainty window still tolerates an hour of drift.
func (p *Predictor) scoreAccuracy(cp *ChangePattern, at time.Time) {
	window := cp.Next.Uncertainty
	if window == 0 {
		window = time.Hour
	}
	drift := at.Sub(cp.Next.PredictedAt)
	if drift < 0 {
		drift = -drift
	}
	if drift <= window {
		cp.PredictionHits++
	} else {
		cp.PredictionMisses++
	}
}

// analyze re-derives periodicity, calendar triggers, and the next prediction.
func (p *Predictor) analyze(cp *ChangePattern, now time.Time) {
	changes := changeTimes(cp.Observations)

	cp.Periodic = detectPeriodicity(changes)
	cp.Calendar = detectCalendarTriggers(changes)

	cp.Next = nil
	switch {
	case cp.Periodic != nil && !cp.LastChange.IsZero():
		predicted := cp.LastChange.Add(cp.Periodic.Period)
		for !predicted.After(now) {
			predicted = predicted.Add(cp.Periodic.Period)
		}
		cp.Next = &Prediction{
			PredictedAt: predicted,
			Confidence:  cp.Periodic.Confidence,
			Uncertainty: intervalStddev(changes),
			Reason:      fmt.Sprintf("periodic every %s", cp.Periodic.Period.Round(time.Minute)),
		}
	case len(cp.Calendar) > 0:
		if next, trigger := nextCalendarDate(cp.Calendar, now); !next.IsZero() {
			cp.Next = &Prediction{
				PredictedAt: next,
				Confidence:  trigger.Confidence,
				Uncertainty: 24 * time.Hour,
				Reason:      fmt.Sprintf("recurs on %s %d", trigger.Month, trigger.Day),
			}
		}
	}
}

func changeTimes(obs []Observation) []time.Time {
	var out []time.Time
	for _, o := range obs {
		if o.Changed {
			out = append(out, o.Timestamp)
		}
	}
	return out
}

// detectPeriodicity looks for a stable inter-change interval.
func detectPeriodicity(changes []time.Time) *TemporalPattern {
	if len(changes) < minPeriodicChanges {
		return nil
	}
	intervals := make([]float64, 0, len(changes)-1)
	for i := 1; i < len(changes); i++ {
		intervals = append(intervals, changes[i].Sub(changes[i-1]).Seconds())
	}
	mean, stddev := meanStddev(intervals)
	if mean <= 0 {
		return nil
	}
	cv := stddev / mean
	if cv >= maxPeriodicCV {
		return nil
	}
	return &TemporalPattern{
		Period:     time.Duration(mean * float64(time.Second)),
		Phase:      changes[0],
		Confidence: 1 - cv,
	}
}

// detectCalendarTriggers finds (month, day) dates that changed repeatedly.
func detectCalendarTriggers(changes []time.Time) []CalendarTrigger {
	type key struct {
		month time.Month
		day   int
	}
	counts := make(map[key]int)
	for _, t := range changes {
		counts[key{t.Month(), t.Day()}]++
	}

	var triggers []CalendarTrigger
	for k, count := range counts {
		if count < minCalendarCount {
			continue
		}
		triggers = append(triggers, CalendarTrigger{
			Month:      k.month,
			Day:        k.day,
			Count:      count,
			Confidence: math.Min(1, float64(count)/5),
		})
	}
	sort.Slice(triggers, func(i, j int) bool {
		if triggers[i].Month != triggers[j].Month {
			return triggers[i].Month < triggers[j].Month
		}
		return triggers[i].Day < triggers[j].Day
	})
	return triggers
}

// nextCalendarDate picks the soonest future trigger occurrence.
func nextCalendarDate(triggers []CalendarTrigger, now time.Time) (time.Time, CalendarTrigger) {
	var best time.Time
	var bestTrigger CalendarTrigger
	for _, tr := range triggers {
		candidate := time.Date(now.Year(), tr.Month, tr.Day, 0, 0, 0, 0, time.UTC)
		if !candidate.After(now) {
			candidate = candidate.AddDate(1, 0, 0)
		}
		if best.IsZero() || candidate.Before(best) {
			best = candidate
			bestTrigger = tr
		}
	}
	return best, bestTrigger
}

func intervalStddev(changes []time.Time) time.Duration {
	if len(changes) < 2 {
		return 0
	}
	intervals := make([]float64, 0, len(changes)-1)
	for i := 1; i < len(changes); i++ {
		intervals = append(intervals, changes[i].Sub(changes[i-1]).Seconds())
	}
	_, stddev := meanStddev(intervals)
	return time.Duration(stddev * float64(time.Second))
}

func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

func (p *Predictor) load(ctx context.Context, tenantID, domain, urlPattern string) (*ChangePattern, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT payload FROM change_patterns
		WHERE tenant_id = ? AND domain = ? AND url_pattern = ?`,
		tenantID, domain, urlPattern)
	var payload []byte
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp ChangePattern
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("decode change pattern: %w", err)
	}
	return &cp, nil
}

func (p *Predictor) save(ctx context.Context, cp *ChangePattern, now time.Time) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	nextTS := int64(0)
	if cp.Next != nil {
		nextTS = cp.Next.PredictedAt.Unix()
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO change_patterns (tenant_id, domain, url_pattern, payload, next_prediction_ts, urgency)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, domain, url_pattern) DO UPDATE SET
			payload = excluded.payload,
			next_prediction_ts = excluded.next_prediction_ts,
			urgency = excluded.urgency`,
		cp.TenantID, cp.Domain, cp.URLPattern, payload, nextTS, cp.UrgencyAt(now))
	return err
}

// Get loads one change pattern, nil when untracked.
func (p *Predictor) Get(ctx context.Context, tenantID, domain, urlPattern string) (*ChangePattern, error) {
	return p.load(ctx, tenantID, domain, urlPattern)
}

// List returns the tenant's change patterns, optionally filtered by domain
// and minimum urgency. Urgency is recomputed against now, not the stored
// value, so standing predictions age correctly between observations.
func (p *Predictor) List(ctx context.Context, tenantID, domain string, minUrgency int, now time.Time) ([]*ChangePattern, error) {
	query := `SELECT payload FROM change_patterns WHERE tenant_id = ?`
	args := []any{tenantID}
	if domain != "" {
		query += ` AND domain = ?`
		args = append(args, domain)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ChangePattern
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cp ChangePattern
		if err := json.Unmarshal(payload, &cp); err != nil {
			log.Warn().Err(err).Str("component", "predictor").Msg("skipping undecodable change pattern")
			continue
		}
		if cp.UrgencyAt(now) < minUrgency {
			continue
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// ByUrgency returns patterns currently at exactly the given urgency level.
func (p *Predictor) ByUrgency(ctx context.Context, tenantID string, level int, now time.Time) ([]*ChangePattern, error) {
	all, err := p.List(ctx, tenantID, "", 0, now)
	if err != nil {
		return nil, err
	}
	var out []*ChangePattern
	for _, cp := range all {
		if cp.UrgencyAt(now) == level {
			out = append(out, cp)
		}
	}
	return out, nil
}

// Accuracy aggregates prediction accuracy across a domain's patterns.
func (p *Predictor) Accuracy(ctx context.Context, tenantID, domain string) (hits, misses int, rate float64, err error) {
	patterns, err := p.List(ctx, tenantID, domain, 0, time.Now())
	if err != nil {
		return 0, 0, 0, err
	}
	for _, cp := range patterns {
		hits += cp.PredictionHits
		misses += cp.PredictionMisses
	}
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return hits, misses, rate, nil
}
