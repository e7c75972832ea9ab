// Package predictor maintains per-(domain, URL-pattern) temporal models of
// content change. Each observation updates frequency statistics, periodicity
// and calendar detection, and the next-change prediction that drives the
// urgency-based poll scheduler.
package predictor

import (
	"time"
)

// maxObservations bounds the per-key circular buffer.
const maxObservations = 100

// Observation is one content sighting.
type Observation struct {
	Timestamp   time.Time `json:"timestamp"`
	ContentHash string    `json:"contentHash"`
	Changed     bool      `json:"changed"`
}

// TemporalPattern is a detected fixed-period change cycle.
type TemporalPattern struct {
	Period     time.Duration `json:"period"`
	Phase      time.Time     `json:"phase"`
	Confidence float64       `json:"confidence"`
}

// CalendarTrigger marks a recurring (month, day) change date.
type CalendarTrigger struct {
	Month       time.Month `json:"month"`
	Day         int        `json:"day"`
	Description string     `json:"description,omitempty"`
	Count       int        `json:"count"`
	Confidence  float64    `json:"confidence"`
}

// Prediction is the next expected change.
type Prediction struct {
	PredictedAt time.Time     `json:"predictedAt"`
	Confidence  float64       `json:"confidence"`
	Uncertainty time.Duration `json:"uncertainty"`
	Reason      string        `json:"reason"`
}

// Urgency levels, driving the recommended poll interval.
const (
	UrgencyLow      = 0
	UrgencyNormal   = 1
	UrgencyHigh     = 2
	UrgencyCritical = 3
)

// ChangePattern is the persistent temporal model for one (domain, url-pattern).
type ChangePattern struct {
	TenantID     string            `json:"tenantId"`
	Domain       string            `json:"domain"`
	URLPattern   string            `json:"urlPattern"`
	Observations []Observation     `json:"observations"`
	Periodic     *TemporalPattern  `json:"periodic,omitempty"`
	Calendar     []CalendarTrigger `json:"calendar,omitempty"`
	// Seasonal histograms: relative change weight per month and weekday.
	MonthWeights   [12]float64 `json:"monthWeights"`
	WeekdayWeights [7]float64  `json:"weekdayWeights"`
	Next           *Prediction `json:"next,omitempty"`
	LastChange     time.Time   `json:"lastChange,omitzero"`
	ChangeCount    int         `json:"changeCount"`
	// Prediction accuracy counters.
	PredictionHits   int `json:"predictionHits"`
	PredictionMisses int `json:"predictionMisses"`
}

// UrgencyAt grades how soon the next predicted change is, as of now.
func (cp *ChangePattern) UrgencyAt(now time.Time) int {
	if cp.Next == nil || cp.Next.PredictedAt.Before(now.Add(-cp.Next.Uncertainty)) {
		return UrgencyLow
	}
	until := cp.Next.PredictedAt.Sub(now)
	switch {
	case until <= time.Hour:
		return UrgencyCritical
	case until <= 24*time.Hour:
		return UrgencyHigh
	case until <= 7*24*time.Hour:
		return UrgencyNormal
	default:
		return UrgencyLow
	}
}

// PollIntervalAt maps urgency to the recommended poll interval.
func (cp *ChangePattern) PollIntervalAt(now time.Time) time.Duration {
	switch cp.UrgencyAt(now) {
	case UrgencyCritical:
		return 5 * time.Minute
	case UrgencyHigh:
		return time.Hour
	case UrgencyNormal:
		return 6 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// PatternConfidence is the rolling prediction accuracy.
func (cp *ChangePattern) PatternConfidence() float64 {
	total := cp.PredictionHits + cp.PredictionMisses
	if total == 0 {
		return 0
	}
	return float64(cp.PredictionHits) / float64(total)
}
