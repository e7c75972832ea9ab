// Package trace holds the per-fetch decision trace: which tiers ran, which
// selectors and title sources were considered, and why. Traces are owned by
// the executing fetch and handed to callers verbatim, even on failure; only
// aggregate counts are retained in memory.
package trace

import (
	"sync"
	"time"
)

// TierAttempt records one tier's run within a fetch.
type TierAttempt struct {
	Tier               string        `json:"tier"`
	StartedAt          time.Time     `json:"startedAt"`
	Duration           time.Duration `json:"durationMs"`
	Success            bool          `json:"success"`
	ExtractionStrategy string        `json:"extractionStrategy,omitempty"`
	ValidationPassed   *bool         `json:"validationPassed,omitempty"`
	ValidationErrors   []string      `json:"validationErrors,omitempty"`
	FailureReason      string        `json:"failureReason,omitempty"`
}

// SelectorAttempt records one selector tried during extraction.
type SelectorAttempt struct {
	Selector      string  `json:"selector"`
	Source        string  `json:"source"`
	Matched       bool    `json:"matched"`
	ContentLength int     `json:"contentLength,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
	Selected      bool    `json:"selected"`
	SkipReason    string  `json:"skipReason,omitempty"`
}

// TitleAttempt records one candidate title source.
type TitleAttempt struct {
	Source   string `json:"source"`
	Value    string `json:"value,omitempty"`
	Found    bool   `json:"found"`
	Selected bool   `json:"selected"`
}

// Summary condenses a trace for callers that skip the detail.
type Summary struct {
	FinalTier          string `json:"finalTier,omitempty"`
	TiersAttempted     int    `json:"tiersAttempted"`
	SelectorsAttempted int    `json:"selectorsAttempted"`
}

// DecisionTrace is the complete record of one fetch's routing decisions.
type DecisionTrace struct {
	URL       string            `json:"url"`
	StartedAt time.Time         `json:"startedAt"`
	Tiers     []TierAttempt     `json:"tiers"`
	Selectors []SelectorAttempt `json:"selectors,omitempty"`
	Titles    []TitleAttempt    `json:"titles,omitempty"`
	Reasoning []string          `json:"reasoning,omitempty"`
}

// New starts a trace for a URL.
func New(url string) *DecisionTrace {
	return &DecisionTrace{URL: url, StartedAt: time.Now().UTC()}
}

// AddTier appends a tier attempt.
func (t *DecisionTrace) AddTier(a TierAttempt) {
	t.Tiers = append(t.Tiers, a)
}

// AddReasoning appends a human-readable routing note.
func (t *DecisionTrace) AddReasoning(note string) {
	t.Reasoning = append(t.Reasoning, note)
}

// Summarize reports the final tier and attempt counts. FinalTier is the last
// tier with success=true, empty when the fetch failed outright.
func (t *DecisionTrace) Summarize() Summary {
	s := Summary{
		TiersAttempted:     len(t.Tiers),
		SelectorsAttempted: len(t.Selectors),
	}
	for i := len(t.Tiers) - 1; i >= 0; i-- {
		if t.Tiers[i].Success {
			s.FinalTier = t.Tiers[i].Tier
			break
		}
	}
	return s
}

// TierStats is the retained aggregate for one tier.
type TierStats struct {
	Attempts      int64         `json:"attempts"`
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	TotalDuration time.Duration `json:"totalDurationMs"`
}

// SuccessRate is successes over attempts, 0 when unused.
func (s TierStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// AvgDuration is the mean attempt duration, 0 when unused.
func (s TierStats) AvgDuration() time.Duration {
	if s.Attempts == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Attempts)
}

// Stats aggregates tier outcomes across fetches. Safe for concurrent use.
type Stats struct {
	mu      sync.Mutex
	tiers   map[string]*TierStats
	fetches int64
}

// NewStats returns an empty aggregate.
func NewStats() *Stats {
	return &Stats{tiers: make(map[string]*TierStats)}
}

// Observe folds one completed trace into the aggregates.
func (s *Stats) Observe(t *DecisionTrace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	for _, a := range t.Tiers {
		ts, ok := s.tiers[a.Tier]
		if !ok {
			ts = &TierStats{}
			s.tiers[a.Tier] = ts
		}
		ts.Attempts++
		if a.Success {
			ts.Successes++
		} else {
			ts.Failures++
		}
		ts.TotalDuration += a.Duration
	}
}

// Snapshot returns a copy of the current aggregates.
func (s *Stats) Snapshot() (map[string]TierStats, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TierStats, len(s.tiers))
	for tier, ts := range s.tiers {
		out[tier] = *ts
	}
	return out, s.fetches
}
