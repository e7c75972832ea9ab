package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skimmerhq/skimmer/internal/analyzer"
	"github.com/skimmerhq/skimmer/internal/jsonwalk"
)

const (
	// fieldCoverageThreshold is how much of the earlier steps' extracted
	// data a candidate response must contain.
	fieldCoverageThreshold = 0.8
	// fieldDepth bounds field-name collection in nested responses.
	fieldDepth = 3

	// Promotion gates: a candidate must prove itself this many times at
	// this success rate before replay uses it automatically.
	promoteMinUses        = 5
	promoteMinSuccessRate = 0.9
)

// OptimizationKind classifies a proposal.
type OptimizationKind string

const (
	// KindAPIShortcut replaces a step prefix with one direct API call
	// observed in a later step's network traffic.
	KindAPIShortcut OptimizationKind = "api_shortcut"
	// KindDataSufficiency drops earlier extraction steps whose data a
	// later step already yields.
	KindDataSufficiency OptimizationKind = "data_sufficiency"
)

// OptimizationMetrics accumulate per-use outcomes.
type OptimizationMetrics struct {
	TimesUsed            int           `json:"timesUsed"`
	SuccessCount         int           `json:"successCount"`
	FailureCount         int           `json:"failureCount"`
	AvgShortcutDuration  time.Duration `json:"avgShortcutDuration,omitempty"`
	AvgFullDuration      time.Duration `json:"avgFullDuration,omitempty"`
}

// Optimization is one proposed (or promoted) workflow shortcut.
type Optimization struct {
	ID            string              `json:"id"`
	TenantID      string              `json:"tenantId"`
	WorkflowID    string              `json:"workflowId"`
	Kind          OptimizationKind    `json:"kind"`
	ShortcutStep  int                 `json:"shortcutStep"`
	BypassedSteps []int               `json:"bypassedSteps"`
	Endpoint      string              `json:"endpoint,omitempty"`
	Method        string              `json:"method,omitempty"`
	FieldCoverage float64             `json:"fieldCoverage"`
	// EstimatedSpeedup is how many times faster the shortcut should run:
	// the bypassed steps' recorded time over the shortcut call's duration.
	EstimatedSpeedup float64             `json:"estimatedSpeedup"`
	Promoted         bool                `json:"promoted"`
	Metrics          OptimizationMetrics `json:"metrics"`
	CreatedAt        time.Time           `json:"createdAt"`
}

// SuccessRate is the optimization's observed success fraction.
func (o *Optimization) SuccessRate() float64 {
	if o.Metrics.TimesUsed == 0 {
		return 0
	}
	return float64(o.Metrics.SuccessCount) / float64(o.Metrics.TimesUsed)
}

// Optimizer mines recorded workflows for shortcuts and manages their
// promotion lifecycle.
type Optimizer struct {
	store *Store
}

// NewOptimizer returns an optimizer backed by the given store.
func NewOptimizer(store *Store) *Optimizer {
	return &Optimizer{store: store}
}

// Analyze proposes optimizations for one workflow and persists any new
// ones. Re-analyzing is idempotent: known proposals keep their metrics.
func (o *Optimizer) Analyze(ctx context.Context, tenantID, workflowID string) ([]*Optimization, error) {
	w, err := o.store.Get(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	existing, err := o.store.Optimizations(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}

	proposals := append(o.apiShortcuts(w), o.dataSufficiency(w)...)

	var out []*Optimization
	for _, p := range proposals {
		if known := findExisting(existing, p); known != nil {
			out = append(out, known)
			continue
		}
		p.TenantID = tenantID
		p.WorkflowID = workflowID
		if err := o.store.SaveOptimization(ctx, p); err != nil {
			return nil, err
		}
		log.Info().Str("workflow", workflowID).Str("kind", string(p.Kind)).
			Str("endpoint", p.Endpoint).Float64("coverage", p.FieldCoverage).
			Msg("optimization proposed")
		out = append(out, p)
	}
	return out, nil
}

// apiShortcuts scans each step's captured traffic, last step first, for a
// single API response containing what all the earlier steps extracted. An
// endpoint that needs fewer than two dynamic parameters is skipped: it is a
// static fetch the pattern store already covers, not a workflow shortcut.
func (o *Optimizer) apiShortcuts(w *Workflow) []*Optimization {
	var out []*Optimization

	for i := len(w.Steps) - 1; i >= 2; i-- {
		step := w.Steps[i]
		required := extractedFields(w.Steps[:i])
		if len(required) == 0 {
			continue
		}
		for _, req := range step.NetworkLog {
			if !analyzer.IsAPILike(req) || req.ResponseBody == "" {
				continue
			}
			if analyzer.ParameterCount(req.URL) < 2 {
				continue
			}
			var body any
			if err := json.Unmarshal([]byte(req.ResponseBody), &body); err != nil {
				continue
			}
			available := jsonwalk.FieldNames(body, fieldDepth)
			coverage := fieldCoverage(required, available)
			if coverage < fieldCoverageThreshold {
				continue
			}
			out = append(out, &Optimization{
				Kind:             KindAPIShortcut,
				ShortcutStep:     step.StepNumber,
				BypassedSteps:    stepNumbers(w.Steps[:i]),
				Endpoint:         req.URL,
				Method:           req.Method,
				FieldCoverage:    coverage,
				EstimatedSpeedup: speedupRatio(w.Steps[:i], req.Duration),
			})
			// One shortcut per workflow: the latest step with full
			// coverage bypasses the most work.
			return out
		}
	}
	return out
}

// dataSufficiency finds extraction steps made redundant by a later step's
// own extracted data.
func (o *Optimizer) dataSufficiency(w *Workflow) []*Optimization {
	for i := len(w.Steps) - 1; i >= 1; i-- {
		later := w.Steps[i]
		if len(later.ExtractedData) == 0 {
			continue
		}
		available := jsonwalk.FieldNames(later.ExtractedData, fieldDepth)

		var redundant []Step
		for _, earlier := range w.Steps[:i] {
			if earlier.Action != ActionExtract || len(earlier.ExtractedData) == 0 {
				continue
			}
			required := jsonwalk.FieldNames(earlier.ExtractedData, fieldDepth)
			if fieldCoverage(required, available) >= fieldCoverageThreshold {
				redundant = append(redundant, earlier)
			}
		}
		if len(redundant) == 0 {
			continue
		}
		return []*Optimization{{
			Kind:             KindDataSufficiency,
			ShortcutStep:     later.StepNumber,
			BypassedSteps:    stepNumbers(redundant),
			FieldCoverage:    1.0,
			EstimatedSpeedup: speedupRatio(redundant, later.Duration),
		}}
	}
	return nil
}

// RecordUse folds one application outcome into an optimization's metrics
// and promotes it once it clears the gates. Promotion is exclusive per
// workflow: promoting one demotes any other.
func (o *Optimizer) RecordUse(ctx context.Context, tenantID, optimizationID string, success bool, shortcutDuration time.Duration) (*Optimization, error) {
	target, err := o.store.GetOptimization(ctx, tenantID, optimizationID)
	if err != nil {
		return nil, err
	}

	m := &target.Metrics
	m.AvgShortcutDuration = runningAvg(m.AvgShortcutDuration, m.TimesUsed, shortcutDuration)
	m.TimesUsed++
	if success {
		m.SuccessCount++
	} else {
		m.FailureCount++
	}

	if !target.Promoted && m.TimesUsed >= promoteMinUses && target.SuccessRate() >= promoteMinSuccessRate {
		if err := o.promote(ctx, target); err != nil {
			return nil, err
		}
		return target, nil
	}
	if err := o.store.SaveOptimization(ctx, target); err != nil {
		return nil, err
	}
	return target, nil
}

func (o *Optimizer) promote(ctx context.Context, target *Optimization) error {
	siblings, err := o.store.Optimizations(ctx, target.TenantID, target.WorkflowID)
	if err != nil {
		return err
	}
	for _, s := range siblings {
		if s.Promoted && s.ID != target.ID {
			s.Promoted = false
			if err := o.store.SaveOptimization(ctx, s); err != nil {
				return err
			}
		}
	}
	target.Promoted = true
	log.Info().Str("workflow", target.WorkflowID).Str("optimization", target.ID).
		Int("uses", target.Metrics.TimesUsed).Float64("successRate", target.SuccessRate()).
		Msg("optimization promoted")
	return o.store.SaveOptimization(ctx, target)
}

func findExisting(existing []*Optimization, p *Optimization) *Optimization {
	for _, e := range existing {
		if e.Kind == p.Kind && e.Endpoint == p.Endpoint && e.ShortcutStep == p.ShortcutStep {
			return e
		}
	}
	return nil
}

func extractedFields(steps []Step) map[string]bool {
	out := make(map[string]bool)
	for _, s := range steps {
		if len(s.ExtractedData) == 0 {
			continue
		}
		for f := range jsonwalk.FieldNames(s.ExtractedData, fieldDepth) {
			out[f] = true
		}
	}
	return out
}

func fieldCoverage(required, available map[string]bool) float64 {
	if len(required) == 0 {
		return 0
	}
	covered := 0
	for f := range required {
		if available[f] {
			covered++
		}
	}
	return float64(covered) / float64(len(required))
}

func stepNumbers(steps []Step) []int {
	out := make([]int, len(steps))
	for i, s := range steps {
		out[i] = s.StepNumber
	}
	return out
}

// speedupRatio is bypassed time over shortcut time, 0 when the shortcut's
// own duration was not recorded.
func speedupRatio(bypassed []Step, shortcut time.Duration) float64 {
	if shortcut <= 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range bypassed {
		sum += s.Duration
	}
	return float64(sum) / float64(shortcut)
}

func runningAvg(avg time.Duration, n int, next time.Duration) time.Duration {
	if n == 0 {
		return next
	}
	return (avg*time.Duration(n) + next) / time.Duration(n+1)
}
