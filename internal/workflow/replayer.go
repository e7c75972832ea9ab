package workflow

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
)

// successRateAlpha is the EMA weight for new replay outcomes.
const successRateAlpha = 0.2

// FetchResult is the slice of a fetch outcome replay cares about.
type FetchResult struct {
	Tier     string
	Duration time.Duration
	Content  string
}

// Fetcher runs one URL through the fetch core. Satisfied by the serving
// layer; kept narrow so replay does not depend on the executor.
type Fetcher interface {
	Fetch(ctx context.Context, tenantID, rawURL string) (FetchResult, error)
}

// varToken matches {{name}} placeholders.
var varToken = regexp.MustCompile(`\{\{(\w+)\}\}`)

// ReplayOptions tune a replay.
type ReplayOptions struct {
	// Variables substitute {{name}} tokens. Values must be strings,
	// numbers, or booleans.
	Variables map[string]any
	// SkipShortcut forces the full step sequence even when a promoted
	// optimization exists.
	SkipShortcut bool
}

// Replayer executes saved workflows.
type Replayer struct {
	store   *Store
	fetcher Fetcher
}

// NewReplayer returns a replayer using fetcher for navigate and extract
// steps.
func NewReplayer(store *Store, fetcher Fetcher) *Replayer {
	return &Replayer{store: store, fetcher: fetcher}
}

// Replay runs a workflow and folds the outcome into its usage statistics.
// A promoted optimization replaces the recorded sequence with its single
// shortcut request unless SkipShortcut is set.
func (r *Replayer) Replay(ctx context.Context, tenantID, workflowID string, opts ReplayOptions) (*ReplayResult, error) {
	w, err := r.store.Get(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	if err := checkVariableTypes(opts.Variables); err != nil {
		return nil, err
	}

	res := &ReplayResult{WorkflowID: w.ID, ExecutedAt: time.Now().UTC()}
	start := time.Now()

	if !opts.SkipShortcut {
		if shortcut, err := r.store.PromotedOptimization(ctx, tenantID, workflowID); err == nil && shortcut != nil {
			r.replayShortcut(ctx, tenantID, shortcut, opts.Variables, res)
			res.TotalDuration = time.Since(start)
			r.recordOutcome(ctx, w, res.OverallSuccess)
			return res, nil
		}
	}

	res.OverallSuccess = true
	for _, step := range w.Steps {
		sr := r.replayStep(ctx, tenantID, step, opts.Variables)
		res.Results = append(res.Results, sr)
		if !sr.Success {
			res.OverallSuccess = false
			if step.Importance == ImportanceCritical {
				break
			}
		}
	}
	res.TotalDuration = time.Since(start)
	r.recordOutcome(ctx, w, res.OverallSuccess)
	return res, nil
}

func (r *Replayer) replayStep(ctx context.Context, tenantID string, step Step, vars map[string]any) StepResult {
	sr := StepResult{StepNumber: step.StepNumber}
	begin := time.Now()

	switch {
	case step.URL != "" && (step.Action == ActionNavigate || step.Action == ActionExtract):
		target, err := substituteVars(step.URL, vars)
		if err != nil {
			sr.Error = err.Error()
			return sr
		}
		fr, err := r.fetcher.Fetch(ctx, tenantID, target)
		sr.Duration = time.Since(begin)
		if err != nil {
			sr.Error = err.Error()
			return sr
		}
		sr.Success = true
		sr.Tier = fr.Tier
	default:
		// Interaction steps ride along with the preceding navigation; the
		// render tiers handle scrolling and banner dismissal themselves.
		sr.Success = true
		sr.Duration = time.Since(begin)
	}
	return sr
}

func (r *Replayer) replayShortcut(ctx context.Context, tenantID string, o *Optimization, vars map[string]any, res *ReplayResult) {
	res.UsedShortcut = true
	sr := StepResult{StepNumber: o.ShortcutStep}
	begin := time.Now()

	target, err := substituteVars(o.Endpoint, vars)
	if err == nil {
		var fr FetchResult
		fr, err = r.fetcher.Fetch(ctx, tenantID, target)
		if err == nil {
			sr.Success = true
			sr.Tier = fr.Tier
		}
	}
	if err != nil {
		sr.Error = err.Error()
	}
	sr.Duration = time.Since(begin)
	res.Results = append(res.Results, sr)
	res.OverallSuccess = sr.Success
}

// recordOutcome updates usage statistics with an exponential moving
// average and persists the workflow. Stat write failures are logged, not
// surfaced: the replay itself already finished.
func (r *Replayer) recordOutcome(ctx context.Context, w *Workflow, success bool) {
	outcome := 0.0
	if success {
		outcome = 1.0
		w.SuccessCount++
	}
	if w.UsageCount == 0 {
		w.SuccessRate = outcome
	} else {
		w.SuccessRate = (1-successRateAlpha)*w.SuccessRate + successRateAlpha*outcome
	}
	w.UsageCount++
	if err := r.store.Save(ctx, w); err != nil {
		log.Warn().Err(err).Str("workflow", w.ID).Msg("recording replay outcome failed")
	}
}

// substituteVars expands {{name}} tokens. Every referenced variable must
// be supplied.
func substituteVars(s string, vars map[string]any) (string, error) {
	var missing string
	out := varToken.ReplaceAllStringFunc(s, func(tok string) string {
		name := tok[2 : len(tok)-2]
		v, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return tok
		}
		return formatVar(v)
	})
	if missing != "" {
		return "", fetcherr.New(fetcherr.CodeInvalidRequest, "missing variable %q", missing)
	}
	return out, nil
}

func checkVariableTypes(vars map[string]any) error {
	for name, v := range vars {
		switch v.(type) {
		case string, bool, int, int64, float64:
		default:
			return fetcherr.New(fetcherr.CodeInvalidRequest,
				"variable %q must be a string, number, or boolean", name)
		}
	}
	return nil
}

func formatVar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
