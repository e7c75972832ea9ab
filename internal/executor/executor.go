// Package executor walks a plan tier by tier, validates each tier's output,
// escalates on retryable failure, and records a decision trace. Exactly one
// terminal error per fetch; every intermediate failure lands in the trace.
// Learned-state updates (pattern metrics, domain intel, analyzer ingest,
// change observations) are side channels that log but never fail the fetch.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skimmerhq/skimmer/internal/analyzer"
	"github.com/skimmerhq/skimmer/internal/fetcherr"
	"github.com/skimmerhq/skimmer/internal/pattern"
	"github.com/skimmerhq/skimmer/internal/planner"
	"github.com/skimmerhq/skimmer/internal/renderer"
	"github.com/skimmerhq/skimmer/internal/stealth"
	"github.com/skimmerhq/skimmer/internal/trace"
	"github.com/skimmerhq/skimmer/internal/verifier"
)

// WallClock is the per-fetch time budget.
const WallClock = 60 * time.Second

// ChangeObserver receives content observations for the change predictor.
type ChangeObserver interface {
	ObserveContent(ctx context.Context, tenantID, domain, url, contentHash string)
}

// Instrumentation receives per-attempt telemetry. Implementations must be
// safe for concurrent use; *metrics.Metrics satisfies it.
type Instrumentation interface {
	ObserveTier(tier string, success bool, d time.Duration)
	ObservePatternInvoke(success bool)
	ObserveVerification(passed bool)
}

// Options carry the caller's per-fetch directives.
type Options struct {
	Checks                 []verifier.Check
	StrictVerification     bool
	IncludeDecisionTrace   bool
	IncludeNetworkRequests bool
	MaxChars               int
	ScrollToLoad           bool
}

// Content is the extracted page in its delivered encodings.
type Content struct {
	Markdown string `json:"markdown"`
	Text     string `json:"text"`
	HTML     string `json:"html,omitempty"`
}

// Metadata is the billing-sufficient summary of how the fetch ran.
type Metadata struct {
	LoadTime       time.Duration   `json:"loadTimeMs"`
	Tier           renderer.Tier   `json:"tier"`
	TiersAttempted []renderer.Tier `json:"tiersAttempted"`
}

// Result is a completed fetch.
type Result struct {
	FinalURL        string                    `json:"finalUrl"`
	Title           string                    `json:"title"`
	Content         Content                   `json:"content"`
	Tables          []renderer.Table          `json:"tables,omitempty"`
	DiscoveredAPIs  []*pattern.APIPattern     `json:"discoveredApis,omitempty"`
	Verification    *verifier.Result          `json:"verification,omitempty"`
	Metadata        Metadata                  `json:"metadata"`
	DecisionTrace   *trace.DecisionTrace      `json:"decisionTrace,omitempty"`
	NetworkRequests []renderer.NetworkRequest `json:"networkRequests,omitempty"`
}

// failureKind classifies why one tier attempt failed, for terminal-error
// selection at exhaustion.
type failureKind int

const (
	failNone failureKind = iota
	failRender
	failEmpty
	failValidation
	failUpstreamRate
	failBot
)

// Executor runs plans.
type Executor struct {
	pool     *renderer.Pool
	store    *pattern.Store
	verifier *verifier.Verifier
	invoker  *invoker
	observer ChangeObserver
	stats    *trace.Stats
	instr    Instrumentation
}

// New builds an executor. observer and stats may be nil.
func New(pool *renderer.Pool, store *pattern.Store, v *verifier.Verifier, client *http.Client, observer ChangeObserver, stats *trace.Stats) *Executor {
	return &Executor{
		pool:     pool,
		store:    store,
		verifier: v,
		invoker:  newInvoker(client),
		observer: observer,
		stats:    stats,
	}
}

// WithInstrumentation attaches a telemetry sink and returns the executor.
func (e *Executor) WithInstrumentation(in Instrumentation) *Executor {
	e.instr = in
	return e
}

// Execute walks the plan. The returned Result always carries the decision
// trace, even when err is non-nil.
func (e *Executor) Execute(ctx context.Context, tenantID string, plan *planner.Plan, session *renderer.Session, opts Options) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, WallClock)
	defer cancel()

	started := time.Now()
	tr := trace.New(plan.URL)
	tr.Reasoning = append(tr.Reasoning, plan.Reasoning...)

	res := &Result{DecisionTrace: tr}
	if plan.Empty() {
		return res, fetcherr.New(fetcherr.CodeNoViableTier, "no tier satisfies the caller's constraints for %s", plan.URL)
	}

	var (
		lastKind      failureKind
		sawValidation bool
		hardFail      bool
		sawEmpty      bool
		sawUpstream   bool
		lastVerify    *verifier.Result
		lastRendered  *Result
		lastTier      renderer.Tier
	)

	for _, tier := range plan.TierSequence {
		attemptStart := time.Now()
		attempt := trace.TierAttempt{Tier: string(tier), StartedAt: attemptStart.UTC()}

		outcome, kind, failure := e.tryTier(ctx, tenantID, plan, tier, session, opts)
		attempt.Duration = time.Since(attemptStart)

		if ctx.Err() != nil {
			attempt.FailureReason = "wall clock exceeded"
			e.addTier(tr, attempt)
			e.finish(tenantID, plan, tr, false)
			return res, fetcherr.Wrap(fetcherr.CodeFetchTimeout, ctx.Err(), "fetch of %s exceeded %s", plan.URL, WallClock)
		}

		if kind == failBot {
			attempt.FailureReason = "anti-bot interstitial"
			e.addTier(tr, attempt)
			e.recordBotDetection(tenantID, plan.Domain)
			if tier == renderer.TierPlaywright {
				e.finish(tenantID, plan, tr, false)
				return res, fetcherr.New(fetcherr.CodeBotDetected, "anti-bot page served for %s", plan.URL)
			}
			lastKind = failRender
			continue
		}

		if outcome == nil {
			if failure != "" {
				attempt.FailureReason = failure
			}
			e.addTier(tr, attempt)
			switch kind {
			case failEmpty:
				sawEmpty = true
			case failUpstreamRate:
				sawUpstream = true
			}
			lastKind = kind
			continue
		}

		tr.Selectors = append(tr.Selectors, outcome.selectors...)
		tr.Titles = append(tr.Titles, outcome.titles...)

		// Validate.
		verdict := e.verifier.Verify(verifier.Content{
			Title:  outcome.Title,
			Text:   outcome.Content.Text,
			Fields: outcome.fields,
		}, opts.Checks)
		passed := verdict.Passed
		attempt.ValidationPassed = &passed
		if e.instr != nil && len(opts.Checks) > 0 {
			e.instr.ObserveVerification(passed)
		}
		for _, ve := range verdict.Errors {
			attempt.ValidationErrors = append(attempt.ValidationErrors, ve.Message)
		}
		attempt.ExtractionStrategy = outcome.strategy
		outcome.Verification = verdict

		if passed {
			attempt.Success = true
			e.addTier(tr, attempt)
			e.recordSuccess(ctx, tenantID, plan, tier, outcome)
			e.finish(tenantID, plan, tr, true)
			return e.deliver(outcome.Result, tr, tier, started, opts), nil
		}

		e.addTier(tr, attempt)
		sawValidation = true
		lastKind = failValidation
		lastVerify = verdict
		lastRendered = outcome.Result
		lastTier = tier

		if hasNonRetryableCritical(verdict) {
			// Escalation cannot repair a non-retryable critical failure.
			hardFail = true
			break
		}
		// Escalate to the next tier.
	}

	e.finish(tenantID, plan, tr, false)

	switch {
	case sawValidation:
		if hardFail || opts.StrictVerification || lastRendered == nil {
			err := fetcherr.New(fetcherr.CodeValidationFailed, "content verification failed for %s", plan.URL)
			if lastVerify != nil {
				err = err.WithDetail(lastVerify)
			}
			return res, err
		}
		// Soft verification: deliver the last rendered content, flagged.
		delivered := e.deliver(lastRendered, tr, lastTier, started, opts)
		delivered.Verification = lastVerify
		return delivered, nil
	case sawEmpty && len(plan.TierSequence) < len(renderer.RealTiers):
		// The caller's constraints cut the cascade short and what remained
		// produced nothing usable.
		return res, fetcherr.New(fetcherr.CodeNoViableTier, "constrained tiers produced no content for %s", plan.URL)
	case sawUpstream && lastKind == failUpstreamRate:
		return res, fetcherr.New(fetcherr.CodeUpstreamRateLimited, "origin rate limited %s", plan.URL)
	default:
		return res, fetcherr.New(fetcherr.CodeRenderFailed, "all tiers failed for %s", plan.URL)
	}
}

// addTier appends a tier attempt to the trace and mirrors it to telemetry.
func (e *Executor) addTier(tr *trace.DecisionTrace, a trace.TierAttempt) {
	tr.AddTier(a)
	if e.instr != nil {
		e.instr.ObserveTier(a.Tier, a.Success, a.Duration)
	}
}

func hasNonRetryableCritical(v *verifier.Result) bool {
	for _, e := range v.Errors {
		if e.Severity == verifier.SeverityCritical && !e.Check.Retryable {
			return true
		}
	}
	return false
}

// tierOutcome is a rendered-or-invoked result awaiting validation.
type tierOutcome struct {
	*Result
	fields      map[string]any
	strategy    string
	selectors   []trace.SelectorAttempt
	titles      []trace.TitleAttempt
	selOutcomes []selectorOutcome
}

func (e *Executor) tryTier(ctx context.Context, tenantID string, plan *planner.Plan, tier renderer.Tier, session *renderer.Session, opts Options) (*tierOutcome, failureKind, string) {
	if tier == renderer.TierPatternInvoke {
		return e.tryPatterns(ctx, tenantID, plan, session)
	}
	return e.tryRender(ctx, plan, tier, session, opts)
}

// tryPatterns walks the candidate patterns in order. The first invocation
// that passes its own validation wins; every failure decrements that
// pattern's confidence.
func (e *Executor) tryPatterns(ctx context.Context, tenantID string, plan *planner.Plan, session *renderer.Session) (*tierOutcome, failureKind, string) {
	var lastErr error
	sawRateLimit := false

	for _, cand := range plan.CandidatePatterns {
		in, err := e.invoker.invoke(ctx, cand, plan.URL, session)
		if err != nil {
			lastErr = err
			if e.instr != nil {
				e.instr.ObservePatternInvoke(false)
			}
			if fetcherr.CodeOf(err) == fetcherr.CodeUpstreamRateLimited {
				sawRateLimit = true
			}
			if rerr := e.store.RecordFailure(ctx, tenantID, cand.ID, err.Error()); rerr != nil {
				log.Warn().Err(rerr).Str("component", "executor").Str("pattern", cand.ID).Msg("pattern failure record failed")
			}
			continue
		}

		if e.instr != nil {
			e.instr.ObservePatternInvoke(true)
		}
		return &tierOutcome{
			Result: &Result{
				FinalURL: in.endpoint,
				Title:    in.title,
				Content:  Content{Markdown: in.markdown(), Text: in.text()},
			},
			fields:   in.fields,
			strategy: "pattern:" + in.pattern.ID,
		}, failNone, ""
	}

	kind := failRender
	if sawRateLimit {
		kind = failUpstreamRate
	}
	reason := "no candidate patterns"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	return nil, kind, reason
}

func (e *Executor) tryRender(ctx context.Context, plan *planner.Plan, tier renderer.Tier, session *renderer.Session, opts Options) (*tierOutcome, failureKind, string) {
	req := renderer.Request{
		URL:          plan.URL,
		Tier:         tier,
		WaitStrategy: plan.WaitStrategy,
		ScrollToLoad: opts.ScrollToLoad,
		Headers:      stealth.Generate(plan.Domain).Headers(),
		Session:      session,
	}

	rres, err := e.pool.Render(ctx, req)
	if err != nil {
		if errors.Is(err, renderer.ErrQueueFull) {
			return nil, failRender, fmt.Sprintf("%s queue full, skipping", tier)
		}
		return nil, failRender, err.Error()
	}
	if rres.BotDetected {
		return nil, failBot, ""
	}
	if rres.Text == "" && rres.Markdown == "" {
		return nil, failEmpty, "renderer produced empty content"
	}

	out := &tierOutcome{
		Result: &Result{
			FinalURL: rres.FinalURL,
			Title:    rres.Title,
			Content:  Content{Markdown: rres.Markdown, Text: rres.Text, HTML: rres.HTML},
			Tables:   rres.Tables,
		},
		strategy: "render",
	}
	out.NetworkRequests = rres.NetworkLog

	// Learned selector chains refine the rendered extraction; every attempt
	// lands in the trace, and fired selectors feed confidence on success.
	if len(plan.CandidateSelectors) > 0 && rres.HTML != "" {
		if ext := applySelectorChains(plan.CandidateSelectors, rres.HTML, rres.Title); ext != nil {
			out.selectors = ext.attempts
			out.titles = ext.titles
			out.selOutcomes = ext.outcomes
			if ext.title != "" {
				out.Title = ext.title
			}
			if ext.body != "" {
				out.Content.Text = ext.body
				out.strategy = "selector:" + ext.bodySel
			}
		}
	}
	return out, failNone, ""
}

// recordSuccess runs all learned-state side channels after a winning tier.
func (e *Executor) recordSuccess(ctx context.Context, tenantID string, plan *planner.Plan, tier renderer.Tier, outcome *tierOutcome) {
	if tier == renderer.TierPatternInvoke {
		id := outcome.strategy[len("pattern:"):]
		if err := e.store.RecordSuccess(ctx, tenantID, id, outcome.Metadata.LoadTime); err != nil {
			log.Warn().Err(err).Str("component", "executor").Str("pattern", id).Msg("pattern success record failed")
		}
	}

	for _, so := range outcome.selOutcomes {
		if err := e.store.RecordSelectorOutcome(ctx, tenantID, so.chainID, so.selector, so.matched); err != nil {
			log.Warn().Err(err).Str("component", "executor").Str("chain", so.chainID).Msg("selector outcome record failed")
		}
	}

	// Passive API discovery from the captured network log.
	for _, nreq := range outcome.NetworkRequests {
		observed, ok := analyzer.PatternFromCapture(tenantID, nreq, tier)
		if !ok {
			continue
		}
		if err := e.store.Upsert(ctx, observed); err != nil {
			log.Warn().Err(err).Str("component", "executor").Str("pattern", observed.ID).Msg("observed pattern persist failed")
			continue
		}
		outcome.DiscoveredAPIs = append(outcome.DiscoveredAPIs, observed)
	}

	if e.observer != nil {
		hash := sha256.Sum256([]byte(outcome.Content.Text))
		e.observer.ObserveContent(ctx, tenantID, plan.Domain, plan.URL, hex.EncodeToString(hash[:]))
	}
}

func (e *Executor) recordBotDetection(tenantID, domain string) {
	if err := e.store.RecordBotDetection(context.Background(), tenantID, domain); err != nil {
		log.Warn().Err(err).Str("component", "executor").Str("domain", domain).Msg("bot detection record failed")
	}
}

// finish records the fetch outcome on the domain and folds the trace into the
// in-memory aggregates.
func (e *Executor) finish(tenantID string, plan *planner.Plan, tr *trace.DecisionTrace, success bool) {
	if err := e.store.RecordFetchOutcome(context.Background(), tenantID, plan.Domain, success); err != nil {
		log.Warn().Err(err).Str("component", "executor").Str("domain", plan.Domain).Msg("fetch outcome record failed")
	}
	if e.stats != nil {
		e.stats.Observe(tr)
	}
}

// deliver finalizes the result envelope.
func (e *Executor) deliver(r *Result, tr *trace.DecisionTrace, tier renderer.Tier, started time.Time, opts Options) *Result {
	r.Metadata.LoadTime = time.Since(started)
	r.Metadata.Tier = tier
	for _, a := range tr.Tiers {
		r.Metadata.TiersAttempted = append(r.Metadata.TiersAttempted, renderer.Tier(a.Tier))
	}
	r.DecisionTrace = tr

	if opts.MaxChars > 0 {
		r.Content.Markdown = truncate(r.Content.Markdown, opts.MaxChars)
		r.Content.Text = truncate(r.Content.Text, opts.MaxChars)
	}
	if !opts.IncludeNetworkRequests {
		r.NetworkRequests = nil
	}
	if r.Verification == nil {
		r.Verification = &verifier.Result{Passed: true, Confidence: 1}
	}
	return r
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
