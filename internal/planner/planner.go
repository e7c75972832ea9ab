// Package planner turns a URL plus caller constraints into an ordered tier
// plan. The planner only reads learned state; it never errors for recoverable
// reasons, it degrades the plan instead. An empty plan is the executor's cue
// to report that no tier was viable.
package planner

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
	"github.com/skimmerhq/skimmer/internal/pattern"
	"github.com/skimmerhq/skimmer/internal/renderer"
	"github.com/skimmerhq/skimmer/internal/urlutil"
)

// Constraints are the caller's budget and routing preferences.
type Constraints struct {
	MaxLatency      time.Duration `json:"maxLatencyMs,omitempty"`
	MaxCostTier     renderer.Tier `json:"maxCostTier,omitempty"`
	ContentType     string        `json:"contentType,omitempty"`
	ForceRenderTier renderer.Tier `json:"forceRenderTier,omitempty"`
	PreviewOnly     bool          `json:"previewOnly,omitempty"`
}

// Estimate is the planned time envelope.
type Estimate struct {
	Min      time.Duration `json:"minMs"`
	Expected time.Duration `json:"expectedMs"`
	Max      time.Duration `json:"maxMs"`
}

// ConfidenceFactors decomposes the plan confidence.
type ConfidenceFactors struct {
	DomainFamiliarity  float64 `json:"domainFamiliarity"`
	HasLearnedPatterns bool    `json:"hasLearnedPatterns"`
	APIDiscovered      bool    `json:"apiDiscovered"`
	BotDetectionLikely bool    `json:"botDetectionLikely"`
}

// Confidence is the plan's overall confidence with its factors.
type Confidence struct {
	Overall float64           `json:"overall"`
	Factors ConfidenceFactors `json:"factors"`
}

// Plan is the planner's output: the tier sequence the executor walks plus
// everything it needs to try each tier.
type Plan struct {
	URL                string                   `json:"url"`
	Domain             string                   `json:"domain"`
	TierSequence       []renderer.Tier          `json:"tierSequence"`
	CandidatePatterns  []*pattern.APIPattern    `json:"candidatePatterns,omitempty"`
	CandidateSelectors []*pattern.SelectorChain `json:"candidateSelectors,omitempty"`
	EstimatedTime      Estimate                 `json:"estimatedTime"`
	Confidence         Confidence               `json:"confidence"`
	Reasoning          []string                 `json:"reasoning,omitempty"`
	WaitStrategy       string                   `json:"waitStrategy,omitempty"`
	UseSession         bool                     `json:"useSession,omitempty"`
}

// Empty reports whether no tier survived the caller's constraints.
func (p *Plan) Empty() bool { return len(p.TierSequence) == 0 }

// CooldownChecker reports whether discovery probing for a domain is suppressed.
// A domain in cooldown keeps its pattern-invoke tier out of new plans.
type CooldownChecker interface {
	InCooldown(ctx context.Context, tenantID, source, domain string) bool
}

// Planner builds plans from the pattern store's learned state.
type Planner struct {
	store    *pattern.Store
	cooldown CooldownChecker
}

// New builds a planner. cooldown may be nil.
func New(store *pattern.Store, cooldown CooldownChecker) *Planner {
	return &Planner{store: store, cooldown: cooldown}
}

// Plan builds the tier plan for a URL. Preview calls run the same path; all
// reads are indexed lookups so the preview budget (<50ms) holds.
func (pl *Planner) Plan(ctx context.Context, tenantID, rawURL string, c Constraints) (*Plan, error) {
	canonical, err := urlutil.Canonicalize(rawURL)
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.CodeInvalidURL, err, "cannot plan %q", rawURL)
	}
	domain, err := urlutil.Domain(canonical)
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.CodeInvalidURL, err, "cannot derive domain for %q", rawURL)
	}

	plan := &Plan{URL: canonical, Domain: domain}

	intel, err := pl.store.DomainIntelligence(ctx, tenantID, domain)
	if err != nil {
		log.Warn().Err(err).Str("component", "planner").Str("domain", domain).Msg("domain intelligence read failed")
		intel = &pattern.DomainIntelligence{Domain: domain}
	}
	plan.WaitStrategy = intel.WaitStrategy
	plan.UseSession = intel.ShouldUseSession

	candidates, err := pl.store.FindMatchingPatterns(ctx, tenantID, canonical)
	if err != nil {
		log.Warn().Err(err).Str("component", "planner").Str("domain", domain).Msg("pattern lookup failed")
	}
	now := time.Now()
	for _, cand := range candidates {
		if cand.Eligible(now) {
			plan.CandidatePatterns = append(plan.CandidatePatterns, cand)
		}
	}

	if chains, err := pl.store.SelectorChains(ctx, tenantID, domain); err == nil {
		plan.CandidateSelectors = chains
	} else {
		log.Warn().Err(err).Str("component", "planner").Str("domain", domain).Msg("selector chain read failed")
	}

	plan.TierSequence = pl.tierSequence(ctx, tenantID, domain, plan, c)
	plan.EstimatedTime = estimate(plan.TierSequence)
	plan.Confidence = confidence(intel, plan)
	return plan, nil
}

func (pl *Planner) tierSequence(ctx context.Context, tenantID, domain string, plan *Plan, c Constraints) []renderer.Tier {
	if c.ForceRenderTier != "" {
		plan.Reasoning = append(plan.Reasoning, fmt.Sprintf("caller forced tier %s", c.ForceRenderTier))
		return []renderer.Tier{c.ForceRenderTier}
	}

	var seq []renderer.Tier
	for _, tier := range renderer.RealTiers {
		if c.MaxLatency > 0 && tier.ExpectedLatency() > c.MaxLatency {
			plan.Reasoning = append(plan.Reasoning,
				fmt.Sprintf("dropped %s: expected latency %s exceeds budget %s", tier, tier.ExpectedLatency(), c.MaxLatency))
			continue
		}
		if c.MaxCostTier != "" && tier.Cost() > c.MaxCostTier.Cost() {
			plan.Reasoning = append(plan.Reasoning,
				fmt.Sprintf("dropped %s: above max cost tier %s", tier, c.MaxCostTier))
			continue
		}
		seq = append(seq, tier)
	}

	if len(plan.CandidatePatterns) > 0 {
		if pl.inDiscoveryCooldown(ctx, tenantID, domain) {
			plan.Reasoning = append(plan.Reasoning, "domain in discovery cooldown, skipping pattern-invoke")
		} else {
			plan.Reasoning = append(plan.Reasoning,
				fmt.Sprintf("%d eligible patterns, trying pattern-invoke first", len(plan.CandidatePatterns)))
			seq = append([]renderer.Tier{renderer.TierPatternInvoke}, seq...)
		}
	}
	return seq
}

// inDiscoveryCooldown reports whether any discovery source is cooling down
// for the domain.
func (pl *Planner) inDiscoveryCooldown(ctx context.Context, tenantID, domain string) bool {
	if pl.cooldown == nil {
		return false
	}
	for _, source := range []string{"openapi", "graphql", "links", "raml", "blueprint", "wadl"} {
		if pl.cooldown.InCooldown(ctx, tenantID, source, domain) {
			return true
		}
	}
	return false
}

func estimate(seq []renderer.Tier) Estimate {
	if len(seq) == 0 {
		return Estimate{}
	}
	var est Estimate
	est.Min = seq[0].ExpectedLatency()
	for _, tier := range seq {
		est.Max += tier.Timeout()
	}
	// Expected assumes the first tier usually wins with some escalation tax.
	est.Expected = est.Min
	if len(seq) > 1 {
		est.Expected += seq[1].ExpectedLatency() / 2
	}
	return est
}

func confidence(intel *pattern.DomainIntelligence, plan *Plan) Confidence {
	factors := ConfidenceFactors{
		DomainFamiliarity:  math.Tanh(float64(intel.TotalSuccesses) / 20),
		HasLearnedPatterns: len(plan.CandidatePatterns) > 0 || len(plan.CandidateSelectors) > 0,
		APIDiscovered:      len(plan.CandidatePatterns) > 0,
		BotDetectionLikely: intel.BotFailures > 0,
	}

	overall := 0.3 + 0.4*factors.DomainFamiliarity
	if factors.APIDiscovered {
		overall += 0.2
	} else if factors.HasLearnedPatterns {
		overall += 0.1
	}
	if factors.BotDetectionLikely {
		overall -= 0.15
	}
	if overall < 0 {
		overall = 0
	}
	if overall > 1 {
		overall = 1
	}
	return Confidence{Overall: overall, Factors: factors}
}
