package skills

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/skimmerhq/skimmer/internal/workflow"
)

// Generalizer abstracts proven workflows into skills and portable
// templates, and matches page contexts against the template library.
type Generalizer struct {
	store    *Store
	embedder Embedder

	// Threshold is the minimum combined match score. Zero means the
	// default.
	Threshold float64
}

// NewGeneralizer returns a generalizer over store using embedder.
func NewGeneralizer(store *Store, embedder Embedder) *Generalizer {
	return &Generalizer{store: store, embedder: embedder}
}

// AbstractWorkflow turns a proven workflow into a skill and folds it into
// the template library. Workflows that have not earned abstraction yet
// return (nil, nil). A new template is merged into an existing one when
// their descriptions embed close enough.
func (g *Generalizer) AbstractWorkflow(ctx context.Context, w *workflow.Workflow) (*SkillTemplate, error) {
	if w.SuccessCount < minAbstractSuccesses || w.SuccessRate < minAbstractSuccessRate {
		log.Debug().Str("workflow", w.ID).Int("successes", w.SuccessCount).
			Float64("rate", w.SuccessRate).Msg("workflow below abstraction gates")
		return nil, nil
	}

	skill := skillFromWorkflow(w)
	if err := g.store.SaveSkill(ctx, skill); err != nil {
		return nil, err
	}

	tmpl := templateFromSkill(skill, w)
	emb, err := g.embedder.Embed(ctx, tmpl.Description)
	if err != nil {
		return nil, fmt.Errorf("embed skill description: %w", err)
	}
	tmpl.Embedding = emb

	existing, err := g.store.ListTemplates(ctx, w.TenantID)
	if err != nil {
		return nil, err
	}
	if match := closestTemplate(existing, emb); match != nil {
		mergeTemplates(match, tmpl, skill.ID)
		if err := g.store.SaveTemplate(ctx, match); err != nil {
			return nil, err
		}
		if err := g.store.Link(ctx, w.TenantID, skill.ID, match.ID); err != nil {
			return nil, err
		}
		log.Info().Str("skill", skill.ID).Str("template", match.ID).
			Msg("skill merged into existing template")
		return match, nil
	}

	if err := g.store.SaveTemplate(ctx, tmpl); err != nil {
		return nil, err
	}
	if err := g.store.Link(ctx, w.TenantID, skill.ID, tmpl.ID); err != nil {
		return nil, err
	}
	log.Info().Str("skill", skill.ID).Str("template", tmpl.ID).Msg("new skill template")
	return tmpl, nil
}

// Match scores the tenant's templates against a page context and returns
// the top k above the threshold.
func (g *Generalizer) Match(ctx context.Context, tenantID string, pctx PageContext, k int) ([]TemplateMatch, error) {
	threshold := g.Threshold
	if threshold == 0 {
		threshold = DefaultMatchThreshold
	}
	if k <= 0 {
		k = 5
	}

	query, err := g.embedder.Embed(ctx, describeContext(pctx))
	if err != nil {
		return nil, fmt.Errorf("embed page context: %w", err)
	}
	templates, err := g.store.ListTemplates(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var out []TemplateMatch
	for _, t := range templates {
		sim := Cosine(query, t.Embedding)
		pre := preconditionScore(t, pctx)
		score := 0.6*sim + 0.4*pre
		if score < threshold {
			continue
		}
		out = append(out, TemplateMatch{Template: t, Similarity: sim, PreconditionScore: pre, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// RecordApplication folds one cross-domain application outcome into a
// template.
func (g *Generalizer) RecordApplication(ctx context.Context, tenantID, templateID, domain string, success bool) (*SkillTemplate, error) {
	t, err := g.store.GetTemplate(ctx, tenantID, templateID)
	if err != nil {
		return nil, err
	}
	outcome := 0.0
	if success {
		outcome = 1.0
		t.SuccessfulDomains = appendUnique(t.SuccessfulDomains, domain)
	} else {
		t.FailedDomains = appendUnique(t.FailedDomains, domain)
	}
	t.CrossDomainSuccessRate = (t.CrossDomainSuccessRate*float64(t.Applications) + outcome) / float64(t.Applications+1)
	t.Applications++
	if err := g.store.SaveTemplate(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func skillFromWorkflow(w *workflow.Workflow) *Skill {
	sk := &Skill{
		TenantID:         w.TenantID,
		Name:             w.Name,
		SourceDomain:     w.Domain,
		SourceWorkflowID: w.ID,
		TimesUsed:        w.UsageCount,
		SuccessCount:     w.SuccessCount,
	}
	for _, step := range w.Steps {
		sk.Actions = append(sk.Actions, ActionStep{
			Action:   step.Action,
			Selector: step.Selector,
			Value:    step.Value,
		})
		if step.Importance == workflow.ImportanceCritical && step.Selector != "" {
			sk.Preconditions.RequiredSelectors = append(sk.Preconditions.RequiredSelectors, step.Selector)
		}
	}
	sk.Description = describeSkill(sk)
	return sk
}

func templateFromSkill(sk *Skill, w *workflow.Workflow) *SkillTemplate {
	t := &SkillTemplate{
		TenantID:               sk.TenantID,
		Name:                   sk.Name,
		Description:            sk.Description,
		Preconditions:          sk.Preconditions,
		SourceSkillIDs:         []string{sk.ID},
		SuccessfulDomains:      []string{sk.SourceDomain},
		CrossDomainSuccessRate: w.SuccessRate,
		Applications:           w.UsageCount,
	}
	for _, a := range sk.Actions {
		p := ActionPattern{Action: a.Action, Descriptor: semanticDescriptor(a.Selector)}
		if a.Selector != "" {
			p.KnownSelectors = []string{a.Selector}
		}
		t.Actions = append(t.Actions, p)
	}
	return t
}

// describeSkill builds the text that gets embedded: page type, action
// kinds, and abstracted selectors, in reading order.
func describeSkill(sk *Skill) string {
	var parts []string
	if sk.Preconditions.PageType != "" {
		parts = append(parts, sk.Preconditions.PageType+" page")
	}
	for _, a := range sk.Actions {
		desc := string(a.Action)
		if a.Selector != "" {
			desc += " " + semanticDescriptor(a.Selector)
		}
		parts = append(parts, desc)
	}
	parts = append(parts, sk.Preconditions.ContentTypeHints...)
	return sk.Name + ": " + strings.Join(parts, ", ")
}

func describeContext(pctx PageContext) string {
	var parts []string
	if pctx.PageType != "" {
		parts = append(parts, pctx.PageType+" page")
	}
	parts = append(parts, "on "+pctx.Domain)
	for _, sel := range pctx.AvailableSelectors {
		parts = append(parts, semanticDescriptor(sel))
	}
	return strings.Join(parts, ", ")
}

// preconditionScore grades how much of the template's expected page state
// the context exhibits. With nothing to compare, the score is neutral.
func preconditionScore(t *SkillTemplate, pctx PageContext) float64 {
	var score, weight float64

	if t.Preconditions.PageType != "" && pctx.PageType != "" {
		weight++
		if strings.EqualFold(t.Preconditions.PageType, pctx.PageType) {
			score++
		}
	}
	if len(t.Preconditions.RequiredSelectors) > 0 && len(pctx.AvailableSelectors) > 0 {
		weight++
		avail := make(map[string]bool, len(pctx.AvailableSelectors))
		for _, sel := range pctx.AvailableSelectors {
			avail[sel] = true
		}
		found := 0
		for _, sel := range t.Preconditions.RequiredSelectors {
			if avail[sel] {
				found++
			}
		}
		score += float64(found) / float64(len(t.Preconditions.RequiredSelectors))
	}

	if weight == 0 {
		return 0.5
	}
	return score / weight
}

func closestTemplate(templates []*SkillTemplate, emb Embedding) *SkillTemplate {
	var best *SkillTemplate
	bestSim := mergeThreshold
	for _, t := range templates {
		if sim := Cosine(emb, t.Embedding); sim > bestSim {
			best, bestSim = t, sim
		}
	}
	return best
}

// mergeTemplates folds incoming into existing: source skills and domains
// union, success rates average weighted by application count, and each
// action pattern learns the other's concrete selectors.
func mergeTemplates(existing, incoming *SkillTemplate, skillID string) {
	existing.SourceSkillIDs = appendUnique(existing.SourceSkillIDs, skillID)
	for _, d := range incoming.SuccessfulDomains {
		existing.SuccessfulDomains = appendUnique(existing.SuccessfulDomains, d)
	}
	for _, d := range incoming.FailedDomains {
		existing.FailedDomains = appendUnique(existing.FailedDomains, d)
	}

	total := existing.Applications + incoming.Applications
	if total > 0 {
		existing.CrossDomainSuccessRate =
			(existing.CrossDomainSuccessRate*float64(existing.Applications) +
				incoming.CrossDomainSuccessRate*float64(incoming.Applications)) / float64(total)
	}
	existing.Applications = total

	for i := range existing.Actions {
		if i >= len(incoming.Actions) {
			break
		}
		if existing.Actions[i].Action != incoming.Actions[i].Action {
			continue
		}
		for _, sel := range incoming.Actions[i].KnownSelectors {
			existing.Actions[i].KnownSelectors = appendUnique(existing.Actions[i].KnownSelectors, sel)
		}
	}
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
