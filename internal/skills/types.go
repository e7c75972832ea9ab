package skills

import (
	"strings"
	"time"

	"github.com/skimmerhq/skimmer/internal/workflow"
)

// Matching thresholds.
const (
	// DefaultMatchThreshold is the minimum combined score a template must
	// reach to be returned as a match.
	DefaultMatchThreshold = 0.65
	// mergeThreshold is the embedding similarity above which two templates
	// describe the same skill and are merged.
	mergeThreshold = 0.85

	// Abstraction gates: a workflow must have proven itself before it is
	// worth generalizing.
	minAbstractSuccesses   = 3
	minAbstractSuccessRate = 0.7
)

// Preconditions describe the page state a skill expects.
type Preconditions struct {
	PageType          string   `json:"pageType,omitempty"`
	RequiredSelectors []string `json:"requiredSelectors,omitempty"`
	ContentTypeHints  []string `json:"contentTypeHints,omitempty"`
	Language          string   `json:"language,omitempty"`
}

// ActionStep is one concrete step of a skill.
type ActionStep struct {
	Action   workflow.Action `json:"action"`
	Selector string          `json:"selector,omitempty"`
	Value    string          `json:"value,omitempty"`
}

// Skill is a workflow abstracted for reuse on its source domain.
type Skill struct {
	ID               string        `json:"id"`
	TenantID         string        `json:"tenantId"`
	Name             string        `json:"name"`
	Description      string        `json:"description"`
	Preconditions    Preconditions `json:"preconditions"`
	Actions          []ActionStep  `json:"actions"`
	SourceDomain     string        `json:"sourceDomain"`
	SourceWorkflowID string        `json:"sourceWorkflowId"`
	TimesUsed        int           `json:"timesUsed"`
	SuccessCount     int           `json:"successCount"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// SmoothedSuccessRate is the skill's success rate with a Laplace prior, so
// a single lucky use does not read as 100%.
func (s *Skill) SmoothedSuccessRate() float64 {
	return float64(s.SuccessCount+1) / float64(s.TimesUsed+2)
}

// ActionPattern is an abstracted step: the concrete selector is replaced
// by a semantic descriptor, with the selectors seen so far kept as hints.
type ActionPattern struct {
	Action         workflow.Action `json:"action"`
	Descriptor     string          `json:"descriptor"`
	KnownSelectors []string        `json:"knownSelectors,omitempty"`
}

// SkillTemplate is a skill made portable across domains. Templates and
// skills reference each other through store indexes only, never through
// object pointers.
type SkillTemplate struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenantId"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Preconditions     Preconditions   `json:"preconditions"`
	Actions           []ActionPattern `json:"actions"`
	SourceSkillIDs    []string        `json:"sourceSkillIds"`
	SuccessfulDomains []string        `json:"successfulDomains,omitempty"`
	FailedDomains     []string        `json:"failedDomains,omitempty"`
	// CrossDomainSuccessRate is the success fraction over all domains the
	// template has been applied to.
	CrossDomainSuccessRate float64   `json:"crossDomainSuccessRate"`
	Applications           int       `json:"applications"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`

	// Embedding is persisted in its own column, not in the JSON payload.
	Embedding Embedding `json:"-"`
}

// PageContext describes the page a caller wants a skill for.
type PageContext struct {
	Domain             string   `json:"domain"`
	URL                string   `json:"url"`
	PageType           string   `json:"pageType,omitempty"`
	AvailableSelectors []string `json:"availableSelectors,omitempty"`
}

// TemplateMatch is one scored match.
type TemplateMatch struct {
	Template          *SkillTemplate `json:"template"`
	Similarity        float64        `json:"similarity"`
	PreconditionScore float64        `json:"preconditionScore"`
	Score             float64        `json:"score"`
}

// semanticDescriptor maps a concrete selector to a portable element
// description.
func semanticDescriptor(selector string) string {
	s := strings.ToLower(selector)
	switch {
	case s == "":
		return "page"
	case strings.Contains(s, "cookie") || strings.Contains(s, "consent") || strings.Contains(s, "gdpr"):
		return "cookie banner"
	case strings.Contains(s, "pagin") || strings.Contains(s, "next") || strings.Contains(s, "load-more"):
		return "pagination"
	case strings.Contains(s, "button") || strings.Contains(s, "btn") || strings.Contains(s, "submit"):
		return "button"
	case strings.Contains(s, "input") || strings.Contains(s, "field") || strings.Contains(s, "form") || strings.Contains(s, "search"):
		return "form field"
	case strings.Contains(s, "nav") || strings.Contains(s, "menu"):
		return "navigation"
	case strings.Contains(s, "table") || strings.Contains(s, "grid") || strings.Contains(s, "row"):
		return "table"
	case strings.Contains(s, "modal") || strings.Contains(s, "dialog") || strings.Contains(s, "popup"):
		return "dialog"
	default:
		return "content"
	}
}
