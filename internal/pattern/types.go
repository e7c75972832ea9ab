// Package pattern implements the durable store of learned API patterns,
// selector chains, and per-domain intelligence. Patterns describe how to
// invoke an underlying API to reproduce a page's content without rendering;
// the store owns their confidence accounting.
package pattern

import (
	"time"
)

// TemplateType classifies how a pattern maps URLs to API calls.
type TemplateType string

const (
	TemplateRESTResource TemplateType = "rest-resource"
	TemplateQueryAPI     TemplateType = "query-api"
	TemplateGraphQL      TemplateType = "graphql"
)

// ResponseFormat is the wire format a pattern's endpoint answers with.
type ResponseFormat string

const (
	FormatJSON ResponseFormat = "json"
	FormatXML  ResponseFormat = "xml"
	FormatText ResponseFormat = "text"
)

// ExtractorSource names where an extractor pulls its value from.
type ExtractorSource string

const (
	SourcePath   ExtractorSource = "path"
	SourceQuery  ExtractorSource = "query"
	SourceHeader ExtractorSource = "header"
)

// Extractor pulls one template parameter out of a request URL or header.
type Extractor struct {
	Name    string          `json:"name"`
	Source  ExtractorSource `json:"source"`
	Pattern string          `json:"pattern"`
	Group   int             `json:"group"`
}

// ContentMapping gives the dotted paths that project an API response onto
// page content fields. Empty paths mean "not mapped".
type ContentMapping struct {
	Title     string `json:"title,omitempty"`
	Body      string `json:"body,omitempty"`
	ListItems string `json:"listItems,omitempty"`
}

// Validation gates whether an invoked pattern's response counts as the page.
type Validation struct {
	RequiredFields      []string `json:"requiredFields,omitempty"`
	MinContentLength    int      `json:"minContentLength,omitempty"`
	AllowedContentTypes []string `json:"allowedContentTypes,omitempty"`
}

// Metrics is the pattern's learned quality record. Confidence tracks the
// smoothed success ratio: +α·(1-c) on success, ×(1-β) on failure.
type Metrics struct {
	SuccessCount  int       `json:"successCount"`
	FailureCount  int       `json:"failureCount"`
	Confidence    float64   `json:"confidence"`
	LastSuccess   time.Time `json:"lastSuccess,omitzero"`
	SourceDomains []string  `json:"sourceDomains,omitempty"`
}

// APIPattern is the persistent record of one learned API invocation shape.
type APIPattern struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenantId"`
	Domain           string            `json:"domain"`
	TemplateType     TemplateType      `json:"templateType"`
	URLPatterns      []string          `json:"urlPatterns"`
	EndpointTemplate string            `json:"endpointTemplate"`
	Extractors       []Extractor       `json:"extractors,omitempty"`
	Method           string            `json:"method"`
	Headers          map[string]string `json:"headers,omitempty"`
	// BodyTemplate is the request body for non-GET patterns (GraphQL query
	// envelopes). Supports the same {param} placeholders as the endpoint.
	BodyTemplate string `json:"bodyTemplate,omitempty"`
	ResponseFormat   ResponseFormat    `json:"responseFormat"`
	ContentMapping   ContentMapping    `json:"contentMapping"`
	Validation       Validation        `json:"validation"`
	Metrics          Metrics           `json:"metrics"`
	DiscoverySource  string            `json:"discoverySource,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Confidence smoothing constants and eligibility gates.
const (
	confidenceAlpha = 0.1
	confidenceBeta  = 0.2

	EligibleConfidence   = 0.7
	EligibleMinSuccesses = 3
	EligibleMaxAge       = 14 * 24 * time.Hour
)

// Eligible reports whether the pattern may be used to bypass rendering.
func (p *APIPattern) Eligible(now time.Time) bool {
	m := p.Metrics
	return m.Confidence >= EligibleConfidence &&
		m.SuccessCount >= EligibleMinSuccesses &&
		!m.LastSuccess.IsZero() &&
		now.Sub(m.LastSuccess) <= EligibleMaxAge
}

// recordSuccess applies the success confidence update in place.
func (m *Metrics) recordSuccess(now time.Time) {
	m.SuccessCount++
	m.Confidence += (1 - m.Confidence) * confidenceAlpha
	if m.Confidence > 1 {
		m.Confidence = 1
	}
	m.LastSuccess = now
}

// recordFailure applies the failure confidence decay in place.
func (m *Metrics) recordFailure() {
	m.FailureCount++
	m.Confidence *= 1 - confidenceBeta
	if m.Confidence < 0 {
		m.Confidence = 0
	}
}

// SelectorChain is an ordered fallback list of extraction selectors for a
// domain, each with its own success counters.
type SelectorChain struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	Domain    string          `json:"domain"`
	Purpose   string          `json:"purpose"` // "title", "body", "listItems"
	Selectors []SelectorEntry `json:"selectors"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// SelectorEntry is one CSS/XPath selector with its outcome counts.
type SelectorEntry struct {
	Selector     string `json:"selector"`
	Kind         string `json:"kind"` // "css" or "xpath"
	SuccessCount int    `json:"successCount"`
	FailureCount int    `json:"failureCount"`
}

// DomainIntelligence aggregates what the store has learned about a domain.
type DomainIntelligence struct {
	Domain            string    `json:"domain"`
	PatternCount      int       `json:"patternCount"`
	SelectorChains    int       `json:"selectorChains"`
	ValidatorCount    int       `json:"validatorCount"`
	SuccessRate       float64   `json:"successRate"`
	TotalAttempts     int       `json:"totalAttempts"`
	TotalSuccesses    int       `json:"totalSuccesses"`
	BotFailures       int       `json:"botFailures"`
	WaitStrategy      string    `json:"waitStrategy"`
	ShouldUseSession  bool      `json:"shouldUseSession"`
	LastObserved      time.Time `json:"lastObserved,omitzero"`
}
