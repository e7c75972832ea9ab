// Package discovery probes domains for machine-readable API descriptions
// (OpenAPI, GraphQL introspection, RAML, API Blueprint, WADL, RFC 8288 link
// relations) and compiles what it finds into invocable API patterns. Results
// are cached per (tenant, domain); repeated failures back off through a
// cooldown table so unreachable domains never cause probe storms.
package discovery

import (
	"context"
	"net/http"
	"time"

	"github.com/skimmerhq/skimmer/internal/pattern"
)

// Source priors: how much a pattern derived from each description format is
// trusted before any invocation succeeds. Also the merge priority order.
const (
	PriorOpenAPI  = 0.95
	PriorGraphQL  = 0.90
	PriorAsyncAPI = 0.85
	PriorRAML     = 0.80
	PriorLinks    = 0.70
	PriorDocsPage = 0.60
	PriorObserved = 0.50
)

// specBackedSuccesses seeds the success counter for spec-derived patterns,
// reflecting that a published spec is stronger evidence than one good fetch.
const specBackedSuccesses = 50

// Endpoint is one operation extracted from a parsed spec.
type Endpoint struct {
	Method              string   `json:"method"`
	Path                string   `json:"path"`
	PathParams          []string `json:"pathParams,omitempty"`
	QueryParams         []string `json:"queryParams,omitempty"`
	RequestContentType  string   `json:"requestContentType,omitempty"`
	ResponseContentType string   `json:"responseContentType,omitempty"`
}

// ParsedSpec is the format-independent result of parsing an API description.
type ParsedSpec struct {
	Title     string     `json:"title,omitempty"`
	Version   string     `json:"version,omitempty"`
	BaseURL   string     `json:"baseUrl,omitempty"`
	Endpoints []Endpoint `json:"endpoints"`
}

// Result is what one discovery source produced for a domain.
type Result struct {
	Source          string                `json:"source"`
	Confidence      float64               `json:"confidence"`
	Patterns        []*pattern.APIPattern `json:"patterns,omitempty"`
	Metadata        map[string]any        `json:"metadata,omitempty"`
	DiscoveryTime   time.Duration         `json:"discoveryTime"`
	Found           bool                  `json:"found"`
	Error           string                `json:"error,omitempty"`
	ProbedLocations []string              `json:"probedLocations,omitempty"`
}

// DomainDiscovery is the merged, cached discovery state for a domain.
type DomainDiscovery struct {
	Domain          string                `json:"domain"`
	Found           bool                  `json:"found"`
	Sources         []Result              `json:"sources"`
	Patterns        []*pattern.APIPattern `json:"patterns,omitempty"`
	Metadata        map[string]any        `json:"metadata,omitempty"`
	ProbedLocations []string              `json:"probedLocations,omitempty"`
	DiscoveredAt    time.Time             `json:"discoveredAt"`
}

// Source is one discovery strategy for a domain.
type Source interface {
	Name() string
	Prior() float64
	// Discover probes the domain. Transport errors belong in the returned
	// Result's Error field; a hard error aborts only this source.
	Discover(ctx context.Context, client *http.Client, domain string) Result
}

// sourcePriority orders sources for metadata merging, highest trust first.
func sourcePriority(name string) int {
	switch name {
	case "openapi":
		return 0
	case "graphql":
		return 1
	case "asyncapi":
		return 2
	case "raml", "blueprint", "wadl":
		return 3
	case "links":
		return 4
	case "docs":
		return 5
	default:
		return 6
	}
}
