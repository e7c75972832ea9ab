// Package analyzer scores network requests captured during renders and
// distills API-shaped traffic into observed patterns. Observed patterns start
// with low confidence and earn bypass eligibility through verified reuse.
package analyzer

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/skimmerhq/skimmer/internal/pattern"
	"github.com/skimmerhq/skimmer/internal/renderer"
	"github.com/skimmerhq/skimmer/internal/urlutil"
)

// Level grades how trustworthy a captured request is as a pattern source.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// Analysis is the verdict for one captured request.
type Analysis struct {
	IsAPI    bool   `json:"isApi"`
	Score    int    `json:"score"`
	Level    Level  `json:"level"`
	AuthKind string `json:"authKind,omitempty"`
}

var (
	apiPathRe    = regexp.MustCompile(`/api/|/v\d+/|/graphql`)
	versionSegRe = regexp.MustCompile(`^v\d+$`)
	numericSegRe = regexp.MustCompile(`^\d+$`)
	uuidSegRe    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// IsAPILike reports whether a captured request looks like an API call: JSON
// content type, an API-shaped path, or a .json suffix.
func IsAPILike(req renderer.NetworkRequest) bool {
	if strings.Contains(strings.ToLower(req.ContentType), "json") {
		return true
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return false
	}
	return apiPathRe.MatchString(u.Path) || strings.HasSuffix(u.Path, ".json")
}

// Analyze scores a captured request. Scoring: +3 for 2xx, +2 for JSON, +2 for
// GET (or an authenticated mutation with a REST-compliant status), +1 for a
// response body, +1 for standard auth. Score ≥7 is high, 4–6 medium.
func Analyze(req renderer.NetworkRequest) Analysis {
	a := Analysis{IsAPI: IsAPILike(req)}
	if !a.IsAPI {
		a.Level = LevelLow
		return a
	}

	if req.StatusCode >= 200 && req.StatusCode < 300 {
		a.Score += 3
	}
	if strings.Contains(strings.ToLower(req.ContentType), "json") {
		a.Score += 2
	}

	a.AuthKind = authKind(req.RequestHeaders)
	method := strings.ToUpper(req.Method)
	switch {
	case method == "GET" || method == "":
		a.Score += 2
	case a.AuthKind != "" && restCompliantStatus(method, req.StatusCode):
		a.Score += 2
	}

	if req.ResponseBody != "" {
		a.Score++
	}
	if a.AuthKind != "" {
		a.Score++
	}

	switch {
	case a.Score >= 7:
		a.Level = LevelHigh
	case a.Score >= 4:
		a.Level = LevelMedium
	default:
		a.Level = LevelLow
	}
	return a
}

// DegradeForTier adjusts an analysis level for the capture tier. Lower tiers
// have incomplete network visibility, so their captures are demoted:
// lightweight drops one level; intelligence keeps only high (as medium) and
// drops everything else.
func DegradeForTier(level Level, tier renderer.Tier) (Level, bool) {
	switch tier {
	case renderer.TierPlaywright:
		return level, true
	case renderer.TierLightweight:
		switch level {
		case LevelHigh:
			return LevelMedium, true
		case LevelMedium:
			return LevelLow, true
		default:
			return LevelLow, true
		}
	case renderer.TierIntelligence:
		if level == LevelHigh {
			return LevelMedium, true
		}
		return "", false
	default:
		return "", false
	}
}

func authKind(headers map[string]string) string {
	for k, v := range headers {
		switch strings.ToLower(k) {
		case "authorization":
			lower := strings.ToLower(v)
			if strings.HasPrefix(lower, "bearer ") {
				return "bearer"
			}
			if strings.HasPrefix(lower, "basic ") {
				return "basic"
			}
			return "authorization"
		case "x-api-key", "api-key":
			return "api-key"
		}
	}
	return ""
}

func restCompliantStatus(method string, status int) bool {
	switch method {
	case "POST":
		return status == 200 || status == 201 || status == 202
	case "PUT", "PATCH":
		return status == 200 || status == 204
	case "DELETE":
		return status == 200 || status == 202 || status == 204
	default:
		return status >= 200 && status < 300
	}
}

// observedConfidence maps analysis levels to initial pattern confidence.
// Matches the "observed" discovery prior for high-grade captures.
var observedConfidence = map[Level]float64{
	LevelHigh:   0.5,
	LevelMedium: 0.35,
	LevelLow:    0.2,
}

// PatternFromCapture builds an observed API pattern from a captured request.
// The URL pattern generalizes numeric, uuid, and version-adjacent segments
// into templated parameters. Returns false when the capture does not survive
// tier degradation or is not API-like.
func PatternFromCapture(tenantID string, req renderer.NetworkRequest, tier renderer.Tier) (*pattern.APIPattern, bool) {
	a := Analyze(req)
	if !a.IsAPI {
		return nil, false
	}
	level, ok := DegradeForTier(a.Level, tier)
	if !ok {
		return nil, false
	}

	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, false
	}
	domain, err := urlutil.Domain(req.URL)
	if err != nil {
		return nil, false
	}

	template, urlPattern, extractors := generalizePath(u)
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}

	p := &pattern.APIPattern{
		TenantID:         tenantID,
		Domain:           domain,
		TemplateType:     templateTypeFor(u),
		URLPatterns:      []string{urlPattern},
		EndpointTemplate: template,
		Extractors:       extractors,
		Method:           method,
		ResponseFormat:   pattern.FormatJSON,
		Validation:       pattern.Validation{MinContentLength: 2},
		DiscoverySource:  "observed",
		Metrics: pattern.Metrics{
			Confidence:    observedConfidence[level],
			SourceDomains: []string{domain},
		},
	}
	if a.AuthKind == "bearer" {
		// Session-scoped token; the invoker substitutes the caller's session.
		p.Headers = map[string]string{"Authorization": "{session.bearer}"}
	}
	return p, true
}

// ParameterCount reports how many dynamic inputs invoking a captured URL
// would need: path segments that generalize into template parameters plus
// query parameters.
func ParameterCount(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	_, _, extractors := generalizePath(u)
	return len(extractors) + len(u.Query())
}

func templateTypeFor(u *url.URL) pattern.TemplateType {
	if strings.Contains(u.Path, "/graphql") {
		return pattern.TemplateGraphQL
	}
	if len(u.RawQuery) > 0 {
		return pattern.TemplateQueryAPI
	}
	return pattern.TemplateRESTResource
}

// generalizePath rewrites variable path segments into {param} placeholders,
// producing the endpoint template, a URL regex, and matching extractors.
func generalizePath(u *url.URL) (template, urlPattern string, extractors []pattern.Extractor) {
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	tmplSegs := make([]string, len(segments))
	reSegs := make([]string, len(segments))
	paramIdx := 0

	for i, seg := range segments {
		variable := numericSegRe.MatchString(seg) || uuidSegRe.MatchString(seg)
		// A segment right after a collection name ("users/123") is the id.
		if !variable && i > 0 && versionSegRe.MatchString(segments[i-1]) {
			variable = false
		}
		if variable {
			name := "param"
			if i > 0 {
				name = strings.TrimSuffix(segments[i-1], "s")
			}
			if paramIdx > 0 {
				name = name + "_" + string(rune('a'+paramIdx))
			}
			paramIdx++
			tmplSegs[i] = "{" + name + "}"
			reSegs[i] = `[^/]+`
			prefix := strings.Join(segments[:i], "/")
			extractors = append(extractors, pattern.Extractor{
				Name:    name,
				Source:  pattern.SourcePath,
				Pattern: regexp.QuoteMeta(prefix) + `/([^/?#]+)`,
				Group:   1,
			})
		} else {
			tmplSegs[i] = seg
			reSegs[i] = regexp.QuoteMeta(seg)
		}
	}

	base := u.Scheme + "://" + u.Host
	template = base + "/" + strings.Join(tmplSegs, "/")
	urlPattern = "^" + regexp.QuoteMeta(base) + "/" + strings.Join(reSegs, "/") + "$"
	return template, urlPattern, extractors
}
