package discovery

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/skimmerhq/skimmer/internal/pattern"
)

var templateParamRe = regexp.MustCompile(`\{([^}/]+)\}`)

// CompilePatterns turns a parsed spec into invocable API patterns. Each
// endpoint becomes one pattern: the URL regex escapes the base URL and
// rewrites `{param}` to `[^/]+`; extractors are generated per path parameter;
// confidence starts at the source prior with a spec-backed success count.
func CompilePatterns(tenantID, sourceName string, prior float64, domain string, spec *ParsedSpec) []*pattern.APIPattern {
	base := strings.TrimRight(spec.BaseURL, "/")
	if base == "" {
		base = "https://" + domain
	}

	patterns := make([]*pattern.APIPattern, 0, len(spec.Endpoints))
	for _, ep := range spec.Endpoints {
		path := "/" + strings.TrimLeft(ep.Path, "/")
		method := strings.ToUpper(ep.Method)
		if method == "" {
			method = "GET"
		}

		p := &pattern.APIPattern{
			ID:               PatternID(sourceName, domain, method, path),
			TenantID:         tenantID,
			Domain:           domain,
			TemplateType:     templateTypeFor(method, path, ep),
			EndpointTemplate: base + path,
			URLPatterns:      []string{templateToRegex(base, path)},
			Extractors:       extractorsFor(path, ep.PathParams),
			Method:           method,
			ResponseFormat:   formatFor(ep.ResponseContentType),
			Validation:       pattern.Validation{MinContentLength: 2},
			DiscoverySource:  sourceName,
			Metrics: pattern.Metrics{
				Confidence:    prior,
				SuccessCount:  specBackedSuccesses,
				SourceDomains: []string{domain},
			},
		}
		if ep.RequestContentType != "" && method != "GET" {
			p.Headers = map[string]string{"Content-Type": ep.RequestContentType}
		}
		patterns = append(patterns, p)
	}
	return patterns
}

// PatternID derives the dedup identity of a spec-derived pattern:
// source ∥ domain ∥ method ∥ path template.
func PatternID(source, domain, method, pathTemplate string) string {
	h := sha1.Sum([]byte(source + "\x00" + domain + "\x00" + method + "\x00" + pathTemplate))
	return "pat_" + hex.EncodeToString(h[:10])
}

// templateToRegex builds the URL regex for a templated path.
func templateToRegex(base, path string) string {
	escaped := regexp.QuoteMeta(base)
	var b strings.Builder
	b.WriteString("^")
	b.WriteString(escaped)
	rest := path
	for {
		loc := templateParamRe.FindStringIndex(rest)
		if loc == nil {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		b.WriteString(regexp.QuoteMeta(rest[:loc[0]]))
		b.WriteString(`[^/]+`)
		rest = rest[loc[1]:]
	}
	b.WriteString(`/?$`)
	return b.String()
}

// extractorsFor generates one extractor per path parameter, anchored on the
// literal segment preceding it.
func extractorsFor(path string, declared []string) []pattern.Extractor {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	var out []pattern.Extractor
	for i, seg := range segs {
		m := templateParamRe.FindStringSubmatch(seg)
		if m == nil {
			continue
		}
		name := m[1]
		prefix := ""
		if i > 0 {
			prefix = regexp.QuoteMeta(segs[i-1]) + "/"
		}
		out = append(out, pattern.Extractor{
			Name:    name,
			Source:  pattern.SourcePath,
			Pattern: prefix + `([^/?#]+)`,
			Group:   1,
		})
	}
	// Parameters declared by the spec but absent from the path template are
	// query parameters in disguise.
	for _, name := range declared {
		if strings.Contains(path, "{"+name+"}") {
			continue
		}
		out = append(out, pattern.Extractor{
			Name:    name,
			Source:  pattern.SourceQuery,
			Pattern: fmt.Sprintf(`[?&]%s=([^&#]+)`, regexp.QuoteMeta(name)),
			Group:   1,
		})
	}
	return out
}

func templateTypeFor(method, path string, ep Endpoint) pattern.TemplateType {
	if strings.Contains(path, "graphql") {
		return pattern.TemplateGraphQL
	}
	if len(ep.QueryParams) > 0 {
		return pattern.TemplateQueryAPI
	}
	return pattern.TemplateRESTResource
}

func formatFor(contentType string) pattern.ResponseFormat {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"), ct == "":
		return pattern.FormatJSON
	case strings.Contains(ct, "xml"):
		return pattern.FormatXML
	default:
		return pattern.FormatText
	}
}
