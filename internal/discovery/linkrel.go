package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/skimmerhq/skimmer/internal/pattern"
)

// LinkSource discovers API structure from RFC 8288 Link headers, HTML
// <link rel> tags, and hypermedia response bodies (HAL, JSON:API, Siren,
// Collection+JSON, Hydra).
type LinkSource struct{}

func (s *LinkSource) Name() string   { return "links" }
func (s *LinkSource) Prior() float64 { return PriorLinks }

// Link is one parsed link relation.
type Link struct {
	Href  string            `json:"href"`
	Rel   string            `json:"rel"`
	Type  string            `json:"type,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// String re-serializes the link in RFC 8288 form.
func (l Link) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "<%s>; rel=%q", l.Href, l.Rel)
	if l.Type != "" {
		fmt.Fprintf(&b, "; type=%q", l.Type)
	}
	for k, v := range l.Attrs {
		fmt.Fprintf(&b, "; %s=%q", k, v)
	}
	return b.String()
}

// paginationRels maps RFC 5988/8288 pagination relations to canonical names.
var paginationRels = map[string]string{
	"next": "next", "prev": "prev", "previous": "prev",
	"first": "first", "last": "last",
}

// ParseLinkHeader parses an RFC 8288 Link header value. It honors balanced
// angle brackets in the target and escaped quotes inside quoted parameter
// values; a link with multiple rel tokens yields one Link per token.
func ParseLinkHeader(header string) []Link {
	var links []Link
	i := 0
	n := len(header)

	for i < n {
		// Skip whitespace and separators between link-values.
		for i < n && (header[i] == ' ' || header[i] == '\t' || header[i] == ',') {
			i++
		}
		if i >= n || header[i] != '<' {
			break
		}

		// Target: scan to the matching '>'. URIs cannot contain '<' or '>',
		// so a nested bracket means malformed input; bail on this value.
		i++
		start := i
		for i < n && header[i] != '>' {
			i++
		}
		if i >= n {
			break
		}
		href := header[start:i]
		i++ // past '>'

		// Parameters: ';' separated, values either tokens or quoted strings
		// with backslash escapes.
		params := make(map[string]string)
		for i < n && header[i] != ',' {
			if header[i] == ';' || header[i] == ' ' || header[i] == '\t' {
				i++
				continue
			}
			// key
			keyStart := i
			for i < n && header[i] != '=' && header[i] != ';' && header[i] != ',' {
				i++
			}
			key := strings.ToLower(strings.TrimSpace(header[keyStart:i]))
			if i >= n || header[i] != '=' {
				if key != "" {
					params[key] = ""
				}
				continue
			}
			i++ // past '='
			var value string
			if i < n && header[i] == '"' {
				i++
				var sb strings.Builder
				for i < n && header[i] != '"' {
					if header[i] == '\\' && i+1 < n {
						i++
					}
					sb.WriteByte(header[i])
					i++
				}
				i++ // past closing quote
				value = sb.String()
			} else {
				valStart := i
				for i < n && header[i] != ';' && header[i] != ',' {
					i++
				}
				value = strings.TrimSpace(header[valStart:i])
			}
			if key != "" {
				params[key] = value
			}
		}

		rels := strings.Fields(params["rel"])
		if len(rels) == 0 {
			rels = []string{""}
		}
		for _, rel := range rels {
			link := Link{Href: href, Rel: rel, Type: params["type"]}
			for k, v := range params {
				if k == "rel" || k == "type" {
					continue
				}
				if link.Attrs == nil {
					link.Attrs = make(map[string]string)
				}
				link.Attrs[k] = v
			}
			links = append(links, link)
		}
	}
	return links
}

// HypermediaFormat identifies a hypermedia JSON dialect.
type HypermediaFormat string

const (
	FormatHAL            HypermediaFormat = "hal"
	FormatJSONAPI        HypermediaFormat = "jsonapi"
	FormatSiren          HypermediaFormat = "siren"
	FormatCollectionJSON HypermediaFormat = "collection+json"
	FormatHydra          HypermediaFormat = "hydra"
	FormatUnknown        HypermediaFormat = ""
)

// DetectHypermedia fingerprints a decoded JSON body.
func DetectHypermedia(body any) HypermediaFormat {
	obj, ok := body.(map[string]any)
	if !ok {
		return FormatUnknown
	}
	if _, ok := obj["_links"]; ok {
		return FormatHAL
	}
	if data, ok := obj["data"]; ok {
		switch d := data.(type) {
		case map[string]any:
			if hasKeys(d, "type", "id") {
				return FormatJSONAPI
			}
		case []any:
			if len(d) > 0 {
				if first, ok := d[0].(map[string]any); ok && hasKeys(first, "type", "id") {
					return FormatJSONAPI
				}
			}
		}
	}
	if _, hasClass := obj["class"]; hasClass {
		if _, hasLinks := obj["links"].([]any); hasLinks {
			return FormatSiren
		}
	}
	if coll, ok := obj["collection"].(map[string]any); ok {
		if _, ok := coll["href"]; ok {
			return FormatCollectionJSON
		}
	}
	if ctx, ok := obj["@context"]; ok {
		if s, ok := ctx.(string); ok && strings.Contains(strings.ToLower(s), "hydra") {
			return FormatHydra
		}
	}
	return FormatUnknown
}

func hasKeys(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

var htmlLinkRe = regexp.MustCompile(`(?is)<link\s+[^>]*>`)
var attrRe = regexp.MustCompile(`(?i)(rel|href|type)\s*=\s*"([^"]*)"`)

// parseHTMLLinks extracts <link rel> tags from an HTML head.
func parseHTMLLinks(body string) []Link {
	var links []Link
	for _, tag := range htmlLinkRe.FindAllString(body, 50) {
		var l Link
		for _, m := range attrRe.FindAllStringSubmatch(tag, -1) {
			switch strings.ToLower(m[1]) {
			case "rel":
				l.Rel = m[2]
			case "href":
				l.Href = m[2]
			case "type":
				l.Type = m[2]
			}
		}
		if l.Href != "" && l.Rel != "" {
			links = append(links, l)
		}
	}
	return links
}

func (s *LinkSource) Discover(ctx context.Context, client *http.Client, domain string) Result {
	res := Result{Source: s.Name(), Confidence: s.Prior()}

	for _, path := range []string{"/", "/api"} {
		probe := "https://" + domain + path
		res.ProbedLocations = append(res.ProbedLocations, probe)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe, nil)
		if err != nil {
			continue
		}
		req.Header.Set("Accept", "application/json, text/html;q=0.8")
		resp, err := client.Do(req)
		if err != nil {
			res.Error = err.Error()
			continue
		}
		data, _ := readLimited(resp)
		if resp.StatusCode != http.StatusOK {
			continue
		}

		var links []Link
		for _, hv := range resp.Header.Values("Link") {
			links = append(links, ParseLinkHeader(hv)...)
		}

		format := FormatUnknown
		ct := resp.Header.Get("Content-Type")
		if strings.Contains(ct, "json") {
			var body any
			if err := json.Unmarshal(data, &body); err == nil {
				format = DetectHypermedia(body)
				links = append(links, hypermediaLinks(body, format)...)
			}
		} else if strings.Contains(ct, "html") {
			links = append(links, parseHTMLLinks(string(data))...)
		}

		apiLinks := filterAPILinks(links)
		if len(apiLinks) == 0 && format == FormatUnknown {
			continue
		}

		res.Found = true
		res.Error = ""
		res.Patterns = s.patternsFromLinks(domain, apiLinks)
		res.Metadata = map[string]any{
			"format":     string(format),
			"linkCount":  len(links),
			"pagination": paginationMap(links),
		}
		return res
	}
	return res
}

// hypermediaLinks pulls link relations out of a hypermedia body.
func hypermediaLinks(body any, format HypermediaFormat) []Link {
	obj, ok := body.(map[string]any)
	if !ok {
		return nil
	}
	var links []Link
	switch format {
	case FormatHAL:
		if lm, ok := obj["_links"].(map[string]any); ok {
			for rel, v := range lm {
				if lo, ok := v.(map[string]any); ok {
					if href, ok := lo["href"].(string); ok {
						links = append(links, Link{Href: href, Rel: rel})
					}
				}
			}
		}
	case FormatSiren:
		if la, ok := obj["links"].([]any); ok {
			for _, v := range la {
				lo, ok := v.(map[string]any)
				if !ok {
					continue
				}
				href, _ := lo["href"].(string)
				if rels, ok := lo["rel"].([]any); ok && href != "" {
					for _, r := range rels {
						if rs, ok := r.(string); ok {
							links = append(links, Link{Href: href, Rel: rs})
						}
					}
				}
			}
		}
	case FormatJSONAPI:
		if lm, ok := obj["links"].(map[string]any); ok {
			for rel, v := range lm {
				if href, ok := v.(string); ok {
					links = append(links, Link{Href: href, Rel: rel})
				}
			}
		}
	}
	return links
}

// filterAPILinks keeps relations that point at API structure rather than
// stylesheets and icons.
func filterAPILinks(links []Link) []Link {
	var out []Link
	for _, l := range links {
		rel := strings.ToLower(l.Rel)
		switch {
		case paginationRels[rel] != "":
			out = append(out, l)
		case rel == "self" || rel == "collection" || rel == "item" || rel == "describedby" || rel == "service-desc" || rel == "alternate" && strings.Contains(l.Type, "json"):
			out = append(out, l)
		case strings.Contains(l.Href, "/api/"):
			out = append(out, l)
		}
	}
	return out
}

func paginationMap(links []Link) map[string]string {
	out := make(map[string]string)
	for _, l := range links {
		if canon := paginationRels[strings.ToLower(l.Rel)]; canon != "" {
			out[canon] = l.Href
		}
	}
	return out
}

func (s *LinkSource) patternsFromLinks(domain string, links []Link) []*pattern.APIPattern {
	var patterns []*pattern.APIPattern
	seen := make(map[string]bool)
	for _, l := range links {
		href := l.Href
		if strings.HasPrefix(href, "/") {
			href = "https://" + domain + href
		}
		if !strings.HasPrefix(href, "http") || seen[href] {
			continue
		}
		seen[href] = true
		p := &pattern.APIPattern{
			ID:               PatternID(s.Name(), domain, "GET", l.Href),
			Domain:           domain,
			TemplateType:     pattern.TemplateRESTResource,
			EndpointTemplate: href,
			URLPatterns:      []string{"^" + regexp.QuoteMeta(href) + "$"},
			Method:           "GET",
			ResponseFormat:   pattern.FormatJSON,
			Validation:       pattern.Validation{MinContentLength: 2},
			DiscoverySource:  s.Name(),
			Metrics: pattern.Metrics{
				Confidence:    s.Prior(),
				SuccessCount:  specBackedSuccesses,
				SourceDomains: []string{domain},
			},
		}
		patterns = append(patterns, p)
	}
	return patterns
}

func readLimited(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}
