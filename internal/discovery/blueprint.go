package discovery

import (
	"bufio"
	"context"
	"net/http"
	"regexp"
	"strings"
)

// BlueprintSource probes for API Blueprint documents (markdown with a
// `FORMAT: 1A` preamble). Resources declare paths in bracketed headings;
// actions declare methods the same way.
type BlueprintSource struct{}

var blueprintLocations = []string{"/apiary.apib", "/api.apib", "/blueprint.apib"}

func (s *BlueprintSource) Name() string   { return "blueprint" }
func (s *BlueprintSource) Prior() float64 { return PriorRAML }

var (
	bpFormatRe   = regexp.MustCompile(`^FORMAT:\s*1A`)
	bpHostRe     = regexp.MustCompile(`^HOST:\s*(\S+)`)
	// "## Users Collection [/users/{id}{?page}]"
	bpResourceRe = regexp.MustCompile(`^#+\s*[^\[\]]*\[(/[^\]\s]*)\]\s*$`)
	// "### List Users [GET]" or "### Retrieve [GET /users/{id}]"
	bpActionRe = regexp.MustCompile(`^#+\s*[^\[\]]*\[(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)(?:\s+(/[^\]\s]*))?\]\s*$`)
	// "{?page,per_page}" query expansion in URI templates
	bpQueryExpRe = regexp.MustCompile(`\{\?([^}]*)\}`)
)

func (s *BlueprintSource) Discover(ctx context.Context, client *http.Client, domain string) Result {
	res := Result{Source: s.Name(), Confidence: s.Prior()}

	for _, loc := range blueprintLocations {
		probe := "https://" + domain + loc
		res.ProbedLocations = append(res.ProbedLocations, probe)

		data, err := fetchBody(ctx, client, probe, "text/vnd.apiblueprint, text/plain")
		if err != nil {
			res.Error = err.Error()
			continue
		}
		if data == nil {
			continue
		}
		spec, ok := ParseBlueprint(string(data))
		if !ok || len(spec.Endpoints) == 0 {
			continue
		}
		if spec.BaseURL == "" {
			spec.BaseURL = "https://" + domain
		}
		res.Found = true
		res.Error = ""
		res.Patterns = CompilePatterns("", s.Name(), s.Prior(), domain, spec)
		res.Metadata = map[string]any{"title": spec.Title, "location": probe}
		return res
	}
	return res
}

// ParseBlueprint scans an API Blueprint document line by line. Returns false
// when the FORMAT preamble is absent.
func ParseBlueprint(doc string) (*ParsedSpec, bool) {
	scanner := bufio.NewScanner(strings.NewReader(doc))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	spec := &ParsedSpec{}
	sawFormat := false
	sawTitle := false
	currentPath := ""

	for scanner.Scan() {
		line := scanner.Text()

		if !sawFormat {
			if bpFormatRe.MatchString(line) {
				sawFormat = true
			}
			continue
		}
		if m := bpHostRe.FindStringSubmatch(line); m != nil {
			spec.BaseURL = strings.TrimRight(m[1], "/")
			continue
		}
		if !sawTitle && strings.HasPrefix(line, "# ") {
			spec.Title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			sawTitle = true
			continue
		}
		if m := bpActionRe.FindStringSubmatch(line); m != nil {
			path := currentPath
			if m[2] != "" {
				path = m[2]
			}
			if path == "" {
				continue
			}
			spec.Endpoints = append(spec.Endpoints, endpointFromTemplate(m[1], path))
			continue
		}
		if m := bpResourceRe.FindStringSubmatch(line); m != nil {
			currentPath = m[1]
			continue
		}
	}
	return spec, sawFormat
}

// endpointFromTemplate splits a URI template into path and query parameters.
func endpointFromTemplate(method, template string) Endpoint {
	path := template
	var queryParams []string
	if m := bpQueryExpRe.FindStringSubmatch(path); m != nil {
		for _, q := range strings.Split(m[1], ",") {
			if q = strings.TrimSpace(q); q != "" {
				queryParams = append(queryParams, q)
			}
		}
		path = bpQueryExpRe.ReplaceAllString(path, "")
	}
	return Endpoint{
		Method:              method,
		Path:                path,
		PathParams:          templateParams(path),
		QueryParams:         queryParams,
		ResponseContentType: "application/json",
	}
}
