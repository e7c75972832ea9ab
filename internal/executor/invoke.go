package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
	"github.com/skimmerhq/skimmer/internal/jsonwalk"
	"github.com/skimmerhq/skimmer/internal/pattern"
	"github.com/skimmerhq/skimmer/internal/renderer"
)

// invokeTimeout bounds a single pattern invocation HTTP call.
const invokeTimeout = 5 * time.Second

// invoked is the outcome of one successful pattern invocation.
type invoked struct {
	pattern  *pattern.APIPattern
	endpoint string
	title    string
	body     string
	items    []string
	fields   map[string]any
	raw      string
}

// invoker resolves pattern templates against concrete URLs and issues the
// bypass call.
type invoker struct {
	client *http.Client

	mu      sync.Mutex
	regexps map[string]*regexp.Regexp
}

func newInvoker(client *http.Client) *invoker {
	if client == nil {
		client = &http.Client{Timeout: invokeTimeout}
	}
	return &invoker{client: client, regexps: make(map[string]*regexp.Regexp)}
}

// invoke tries one pattern against a URL. Failures are typed
// pattern_invoke_failed so the executor can fall through without surfacing
// them; upstream 429 is typed separately for terminal accounting.
func (iv *invoker) invoke(ctx context.Context, p *pattern.APIPattern, rawURL string, session *renderer.Session) (*invoked, error) {
	params, err := iv.extract(p, rawURL)
	if err != nil {
		return nil, err
	}
	endpoint := substitute(p.EndpointTemplate, params)
	if strings.Contains(endpoint, "{") {
		return nil, fetcherr.New(fetcherr.CodePatternInvokeFailed,
			"unresolved template parameters in %q", endpoint)
	}

	var body io.Reader
	if p.BodyTemplate != "" {
		body = strings.NewReader(substitute(p.BodyTemplate, params))
	}
	method := p.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.CodePatternInvokeFailed, err, "building request for %s", p.ID)
	}
	req.Header.Set("Accept", "application/json, */*;q=0.5")
	for k, v := range p.Headers {
		req.Header.Set(substitute(k, params), substitute(v, params))
	}
	if session != nil {
		for _, c := range session.Cookies {
			req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}

	resp, err := iv.client.Do(req)
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.CodePatternInvokeFailed, err, "invoking %s", p.ID)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fetcherr.New(fetcherr.CodeUpstreamRateLimited, "origin rate limited %s", endpoint)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fetcherr.New(fetcherr.CodePatternInvokeFailed,
			"pattern %s returned status %d", p.ID, resp.StatusCode)
	}

	out := &invoked{pattern: p, endpoint: endpoint, raw: string(data)}
	if err := iv.project(p, data, out); err != nil {
		return nil, err
	}
	if err := validate(p, out); err != nil {
		return nil, err
	}
	return out, nil
}

// extract pulls every extractor's value from the request URL.
func (iv *invoker) extract(p *pattern.APIPattern, rawURL string) (map[string]string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.CodePatternInvokeFailed, err, "parsing %q", rawURL)
	}

	params := make(map[string]string, len(p.Extractors))
	for _, ex := range p.Extractors {
		var haystack string
		switch ex.Source {
		case pattern.SourcePath:
			haystack = u.Path
		case pattern.SourceQuery:
			haystack = "?" + u.RawQuery
		case pattern.SourceHeader:
			// Header extractors need a live request context; bypass calls
			// have none, so the pattern cannot be invoked here.
			return nil, fetcherr.New(fetcherr.CodePatternInvokeFailed,
				"pattern %s requires header extractor %q", p.ID, ex.Name)
		default:
			haystack = rawURL
		}

		re, err := iv.compile(ex.Pattern)
		if err != nil {
			return nil, fetcherr.Wrap(fetcherr.CodePatternInvokeFailed, err,
				"extractor %q has invalid pattern", ex.Name)
		}
		m := re.FindStringSubmatch(haystack)
		if m == nil || ex.Group >= len(m) {
			return nil, fetcherr.New(fetcherr.CodePatternInvokeFailed,
				"extractor %q matched nothing in %q", ex.Name, rawURL)
		}
		params[ex.Name] = m[ex.Group]
	}
	return params, nil
}

func (iv *invoker) compile(expr string) (*regexp.Regexp, error) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	if re, ok := iv.regexps[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	iv.regexps[expr] = re
	return re, nil
}

// substitute replaces {name} placeholders with extracted values.
func substitute(template string, params map[string]string) string {
	out := template
	for name, value := range params {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}

// project maps the response body onto content fields per the pattern's
// response format and content mapping.
func (iv *invoker) project(p *pattern.APIPattern, data []byte, out *invoked) error {
	switch p.ResponseFormat {
	case pattern.FormatJSON:
		var parsed any
		if err := json.Unmarshal(data, &parsed); err != nil {
			return fetcherr.Wrap(fetcherr.CodePatternInvokeFailed, err,
				"pattern %s answered non-JSON", p.ID)
		}
		if fields, ok := parsed.(map[string]any); ok {
			out.fields = fields
		} else {
			out.fields = map[string]any{"data": parsed}
		}
		if path := p.ContentMapping.Title; path != "" {
			out.title, _ = jsonwalk.WalkString(parsed, path)
		}
		if path := p.ContentMapping.Body; path != "" {
			if s, ok := jsonwalk.WalkString(parsed, path); ok {
				out.body = s
			} else if v, ok := jsonwalk.Walk(parsed, path); ok {
				rendered, _ := json.Marshal(v)
				out.body = string(rendered)
			}
		}
		if path := p.ContentMapping.ListItems; path != "" {
			if items, ok := jsonwalk.WalkSlice(parsed, path); ok {
				for _, item := range items {
					out.items = append(out.items, stringify(item))
				}
			}
		}
		if out.body == "" && p.ContentMapping.Body == "" {
			// No body mapping: render the response as readable key/value
			// lines rather than raw JSON.
			out.body = jsonwalk.Flatten(parsed)
		}
	default:
		out.body = string(data)
	}
	return nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	default:
		rendered, _ := json.Marshal(v)
		return string(rendered)
	}
}

// validate applies the pattern's validation gates to the projected content.
func validate(p *pattern.APIPattern, out *invoked) error {
	for _, field := range p.Validation.RequiredFields {
		if _, ok := jsonwalk.Walk(out.fields, field); !ok {
			return fetcherr.New(fetcherr.CodePatternInvokeFailed,
				"pattern %s response missing required field %q", p.ID, field)
		}
	}
	if min := p.Validation.MinContentLength; min > 0 && len(out.raw) < min {
		return fetcherr.New(fetcherr.CodePatternInvokeFailed,
			"pattern %s response length %d below %d", p.ID, len(out.raw), min)
	}
	return nil
}

// markdown renders the invoked content the way a renderer would.
func (in *invoked) markdown() string {
	var b strings.Builder
	if in.title != "" {
		fmt.Fprintf(&b, "# %s\n\n", in.title)
	}
	if in.body != "" {
		b.WriteString(in.body)
		b.WriteString("\n")
	}
	for _, item := range in.items {
		fmt.Fprintf(&b, "- %s\n", item)
	}
	return strings.TrimRight(b.String(), "\n")
}

// text is the plain-text view of the invoked content.
func (in *invoked) text() string {
	parts := make([]string, 0, 2+len(in.items))
	if in.title != "" {
		parts = append(parts, in.title)
	}
	if in.body != "" {
		parts = append(parts, in.body)
	}
	parts = append(parts, in.items...)
	return strings.Join(parts, "\n")
}
