package discovery

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/skimmerhq/skimmer/internal/pattern"
)

// FuzzOptions tunes an on-demand path fuzzing run. Zero values fall back to
// the defaults below.
type FuzzOptions struct {
	Paths         []string          `json:"paths,omitempty"`
	Methods       []string          `json:"methods,omitempty"`
	ProbeTimeout  time.Duration     `json:"probeTimeout,omitempty"`
	MaxDuration   time.Duration     `json:"maxDuration,omitempty"`
	LearnPatterns bool              `json:"learnPatterns,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	SuccessCodes  []int             `json:"successCodes,omitempty"`
}

// DiscoveredEndpoint is one responsive path found by the fuzzer.
type DiscoveredEndpoint struct {
	URL         string        `json:"url"`
	Method      string        `json:"method"`
	StatusCode  int           `json:"statusCode"`
	ContentType string        `json:"contentType"`
	BodyBytes   int           `json:"bodyBytes"`
	Latency     time.Duration `json:"latency"`
	JSONLike    bool          `json:"jsonLike"`
}

// FuzzStats summarizes a fuzzing run.
type FuzzStats struct {
	Probed   int           `json:"probed"`
	Hits     int           `json:"hits"`
	Learned  int           `json:"learned"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timedOut"`
}

// FuzzResult is the fuzz endpoint's response payload.
type FuzzResult struct {
	Domain     string               `json:"domain"`
	Discovered []DiscoveredEndpoint `json:"discovered"`
	Stats      FuzzStats            `json:"stats"`
}

// defaultFuzzPaths is the seed wordlist: common API roots, version prefixes,
// and well-known description locations.
var defaultFuzzPaths = []string{
	"/api", "/api/v1", "/api/v2", "/v1", "/v2", "/rest",
	"/api/users", "/api/items", "/api/products", "/api/search",
	"/api/status", "/api/health", "/healthz", "/status",
	"/graphql", "/api/graphql",
	"/.well-known/api-catalog",
}

var defaultSuccessCodes = []int{200, 201, 204}

// Fuzzer probes candidate API paths on demand. It shares the discovery
// subsystem's per-domain pacing so fuzzing never outruns the probe budget.
type Fuzzer struct {
	client *http.Client
	store  *pattern.Store

	probeInterval time.Duration
	probeBurst    int
}

// NewFuzzer builds a fuzzer. The store may be nil when learning is disabled.
func NewFuzzer(store *pattern.Store, cfg Config) *Fuzzer {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 3 * time.Second
	}
	if cfg.ProbeBurst <= 0 {
		cfg.ProbeBurst = 5
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &Fuzzer{
		client:        &http.Client{Timeout: cfg.HTTPTimeout},
		store:         store,
		probeInterval: cfg.ProbeInterval,
		probeBurst:    cfg.ProbeBurst,
	}
}

// Fuzz probes the domain's candidate paths, bounded by opts.MaxDuration and
// the per-domain rate limit. Hits on success codes become discovered
// endpoints; with LearnPatterns set, JSON-answering hits are persisted as
// observed-tier patterns.
func (f *Fuzzer) Fuzz(ctx context.Context, tenantID, domain string, opts FuzzOptions) (*FuzzResult, error) {
	paths := opts.Paths
	if len(paths) == 0 {
		paths = defaultFuzzPaths
	}
	methods := opts.Methods
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	successCodes := opts.SuccessCodes
	if len(successCodes) == 0 {
		successCodes = defaultSuccessCodes
	}
	maxDuration := opts.MaxDuration
	if maxDuration <= 0 {
		maxDuration = 30 * time.Second
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(f.probeInterval), f.probeBurst)
	started := time.Now()
	result := &FuzzResult{Domain: domain}

	success := make(map[int]bool, len(successCodes))
	for _, c := range successCodes {
		success[c] = true
	}

probing:
	for _, path := range paths {
		for _, method := range methods {
			if err := limiter.Wait(ctx); err != nil {
				result.Stats.TimedOut = true
				break probing
			}
			result.Stats.Probed++

			ep, err := f.probe(ctx, domain, method, path, probeTimeout, opts.Headers)
			if err != nil {
				if ctx.Err() != nil {
					result.Stats.TimedOut = true
					break probing
				}
				continue
			}
			if !success[ep.StatusCode] {
				continue
			}
			result.Discovered = append(result.Discovered, *ep)
			result.Stats.Hits++

			if opts.LearnPatterns && f.store != nil && ep.JSONLike {
				if err := f.learn(ctx, tenantID, domain, ep); err != nil {
					log.Warn().Err(err).Str("component", "discovery").
						Str("url", ep.URL).Msg("fuzz pattern persist failed")
				} else {
					result.Stats.Learned++
				}
			}
		}
	}

	result.Stats.Duration = time.Since(started)
	log.Info().Str("component", "discovery").Str("domain", domain).
		Int("probed", result.Stats.Probed).Int("hits", result.Stats.Hits).
		Int("learned", result.Stats.Learned).Dur("took", result.Stats.Duration).
		Msg("fuzz run completed")
	return result, nil
}

func (f *Fuzzer) probe(ctx context.Context, domain, method, path string, timeout time.Duration, headers map[string]string) (*DiscoveredEndpoint, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := "https://" + domain + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(probeCtx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, */*;q=0.5")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256<<10))

	ct := resp.Header.Get("Content-Type")
	return &DiscoveredEndpoint{
		URL:         url,
		Method:      method,
		StatusCode:  resp.StatusCode,
		ContentType: ct,
		BodyBytes:   len(body),
		Latency:     time.Since(started),
		JSONLike:    strings.Contains(ct, "json") || looksLikeJSON(body),
	}, nil
}

func looksLikeJSON(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

// learn persists a fuzz hit as an observed pattern at the observed prior.
// Unlike spec-backed patterns, a fuzz hit is a single good response, so the
// success count starts at 1 and the pattern must earn eligibility.
func (f *Fuzzer) learn(ctx context.Context, tenantID, domain string, ep *DiscoveredEndpoint) error {
	p := &pattern.APIPattern{
		ID:               PatternID("fuzz", domain, ep.Method, ep.URL),
		TenantID:         tenantID,
		Domain:           domain,
		TemplateType:     pattern.TemplateRESTResource,
		EndpointTemplate: ep.URL,
		URLPatterns:      []string{"^" + regexp.QuoteMeta(ep.URL) + `/?$`},
		Method:           ep.Method,
		ResponseFormat:   pattern.FormatJSON,
		Validation:       pattern.Validation{MinContentLength: 2},
		DiscoverySource:  "fuzz",
		Metrics: pattern.Metrics{
			Confidence:    PriorObserved,
			SuccessCount:  1,
			LastSuccess:   time.Now().UTC(),
			SourceDomains: []string{domain},
		},
	}
	return f.store.Upsert(ctx, p)
}
