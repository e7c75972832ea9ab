package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/skimmerhq/skimmer/internal/discovery"
	"github.com/skimmerhq/skimmer/internal/executor"
	"github.com/skimmerhq/skimmer/internal/fetcherr"
	"github.com/skimmerhq/skimmer/internal/planner"
	"github.com/skimmerhq/skimmer/internal/renderer"
	"github.com/skimmerhq/skimmer/internal/trace"
	"github.com/skimmerhq/skimmer/internal/verifier"
	"github.com/skimmerhq/skimmer/internal/workflow"
)

// batchConcurrency bounds parallel fetches within one batch call.
const batchConcurrency = 4

type browseOptions struct {
	ContentType            string           `json:"contentType,omitempty"`
	MaxChars               int              `json:"maxChars,omitempty"`
	ScrollToLoad           bool             `json:"scrollToLoad,omitempty"`
	MaxLatencyMs           int              `json:"maxLatencyMs,omitempty"`
	MaxCostTier            renderer.Tier    `json:"maxCostTier,omitempty"`
	ForceRenderTier        renderer.Tier    `json:"forceRenderTier,omitempty"`
	Verify                 string           `json:"verify,omitempty"`
	Checks                 []verifier.Check `json:"checks,omitempty"`
	StrictVerification     bool             `json:"strictVerification,omitempty"`
	IncludeDecisionTrace   bool             `json:"includeDecisionTrace,omitempty"`
	IncludeNetworkRequests bool             `json:"includeNetworkRequests,omitempty"`
}

type browseRequest struct {
	URL     string            `json:"url"`
	Options *browseOptions    `json:"options,omitempty"`
	Session *renderer.Session `json:"session,omitempty"`
}

type batchRequest struct {
	URLs    []string          `json:"urls"`
	Options *browseOptions    `json:"options,omitempty"`
	Session *renderer.Session `json:"session,omitempty"`
}

type batchEntry struct {
	URL    string           `json:"url"`
	Result *executor.Result `json:"result,omitempty"`
	Error  *errorBody       `json:"error,omitempty"`
}

type batchResponse struct {
	Results   []batchEntry  `json:"results"`
	TotalTime time.Duration `json:"totalTimeMs"`
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	var req browseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tenant := TenantFrom(r.Context())

	res, err := s.fetchOne(r.Context(), tenant, req.URL, req.Options, req.Session)
	if err != nil {
		writeErrorTrace(w, err, traceFor(res, req.Options))
		return
	}

	if s.notifier != nil {
		test := TestEnvFrom(r.Context())
		go s.notifier.Send(context.Background(), "fetch.completed", map[string]any{
			"url":      res.FinalURL,
			"tenantId": tenant,
			"tier":     res.Metadata.Tier,
		}, test)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, fetcherr.New(fetcherr.CodeInvalidRequest, "batch needs at least one URL"))
		return
	}
	tenant := TenantFrom(r.Context())
	started := time.Now()

	entries := make([]batchEntry, len(req.URLs))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(batchConcurrency)
	for i, u := range req.URLs {
		g.Go(func() error {
			res, err := s.fetchOne(ctx, tenant, u, req.Options, req.Session)
			entry := batchEntry{URL: u}
			if err != nil {
				entry.Error = &errorBody{}
				entry.Error.Error.Code = fetcherr.CodeOf(err)
				entry.Error.Error.Message = err.Error()
				entry.Error.DecisionTrace = traceFor(res, req.Options)
			} else {
				entry.Result = res
			}
			entries[i] = entry
			return nil
		})
	}
	g.Wait()

	writeJSON(w, http.StatusOK, batchResponse{Results: entries, TotalTime: time.Since(started)})
}

// fetchOne is the fetch core entry used by browse, batch, and workflow
// replay.
func (s *Server) fetchOne(ctx context.Context, tenant, rawURL string, opts *browseOptions, session *renderer.Session) (*executor.Result, error) {
	if opts == nil {
		opts = &browseOptions{}
	}
	checks := opts.Checks
	if opts.Verify != "" {
		preset, ok := s.deps.Presets.Get(opts.Verify)
		if !ok {
			return nil, fetcherr.New(fetcherr.CodeInvalidRequest, "unknown verification preset %q", opts.Verify)
		}
		checks = append(checks, preset...)
	}

	plan, err := s.deps.Planner.Plan(ctx, tenant, rawURL, planner.Constraints{
		MaxLatency:      time.Duration(opts.MaxLatencyMs) * time.Millisecond,
		MaxCostTier:     opts.MaxCostTier,
		ContentType:     opts.ContentType,
		ForceRenderTier: opts.ForceRenderTier,
	})
	if err != nil {
		return nil, err
	}

	res, err := s.deps.Executor.Execute(ctx, tenant, plan, session, executor.Options{
		Checks:                 checks,
		StrictVerification:     opts.StrictVerification,
		IncludeDecisionTrace:   opts.IncludeDecisionTrace,
		IncludeNetworkRequests: opts.IncludeNetworkRequests,
		MaxChars:               opts.MaxChars,
		ScrollToLoad:           opts.ScrollToLoad,
	})
	if s.deps.Metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = string(fetcherr.CodeOf(err))
		}
		s.deps.Metrics.FetchTotal.WithLabelValues(outcome).Inc()
	}
	return res, err
}

// traceFor returns the partial decision trace for error responses, only
// when the caller asked for tracing.
func traceFor(res *executor.Result, opts *browseOptions) *trace.DecisionTrace {
	if res == nil || opts == nil || !opts.IncludeDecisionTrace {
		return nil
	}
	return res.DecisionTrace
}

func (s *Server) handleDomainIntelligence(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	intel, err := s.deps.Patterns.DomainIntelligence(r.Context(), TenantFrom(r.Context()), domain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intel)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	disc, err := s.deps.Orchestrator.Discover(r.Context(), TenantFrom(r.Context()), domain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disc)
}

type fuzzRequest struct {
	Domain  string `json:"domain"`
	Options struct {
		Paths          []string          `json:"paths,omitempty"`
		Methods        []string          `json:"methods,omitempty"`
		ProbeTimeoutMs int               `json:"probeTimeoutMs,omitempty"`
		MaxDurationMs  int               `json:"maxDurationMs,omitempty"`
		LearnPatterns  bool              `json:"learnPatterns,omitempty"`
		Headers        map[string]string `json:"headers,omitempty"`
		SuccessCodes   []int             `json:"successCodes,omitempty"`
	} `json:"options"`
}

func (s *Server) handleFuzz(w http.ResponseWriter, r *http.Request) {
	var req fuzzRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Domain == "" {
		writeError(w, fetcherr.New(fetcherr.CodeInvalidRequest, "fuzz needs a domain"))
		return
	}

	res, err := s.deps.Fuzzer.Fuzz(r.Context(), TenantFrom(r.Context()), req.Domain, discoveryFuzzOptions(req))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func discoveryFuzzOptions(req fuzzRequest) discovery.FuzzOptions {
	return discovery.FuzzOptions{
		Paths:         req.Options.Paths,
		Methods:       req.Options.Methods,
		ProbeTimeout:  time.Duration(req.Options.ProbeTimeoutMs) * time.Millisecond,
		MaxDuration:   time.Duration(req.Options.MaxDurationMs) * time.Millisecond,
		LearnPatterns: req.Options.LearnPatterns,
		Headers:       req.Options.Headers,
		SuccessCodes:  req.Options.SuccessCodes,
	}
}

// replayFetcher adapts the fetch core to the replayer's narrow interface.
type replayFetcher struct {
	s *Server
}

func (f replayFetcher) Fetch(ctx context.Context, tenantID, rawURL string) (workflow.FetchResult, error) {
	res, err := f.s.fetchOne(ctx, tenantID, rawURL, nil, nil)
	if err != nil {
		return workflow.FetchResult{}, err
	}
	return workflow.FetchResult{
		Tier:     string(res.Metadata.Tier),
		Duration: res.Metadata.LoadTime,
		Content:  res.Content.Text,
	}, nil
}
