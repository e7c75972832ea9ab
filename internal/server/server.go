// Package server exposes the fetch core over HTTP: the browse/fetch/batch
// surface, domain intelligence, discovery, workflows, skills, and change
// predictions. All /v1 routes require a bearer API key; /healthz and
// /metrics are public.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/skimmerhq/skimmer/internal/discovery"
	"github.com/skimmerhq/skimmer/internal/executor"
	"github.com/skimmerhq/skimmer/internal/metrics"
	"github.com/skimmerhq/skimmer/internal/pattern"
	"github.com/skimmerhq/skimmer/internal/planner"
	"github.com/skimmerhq/skimmer/internal/predictor"
	"github.com/skimmerhq/skimmer/internal/skills"
	"github.com/skimmerhq/skimmer/internal/verifier"
	"github.com/skimmerhq/skimmer/internal/workflow"
)

// Config holds the HTTP surface configuration.
type Config struct {
	Addr string
	// APIKeys maps bearer keys (sk_live_/sk_test_ prefixed) to tenant IDs.
	APIKeys map[string]string
	// RateLimit is requests per key per minute. Zero means the default.
	RateLimit int
	// WebhookURL receives signed event envelopes when set.
	WebhookURL    string
	WebhookSecret string
	// ShutdownTimeout bounds graceful shutdown. Default 10s.
	ShutdownTimeout time.Duration
}

// Deps are the long-lived services the surface fronts.
type Deps struct {
	Planner      *planner.Planner
	Executor     *executor.Executor
	Patterns     *pattern.Store
	Orchestrator *discovery.Orchestrator
	Fuzzer       *discovery.Fuzzer
	Workflows    *workflow.Store
	Generalizer  *skills.Generalizer
	Predictor    *predictor.Predictor
	Presets      *verifier.Catalog
	Metrics      *metrics.Metrics
	Registry     *prometheus.Registry
}

// Server is the HTTP surface.
type Server struct {
	cfg  Config
	deps Deps

	recorder  *workflow.Recorder
	replayer  *workflow.Replayer
	optimizer *workflow.Optimizer
	notifier  *Notifier
	auth      *authenticator

	http *http.Server
}

// New wires the surface. The replayer runs recorded steps back through the
// same planner and executor the live endpoints use.
func New(cfg Config, deps Deps) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		notifier: NewNotifier(cfg.WebhookURL, cfg.WebhookSecret),
		auth:     newAuthenticator(cfg.APIKeys, cfg.RateLimit),
	}
	s.recorder = workflow.NewRecorder(deps.Workflows)
	s.replayer = workflow.NewReplayer(deps.Workflows, replayFetcher{s})
	s.optimizer = workflow.NewOptimizer(deps.Workflows)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.middleware)

		r.Post("/browse", s.handleBrowse)
		r.Post("/fetch", s.handleBrowse)
		r.Post("/batch", s.handleBatch)
		r.Get("/domains/{domain}/intelligence", s.handleDomainIntelligence)
		r.Get("/domains/{domain}/apis", s.handleDiscover)
		r.Post("/discover/fuzz", s.handleFuzz)

		r.Route("/workflows", func(r chi.Router) {
			r.Post("/record/start", s.handleRecordStart)
			r.Post("/record/{id}/step", s.handleRecordStep)
			r.Post("/record/{id}/annotate", s.handleRecordAnnotate)
			r.Post("/record/{id}/stop", s.handleRecordStop)
			r.Get("/", s.handleWorkflowList)
			r.Get("/{id}", s.handleWorkflowGet)
			r.Delete("/{id}", s.handleWorkflowDelete)
			r.Post("/{id}/replay", s.handleReplay)
			r.Post("/{id}/optimize", s.handleOptimize)
			r.Post("/{id}/abstract", s.handleAbstract)
		})

		r.Post("/skills/match", s.handleSkillMatch)

		r.Route("/predictions", func(r chi.Router) {
			r.Get("/", s.handlePredictionList)
			r.Get("/urgency/{level}", s.handlePredictionsByUrgency)
			r.Get("/{domain}", s.handlePredictionDomain)
			r.Get("/{domain}/accuracy", s.handlePredictionAccuracy)
			r.Post("/{domain}/observe", s.handlePredictionObserve)
		})
	})
	return r
}

// observe records request metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.deps.Metrics.ObserveHTTP(r.Method, routePattern(r), ww.Status(), time.Since(started))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// Start serves until ctx is cancelled, then drains within the shutdown
// timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.http.Addr).Msg("http surface listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	log.Info().Dur("timeout", s.cfg.ShutdownTimeout).Msg("draining http surface")
	return s.http.Shutdown(shutdownCtx)
}
