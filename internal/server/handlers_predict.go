package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
	"github.com/skimmerhq/skimmer/internal/predictor"
)

// predictionView decorates a change pattern with its current urgency and
// recommended poll interval.
type predictionView struct {
	*predictor.ChangePattern
	Urgency      int           `json:"urgency"`
	PollInterval time.Duration `json:"pollIntervalMs"`
}

func viewsOf(patterns []*predictor.ChangePattern, now time.Time) []predictionView {
	out := make([]predictionView, 0, len(patterns))
	for _, cp := range patterns {
		out = append(out, predictionView{
			ChangePattern: cp,
			Urgency:       cp.UrgencyAt(now),
			PollInterval:  cp.PollIntervalAt(now),
		})
	}
	return out
}

func (s *Server) handlePredictionList(w http.ResponseWriter, r *http.Request) {
	minUrgency := 0
	if q := r.URL.Query().Get("minUrgency"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < predictor.UrgencyLow || v > predictor.UrgencyCritical {
			writeError(w, fetcherr.New(fetcherr.CodeInvalidRequest, "minUrgency must be 0..3"))
			return
		}
		minUrgency = v
	}

	now := time.Now()
	list, err := s.deps.Predictor.List(r.Context(), TenantFrom(r.Context()),
		r.URL.Query().Get("domain"), minUrgency, now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": viewsOf(list, now)})
}

func (s *Server) handlePredictionDomain(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	list, err := s.deps.Predictor.List(r.Context(), TenantFrom(r.Context()),
		chi.URLParam(r, "domain"), 0, now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": viewsOf(list, now)})
}

func (s *Server) handlePredictionAccuracy(w http.ResponseWriter, r *http.Request) {
	hits, misses, rate, err := s.deps.Predictor.Accuracy(r.Context(), TenantFrom(r.Context()),
		chi.URLParam(r, "domain"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hits": hits, "misses": misses, "accuracy": rate,
	})
}

func (s *Server) handlePredictionsByUrgency(w http.ResponseWriter, r *http.Request) {
	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil || level < predictor.UrgencyLow || level > predictor.UrgencyCritical {
		writeError(w, fetcherr.New(fetcherr.CodeInvalidRequest, "urgency level must be 0..3"))
		return
	}
	now := time.Now()
	list, err := s.deps.Predictor.ByUrgency(r.Context(), TenantFrom(r.Context()), level, now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": viewsOf(list, now)})
}

func (s *Server) handlePredictionObserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL         string `json:"url"`
		ContentHash string `json:"contentHash"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" || req.ContentHash == "" {
		writeError(w, fetcherr.New(fetcherr.CodeInvalidRequest, "observe needs url and contentHash"))
		return
	}

	now := time.Now()
	cp, err := s.deps.Predictor.Observe(r.Context(), TenantFrom(r.Context()),
		chi.URLParam(r, "domain"), predictor.URLPattern(req.URL), req.ContentHash, now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, predictionView{
		ChangePattern: cp,
		Urgency:       cp.UrgencyAt(now),
		PollInterval:  cp.PollIntervalAt(now),
	})
}
