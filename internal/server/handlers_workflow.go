package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
	"github.com/skimmerhq/skimmer/internal/skills"
	"github.com/skimmerhq/skimmer/internal/workflow"
)

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.recorder.Start(TenantFrom(r.Context()), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"recordingId": id})
}

func (s *Server) handleRecordStep(w http.ResponseWriter, r *http.Request) {
	var step workflow.Step
	if !decodeBody(w, r, &step) {
		return
	}
	n, err := s.recorder.RecordStep(chi.URLParam(r, "id"), TenantFrom(r.Context()), step)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stepNumber": n})
}

func (s *Server) handleRecordAnnotate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StepNumber int                 `json:"stepNumber"`
		Annotation string              `json:"annotation"`
		Importance workflow.Importance `json:"importance,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.recorder.Annotate(chi.URLParam(r, "id"), TenantFrom(r.Context()),
		req.StepNumber, req.Annotation, req.Importance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"annotated": true})
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Save        bool     `json:"save"`
		Description string   `json:"description,omitempty"`
		Tags        []string `json:"tags,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	wf, err := s.recorder.Stop(r.Context(), chi.URLParam(r, "id"), TenantFrom(r.Context()),
		req.Save, req.Description, req.Tags)
	if err != nil {
		writeError(w, err)
		return
	}
	if wf == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"discarded": true})
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Workflows.List(r.Context(), TenantFrom(r.Context()), workflow.ListOptions{
		Domain: r.URL.Query().Get("domain"),
		Tag:    r.URL.Query().Get("tag"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*workflow.Workflow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": list})
}

func (s *Server) handleWorkflowGet(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workflows.Get(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleWorkflowDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Workflows.Delete(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Variables    map[string]any `json:"variables,omitempty"`
		SkipShortcut bool           `json:"skipShortcut,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.replayer.Replay(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"),
		workflow.ReplayOptions{Variables: req.Variables, SkipShortcut: req.SkipShortcut})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	props, err := s.optimizer.Analyze(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if props == nil {
		props = []*workflow.Optimization{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"optimizations": props})
}

func (s *Server) handleAbstract(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	wf, err := s.deps.Workflows.Get(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	tmpl, err := s.deps.Generalizer.AbstractWorkflow(r.Context(), wf)
	if err != nil {
		writeError(w, err)
		return
	}
	if tmpl == nil {
		writeError(w, fetcherr.New(fetcherr.CodeInvalidRequest,
			"workflow %s has not earned abstraction yet", wf.ID))
		return
	}
	writeJSON(w, http.StatusCreated, tmpl)
}

func (s *Server) handleSkillMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Context skills.PageContext `json:"context"`
		TopK    int                `json:"topK,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	matches, err := s.deps.Generalizer.Match(r.Context(), TenantFrom(r.Context()), req.Context, req.TopK)
	if err != nil {
		writeError(w, err)
		return
	}
	if matches == nil {
		matches = []skills.TemplateMatch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}
