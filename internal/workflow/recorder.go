package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
	"github.com/skimmerhq/skimmer/internal/urlutil"
)

// session is an in-progress recording. Sessions live in memory only; the
// workflow is persisted at stop time, or discarded.
type session struct {
	ID        string
	TenantID  string
	Name      string
	Domain    string
	Steps     []Step
	StartedAt time.Time
}

// Recorder captures step sequences into named sessions. A session is owned
// by the tenant that started it and rejects writes from anyone else.
type Recorder struct {
	store *Store

	mu       sync.Mutex
	sessions map[string]*session
}

// NewRecorder returns a recorder backed by the given store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store, sessions: make(map[string]*session)}
}

// Start opens a recording session and returns its ID.
func (r *Recorder) Start(tenantID, name string) (string, error) {
	if tenantID == "" || name == "" {
		return "", fetcherr.New(fetcherr.CodeInvalidRequest, "recording needs tenant and name")
	}
	s := &session{
		ID:        "rec_" + uuid.NewString(),
		TenantID:  tenantID,
		Name:      name,
		StartedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	log.Debug().Str("session", s.ID).Str("tenant", tenantID).Msg("recording started")
	return s.ID, nil
}

// RecordStep appends one step. The first navigate step fixes the session's
// domain.
func (r *Recorder) RecordStep(sessionID, tenantID string, step Step) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.owned(sessionID, tenantID)
	if err != nil {
		return 0, err
	}
	step.StepNumber = len(s.Steps) + 1
	if step.Importance == "" {
		step.Importance = ImportanceImportant
	}
	if s.Domain == "" && step.URL != "" {
		if d, derr := urlutil.Domain(step.URL); derr == nil {
			s.Domain = d
		}
	}
	s.Steps = append(s.Steps, step)
	return step.StepNumber, nil
}

// Annotate attaches a human note and importance to an already-recorded step.
func (r *Recorder) Annotate(sessionID, tenantID string, stepNumber int, annotation string, importance Importance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.owned(sessionID, tenantID)
	if err != nil {
		return err
	}
	if stepNumber < 1 || stepNumber > len(s.Steps) {
		return fetcherr.New(fetcherr.CodeInvalidRequest, "session %s has no step %d", sessionID, stepNumber)
	}
	st := &s.Steps[stepNumber-1]
	st.Annotation = annotation
	if importance != "" {
		st.Importance = importance
	}
	return nil
}

// Stop closes the session. With save set, the recording is persisted as a
// workflow and returned; otherwise it is discarded and nil is returned.
func (r *Recorder) Stop(ctx context.Context, sessionID, tenantID string, save bool, description string, tags []string) (*Workflow, error) {
	r.mu.Lock()
	s, err := r.owned(sessionID, tenantID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if !save {
		log.Debug().Str("session", sessionID).Msg("recording discarded")
		return nil, nil
	}
	if len(s.Steps) == 0 {
		return nil, fetcherr.New(fetcherr.CodeInvalidRequest, "session %s has no steps to save", sessionID)
	}

	w := &Workflow{
		Name:        s.Name,
		Description: description,
		Domain:      s.Domain,
		Tags:        tags,
		TenantID:    s.TenantID,
		Steps:       s.Steps,
	}
	if w.Domain == "" {
		w.Domain = "unknown"
	}
	if err := r.store.Save(ctx, w); err != nil {
		return nil, err
	}
	log.Info().Str("workflow", w.ID).Str("domain", w.Domain).Int("steps", len(w.Steps)).
		Msg("recording saved as workflow")
	return w, nil
}

// owned must be called with r.mu held.
func (r *Recorder) owned(sessionID, tenantID string) (*session, error) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fetcherr.New(fetcherr.CodeSessionNotFound, "recording session %s not found", sessionID)
	}
	if s.TenantID != tenantID {
		return nil, fetcherr.New(fetcherr.CodeForbidden, "recording session %s belongs to another tenant", sessionID)
	}
	return s, nil
}
