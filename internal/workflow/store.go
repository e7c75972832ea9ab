package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
)

const workflowSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	id          TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	domain      TEXT NOT NULL,
	name        TEXT NOT NULL,
	payload     BLOB NOT NULL,
	usage_count INTEGER NOT NULL DEFAULT 0,
	deleted     INTEGER NOT NULL DEFAULT 0,
	updated_ts  INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS idx_workflows_domain ON workflows(tenant_id, domain);

CREATE TABLE IF NOT EXISTS workflow_optimizations (
	id          TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	payload     BLOB NOT NULL,
	promoted    INTEGER NOT NULL DEFAULT 0,
	updated_ts  INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS idx_workflow_opts_wf ON workflow_optimizations(tenant_id, workflow_id);
`

// Store persists workflows and their optimizations in SQLite. Deletes are
// soft so replay history stays attributable.
type Store struct {
	db *sql.DB
}

// NewStore migrates the workflow tables.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(workflowSchema); err != nil {
		return nil, fmt.Errorf("migrate workflow schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save inserts or replaces a workflow. A missing ID is assigned in place.
func (s *Store) Save(ctx context.Context, w *Workflow) error {
	if w.TenantID == "" || w.Domain == "" {
		return fetcherr.New(fetcherr.CodeInvalidRequest, "workflow needs tenant and domain")
	}
	now := time.Now().UTC()
	if w.ID == "" {
		w.ID = "wf_" + uuid.NewString()
		w.CreatedAt = now
		w.Version = 1
	}
	w.UpdatedAt = now

	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, tenant_id, domain, name, payload, usage_count, deleted, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			domain = excluded.domain,
			name = excluded.name,
			payload = excluded.payload,
			usage_count = excluded.usage_count,
			updated_ts = excluded.updated_ts`,
		w.ID, w.TenantID, w.Domain, w.Name, payload, w.UsageCount, now.Unix())
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", w.ID, err)
	}
	return nil
}

// Get loads one workflow. Soft-deleted workflows are not found.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Workflow, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM workflows WHERE tenant_id = ? AND id = ? AND deleted = 0`,
		tenantID, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fetcherr.New(fetcherr.CodeWorkflowNotFound, "workflow %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	var w Workflow
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	return &w, nil
}

// ListOptions filter List.
type ListOptions struct {
	Domain string
	Tag    string
	Limit  int
}

// List returns the tenant's workflows, newest first.
func (s *Store) List(ctx context.Context, tenantID string, opts ListOptions) ([]*Workflow, error) {
	q := `SELECT payload FROM workflows WHERE tenant_id = ? AND deleted = 0`
	args := []any{tenantID}
	if opts.Domain != "" {
		q += ` AND domain = ?`
		args = append(args, opts.Domain)
	}
	q += ` ORDER BY updated_ts DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var w Workflow
		if err := json.Unmarshal(payload, &w); err != nil {
			log.Warn().Err(err).Msg("skipping undecodable workflow row")
			continue
		}
		if opts.Tag != "" && !hasTag(w.Tags, opts.Tag) {
			continue
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// Delete soft-deletes a workflow.
func (s *Store) Delete(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET deleted = 1, updated_ts = ? WHERE tenant_id = ? AND id = ? AND deleted = 0`,
		time.Now().Unix(), tenantID, id)
	if err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fetcherr.New(fetcherr.CodeWorkflowNotFound, "workflow %s not found", id)
	}
	return nil
}

// SaveOptimization inserts or replaces an optimization record.
func (s *Store) SaveOptimization(ctx context.Context, o *Optimization) error {
	now := time.Now().UTC()
	if o.ID == "" {
		o.ID = "opt_" + uuid.NewString()
		o.CreatedAt = now
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal optimization: %w", err)
	}
	promoted := 0
	if o.Promoted {
		promoted = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_optimizations (id, tenant_id, workflow_id, payload, promoted, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			payload = excluded.payload,
			promoted = excluded.promoted,
			updated_ts = excluded.updated_ts`,
		o.ID, o.TenantID, o.WorkflowID, payload, promoted, now.Unix())
	if err != nil {
		return fmt.Errorf("save optimization %s: %w", o.ID, err)
	}
	return nil
}

// GetOptimization loads one optimization record.
func (s *Store) GetOptimization(ctx context.Context, tenantID, id string) (*Optimization, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM workflow_optimizations WHERE tenant_id = ? AND id = ?`,
		tenantID, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fetcherr.New(fetcherr.CodeWorkflowNotFound, "optimization %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load optimization %s: %w", id, err)
	}
	var o Optimization
	if err := json.Unmarshal(payload, &o); err != nil {
		return nil, fmt.Errorf("decode optimization %s: %w", id, err)
	}
	return &o, nil
}

// Optimizations returns all optimization records for one workflow.
func (s *Store) Optimizations(ctx context.Context, tenantID, workflowID string) ([]*Optimization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM workflow_optimizations WHERE tenant_id = ? AND workflow_id = ? ORDER BY updated_ts DESC`,
		tenantID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list optimizations: %w", err)
	}
	defer rows.Close()

	var out []*Optimization
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var o Optimization
		if err := json.Unmarshal(payload, &o); err != nil {
			log.Warn().Err(err).Msg("skipping undecodable optimization row")
			continue
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// PromotedOptimization returns the workflow's promoted optimization, if any.
func (s *Store) PromotedOptimization(ctx context.Context, tenantID, workflowID string) (*Optimization, error) {
	opts, err := s.Optimizations(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	for _, o := range opts {
		if o.Promoted {
			return o, nil
		}
	}
	return nil, nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}
