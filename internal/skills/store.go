package skills

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
)

const skillSchema = `
CREATE TABLE IF NOT EXISTS skills (
	id         TEXT NOT NULL,
	tenant_id  TEXT NOT NULL,
	payload    BLOB NOT NULL,
	updated_ts INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS skill_templates (
	id         TEXT NOT NULL,
	tenant_id  TEXT NOT NULL,
	payload    BLOB NOT NULL,
	embedding  BLOB,
	updated_ts INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS skill_template_links (
	tenant_id   TEXT NOT NULL,
	skill_id    TEXT NOT NULL,
	template_id TEXT NOT NULL,
	PRIMARY KEY (tenant_id, skill_id, template_id)
);
CREATE INDEX IF NOT EXISTS idx_skill_links_template ON skill_template_links(tenant_id, template_id);
`

// Store persists skills and templates. The cross references between them
// live in the link table, indexed both ways.
type Store struct {
	db *sql.DB
}

// NewStore migrates the skill tables.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(skillSchema); err != nil {
		return nil, fmt.Errorf("migrate skill schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveSkill inserts or replaces a skill. A missing ID is assigned in place.
func (s *Store) SaveSkill(ctx context.Context, sk *Skill) error {
	now := time.Now().UTC()
	if sk.ID == "" {
		sk.ID = "skill_" + uuid.NewString()
		sk.CreatedAt = now
	}
	sk.UpdatedAt = now
	payload, err := json.Marshal(sk)
	if err != nil {
		return fmt.Errorf("marshal skill: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skills (id, tenant_id, payload, updated_ts) VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			payload = excluded.payload, updated_ts = excluded.updated_ts`,
		sk.ID, sk.TenantID, payload, now.Unix())
	if err != nil {
		return fmt.Errorf("save skill %s: %w", sk.ID, err)
	}
	return nil
}

// GetSkill loads one skill.
func (s *Store) GetSkill(ctx context.Context, tenantID, id string) (*Skill, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM skills WHERE tenant_id = ? AND id = ?`, tenantID, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fetcherr.New(fetcherr.CodeWorkflowNotFound, "skill %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load skill %s: %w", id, err)
	}
	var sk Skill
	if err := json.Unmarshal(payload, &sk); err != nil {
		return nil, fmt.Errorf("decode skill %s: %w", id, err)
	}
	return &sk, nil
}

// ListSkills returns the tenant's skills, newest first.
func (s *Store) ListSkills(ctx context.Context, tenantID string) ([]*Skill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM skills WHERE tenant_id = ? ORDER BY updated_ts DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()

	var out []*Skill
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var sk Skill
		if err := json.Unmarshal(payload, &sk); err != nil {
			log.Warn().Err(err).Msg("skipping undecodable skill row")
			continue
		}
		out = append(out, &sk)
	}
	return out, rows.Err()
}

// SaveTemplate inserts or replaces a template, embedding included.
func (s *Store) SaveTemplate(ctx context.Context, t *SkillTemplate) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = "tmpl_" + uuid.NewString()
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skill_templates (id, tenant_id, payload, embedding, updated_ts) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			payload = excluded.payload, embedding = excluded.embedding, updated_ts = excluded.updated_ts`,
		t.ID, t.TenantID, payload, encodeEmbedding(t.Embedding), now.Unix())
	if err != nil {
		return fmt.Errorf("save template %s: %w", t.ID, err)
	}
	return nil
}

// GetTemplate loads one template with its embedding.
func (s *Store) GetTemplate(ctx context.Context, tenantID, id string) (*SkillTemplate, error) {
	var payload, emb []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, embedding FROM skill_templates WHERE tenant_id = ? AND id = ?`,
		tenantID, id).Scan(&payload, &emb)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fetcherr.New(fetcherr.CodeWorkflowNotFound, "template %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", id, err)
	}
	return decodeTemplate(payload, emb)
}

// ListTemplates returns all of the tenant's templates with embeddings.
func (s *Store) ListTemplates(ctx context.Context, tenantID string) ([]*SkillTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload, embedding FROM skill_templates WHERE tenant_id = ? ORDER BY updated_ts DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []*SkillTemplate
	for rows.Next() {
		var payload, emb []byte
		if err := rows.Scan(&payload, &emb); err != nil {
			return nil, err
		}
		t, err := decodeTemplate(payload, emb)
		if err != nil {
			log.Warn().Err(err).Msg("skipping undecodable template row")
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Link records the skill→template edge in both-ways-indexed form.
func (s *Store) Link(ctx context.Context, tenantID, skillID, templateID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skill_template_links (tenant_id, skill_id, template_id) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, skill_id, template_id) DO NOTHING`,
		tenantID, skillID, templateID)
	if err != nil {
		return fmt.Errorf("link skill %s to template %s: %w", skillID, templateID, err)
	}
	return nil
}

// TemplatesForSkill returns the template IDs derived from one skill.
func (s *Store) TemplatesForSkill(ctx context.Context, tenantID, skillID string) ([]string, error) {
	return s.linkColumn(ctx,
		`SELECT template_id FROM skill_template_links WHERE tenant_id = ? AND skill_id = ?`,
		tenantID, skillID)
}

// SkillsForTemplate returns the skill IDs a template was built from.
func (s *Store) SkillsForTemplate(ctx context.Context, tenantID, templateID string) ([]string, error) {
	return s.linkColumn(ctx,
		`SELECT skill_id FROM skill_template_links WHERE tenant_id = ? AND template_id = ?`,
		tenantID, templateID)
}

func (s *Store) linkColumn(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func decodeTemplate(payload, emb []byte) (*SkillTemplate, error) {
	var t SkillTemplate
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	t.Embedding = decodeEmbedding(emb)
	return &t, nil
}

// encodeEmbedding packs float32s little-endian.
func encodeEmbedding(e Embedding) []byte {
	if len(e) == 0 {
		return nil
	}
	out := make([]byte, 4*len(e))
	for i, v := range e {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func decodeEmbedding(b []byte) Embedding {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make(Embedding, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
