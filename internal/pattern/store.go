package pattern

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skimmerhq/skimmer/internal/urlutil"
)

// Store manages pattern rows, selector chains and domain intelligence in
// SQLite. Reads are concurrent; writes serialize per pattern id so two
// fetches recording outcomes for the same pattern never interleave their
// read-modify-write cycles.
type Store struct {
	db *sql.DB

	// Striped write locks keyed by pattern id.
	locks [64]sync.Mutex

	reMu    sync.RWMutex
	regexps map[string]*regexp.Regexp
}

// NewStore creates the store and runs migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, regexps: make(map[string]*regexp.Regexp)}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("pattern store migration: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_success_ts INTEGER NOT NULL DEFAULT 0,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_tenant_domain ON patterns(tenant_id, domain)`,
		`CREATE TABLE IF NOT EXISTS domain_intel (
			tenant_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			total_attempts INTEGER NOT NULL DEFAULT 0,
			total_successes INTEGER NOT NULL DEFAULT 0,
			rolling_success REAL NOT NULL DEFAULT 0,
			bot_failures INTEGER NOT NULL DEFAULT 0,
			use_session INTEGER NOT NULL DEFAULT 0,
			wait_strategy TEXT NOT NULL DEFAULT '',
			last_observed_ts INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, domain)
		)`,
		`CREATE TABLE IF NOT EXISTS selector_chains (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			purpose TEXT NOT NULL,
			payload BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_selector_chains_domain ON selector_chains(tenant_id, domain)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

// Upsert writes a full pattern record. New patterns get an id and timestamps.
func (s *Store) Upsert(ctx context.Context, p *APIPattern) error {
	now := time.Now()
	if p.ID == "" {
		p.ID = "pat_" + uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Domain == "" && p.EndpointTemplate != "" {
		if d, err := urlutil.Domain(p.EndpointTemplate); err == nil {
			p.Domain = d
		}
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pattern: %w", err)
	}

	mu := s.lockFor(p.ID)
	mu.Lock()
	defer mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patterns (id, tenant_id, domain, confidence, success_count, failure_count, last_success_ts, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			confidence = excluded.confidence,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			last_success_ts = excluded.last_success_ts,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		p.ID, p.TenantID, p.Domain, p.Metrics.Confidence, p.Metrics.SuccessCount,
		p.Metrics.FailureCount, unixOrZero(p.Metrics.LastSuccess), payload,
		p.CreatedAt.Unix(), p.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert pattern %s: %w", p.ID, err)
	}
	return nil
}

// Get loads one pattern by id within a tenant.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*APIPattern, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM patterns WHERE id = ? AND tenant_id = ?`, id, tenantID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		return nil, err
	}
	var p APIPattern
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pattern %s: %w", id, err)
	}
	return &p, nil
}

// FindMatchingPatterns returns the tenant's patterns whose URL regexes match
// the given URL, sorted by (confidence desc, lastSuccess desc, successCount
// desc). The caller filters eligibility.
func (s *Store) FindMatchingPatterns(ctx context.Context, tenantID, rawURL string) ([]*APIPattern, error) {
	domain, err := urlutil.Domain(rawURL)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM patterns WHERE tenant_id = ? AND domain = ?`, tenantID, domain)
	if err != nil {
		return nil, fmt.Errorf("query patterns for %s: %w", domain, err)
	}
	defer rows.Close()

	var matched []*APIPattern
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p APIPattern
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Warn().Err(err).Str("component", "pattern").Msg("skipping undecodable pattern row")
			continue
		}
		if s.matchesAny(p.URLPatterns, rawURL) {
			matched = append(matched, &p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i].Metrics, matched[j].Metrics
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.LastSuccess.Equal(b.LastSuccess) {
			return a.LastSuccess.After(b.LastSuccess)
		}
		return a.SuccessCount > b.SuccessCount
	})
	return matched, nil
}

func (s *Store) matchesAny(patterns []string, rawURL string) bool {
	for _, expr := range patterns {
		re, err := s.compile(expr)
		if err != nil {
			continue
		}
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

func (s *Store) compile(expr string) (*regexp.Regexp, error) {
	s.reMu.RLock()
	re, ok := s.regexps[expr]
	s.reMu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	s.reMu.Lock()
	s.regexps[expr] = re
	s.reMu.Unlock()
	return re, nil
}

// RecordSuccess applies the success confidence update for a pattern.
func (s *Store) RecordSuccess(ctx context.Context, tenantID, id string, latency time.Duration) error {
	return s.updateMetrics(ctx, tenantID, id, func(m *Metrics) {
		m.recordSuccess(time.Now())
	})
}

// RecordFailure applies the failure confidence decay for a pattern.
func (s *Store) RecordFailure(ctx context.Context, tenantID, id, reason string) error {
	log.Debug().Str("component", "pattern").Str("pattern", id).Str("reason", reason).Msg("pattern failure")
	return s.updateMetrics(ctx, tenantID, id, func(m *Metrics) {
		m.recordFailure()
	})
}

func (s *Store) updateMetrics(ctx context.Context, tenantID, id string, apply func(*Metrics)) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return fmt.Errorf("load pattern %s: %w", id, err)
	}
	apply(&p.Metrics)
	p.UpdatedAt = time.Now()

	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE patterns SET confidence = ?, success_count = ?, failure_count = ?,
			last_success_ts = ?, payload = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?`,
		p.Metrics.Confidence, p.Metrics.SuccessCount, p.Metrics.FailureCount,
		unixOrZero(p.Metrics.LastSuccess), payload, p.UpdatedAt.Unix(), id, tenantID)
	return err
}

// RecordFetchOutcome updates the domain's rolling success rate (EMA, α=0.2)
// and attempt counters.
func (s *Store) RecordFetchOutcome(ctx context.Context, tenantID, domain string, success bool) error {
	succ := 0
	outcome := 0.0
	if success {
		succ = 1
		outcome = 1.0
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO domain_intel (tenant_id, domain, total_attempts, total_successes, rolling_success, last_observed_ts)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(tenant_id, domain) DO UPDATE SET
			total_attempts = total_attempts + 1,
			total_successes = total_successes + ?,
			rolling_success = rolling_success * 0.8 + ? * 0.2,
			last_observed_ts = ?`,
		tenantID, domain, succ, outcome, time.Now().Unix(),
		succ, outcome, time.Now().Unix())
	return err
}

// RecordBotDetection bumps the domain's anti-bot failure counter.
func (s *Store) RecordBotDetection(ctx context.Context, tenantID, domain string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO domain_intel (tenant_id, domain, bot_failures, last_observed_ts)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(tenant_id, domain) DO UPDATE SET
			bot_failures = bot_failures + 1,
			last_observed_ts = ?`,
		tenantID, domain, time.Now().Unix(), time.Now().Unix())
	return err
}

// DomainIntelligence aggregates the learned state for a domain. Unknown
// domains return a zero-valued record, not an error.
func (s *Store) DomainIntelligence(ctx context.Context, tenantID, domain string) (*DomainIntelligence, error) {
	di := &DomainIntelligence{Domain: domain}

	row := s.db.QueryRowContext(ctx, `
		SELECT total_attempts, total_successes, rolling_success, bot_failures, use_session, wait_strategy, last_observed_ts
		FROM domain_intel WHERE tenant_id = ? AND domain = ?`, tenantID, domain)
	var useSession int
	var lastObserved int64
	err := row.Scan(&di.TotalAttempts, &di.TotalSuccesses, &di.SuccessRate,
		&di.BotFailures, &useSession, &di.WaitStrategy, &lastObserved)
	switch {
	case err == sql.ErrNoRows:
		// unknown domain, leave zeroes
	case err != nil:
		return nil, err
	default:
		di.ShouldUseSession = useSession != 0
		if lastObserved > 0 {
			di.LastObserved = time.Unix(lastObserved, 0)
		}
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM patterns WHERE tenant_id = ? AND domain = ?`, tenantID, domain)
	if err := row.Scan(&di.PatternCount); err != nil {
		return nil, err
	}
	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM selector_chains WHERE tenant_id = ? AND domain = ?`, tenantID, domain)
	if err := row.Scan(&di.SelectorChains); err != nil {
		return nil, err
	}

	if di.WaitStrategy == "" {
		// Domains that defeated cheap tiers historically need full waits.
		if di.BotFailures > 0 || (di.TotalAttempts >= 5 && di.SuccessRate < 0.5) {
			di.WaitStrategy = "networkidle"
		} else {
			di.WaitStrategy = "domcontentloaded"
		}
	}
	return di, nil
}

// SelectorChains loads the tenant's selector chains for a domain.
func (s *Store) SelectorChains(ctx context.Context, tenantID, domain string) ([]*SelectorChain, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM selector_chains WHERE tenant_id = ? AND domain = ?`, tenantID, domain)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chains []*SelectorChain
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c SelectorChain
		if err := json.Unmarshal(payload, &c); err != nil {
			continue
		}
		chains = append(chains, &c)
	}
	return chains, rows.Err()
}

// UpsertSelectorChain writes a selector chain.
func (s *Store) UpsertSelectorChain(ctx context.Context, c *SelectorChain) error {
	if c.ID == "" {
		c.ID = "sel_" + uuid.New().String()
	}
	c.UpdatedAt = time.Now()
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO selector_chains (id, tenant_id, domain, purpose, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		c.ID, c.TenantID, c.Domain, c.Purpose, payload, c.UpdatedAt.Unix())
	return err
}

// RecordSelectorOutcome bumps the per-selector counters inside a chain.
func (s *Store) RecordSelectorOutcome(ctx context.Context, tenantID, chainID, selector string, success bool) error {
	mu := s.lockFor(chainID)
	mu.Lock()
	defer mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM selector_chains WHERE id = ? AND tenant_id = ?`, chainID, tenantID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		return err
	}
	var c SelectorChain
	if err := json.Unmarshal(payload, &c); err != nil {
		return err
	}
	for i := range c.Selectors {
		if c.Selectors[i].Selector == selector {
			if success {
				c.Selectors[i].SuccessCount++
			} else {
				c.Selectors[i].FailureCount++
			}
			break
		}
	}
	return s.UpsertSelectorChain(ctx, &c)
}

// GC hard-deletes patterns whose last success is older than maxAge and whose
// confidence fell below maxConfidence. Deployment-configured; never called
// unless the operator enabled it.
func (s *Store) GC(ctx context.Context, maxAge time.Duration, maxConfidence float64) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM patterns WHERE last_success_ts < ? AND confidence < ?`,
		cutoff, maxConfidence)
	if err != nil {
		return 0, fmt.Errorf("pattern gc: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Str("component", "pattern").Int64("deleted", n).Msg("pattern gc completed")
	}
	return n, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
