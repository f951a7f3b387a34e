package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aluskort/aluskort/pkg/fp"
)

// PatternStore is the fp.PatternStore implementation. Patterns are stored
// column-per-field so lifecycle timestamps stay queryable; entity matchers
// and scope ride in JSONB.
type PatternStore struct {
	client *Client
}

func NewPatternStore(c *Client) *PatternStore {
	return &PatternStore{client: c}
}

const patternColumns = `
	pattern_id, version, tenant_id, name, description, status,
	alert_name_pattern, entity_patterns, scope, created_by, created_at,
	first_approver, first_approved_at, second_approver, second_approved_at,
	expires_at, reaffirmed_by, reaffirmed_at,
	revoked_by, revoked_at, revoke_reason,
	canary_started_at, match_count, last_matched_at`

// Create inserts a new pattern version.
func (s *PatternStore) Create(ctx context.Context, p *fp.Pattern) error {
	entities, scope, err := encodePatternJSON(p)
	if err != nil {
		return err
	}
	_, err = s.client.pool.Exec(ctx, `
		INSERT INTO fp_patterns (`+patternColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		p.PatternID, p.Version, p.TenantID, p.Name, p.Description, string(p.Status),
		p.AlertNamePattern, entities, scope, p.CreatedBy, p.CreatedAt,
		p.FirstApprover, p.FirstApprovedAt, p.SecondApprover, p.SecondApprovedAt,
		p.ExpiresAt, p.ReaffirmedBy, p.ReaffirmedAt,
		p.RevokedBy, p.RevokedAt, p.RevokeReason,
		p.CanaryStartedAt, p.MatchCount, p.LastMatchedAt,
	)
	if err != nil {
		return fmt.Errorf("create pattern %s: %w", p.PatternID, err)
	}
	return nil
}

// Get returns the latest version of a pattern.
func (s *PatternStore) Get(ctx context.Context, patternID string) (*fp.Pattern, error) {
	row := s.client.pool.QueryRow(ctx, `
		SELECT `+patternColumns+` FROM fp_patterns
		WHERE pattern_id = $1
		ORDER BY version DESC LIMIT 1`,
		patternID,
	)
	p, err := scanPattern(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fp.ErrPatternNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pattern %s: %w", patternID, err)
	}
	return p, nil
}

// Update rewrites one pattern version's mutable lifecycle fields.
func (s *PatternStore) Update(ctx context.Context, p *fp.Pattern) error {
	entities, scope, err := encodePatternJSON(p)
	if err != nil {
		return err
	}
	tag, err := s.client.pool.Exec(ctx, `
		UPDATE fp_patterns SET
			name = $3, description = $4, status = $5,
			alert_name_pattern = $6, entity_patterns = $7, scope = $8,
			first_approver = $9, first_approved_at = $10,
			second_approver = $11, second_approved_at = $12,
			expires_at = $13, reaffirmed_by = $14, reaffirmed_at = $15,
			revoked_by = $16, revoked_at = $17, revoke_reason = $18,
			canary_started_at = $19, match_count = $20, last_matched_at = $21
		WHERE pattern_id = $1 AND version = $2`,
		p.PatternID, p.Version, p.Name, p.Description, string(p.Status),
		p.AlertNamePattern, entities, scope,
		p.FirstApprover, p.FirstApprovedAt,
		p.SecondApprover, p.SecondApprovedAt,
		p.ExpiresAt, p.ReaffirmedBy, p.ReaffirmedAt,
		p.RevokedBy, p.RevokedAt, p.RevokeReason,
		p.CanaryStartedAt, p.MatchCount, p.LastMatchedAt,
	)
	if err != nil {
		return fmt.Errorf("update pattern %s v%d: %w", p.PatternID, p.Version, err)
	}
	if tag.RowsAffected() == 0 {
		return fp.ErrPatternNotFound
	}
	return nil
}

// ListMatchable returns active and shadow patterns that could cover the
// tenant: the tenant's own patterns plus any whose scope names it or is
// unrestricted. Final scope checks happen in the matcher.
func (s *PatternStore) ListMatchable(ctx context.Context, tenantID string) ([]*fp.Pattern, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT `+patternColumns+` FROM fp_patterns
		WHERE status IN ('active', 'shadow')
		  AND (tenant_id = $1
		       OR COALESCE(scope->'tenants', '[]'::jsonb) = '[]'::jsonb
		       OR scope->'tenants' ? $1)
		ORDER BY pattern_id, version DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list matchable patterns: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// ListByStatus returns every pattern version in one lifecycle state.
func (s *PatternStore) ListByStatus(ctx context.Context, status fp.Status) ([]*fp.Pattern, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT `+patternColumns+` FROM fp_patterns
		WHERE status = $1
		ORDER BY pattern_id, version DESC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list patterns by status: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// RecordDecision appends one evaluation outcome.
func (s *PatternStore) RecordDecision(ctx context.Context, d *fp.Decision) error {
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO fp_decisions (
			tenant_id, pattern_id, pattern_version, investigation_id,
			composite_score, threshold, matched, shadow, decided_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.TenantID, d.PatternID, d.PatternVersion, d.InvestigationID,
		d.CompositeScore, d.Threshold, d.Matched, d.Shadow, d.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("record fp decision: %w", err)
	}
	return nil
}

// CanaryStats aggregates analyst-reviewed decisions for one pattern version.
// Unreviewed decisions count toward neither side.
func (s *PatternStore) CanaryStats(ctx context.Context, patternID string, version int) (fp.CanaryStats, error) {
	var stats fp.CanaryStats
	err := s.client.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE analyst_agrees IS NOT NULL),
		       COUNT(*) FILTER (WHERE analyst_agrees = FALSE)
		FROM fp_decisions
		WHERE pattern_id = $1 AND pattern_version = $2`,
		patternID, version,
	).Scan(&stats.Decisions, &stats.Disagreements)
	if err != nil {
		return fp.CanaryStats{}, fmt.Errorf("canary stats for %s v%d: %w", patternID, version, err)
	}
	return stats, nil
}

// IncrementMatch bumps the match counter.
func (s *PatternStore) IncrementMatch(ctx context.Context, patternID string, version int, at time.Time) error {
	_, err := s.client.pool.Exec(ctx, `
		UPDATE fp_patterns
		SET match_count = match_count + 1, last_matched_at = $3
		WHERE pattern_id = $1 AND version = $2`,
		patternID, version, at,
	)
	if err != nil {
		return fmt.Errorf("increment match for %s v%d: %w", patternID, version, err)
	}
	return nil
}

func encodePatternJSON(p *fp.Pattern) ([]byte, []byte, error) {
	entities, err := json.Marshal(p.EntityPatterns)
	if err != nil {
		return nil, nil, fmt.Errorf("encode entity patterns: %w", err)
	}
	scope, err := json.Marshal(p.Scope)
	if err != nil {
		return nil, nil, fmt.Errorf("encode scope: %w", err)
	}
	return entities, scope, nil
}

func scanPattern(row pgx.Row) (*fp.Pattern, error) {
	var (
		p        fp.Pattern
		status   string
		entities []byte
		scope    []byte
	)
	err := row.Scan(
		&p.PatternID, &p.Version, &p.TenantID, &p.Name, &p.Description, &status,
		&p.AlertNamePattern, &entities, &scope, &p.CreatedBy, &p.CreatedAt,
		&p.FirstApprover, &p.FirstApprovedAt, &p.SecondApprover, &p.SecondApprovedAt,
		&p.ExpiresAt, &p.ReaffirmedBy, &p.ReaffirmedAt,
		&p.RevokedBy, &p.RevokedAt, &p.RevokeReason,
		&p.CanaryStartedAt, &p.MatchCount, &p.LastMatchedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = fp.Status(status)
	if err := json.Unmarshal(entities, &p.EntityPatterns); err != nil {
		return nil, fmt.Errorf("decode entity patterns: %w", err)
	}
	if err := json.Unmarshal(scope, &p.Scope); err != nil {
		return nil, fmt.Errorf("decode scope: %w", err)
	}
	return &p, nil
}

func scanPatterns(rows pgx.Rows) ([]*fp.Pattern, error) {
	var out []*fp.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TenantModeStore is the fp.TenantModeStore implementation. A tenant with no
// row takes the configured default, shadow unless overridden; go-live writes
// the row.
type TenantModeStore struct {
	client        *Client
	defaultShadow bool
}

func NewTenantModeStore(c *Client) *TenantModeStore {
	return &TenantModeStore{client: c, defaultShadow: true}
}

// WithDefault sets the mode read for tenants with no row.
func (s *TenantModeStore) WithDefault(shadow bool) *TenantModeStore {
	s.defaultShadow = shadow
	return s
}

// IsShadow reports the tenant's mode. Read failures report shadow regardless
// of the default; an unreadable mode must not go live.
func (s *TenantModeStore) IsShadow(ctx context.Context, tenantID string) (bool, error) {
	var shadow bool
	err := s.client.pool.QueryRow(ctx,
		`SELECT shadow FROM fp_tenant_modes WHERE tenant_id = $1`,
		tenantID,
	).Scan(&shadow)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.defaultShadow, nil
	}
	if err != nil {
		return true, fmt.Errorf("read tenant mode: %w", err)
	}
	return shadow, nil
}

// SetShadow flips the tenant's mode. live_since records the first go-live and
// survives later flips back to shadow.
func (s *TenantModeStore) SetShadow(ctx context.Context, tenantID string, shadow bool, actor string) error {
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO fp_tenant_modes (tenant_id, shadow, live_since, updated_by, updated_at)
		VALUES ($1, $2, CASE WHEN $2 THEN NULL ELSE now() END, $3, now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			shadow = EXCLUDED.shadow,
			live_since = CASE
				WHEN EXCLUDED.shadow THEN fp_tenant_modes.live_since
				ELSE COALESCE(fp_tenant_modes.live_since, now())
			END,
			updated_by = EXCLUDED.updated_by,
			updated_at = now()`,
		tenantID, shadow, actor,
	)
	if err != nil {
		return fmt.Errorf("set tenant mode: %w", err)
	}
	return nil
}

var (
	_ fp.PatternStore    = (*PatternStore)(nil)
	_ fp.TenantModeStore = (*TenantModeStore)(nil)
)
