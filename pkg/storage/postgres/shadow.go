package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aluskort/aluskort/pkg/fp"
	"github.com/aluskort/aluskort/pkg/orchestrator"
)

var ErrShadowDecisionNotFound = errors.New("shadow decision not found")

// ShadowDecisionStore persists shadow-mode pipeline verdicts and their later
// analyst pairing. The orchestrator writes through it for shadow tenants;
// the go-live review reads agreement from it.
type ShadowDecisionStore struct {
	client *Client
}

func NewShadowDecisionStore(c *Client) *ShadowDecisionStore {
	return &ShadowDecisionStore{client: c}
}

// RecordShadow upserts the pipeline's would-be verdict. Redelivered
// investigations overwrite with the same content, so the write is
// idempotent.
func (s *ShadowDecisionStore) RecordShadow(ctx context.Context, d *fp.ShadowDecision) error {
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO shadow_decisions (
			investigation_id, tenant_id, verdict, confidence, recorded_at
		) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (investigation_id) DO UPDATE SET
			verdict = EXCLUDED.verdict,
			confidence = EXCLUDED.confidence,
			recorded_at = EXCLUDED.recorded_at`,
		d.InvestigationID, d.TenantID, d.Verdict, d.Confidence, d.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record shadow decision %s: %w", d.InvestigationID, err)
	}
	return nil
}

// PairAnalyst attaches the analyst's disposition to a recorded decision.
func (s *ShadowDecisionStore) PairAnalyst(ctx context.Context, tenantID, investigationID, analystVerdict, analystID string, at time.Time) error {
	tag, err := s.client.pool.Exec(ctx, `
		UPDATE shadow_decisions
		SET analyst_verdict = $3, analyst_id = $4, reviewed_at = $5
		WHERE tenant_id = $1 AND investigation_id = $2`,
		tenantID, investigationID, analystVerdict, analystID, at,
	)
	if err != nil {
		return fmt.Errorf("pair shadow decision %s: %w", investigationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pair shadow decision %s: %w", investigationID, ErrShadowDecisionNotFound)
	}
	return nil
}

// Decisions returns the tenant's shadow decisions recorded since the given
// time, oldest first. fp.AgreementRate aggregates the reviewed subset.
func (s *ShadowDecisionStore) Decisions(ctx context.Context, tenantID string, since time.Time) ([]fp.ShadowDecision, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT investigation_id, tenant_id, verdict, confidence, recorded_at,
		       COALESCE(analyst_verdict, ''), COALESCE(analyst_id, ''), reviewed_at
		FROM shadow_decisions
		WHERE tenant_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at`,
		tenantID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("list shadow decisions for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []fp.ShadowDecision
	for rows.Next() {
		var d fp.ShadowDecision
		if err := rows.Scan(
			&d.InvestigationID, &d.TenantID, &d.Verdict, &d.Confidence,
			&d.RecordedAt, &d.AnalystVerdict, &d.AnalystID, &d.ReviewedAt,
		); err != nil {
			return nil, fmt.Errorf("scan shadow decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

var _ orchestrator.ShadowLog = (*ShadowDecisionStore)(nil)
