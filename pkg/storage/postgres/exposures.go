package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aluskort/aluskort/pkg/enrich"
	"github.com/aluskort/aluskort/pkg/investigation"
)

// ExposureStore persists CTEM exposure findings ingested from posture
// scanners and serves the asset correlation the enrichment stage runs.
type ExposureStore struct {
	client *Client
}

func NewExposureStore(c *Client) *ExposureStore {
	return &ExposureStore{client: c}
}

// Save upserts a finding, refreshing last_seen and status on re-report.
func (s *ExposureStore) Save(ctx context.Context, f *enrich.ExposureFinding) error {
	status := f.Status
	if status == "" {
		status = "open"
	}
	normalized := f.Normalized
	if len(normalized) == 0 {
		normalized = json.RawMessage("{}")
	}
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO ctem_exposures (
			exposure_id, tenant_id, source, asset, severity, status, normalized
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, exposure_id) DO UPDATE SET
			severity = EXCLUDED.severity,
			status = EXCLUDED.status,
			normalized = EXCLUDED.normalized,
			last_seen = now()`,
		f.ExposureID, f.TenantID, f.Source, f.Asset, f.Severity,
		status, normalized,
	)
	if err != nil {
		return fmt.Errorf("save exposure %s: %w", f.ExposureID, err)
	}
	return nil
}

// Resolve closes a finding without deleting its history.
func (s *ExposureStore) Resolve(ctx context.Context, tenantID, exposureID string) error {
	_, err := s.client.pool.Exec(ctx, `
		UPDATE ctem_exposures SET status = 'resolved', last_seen = now()
		WHERE tenant_id = $1 AND exposure_id = $2`,
		tenantID, exposureID,
	)
	if err != nil {
		return fmt.Errorf("resolve exposure %s: %w", exposureID, err)
	}
	return nil
}

// OpenExposuresByAssets returns open findings touching any of the given
// assets, most severe first.
func (s *ExposureStore) OpenExposuresByAssets(ctx context.Context, tenantID string, assets []string) ([]investigation.Exposure, error) {
	if len(assets) == 0 {
		return nil, nil
	}
	rows, err := s.client.pool.Query(ctx, `
		SELECT exposure_id, asset, severity, normalized->>'summary'
		FROM ctem_exposures
		WHERE tenant_id = $1 AND status = 'open' AND asset = ANY($2)
		ORDER BY CASE severity
			WHEN 'critical' THEN 4
			WHEN 'high' THEN 3
			WHEN 'medium' THEN 2
			WHEN 'low' THEN 1
			ELSE 0
		END DESC, exposure_id`,
		tenantID, assets,
	)
	if err != nil {
		return nil, fmt.Errorf("list exposures for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []investigation.Exposure
	for rows.Next() {
		var e investigation.Exposure
		var summary *string
		if err := rows.Scan(&e.ExposureID, &e.Asset, &e.Severity, &summary); err != nil {
			return nil, fmt.Errorf("scan exposure: %w", err)
		}
		if summary != nil {
			e.Summary = *summary
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var (
	_ enrich.ExposureSink  = (*ExposureStore)(nil)
	_ enrich.ExposureStore = (*ExposureStore)(nil)
)
