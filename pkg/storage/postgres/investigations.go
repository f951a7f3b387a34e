package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aluskort/aluskort/pkg/alert"
	"github.com/aluskort/aluskort/pkg/investigation"
	"github.com/aluskort/aluskort/pkg/orchestrator"
)

// InvestigationStore persists investigation graph state. The full state
// (decision chain included) lives in a JSONB column; hot filter columns are
// denormalized beside it.
type InvestigationStore struct {
	client *Client
}

func NewInvestigationStore(c *Client) *InvestigationStore {
	return &InvestigationStore{client: c}
}

// Save upserts the investigation snapshot.
func (s *InvestigationStore) Save(ctx context.Context, inv *investigation.Investigation) error {
	state, err := inv.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot investigation %s: %w", inv.InvestigationID, err)
	}

	_, err = s.client.pool.Exec(ctx, `
		INSERT INTO investigations (
			investigation_id, alert_id, tenant_id, state, classification,
			confidence, severity, shadow_mode, fp_matched, fp_pattern_id,
			requires_human_approval, graph_state, failure_reason,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (investigation_id) DO UPDATE SET
			state = EXCLUDED.state,
			classification = EXCLUDED.classification,
			confidence = EXCLUDED.confidence,
			severity = EXCLUDED.severity,
			shadow_mode = EXCLUDED.shadow_mode,
			fp_matched = EXCLUDED.fp_matched,
			fp_pattern_id = EXCLUDED.fp_pattern_id,
			requires_human_approval = EXCLUDED.requires_human_approval,
			graph_state = EXCLUDED.graph_state,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = EXCLUDED.updated_at`,
		inv.InvestigationID, inv.AlertID, inv.TenantID, string(inv.CurrentState()),
		string(inv.Classification), inv.Confidence, string(inv.Severity),
		inv.ShadowMode, inv.FPMatched, inv.FPPatternID,
		inv.RequiresHumanApproval, state, inv.FailureReason,
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save investigation %s: %w", inv.InvestigationID, err)
	}
	return nil
}

// Get loads one investigation scoped to its tenant.
func (s *InvestigationStore) Get(ctx context.Context, tenantID, investigationID string) (*investigation.Investigation, error) {
	var state []byte
	err := s.client.pool.QueryRow(ctx, `
		SELECT graph_state FROM investigations
		WHERE tenant_id = $1 AND investigation_id = $2`,
		tenantID, investigationID,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, investigation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get investigation %s: %w", investigationID, err)
	}

	var inv investigation.Investigation
	if err := json.Unmarshal(state, &inv); err != nil {
		return nil, fmt.Errorf("decode investigation %s: %w", investigationID, err)
	}
	return &inv, nil
}

// ListOpenByTenant returns non-terminal investigations for a tenant, newest
// first.
func (s *InvestigationStore) ListOpenByTenant(ctx context.Context, tenantID string, limit int) ([]*investigation.Investigation, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT graph_state FROM investigations
		WHERE tenant_id = $1 AND state NOT IN ('closed', 'failed')
		ORDER BY created_at DESC
		LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list open investigations: %w", err)
	}
	defer rows.Close()
	return scanInvestigations(rows)
}

// ListAwaitingHuman returns investigations parked on an approval gate,
// oldest first so gate sweeps process in arrival order.
func (s *InvestigationStore) ListAwaitingHuman(ctx context.Context, limit int) ([]*investigation.Investigation, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT graph_state FROM investigations
		WHERE state = 'awaiting_human'
		ORDER BY updated_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list awaiting investigations: %w", err)
	}
	defer rows.Close()
	return scanInvestigations(rows)
}

func scanInvestigations(rows pgx.Rows) ([]*investigation.Investigation, error) {
	var out []*investigation.Investigation
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("scan investigation: %w", err)
		}
		var inv investigation.Investigation
		if err := json.Unmarshal(state, &inv); err != nil {
			return nil, fmt.Errorf("decode investigation: %w", err)
		}
		out = append(out, &inv)
	}
	return out, rows.Err()
}

// AlertStore persists canonical alerts with first-write-wins dedupe on
// (tenant_id, alert_id).
type AlertStore struct {
	client *Client
}

func NewAlertStore(c *Client) *AlertStore {
	return &AlertStore{client: c}
}

// Save inserts the alert and reports whether this was the first time it was
// seen. A false return means a duplicate delivery.
func (s *AlertStore) Save(ctx context.Context, a *alert.Alert) (bool, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("encode alert %s: %w", a.AlertID, err)
	}
	tag, err := s.client.pool.Exec(ctx, `
		INSERT INTO alerts (tenant_id, alert_id, source, product, severity, title, payload, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, now())
		ON CONFLICT (tenant_id, alert_id) DO NOTHING`,
		a.TenantID, a.AlertID, a.Source, a.Product, string(a.Severity), a.Title, payload,
	)
	if err != nil {
		return false, fmt.Errorf("save alert %s: %w", a.AlertID, err)
	}
	return tag.RowsAffected() == 1, nil
}

var (
	_ orchestrator.StateStore = (*InvestigationStore)(nil)
	_ orchestrator.AlertSink  = (*AlertStore)(nil)
)
