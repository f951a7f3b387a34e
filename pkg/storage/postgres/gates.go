package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aluskort/aluskort/pkg/alert"
	"github.com/aluskort/aluskort/pkg/orchestrator"
)

var ErrGateNotFound = errors.New("approval gate not found")

// GateStore persists approval gates for the orchestrator's gate manager.
type GateStore struct {
	client *Client
}

func NewGateStore(c *Client) *GateStore {
	return &GateStore{client: c}
}

// SaveGate upserts the gate row.
func (s *GateStore) SaveGate(ctx context.Context, g *orchestrator.Gate) error {
	actions, err := json.Marshal(g.Actions)
	if err != nil {
		return fmt.Errorf("encode gate actions: %w", err)
	}
	_, err = s.client.pool.Exec(ctx, `
		INSERT INTO approval_gates (
			gate_id, tenant_id, investigation_id, severity, actions, status,
			created_at, escalate_at, deadline, decided_by, decided_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now())
		ON CONFLICT (gate_id) DO UPDATE SET
			status = EXCLUDED.status,
			decided_by = EXCLUDED.decided_by,
			decided_at = EXCLUDED.decided_at,
			updated_at = now()`,
		g.GateID, g.TenantID, g.InvestigationID, string(g.Severity), actions,
		string(g.Status), g.CreatedAt, g.EscalateAt, g.Deadline, g.DecidedBy, g.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("save gate %s: %w", g.GateID, err)
	}
	return nil
}

// GetGate loads one gate.
func (s *GateStore) GetGate(ctx context.Context, gateID string) (*orchestrator.Gate, error) {
	row := s.client.pool.QueryRow(ctx, `
		SELECT gate_id, tenant_id, investigation_id, severity, actions, status,
		       created_at, escalate_at, deadline, decided_by, decided_at
		FROM approval_gates WHERE gate_id = $1`,
		gateID,
	)
	g, err := scanGate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrGateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get gate %s: %w", gateID, err)
	}
	return g, nil
}

// PendingGates returns undecided gates whose escalation point or deadline has
// arrived, oldest deadline first.
func (s *GateStore) PendingGates(ctx context.Context, now time.Time) ([]*orchestrator.Gate, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT gate_id, tenant_id, investigation_id, severity, actions, status,
		       created_at, escalate_at, deadline, decided_by, decided_at
		FROM approval_gates
		WHERE status = 'pending' AND (escalate_at <= $1 OR deadline <= $1)
		ORDER BY deadline ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending gates: %w", err)
	}
	defer rows.Close()

	var out []*orchestrator.Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gate: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGate(row pgx.Row) (*orchestrator.Gate, error) {
	var (
		g        orchestrator.Gate
		severity string
		status   string
		actions  []byte
	)
	err := row.Scan(&g.GateID, &g.TenantID, &g.InvestigationID, &severity, &actions,
		&status, &g.CreatedAt, &g.EscalateAt, &g.Deadline, &g.DecidedBy, &g.DecidedAt)
	if err != nil {
		return nil, err
	}
	g.Severity = alert.Severity(severity)
	g.Status = orchestrator.GateStatus(status)
	if err := json.Unmarshal(actions, &g.Actions); err != nil {
		return nil, fmt.Errorf("decode gate actions: %w", err)
	}
	return &g, nil
}

var _ orchestrator.GateStore = (*GateStore)(nil)
