package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aluskort/aluskort/pkg/memory"
)

// MemoryStore persists incident memory rows. Implements memory.Store.
type MemoryStore struct {
	client *Client
}

func NewMemoryStore(c *Client) *MemoryStore {
	return &MemoryStore{client: c}
}

// SaveIncident upserts one remembered incident.
func (s *MemoryStore) SaveIncident(ctx context.Context, inc *memory.Incident) error {
	entities, err := json.Marshal(inc.Entities)
	if err != nil {
		return fmt.Errorf("marshal incident entities: %w", err)
	}
	_, err = s.client.pool.Exec(ctx, `
		INSERT INTO incident_memory (
			incident_id, tenant_id, title, summary, techniques, entities,
			outcome, severity, rare_important, embedding_version, occurred_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (incident_id) DO UPDATE SET
			title = EXCLUDED.title,
			summary = EXCLUDED.summary,
			techniques = EXCLUDED.techniques,
			entities = EXCLUDED.entities,
			outcome = EXCLUDED.outcome,
			severity = EXCLUDED.severity,
			rare_important = EXCLUDED.rare_important,
			embedding_version = EXCLUDED.embedding_version,
			occurred_at = EXCLUDED.occurred_at`,
		inc.IncidentID, inc.TenantID, inc.Title, inc.Summary, inc.Techniques,
		entities, inc.Outcome, inc.Severity, inc.RareImportant,
		inc.EmbeddingVersion, inc.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("save incident %s: %w", inc.IncidentID, err)
	}
	return nil
}

// GetIncidents loads incident rows by ID within one tenant. Missing IDs are
// simply absent from the result.
func (s *MemoryStore) GetIncidents(ctx context.Context, tenantID string, incidentIDs []string) ([]memory.Incident, error) {
	if len(incidentIDs) == 0 {
		return nil, nil
	}
	rows, err := s.client.pool.Query(ctx, `
		SELECT incident_id, tenant_id, title, summary, techniques, entities,
		       outcome, severity, rare_important, embedding_version, occurred_at
		FROM incident_memory
		WHERE tenant_id = $1 AND incident_id = ANY($2)`,
		tenantID, incidentIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("get incidents: %w", err)
	}
	defer rows.Close()

	var out []memory.Incident
	for rows.Next() {
		var inc memory.Incident
		var entities []byte
		if err := rows.Scan(&inc.IncidentID, &inc.TenantID, &inc.Title, &inc.Summary,
			&inc.Techniques, &entities, &inc.Outcome, &inc.Severity,
			&inc.RareImportant, &inc.EmbeddingVersion, &inc.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		if len(entities) > 0 {
			if err := json.Unmarshal(entities, &inc.Entities); err != nil {
				return nil, fmt.Errorf("unmarshal incident entities: %w", err)
			}
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
