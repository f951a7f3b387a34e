package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aluskort/aluskort/pkg/investigation"
)

// IncidentRetriever is the slice of incident memory the enricher needs.
// pkg/memory implements it.
type IncidentRetriever interface {
	SimilarIncidents(ctx context.Context, tenantID, query string, limit int) ([]investigation.SimilarIncident, error)
}

// MemoryEnricher asks incident memory whether the tenant has seen something
// like this alert before. Prior outcomes are strong priors for both FP
// confirmation and escalation.
type MemoryEnricher struct {
	retriever IncidentRetriever
	limit     int
	logger    *slog.Logger
}

func NewMemoryEnricher(retriever IncidentRetriever, limit int, logger *slog.Logger) *MemoryEnricher {
	if limit <= 0 {
		limit = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryEnricher{retriever: retriever, limit: limit, logger: logger}
}

func (e *MemoryEnricher) Name() string { return "incident-memory" }

func (e *MemoryEnricher) Enrich(ctx context.Context, inv *investigation.Investigation) (*Result, error) {
	query := queryText(inv)
	if query == "" {
		return nil, nil
	}

	incidents, err := e.retriever.SimilarIncidents(ctx, inv.TenantID, query, e.limit)
	inv.AddQuery()
	if err != nil {
		return nil, fmt.Errorf("incident memory: %w", err)
	}
	if len(incidents) == 0 {
		return nil, nil
	}

	return &Result{
		SimilarIncidents: incidents,
		Summary: map[string]any{
			"similar_incidents": len(incidents),
			"top_similarity":    incidents[0].Similarity,
		},
	}, nil
}

// queryText builds the similarity query from the alert plus any technique
// matches already merged by a faster enricher.
func queryText(inv *investigation.Investigation) string {
	var parts []string
	if inv.Alert != nil {
		if inv.Alert.Title != "" {
			parts = append(parts, inv.Alert.Title)
		}
		if inv.Alert.Description != "" {
			parts = append(parts, inv.Alert.Description)
		}
	}
	inv.UpdateContext(func(c *investigation.Context) {
		for _, m := range c.TechniqueMatches {
			if m.Name != "" {
				parts = append(parts, m.Name)
			}
		}
	})
	return strings.Join(parts, "\n")
}
