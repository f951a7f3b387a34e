package enrich

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aluskort/aluskort/pkg/alert"
	"github.com/aluskort/aluskort/pkg/investigation"
)

// EntityRisk is one principal's behavioral posture from the UEBA backend.
type EntityRisk struct {
	Score     float64
	Anomalies []string
}

// RiskSource answers behavioral-risk queries for principal entities.
type RiskSource interface {
	EntityRisk(ctx context.Context, tenantID, entityType, value string) (EntityRisk, error)
}

// UEBAEnricher queries behavioral risk for the users and hosts on the alert
// and folds them into a single risk context with the peak score surfaced.
type UEBAEnricher struct {
	source RiskSource
	logger *slog.Logger
}

func NewUEBAEnricher(source RiskSource, logger *slog.Logger) *UEBAEnricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &UEBAEnricher{source: source, logger: logger}
}

func (e *UEBAEnricher) Name() string { return "ueba-context" }

// principalTypes are the entity types with behavioral baselines.
var principalTypes = []alert.EntityType{alert.EntityTypeUser, alert.EntityTypeHost}

func (e *UEBAEnricher) Enrich(ctx context.Context, inv *investigation.Investigation) (*Result, error) {
	risk := &investigation.RiskContext{EntityRisks: map[string]float64{}}

	var (
		queried  int
		errCount int
		lastErr  error
	)
	for _, typ := range principalTypes {
		for _, value := range inv.Context.Entities[typ] {
			queried++
			er, err := e.source.EntityRisk(ctx, inv.TenantID, string(typ), value)
			inv.AddQuery()
			if err != nil {
				errCount++
				lastErr = err
				e.logger.Warn("entity risk lookup failed",
					"tenant", inv.TenantID, "type", typ, "value", value, "error", err)
				continue
			}
			risk.EntityRisks[value] = er.Score
			if er.Score > risk.PeakRisk {
				risk.PeakRisk = er.Score
			}
			risk.Anomalies = append(risk.Anomalies, er.Anomalies...)
		}
	}

	if queried == 0 {
		return nil, nil
	}
	if errCount == queried {
		return nil, fmt.Errorf("all %d risk lookups failed: %w", errCount, lastErr)
	}

	return &Result{
		Risk: risk,
		Summary: map[string]any{
			"principals_queried": queried,
			"peak_risk":          risk.PeakRisk,
			"anomalies":          len(risk.Anomalies),
		},
	}, nil
}
