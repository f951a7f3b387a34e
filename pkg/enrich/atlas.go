package enrich

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/aluskort/aluskort/pkg/investigation"
	"github.com/aluskort/aluskort/pkg/taxonomy"
)

// Match scores. An ID the detector asserted outranks a name mention inferred
// from free text.
const (
	explicitMatchScore = 0.9
	nameMatchScore     = 0.6
)

// ATLASEnricher maps alert content onto the technique taxonomy. Technique
// IDs asserted by the detector and IDs appearing literally in alert text are
// matched against the registry; technique names mentioned in prose are
// matched as weaker signals. Every match carries the telemetry trust level
// of the alert source so downstream decisions can honor the attestation
// constraint.
type ATLASEnricher struct {
	registry *taxonomy.Registry
	logger   *slog.Logger
}

func NewATLASEnricher(registry *taxonomy.Registry, logger *slog.Logger) *ATLASEnricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ATLASEnricher{registry: registry, logger: logger}
}

func (e *ATLASEnricher) Name() string { return "atlas-mapping" }

func (e *ATLASEnricher) Enrich(ctx context.Context, inv *investigation.Investigation) (*Result, error) {
	if inv.Alert == nil {
		return nil, nil
	}
	a := inv.Alert

	trust := a.TelemetryTrustLevel
	if trust == "" {
		trust = string(investigation.AttestationUnknown)
	}

	text := strings.Join([]string{a.Title, a.Description, a.RawEntities}, "\n")

	scores := map[string]float64{}
	var unknown []string

	// Detector-asserted IDs plus IDs written literally into the alert text.
	explicit := append([]string{}, a.Techniques...)
	explicit = append(explicit, taxonomy.ExtractIDs(text)...)
	for _, id := range explicit {
		if !e.registry.IsKnown(id) {
			unknown = append(unknown, id)
			continue
		}
		if explicitMatchScore > scores[id] {
			scores[id] = explicitMatchScore
		}
	}

	// Technique names mentioned in prose: "brute force", "phishing".
	lower := strings.ToLower(text)
	for _, id := range e.registry.IDs() {
		if scores[id] >= explicitMatchScore {
			continue
		}
		tech, ok := e.registry.Lookup(id)
		if !ok || tech.Name == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(tech.Name)) && nameMatchScore > scores[id] {
			scores[id] = nameMatchScore
		}
	}

	if len(scores) == 0 {
		if len(unknown) > 0 {
			e.logger.Warn("alert asserted unknown technique ids",
				"tenant", inv.TenantID, "alert_id", inv.AlertID, "ids", unknown)
			return &Result{Summary: map[string]any{"unknown_ids": unknown}}, nil
		}
		return nil, nil
	}

	matches := make([]investigation.TechniqueMatch, 0, len(scores))
	for id, score := range scores {
		tech, _ := e.registry.Lookup(id)
		matches = append(matches, investigation.TechniqueMatch{
			TechniqueID:         id,
			Name:                tech.Name,
			Score:               score,
			TelemetryTrustLevel: trust,
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].TechniqueID < matches[j].TechniqueID
	})

	summary := map[string]any{
		"technique_matches":     len(matches),
		"telemetry_trust_level": trust,
		"taxonomy_version":      e.registry.Version(),
	}
	if len(unknown) > 0 {
		summary["unknown_ids"] = unknown
	}
	return &Result{TechniqueMatches: matches, Summary: summary}, nil
}
