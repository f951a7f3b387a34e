package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aluskort/aluskort/pkg/gateway"
	"github.com/aluskort/aluskort/pkg/investigation"
	"github.com/aluskort/aluskort/pkg/llm"
)

// escalationConfidence is the bar under which a critical/high verdict earns
// a top-tier second pass.
const escalationConfidence = 0.6

// verdict is the JSON contract reasoning demands from the model.
type verdict struct {
	Classification string   `json:"classification"`
	Confidence     float64  `json:"confidence"`
	RiskState      string   `json:"risk_state,omitempty"`
	Rationale      string   `json:"rationale,omitempty"`
	Actions        []Action `json:"actions,omitempty"`
}

// validClassifications are the verdicts reasoning may produce. Escalated and
// rejected are assigned by the platform, never by the model.
var validClassifications = map[string]bool{
	string(investigation.ClassificationFalsePositive): true,
	string(investigation.ClassificationTruePositive):  true,
	string(investigation.ClassificationSuspicious):    true,
}

// parseVerdict decodes and normalizes a model verdict. Confidence is clamped
// to [0,1] and action tiers to [0,3]; an unknown classification is an error
// the caller degrades on.
func parseVerdict(content string) (*verdict, error) {
	raw := strings.TrimSpace(content)
	if i := strings.Index(raw, "{"); i > 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			raw = raw[i : j+1]
		}
	}

	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("verdict is not valid JSON: %w", err)
	}
	if !validClassifications[v.Classification] {
		return nil, fmt.Errorf("verdict classification %q is not in the closed set", v.Classification)
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	for i := range v.Actions {
		if v.Actions[i].Tier < 0 {
			v.Actions[i].Tier = 0
		}
		if v.Actions[i].Tier > 3 {
			v.Actions[i].Tier = 3
		}
	}
	return &v, nil
}

const reasoningSystem = `You are the investigation reasoning agent of a SOC automation platform.
You weigh enrichment findings against the alert and decide whether it is a
false positive, a true positive, or suspicious. You are conservative: when
evidence conflicts, prefer suspicious over false_positive.`

// reasoningInstructions renders the task plus the structured context the
// platform derived itself. Raw alert text never appears here; it crosses the
// boundary only inside the evidence envelope.
func reasoningInstructions(inv *investigation.Investigation) string {
	var b strings.Builder
	b.WriteString("Classify this security alert using the enrichment findings below.\n")
	fmt.Fprintf(&b, "Alert severity: %s, source: %s.\n", inv.Severity, inv.Alert.Source)

	c := &inv.Context
	if len(c.IOCHits) > 0 {
		b.WriteString("Threat intel hits:\n")
		for _, h := range c.IOCHits {
			fmt.Fprintf(&b, "  - %s %s from %s, confidence %d\n", h.Type, h.Value, h.Source, h.Confidence)
		}
	}
	if c.Risk != nil {
		fmt.Fprintf(&b, "Behavioral peak risk: %.2f", c.Risk.PeakRisk)
		if len(c.Risk.Anomalies) > 0 {
			fmt.Fprintf(&b, " (anomalies: %s)", strings.Join(c.Risk.Anomalies, ", "))
		}
		b.WriteString("\n")
	}
	if len(c.Exposures) > 0 {
		b.WriteString("Open exposures on involved assets:\n")
		for _, e := range c.Exposures {
			fmt.Fprintf(&b, "  - %s on %s (%s)\n", e.ExposureID, e.Asset, e.Severity)
		}
	}
	if len(c.TechniqueMatches) > 0 {
		b.WriteString("Technique matches:\n")
		for _, m := range c.TechniqueMatches {
			fmt.Fprintf(&b, "  - %s %s score %.1f trust %s\n", m.TechniqueID, m.Name, m.Score, m.TelemetryTrustLevel)
		}
	}
	if len(c.Playbooks) > 0 {
		fmt.Fprintf(&b, "Candidate playbooks: %s\n", strings.Join(c.Playbooks, ", "))
	}

	b.WriteString(`
Respond with one JSON object:
{"classification": "false_positive"|"true_positive"|"suspicious",
 "confidence": 0.0-1.0,
 "risk_state": short phrase,
 "rationale": one paragraph,
 "actions": [{"playbook": id, "target": entity, "tier": 0-3, "reason": short}]}`)
	return b.String()
}

// reasoningRetrieval summarizes prior incidents as platform-derived context.
func reasoningRetrieval(inv *investigation.Investigation) []string {
	sims := inv.Context.SimilarIncidents
	if len(sims) == 0 {
		return nil
	}
	sorted := make([]investigation.SimilarIncident, len(sims))
	copy(sorted, sims)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Similarity > sorted[j].Similarity })

	out := make([]string, 0, len(sorted))
	for _, s := range sorted {
		out = append(out, fmt.Sprintf("prior incident %s: outcome %s, similarity %.2f, recency %.2f",
			s.IncidentID, s.Outcome, s.Similarity, s.Recency))
	}
	return out
}

// reasoningRequest assembles the gateway request for one reasoning pass.
func reasoningRequest(inv *investigation.Investigation, decision llm.RoutingDecision, anon *gateway.Anonymizer) gateway.Request {
	untrusted := []gateway.EvidenceField{
		{Name: "alert_title", Content: inv.Alert.Title},
		{Name: "alert_description", Content: inv.Alert.Description},
	}
	if inv.Alert.RawEntities != "" {
		untrusted = append(untrusted, gateway.EvidenceField{Name: "raw_entities", Content: inv.Alert.RawEntities})
	}
	return gateway.Request{
		TenantID:        inv.TenantID,
		InvestigationID: inv.InvestigationID,
		AlertID:         inv.AlertID,
		Task:            llm.TaskAlertClassification,
		Severity:        string(inv.Alert.Severity),
		Decision:        decision,
		System:          reasoningSystem,
		Instructions:    reasoningInstructions(inv),
		Untrusted:       untrusted,
		Retrieval:       reasoningRetrieval(inv),
		Anonymizer:      anon,
	}
}

// contextTokenEstimate sizes the routing request: alert text plus the
// derived context at roughly four characters per token.
func contextTokenEstimate(inv *investigation.Investigation) int {
	n := len(inv.Alert.Title) + len(inv.Alert.Description) + len(inv.Alert.RawEntities)
	n += len(reasoningInstructions(inv))
	return n/4 + 1
}
