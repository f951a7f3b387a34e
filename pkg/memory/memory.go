// Package memory is the incident memory: closed investigations distilled
// into retrievable precedent. Retrieval blends vector similarity with a
// recency score so stale incidents fade without disappearing, and incidents
// flagged rare_important never fade below a floor.
package memory

import (
	"math"
	"time"
)

// rareImportantFloor is the minimum recency for incidents an analyst marked
// rare but important. They stay retrievable at any age.
const rareImportantFloor = 0.1

// Recency scores how fresh an incident is on [0,1]. Two components: a
// short-term exponential decay dominating the first weeks, and a slow
// logarithmic tail that keeps year-old incidents from vanishing entirely.
func Recency(ageDays float64, rareImportant bool) float64 {
	if ageDays < 0 {
		ageDays = 0
	}
	shortTerm := math.Exp(-0.023 * ageDays)
	longTerm := 1.0 / (1.0 + math.Log(1.0+ageDays/365.0))
	score := 0.7*shortTerm + 0.3*longTerm
	if rareImportant && score < rareImportantFloor {
		return rareImportantFloor
	}
	return score
}

// Incident is one remembered case. Mirrors the incident_memory table.
type Incident struct {
	IncidentID       string              `json:"incident_id"`
	TenantID         string              `json:"tenant_id"`
	Title            string              `json:"title"`
	Summary          string              `json:"summary,omitempty"`
	Techniques       []string            `json:"techniques,omitempty"`
	Entities         map[string][]string `json:"entities,omitempty"`
	Outcome          string              `json:"outcome,omitempty"`
	Severity         string              `json:"severity,omitempty"`
	RareImportant    bool                `json:"rare_important"`
	EmbeddingVersion string              `json:"embedding_version,omitempty"`
	OccurredAt       time.Time           `json:"occurred_at"`
}

// AgeDays returns the incident age relative to now.
func (i *Incident) AgeDays(now time.Time) float64 {
	return now.Sub(i.OccurredAt).Hours() / 24
}
