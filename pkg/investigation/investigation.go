package investigation

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/aluskort/aluskort/pkg/alert"
)

// Classification is the investigation verdict written by reasoning or the FP
// short-circuit.
type Classification string

const (
	ClassificationFalsePositive Classification = "false_positive"
	ClassificationTruePositive  Classification = "true_positive"
	ClassificationSuspicious    Classification = "suspicious"
	ClassificationEscalated     Classification = "escalated"
	ClassificationRejected      Classification = "rejected"
)

// AttestationStatus records whether the telemetry supporting a decision was
// attested by the edge collector.
type AttestationStatus string

const (
	AttestationTrusted   AttestationStatus = "trusted"
	AttestationUntrusted AttestationStatus = "untrusted"
	AttestationUnknown   AttestationStatus = "unknown"
)

// DecisionEntry is one immutable link in the decision chain. Entries are
// appended in completion order and never rewritten.
type DecisionEntry struct {
	Agent             string            `json:"agent"`
	FromState         State             `json:"from_state"`
	ToState           State             `json:"to_state"`
	Timestamp         time.Time         `json:"timestamp"`
	TaxonomyVersion   string            `json:"taxonomy_version,omitempty"`
	AttestationStatus AttestationStatus `json:"attestation_status,omitempty"`
	Details           map[string]any    `json:"details,omitempty"`
}

// IOCHit is a threat-intel match for one extracted entity.
type IOCHit struct {
	Type       string    `json:"type"`
	Value      string    `json:"value"`
	Source     string    `json:"source"`
	Confidence int       `json:"confidence"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
}

// RiskContext is UEBA posture for the principal entities on the alert.
type RiskContext struct {
	EntityRisks map[string]float64 `json:"entity_risks,omitempty"`
	PeakRisk    float64            `json:"peak_risk"`
	Anomalies   []string           `json:"anomalies,omitempty"`
}

// Exposure is a CTEM finding correlated to an alert entity.
type Exposure struct {
	ExposureID string `json:"exposure_id"`
	Asset      string `json:"asset"`
	Severity   string `json:"severity"`
	Summary    string `json:"summary,omitempty"`
}

// TechniqueMatch is an ATLAS/ATT&CK technique correlation with its telemetry
// trust level carried from the detection source.
type TechniqueMatch struct {
	TechniqueID         string  `json:"technique_id"`
	Name                string  `json:"name,omitempty"`
	Score               float64 `json:"score"`
	TelemetryTrustLevel string  `json:"telemetry_trust_level"`
}

// SimilarIncident is a prior incident retrieved from incident memory.
type SimilarIncident struct {
	IncidentID    string  `json:"incident_id"`
	Similarity    float64 `json:"similarity"`
	Recency       float64 `json:"recency"`
	Outcome       string  `json:"outcome,omitempty"`
	RareImportant bool    `json:"rare_important,omitempty"`
}

// CaseFacts is the structured summary preserved across retrieval passes so
// repeated reasoning rounds do not re-pay token cost for established facts.
type CaseFacts struct {
	Entities   alert.Entities `json:"entities,omitempty"`
	IOCs       []string       `json:"iocs,omitempty"`
	Techniques []string       `json:"techniques,omitempty"`
	Timeline   []string       `json:"timeline,omitempty"`
}

// Context is the enrichment accumulator on an investigation.
type Context struct {
	Entities         alert.Entities    `json:"entities,omitempty"`
	IOCHits          []IOCHit          `json:"ioc_hits,omitempty"`
	Risk             *RiskContext      `json:"risk,omitempty"`
	Exposures        []Exposure        `json:"exposures,omitempty"`
	TechniqueMatches []TechniqueMatch  `json:"technique_matches,omitempty"`
	SimilarIncidents []SimilarIncident `json:"similar_incidents,omitempty"`
	Playbooks        []string          `json:"playbooks,omitempty"`
}

// Budget tracks resource consumption for the investigation.
type Budget struct {
	LLMCalls        int     `json:"llm_calls"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	QueriesExecuted int     `json:"queries_executed"`
}

// Investigation is the GraphState. The orchestrator owns it exclusively until
// it is persisted in a terminal state; the embedded mutex guards the decision
// chain and state field against the enrichment fan-out.
type Investigation struct {
	mu sync.Mutex

	InvestigationID string `json:"investigation_id"`
	AlertID         string `json:"alert_id"`
	TenantID        string `json:"tenant_id"`

	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Alert   *alert.Alert `json:"alert,omitempty"`
	Context Context      `json:"context"`
	Facts   CaseFacts    `json:"case_facts"`

	Classification        Classification `json:"classification,omitempty"`
	Confidence            float64        `json:"confidence"`
	Severity              alert.Severity `json:"severity,omitempty"`
	RecommendedActions    []string       `json:"recommended_actions,omitempty"`
	RequiresHumanApproval bool           `json:"requires_human_approval"`
	RiskState             string         `json:"risk_state,omitempty"`

	FPMatched   bool   `json:"fp_matched"`
	FPPatternID string `json:"fp_pattern_id,omitempty"`
	ShadowMode  bool   `json:"shadow_mode"`

	Budget Budget `json:"budget"`

	// SealedRedactionMap is the AES-GCM-sealed PII placeholder map from the
	// reasoning stage. Only the audit evidence path may open it.
	SealedRedactionMap []byte `json:"sealed_redaction_map,omitempty"`

	DecisionChain []DecisionEntry `json:"decision_chain"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// New creates an investigation in the received state for an alert.
func New(id string, a *alert.Alert) *Investigation {
	now := time.Now().UTC()
	return &Investigation{
		InvestigationID: id,
		AlertID:         a.AlertID,
		TenantID:        a.TenantID,
		State:           StateReceived,
		CreatedAt:       now,
		UpdatedAt:       now,
		Alert:           a,
		Severity:        a.Severity,
	}
}

// Transition moves the investigation to the next state and appends the
// transition to the decision chain. It returns ErrIllegalTransition when the
// edge is not in the state graph.
func (inv *Investigation) Transition(agent string, to State, details map[string]any) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if !CanTransition(inv.State, to) {
		return &IllegalTransitionError{From: inv.State, To: to}
	}

	entry := DecisionEntry{
		Agent:     agent,
		FromState: inv.State,
		ToState:   to,
		Timestamp: time.Now().UTC(),
		Details:   details,
	}
	inv.DecisionChain = append(inv.DecisionChain, entry)
	inv.State = to
	inv.UpdatedAt = entry.Timestamp
	return nil
}

// AppendDecision records a non-transition decision (enricher result, blocked
// constraint, shadow verdict) in completion order. It is the only legal way
// to grow the chain outside Transition.
func (inv *Investigation) AppendDecision(entry DecisionEntry) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.FromState == "" {
		entry.FromState = inv.State
	}
	if entry.ToState == "" {
		entry.ToState = inv.State
	}
	inv.DecisionChain = append(inv.DecisionChain, entry)
	inv.UpdatedAt = entry.Timestamp
}

// UpdateContext runs fn under the investigation mutex so concurrent
// enrichers can merge results without racing each other.
func (inv *Investigation) UpdateContext(fn func(*Context)) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	fn(&inv.Context)
}

// CurrentState returns the state under the investigation mutex.
func (inv *Investigation) CurrentState() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.State
}

// ChainLen returns the decision chain length under the mutex.
func (inv *Investigation) ChainLen() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return len(inv.DecisionChain)
}

// Chain returns a copy of the decision chain for safe external reads.
func (inv *Investigation) Chain() []DecisionEntry {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]DecisionEntry, len(inv.DecisionChain))
	copy(out, inv.DecisionChain)
	return out
}

// AddCost accumulates LLM spend onto the budget counters.
func (inv *Investigation) AddCost(costUSD float64) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.Budget.LLMCalls++
	inv.Budget.TotalCostUSD += costUSD
}

// AddQuery increments the executed-query counter.
func (inv *Investigation) AddQuery() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.Budget.QueriesExecuted++
}

// Snapshot marshals the investigation under its lock so persistence never
// races a late-finishing enricher.
func (inv *Investigation) Snapshot() ([]byte, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	type snapshot Investigation
	return json.Marshal((*snapshot)(inv))
}

// AllTelemetryUntrusted reports whether every supporting technique match is
// marked untrusted. With no matches at all it returns false: absence of
// evidence is not distrust.
func (inv *Investigation) AllTelemetryUntrusted() bool {
	if len(inv.Context.TechniqueMatches) == 0 {
		return false
	}
	for _, m := range inv.Context.TechniqueMatches {
		if m.TelemetryTrustLevel != string(AttestationUntrusted) {
			return false
		}
	}
	return true
}
