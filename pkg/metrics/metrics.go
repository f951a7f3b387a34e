// Package metrics owns the process-wide Prometheus collectors. Every
// component receives the container at construction; nothing registers
// collectors ad hoc after startup.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide collector container. One instance is created in
// main and shared; tests create their own with a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Audit service.
	ChainValid           *prometheus.GaugeVec
	KafkaLag             *prometheus.GaugeVec
	VerificationDuration *prometheus.HistogramVec
	RecordsIngested      *prometheus.CounterVec
	EvidenceWrites       *prometheus.CounterVec

	// Router.
	RoutingDecisions *prometheus.CounterVec
	ProviderFailures *prometheus.CounterVec
	DegradationLevel prometheus.Gauge
	EscalationsUsed  prometheus.Counter
	QuotaRejections  *prometheus.CounterVec

	// Gateway.
	InjectionVerdicts     *prometheus.CounterVec
	TechniquesQuarantined *prometheus.CounterVec
	TenantSpendUSD        *prometheus.CounterVec
	LLMTokens             *prometheus.CounterVec

	// Orchestrator.
	StateTransitions *prometheus.CounterVec
	EnricherFailures *prometheus.CounterVec
	ApprovalOutcomes *prometheus.CounterVec
	OpenGates        prometheus.Gauge

	// FP governance and evaluation.
	FPShortCircuits *prometheus.CounterVec
	FPPrecision     *prometheus.GaugeVec
	FPFNR           *prometheus.GaugeVec
	ShadowAgreement *prometheus.GaugeVec

	// Drift.
	DriftScore   *prometheus.GaugeVec
	DriftOverall prometheus.Gauge
}

// New builds the container and registers everything on reg. Passing
// prometheus.NewRegistry() gives tests full isolation.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{registry: reg}

	m.ChainValid = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_chain_valid",
		Help: "1 when the last verification of the tenant chain passed, 0 when it failed.",
	}, []string{"tenant", "check_type"})

	m.KafkaLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_kafka_lag",
		Help: "Emitted audit events minus the highest ingested sequence, per tenant.",
	}, []string{"tenant"})

	m.VerificationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_verification_duration_seconds",
		Help:    "Wall time of one verification run.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"check_type"})

	m.RecordsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_records_ingested_total",
		Help: "Audit records sealed and inserted, per tenant.",
	}, []string{"tenant"})

	m.EvidenceWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_evidence_writes_total",
		Help: "Evidence artifacts written to cold storage, by outcome.",
	}, []string{"outcome"})

	m.RoutingDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_routing_decisions_total",
		Help: "Routing decisions by provider, tier and fallback status.",
	}, []string{"provider", "tier", "is_fallback"})

	m.ProviderFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_provider_failures_total",
		Help: "Transient provider failures recorded by the circuit breakers.",
	}, []string{"provider"})

	m.DegradationLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "llm_degradation_level",
		Help: "Current degradation level: 0 full, 1 secondary, 2 deterministic-only, 3 passthrough.",
	})

	m.EscalationsUsed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llm_escalations_total",
		Help: "Top-tier escalations granted by the hourly budget.",
	})

	m.QuotaRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_quota_rejections_total",
		Help: "Calls rejected by the per-tenant hourly quota.",
	}, []string{"tenant"})

	m.InjectionVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_injection_verdicts_total",
		Help: "Injection classifier verdicts by risk level.",
	}, []string{"risk"})

	m.TechniquesQuarantined = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_techniques_quarantined_total",
		Help: "Technique identifiers stripped from automation-driving fields.",
	}, []string{"tenant"})

	m.TenantSpendUSD = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_tenant_spend_usd_total",
		Help: "Accumulated LLM spend per tenant in USD.",
	}, []string{"tenant"})

	m.LLMTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_llm_tokens_total",
		Help: "Tokens exchanged with providers, by direction.",
	}, []string{"provider", "direction"})

	m.StateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "investigation_state_transitions_total",
		Help: "Investigation state transitions by target state.",
	}, []string{"to_state"})

	m.EnricherFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "investigation_enricher_failures_total",
		Help: "Enricher failures recorded to decision chains.",
	}, []string{"enricher"})

	m.ApprovalOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_gate_outcomes_total",
		Help: "Approval gate resolutions: granted, rejected, expired_escalated, expired_rejected.",
	}, []string{"outcome"})

	m.OpenGates = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "approval_gates_open",
		Help: "Approval gates currently awaiting a decision.",
	})

	m.FPShortCircuits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fp_short_circuits_total",
		Help: "Investigations auto-closed by the FP short-circuit, per tenant.",
	}, []string{"tenant"})

	m.FPPrecision = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fp_precision",
		Help: "Measured FP precision per rule family.",
	}, []string{"rule_family"})

	m.FPFNR = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fp_false_negative_rate",
		Help: "Measured false-negative rate per rule family.",
	}, []string{"rule_family"})

	m.ShadowAgreement = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shadow_agreement_rate",
		Help: "Agreement rate between shadow decisions and analyst outcomes.",
	}, []string{"tenant", "rule_family"})

	m.DriftScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drift_score",
		Help: "Jensen-Shannon divergence per monitored distribution.",
	}, []string{"dimension"})

	m.DriftOverall = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_score_overall",
		Help: "Weighted overall drift score.",
	})

	reg.MustRegister(
		m.ChainValid, m.KafkaLag, m.VerificationDuration, m.RecordsIngested,
		m.EvidenceWrites,
		m.RoutingDecisions, m.ProviderFailures, m.DegradationLevel,
		m.EscalationsUsed, m.QuotaRejections,
		m.InjectionVerdicts, m.TechniquesQuarantined, m.TenantSpendUSD, m.LLMTokens,
		m.StateTransitions, m.EnricherFailures, m.ApprovalOutcomes, m.OpenGates,
		m.FPShortCircuits, m.FPPrecision, m.FPFNR, m.ShadowAgreement,
		m.DriftScore, m.DriftOverall,
	)
	return m
}

// NewForTests returns a container on a private registry.
func NewForTests() *Metrics {
	return New(prometheus.NewRegistry())
}

// SetChainValid exports the last verification result for one tenant chain.
func (m *Metrics) SetChainValid(tenant, checkType string, valid bool) {
	v := 0.0
	if valid {
		v = 1.0
	}
	m.ChainValid.WithLabelValues(tenant, checkType).Set(v)
}

// SetIngestLag exports the bus-vs-store lag for one tenant.
func (m *Metrics) SetIngestLag(tenant string, lag float64) {
	m.KafkaLag.WithLabelValues(tenant).Set(lag)
}

// ObserveVerification records one verification run's wall time.
func (m *Metrics) ObserveVerification(checkType string, seconds float64) {
	m.VerificationDuration.WithLabelValues(checkType).Observe(seconds)
}

// RecordIngested counts one record sealed into a tenant chain.
func (m *Metrics) RecordIngested(tenant string) {
	m.RecordsIngested.WithLabelValues(tenant).Inc()
}

// RecordEvidenceWrite counts one cold-storage artifact write by outcome.
func (m *Metrics) RecordEvidenceWrite(outcome string) {
	m.EvidenceWrites.WithLabelValues(outcome).Inc()
}

// SetDriftScore exports one dimension's divergence.
func (m *Metrics) SetDriftScore(dimension string, score float64) {
	m.DriftScore.WithLabelValues(dimension).Set(score)
}

// SetDriftOverall exports the weighted overall drift score.
func (m *Metrics) SetDriftOverall(score float64) {
	m.DriftOverall.Set(score)
}

// RecordProviderFailure counts one transient provider failure.
func (m *Metrics) RecordProviderFailure(provider string) {
	m.ProviderFailures.WithLabelValues(provider).Inc()
}

// SetDegradationLevel exports the current degradation level ordinal.
func (m *Metrics) SetDegradationLevel(level int) {
	m.DegradationLevel.Set(float64(level))
}

// RecordRoutingDecision counts one routing decision.
func (m *Metrics) RecordRoutingDecision(provider, tier string, isFallback bool) {
	fb := "false"
	if isFallback {
		fb = "true"
	}
	m.RoutingDecisions.WithLabelValues(provider, tier, fb).Inc()
}

// RecordEscalation counts one granted top-tier escalation.
func (m *Metrics) RecordEscalation() {
	m.EscalationsUsed.Inc()
}

// RecordQuotaRejection counts one tenant-quota rejection.
func (m *Metrics) RecordQuotaRejection(tenant string) {
	m.QuotaRejections.WithLabelValues(tenant).Inc()
}

// RecordInjectionVerdict counts one classifier verdict.
func (m *Metrics) RecordInjectionVerdict(risk string) {
	m.InjectionVerdicts.WithLabelValues(risk).Inc()
}

// RecordTechniquesQuarantined counts identifiers stripped from a response.
func (m *Metrics) RecordTechniquesQuarantined(tenant string, n int) {
	if n > 0 {
		m.TechniquesQuarantined.WithLabelValues(tenant).Add(float64(n))
	}
}

// RecordSpend accumulates tenant LLM spend.
func (m *Metrics) RecordSpend(tenant string, usd float64) {
	if usd > 0 {
		m.TenantSpendUSD.WithLabelValues(tenant).Add(usd)
	}
}

// RecordTokens counts tokens exchanged with a provider.
func (m *Metrics) RecordTokens(provider string, input, output int) {
	if input > 0 {
		m.LLMTokens.WithLabelValues(provider, "input").Add(float64(input))
	}
	if output > 0 {
		m.LLMTokens.WithLabelValues(provider, "output").Add(float64(output))
	}
}

// RecordStateTransition counts one investigation transition.
func (m *Metrics) RecordStateTransition(toState string) {
	m.StateTransitions.WithLabelValues(toState).Inc()
}

// RecordEnricherFailure counts one recorded enricher failure.
func (m *Metrics) RecordEnricherFailure(enricher string) {
	m.EnricherFailures.WithLabelValues(enricher).Inc()
}

// RecordApprovalOutcome counts one gate resolution.
func (m *Metrics) RecordApprovalOutcome(outcome string) {
	m.ApprovalOutcomes.WithLabelValues(outcome).Inc()
}

// GateOpened and GateResolved track the open-gate gauge.
func (m *Metrics) GateOpened()   { m.OpenGates.Inc() }
func (m *Metrics) GateResolved() { m.OpenGates.Dec() }

// RecordFPShortCircuit counts one FP auto-close.
func (m *Metrics) RecordFPShortCircuit(tenant string) {
	m.FPShortCircuits.WithLabelValues(tenant).Inc()
}

// SetShadowAgreement exports a tenant's shadow agreement rate.
func (m *Metrics) SetShadowAgreement(tenant, ruleFamily string, rate float64) {
	m.ShadowAgreement.WithLabelValues(tenant, ruleFamily).Set(rate)
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
