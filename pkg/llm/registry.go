// Package llm routes model calls: it picks a tier and model for each task
// under capability, severity, latency, cost and provider-health constraints,
// tracks per-provider circuit breakers, and computes the platform
// degradation level. The router decides; the gateway talks to providers.
package llm

// Tier orders model capability classes. Tier 1+ is tier 1 with an extended
// thinking budget.
type Tier string

const (
	Tier0     Tier = "0"
	Tier1     Tier = "1"
	Tier1Plus Tier = "1+"
	Tier2     Tier = "2"
)

// Rank orders tiers for comparisons; higher is more capable.
func (t Tier) Rank() int {
	switch t {
	case Tier0:
		return 0
	case Tier1:
		return 1
	case Tier1Plus:
		return 2
	case Tier2:
		return 3
	default:
		return -1
	}
}

// Provider names. The closed set the platform can talk to.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Model describes one registered model.
type Model struct {
	Provider                 string
	ModelID                  string
	MaxContextTokens         int
	CostInPerMTok            float64
	CostOutPerMTok           float64
	SupportsToolUse          bool
	SupportsJSON             bool
	SupportsExtendedThinking bool
	SupportsPromptCaching    bool
	BatchEligible            bool
}

// CostUSD prices one call at the model's per-million-token rates.
func (m Model) CostUSD(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*m.CostInPerMTok/1e6 + float64(outputTokens)*m.CostOutPerMTok/1e6
}

// TaskCapabilities states what a task demands from a model.
type TaskCapabilities struct {
	RequiresToolUse          bool
	RequiresJSONReliability  bool
	MaxContextTokens         int
	LatencySLOSeconds        float64
	RequiresExtendedThinking bool
}

// Task names form a closed set. Unknown tasks route at tier 1.
const (
	TaskAlertTriage            = "alert_triage"
	TaskAlertClassification    = "alert_classification"
	TaskEntityExtraction       = "entity_extraction"
	TaskIOCAnalysis            = "ioc_analysis"
	TaskTechniqueMapping       = "technique_mapping"
	TaskIncidentCorrelation    = "incident_correlation"
	TaskTimelineReconstruction = "timeline_reconstruction"
	TaskRootCauseAnalysis      = "root_cause_analysis"
	TaskThreatHuntingQuery     = "threat_hunting_query"
	TaskPlaybookSelection      = "playbook_selection"
	TaskResponsePlanning       = "response_planning"
	TaskEvidenceSummarization  = "evidence_summarization"
	TaskReportGeneration       = "report_generation"
	TaskEscalationSummary      = "escalation_summary"
	TaskFPRationale            = "fp_rationale"
	TaskInjectionReview        = "injection_review"
	TaskConfidenceReview       = "confidence_review"
	TaskDeepInvestigation      = "deep_investigation"
)

// taskTiers maps each task to its base tier.
var taskTiers = map[string]Tier{
	TaskAlertTriage:            Tier0,
	TaskEntityExtraction:       Tier0,
	TaskInjectionReview:        Tier0,
	TaskEscalationSummary:      Tier0,
	TaskAlertClassification:    Tier1,
	TaskIOCAnalysis:            Tier1,
	TaskTechniqueMapping:       Tier1,
	TaskIncidentCorrelation:    Tier1,
	TaskThreatHuntingQuery:     Tier1,
	TaskPlaybookSelection:      Tier1,
	TaskEvidenceSummarization:  Tier1,
	TaskReportGeneration:       Tier1,
	TaskFPRationale:            Tier1,
	TaskConfidenceReview:       Tier1,
	TaskTimelineReconstruction: Tier1Plus,
	TaskRootCauseAnalysis:      Tier1Plus,
	TaskResponsePlanning:       Tier1Plus,
	TaskDeepInvestigation:      Tier2,
}

// reasoningTasks require multi-step reasoning; critical severity forces them
// to at least tier 1.
var reasoningTasks = map[string]bool{
	TaskAlertClassification:    true,
	TaskIncidentCorrelation:    true,
	TaskTimelineReconstruction: true,
	TaskRootCauseAnalysis:      true,
	TaskResponsePlanning:       true,
	TaskConfidenceReview:       true,
	TaskDeepInvestigation:      true,
}

// taskCapabilities is consulted by the capability-match step of the override
// chain. Tasks absent from the map accept any model.
var taskCapabilities = map[string]TaskCapabilities{
	TaskAlertTriage:            {RequiresJSONReliability: true, LatencySLOSeconds: 3},
	TaskEntityExtraction:       {RequiresJSONReliability: true, LatencySLOSeconds: 3},
	TaskInjectionReview:        {RequiresJSONReliability: true, LatencySLOSeconds: 5},
	TaskAlertClassification:    {RequiresJSONReliability: true, LatencySLOSeconds: 30},
	TaskIOCAnalysis:            {RequiresJSONReliability: true, LatencySLOSeconds: 30},
	TaskTechniqueMapping:       {RequiresJSONReliability: true, LatencySLOSeconds: 30},
	TaskIncidentCorrelation:    {RequiresJSONReliability: true, MaxContextTokens: 100_000, LatencySLOSeconds: 60},
	TaskThreatHuntingQuery:     {RequiresToolUse: true, LatencySLOSeconds: 60},
	TaskPlaybookSelection:      {RequiresJSONReliability: true, LatencySLOSeconds: 30},
	TaskResponsePlanning:       {RequiresJSONReliability: true, RequiresExtendedThinking: true, LatencySLOSeconds: 120},
	TaskTimelineReconstruction: {RequiresExtendedThinking: true, MaxContextTokens: 100_000, LatencySLOSeconds: 120},
	TaskRootCauseAnalysis:      {RequiresExtendedThinking: true, LatencySLOSeconds: 120},
	TaskDeepInvestigation:      {RequiresExtendedThinking: true, MaxContextTokens: 150_000, LatencySLOSeconds: 300},
}

// modelRegistry maps tier to primary model.
var modelRegistry = map[Tier]Model{
	Tier0: {
		Provider:              ProviderAnthropic,
		ModelID:               "claude-3-5-haiku",
		MaxContextTokens:      200_000,
		CostInPerMTok:         0.80,
		CostOutPerMTok:        4.00,
		SupportsToolUse:       true,
		SupportsJSON:          true,
		SupportsPromptCaching: true,
		BatchEligible:         true,
	},
	Tier1: {
		Provider:                 ProviderAnthropic,
		ModelID:                  "claude-sonnet-4",
		MaxContextTokens:         200_000,
		CostInPerMTok:            3.00,
		CostOutPerMTok:           15.00,
		SupportsToolUse:          true,
		SupportsJSON:             true,
		SupportsExtendedThinking: true,
		SupportsPromptCaching:    true,
		BatchEligible:            true,
	},
	Tier1Plus: {
		Provider:                 ProviderAnthropic,
		ModelID:                  "claude-sonnet-4",
		MaxContextTokens:         200_000,
		CostInPerMTok:            3.00,
		CostOutPerMTok:           15.00,
		SupportsToolUse:          true,
		SupportsJSON:             true,
		SupportsExtendedThinking: true,
		SupportsPromptCaching:    true,
	},
	Tier2: {
		Provider:                 ProviderAnthropic,
		ModelID:                  "claude-opus-4",
		MaxContextTokens:         200_000,
		CostInPerMTok:            15.00,
		CostOutPerMTok:           75.00,
		SupportsToolUse:          true,
		SupportsJSON:             true,
		SupportsExtendedThinking: true,
		SupportsPromptCaching:    true,
	},
}

// fallbackRegistry maps tier to ordered fallbacks. Tier 1+ and tier 2 have
// none: degradation absorbs the gap rather than silently downgrading deep
// reasoning to a weaker model.
var fallbackRegistry = map[Tier][]Model{
	Tier0: {
		{
			Provider:         ProviderOpenAI,
			ModelID:          "gpt-4o-mini",
			MaxContextTokens: 128_000,
			CostInPerMTok:    0.15,
			CostOutPerMTok:   0.60,
			SupportsToolUse:  true,
			SupportsJSON:     true,
			BatchEligible:    true,
		},
	},
	Tier1: {
		{
			Provider:         ProviderOpenAI,
			ModelID:          "gpt-4o",
			MaxContextTokens: 128_000,
			CostInPerMTok:    2.50,
			CostOutPerMTok:   10.00,
			SupportsToolUse:  true,
			SupportsJSON:     true,
			BatchEligible:    true,
		},
	},
	Tier1Plus: {},
	Tier2:     {},
}

// PrimaryModel returns the registered primary for a tier.
func PrimaryModel(tier Tier) Model {
	return modelRegistry[tier]
}

// Fallbacks returns the ordered fallback models for a tier.
func Fallbacks(tier Tier) []Model {
	src := fallbackRegistry[tier]
	out := make([]Model, len(src))
	copy(out, src)
	return out
}

// Capabilities returns the declared requirements for a task.
func Capabilities(task string) (TaskCapabilities, bool) {
	c, ok := taskCapabilities[task]
	return c, ok
}

// satisfies reports whether a model meets a task's requirements.
func satisfies(m Model, c TaskCapabilities) bool {
	if c.RequiresToolUse && !m.SupportsToolUse {
		return false
	}
	if c.RequiresJSONReliability && !m.SupportsJSON {
		return false
	}
	if c.RequiresExtendedThinking && !m.SupportsExtendedThinking {
		return false
	}
	if c.MaxContextTokens > 0 && m.MaxContextTokens < c.MaxContextTokens {
		return false
	}
	return true
}
