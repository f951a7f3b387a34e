// Package audit implements the tamper-evident audit trail: the closed event
// vocabulary, the per-tenant hash chain, the single-writer ingest service,
// scheduled verification, evidence packages and retention.
package audit

import "fmt"

// Category groups event types for indexing and reporting.
type Category string

const (
	CategoryDecision Category = "decision"
	CategoryAction   Category = "action"
	CategoryApproval Category = "approval"
	CategorySecurity Category = "security"
	CategorySystem   Category = "system"
)

// EventType is a member of the closed audit vocabulary. Emitters reject
// anything not listed here; an unknown type on the bus is a producer bug.
type EventType string

const (
	EventInvestigationCreated   EventType = "decision.investigation_created"
	EventStateTransition        EventType = "decision.state_transition"
	EventEnrichmentCompleted    EventType = "decision.enrichment_completed"
	EventEnrichmentFailed       EventType = "decision.enrichment_failed"
	EventClassificationAssigned EventType = "decision.classification_assigned"
	EventConfidenceEscalated    EventType = "decision.confidence_escalated"
	EventShadowRecorded         EventType = "decision.shadow_recorded"
	EventAnalystRecorded        EventType = "decision.analyst_recorded"
	EventFPMatched              EventType = "decision.fp_matched"
	EventAlertShortCircuited    EventType = "alert.short_circuited"

	EventActionRequested         EventType = "action.requested"
	EventActionExecuted          EventType = "action.executed"
	EventActionBlocked           EventType = "action.blocked"
	EventActionSkippedShadow     EventType = "action.skipped_shadow"
	EventActionAutoClosed        EventType = "action.auto_closed"
	EventActionResponsePublished EventType = "action.response_published"
	EventActionFailed            EventType = "action.failed"

	EventApprovalGateCreated        EventType = "approval.gate_created"
	EventApprovalEscalationSignaled EventType = "approval.escalation_signaled"
	EventApprovalGranted            EventType = "approval.granted"
	EventApprovalRejected           EventType = "approval.rejected"
	EventApprovalExpiredEscalated   EventType = "approval.expired_escalated"
	EventApprovalExpiredRejected    EventType = "approval.expired_rejected"
	EventFPFirstApproval            EventType = "approval.fp_first"
	EventFPSecondApproval           EventType = "approval.fp_second"
	EventFPReaffirmed               EventType = "approval.fp_reaffirmed"
	EventFPRevoked                  EventType = "approval.fp_revoked"

	EventInjectionDetected    EventType = "injection.detected"
	EventInjectionSummarized  EventType = "injection.summarized"
	EventInjectionQuarantined EventType = "injection.quarantined"
	EventTechniqueQuarantined EventType = "technique.quarantined"
	EventPIIRedacted          EventType = "security.pii_redacted"
	EventBudgetSoftAlert      EventType = "security.budget_soft_alert"
	EventBudgetExceeded       EventType = "security.budget_exceeded"
	EventKillSwitchActivated  EventType = "security.kill_switch_activated"
	EventKillSwitchCleared    EventType = "security.kill_switch_cleared"
	EventUntrustedTelemetry   EventType = "security.untrusted_telemetry"

	EventGenesis                EventType = "system.genesis"
	EventVerificationCompleted  EventType = "system.verification_completed"
	EventVerificationFailed     EventType = "system.verification_failed"
	EventRetentionExported      EventType = "system.retention_exported"
	EventPartitionDropped       EventType = "system.partition_dropped"
	EventProviderFailover       EventType = "routing.provider_failover"
	EventDegradationChanged     EventType = "routing.degradation_changed"
	EventQuotaExceeded          EventType = "routing.quota_exceeded"
	EventCanaryPromoted         EventType = "system.canary_promoted"
	EventCanaryRolledBack       EventType = "system.canary_rolled_back"
	EventAutonomyGuardTriggered EventType = "system.autonomy_guard_triggered"
	EventShadowGoLive           EventType = "system.shadow_go_live"
)

var eventCategories = map[EventType]Category{
	EventInvestigationCreated:   CategoryDecision,
	EventStateTransition:        CategoryDecision,
	EventEnrichmentCompleted:    CategoryDecision,
	EventEnrichmentFailed:       CategoryDecision,
	EventClassificationAssigned: CategoryDecision,
	EventConfidenceEscalated:    CategoryDecision,
	EventShadowRecorded:         CategoryDecision,
	EventAnalystRecorded:        CategoryDecision,
	EventFPMatched:              CategoryDecision,
	EventAlertShortCircuited:    CategoryDecision,

	EventActionRequested:         CategoryAction,
	EventActionExecuted:          CategoryAction,
	EventActionBlocked:           CategoryAction,
	EventActionSkippedShadow:     CategoryAction,
	EventActionAutoClosed:        CategoryAction,
	EventActionResponsePublished: CategoryAction,
	EventActionFailed:            CategoryAction,

	EventApprovalGateCreated:        CategoryApproval,
	EventApprovalEscalationSignaled: CategoryApproval,
	EventApprovalGranted:            CategoryApproval,
	EventApprovalRejected:           CategoryApproval,
	EventApprovalExpiredEscalated:   CategoryApproval,
	EventApprovalExpiredRejected:    CategoryApproval,
	EventFPFirstApproval:            CategoryApproval,
	EventFPSecondApproval:           CategoryApproval,
	EventFPReaffirmed:               CategoryApproval,
	EventFPRevoked:                  CategoryApproval,

	EventInjectionDetected:    CategorySecurity,
	EventInjectionSummarized:  CategorySecurity,
	EventInjectionQuarantined: CategorySecurity,
	EventTechniqueQuarantined: CategorySecurity,
	EventPIIRedacted:          CategorySecurity,
	EventBudgetSoftAlert:      CategorySecurity,
	EventBudgetExceeded:       CategorySecurity,
	EventKillSwitchActivated:  CategorySecurity,
	EventKillSwitchCleared:    CategorySecurity,
	EventUntrustedTelemetry:   CategorySecurity,

	EventGenesis:                CategorySystem,
	EventVerificationCompleted:  CategorySystem,
	EventVerificationFailed:     CategorySystem,
	EventRetentionExported:      CategorySystem,
	EventPartitionDropped:       CategorySystem,
	EventProviderFailover:       CategorySystem,
	EventDegradationChanged:     CategorySystem,
	EventQuotaExceeded:          CategorySystem,
	EventCanaryPromoted:         CategorySystem,
	EventCanaryRolledBack:       CategorySystem,
	EventAutonomyGuardTriggered: CategorySystem,
	EventShadowGoLive:           CategorySystem,
}

// IsValid reports vocabulary membership.
func (e EventType) IsValid() bool {
	_, ok := eventCategories[e]
	return ok
}

// Category returns the category for a vocabulary member, or empty for
// unknown types.
func (e EventType) Category() Category {
	return eventCategories[e]
}

// ValidateEventType returns an error naming the offending type when it is
// outside the vocabulary.
func ValidateEventType(e EventType) error {
	if !e.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e)
	}
	return nil
}

// EventTypes returns the vocabulary size, used by tests pinning the closed
// set.
func EventTypes() int {
	return len(eventCategories)
}
