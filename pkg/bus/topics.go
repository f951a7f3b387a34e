package bus

// Topic names form a closed set. Producers and consumers reference these
// constants; free-form topic strings are a bug.
const (
	TopicAlertsRaw         = "alerts.raw"
	TopicAlertsNormalized  = "alerts.normalized"
	TopicIncidentsEnriched = "incidents.enriched"

	TopicAlertsPriorityCritical = "alerts.priority.critical"
	TopicAlertsPriorityHigh     = "alerts.priority.high"
	TopicAlertsPriorityNormal   = "alerts.priority.normal"
	TopicAlertsPriorityLow      = "alerts.priority.low"

	TopicCTEMRawWiz     = "ctem.raw.wiz"
	TopicCTEMRawSnyk    = "ctem.raw.snyk"
	TopicCTEMRawGarak   = "ctem.raw.garak"
	TopicCTEMRawART     = "ctem.raw.art"
	TopicCTEMRawBurp    = "ctem.raw.burp"
	TopicCTEMRawCustom  = "ctem.raw.custom"
	TopicCTEMNormalized = "ctem.normalized"

	TopicActionsPending = "actions.pending"
	TopicAuditEvents    = "audit.events"

	TopicAlertsRawDLQ              = "alerts.raw.dlq"
	TopicAlertsPriorityCriticalDLQ = "alerts.priority.critical.dlq"
	TopicAlertsPriorityHighDLQ     = "alerts.priority.high.dlq"
	TopicAlertsPriorityNormalDLQ   = "alerts.priority.normal.dlq"
	TopicAlertsPriorityLowDLQ      = "alerts.priority.low.dlq"
	TopicCTEMNormalizedDLQ         = "ctem.normalized.dlq"
	TopicAuditEventsDLQ            = "audit.events.dlq"
)

const dlqSuffix = ".dlq"

// dlqByTopic pairs each replayable topic with its dead-letter topic.
var dlqByTopic = map[string]string{
	TopicAlertsRaw:              TopicAlertsRawDLQ,
	TopicAlertsPriorityCritical: TopicAlertsPriorityCriticalDLQ,
	TopicAlertsPriorityHigh:     TopicAlertsPriorityHighDLQ,
	TopicAlertsPriorityNormal:   TopicAlertsPriorityNormalDLQ,
	TopicAlertsPriorityLow:      TopicAlertsPriorityLowDLQ,
	TopicCTEMNormalized:         TopicCTEMNormalizedDLQ,
	TopicAuditEvents:            TopicAuditEventsDLQ,
}

var allTopics = func() map[string]bool {
	names := []string{
		TopicAlertsRaw, TopicAlertsNormalized, TopicIncidentsEnriched,
		TopicAlertsPriorityCritical, TopicAlertsPriorityHigh,
		TopicAlertsPriorityNormal, TopicAlertsPriorityLow,
		TopicCTEMRawWiz, TopicCTEMRawSnyk, TopicCTEMRawGarak,
		TopicCTEMRawART, TopicCTEMRawBurp, TopicCTEMRawCustom,
		TopicCTEMNormalized,
		TopicActionsPending, TopicAuditEvents,
	}
	set := make(map[string]bool, len(names)+len(dlqByTopic))
	for _, n := range names {
		set[n] = true
	}
	for _, dlq := range dlqByTopic {
		set[dlq] = true
	}
	return set
}()

// IsValidTopic reports whether name belongs to the closed topic set.
func IsValidTopic(name string) bool {
	return allTopics[name]
}

// DLQFor returns the dead-letter topic paired with topic.
func DLQFor(topic string) (string, bool) {
	dlq, ok := dlqByTopic[topic]
	return dlq, ok
}

// PriorityTopic maps an alert severity rank to its priority queue. Critical
// and high severities get dedicated queues; informational shares the low
// queue.
func PriorityTopic(severity string) string {
	switch severity {
	case "critical":
		return TopicAlertsPriorityCritical
	case "high":
		return TopicAlertsPriorityHigh
	case "medium":
		return TopicAlertsPriorityNormal
	default:
		return TopicAlertsPriorityLow
	}
}

// PriorityTopics lists the alert queues highest first, the order consumers
// should subscribe in.
func PriorityTopics() []string {
	return []string{
		TopicAlertsPriorityCritical,
		TopicAlertsPriorityHigh,
		TopicAlertsPriorityNormal,
		TopicAlertsPriorityLow,
	}
}
