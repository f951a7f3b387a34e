// Package alert defines the canonical alert contract shared by every
// ingestion path. An alert is immutable after it passes validation; all
// downstream context accumulates on the investigation, never here.
package alert

import (
	"encoding/json"
	"fmt"
	"time"
)

// Severity classifies alert impact. The set is closed: any other value is a
// contract violation rejected at the deserializer.
type Severity string

const (
	SeverityCritical      Severity = "critical"
	SeverityHigh          Severity = "high"
	SeverityMedium        Severity = "medium"
	SeverityLow           Severity = "low"
	SeverityInformational Severity = "informational"
)

// IsValid checks if the severity is a member of the closed set.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInformational:
		return true
	default:
		return false
	}
}

// Rank orders severities for comparisons (critical is highest).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Alert is the canonical normalized alert. RawEntities and RawPayload are
// opaque text: they are never trusted and only cross the LLM boundary through
// the context gateway.
type Alert struct {
	AlertID     string    `json:"alert_id"`
	TenantID    string    `json:"tenant_id"`
	Source      string    `json:"source"`
	Product     string    `json:"product"`
	Timestamp   time.Time `json:"timestamp"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	Tactics     []string  `json:"tactics,omitempty"`
	Techniques  []string  `json:"techniques,omitempty"`
	RawEntities string    `json:"raw_entities,omitempty"`
	RawPayload  json.RawMessage `json:"raw_payload,omitempty"`

	// TelemetryTrustLevel records whether the emitting collector attested
	// the telemetry behind this alert. Empty means the source does not
	// participate in attestation.
	TelemetryTrustLevel string `json:"telemetry_trust_level,omitempty"`
}

// Validate enforces the canonical alert invariants. It returns a
// *ValidationError naming the first offending field.
func (a *Alert) Validate() error {
	if a.AlertID == "" {
		return NewValidationError("alert_id", "alert_id is required")
	}
	if a.TenantID == "" {
		return NewValidationError("tenant_id", "tenant_id is required")
	}
	if a.Source == "" {
		return NewValidationError("source", "source is required")
	}
	if a.Timestamp.IsZero() {
		return NewValidationError("timestamp", "timestamp is required and must be RFC 3339")
	}
	if !a.Severity.IsValid() {
		return NewValidationError("severity", fmt.Sprintf("severity %q is not in the closed set", a.Severity))
	}
	switch a.TelemetryTrustLevel {
	case "", "trusted", "untrusted", "unknown":
	default:
		return NewValidationError("telemetry_trust_level", fmt.Sprintf("telemetry_trust_level %q is not in the closed set", a.TelemetryTrustLevel))
	}
	return nil
}

// Parse deserializes and validates a canonical alert from its wire form.
// Schema failures and invariant violations both surface as *ValidationError
// so the consumer can route the raw message to the DLQ without retry.
func Parse(raw []byte) (*Alert, error) {
	var a Alert
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, NewValidationError("payload", fmt.Sprintf("malformed alert JSON: %v", err))
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}
