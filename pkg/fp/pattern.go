// Package fp implements false-positive governance: pattern matching with a
// composite confidence, two-person approval, canary promotion, kill
// switches, tenant shadow mode and the autonomy guard.
package fp

import (
	"errors"
	"fmt"
	"time"
)

// Status is the pattern lifecycle state. A pattern matches live traffic only
// while active; shadow patterns record would-be decisions for the canary.
// Expired and revoked are terminal for a version.
type Status string

const (
	StatusPending Status = "pending"
	StatusShadow  Status = "shadow"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusShadow, StatusActive, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// IsTerminal reports whether the pattern version can never match again.
func (s Status) IsTerminal() bool {
	return s == StatusExpired || s == StatusRevoked
}

// approvalValidity is how long a pattern stays approved before it must be
// reaffirmed.
const approvalValidity = 90 * 24 * time.Hour

var (
	ErrSameApprover     = errors.New("second approval requires a distinct approver")
	ErrAlreadyApproved  = errors.New("pattern already fully approved")
	ErrNotApprovable    = errors.New("pattern is not awaiting approval")
	ErrTerminalStatus   = errors.New("pattern status is terminal")
	ErrPatternNotFound  = errors.New("fp pattern not found")
)

// EntityMatcher matches one entity constraint. Exactly one of Pattern
// (regex) or CIDR is set.
type EntityMatcher struct {
	Type    string `json:"type"`
	Pattern string `json:"pattern,omitempty"`
	CIDR    string `json:"cidr,omitempty"`
}

// Scope restricts where a pattern applies. Empty fields match anything.
type Scope struct {
	Tenants    []string `json:"tenants,omitempty"`
	Sources    []string `json:"sources,omitempty"`
	Severities []string `json:"severities,omitempty"`
}

// Matches reports whether the scope covers the given alert coordinates.
func (s Scope) Matches(tenant, source, severity string) bool {
	return containsOrEmpty(s.Tenants, tenant) &&
		containsOrEmpty(s.Sources, source) &&
		containsOrEmpty(s.Severities, severity)
}

func containsOrEmpty(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Pattern is one governed false-positive rule. Revocation and expiry are
// one-way within a version; changing a terminal pattern means cutting a new
// version.
type Pattern struct {
	PatternID   string `json:"pattern_id"`
	Version     int    `json:"version"`
	TenantID    string `json:"tenant_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`

	AlertNamePattern string          `json:"alert_name_pattern"`
	EntityPatterns   []EntityMatcher `json:"entity_patterns,omitempty"`
	Scope            Scope           `json:"scope"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`

	FirstApprover    string     `json:"first_approver,omitempty"`
	FirstApprovedAt  *time.Time `json:"first_approved_at,omitempty"`
	SecondApprover   string     `json:"second_approver,omitempty"`
	SecondApprovedAt *time.Time `json:"second_approved_at,omitempty"`

	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ReaffirmedBy string     `json:"reaffirmed_by,omitempty"`
	ReaffirmedAt *time.Time `json:"reaffirmed_at,omitempty"`

	RevokedBy    string     `json:"revoked_by,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`

	CanaryStartedAt *time.Time `json:"canary_started_at,omitempty"`
	MatchCount      int64      `json:"match_count"`
	LastMatchedAt   *time.Time `json:"last_matched_at,omitempty"`
}

// Approve applies one approval. The first call records the approver; a
// second call by a distinct approver completes governance, moving the
// pattern into shadow for its canary phase and setting the 90-day expiry.
func (p *Pattern) Approve(approver string, now time.Time) error {
	if p.Status.IsTerminal() {
		return ErrTerminalStatus
	}
	if p.Status != StatusPending {
		return ErrNotApprovable
	}
	now = now.UTC()

	if p.FirstApprover == "" {
		p.FirstApprover = approver
		p.FirstApprovedAt = &now
		return nil
	}
	if p.SecondApprover != "" {
		return ErrAlreadyApproved
	}
	if p.FirstApprover == approver {
		return ErrSameApprover
	}
	p.SecondApprover = approver
	p.SecondApprovedAt = &now
	p.Status = StatusShadow
	p.CanaryStartedAt = &now
	expiry := now.Add(approvalValidity)
	p.ExpiresAt = &expiry
	return nil
}

// Reaffirm extends the expiry by another 90 days.
func (p *Pattern) Reaffirm(approver string, now time.Time) error {
	if p.Status.IsTerminal() {
		return ErrTerminalStatus
	}
	if p.ExpiresAt == nil {
		return fmt.Errorf("pattern %s has no expiry to extend", p.PatternID)
	}
	now = now.UTC()
	expiry := p.ExpiresAt.Add(approvalValidity)
	p.ExpiresAt = &expiry
	p.ReaffirmedBy = approver
	p.ReaffirmedAt = &now
	return nil
}

// Revoke is one-way for this version.
func (p *Pattern) Revoke(actor, reason string, now time.Time) error {
	if p.Status.IsTerminal() {
		return ErrTerminalStatus
	}
	now = now.UTC()
	p.Status = StatusRevoked
	p.RevokedBy = actor
	p.RevokedAt = &now
	p.RevokeReason = reason
	return nil
}

// CheckExpiry moves an approved pattern past its expiry to expired. Nothing
// outside this call enforces expiry.
func (p *Pattern) CheckExpiry(now time.Time) bool {
	if p.Status != StatusActive && p.Status != StatusShadow {
		return false
	}
	if p.ExpiresAt == nil || now.Before(*p.ExpiresAt) {
		return false
	}
	p.Status = StatusExpired
	return true
}

// Promote moves a shadow pattern to active after its canary clears.
func (p *Pattern) Promote() error {
	if p.Status != StatusShadow {
		return fmt.Errorf("pattern %s is %s, only shadow patterns promote", p.PatternID, p.Status)
	}
	p.Status = StatusActive
	return nil
}
