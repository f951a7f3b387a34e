package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aluskort/aluskort/pkg/audit"
	"github.com/aluskort/aluskort/pkg/bus"
	"github.com/aluskort/aluskort/pkg/investigation"
)

// Action is one recommended response step from reasoning. Tier grades blast
// radius: 0 observe, 1 notify, 2 contain, 3 eradicate.
type Action struct {
	Playbook string `json:"playbook"`
	Target   string `json:"target,omitempty"`
	Tier     int    `json:"tier"`
	Reason   string `json:"reason,omitempty"`
}

// Class names the permission bucket an action tier falls into.
func (a Action) Class() string {
	switch {
	case a.Tier <= 0:
		return "observe"
	case a.Tier == 1:
		return "notify"
	case a.Tier == 2:
		return "contain"
	default:
		return "eradicate"
	}
}

// Blocked-constraint type names, logged as constraint_blocked_type.
const (
	BlockPlaybookNotAllowlisted = "playbook_not_allowlisted"
	BlockAutoCloseRequirements  = "auto_close_requirements"
	BlockRolePermission         = "role_permission"
	BlockRoutingPolicyMutation  = "routing_policy_mutation"
	BlockGuardrailMutation      = "guardrail_mutation"
)

// ConstraintViolation is a refused action. It never propagates as a pipeline
// failure; the block is recorded and the investigation continues.
type ConstraintViolation struct {
	Type   string
	Detail string
}

func (e *ConstraintViolation) Error() string {
	return fmt.Sprintf("constraint blocked (%s): %s", e.Type, e.Detail)
}

// IsConstraintViolation reports whether err is a refused action and returns
// the violation.
func IsConstraintViolation(err error) (*ConstraintViolation, bool) {
	var cv *ConstraintViolation
	if err == nil {
		return nil, false
	}
	if v, ok := err.(*ConstraintViolation); ok {
		cv = v
	}
	return cv, cv != nil
}

// ExecutorConstraints is the strict action-execution config. The mutation
// capabilities exist so the refusal is explicit and testable; production
// configs never grant them.
type ExecutorConstraints struct {
	AllowlistedPlaybooks       []string `json:"allowlisted_playbooks" yaml:"allowlisted_playbooks"`
	MinConfidenceForAutoClose  float64  `json:"min_confidence_for_auto_close" yaml:"min_confidence_for_auto_close"`
	RequireFPMatchForAutoClose bool     `json:"require_fp_match_for_auto_close" yaml:"require_fp_match_for_auto_close"`
	CanModifyRoutingPolicy     bool     `json:"can_modify_routing_policy" yaml:"can_modify_routing_policy"`
	CanDisableGuardrails       bool     `json:"can_disable_guardrails" yaml:"can_disable_guardrails"`
}

// DefaultConstraints is the shipped posture: a small containment allowlist,
// a high auto-close bar, and no self-modification.
func DefaultConstraints() ExecutorConstraints {
	return ExecutorConstraints{
		AllowlistedPlaybooks: []string{
			"pb-notify-analyst",
			"pb-open-ticket",
			"pb-block-sender",
			"pb-reset-credentials",
			"pb-isolate-host",
		},
		MinConfidenceForAutoClose:  0.85,
		RequireFPMatchForAutoClose: true,
	}
}

func (c ExecutorConstraints) allowlisted(playbook string) bool {
	for _, p := range c.AllowlistedPlaybooks {
		if p == playbook {
			return true
		}
	}
	return false
}

// roleMatrix grants each agent role its permitted action classes. The matrix
// is code, not config: widening an agent's reach is a reviewed change.
var roleMatrix = map[string]map[string]bool{
	RoleResponder: {"observe": true, "notify": true, "contain": true},
	RoleTriage:    {"observe": true, "notify": true},
	RoleAnalyst:   {"observe": true, "notify": true, "contain": true, "eradicate": true},
}

// Agent roles known to the matrix.
const (
	RoleTriage    = "triage"
	RoleResponder = "responder"
	RoleAnalyst   = "analyst"
)

// RolePermissions returns the sorted capability list for audit actor fields.
func RolePermissions(role string) []string {
	perms := roleMatrix[role]
	out := make([]string, 0, len(perms))
	for _, class := range []string{"observe", "notify", "contain", "eradicate"} {
		if perms[class] {
			out = append(out, class)
		}
	}
	return out
}

// Executor enforces the constraint checks in front of every action, then
// hands authorized actions to the pending-actions topic for the response
// integrations to pick up.
type Executor struct {
	constraints ExecutorConstraints
	publisher   bus.Publisher
	emitter     audit.Emitter
	logger      *slog.Logger
}

func NewExecutor(constraints ExecutorConstraints, publisher bus.Publisher, emitter audit.Emitter, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{constraints: constraints, publisher: publisher, emitter: emitter, logger: logger}
}

// Authorize runs the constraint chain for one action under one role. It
// returns a *ConstraintViolation naming the first failed check.
func (e *Executor) Authorize(role string, action Action) error {
	// Self-modification refusals come first: these are never negotiable,
	// whatever the playbook claims to be.
	if action.Playbook == "pb-modify-routing-policy" && !e.constraints.CanModifyRoutingPolicy {
		return &ConstraintViolation{Type: BlockRoutingPolicyMutation, Detail: "routing policy is not actionable"}
	}
	if action.Playbook == "pb-disable-guardrails" && !e.constraints.CanDisableGuardrails {
		return &ConstraintViolation{Type: BlockGuardrailMutation, Detail: "guardrails are not actionable"}
	}
	if !e.constraints.allowlisted(action.Playbook) {
		return &ConstraintViolation{Type: BlockPlaybookNotAllowlisted,
			Detail: fmt.Sprintf("playbook %q is not allowlisted", action.Playbook)}
	}
	if !roleMatrix[role][action.Class()] {
		return &ConstraintViolation{Type: BlockRolePermission,
			Detail: fmt.Sprintf("role %q may not perform %s actions", role, action.Class())}
	}
	return nil
}

// AuthorizeAutoClose checks the auto-close bar: confidence at or above the
// configured minimum AND a governed FP match when required.
func (e *Executor) AuthorizeAutoClose(inv *investigation.Investigation) error {
	if inv.Confidence < e.constraints.MinConfidenceForAutoClose {
		return &ConstraintViolation{Type: BlockAutoCloseRequirements,
			Detail: fmt.Sprintf("confidence %.2f below auto-close minimum %.2f",
				inv.Confidence, e.constraints.MinConfidenceForAutoClose)}
	}
	if e.constraints.RequireFPMatchForAutoClose && !inv.FPMatched {
		return &ConstraintViolation{Type: BlockAutoCloseRequirements,
			Detail: "auto-close requires a governed fp match"}
	}
	return nil
}

// Execute authorizes and dispatches each action, recording blocks to the
// decision chain and the audit trail. It reports how many were dispatched
// and how many were blocked.
func (e *Executor) Execute(ctx context.Context, inv *investigation.Investigation, role string, actions []Action) (executed, blocked int) {
	for _, action := range actions {
		if err := e.Authorize(role, action); err != nil {
			cv, _ := IsConstraintViolation(err)
			blocked++
			e.logger.Warn("action blocked",
				"investigation_id", inv.InvestigationID,
				"playbook", action.Playbook,
				"constraint_blocked_type", cv.Type,
				"detail", cv.Detail)
			inv.AppendDecision(investigation.DecisionEntry{
				Agent: role,
				Details: map[string]any{
					"playbook":                action.Playbook,
					"constraint_blocked_type": cv.Type,
					"detail":                  cv.Detail,
				},
			})
			e.emitAction(ctx, inv, role, audit.EventActionBlocked, map[string]any{
				"playbook":                action.Playbook,
				"tier":                    action.Tier,
				"constraint_blocked_type": cv.Type,
			})
			continue
		}

		if err := e.dispatch(ctx, inv, action); err != nil {
			e.logger.Error("action dispatch failed",
				"investigation_id", inv.InvestigationID,
				"playbook", action.Playbook,
				"error", err)
			e.emitAction(ctx, inv, role, audit.EventActionFailed, map[string]any{
				"playbook": action.Playbook,
				"error":    err.Error(),
			})
			continue
		}
		executed++
		e.emitAction(ctx, inv, role, audit.EventActionExecuted, map[string]any{
			"playbook": action.Playbook,
			"tier":     action.Tier,
			"target":   action.Target,
		})
	}
	return executed, blocked
}

// pendingAction is the wire form placed on the actions topic.
type pendingAction struct {
	InvestigationID string `json:"investigation_id"`
	TenantID        string `json:"tenant_id"`
	Playbook        string `json:"playbook"`
	Target          string `json:"target,omitempty"`
	Tier            int    `json:"tier"`
}

func (e *Executor) dispatch(ctx context.Context, inv *investigation.Investigation, action Action) error {
	payload, err := json.Marshal(pendingAction{
		InvestigationID: inv.InvestigationID,
		TenantID:        inv.TenantID,
		Playbook:        action.Playbook,
		Target:          action.Target,
		Tier:            action.Tier,
	})
	if err != nil {
		return fmt.Errorf("encode pending action: %w", err)
	}
	return e.publisher.Publish(ctx, bus.TopicActionsPending, inv.TenantID, payload, map[string]string{
		"playbook": action.Playbook,
	})
}

func (e *Executor) emitAction(ctx context.Context, inv *investigation.Investigation, role string, event audit.EventType, decision map[string]any) {
	if err := e.emitter.Emit(ctx, &audit.Record{
		TenantID:        inv.TenantID,
		EventType:       event,
		Severity:        "info",
		Actor:           audit.Actor{Type: "agent", ID: role, Permissions: RolePermissions(role)},
		InvestigationID: inv.InvestigationID,
		AlertID:         inv.AlertID,
		Decision:        decision,
	}); err != nil {
		e.logger.Warn("action audit emit failed", "event", string(event), "error", err)
	}
}
