// Package orchestrator drives investigations through the lifecycle graph:
// parse, FP short-circuit check, parallel enrichment, reasoning with
// confidence escalation, and response under executor constraints and
// approval gates. Every stage appends to the investigation's decision chain
// and emits audit events; every state transition is persisted before the
// next stage runs.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aluskort/aluskort/pkg/alert"
	"github.com/aluskort/aluskort/pkg/audit"
	"github.com/aluskort/aluskort/pkg/enrich"
	"github.com/aluskort/aluskort/pkg/fp"
	"github.com/aluskort/aluskort/pkg/gateway"
	"github.com/aluskort/aluskort/pkg/investigation"
	"github.com/aluskort/aluskort/pkg/llm"
)

// Agent names stamped on decision chain entries and audit actors, one per
// pipeline stage.
const (
	agentIntake    = "intake"
	agentParser    = "alert-parser"
	agentFPCheck   = "fp-governor"
	agentEnricher  = "enrichment-fanout"
	agentReasoning = "reasoning-agent"
	agentResponder = "response-agent"
	agentGate      = "approval-gate"
)

// StateStore persists investigation snapshots. Save must be safe to call
// after every transition; the orchestrator never batches writes.
type StateStore interface {
	Save(ctx context.Context, inv *investigation.Investigation) error
}

// FPEvaluator runs the fp_check stage. A nil result means no governed
// pattern cleared its threshold.
type FPEvaluator interface {
	Evaluate(ctx context.Context, inv *investigation.Investigation) (*fp.MatchResult, error)
}

// ShadowChecker reports whether a tenant runs in shadow mode.
type ShadowChecker interface {
	IsShadow(ctx context.Context, tenantID string) bool
}

// ShadowLog records would-be decisions for tenants in shadow mode so they
// can be paired against analyst dispositions.
type ShadowLog interface {
	RecordShadow(ctx context.Context, d *fp.ShadowDecision) error
}

// LLMGateway is the reasoning call surface.
type LLMGateway interface {
	Complete(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// LLMRouter picks the model tier and provider for a reasoning pass.
type LLMRouter interface {
	Route(req llm.RouteRequest) llm.RoutingDecision
}

// orchestratorMetrics is the metrics surface the pipeline exports to.
type orchestratorMetrics interface {
	RecordStateTransition(toState string)
	RecordEnricherFailure(enricher string)
	RecordFPShortCircuit(tenant string)
}

// Options wires an Orchestrator. Store, FP, Shadow, Fanout, Router, Gateway,
// Executor and Emitter are required.
type Options struct {
	Store     StateStore
	FP        FPEvaluator
	Shadow    ShadowChecker
	ShadowLog ShadowLog
	Fanout    *enrich.Fanout
	Router    LLMRouter
	Gateway   LLMGateway
	Gates     *GateManager
	Executor  *Executor
	Arena     *Arena
	Emitter   audit.Emitter
	Metrics   orchestratorMetrics

	// ApprovalTier is the lowest action tier that requires a human
	// approval gate. Defaults to 2 (containment and above).
	ApprovalTier int

	// TimeBudget bounds one reasoning pass per severity; zero means no
	// bound and the router tiers on task and context alone.
	TimeBudget map[alert.Severity]time.Duration

	// RedactionKey seals the reasoning stage's PII placeholder map into the
	// persisted investigation. Empty means the map is discarded with the
	// pass.
	RedactionKey []byte

	Logger *slog.Logger
	NewID  func() string
}

// Orchestrator runs the investigation pipeline. One instance serves all
// tenants; per-investigation state lives on the Investigation itself.
type Orchestrator struct {
	store        StateStore
	fp           FPEvaluator
	shadow       ShadowChecker
	shadowLog    ShadowLog
	fanout       *enrich.Fanout
	router       LLMRouter
	gateway      LLMGateway
	gates        *GateManager
	executor     *Executor
	arena        *Arena
	emitter      audit.Emitter
	metrics      orchestratorMetrics
	approvalTier int
	timeBudget   map[alert.Severity]time.Duration
	redactionKey []byte
	logger       *slog.Logger
	newID        func() string
}

// New validates the wiring and returns an Orchestrator. When a GateManager
// is supplied the orchestrator registers itself as its decision handler.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.FP == nil || opts.Shadow == nil {
		return nil, fmt.Errorf("orchestrator: store, fp evaluator and shadow checker are required")
	}
	if opts.Fanout == nil || opts.Router == nil || opts.Gateway == nil {
		return nil, fmt.Errorf("orchestrator: fanout, router and gateway are required")
	}
	if opts.Executor == nil || opts.Emitter == nil {
		return nil, fmt.Errorf("orchestrator: executor and audit emitter are required")
	}
	if opts.ApprovalTier <= 0 {
		opts.ApprovalTier = 2
	}
	if opts.Arena == nil {
		opts.Arena = NewArena()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "inv-" + uuid.NewString() }
	}
	o := &Orchestrator{
		store:        opts.Store,
		fp:           opts.FP,
		shadow:       opts.Shadow,
		shadowLog:    opts.ShadowLog,
		fanout:       opts.Fanout,
		router:       opts.Router,
		gateway:      opts.Gateway,
		gates:        opts.Gates,
		executor:     opts.Executor,
		arena:        opts.Arena,
		emitter:      opts.Emitter,
		metrics:      opts.Metrics,
		approvalTier: opts.ApprovalTier,
		timeBudget:   opts.TimeBudget,
		redactionKey: opts.RedactionKey,
		logger:       opts.Logger,
		newID:        opts.NewID,
	}
	if o.gates != nil {
		o.gates.SetHandler(o)
	}
	return o, nil
}

// Arena exposes the live-investigation arena for API handlers.
func (o *Orchestrator) Arena() *Arena { return o.arena }

// Run drives one alert to a stable state: closed, failed, or awaiting_human.
// It returns an error only when the investigation's state could not be
// persisted at all, which is the caller's signal to nack and redeliver.
// Every other failure is absorbed into the investigation as a failed or
// awaiting_human outcome.
func (o *Orchestrator) Run(ctx context.Context, a *alert.Alert) (*investigation.Investigation, error) {
	inv := investigation.New(o.newID(), a)
	o.arena.Put(inv)

	o.emit(ctx, inv, audit.EventInvestigationCreated, agentIntake, map[string]any{
		"source":   a.Source,
		"severity": string(a.Severity),
	})
	if err := o.store.Save(ctx, inv); err != nil {
		o.arena.Release(inv.InvestigationID)
		return nil, fmt.Errorf("persist new investigation: %w", err)
	}

	o.logger.Info("investigation started",
		"investigation_id", inv.InvestigationID,
		"alert_id", inv.AlertID,
		"tenant_id", inv.TenantID,
		"severity", string(inv.Severity))

	if err := o.pipeline(ctx, inv); err != nil {
		return inv, o.failInvestigation(ctx, inv, err)
	}
	return inv, nil
}

// pipeline runs the stages in order. A nil return means the investigation
// reached a stable state; an error means it must be failed.
func (o *Orchestrator) pipeline(ctx context.Context, inv *investigation.Investigation) error {
	if err := o.parse(ctx, inv); err != nil {
		return err
	}

	closed, err := o.fpCheck(ctx, inv)
	if err != nil {
		return err
	}
	if closed {
		return nil
	}

	if err := o.enrichStage(ctx, inv); err != nil {
		return err
	}

	v, err := o.reason(ctx, inv)
	if err != nil {
		return err
	}

	return o.respond(ctx, inv, v)
}

// parse extracts typed entities from the alert text into the investigation
// context and case facts.
func (o *Orchestrator) parse(ctx context.Context, inv *investigation.Investigation) error {
	if err := o.transition(ctx, inv, agentParser, investigation.StateParsing, nil); err != nil {
		return err
	}

	text := strings.Join([]string{inv.Alert.Title, inv.Alert.Description, inv.Alert.RawEntities}, "\n")
	entities := alert.ExtractEntities(text)
	inv.UpdateContext(func(c *investigation.Context) {
		c.Entities = entities
	})
	inv.Facts.Entities = entities
	inv.Facts.Techniques = append(inv.Facts.Techniques, inv.Alert.Techniques...)

	return o.store.Save(ctx, inv)
}

// fpCheck runs governed pattern matching. It reports closed=true when the
// investigation short-circuited. Evaluation failures are recorded and the
// pipeline continues; failing open here means more analysis, never a wrong
// auto-close.
func (o *Orchestrator) fpCheck(ctx context.Context, inv *investigation.Investigation) (bool, error) {
	if err := o.transition(ctx, inv, agentFPCheck, investigation.StateFPCheck, nil); err != nil {
		return false, err
	}
	inv.ShadowMode = o.shadow.IsShadow(ctx, inv.TenantID)

	hit, err := o.fp.Evaluate(ctx, inv)
	if err != nil {
		o.logger.Warn("fp evaluation failed, continuing to enrichment",
			"investigation_id", inv.InvestigationID, "error", err)
		inv.AppendDecision(investigation.DecisionEntry{
			Agent:   agentFPCheck,
			Details: map[string]any{"outcome": "evaluation_failed", "error": err.Error()},
		})
		return false, o.continueToEnrich(ctx, inv)
	}
	if hit == nil {
		return false, o.continueToEnrich(ctx, inv)
	}

	inv.FPMatched = true
	inv.FPPatternID = hit.Pattern.PatternID
	inv.Classification = investigation.ClassificationFalsePositive
	inv.Confidence = hit.Confidence

	if inv.ShadowMode {
		// Shadow tenants never short-circuit; the would-be close is
		// recorded at responding against the analyst's disposition.
		inv.AppendDecision(investigation.DecisionEntry{
			Agent: agentFPCheck,
			Details: map[string]any{
				"outcome":    "short_circuit_shadowed",
				"pattern_id": hit.Pattern.PatternID,
				"confidence": hit.Confidence,
			},
		})
		return false, o.continueToEnrich(ctx, inv)
	}

	if err := o.executor.AuthorizeAutoClose(inv); err != nil {
		v, _ := IsConstraintViolation(err)
		o.logger.Warn("fp short-circuit blocked by executor constraint",
			"investigation_id", inv.InvestigationID,
			"pattern_id", hit.Pattern.PatternID,
			"constraint_blocked_type", v.Type)
		inv.AppendDecision(investigation.DecisionEntry{
			Agent: agentFPCheck,
			Details: map[string]any{
				"outcome":                 "short_circuit_blocked",
				"constraint_blocked_type": v.Type,
				"detail":                  v.Detail,
			},
		})
		o.emit(ctx, inv, audit.EventActionBlocked, agentFPCheck, map[string]any{
			"constraint_blocked_type": v.Type,
			"detail":                  v.Detail,
		})
		return false, o.continueToEnrich(ctx, inv)
	}

	if err := o.transition(ctx, inv, agentFPCheck, investigation.StateClosed, map[string]any{
		"reason":     "fp_short_circuit",
		"pattern_id": hit.Pattern.PatternID,
		"confidence": hit.Confidence,
		"threshold":  hit.Threshold,
	}); err != nil {
		return false, err
	}
	o.emit(ctx, inv, audit.EventAlertShortCircuited, agentFPCheck, map[string]any{
		"pattern_id": hit.Pattern.PatternID,
		"confidence": hit.Confidence,
		"threshold":  hit.Threshold,
	})
	o.emit(ctx, inv, audit.EventActionAutoClosed, agentFPCheck, map[string]any{
		"pattern_id":     hit.Pattern.PatternID,
		"classification": string(inv.Classification),
	})
	if o.metrics != nil {
		o.metrics.RecordFPShortCircuit(inv.TenantID)
	}
	o.logger.Info("alert short-circuited by fp pattern",
		"investigation_id", inv.InvestigationID,
		"pattern_id", hit.Pattern.PatternID,
		"confidence", hit.Confidence)

	if err := o.store.Save(ctx, inv); err != nil {
		return false, err
	}
	o.arena.Release(inv.InvestigationID)
	return true, nil
}

func (o *Orchestrator) continueToEnrich(ctx context.Context, inv *investigation.Investigation) error {
	if err := o.transition(ctx, inv, agentFPCheck, investigation.StateEnriching, nil); err != nil {
		return err
	}
	return o.store.Save(ctx, inv)
}

// enrichStage fans out to all enrichers and records the aggregate outcome.
// Individual failures were already chained by the fanout; only the counts
// are audited here.
func (o *Orchestrator) enrichStage(ctx context.Context, inv *investigation.Investigation) error {
	before := inv.ChainLen()
	succeeded, failed := o.fanout.Run(ctx, inv)

	if o.metrics != nil && failed > 0 {
		for _, entry := range inv.Chain()[before:] {
			if entry.Details["outcome"] == "failed" {
				o.metrics.RecordEnricherFailure(entry.Agent)
			}
		}
	}

	event := audit.EventEnrichmentCompleted
	if succeeded == 0 && failed > 0 {
		event = audit.EventEnrichmentFailed
	}
	o.emit(ctx, inv, event, agentEnricher, map[string]any{
		"succeeded": succeeded,
		"failed":    failed,
	})

	if err := o.transition(ctx, inv, agentEnricher, investigation.StateReasoning, map[string]any{
		"enrichers_succeeded": succeeded,
		"enrichers_failed":    failed,
	}); err != nil {
		return err
	}
	return o.store.Save(ctx, inv)
}

// reason runs one or two reasoning passes and writes the verdict onto the
// investigation. A nil verdict with nil error means reasoning degraded and
// the investigation is already parked in awaiting_human.
func (o *Orchestrator) reason(ctx context.Context, inv *investigation.Investigation) (*verdict, error) {
	anon := gateway.NewAnonymizer()

	decision := o.router.Route(llm.RouteRequest{
		Task:          llm.TaskAlertClassification,
		TenantID:      inv.TenantID,
		Severity:      string(inv.Severity),
		TimeBudget:    o.timeBudget[inv.Severity],
		ContextTokens: contextTokenEstimate(inv),
		Confidence:    -1,
	})

	v, err := o.reasonOnce(ctx, inv, decision, anon)
	if err != nil {
		return nil, o.degradeToHuman(ctx, inv, "reasoning_failed", err)
	}

	// A shaky verdict on a critical or high alert earns one second pass at
	// the top tier; the router enforces the hourly escalation budget.
	if v.Confidence < escalationConfidence {
		retry := o.router.Route(llm.RouteRequest{
			Task:          llm.TaskAlertClassification,
			TenantID:      inv.TenantID,
			Severity:      string(inv.Severity),
			TimeBudget:    o.timeBudget[inv.Severity],
			ContextTokens: contextTokenEstimate(inv),
			Confidence:    v.Confidence,
		})
		if retry.EscalationGranted {
			second, err := o.reasonOnce(ctx, inv, retry, anon)
			if err != nil {
				o.logger.Warn("escalated reasoning pass failed, keeping first verdict",
					"investigation_id", inv.InvestigationID, "error", err)
			} else {
				o.emit(ctx, inv, audit.EventConfidenceEscalated, agentReasoning, map[string]any{
					"first_confidence":  v.Confidence,
					"second_confidence": second.Confidence,
					"tier":              string(retry.Tier),
					"kept":              "higher",
				})
				if second.Confidence > v.Confidence {
					v = second
				}
			}
		}
	}

	inv.Classification = investigation.Classification(v.Classification)
	inv.Confidence = v.Confidence
	inv.RiskState = v.RiskState
	inv.RequiresHumanApproval = false
	inv.RecommendedActions = inv.RecommendedActions[:0]
	for _, a := range v.Actions {
		inv.RecommendedActions = append(inv.RecommendedActions,
			fmt.Sprintf("%s tier=%d target=%s", a.Playbook, a.Tier, a.Target))
	}

	if len(o.redactionKey) > 0 && anon.Len() > 0 {
		sealed, err := gateway.EncryptMap(anon.Snapshot(), o.redactionKey)
		if err != nil {
			o.logger.Warn("redaction map seal failed, map discarded",
				"investigation_id", inv.InvestigationID, "error", err)
		} else {
			inv.SealedRedactionMap = sealed
		}
	}

	o.emit(ctx, inv, audit.EventClassificationAssigned, agentReasoning, map[string]any{
		"classification": v.Classification,
		"confidence":     v.Confidence,
		"risk_state":     v.RiskState,
		"actions":        len(v.Actions),
	})
	if err := o.store.Save(ctx, inv); err != nil {
		return nil, err
	}
	return v, nil
}

// reasonOnce performs a single gateway call and appends the pass to the
// decision chain with its cost and attestation status.
func (o *Orchestrator) reasonOnce(ctx context.Context, inv *investigation.Investigation, decision llm.RoutingDecision, anon *gateway.Anonymizer) (*verdict, error) {
	resp, err := o.gateway.Complete(ctx, reasoningRequest(inv, decision, anon))
	if err != nil {
		return nil, err
	}
	inv.AddCost(resp.Metrics.CostUSD)

	v, perr := parseVerdict(resp.Content)
	entry := investigation.DecisionEntry{
		Agent:             agentReasoning,
		TaxonomyVersion:   resp.TaxonomyVersion,
		AttestationStatus: o.attestation(inv),
		Details: map[string]any{
			"provider":      decision.Provider,
			"model_id":      decision.ModelID,
			"tier":          string(decision.Tier),
			"is_fallback":   decision.IsFallback,
			"route_reason":  decision.Reason,
			"cost_usd":      resp.Metrics.CostUSD,
			"input_tokens":  resp.Metrics.InputTokens,
			"output_tokens": resp.Metrics.OutputTokens,
		},
	}
	if perr != nil {
		entry.Details["outcome"] = "verdict_unparseable"
		entry.Details["error"] = perr.Error()
		inv.AppendDecision(entry)
		return nil, fmt.Errorf("reasoning verdict: %w", perr)
	}
	entry.Details["classification"] = v.Classification
	entry.Details["confidence"] = v.Confidence
	if len(resp.QuarantinedIDs) > 0 {
		entry.Details["quarantined_ids"] = resp.QuarantinedIDs
	}
	inv.AppendDecision(entry)
	return v, nil
}

// attestation derives the decision's attestation status from the technique
// matches supporting it. Untrusted wins over unknown; trusted requires every
// match to be attested.
func (o *Orchestrator) attestation(inv *investigation.Investigation) investigation.AttestationStatus {
	status := investigation.AttestationUnknown
	trusted := 0
	matches := 0
	inv.UpdateContext(func(c *investigation.Context) {
		matches = len(c.TechniqueMatches)
		for _, m := range c.TechniqueMatches {
			switch m.TelemetryTrustLevel {
			case "untrusted":
				status = investigation.AttestationUntrusted
			case "trusted":
				trusted++
			}
		}
	})
	if status == investigation.AttestationUntrusted {
		return status
	}
	if matches > 0 && trusted == matches {
		return investigation.AttestationTrusted
	}
	return investigation.AttestationUnknown
}

// respond routes the verdict to its outcome: shadow recording, a human
// queue, an approval gate, auto-close, or direct execution.
func (o *Orchestrator) respond(ctx context.Context, inv *investigation.Investigation, v *verdict) error {
	if v == nil {
		// reason already parked the investigation.
		return nil
	}

	if inv.ShadowMode {
		return o.respondShadow(ctx, inv, v)
	}

	if inv.AllTelemetryUntrusted() {
		o.emit(ctx, inv, audit.EventUntrustedTelemetry, agentReasoning, map[string]any{
			"classification": v.Classification,
			"confidence":     v.Confidence,
		})
		return o.parkForHuman(ctx, inv, "all_telemetry_untrusted")
	}

	if o.needsGate(v.Actions) {
		return o.openGate(ctx, inv, v)
	}

	if v.Confidence < o.executor.constraints.MinConfidenceForAutoClose {
		return o.parkForHuman(ctx, inv, "confidence_below_auto_bar")
	}

	if len(v.Actions) == 0 {
		if inv.Classification == investigation.ClassificationFalsePositive {
			err := o.executor.AuthorizeAutoClose(inv)
			if err == nil {
				return o.closeFrom(ctx, inv, agentReasoning, map[string]any{
					"reason":     "reasoned_false_positive",
					"confidence": v.Confidence,
				}, audit.EventActionAutoClosed)
			}
			if cv, ok := IsConstraintViolation(err); ok {
				o.emit(ctx, inv, audit.EventActionBlocked, agentReasoning, map[string]any{
					"constraint_blocked_type": cv.Type,
					"detail":                  cv.Detail,
				})
			}
			return o.parkForHuman(ctx, inv, "auto_close_blocked")
		}
		// A positive verdict with nothing to execute still needs a human
		// disposition.
		return o.parkForHuman(ctx, inv, "no_automated_response")
	}

	return o.executeActions(ctx, inv, v.Actions)
}

// respondShadow records the would-be decision and parks the investigation
// for the analyst. Nothing executes for a shadow tenant.
func (o *Orchestrator) respondShadow(ctx context.Context, inv *investigation.Investigation, v *verdict) error {
	if err := o.transition(ctx, inv, agentResponder, investigation.StateResponding, map[string]any{
		"mode": "shadow",
	}); err != nil {
		return err
	}

	if o.shadowLog != nil {
		d := &fp.ShadowDecision{
			InvestigationID: inv.InvestigationID,
			TenantID:        inv.TenantID,
			Verdict:         v.Classification,
			Confidence:      v.Confidence,
			RecordedAt:      time.Now().UTC(),
		}
		if err := o.shadowLog.RecordShadow(ctx, d); err != nil {
			o.logger.Warn("shadow decision record failed",
				"investigation_id", inv.InvestigationID, "error", err)
		}
	}
	o.emit(ctx, inv, audit.EventShadowRecorded, agentResponder, map[string]any{
		"verdict":    v.Classification,
		"confidence": v.Confidence,
		"actions":    len(v.Actions),
	})
	if len(v.Actions) > 0 {
		o.emit(ctx, inv, audit.EventActionSkippedShadow, agentResponder, map[string]any{
			"actions": len(v.Actions),
		})
	}
	return o.parkForHuman(ctx, inv, "shadow_mode")
}

// needsGate reports whether any action tier reaches the approval threshold.
func (o *Orchestrator) needsGate(actions []Action) bool {
	for _, a := range actions {
		if a.Tier >= o.approvalTier {
			return true
		}
	}
	return false
}

// openGate parks the investigation and opens an approval gate over the
// verdict's actions.
func (o *Orchestrator) openGate(ctx context.Context, inv *investigation.Investigation, v *verdict) error {
	names := make([]string, len(v.Actions))
	for i, a := range v.Actions {
		names[i] = a.Playbook
	}
	o.emit(ctx, inv, audit.EventActionRequested, agentResponder, map[string]any{
		"playbooks":      names,
		"classification": v.Classification,
		"confidence":     v.Confidence,
	})

	inv.RequiresHumanApproval = true
	if err := o.transition(ctx, inv, agentGate, investigation.StateAwaitingHuman, map[string]any{
		"reason":    "approval_required",
		"playbooks": names,
	}); err != nil {
		return err
	}

	if o.gates == nil {
		o.logger.Warn("no gate manager wired, investigation parked without a gate",
			"investigation_id", inv.InvestigationID)
		return o.store.Save(ctx, inv)
	}
	gate, err := o.gates.Open(ctx, inv.TenantID, inv.InvestigationID, inv.Severity, v.Actions)
	if err != nil {
		// The investigation stays parked; the gate sweep cannot expire a
		// gate that was never stored, so the analyst queue is the backstop.
		o.logger.Error("approval gate open failed",
			"investigation_id", inv.InvestigationID, "error", err)
		inv.AppendDecision(investigation.DecisionEntry{
			Agent:   agentGate,
			Details: map[string]any{"outcome": "gate_open_failed", "error": err.Error()},
		})
		return o.store.Save(ctx, inv)
	}
	inv.AppendDecision(investigation.DecisionEntry{
		Agent: agentGate,
		Details: map[string]any{
			"gate_id":     gate.GateID,
			"deadline":    gate.Deadline.Format(time.RFC3339),
			"escalate_at": gate.EscalateAt.Format(time.RFC3339),
		},
	})
	o.logger.Info("approval gate opened",
		"investigation_id", inv.InvestigationID,
		"gate_id", gate.GateID,
		"severity", string(inv.Severity),
		"deadline", gate.Deadline)
	return o.store.Save(ctx, inv)
}

// executeActions transitions to responding, runs the executor, and closes
// when at least one action went out. If every action was blocked the
// investigation goes to the analyst instead of silently closing.
func (o *Orchestrator) executeActions(ctx context.Context, inv *investigation.Investigation, actions []Action) error {
	if err := o.transition(ctx, inv, agentResponder, investigation.StateResponding, map[string]any{
		"actions": len(actions),
	}); err != nil {
		return err
	}

	executed, blocked := o.executor.Execute(ctx, inv, RoleResponder, actions)
	if executed == 0 && blocked > 0 {
		return o.parkForHuman(ctx, inv, "all_actions_blocked")
	}

	o.emit(ctx, inv, audit.EventActionResponsePublished, agentResponder, map[string]any{
		"executed": executed,
		"blocked":  blocked,
	})
	return o.closeFrom(ctx, inv, agentResponder, map[string]any{
		"reason":   "response_published",
		"executed": executed,
		"blocked":  blocked,
	}, "")
}

// parkForHuman moves the investigation to awaiting_human and persists it.
// The investigation stays in the arena so gate decisions and analyst
// dispositions can find it.
func (o *Orchestrator) parkForHuman(ctx context.Context, inv *investigation.Investigation, reason string) error {
	inv.RequiresHumanApproval = true
	if inv.CurrentState() != investigation.StateAwaitingHuman {
		if err := o.transition(ctx, inv, agentResponder, investigation.StateAwaitingHuman, map[string]any{
			"reason": reason,
		}); err != nil {
			return err
		}
	}
	o.logger.Info("investigation parked for human review",
		"investigation_id", inv.InvestigationID, "reason", reason)
	return o.store.Save(ctx, inv)
}

// closeFrom transitions to closed, emits the optional audit event, persists
// and releases the arena slot.
func (o *Orchestrator) closeFrom(ctx context.Context, inv *investigation.Investigation, agent string, details map[string]any, event audit.EventType) error {
	if err := o.transition(ctx, inv, agent, investigation.StateClosed, details); err != nil {
		return err
	}
	if event != "" {
		o.emit(ctx, inv, event, agent, details)
	}
	if err := o.store.Save(ctx, inv); err != nil {
		return err
	}
	o.arena.Release(inv.InvestigationID)
	return nil
}

// degradeToHuman absorbs a reasoning failure into an awaiting_human outcome
// with a conservative verdict. The alert still gets eyes; only persistence
// failures propagate.
func (o *Orchestrator) degradeToHuman(ctx context.Context, inv *investigation.Investigation, reason string, cause error) error {
	o.logger.Warn("reasoning degraded to human review",
		"investigation_id", inv.InvestigationID,
		"reason", reason,
		"error", cause)
	inv.Classification = investigation.ClassificationSuspicious
	inv.Confidence = 0
	inv.AppendDecision(investigation.DecisionEntry{
		Agent:   agentReasoning,
		Details: map[string]any{"outcome": reason, "error": cause.Error()},
	})
	return o.parkForHuman(ctx, inv, reason)
}

// failInvestigation is the unrecoverable-error sink: transition to failed,
// persist best effort, release the arena slot. It returns nil when the
// failure was durably recorded so the bus message is acked, and the original
// error when even that write failed.
func (o *Orchestrator) failInvestigation(ctx context.Context, inv *investigation.Investigation, cause error) error {
	inv.FailureReason = cause.Error()
	if err := inv.Transition(agentIntake, investigation.StateFailed, map[string]any{
		"error": cause.Error(),
	}); err != nil {
		o.logger.Error("failed-state transition rejected",
			"investigation_id", inv.InvestigationID,
			"state", string(inv.CurrentState()),
			"error", err)
	} else {
		if o.metrics != nil {
			o.metrics.RecordStateTransition(string(investigation.StateFailed))
		}
		o.emit(ctx, inv, audit.EventStateTransition, agentIntake, map[string]any{
			"to_state": string(investigation.StateFailed),
			"error":    cause.Error(),
		})
	}
	o.logger.Error("investigation failed",
		"investigation_id", inv.InvestigationID,
		"tenant_id", inv.TenantID,
		"error", cause)

	saveErr := o.store.Save(ctx, inv)
	o.arena.Release(inv.InvestigationID)
	if saveErr != nil {
		return fmt.Errorf("investigation %s failed (%w) and could not be persisted: %v",
			inv.InvestigationID, cause, saveErr)
	}
	return nil
}

// GateGranted resumes a parked investigation and executes the approved
// actions under the approver's authority.
func (o *Orchestrator) GateGranted(ctx context.Context, g *Gate) error {
	inv, ok := o.arena.Get(g.InvestigationID)
	if !ok {
		return fmt.Errorf("investigation %s is not live", g.InvestigationID)
	}
	inv.RequiresHumanApproval = false
	if err := o.transition(ctx, inv, agentGate, investigation.StateResponding, map[string]any{
		"reason":  "approval_granted",
		"gate_id": g.GateID,
		"by":      g.DecidedBy,
	}); err != nil {
		return err
	}

	executed, blocked := o.executor.Execute(ctx, inv, RoleAnalyst, g.Actions)
	o.emit(ctx, inv, audit.EventActionResponsePublished, agentGate, map[string]any{
		"gate_id":  g.GateID,
		"executed": executed,
		"blocked":  blocked,
	})
	return o.closeFrom(ctx, inv, agentGate, map[string]any{
		"reason":   "approved_response_published",
		"gate_id":  g.GateID,
		"executed": executed,
		"blocked":  blocked,
	}, "")
}

// GateRejected closes the investigation without executing anything.
func (o *Orchestrator) GateRejected(ctx context.Context, g *Gate) error {
	inv, ok := o.arena.Get(g.InvestigationID)
	if !ok {
		return fmt.Errorf("investigation %s is not live", g.InvestigationID)
	}
	inv.RequiresHumanApproval = false
	inv.Classification = investigation.ClassificationRejected
	return o.closeFrom(ctx, inv, agentGate, map[string]any{
		"reason":  "approval_rejected",
		"gate_id": g.GateID,
		"by":      g.DecidedBy,
	}, "")
}

// GateExpired applies the severity-dependent timeout outcome: critical and
// high stay open as escalated, medium and low close rejected. Nothing
// executes on either path.
func (o *Orchestrator) GateExpired(ctx context.Context, g *Gate, escalate bool) error {
	inv, ok := o.arena.Get(g.InvestigationID)
	if !ok {
		return fmt.Errorf("investigation %s is not live", g.InvestigationID)
	}
	if !escalate {
		inv.RequiresHumanApproval = false
		inv.Classification = investigation.ClassificationRejected
		return o.closeFrom(ctx, inv, agentGate, map[string]any{
			"reason":  "approval_expired_rejected",
			"gate_id": g.GateID,
		}, "")
	}

	inv.Classification = investigation.ClassificationEscalated
	if err := o.transition(ctx, inv, agentGate, investigation.StateAwaitingHuman, map[string]any{
		"reason":  "approval_expired_escalated",
		"gate_id": g.GateID,
	}); err != nil {
		return err
	}
	o.logger.Warn("approval gate expired, investigation escalated",
		"investigation_id", inv.InvestigationID,
		"gate_id", g.GateID,
		"severity", string(inv.Severity))
	return o.store.Save(ctx, inv)
}

// transition performs one state-graph edge with its audit event and metric.
func (o *Orchestrator) transition(ctx context.Context, inv *investigation.Investigation, agent string, to investigation.State, details map[string]any) error {
	from := inv.CurrentState()
	if err := inv.Transition(agent, to, details); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.RecordStateTransition(string(to))
	}
	decision := map[string]any{
		"from_state": string(from),
		"to_state":   string(to),
	}
	for k, v := range details {
		decision[k] = v
	}
	o.emit(ctx, inv, audit.EventStateTransition, agent, decision)
	return nil
}

// emit publishes one audit record for the investigation. Emission failures
// are logged, never propagated; the decision chain remains the source of
// truth for the investigation itself.
func (o *Orchestrator) emit(ctx context.Context, inv *investigation.Investigation, event audit.EventType, agent string, decision map[string]any) {
	if err := o.emitter.Emit(ctx, &audit.Record{
		TenantID:        inv.TenantID,
		EventType:       event,
		Severity:        string(inv.Severity),
		Actor:           audit.Actor{Type: "agent", ID: agent},
		InvestigationID: inv.InvestigationID,
		AlertID:         inv.AlertID,
		Decision:        decision,
	}); err != nil {
		o.logger.Warn("audit emission failed",
			"event_type", string(event),
			"investigation_id", inv.InvestigationID,
			"error", err)
	}
}
