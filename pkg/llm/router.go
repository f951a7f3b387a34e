package llm

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// defaultEscalationBudget caps top-tier escalations per hour.
const defaultEscalationBudget = 10

// RouteRequest carries everything the override chain consumes.
type RouteRequest struct {
	Task          string
	TenantID      string
	Severity      string
	TimeBudget    time.Duration
	ContextTokens int
	// Confidence is the confidence of a prior pass, or a negative value
	// when no prior pass exists.
	Confidence float64
}

// RoutingDecision is the router's answer.
type RoutingDecision struct {
	Provider          string            `json:"provider"`
	ModelID           string            `json:"model_id"`
	Tier              Tier              `json:"tier"`
	IsFallback        bool              `json:"is_fallback"`
	Reason            string            `json:"reason"`
	FallbackConfigs   []Model           `json:"fallback_configs,omitempty"`
	Policy            DegradationPolicy `json:"policy"`
	EscalationGranted bool              `json:"escalation_granted,omitempty"`
}

// routerMetrics is the metrics surface the router exports to.
type routerMetrics interface {
	RecordRoutingDecision(provider, tier string, isFallback bool)
	RecordEscalation()
}

// Router applies the override chain. Health awareness is optional: without
// a registry the router still routes, it just cannot swap on breaker state.
type Router struct {
	health     *ProviderHealthRegistry
	escalation *EscalationBudget
	metrics    routerMetrics
	logger     *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithHealth attaches the provider health registry.
func WithHealth(h *ProviderHealthRegistry) RouterOption {
	return func(r *Router) { r.health = h }
}

// WithRouterMetrics wires metric export.
func WithRouterMetrics(m routerMetrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithEscalationBudget overrides the default 10/hour escalation budget.
func WithEscalationBudget(b *EscalationBudget) RouterOption {
	return func(r *Router) { r.escalation = b }
}

// NewRouter builds a router.
func NewRouter(logger *slog.Logger, opts ...RouterOption) *Router {
	r := &Router{logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	if r.escalation == nil {
		r.escalation = NewEscalationBudget(defaultEscalationBudget, time.Now)
	}
	return r
}

// Route runs the override chain, in order, and returns the decision. The
// chain is deterministic: the same request against the same health state
// yields the same decision.
func (r *Router) Route(req RouteRequest) RoutingDecision {
	var reasons []string
	var escalated bool

	// 1. Base tier from the task map; unknown tasks get tier 1.
	tier, known := taskTiers[req.Task]
	if !known {
		tier = Tier1
		reasons = append(reasons, fmt.Sprintf("unknown_task(%s)→tier1", req.Task))
	} else {
		reasons = append(reasons, fmt.Sprintf("base_tier(%s)", tier))
	}

	// 2. A tight time budget forces tier 0 regardless of anything above.
	if req.TimeBudget > 0 && req.TimeBudget < 3*time.Second {
		tier = Tier0
		reasons = append(reasons, "time_budget<3s→tier0")
	} else {
		// 3. Critical severity on a reasoning task floors at tier 1.
		if req.Severity == "critical" && reasoningTasks[req.Task] && tier.Rank() < Tier1.Rank() {
			tier = Tier1
			reasons = append(reasons, "critical_reasoning→tier1")
		}

		// 4. Very large contexts floor at tier 1.
		if req.ContextTokens > 100_000 && tier.Rank() < Tier1.Rank() {
			tier = Tier1
			reasons = append(reasons, "context>100k→tier1")
		}

		// 5. Low confidence on critical/high escalates to tier 1+ if the
		// hourly budget allows; a denied budget leaves the decision as-is.
		if req.Confidence >= 0 && req.Confidence < 0.6 &&
			(req.Severity == "critical" || req.Severity == "high") &&
			tier.Rank() < Tier1Plus.Rank() {
			if r.escalation.Allow() {
				tier = Tier1Plus
				escalated = true
				reasons = append(reasons, "low_confidence→tier1+")
				if r.metrics != nil {
					r.metrics.RecordEscalation()
				}
			} else {
				reasons = append(reasons, "escalation_budget_exhausted")
			}
		}
	}

	decision := RoutingDecision{Tier: tier, EscalationGranted: escalated}
	model := PrimaryModel(tier)

	// 6. Capability match: walk fallbacks until one satisfies the task.
	if caps, ok := Capabilities(req.Task); ok && !satisfies(model, caps) {
		swapped := false
		for _, fb := range Fallbacks(tier) {
			if satisfies(fb, caps) {
				reasons = append(reasons, fmt.Sprintf("capability_mismatch→fallback(%s)", fb.Provider))
				model = fb
				decision.IsFallback = true
				swapped = true
				break
			}
		}
		if !swapped {
			r.logger.Warn("no capability-compatible model for task, keeping primary",
				"task", req.Task, "tier", string(tier), "model", model.ModelID)
			reasons = append(reasons, "capability_mismatch_unresolved")
		}
	}

	// 7. Fallback configs travel with the decision.
	decision.FallbackConfigs = Fallbacks(tier)

	// 8. Health-aware swap onto the first healthy compatible fallback.
	if r.health != nil && !r.health.IsAvailable(model.Provider) {
		caps, hasCaps := Capabilities(req.Task)
		swapped := false
		for _, fb := range decision.FallbackConfigs {
			if fb.Provider == model.Provider || !r.health.IsAvailable(fb.Provider) {
				continue
			}
			if hasCaps && !satisfies(fb, caps) {
				continue
			}
			reasons = append(reasons, fmt.Sprintf("primary_unavailable→fallback(%s)", fb.Provider))
			model = fb
			decision.IsFallback = true
			swapped = true
			break
		}
		if !swapped {
			reasons = append(reasons, "no_healthy_fallback")
		}
	}

	decision.Provider = model.Provider
	decision.ModelID = model.ModelID
	decision.Reason = strings.Join(reasons, ";")
	if r.health != nil {
		decision.Policy = r.health.Policy()
	} else {
		decision.Policy = policyFor(FullCapability)
	}

	// 9. Metrics.
	if r.metrics != nil {
		r.metrics.RecordRoutingDecision(decision.Provider, string(decision.Tier), decision.IsFallback)
	}
	return decision
}

// EscalationBudget is a sliding-window cap on top-tier escalations.
type EscalationBudget struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	grants []time.Time
}

// NewEscalationBudget builds an hourly budget. now is injectable for tests.
func NewEscalationBudget(limit int, now func() time.Time) *EscalationBudget {
	if now == nil {
		now = time.Now
	}
	return &EscalationBudget{limit: limit, window: time.Hour, now: now}
}

// Allow grants an escalation if the window has room.
func (b *EscalationBudget) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.window)
	kept := b.grants[:0]
	for _, t := range b.grants {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.grants = kept

	if len(b.grants) >= b.limit {
		return false
	}
	b.grants = append(b.grants, b.now())
	return true
}

// Used reports grants inside the current window.
func (b *EscalationBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-b.window)
	n := 0
	for _, t := range b.grants {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
