// Package gateway is the trust boundary for every model call. Upstream text
// is never trusted: it is screened for injection, transformed when suspect,
// stripped of PII, isolated in an evidence envelope and budgeted before a
// provider sees it; the response is deanonymized and validated against the
// taxonomy before automation may act on it.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluskort/aluskort/pkg/audit"
	"github.com/aluskort/aluskort/pkg/llm"
	"github.com/aluskort/aluskort/pkg/taxonomy"
)

// Prompt budgets per tier. The overhead reservation covers the safety
// prefix, markers and provider framing that ride along with every call.
const promptOverheadTokens = 1024

var tierTokenBudgets = map[llm.Tier]int{
	llm.Tier0:     4096,
	llm.Tier1:     8192,
	llm.Tier1Plus: 16384,
	llm.Tier2:     16384,
}

// Response budgets per tier.
var tierOutputTokens = map[llm.Tier]int{
	llm.Tier0:     1024,
	llm.Tier1:     4096,
	llm.Tier1Plus: 8192,
	llm.Tier2:     8192,
}

// estimateTokens approximates the tokenizer at four bytes per token, which
// overcounts slightly on prose. Budgeting rounds against the caller.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return len(s)/4 + 1
}

// Request is one model call through the trust boundary.
type Request struct {
	TenantID        string
	InvestigationID string
	AlertID         string
	Task            string
	// Severity is the originating alert's severity; the call scheduler
	// maps it onto a priority class.
	Severity string
	Decision llm.RoutingDecision

	// System and Instructions are trusted text authored by the platform.
	System       string
	Instructions string

	// Untrusted carries external content: alert fields, tool output,
	// ticket text. Every field is screened and isolated.
	Untrusted []EvidenceField

	// Retrieval is ranked context from the vector store, truncated to the
	// tier budget.
	Retrieval []string

	// Anonymizer is the investigation's PII map. A nil value gets a fresh
	// map whose placeholders are stable only within this call.
	Anonymizer *Anonymizer
}

// CallMetrics describes one completed call for billing and audit.
type CallMetrics struct {
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	CostUSD      float64       `json:"cost_usd"`
	Latency      time.Duration `json:"latency"`
	PromptHash   string        `json:"prompt_hash"`
	ResponseHash string        `json:"response_hash"`
}

// Response is what the orchestrator receives. Content drives automation;
// RawOutput exists for audit and keeps quarantined identifiers.
type Response struct {
	Content         string
	RawOutput       string
	QuarantinedIDs  []string
	Metrics         CallMetrics
	TaxonomyVersion string
}

// gatewayMetrics is the metrics surface the gateway exports to.
type gatewayMetrics interface {
	RecordInjectionVerdict(risk string)
	RecordTechniquesQuarantined(tenant string, n int)
	RecordSpend(tenant string, usd float64)
	RecordTokens(provider string, input, output int)
}

// Gateway runs the pipeline. All dependencies are fixed at construction;
// per-call state lives in the Request.
type Gateway struct {
	budget     *BudgetGuard
	classifier *InjectionClassifier
	callers    map[string]ModelCaller
	health     *llm.ProviderHealthRegistry
	taxonomy   *taxonomy.Registry
	emitter    audit.Emitter
	metrics    gatewayMetrics
	logger     *slog.Logger
}

// Options wires the gateway's collaborators.
type Options struct {
	Budget     *BudgetGuard
	Classifier *InjectionClassifier
	Callers    []ModelCaller
	Health     *llm.ProviderHealthRegistry
	Taxonomy   *taxonomy.Registry
	Emitter    audit.Emitter
	Metrics    gatewayMetrics
	Logger     *slog.Logger
}

// New builds a gateway. Budget, classifier, taxonomy, at least one caller
// and the audit emitter are required; health and metrics are optional.
func New(opts Options) (*Gateway, error) {
	if opts.Budget == nil || opts.Classifier == nil || opts.Taxonomy == nil || opts.Emitter == nil {
		return nil, fmt.Errorf("gateway: budget, classifier, taxonomy and emitter are required")
	}
	if len(opts.Callers) == 0 {
		return nil, fmt.Errorf("gateway: at least one model caller is required")
	}
	callers := make(map[string]ModelCaller, len(opts.Callers))
	for _, c := range opts.Callers {
		callers[c.Provider()] = c
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		budget:     opts.Budget,
		classifier: opts.Classifier,
		callers:    callers,
		health:     opts.Health,
		taxonomy:   opts.Taxonomy,
		emitter:    opts.Emitter,
		metrics:    opts.Metrics,
		logger:     logger,
	}, nil
}

// Complete runs one request through the full pipeline and returns the
// validated response. Provider failures surface unchanged so the caller can
// re-route; everything the gateway rejects carries a typed error.
func (g *Gateway) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := g.budget.Check(ctx, req.TenantID); err != nil {
		return nil, err
	}

	anon := req.Anonymizer
	if anon == nil {
		anon = NewAnonymizer()
	}

	fields, err := g.screenFields(ctx, req)
	if err != nil {
		return nil, err
	}

	piiHits := 0
	for i := range fields {
		redacted, n := anon.Anonymize(fields[i].Content)
		fields[i].Content = redacted
		piiHits += n
	}
	retrieval := make([]string, len(req.Retrieval))
	for i, doc := range req.Retrieval {
		redacted, n := anon.Anonymize(doc)
		retrieval[i] = redacted
		piiHits += n
	}
	if piiHits > 0 {
		g.emitSecurity(ctx, req, audit.EventPIIRedacted, map[string]any{
			"replacements": piiHits,
			"map_size":     anon.Len(),
		})
	}

	evidence := RenderEvidence(fields)
	prompt := g.assemble(req, evidence, retrieval)

	caller, ok := g.callers[req.Decision.Provider]
	if !ok {
		return nil, fmt.Errorf("gateway: no caller for provider %q", req.Decision.Provider)
	}

	promptHash := hashText(prompt.System + "\n" + prompt.userContent())
	start := time.Now()
	result, err := g.call(ctx, caller, prompt)
	latency := time.Since(start)
	if err != nil {
		return nil, err
	}

	model := g.modelFor(req.Decision)
	cost := model.CostUSD(result.InputTokens, result.OutputTokens)
	g.budget.Record(ctx, req.TenantID, cost)
	if g.metrics != nil {
		g.metrics.RecordSpend(req.TenantID, cost)
		g.metrics.RecordTokens(req.Decision.Provider, result.InputTokens, result.OutputTokens)
	}

	deanonymized := anon.Deanonymize(result.Text)
	validated := ValidateOutput(g.taxonomy, deanonymized)
	if len(validated.QuarantinedIDs) > 0 {
		if g.metrics != nil {
			g.metrics.RecordTechniquesQuarantined(req.TenantID, len(validated.QuarantinedIDs))
		}
		g.emitSecurity(ctx, req, audit.EventTechniqueQuarantined, map[string]any{
			"quarantined_ids":  validated.QuarantinedIDs,
			"known_ids":        validated.KnownIDs,
			"taxonomy_version": g.taxonomy.Version(),
		})
		g.logger.Warn("techniques quarantined from model output",
			"tenant", req.TenantID,
			"investigation", req.InvestigationID,
			"count", len(validated.QuarantinedIDs))
	}

	return &Response{
		Content:        validated.Content,
		RawOutput:      validated.RawOutput,
		QuarantinedIDs: validated.QuarantinedIDs,
		Metrics: CallMetrics{
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			CostUSD:      cost,
			Latency:      latency,
			PromptHash:   promptHash,
			ResponseHash: hashText(result.Text),
		},
		TaxonomyVersion: g.taxonomy.Version(),
	}, nil
}

// screenFields classifies and transforms every untrusted field.
func (g *Gateway) screenFields(ctx context.Context, req Request) ([]EvidenceField, error) {
	out := make([]EvidenceField, 0, len(req.Untrusted))
	for _, f := range req.Untrusted {
		v := g.classifier.Classify(ctx, f.Content)
		if g.metrics != nil {
			g.metrics.RecordInjectionVerdict(string(v.Risk))
		}
		switch v.Action {
		case ActionQuarantine:
			g.emitSecurity(ctx, req, audit.EventInjectionQuarantined, map[string]any{
				"field":     f.Name,
				"patterns":  v.Matched,
				"escalated": v.Escalated,
			})
			g.logger.Warn("field quarantined by injection screening",
				"tenant", req.TenantID, "field", f.Name, "patterns", len(v.Matched))
		case ActionSummarize:
			g.emitSecurity(ctx, req, audit.EventInjectionSummarized, map[string]any{
				"field":    f.Name,
				"patterns": v.Matched,
			})
		}
		if v.Escalated {
			g.emitSecurity(ctx, req, audit.EventInjectionDetected, map[string]any{
				"field":  f.Name,
				"source": "second_opinion",
			})
		}
		out = append(out, EvidenceField{Name: f.Name, Content: ApplyVerdict(f.Content, v)})
	}
	return out, nil
}

// assemble applies the tier budget: system, instructions and evidence are
// reserved, retrieval fills what remains and is dropped doc by doc.
func (g *Gateway) assemble(req Request, evidence string, retrieval []string) AssembledPrompt {
	budget, ok := tierTokenBudgets[req.Decision.Tier]
	if !ok {
		budget = tierTokenBudgets[llm.Tier1]
	}
	budget -= promptOverheadTokens

	used := estimateTokens(req.System) + estimateTokens(req.Instructions) + estimateTokens(evidence)
	var kept []string
	for _, doc := range retrieval {
		cost := estimateTokens(doc)
		if used+cost > budget {
			g.logger.Debug("retrieval truncated to tier budget",
				"tier", string(req.Decision.Tier), "kept", len(kept), "dropped", len(retrieval)-len(kept))
			break
		}
		used += cost
		kept = append(kept, doc)
	}

	caps, _ := llm.Capabilities(req.Task)
	model := g.modelFor(req.Decision)
	maxOut, ok := tierOutputTokens[req.Decision.Tier]
	if !ok {
		maxOut = tierOutputTokens[llm.Tier1]
	}
	return AssembledPrompt{
		ModelID:      req.Decision.ModelID,
		System:       req.System,
		Instructions: req.Instructions,
		Retrieval:    kept,
		Evidence:     evidence,
		MaxTokens:    maxOut,
		WantJSON:     caps.RequiresJSONReliability,
		EnableCache:  model.SupportsPromptCaching,
	}
}

// call dispatches through the provider's breaker when a health registry is
// attached, so transient failures feed degradation.
func (g *Gateway) call(ctx context.Context, caller ModelCaller, prompt AssembledPrompt) (*ModelResult, error) {
	if g.health == nil {
		return caller.Call(ctx, prompt)
	}
	res, err := g.health.Execute(caller.Provider(), func() (any, error) {
		return caller.Call(ctx, prompt)
	})
	if err != nil {
		return nil, err
	}
	return res.(*ModelResult), nil
}

// modelFor recovers the model record behind a routing decision, so cost and
// caching attributes match what was actually called.
func (g *Gateway) modelFor(d llm.RoutingDecision) llm.Model {
	primary := llm.PrimaryModel(d.Tier)
	if !d.IsFallback || primary.ModelID == d.ModelID {
		return primary
	}
	for _, fb := range llm.Fallbacks(d.Tier) {
		if fb.ModelID == d.ModelID && fb.Provider == d.Provider {
			return fb
		}
	}
	return primary
}

func (g *Gateway) emitSecurity(ctx context.Context, req Request, event audit.EventType, decision map[string]any) {
	err := g.emitter.Emit(ctx, &audit.Record{
		TenantID:        req.TenantID,
		EventType:       event,
		Severity:        "warning",
		Actor:           audit.Actor{Type: "system", ID: "context-gateway"},
		InvestigationID: req.InvestigationID,
		AlertID:         req.AlertID,
		Decision:        decision,
		Context:         &audit.RecordContext{TaxonomyVersion: g.taxonomy.Version()},
	})
	if err != nil {
		g.logger.Warn("gateway audit emit failed", "event", event, "error", err)
	}
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
