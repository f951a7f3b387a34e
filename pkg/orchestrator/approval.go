package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aluskort/aluskort/pkg/alert"
	"github.com/aluskort/aluskort/pkg/audit"
	"github.com/aluskort/aluskort/pkg/storage/cache"
)

// GateStatus is the approval gate lifecycle.
type GateStatus string

const (
	GatePending          GateStatus = "pending"
	GateGranted          GateStatus = "granted"
	GateRejected         GateStatus = "rejected"
	GateExpiredEscalated GateStatus = "expired_escalated"
	GateExpiredRejected  GateStatus = "expired_rejected"
)

// Gate is one pending human approval for a set of actions.
type Gate struct {
	GateID          string         `json:"gate_id"`
	TenantID        string         `json:"tenant_id"`
	InvestigationID string         `json:"investigation_id"`
	Severity        alert.Severity `json:"severity"`
	Actions         []Action       `json:"actions"`
	Status          GateStatus     `json:"status"`

	CreatedAt  time.Time `json:"created_at"`
	EscalateAt time.Time `json:"escalate_at"`
	Deadline   time.Time `json:"deadline"`

	DecidedBy string     `json:"decided_by,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// GateStore persists gates. The postgres package implements it.
type GateStore interface {
	SaveGate(ctx context.Context, g *Gate) error
	GetGate(ctx context.Context, gateID string) (*Gate, error)
	// PendingGates returns gates still awaiting a decision whose escalation
	// point or deadline is at or before now.
	PendingGates(ctx context.Context, now time.Time) ([]*Gate, error)
}

// GateHandler reacts to gate resolutions. The orchestrator implements it to
// resume or close the paused investigation.
type GateHandler interface {
	GateGranted(ctx context.Context, g *Gate) error
	GateRejected(ctx context.Context, g *Gate) error
	// GateExpired fires on deadline. escalate distinguishes the
	// critical/high outcome (stay open, classification escalated) from the
	// medium/low outcome (close rejected).
	GateExpired(ctx context.Context, g *Gate, escalate bool) error
}

// defaultApprovalTTLs is the per-severity decision window.
var defaultApprovalTTLs = map[alert.Severity]time.Duration{
	alert.SeverityCritical: time.Hour,
	alert.SeverityHigh:     2 * time.Hour,
	alert.SeverityMedium:   4 * time.Hour,
	alert.SeverityLow:      8 * time.Hour,
}

const defaultSweepInterval = 30 * time.Second

type gateMetrics interface {
	RecordApprovalOutcome(outcome string)
	GateOpened()
	GateResolved()
}

// GateManager owns approval gates: creation with severity deadlines, the
// one-shot midpoint escalation signal, analyst decisions, and expiry.
type GateManager struct {
	store      GateStore
	cache      *cache.Client
	emitter    audit.Emitter
	handler    GateHandler
	metrics    gateMetrics
	tenantTTLs map[string]map[alert.Severity]time.Duration
	sweepEvery time.Duration
	logger     *slog.Logger
	now        func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// GateManagerOptions wires a GateManager.
type GateManagerOptions struct {
	Store   GateStore
	Cache   *cache.Client
	Emitter audit.Emitter
	Handler GateHandler
	Metrics gateMetrics
	// TenantTTLs overrides the default decision window per tenant and
	// severity.
	TenantTTLs    map[string]map[alert.Severity]time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

func NewGateManager(opts GateManagerOptions) *GateManager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	return &GateManager{
		store:      opts.Store,
		cache:      opts.Cache,
		emitter:    opts.Emitter,
		handler:    opts.Handler,
		metrics:    opts.Metrics,
		tenantTTLs: opts.TenantTTLs,
		sweepEvery: opts.SweepInterval,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// SetHandler attaches the resolution handler. The orchestrator sets itself
// after construction because the two reference each other.
func (m *GateManager) SetHandler(h GateHandler) { m.handler = h }

// ttlFor resolves the decision window: tenant override first, then the
// severity default. Informational severities use the low window.
func (m *GateManager) ttlFor(tenantID string, sev alert.Severity) time.Duration {
	if overrides, ok := m.tenantTTLs[tenantID]; ok {
		if ttl, ok := overrides[sev]; ok && ttl > 0 {
			return ttl
		}
	}
	if ttl, ok := defaultApprovalTTLs[sev]; ok {
		return ttl
	}
	return defaultApprovalTTLs[alert.SeverityLow]
}

// Open creates a pending gate for the investigation's proposed actions.
func (m *GateManager) Open(ctx context.Context, tenantID, investigationID string, sev alert.Severity, actions []Action) (*Gate, error) {
	now := m.now().UTC()
	ttl := m.ttlFor(tenantID, sev)
	g := &Gate{
		GateID:          uuid.NewString(),
		TenantID:        tenantID,
		InvestigationID: investigationID,
		Severity:        sev,
		Actions:         actions,
		Status:          GatePending,
		CreatedAt:       now,
		EscalateAt:      now.Add(ttl / 2),
		Deadline:        now.Add(ttl),
	}
	if err := m.store.SaveGate(ctx, g); err != nil {
		return nil, fmt.Errorf("save approval gate: %w", err)
	}
	if m.metrics != nil {
		m.metrics.GateOpened()
	}
	m.emitGate(ctx, g, audit.EventApprovalGateCreated, map[string]any{
		"deadline":    g.Deadline,
		"escalate_at": g.EscalateAt,
		"actions":     len(g.Actions),
	})
	m.logger.Info("approval gate opened",
		"gate_id", g.GateID,
		"investigation_id", g.InvestigationID,
		"severity", string(g.Severity),
		"deadline", g.Deadline)
	return g, nil
}

// Decide records an analyst decision on a pending gate and resumes the
// investigation through the handler.
func (m *GateManager) Decide(ctx context.Context, gateID, decidedBy string, approve bool) (*Gate, error) {
	g, err := m.store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if g.Status != GatePending {
		return nil, fmt.Errorf("gate %s already resolved (%s)", gateID, g.Status)
	}

	now := m.now().UTC()
	g.DecidedBy = decidedBy
	g.DecidedAt = &now
	event := audit.EventApprovalGranted
	outcome := "granted"
	if approve {
		g.Status = GateGranted
	} else {
		g.Status = GateRejected
		event = audit.EventApprovalRejected
		outcome = "rejected"
	}
	if err := m.store.SaveGate(ctx, g); err != nil {
		return nil, fmt.Errorf("save gate decision: %w", err)
	}
	m.resolveMetrics(outcome)
	m.emitGate(ctx, g, event, map[string]any{"decided_by": decidedBy})

	if m.handler != nil {
		var herr error
		if approve {
			herr = m.handler.GateGranted(ctx, g)
		} else {
			herr = m.handler.GateRejected(ctx, g)
		}
		if herr != nil {
			m.logger.Error("gate resolution handler failed",
				"gate_id", g.GateID, "outcome", outcome, "error", herr)
		}
	}
	return g, nil
}

// Start launches the sweep loop.
func (m *GateManager) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
	m.logger.Info("approval sweep started", "interval", m.sweepEvery)
}

// Stop signals the sweep loop to exit and waits for it.
func (m *GateManager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.logger.Info("approval sweep stopped")
}

func (m *GateManager) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("approval sweep failed", "error", err)
			}
		}
	}
}

// Sweep fires due escalation signals and expires overdue gates. It returns
// how many gates were signaled and how many expired.
func (m *GateManager) Sweep(ctx context.Context) (signaled, expired int, err error) {
	now := m.now().UTC()
	gates, err := m.store.PendingGates(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("list pending gates: %w", err)
	}

	for _, g := range gates {
		if !now.Before(g.Deadline) {
			if err := m.expire(ctx, g); err != nil {
				m.logger.Error("gate expiry failed", "gate_id", g.GateID, "error", err)
				continue
			}
			expired++
			continue
		}
		if !now.Before(g.EscalateAt) && m.signalEscalation(ctx, g) {
			signaled++
		}
	}
	return signaled, expired, nil
}

// signalEscalation emits the halfway-point ping exactly once per gate. The
// cache SETNX carries the idempotency across replicas; a cache outage
// suppresses the signal rather than duplicating it.
func (m *GateManager) signalEscalation(ctx context.Context, g *Gate) bool {
	ttl := g.Deadline.Sub(g.CreatedAt)
	won, err := m.cache.SetOnce(ctx, "approval_escalation:"+g.GateID, ttl)
	if err != nil || !won {
		return false
	}
	m.emitGate(ctx, g, audit.EventApprovalEscalationSignaled, map[string]any{
		"deadline":  g.Deadline,
		"remaining": g.Deadline.Sub(m.now().UTC()).String(),
	})
	m.logger.Warn("approval escalation signaled",
		"gate_id", g.GateID,
		"investigation_id", g.InvestigationID,
		"deadline", g.Deadline)
	return true
}

func (m *GateManager) expire(ctx context.Context, g *Gate) error {
	escalate := g.Severity == alert.SeverityCritical || g.Severity == alert.SeverityHigh

	now := m.now().UTC()
	g.DecidedAt = &now
	event := audit.EventApprovalExpiredRejected
	outcome := "expired_rejected"
	g.Status = GateExpiredRejected
	if escalate {
		g.Status = GateExpiredEscalated
		event = audit.EventApprovalExpiredEscalated
		outcome = "expired_escalated"
	}
	if err := m.store.SaveGate(ctx, g); err != nil {
		return fmt.Errorf("save expired gate: %w", err)
	}
	m.resolveMetrics(outcome)
	m.emitGate(ctx, g, event, map[string]any{"deadline": g.Deadline})

	if m.handler != nil {
		if err := m.handler.GateExpired(ctx, g, escalate); err != nil {
			return fmt.Errorf("gate expiry handler: %w", err)
		}
	}
	return nil
}

func (m *GateManager) resolveMetrics(outcome string) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordApprovalOutcome(outcome)
	m.metrics.GateResolved()
}

func (m *GateManager) emitGate(ctx context.Context, g *Gate, event audit.EventType, decision map[string]any) {
	if decision == nil {
		decision = map[string]any{}
	}
	decision["gate_id"] = g.GateID
	decision["severity"] = string(g.Severity)
	if err := m.emitter.Emit(ctx, &audit.Record{
		TenantID:        g.TenantID,
		EventType:       event,
		Severity:        "info",
		Actor:           audit.Actor{Type: "service", ID: "approval-gate"},
		InvestigationID: g.InvestigationID,
		Decision:        decision,
	}); err != nil {
		m.logger.Warn("approval audit emit failed", "event", string(event), "error", err)
	}
}
