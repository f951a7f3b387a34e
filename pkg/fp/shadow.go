package fp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluskort/aluskort/pkg/audit"
)

// Go-live criteria for lifting tenant shadow mode.
const (
	goLiveMinAgreement  = 0.95
	goLiveMinWindowDays = 14
	goLiveMinPrecision  = 0.98
)

var ErrGoLiveCriteria = errors.New("go-live criteria not met")

// TenantModeStore persists per-tenant shadow flags. Absent rows read as
// shadow: new tenants are shadowed by default.
type TenantModeStore interface {
	IsShadow(ctx context.Context, tenantID string) (bool, error)
	SetShadow(ctx context.Context, tenantID string, shadow bool, actor string) error
}

// GoLiveMetrics are the measured gate inputs for one tenant.
type GoLiveMetrics struct {
	AgreementRate        float64
	WindowDays           int
	Precision            float64
	MissedCriticalTPs    int
	CostWithinProjection bool
}

// ShadowManager answers "is this tenant live?" and owns the one-way go-live
// gate.
type ShadowManager struct {
	store   TenantModeStore
	emitter audit.Emitter
	logger  *slog.Logger
}

func NewShadowManager(store TenantModeStore, emitter audit.Emitter, logger *slog.Logger) *ShadowManager {
	if store == nil {
		panic("fp: tenant mode store is required")
	}
	if emitter == nil {
		panic("fp: audit emitter is required")
	}
	return &ShadowManager{store: store, emitter: emitter, logger: logger}
}

// IsShadow reports the tenant's mode. Store failures read as shadow; when in
// doubt, do not act autonomously.
func (s *ShadowManager) IsShadow(ctx context.Context, tenantID string) bool {
	shadow, err := s.store.IsShadow(ctx, tenantID)
	if err != nil {
		s.logger.Warn("shadow mode read failed, defaulting to shadow",
			"tenant_id", tenantID, "error", err)
		return true
	}
	return shadow
}

// GoLive lifts shadow mode for a tenant. Every criterion must hold, and the
// sign-off flag is not optional.
func (s *ShadowManager) GoLive(ctx context.Context, tenantID, actor string, signedOff bool, m GoLiveMetrics) error {
	var failures []string
	if !signedOff {
		failures = append(failures, "go_live_signed_off is false")
	}
	if m.AgreementRate < goLiveMinAgreement {
		failures = append(failures, fmt.Sprintf("agreement %.4f < %.2f", m.AgreementRate, goLiveMinAgreement))
	}
	if m.WindowDays < goLiveMinWindowDays {
		failures = append(failures, fmt.Sprintf("window %dd < %dd", m.WindowDays, goLiveMinWindowDays))
	}
	if m.Precision < goLiveMinPrecision {
		failures = append(failures, fmt.Sprintf("precision %.4f < %.2f", m.Precision, goLiveMinPrecision))
	}
	if m.MissedCriticalTPs > 0 {
		failures = append(failures, fmt.Sprintf("%d missed critical true positives", m.MissedCriticalTPs))
	}
	if !m.CostWithinProjection {
		failures = append(failures, "cost outside projection")
	}
	if len(failures) > 0 {
		return fmt.Errorf("%w for tenant %s: %v", ErrGoLiveCriteria, tenantID, failures)
	}

	if err := s.store.SetShadow(ctx, tenantID, false, actor); err != nil {
		return fmt.Errorf("lift shadow mode for %s: %w", tenantID, err)
	}
	s.logger.Info("tenant went live", "tenant_id", tenantID, "actor", actor,
		"agreement", m.AgreementRate, "precision", m.Precision)
	return s.emitter.Emit(ctx, &audit.Record{
		TenantID:  tenantID,
		EventType: audit.EventShadowGoLive,
		Severity:  "info",
		Actor:     audit.Actor{Type: "user", ID: actor},
		Decision: map[string]any{
			"agreement_rate": m.AgreementRate,
			"window_days":    m.WindowDays,
			"precision":      m.Precision,
		},
	})
}

// Reshadow puts a tenant back into shadow, used by rollbacks.
func (s *ShadowManager) Reshadow(ctx context.Context, tenantID, actor, reason string) error {
	if err := s.store.SetShadow(ctx, tenantID, true, actor); err != nil {
		return fmt.Errorf("reshadow tenant %s: %w", tenantID, err)
	}
	s.logger.Warn("tenant returned to shadow", "tenant_id", tenantID, "actor", actor, "reason", reason)
	return nil
}

// ShadowDecision pairs the pipeline's would-be verdict with the analyst's
// actual disposition for agreement measurement.
type ShadowDecision struct {
	InvestigationID string    `json:"investigation_id"`
	TenantID        string    `json:"tenant_id"`
	Verdict         string    `json:"verdict"`
	Confidence      float64   `json:"confidence"`
	RecordedAt      time.Time `json:"recorded_at"`

	AnalystVerdict string     `json:"analyst_verdict,omitempty"`
	AnalystID      string     `json:"analyst_id,omitempty"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
}

// Agrees reports verdict agreement once the analyst has reviewed.
func (d ShadowDecision) Agrees() (bool, bool) {
	if d.ReviewedAt == nil {
		return false, false
	}
	return d.Verdict == d.AnalystVerdict, true
}

// AgreementRate computes the reviewed-agreement fraction of a batch.
func AgreementRate(decisions []ShadowDecision) (float64, int) {
	reviewed, agreed := 0, 0
	for _, d := range decisions {
		if ok, has := d.Agrees(); has {
			reviewed++
			if ok {
				agreed++
			}
		}
	}
	if reviewed == 0 {
		return 0, 0
	}
	return float64(agreed) / float64(reviewed), reviewed
}
