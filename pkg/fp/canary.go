package fp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluskort/aluskort/pkg/audit"
)

// Per-pattern canary defaults.
const (
	DefaultCanaryMinDecisions    = 50
	DefaultCanaryMaxDisagreement = 0.05
)

// CanaryConfig gates per-pattern promotion from shadow to active.
type CanaryConfig struct {
	MinDecisions    int
	MaxDisagreement float64
}

func DefaultCanaryConfig() CanaryConfig {
	return CanaryConfig{
		MinDecisions:    DefaultCanaryMinDecisions,
		MaxDisagreement: DefaultCanaryMaxDisagreement,
	}
}

// CanaryStats summarizes a shadow pattern's recorded decisions against
// analyst outcomes.
type CanaryStats struct {
	Decisions     int
	Disagreements int
}

// DisagreementRate is NaN-free: zero decisions rate is 1 so an untested
// pattern can never promote.
func (s CanaryStats) DisagreementRate() float64 {
	if s.Decisions == 0 {
		return 1
	}
	return float64(s.Disagreements) / float64(s.Decisions)
}

// ShouldPromote applies the promotion rule.
func (c CanaryConfig) ShouldPromote(s CanaryStats) bool {
	min := c.MinDecisions
	if min <= 0 {
		min = DefaultCanaryMinDecisions
	}
	max := c.MaxDisagreement
	if max <= 0 {
		max = DefaultCanaryMaxDisagreement
	}
	return s.Decisions >= min && s.DisagreementRate() <= max
}

// System-level rollout thresholds.
const (
	rolloutMinDuration       = 7 * 24 * time.Hour
	rolloutPromotePrecision  = 0.98
	rolloutRollbackPrecision = 0.95
)

// SliceStatus tracks a rollout slice.
type SliceStatus string

const (
	SliceCanary     SliceStatus = "canary"
	SlicePromoted   SliceStatus = "promoted"
	SliceRolledBack SliceStatus = "rolled_back"
)

// Slice is one system-level canary: a tenant, severity band, rule family or
// data source moving from shadow to autonomous closure.
type Slice struct {
	Dimension Dimension   `json:"dimension"`
	Value     string      `json:"value"`
	TenantID  string      `json:"tenant_id"`
	Status    SliceStatus `json:"status"`
	StartedAt time.Time   `json:"started_at"`
}

// SliceMetrics feed promotion and rollback decisions.
type SliceMetrics struct {
	Precision           float64
	MissedTruePositives int
	Decisions           int
}

// RolloutManager drives system-level canaries. Rollback is aggressive: it
// both reverts the slice to shadow and throws the matching kill switch.
type RolloutManager struct {
	switches *KillSwitchManager
	emitter  audit.Emitter
	logger   *slog.Logger

	mu     sync.Mutex
	slices map[string]*Slice
}

func NewRolloutManager(switches *KillSwitchManager, emitter audit.Emitter, logger *slog.Logger) *RolloutManager {
	if switches == nil {
		panic("fp: kill switch manager is required")
	}
	if emitter == nil {
		panic("fp: audit emitter is required")
	}
	return &RolloutManager{
		switches: switches,
		emitter:  emitter,
		logger:   logger,
		slices:   make(map[string]*Slice),
	}
}

func sliceKey(d Dimension, value string) string {
	return fmt.Sprintf("%s:%s", d, value)
}

// Begin registers a slice entering canary.
func (r *RolloutManager) Begin(tenantID string, d Dimension, value string, now time.Time) *Slice {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Slice{
		Dimension: d,
		Value:     value,
		TenantID:  tenantID,
		Status:    SliceCanary,
		StartedAt: now.UTC(),
	}
	r.slices[sliceKey(d, value)] = s
	return s
}

// Get returns the slice for a dimension/value pair.
func (r *RolloutManager) Get(d Dimension, value string) (*Slice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slices[sliceKey(d, value)]
	return s, ok
}

// Evaluate applies the promotion and rollback rules to one slice. Rollback
// wins over promotion when both would fire.
func (r *RolloutManager) Evaluate(ctx context.Context, s *Slice, m SliceMetrics, now time.Time) (SliceStatus, error) {
	r.mu.Lock()
	if s.Status != SliceCanary {
		status := s.Status
		r.mu.Unlock()
		return status, nil
	}

	if m.Precision < rolloutRollbackPrecision || m.MissedTruePositives > 0 {
		s.Status = SliceRolledBack
		r.mu.Unlock()

		r.logger.Warn("canary slice rolled back",
			"dimension", s.Dimension, "value", s.Value,
			"precision", m.Precision, "missed_tps", m.MissedTruePositives)
		if err := r.switches.Activate(ctx, s.TenantID, s.Dimension, s.Value,
			"canary-rollout", fmt.Sprintf("rollback: precision=%.4f missed_tps=%d", m.Precision, m.MissedTruePositives),
		); err != nil {
			return SliceRolledBack, err
		}
		return SliceRolledBack, r.emitter.Emit(ctx, &audit.Record{
			TenantID:  s.TenantID,
			EventType: audit.EventCanaryRolledBack,
			Severity:  "warning",
			Actor:     audit.Actor{Type: "system", ID: "canary-rollout"},
			Decision: map[string]any{
				"dimension":  string(s.Dimension),
				"value":      s.Value,
				"precision":  m.Precision,
				"missed_tps": m.MissedTruePositives,
			},
		})
	}

	if now.Sub(s.StartedAt) >= rolloutMinDuration &&
		m.Precision >= rolloutPromotePrecision &&
		m.MissedTruePositives == 0 {
		s.Status = SlicePromoted
		r.mu.Unlock()

		r.logger.Info("canary slice promoted",
			"dimension", s.Dimension, "value", s.Value, "precision", m.Precision)
		return SlicePromoted, r.emitter.Emit(ctx, &audit.Record{
			TenantID:  s.TenantID,
			EventType: audit.EventCanaryPromoted,
			Severity:  "info",
			Actor:     audit.Actor{Type: "system", ID: "canary-rollout"},
			Decision: map[string]any{
				"dimension": string(s.Dimension),
				"value":     s.Value,
				"precision": m.Precision,
				"decisions": m.Decisions,
			},
		})
	}

	r.mu.Unlock()
	return SliceCanary, nil
}
