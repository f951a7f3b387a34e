package fp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluskort/aluskort/pkg/audit"
)

// Dimension is a kill-switch axis. An active switch on any dimension
// suppresses the FP short-circuit for everything it covers.
type Dimension string

const (
	DimensionTenant     Dimension = "tenant"
	DimensionPattern    Dimension = "pattern"
	DimensionTechnique  Dimension = "technique"
	DimensionDataSource Dimension = "data_source"
)

// SwitchState is the cache payload for an active switch.
type SwitchState struct {
	Dimension   Dimension `json:"dimension"`
	Value       string    `json:"value"`
	ActivatedBy string    `json:"activated_by"`
	Reason      string    `json:"reason"`
	ActivatedAt time.Time `json:"activated_at"`
}

// SwitchCache is the cache surface the manager needs. The cache layer is
// fail-open, so a cache outage reads as "no switch" and is logged, never
// fatal.
type SwitchCache interface {
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// KillSwitchManager activates, clears and consults switches across the four
// dimensions. Every activation and clearance is audited with actor and
// reason.
type KillSwitchManager struct {
	cache   SwitchCache
	emitter audit.Emitter
	logger  *slog.Logger
}

func NewKillSwitchManager(cache SwitchCache, emitter audit.Emitter, logger *slog.Logger) *KillSwitchManager {
	if cache == nil {
		panic("fp: switch cache is required")
	}
	if emitter == nil {
		panic("fp: audit emitter is required")
	}
	return &KillSwitchManager{cache: cache, emitter: emitter, logger: logger}
}

// SwitchKey builds the cache key for one switch.
func SwitchKey(d Dimension, value string) string {
	return fmt.Sprintf("kill_switch:%s:%s", d, value)
}

// Activate turns a switch on. Switches have no TTL; they stay until cleared.
func (m *KillSwitchManager) Activate(ctx context.Context, tenantID string, d Dimension, value, actor, reason string) error {
	state := SwitchState{
		Dimension:   d,
		Value:       value,
		ActivatedBy: actor,
		Reason:      reason,
		ActivatedAt: time.Now().UTC(),
	}
	if err := m.cache.SetJSON(ctx, SwitchKey(d, value), state, 0); err != nil {
		return fmt.Errorf("activate kill switch %s:%s: %w", d, value, err)
	}
	m.logger.Warn("kill switch activated",
		"dimension", d, "value", value, "actor", actor, "reason", reason)
	return m.emitter.Emit(ctx, &audit.Record{
		TenantID:  tenantID,
		EventType: audit.EventKillSwitchActivated,
		Severity:  "warning",
		Actor:     audit.Actor{Type: "user", ID: actor},
		Decision: map[string]any{
			"dimension": string(d),
			"value":     value,
			"reason":    reason,
		},
	})
}

// Clear turns a switch off.
func (m *KillSwitchManager) Clear(ctx context.Context, tenantID string, d Dimension, value, actor, reason string) error {
	if err := m.cache.Delete(ctx, SwitchKey(d, value)); err != nil {
		return fmt.Errorf("clear kill switch %s:%s: %w", d, value, err)
	}
	m.logger.Info("kill switch cleared",
		"dimension", d, "value", value, "actor", actor)
	return m.emitter.Emit(ctx, &audit.Record{
		TenantID:  tenantID,
		EventType: audit.EventKillSwitchCleared,
		Severity:  "info",
		Actor:     audit.Actor{Type: "user", ID: actor},
		Decision: map[string]any{
			"dimension": string(d),
			"value":     value,
			"reason":    reason,
		},
	})
}

// isActive reads one switch, treating cache errors as inactive.
func (m *KillSwitchManager) isActive(ctx context.Context, d Dimension, value string) bool {
	if value == "" {
		return false
	}
	var state SwitchState
	found, err := m.cache.GetJSON(ctx, SwitchKey(d, value), &state)
	if err != nil {
		m.logger.Warn("kill switch read failed, treating as inactive",
			"dimension", d, "value", value, "error", err)
		return false
	}
	return found
}

// Suppressed reports whether any switch covers the candidate short-circuit:
// the tenant, the pattern, any referenced technique, or the alert's data
// source.
func (m *KillSwitchManager) Suppressed(ctx context.Context, tenantID, patternID string, techniques []string, dataSource string) (bool, Dimension, string) {
	if m.isActive(ctx, DimensionTenant, tenantID) {
		return true, DimensionTenant, tenantID
	}
	if m.isActive(ctx, DimensionPattern, patternID) {
		return true, DimensionPattern, patternID
	}
	for _, t := range techniques {
		if m.isActive(ctx, DimensionTechnique, t) {
			return true, DimensionTechnique, t
		}
	}
	if m.isActive(ctx, DimensionDataSource, dataSource) {
		return true, DimensionDataSource, dataSource
	}
	return false, "", ""
}
