package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluskort/aluskort/pkg/audit"
	"github.com/aluskort/aluskort/pkg/storage/cache"
)

// spendKeyTTL keeps month-scoped counters around long enough for reporting,
// then lets them age out.
const spendKeyTTL = 45 * 24 * time.Hour

// SpendLimitExceededError rejects a call at the gateway because the tenant's
// monthly hard cap is spent.
type SpendLimitExceededError struct {
	TenantID string
	SpentUSD float64
	LimitUSD float64
}

func (e *SpendLimitExceededError) Error() string {
	return fmt.Sprintf("gateway: tenant %s monthly spend %.2f USD reached hard limit %.2f USD",
		e.TenantID, e.SpentUSD, e.LimitUSD)
}

// IsSpendLimitExceeded reports whether err wraps a SpendLimitExceededError.
func IsSpendLimitExceeded(err error) bool {
	var se *SpendLimitExceededError
	return errors.As(err, &se)
}

// BudgetLimits is one tenant's monthly spend policy in USD.
type BudgetLimits struct {
	SoftUSD float64 `yaml:"soft_usd" json:"soft_usd"`
	HardUSD float64 `yaml:"hard_usd" json:"hard_usd"`
}

// BudgetGuard enforces monthly LLM spend caps per tenant. Counters live in
// the cache under spend:{tenant}:{YYYY-MM}; a cache outage fails open because
// blocking every investigation over a Redis blip costs more than a month of
// unmetered calls.
type BudgetGuard struct {
	cache    *cache.Client
	defaults BudgetLimits
	tenants  map[string]BudgetLimits
	emitter  audit.Emitter
	logger   *slog.Logger
	now      func() time.Time
}

// NewBudgetGuard builds a guard. tenants may be nil; defaults then apply to
// everyone.
func NewBudgetGuard(c *cache.Client, defaults BudgetLimits, tenants map[string]BudgetLimits, emitter audit.Emitter, logger *slog.Logger) *BudgetGuard {
	return &BudgetGuard{
		cache:    c,
		defaults: defaults,
		tenants:  tenants,
		emitter:  emitter,
		logger:   logger,
		now:      time.Now,
	}
}

func (g *BudgetGuard) limitsFor(tenantID string) BudgetLimits {
	if l, ok := g.tenants[tenantID]; ok {
		return l
	}
	return g.defaults
}

func (g *BudgetGuard) spendKey(tenantID string) string {
	return fmt.Sprintf("spend:%s:%s", tenantID, g.now().UTC().Format("2006-01"))
}

// Check refuses the call when the hard cap is reached. Crossing the soft
// threshold emits one budget.soft_alert per tenant per month; SetOnce makes
// the signal idempotent across gateway replicas.
func (g *BudgetGuard) Check(ctx context.Context, tenantID string) error {
	limits := g.limitsFor(tenantID)
	if limits.HardUSD <= 0 {
		return nil
	}

	spent, err := g.cache.GetFloat(ctx, g.spendKey(tenantID))
	if err != nil {
		g.logger.Warn("spend counter unreadable, admitting call", "tenant", tenantID, "error", err)
		return nil
	}

	if spent >= limits.HardUSD {
		g.auditBudget(ctx, tenantID, audit.EventBudgetExceeded, spent, limits.HardUSD)
		return &SpendLimitExceededError{TenantID: tenantID, SpentUSD: spent, LimitUSD: limits.HardUSD}
	}

	if limits.SoftUSD > 0 && spent >= limits.SoftUSD {
		alertKey := fmt.Sprintf("spend_alert:%s:%s", tenantID, g.now().UTC().Format("2006-01"))
		won, err := g.cache.SetOnce(ctx, alertKey, spendKeyTTL)
		if err == nil && won {
			g.logger.Warn("tenant crossed soft spend threshold",
				"tenant", tenantID, "spent_usd", spent, "soft_usd", limits.SoftUSD)
			g.auditBudget(ctx, tenantID, audit.EventBudgetSoftAlert, spent, limits.SoftUSD)
		}
	}
	return nil
}

// Record accumulates a call's cost against the tenant's month.
func (g *BudgetGuard) Record(ctx context.Context, tenantID string, costUSD float64) {
	if costUSD <= 0 {
		return
	}
	key := g.spendKey(tenantID)
	if _, err := g.cache.IncrByFloat(ctx, key, costUSD); err != nil {
		g.logger.Warn("spend counter update failed", "tenant", tenantID, "error", err)
		return
	}
	_ = g.cache.ExpireOnce(ctx, key, spendKeyTTL)
}

// Spent returns the tenant's month-to-date spend.
func (g *BudgetGuard) Spent(ctx context.Context, tenantID string) (float64, error) {
	return g.cache.GetFloat(ctx, g.spendKey(tenantID))
}

func (g *BudgetGuard) auditBudget(ctx context.Context, tenantID string, event audit.EventType, spent, limit float64) {
	if g.emitter == nil {
		return
	}
	err := g.emitter.Emit(ctx, &audit.Record{
		TenantID:  tenantID,
		EventType: event,
		Severity:  "warning",
		Actor:     audit.Actor{Type: "system", ID: "context-gateway"},
		Decision: map[string]any{
			"spent_usd": spent,
			"limit_usd": limit,
			"month":     g.now().UTC().Format("2006-01"),
		},
	})
	if err != nil {
		g.logger.Warn("budget audit emit failed", "tenant", tenantID, "event", event, "error", err)
	}
}
