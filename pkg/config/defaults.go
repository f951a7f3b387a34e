package config

import "time"

// Built-in defaults. YAML values override them; the validator then checks
// the merged result.
const (
	DefaultPostgresMaxConns         = int32(16)
	DefaultPostgresStatementTimeout = 30 * time.Second

	DefaultAuditListenAddr   = ":8040"
	DefaultAuditWindowSize   = 1000
	DefaultAuditLagThreshold = int64(1000)
	DefaultAuditExportPeriod = 24 * time.Hour

	DefaultEscalationsPerHour = 10
	DefaultDriftThreshold     = 0.3
	DefaultFPBaseThreshold    = 0.90

	DefaultApprovalSweepInterval = 30 * time.Second
	DefaultProviderTimeout       = 60 * time.Second
)

// DefaultBudget is applied to tenants without an explicit spend policy.
func DefaultBudget() BudgetConfig {
	return BudgetConfig{SoftUSD: 200, HardUSD: 250}
}

// DefaultWorkersConfig mirrors the router's per-priority concurrency slots.
func DefaultWorkersConfig() *WorkersConfig {
	return &WorkersConfig{Critical: 8, High: 6, Normal: 4, Low: 2}
}

// DefaultRouterConfig returns the escalation budget with no tenant plans;
// unknown tenants route as standard.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{EscalationsPerHour: DefaultEscalationsPerHour}
}

// DefaultFPConfig keeps every tenant shadowed until the go-live gate lifts
// it.
func DefaultFPConfig() FPConfig {
	return FPConfig{BaseThreshold: DefaultFPBaseThreshold, ShadowDefault: true}
}

// DefaultDriftConfig returns the composite divergence alarm level.
func DefaultDriftConfig() *DriftConfig {
	return &DriftConfig{Threshold: DefaultDriftThreshold}
}
