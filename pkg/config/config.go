package config

import "fmt"

// Config is the umbrella configuration object covering every service:
// transport, stores, the audit API, the gateway's trust controls, routing
// plans, governance thresholds and approval windows.
// This is the primary object returned by Initialize() and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	Bus         BusConfig
	Postgres    PostgresConfig
	Cache       CacheConfig
	Vector      VectorConfig
	ObjectStore ObjectStoreConfig

	Audit     AuditConfig
	Gateway   GatewayConfig
	Router    RouterConfig
	FP        FPConfig
	Approvals ApprovalsConfig
	Drift     DriftConfig
	Workers   WorkersConfig

	// Providers holds model provider transports keyed by name.
	Providers map[string]ProviderConfig

	// APIKeys binds audit API keys to tenants.
	APIKeys []APIKeyConfig
}

// Initialize is defined in loader.go

// Stats contains statistics about loaded configuration
type Stats struct {
	Providers     int
	APIKeys       int
	TenantPlans   int
	TenantBudgets int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	return Stats{
		Providers:     len(c.Providers),
		APIKeys:       len(c.APIKeys),
		TenantPlans:   len(c.Router.TenantPlans),
		TenantBudgets: len(c.Gateway.TenantBudgets),
	}
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Provider retrieves a model provider configuration by name.
func (c *Config) Provider(name string) (ProviderConfig, error) {
	p, ok := c.Providers[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// TenantForKey resolves an audit API key to its tenant binding. The second
// return is false when the key is unknown.
func (c *Config) TenantForKey(key string) (APIKeyConfig, bool) {
	if key == "" {
		return APIKeyConfig{}, false
	}
	for _, k := range c.APIKeys {
		if k.Key == key {
			return k, true
		}
	}
	return APIKeyConfig{}, false
}

// Budget returns the spend policy for a tenant, falling back to the default
// plan when the tenant has no override.
func (g GatewayConfig) Budget(tenantID string) BudgetConfig {
	if b, ok := g.TenantBudgets[tenantID]; ok {
		return b
	}
	return g.DefaultBudget
}
