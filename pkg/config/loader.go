package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Resolve duration strings and apply built-in defaults
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	// 1. Load configuration files
	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Validate all configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"providers", stats.Providers,
		"api_keys", stats.APIKeys,
		"tenant_plans", stats.TenantPlans,
		"tenant_budgets", stats.TenantBudgets)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	// 1. Load aluskort.yaml (bus, stores, audit, gateway, router, fp,
	// approvals, workers, api_keys)
	fileCfg, err := loader.loadAluskortYAML()
	if err != nil {
		return nil, NewLoadError("aluskort.yaml", err)
	}

	// 2. Load providers.yaml
	rawProviders, err := loader.loadProvidersYAML()
	if err != nil {
		return nil, NewLoadError("providers.yaml", err)
	}

	// 3. Resolve sections that carry duration strings
	postgres, err := resolvePostgresConfig(fileCfg.Postgres)
	if err != nil {
		return nil, err
	}
	auditCfg, err := resolveAuditConfig(fileCfg.Audit)
	if err != nil {
		return nil, err
	}
	approvals, err := resolveApprovalsConfig(fileCfg.Approvals)
	if err != nil {
		return nil, err
	}
	providers, err := resolveProviders(rawProviders)
	if err != nil {
		return nil, err
	}

	// 4. Resolve sections with pointer toggles
	gateway := resolveGatewayConfig(fileCfg.Gateway)
	fp := resolveFPConfig(fileCfg.FP)

	// 5. Merge tunable sections over built-in defaults (non-zero values win)
	router := DefaultRouterConfig()
	if fileCfg.Router != nil {
		if err := mergo.Merge(&router, fileCfg.Router, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge router config: %w", err)
		}
	}
	workers := DefaultWorkersConfig()
	if fileCfg.Workers != nil {
		if err := mergo.Merge(workers, fileCfg.Workers, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge workers config: %w", err)
		}
	}
	drift := DefaultDriftConfig()
	if fileCfg.Drift != nil {
		if err := mergo.Merge(drift, fileCfg.Drift, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge drift config: %w", err)
		}
	}

	cfg := &Config{
		configDir: configDir,
		Postgres:  postgres,
		Audit:     auditCfg,
		Gateway:   gateway,
		Router:    router,
		FP:        fp,
		Approvals: approvals,
		Drift:     *drift,
		Workers:   *workers,
		Providers: providers,
		APIKeys:   fileCfg.APIKeys,
	}
	if fileCfg.Bus != nil {
		cfg.Bus = *fileCfg.Bus
	}
	if fileCfg.Cache != nil {
		cfg.Cache = *fileCfg.Cache
	}
	if fileCfg.Vector != nil {
		cfg.Vector = *fileCfg.Vector
	}
	if fileCfg.ObjectStore != nil {
		cfg.ObjectStore = *fileCfg.ObjectStore
	}

	return cfg, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadAluskortYAML() (*AluskortYAMLConfig, error) {
	var config AluskortYAMLConfig

	if err := l.loadYAML("aluskort.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (l *configLoader) loadProvidersYAML() (map[string]ProviderYAML, error) {
	var config ProvidersYAMLConfig

	// Initialize map to avoid nil map
	config.Providers = make(map[string]ProviderYAML)

	if err := l.loadYAML("providers.yaml", &config); err != nil {
		return nil, err
	}

	return config.Providers, nil
}

// resolvePostgresConfig parses the raw postgres section, applying pool
// defaults.
func resolvePostgresConfig(y *PostgresYAML) (PostgresConfig, error) {
	cfg := PostgresConfig{
		MaxConns:         DefaultPostgresMaxConns,
		StatementTimeout: DefaultPostgresStatementTimeout,
	}
	if y == nil {
		return cfg, nil
	}

	cfg.DSN = y.DSN
	if y.MaxConns > 0 {
		cfg.MaxConns = y.MaxConns
	}
	if y.StatementTimeout != "" {
		d, err := time.ParseDuration(y.StatementTimeout)
		if err != nil {
			return cfg, NewValidationError("postgres", "", "statement_timeout",
				fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
		cfg.StatementTimeout = d
	}

	return cfg, nil
}

// resolveAuditConfig parses the raw audit section, applying service defaults.
func resolveAuditConfig(y *AuditYAML) (AuditConfig, error) {
	cfg := AuditConfig{
		ListenAddr:   DefaultAuditListenAddr,
		WindowSize:   DefaultAuditWindowSize,
		LagThreshold: DefaultAuditLagThreshold,
		ExportPeriod: DefaultAuditExportPeriod,
	}
	if y == nil {
		return cfg, nil
	}

	if y.ListenAddr != "" {
		cfg.ListenAddr = y.ListenAddr
	}
	if y.WindowSize > 0 {
		cfg.WindowSize = y.WindowSize
	}
	if y.LagThreshold > 0 {
		cfg.LagThreshold = y.LagThreshold
	}
	if y.ExportPeriod != "" {
		d, err := time.ParseDuration(y.ExportPeriod)
		if err != nil {
			return cfg, NewValidationError("audit", "", "export_period",
				fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
		cfg.ExportPeriod = d
	}

	return cfg, nil
}

// resolveGatewayConfig resolves the gateway section. The second-opinion
// classifier defaults to on; absent budgets fall back to the built-in plan.
func resolveGatewayConfig(y *GatewayYAML) GatewayConfig {
	cfg := GatewayConfig{
		SecondOpinion: true,
		DefaultBudget: DefaultBudget(),
	}
	if y == nil {
		return cfg
	}

	cfg.PIIRedactionKey = y.PIIRedactionKey
	if y.SecondOpinion != nil {
		cfg.SecondOpinion = *y.SecondOpinion
	}
	if y.Budgets != nil {
		if y.Budgets.Default != nil {
			cfg.DefaultBudget = *y.Budgets.Default
		}
		if len(y.Budgets.Tenants) > 0 {
			cfg.TenantBudgets = y.Budgets.Tenants
		}
	}

	return cfg
}

// resolveFPConfig resolves the governance section. ShadowDefault stays true
// unless the key is present and explicitly false.
func resolveFPConfig(y *FPYAML) FPConfig {
	cfg := DefaultFPConfig()
	if y == nil {
		return cfg
	}

	if y.BaseThreshold > 0 {
		cfg.BaseThreshold = y.BaseThreshold
	}
	if y.ShadowDefault != nil {
		cfg.ShadowDefault = *y.ShadowDefault
	}

	return cfg
}

// resolveApprovalsConfig parses per-tenant decision windows. Malformed
// durations fail the load; severity keys are checked by the validator.
func resolveApprovalsConfig(y *ApprovalsYAML) (ApprovalsConfig, error) {
	cfg := ApprovalsConfig{
		SweepInterval: DefaultApprovalSweepInterval,
	}
	if y == nil {
		return cfg, nil
	}

	if y.SweepInterval != "" {
		d, err := time.ParseDuration(y.SweepInterval)
		if err != nil {
			return cfg, NewValidationError("approvals", "", "sweep_interval",
				fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
		cfg.SweepInterval = d
	}
	if len(y.TenantTTLs) > 0 {
		cfg.TenantTTLs = make(map[string]map[string]time.Duration, len(y.TenantTTLs))
		for tenant, ttls := range y.TenantTTLs {
			parsed := make(map[string]time.Duration, len(ttls))
			for severity, raw := range ttls {
				d, err := time.ParseDuration(raw)
				if err != nil {
					return cfg, NewValidationError("approvals", tenant, severity,
						fmt.Errorf("%w: %v", ErrInvalidValue, err))
				}
				parsed[severity] = d
			}
			cfg.TenantTTLs[tenant] = parsed
		}
	}

	return cfg, nil
}

// resolveProviders parses raw provider entries, applying the default call
// timeout.
func resolveProviders(raw map[string]ProviderYAML) (map[string]ProviderConfig, error) {
	providers := make(map[string]ProviderConfig, len(raw))
	for name, p := range raw {
		cfg := ProviderConfig{
			Kind:     p.Kind,
			APIKey:   p.APIKey,
			Endpoint: p.Endpoint,
			Timeout:  DefaultProviderTimeout,
		}
		if p.Timeout != "" {
			d, err := time.ParseDuration(p.Timeout)
			if err != nil {
				return nil, NewValidationError("providers", name, "timeout",
					fmt.Errorf("%w: %v", ErrInvalidValue, err))
			}
			cfg.Timeout = d
		}
		providers[name] = cfg
	}

	return providers, nil
}
