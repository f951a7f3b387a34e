package config

import (
	"fmt"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate in order: infrastructure → services → credentials.
	// A bad store or bus setting fails before any policy checks run.

	if err := v.validateBus(); err != nil {
		return fmt.Errorf("bus validation failed: %w", err)
	}

	if err := v.validatePostgres(); err != nil {
		return fmt.Errorf("postgres validation failed: %w", err)
	}

	if err := v.validateCache(); err != nil {
		return fmt.Errorf("cache validation failed: %w", err)
	}

	if err := v.validateVector(); err != nil {
		return fmt.Errorf("vector store validation failed: %w", err)
	}

	if err := v.validateObjectStore(); err != nil {
		return fmt.Errorf("object store validation failed: %w", err)
	}

	if err := v.validateAudit(); err != nil {
		return fmt.Errorf("audit validation failed: %w", err)
	}

	if err := v.validateGateway(); err != nil {
		return fmt.Errorf("gateway validation failed: %w", err)
	}

	if err := v.validateRouter(); err != nil {
		return fmt.Errorf("router validation failed: %w", err)
	}

	if err := v.validateFP(); err != nil {
		return fmt.Errorf("fp governance validation failed: %w", err)
	}

	if err := v.validateApprovals(); err != nil {
		return fmt.Errorf("approvals validation failed: %w", err)
	}

	if err := v.validateDrift(); err != nil {
		return fmt.Errorf("drift validation failed: %w", err)
	}

	if err := v.validateWorkers(); err != nil {
		return fmt.Errorf("workers validation failed: %w", err)
	}

	if err := v.validateProviders(); err != nil {
		return fmt.Errorf("provider validation failed: %w", err)
	}

	if err := v.validateAPIKeys(); err != nil {
		return fmt.Errorf("api key validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateBus() error {
	if v.cfg.Bus.ProjectID == "" {
		return NewValidationError("bus", "", "project_id", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validatePostgres() error {
	pg := v.cfg.Postgres
	if pg.DSN == "" {
		return NewValidationError("postgres", "", "dsn", ErrMissingRequiredField)
	}
	if pg.MaxConns <= 0 {
		return NewValidationError("postgres", "", "max_conns", fmt.Errorf("must be positive"))
	}
	if pg.StatementTimeout <= 0 {
		return NewValidationError("postgres", "", "statement_timeout", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateCache() error {
	if v.cfg.Cache.URL == "" {
		return NewValidationError("cache", "", "url", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validateVector() error {
	vec := v.cfg.Vector
	if vec.Endpoint == "" {
		return NewValidationError("vector", "", "endpoint", ErrMissingRequiredField)
	}
	if vec.Dimensions == 0 {
		return NewValidationError("vector", "", "dimensions", fmt.Errorf("must be positive"))
	}
	// Embedding provenance is mandatory; points without model and version
	// cannot be invalidated on model change.
	if vec.ModelID == "" {
		return NewValidationError("vector", "", "model_id", ErrMissingRequiredField)
	}
	if vec.Version == "" {
		return NewValidationError("vector", "", "version", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validateObjectStore() error {
	obj := v.cfg.ObjectStore
	if obj.Bucket == "" {
		return NewValidationError("object_store", "", "bucket", ErrMissingRequiredField)
	}
	if obj.Region == "" {
		return NewValidationError("object_store", "", "region", ErrMissingRequiredField)
	}
	// Evidence is never written unencrypted.
	if obj.KMSKeyID == "" {
		return NewValidationError("object_store", "", "kms_key_id", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validateAudit() error {
	a := v.cfg.Audit
	if a.ListenAddr == "" {
		return NewValidationError("audit", "", "listen_addr", ErrMissingRequiredField)
	}
	if a.WindowSize <= 0 {
		return NewValidationError("audit", "", "window_size", fmt.Errorf("must be positive"))
	}
	if a.LagThreshold <= 0 {
		return NewValidationError("audit", "", "lag_threshold", fmt.Errorf("must be positive"))
	}
	if a.ExportPeriod <= 0 {
		return NewValidationError("audit", "", "export_period", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateGateway() error {
	gw := v.cfg.Gateway

	// AES key sizes only; the redaction map is encrypted with AES-GCM.
	switch len(gw.PIIRedactionKey) {
	case 16, 24, 32:
	default:
		return NewValidationError("gateway", "", "pii_redaction_key",
			fmt.Errorf("key must be 16, 24 or 32 bytes, got %d", len(gw.PIIRedactionKey)))
	}

	if err := validateBudget("default", gw.DefaultBudget); err != nil {
		return err
	}
	for tenant, b := range gw.TenantBudgets {
		if err := validateBudget(tenant, b); err != nil {
			return err
		}
	}
	return nil
}

func validateBudget(id string, b BudgetConfig) error {
	if b.SoftUSD < 0 || b.HardUSD < 0 {
		return NewValidationError("budget", id, "", fmt.Errorf("spend limits cannot be negative"))
	}
	// A zero hard cap means unmetered, so the soft/hard ordering only
	// applies when both are set.
	if b.HardUSD > 0 && b.SoftUSD > b.HardUSD {
		return NewValidationError("budget", id, "soft_usd", fmt.Errorf("soft alert above hard cap"))
	}
	return nil
}

func (v *ConfigValidator) validateRouter() error {
	r := v.cfg.Router
	if r.EscalationsPerHour <= 0 {
		return NewValidationError("router", "", "escalations_per_hour", fmt.Errorf("must be positive"))
	}
	for tenant, plan := range r.TenantPlans {
		switch plan {
		case PlanPremium, PlanStandard, PlanTrial:
		default:
			return NewValidationError("router", tenant, "plan",
				fmt.Errorf("unknown plan '%s' (expected premium, standard or trial)", plan))
		}
	}
	return nil
}

func (v *ConfigValidator) validateFP() error {
	if t := v.cfg.FP.BaseThreshold; t <= 0 || t > 1 {
		return NewValidationError("fp", "", "base_threshold", fmt.Errorf("must be in (0, 1]"))
	}
	return nil
}

func (v *ConfigValidator) validateApprovals() error {
	a := v.cfg.Approvals
	if a.SweepInterval <= 0 {
		return NewValidationError("approvals", "", "sweep_interval", fmt.Errorf("must be positive"))
	}
	for tenant, ttls := range a.TenantTTLs {
		for severity, d := range ttls {
			switch severity {
			case "critical", "high", "medium", "low":
			default:
				return NewValidationError("approvals", tenant, severity,
					fmt.Errorf("unknown severity (expected critical, high, medium or low)"))
			}
			if d <= 0 {
				return NewValidationError("approvals", tenant, severity,
					fmt.Errorf("decision window must be positive"))
			}
		}
	}
	return nil
}

func (v *ConfigValidator) validateDrift() error {
	if t := v.cfg.Drift.Threshold; t <= 0 || t >= 1 {
		return NewValidationError("drift", "", "threshold", fmt.Errorf("must be in (0, 1)"))
	}
	return nil
}

func (v *ConfigValidator) validateWorkers() error {
	w := v.cfg.Workers
	slots := []struct {
		name string
		n    int
	}{
		{"critical", w.Critical},
		{"high", w.High},
		{"normal", w.Normal},
		{"low", w.Low},
	}
	for _, s := range slots {
		if s.n <= 0 {
			return NewValidationError("workers", "", s.name, fmt.Errorf("must be positive"))
		}
	}
	return nil
}

func (v *ConfigValidator) validateProviders() error {
	if len(v.cfg.Providers) == 0 {
		return NewValidationError("providers", "", "",
			fmt.Errorf("%w: at least one provider required", ErrMissingRequiredField))
	}
	for name, p := range v.cfg.Providers {
		switch p.Kind {
		case ProviderKindAnthropic, ProviderKindOpenAI, ProviderKindStub:
		case "":
			return NewValidationError("provider", name, "kind", ErrMissingRequiredField)
		default:
			return NewValidationError("provider", name, "kind",
				fmt.Errorf("unknown kind %q", p.Kind))
		}
		// The stub provider is deterministic and needs no credentials.
		if p.APIKey == "" && p.Kind != ProviderKindStub {
			return NewValidationError("provider", name, "api_key", ErrMissingRequiredField)
		}
		if p.Timeout <= 0 {
			return NewValidationError("provider", name, "timeout", fmt.Errorf("must be positive"))
		}
	}
	return nil
}

func (v *ConfigValidator) validateAPIKeys() error {
	seen := make(map[string]string, len(v.cfg.APIKeys))
	for i, k := range v.cfg.APIKeys {
		id := k.TenantID
		if id == "" {
			id = fmt.Sprintf("#%d", i)
		}
		if k.Key == "" {
			return NewValidationError("api_keys", id, "key", ErrMissingRequiredField)
		}
		if k.TenantID == "" {
			return NewValidationError("api_keys", id, "tenant_id", ErrMissingRequiredField)
		}
		if prev, dup := seen[k.Key]; dup {
			return NewValidationError("api_keys", id, "key",
				fmt.Errorf("already bound to tenant '%s'", prev))
		}
		seen[k.Key] = k.TenantID
	}
	return nil
}
