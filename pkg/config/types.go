package config

import "time"

// BusConfig selects the Pub/Sub project carrying every topic.
type BusConfig struct {
	ProjectID string `yaml:"project_id"`
}

// PostgresConfig configures the relational store pool.
type PostgresConfig struct {
	DSN              string
	MaxConns         int32
	StatementTimeout time.Duration
}

// CacheConfig points at redis.
type CacheConfig struct {
	URL string `yaml:"url"`
}

// VectorConfig configures the qdrant client and the embedding provenance
// every stored point carries.
type VectorConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Dimensions uint64 `yaml:"dimensions"`
	ModelID    string `yaml:"model_id"`
	Version    string `yaml:"version"`
}

// ObjectStoreConfig configures the cold evidence bucket. KMSKeyID is
// mandatory; evidence is never written unencrypted.
type ObjectStoreConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	KMSKeyID string `yaml:"kms_key_id"`
}

// AuditConfig tunes the audit service: HTTP listener, continuous
// verification window, consumer lag alarm and retention export cadence.
type AuditConfig struct {
	ListenAddr   string
	WindowSize   int
	LagThreshold int64
	ExportPeriod time.Duration
}

// BudgetConfig is one monthly spend policy in USD. A zero hard cap means
// unmetered.
type BudgetConfig struct {
	SoftUSD float64 `yaml:"soft_usd"`
	HardUSD float64 `yaml:"hard_usd"`
}

// GatewayConfig carries the gateway's redaction key, the second-opinion
// classifier toggle and spend budgets.
type GatewayConfig struct {
	PIIRedactionKey string
	SecondOpinion   bool
	DefaultBudget   BudgetConfig
	TenantBudgets   map[string]BudgetConfig
}

// RouterConfig drives tenant quota plans and the escalation budget.
type RouterConfig struct {
	EscalationsPerHour int               `yaml:"escalations_per_hour"`
	TenantPlans        map[string]string `yaml:"tenant_plans"`
}

// Quota plan names (closed set).
const (
	PlanPremium  = "premium"
	PlanStandard = "standard"
	PlanTrial    = "trial"
)

// FPConfig seeds the governance engine.
type FPConfig struct {
	BaseThreshold float64
	ShadowDefault bool
}

// ApprovalsConfig overrides approval decision windows per tenant and
// severity. Unlisted tenants use the built-in severity defaults.
type ApprovalsConfig struct {
	SweepInterval time.Duration
	TenantTTLs    map[string]map[string]time.Duration
}

// DriftConfig sets the composite divergence threshold that elevates FP
// thresholds.
type DriftConfig struct {
	Threshold float64 `yaml:"threshold"`
}

// WorkersConfig sizes the orchestrator's per-priority consumers.
type WorkersConfig struct {
	Critical int `yaml:"critical"`
	High     int `yaml:"high"`
	Normal   int `yaml:"normal"`
	Low      int `yaml:"low"`
}

// ProviderConfig is one model provider's transport settings. Credentials
// arrive through {{.VAR}} expansion, never from code.
type ProviderConfig struct {
	Kind     string
	APIKey   string
	Endpoint string
	Timeout  time.Duration
}

// Provider kinds. The stub is the deterministic test provider and the only
// kind allowed to omit credentials.
const (
	ProviderKindAnthropic = "anthropic"
	ProviderKindOpenAI    = "openai"
	ProviderKindStub      = "stub"
)

// APIKeyConfig binds one API key to a tenant for the audit HTTP API. Role is
// advisory for handlers that distinguish analysts from service accounts.
type APIKeyConfig struct {
	Key      string `yaml:"key"`
	TenantID string `yaml:"tenant_id"`
	Role     string `yaml:"role"`
}

// AluskortYAMLConfig is the aluskort.yaml file layout. Durations appear as
// strings ("30s", "24h") and are parsed during load.
type AluskortYAMLConfig struct {
	Bus         *BusConfig         `yaml:"bus"`
	Postgres    *PostgresYAML      `yaml:"postgres"`
	Cache       *CacheConfig       `yaml:"cache"`
	Vector      *VectorConfig      `yaml:"vector"`
	ObjectStore *ObjectStoreConfig `yaml:"object_store"`
	Audit       *AuditYAML         `yaml:"audit"`
	Gateway     *GatewayYAML       `yaml:"gateway"`
	Router      *RouterConfig      `yaml:"router"`
	FP          *FPYAML            `yaml:"fp"`
	Approvals   *ApprovalsYAML     `yaml:"approvals"`
	Drift       *DriftConfig       `yaml:"drift"`
	Workers     *WorkersConfig     `yaml:"workers"`
	APIKeys     []APIKeyConfig     `yaml:"api_keys"`
}

// PostgresYAML is the raw postgres section.
type PostgresYAML struct {
	DSN              string `yaml:"dsn"`
	MaxConns         int32  `yaml:"max_conns"`
	StatementTimeout string `yaml:"statement_timeout"`
}

// AuditYAML is the raw audit section.
type AuditYAML struct {
	ListenAddr   string `yaml:"listen_addr"`
	WindowSize   int    `yaml:"window_size"`
	LagThreshold int64  `yaml:"lag_threshold"`
	ExportPeriod string `yaml:"export_period"`
}

// GatewayYAML is the raw gateway section.
type GatewayYAML struct {
	PIIRedactionKey string       `yaml:"pii_redaction_key"`
	SecondOpinion   *bool        `yaml:"second_opinion,omitempty"`
	Budgets         *BudgetsYAML `yaml:"budgets"`
}

// BudgetsYAML holds the default budget plus per-tenant overrides. Default is
// a pointer so an explicit zero hard cap (unmetered) is distinguishable from
// an absent section.
type BudgetsYAML struct {
	Default *BudgetConfig           `yaml:"default"`
	Tenants map[string]BudgetConfig `yaml:"tenants"`
}

// FPYAML is the raw fp section. ShadowDefault is a pointer so an absent key
// keeps the safe default (true) rather than reading as false.
type FPYAML struct {
	BaseThreshold float64 `yaml:"base_threshold"`
	ShadowDefault *bool   `yaml:"shadow_default,omitempty"`
}

// ApprovalsYAML is the raw approvals section.
type ApprovalsYAML struct {
	SweepInterval string                       `yaml:"sweep_interval"`
	TenantTTLs    map[string]map[string]string `yaml:"tenant_ttls"`
}

// ProvidersYAMLConfig is the providers.yaml file layout.
type ProvidersYAMLConfig struct {
	Providers map[string]ProviderYAML `yaml:"providers"`
}

// ProviderYAML is one raw provider entry.
type ProviderYAML struct {
	Kind     string `yaml:"kind"`
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
	Timeout  string `yaml:"timeout"`
}
