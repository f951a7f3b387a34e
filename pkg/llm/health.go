package llm

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker defaults.
const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 30 * time.Second
)

// DegradationLevel is the platform-wide LLM health state.
type DegradationLevel int

const (
	// FullCapability: the primary provider is healthy.
	FullCapability DegradationLevel = iota
	// SecondaryActive: primary down, a secondary answers. Confidence bar
	// rises, extended thinking is off.
	SecondaryActive
	// DeterministicOnly: every provider is down. No auto-close, no
	// auto-escalation; only deterministic logic runs.
	DeterministicOnly
	// Passthrough: infrastructure-wide outage. Alerts flow through
	// untouched for human handling.
	Passthrough
)

func (l DegradationLevel) String() string {
	switch l {
	case FullCapability:
		return "FULL_CAPABILITY"
	case SecondaryActive:
		return "SECONDARY_ACTIVE"
	case DeterministicOnly:
		return "DETERMINISTIC_ONLY"
	case Passthrough:
		return "PASSTHROUGH"
	default:
		return "UNKNOWN"
	}
}

// DegradationPolicy is attached to every routing decision. It is advisory:
// the orchestrator enforces it.
type DegradationPolicy struct {
	Level                       DegradationLevel `json:"level"`
	ConfidenceThresholdOverride float64          `json:"confidence_threshold_override,omitempty"`
	AutoCloseAllowed            bool             `json:"auto_close_allowed"`
	ExtendedThinkingAvailable   bool             `json:"extended_thinking_available"`
	MaxTier                     Tier             `json:"max_tier"`
}

// policyFor maps a level to its policy.
func policyFor(level DegradationLevel) DegradationPolicy {
	switch level {
	case SecondaryActive:
		return DegradationPolicy{
			Level:                       SecondaryActive,
			ConfidenceThresholdOverride: 0.95,
			AutoCloseAllowed:            true,
			ExtendedThinkingAvailable:   false,
			MaxTier:                     Tier1,
		}
	case DeterministicOnly:
		return DegradationPolicy{
			Level:                     DeterministicOnly,
			AutoCloseAllowed:          false,
			ExtendedThinkingAvailable: false,
		}
	case Passthrough:
		return DegradationPolicy{
			Level:                     Passthrough,
			AutoCloseAllowed:          false,
			ExtendedThinkingAvailable: false,
		}
	default:
		return DegradationPolicy{
			Level:                     FullCapability,
			AutoCloseAllowed:          true,
			ExtendedThinkingAvailable: true,
			MaxTier:                   Tier2,
		}
	}
}

// healthMetrics is the metrics surface the registry exports to.
type healthMetrics interface {
	RecordProviderFailure(provider string)
	SetDegradationLevel(level int)
}

// ProviderHealthRegistry holds one circuit breaker per provider and derives
// the degradation level from their states.
type ProviderHealthRegistry struct {
	primary  string
	logger   *slog.Logger
	metrics  healthMetrics
	breakers map[string]*gobreaker.CircuitBreaker

	mu          sync.RWMutex
	infraOutage bool
}

// HealthOption configures the registry.
type HealthOption func(*healthSettings)

type healthSettings struct {
	failureThreshold uint32
	recoveryTimeout  time.Duration
	metrics          healthMetrics
}

// WithFailureThreshold overrides the consecutive-failure trip count.
func WithFailureThreshold(n uint32) HealthOption {
	return func(s *healthSettings) { s.failureThreshold = n }
}

// WithRecoveryTimeout overrides the open-to-half-open timeout.
func WithRecoveryTimeout(d time.Duration) HealthOption {
	return func(s *healthSettings) { s.recoveryTimeout = d }
}

// WithHealthMetrics wires metric export.
func WithHealthMetrics(m healthMetrics) HealthOption {
	return func(s *healthSettings) { s.metrics = m }
}

// NewProviderHealthRegistry builds breakers for every provider that appears
// in the model or fallback registries. primary names the provider whose
// health defines FULL_CAPABILITY.
func NewProviderHealthRegistry(primary string, logger *slog.Logger, opts ...HealthOption) *ProviderHealthRegistry {
	settings := &healthSettings{
		failureThreshold: defaultFailureThreshold,
		recoveryTimeout:  defaultRecoveryTimeout,
	}
	for _, opt := range opts {
		opt(settings)
	}

	providers := map[string]bool{}
	for _, m := range modelRegistry {
		providers[m.Provider] = true
	}
	for _, fbs := range fallbackRegistry {
		for _, m := range fbs {
			providers[m.Provider] = true
		}
	}

	r := &ProviderHealthRegistry{
		primary:  primary,
		logger:   logger,
		metrics:  settings.metrics,
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(providers)),
	}
	for p := range providers {
		provider := p
		r.breakers[provider] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        provider,
			MaxRequests: 1, // single probe in half-open
			Timeout:     settings.recoveryTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= settings.failureThreshold
			},
			IsSuccessful: func(err error) bool {
				// Permanent errors are the request's fault, not the
				// provider's; they never trip the breaker.
				return err == nil || !IsTransient(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("provider breaker state change",
					"provider", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return r
}

// Execute runs fn under the provider's breaker. gobreaker consults the
// current state, so an open breaker whose timeout expired is promoted to
// half-open before the decision. A transient failure result counts against
// the breaker; permanent errors pass through without counting.
func (r *ProviderHealthRegistry) Execute(provider string, fn func() (any, error)) (any, error) {
	br, ok := r.breakers[provider]
	if !ok {
		return nil, &ProviderError{Provider: provider, Message: "unknown provider", Transient: false}
	}
	res, err := br.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, ErrProviderOpen
		}
		if r.metrics != nil && IsTransient(err) {
			r.metrics.RecordProviderFailure(provider)
		}
	}
	return res, err
}

// IsAvailable reports whether calls may be dispatched to the provider.
// CLOSED and HALF_OPEN are available; gobreaker's State() promotes a
// timed-out OPEN to HALF_OPEN before answering.
func (r *ProviderHealthRegistry) IsAvailable(provider string) bool {
	br, ok := r.breakers[provider]
	if !ok {
		return false
	}
	return br.State() != gobreaker.StateOpen
}

// SetInfrastructureOutage forces PASSTHROUGH while the surrounding
// infrastructure (bus, store) is down, independent of provider health.
func (r *ProviderHealthRegistry) SetInfrastructureOutage(down bool) {
	r.mu.Lock()
	r.infraOutage = down
	r.mu.Unlock()
	if down {
		r.logger.Error("infrastructure outage declared, entering passthrough")
	} else {
		r.logger.Info("infrastructure outage cleared")
	}
}

// Level computes the current degradation level.
func (r *ProviderHealthRegistry) Level() DegradationLevel {
	r.mu.RLock()
	infraOutage := r.infraOutage
	r.mu.RUnlock()
	if infraOutage {
		return Passthrough
	}

	if r.IsAvailable(r.primary) {
		return FullCapability
	}
	for p := range r.breakers {
		if p != r.primary && r.IsAvailable(p) {
			return SecondaryActive
		}
	}
	return DeterministicOnly
}

// Policy returns the advisory policy for the current level and exports the
// level gauge.
func (r *ProviderHealthRegistry) Policy() DegradationPolicy {
	level := r.Level()
	if r.metrics != nil {
		r.metrics.SetDegradationLevel(int(level))
	}
	return policyFor(level)
}
