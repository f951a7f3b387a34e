package llm

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manually advanced clock shared by budget tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestRouteBaseTiers(t *testing.T) {
	r := NewRouter(discardLogger())

	tests := []struct {
		task string
		want Tier
	}{
		{TaskAlertTriage, Tier0},
		{TaskAlertClassification, Tier1},
		{TaskRootCauseAnalysis, Tier1Plus},
		{TaskDeepInvestigation, Tier2},
		{"never_heard_of_it", Tier1},
	}
	for _, tt := range tests {
		d := r.Route(RouteRequest{Task: tt.task, Severity: "medium", Confidence: -1})
		assert.Equal(t, tt.want, d.Tier, "task %s", tt.task)
		assert.False(t, d.IsFallback)
		assert.Equal(t, ProviderAnthropic, d.Provider)
	}
}

func TestRouteTimeBudgetForcesTier0(t *testing.T) {
	r := NewRouter(discardLogger())

	d := r.Route(RouteRequest{
		Task:       TaskDeepInvestigation,
		Severity:   "critical",
		TimeBudget: 2 * time.Second,
		Confidence: -1,
	})
	assert.Equal(t, Tier0, d.Tier)
	assert.Contains(t, d.Reason, "time_budget<3s→tier0")
}

func TestRouteTimeBudgetAtThresholdDoesNotForce(t *testing.T) {
	r := NewRouter(discardLogger())

	d := r.Route(RouteRequest{
		Task:       TaskAlertClassification,
		Severity:   "medium",
		TimeBudget: 3 * time.Second,
		Confidence: -1,
	})
	assert.Equal(t, Tier1, d.Tier)
}

func TestRouteCriticalReasoningFloorsTier1(t *testing.T) {
	r := NewRouter(discardLogger())

	// alert_triage is tier 0 but not a reasoning task: stays tier 0.
	d := r.Route(RouteRequest{Task: TaskAlertTriage, Severity: "critical", Confidence: -1})
	assert.Equal(t, Tier0, d.Tier)

	// confidence_review is tier 1 already; the floor is a no-op but the
	// reasoning set is what matters for lower-tier reasoning tasks.
	d = r.Route(RouteRequest{Task: TaskConfidenceReview, Severity: "critical", Confidence: -1})
	assert.GreaterOrEqual(t, d.Tier.Rank(), Tier1.Rank())
}

func TestRouteLargeContextFloorsTier1(t *testing.T) {
	r := NewRouter(discardLogger())

	d := r.Route(RouteRequest{
		Task:          TaskAlertTriage,
		Severity:      "low",
		ContextTokens: 150_000,
		Confidence:    -1,
	})
	assert.Equal(t, Tier1, d.Tier)
	assert.Contains(t, d.Reason, "context>100k→tier1")
}

func TestRouteLowConfidenceEscalatesWithinBudget(t *testing.T) {
	clock := newFakeClock()
	r := NewRouter(discardLogger(),
		WithEscalationBudget(NewEscalationBudget(10, clock.Now)))

	d := r.Route(RouteRequest{
		Task:       TaskAlertClassification,
		Severity:   "critical",
		Confidence: 0.45,
	})
	assert.Equal(t, Tier1Plus, d.Tier)
	assert.True(t, d.EscalationGranted)
	assert.Contains(t, d.Reason, "low_confidence→tier1+")
}

func TestRouteLowConfidenceOnMediumDoesNotEscalate(t *testing.T) {
	r := NewRouter(discardLogger())

	d := r.Route(RouteRequest{
		Task:       TaskAlertClassification,
		Severity:   "medium",
		Confidence: 0.45,
	})
	assert.Equal(t, Tier1, d.Tier)
	assert.False(t, d.EscalationGranted)
}

func TestRouteEleventhEscalationReturnsOriginalDecision(t *testing.T) {
	clock := newFakeClock()
	r := NewRouter(discardLogger(),
		WithEscalationBudget(NewEscalationBudget(10, clock.Now)))

	req := RouteRequest{Task: TaskAlertClassification, Severity: "high", Confidence: 0.3}
	for i := 0; i < 10; i++ {
		d := r.Route(req)
		require.Equal(t, Tier1Plus, d.Tier, "escalation %d within budget", i+1)
	}

	d := r.Route(req)
	assert.Equal(t, Tier1, d.Tier, "the 11th request keeps the unescalated tier")
	assert.False(t, d.EscalationGranted)
	assert.Contains(t, d.Reason, "escalation_budget_exhausted")

	// An hour later the window has rolled and escalations resume.
	clock.Advance(61 * time.Minute)
	d = r.Route(req)
	assert.Equal(t, Tier1Plus, d.Tier)
}

func TestRouteFallbackConfigsTravel(t *testing.T) {
	r := NewRouter(discardLogger())

	d := r.Route(RouteRequest{Task: TaskAlertClassification, Severity: "medium", Confidence: -1})
	require.Len(t, d.FallbackConfigs, 1)
	assert.Equal(t, ProviderOpenAI, d.FallbackConfigs[0].Provider)
	assert.Equal(t, "gpt-4o", d.FallbackConfigs[0].ModelID)

	d = r.Route(RouteRequest{Task: TaskDeepInvestigation, Severity: "critical", Confidence: -1})
	assert.Empty(t, d.FallbackConfigs, "tier 2 has no fallbacks; degradation absorbs the gap")
}

func TestRouteHealthSwapToFallbackProvider(t *testing.T) {
	health := NewProviderHealthRegistry(ProviderAnthropic, discardLogger(),
		WithFailureThreshold(5), WithRecoveryTimeout(30*time.Second))
	r := NewRouter(discardLogger(), WithHealth(health))

	// Five consecutive transient failures trip the anthropic breaker.
	for i := 0; i < 5; i++ {
		_, err := health.Execute(ProviderAnthropic, func() (any, error) {
			return nil, NewProviderError(ProviderAnthropic, 503, "upstream overload")
		})
		require.Error(t, err)
	}
	require.False(t, health.IsAvailable(ProviderAnthropic))

	d := r.Route(RouteRequest{Task: TaskAlertClassification, Severity: "high", Confidence: -1})
	assert.Equal(t, ProviderOpenAI, d.Provider)
	assert.Equal(t, "gpt-4o", d.ModelID)
	assert.True(t, d.IsFallback)
	assert.Contains(t, d.Reason, "primary_unavailable→fallback(openai)")
	assert.Equal(t, SecondaryActive, d.Policy.Level)
	assert.InDelta(t, 0.95, d.Policy.ConfidenceThresholdOverride, 1e-9)
	assert.False(t, d.Policy.ExtendedThinkingAvailable)
}

func TestRouteNoHealthyFallbackKeepsPrimary(t *testing.T) {
	health := NewProviderHealthRegistry(ProviderAnthropic, discardLogger())
	r := NewRouter(discardLogger(), WithHealth(health))

	for _, p := range []string{ProviderAnthropic, ProviderOpenAI} {
		for i := 0; i < 5; i++ {
			_, _ = health.Execute(p, func() (any, error) {
				return nil, NewProviderError(p, 500, "down")
			})
		}
	}

	d := r.Route(RouteRequest{Task: TaskAlertClassification, Severity: "high", Confidence: -1})
	assert.Contains(t, d.Reason, "no_healthy_fallback")
	assert.Equal(t, DeterministicOnly, d.Policy.Level)
	assert.False(t, d.Policy.AutoCloseAllowed)
}

func TestRouteDeterministic(t *testing.T) {
	r := NewRouter(discardLogger())
	req := RouteRequest{Task: TaskIOCAnalysis, Severity: "high", ContextTokens: 2_000, Confidence: -1}

	first := r.Route(req)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, r.Route(req))
	}
}

func TestProviderErrorClassification(t *testing.T) {
	assert.True(t, NewProviderError("openai", 500, "ise").Transient)
	assert.True(t, NewProviderError("openai", 429, "rate limited").Transient)
	assert.False(t, NewProviderError("openai", 400, "bad request").Transient)
	assert.False(t, NewProviderError("openai", 401, "bad key").Transient)

	assert.True(t, IsTransient(errors.New("connection reset")))
	assert.False(t, IsTransient(nil))
}
