package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tripProvider(t *testing.T, h *ProviderHealthRegistry, provider string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, _ = h.Execute(provider, func() (any, error) {
			return nil, NewProviderError(provider, 503, "unavailable")
		})
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	h := NewProviderHealthRegistry(ProviderAnthropic, discardLogger(),
		WithFailureThreshold(3))

	require.True(t, h.IsAvailable(ProviderAnthropic))
	tripProvider(t, h, ProviderAnthropic, 3)
	assert.False(t, h.IsAvailable(ProviderAnthropic))

	_, err := h.Execute(ProviderAnthropic, func() (any, error) { return "ok", nil })
	assert.ErrorIs(t, err, ErrProviderOpen, "open breaker refuses without calling")
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	h := NewProviderHealthRegistry(ProviderAnthropic, discardLogger(),
		WithFailureThreshold(3))

	tripProvider(t, h, ProviderAnthropic, 2)
	_, err := h.Execute(ProviderAnthropic, func() (any, error) { return "ok", nil })
	require.NoError(t, err)

	tripProvider(t, h, ProviderAnthropic, 2)
	assert.True(t, h.IsAvailable(ProviderAnthropic), "success between failures resets the streak")
}

func TestBreakerHalfOpenProbeRecovers(t *testing.T) {
	h := NewProviderHealthRegistry(ProviderAnthropic, discardLogger(),
		WithFailureThreshold(2), WithRecoveryTimeout(30*time.Millisecond))

	tripProvider(t, h, ProviderAnthropic, 2)
	require.False(t, h.IsAvailable(ProviderAnthropic))

	time.Sleep(40 * time.Millisecond)
	assert.True(t, h.IsAvailable(ProviderAnthropic), "timeout expiry promotes OPEN to HALF_OPEN")

	res, err := h.Execute(ProviderAnthropic, func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.True(t, h.IsAvailable(ProviderAnthropic), "successful probe closes the breaker")
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	h := NewProviderHealthRegistry(ProviderAnthropic, discardLogger(),
		WithFailureThreshold(2), WithRecoveryTimeout(30*time.Millisecond))

	tripProvider(t, h, ProviderAnthropic, 2)
	time.Sleep(40 * time.Millisecond)

	tripProvider(t, h, ProviderAnthropic, 1)
	assert.False(t, h.IsAvailable(ProviderAnthropic), "failed probe reopens immediately")
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	h := NewProviderHealthRegistry(ProviderAnthropic, discardLogger(),
		WithFailureThreshold(2))

	for i := 0; i < 10; i++ {
		_, err := h.Execute(ProviderAnthropic, func() (any, error) {
			return nil, NewProviderError(ProviderAnthropic, 400, "malformed request")
		})
		require.Error(t, err)
	}
	assert.True(t, h.IsAvailable(ProviderAnthropic), "caller bugs do not poison provider health")
}

func TestDegradationLevelTransitions(t *testing.T) {
	h := NewProviderHealthRegistry(ProviderAnthropic, discardLogger(),
		WithFailureThreshold(2))

	assert.Equal(t, FullCapability, h.Level())

	tripProvider(t, h, ProviderAnthropic, 2)
	assert.Equal(t, SecondaryActive, h.Level())

	tripProvider(t, h, ProviderOpenAI, 2)
	assert.Equal(t, DeterministicOnly, h.Level())

	h.SetInfrastructureOutage(true)
	assert.Equal(t, Passthrough, h.Level())

	h.SetInfrastructureOutage(false)
	assert.Equal(t, DeterministicOnly, h.Level())
}

func TestDegradationPolicies(t *testing.T) {
	full := policyFor(FullCapability)
	assert.True(t, full.AutoCloseAllowed)
	assert.True(t, full.ExtendedThinkingAvailable)
	assert.Equal(t, Tier2, full.MaxTier)
	assert.Zero(t, full.ConfidenceThresholdOverride)

	secondary := policyFor(SecondaryActive)
	assert.True(t, secondary.AutoCloseAllowed)
	assert.False(t, secondary.ExtendedThinkingAvailable)
	assert.InDelta(t, 0.95, secondary.ConfidenceThresholdOverride, 1e-9)

	deterministic := policyFor(DeterministicOnly)
	assert.False(t, deterministic.AutoCloseAllowed)

	passthrough := policyFor(Passthrough)
	assert.False(t, passthrough.AutoCloseAllowed)
}

func TestLevelStrings(t *testing.T) {
	assert.Equal(t, "FULL_CAPABILITY", FullCapability.String())
	assert.Equal(t, "SECONDARY_ACTIVE", SecondaryActive.String())
	assert.Equal(t, "DETERMINISTIC_ONLY", DeterministicOnly.String())
	assert.Equal(t, "PASSTHROUGH", Passthrough.String())
}
