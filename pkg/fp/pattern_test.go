package fp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPattern() *Pattern {
	return &Pattern{
		PatternID:        "fp-backup-scanner",
		Version:          1,
		TenantID:         "t1",
		Name:             "Nightly backup scanner",
		Status:           StatusPending,
		AlertNamePattern: `^Suspicious process on backup-\d+$`,
		CreatedBy:        "analyst-1",
		CreatedAt:        time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestApproveRequiresTwoDistinctApprovers(t *testing.T) {
	p := testPattern()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	require.NoError(t, p.Approve("analyst-1", now))
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, "analyst-1", p.FirstApprover)
	assert.Nil(t, p.ExpiresAt)

	// The same person cannot supply the second approval.
	assert.ErrorIs(t, p.Approve("analyst-1", now), ErrSameApprover)
	assert.Equal(t, StatusPending, p.Status)

	require.NoError(t, p.Approve("analyst-2", now.Add(time.Hour)))
	assert.Equal(t, StatusShadow, p.Status)
	assert.Equal(t, "analyst-2", p.SecondApprover)
	require.NotNil(t, p.CanaryStartedAt)
	require.NotNil(t, p.ExpiresAt)
	assert.Equal(t, now.Add(time.Hour).Add(90*24*time.Hour), *p.ExpiresAt)
}

func TestApproveRejectsNonPending(t *testing.T) {
	p := testPattern()
	p.Status = StatusActive
	assert.ErrorIs(t, p.Approve("analyst-2", time.Now()), ErrNotApprovable)

	p.Status = StatusRevoked
	assert.ErrorIs(t, p.Approve("analyst-2", time.Now()), ErrTerminalStatus)
}

func TestReaffirmExtendsExpiry(t *testing.T) {
	p := testPattern()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, p.Approve("analyst-1", now))
	require.NoError(t, p.Approve("analyst-2", now))

	firstExpiry := *p.ExpiresAt
	require.NoError(t, p.Reaffirm("analyst-3", now.Add(80*24*time.Hour)))
	assert.Equal(t, firstExpiry.Add(90*24*time.Hour), *p.ExpiresAt)
	assert.Equal(t, "analyst-3", p.ReaffirmedBy)
}

func TestReaffirmRequiresExpiry(t *testing.T) {
	p := testPattern()
	err := p.Reaffirm("analyst-3", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no expiry")
}

func TestRevokeIsOneWay(t *testing.T) {
	p := testPattern()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, p.Revoke("lead-1", "matched real intrusions", now))

	assert.Equal(t, StatusRevoked, p.Status)
	assert.Equal(t, "lead-1", p.RevokedBy)
	assert.Equal(t, "matched real intrusions", p.RevokeReason)

	assert.ErrorIs(t, p.Revoke("lead-2", "again", now), ErrTerminalStatus)
	assert.ErrorIs(t, p.Approve("analyst-2", now), ErrTerminalStatus)
}

func TestCheckExpiryTransitionsPastDue(t *testing.T) {
	p := testPattern()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, p.Approve("analyst-1", now))
	require.NoError(t, p.Approve("analyst-2", now))

	assert.False(t, p.CheckExpiry(now.Add(89*24*time.Hour)))
	assert.Equal(t, StatusShadow, p.Status)

	assert.True(t, p.CheckExpiry(now.Add(91*24*time.Hour)))
	assert.Equal(t, StatusExpired, p.Status)

	// Expiry never applies twice or to pending patterns.
	assert.False(t, p.CheckExpiry(now.Add(92*24*time.Hour)))
	pending := testPattern()
	assert.False(t, pending.CheckExpiry(now.Add(365*24*time.Hour)))
}

func TestPromoteOnlyFromShadow(t *testing.T) {
	p := testPattern()
	require.Error(t, p.Promote())

	p.Status = StatusShadow
	require.NoError(t, p.Promote())
	assert.Equal(t, StatusActive, p.Status)

	require.Error(t, p.Promote())
}

func TestScopeMatches(t *testing.T) {
	empty := Scope{}
	assert.True(t, empty.Matches("any-tenant", "edr", "critical"))

	scoped := Scope{
		Tenants:    []string{"t1", "t2"},
		Severities: []string{"low", "informational"},
	}
	assert.True(t, scoped.Matches("t1", "edr", "low"))
	assert.False(t, scoped.Matches("t3", "edr", "low"))
	assert.False(t, scoped.Matches("t1", "edr", "critical"))
}

func TestStatusHelpers(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusShadow, StatusActive, StatusExpired, StatusRevoked} {
		assert.True(t, s.IsValid())
	}
	assert.False(t, Status("archived").IsValid())

	assert.True(t, StatusExpired.IsTerminal())
	assert.True(t, StatusRevoked.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
	assert.False(t, StatusShadow.IsTerminal())
}
