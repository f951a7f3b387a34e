package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluskort/aluskort/pkg/audit"
	"github.com/aluskort/aluskort/pkg/bus"
)

func TestActionClass(t *testing.T) {
	assert.Equal(t, "observe", Action{Tier: 0}.Class())
	assert.Equal(t, "observe", Action{Tier: -1}.Class())
	assert.Equal(t, "notify", Action{Tier: 1}.Class())
	assert.Equal(t, "contain", Action{Tier: 2}.Class())
	assert.Equal(t, "eradicate", Action{Tier: 3}.Class())
}

func TestRolePermissions(t *testing.T) {
	assert.Equal(t, []string{"observe", "notify"}, RolePermissions(RoleTriage))
	assert.Equal(t, []string{"observe", "notify", "contain"}, RolePermissions(RoleResponder))
	assert.Equal(t, []string{"observe", "notify", "contain", "eradicate"}, RolePermissions(RoleAnalyst))
	assert.Empty(t, RolePermissions("intruder"))
}

func newTestExecutor(t *testing.T) (*Executor, *bus.MemoryBus, *audit.MemoryEmitter) {
	t.Helper()
	mb := bus.NewMemoryBus()
	em := audit.NewMemoryEmitter()
	return NewExecutor(DefaultConstraints(), mb, em, nil), mb, em
}

func TestAuthorizeAllowlist(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	assert.NoError(t, e.Authorize(RoleResponder, Action{Playbook: "pb-open-ticket", Tier: 1}))

	err := e.Authorize(RoleResponder, Action{Playbook: "pb-wipe-disk", Tier: 1})
	cv, ok := IsConstraintViolation(err)
	require.True(t, ok)
	assert.Equal(t, BlockPlaybookNotAllowlisted, cv.Type)
}

func TestAuthorizeRoleMatrix(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	contain := Action{Playbook: "pb-isolate-host", Target: "web-01", Tier: 2}
	eradicate := Action{Playbook: "pb-reset-credentials", Target: "jdoe", Tier: 3}

	err := e.Authorize(RoleTriage, contain)
	cv, ok := IsConstraintViolation(err)
	require.True(t, ok)
	assert.Equal(t, BlockRolePermission, cv.Type)

	assert.NoError(t, e.Authorize(RoleResponder, contain))

	err = e.Authorize(RoleResponder, eradicate)
	cv, ok = IsConstraintViolation(err)
	require.True(t, ok)
	assert.Equal(t, BlockRolePermission, cv.Type)

	assert.NoError(t, e.Authorize(RoleAnalyst, eradicate))
}

func TestAuthorizeRefusesSelfModification(t *testing.T) {
	// Even with the playbooks allowlisted, the mutation checks fire first.
	c := DefaultConstraints()
	c.AllowlistedPlaybooks = append(c.AllowlistedPlaybooks,
		"pb-modify-routing-policy", "pb-disable-guardrails")
	e := NewExecutor(c, bus.NewMemoryBus(), audit.NewMemoryEmitter(), nil)

	err := e.Authorize(RoleAnalyst, Action{Playbook: "pb-modify-routing-policy", Tier: 1})
	cv, ok := IsConstraintViolation(err)
	require.True(t, ok)
	assert.Equal(t, BlockRoutingPolicyMutation, cv.Type)

	err = e.Authorize(RoleAnalyst, Action{Playbook: "pb-disable-guardrails", Tier: 1})
	cv, ok = IsConstraintViolation(err)
	require.True(t, ok)
	assert.Equal(t, BlockGuardrailMutation, cv.Type)
}

func TestAuthorizeAutoClose(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	inv := arenaInvestigation("inv-ac")

	inv.Confidence = 0.80
	inv.FPMatched = true
	err := e.AuthorizeAutoClose(inv)
	cv, ok := IsConstraintViolation(err)
	require.True(t, ok)
	assert.Equal(t, BlockAutoCloseRequirements, cv.Type)

	inv.Confidence = 0.92
	inv.FPMatched = false
	err = e.AuthorizeAutoClose(inv)
	cv, ok = IsConstraintViolation(err)
	require.True(t, ok)
	assert.Equal(t, BlockAutoCloseRequirements, cv.Type)

	inv.FPMatched = true
	assert.NoError(t, e.AuthorizeAutoClose(inv))
}

func TestExecuteDispatchesAuthorizedActions(t *testing.T) {
	e, mb, em := newTestExecutor(t)
	inv := arenaInvestigation("inv-exec")

	executed, blocked := e.Execute(context.Background(), inv, RoleResponder, []Action{
		{Playbook: "pb-block-sender", Target: "mail-gw", Tier: 1},
		{Playbook: "pb-isolate-host", Target: "web-01", Tier: 2},
	})
	assert.Equal(t, 2, executed)
	assert.Zero(t, blocked)

	msgs := mb.Messages(bus.TopicActionsPending)
	require.Len(t, msgs, 2)
	var p pendingAction
	require.NoError(t, json.Unmarshal(msgs[1].Value, &p))
	assert.Equal(t, "pb-isolate-host", p.Playbook)
	assert.Equal(t, "web-01", p.Target)
	assert.Equal(t, 2, p.Tier)
	assert.Equal(t, "acme", p.TenantID)
	assert.Equal(t, "acme", msgs[1].Key)
	assert.Equal(t, "pb-isolate-host", msgs[1].Attributes["playbook"])

	events := em.ByType(audit.EventActionExecuted)
	require.Len(t, events, 2)
	assert.Equal(t, "agent", events[0].Actor.Type)
	assert.Equal(t, RoleResponder, events[0].Actor.ID)
	assert.Equal(t, []string{"observe", "notify", "contain"}, events[0].Actor.Permissions)
}

func TestExecuteBlocksAndRecords(t *testing.T) {
	e, mb, em := newTestExecutor(t)
	inv := arenaInvestigation("inv-blocked")

	executed, blocked := e.Execute(context.Background(), inv, RoleTriage, []Action{
		{Playbook: "pb-isolate-host", Target: "web-01", Tier: 2},
	})
	assert.Zero(t, executed)
	assert.Equal(t, 1, blocked)
	assert.Empty(t, mb.Messages(bus.TopicActionsPending))

	events := em.ByType(audit.EventActionBlocked)
	require.Len(t, events, 1)
	assert.Equal(t, BlockRolePermission, events[0].Decision["constraint_blocked_type"])

	chain := inv.Chain()
	require.Len(t, chain, 1)
	assert.Equal(t, RoleTriage, chain[0].Agent)
	assert.Equal(t, BlockRolePermission, chain[0].Details["constraint_blocked_type"])
}

func TestExecuteMixedOutcome(t *testing.T) {
	e, mb, _ := newTestExecutor(t)
	inv := arenaInvestigation("inv-mixed")

	executed, blocked := e.Execute(context.Background(), inv, RoleResponder, []Action{
		{Playbook: "pb-notify-analyst", Target: "queue", Tier: 0},
		{Playbook: "pb-not-listed", Target: "x", Tier: 0},
	})
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, blocked)
	assert.Len(t, mb.Messages(bus.TopicActionsPending), 1)
}

func TestDefaultConstraintsPosture(t *testing.T) {
	c := DefaultConstraints()
	assert.False(t, c.CanModifyRoutingPolicy)
	assert.False(t, c.CanDisableGuardrails)
	assert.True(t, c.RequireFPMatchForAutoClose)
	assert.InDelta(t, 0.85, c.MinConfidenceForAutoClose, 1e-9)
	assert.Contains(t, c.AllowlistedPlaybooks, "pb-isolate-host")
}
