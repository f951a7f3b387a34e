package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluskort/aluskort/pkg/alert"
	"github.com/aluskort/aluskort/pkg/investigation"
)

func arenaInvestigation(id string) *investigation.Investigation {
	return investigation.New(id, &alert.Alert{
		AlertID:  "a-" + id,
		TenantID: "acme",
		Source:   "edr",
		Title:    "test",
		Severity: alert.SeverityLow,
	})
}

func TestArenaPutGetRelease(t *testing.T) {
	a := NewArena()

	inv := arenaInvestigation("inv-1")
	handle := a.Put(inv)
	assert.NotZero(t, handle)
	assert.Equal(t, 1, a.Len())

	got, ok := a.Get("inv-1")
	require.True(t, ok)
	assert.Same(t, inv, got)

	a.Release("inv-1")
	_, ok = a.Get("inv-1")
	assert.False(t, ok)
	assert.Zero(t, a.Len())
}

func TestArenaPutIsIdempotent(t *testing.T) {
	a := NewArena()
	inv := arenaInvestigation("inv-1")

	h1 := a.Put(inv)
	h2 := a.Put(inv)
	assert.Equal(t, h1, h2, "re-registering the same investigation keeps its handle")
	assert.Equal(t, 1, a.Len())
}

func TestArenaHandlesAreUnique(t *testing.T) {
	a := NewArena()
	h1 := a.Put(arenaInvestigation("inv-1"))
	h2 := a.Put(arenaInvestigation("inv-2"))
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, 2, a.Len())
}

func TestArenaReleaseUnknownIsNoop(t *testing.T) {
	a := NewArena()
	a.Put(arenaInvestigation("inv-1"))

	a.Release("inv-unknown")
	assert.Equal(t, 1, a.Len())
}
