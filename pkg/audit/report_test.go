package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendAt(t *testing.T, store *memChainStore, tenantID string, et EventType, ts time.Time, severity string) *Record {
	t.Helper()
	r := producerRecord(tenantID, et, "inv-1")
	r.Timestamp = ts
	r.Severity = severity
	require.NoError(t, store.Append(context.Background(), r))
	return r
}

func TestMonthlyReportAggregatesOneMonth(t *testing.T) {
	store := newMemChainStore()
	june := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	appendAt(t, store, "t1", EventStateTransition, june.Add(24*time.Hour), "high")
	appendAt(t, store, "t1", EventStateTransition, june.Add(48*time.Hour), "high")
	appendAt(t, store, "t1", EventActionExecuted, june.Add(72*time.Hour), "")
	appendAt(t, store, "t1", EventInjectionDetected, june.Add(96*time.Hour), "critical")
	// Next month, outside the report window.
	appendAt(t, store, "t1", EventActionExecuted, june.AddDate(0, 1, 0).Add(time.Hour), "")

	v, _, _ := newTestVerifier(store, VerifierOptions{})
	rep := NewReporter(store, v, nil)

	report, err := rep.MonthlyReport(context.Background(), "t1", june)
	require.NoError(t, err)

	assert.Equal(t, "t1", report.TenantID)
	assert.Equal(t, "2025-06", report.Month)
	assert.Equal(t, june, report.From)
	assert.Equal(t, june.AddDate(0, 1, 0), report.To)
	assert.False(t, report.GeneratedAt.IsZero())

	assert.Equal(t, int64(4), report.TotalEvents)
	assert.Equal(t, int64(2), report.ByCategory["decision"])
	assert.Equal(t, int64(1), report.ByCategory["action"])
	assert.Equal(t, int64(1), report.ByCategory["security"])
	assert.Equal(t, int64(2), report.BySeverity["high"])
	assert.Equal(t, int64(1), report.BySeverity["critical"])

	require.Len(t, report.EventCounts, 3)
	assert.True(t, report.ChainVerified, "chain problems: %v", report.ChainProblems)

	// The fresh chain check runs through the verifier, so it lands in the
	// verification log like any other on-demand check.
	require.Len(t, store.logged, 1)
	assert.Equal(t, CheckOnDemand, store.logged[0].Kind)
}

func TestMonthlyReportFlagsTamperedMonth(t *testing.T) {
	store := newMemChainStore()
	june := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	tampered := appendAt(t, store, "t1", EventStateTransition, june.Add(24*time.Hour), "high")
	appendAt(t, store, "t1", EventActionExecuted, june.Add(48*time.Hour), "")
	tampered.Decision = map[string]any{"state": "rewritten"}

	v, _, _ := newTestVerifier(store, VerifierOptions{})
	rep := NewReporter(store, v, nil)

	report, err := rep.MonthlyReport(context.Background(), "t1", june)
	require.NoError(t, err)
	assert.False(t, report.ChainVerified)
	assert.NotEmpty(t, report.ChainProblems)
}

func TestMonthlyReportEmptyMonth(t *testing.T) {
	store := newMemChainStore()
	seedChain(t, store, "t1", 3)

	v, _, _ := newTestVerifier(store, VerifierOptions{})
	rep := NewReporter(store, v, nil)

	january := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	report, err := rep.MonthlyReport(context.Background(), "t1", january)
	require.NoError(t, err)
	assert.Zero(t, report.TotalEvents)
	assert.Empty(t, report.EventCounts)
	assert.True(t, report.ChainVerified)
}
