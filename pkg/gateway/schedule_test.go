package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluskort/aluskort/pkg/llm"
)

type countingCompleter struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCompleter) Complete(_ context.Context, _ Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return &Response{Content: "ok"}, nil
}

func (c *countingCompleter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestScheduledGatewayDelegates(t *testing.T) {
	inner := &countingCompleter{}
	sg := NewScheduledGateway(inner, llm.NewConcurrencyController(nil), llm.NewTenantQuota(nil, nil))

	resp, err := sg.Complete(context.Background(), Request{TenantID: "t1", Severity: "high"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 1, inner.count())
}

func TestScheduledGatewayQuotaFailsFast(t *testing.T) {
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	quota := llm.NewTenantQuota(map[string]string{"t-trial": "trial"}, func() time.Time { return now })
	inner := &countingCompleter{}
	sg := NewScheduledGateway(inner, nil, quota)

	for i := 0; i < 20; i++ {
		_, err := sg.Complete(context.Background(), Request{TenantID: "t-trial", Severity: "low"})
		require.NoError(t, err)
	}

	_, err := sg.Complete(context.Background(), Request{TenantID: "t-trial", Severity: "low"})
	var qe *llm.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "t-trial", qe.TenantID)
	assert.Equal(t, 20, inner.count())
}

func TestScheduledGatewayRespectsContextWhileWaiting(t *testing.T) {
	control := llm.NewConcurrencyController(nil, llm.WithSlots(llm.PriorityCritical, 1))

	// Hold the only critical slot so the next acquire has to wait.
	release, err := control.Acquire(context.Background(), llm.PriorityCritical)
	require.NoError(t, err)
	defer release()

	inner := &countingCompleter{}
	sg := NewScheduledGateway(inner, control, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = sg.Complete(ctx, Request{TenantID: "t1", Severity: "critical"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, inner.count())
}
