package gateway

import (
	"context"
	"fmt"

	"github.com/aluskort/aluskort/pkg/llm"
)

// Completer is the model-call surface the scheduler wraps.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ScheduledGateway gates every Complete call on call-scheduling capacity:
// the tenant's hourly quota and the priority class's concurrency slots.
// Quota exhaustion fails fast with QuotaExceededError; slot and RPM
// pressure block until capacity frees or the context ends.
type ScheduledGateway struct {
	inner   Completer
	control *llm.ConcurrencyController
	quota   *llm.TenantQuota
}

// NewScheduledGateway wraps inner. Either limiter may be nil; a nil limiter
// skips that check.
func NewScheduledGateway(inner Completer, control *llm.ConcurrencyController, quota *llm.TenantQuota) *ScheduledGateway {
	return &ScheduledGateway{inner: inner, control: control, quota: quota}
}

// Complete acquires quota and a slot for the request's priority class, then
// delegates. The slot is held for the full provider round trip.
func (s *ScheduledGateway) Complete(ctx context.Context, req Request) (*Response, error) {
	if s.quota != nil {
		if err := s.quota.Check(req.TenantID); err != nil {
			return nil, err
		}
	}
	if s.control != nil {
		priority := llm.PriorityFromSeverity(req.Severity)
		release, err := s.control.Acquire(ctx, priority)
		if err != nil {
			return nil, fmt.Errorf("acquire %s call slot: %w", priority, err)
		}
		defer release()
	}
	return s.inner.Complete(ctx, req)
}

var (
	_ Completer = (*Gateway)(nil)
	_ Completer = (*ScheduledGateway)(nil)
)
