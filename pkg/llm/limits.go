package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Priority classes for LLM call scheduling.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// PriorityFromSeverity maps alert severity onto a scheduling priority.
func PriorityFromSeverity(severity string) Priority {
	switch severity {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Default per-priority concurrency slots and requests-per-minute.
var (
	defaultSlots = map[Priority]int{
		PriorityCritical: 8,
		PriorityHigh:     6,
		PriorityNormal:   4,
		PriorityLow:      2,
	}
	defaultRPM = map[Priority]int{
		PriorityCritical: 200,
		PriorityHigh:     100,
		PriorityNormal:   50,
		PriorityLow:      20,
	}
)

// slidingWindow counts events in a rolling interval.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	events []time.Time
}

func newSlidingWindow(limit int, window time.Duration, now func() time.Time) *slidingWindow {
	if now == nil {
		now = time.Now
	}
	return &slidingWindow{limit: limit, window: window, now: now}
}

// tryAcquire records an event if the window has room.
func (w *slidingWindow) tryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, w.now())
	return true
}

// nextFree reports how long until the oldest event leaves the window.
func (w *slidingWindow) nextFree() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	if len(w.events) < w.limit {
		return 0
	}
	return w.events[0].Add(w.window).Sub(w.now())
}

func (w *slidingWindow) prune() {
	cutoff := w.now().Add(-w.window)
	kept := w.events[:0]
	for _, t := range w.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.events = kept
}

func (w *slidingWindow) used() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	return len(w.events)
}

// ConcurrencyController enforces per-priority slots and RPM. Slot exhaustion
// and RPM exhaustion both block until capacity frees or the context ends.
type ConcurrencyController struct {
	slots map[Priority]chan struct{}
	rpm   map[Priority]*slidingWindow
	now   func() time.Time
}

// LimitOption adjusts the controller's capacity tables.
type LimitOption func(slots map[Priority]int)

// WithSlots overrides the concurrency slot count for a priority. Zero or
// negative values keep the default.
func WithSlots(priority Priority, n int) LimitOption {
	return func(slots map[Priority]int) {
		if n > 0 {
			slots[priority] = n
		}
	}
}

// NewConcurrencyController builds the controller with the default slot and
// RPM tables. now is injectable for tests; nil means wall clock.
func NewConcurrencyController(now func() time.Time, opts ...LimitOption) *ConcurrencyController {
	if now == nil {
		now = time.Now
	}
	slotTable := make(map[Priority]int, len(defaultSlots))
	for p, n := range defaultSlots {
		slotTable[p] = n
	}
	for _, opt := range opts {
		opt(slotTable)
	}
	c := &ConcurrencyController{
		slots: make(map[Priority]chan struct{}, len(slotTable)),
		rpm:   make(map[Priority]*slidingWindow, len(defaultRPM)),
		now:   now,
	}
	for p, n := range slotTable {
		c.slots[p] = make(chan struct{}, n)
	}
	for p, n := range defaultRPM {
		c.rpm[p] = newSlidingWindow(n, time.Minute, now)
	}
	return c
}

// Acquire blocks until a slot and an RPM token are both held, or ctx ends.
// Callers must Release the returned func exactly once.
func (c *ConcurrencyController) Acquire(ctx context.Context, priority Priority) (release func(), err error) {
	slots, ok := c.slots[priority]
	if !ok {
		return nil, fmt.Errorf("llm: unknown priority %q", priority)
	}

	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Slot held; now wait for RPM capacity.
	window := c.rpm[priority]
	for !window.tryAcquire() {
		wait := window.nextFree()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			<-slots
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-slots })
	}, nil
}

// InFlight reports the currently held slots for a priority.
func (c *ConcurrencyController) InFlight(priority Priority) int {
	if ch, ok := c.slots[priority]; ok {
		return len(ch)
	}
	return 0
}

// Tenant plan quotas: calls per hour.
var planQuotas = map[string]int{
	"premium":  500,
	"standard": 100,
	"trial":    20,
}

// TenantQuota enforces per-tenant hourly call ceilings with sliding windows.
type TenantQuota struct {
	mu      sync.Mutex
	plans   map[string]string // tenant -> plan
	windows map[string]*slidingWindow
	now     func() time.Time
	metrics interface{ RecordQuotaRejection(tenant string) }
}

// NewTenantQuota builds the quota tracker. plans maps tenant IDs to plan
// names; unknown tenants get the standard plan.
func NewTenantQuota(plans map[string]string, now func() time.Time) *TenantQuota {
	if now == nil {
		now = time.Now
	}
	return &TenantQuota{
		plans:   plans,
		windows: map[string]*slidingWindow{},
		now:     now,
	}
}

// WithQuotaMetrics wires rejection counting.
func (q *TenantQuota) WithQuotaMetrics(m interface{ RecordQuotaRejection(tenant string) }) *TenantQuota {
	q.metrics = m
	return q
}

// limitFor resolves the hourly ceiling for a tenant.
func (q *TenantQuota) limitFor(tenantID string) int {
	plan, ok := q.plans[tenantID]
	if !ok {
		plan = "standard"
	}
	limit, ok := planQuotas[plan]
	if !ok {
		limit = planQuotas["standard"]
	}
	return limit
}

// Check consumes one call from the tenant's hourly window or returns
// QuotaExceededError. Unlike RPM pressure, quota exhaustion never blocks:
// the tenant has spent its hour.
func (q *TenantQuota) Check(tenantID string) error {
	q.mu.Lock()
	window, ok := q.windows[tenantID]
	if !ok {
		window = newSlidingWindow(q.limitFor(tenantID), time.Hour, q.now)
		q.windows[tenantID] = window
	}
	q.mu.Unlock()

	if !window.tryAcquire() {
		if q.metrics != nil {
			q.metrics.RecordQuotaRejection(tenantID)
		}
		return &QuotaExceededError{TenantID: tenantID, Limit: window.limit}
	}
	return nil
}

// Used reports calls consumed in the tenant's current window.
func (q *TenantQuota) Used(tenantID string) int {
	q.mu.Lock()
	window, ok := q.windows[tenantID]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	return window.used()
}
