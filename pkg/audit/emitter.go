package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluskort/aluskort/pkg/bus"
)

// Emitter is how producers hand events to the audit pipeline. Emit validates
// the vocabulary before anything leaves the process; chain fields are
// assigned later by the ingest service.
type Emitter interface {
	Emit(ctx context.Context, r *Record) error
}

// BusEmitter publishes producer records to the audit topic keyed by tenant,
// which is what keeps per-tenant ordering end to end.
type BusEmitter struct {
	pub           bus.Publisher
	sourceService string
	logger        *slog.Logger
}

// NewBusEmitter creates an emitter stamping sourceService on every record.
func NewBusEmitter(pub bus.Publisher, sourceService string, logger *slog.Logger) *BusEmitter {
	if pub == nil {
		panic("audit: bus publisher is required")
	}
	return &BusEmitter{pub: pub, sourceService: sourceService, logger: logger}
}

// Emit validates and publishes the record. The chain fields stay zero; the
// ingest service assigns them on arrival.
func (e *BusEmitter) Emit(ctx context.Context, r *Record) error {
	if err := ValidateEventType(r.EventType); err != nil {
		return err
	}
	if r.TenantID == "" {
		return fmt.Errorf("audit record %q missing tenant_id", r.EventType)
	}
	if r.AuditID == "" {
		r.AuditID = NewAuditID()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.SourceService == "" {
		r.SourceService = e.sourceService
	}
	r.EventCategory = r.EventType.Category()

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode audit record %s: %w", r.AuditID, err)
	}
	if err := e.pub.Publish(ctx, bus.TopicAuditEvents, r.TenantID, payload, map[string]string{
		"event_type": string(r.EventType),
	}); err != nil {
		return fmt.Errorf("publish audit record %s: %w", r.AuditID, err)
	}
	return nil
}

// MemoryEmitter collects records for tests.
type MemoryEmitter struct {
	mu      sync.Mutex
	records []*Record
}

func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

func (e *MemoryEmitter) Emit(_ context.Context, r *Record) error {
	if err := ValidateEventType(r.EventType); err != nil {
		return err
	}
	if r.AuditID == "" {
		r.AuditID = NewAuditID()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	r.EventCategory = r.EventType.Category()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, r)
	return nil
}

// Records returns a copy of everything emitted.
func (e *MemoryEmitter) Records() []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Record, len(e.records))
	copy(out, e.records)
	return out
}

// ByType filters emitted records by event type.
func (e *MemoryEmitter) ByType(t EventType) []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Record
	for _, r := range e.records {
		if r.EventType == t {
			out = append(out, r)
		}
	}
	return out
}

var (
	_ Emitter = (*BusEmitter)(nil)
	_ Emitter = (*MemoryEmitter)(nil)
)
