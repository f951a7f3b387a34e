package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aluskort/aluskort/pkg/bus"
)

// ingestGroup names the single-writer subscription. The service is deployed
// as one replica; per-tenant ordering holds because the bus keys by tenant
// and this group owns the whole topic.
const ingestGroup = "audit-ingest"

// Store is the chain write path. Append must seal the record against the
// tenant's current head inside one transaction; the postgres implementation
// locks the head row to serialize appends.
type Store interface {
	Append(ctx context.Context, r *Record) error
}

type ingestMetrics interface {
	RecordIngested(tenant string)
}

// Service is the single writer of the audit chain. It consumes audit.events,
// seals every record into its tenant's chain through the store, and acks only
// after the write lands, so a crash between write and ack redelivers and the
// store's dedupe absorbs the duplicate.
type Service struct {
	consumer  bus.Consumer
	publisher bus.Publisher
	store     Store
	metrics   ingestMetrics
	logger    *slog.Logger
}

// NewService wires the ingest consumer. publisher is used only to dead-letter
// records that can never be written (undecodable payloads, unknown event
// types); metrics may be nil.
func NewService(consumer bus.Consumer, publisher bus.Publisher, store Store, m ingestMetrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		consumer:  consumer,
		publisher: publisher,
		store:     store,
		metrics:   m,
		logger:    logger,
	}
}

// Start subscribes to the audit topic. Delivery runs until ctx is cancelled
// or the consumer closes.
func (s *Service) Start(ctx context.Context) error {
	if err := s.consumer.Subscribe(ctx, bus.TopicAuditEvents, ingestGroup, s.handle); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicAuditEvents, err)
	}
	s.logger.Info("audit ingest started", "topic", bus.TopicAuditEvents, "group", ingestGroup)
	return nil
}

// handle ingests one bus message. Permanent rejects (garbage payloads, types
// outside the vocabulary, missing tenant) go to the DLQ and ack; store
// failures nack so the record is redelivered in order.
func (s *Service) handle(ctx context.Context, msg *bus.Message) error {
	var r Record
	if err := json.Unmarshal(msg.Value, &r); err != nil {
		return s.reject(ctx, msg, fmt.Errorf("malformed audit record: %w", err))
	}
	if err := ValidateEventType(r.EventType); err != nil {
		return s.reject(ctx, msg, err)
	}
	if r.TenantID == "" {
		return s.reject(ctx, msg, fmt.Errorf("audit record %s missing tenant_id", r.AuditID))
	}

	if err := s.store.Append(ctx, &r); err != nil {
		return fmt.Errorf("append record %s: %w", r.AuditID, err)
	}
	if s.metrics != nil {
		s.metrics.RecordIngested(r.TenantID)
	}
	s.logger.Debug("audit record sealed",
		"audit_id", r.AuditID,
		"tenant_id", r.TenantID,
		"event_type", string(r.EventType),
		"sequence", r.SequenceNumber)
	return nil
}

func (s *Service) reject(ctx context.Context, msg *bus.Message, cause error) error {
	s.logger.Warn("audit record rejected",
		"message_id", msg.ID,
		"key", msg.Key,
		"error", cause)
	if err := bus.PublishDead(ctx, s.publisher, msg, cause); err != nil {
		return fmt.Errorf("dead-letter audit record: %w", err)
	}
	return nil
}
