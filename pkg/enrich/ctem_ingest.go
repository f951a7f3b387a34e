package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluskort/aluskort/pkg/bus"
)

// ctemIngestGroup shares the ctem.normalized subscription across replicas.
const ctemIngestGroup = "ctem-ingest"

// ExposureFinding is one normalized posture finding as published on
// ctem.normalized. Vendor payloads are normalized upstream; this is the only
// shape the platform stores and correlates.
type ExposureFinding struct {
	ExposureID string          `json:"exposure_id"`
	TenantID   string          `json:"tenant_id"`
	Source     string          `json:"source"`
	Asset      string          `json:"asset"`
	Severity   string          `json:"severity"`
	Status     string          `json:"status,omitempty"`
	Normalized json.RawMessage `json:"normalized,omitempty"`
	FirstSeen  time.Time       `json:"first_seen,omitempty"`
	LastSeen   time.Time       `json:"last_seen,omitempty"`
}

// Validate enforces the finding contract. Violations are not retryable.
func (f *ExposureFinding) Validate() error {
	if f.ExposureID == "" {
		return fmt.Errorf("exposure finding missing exposure_id")
	}
	if f.TenantID == "" {
		return fmt.Errorf("exposure finding %s missing tenant_id", f.ExposureID)
	}
	if f.Asset == "" {
		return fmt.Errorf("exposure finding %s missing asset", f.ExposureID)
	}
	return nil
}

// ExposureSink persists findings. The postgres exposure store implements it
// with an upsert keyed on (tenant_id, exposure_id).
type ExposureSink interface {
	Save(ctx context.Context, f *ExposureFinding) error
}

// ExposureIngest consumes ctem.normalized and maintains the open-exposure
// snapshot the CTEM correlation enricher reads. Contract violations go to
// the DLQ; store failures nack for redelivery.
type ExposureIngest struct {
	consumer  bus.Consumer
	publisher bus.Publisher
	sink      ExposureSink
	logger    *slog.Logger
}

func NewExposureIngest(consumer bus.Consumer, publisher bus.Publisher, sink ExposureSink, logger *slog.Logger) *ExposureIngest {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExposureIngest{
		consumer:  consumer,
		publisher: publisher,
		sink:      sink,
		logger:    logger,
	}
}

// Start subscribes to the normalized findings topic.
func (i *ExposureIngest) Start(ctx context.Context) error {
	if err := i.consumer.Subscribe(ctx, bus.TopicCTEMNormalized, ctemIngestGroup, i.handle); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicCTEMNormalized, err)
	}
	i.logger.Info("ctem ingest started", "topic", bus.TopicCTEMNormalized, "group", ctemIngestGroup)
	return nil
}

func (i *ExposureIngest) handle(ctx context.Context, msg *bus.Message) error {
	var f ExposureFinding
	if err := json.Unmarshal(msg.Value, &f); err != nil {
		return i.reject(ctx, msg, fmt.Errorf("malformed exposure finding: %w", err))
	}
	if err := f.Validate(); err != nil {
		return i.reject(ctx, msg, err)
	}

	if err := i.sink.Save(ctx, &f); err != nil {
		return fmt.Errorf("save exposure %s: %w", f.ExposureID, err)
	}
	i.logger.Debug("exposure saved",
		"exposure_id", f.ExposureID,
		"tenant_id", f.TenantID,
		"asset", f.Asset,
		"source", f.Source)
	return nil
}

func (i *ExposureIngest) reject(ctx context.Context, msg *bus.Message, cause error) error {
	i.logger.Warn("exposure finding rejected",
		"message_id", msg.ID,
		"key", msg.Key,
		"error", cause)
	if err := bus.PublishDead(ctx, i.publisher, msg, cause); err != nil {
		return fmt.Errorf("dead-letter exposure finding: %w", err)
	}
	return nil
}
