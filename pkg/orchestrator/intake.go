package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aluskort/aluskort/pkg/alert"
	"github.com/aluskort/aluskort/pkg/bus"
)

// intakeGroup shares the alerts.raw subscription across intake replicas.
const intakeGroup = "alert-intake"

// DriftObserver receives one distribution sample per accepted alert: its
// source, declared techniques and extracted entity types.
type DriftObserver interface {
	Observe(source string, techniques []string, entityTypes []string)
}

// AlertSink persists accepted alerts. Save reports false for a duplicate
// delivery of an already-seen (tenant, alert) pair.
type AlertSink interface {
	Save(ctx context.Context, a *alert.Alert) (bool, error)
}

// Intake consumes alerts.raw, enforces the canonical alert contract and
// queues accepted alerts onto their severity's priority topic, keyed by
// tenant. Contract violations are dead-lettered; the priority queues only
// ever carry alerts that already parse, exactly once per (tenant, alert).
type Intake struct {
	consumer  bus.Consumer
	publisher bus.Publisher
	alerts    AlertSink
	drift     DriftObserver
	logger    *slog.Logger
}

// NewIntake wires the intake consumer. alerts may be nil when this process
// does not persist canonical alerts; drift may be nil when no detector runs
// here.
func NewIntake(consumer bus.Consumer, publisher bus.Publisher, alerts AlertSink, drift DriftObserver, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		consumer:  consumer,
		publisher: publisher,
		alerts:    alerts,
		drift:     drift,
		logger:    logger,
	}
}

// Start subscribes to the raw alert topic. Delivery runs until ctx is
// cancelled or the consumer closes.
func (i *Intake) Start(ctx context.Context) error {
	if err := i.consumer.Subscribe(ctx, bus.TopicAlertsRaw, intakeGroup, i.handle); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicAlertsRaw, err)
	}
	i.logger.Info("alert intake started", "topic", bus.TopicAlertsRaw, "group", intakeGroup)
	return nil
}

// handle routes one raw alert. Parse failures dead-letter and ack; store and
// publish failures nack so the alert is redelivered rather than dropped
// between queues. Duplicate deliveries ack without re-queueing.
func (i *Intake) handle(ctx context.Context, msg *bus.Message) error {
	a, err := alert.Parse(msg.Value)
	if err != nil {
		i.logger.Warn("raw alert rejected",
			"message_id", msg.ID,
			"key", msg.Key,
			"error", err)
		if dlqErr := bus.PublishDead(ctx, i.publisher, msg, err); dlqErr != nil {
			return fmt.Errorf("dead-letter raw alert: %w", dlqErr)
		}
		return nil
	}

	if i.alerts != nil {
		first, err := i.alerts.Save(ctx, a)
		if err != nil {
			return fmt.Errorf("persist alert %s: %w", a.AlertID, err)
		}
		if !first {
			i.logger.Debug("duplicate alert delivery dropped",
				"alert_id", a.AlertID, "tenant_id", a.TenantID)
			return nil
		}
	}

	if i.drift != nil {
		i.drift.Observe(a.Source, a.Techniques, entityTypeNames(a))
	}

	topic := bus.PriorityTopic(string(a.Severity))
	err = i.publisher.Publish(ctx, topic, a.TenantID, msg.Value, map[string]string{
		"alert_id": a.AlertID,
		"severity": string(a.Severity),
	})
	if err != nil {
		return fmt.Errorf("queue alert %s: %w", a.AlertID, err)
	}

	i.logger.Debug("alert queued",
		"alert_id", a.AlertID,
		"tenant_id", a.TenantID,
		"topic", topic)
	return nil
}

// entityTypeNames extracts entities from the alert text and returns one type
// name per occurrence, so the drift detector sees the entity-type mix, not
// the values.
func entityTypeNames(a *alert.Alert) []string {
	text := strings.Join([]string{a.Title, a.Description, a.RawEntities}, "\n")
	var types []string
	for typ, values := range alert.ExtractEntities(text) {
		for range values {
			types = append(types, string(typ))
		}
	}
	return types
}
