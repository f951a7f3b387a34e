package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aluskort/aluskort/pkg/alert"
	"github.com/aluskort/aluskort/pkg/bus"
)

// defaultConsumerGroup shares one subscription across orchestrator replicas.
const defaultConsumerGroup = "orchestrator"

// Worker consumes the four priority alert queues and drives the pipeline.
// Malformed alerts go straight to the paired DLQ; only infrastructure-level
// failures nack for redelivery.
type Worker struct {
	consumer  bus.Consumer
	publisher bus.Publisher
	orch      *Orchestrator
	group     string
	logger    *slog.Logger
}

// NewWorker wires a worker. group defaults to the shared orchestrator
// subscription so scaled replicas split the queues.
func NewWorker(consumer bus.Consumer, publisher bus.Publisher, orch *Orchestrator, group string, logger *slog.Logger) *Worker {
	if group == "" {
		group = defaultConsumerGroup
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		consumer:  consumer,
		publisher: publisher,
		orch:      orch,
		group:     group,
		logger:    logger,
	}
}

// Start subscribes to every priority queue, highest first. Subscriptions
// live until ctx is cancelled or the consumer is closed.
func (w *Worker) Start(ctx context.Context) error {
	for _, topic := range bus.PriorityTopics() {
		if err := w.consumer.Subscribe(ctx, topic, w.group, w.handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		w.logger.Info("alert queue subscribed", "topic", topic, "group", w.group)
	}
	return nil
}

// handle processes one queued alert. The return value is the ack decision:
// nil acks, an error nacks for redelivery. A validation failure is not
// redeliverable, so it is dead-lettered and acked.
func (w *Worker) handle(ctx context.Context, msg *bus.Message) error {
	a, err := alert.Parse(msg.Value)
	if err != nil {
		w.logger.Warn("alert rejected at parse",
			"topic", msg.Topic,
			"message_id", msg.ID,
			"error", err)
		if dlqErr := bus.PublishDead(ctx, w.publisher, msg, err); dlqErr != nil {
			return fmt.Errorf("dead-letter rejected alert: %w", dlqErr)
		}
		return nil
	}

	inv, err := w.orch.Run(ctx, a)
	if err != nil {
		// Run absorbs everything it can into the investigation itself; an
		// error here means state persistence failed and a retry is the
		// only correct move.
		return err
	}

	w.logger.Debug("alert processed",
		"topic", msg.Topic,
		"investigation_id", inv.InvestigationID,
		"state", string(inv.CurrentState()))
	return nil
}
