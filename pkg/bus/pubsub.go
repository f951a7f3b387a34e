package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
)

const (
	// maxOutstanding bounds how many messages one consumer holds unacked.
	maxOutstanding = 100

	subscribeAckDeadline = 30 * time.Second
	auditRetention       = 90 * 24 * time.Hour
)

// PubSubBus is the durable Bus backed by Google Cloud Pub/Sub. Topics are
// created on first use with message ordering enabled; the tenant id rides as
// the ordering key so a tenant's records are delivered in publish order.
type PubSubBus struct {
	client *pubsub.Client
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic

	cancelMu  sync.Mutex
	receivers []context.CancelFunc
}

// NewPubSubBus connects to the project and returns a ready bus.
func NewPubSubBus(ctx context.Context, projectID string, logger *slog.Logger) (*PubSubBus, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	return &PubSubBus{
		client: client,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

func (b *PubSubBus) topicRef(ctx context.Context, name string) (*pubsub.Topic, error) {
	if !IsValidTopic(name) {
		return nil, fmt.Errorf("topic %q is not in the topic catalogue", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t, nil
	}

	t := b.client.Topic(name)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic %s exists check: %w", name, err)
	}
	if !exists {
		t, err = b.client.CreateTopic(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("create topic %s: %w", name, err)
		}
		b.logger.Info("created bus topic", "topic", name)
	}
	t.EnableMessageOrdering = true
	b.topics[name] = t
	return t, nil
}

// Publish sends value under key and blocks until the server acks, so callers
// can treat a nil return as durable acceptance.
func (b *PubSubBus) Publish(ctx context.Context, topic, key string, value []byte, attrs map[string]string) error {
	t, err := b.topicRef(ctx, topic)
	if err != nil {
		return err
	}
	res := t.Publish(ctx, &pubsub.Message{
		Data:        value,
		Attributes:  attrs,
		OrderingKey: key,
	})
	if _, err := res.Get(ctx); err != nil {
		// A failed ordered publish pauses the key; resume so later
		// records for the same tenant are not silently dropped.
		t.ResumePublish(key)
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe attaches h to topic under the named consumer group. The
// subscription is created if missing, with ordered delivery and a bounded
// outstanding window; h returning nil acks, an error nacks for redelivery.
func (b *PubSubBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	if _, err := b.topicRef(ctx, topic); err != nil {
		return err
	}

	subID := fmt.Sprintf("%s.%s", group, topic)
	sub := b.client.Subscription(subID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("subscription %s exists check: %w", subID, err)
	}
	if !exists {
		cfg := pubsub.SubscriptionConfig{
			Topic:                 b.topics[topic],
			AckDeadline:           subscribeAckDeadline,
			EnableMessageOrdering: true,
		}
		if topic == TopicAuditEvents {
			cfg.RetentionDuration = auditRetention
		}
		sub, err = b.client.CreateSubscription(ctx, subID, cfg)
		if err != nil {
			return fmt.Errorf("create subscription %s: %w", subID, err)
		}
		b.logger.Info("created bus subscription", "subscription", subID)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding

	recvCtx, cancel := context.WithCancel(ctx)
	b.cancelMu.Lock()
	b.receivers = append(b.receivers, cancel)
	b.cancelMu.Unlock()

	go func() {
		err := sub.Receive(recvCtx, func(ctx context.Context, m *pubsub.Message) {
			msg := &Message{
				ID:          m.ID,
				Topic:       topic,
				Key:         m.OrderingKey,
				Value:       m.Data,
				Attributes:  m.Attributes,
				PublishTime: m.PublishTime,
				Attempt:     deliveryAttempt(m),
			}
			if err := h(ctx, msg); err != nil {
				b.logger.Error("message handling failed, nacking",
					"topic", topic, "message_id", m.ID, "error", err)
				m.Nack()
				return
			}
			m.Ack()
		})
		if err != nil && recvCtx.Err() == nil {
			b.logger.Error("receive loop terminated", "subscription", subID, "error", err)
		}
	}()
	return nil
}

func deliveryAttempt(m *pubsub.Message) int {
	if m.DeliveryAttempt != nil {
		return *m.DeliveryAttempt
	}
	return 1
}

// Close stops receive loops, flushes pending publishes and closes the client.
func (b *PubSubBus) Close() error {
	b.cancelMu.Lock()
	for _, cancel := range b.receivers {
		cancel()
	}
	b.receivers = nil
	b.cancelMu.Unlock()

	b.mu.Lock()
	for _, t := range b.topics {
		t.Stop()
	}
	b.mu.Unlock()

	if err := b.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

var _ Bus = (*PubSubBus)(nil)
