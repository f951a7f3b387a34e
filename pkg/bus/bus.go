// Package bus defines the message bus contracts used between the intake,
// orchestration and audit services, plus the Pub/Sub and in-memory
// implementations. All payloads on a tenant-keyed topic are ordered per
// tenant; consumers ack only after their write lands.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one bus record. Key selects the ordering scope (tenant_id on
// tenant-keyed topics); Attributes carry routing metadata without forcing
// consumers to parse the payload.
type Message struct {
	ID          string            `json:"id,omitempty"`
	Topic       string            `json:"topic"`
	Key         string            `json:"key,omitempty"`
	Value       []byte            `json:"value"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	PublishTime time.Time         `json:"publish_time,omitempty"`
	Attempt     int               `json:"attempt,omitempty"`
}

// Handler processes one delivered message. A nil return acks the message; an
// error nacks it for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Publisher publishes messages to named topics.
type Publisher interface {
	// Publish sends value to topic under key and blocks until the bus has
	// durably accepted it or ctx is done.
	Publish(ctx context.Context, topic, key string, value []byte, attrs map[string]string) error
	Close() error
}

// Consumer subscribes handlers to topics. group names the consumer group so
// horizontally scaled replicas share one subscription.
type Consumer interface {
	Subscribe(ctx context.Context, topic, group string, h Handler) error
	Close() error
}

// Bus combines both sides for components that produce and consume.
type Bus interface {
	Publisher
	Consumer
}

// DeadLetter is the envelope written to a DLQ topic when a consumer gives up
// on a message. The original payload is preserved verbatim so operators can
// replay after fixing the cause.
type DeadLetter struct {
	OriginalTopic string            `json:"original_topic"`
	Key           string            `json:"key,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Error         string            `json:"error"`
	Attempts      int               `json:"attempts"`
	FailedAt      time.Time         `json:"failed_at"`
}

// PublishDead wraps msg in a DeadLetter envelope and publishes it to the DLQ
// topic paired with the message's origin topic. A payload that is not valid
// JSON is carried as a JSON string so the envelope still encodes; malformed
// input is the main reason messages land here.
func PublishDead(ctx context.Context, pub Publisher, msg *Message, cause error) error {
	dlq, ok := DLQFor(msg.Topic)
	if !ok {
		dlq = msg.Topic + dlqSuffix
	}
	payload := json.RawMessage(msg.Value)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(msg.Value))
	}
	env := DeadLetter{
		OriginalTopic: msg.Topic,
		Key:           msg.Key,
		Payload:       payload,
		Attributes:    msg.Attributes,
		Error:         cause.Error(),
		Attempts:      msg.Attempt,
		FailedAt:      time.Now().UTC(),
	}
	enc, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return pub.Publish(ctx, dlq, msg.Key, enc, map[string]string{
		"original_topic": msg.Topic,
	})
}
