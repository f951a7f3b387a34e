package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const memSubBuffer = 1024

// MemoryBus is an in-process Bus used by tests and single-binary local runs.
// Each subscription consumes from its own ordered channel, so delivery
// preserves publish order (and therefore per-key order) per subscriber.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string][]*memSub
	log    map[string][]*Message
	nextID int
	closed bool

	inflight sync.WaitGroup
}

type memSub struct {
	ch      chan *Message
	handler Handler
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string][]*memSub),
		log:  make(map[string][]*Message),
	}
}

// Publish appends the message to the topic log and enqueues it for every
// subscriber. It never blocks on handlers.
func (b *MemoryBus) Publish(_ context.Context, topic, key string, value []byte, attrs map[string]string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("memory bus closed")
	}
	b.nextID++
	msg := &Message{
		ID:          fmt.Sprintf("mem-%d", b.nextID),
		Topic:       topic,
		Key:         key,
		Value:       append([]byte(nil), value...),
		Attributes:  attrs,
		PublishTime: time.Now().UTC(),
	}
	b.log[topic] = append(b.log[topic], msg)
	subs := make([]*memSub, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.inflight.Add(len(subs))
	b.mu.Unlock()

	for _, s := range subs {
		s.ch <- msg
	}
	return nil
}

// Subscribe registers h for topic. The group parameter is accepted for
// interface parity; every in-memory subscription receives every message.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, _ string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("memory bus closed")
	}
	s := &memSub{ch: make(chan *Message, memSubBuffer), handler: h}
	b.subs[topic] = append(b.subs[topic], s)

	go func() {
		for msg := range s.ch {
			deliverCtx := ctx
			if deliverCtx.Err() != nil {
				deliverCtx = context.Background()
			}
			_ = s.handler(deliverCtx, msg)
			b.inflight.Done()
		}
	}()
	return nil
}

// Drain blocks until every enqueued delivery has been handled or ctx is
// done. Tests call it before asserting on downstream effects.
func (b *MemoryBus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages returns a copy of everything published to topic, in order.
func (b *MemoryBus) Messages(topic string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Message, len(b.log[topic]))
	copy(out, b.log[topic])
	return out
}

// Close stops accepting publishes and closes subscriber channels.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			close(s.ch)
		}
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
