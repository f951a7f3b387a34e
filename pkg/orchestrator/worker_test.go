package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluskort/aluskort/pkg/alert"
	"github.com/aluskort/aluskort/pkg/bus"
	"github.com/aluskort/aluskort/pkg/investigation"
)

func withNewID(fn func() string) fixtureOption {
	return func(_ *orchFixture, o *Options) {
		o.NewID = fn
	}
}

func alertPayload(t *testing.T, a *alert.Alert) []byte {
	t.Helper()
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	return raw
}

func TestWorkerConsumesEveryPriorityQueue(t *testing.T) {
	var mu sync.Mutex
	seq := 0
	f := newOrchFixture(t, withNewID(func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("inv-q%d", seq)
	}))

	queues := bus.NewMemoryBus()
	defer queues.Close()
	w := NewWorker(queues, queues, f.orch, "", nil)
	require.NoError(t, w.Start(context.Background()))

	ctx := context.Background()
	for i, topic := range bus.PriorityTopics() {
		a := testAlert(alert.SeverityMedium)
		a.AlertID = fmt.Sprintf("a-%d", i+1)
		require.NoError(t, queues.Publish(ctx, topic, a.TenantID, alertPayload(t, a), nil))
	}
	require.NoError(t, queues.Drain(ctx))

	// Default fixture verdict is suspicious with no actions, so every
	// investigation parks for a human and stays live.
	assert.Equal(t, 4, f.arena.Len())
	for i := 1; i <= 4; i++ {
		inv, ok := f.arena.Get(fmt.Sprintf("inv-q%d", i))
		require.True(t, ok)
		assert.Equal(t, investigation.StateAwaitingHuman, inv.CurrentState())
	}
}

func TestWorkerDeadLettersMalformedAlert(t *testing.T) {
	f := newOrchFixture(t)
	queues := bus.NewMemoryBus()
	defer queues.Close()
	w := NewWorker(queues, queues, f.orch, "", nil)

	msg := &bus.Message{
		ID:    "m-1",
		Topic: bus.TopicAlertsPriorityCritical,
		Key:   "t1",
		Value: []byte(`{"alert_id":`),
	}
	require.NoError(t, w.handle(context.Background(), msg))
	require.NoError(t, queues.Drain(context.Background()))

	dead := queues.Messages(bus.TopicAlertsPriorityCriticalDLQ)
	require.Len(t, dead, 1)
	var env bus.DeadLetter
	require.NoError(t, json.Unmarshal(dead[0].Value, &env))
	assert.Equal(t, bus.TopicAlertsPriorityCritical, env.OriginalTopic)
	assert.Contains(t, env.Error, "malformed alert JSON")

	// Nothing downstream started.
	assert.Empty(t, f.store.saved())
	assert.Zero(t, f.arena.Len())
}

func TestWorkerDeadLettersInvalidAlert(t *testing.T) {
	f := newOrchFixture(t)
	queues := bus.NewMemoryBus()
	defer queues.Close()
	w := NewWorker(queues, queues, f.orch, "", nil)

	a := testAlert(alert.SeverityMedium)
	a.TenantID = ""
	msg := &bus.Message{
		Topic: bus.TopicAlertsPriorityNormal,
		Key:   "t1",
		Value: alertPayload(t, a),
	}
	require.NoError(t, w.handle(context.Background(), msg))
	require.NoError(t, queues.Drain(context.Background()))

	dead := queues.Messages(bus.TopicAlertsPriorityNormalDLQ)
	require.Len(t, dead, 1)
	var env bus.DeadLetter
	require.NoError(t, json.Unmarshal(dead[0].Value, &env))
	assert.Contains(t, env.Error, "tenant_id")
	assert.Empty(t, f.store.saved())
}

func TestWorkerNacksWhenPersistenceFails(t *testing.T) {
	f := newOrchFixture(t)
	f.store.err = errors.New("state store unavailable")
	queues := bus.NewMemoryBus()
	defer queues.Close()
	w := NewWorker(queues, queues, f.orch, "", nil)

	msg := &bus.Message{
		Topic: bus.TopicAlertsPriorityHigh,
		Key:   "t1",
		Value: alertPayload(t, testAlert(alert.SeverityHigh)),
	}
	err := w.handle(context.Background(), msg)
	require.Error(t, err)

	// A persistence failure is retryable, not a dead-letter case.
	assert.Empty(t, queues.Messages(bus.TopicAlertsPriorityHighDLQ))
}

func TestWorkerAcksProcessedAlert(t *testing.T) {
	f := newOrchFixture(t)
	queues := bus.NewMemoryBus()
	defer queues.Close()
	w := NewWorker(queues, queues, f.orch, "", nil)

	msg := &bus.Message{
		Topic: bus.TopicAlertsPriorityLow,
		Key:   "t1",
		Value: alertPayload(t, testAlert(alert.SeverityLow)),
	}
	require.NoError(t, w.handle(context.Background(), msg))

	inv, ok := f.arena.Get("inv-test-1")
	require.True(t, ok)
	assert.Equal(t, investigation.StateAwaitingHuman, inv.CurrentState())
	assert.Empty(t, queues.Messages(bus.TopicAlertsPriorityLowDLQ))
}
