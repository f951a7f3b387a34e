package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluskort/aluskort/pkg/bus"
)

type memExposureSink struct {
	mu    sync.Mutex
	saved []*ExposureFinding
	err   error
}

func (s *memExposureSink) Save(_ context.Context, f *ExposureFinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, f)
	return nil
}

func findingPayload(t *testing.T, f *ExposureFinding) []byte {
	t.Helper()
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	return raw
}

func TestExposureIngestSavesFindings(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	sink := &memExposureSink{}
	ing := NewExposureIngest(b, b, sink, nil)
	require.NoError(t, ing.Start(context.Background()))

	ctx := context.Background()
	f := &ExposureFinding{
		ExposureID: "exp-501",
		TenantID:   "t1",
		Source:     "wiz",
		Asset:      "web-01",
		Severity:   "high",
		Normalized: json.RawMessage(`{"summary":"exposed admin port"}`),
	}
	require.NoError(t, b.Publish(ctx, bus.TopicCTEMNormalized, f.TenantID, findingPayload(t, f), nil))
	require.NoError(t, b.Drain(ctx))

	require.Len(t, sink.saved, 1)
	assert.Equal(t, "exp-501", sink.saved[0].ExposureID)
	assert.Equal(t, "web-01", sink.saved[0].Asset)
	assert.Empty(t, b.Messages(bus.TopicCTEMNormalizedDLQ))
}

func TestExposureIngestDeadLettersViolations(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	sink := &memExposureSink{}
	ing := NewExposureIngest(b, b, sink, nil)
	require.NoError(t, ing.Start(context.Background()))

	ctx := context.Background()
	noAsset := &ExposureFinding{ExposureID: "exp-502", TenantID: "t1", Source: "snyk"}
	require.NoError(t, b.Publish(ctx, bus.TopicCTEMNormalized, "t1", []byte("{broken"), nil))
	require.NoError(t, b.Publish(ctx, bus.TopicCTEMNormalized, "t1", findingPayload(t, noAsset), nil))
	require.NoError(t, b.Drain(ctx))

	assert.Empty(t, sink.saved)
	dead := b.Messages(bus.TopicCTEMNormalizedDLQ)
	require.Len(t, dead, 2)

	var env bus.DeadLetter
	require.NoError(t, json.Unmarshal(dead[1].Value, &env))
	assert.Contains(t, env.Error, "missing asset")
}

func TestExposureIngestNacksStoreFailures(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	sink := &memExposureSink{err: errors.New("pool exhausted")}
	ing := NewExposureIngest(b, b, sink, nil)
	require.NoError(t, ing.Start(context.Background()))

	ctx := context.Background()
	f := &ExposureFinding{ExposureID: "exp-503", TenantID: "t1", Source: "wiz", Asset: "db-02"}
	require.NoError(t, b.Publish(ctx, bus.TopicCTEMNormalized, "t1", findingPayload(t, f), nil))
	require.NoError(t, b.Drain(ctx))

	// A store failure is retryable: nothing is dead-lettered.
	assert.Empty(t, b.Messages(bus.TopicCTEMNormalizedDLQ))
	assert.Empty(t, sink.saved)
}
