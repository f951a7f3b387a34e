package drift

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingAdjuster struct {
	mu       sync.Mutex
	elevated bool
	calls    int
}

func (a *recordingAdjuster) SetDriftElevated(elevated bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.elevated = elevated
	a.calls++
}

func (a *recordingAdjuster) state() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.elevated
}

func TestJSDIdenticalDistributionsIsZero(t *testing.T) {
	p := Distribution{"siem": 10, "edr": 5}
	assert.InDelta(t, 0, JSD(p, p), 1e-12)
}

func TestJSDDisjointDistributionsIsOne(t *testing.T) {
	p := Distribution{"siem": 10}
	q := Distribution{"edr": 10}
	assert.InDelta(t, 1, JSD(p, q), 1e-12)
}

func TestJSDEmptySideIsZero(t *testing.T) {
	p := Distribution{"siem": 10}
	assert.Zero(t, JSD(p, Distribution{}), "cold start is not drift")
	assert.Zero(t, JSD(Distribution{}, p))
	assert.Zero(t, JSD(Distribution{}, Distribution{}))
}

func TestJSDSymmetric(t *testing.T) {
	p := Distribution{"siem": 8, "edr": 2}
	q := Distribution{"siem": 3, "edr": 7}
	assert.InDelta(t, JSD(p, q), JSD(q, p), 1e-12)
}

func TestJSDScaleInvariant(t *testing.T) {
	p := Distribution{"a": 1, "b": 3}
	q := Distribution{"a": 10, "b": 30}
	assert.InDelta(t, 0, JSD(p, q), 1e-12, "same shape at different volume is not drift")
}

func seedBaseline(d *Detector, n int) {
	for i := 0; i < n; i++ {
		d.Observe("siem", []string{"T1110"}, []string{"ip", "user"})
	}
	d.Rebaseline(context.Background())
}

func TestEvaluateStableTrafficStaysCalm(t *testing.T) {
	adj := &recordingAdjuster{}
	d := NewDetector(adj, discardLogger())
	seedBaseline(d, 100)

	for i := 0; i < 100; i++ {
		d.Observe("siem", []string{"T1110"}, []string{"ip", "user"})
	}
	scores := d.Evaluate(context.Background())

	assert.InDelta(t, 0, scores.Overall, 1e-9)
	assert.False(t, scores.Elevated)
	assert.False(t, adj.state())
}

func TestEvaluateShiftedTrafficElevates(t *testing.T) {
	adj := &recordingAdjuster{}
	d := NewDetector(adj, discardLogger())
	seedBaseline(d, 100)

	// Entirely different sources, techniques and entity shapes.
	for i := 0; i < 100; i++ {
		d.Observe("cloudtrail", []string{"T1098"}, []string{"email"})
	}
	scores := d.Evaluate(context.Background())

	assert.InDelta(t, 1.0, scores.Overall, 1e-9, "disjoint on all three dimensions")
	assert.True(t, scores.Elevated)
	assert.True(t, adj.state(), "adjuster flipped to elevated")
	assert.Equal(t, 2.0, d.SamplingMultiplier())
}

func TestEvaluateWeightsDimensions(t *testing.T) {
	adj := &recordingAdjuster{}
	d := NewDetector(adj, discardLogger())
	seedBaseline(d, 100)

	// Only the source mix diverges; techniques and entities match baseline.
	for i := 0; i < 100; i++ {
		d.Observe("cloudtrail", []string{"T1110"}, []string{"ip", "user"})
	}
	scores := d.Evaluate(context.Background())

	assert.InDelta(t, 1.0, scores.PerDimension[DimensionSourceMix], 1e-9)
	assert.InDelta(t, 0, scores.PerDimension[DimensionTechniqueFrequency], 1e-9)
	assert.InDelta(t, 0, scores.PerDimension[DimensionEntityPatterns], 1e-9)
	assert.InDelta(t, 0.40, scores.Overall, 1e-9, "source mix carries weight 0.4")
	assert.True(t, scores.Elevated, "0.40 clears the 0.3 threshold")
}

func TestEvaluateRecoversWhenTrafficNormalizes(t *testing.T) {
	adj := &recordingAdjuster{}
	d := NewDetector(adj, discardLogger())
	seedBaseline(d, 100)

	for i := 0; i < 100; i++ {
		d.Observe("cloudtrail", []string{"T1098"}, []string{"email"})
	}
	require.True(t, d.Evaluate(context.Background()).Elevated)

	// The anomalous window rolls into the baseline and traffic matches it.
	d.Rebaseline(context.Background())
	for i := 0; i < 100; i++ {
		d.Observe("cloudtrail", []string{"T1098"}, []string{"email"})
	}
	scores := d.Evaluate(context.Background())

	assert.False(t, scores.Elevated)
	assert.False(t, adj.state())
	assert.Equal(t, 1.0, d.SamplingMultiplier())
}

func TestCustomThreshold(t *testing.T) {
	adj := &recordingAdjuster{}
	d := NewDetector(adj, discardLogger(), WithThreshold(0.5))
	seedBaseline(d, 100)

	// Source-only shift scores 0.40 overall: below the raised threshold.
	for i := 0; i < 100; i++ {
		d.Observe("cloudtrail", []string{"T1110"}, []string{"ip", "user"})
	}
	scores := d.Evaluate(context.Background())
	assert.False(t, scores.Elevated)
}

type memSnapshotStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (s *memSnapshotStore) GetJSON(_ context.Context, key string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (s *memSnapshotStore) SetJSON(_ context.Context, key string, v any, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if s.data == nil {
		s.data = map[string][]byte{}
	}
	s.data[key] = raw
	return nil
}

func TestSnapshotsSurviveRestart(t *testing.T) {
	store := &memSnapshotStore{}
	adj := &recordingAdjuster{}
	ctx := context.Background()

	d1 := NewDetector(adj, discardLogger(), WithStore(store))
	seedBaseline(d1, 50)
	for i := 0; i < 50; i++ {
		d1.Observe("siem", []string{"T1110"}, []string{"ip"})
	}
	d1.Evaluate(ctx)

	d2 := NewDetector(adj, discardLogger(), WithStore(store))
	d2.Restore(ctx)
	scores := d2.Evaluate(ctx)
	assert.InDelta(t, 0, scores.Overall, 1e-9, "restored baseline matches restored window")
}
