package drift

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopEvaluatesOnCadence(t *testing.T) {
	adj := &recordingAdjuster{}
	d := NewDetector(adj, discardLogger())

	// Seed a divergent window against a seeded baseline so evaluation has
	// something to say.
	d.baseline.SourceMix = Distribution{"siem": 100}
	d.Observe("edr", nil, nil)
	d.Observe("edr", nil, nil)

	l := NewLoop(d, 5*time.Millisecond, time.Hour)
	l.Start(context.Background())
	defer l.Stop()

	require.Eventually(t, func() bool {
		adj.mu.Lock()
		defer adj.mu.Unlock()
		return adj.calls > 0
	}, time.Second, 2*time.Millisecond)
	assert.True(t, adj.state(), "disjoint source mix should elevate")
}

func TestLoopStopIsIdempotentAndWaits(t *testing.T) {
	adj := &recordingAdjuster{}
	d := NewDetector(adj, discardLogger())

	l := NewLoop(d, time.Hour, time.Hour)
	l.Start(context.Background())

	l.Stop()
	l.Stop()

	select {
	case <-l.done:
	default:
		t.Fatal("loop goroutine still running after Stop")
	}
}
