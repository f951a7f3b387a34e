package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifierMetrics struct {
	mu         sync.Mutex
	chainValid map[string]bool
	lag        map[string]float64
	observed   []string
}

func newFakeVerifierMetrics() *fakeVerifierMetrics {
	return &fakeVerifierMetrics{
		chainValid: make(map[string]bool),
		lag:        make(map[string]float64),
	}
}

func (m *fakeVerifierMetrics) SetChainValid(tenant, checkType string, valid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chainValid[tenant+"/"+checkType] = valid
}

func (m *fakeVerifierMetrics) SetIngestLag(tenant string, lag float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lag[tenant] = lag
}

func (m *fakeVerifierMetrics) ObserveVerification(checkType string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed = append(m.observed, checkType)
}

type fakeOffsets struct {
	emitted int64
	err     error
}

func (f *fakeOffsets) EmittedCount(context.Context, string) (int64, error) {
	return f.emitted, f.err
}

type fakeColdVerifier struct {
	results map[string]bool
	errs    map[string]error
}

func (f *fakeColdVerifier) VerifyURI(_ context.Context, uri string) (bool, error) {
	if err := f.errs[uri]; err != nil {
		return false, err
	}
	return f.results[uri], nil
}

// seedChain appends n producer records to the tenant's chain and returns the
// full chain including genesis.
func seedChain(t *testing.T, store *memChainStore, tenantID string, n int) []*Record {
	t.Helper()
	for i := 0; i < n; i++ {
		r := producerRecord(tenantID, EventStateTransition, fmt.Sprintf("inv-%d", i))
		r.Decision = map[string]any{"confidence": 0.9, "state": "enriching"}
		require.NoError(t, store.Append(context.Background(), r))
	}
	return store.chain(tenantID)
}

func newTestVerifier(store *memChainStore, opts VerifierOptions) (*Verifier, *fakeVerifierMetrics, *MemoryEmitter) {
	metrics := newFakeVerifierMetrics()
	emitter := NewMemoryEmitter()
	opts.Store = store
	opts.Metrics = metrics
	opts.Emitter = emitter
	return NewVerifier(opts), metrics, emitter
}

func TestVerifyFullChainPasses(t *testing.T) {
	store := newMemChainStore()
	seedChain(t, store, "t1", 10)
	v, metrics, emitter := newTestVerifier(store, VerifierOptions{})

	ok, problems, err := v.VerifyFullChain(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, problems)
	assert.True(t, metrics.chainValid["t1/full"])
	assert.Empty(t, emitter.Records())

	require.Len(t, store.logged, 1)
	assert.Equal(t, CheckFull, store.logged[0].Kind)
	assert.Equal(t, "pass", store.logged[0].Result)
}

func TestVerifyFullChainDetectsTamper(t *testing.T) {
	store := newMemChainStore()
	chain := seedChain(t, store, "t1", 10)
	require.Len(t, chain, 11)

	// Flip one decision field in place. The stored record_hash no longer
	// matches the content, which is exactly what post-hoc editing looks like.
	chain[7].Decision["confidence"] = 0.1

	v, metrics, emitter := newTestVerifier(store, VerifierOptions{})
	ok, problems, err := v.VerifyFullChain(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NotEmpty(t, problems)
	assert.Contains(t, strings.Join(problems, "\n"), "sequence 7")
	assert.False(t, metrics.chainValid["t1/full"])

	failures := emitter.ByType(EventVerificationFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, "t1", failures[0].TenantID)
	assert.Equal(t, "critical", failures[0].Severity)
	assert.Equal(t, CheckFull, failures[0].Decision["check"])

	require.Len(t, store.logged, 1)
	assert.Equal(t, "fail", store.logged[0].Result)
	assert.NotEmpty(t, store.logged[0].Details["problems"])
}

func TestVerifyFullChainFlagsMissingRecord(t *testing.T) {
	store := newMemChainStore()
	seedChain(t, store, "t1", 10)

	store.mu.Lock()
	chain := store.chains["t1"]
	store.chains["t1"] = append(chain[:5:5], chain[6:]...)
	store.mu.Unlock()

	v, _, _ := newTestVerifier(store, VerifierOptions{})
	ok, problems, err := v.VerifyFullChain(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, strings.Join(problems, "\n"), "sequence gap")
}

func TestVerifyWindowAnchorsMidChain(t *testing.T) {
	store := newMemChainStore()
	chain := seedChain(t, store, "t1", 11)
	require.Len(t, chain, 12)

	v, metrics, _ := newTestVerifier(store, VerifierOptions{WindowSize: 5})
	ok, problems, err := v.VerifyWindow(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, ok, "window invalid: %v", problems)
	assert.True(t, metrics.chainValid["t1/continuous"])

	// Tampering behind the window is invisible to the continuous check and
	// caught by the daily full walk; that split is the design.
	chain[3].Decision["confidence"] = 0.2

	ok, _, err = v.VerifyWindow(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, problems, err = v.VerifyFullChain(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, strings.Join(problems, "\n"), "sequence 3")
}

func TestVerifyWindowCoversShortChain(t *testing.T) {
	store := newMemChainStore()
	seedChain(t, store, "t1", 3)

	v, _, _ := newTestVerifier(store, VerifierOptions{WindowSize: 1000})
	ok, problems, err := v.VerifyWindow(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, ok, "short chain window invalid: %v", problems)
}

// seedTimedChain appends one producer record per timestamp and returns the
// full chain including genesis.
func seedTimedChain(t *testing.T, store *memChainStore, tenantID string, times ...time.Time) []*Record {
	t.Helper()
	for i, ts := range times {
		r := producerRecord(tenantID, EventStateTransition, fmt.Sprintf("inv-%d", i))
		r.Timestamp = ts
		r.Decision = map[string]any{"confidence": 0.9, "state": "enriching"}
		require.NoError(t, store.Append(context.Background(), r))
	}
	return store.chain(tenantID)
}

func TestVerifyBetweenChecksBoundedSpan(t *testing.T) {
	store := newMemChainStore()
	base := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	chain := seedTimedChain(t, store, "t1",
		base,
		base.Add(1*time.Hour),
		base.Add(2*time.Hour),
		base.Add(3*time.Hour),
	)
	require.Len(t, chain, 5)

	v, metrics, _ := newTestVerifier(store, VerifierOptions{})
	from, to := base.Add(30*time.Minute), base.Add(150*time.Minute)
	ok, problems, err := v.VerifyBetween(context.Background(), "t1", from, to)
	require.NoError(t, err)
	assert.True(t, ok, "bounded span invalid: %v", problems)
	assert.True(t, metrics.chainValid["t1/on_demand"])

	require.Len(t, store.logged, 1)
	entry := store.logged[0]
	assert.Equal(t, CheckOnDemand, entry.Kind)
	assert.Equal(t, "pass", entry.Result)
	require.NotNil(t, entry.From)
	assert.Equal(t, from, *entry.From)
	require.NotNil(t, entry.To)
	assert.Equal(t, to, *entry.To)
	// The range covers the records at base+1h and base+2h, sequences 2 and 3.
	assert.Equal(t, int64(2), entry.Details["from_sequence"])
	assert.Equal(t, int64(3), entry.Details["to_sequence"])
}

func TestVerifyBetweenDetectsTamper(t *testing.T) {
	store := newMemChainStore()
	base := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	chain := seedTimedChain(t, store, "t1", base, base.Add(time.Hour), base.Add(2*time.Hour))

	chain[2].Decision["confidence"] = 0.1

	v, metrics, emitter := newTestVerifier(store, VerifierOptions{})
	ok, problems, err := v.VerifyBetween(context.Background(), "t1", base, base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, strings.Join(problems, "\n"), "sequence 2")
	assert.False(t, metrics.chainValid["t1/on_demand"])

	failures := emitter.ByType(EventVerificationFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, CheckOnDemand, failures[0].Decision["check"])

	require.Len(t, store.logged, 1)
	assert.Equal(t, "fail", store.logged[0].Result)
}

func TestVerifyBetweenEmptyRangeIsVacuouslyIntact(t *testing.T) {
	store := newMemChainStore()
	seedChain(t, store, "t1", 3)

	v, _, emitter := newTestVerifier(store, VerifierOptions{})
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	ok, problems, err := v.VerifyBetween(context.Background(), "t1", from, from.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, problems)
	assert.Empty(t, emitter.Records())

	// The query still leaves a trace in the verification log.
	require.Len(t, store.logged, 1)
	assert.Equal(t, CheckOnDemand, store.logged[0].Kind)
	assert.Equal(t, "pass", store.logged[0].Result)
	assert.Equal(t, 0, store.logged[0].Details["records"])
}

func TestCheckLagAlertsAfterSustainedBreach(t *testing.T) {
	store := newMemChainStore()
	seedChain(t, store, "t1", 2)

	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	offsets := &fakeOffsets{emitted: 2000}
	v, metrics, _ := newTestVerifier(store, VerifierOptions{
		Offsets: offsets,
		Now:     func() time.Time { return now },
	})

	// First breach observation starts the clock; nothing alerts yet.
	lag, err := v.CheckLag(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1998), lag)
	assert.Equal(t, float64(1998), metrics.lag["t1"])
	for _, e := range store.logged {
		assert.NotEqual(t, "alert", e.Result)
	}

	now = now.Add(6 * time.Minute)
	_, err = v.CheckLag(context.Background(), "t1")
	require.NoError(t, err)

	var alerts []verificationEntry
	for _, e := range store.logged {
		if e.Kind == CheckLag && e.Result == "alert" {
			alerts = append(alerts, e)
		}
	}
	require.Len(t, alerts, 1)
	assert.Equal(t, int64(1998), alerts[0].Details["lag"])
}

func TestCheckLagRecoveryClearsBreach(t *testing.T) {
	store := newMemChainStore()
	seedChain(t, store, "t1", 2)

	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	offsets := &fakeOffsets{emitted: 2000}
	v, _, _ := newTestVerifier(store, VerifierOptions{
		Offsets: offsets,
		Now:     func() time.Time { return now },
	})

	_, err := v.CheckLag(context.Background(), "t1")
	require.NoError(t, err)

	// The consumer catches up before the sustain window elapses.
	offsets.emitted = 2
	now = now.Add(6 * time.Minute)
	_, err = v.CheckLag(context.Background(), "t1")
	require.NoError(t, err)

	// The next breach starts a fresh clock.
	offsets.emitted = 2000
	now = now.Add(time.Minute)
	_, err = v.CheckLag(context.Background(), "t1")
	require.NoError(t, err)

	for _, e := range store.logged {
		assert.NotEqual(t, "alert", e.Result)
	}
}

func TestCheckLagSkipsWithoutOffsetSource(t *testing.T) {
	store := newMemChainStore()
	seedChain(t, store, "t1", 2)

	v, metrics, _ := newTestVerifier(store, VerifierOptions{})
	lag, err := v.CheckLag(context.Background(), "t1")
	require.NoError(t, err)
	assert.Zero(t, lag)
	assert.Empty(t, metrics.lag)
	assert.Empty(t, store.logged)
}

func TestSpotCheckColdFlagsCorruptArtifacts(t *testing.T) {
	store := newMemChainStore()
	uris := []string{
		"s3://aluskort-evidence/cold/t1/2025/06/10/a1/llm_response.json",
		"s3://aluskort-evidence/cold/t1/2025/06/10/a2/llm_response.json",
		"s3://aluskort-evidence/cold/t1/2025/06/10/a3/retrieval_context.json",
	}
	for i, uri := range uris {
		r := producerRecord("t1", EventClassificationAssigned, fmt.Sprintf("inv-%d", i))
		r.EvidenceRefs = []EvidenceRef{{Kind: "llm_response", URI: uri, ContentHash: "abc"}}
		require.NoError(t, store.Append(context.Background(), r))
	}

	cold := &fakeColdVerifier{
		results: map[string]bool{uris[0]: true, uris[1]: false},
		errs:    map[string]error{uris[2]: assert.AnError},
	}
	v, metrics, _ := newTestVerifier(store, VerifierOptions{Cold: cold, ColdSampleSize: 10})

	ok, problems, err := v.SpotCheckCold(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, ok)
	joined := strings.Join(problems, "\n")
	assert.Contains(t, joined, "does not match its sidecar")
	assert.Contains(t, joined, "unreadable")
	assert.False(t, metrics.chainValid["t1/cold"])
}

func TestSpotCheckColdPassesCleanSample(t *testing.T) {
	store := newMemChainStore()
	uri := "s3://aluskort-evidence/cold/t1/2025/06/10/a1/raw_alert.json"
	r := producerRecord("t1", EventInvestigationCreated, "inv-0")
	r.EvidenceRefs = []EvidenceRef{{Kind: "raw_alert", URI: uri, ContentHash: "abc"}}
	require.NoError(t, store.Append(context.Background(), r))

	cold := &fakeColdVerifier{results: map[string]bool{uri: true}}
	v, metrics, _ := newTestVerifier(store, VerifierOptions{Cold: cold})

	ok, problems, err := v.SpotCheckCold(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, ok, "clean sample flagged: %v", problems)
	assert.Empty(t, problems)
	assert.True(t, metrics.chainValid["t1/cold"])
}

func TestRunFullCoversEveryTenant(t *testing.T) {
	store := newMemChainStore()
	seedChain(t, store, "t1", 3)
	chainB := seedChain(t, store, "t2", 3)
	chainB[2].Decision["confidence"] = 0.0

	v, metrics, _ := newTestVerifier(store, VerifierOptions{})
	v.RunFull(context.Background())

	assert.True(t, metrics.chainValid["t1/full"])
	assert.False(t, metrics.chainValid["t2/full"])
}

func TestVerifierScheduleStops(t *testing.T) {
	store := newMemChainStore()
	seedChain(t, store, "t1", 1)
	v, _, _ := newTestVerifier(store, VerifierOptions{
		ContinuousEvery: 5 * time.Millisecond,
		LagEvery:        time.Hour,
		FullEvery:       time.Hour,
		ColdEvery:       time.Hour,
	})

	v.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	v.Stop()

	store.mu.Lock()
	n := len(store.logged)
	store.mu.Unlock()
	assert.Greater(t, n, 0)
}
