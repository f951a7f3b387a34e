package memory

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluskort/aluskort/pkg/storage/vector"
)

func TestRecencyBoundaries(t *testing.T) {
	assert.InDelta(t, 1.0, Recency(0, false), 1e-9, "fresh incident scores exactly 1")
	assert.InDelta(t, 0.632, Recency(30, false), 0.005, "30 days")
	assert.InDelta(t, 0.177, Recency(365, false), 0.005, "one year")
}

func TestRecencyMonotonicallyDecays(t *testing.T) {
	prev := Recency(0, false)
	for _, age := range []float64{1, 7, 30, 90, 180, 365, 730, 1460} {
		cur := Recency(age, false)
		assert.Less(t, cur, prev, "recency at %v days decays", age)
		prev = cur
	}
}

func TestRecencyRareImportantFloor(t *testing.T) {
	// Old enough that the unfloored score drops below 0.1.
	const veryOld = 3650

	plain := Recency(veryOld, false)
	require.Less(t, plain, 0.1)

	rare := Recency(veryOld, true)
	assert.Equal(t, 0.1, rare, "rare incidents never fade below the floor")

	// The floor does not inflate scores already above it.
	assert.InDelta(t, Recency(30, false), Recency(30, true), 1e-9)
}

func TestRecencyNegativeAgeClamped(t *testing.T) {
	assert.InDelta(t, 1.0, Recency(-5, false), 1e-9)
}

// fakeSearcher is an in-memory Searcher.
type fakeSearcher struct {
	hits    []vector.Hit
	upserts []vector.Doc
}

func (f *fakeSearcher) Search(_ context.Context, _, _ string, _ []float32, _ int) ([]vector.Hit, error) {
	return f.hits, nil
}

func (f *fakeSearcher) Upsert(_ context.Context, _, _ string, docs []vector.Doc, _ [][]float32) error {
	f.upserts = append(f.upserts, docs...)
	return nil
}

func (f *fakeSearcher) Version() string { return "v2" }

type fakeStore struct {
	incidents map[string]Incident
	saved     []*Incident
}

func (f *fakeStore) SaveIncident(_ context.Context, inc *Incident) error {
	f.saved = append(f.saved, inc)
	return nil
}

func (f *fakeStore) GetIncidents(_ context.Context, _ string, ids []string) ([]Incident, error) {
	var out []Incident
	for _, id := range ids {
		if inc, ok := f.incidents[id]; ok {
			out = append(out, inc)
		}
	}
	return out, nil
}

type fixedEmbedder struct{ calls int }

func (e *fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func newTestRetriever(search *fakeSearcher, store *fakeStore, now time.Time) *Retriever {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRetriever(search, &fixedEmbedder{}, store, logger, func() time.Time { return now })
}

func TestSimilarIncidentsRanksBySimilarityTimesRecency(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	search := &fakeSearcher{hits: []vector.Hit{
		{DocID: "inc-recent", Score: 0.80},
		{DocID: "inc-stale", Score: 0.95},
	}}
	store := &fakeStore{incidents: map[string]Incident{
		"inc-recent": {IncidentID: "inc-recent", TenantID: "t", Outcome: "true_positive", OccurredAt: now.AddDate(0, 0, -2)},
		// A year old: strong similarity, heavy recency discount.
		"inc-stale": {IncidentID: "inc-stale", TenantID: "t", Outcome: "false_positive", OccurredAt: now.AddDate(-1, 0, 0)},
	}}

	got, err := newTestRetriever(search, store, now).SimilarIncidents(context.Background(), "t", "smb lateral movement", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "inc-recent", got[0].IncidentID, "recency outweighs the raw score gap")
	assert.Equal(t, "inc-stale", got[1].IncidentID)
	assert.InDelta(t, 0.177, got[1].Recency, 0.005)
	assert.Equal(t, "true_positive", got[0].Outcome)
}

func TestSimilarIncidentsSkipsRowsMissingFromStore(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	search := &fakeSearcher{hits: []vector.Hit{
		{DocID: "inc-1", Score: 0.9},
		{DocID: "inc-orphan", Score: 0.8},
	}}
	store := &fakeStore{incidents: map[string]Incident{
		"inc-1": {IncidentID: "inc-1", TenantID: "t", OccurredAt: now.AddDate(0, 0, -1)},
	}}

	got, err := newTestRetriever(search, store, now).SimilarIncidents(context.Background(), "t", "q", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "inc-1", got[0].IncidentID)
}

func TestSimilarIncidentsEmpty(t *testing.T) {
	got, err := newTestRetriever(&fakeSearcher{}, &fakeStore{}, time.Now()).
		SimilarIncidents(context.Background(), "t", "q", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRememberPersistsAndIndexes(t *testing.T) {
	search := &fakeSearcher{}
	store := &fakeStore{incidents: map[string]Incident{}}
	r := newTestRetriever(search, store, time.Now())

	inc := &Incident{
		IncidentID: "inc-9",
		TenantID:   "t",
		Title:      "Beaconing to known C2",
		Summary:    "Periodic DNS queries from workstation",
		Techniques: []string{"T1071.004"},
		Outcome:    "true_positive",
		Severity:   "high",
		OccurredAt: time.Now().AddDate(0, 0, -1),
	}
	require.NoError(t, r.Remember(context.Background(), inc))

	require.Len(t, store.saved, 1)
	assert.Equal(t, "v2", store.saved[0].EmbeddingVersion, "stamped with the index version")

	require.Len(t, search.upserts, 1)
	assert.Equal(t, "inc-9", search.upserts[0].DocID)
	assert.Contains(t, search.upserts[0].Text, "Beaconing to known C2")
	assert.Contains(t, search.upserts[0].Text, "T1071.004")
	assert.Equal(t, "true_positive", search.upserts[0].Extra["outcome"])
}
