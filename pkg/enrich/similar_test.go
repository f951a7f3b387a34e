package enrich

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluskort/aluskort/pkg/investigation"
	"github.com/aluskort/aluskort/pkg/storage/vector"
)

type fakeRetriever struct {
	incidents []investigation.SimilarIncident
	err       error
	gotQuery  string
	gotLimit  int
}

func (f *fakeRetriever) SimilarIncidents(ctx context.Context, tenantID, query string, limit int) ([]investigation.SimilarIncident, error) {
	f.gotQuery = query
	f.gotLimit = limit
	return f.incidents, f.err
}

func TestMemoryEnricherRetrieves(t *testing.T) {
	r := &fakeRetriever{incidents: []investigation.SimilarIncident{
		{IncidentID: "inc-90", Similarity: 0.91, Recency: 0.8, Outcome: "false_positive"},
		{IncidentID: "inc-41", Similarity: 0.72, Recency: 0.5, Outcome: "true_positive"},
	}}
	e := NewMemoryEnricher(r, 5, slog.Default())
	inv := newTestInvestigation(t)

	res, err := e.Enrich(context.Background(), inv)
	require.NoError(t, err)
	require.Len(t, res.SimilarIncidents, 2)
	assert.Equal(t, "inc-90", res.SimilarIncidents[0].IncidentID)
	assert.Equal(t, 0.91, res.Summary["top_similarity"])
	assert.Equal(t, 5, r.gotLimit)
	assert.Contains(t, r.gotQuery, "suspicious logon burst")
}

func TestMemoryEnricherQueryIncludesTechniques(t *testing.T) {
	r := &fakeRetriever{}
	e := NewMemoryEnricher(r, 0, slog.Default())
	inv := newTestInvestigation(t)
	inv.UpdateContext(func(c *investigation.Context) {
		c.TechniqueMatches = []investigation.TechniqueMatch{{TechniqueID: "T1110", Name: "Brute Force", Score: 0.9}}
	})

	_, err := e.Enrich(context.Background(), inv)
	require.NoError(t, err)
	assert.Contains(t, r.gotQuery, "Brute Force")
}

func TestMemoryEnricherEmptyResult(t *testing.T) {
	e := NewMemoryEnricher(&fakeRetriever{}, 5, slog.Default())
	inv := newTestInvestigation(t)

	res, err := e.Enrich(context.Background(), inv)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestMemoryEnricherFailure(t *testing.T) {
	e := NewMemoryEnricher(&fakeRetriever{err: errors.New("qdrant unavailable")}, 5, slog.Default())
	inv := newTestInvestigation(t)

	_, err := e.Enrich(context.Background(), inv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incident memory")
}

type fakeSearcher struct {
	hits          []vector.Hit
	err           error
	gotCollection string
	gotTenant     string
}

func (f *fakeSearcher) Search(ctx context.Context, collection, tenantID string, embedding []float32, limit int) ([]vector.Hit, error) {
	f.gotCollection = collection
	f.gotTenant = tenantID
	return f.hits, f.err
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func TestPlaybookEnricherSuggests(t *testing.T) {
	s := &fakeSearcher{hits: []vector.Hit{
		{DocID: "pb-reset-credentials", Score: 0.84},
		{DocID: "pb-block-sender", Score: 0.61},
		{DocID: "pb-unrelated", Score: 0.31},
	}}
	e := NewPlaybookEnricher(s, fakeEmbedder{}, 3, slog.Default())
	inv := newTestInvestigation(t)

	res, err := e.Enrich(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, []string{"pb-reset-credentials", "pb-block-sender"}, res.Playbooks,
		"low-score catalog noise is dropped")
	assert.Equal(t, vector.CollectionPlaybooks, s.gotCollection)
	assert.Equal(t, "acme", s.gotTenant)
}

func TestPlaybookEnricherNothingRelevant(t *testing.T) {
	s := &fakeSearcher{hits: []vector.Hit{{DocID: "pb-unrelated", Score: 0.2}}}
	e := NewPlaybookEnricher(s, fakeEmbedder{}, 3, slog.Default())
	inv := newTestInvestigation(t)

	res, err := e.Enrich(context.Background(), inv)
	require.NoError(t, err)
	assert.Nil(t, res)
}
