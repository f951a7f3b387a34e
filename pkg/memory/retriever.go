package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aluskort/aluskort/pkg/investigation"
	"github.com/aluskort/aluskort/pkg/storage/vector"
)

// Store persists incident rows. The postgres package implements it.
type Store interface {
	SaveIncident(ctx context.Context, inc *Incident) error
	GetIncidents(ctx context.Context, tenantID string, incidentIDs []string) ([]Incident, error)
}

// Searcher is the slice of the vector store the retriever needs.
type Searcher interface {
	Search(ctx context.Context, collection, tenantID string, embedding []float32, limit int) ([]vector.Hit, error)
	Upsert(ctx context.Context, collection, tenantID string, docs []vector.Doc, vectors [][]float32) error
	Version() string
}

// Retriever answers "have we seen something like this before" for the
// enrichment phase.
type Retriever struct {
	search   Searcher
	embedder vector.Embedder
	store    Store
	logger   *slog.Logger
	now      func() time.Time
}

// NewRetriever wires the retriever. now is injectable for age math in tests;
// nil means wall clock.
func NewRetriever(search Searcher, embedder vector.Embedder, store Store, logger *slog.Logger, now func() time.Time) *Retriever {
	if now == nil {
		now = time.Now
	}
	return &Retriever{search: search, embedder: embedder, store: store, logger: logger, now: now}
}

// docText is the embedding input for an incident.
func docText(inc *Incident) string {
	parts := []string{inc.Title}
	if inc.Summary != "" {
		parts = append(parts, inc.Summary)
	}
	if len(inc.Techniques) > 0 {
		parts = append(parts, strings.Join(inc.Techniques, " "))
	}
	return strings.Join(parts, "\n")
}

// Remember persists a closed incident and indexes it for similarity search.
func (r *Retriever) Remember(ctx context.Context, inc *Incident) error {
	inc.EmbeddingVersion = r.search.Version()
	if err := r.store.SaveIncident(ctx, inc); err != nil {
		return fmt.Errorf("memory: save incident %s: %w", inc.IncidentID, err)
	}

	vectors, err := r.embedder.Embed(ctx, []string{docText(inc)})
	if err != nil {
		return fmt.Errorf("memory: embed incident %s: %w", inc.IncidentID, err)
	}
	doc := vector.Doc{
		DocID: inc.IncidentID,
		Text:  docText(inc),
		Extra: map[string]string{
			"outcome":  inc.Outcome,
			"severity": inc.Severity,
		},
	}
	if err := r.search.Upsert(ctx, vector.CollectionIncidents, inc.TenantID, []vector.Doc{doc}, vectors); err != nil {
		return fmt.Errorf("memory: index incident %s: %w", inc.IncidentID, err)
	}
	return nil
}

// SimilarIncidents retrieves prior incidents resembling the query text,
// ranked by similarity weighted with recency. Incidents indexed in the
// vector store but missing from the relational store are skipped.
func (r *Retriever) SimilarIncidents(ctx context.Context, tenantID, query string, limit int) ([]investigation.SimilarIncident, error) {
	if limit <= 0 {
		limit = 5
	}

	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	hits, err := r.search.Search(ctx, vector.CollectionIncidents, tenantID, embeddings[0], limit*2)
	if err != nil {
		return nil, fmt.Errorf("memory: search incidents: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	similarity := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.DocID
		similarity[h.DocID] = float64(h.Score)
	}

	incidents, err := r.store.GetIncidents(ctx, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("memory: load incident rows: %w", err)
	}
	if len(incidents) < len(ids) {
		r.logger.Warn("incident memory index ahead of store",
			"tenant", tenantID, "indexed", len(ids), "stored", len(incidents))
	}

	now := r.now()
	out := make([]investigation.SimilarIncident, 0, len(incidents))
	for _, inc := range incidents {
		rec := Recency(inc.AgeDays(now), inc.RareImportant)
		out = append(out, investigation.SimilarIncident{
			IncidentID:    inc.IncidentID,
			Similarity:    similarity[inc.IncidentID],
			Recency:       rec,
			Outcome:       inc.Outcome,
			RareImportant: inc.RareImportant,
		})
	}
	// Rank by the similarity-recency product: a near-identical incident from
	// last week beats a loose match from yesterday.
	sort.Slice(out, func(i, j int) bool {
		return out[i].Similarity*out[i].Recency > out[j].Similarity*out[j].Recency
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
