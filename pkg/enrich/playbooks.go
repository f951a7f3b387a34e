package enrich

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aluskort/aluskort/pkg/investigation"
	"github.com/aluskort/aluskort/pkg/storage/vector"
)

// PlaybookSearcher is the slice of the vector store the playbook enricher
// needs.
type PlaybookSearcher interface {
	Search(ctx context.Context, collection, tenantID string, embedding []float32, limit int) ([]vector.Hit, error)
}

// minPlaybookScore drops catalog entries that merely share vocabulary with
// the alert.
const minPlaybookScore = 0.5

// PlaybookEnricher surfaces candidate response playbooks from the catalog by
// similarity to the alert. Candidates are suggestions only; the executor
// constraint check decides what may actually run.
type PlaybookEnricher struct {
	search   PlaybookSearcher
	embedder vector.Embedder
	limit    int
	logger   *slog.Logger
}

func NewPlaybookEnricher(search PlaybookSearcher, embedder vector.Embedder, limit int, logger *slog.Logger) *PlaybookEnricher {
	if limit <= 0 {
		limit = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PlaybookEnricher{search: search, embedder: embedder, limit: limit, logger: logger}
}

func (e *PlaybookEnricher) Name() string { return "playbook-catalog" }

func (e *PlaybookEnricher) Enrich(ctx context.Context, inv *investigation.Investigation) (*Result, error) {
	query := queryText(inv)
	if query == "" {
		return nil, nil
	}

	embeddings, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("playbook query embed: %w", err)
	}
	hits, err := e.search.Search(ctx, vector.CollectionPlaybooks, inv.TenantID, embeddings[0], e.limit)
	inv.AddQuery()
	if err != nil {
		return nil, fmt.Errorf("playbook search: %w", err)
	}

	var playbooks []string
	for _, h := range hits {
		if h.Score < minPlaybookScore {
			continue
		}
		playbooks = append(playbooks, h.DocID)
	}
	if len(playbooks) == 0 {
		return nil, nil
	}

	return &Result{
		Playbooks: playbooks,
		Summary:   map[string]any{"candidate_playbooks": len(playbooks)},
	}, nil
}
