package vector

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// Migration status values mirrored in embedding_migration_state.
const (
	MigrationPending  = "pending"
	MigrationRunning  = "running"
	MigrationComplete = "complete"
)

// migrationBatchSize bounds how many points one pass re-embeds.
const migrationBatchSize = 128

// Embedder produces vectors for document texts. The production
// implementation calls the embedding provider; tests use a stub.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// MigrationStatus is one row of embedding_migration_state.
type MigrationStatus struct {
	Collection     string
	TenantID       string
	FromVersion    string
	ToVersion      string
	Status         string
	MigratedPoints int64
	TotalPoints    int64
	UpdatedAt      time.Time
}

// MigrationStateStore persists migration progress so restarts resume and
// completed migrations short-circuit.
type MigrationStateStore interface {
	GetMigrationState(ctx context.Context, collection, tenantID, toVersion string) (*MigrationStatus, error)
	UpsertMigrationState(ctx context.Context, st *MigrationStatus) error
}

// MigrateEmbeddings re-embeds every point of one tenant in one collection
// from fromVersion to the store's target version. It is idempotent on two
// levels: a completed state row short-circuits immediately, and even without
// the row the source scroll finds nothing on a second run because migrated
// points are rewritten under the target version and the originals deleted.
// Returns the number of points migrated in this run.
func (s *Store) MigrateEmbeddings(ctx context.Context, collection, tenantID, fromVersion string, embedder Embedder, state MigrationStateStore) (int64, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	if fromVersion == s.version {
		return 0, fmt.Errorf("vector: migration from %q to itself", fromVersion)
	}

	st, err := state.GetMigrationState(ctx, collection, tenantID, s.version)
	if err != nil {
		return 0, fmt.Errorf("vector: load migration state: %w", err)
	}
	if st != nil && st.Status == MigrationComplete {
		s.logger.Info("embedding migration already complete",
			"collection", collection, "tenant", tenantID, "to_version", s.version)
		return 0, nil
	}
	if st == nil {
		st = &MigrationStatus{
			Collection:  collection,
			TenantID:    tenantID,
			FromVersion: fromVersion,
			ToVersion:   s.version,
		}
	}
	st.Status = MigrationRunning

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch(fieldTenantID, tenantID),
			qdrant.NewMatch(fieldVersion, fromVersion),
		},
	}

	var migrated int64
	for {
		// Always scroll from the start: each batch deletes its source points,
		// so the filter shrinks until it is empty.
		batchLimit := uint32(migrationBatchSize)
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter:         filter,
			Limit:          &batchLimit,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return migrated, fmt.Errorf("vector: scroll %q for migration: %w", collection, err)
		}
		if len(points) == 0 {
			break
		}

		n, err := s.migrateBatch(ctx, collection, tenantID, points, embedder)
		if err != nil {
			st.MigratedPoints += migrated
			_ = state.UpsertMigrationState(ctx, st)
			return migrated, err
		}
		migrated += n

		st.MigratedPoints += n
		st.UpdatedAt = time.Now().UTC()
		if err := state.UpsertMigrationState(ctx, st); err != nil {
			return migrated, fmt.Errorf("vector: persist migration progress: %w", err)
		}
	}

	st.Status = MigrationComplete
	st.TotalPoints = st.MigratedPoints
	st.UpdatedAt = time.Now().UTC()
	if err := state.UpsertMigrationState(ctx, st); err != nil {
		return migrated, fmt.Errorf("vector: persist migration completion: %w", err)
	}
	s.logger.Info("embedding migration complete",
		"collection", collection, "tenant", tenantID,
		"from_version", fromVersion, "to_version", s.version, "migrated", st.MigratedPoints)
	return migrated, nil
}

// migrateBatch re-embeds one scroll page: embed texts with the new model,
// upsert under the target version, then delete the source points.
func (s *Store) migrateBatch(ctx context.Context, collection, tenantID string, points []*qdrant.RetrievedPoint, embedder Embedder) (int64, error) {
	docs := make([]Doc, 0, len(points))
	oldIDs := make([]*qdrant.PointId, 0, len(points))
	for _, pt := range points {
		hit := s.hitFromPayload(pt.Payload, 0)
		if hit.DocID == "" || hit.Text == "" {
			s.logger.Warn("point not migratable, leaving in place",
				"collection", collection, "point", pt.Id.GetUuid(),
				"has_doc_id", hit.DocID != "", "has_text", hit.Text != "")
			continue
		}
		docs = append(docs, Doc{DocID: hit.DocID, Text: hit.Text, Extra: hit.Extra})
		oldIDs = append(oldIDs, pt.Id)
	}
	if len(docs) == 0 {
		return 0, fmt.Errorf("vector: migration batch of %d points had no migratable documents", len(points))
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	vectors, err := embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("vector: re-embed batch: %w", err)
	}
	if len(vectors) != len(docs) {
		return 0, fmt.Errorf("vector: embedder returned %d vectors for %d texts", len(vectors), len(docs))
	}

	if err := s.Upsert(ctx, collection, tenantID, docs, vectors); err != nil {
		return 0, err
	}

	// Source points go only after the replacements are durable.
	if _, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: oldIDs},
			},
		},
	}); err != nil {
		return 0, fmt.Errorf("vector: delete %d migrated points: %w", len(oldIDs), err)
	}
	return int64(len(docs)), nil
}
