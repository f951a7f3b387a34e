package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aluskort/aluskort/pkg/storage/vector"
)

// EmbeddingStateStore persists embedding migration progress. Implements
// vector.MigrationStateStore.
type EmbeddingStateStore struct {
	client *Client
}

func NewEmbeddingStateStore(c *Client) *EmbeddingStateStore {
	return &EmbeddingStateStore{client: c}
}

// GetMigrationState returns the progress row for one (collection, tenant,
// target version), or nil if the migration has never started.
func (s *EmbeddingStateStore) GetMigrationState(ctx context.Context, collection, tenantID, toVersion string) (*vector.MigrationStatus, error) {
	var st vector.MigrationStatus
	err := s.client.pool.QueryRow(ctx, `
		SELECT collection, tenant_id, from_version, to_version, status,
		       migrated_points, total_points, updated_at
		FROM embedding_migration_state
		WHERE collection = $1 AND tenant_id = $2 AND to_version = $3`,
		collection, tenantID, toVersion,
	).Scan(&st.Collection, &st.TenantID, &st.FromVersion, &st.ToVersion,
		&st.Status, &st.MigratedPoints, &st.TotalPoints, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding migration state %s/%s: %w", collection, tenantID, err)
	}
	return &st, nil
}

// PendingMigrations lists rows not yet complete so a restarting process can
// resume interrupted re-embedding runs.
func (s *EmbeddingStateStore) PendingMigrations(ctx context.Context) ([]vector.MigrationStatus, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT collection, tenant_id, from_version, to_version, status,
		       migrated_points, total_points, updated_at
		FROM embedding_migration_state
		WHERE status <> $1
		ORDER BY updated_at`,
		vector.MigrationComplete,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending embedding migrations: %w", err)
	}
	defer rows.Close()

	var out []vector.MigrationStatus
	for rows.Next() {
		var st vector.MigrationStatus
		if err := rows.Scan(&st.Collection, &st.TenantID, &st.FromVersion, &st.ToVersion,
			&st.Status, &st.MigratedPoints, &st.TotalPoints, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding migration state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpsertMigrationState writes progress. Called once per migrated batch, so
// a crash resumes with an accurate migrated_points count.
func (s *EmbeddingStateStore) UpsertMigrationState(ctx context.Context, st *vector.MigrationStatus) error {
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO embedding_migration_state (
			collection, tenant_id, from_version, to_version, status,
			migrated_points, total_points, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (collection, tenant_id, to_version) DO UPDATE SET
			status = EXCLUDED.status,
			migrated_points = EXCLUDED.migrated_points,
			total_points = EXCLUDED.total_points,
			updated_at = now()`,
		st.Collection, st.TenantID, st.FromVersion, st.ToVersion,
		st.Status, st.MigratedPoints, st.TotalPoints,
	)
	if err != nil {
		return fmt.Errorf("upsert embedding migration state %s/%s: %w", st.Collection, st.TenantID, err)
	}
	return nil
}

var _ vector.MigrationStateStore = (*EmbeddingStateStore)(nil)
