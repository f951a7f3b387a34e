// Package vector is the similarity-search layer backed by Qdrant. It owns
// the four platform collections (incidents, techniques, playbooks, TI
// reports), enforces the tenant filter on every query and carries the
// embedding provenance fields on every point so model upgrades can run as
// dual-read migrations instead of downtime.
package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Collection names. Every domain gets its own collection so payload shapes
// and retention can diverge without cross-contamination.
const (
	CollectionIncidents  = "incidents"
	CollectionTechniques = "techniques"
	CollectionPlaybooks  = "playbooks"
	CollectionTIReports  = "ti_reports"
)

// Reserved payload fields present on every point.
const (
	fieldTenantID   = "tenant_id"
	fieldModelID    = "embedding_model_id"
	fieldDimensions = "embedding_dimensions"
	fieldVersion    = "embedding_version"
	fieldDocID      = "doc_id"
	fieldText       = "text"
)

var (
	// ErrTenantRequired is returned when a query arrives without a tenant.
	// There is no cross-tenant similarity search, ever.
	ErrTenantRequired = errors.New("vector: tenant filter is required")

	// ErrDimensionMismatch is returned when an embedding does not match the
	// configured collection dimensionality.
	ErrDimensionMismatch = errors.New("vector: embedding dimension mismatch")
)

// pointIDNamespace seeds deterministic point IDs so the same (doc, version)
// pair always maps to the same point. Upserting a document twice overwrites
// instead of duplicating.
var pointIDNamespace = uuid.MustParse("8f7a1c3e-5b2d-4e6f-9a0b-1c2d3e4f5a6b")

// Config holds connection and embedding-provenance settings.
type Config struct {
	Endpoint string // "https://host:6333" or "host:6334"
	APIKey   string
	Dims     uint64
	ModelID  string // e.g. "text-embedding-3-large"
	Version  string // target embedding version, e.g. "v2"
}

// Doc is one document to index.
type Doc struct {
	DocID string
	Text  string
	Extra map[string]string
}

// Hit is one similarity result.
type Hit struct {
	DocID   string
	Score   float32
	Version string
	Text    string
	Extra   map[string]string
}

// grpcAPI is the slice of the Qdrant client the store uses. Tests substitute
// an in-memory fake.
type grpcAPI interface {
	CollectionExists(ctx context.Context, collection string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	CreateFieldIndex(ctx context.Context, req *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Delete(ctx context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Scroll(ctx context.Context, req *qdrant.ScrollPoints) ([]*qdrant.RetrievedPoint, error)
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	Close() error
}

// Store implements similarity search over the platform collections.
type Store struct {
	client  grpcAPI
	dims    uint64
	modelID string
	version string
	logger  *slog.Logger
}

// parseEndpoint extracts host, port and TLS from a Qdrant endpoint. The REST
// port 6333 is rewritten to the gRPC port 6334.
func parseEndpoint(raw string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(raw)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("vector: invalid qdrant endpoint: %q", raw)
	}
	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("vector: invalid port in endpoint: %q", portStr)
		}
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}
	return host, port, useTLS, nil
}

// New connects to Qdrant over gRPC.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	host, port, useTLS, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vector: connect to qdrant at %s:%d: %w", host, port, err)
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client; tests pass a fake.
func NewWithClient(client grpcAPI, cfg Config, logger *slog.Logger) *Store {
	return &Store{
		client:  client,
		dims:    cfg.Dims,
		modelID: cfg.ModelID,
		version: cfg.Version,
		logger:  logger,
	}
}

// Version reports the target embedding version the store writes and prefers
// on read.
func (s *Store) Version() string { return s.version }

// Collections returns all platform collection names.
func Collections() []string {
	return []string{CollectionIncidents, CollectionTechniques, CollectionPlaybooks, CollectionTIReports}
}

// EnsureCollections creates any missing collection and backfills payload
// indexes. CreateFieldIndex is idempotent on Qdrant so indexes are always
// re-asserted on startup.
func (s *Store) EnsureCollections(ctx context.Context) error {
	for _, collection := range Collections() {
		exists, err := s.client.CollectionExists(ctx, collection)
		if err != nil {
			return fmt.Errorf("vector: check collection %q: %w", collection, err)
		}
		if !exists {
			m := uint64(16)
			efConstruct := uint64(128)
			if err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: collection,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     s.dims,
					Distance: qdrant.Distance_Cosine,
					HnswConfig: &qdrant.HnswConfigDiff{
						M:           &m,
						EfConstruct: &efConstruct,
					},
				}),
			}); err != nil {
				return fmt.Errorf("vector: create collection %q: %w", collection, err)
			}
			s.logger.Info("vector collection created", "collection", collection, "dims", s.dims)
		}

		keywordType := qdrant.FieldType_FieldTypeKeyword
		for _, field := range []string{fieldTenantID, fieldVersion, fieldDocID} {
			if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: collection,
				FieldName:      field,
				FieldType:      &keywordType,
			}); err != nil {
				return fmt.Errorf("vector: ensure index on %s.%s: %w", collection, field, err)
			}
		}
	}
	return nil
}

// PointID derives the deterministic point UUID for a (doc, version) pair.
func PointID(docID, version string) string {
	return uuid.NewSHA1(pointIDNamespace, []byte(docID+"|"+version)).String()
}

// Upsert writes documents under the target embedding version. vectors[i]
// corresponds to docs[i].
func (s *Store) Upsert(ctx context.Context, collection, tenantID string, docs []Doc, vectors [][]float32) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if len(docs) != len(vectors) {
		return fmt.Errorf("vector: %d docs but %d vectors", len(docs), len(vectors))
	}
	if len(docs) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, doc := range docs {
		if uint64(len(vectors[i])) != s.dims {
			return fmt.Errorf("%w: doc %s has %d dims, collection has %d",
				ErrDimensionMismatch, doc.DocID, len(vectors[i]), s.dims)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(PointID(doc.DocID, s.version)),
			Vectors: qdrant.NewVectorsDense(vectors[i]),
			Payload: qdrant.NewValueMap(s.payload(tenantID, doc, s.version)),
		}
	}

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	}); err != nil {
		return fmt.Errorf("vector: upsert %d points into %q: %w", len(points), collection, err)
	}
	return nil
}

// payload assembles the mandatory provenance fields plus domain extras.
func (s *Store) payload(tenantID string, doc Doc, version string) map[string]any {
	p := map[string]any{
		fieldTenantID:   tenantID,
		fieldModelID:    s.modelID,
		fieldDimensions: int64(s.dims), //nolint:gosec
		fieldVersion:    version,
		fieldDocID:      doc.DocID,
		fieldText:       doc.Text,
	}
	for k, v := range doc.Extra {
		p[k] = v
	}
	return p
}

// Search runs filtered k-NN within one tenant. During an embedding migration
// both the old and the target version coexist; results are merged by doc_id
// with the target version winning, so callers never see duplicates.
func (s *Store) Search(ctx context.Context, collection, tenantID string, embedding []float32, limit int) ([]Hit, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if uint64(len(embedding)) != s.dims {
		return nil, fmt.Errorf("%w: query has %d dims, collection has %d",
			ErrDimensionMismatch, len(embedding), s.dims)
	}
	if limit <= 0 {
		limit = 10
	}

	// Over-fetch 2x so the dual-read merge can drop old-version duplicates
	// without starving the result set.
	fetchLimit := uint64(limit) * 2 //nolint:gosec
	scored, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(fieldTenantID, tenantID)},
		},
		Limit:       &fetchLimit,
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vector: query %q: %w", collection, err)
	}

	return s.mergeByDoc(scored, limit), nil
}

// mergeByDoc collapses points that share a doc_id, preferring the target
// embedding version, then re-sorts by score.
func (s *Store) mergeByDoc(scored []*qdrant.ScoredPoint, limit int) []Hit {
	byDoc := make(map[string]Hit, len(scored))
	for _, sp := range scored {
		hit := s.hitFromPayload(sp.Payload, sp.Score)
		if hit.DocID == "" {
			s.logger.Warn("vector point missing doc_id, skipping", "point", sp.Id.GetUuid())
			continue
		}
		prev, seen := byDoc[hit.DocID]
		if !seen {
			byDoc[hit.DocID] = hit
			continue
		}
		// Target version wins regardless of score; otherwise keep the best.
		if hit.Version == s.version && prev.Version != s.version {
			byDoc[hit.DocID] = hit
		} else if (prev.Version == s.version) == (hit.Version == s.version) && hit.Score > prev.Score {
			byDoc[hit.DocID] = hit
		}
	}

	hits := make([]Hit, 0, len(byDoc))
	for _, h := range byDoc {
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// hitFromPayload extracts the reserved fields and collects everything else
// into Extra.
func (s *Store) hitFromPayload(payload map[string]*qdrant.Value, score float32) Hit {
	hit := Hit{Score: score, Extra: map[string]string{}}
	for k, v := range payload {
		switch k {
		case fieldDocID:
			hit.DocID = v.GetStringValue()
		case fieldVersion:
			hit.Version = v.GetStringValue()
		case fieldText:
			hit.Text = v.GetStringValue()
		case fieldTenantID, fieldModelID, fieldDimensions:
			// Provenance, not result data.
		default:
			if sv := v.GetStringValue(); sv != "" {
				hit.Extra[k] = sv
			}
		}
	}
	return hit
}

// DeleteTenant removes every point a tenant owns in one collection. Used by
// offboarding.
func (s *Store) DeleteTenant(ctx context.Context, collection, tenantID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{qdrant.NewMatch(fieldTenantID, tenantID)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vector: delete tenant %s from %q: %w", tenantID, collection, err)
	}
	return nil
}

// Healthy returns nil if Qdrant answers its health check.
func (s *Store) Healthy(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("vector: qdrant unhealthy: %w", err)
	}
	return nil
}

// Close shuts down the gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}
