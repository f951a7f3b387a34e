package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/aluskort/aluskort/pkg/storage/object"
)

// Artifact kinds under the evidence layout. Prompt material carries tenant
// content, so packages inline it only on explicit request.
const (
	ArtifactPrompt    = "prompt"
	ArtifactResponse  = "response"
	ArtifactRawAlert  = "raw_alert"
	ArtifactRetrieval = "retrieval_context"
)

// ArtifactStore is the cold-tier slice the evidence layer writes through.
type ArtifactStore interface {
	PutJSON(ctx context.Context, key string, v any) (hash, uri string, err error)
}

// ArtifactFetcher reads evidence artifacts back from cold storage by their
// canonical URI. The object store implements it.
type ArtifactFetcher interface {
	GetURI(ctx context.Context, uri string) ([]byte, error)
}

type evidenceMetrics interface {
	RecordEvidenceWrite(outcome string)
}

// EvidenceWriter stores large artifacts (full prompts and responses,
// retrieval context, raw alerts, investigation snapshots) in cold storage
// and hands back refs for the audit record. Writes are fail-open: on any
// failure the caller keeps emitting the record, just without the ref.
type EvidenceWriter struct {
	store   ArtifactStore
	metrics evidenceMetrics
	logger  *slog.Logger
}

func NewEvidenceWriter(store ArtifactStore, m evidenceMetrics, logger *slog.Logger) *EvidenceWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EvidenceWriter{store: store, metrics: m, logger: logger}
}

// Write stores one artifact under the canonical evidence layout and returns
// its ref. A nil return means the write failed and was logged; the audit
// record still goes out with an empty ref.
func (w *EvidenceWriter) Write(ctx context.Context, tenantID string, ts time.Time, auditID, kind string, artifact any) *EvidenceRef {
	key := object.EvidenceKey(tenantID, ts, auditID, kind)
	hash, uri, err := w.store.PutJSON(ctx, key, artifact)
	if err != nil {
		w.logger.Warn("evidence write failed, continuing without ref",
			"tenant_id", tenantID,
			"audit_id", auditID,
			"kind", kind,
			"error", err)
		if w.metrics != nil {
			w.metrics.RecordEvidenceWrite("failed")
		}
		return nil
	}
	if w.metrics != nil {
		w.metrics.RecordEvidenceWrite("ok")
	}
	return &EvidenceRef{Kind: kind, URI: uri, ContentHash: hash}
}

// PackageStore is the chain read slice used to assemble evidence packages.
type PackageStore interface {
	ByInvestigation(ctx context.Context, tenantID, investigationID string) ([]*Record, error)
	Range(ctx context.Context, tenantID string, fromSeq, toSeq int64) ([]*Record, error)
	HashAt(ctx context.Context, tenantID string, seq int64) (string, error)
}

// EvidencePackage is the exportable bundle for one investigation: every
// audit record in sequence order, section views by audit_id, the chain
// verification result for the covering window and a hash over the whole
// package.
type EvidencePackage struct {
	TenantID        string    `json:"tenant_id"`
	InvestigationID string    `json:"investigation_id"`
	GeneratedAt     time.Time `json:"generated_at"`

	Records []*Record `json:"records"`

	StateTransitions []string `json:"state_transitions"`
	LLMInteractions  []string `json:"llm_interactions"`
	RetrievalContext []string `json:"retrieval_context"`
	Actions          []string `json:"actions"`
	Approvals        []string `json:"approvals"`

	ChainVerified bool     `json:"chain_verified"`
	ChainProblems []string `json:"chain_problems,omitempty"`

	// RawPrompts holds prompt and response artifacts fetched from cold
	// storage, present only when the caller asked for them.
	RawPrompts []InlinedArtifact `json:"raw_prompts,omitempty"`

	PackageHash string `json:"package_hash,omitempty"`
}

// InlinedArtifact is one cold artifact pulled into a package on request.
type InlinedArtifact struct {
	AuditID     string          `json:"audit_id"`
	Kind        string          `json:"kind"`
	URI         string          `json:"uri"`
	ContentHash string          `json:"content_hash"`
	Body        json.RawMessage `json:"body"`
}

// ComputeHash returns the SHA-256 of the package's canonical JSON with
// package_hash excluded, the same construction records use.
func (p *EvidencePackage) ComputeHash() (string, error) {
	clone := *p
	clone.PackageHash = ""
	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("marshal evidence package: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize evidence package: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// packageBuildBudget bounds warm-tier package assembly.
const packageBuildBudget = 60 * time.Second

// PackageBuilder assembles evidence packages from the warm store. artifacts
// may be nil; raw prompt requests are then skipped with a log line.
type PackageBuilder struct {
	store     PackageStore
	artifacts ArtifactFetcher
	logger    *slog.Logger
	now       func() time.Time
}

func NewPackageBuilder(store PackageStore, artifacts ArtifactFetcher, logger *slog.Logger) *PackageBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &PackageBuilder{store: store, artifacts: artifacts, logger: logger, now: time.Now}
}

// Build assembles the package for one (tenant, investigation). Chain
// verification runs over the covering sequence window, so records from other
// investigations interleaved between these records still anchor the links.
// includeRawPrompts additionally pulls prompt and response artifacts out of
// cold storage into the package.
func (b *PackageBuilder) Build(ctx context.Context, tenantID, investigationID string, includeRawPrompts bool) (*EvidencePackage, error) {
	ctx, cancel := context.WithTimeout(ctx, packageBuildBudget)
	defer cancel()

	records, err := b.store.ByInvestigation(ctx, tenantID, investigationID)
	if err != nil {
		return nil, fmt.Errorf("records for investigation %s: %w", investigationID, err)
	}
	if len(records) == 0 {
		return nil, ErrRecordNotFound
	}

	pkg := &EvidencePackage{
		TenantID:        tenantID,
		InvestigationID: investigationID,
		GeneratedAt:     b.now().UTC(),
		Records:         records,
	}
	for _, r := range records {
		switch {
		case r.EventType == EventInvestigationCreated || r.EventType == EventStateTransition:
			pkg.StateTransitions = append(pkg.StateTransitions, r.AuditID)
		case r.EventCategory == CategoryAction:
			pkg.Actions = append(pkg.Actions, r.AuditID)
		case r.EventCategory == CategoryApproval:
			pkg.Approvals = append(pkg.Approvals, r.AuditID)
		}
		if r.EventType == EventClassificationAssigned || r.EventType == EventConfidenceEscalated ||
			(r.Context != nil && len(r.Context.LLM) > 0) {
			pkg.LLMInteractions = append(pkg.LLMInteractions, r.AuditID)
		}
		if r.Context != nil && len(r.Context.Retrieval) > 0 {
			pkg.RetrievalContext = append(pkg.RetrievalContext, r.AuditID)
		}
	}

	pkg.ChainVerified, pkg.ChainProblems, err = b.verifyCoveringWindow(ctx, tenantID, records)
	if err != nil {
		return nil, err
	}

	if includeRawPrompts {
		pkg.RawPrompts = b.fetchPrompts(ctx, records)
	}

	hash, err := pkg.ComputeHash()
	if err != nil {
		return nil, err
	}
	pkg.PackageHash = hash
	return pkg, nil
}

// fetchPrompts inlines prompt and response artifacts. Fetch failures are
// logged and skipped; the refs stay on the records either way.
func (b *PackageBuilder) fetchPrompts(ctx context.Context, records []*Record) []InlinedArtifact {
	if b.artifacts == nil {
		b.logger.Warn("raw prompts requested but no artifact fetcher is wired")
		return nil
	}
	var out []InlinedArtifact
	for _, r := range records {
		for _, ref := range r.EvidenceRefs {
			if ref.Kind != ArtifactPrompt && ref.Kind != ArtifactResponse {
				continue
			}
			body, err := b.artifacts.GetURI(ctx, ref.URI)
			if err != nil {
				b.logger.Warn("prompt artifact fetch failed, skipping",
					"audit_id", r.AuditID,
					"uri", ref.URI,
					"error", err)
				continue
			}
			out = append(out, InlinedArtifact{
				AuditID:     r.AuditID,
				Kind:        ref.Kind,
				URI:         ref.URI,
				ContentHash: ref.ContentHash,
				Body:        body,
			})
		}
	}
	return out
}

func (b *PackageBuilder) verifyCoveringWindow(ctx context.Context, tenantID string, records []*Record) (bool, []string, error) {
	fromSeq := records[0].SequenceNumber
	toSeq := records[len(records)-1].SequenceNumber

	anchor := GenesisPreviousHash
	if fromSeq > 0 {
		var err error
		anchor, err = b.store.HashAt(ctx, tenantID, fromSeq-1)
		if err != nil {
			return false, nil, fmt.Errorf("window anchor at %d: %w", fromSeq-1, err)
		}
	}
	window, err := b.store.Range(ctx, tenantID, fromSeq, toSeq)
	if err != nil {
		return false, nil, fmt.Errorf("covering window [%d, %d]: %w", fromSeq, toSeq, err)
	}

	ok, problems := VerifyChain(window, anchor)
	if expected := toSeq - fromSeq + 1; int64(len(window)) != expected {
		ok = false
		problems = append(problems, fmt.Sprintf(
			"expected %d records in sequence span [%d, %d], found %d",
			expected, fromSeq, toSeq, len(window)))
	}
	return ok, problems, nil
}
