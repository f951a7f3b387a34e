package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// GenesisPreviousHash anchors every tenant chain.
var GenesisPreviousHash = strings.Repeat("0", 64)

// CurrentRecordVersion is stamped on new records so readers can evolve the
// hash input without breaking verification of existing chains.
const CurrentRecordVersion = 1

var (
	ErrUnknownEventType = errors.New("event type not in audit vocabulary")
	ErrRecordNotFound   = errors.New("audit record not found")
)

// Actor identifies who or what produced the event.
type Actor struct {
	Type        string   `json:"type"`
	ID          string   `json:"id"`
	Permissions []string `json:"permissions,omitempty"`
}

// RecordContext carries the model, retrieval and environment details needed
// to reproduce a decision.
type RecordContext struct {
	LLM             map[string]any `json:"llm,omitempty"`
	Retrieval       map[string]any `json:"retrieval,omitempty"`
	TaxonomyVersion string         `json:"taxonomy_version,omitempty"`
	Environment     string         `json:"environment,omitempty"`
}

// EvidenceRef points at an artifact in the evidence store.
type EvidenceRef struct {
	Kind        string `json:"kind"`
	URI         string `json:"uri"`
	ContentHash string `json:"content_hash"`
}

// Record is one link in a tenant's audit chain. Producers fill everything
// except SequenceNumber, PreviousHash, IngestedAt and RecordHash, which the
// ingest service assigns before sealing.
type Record struct {
	AuditID        string    `json:"audit_id"`
	TenantID       string    `json:"tenant_id"`
	SequenceNumber int64     `json:"sequence_number"`
	PreviousHash   string    `json:"previous_hash"`
	Timestamp      time.Time `json:"timestamp"`
	IngestedAt     time.Time `json:"ingested_at"`

	EventType     EventType `json:"event_type"`
	EventCategory Category  `json:"event_category"`
	Severity      string    `json:"severity,omitempty"`

	Actor Actor `json:"actor"`

	InvestigationID string   `json:"investigation_id,omitempty"`
	AlertID         string   `json:"alert_id,omitempty"`
	EntityIDs       []string `json:"entity_ids,omitempty"`

	Context  *RecordContext `json:"context,omitempty"`
	Decision map[string]any `json:"decision,omitempty"`
	Outcome  map[string]any `json:"outcome,omitempty"`

	SourceService string        `json:"source_service"`
	EvidenceRefs  []EvidenceRef `json:"evidence_refs,omitempty"`

	RecordHash    string `json:"record_hash,omitempty"`
	RecordVersion int    `json:"record_version"`
}

// ComputeHash returns the SHA-256 of the record's canonical JSON with
// record_hash excluded. Canonicalization is RFC 8785, so key order and
// separators never affect the digest.
func (r *Record) ComputeHash() (string, error) {
	clone := *r
	clone.RecordHash = ""
	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("marshal record %s: %w", r.AuditID, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize record %s: %w", r.AuditID, err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Seal assigns chain position and integrity fields and computes record_hash.
// It is the single place a record becomes immutable.
func (r *Record) Seal(seq int64, previousHash string, ingestedAt time.Time) error {
	if err := ValidateEventType(r.EventType); err != nil {
		return err
	}
	r.SequenceNumber = seq
	r.PreviousHash = previousHash
	r.IngestedAt = ingestedAt.UTC()
	r.EventCategory = r.EventType.Category()
	if r.RecordVersion == 0 {
		r.RecordVersion = CurrentRecordVersion
	}
	hash, err := r.ComputeHash()
	if err != nil {
		return err
	}
	r.RecordHash = hash
	return nil
}

// NewGenesis builds the sequence-zero record that anchors a tenant's chain.
func NewGenesis(tenantID string, now time.Time) (*Record, error) {
	r := &Record{
		AuditID:       NewAuditID(),
		TenantID:      tenantID,
		Timestamp:     now.UTC(),
		EventType:     EventGenesis,
		EventCategory: CategorySystem,
		Severity:      "info",
		Actor:         Actor{Type: "system", ID: "audit-service"},
		SourceService: "audit",
		Decision:      map[string]any{"genesis": true},
	}
	if err := r.Seal(0, GenesisPreviousHash, now); err != nil {
		return nil, err
	}
	return r, nil
}

// NewAuditID returns a time-sortable UUID. Version 7 keeps chain scans and
// partition pruning aligned with insert order.
func NewAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
