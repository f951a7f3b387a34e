package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aluskort/aluskort/pkg/audit"
)

// AuditStore is the sole write path into the audit chain tables. Append runs
// the head-lock transaction that makes per-tenant sequences contiguous.
type AuditStore struct {
	client *Client
}

func NewAuditStore(c *Client) *AuditStore {
	return &AuditStore{client: c}
}

// Append seals r against the tenant's chain head and inserts it. The head
// row is locked for the duration of the transaction, so two appends for one
// tenant serialize and sequence numbers never collide. A tenant with no head
// gets a genesis record first.
//
// Redelivered messages (same audit_id) are skipped without advancing the
// chain.
func (s *AuditStore) Append(ctx context.Context, r *audit.Record) error {
	return s.client.WithTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM audit_records WHERE audit_id = $1 AND tenant_id = $2)`,
			r.AuditID, r.TenantID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("audit_id dedupe check: %w", err)
		}
		if exists {
			return nil
		}

		var lastSeq int64
		var lastHash string
		err = tx.QueryRow(ctx,
			`SELECT last_sequence, last_hash FROM audit_chain_state WHERE tenant_id = $1 FOR UPDATE`,
			r.TenantID,
		).Scan(&lastSeq, &lastHash)
		if errors.Is(err, pgx.ErrNoRows) {
			genesis, gerr := audit.NewGenesis(r.TenantID, time.Now().UTC())
			if gerr != nil {
				return fmt.Errorf("build genesis for %s: %w", r.TenantID, gerr)
			}
			if gerr := insertRecord(ctx, tx, genesis); gerr != nil {
				return fmt.Errorf("insert genesis for %s: %w", r.TenantID, gerr)
			}
			if _, gerr := tx.Exec(ctx,
				`INSERT INTO audit_chain_state (tenant_id, last_sequence, last_hash, updated_at)
				 VALUES ($1, 0, $2, now())`,
				r.TenantID, genesis.RecordHash,
			); gerr != nil {
				return fmt.Errorf("insert chain head for %s: %w", r.TenantID, gerr)
			}
			lastSeq, lastHash = 0, genesis.RecordHash
		} else if err != nil {
			return fmt.Errorf("lock chain head for %s: %w", r.TenantID, err)
		}

		if err := r.Seal(lastSeq+1, lastHash, time.Now().UTC()); err != nil {
			return fmt.Errorf("seal record %s: %w", r.AuditID, err)
		}
		if err := insertRecord(ctx, tx, r); err != nil {
			return fmt.Errorf("insert record %s: %w", r.AuditID, err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE audit_chain_state SET last_sequence = $2, last_hash = $3, updated_at = now()
			 WHERE tenant_id = $1`,
			r.TenantID, r.SequenceNumber, r.RecordHash,
		); err != nil {
			return fmt.Errorf("advance chain head for %s: %w", r.TenantID, err)
		}
		return nil
	})
}

func insertRecord(ctx context.Context, tx pgx.Tx, r *audit.Record) error {
	if _, err := tx.Exec(ctx, `SELECT ensure_audit_partition($1::date)`, r.Timestamp); err != nil {
		return fmt.Errorf("ensure partition: %w", err)
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_records (
			audit_id, tenant_id, sequence_number, previous_hash, record_hash,
			record_version, event_type, event_category, severity,
			actor_type, actor_id, investigation_id, alert_id,
			source_service, event_time, ingested_at, payload
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.AuditID, r.TenantID, r.SequenceNumber, r.PreviousHash, r.RecordHash,
		r.RecordVersion, string(r.EventType), string(r.EventCategory), r.Severity,
		r.Actor.Type, r.Actor.ID, r.InvestigationID, r.AlertID,
		r.SourceService, r.Timestamp, r.IngestedAt, payload,
	)
	return err
}

// ChainHead returns the tenant's last sequence and hash.
func (s *AuditStore) ChainHead(ctx context.Context, tenantID string) (int64, string, error) {
	var seq int64
	var hash string
	err := s.client.pool.QueryRow(ctx,
		`SELECT last_sequence, last_hash FROM audit_chain_state WHERE tenant_id = $1`,
		tenantID,
	).Scan(&seq, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", audit.ErrRecordNotFound
	}
	if err != nil {
		return 0, "", fmt.Errorf("read chain head: %w", err)
	}
	return seq, hash, nil
}

// Tenants lists every tenant with a chain.
func (s *AuditStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.client.pool.Query(ctx, `SELECT tenant_id FROM audit_chain_state ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list chain tenants: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetByAuditID fetches one record scoped to a tenant.
func (s *AuditStore) GetByAuditID(ctx context.Context, tenantID, auditID string) (*audit.Record, error) {
	var payload []byte
	err := s.client.pool.QueryRow(ctx,
		`SELECT payload FROM audit_records WHERE tenant_id = $1 AND audit_id = $2`,
		tenantID, auditID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, audit.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit record: %w", err)
	}
	return decodeRecord(payload)
}

// ListFilter narrows List. Zero values are ignored.
type ListFilter struct {
	TenantID  string
	EventType string
	From      time.Time
	To        time.Time
	Limit     int
}

// List returns records for a tenant newest first.
func (s *AuditStore) List(ctx context.Context, f ListFilter) ([]*audit.Record, error) {
	q := `SELECT payload FROM audit_records WHERE tenant_id = $1`
	args := []any{f.TenantID}
	if f.EventType != "" {
		args = append(args, f.EventType)
		q += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		q += fmt.Sprintf(" AND event_time >= $%d", len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		q += fmt.Sprintf(" AND event_time < $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY sequence_number DESC LIMIT $%d", len(args))

	rows, err := s.client.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByTimeRange returns records with event_time in [from, to) ascending by
// sequence, resuming after afterSeq. Callers page with the last sequence they
// saw; afterSeq -1 starts from the beginning. Zero time bounds are open.
func (s *AuditStore) ByTimeRange(ctx context.Context, tenantID string, from, to time.Time, afterSeq int64, limit int) ([]*audit.Record, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	q := `SELECT payload FROM audit_records WHERE tenant_id = $1 AND sequence_number > $2`
	args := []any{tenantID, afterSeq}
	if !from.IsZero() {
		args = append(args, from)
		q += fmt.Sprintf(" AND event_time >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		q += fmt.Sprintf(" AND event_time < $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY sequence_number ASC LIMIT $%d", len(args))

	rows, err := s.client.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit records by time range: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Range returns records with fromSeq <= sequence_number <= toSeq ascending.
func (s *AuditStore) Range(ctx context.Context, tenantID string, fromSeq, toSeq int64) ([]*audit.Record, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT payload FROM audit_records
		WHERE tenant_id = $1 AND sequence_number BETWEEN $2 AND $3
		ORDER BY sequence_number ASC`,
		tenantID, fromSeq, toSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("range audit records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByInvestigation returns every record referencing the investigation in
// sequence order.
func (s *AuditStore) ByInvestigation(ctx context.Context, tenantID, investigationID string) ([]*audit.Record, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT payload FROM audit_records
		WHERE tenant_id = $1 AND investigation_id = $2
		ORDER BY sequence_number ASC`,
		tenantID, investigationID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit records by investigation: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// HashAt returns the record_hash at one sequence number, used to anchor
// window verification.
func (s *AuditStore) HashAt(ctx context.Context, tenantID string, seq int64) (string, error) {
	var hash string
	err := s.client.pool.QueryRow(ctx,
		`SELECT record_hash FROM audit_records WHERE tenant_id = $1 AND sequence_number = $2`,
		tenantID, seq,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", audit.ErrRecordNotFound
	}
	if err != nil {
		return "", fmt.Errorf("hash at sequence %d: %w", seq, err)
	}
	return hash, nil
}

// SequenceSpan returns the lowest and highest sequence numbers whose
// event_time falls inside [from, to). Zero time bounds are open. An empty
// span reads hi < lo.
func (s *AuditStore) SequenceSpan(ctx context.Context, tenantID string, from, to time.Time) (int64, int64, error) {
	q := `SELECT COALESCE(min(sequence_number), 0), COALESCE(max(sequence_number), -1)
	      FROM audit_records WHERE tenant_id = $1`
	args := []any{tenantID}
	if !from.IsZero() {
		args = append(args, from)
		q += fmt.Sprintf(" AND event_time >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		q += fmt.Sprintf(" AND event_time < $%d", len(args))
	}
	var lo, hi int64
	if err := s.client.pool.QueryRow(ctx, q, args...).Scan(&lo, &hi); err != nil {
		return 0, 0, fmt.Errorf("sequence span: %w", err)
	}
	return lo, hi, nil
}

// RecordsWithEvidence returns the tenant's most recent records carrying
// evidence refs, for the cold-storage spot check.
func (s *AuditStore) RecordsWithEvidence(ctx context.Context, tenantID string, limit int) ([]*audit.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.client.pool.Query(ctx, `
		SELECT payload FROM audit_records
		WHERE tenant_id = $1 AND payload ? 'evidence_refs'
		ORDER BY sequence_number DESC
		LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("records with evidence: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MaxSequence returns the highest stored sequence for lag measurement.
func (s *AuditStore) MaxSequence(ctx context.Context, tenantID string) (int64, error) {
	var seq *int64
	err := s.client.pool.QueryRow(ctx,
		`SELECT max(sequence_number) FROM audit_records WHERE tenant_id = $1`,
		tenantID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	if seq == nil {
		return -1, nil
	}
	return *seq, nil
}

// EventCounts aggregates a tenant's records over [from, to) by category,
// type and severity, for the compliance report.
func (s *AuditStore) EventCounts(ctx context.Context, tenantID string, from, to time.Time) ([]audit.EventCount, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT event_category, event_type, COALESCE(severity, ''), count(*)
		FROM audit_records
		WHERE tenant_id = $1 AND event_time >= $2 AND event_time < $3
		GROUP BY 1, 2, 3
		ORDER BY 1, 2, 3`,
		tenantID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("event counts: %w", err)
	}
	defer rows.Close()
	var out []audit.EventCount
	for rows.Next() {
		var c audit.EventCount
		if err := rows.Scan(&c.EventCategory, &c.EventType, &c.Severity, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// VerificationOutcomes aggregates verification log rows over [from, to) by
// check kind and result.
func (s *AuditStore) VerificationOutcomes(ctx context.Context, tenantID string, from, to time.Time) ([]audit.VerificationCount, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT kind, result, count(*)
		FROM audit_verification_log
		WHERE tenant_id = $1 AND verified_at >= $2 AND verified_at < $3
		GROUP BY 1, 2
		ORDER BY 1, 2`,
		tenantID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("verification outcomes: %w", err)
	}
	defer rows.Close()
	var out []audit.VerificationCount
	for rows.Next() {
		var c audit.VerificationCount
		if err := rows.Scan(&c.Check, &c.Result, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LogVerification appends one row to the verification log.
func (s *AuditStore) LogVerification(ctx context.Context, tenantID, kind, result string, rangeFrom, rangeTo *time.Time, details map[string]any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode verification details: %w", err)
	}
	_, err = s.client.pool.Exec(ctx, `
		INSERT INTO audit_verification_log (tenant_id, kind, range_from, range_to, result, details)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		tenantID, kind, rangeFrom, rangeTo, result, payload,
	)
	if err != nil {
		return fmt.Errorf("log verification: %w", err)
	}
	return nil
}

func decodeRecord(payload []byte) (*audit.Record, error) {
	var r audit.Record
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decode audit record: %w", err)
	}
	return &r, nil
}

func scanRecords(rows pgx.Rows) ([]*audit.Record, error) {
	var out []*audit.Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		r, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
