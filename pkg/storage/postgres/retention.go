package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/aluskort/aluskort/pkg/audit"
)

// PartitionName returns the audit partition identifier for the month
// containing t, matching ensure_audit_partition's naming.
func PartitionName(t time.Time) string {
	return fmt.Sprintf("audit_records_%04d_%02d", t.Year(), int(t.Month()))
}

// MonthBounds returns the [start, end) timestamps of the month containing t,
// in UTC.
func MonthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// RecordsForMonth streams one month of records in (tenant, sequence) order,
// paged by the keyset cursor, for retention export.
func (s *AuditStore) RecordsForMonth(ctx context.Context, month time.Time, afterTenant string, afterSeq int64, pageSize int) ([]*audit.Record, error) {
	start, end := MonthBounds(month)
	rows, err := s.client.pool.Query(ctx, `
		SELECT payload FROM audit_records
		WHERE event_time >= $1 AND event_time < $2
		  AND (tenant_id, sequence_number) > ($3, $4)
		ORDER BY tenant_id, sequence_number
		LIMIT $5`,
		start, end, afterTenant, afterSeq, pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("records for month %s: %w", PartitionName(month), err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountForMonth returns how many records the month's partition holds.
func (s *AuditStore) CountForMonth(ctx context.Context, month time.Time) (int64, error) {
	start, end := MonthBounds(month)
	var n int64
	err := s.client.pool.QueryRow(ctx,
		`SELECT count(*) FROM audit_records WHERE event_time >= $1 AND event_time < $2`,
		start, end,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count for month: %w", err)
	}
	return n, nil
}

// MonthUnderLegalHold reports whether any record in the month belongs to a
// tenant with a hold covering that month. Held months are never dropped.
func (s *AuditStore) MonthUnderLegalHold(ctx context.Context, month time.Time) (bool, error) {
	start, end := MonthBounds(month)
	var held bool
	err := s.client.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM audit_legal_holds h
			WHERE h.month = $1::date
			  AND EXISTS (
				SELECT 1 FROM audit_records r
				WHERE r.tenant_id = h.tenant_id
				  AND r.event_time >= $2 AND r.event_time < $3
			  )
		)`,
		start, start, end,
	).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("legal hold check: %w", err)
	}
	return held, nil
}

// DropMonthPartition detaches and drops the month's partition. The row-level
// append-only trigger does not apply to partition DDL, which is the entire
// point: retention removes whole months or nothing.
func (s *AuditStore) DropMonthPartition(ctx context.Context, month time.Time) error {
	part := PartitionName(month)
	if _, err := s.client.pool.Exec(ctx,
		fmt.Sprintf(`ALTER TABLE audit_records DETACH PARTITION %s`, part),
	); err != nil {
		return fmt.Errorf("detach partition %s: %w", part, err)
	}
	if _, err := s.client.pool.Exec(ctx,
		fmt.Sprintf(`DROP TABLE %s`, part),
	); err != nil {
		return fmt.Errorf("drop partition %s: %w", part, err)
	}
	return nil
}
