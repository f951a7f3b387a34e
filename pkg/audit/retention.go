package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluskort/aluskort/pkg/storage/object"
)

const (
	// warmBufferMonths is how many whole months stay in the warm store after
	// the current one. The export job only touches months older than the
	// buffer, so investigators always have recent history at query speed.
	warmBufferMonths = 1

	// maxLookbackMonths bounds the backlog sweep after extended downtime.
	maxLookbackMonths = 12

	exportPageSize      = 500
	defaultExportPeriod = 24 * time.Hour
)

// RetentionStore is the warm-store slice the export job needs: month-scoped
// reads, the legal-hold guard and partition drop.
type RetentionStore interface {
	RecordsForMonth(ctx context.Context, month time.Time, afterTenant string, afterSeq int64, pageSize int) ([]*Record, error)
	CountForMonth(ctx context.Context, month time.Time) (int64, error)
	MonthUnderLegalHold(ctx context.Context, month time.Time) (bool, error)
	DropMonthPartition(ctx context.Context, month time.Time) error
	LogVerification(ctx context.Context, tenantID, kind, result string, rangeFrom, rangeTo *time.Time, details map[string]any) error
}

// Exporter is the cold-store slice the export job writes through.
type Exporter interface {
	PutRaw(ctx context.Context, key string, raw []byte, contentType string) (hash, uri string, err error)
	VerifyObject(ctx context.Context, key string) (bool, error)
}

// Retention moves aged months from the warm store to cold storage. Each
// eligible month is exported per tenant as JSON lines, read back and checked
// against its hash sidecar, and only then dropped from the warm store. Held
// months are left alone until the hold lifts.
type Retention struct {
	store   RetentionStore
	cold    Exporter
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time

	period time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

// RetentionOptions configures the export job. Store and Cold are required;
// Emitter may be nil when the job runs outside the event pipeline.
type RetentionOptions struct {
	Store   RetentionStore
	Cold    Exporter
	Emitter Emitter
	Period  time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

func NewRetention(opts RetentionOptions) *Retention {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Period <= 0 {
		opts.Period = defaultExportPeriod
	}
	return &Retention{
		store:   opts.Store,
		cold:    opts.Cold,
		emitter: opts.Emitter,
		logger:  opts.Logger,
		now:     opts.Now,
		period:  opts.Period,
	}
}

// Run sweeps every month older than the warm buffer, newest first, until it
// reaches an empty month. A month that was already exported and dropped
// counts zero records, which is what makes the sweep idempotent.
func (r *Retention) Run(ctx context.Context) error {
	current := monthStart(r.now())
	for back := warmBufferMonths + 1; back <= maxLookbackMonths+1; back++ {
		month := current.AddDate(0, -back, 0)
		n, err := r.store.CountForMonth(ctx, month)
		if err != nil {
			return fmt.Errorf("count month %s: %w", month.Format("2006-01"), err)
		}
		if n == 0 {
			return nil
		}
		if err := r.exportMonth(ctx, month, n); err != nil {
			return err
		}
	}
	return nil
}

func (r *Retention) exportMonth(ctx context.Context, month time.Time, total int64) error {
	label := month.Format("2006-01")

	held, err := r.store.MonthUnderLegalHold(ctx, month)
	if err != nil {
		return fmt.Errorf("legal hold check for %s: %w", label, err)
	}
	if held {
		r.logger.Info("retention skipping month under legal hold", "month", label)
		return nil
	}

	r.logger.Info("retention export starting", "month", label, "records", total)

	var (
		afterTenant string
		afterSeq    int64 = -1
		tenant      string
		buf         bytes.Buffer
		tenantCount int64
		exported    int64
		tenants     []string
	)
	flush := func() error {
		if tenant == "" {
			return nil
		}
		if err := r.flushTenant(ctx, month, tenant, buf.Bytes(), tenantCount); err != nil {
			return err
		}
		exported += tenantCount
		tenants = append(tenants, tenant)
		buf.Reset()
		tenantCount = 0
		return nil
	}

	for {
		page, err := r.store.RecordsForMonth(ctx, month, afterTenant, afterSeq, exportPageSize)
		if err != nil {
			return fmt.Errorf("page month %s after (%s, %d): %w", label, afterTenant, afterSeq, err)
		}
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			if rec.TenantID != tenant {
				if err := flush(); err != nil {
					return err
				}
				tenant = rec.TenantID
			}
			line, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode record %s: %w", rec.AuditID, err)
			}
			buf.Write(line)
			buf.WriteByte('\n')
			tenantCount++
		}
		last := page[len(page)-1]
		afterTenant, afterSeq = last.TenantID, last.SequenceNumber
	}
	if err := flush(); err != nil {
		return err
	}

	// Recount before dropping: records written into the partition while the
	// export ran would otherwise be lost with the drop.
	final, err := r.store.CountForMonth(ctx, month)
	if err != nil {
		return fmt.Errorf("recount month %s: %w", label, err)
	}
	if exported != final {
		return fmt.Errorf("month %s export incomplete: wrote %d records, warm store holds %d", label, exported, final)
	}

	if err := r.store.DropMonthPartition(ctx, month); err != nil {
		return fmt.Errorf("drop month %s: %w", label, err)
	}
	r.logger.Info("retention export finished, warm partition dropped",
		"month", label, "records", exported, "tenants", len(tenants))
	for _, t := range tenants {
		r.emitTenant(ctx, EventPartitionDropped, t, map[string]any{
			"month":   label,
			"records": exported,
		})
	}
	return nil
}

// flushTenant writes one tenant's month as a JSON-lines object, then reads it
// back against the hash sidecar before the month can be considered exported.
func (r *Retention) flushTenant(ctx context.Context, month time.Time, tenantID string, lines []byte, count int64) error {
	key := object.ExportKey(tenantID, month)
	hash, uri, err := r.cold.PutRaw(ctx, key, lines, "application/x-ndjson")
	if err != nil {
		r.logVerification(ctx, tenantID, month, "fail", map[string]any{"error": err.Error()})
		return fmt.Errorf("export tenant %s month %s: %w", tenantID, month.Format("2006-01"), err)
	}
	ok, err := r.cold.VerifyObject(ctx, key)
	if err != nil {
		r.logVerification(ctx, tenantID, month, "fail", map[string]any{"error": err.Error()})
		return fmt.Errorf("verify export %s: %w", key, err)
	}
	if !ok {
		r.logVerification(ctx, tenantID, month, "fail", map[string]any{"error": "export does not match its sidecar"})
		return fmt.Errorf("export %s does not match its sidecar", key)
	}

	r.logVerification(ctx, tenantID, month, "pass", map[string]any{
		"records":      count,
		"uri":          uri,
		"content_hash": hash,
	})
	r.emitTenant(ctx, EventRetentionExported, tenantID, map[string]any{
		"month":        month.Format("2006-01"),
		"records":      count,
		"uri":          uri,
		"content_hash": hash,
	})
	return nil
}

func (r *Retention) logVerification(ctx context.Context, tenantID string, month time.Time, result string, details map[string]any) {
	from := monthStart(month)
	to := from.AddDate(0, 1, 0)
	if err := r.store.LogVerification(ctx, tenantID, "retention_export", result, &from, &to, details); err != nil {
		r.logger.Warn("failed to log retention verification",
			"tenant_id", tenantID, "month", month.Format("2006-01"), "error", err)
	}
}

func (r *Retention) emitTenant(ctx context.Context, t EventType, tenantID string, decision map[string]any) {
	if r.emitter == nil {
		return
	}
	rec := &Record{
		TenantID:      tenantID,
		Timestamp:     r.now().UTC(),
		EventType:     t,
		Severity:      "info",
		Actor:         Actor{Type: "service", ID: "audit-retention"},
		SourceService: "audit",
		Decision:      decision,
	}
	if err := r.emitter.Emit(ctx, rec); err != nil {
		r.logger.Warn("failed to emit retention event", "event_type", t, "error", err)
	}
}

// Start runs the export sweep on its daily period until Stop is called.
func (r *Retention) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
	r.logger.Info("retention export job started", "period", r.period)
}

func (r *Retention) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Retention) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Run(ctx); err != nil {
				r.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
