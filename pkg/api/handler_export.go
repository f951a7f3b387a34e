package api

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aluskort/aluskort/pkg/audit"
)

// exportPageSize bounds each store read while streaming an export.
const exportPageSize = 1000

// exportHandler handles POST /v1/audit/export: the tenant's records over
// [from, to) as NDJSON or CSV, streamed oldest first. Parquet is refused
// here; the monthly retention job is the sole producer of Parquet partitions
// in cold storage.
func (s *Server) exportHandler(c *gin.Context) {
	tenantID, ok := s.resolveTenant(c)
	if !ok {
		return
	}
	var req ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid export request: " + err.Error()})
		return
	}

	switch strings.ToLower(req.Format) {
	case ExportFormatJSON:
		s.exportJSON(c, tenantID, req)
	case ExportFormatCSV:
		s.exportCSV(c, tenantID, req)
	case "parquet":
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "parquet partitions are produced by the monthly retention export; request json or csv",
		})
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "format must be json or csv"})
	}
}

func (s *Server) exportJSON(c *gin.Context, tenantID string, req ExportRequest) {
	// The first page is read before any headers go out so store failures
	// still produce a clean error response.
	page, err := s.records.ByTimeRange(c.Request.Context(), tenantID, req.From, req.To, -1, exportPageSize)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", tenantID+"-audit-export.ndjson"))
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	for {
		for _, r := range page {
			if err := enc.Encode(r); err != nil {
				s.logger.Warn("export stream aborted", "tenant_id", tenantID, "error", err)
				return
			}
		}
		if len(page) < exportPageSize {
			return
		}
		afterSeq := page[len(page)-1].SequenceNumber
		page, err = s.records.ByTimeRange(c.Request.Context(), tenantID, req.From, req.To, afterSeq, exportPageSize)
		if err != nil {
			// Headers are already out; the truncated stream is the signal.
			s.logger.Error("export read failed mid-stream",
				"tenant_id", tenantID, "after_sequence", afterSeq, "error", err)
			return
		}
	}
}

var exportCSVHeader = []string{
	"audit_id", "tenant_id", "sequence_number", "timestamp", "ingested_at",
	"event_type", "event_category", "severity",
	"actor_type", "actor_id", "investigation_id", "alert_id",
	"source_service", "previous_hash", "record_hash",
}

func exportCSVRow(r *audit.Record) []string {
	return []string{
		r.AuditID, r.TenantID, strconv.FormatInt(r.SequenceNumber, 10),
		r.Timestamp.UTC().Format(time.RFC3339Nano), r.IngestedAt.UTC().Format(time.RFC3339Nano),
		string(r.EventType), string(r.EventCategory), r.Severity,
		r.Actor.Type, r.Actor.ID, r.InvestigationID, r.AlertID,
		r.SourceService, r.PreviousHash, r.RecordHash,
	}
}

func (s *Server) exportCSV(c *gin.Context, tenantID string, req ExportRequest) {
	page, err := s.records.ByTimeRange(c.Request.Context(), tenantID, req.From, req.To, -1, exportPageSize)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", tenantID+"-audit-export.csv"))
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	defer w.Flush()
	if err := w.Write(exportCSVHeader); err != nil {
		s.logger.Warn("export stream aborted", "tenant_id", tenantID, "error", err)
		return
	}
	for {
		for _, r := range page {
			if err := w.Write(exportCSVRow(r)); err != nil {
				s.logger.Warn("export stream aborted", "tenant_id", tenantID, "error", err)
				return
			}
		}
		if len(page) < exportPageSize {
			return
		}
		afterSeq := page[len(page)-1].SequenceNumber
		page, err = s.records.ByTimeRange(c.Request.Context(), tenantID, req.From, req.To, afterSeq, exportPageSize)
		if err != nil {
			s.logger.Error("export read failed mid-stream",
				"tenant_id", tenantID, "after_sequence", afterSeq, "error", err)
			return
		}
	}
}
