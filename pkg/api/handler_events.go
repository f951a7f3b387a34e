package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aluskort/aluskort/pkg/storage/postgres"
)

// listEventsHandler handles GET /v1/audit/events. Results come back newest
// first; the store caps the page size.
func (s *Server) listEventsHandler(c *gin.Context) {
	tenantID, ok := s.resolveTenant(c)
	if !ok {
		return
	}
	from, ok := parseTimeParam(c, "from")
	if !ok {
		return
	}
	to, ok := parseTimeParam(c, "to")
	if !ok {
		return
	}
	limit, ok := parseLimitParam(c, "limit")
	if !ok {
		return
	}

	records, err := s.records.List(c.Request.Context(), postgres.ListFilter{
		TenantID:  tenantID,
		EventType: c.Query("event_type"),
		From:      from,
		To:        to,
		Limit:     limit,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, EventsResponse{
		TenantID: tenantID,
		Count:    len(records),
		Events:   records,
	})
}

// getEventHandler handles GET /v1/audit/events/:audit_id.
func (s *Server) getEventHandler(c *gin.Context) {
	tenantID, ok := s.resolveTenant(c)
	if !ok {
		return
	}
	record, err := s.records.GetByAuditID(c.Request.Context(), tenantID, c.Param("audit_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}
