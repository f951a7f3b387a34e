package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// complianceReportHandler handles GET /v1/audit/reports/compliance. month is
// required in YYYY-MM form.
func (s *Server) complianceReportHandler(c *gin.Context) {
	tenantID, ok := s.resolveTenant(c)
	if !ok {
		return
	}
	monthParam := c.Query("month")
	if monthParam == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "month is required"})
		return
	}
	month, err := time.Parse("2006-01", monthParam)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "month must be YYYY-MM"})
		return
	}

	report, err := s.reports.MonthlyReport(c.Request.Context(), tenantID, month)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
