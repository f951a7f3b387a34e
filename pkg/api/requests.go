package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// ExportRequest is the body of POST /v1/audit/export. From and To are
// RFC 3339; zero bounds are open.
type ExportRequest struct {
	Format string    `json:"format" binding:"required"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
}

// Export formats. Parquet is not served here: the monthly retention job is
// the sole producer of Parquet partitions in cold storage.
const (
	ExportFormatJSON = "json"
	ExportFormatCSV  = "csv"
)

// parseTimeParam reads an optional query param as RFC 3339 or a bare date.
// An unparseable value aborts the request with a 400.
func parseTimeParam(c *gin.Context, name string) (time.Time, bool) {
	v := c.Query(name)
	if v == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, true
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error: fmt.Sprintf("%s must be RFC 3339 or YYYY-MM-DD", name),
	})
	return time.Time{}, false
}

// parseBoolParam reads an optional query param as a boolean, defaulting to
// false when absent.
func parseBoolParam(c *gin.Context, name string) (bool, bool) {
	v := c.Query(name)
	if v == "" {
		return false, true
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("%s must be a boolean", name),
		})
		return false, false
	}
	return parsed, true
}

// parseLimitParam reads an optional positive integer query param.
func parseLimitParam(c *gin.Context, name string) (int, bool) {
	v := c.Query(name)
	if v == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("%s must be a non-negative integer", name),
		})
		return 0, false
	}
	return limit, true
}
