package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aluskort/aluskort/pkg/audit"
)

// respondError maps domain errors to HTTP responses. Anything unexpected is
// logged server-side and returned as an opaque 500.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, audit.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, ErrorResponse{Error: "request timed out"})
	default:
		s.logger.Error("audit api request failed",
			"path", c.Request.URL.Path,
			"error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}
