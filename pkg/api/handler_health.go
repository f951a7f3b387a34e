package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aluskort/aluskort/pkg/version"
)

// healthHandler handles GET /health. The response is minimal and safe for
// unauthenticated probes; backing-store reachability surfaces through request
// errors and metrics, not here, so an orchestrator never restarts the service
// over a dependency blip.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: version.GitCommit,
	})
}
