package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// evidencePackageHandler handles
// GET /v1/audit/evidence-package/:investigation_id. The package carries every
// record for the investigation, section views, the covering-window chain
// check and a package hash. include_raw_prompts=true additionally inlines
// prompt and response artifacts from cold storage.
func (s *Server) evidencePackageHandler(c *gin.Context) {
	tenantID, ok := s.resolveTenant(c)
	if !ok {
		return
	}
	includeRaw, ok := parseBoolParam(c, "include_raw_prompts")
	if !ok {
		return
	}

	pkg, err := s.packages.Build(c.Request.Context(), tenantID, c.Param("investigation_id"), includeRaw)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pkg)
}
