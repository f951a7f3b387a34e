package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Context keys set by the auth middleware.
const (
	ctxTenantID = "tenant_id"
	ctxRole     = "role"
)

// authenticate resolves the X-API-Key header to a tenant. Requests without a
// known key never reach a handler.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "missing API key"})
			return
		}
		cred, ok := s.keys[key]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unknown API key"})
			return
		}
		c.Set(ctxTenantID, cred.TenantID)
		c.Set(ctxRole, cred.Role)
		c.Next()
	}
}

// resolveTenant returns the tenant the request may read. The tenant_id query
// param exists for symmetry with service-to-service callers; naming any
// tenant other than the credential's own is rejected, never silently
// narrowed.
func (s *Server) resolveTenant(c *gin.Context) (string, bool) {
	bound := c.GetString(ctxTenantID)
	requested := c.Query("tenant_id")
	if requested != "" && requested != bound {
		c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: "tenant_id does not match credential"})
		return "", false
	}
	return bound, true
}
