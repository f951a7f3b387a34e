package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aluskort/aluskort/pkg/audit"
	"github.com/aluskort/aluskort/pkg/storage/postgres"
)

// PackageSource builds evidence packages. The audit PackageBuilder
// implements it.
type PackageSource interface {
	Build(ctx context.Context, tenantID, investigationID string, includeRawPrompts bool) (*audit.EvidencePackage, error)
}

// RecordSource is the warm-store read slice the API serves from. The
// postgres audit store implements it.
type RecordSource interface {
	GetByAuditID(ctx context.Context, tenantID, auditID string) (*audit.Record, error)
	List(ctx context.Context, f postgres.ListFilter) ([]*audit.Record, error)
	ByTimeRange(ctx context.Context, tenantID string, from, to time.Time, afterSeq int64, limit int) ([]*audit.Record, error)
}

// ReportSource builds monthly compliance reports. The audit Reporter
// implements it.
type ReportSource interface {
	MonthlyReport(ctx context.Context, tenantID string, month time.Time) (*audit.ComplianceReport, error)
}

// APIKey binds one credential to a tenant. Every authenticated route reads
// only that tenant's chain.
type APIKey struct {
	Key      string
	TenantID string
	Role     string
}

// ServerOptions wires the audit API server.
type ServerOptions struct {
	Packages PackageSource
	Records  RecordSource
	Verifier audit.RangeVerifier
	Reports  ReportSource
	Keys     []APIKey
	// Metrics, when set, is mounted unauthenticated at /metrics for the
	// in-cluster scraper.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server exposes the audit read API: evidence packages, event queries,
// on-demand chain verification, compliance reports and bulk export. It holds
// no write path; the chain only grows through the ingest service.
type Server struct {
	packages PackageSource
	records  RecordSource
	verifier audit.RangeVerifier
	reports  ReportSource
	keys     map[string]APIKey
	metrics  http.Handler
	logger   *slog.Logger
}

func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	keys := make(map[string]APIKey, len(opts.Keys))
	for _, k := range opts.Keys {
		keys[k.Key] = k
	}
	return &Server{
		packages: opts.Packages,
		records:  opts.Records,
		verifier: opts.Verifier,
		reports:  opts.Reports,
		keys:     keys,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// Routes builds the gin engine. The health endpoint is unauthenticated;
// everything under /v1/audit requires an API key.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(securityHeaders())

	r.GET("/health", s.healthHandler)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := r.Group("/v1/audit")
	v1.Use(s.authenticate())
	v1.GET("/evidence-package/:investigation_id", s.evidencePackageHandler)
	v1.GET("/events", s.listEventsHandler)
	v1.GET("/events/:audit_id", s.getEventHandler)
	v1.GET("/verify", s.verifyHandler)
	v1.GET("/reports/compliance", s.complianceReportHandler)
	v1.POST("/export", s.exportHandler)
	return r
}

// requestLogger logs one line per request at debug, errors at warn.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= 500 {
			level = slog.LevelWarn
		}
		s.logger.Log(c.Request.Context(), level, "audit api request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
