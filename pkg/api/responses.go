package api

import (
	"time"

	"github.com/aluskort/aluskort/pkg/audit"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EventsResponse is returned by GET /v1/audit/events.
type EventsResponse struct {
	TenantID string          `json:"tenant_id"`
	Count    int             `json:"count"`
	Events   []*audit.Record `json:"events"`
}

// VerifyResponse is returned by GET /v1/audit/verify.
type VerifyResponse struct {
	TenantID      string     `json:"tenant_id"`
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
	ChainVerified bool       `json:"chain_verified"`
	Problems      []string   `json:"problems,omitempty"`
	CheckedAt     time.Time  `json:"checked_at"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
