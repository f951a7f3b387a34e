package llm

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAllProvidersDown is returned when every provider's breaker is open.
	ErrAllProvidersDown = errors.New("llm: all providers unavailable")

	// ErrProviderOpen is returned when a call is refused because the
	// provider's breaker is open.
	ErrProviderOpen = errors.New("llm: provider circuit open")
)

// QuotaExceededError reports a tenant blowing through its hourly call quota.
// Callers must not retry inside the window.
type QuotaExceededError struct {
	TenantID string
	Limit    int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("llm: tenant %s exceeded hourly quota of %d calls", e.TenantID, e.Limit)
}

// IsQuotaExceeded reports whether err wraps a QuotaExceededError.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// ProviderError wraps a provider response failure with its classification.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Transient  bool
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("llm: %s %s error (status %d): %s", e.Provider, kind, e.StatusCode, e.Message)
}

// NewProviderError classifies a provider HTTP failure. Timeouts, 5xx and 429
// are transient (they count against the breaker and may be retried); other
// 4xx are permanent caller bugs.
func NewProviderError(provider string, statusCode int, message string) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
		Transient:  statusCode == 429 || statusCode >= 500,
	}
}

// IsTransient reports whether err should count as a provider health failure.
// Context cancellation is the caller's doing, not the provider's.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	// Unclassified network-level failures count against the provider.
	return true
}
