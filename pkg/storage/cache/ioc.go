package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/aluskort/aluskort/pkg/investigation"
)

// IOC cache TTL tiers. High-confidence intel is stable and cheap to keep;
// low-confidence intel should be re-resolved daily.
const (
	IOCTTLHighConfidence = 30 * 24 * time.Hour
	IOCTTLMidConfidence  = 7 * 24 * time.Hour
	IOCTTLLowConfidence  = 24 * time.Hour
)

// IOCTTL maps an intel confidence score (0-100) to its cache TTL tier.
func IOCTTL(confidence int) time.Duration {
	switch {
	case confidence > 80:
		return IOCTTLHighConfidence
	case confidence >= 50:
		return IOCTTLMidConfidence
	default:
		return IOCTTLLowConfidence
	}
}

// IOCKey builds the tenant-scoped key for one indicator. The tenant id is
// part of the key by construction, which is what keeps intel from leaking
// across tenants.
func IOCKey(tenantID, iocType, value string) string {
	return fmt.Sprintf("ioc:%s:%s:%s", tenantID, iocType, value)
}

// IOCCache caches threat-intel lookups per tenant.
type IOCCache struct {
	client *Client
}

func NewIOCCache(c *Client) *IOCCache {
	return &IOCCache{client: c}
}

// Get returns the cached hit for one indicator, missing on any failure.
func (ic *IOCCache) Get(ctx context.Context, tenantID, iocType, value string) (*investigation.IOCHit, bool) {
	var hit investigation.IOCHit
	found, err := ic.client.GetJSON(ctx, IOCKey(tenantID, iocType, value), &hit)
	if err != nil || !found {
		return nil, false
	}
	return &hit, true
}

// Put stores a hit with the TTL tier derived from its confidence.
func (ic *IOCCache) Put(ctx context.Context, tenantID string, hit *investigation.IOCHit) {
	// Fail-open: a write failure only costs a future cache miss.
	_ = ic.client.SetJSON(ctx, IOCKey(tenantID, hit.Type, hit.Value), hit, IOCTTL(hit.Confidence))
}

// FPPatternKey is the cache key for one pattern snapshot. Patterns are
// global objects owned by governance, so the key is deliberately unscoped.
func FPPatternKey(patternID string) string {
	return fmt.Sprintf("fp:%s", patternID)
}
