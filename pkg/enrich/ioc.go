package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluskort/aluskort/pkg/alert"
	"github.com/aluskort/aluskort/pkg/investigation"
	"github.com/aluskort/aluskort/pkg/storage/cache"
)

// IntelSource resolves one indicator against a threat-intel backend. A nil
// hit with a nil error means the backend has no record for the indicator.
type IntelSource interface {
	LookupIndicator(ctx context.Context, indicatorType, value string) (*investigation.IOCHit, error)
}

// iocEntry is the cached lookup result. Negative lookups are cached too so
// alert storms over the same clean indicators do not hammer the feed.
type iocEntry struct {
	Hit  *investigation.IOCHit `json:"hit,omitempty"`
	Miss bool                  `json:"miss,omitempty"`
}

const iocMissTTL = 24 * time.Hour

// indicatorTypes are the entity types that qualify as indicators. Hosts and
// users are principals, not IOCs; they belong to the behavioral enricher.
var indicatorTypes = []alert.EntityType{
	alert.EntityTypeIP,
	alert.EntityTypeDomain,
	alert.EntityTypeHash,
	alert.EntityTypeEmail,
}

func iocKey(tenantID string, typ alert.EntityType, value string) string {
	return fmt.Sprintf("ioc:%s:%s:%s", tenantID, typ, value)
}

// ttlForConfidence maps intel confidence to cache lifetime. High-confidence
// intel is stable for weeks; low-confidence chatter goes stale within a day.
func ttlForConfidence(confidence int) time.Duration {
	switch {
	case confidence > 80:
		return 30 * 24 * time.Hour
	case confidence >= 50:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// IOCEnricher looks up extracted indicators against threat intel with a
// tenant-scoped cache in front. Cache failures are fail-open: the lookup
// falls through to the source and the investigation never stalls on Redis.
type IOCEnricher struct {
	cache  *cache.Client
	source IntelSource
	logger *slog.Logger
}

func NewIOCEnricher(c *cache.Client, source IntelSource, logger *slog.Logger) *IOCEnricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &IOCEnricher{cache: c, source: source, logger: logger}
}

func (e *IOCEnricher) Name() string { return "ioc-intel" }

func (e *IOCEnricher) Enrich(ctx context.Context, inv *investigation.Investigation) (*Result, error) {
	var (
		hits      []investigation.IOCHit
		checked   int
		fromCache int
		lookupErr error
		errCount  int
	)

	for _, typ := range indicatorTypes {
		for _, value := range inv.Context.Entities[typ] {
			checked++
			key := iocKey(inv.TenantID, typ, value)

			var entry iocEntry
			found, err := e.cache.GetJSON(ctx, key, &entry)
			if err == nil && found {
				fromCache++
				if entry.Hit != nil {
					hits = append(hits, *entry.Hit)
				}
				continue
			}

			hit, err := e.source.LookupIndicator(ctx, string(typ), value)
			inv.AddQuery()
			if err != nil {
				errCount++
				lookupErr = err
				e.logger.Warn("intel lookup failed",
					"tenant", inv.TenantID, "type", typ, "value", value, "error", err)
				continue
			}

			if hit == nil {
				if err := e.cache.SetJSON(ctx, key, iocEntry{Miss: true}, iocMissTTL); err != nil {
					e.logger.Warn("ioc miss cache write failed", "key", key, "error", err)
				}
				continue
			}

			hits = append(hits, *hit)
			if err := e.cache.SetJSON(ctx, key, iocEntry{Hit: hit}, ttlForConfidence(hit.Confidence)); err != nil {
				e.logger.Warn("ioc cache write failed", "key", key, "error", err)
			}
		}
	}

	// Every lookup failing is an enricher failure; partial results are not.
	if checked > 0 && errCount == checked-fromCache && errCount > 0 {
		return nil, fmt.Errorf("all %d intel lookups failed: %w", errCount, lookupErr)
	}

	return &Result{
		IOCHits: hits,
		Summary: map[string]any{
			"indicators_checked": checked,
			"ioc_hits":           len(hits),
			"cache_hits":         fromCache,
		},
	}, nil
}
