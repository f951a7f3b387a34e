package enrich

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aluskort/aluskort/pkg/alert"
	"github.com/aluskort/aluskort/pkg/investigation"
)

// ExposureStore lists open exposure findings for a set of assets. The
// postgres package implements it.
type ExposureStore interface {
	OpenExposuresByAssets(ctx context.Context, tenantID string, assets []string) ([]investigation.Exposure, error)
}

// CTEMEnricher correlates alert entities against open exposure findings so
// reasoning can weigh whether the attacked asset was already known-vulnerable.
type CTEMEnricher struct {
	store  ExposureStore
	logger *slog.Logger
}

func NewCTEMEnricher(store ExposureStore, logger *slog.Logger) *CTEMEnricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CTEMEnricher{store: store, logger: logger}
}

func (e *CTEMEnricher) Name() string { return "ctem-correlation" }

func (e *CTEMEnricher) Enrich(ctx context.Context, inv *investigation.Investigation) (*Result, error) {
	// Exposures attach to assets: hosts and addresses, not users or hashes.
	var assets []string
	assets = append(assets, inv.Context.Entities[alert.EntityTypeHost]...)
	assets = append(assets, inv.Context.Entities[alert.EntityTypeIP]...)
	if len(assets) == 0 {
		return nil, nil
	}

	exposures, err := e.store.OpenExposuresByAssets(ctx, inv.TenantID, assets)
	inv.AddQuery()
	if err != nil {
		return nil, fmt.Errorf("exposure correlation: %w", err)
	}

	return &Result{
		Exposures: exposures,
		Summary: map[string]any{
			"assets_checked": len(assets),
			"open_exposures": len(exposures),
		},
	}, nil
}
