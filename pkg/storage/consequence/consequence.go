// Package consequence resolves what an attack against an asset would cost
// the business. The primary source is an external consequence graph; when
// the graph is unreachable the resolver degrades to a static zone table so
// severity reasoning never blocks an investigation.
package consequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aluskort/aluskort/pkg/alert"
)

// Assessment sources.
const (
	SourceGraph    = "graph"
	SourceFallback = "static_fallback"
)

// ErrUnknownZone is returned when neither the graph nor the fallback table
// knows the asset's zone.
var ErrUnknownZone = errors.New("consequence: unknown zone")

// Assessment is the resolved business impact for one asset.
type Assessment struct {
	Zone        string         `json:"zone"`
	Consequence string         `json:"consequence"`
	Severity    alert.Severity `json:"severity"`
	Source      string         `json:"source"`
}

// GraphClient queries the consequence graph. Implementations wrap whatever
// graph backend the deployment runs; nil disables the graph entirely.
type GraphClient interface {
	Assess(ctx context.Context, tenantID, assetID, zone string) (*Assessment, error)
}

// fallbackFile is the YAML shape of the static table.
type fallbackFile struct {
	Zones map[string]struct {
		Consequence string `yaml:"consequence"`
		Severity    string `yaml:"severity"`
	} `yaml:"zones"`
}

// FallbackTable maps zones to consequences when the graph is down.
type FallbackTable struct {
	zones map[string]Assessment
}

// ParseFallback loads the static zone table from YAML and validates every
// severity against the closed set.
func ParseFallback(data []byte) (*FallbackTable, error) {
	var file fallbackFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("consequence: parse fallback table: %w", err)
	}
	if len(file.Zones) == 0 {
		return nil, errors.New("consequence: fallback table has no zones")
	}

	zones := make(map[string]Assessment, len(file.Zones))
	for zone, entry := range file.Zones {
		sev := alert.Severity(entry.Severity)
		if !sev.IsValid() {
			return nil, fmt.Errorf("consequence: zone %q has invalid severity %q", zone, entry.Severity)
		}
		if entry.Consequence == "" {
			return nil, fmt.Errorf("consequence: zone %q has empty consequence", zone)
		}
		zones[strings.ToLower(zone)] = Assessment{
			Zone:        strings.ToLower(zone),
			Consequence: entry.Consequence,
			Severity:    sev,
			Source:      SourceFallback,
		}
	}
	return &FallbackTable{zones: zones}, nil
}

// Lookup resolves a zone from the static table.
func (t *FallbackTable) Lookup(zone string) (*Assessment, error) {
	a, ok := t.zones[strings.ToLower(zone)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownZone, zone)
	}
	cp := a
	return &cp, nil
}

// Resolver fronts the graph with the static fallback.
type Resolver struct {
	graph    GraphClient
	fallback *FallbackTable
	logger   *slog.Logger
}

// NewResolver builds a resolver. graph may be nil for deployments without a
// consequence graph; the fallback table is mandatory.
func NewResolver(graph GraphClient, fallback *FallbackTable, logger *slog.Logger) *Resolver {
	return &Resolver{graph: graph, fallback: fallback, logger: logger}
}

// Assess resolves the consequence for one asset. A graph outage is absorbed:
// the resolver logs it and answers from the static table.
func (r *Resolver) Assess(ctx context.Context, tenantID, assetID, zone string) (*Assessment, error) {
	if r.graph != nil {
		a, err := r.graph.Assess(ctx, tenantID, assetID, zone)
		if err == nil {
			a.Source = SourceGraph
			return a, nil
		}
		r.logger.Warn("consequence graph unavailable, using static fallback",
			"tenant", tenantID, "asset", assetID, "error", err)
	}
	return r.fallback.Lookup(zone)
}
