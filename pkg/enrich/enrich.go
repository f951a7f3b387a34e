// Package enrich implements the parallel enrichment stage of an
// investigation: independent context producers (threat intel, behavioral
// risk, exposure correlation, technique mapping, incident memory) that run
// concurrently and merge their findings into the investigation context.
//
// Enrichers are isolated from each other. A failing or panicking enricher is
// recorded to the decision chain and never prevents the others from
// contributing; the investigation proceeds on whatever context was gathered.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aluskort/aluskort/pkg/investigation"
)

// Enricher is one independent context producer. Implementations must be safe
// for concurrent use and must respect ctx cancellation.
type Enricher interface {
	// Name identifies the enricher in decision chain entries and logs.
	Name() string
	// Enrich gathers context for the investigation. A nil result with a nil
	// error means the enricher had nothing to contribute.
	Enrich(ctx context.Context, inv *investigation.Investigation) (*Result, error)
}

// Result is one enricher's contribution. All slices append onto the
// investigation context; scalar fields overwrite only when set.
type Result struct {
	IOCHits          []investigation.IOCHit
	Risk             *investigation.RiskContext
	Exposures        []investigation.Exposure
	TechniqueMatches []investigation.TechniqueMatch
	SimilarIncidents []investigation.SimilarIncident
	Playbooks        []string

	// Summary feeds the decision chain entry for this enricher.
	Summary map[string]any
}

func (r *Result) empty() bool {
	return len(r.IOCHits) == 0 && r.Risk == nil && len(r.Exposures) == 0 &&
		len(r.TechniqueMatches) == 0 && len(r.SimilarIncidents) == 0 && len(r.Playbooks) == 0
}

func (r *Result) merge(c *investigation.Context) {
	c.IOCHits = append(c.IOCHits, r.IOCHits...)
	if r.Risk != nil {
		c.Risk = r.Risk
	}
	c.Exposures = append(c.Exposures, r.Exposures...)
	c.TechniqueMatches = append(c.TechniqueMatches, r.TechniqueMatches...)
	c.SimilarIncidents = append(c.SimilarIncidents, r.SimilarIncidents...)
	c.Playbooks = append(c.Playbooks, r.Playbooks...)
}

const (
	defaultConcurrency = 4
	defaultTimeout     = 20 * time.Second
)

// Fanout runs a fixed set of enrichers concurrently against one
// investigation. Decision chain entries are appended in completion order.
type Fanout struct {
	enrichers   []Enricher
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
}

// NewFanout builds a fan-out over the given enrichers. concurrency <= 0 and
// timeout <= 0 fall back to defaults.
func NewFanout(enrichers []Enricher, concurrency int, timeout time.Duration, logger *slog.Logger) *Fanout {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{enrichers: enrichers, concurrency: concurrency, timeout: timeout, logger: logger}
}

// Run attempts every enricher and reports how many succeeded and failed.
// Failures are recorded to the decision chain, never returned: enrichment is
// best-effort by contract and the investigation continues on partial context.
func (f *Fanout) Run(ctx context.Context, inv *investigation.Investigation) (succeeded, failed int) {
	results := make(chan bool, len(f.enrichers))

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for _, e := range f.enrichers {
		g.Go(func() error {
			results <- f.runOne(ctx, inv, e)
			return nil
		})
	}
	_ = g.Wait() // runOne never returns an error upward
	close(results)

	for ok := range results {
		if ok {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

func (f *Fanout) runOne(ctx context.Context, inv *investigation.Investigation, e Enricher) bool {
	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	res, err := f.attempt(cctx, inv, e)
	elapsed := time.Since(start)

	if err != nil {
		f.logger.Warn("enricher failed",
			"enricher", e.Name(),
			"investigation_id", inv.InvestigationID,
			"elapsed_ms", elapsed.Milliseconds(),
			"error", err)
		inv.AppendDecision(investigation.DecisionEntry{
			Agent: e.Name(),
			Details: map[string]any{
				"outcome":    "failed",
				"error":      err.Error(),
				"elapsed_ms": elapsed.Milliseconds(),
			},
		})
		return false
	}

	details := map[string]any{
		"outcome":    "succeeded",
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if res != nil {
		if !res.empty() {
			inv.UpdateContext(res.merge)
		}
		for k, v := range res.Summary {
			details[k] = v
		}
	}
	inv.AppendDecision(investigation.DecisionEntry{Agent: e.Name(), Details: details})

	f.logger.Debug("enricher finished",
		"enricher", e.Name(),
		"investigation_id", inv.InvestigationID,
		"elapsed_ms", elapsed.Milliseconds())
	return true
}

// attempt wraps a single Enrich call so a panicking enricher degrades into a
// recorded failure instead of taking down the worker.
func (f *Fanout) attempt(ctx context.Context, inv *investigation.Investigation, e Enricher) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("enricher %s panicked: %v", e.Name(), r)
		}
	}()
	return e.Enrich(ctx, inv)
}
