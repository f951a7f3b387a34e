package fp

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/aluskort/aluskort/pkg/audit"
)

// Evaluation defaults.
const (
	DefaultSamplePerStratum = 30
	NovelPatternAge         = 30 * 24 * time.Hour

	guardMinPrecision = 0.98
	guardMaxFNR       = 0.005
)

// Stratum buckets closures for sampling.
type Stratum struct {
	RuleFamily       string
	Severity         string
	AssetCriticality string
}

func (s Stratum) String() string {
	return fmt.Sprintf("%s/%s/%s", s.RuleFamily, s.Severity, s.AssetCriticality)
}

// Closure is one auto-closed investigation eligible for analyst review.
type Closure struct {
	InvestigationID  string
	TenantID         string
	AlertID          string
	PatternID        string
	PatternCreatedAt time.Time
	Stratum          Stratum
	ClosedAt         time.Time
}

// SampleForReview picks the weekly review set: at least perStratum closures
// from every stratum (all of them when a stratum is smaller), and every
// closure of a novel pattern regardless of stratum. Selection within a
// stratum is uniform under rng so reruns with one seed are reproducible.
func SampleForReview(closures []Closure, perStratum int, now time.Time, rng *rand.Rand) []Closure {
	if perStratum <= 0 {
		perStratum = DefaultSamplePerStratum
	}

	selected := make(map[string]Closure)
	byStratum := make(map[Stratum][]Closure)
	for _, c := range closures {
		if now.Sub(c.PatternCreatedAt) < NovelPatternAge {
			selected[c.InvestigationID] = c
			continue
		}
		byStratum[c.Stratum] = append(byStratum[c.Stratum], c)
	}

	strata := make([]Stratum, 0, len(byStratum))
	for s := range byStratum {
		strata = append(strata, s)
	}
	sort.Slice(strata, func(i, j int) bool { return strata[i].String() < strata[j].String() })

	for _, s := range strata {
		group := byStratum[s]
		if len(group) <= perStratum {
			for _, c := range group {
				selected[c.InvestigationID] = c
			}
			continue
		}
		rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		for _, c := range group[:perStratum] {
			selected[c.InvestigationID] = c
		}
	}

	out := make([]Closure, 0, len(selected))
	for _, c := range selected {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvestigationID < out[j].InvestigationID })
	return out
}

// CrossCheck flags auto-closed alerts later escalated by another source as
// potential false negatives. escalated maps alert_id to the escalating
// source.
func CrossCheck(closures []Closure, escalated map[string]string) []Closure {
	var flagged []Closure
	for _, c := range closures {
		if _, ok := escalated[c.AlertID]; ok {
			flagged = append(flagged, c)
		}
	}
	return flagged
}

// GuardReport is the measured input to the autonomy guard.
type GuardReport struct {
	Precision         float64
	FalseNegativeRate float64
	Evaluated         int
}

// AutonomyGuard raises the effective threshold when measured quality slips
// below the floor. It never lowers anything; recovery is a human decision.
type AutonomyGuard struct {
	adjuster *ThresholdAdjuster
	emitter  audit.Emitter
	logger   *slog.Logger
}

func NewAutonomyGuard(adjuster *ThresholdAdjuster, emitter audit.Emitter, logger *slog.Logger) *AutonomyGuard {
	if adjuster == nil {
		panic("fp: threshold adjuster is required")
	}
	if emitter == nil {
		panic("fp: audit emitter is required")
	}
	return &AutonomyGuard{adjuster: adjuster, emitter: emitter, logger: logger}
}

// Evaluate applies the guard to one report and returns whether it tripped.
func (g *AutonomyGuard) Evaluate(ctx context.Context, tenantID string, r GuardReport) (bool, error) {
	if r.Precision >= guardMinPrecision && r.FalseNegativeRate <= guardMaxFNR {
		return false, nil
	}

	g.adjuster.SetGuardRaise(ElevatedThreshold)
	g.logger.Warn("autonomy guard raised thresholds",
		"tenant_id", tenantID,
		"precision", r.Precision,
		"fnr", r.FalseNegativeRate,
		"evaluated", r.Evaluated)
	return true, g.emitter.Emit(ctx, &audit.Record{
		TenantID:  tenantID,
		EventType: audit.EventAutonomyGuardTriggered,
		Severity:  "warning",
		Actor:     audit.Actor{Type: "system", ID: "autonomy-guard"},
		Decision: map[string]any{
			"precision":     r.Precision,
			"fnr":           r.FalseNegativeRate,
			"evaluated":     r.Evaluated,
			"raised_to":     ElevatedThreshold,
			"min_precision": guardMinPrecision,
			"max_fnr":       guardMaxFNR,
		},
	})
}
