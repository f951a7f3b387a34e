// Package drift watches the shape of incoming alert traffic. When the
// rolling window diverges too far from the baseline on source mix, technique
// frequency or entity patterns, the detector flips the FP threshold adjuster
// to elevated and widens the evaluation sampling multiplier. Drift does not
// block anything on its own; it makes auto-close harder until the baseline
// is re-learned.
package drift

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Dimensions of traffic shape the detector compares.
const (
	DimensionSourceMix          = "alert_source_mix"
	DimensionTechniqueFrequency = "technique_frequency"
	DimensionEntityPatterns     = "entity_patterns"
)

// Dimension weights for the overall score.
const (
	weightSourceMix          = 0.40
	weightTechniqueFrequency = 0.35
	weightEntityPatterns     = 0.25
)

// DefaultThreshold is the overall score above which drift is elevated.
// Operational per-tenant tuning is deliberately not supported yet.
const DefaultThreshold = 0.3

// Cache keys for snapshot persistence across restarts.
const (
	baselineKey = "drift:baseline"
	windowKey   = "drift:window"
	snapshotTTL = 30 * 24 * time.Hour
)

// Distribution is a histogram over category labels. Counts, not
// probabilities; normalization happens inside JSD.
type Distribution map[string]float64

// clone copies a distribution.
func (d Distribution) clone() Distribution {
	out := make(Distribution, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// add accumulates one observation.
func (d Distribution) add(key string) {
	if key != "" {
		d[key]++
	}
}

// mass is the total count.
func (d Distribution) mass() float64 {
	var m float64
	for _, v := range d {
		m += v
	}
	return m
}

// JSD computes the Jensen-Shannon divergence between two count histograms
// using base-2 logarithms, so the result lies in [0,1]. A side with no mass
// yields 0: cold starts are not drift.
func JSD(p, q Distribution) float64 {
	pMass, qMass := p.mass(), q.mass()
	if pMass == 0 || qMass == 0 {
		return 0
	}

	keys := make(map[string]struct{}, len(p)+len(q))
	for k := range p {
		keys[k] = struct{}{}
	}
	for k := range q {
		keys[k] = struct{}{}
	}

	var div float64
	for k := range keys {
		pi := p[k] / pMass
		qi := q[k] / qMass
		mi := (pi + qi) / 2
		if pi > 0 {
			div += 0.5 * pi * math.Log2(pi/mi)
		}
		if qi > 0 {
			div += 0.5 * qi * math.Log2(qi/mi)
		}
	}
	// Floating point can leave a hair above 1 or below 0.
	return math.Min(1, math.Max(0, div))
}

// Snapshot is the persisted form of one accumulation window.
type Snapshot struct {
	SourceMix          Distribution `json:"source_mix"`
	TechniqueFrequency Distribution `json:"technique_frequency"`
	EntityPatterns     Distribution `json:"entity_patterns"`
	WindowStart        time.Time    `json:"window_start"`
	WindowEnd          time.Time    `json:"window_end"`
}

func newSnapshot(start time.Time) *Snapshot {
	return &Snapshot{
		SourceMix:          Distribution{},
		TechniqueFrequency: Distribution{},
		EntityPatterns:     Distribution{},
		WindowStart:        start,
	}
}

// Scores is one evaluation result.
type Scores struct {
	PerDimension map[string]float64 `json:"per_dimension"`
	Overall      float64            `json:"overall"`
	Elevated     bool               `json:"elevated"`
}

// adjuster is the part of the FP threshold adjuster drift drives.
type adjuster interface {
	SetDriftElevated(elevated bool)
}

// gauges is the metrics surface the detector exports to.
type gauges interface {
	SetDriftScore(dimension string, score float64)
	SetDriftOverall(score float64)
}

// snapshotStore persists snapshots; the cache client satisfies it.
type snapshotStore interface {
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// Detector accumulates the rolling window and evaluates it against the
// baseline.
type Detector struct {
	threshold float64
	adjuster  adjuster
	gauges    gauges
	store     snapshotStore
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	baseline *Snapshot
	window   *Snapshot
	elevated bool
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold overrides the default elevation threshold.
func WithThreshold(t float64) Option {
	return func(d *Detector) {
		if t > 0 {
			d.threshold = t
		}
	}
}

// WithGauges wires metric export.
func WithGauges(g gauges) Option {
	return func(d *Detector) { d.gauges = g }
}

// WithStore wires snapshot persistence.
func WithStore(s snapshotStore) Option {
	return func(d *Detector) { d.store = s }
}

// WithClock injects time for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// NewDetector builds a detector driving the given adjuster.
func NewDetector(adj adjuster, logger *slog.Logger, opts ...Option) *Detector {
	d := &Detector{
		threshold: DefaultThreshold,
		adjuster:  adj,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.baseline = newSnapshot(d.now())
	d.window = newSnapshot(d.now())
	return d
}

// Restore loads persisted snapshots, if any. Called once at startup.
func (d *Detector) Restore(ctx context.Context) {
	if d.store == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var base, win Snapshot
	if ok, err := d.store.GetJSON(ctx, baselineKey, &base); err == nil && ok {
		d.baseline = &base
	}
	if ok, err := d.store.GetJSON(ctx, windowKey, &win); err == nil && ok {
		d.window = &win
	}
	d.logger.Info("drift snapshots restored",
		"baseline_mass", d.baseline.SourceMix.mass(),
		"window_mass", d.window.SourceMix.mass())
}

// Observe feeds one alert into the rolling window.
func (d *Detector) Observe(source string, techniques []string, entityTypes []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.window.SourceMix.add(source)
	for _, t := range techniques {
		d.window.TechniqueFrequency.add(t)
	}
	for _, e := range entityTypes {
		d.window.EntityPatterns.add(e)
	}
}

// Evaluate scores the current window against the baseline, drives the
// adjuster and exports gauges. Persists the window when a store is wired.
func (d *Detector) Evaluate(ctx context.Context) Scores {
	d.mu.Lock()
	d.window.WindowEnd = d.now()

	per := map[string]float64{
		DimensionSourceMix:          JSD(d.baseline.SourceMix, d.window.SourceMix),
		DimensionTechniqueFrequency: JSD(d.baseline.TechniqueFrequency, d.window.TechniqueFrequency),
		DimensionEntityPatterns:     JSD(d.baseline.EntityPatterns, d.window.EntityPatterns),
	}
	overall := weightSourceMix*per[DimensionSourceMix] +
		weightTechniqueFrequency*per[DimensionTechniqueFrequency] +
		weightEntityPatterns*per[DimensionEntityPatterns]

	elevated := overall > d.threshold
	changed := elevated != d.elevated
	d.elevated = elevated
	window := *d.window
	d.mu.Unlock()

	d.adjuster.SetDriftElevated(elevated)
	if d.gauges != nil {
		for dim, score := range per {
			d.gauges.SetDriftScore(dim, score)
		}
		d.gauges.SetDriftOverall(overall)
	}
	if changed {
		d.logger.Warn("drift state changed",
			"elevated", elevated, "overall", overall,
			"source_mix", per[DimensionSourceMix],
			"technique_frequency", per[DimensionTechniqueFrequency],
			"entity_patterns", per[DimensionEntityPatterns])
	}
	if d.store != nil {
		if err := d.store.SetJSON(ctx, windowKey, &window, snapshotTTL); err != nil {
			d.logger.Warn("persist drift window failed", "error", err)
		}
	}

	return Scores{PerDimension: per, Overall: overall, Elevated: elevated}
}

// Elevated reports the current drift state.
func (d *Detector) Elevated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.elevated
}

// SamplingMultiplier widens FP evaluation sampling while drift is elevated.
func (d *Detector) SamplingMultiplier() float64 {
	if d.Elevated() {
		return 2.0
	}
	return 1.0
}

// Rebaseline folds the current window into a fresh baseline and starts a new
// window. Run on a long schedule (weekly in production) so the platform
// tracks legitimate traffic evolution instead of alerting on it forever.
func (d *Detector) Rebaseline(ctx context.Context) {
	d.mu.Lock()
	d.baseline = &Snapshot{
		SourceMix:          d.window.SourceMix.clone(),
		TechniqueFrequency: d.window.TechniqueFrequency.clone(),
		EntityPatterns:     d.window.EntityPatterns.clone(),
		WindowStart:        d.window.WindowStart,
		WindowEnd:          d.now(),
	}
	d.window = newSnapshot(d.now())
	baseline := *d.baseline
	d.mu.Unlock()

	d.logger.Info("drift baseline rotated", "baseline_mass", baseline.SourceMix.mass())
	if d.store != nil {
		if err := d.store.SetJSON(ctx, baselineKey, &baseline, snapshotTTL); err != nil {
			d.logger.Warn("persist drift baseline failed", "error", err)
		}
	}
}
