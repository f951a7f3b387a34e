package audit

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Check type names, used as metric labels and audit_verification_log kinds.
const (
	CheckContinuous = "continuous"
	CheckFull       = "full"
	CheckLag        = "lag"
	CheckCold       = "cold"
	CheckOnDemand   = "on_demand"
)

const (
	defaultWindowSize     = 1000
	defaultLagThreshold   = 1000
	defaultLagSustain     = 5 * time.Minute
	defaultColdSampleSize = 20

	defaultContinuousEvery = 5 * time.Minute
	defaultLagEvery        = time.Hour
	defaultFullEvery       = 24 * time.Hour
	defaultColdEvery       = 7 * 24 * time.Hour
)

// VerifierStore is the chain read slice the verifier needs. The postgres
// audit store implements it.
type VerifierStore interface {
	Tenants(ctx context.Context) ([]string, error)
	ChainHead(ctx context.Context, tenantID string) (int64, string, error)
	Range(ctx context.Context, tenantID string, fromSeq, toSeq int64) ([]*Record, error)
	HashAt(ctx context.Context, tenantID string, seq int64) (string, error)
	SequenceSpan(ctx context.Context, tenantID string, from, to time.Time) (int64, int64, error)
	MaxSequence(ctx context.Context, tenantID string) (int64, error)
	RecordsWithEvidence(ctx context.Context, tenantID string, limit int) ([]*Record, error)
	LogVerification(ctx context.Context, tenantID, kind, result string, rangeFrom, rangeTo *time.Time, details map[string]any) error
}

// OffsetSource reports how many audit events a tenant has emitted to the bus.
// The lag check compares it with the highest ingested sequence. Deployments
// without a per-tenant offset feed leave it nil; the lag check then skips.
type OffsetSource interface {
	EmittedCount(ctx context.Context, tenantID string) (int64, error)
}

// ColdVerifier re-downloads one stored artifact and checks it against its
// hash sidecar. The object store implements it.
type ColdVerifier interface {
	VerifyURI(ctx context.Context, uri string) (bool, error)
}

type verifierMetrics interface {
	SetChainValid(tenant, checkType string, valid bool)
	SetIngestLag(tenant string, lag float64)
	ObserveVerification(checkType string, seconds float64)
}

// VerifierOptions wires a Verifier. Zero intervals and thresholds take the
// documented defaults.
type VerifierOptions struct {
	Store   VerifierStore
	Offsets OffsetSource
	Cold    ColdVerifier
	Metrics verifierMetrics
	// Emitter, when set, receives a system.verification_failed record for
	// every failing check so tampering itself lands on the chain.
	Emitter Emitter
	Logger  *slog.Logger
	Now     func() time.Time

	WindowSize     int
	LagThreshold   int64
	LagSustain     time.Duration
	ColdSampleSize int

	ContinuousEvery time.Duration
	LagEvery        time.Duration
	FullEvery       time.Duration
	ColdEvery       time.Duration
}

// Verifier runs the four scheduled integrity checks: a sliding-window check
// every few minutes, a daily full-chain walk, an hourly ingest-lag
// measurement and a weekly cold-storage spot-check.
type Verifier struct {
	store   VerifierStore
	offsets OffsetSource
	cold    ColdVerifier
	metrics verifierMetrics
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time

	windowSize     int
	lagThreshold   int64
	lagSustain     time.Duration
	coldSampleSize int

	continuousEvery time.Duration
	lagEvery        time.Duration
	fullEvery       time.Duration
	coldEvery       time.Duration

	// lagBreachSince tracks when a tenant's lag first crossed the
	// threshold; the alert fires only after the breach sustains.
	lagBreachSince map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewVerifier(opts VerifierOptions) *Verifier {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = defaultWindowSize
	}
	if opts.LagThreshold <= 0 {
		opts.LagThreshold = defaultLagThreshold
	}
	if opts.LagSustain <= 0 {
		opts.LagSustain = defaultLagSustain
	}
	if opts.ColdSampleSize <= 0 {
		opts.ColdSampleSize = defaultColdSampleSize
	}
	if opts.ContinuousEvery <= 0 {
		opts.ContinuousEvery = defaultContinuousEvery
	}
	if opts.LagEvery <= 0 {
		opts.LagEvery = defaultLagEvery
	}
	if opts.FullEvery <= 0 {
		opts.FullEvery = defaultFullEvery
	}
	if opts.ColdEvery <= 0 {
		opts.ColdEvery = defaultColdEvery
	}
	return &Verifier{
		store:           opts.Store,
		offsets:         opts.Offsets,
		cold:            opts.Cold,
		metrics:         opts.Metrics,
		emitter:         opts.Emitter,
		logger:          opts.Logger,
		now:             opts.Now,
		windowSize:      opts.WindowSize,
		lagThreshold:    opts.LagThreshold,
		lagSustain:      opts.LagSustain,
		coldSampleSize:  opts.ColdSampleSize,
		continuousEvery: opts.ContinuousEvery,
		lagEvery:        opts.LagEvery,
		fullEvery:       opts.FullEvery,
		coldEvery:       opts.ColdEvery,
		lagBreachSince:  make(map[string]time.Time),
	}
}

// VerifyWindow checks the tenant's most recent windowSize records: hash
// recomputation, link continuity and contiguous sequences, anchored on the
// record_hash just before the window.
func (v *Verifier) VerifyWindow(ctx context.Context, tenantID string) (bool, []string, error) {
	started := v.now()
	head, _, err := v.store.ChainHead(ctx, tenantID)
	if err != nil {
		return false, nil, fmt.Errorf("chain head for %s: %w", tenantID, err)
	}

	from := head - int64(v.windowSize) + 1
	anchor := GenesisPreviousHash
	if from > 0 {
		anchor, err = v.store.HashAt(ctx, tenantID, from-1)
		if err != nil {
			return false, nil, fmt.Errorf("window anchor for %s: %w", tenantID, err)
		}
	} else {
		from = 0
	}

	records, err := v.store.Range(ctx, tenantID, from, head)
	if err != nil {
		return false, nil, fmt.Errorf("window records for %s: %w", tenantID, err)
	}
	ok, problems := v.checkRange(records, anchor, from, head)
	v.finish(ctx, tenantID, CheckContinuous, started, ok, problems, nil, nil, map[string]any{
		"from_sequence": from,
		"to_sequence":   head,
	})
	return ok, problems, nil
}

// VerifyFullChain walks the tenant's entire chain from genesis.
func (v *Verifier) VerifyFullChain(ctx context.Context, tenantID string) (bool, []string, error) {
	started := v.now()
	head, _, err := v.store.ChainHead(ctx, tenantID)
	if err != nil {
		return false, nil, fmt.Errorf("chain head for %s: %w", tenantID, err)
	}
	records, err := v.store.Range(ctx, tenantID, 0, head)
	if err != nil {
		return false, nil, fmt.Errorf("full chain for %s: %w", tenantID, err)
	}
	ok, problems := v.checkRange(records, GenesisPreviousHash, 0, head)
	v.finish(ctx, tenantID, CheckFull, started, ok, problems, nil, nil, map[string]any{
		"records": len(records),
	})
	return ok, problems, nil
}

// VerifyBetween checks every record whose event time falls inside [from, to),
// anchored on the record hash just before the span. It backs the on-demand
// verify endpoint, so the queried time range is written to the verification
// log alongside the sequence span it resolved to.
func (v *Verifier) VerifyBetween(ctx context.Context, tenantID string, from, to time.Time) (bool, []string, error) {
	started := v.now()
	lo, hi, err := v.store.SequenceSpan(ctx, tenantID, from, to)
	if err != nil {
		return false, nil, fmt.Errorf("sequence span for %s: %w", tenantID, err)
	}
	if hi < lo {
		// Nothing recorded in the range. Vacuously intact, still logged so
		// the auditor's query leaves a trace.
		v.finish(ctx, tenantID, CheckOnDemand, started, true, nil, &from, &to, map[string]any{
			"records": 0,
		})
		return true, nil, nil
	}

	anchor := GenesisPreviousHash
	if lo > 0 {
		anchor, err = v.store.HashAt(ctx, tenantID, lo-1)
		if err != nil {
			return false, nil, fmt.Errorf("range anchor for %s: %w", tenantID, err)
		}
	}
	records, err := v.store.Range(ctx, tenantID, lo, hi)
	if err != nil {
		return false, nil, fmt.Errorf("range records for %s: %w", tenantID, err)
	}
	ok, problems := v.checkRange(records, anchor, lo, hi)
	v.finish(ctx, tenantID, CheckOnDemand, started, ok, problems, &from, &to, map[string]any{
		"from_sequence": lo,
		"to_sequence":   hi,
	})
	return ok, problems, nil
}

// checkRange verifies a contiguous slice and additionally flags missing
// records at either end of the expected [from, to] span; VerifyChain can
// only see gaps between records it was given.
func (v *Verifier) checkRange(records []*Record, anchor string, from, to int64) (bool, []string) {
	ok, problems := VerifyChain(records, anchor)
	if expected := to - from + 1; int64(len(records)) != expected {
		ok = false
		problems = append(problems, fmt.Sprintf(
			"expected %d records in sequence span [%d, %d], found %d",
			expected, from, to, len(records)))
	}
	return ok, problems
}

// CheckLag measures emitted-minus-ingested for one tenant and raises once the
// breach sustains past the configured window.
func (v *Verifier) CheckLag(ctx context.Context, tenantID string) (int64, error) {
	if v.offsets == nil {
		return 0, nil
	}
	started := v.now()
	emitted, err := v.offsets.EmittedCount(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("emitted count for %s: %w", tenantID, err)
	}
	maxSeq, err := v.store.MaxSequence(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("max sequence for %s: %w", tenantID, err)
	}

	// The genesis record is written by the service, never emitted, so a
	// fully caught-up chain reads zero.
	lag := emitted - maxSeq
	if lag < 0 {
		lag = 0
	}
	if v.metrics != nil {
		v.metrics.SetIngestLag(tenantID, float64(lag))
		v.metrics.ObserveVerification(CheckLag, v.now().Sub(started).Seconds())
	}

	if lag <= v.lagThreshold {
		delete(v.lagBreachSince, tenantID)
		return lag, nil
	}
	since, breaching := v.lagBreachSince[tenantID]
	if !breaching {
		v.lagBreachSince[tenantID] = v.now()
		return lag, nil
	}
	if v.now().Sub(since) < v.lagSustain {
		return lag, nil
	}

	v.logger.Error("audit ingest lag sustained",
		"tenant_id", tenantID,
		"lag", lag,
		"threshold", v.lagThreshold,
		"since", since)
	v.logResult(ctx, tenantID, CheckLag, "alert", nil, nil, map[string]any{
		"lag":       lag,
		"threshold": v.lagThreshold,
		"since":     since.Format(time.RFC3339),
	})
	return lag, nil
}

// SpotCheckCold samples evidence artifacts referenced by recent records and
// re-verifies each against its hash sidecar.
func (v *Verifier) SpotCheckCold(ctx context.Context, tenantID string) (bool, []string, error) {
	if v.cold == nil {
		return true, nil, nil
	}
	started := v.now()
	records, err := v.store.RecordsWithEvidence(ctx, tenantID, v.coldSampleSize*4)
	if err != nil {
		return false, nil, fmt.Errorf("evidence sample for %s: %w", tenantID, err)
	}

	var refs []EvidenceRef
	for _, r := range records {
		refs = append(refs, r.EvidenceRefs...)
	}
	rand.Shuffle(len(refs), func(i, j int) { refs[i], refs[j] = refs[j], refs[i] })
	if len(refs) > v.coldSampleSize {
		refs = refs[:v.coldSampleSize]
	}

	var problems []string
	for _, ref := range refs {
		match, err := v.cold.VerifyURI(ctx, ref.URI)
		if err != nil {
			problems = append(problems, fmt.Sprintf("artifact %s unreadable: %v", ref.URI, err))
			continue
		}
		if !match {
			problems = append(problems, fmt.Sprintf("artifact %s does not match its sidecar", ref.URI))
		}
	}
	ok := len(problems) == 0
	v.finish(ctx, tenantID, CheckCold, started, ok, problems, nil, nil, map[string]any{
		"sampled": len(refs),
	})
	return ok, problems, nil
}

// finish records one check's outcome in the metrics, the verification log and
// (on failure) the chain itself. rangeFrom and rangeTo carry the queried time
// bounds for on-demand checks; scheduled checks pass nil.
func (v *Verifier) finish(ctx context.Context, tenantID, check string, started time.Time, ok bool, problems []string, rangeFrom, rangeTo *time.Time, details map[string]any) {
	if v.metrics != nil {
		v.metrics.SetChainValid(tenantID, check, ok)
		v.metrics.ObserveVerification(check, v.now().Sub(started).Seconds())
	}
	result := "pass"
	if !ok {
		result = "fail"
		details["problems"] = problems
		v.logger.Error("audit verification failed",
			"tenant_id", tenantID,
			"check", check,
			"problems", problems)
		v.emitFailure(ctx, tenantID, check, problems)
	}
	v.logResult(ctx, tenantID, check, result, rangeFrom, rangeTo, details)
}

func (v *Verifier) logResult(ctx context.Context, tenantID, check, result string, rangeFrom, rangeTo *time.Time, details map[string]any) {
	if err := v.store.LogVerification(ctx, tenantID, check, result, rangeFrom, rangeTo, details); err != nil {
		v.logger.Warn("verification log write failed",
			"tenant_id", tenantID, "check", check, "error", err)
	}
}

func (v *Verifier) emitFailure(ctx context.Context, tenantID, check string, problems []string) {
	if v.emitter == nil {
		return
	}
	if err := v.emitter.Emit(ctx, &Record{
		TenantID:  tenantID,
		EventType: EventVerificationFailed,
		Severity:  "critical",
		Actor:     Actor{Type: "service", ID: "audit-verifier"},
		Decision:  map[string]any{"check": check, "problems": problems},
	}); err != nil {
		v.logger.Warn("verification failure emit failed", "tenant_id", tenantID, "error", err)
	}
}

// forEachTenant runs one check across every tenant with a chain.
func (v *Verifier) forEachTenant(ctx context.Context, check string, fn func(ctx context.Context, tenantID string) error) {
	tenants, err := v.store.Tenants(ctx)
	if err != nil {
		v.logger.Error("tenant listing failed", "check", check, "error", err)
		return
	}
	for _, t := range tenants {
		if err := fn(ctx, t); err != nil {
			v.logger.Error("verification check failed",
				"tenant_id", t, "check", check, "error", err)
		}
	}
}

// RunContinuous verifies the recent window for every tenant.
func (v *Verifier) RunContinuous(ctx context.Context) {
	v.forEachTenant(ctx, CheckContinuous, func(ctx context.Context, t string) error {
		_, _, err := v.VerifyWindow(ctx, t)
		return err
	})
}

// RunFull walks every tenant chain from genesis.
func (v *Verifier) RunFull(ctx context.Context) {
	v.forEachTenant(ctx, CheckFull, func(ctx context.Context, t string) error {
		_, _, err := v.VerifyFullChain(ctx, t)
		return err
	})
}

// RunLag measures ingest lag for every tenant.
func (v *Verifier) RunLag(ctx context.Context) {
	v.forEachTenant(ctx, CheckLag, func(ctx context.Context, t string) error {
		_, err := v.CheckLag(ctx, t)
		return err
	})
}

// RunCold spot-checks cold artifacts for every tenant.
func (v *Verifier) RunCold(ctx context.Context) {
	v.forEachTenant(ctx, CheckCold, func(ctx context.Context, t string) error {
		_, _, err := v.SpotCheckCold(ctx, t)
		return err
	})
}

// Start launches the verification schedule.
func (v *Verifier) Start(ctx context.Context) {
	if v.cancel != nil {
		return
	}
	ctx, v.cancel = context.WithCancel(ctx)
	v.done = make(chan struct{})
	go v.run(ctx)
	v.logger.Info("audit verification schedule started",
		"continuous", v.continuousEvery,
		"lag", v.lagEvery,
		"full", v.fullEvery,
		"cold", v.coldEvery)
}

// Stop signals the schedule to exit and waits for it.
func (v *Verifier) Stop() {
	if v.cancel == nil {
		return
	}
	v.cancel()
	<-v.done
	v.logger.Info("audit verification schedule stopped")
}

func (v *Verifier) run(ctx context.Context) {
	defer close(v.done)
	continuous := time.NewTicker(v.continuousEvery)
	lag := time.NewTicker(v.lagEvery)
	full := time.NewTicker(v.fullEvery)
	cold := time.NewTicker(v.coldEvery)
	defer continuous.Stop()
	defer lag.Stop()
	defer full.Stop()
	defer cold.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-continuous.C:
			v.RunContinuous(ctx)
		case <-lag.C:
			v.RunLag(ctx)
		case <-full.C:
			v.RunFull(ctx)
		case <-cold.C:
			v.RunCold(ctx)
		}
	}
}
