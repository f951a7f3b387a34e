package fp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluskort/aluskort/pkg/alert"
	"github.com/aluskort/aluskort/pkg/audit"
	"github.com/aluskort/aluskort/pkg/storage/cache"
)

// memPatternStore is an in-memory PatternStore for service tests. Canary
// stats are set directly because analyst review happens out of band.
type memPatternStore struct {
	mu        sync.Mutex
	patterns  map[string]*Pattern
	decisions []*Decision
	stats     map[string]CanaryStats
	matches   map[string]int
}

func newMemPatternStore() *memPatternStore {
	return &memPatternStore{
		patterns: make(map[string]*Pattern),
		stats:    make(map[string]CanaryStats),
		matches:  make(map[string]int),
	}
}

func statKey(patternID string, version int) string {
	return fmt.Sprintf("%s/%d", patternID, version)
}

func (s *memPatternStore) Create(_ context.Context, p *Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.patterns[p.PatternID] = &cp
	return nil
}

func (s *memPatternStore) Get(_ context.Context, patternID string) (*Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[patternID]
	if !ok {
		return nil, ErrPatternNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memPatternStore) Update(_ context.Context, p *Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patterns[p.PatternID]; !ok {
		return ErrPatternNotFound
	}
	cp := *p
	s.patterns[p.PatternID] = &cp
	return nil
}

func (s *memPatternStore) ListMatchable(_ context.Context, _ string) ([]*Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Pattern
	for _, p := range s.patterns {
		if p.Status != StatusActive && p.Status != StatusShadow {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memPatternStore) ListByStatus(_ context.Context, status Status) ([]*Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Pattern
	for _, p := range s.patterns {
		if p.Status == status {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memPatternStore) RecordDecision(_ context.Context, d *Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *memPatternStore) CanaryStats(_ context.Context, patternID string, version int) (CanaryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[statKey(patternID, version)], nil
}

func (s *memPatternStore) IncrementMatch(_ context.Context, patternID string, version int, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches[statKey(patternID, version)]++
	return nil
}

func (s *memPatternStore) setStats(patternID string, version int, stats CanaryStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[statKey(patternID, version)] = stats
}

func (s *memPatternStore) recorded() []*Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Decision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

func (s *memPatternStore) matchCount(patternID string, version int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matches[statKey(patternID, version)]
}

var _ PatternStore = (*memPatternStore)(nil)

type fpFixture struct {
	svc      *Service
	store    *memPatternStore
	emitter  *audit.MemoryEmitter
	adjuster *ThresholdAdjuster
	switches *KillSwitchManager
}

func newFPFixture(t *testing.T) *fpFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewClientFromRedis(rdb, slog.Default())

	f := &fpFixture{
		store:    newMemPatternStore(),
		emitter:  audit.NewMemoryEmitter(),
		adjuster: NewThresholdAdjuster(0),
	}
	f.switches = NewKillSwitchManager(c, f.emitter, slog.Default())
	f.svc = NewService(f.store, f.adjuster, f.switches, f.emitter, slog.Default())
	return f
}

func TestCreatePatternValidatesRegex(t *testing.T) {
	f := newFPFixture(t)
	ctx := context.Background()

	bad := testPattern()
	bad.AlertNamePattern = `([unclosed`
	err := f.svc.CreatePattern(ctx, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alert name pattern")

	badEntity := testPattern()
	badEntity.EntityPatterns = []EntityMatcher{{Type: "hostname", Pattern: `([`}}
	err = f.svc.CreatePattern(ctx, badEntity)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entity pattern 0")

	// CIDR matchers are not regexes and skip compilation.
	good := testPattern()
	good.Version = 0
	good.EntityPatterns = []EntityMatcher{{Type: "ip", CIDR: "10.0.0.0/8"}}
	require.NoError(t, f.svc.CreatePattern(ctx, good))

	stored, err := f.store.Get(ctx, good.PatternID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Version)
	assert.False(t, stored.CreatedAt.IsZero())
}

func TestApproveEmitsLifecycleEvents(t *testing.T) {
	f := newFPFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.CreatePattern(ctx, testPattern()))

	p, err := f.svc.Approve(ctx, "fp-backup-scanner", "analyst-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
	assert.Len(t, f.emitter.ByType(audit.EventFPFirstApproval), 1)

	p, err = f.svc.Approve(ctx, "fp-backup-scanner", "analyst-2")
	require.NoError(t, err)
	assert.Equal(t, StatusShadow, p.Status)
	second := f.emitter.ByType(audit.EventFPSecondApproval)
	require.Len(t, second, 1)
	assert.Equal(t, "shadow", second[0].Decision["status"])

	stored, err := f.store.Get(ctx, "fp-backup-scanner")
	require.NoError(t, err)
	assert.Equal(t, StatusShadow, stored.Status)
}

func TestRevokeAuditsActorAndReason(t *testing.T) {
	f := newFPFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.CreatePattern(ctx, testPattern()))

	p, err := f.svc.Revoke(ctx, "fp-backup-scanner", "lead-1", "matched real intrusion")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, p.Status)

	events := f.emitter.ByType(audit.EventFPRevoked)
	require.Len(t, events, 1)
	assert.Equal(t, "warning", events[0].Severity)
	assert.Equal(t, "matched real intrusion", events[0].Decision["reason"])
}

func TestEvaluateMatchesActivePattern(t *testing.T) {
	f := newFPFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, activePattern("fp-heartbeat", `^Known benign`)))

	inv := matchInvestigation("Known benign heartbeat", nil)
	hit, err := f.svc.Evaluate(ctx, inv)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "fp-heartbeat", hit.Pattern.PatternID)
	assert.Equal(t, 1.0, hit.Confidence)
	assert.Equal(t, BaseThreshold, hit.Threshold)

	decisions := f.store.recorded()
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Matched)
	assert.False(t, decisions[0].Shadow)
	assert.Equal(t, "inv-1", decisions[0].InvestigationID)
	assert.Equal(t, 1, f.store.matchCount("fp-heartbeat", 1))

	matched := f.emitter.ByType(audit.EventFPMatched)
	require.Len(t, matched, 1)
	assert.Equal(t, "inv-1", matched[0].InvestigationID)
	assert.Equal(t, "fp-heartbeat", matched[0].Decision["pattern_id"])
}

func TestEvaluateShadowRecordsWithoutShortCircuit(t *testing.T) {
	f := newFPFixture(t)
	ctx := context.Background()

	p := activePattern("fp-shadowing", `^Known benign`)
	p.Status = StatusShadow
	require.NoError(t, f.store.Create(ctx, p))

	inv := matchInvestigation("Known benign heartbeat", nil)
	hit, err := f.svc.Evaluate(ctx, inv)
	require.NoError(t, err)
	assert.Nil(t, hit)

	decisions := f.store.recorded()
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Shadow)
	assert.True(t, decisions[0].Matched)
	assert.Empty(t, f.emitter.ByType(audit.EventFPMatched))
}

func TestEvaluateKillSwitchSuppresses(t *testing.T) {
	f := newFPFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Create(ctx, activePattern("fp-heartbeat", `^Known benign`)))
	require.NoError(t, f.switches.Activate(ctx, "t1", DimensionPattern, "fp-heartbeat", "lead-1", "precision review"))

	inv := matchInvestigation("Known benign heartbeat", nil)
	hit, err := f.svc.Evaluate(ctx, inv)
	require.NoError(t, err)
	assert.Nil(t, hit)

	// The would-be match survives as a shadow decision so suppression windows
	// still feed canary stats.
	decisions := f.store.recorded()
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Shadow)
	assert.Empty(t, f.emitter.ByType(audit.EventFPMatched))
	assert.Equal(t, 0, f.store.matchCount("fp-heartbeat", 1))
}

func TestEvaluateHonorsElevatedThreshold(t *testing.T) {
	f := newFPFixture(t)
	ctx := context.Background()

	// Name matches and 4 of 5 entity constraints match: composite is exactly
	// 0.90, which clears the base threshold but not the elevated one.
	p := activePattern("fp-sweep", `^Port sweep`,
		EntityMatcher{Type: "ip", Pattern: `^10\.`},
		EntityMatcher{Type: "hostname", Pattern: `^scanner-`},
		EntityMatcher{Type: "username", Pattern: `^svc-`},
		EntityMatcher{Type: "process", Pattern: `^nmap$`},
		EntityMatcher{Type: "domain", Pattern: `\.internal$`})
	require.NoError(t, f.store.Create(ctx, p))

	inv := matchInvestigation("Port sweep from internal scanner", alert.Entities{
		"ip":       {"10.8.0.4"},
		"hostname": {"scanner-2"},
		"username": {"svc-scan"},
		"process":  {"nmap"},
	})

	hit, err := f.svc.Evaluate(ctx, inv)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.InDelta(t, 0.90, hit.Confidence, 1e-9)

	f.adjuster.SetDriftElevated(true)
	hit, err = f.svc.Evaluate(ctx, inv)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestTryPromoteRequiresCanaryVolume(t *testing.T) {
	f := newFPFixture(t)
	ctx := context.Background()

	p := testPattern()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, p.Approve("analyst-1", now))
	require.NoError(t, p.Approve("analyst-2", now))
	require.NoError(t, f.store.Create(ctx, p))

	// Too few reviewed decisions: stays shadow.
	f.store.setStats(p.PatternID, p.Version, CanaryStats{Decisions: 10})
	promoted, err := f.svc.TryPromote(ctx, p.PatternID)
	require.NoError(t, err)
	assert.False(t, promoted)

	f.store.setStats(p.PatternID, p.Version, CanaryStats{Decisions: 60, Disagreements: 1})
	promoted, err = f.svc.TryPromote(ctx, p.PatternID)
	require.NoError(t, err)
	assert.True(t, promoted)

	stored, err := f.store.Get(ctx, p.PatternID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status)
	assert.Len(t, f.emitter.ByType(audit.EventCanaryPromoted), 1)

	// Promotion is one-way and not repeatable.
	promoted, err = f.svc.TryPromote(ctx, p.PatternID)
	require.NoError(t, err)
	assert.False(t, promoted)
}

func TestCheckExpirySweepsPastDuePatterns(t *testing.T) {
	f := newFPFixture(t)
	ctx := context.Background()
	now := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

	fresh := testPattern()
	require.NoError(t, fresh.Approve("analyst-1", now.AddDate(0, 0, -5)))
	require.NoError(t, fresh.Approve("analyst-2", now.AddDate(0, 0, -5)))
	require.NoError(t, f.store.Create(ctx, fresh))

	stale := testPattern()
	stale.PatternID = "fp-stale"
	require.NoError(t, stale.Approve("analyst-1", now.AddDate(0, 0, -120)))
	require.NoError(t, stale.Approve("analyst-2", now.AddDate(0, 0, -120)))
	require.NoError(t, stale.Promote())
	require.NoError(t, f.store.Create(ctx, stale))

	expired, err := f.svc.CheckExpiry(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	kept, err := f.store.Get(ctx, fresh.PatternID)
	require.NoError(t, err)
	assert.Equal(t, StatusShadow, kept.Status)

	dropped, err := f.store.Get(ctx, "fp-stale")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, dropped.Status)
}
