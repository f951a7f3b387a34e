package fp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/aluskort/aluskort/pkg/audit"
	"github.com/aluskort/aluskort/pkg/investigation"
)

// Decision is one evaluation outcome, recorded for canary stats, precision
// measurement and the sampling queue.
type Decision struct {
	TenantID        string    `json:"tenant_id"`
	PatternID       string    `json:"pattern_id"`
	PatternVersion  int       `json:"pattern_version"`
	InvestigationID string    `json:"investigation_id"`
	CompositeScore  float64   `json:"composite_score"`
	Threshold       float64   `json:"threshold"`
	Matched         bool      `json:"matched"`
	Shadow          bool      `json:"shadow"`
	DecidedAt       time.Time `json:"decided_at"`
}

// PatternStore is the persistence surface for governed patterns.
type PatternStore interface {
	Create(ctx context.Context, p *Pattern) error
	Get(ctx context.Context, patternID string) (*Pattern, error)
	Update(ctx context.Context, p *Pattern) error
	// ListMatchable returns active and shadow patterns whose scope could
	// cover the tenant.
	ListMatchable(ctx context.Context, tenantID string) ([]*Pattern, error)
	ListByStatus(ctx context.Context, status Status) ([]*Pattern, error)
	RecordDecision(ctx context.Context, d *Decision) error
	CanaryStats(ctx context.Context, patternID string, version int) (CanaryStats, error)
	IncrementMatch(ctx context.Context, patternID string, version int, at time.Time) error
}

// Service owns the pattern lifecycle and the evaluation path the
// orchestrator calls at fp_check.
type Service struct {
	store    PatternStore
	matcher  *Matcher
	adjuster *ThresholdAdjuster
	switches *KillSwitchManager
	canary   CanaryConfig
	emitter  audit.Emitter
	logger   *slog.Logger
}

func NewService(store PatternStore, adjuster *ThresholdAdjuster, switches *KillSwitchManager, emitter audit.Emitter, logger *slog.Logger) *Service {
	if store == nil {
		panic("fp: pattern store is required")
	}
	if adjuster == nil {
		panic("fp: threshold adjuster is required")
	}
	if switches == nil {
		panic("fp: kill switch manager is required")
	}
	if emitter == nil {
		panic("fp: audit emitter is required")
	}
	return &Service{
		store:    store,
		matcher:  NewMatcher(),
		adjuster: adjuster,
		switches: switches,
		canary:   DefaultCanaryConfig(),
		emitter:  emitter,
		logger:   logger,
	}
}

// CreatePattern validates and stores a new pending pattern.
func (s *Service) CreatePattern(ctx context.Context, p *Pattern) error {
	if _, err := regexp.Compile(p.AlertNamePattern); err != nil {
		return fmt.Errorf("alert name pattern: %w", err)
	}
	for i, em := range p.EntityPatterns {
		if em.CIDR != "" {
			continue
		}
		if _, err := regexp.Compile(em.Pattern); err != nil {
			return fmt.Errorf("entity pattern %d: %w", i, err)
		}
	}
	if p.Version == 0 {
		p.Version = 1
	}
	p.Status = StatusPending
	p.CreatedAt = time.Now().UTC()
	return s.store.Create(ctx, p)
}

// Approve applies one approval and persists the result. The returned pattern
// reflects the stored state.
func (s *Service) Approve(ctx context.Context, patternID, approver string) (*Pattern, error) {
	p, err := s.store.Get(ctx, patternID)
	if err != nil {
		return nil, err
	}
	if err := p.Approve(approver, time.Now()); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}

	event := audit.EventFPFirstApproval
	if p.SecondApprover != "" {
		event = audit.EventFPSecondApproval
	}
	err = s.emitter.Emit(ctx, &audit.Record{
		TenantID:  p.TenantID,
		EventType: event,
		Severity:  "info",
		Actor:     audit.Actor{Type: "user", ID: approver},
		Decision: map[string]any{
			"pattern_id": p.PatternID,
			"version":    p.Version,
			"status":     string(p.Status),
		},
	})
	return p, err
}

// Reaffirm extends a pattern's expiry.
func (s *Service) Reaffirm(ctx context.Context, patternID, approver string) (*Pattern, error) {
	p, err := s.store.Get(ctx, patternID)
	if err != nil {
		return nil, err
	}
	if err := p.Reaffirm(approver, time.Now()); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	err = s.emitter.Emit(ctx, &audit.Record{
		TenantID:  p.TenantID,
		EventType: audit.EventFPReaffirmed,
		Severity:  "info",
		Actor:     audit.Actor{Type: "user", ID: approver},
		Decision: map[string]any{
			"pattern_id": p.PatternID,
			"version":    p.Version,
			"expires_at": p.ExpiresAt,
		},
	})
	return p, err
}

// Revoke terminates a pattern version.
func (s *Service) Revoke(ctx context.Context, patternID, actor, reason string) (*Pattern, error) {
	p, err := s.store.Get(ctx, patternID)
	if err != nil {
		return nil, err
	}
	if err := p.Revoke(actor, reason, time.Now()); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	err = s.emitter.Emit(ctx, &audit.Record{
		TenantID:  p.TenantID,
		EventType: audit.EventFPRevoked,
		Severity:  "warning",
		Actor:     audit.Actor{Type: "user", ID: actor},
		Decision: map[string]any{
			"pattern_id": p.PatternID,
			"version":    p.Version,
			"reason":     reason,
		},
	})
	return p, err
}

// CheckExpiry sweeps approved patterns past their expiry into expired and
// returns how many were transitioned.
func (s *Service) CheckExpiry(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	for _, status := range []Status{StatusActive, StatusShadow} {
		patterns, err := s.store.ListByStatus(ctx, status)
		if err != nil {
			return expired, err
		}
		for _, p := range patterns {
			if !p.CheckExpiry(now) {
				continue
			}
			if err := s.store.Update(ctx, p); err != nil {
				return expired, fmt.Errorf("expire pattern %s: %w", p.PatternID, err)
			}
			expired++
			s.logger.Info("fp pattern expired", "pattern_id", p.PatternID, "version", p.Version)
		}
	}
	return expired, nil
}

// Evaluate runs the fp_check step for an investigation. It returns a match
// only when the short-circuit may proceed: a live pattern cleared the
// effective threshold and no kill switch covers it. Shadow-pattern hits are
// recorded for the canary but never returned.
func (s *Service) Evaluate(ctx context.Context, inv *investigation.Investigation) (*MatchResult, error) {
	patterns, err := s.store.ListMatchable(ctx, inv.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	threshold := s.adjuster.Effective()
	now := time.Now().UTC()

	// Shadow patterns score in parallel with the live path so canary stats
	// reflect the exact arithmetic that would have fired.
	if shadowHit := s.matcher.MatchShadow(inv, patterns, threshold); shadowHit != nil {
		if err := s.store.RecordDecision(ctx, &Decision{
			TenantID:        inv.TenantID,
			PatternID:       shadowHit.Pattern.PatternID,
			PatternVersion:  shadowHit.Pattern.Version,
			InvestigationID: inv.InvestigationID,
			CompositeScore:  shadowHit.Confidence,
			Threshold:       threshold,
			Matched:         true,
			Shadow:          true,
			DecidedAt:       now,
		}); err != nil {
			s.logger.Warn("shadow decision record failed", "error", err)
		}
	}

	hit := s.matcher.Match(inv, patterns, threshold)
	if hit == nil {
		return nil, nil
	}

	techniques := inv.Alert.Techniques
	if suppressed, dim, val := s.switches.Suppressed(ctx, inv.TenantID, hit.Pattern.PatternID, techniques, inv.Alert.Source); suppressed {
		s.logger.Info("fp short-circuit suppressed by kill switch",
			"investigation_id", inv.InvestigationID,
			"pattern_id", hit.Pattern.PatternID,
			"dimension", dim, "value", val)
		if err := s.store.RecordDecision(ctx, &Decision{
			TenantID:        inv.TenantID,
			PatternID:       hit.Pattern.PatternID,
			PatternVersion:  hit.Pattern.Version,
			InvestigationID: inv.InvestigationID,
			CompositeScore:  hit.Confidence,
			Threshold:       threshold,
			Matched:         true,
			Shadow:          true,
			DecidedAt:       now,
		}); err != nil {
			s.logger.Warn("suppressed decision record failed", "error", err)
		}
		return nil, nil
	}

	if err := s.store.RecordDecision(ctx, &Decision{
		TenantID:        inv.TenantID,
		PatternID:       hit.Pattern.PatternID,
		PatternVersion:  hit.Pattern.Version,
		InvestigationID: inv.InvestigationID,
		CompositeScore:  hit.Confidence,
		Threshold:       threshold,
		Matched:         true,
		DecidedAt:       now,
	}); err != nil {
		s.logger.Warn("fp decision record failed", "error", err)
	}
	if err := s.store.IncrementMatch(ctx, hit.Pattern.PatternID, hit.Pattern.Version, now); err != nil {
		s.logger.Warn("fp match counter update failed", "error", err)
	}
	if err := s.emitter.Emit(ctx, &audit.Record{
		TenantID:        inv.TenantID,
		EventType:       audit.EventFPMatched,
		Severity:        "info",
		Actor:           audit.Actor{Type: "service", ID: "fp-governance"},
		InvestigationID: inv.InvestigationID,
		AlertID:         inv.AlertID,
		Decision: map[string]any{
			"pattern_id": hit.Pattern.PatternID,
			"confidence": hit.Confidence,
			"threshold":  threshold,
		},
	}); err != nil {
		return nil, err
	}
	return hit, nil
}

// TryPromote promotes a shadow pattern whose canary stats clear the bar.
func (s *Service) TryPromote(ctx context.Context, patternID string) (bool, error) {
	p, err := s.store.Get(ctx, patternID)
	if err != nil {
		return false, err
	}
	if p.Status != StatusShadow {
		return false, nil
	}
	stats, err := s.store.CanaryStats(ctx, p.PatternID, p.Version)
	if err != nil {
		return false, err
	}
	if !s.canary.ShouldPromote(stats) {
		return false, nil
	}
	if err := p.Promote(); err != nil {
		return false, err
	}
	if err := s.store.Update(ctx, p); err != nil {
		return false, err
	}
	s.logger.Info("fp pattern promoted from canary",
		"pattern_id", p.PatternID,
		"decisions", stats.Decisions,
		"disagreement_rate", stats.DisagreementRate())
	return true, s.emitter.Emit(ctx, &audit.Record{
		TenantID:  p.TenantID,
		EventType: audit.EventCanaryPromoted,
		Severity:  "info",
		Actor:     audit.Actor{Type: "system", ID: "fp-canary"},
		Decision: map[string]any{
			"pattern_id":        p.PatternID,
			"version":           p.Version,
			"decisions":         stats.Decisions,
			"disagreement_rate": stats.DisagreementRate(),
		},
	})
}
