package fp

import (
	"fmt"
	"net"
	"regexp"
	"sync"

	"github.com/aluskort/aluskort/pkg/alert"
	"github.com/aluskort/aluskort/pkg/investigation"
)

// BaseThreshold is the composite confidence floor for a short-circuit before
// any adjuster raises it.
const BaseThreshold = 0.90

// MatchResult describes the best pattern match for an investigation.
type MatchResult struct {
	Pattern     *Pattern
	Confidence  float64
	NameScore   float64
	EntityScore float64
	Threshold   float64
}

// Matcher scores investigations against governed patterns. Compiled regexes
// are cached per pattern id+version.
type Matcher struct {
	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
}

func NewMatcher() *Matcher {
	return &Matcher{compiled: make(map[string]*regexp.Regexp)}
}

// Match evaluates candidates against the investigation's alert and returns
// the best match at or above threshold, or nil when nothing clears it. Only
// active, scope-matching patterns participate; shadow candidates are scored
// by MatchShadow for the canary log.
func (m *Matcher) Match(inv *investigation.Investigation, candidates []*Pattern, threshold float64) *MatchResult {
	return m.bestMatch(inv, candidates, threshold, StatusActive)
}

// MatchShadow scores shadow patterns the same way so canary decisions use
// identical arithmetic to the live path.
func (m *Matcher) MatchShadow(inv *investigation.Investigation, candidates []*Pattern, threshold float64) *MatchResult {
	return m.bestMatch(inv, candidates, threshold, StatusShadow)
}

func (m *Matcher) bestMatch(inv *investigation.Investigation, candidates []*Pattern, threshold float64, want Status) *MatchResult {
	a := inv.Alert
	if a == nil {
		return nil
	}
	var best *MatchResult
	for _, p := range candidates {
		if p.Status != want {
			continue
		}
		if !p.Scope.Matches(a.TenantID, a.Source, string(a.Severity)) {
			continue
		}
		nameScore := m.nameScore(p, a.Title)
		entityScore := m.entityScore(p, inv.Context.Entities)
		composite := (nameScore + entityScore) / 2
		if composite < threshold {
			continue
		}
		if best == nil || composite > best.Confidence {
			best = &MatchResult{
				Pattern:     p,
				Confidence:  composite,
				NameScore:   nameScore,
				EntityScore: entityScore,
				Threshold:   threshold,
			}
		}
	}
	return best
}

// nameScore is 1 when the pattern's alert-name regex matches the title.
func (m *Matcher) nameScore(p *Pattern, title string) float64 {
	re, err := m.compile(p, p.AlertNamePattern)
	if err != nil {
		return 0
	}
	if re.MatchString(title) {
		return 1.0
	}
	return 0
}

// entityScore is the fraction of the pattern's entity matchers satisfied by
// at least one extracted entity. A pattern with no entity matchers scores 1:
// it constrains nothing.
func (m *Matcher) entityScore(p *Pattern, entities alert.Entities) float64 {
	if len(p.EntityPatterns) == 0 {
		return 1.0
	}
	matched := 0
	for i, em := range p.EntityPatterns {
		values := entities[alert.EntityType(em.Type)]
		if m.matcherHits(p, i, em, values) {
			matched++
		}
	}
	return float64(matched) / float64(len(p.EntityPatterns))
}

func (m *Matcher) matcherHits(p *Pattern, idx int, em EntityMatcher, values []string) bool {
	if em.CIDR != "" {
		_, network, err := net.ParseCIDR(em.CIDR)
		if err != nil {
			return false
		}
		for _, v := range values {
			if ip := net.ParseIP(v); ip != nil && network.Contains(ip) {
				return true
			}
		}
		return false
	}
	re, err := m.compileRaw(fmt.Sprintf("%s/%d#%d", p.PatternID, p.Version, idx), em.Pattern)
	if err != nil {
		return false
	}
	for _, v := range values {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

func (m *Matcher) compile(p *Pattern, expr string) (*regexp.Regexp, error) {
	return m.compileRaw(fmt.Sprintf("%s/%d", p.PatternID, p.Version), expr)
}

func (m *Matcher) compileRaw(key, expr string) (*regexp.Regexp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.compiled[key]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("pattern %s: %w", key, err)
	}
	m.compiled[key] = re
	return re, nil
}
