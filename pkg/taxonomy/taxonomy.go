// Package taxonomy maintains the versioned set of attack technique
// identifiers that automation is allowed to act on. Output validation
// intersects model-reported IDs with this set; anything outside it is
// quarantined rather than trusted.
package taxonomy

import (
	"regexp"
	"sort"
	"sync"
)

// idPattern is the closed grammar for technique identifiers: ATT&CK
// enterprise techniques and sub-techniques, and ATLAS techniques with the
// AML prefix. Nothing else ever passes, regardless of registry contents.
var idPattern = regexp.MustCompile(`^(T\d{4}(\.\d{3})?|AML\.T\d{4}(\.\d{3})?)$`)

// scanPattern is the non-anchored form of idPattern, used to pull candidate
// IDs out of free text such as model output. Longest match wins so a
// sub-technique is never split into its parent plus a dangling suffix.
var scanPattern = regexp.MustCompile(`\b(AML\.T\d{4}(\.\d{3})?|T\d{4}(\.\d{3})?)\b`)

// MatchesIDPattern reports whether id is grammatically a technique ID.
func MatchesIDPattern(id string) bool {
	return idPattern.MatchString(id)
}

// ExtractIDs returns every technique-shaped identifier found in text, in
// order of first appearance with duplicates collapsed. Grammar only; callers
// partition the result against a registry to decide what to trust.
func ExtractIDs(text string) []string {
	matches := scanPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// Technique is one entry in the registry.
type Technique struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Tactic string `json:"tactic,omitempty" yaml:"tactic,omitempty"`
}

// Registry holds the current taxonomy snapshot. Updates swap the whole set
// under the lock so readers never observe a partial version.
type Registry struct {
	mu         sync.RWMutex
	version    string
	techniques map[string]Technique
}

// NewRegistry creates a registry seeded with the built-in technique set.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Replace(builtinVersion, builtinTechniques())
	return r
}

// NewEmptyRegistry creates a registry with no techniques, for tests and for
// deployments that load the taxonomy from configuration at startup.
func NewEmptyRegistry(version string) *Registry {
	return &Registry{
		version:    version,
		techniques: map[string]Technique{},
	}
}

// Replace swaps the registry contents with a new versioned set.
func (r *Registry) Replace(version string, techniques []Technique) {
	m := make(map[string]Technique, len(techniques))
	for _, t := range techniques {
		if MatchesIDPattern(t.ID) {
			m[t.ID] = t
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = version
	r.techniques = m
}

// Version returns the active taxonomy version string.
func (r *Registry) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// IsKnown reports whether id is grammatically valid and present in the
// active set.
func (r *Registry) IsKnown(id string) bool {
	if !MatchesIDPattern(id) {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.techniques[id]
	return ok
}

// Lookup returns the technique entry for id.
func (r *Registry) Lookup(id string) (Technique, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.techniques[id]
	return t, ok
}

// Partition splits ids into those safe for automation and those that must be
// quarantined. Order within each slice follows the input; duplicates are
// collapsed.
func (r *Registry) Partition(ids []string) (known, quarantined []string) {
	seen := make(map[string]bool, len(ids))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if MatchesIDPattern(id) {
			if _, ok := r.techniques[id]; ok {
				known = append(known, id)
				continue
			}
		}
		quarantined = append(quarantined, id)
	}
	return known, quarantined
}

// IDs returns the sorted identifiers in the active set.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.techniques))
	for id := range r.techniques {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of techniques in the active set.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.techniques)
}
