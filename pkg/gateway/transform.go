package gateway

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/aluskort/aluskort/pkg/alert"
)

// The transform stage never emits redaction tokens. A "[REDACTED_...]"
// marker tells an attacker which pattern fired; a lossy summary tells them
// nothing. Quarantined fields collapse to this fixed placeholder.
const quarantinePlaceholder = "(external content withheld by gateway screening)"

var sentenceSplit = regexp.MustCompile(`(?m)[.!?\n]+\s*`)

// imperativeOpen catches instruction-shaped sentence openings that the
// pattern set does not already cover. Used only for sentence filtering
// inside Summarize, never for classification.
var imperativeOpen = regexp.MustCompile(`(?i)^\s*(please\s+|now\s+|you\s+(must|should|need|will)|ignore|disregard|forget|pretend|act\s+as|respond|reply|answer|output|say|write|reveal|show\s+me|print|repeat|execute|run)\b`)

// Summarize lossily compresses a suspicious field: typed entities survive,
// factual sentences survive, anything instruction-shaped is dropped. The
// output is safe to place in evidence because the instruction payload cannot
// survive the extraction.
func Summarize(text string) string {
	entities := alert.ExtractEntities(text)

	var facts []string
	for _, s := range sentenceSplit.Split(text, -1) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if instructionShaped(s) {
			continue
		}
		facts = append(facts, s)
	}

	var b strings.Builder
	b.WriteString("summary of screened content:\n")
	if len(entities) > 0 {
		types := make([]string, 0, len(entities))
		for t := range entities {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(&b, "  %s: %s\n", t, strings.Join(entities[alert.EntityType(t)], ", "))
		}
	}
	if len(facts) > 0 {
		b.WriteString("  facts:\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "    - %s\n", f)
		}
	}
	if len(entities) == 0 && len(facts) == 0 {
		return quarantinePlaceholder
	}
	return strings.TrimRight(b.String(), "\n")
}

// instructionShaped reports whether a single sentence looks like an
// instruction to the model rather than a statement about the world.
func instructionShaped(sentence string) bool {
	if imperativeOpen.MatchString(sentence) {
		return true
	}
	for _, p := range injectionPatterns {
		if p.re.MatchString(sentence) {
			return true
		}
	}
	return false
}

// Quarantine replaces the field entirely. The original is never forwarded,
// summarized or described.
func Quarantine() string {
	return quarantinePlaceholder
}

// ApplyVerdict routes a field's content through the transform matching its
// verdict.
func ApplyVerdict(content string, v Verdict) string {
	switch v.Action {
	case ActionQuarantine:
		return Quarantine()
	case ActionSummarize:
		return Summarize(content)
	default:
		return content
	}
}
