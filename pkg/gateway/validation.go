package gateway

import (
	"sort"
	"strings"

	"github.com/aluskort/aluskort/pkg/taxonomy"
)

// unverifiedToken replaces quarantined identifiers in automation-driving
// fields. It deliberately does not match the technique-ID grammar, so nothing
// downstream can mistake it for one.
const unverifiedToken = "unverified-technique"

// ValidatedOutput is the result of screening model output against the
// taxonomy. RawOutput keeps the model's words for audit; Content is what
// automation may act on.
type ValidatedOutput struct {
	Content        string
	RawOutput      string
	KnownIDs       []string
	QuarantinedIDs []string
}

// ValidateOutput extracts every technique-shaped identifier from raw and
// partitions it against the active taxonomy. Identifiers outside the set are
// stripped from Content and reported; the caller audits them.
func ValidateOutput(reg *taxonomy.Registry, raw string) ValidatedOutput {
	ids := taxonomy.ExtractIDs(raw)
	known, quarantined := reg.Partition(ids)
	return ValidatedOutput{
		Content:        StripIDs(raw, quarantined),
		RawOutput:      raw,
		KnownIDs:       known,
		QuarantinedIDs: quarantined,
	}
}

// StripIDs replaces each listed identifier in text. Longer identifiers go
// first so stripping T1059 can never mangle an occurrence of T1059.001.
func StripIDs(text string, ids []string) string {
	if len(ids) == 0 {
		return text
	}
	ordered := make([]string, len(ids))
	copy(ordered, ids)
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })
	for _, id := range ordered {
		text = strings.ReplaceAll(text, id, unverifiedToken)
	}
	return text
}
