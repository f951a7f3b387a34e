package gateway

import (
	"context"
	"log/slog"
	"regexp"
)

// Risk is the injection classifier's verdict on one untrusted field.
type Risk string

const (
	RiskBenign     Risk = "benign"
	RiskSuspicious Risk = "suspicious"
	RiskMalicious  Risk = "malicious"
)

// rank orders risks so the stricter of two verdicts can be chosen.
func (r Risk) rank() int {
	switch r {
	case RiskMalicious:
		return 2
	case RiskSuspicious:
		return 1
	default:
		return 0
	}
}

// Stricter returns the more severe of two verdicts.
func Stricter(a, b Risk) Risk {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Action is what the pipeline does with a field at a given risk.
type Action string

const (
	ActionPass       Action = "pass"
	ActionSummarize  Action = "summarize"
	ActionQuarantine Action = "quarantine"
)

// ActionFor maps a risk to its pipeline action.
func ActionFor(r Risk) Action {
	switch r {
	case RiskMalicious:
		return ActionQuarantine
	case RiskSuspicious:
		return ActionSummarize
	default:
		return ActionPass
	}
}

// injectionPattern is one member of the closed detection set. Names appear in
// audit payloads; the set only ever grows.
type injectionPattern struct {
	name string
	re   *regexp.Regexp
}

// injectionPatterns is the closed set the regex classifier counts against.
// Matches are counted per pattern, not per occurrence: a field that trips
// three distinct patterns is treated as deliberate, one that trips one or two
// may be an analyst quoting an attacker.
var injectionPatterns = []injectionPattern{
	{"instruction_override", regexp.MustCompile(`(?i)\bignore\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions?|context|rules|prompts?)`)},
	{"instruction_disregard", regexp.MustCompile(`(?i)\bdisregard\s+(all\s+|any\s+)?(previous|prior|above|your)\b`)},
	{"instruction_forget", regexp.MustCompile(`(?i)\bforget\s+(everything|all|your)\s`)},
	{"new_instructions", regexp.MustCompile(`(?i)\bnew\s+(system\s+)?instructions?\s*:`)},
	{"role_change", regexp.MustCompile(`(?i)\byou\s+are\s+(now|no\s+longer)\b`)},
	{"role_pretend", regexp.MustCompile(`(?i)\bpretend\s+(to\s+be|you\s+are)\b`)},
	{"role_act_as", regexp.MustCompile(`(?i)\bact\s+as\s+(a|an|the|if)\b`)},
	{"jailbreak", regexp.MustCompile(`(?i)\bjail\s?break\b`)},
	{"dan_mode", regexp.MustCompile(`(?i)\b(do\s+anything\s+now|dan\s+mode)\b`)},
	{"developer_mode", regexp.MustCompile(`(?i)\bdeveloper\s+mode\b`)},
	{"prompt_extraction", regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output|display)\b.{0,40}\b(system\s+prompt|your\s+(instructions|prompt|rules))`)},
	{"guardrail_override", regexp.MustCompile(`(?i)\b(bypass|override|disable|remove)\b.{0,30}\b(safety|filter|guardrail|restriction|limitation)s?\b`)},
	{"fenced_role_markup", regexp.MustCompile(`(?i)</?\s*(system|assistant|human|user)\s*>`)},
	{"role_line_marker", regexp.MustCompile(`(?im)^\s*(system|assistant)\s*:\s+`)},
	{"redirect_response", regexp.MustCompile(`(?i)\binstead[,.]?\s+(respond|reply|answer|output|say|write)\b`)},
	{"evidence_breakout", regexp.MustCompile(`(?i)</?\s*evidence\s*>`)},
	{"priority_claim", regexp.MustCompile(`(?i)\b(important|urgent|critical)\s*:?\s+(ignore|new\s+system|you\s+must\s+now)\b`)},
}

// Verdict is the classifier's result for one field.
type Verdict struct {
	Risk     Risk
	Action   Action
	Matched  []string
	Escalated bool // second opinion raised the regex verdict
}

// SecondOpinion reviews a suspicious field with a model. Implementations sit
// behind the tier-0 path; errors are contained by the classifier.
type SecondOpinion interface {
	Review(ctx context.Context, text string) (Risk, error)
}

// InjectionClassifier screens untrusted text before it can reach a prompt.
// The regex pass always runs; the optional second opinion only ever makes the
// verdict stricter.
type InjectionClassifier struct {
	second SecondOpinion
	logger *slog.Logger
}

// NewInjectionClassifier builds a classifier. second may be nil.
func NewInjectionClassifier(second SecondOpinion, logger *slog.Logger) *InjectionClassifier {
	return &InjectionClassifier{second: second, logger: logger}
}

// Classify counts pattern hits and maps the count to a verdict: zero is
// benign, one or two is suspicious, three or more is malicious. Suspicious
// fields get the second opinion when one is attached; its failure falls back
// to the regex verdict.
func (c *InjectionClassifier) Classify(ctx context.Context, text string) Verdict {
	var matched []string
	for _, p := range injectionPatterns {
		if p.re.MatchString(text) {
			matched = append(matched, p.name)
		}
	}

	risk := RiskBenign
	switch {
	case len(matched) >= 3:
		risk = RiskMalicious
	case len(matched) >= 1:
		risk = RiskSuspicious
	}

	v := Verdict{Risk: risk, Action: ActionFor(risk), Matched: matched}
	if risk != RiskSuspicious || c.second == nil {
		return v
	}

	reviewed, err := c.second.Review(ctx, text)
	if err != nil {
		c.logger.Warn("second-opinion classifier unavailable, keeping regex verdict",
			"error", err, "patterns", len(matched))
		return v
	}
	if stricter := Stricter(risk, reviewed); stricter != risk {
		v.Risk = stricter
		v.Action = ActionFor(stricter)
		v.Escalated = true
	}
	return v
}

// PatternCount returns the size of the closed detection set.
func PatternCount() int {
	return len(injectionPatterns)
}
