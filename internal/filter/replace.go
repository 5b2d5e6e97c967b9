package filter

import (
	"regexp"

	"zpravobot/internal/logging"
)

// Replacement is one pattern substitution applied to formatted text.
type Replacement struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	// CaseInsensitive and Multiline set the corresponding regex flags.
	CaseInsensitive bool `json:"case_insensitive,omitempty"`
	Multiline       bool `json:"multiline,omitempty"`
	// Literal escapes the pattern so it matches verbatim.
	Literal bool `json:"literal,omitempty"`
}

func (r Replacement) compile() (*regexp.Regexp, error) {
	pattern := r.Pattern
	if r.Literal {
		pattern = regexp.QuoteMeta(pattern)
	}
	var flags string
	if r.CaseInsensitive {
		flags += "i"
	}
	if r.Multiline {
		flags += "m"
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	return regexp.Compile(pattern)
}

// ApplyReplacements applies each replacement rule in sequence. Rules are
// failure-isolated: an invalid pattern is logged and skipped.
func ApplyReplacements(text string, rules []Replacement) string {
	for _, rule := range rules {
		re, err := rule.compile()
		if err != nil {
			logging.Warn("Skipping replacement with invalid pattern %q: %v", rule.Pattern, err)
			continue
		}
		text = re.ReplaceAllString(text, rule.Replacement)
	}
	return text
}
