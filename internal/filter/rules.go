// Package filter evaluates content rules against post text and applies
// text replacements. All functions are pure over their inputs; invalid
// patterns are skipped, never fatal.
package filter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"zpravobot/internal/logging"
)

// Rule types. A rule in configuration is either a bare JSON string
// (case-insensitive substring), an explicit literal, a regex, an
// and/or/not combinator over named field sets, or a complex rule nesting
// other rules under an operator.
const (
	TypeLiteral = "literal"
	TypeRegex   = "regex"
	TypeAnd     = "and"
	TypeOr      = "or"
	TypeNot     = "not"
	TypeComplex = "complex"
)

// Target is what a rule is evaluated against. Content is usually the
// combined text+title+url of a post.
type Target struct {
	Content  string
	Username string
	Domain   string
}

// Rule is one node of the rule grammar.
type Rule struct {
	Type    string `json:"type"`
	Pattern string `json:"pattern,omitempty"`
	Flags   string `json:"flags,omitempty"`

	// Field sets for and/or/not combinators.
	Content       []string `json:"content,omitempty"`
	Username      []string `json:"username,omitempty"`
	Domain        []string `json:"domain,omitempty"`
	ContentRegex  []string `json:"content_regex,omitempty"`
	UsernameRegex []string `json:"username_regex,omitempty"`
	DomainRegex   []string `json:"domain_regex,omitempty"`

	// Nested rules for the complex type.
	Operator string `json:"operator,omitempty"`
	Rules    []Rule `json:"rules,omitempty"`
}

// UnmarshalJSON accepts either a bare string (shorthand for a literal) or
// the full rule object.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.Type = TypeLiteral
		r.Pattern = s
		return nil
	}
	type alias Rule
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("invalid filter rule: %w", err)
	}
	*r = Rule(a)
	if r.Type == "" {
		r.Type = TypeLiteral
	}
	return nil
}

// Matches evaluates the rule against the target.
func (r Rule) Matches(t Target) bool {
	switch r.Type {
	case "", TypeLiteral:
		return containsFold(t.Content, r.Pattern)
	case TypeRegex:
		re, err := compilePattern(r.Pattern, r.Flags)
		if err != nil {
			logging.Warn("Skipping invalid regex rule %q: %v", r.Pattern, err)
			return false
		}
		return re.MatchString(t.Content)
	case TypeAnd:
		return r.matchGroups(t, true)
	case TypeOr:
		return r.matchGroups(t, false)
	case TypeNot:
		return !r.matchGroups(t, false)
	case TypeComplex:
		return r.matchComplex(t)
	default:
		logging.Warn("Skipping filter rule with unknown type %q", r.Type)
		return false
	}
}

// matchGroups evaluates the named field sets. With all=true every
// non-empty group must have at least one hit; otherwise any hit suffices.
// Within a group, any element matching counts as a group hit.
func (r Rule) matchGroups(t Target, all bool) bool {
	type group struct {
		values []string
		field  string
		regex  bool
	}
	groups := []group{
		{r.Content, t.Content, false},
		{r.Username, t.Username, false},
		{r.Domain, t.Domain, false},
		{r.ContentRegex, t.Content, true},
		{r.UsernameRegex, t.Username, true},
		{r.DomainRegex, t.Domain, true},
	}

	sawGroup := false
	for _, g := range groups {
		if len(g.values) == 0 {
			continue
		}
		sawGroup = true
		hit := false
		for _, v := range g.values {
			if g.regex {
				re, err := compilePattern(v, r.Flags)
				if err != nil {
					logging.Warn("Skipping invalid regex %q in rule group: %v", v, err)
					continue
				}
				if re.MatchString(g.field) {
					hit = true
					break
				}
			} else if containsFold(g.field, v) {
				hit = true
				break
			}
		}
		if all && !hit {
			return false
		}
		if !all && hit {
			return true
		}
	}
	if !sawGroup {
		return false
	}
	return all
}

func (r Rule) matchComplex(t Target) bool {
	if len(r.Rules) == 0 {
		return false
	}
	requireAll := strings.EqualFold(r.Operator, "and")
	for _, sub := range r.Rules {
		hit := sub.Matches(t)
		if requireAll && !hit {
			return false
		}
		if !requireAll && hit {
			return true
		}
	}
	return requireAll
}

// CheckBanned reports whether any banned rule matches. Reject on first hit.
func CheckBanned(rules []Rule, t Target) bool {
	for _, r := range rules {
		if r.Matches(t) {
			return true
		}
	}
	return false
}

// CheckRequired reports whether the required-rule list is satisfied. An
// empty list is vacuously satisfied; otherwise ANY rule matching suffices.
// This either/or semantic is intentional, not "all must match".
func CheckRequired(rules []Rule, t Target) bool {
	if len(rules) == 0 {
		return true
	}
	for _, r := range rules {
		if r.Matches(t) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func compilePattern(pattern, flags string) (*regexp.Regexp, error) {
	var prefix string
	if strings.ContainsRune(flags, 'i') {
		prefix += "i"
	}
	if strings.ContainsRune(flags, 'm') {
		prefix += "m"
	}
	if strings.ContainsRune(flags, 's') {
		prefix += "s"
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}
	return regexp.Compile(pattern)
}
