package textproc

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/purell"

	"zpravobot/internal/logging"
)

// trailingLinkRe matches a permalink at the very end of the text,
// optionally prefixed by a single symbol rune (e.g. a link emoji).
var trailingLinkRe = regexp.MustCompile(`(?s)^(.*?)(\s*(?:\p{So}\s*)?https?://\S+)\s*$`)

// ExtractTrailingURL splits text into its body and a trailing URL segment
// (the post permalink, possibly with an emoji prefix). The tail is returned
// verbatim, including its leading whitespace, so it can be reattached
// byte-identical after replacement and trimming. Returns the full text and
// an empty tail when no trailing URL is present.
func ExtractTrailingURL(text string) (body, tail string) {
	m := trailingLinkRe.FindStringSubmatch(text)
	if m == nil {
		return text, ""
	}
	return m[1], m[2]
}

// tracking params stripped from outbound links before publishing.
var trackingParams = []string{
	"fbclid",
	"gclid",
	"mc_eid",
	"msclkid",
	"utm_campaign",
	"utm_content",
	"utm_id",
	"utm_medium",
	"utm_source",
	"utm_term",
}

// CleanURL normalizes one URL and strips known tracking parameters. The
// original string is returned on any parse failure.
func CleanURL(raw string) string {
	clean, err := purell.NormalizeURLString(raw,
		purell.FlagsSafe|purell.FlagRemoveDuplicateSlashes|purell.FlagRemoveEmptyQuerySeparator)
	if err != nil {
		return raw
	}
	u, err := url.Parse(clean)
	if err != nil || u.RawQuery == "" {
		return clean
	}
	params := u.Query()
	for _, p := range trackingParams {
		params.Del(p)
	}
	u.RawQuery = params.Encode()
	return u.String()
}

// ProcessURLs applies configured bare-domain-to-https fixes, then cleans
// every link in the text.
func ProcessURLs(text string, domainFixes []string) string {
	for _, domain := range domainFixes {
		domain = strings.TrimSpace(domain)
		if domain == "" {
			continue
		}
		re, err := regexp.Compile(`(^|[\s(])(` + regexp.QuoteMeta(domain) + `(?:/\S*)?)`)
		if err != nil {
			logging.Warn("Skipping URL domain fix for %q: %v", domain, err)
			continue
		}
		text = re.ReplaceAllString(text, "${1}https://${2}")
	}

	return urlRe.ReplaceAllStringFunc(text, CleanURL)
}
