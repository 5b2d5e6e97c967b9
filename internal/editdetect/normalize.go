package editdetect

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	urlRe      = regexp.MustCompile(`https?://\S+`)
	mentionRe  = regexp.MustCompile(`@\w+`)
	hashtagRe  = regexp.MustCompile(`#\w+`)
	wsRe       = regexp.MustCompile(`\s+`)
	trailingRe = regexp.MustCompile(`[.…!?,;:\s]+$`)
)

// NormalizeText prepares text for similarity comparison: lowercase, strip
// URLs, mentions and hashtags, strip trailing ellipses and punctuation,
// collapse whitespace.
func NormalizeText(text string) string {
	text = strings.ToLower(text)
	text = urlRe.ReplaceAllString(text, "")
	text = mentionRe.ReplaceAllString(text, "")
	text = hashtagRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "...", "")
	text = trailingRe.ReplaceAllString(text, "")
	text = wsRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// NormalizeUsername lowercases and strips a leading "@".
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
}

// TextHash returns the content hash of normalized text, used for the O(1)
// exact-match fast path.
func TextHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(text) {
		set[w] = struct{}{}
	}
	return set
}

// Similarity computes the composite score between two normalized texts:
// 0.85 * max(jaccard, containment) + 0.15 * prefix ratio. Containment is
// |intersection| / min(|a|, |b|), which favors edits that only add words.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}

	setA, setB := wordSet(a), wordSet(b)
	inter := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	var jaccard, containment float64
	if union > 0 {
		jaccard = float64(inter) / float64(union)
	}
	smaller := len(setA)
	if len(setB) < smaller {
		smaller = len(setB)
	}
	if smaller > 0 {
		containment = float64(inter) / float64(smaller)
	}

	overlap := jaccard
	if containment > overlap {
		overlap = containment
	}
	return 0.85*overlap + 0.15*prefixRatio(a, b)
}

// prefixRatio is the shared-prefix length over the shorter text's length.
func prefixRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	n := len(ra)
	if len(rb) < n {
		n = len(rb)
	}
	if n == 0 {
		return 0.0
	}
	common := 0
	for i := 0; i < n; i++ {
		if ra[i] != rb[i] {
			break
		}
		common++
	}
	return float64(common) / float64(n)
}

// CompareIDs orders two platform ids. Purely numeric ids compare
// numerically; anything else compares lexicographically. Ids are expected
// to be monotonically sortable within a platform.
func CompareIDs(a, b string) int {
	if isNumeric(a) && isNumeric(b) {
		ta, tb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(ta) != len(tb) {
			if len(ta) < len(tb) {
				return -1
			}
			return 1
		}
		return strings.Compare(ta, tb)
	}
	return strings.Compare(a, b)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
