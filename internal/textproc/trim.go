// Package textproc shapes formatted text to fit the publish target:
// length-budget trimming with several strategies, cleanup of URL artifacts
// left dangling by a cut, and link normalization.
package textproc

import (
	"regexp"
	"strings"
	"unicode"
)

// Trim strategies.
const (
	StrategyHard  = "hard"
	StrategyWord  = "word"
	StrategySmart = "smart"
)

const (
	// truncationMarker is appended whenever a cut happens before the
	// natural end of the text. Budgeted inside the limit.
	truncationMarker = " …"

	// smartTolerance is the window below the hard limit within which a
	// sentence boundary is considered ideal.
	smartTolerance = 0.12

	// boundaryFloor is the minimum share of the budget a fallback cut
	// point must reach before we give up on it.
	boundaryFloor = 0.70
)

var (
	ellipsisRunRe   = regexp.MustCompile(`(?:\.{3,}|…+(?:\.+)?)`)
	spaceRunRe      = regexp.MustCompile(`[ \t]{2,}`)
	newlineRunRe    = regexp.MustCompile(`\n{3,}`)
	urlRe           = regexp.MustCompile(`https?://\S+`)
	trailingURLRe   = regexp.MustCompile(`https?://\S*$`)
	sentenceBoundRe = regexp.MustCompile(`[.!?…]`)
)

// Normalize collapses whitespace and ellipsis runs. Applied before any
// length comparison so the budget is spent on content, not artifacts.
func Normalize(text string) string {
	text = ellipsisRunRe.ReplaceAllString(text, "…")
	text = spaceRunRe.ReplaceAllString(text, " ")
	text = newlineRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Trim reduces text to at most maxLength runes using the given strategy.
// The returned text never exceeds maxLength; a non-positive budget yields
// the empty string.
func Trim(text string, maxLength int, strategy string) string {
	if maxLength <= 0 {
		return ""
	}
	text = Normalize(text)
	runes := []rune(text)
	if len(runes) <= maxLength {
		return text
	}

	markerLen := len([]rune(truncationMarker))
	budget := maxLength - markerLen
	if budget <= 0 {
		return string(runes[:maxLength])
	}

	var cut int
	switch strategy {
	case StrategySmart:
		cut = smartCut(runes, budget)
	case StrategyWord:
		cut = wordCut(runes, budget)
	default:
		cut = budget
	}

	out := strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace)
	out = cleanupDanglingURL(out)
	// A sentence cut already ends with terminal punctuation but the text
	// still continues, so the marker applies in every truncation case.
	return out + truncationMarker
}

// wordCut returns the cut position at the last word boundary within the
// budget, preferring a cut after boundaryFloor of the budget. Never splits
// mid-word unless the text contains no usable boundary at all.
func wordCut(runes []rune, budget int) int {
	last := -1
	for i := 0; i < budget && i < len(runes); i++ {
		if unicode.IsSpace(runes[i]) {
			last = i
		}
	}
	if last > 0 {
		return last
	}
	return budget
}

// smartCut scans for sentence-ending punctuation within the budget,
// excluding positions inside URLs and single-letter abbreviations. It
// picks the latest boundary inside the tolerance window below the limit,
// falls back to the best boundary past the floor, and finally to a word
// cut.
func smartCut(runes []rune, budget int) int {
	text := string(runes[:min(len(runes), budget)])
	urls := urlRe.FindAllStringIndex(text, -1)

	inURL := func(byteIdx int) bool {
		for _, span := range urls {
			if byteIdx >= span[0] && byteIdx < span[1] {
				return true
			}
		}
		return false
	}

	best := -1 // rune index just past the chosen boundary
	byteIdx := 0
	for runeIdx, r := range runes[:min(len(runes), budget)] {
		size := len(string(r))
		if sentenceBoundRe.MatchString(string(r)) && !inURL(byteIdx) && !isAbbreviation(runes, runeIdx) {
			// Boundary counts only when followed by whitespace or
			// the end of the scanned window.
			if runeIdx+1 >= budget || runeIdx+1 >= len(runes) || unicode.IsSpace(runes[runeIdx+1]) {
				best = runeIdx + 1
			}
		}
		byteIdx += size
	}

	if best < 0 {
		return wordCut(runes, budget)
	}
	window := int(float64(budget) * (1.0 - smartTolerance))
	if best >= window {
		return best
	}
	if best >= int(float64(budget)*boundaryFloor) {
		return best
	}
	return wordCut(runes, budget)
}

// isAbbreviation reports whether the punctuation at idx terminates a
// single-letter abbreviation like "J." rather than a sentence.
func isAbbreviation(runes []rune, idx int) bool {
	if runes[idx] != '.' || idx < 1 {
		return false
	}
	if !unicode.IsLetter(runes[idx-1]) {
		return false
	}
	return idx < 2 || unicode.IsSpace(runes[idx-2])
}

// cleanupDanglingURL removes a URL artifact left at the new end of the
// text by a cut: an incomplete URL, or a URL immediately followed by a
// short non-terminated fragment.
func cleanupDanglingURL(text string) string {
	if loc := trailingURLRe.FindStringIndex(text); loc != nil {
		return strings.TrimRightFunc(text[:loc[0]], unicode.IsSpace)
	}

	// URL followed by a dangling fragment: no sentence-terminal
	// punctuation after the last URL and only a few trailing words.
	spans := urlRe.FindAllStringIndex(text, -1)
	if len(spans) == 0 {
		return text
	}
	last := spans[len(spans)-1]
	tail := text[last[1]:]
	trimmedTail := strings.TrimSpace(tail)
	if trimmedTail == "" {
		return text
	}
	tailRunes := []rune(trimmedTail)
	if !sentenceBoundRe.MatchString(string(tailRunes[len(tailRunes)-1])) && len(strings.Fields(trimmedTail)) <= 3 {
		return strings.TrimRightFunc(text[:last[0]], unicode.IsSpace)
	}
	return text
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
