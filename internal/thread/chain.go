package thread

import (
	"html"
	"regexp"
	"strings"

	"zpravobot/internal/models"
)

var (
	chainMarkerRe = regexp.MustCompile(`class="(?:thread-line|timeline-item thread)`)
	mainTweetRe   = regexp.MustCompile(`<div class="main-tweet"`)
	itemSplitRe   = regexp.MustCompile(`<div class="timeline-item[^"]*">`)
	tweetLinkRe   = regexp.MustCompile(`<a class="tweet-link" href="/([^/"]+)/status/([0-9]+)`)
	itemContentRe = regexp.MustCompile(`(?s)<div class="tweet-content[^"]*"[^>]*>(.*?)</div>`)
	tagRe         = regexp.MustCompile(`<[^>]+>`)
)

const previewLength = 100

// HasChainMarker reports whether a rendered context page contains a reply
// chain above the target post.
func HasChainMarker(page string) bool {
	return chainMarkerRe.MatchString(page)
}

// ExtractChain parses the ancestor items rendered above the target post
// into an ordered, oldest-first chain, capped to maxDepth by keeping only
// the most recent entries (truncating from the oldest end).
func ExtractChain(page, targetID string, maxDepth int) []models.ThreadChainEntry {
	// Ancestors render above the main tweet block; ignore replies below.
	if loc := mainTweetRe.FindStringIndex(page); loc != nil {
		page = page[:loc[0]]
	}

	var chain []models.ThreadChainEntry
	chunks := itemSplitRe.Split(page, -1)
	for _, chunk := range chunks[1:] {
		link := tweetLinkRe.FindStringSubmatch(chunk)
		if link == nil {
			continue
		}
		username, id := link[1], link[2]
		if id == targetID {
			continue
		}
		entry := models.ThreadChainEntry{ID: id, Username: username}
		if cm := itemContentRe.FindStringSubmatch(chunk); cm != nil {
			entry.TextPreview = preview(cm[1])
		}
		chain = append(chain, entry)
	}

	if maxDepth > 0 && len(chain) > maxDepth {
		chain = chain[len(chain)-maxDepth:]
	}
	return chain
}

func preview(markup string) string {
	text := strings.TrimSpace(html.UnescapeString(tagRe.ReplaceAllString(markup, "")))
	runes := []rune(text)
	if len(runes) > previewLength {
		return string(runes[:previewLength])
	}
	return text
}
