// Package format composes the literal status text published to Mastodon
// from a unified Post. It adapts HTML or plain source text, rewrites
// mentions that Mastodon cannot resolve, and appends the permalink as a
// trailing link segment that later pipeline steps preserve untouched.
package format

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/jaytaylor/html2text"
	"github.com/microcosm-cc/bluemonday"

	"zpravobot/internal/logging"
	"zpravobot/internal/models"
)

// Formatter converts posts into Mastodon status text.
type Formatter struct {
	htmlSanitizer *bluemonday.Policy
}

// NewFormatter creates a Formatter.
func NewFormatter() *Formatter {
	return &Formatter{
		// Strict policy as the fallback HTML stripper when html2text
		// chokes on malformed markup.
		htmlSanitizer: bluemonday.StrictPolicy(),
	}
}

var multiNewlineRe = regexp.MustCompile(`\n{3,}`)

// Format produces the status text for a post. The permalink is appended as
// the final line ("🔗 <url>"); replacement and trim steps extract and
// reattach that segment byte-identical.
func (f *Formatter) Format(post *models.Post) (string, error) {
	if post == nil {
		return "", fmt.Errorf("cannot format nil post")
	}

	text := post.Text
	if strings.Contains(text, "<") && strings.Contains(text, ">") {
		converted, err := f.htmlToPlainText(text)
		if err != nil {
			logging.Warn("HTML conversion failed for %s, using basic strip: %v", post.ID, err)
			converted = f.basicStripHTML(text)
		}
		text = converted
	}

	switch post.Platform {
	case models.PlatformBluesky:
		text = convertBlueskyMentions(text)
	case models.PlatformTwitter:
		text = convertTwitterMentions(text)
	}

	var b strings.Builder
	switch {
	case post.IsRepost && post.RepostedBy != "":
		b.WriteString(fmt.Sprintf("🔄 RT @%s:\n\n", strings.TrimPrefix(post.RepostedBy, "@")))
	case post.IsRepost:
		b.WriteString("🔄 RT:\n\n")
	case post.IsReply && !post.IsThreadPost:
		b.WriteString("💬 ")
	}
	b.WriteString(text)

	if post.IsQuote && post.QuotedPost != nil && post.QuotedPost.URL != "" {
		b.WriteString(fmt.Sprintf("\n\n💬 %s", post.QuotedPost.URL))
	}

	if post.HasVideo {
		if videoURL := firstVideoURL(post); videoURL != "" && videoURL != post.URL {
			b.WriteString(fmt.Sprintf("\n\n🎞 %s", videoURL))
			post.Extra.VideoAppended = true
		}
	}

	if post.Extra.ForceReadMore {
		b.WriteString(" […]")
	}

	if post.URL != "" {
		b.WriteString(fmt.Sprintf("\n\n🔗 %s", post.URL))
	}

	return b.String(), nil
}

func firstVideoURL(post *models.Post) string {
	for _, m := range post.Media {
		if m.Type == models.MediaVideo && m.URL != "" {
			return m.URL
		}
	}
	return ""
}

// htmlToPlainText converts HTML content to a cleaner plain text
// representation.
func (f *Formatter) htmlToPlainText(htmlContent string) (string, error) {
	plainText, err := html2text.FromString(htmlContent, html2text.Options{})
	if err != nil {
		return "", fmt.Errorf("html2text conversion error: %w", err)
	}
	plainText = strings.TrimSpace(plainText)
	plainText = multiNewlineRe.ReplaceAllString(plainText, "\n\n")
	return html.UnescapeString(plainText), nil
}

func (f *Formatter) basicStripHTML(htmlContent string) string {
	sanitized := f.htmlSanitizer.Sanitize(htmlContent)
	return strings.TrimSpace(html.UnescapeString(sanitized))
}

var (
	blueskyMentionRe = regexp.MustCompile(`(?i)(?:^|\s)(@([a-zA-Z0-9.-]+\.(?:bsky\.social|[a-zA-Z]{2,})))`)
	twitterMentionRe = regexp.MustCompile(`(?:^|\s)(@(\w{1,15}))\b`)
)

// convertBlueskyMentions turns @handle.domain mentions into profile URLs,
// since Mastodon cannot resolve Bluesky handles.
func convertBlueskyMentions(content string) string {
	return blueskyMentionRe.ReplaceAllStringFunc(content, func(match string) string {
		parts := blueskyMentionRe.FindStringSubmatch(match)
		if len(parts) < 3 {
			return match
		}
		mention := strings.TrimSpace(parts[1])
		return strings.Replace(match, mention, fmt.Sprintf("%s (https://bsky.app/profile/%s)", mention, parts[2]), 1)
	})
}

// convertTwitterMentions expands @user so Mastodon does not resolve it
// against a local account of the same name.
func convertTwitterMentions(content string) string {
	return twitterMentionRe.ReplaceAllStringFunc(content, func(match string) string {
		parts := twitterMentionRe.FindStringSubmatch(match)
		if len(parts) < 3 {
			return match
		}
		mention := strings.TrimSpace(parts[1])
		return strings.Replace(match, mention, fmt.Sprintf("%s@twitter.com", mention), 1)
	})
}
