package api

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jaytaylor/html2text"

	"zpravobot/internal/logging"
	"zpravobot/internal/models"
)

// NitterClient scrapes a Nitter instance. It is the primary (richest,
// least reliable) tier of the fetch cascade and the context-page source
// for thread reconstruction.
type NitterClient struct {
	base string
	http *http.Client
}

// NewNitterClient creates a scrape client for the given instance base URL.
func NewNitterClient(base string, httpClient *http.Client) *NitterClient {
	return &NitterClient{
		base: strings.TrimRight(base, "/"),
		http: httpClient,
	}
}

var (
	tweetContentRe  = regexp.MustCompile(`(?s)<div class="tweet-content[^"]*"[^>]*>(.*?)</div>`)
	fullnameRe      = regexp.MustCompile(`<a class="fullname"[^>]*>([^<]*)</a>`)
	tweetDateRe     = regexp.MustCompile(`<span class="tweet-date"><a [^>]*title="([^"]+)"`)
	stillImageRe    = regexp.MustCompile(`<a class="still-image" href="([^"]+)"`)
	videoRe         = regexp.MustCompile(`<div class="attachment video-container">`)
	retweetHeaderRe = regexp.MustCompile(`<div class="retweet-header">`)
	replyingToRe    = regexp.MustCompile(`<div class="replying-to">`)
	quoteRe         = regexp.MustCompile(`<div class="quote\b`)
	threadMarkRe    = regexp.MustCompile(`class="(?:thread-line|timeline-item thread)`)
)

// nitterDateLayout matches the title attribute on tweet permalinks.
const nitterDateLayout = "Jan 2, 2006 · 3:04 PM UTC"

// FetchPost retrieves and parses a single rendered tweet page.
// Returns ErrNotFound on a definitive 404 (deleted or protected tweet),
// (nil, nil) when the page rendered without usable content (the instance
// is degraded; the caller may retry), and a Post otherwise.
func (nc *NitterClient) FetchPost(ctx context.Context, username, id string) (*models.Post, error) {
	page, err := nc.get(ctx, fmt.Sprintf("%s/%s/status/%s", nc.base, url.PathEscape(username), url.PathEscape(id)))
	if err != nil {
		return nil, err
	}
	post := nc.parseTweetPage(page, username, id)
	if post == nil {
		logging.Warn("Nitter page for %s/%s had no usable tweet content", username, id)
	}
	return post, nil
}

// FetchContextPage retrieves the rendered context page for a post,
// including the ancestor items Nitter renders above it. Used by thread
// reconstruction; returned raw.
func (nc *NitterClient) FetchContextPage(ctx context.Context, username, id string) (string, error) {
	return nc.get(ctx, fmt.Sprintf("%s/%s/status/%s", nc.base, url.PathEscape(username), url.PathEscape(id)))
}

// HasThreadMarker reports whether the rendered page contains a
// same-author chain marker.
func HasThreadMarker(page string) bool {
	return threadMarkRe.MatchString(page)
}

var timelineLinkRe = regexp.MustCompile(`<a class="tweet-link" href="/([^/"]+)/status/(\d+)`)

// FetchLatestIDs scrapes the profile timeline and returns post ids newer
// than sinceID, oldest first. Pinned tweets and other accounts' items
// surfaced on the timeline are excluded by username.
func (nc *NitterClient) FetchLatestIDs(ctx context.Context, username, sinceID string) ([]string, error) {
	page, err := nc.get(ctx, fmt.Sprintf("%s/%s", nc.base, url.PathEscape(username)))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, m := range timelineLinkRe.FindAllStringSubmatch(page, -1) {
		if !strings.EqualFold(m[1], username) {
			continue
		}
		id := m[2]
		if seen[id] {
			continue
		}
		seen[id] = true
		if sinceID != "" && compareNumericIDs(id, sinceID) <= 0 {
			continue
		}
		ids = append(ids, id)
	}

	// Timeline renders newest first.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

// compareNumericIDs orders snowflake ids without overflowing int64
// parsing: longer decimal strings are larger.
func compareNumericIDs(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func (nc *NitterClient) get(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request for %s: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; zpravobot)")

	resp, err := nc.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return "", fmt.Errorf("%w: %s", ErrNotFound, pageURL)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, pageURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", pageURL, err)
	}
	return string(body), nil
}

// parseTweetPage extracts a Post from the main tweet block of a rendered
// page. Returns nil when the page carries no tweet content.
func (nc *NitterClient) parseTweetPage(page, username, id string) *models.Post {
	m := tweetContentRe.FindStringSubmatch(page)
	if m == nil {
		return nil
	}

	text, err := html2text.FromString(m[1], html2text.Options{})
	if err != nil {
		text = html.UnescapeString(stripTags(m[1]))
	}
	text = strings.TrimSpace(text)

	post := &models.Post{
		ID:       id,
		Platform: models.PlatformTwitter,
		URL:      fmt.Sprintf("https://twitter.com/%s/status/%s", username, id),
		Text:     text,
		Author: models.Author{
			Username:   username,
			ProfileURL: fmt.Sprintf("https://twitter.com/%s", username),
		},
		IsRepost:     retweetHeaderRe.MatchString(page),
		IsReply:      replyingToRe.MatchString(page),
		IsQuote:      quoteRe.MatchString(page),
		IsThreadPost: HasThreadMarker(page),
		HasVideo:     videoRe.MatchString(page),
	}
	post.Extra.FetchTier = "scrape"

	if fm := fullnameRe.FindStringSubmatch(page); fm != nil {
		post.Author.DisplayName = html.UnescapeString(strings.TrimSpace(fm[1]))
	}
	if dm := tweetDateRe.FindStringSubmatch(page); dm != nil {
		if ts, err := time.Parse(nitterDateLayout, html.UnescapeString(dm[1])); err == nil {
			post.PublishedAt = ts
		}
	}
	for _, im := range stillImageRe.FindAllStringSubmatch(page, -1) {
		post.Media = append(post.Media, models.Media{
			Type: models.MediaImage,
			URL:  nc.absoluteURL(html.UnescapeString(im[1])),
		})
	}
	if post.HasVideo {
		post.Media = append(post.Media, models.Media{Type: models.MediaVideo, URL: post.URL})
	}

	return post
}

func (nc *NitterClient) absoluteURL(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return nc.base + href
}

var tagRe = regexp.MustCompile(`<[^>]+>`)

func stripTags(s string) string {
	return tagRe.ReplaceAllString(s, "")
}
