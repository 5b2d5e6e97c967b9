package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"zpravobot/internal/models"
)

// syndicationBase is the token-less public CDN endpoint used as the
// secondary fetch tier. Read-only, no credentials; authoritative for
// content but not for post classification.
const syndicationBase = "https://cdn.syndication.twimg.com/tweet-result"

// SyndicationClient fetches tweet content from the public syndication CDN.
type SyndicationClient struct {
	base string
	http *http.Client
}

// NewSyndicationClient creates a secondary-tier fetch client.
func NewSyndicationClient(httpClient *http.Client) *SyndicationClient {
	return &SyndicationClient{base: syndicationBase, http: httpClient}
}

type syndicationTweet struct {
	IDStr     string    `json:"id_str"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	User      struct {
		ScreenName string `json:"screen_name"`
		Name       string `json:"name"`
	} `json:"user"`
	Photos []struct {
		URL     string `json:"url"`
		AltText string `json:"accessibilityLabel"`
	} `json:"photos"`
	Video *struct {
		Poster string `json:"poster"`
	} `json:"video"`
}

// FetchPost retrieves one tweet by id. Returns ErrNotFound on a
// definitive 404 and a content-only Post otherwise; the caller inherits
// classification flags from more authoritative data.
func (sc *SyndicationClient) FetchPost(ctx context.Context, id string) (*models.Post, error) {
	reqURL := fmt.Sprintf("%s?id=%s&lang=en", sc.base, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create syndication request for %s: %w", id, err)
	}

	resp, err := sc.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch syndication tweet %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: syndication tweet %s", ErrNotFound, id)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d fetching syndication tweet %s", resp.StatusCode, id)
	}

	var tweet syndicationTweet
	if err := json.NewDecoder(resp.Body).Decode(&tweet); err != nil {
		return nil, fmt.Errorf("failed to decode syndication tweet %s: %w", id, err)
	}
	if tweet.IDStr == "" {
		return nil, fmt.Errorf("%w: syndication tweet %s (empty payload)", ErrNotFound, id)
	}

	post := &models.Post{
		ID:          tweet.IDStr,
		Platform:    models.PlatformTwitter,
		URL:         fmt.Sprintf("https://twitter.com/%s/status/%s", tweet.User.ScreenName, tweet.IDStr),
		Text:        tweet.Text,
		PublishedAt: tweet.CreatedAt,
		Author: models.Author{
			Username:    tweet.User.ScreenName,
			DisplayName: tweet.User.Name,
			ProfileURL:  fmt.Sprintf("https://twitter.com/%s", tweet.User.ScreenName),
		},
	}
	for _, photo := range tweet.Photos {
		post.Media = append(post.Media, models.Media{
			Type:    models.MediaImage,
			URL:     photo.URL,
			AltText: photo.AltText,
		})
	}
	if tweet.Video != nil {
		post.HasVideo = true
		if tweet.Video.Poster != "" {
			post.Media = append(post.Media, models.Media{Type: models.MediaThumbnail, URL: tweet.Video.Poster})
		}
	}
	post.Extra.FetchTier = "syndication"

	return post, nil
}
