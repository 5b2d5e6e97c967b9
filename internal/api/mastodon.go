package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/mattn/go-mastodon"

	"zpravobot/internal/config"
	"zpravobot/internal/logging"
	"zpravobot/internal/models"
)

// mediaUploadConcurrency bounds parallel uploads for a single post. Four
// is the Mastodon per-post attachment limit.
const mediaUploadConcurrency = 4

// MastodonClient wraps the go-mastodon client. It is the Publisher: the
// single remote write surface of the system.
type MastodonClient struct {
	client   *mastodon.Client
	download *http.Client
}

// NewMastodonClient creates a Mastodon API client authenticated with the
// configured access token.
func NewMastodonClient(cfg *config.Config) *MastodonClient {
	client := mastodon.NewClient(&mastodon.Config{
		Server:      cfg.MastodonServer,
		AccessToken: cfg.MastodonAccessToken,
	})
	return &MastodonClient{
		client:   client,
		download: http.DefaultClient,
	}
}

func (msc *MastodonClient) checkAuth() error {
	if msc.client.Config.AccessToken == "" {
		return fmt.Errorf("mastodon client not authenticated: missing access token")
	}
	return nil
}

// Publish creates a new status and returns its id.
func (msc *MastodonClient) Publish(ctx context.Context, text string, mediaIDs []string, visibility, inReplyToID string) (string, error) {
	if err := msc.checkAuth(); err != nil {
		return "", err
	}

	if visibility == "" {
		visibility = "public"
	}
	toot := &mastodon.Toot{
		Status:     text,
		Visibility: visibility,
	}
	if inReplyToID != "" {
		toot.InReplyToID = mastodon.ID(inReplyToID)
	}
	for _, id := range mediaIDs {
		toot.MediaIDs = append(toot.MediaIDs, mastodon.ID(id))
	}

	status, err := msc.client.PostStatus(ctx, toot)
	if err != nil {
		return "", mapStatusError(fmt.Errorf("failed to post status: %w", err))
	}

	logging.Info("Published status %s (%s)", status.ID, status.URL)
	return string(status.ID), nil
}

// UpdateStatus edits an existing status in place. Fails with ErrNotFound
// when the status no longer exists and ErrEditNotAllowed when the server
// refuses the edit.
func (msc *MastodonClient) UpdateStatus(ctx context.Context, id, text string, mediaIDs []string) (string, error) {
	if err := msc.checkAuth(); err != nil {
		return "", err
	}

	toot := &mastodon.Toot{Status: text}
	for _, mid := range mediaIDs {
		toot.MediaIDs = append(toot.MediaIDs, mastodon.ID(mid))
	}

	status, err := msc.client.UpdateStatus(ctx, toot, mastodon.ID(id))
	if err != nil {
		return "", mapStatusError(fmt.Errorf("failed to update status %s: %w", id, err))
	}

	logging.Info("Updated status %s in place", status.ID)
	return string(status.ID), nil
}

// DeleteStatus removes a status.
func (msc *MastodonClient) DeleteStatus(ctx context.Context, id string) error {
	if err := msc.checkAuth(); err != nil {
		return err
	}
	if err := msc.client.DeleteStatus(ctx, mastodon.ID(id)); err != nil {
		return mapStatusError(fmt.Errorf("failed to delete status %s: %w", id, err))
	}
	return nil
}

// UploadMediaParallel downloads and uploads all attachments concurrently,
// bounded by the per-post limit, and returns the resulting media ids in
// attachment order. A single failed upload does not abort the others; the
// call returns once the whole batch settles. An error is returned only
// when every upload failed.
func (msc *MastodonClient) UploadMediaParallel(ctx context.Context, media []models.Media) ([]string, error) {
	if err := msc.checkAuth(); err != nil {
		return nil, err
	}
	if len(media) == 0 {
		return nil, nil
	}

	ids := make([]string, len(media))
	errs := make([]error, len(media))
	sem := make(chan struct{}, mediaUploadConcurrency)
	var wg sync.WaitGroup

	for i := range media {
		wg.Add(1)
		go func(idx int, m models.Media) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			id, err := msc.uploadOne(ctx, m)
			if err != nil {
				logging.Error("Failed to upload media %s: %v", m.URL, err)
				errs[idx] = err
				return
			}
			ids[idx] = id
		}(i, media[i])
	}
	wg.Wait()

	var out []string
	failed := 0
	for i := range ids {
		if errs[i] != nil {
			failed++
			continue
		}
		out = append(out, ids[i])
	}
	if failed == len(media) {
		return nil, fmt.Errorf("all %d media uploads failed: %w", len(media), errs[0])
	}
	return out, nil
}

func (msc *MastodonClient) uploadOne(ctx context.Context, m models.Media) (string, error) {
	data, err := msc.downloadMedia(ctx, m.URL)
	if err != nil {
		return "", err
	}

	attachment, err := msc.client.UploadMediaFromMedia(ctx, &mastodon.Media{
		File:        bytes.NewReader(data),
		Description: m.AltText,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload media from %s: %w", m.URL, err)
	}

	logging.Debug("Uploaded media %s as attachment %s", m.URL, attachment.ID)
	return string(attachment.ID), nil
}

func (msc *MastodonClient) downloadMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", mediaURL, err)
	}
	resp, err := msc.download.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download media from %s: %w", mediaURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download media from %s: status %d", mediaURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// mapStatusError converts remote-state conflicts into the distinguishable
// sentinel errors callers branch on. go-mastodon surfaces HTTP failures as
// formatted strings, so status codes are matched textually.
func mapStatusError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "404"):
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case strings.Contains(msg, "422"), strings.Contains(msg, "403"):
		return fmt.Errorf("%w: %s", ErrEditNotAllowed, msg)
	}
	return err
}
