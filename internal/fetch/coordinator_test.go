package fetch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zpravobot/internal/api"
	"zpravobot/internal/models"
	"zpravobot/internal/thread"
)

type scriptedScraper struct {
	calls   int
	results []func() (*models.Post, error)
}

func (s *scriptedScraper) FetchPost(ctx context.Context, username, id string) (*models.Post, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		return nil, errors.New("unexpected extra call")
	}
	return s.results[idx]()
}

type fakeSecondary struct {
	calls int
	post  *models.Post
	err   error
}

func (f *fakeSecondary) FetchPost(ctx context.Context, id string) (*models.Post, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.post, nil
}

type fakeFetchStore struct {
	latest string
	calls  int
}

func (f *fakeFetchStore) GetLatestPublishedID(sourceID string, within time.Duration) (string, bool, error) {
	f.calls++
	if f.latest == "" {
		return "", false, nil
	}
	return f.latest, true, nil
}

func scrapePost(id string) *models.Post {
	p := &models.Post{
		ID:       id,
		Platform: models.PlatformTwitter,
		Text:     "scraped content",
		URL:      fmt.Sprintf("https://twitter.com/ctk/status/%s", id),
	}
	p.Extra.FetchTier = "scrape"
	return p
}

func fastOptions() Options {
	return Options{Retries: 3, RetryBaseDelay: time.Millisecond}
}

func newTestCoordinator(scraper ScrapeAdapter, secondary SecondaryAdapter, store Store) *Coordinator {
	if secondary == nil {
		secondary = &fakeSecondary{err: errors.New("unused")}
	}
	if store == nil {
		store = &fakeFetchStore{}
	}
	return NewCoordinator(scraper, secondary, nil, store, fastOptions())
}

func srcConfig() *models.SourceConfig {
	return &models.SourceConfig{
		ID:               "src",
		Platform:         models.PlatformTwitter,
		ScreenName:       "ctk",
		NitterProcessing: models.NitterConfig{Enabled: true},
	}
}

func TestFetchPostPrimarySuccess(t *testing.T) {
	scraper := &scriptedScraper{results: []func() (*models.Post, error){
		func() (*models.Post, error) { return scrapePost("100"), nil },
	}}
	c := newTestCoordinator(scraper, nil, nil)

	res, err := c.FetchPost(context.Background(), srcConfig(), "100", "ctk", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Post)
	assert.Equal(t, "scrape", res.Post.Extra.FetchTier)
	assert.Equal(t, 1, scraper.calls)
}

func TestFetchPostRetriesTransientFailures(t *testing.T) {
	scraper := &scriptedScraper{results: []func() (*models.Post, error){
		func() (*models.Post, error) { return nil, errors.New("timeout") },
		func() (*models.Post, error) { return nil, nil }, // degraded page
		func() (*models.Post, error) { return scrapePost("100"), nil },
	}}
	c := newTestCoordinator(scraper, nil, nil)

	res, err := c.FetchPost(context.Background(), srcConfig(), "100", "ctk", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Post)
	assert.Equal(t, 3, scraper.calls)
}

func TestFetchPostNotFoundShortCircuits(t *testing.T) {
	scraper := &scriptedScraper{results: []func() (*models.Post, error){
		func() (*models.Post, error) { return nil, fmt.Errorf("%w: deleted", api.ErrNotFound) },
	}}
	secondary := &fakeSecondary{post: &models.Post{ID: "100"}}
	c := newTestCoordinator(scraper, secondary, nil)

	res, err := c.FetchPost(context.Background(), srcConfig(), "100", "ctk", &models.Post{ID: "100"})
	require.NoError(t, err)
	assert.Nil(t, res.Post, "a definitively deleted post must not fall through to lower tiers")
	assert.Equal(t, 1, scraper.calls, "not-found must not be retried")
	assert.Zero(t, secondary.calls)
}

func TestFetchPostFallsBackToSecondary(t *testing.T) {
	scraper := &scriptedScraper{results: []func() (*models.Post, error){
		func() (*models.Post, error) { return nil, errors.New("instance down") },
		func() (*models.Post, error) { return nil, errors.New("instance down") },
		func() (*models.Post, error) { return nil, errors.New("instance down") },
	}}
	secondaryPost := &models.Post{ID: "100", Text: "api content"}
	secondaryPost.Extra.FetchTier = "syndication"
	secondary := &fakeSecondary{post: secondaryPost}
	c := newTestCoordinator(scraper, secondary, nil)

	fallback := &models.Post{
		ID:         "100",
		IsRepost:   true,
		RepostedBy: "ctk",
		HasVideo:   true,
	}
	res, err := c.FetchPost(context.Background(), srcConfig(), "100", "ctk", fallback)
	require.NoError(t, err)
	require.NotNil(t, res.Post)
	assert.Equal(t, "api content", res.Post.Text)
	assert.Equal(t, "syndication", res.Post.Extra.FetchTier)
	// Classification comes from the fallback, content from the API.
	assert.True(t, res.Post.IsRepost)
	assert.Equal(t, "ctk", res.Post.RepostedBy)
	assert.True(t, res.Post.HasVideo)
}

func TestFetchPostUsesFallbackTier(t *testing.T) {
	scraper := &scriptedScraper{results: []func() (*models.Post, error){
		func() (*models.Post, error) { return nil, errors.New("down") },
		func() (*models.Post, error) { return nil, errors.New("down") },
		func() (*models.Post, error) { return nil, errors.New("down") },
	}}
	secondary := &fakeSecondary{err: errors.New("api down too")}
	c := newTestCoordinator(scraper, secondary, nil)

	fallback := &models.Post{ID: "100", Text: "degraded text"}
	res, err := c.FetchPost(context.Background(), srcConfig(), "100", "ctk", fallback)
	require.NoError(t, err)
	require.NotNil(t, res.Post)
	assert.Equal(t, "degraded text", res.Post.Text)
	assert.Equal(t, "fallback", res.Post.Extra.FetchTier)
}

func TestFetchPostAllTiersMiss(t *testing.T) {
	scraper := &scriptedScraper{results: []func() (*models.Post, error){
		func() (*models.Post, error) { return nil, nil },
		func() (*models.Post, error) { return nil, nil },
		func() (*models.Post, error) { return nil, nil },
	}}
	secondary := &fakeSecondary{err: errors.New("down")}
	c := newTestCoordinator(scraper, secondary, nil)

	res, err := c.FetchPost(context.Background(), srcConfig(), "100", "ctk", nil)
	require.NoError(t, err)
	assert.Nil(t, res.Post)
}

func TestFetchPostSkipsDisabledScrapeTier(t *testing.T) {
	scraper := &scriptedScraper{}
	secondary := &fakeSecondary{post: &models.Post{ID: "100", Text: "api content"}}
	c := newTestCoordinator(scraper, secondary, nil)

	src := srcConfig()
	src.NitterProcessing.Enabled = false
	res, err := c.FetchPost(context.Background(), src, "100", "ctk", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Post)
	assert.Zero(t, scraper.calls)
	assert.Equal(t, "api content", res.Post.Text)
}

type threadFakeAdapter struct{}

func (threadFakeAdapter) FetchPost(ctx context.Context, username, id string) (*models.Post, error) {
	return nil, errors.New("unused")
}

func (threadFakeAdapter) FetchContextPage(ctx context.Context, username, id string) (string, error) {
	return "", nil
}

type threadFakePublisher struct{}

func (threadFakePublisher) Publish(ctx context.Context, text string, mediaIDs []string, visibility, inReplyToID string) (string, error) {
	return "", errors.New("unused")
}

func (threadFakePublisher) UploadMediaParallel(ctx context.Context, media []models.Media) ([]string, error) {
	return nil, nil
}

type threadFakeStore struct{}

func (threadFakeStore) FindByPostID(sourceID, postID string) (*models.PublishedPost, error) {
	return nil, nil
}

func (threadFakeStore) MarkPublished(sourceID, postID, url, publishedID, platformURI string) error {
	return nil
}

func TestFetchWithThreadingHonorsDisabledScrapeTier(t *testing.T) {
	scraper := &scriptedScraper{}
	secondary := &fakeSecondary{post: &models.Post{ID: "100", Text: "api content"}}
	registry := thread.NewRegistry(threadFakeAdapter{}, threadFakePublisher{}, threadFakeStore{})
	c := NewCoordinator(scraper, secondary, registry, &fakeFetchStore{}, fastOptions())

	src := srcConfig()
	src.NitterProcessing.Enabled = false
	src.ThreadHandling.Enabled = true

	res, err := c.FetchPost(context.Background(), src, "100", "ctk", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Post)
	assert.Zero(t, scraper.calls, "the scrape tier stays off even on the threading path")
	assert.Equal(t, "api content", res.Post.Text)
}

func TestReplyTargetResolution(t *testing.T) {
	post := scrapePost("100")
	post.IsReply = true
	scraper := &scriptedScraper{results: []func() (*models.Post, error){
		func() (*models.Post, error) { return post, nil },
	}}
	store := &fakeFetchStore{latest: "mst-9"}
	c := newTestCoordinator(scraper, nil, store)

	res, err := c.FetchPost(context.Background(), srcConfig(), "100", "ctk", nil)
	require.NoError(t, err)
	assert.Equal(t, "mst-9", res.ReplyToID)
}

func TestReplyTargetNotResolvedForStandalonePosts(t *testing.T) {
	scraper := &scriptedScraper{results: []func() (*models.Post, error){
		func() (*models.Post, error) { return scrapePost("100"), nil },
	}}
	store := &fakeFetchStore{latest: "mst-9"}
	c := newTestCoordinator(scraper, nil, store)

	res, err := c.FetchPost(context.Background(), srcConfig(), "100", "ctk", nil)
	require.NoError(t, err)
	assert.Empty(t, res.ReplyToID)
	assert.Zero(t, store.calls)
}

func TestReplyTargetCached(t *testing.T) {
	store := &fakeFetchStore{latest: "mst-9"}
	c := newTestCoordinator(&scriptedScraper{}, nil, store)
	c.NoteReplyTarget("src", "mst-42")

	post := scrapePost("100")
	post.IsThreadPost = true
	assert.Equal(t, "mst-42", c.resolveReplyTarget("src", post))
	assert.Zero(t, store.calls, "cached target must not hit the store")
}
