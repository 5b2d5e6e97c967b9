package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zpravobot/internal/api"
	"zpravobot/internal/editdetect"
	"zpravobot/internal/filter"
	"zpravobot/internal/models"
)

type publishCall struct {
	Text      string
	MediaIDs  []string
	InReplyTo string
}

type fakePublisher struct {
	publishes  []publishCall
	updates    []string
	deletes    []string
	nextID     int
	publishErr map[int]error // keyed by publish call index
	updateErr  error
	uploadErr  error
}

func (f *fakePublisher) Publish(ctx context.Context, text string, mediaIDs []string, visibility, inReplyToID string) (string, error) {
	idx := len(f.publishes)
	f.publishes = append(f.publishes, publishCall{text, mediaIDs, inReplyToID})
	if err := f.publishErr[idx]; err != nil {
		return "", err
	}
	f.nextID++
	return fmt.Sprintf("mst-%d", f.nextID), nil
}

func (f *fakePublisher) UpdateStatus(ctx context.Context, id, text string, mediaIDs []string) (string, error) {
	if f.updateErr != nil {
		return "", f.updateErr
	}
	f.updates = append(f.updates, id)
	return id, nil
}

func (f *fakePublisher) DeleteStatus(ctx context.Context, id string) error {
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakePublisher) UploadMediaParallel(ctx context.Context, media []models.Media) ([]string, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	ids := make([]string, len(media))
	for i := range media {
		ids[i] = fmt.Sprintf("media-%d", i)
	}
	return ids, nil
}

type fakeFormatter struct{}

func (fakeFormatter) Format(post *models.Post) (string, error) {
	text := post.Text
	if post.URL != "" {
		text += "\n\n🔗 " + post.URL
	}
	return text, nil
}

type fakePipelineStore struct {
	published  map[string]bool
	skips      map[string]string
	marked     []string
	updated    []string
	buffered   []*models.EditBufferEntry
	superseded []string
}

func newFakeStore() *fakePipelineStore {
	return &fakePipelineStore{
		published: make(map[string]bool),
		skips:     make(map[string]string),
	}
}

func key(sourceID, postID string) string { return sourceID + "/" + postID }

func (f *fakePipelineStore) IsPublished(sourceID, postID string) (bool, error) {
	return f.published[key(sourceID, postID)], nil
}

func (f *fakePipelineStore) FindSkip(sourceID, postID string) (string, bool, error) {
	reason, ok := f.skips[key(sourceID, postID)]
	return reason, ok, nil
}

func (f *fakePipelineStore) LogSkip(sourceID, postID, reason string) error {
	f.skips[key(sourceID, postID)] = reason
	return nil
}

func (f *fakePipelineStore) MarkPublished(sourceID, postID, url, publishedID, platformURI string) error {
	f.published[key(sourceID, postID)] = true
	f.marked = append(f.marked, postID)
	return nil
}

func (f *fakePipelineStore) MarkUpdated(publishedID, newPostID string) error {
	f.updated = append(f.updated, publishedID)
	return nil
}

func (f *fakePipelineStore) AddToEditBuffer(entry *models.EditBufferEntry) error {
	f.buffered = append(f.buffered, entry)
	return nil
}

func (f *fakePipelineStore) UpdateEditBufferPublishedID(sourceID, postID, publishedID string) error {
	for _, e := range f.buffered {
		if e.SourceID == sourceID && e.PostID == postID {
			e.PublishedID = sql.NullString{String: publishedID, Valid: true}
		}
	}
	return nil
}

func (f *fakePipelineStore) MarkEditSuperseded(sourceID, postID string) error {
	f.superseded = append(f.superseded, postID)
	return nil
}

type fakeDetector struct {
	result *editdetect.Result
	calls  int
}

func (f *fakeDetector) CheckForEdit(sourceID, postID, username, text string) *editdetect.Result {
	f.calls++
	if f.result == nil {
		return &editdetect.Result{Action: editdetect.ActionPublishNew}
	}
	return f.result
}

func twitterPost(id, text string) *models.Post {
	return &models.Post{
		ID:       id,
		Platform: models.PlatformTwitter,
		Text:     text,
		URL:      fmt.Sprintf("https://twitter.com/ctk/status/%s", id),
		Author:   models.Author{Username: "ctk"},
	}
}

func twitterSource() *models.SourceConfig {
	return &models.SourceConfig{
		ID:         "src",
		Platform:   models.PlatformTwitter,
		ScreenName: "ctk",
	}
}

func newTestPipeline(pub *fakePublisher, store *fakePipelineStore, det EditDetector) *Pipeline {
	return New(pub, fakeFormatter{}, store, det)
}

func TestProcessPublishesNewPost(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	p := newTestPipeline(pub, store, &fakeDetector{})

	res := p.Process(context.Background(), models.NewProcessingContext(twitterPost("100", "hello world"), twitterSource(), ""))

	assert.Equal(t, models.StatusPublished, res.Status)
	assert.Equal(t, "mst-1", res.PublishedID)
	require.Len(t, pub.publishes, 1)
	assert.Contains(t, pub.publishes[0].Text, "hello world")
	assert.Equal(t, []string{"100"}, store.marked)
	require.Len(t, store.buffered, 1)
	assert.Equal(t, "mst-1", store.buffered[0].PublishedID.String)
}

func TestProcessIsIdempotent(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	p := newTestPipeline(pub, store, &fakeDetector{})
	pctx := models.NewProcessingContext(twitterPost("100", "hello world"), twitterSource(), "")

	first := p.Process(context.Background(), pctx)
	second := p.Process(context.Background(), pctx)

	assert.Equal(t, models.StatusPublished, first.Status)
	assert.Equal(t, models.StatusSkipped, second.Status)
	assert.Equal(t, SkipAlreadyPublished, second.SkipReason)
	assert.Len(t, pub.publishes, 1, "a replayed post must not publish twice")
}

func TestProcessSkipRecallsStoredReason(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	store.skips[key("src", "100")] = SkipBannedPhrase
	p := newTestPipeline(pub, store, &fakeDetector{})

	res := p.Process(context.Background(), models.NewProcessingContext(twitterPost("100", "x"), twitterSource(), ""))
	assert.Equal(t, models.StatusSkipped, res.Status)
	assert.Equal(t, SkipBannedPhrase, res.SkipReason)
	assert.Empty(t, pub.publishes)
}

func TestProcessFiltersReposts(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	p := newTestPipeline(pub, store, &fakeDetector{})

	post := twitterPost("100", "retweeted content")
	post.IsRepost = true
	src := twitterSource()
	src.Filtering.SkipRetweets = true

	res := p.Process(context.Background(), models.NewProcessingContext(post, src, ""))
	assert.Equal(t, models.StatusSkipped, res.Status)
	assert.Equal(t, SkipRepost, res.SkipReason)
	// The decision is durable.
	assert.Equal(t, SkipRepost, store.skips[key("src", "100")])
}

func TestProcessThreadContinuationSurvivesReplyFilter(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	p := newTestPipeline(pub, store, &fakeDetector{})

	post := twitterPost("100", "part two")
	post.IsReply = true
	post.IsThreadPost = true
	src := twitterSource()
	src.Filtering.SkipReplies = true

	res := p.Process(context.Background(), models.NewProcessingContext(post, src, "mst-1"))
	assert.Equal(t, models.StatusPublished, res.Status)
	require.Len(t, pub.publishes, 1)
	assert.Equal(t, "mst-1", pub.publishes[0].InReplyTo)
}

func TestProcessBannedPhrase(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	p := newTestPipeline(pub, store, &fakeDetector{})

	src := twitterSource()
	src.Filtering.BannedPhrases = []filter.Rule{{Type: filter.TypeLiteral, Pattern: "giveaway"}}

	res := p.Process(context.Background(), models.NewProcessingContext(twitterPost("100", "big GIVEAWAY now"), src, ""))
	assert.Equal(t, models.StatusSkipped, res.Status)
	assert.Equal(t, SkipBannedPhrase, res.SkipReason)
}

func TestProcessRequiredKeywordMissing(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	p := newTestPipeline(pub, store, &fakeDetector{})

	src := twitterSource()
	src.Filtering.RequiredKeywords = []filter.Rule{{Type: filter.TypeLiteral, Pattern: "praha"}}

	res := p.Process(context.Background(), models.NewProcessingContext(twitterPost("100", "news from elsewhere"), src, ""))
	assert.Equal(t, models.StatusSkipped, res.Status)
	assert.Equal(t, SkipMissingKeyword, res.SkipReason)
}

func TestProcessOlderVersionSkipped(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	det := &fakeDetector{result: &editdetect.Result{
		Action:         editdetect.ActionSkipOlderVersion,
		OriginalPostID: "105",
		PublishedID:    "mst-1",
	}}
	p := newTestPipeline(pub, store, det)

	res := p.Process(context.Background(), models.NewProcessingContext(twitterPost("100", "old text"), twitterSource(), ""))
	assert.Equal(t, models.StatusSkipped, res.Status)
	assert.Equal(t, SkipOlderVersion, res.SkipReason)
	assert.Equal(t, SkipOlderVersion, store.skips[key("src", "100")])
	assert.Empty(t, pub.publishes)
}

func TestProcessEditUpdatesInPlace(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	det := &fakeDetector{result: &editdetect.Result{
		Action:         editdetect.ActionUpdateExisting,
		OriginalPostID: "100",
		PublishedID:    "mst-1",
		Similarity:     0.93,
	}}
	p := newTestPipeline(pub, store, det)

	res := p.Process(context.Background(), models.NewProcessingContext(twitterPost("105", "corrected text"), twitterSource(), ""))
	assert.Equal(t, models.StatusPublished, res.Status)
	assert.Equal(t, "mst-1", res.PublishedID)
	assert.Equal(t, []string{"mst-1"}, pub.updates)
	assert.Empty(t, pub.publishes)
	assert.Equal(t, []string{"mst-1"}, store.updated)
	assert.Equal(t, []string{"100"}, store.superseded)
}

func TestProcessEditFallsBackToFreshPublish(t *testing.T) {
	pub := &fakePublisher{updateErr: fmt.Errorf("%w: refused", api.ErrEditNotAllowed)}
	store := newFakeStore()
	det := &fakeDetector{result: &editdetect.Result{
		Action:         editdetect.ActionUpdateExisting,
		OriginalPostID: "100",
		PublishedID:    "mst-1",
	}}
	p := newTestPipeline(pub, store, det)

	res := p.Process(context.Background(), models.NewProcessingContext(twitterPost("105", "corrected text"), twitterSource(), ""))
	assert.Equal(t, models.StatusPublished, res.Status)
	require.Len(t, pub.publishes, 1)
	assert.Contains(t, pub.publishes[0].Text, "corrected text")
	assert.Equal(t, []string{"100"}, store.superseded)
}

func TestProcessEditWithMediaDeletesAndRepublishes(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	det := &fakeDetector{result: &editdetect.Result{
		Action:         editdetect.ActionUpdateExisting,
		OriginalPostID: "100",
		PublishedID:    "mst-1",
	}}
	p := newTestPipeline(pub, store, det)

	post := twitterPost("105", "now with a picture")
	post.Media = []models.Media{{Type: models.MediaImage, URL: "https://img.example/a.jpg"}}

	res := p.Process(context.Background(), models.NewProcessingContext(post, twitterSource(), ""))
	assert.Equal(t, models.StatusPublished, res.Status)
	assert.Equal(t, []string{"mst-1"}, pub.deletes)
	require.Len(t, pub.publishes, 1)
	assert.Equal(t, []string{"media-0"}, pub.publishes[0].MediaIDs)
	assert.Empty(t, pub.updates)
	assert.Equal(t, []string{"100"}, store.superseded)
}

func TestProcessEditIntroducingBannedPhraseRemovesStatus(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	det := &fakeDetector{result: &editdetect.Result{
		Action:         editdetect.ActionUpdateExisting,
		OriginalPostID: "100",
		PublishedID:    "mst-1",
	}}
	p := newTestPipeline(pub, store, det)

	src := twitterSource()
	src.Filtering.BannedPhrases = []filter.Rule{{Type: filter.TypeLiteral, Pattern: "giveaway"}}

	res := p.Process(context.Background(), models.NewProcessingContext(twitterPost("105", "edited into a giveaway"), src, ""))
	assert.Equal(t, models.StatusSkipped, res.Status)
	assert.Equal(t, SkipBannedPhrase, res.SkipReason)
	assert.Empty(t, pub.updates, "a filtered edit must not be applied")
	assert.Equal(t, []string{"mst-1"}, pub.deletes, "the stale status comes down")
	assert.Equal(t, SkipBannedPhrase, store.skips[key("src", "105")])
	assert.Equal(t, []string{"100"}, store.superseded)
}

func TestProcessStampsPublishedIDOntoBufferEntry(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	p := newTestPipeline(pub, store, &fakeDetector{})

	res := p.Process(context.Background(), models.NewProcessingContext(twitterPost("100", "hello"), twitterSource(), ""))
	require.Equal(t, models.StatusPublished, res.Status)

	// The entry is buffered before publishing (without an id) and the id
	// is set afterwards, so a crash between the two leaves a matchable
	// same-batch entry rather than none.
	require.Len(t, store.buffered, 1)
	assert.True(t, store.buffered[0].PublishedID.Valid)
	assert.Equal(t, res.PublishedID, store.buffered[0].PublishedID.String)
}

func TestProcessNewVersionSupersedesUnpublishedBufferEntry(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	det := &fakeDetector{result: &editdetect.Result{
		Action:           editdetect.ActionPublishNew,
		OriginalPostID:   "100",
		SupersededPostID: "100",
	}}
	p := newTestPipeline(pub, store, det)

	res := p.Process(context.Background(), models.NewProcessingContext(twitterPost("105", "newest version"), twitterSource(), ""))
	assert.Equal(t, models.StatusPublished, res.Status)
	assert.Equal(t, []string{"100"}, store.superseded)
}

func TestProcessEditDetectionSkippedForBluesky(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	det := &fakeDetector{}
	p := newTestPipeline(pub, store, det)

	post := &models.Post{
		ID:       "at://did:plc:x/app.bsky.feed.post/3labc",
		Platform: models.PlatformBluesky,
		Text:     "bluesky post",
		Author:   models.Author{Username: "ctk.bsky.social"},
	}
	src := &models.SourceConfig{ID: "bsrc", Platform: models.PlatformBluesky, ScreenName: "ctk.bsky.social"}

	res := p.Process(context.Background(), models.NewProcessingContext(post, src, ""))
	assert.Equal(t, models.StatusPublished, res.Status)
	assert.Zero(t, det.calls, "bluesky edits arrive in place; the detector must not run")
	assert.Empty(t, store.buffered)
}

func TestProcessGoneReplyTargetRetriesStandalone(t *testing.T) {
	pub := &fakePublisher{publishErr: map[int]error{
		0: fmt.Errorf("%w: parent deleted", api.ErrNotFound),
	}}
	store := newFakeStore()
	p := newTestPipeline(pub, store, &fakeDetector{})

	res := p.Process(context.Background(), models.NewProcessingContext(twitterPost("100", "reply text"), twitterSource(), "mst-gone"))
	assert.Equal(t, models.StatusPublished, res.Status)
	require.Len(t, pub.publishes, 2)
	assert.Equal(t, "mst-gone", pub.publishes[0].InReplyTo)
	assert.Empty(t, pub.publishes[1].InReplyTo)
}

func TestProcessMediaUploadFailureDegradesToTextOnly(t *testing.T) {
	pub := &fakePublisher{uploadErr: errors.New("all uploads failed")}
	store := newFakeStore()
	p := newTestPipeline(pub, store, &fakeDetector{})

	post := twitterPost("100", "with media")
	post.Media = []models.Media{{Type: models.MediaImage, URL: "https://img.example/a.jpg"}}

	res := p.Process(context.Background(), models.NewProcessingContext(post, twitterSource(), ""))
	assert.Equal(t, models.StatusPublished, res.Status)
	require.Len(t, pub.publishes, 1)
	assert.Empty(t, pub.publishes[0].MediaIDs)
}

func TestProcessAppliesReplacementsAndPreservesPermalink(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	p := newTestPipeline(pub, store, &fakeDetector{})

	src := twitterSource()
	src.Processing.ContentReplacements = []filter.Replacement{
		{Pattern: "twitter", Replacement: "X", CaseInsensitive: true},
	}
	post := twitterPost("100", "Twitter rebranded again")

	res := p.Process(context.Background(), models.NewProcessingContext(post, src, ""))
	require.Equal(t, models.StatusPublished, res.Status)
	text := pub.publishes[0].Text
	assert.Contains(t, text, "X rebranded again")
	// The permalink tail is exempt from replacement.
	assert.Contains(t, text, "🔗 https://twitter.com/ctk/status/100")
}

func TestProcessTrimsToSourceBudget(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	p := newTestPipeline(pub, store, &fakeDetector{})

	src := twitterSource()
	src.Processing.MaxLength = 80
	src.Processing.TrimStrategy = "word"
	long := "word " // 5 runes per repetition
	for i := 0; i < 6; i++ {
		long += long
	}
	post := twitterPost("100", long)

	res := p.Process(context.Background(), models.NewProcessingContext(post, src, ""))
	require.Equal(t, models.StatusPublished, res.Status)
	text := pub.publishes[0].Text
	assert.LessOrEqual(t, len([]rune(text)), 80)
	assert.Contains(t, text, "🔗 https://twitter.com/ctk/status/100", "the permalink survives trimming")
}

func TestProcessContainsPanics(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	p := newTestPipeline(pub, store, &fakeDetector{})

	// A nil post panics inside the formatter path; the pipeline must turn
	// that into a failed result instead of crashing the scheduler.
	pctx := &models.ProcessingContext{Source: twitterSource(), SourceID: "src", PostID: "100", Platform: models.PlatformTwitter}
	res := p.Process(context.Background(), pctx)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Contains(t, res.Err, "panic")
}
