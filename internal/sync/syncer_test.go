package sync

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zpravobot/internal/config"
	"zpravobot/internal/fetch"
	"zpravobot/internal/models"
)

type fakeSyncStore struct {
	sources  []*models.SourceConfig
	cursor   map[string]string
	advanced []string
	skips    map[string]string
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{
		cursor: make(map[string]string),
		skips:  make(map[string]string),
	}
}

func (f *fakeSyncStore) ListSources() ([]*models.SourceConfig, error) {
	return f.sources, nil
}

func (f *fakeSyncStore) GetSource(id string) (*models.SourceConfig, error) {
	for _, src := range f.sources {
		if src.ID == id {
			return src, nil
		}
	}
	return nil, nil
}

func (f *fakeSyncStore) GetLastCheckedPostID(sourceID string) (sql.NullString, error) {
	id, ok := f.cursor[sourceID]
	return sql.NullString{String: id, Valid: ok}, nil
}

func (f *fakeSyncStore) UpdateLastCheckedPostID(sourceID, postID string) error {
	f.cursor[sourceID] = postID
	f.advanced = append(f.advanced, postID)
	return nil
}

func (f *fakeSyncStore) LogSkip(sourceID, postID, reason string) error {
	f.skips[sourceID+"/"+postID] = reason
	return nil
}

func (f *fakeSyncStore) CleanupEditBuffer(retention time.Duration) (int64, error) {
	return 0, nil
}

type fakeTimeline struct {
	ids []string
}

func (f *fakeTimeline) FetchLatestIDs(ctx context.Context, username, sinceID string) ([]string, error) {
	return f.ids, nil
}

type fakeCascade struct {
	err       error
	returnNil bool
	noted     []string
}

func (f *fakeCascade) FetchPost(ctx context.Context, src *models.SourceConfig, postID, username string, fallback *models.Post) (*fetch.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.returnNil {
		return &fetch.Result{}, nil
	}
	post := &models.Post{
		ID:       postID,
		Platform: models.PlatformTwitter,
		Text:     "content",
		Author:   models.Author{Username: username},
	}
	return &fetch.Result{Post: post}, nil
}

func (f *fakeCascade) NoteReplyTarget(sourceID, publishedID string) {
	f.noted = append(f.noted, publishedID)
}

type fakeProcessor struct {
	cancel    context.CancelFunc // fired during the first Process call
	processed []string
	ctxErrs   []error
}

func (f *fakeProcessor) Process(ctx context.Context, pctx *models.ProcessingContext) models.ProcessingResult {
	f.processed = append(f.processed, pctx.PostID)
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return models.Published("mst-" + pctx.PostID)
}

func syncTestSource() *models.SourceConfig {
	return &models.SourceConfig{
		ID:         "src",
		Platform:   models.PlatformTwitter,
		ScreenName: "ctk",
	}
}

func newTestSyncer(store *fakeSyncStore, timeline *fakeTimeline, cascade *fakeCascade, proc *fakeProcessor) *Syncer {
	return NewSyncer(store, nil, timeline, cascade, proc, nil, &config.Config{})
}

func TestSyncShutdownFinishesInFlightPost(t *testing.T) {
	store := newFakeSyncStore()
	store.cursor["src"] = "100"
	cascade := &fakeCascade{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The shutdown signal arrives while the first post is mid-processing.
	proc := &fakeProcessor{cancel: cancel}

	s := newTestSyncer(store, &fakeTimeline{ids: []string{"101", "102"}}, cascade, proc)
	s.syncSource(ctx, syncTestSource())

	require.Equal(t, []string{"101"}, proc.processed, "shutdown stops the loop between posts, not mid-post")
	assert.NoError(t, proc.ctxErrs[0], "the in-flight post runs on a context the shutdown cannot cancel")
	assert.Equal(t, []string{"101"}, store.advanced, "only the completed post moves the cursor")
	assert.Equal(t, []string{"mst-101"}, cascade.noted)
}

func TestSyncCascadeAbortLeavesCursor(t *testing.T) {
	store := newFakeSyncStore()
	store.cursor["src"] = "100"
	cascade := &fakeCascade{err: errors.New("connection reset")}
	proc := &fakeProcessor{}

	s := newTestSyncer(store, &fakeTimeline{ids: []string{"101"}}, cascade, proc)
	s.syncSource(context.Background(), syncTestSource())

	assert.Empty(t, proc.processed)
	assert.Empty(t, store.advanced, "an aborted fetch is retried next cycle, not lost")
}

func TestSyncUnfetchablePostIsSkippedDurably(t *testing.T) {
	store := newFakeSyncStore()
	store.cursor["src"] = "100"
	cascade := &fakeCascade{returnNil: true}
	proc := &fakeProcessor{}

	s := newTestSyncer(store, &fakeTimeline{ids: []string{"101"}}, cascade, proc)
	s.syncSource(context.Background(), syncTestSource())

	assert.Equal(t, "unfetchable", store.skips["src/101"])
	assert.Equal(t, []string{"101"}, store.advanced, "a durable skip is a terminal outcome")
}

func TestSyncFirstSyncBaselinesAtNewest(t *testing.T) {
	store := newFakeSyncStore()
	cascade := &fakeCascade{}
	proc := &fakeProcessor{}

	s := newTestSyncer(store, &fakeTimeline{ids: []string{"101", "102", "103"}}, cascade, proc)
	s.syncSource(context.Background(), syncTestSource())

	assert.Empty(t, proc.processed, "pre-onboarding posts are not mirrored")
	assert.Equal(t, "103", store.cursor["src"])
}
