// Package sync drives the periodic mirror cycle: it discovers new posts
// per configured source and feeds them, in causal order, through the
// processing pipeline. Firehose hints shortcut the wait for the next tick
// but never bypass the regular discovery path.
package sync

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"zpravobot/internal/config"
	"zpravobot/internal/fetch"
	"zpravobot/internal/firehose"
	"zpravobot/internal/logging"
	"zpravobot/internal/models"
)

// Store is the slice of the state store the scheduler needs.
type Store interface {
	ListSources() ([]*models.SourceConfig, error)
	GetSource(id string) (*models.SourceConfig, error)
	GetLastCheckedPostID(sourceID string) (sql.NullString, error)
	UpdateLastCheckedPostID(sourceID, postID string) error
	LogSkip(sourceID, postID, reason string) error
	CleanupEditBuffer(retention time.Duration) (int64, error)
}

// BlueskyAPI is the author-feed source surface.
type BlueskyAPI interface {
	FetchPosts(ctx context.Context, actor, since string) ([]*models.Post, error)
	ResolveDID(ctx context.Context, handle string) (string, error)
}

// TimelineAPI discovers new post ids for scraped sources.
type TimelineAPI interface {
	FetchLatestIDs(ctx context.Context, username, sinceID string) ([]string, error)
}

// Cascade is the tiered fetch surface.
type Cascade interface {
	FetchPost(ctx context.Context, src *models.SourceConfig, postID, username string, fallback *models.Post) (*fetch.Result, error)
	NoteReplyTarget(sourceID, publishedID string)
}

// Processor runs one post to a terminal outcome.
type Processor interface {
	Process(ctx context.Context, pctx *models.ProcessingContext) models.ProcessingResult
}

// Syncer handles the overall synchronization process.
type Syncer struct {
	DB          Store
	Bluesky     BlueskyAPI
	Nitter      TimelineAPI
	Coordinator Cascade
	Pipeline    Processor
	Firehose    *firehose.Subscriber // optional
	Config      *config.Config

	didCache map[string]string // handle -> DID, for firehose registration
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(db Store, bluesky BlueskyAPI, nitter TimelineAPI, coordinator Cascade, pipe Processor, fh *firehose.Subscriber, cfg *config.Config) *Syncer {
	return &Syncer{
		DB:          db,
		Bluesky:     bluesky,
		Nitter:      nitter,
		Coordinator: coordinator,
		Pipeline:    pipe,
		Firehose:    fh,
		Config:      cfg,
		didCache:    make(map[string]string),
	}
}

// Run starts the synchronization loop. Blocks until the context is
// cancelled.
func (s *Syncer) Run(ctx context.Context) {
	logging.Info("Starting initial sync cycle...")
	s.runSyncCycle(ctx)

	ticker := time.NewTicker(s.Config.SyncInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(s.Config.CleanupInterval)
	defer cleanup.Stop()

	var hints <-chan firehose.Hint
	if s.Firehose != nil {
		hints = s.Firehose.Hints()
	}

	for {
		select {
		case <-ticker.C:
			s.runSyncCycle(ctx)
		case hint := <-hints:
			s.handleHint(ctx, hint)
		case <-cleanup.C:
			s.runCleanup()
		case <-ctx.Done():
			logging.Info("Stopping syncer due to context cancellation.")
			return
		}
	}
}

// runSyncCycle performs one full pass over all configured sources.
// Sources run concurrently; posts within a source stay strictly ordered.
func (s *Syncer) runSyncCycle(ctx context.Context) {
	sources, err := s.DB.ListSources()
	if err != nil {
		logging.Error("Sync cycle: failed to list sources: %v", err)
		return
	}
	if len(sources) == 0 {
		logging.Warn("Sync cycle: no sources configured.")
		return
	}

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src *models.SourceConfig) {
			defer wg.Done()
			s.syncSource(ctx, src)
		}(src)
	}
	wg.Wait()

	s.registerFirehoseSources(ctx, sources)

	if !s.Config.SuppressNoNewPostsLogs {
		logging.Info("Sync cycle finished.")
	}
}

// handleHint runs an immediate discovery pass for the hinted source. The
// hint's post id is deliberately not trusted directly; the regular
// discovery path owns ordering and dedup.
func (s *Syncer) handleHint(ctx context.Context, hint firehose.Hint) {
	src, err := s.DB.GetSource(hint.SourceID)
	if err != nil || src == nil {
		logging.Warn("Hint for unknown source %s: %v", hint.SourceID, err)
		return
	}
	logging.Debug("Firehose hint for %s, syncing early", hint.SourceID)
	s.syncSource(ctx, src)
}

func (s *Syncer) syncSource(ctx context.Context, src *models.SourceConfig) {
	switch src.Platform {
	case models.PlatformBluesky:
		s.syncBlueskySource(ctx, src)
	case models.PlatformTwitter:
		s.syncTwitterSource(ctx, src)
	default:
		logging.Warn("Source %s has unsupported platform %q", src.ID, src.Platform)
	}
}

// syncBlueskySource pulls the author feed directly; Bluesky ids are
// stable and content is complete, so no fetch cascade is involved.
func (s *Syncer) syncBlueskySource(ctx context.Context, src *models.SourceConfig) {
	lastChecked, err := s.DB.GetLastCheckedPostID(src.ID)
	if err != nil {
		logging.Error("Sync %s: failed to load baseline: %v", src.ID, err)
		return
	}

	since := ""
	if lastChecked.Valid {
		since = lastChecked.String
	}
	posts, err := s.Bluesky.FetchPosts(ctx, src.ScreenName, since)
	if err != nil {
		logging.Error("Sync %s: failed to fetch posts for @%s: %v", src.ID, src.ScreenName, err)
		return
	}

	if !lastChecked.Valid {
		s.setBaseline(src, newestBlueskyID(posts))
		return
	}
	if len(posts) == 0 {
		if !s.Config.SuppressNoNewPostsLogs {
			logging.Info("Sync %s: no new posts.", src.ID)
		}
		return
	}

	for _, post := range posts {
		if ctx.Err() != nil {
			return
		}
		// Shutdown is honored between posts only; a post that entered
		// processing runs to completion on a detached context.
		result := s.Pipeline.Process(context.WithoutCancel(ctx), models.NewProcessingContext(post, src, ""))
		s.logResult(src.ID, post.ID, result)
		s.advance(src.ID, post.ID)
	}
}

// syncTwitterSource discovers new post ids from the scraped timeline and
// resolves each through the fetch cascade.
func (s *Syncer) syncTwitterSource(ctx context.Context, src *models.SourceConfig) {
	lastChecked, err := s.DB.GetLastCheckedPostID(src.ID)
	if err != nil {
		logging.Error("Sync %s: failed to load baseline: %v", src.ID, err)
		return
	}

	since := ""
	if lastChecked.Valid {
		since = lastChecked.String
	}
	ids, err := s.Nitter.FetchLatestIDs(ctx, src.ScreenName, since)
	if err != nil {
		logging.Error("Sync %s: failed to list timeline for @%s: %v", src.ID, src.ScreenName, err)
		return
	}

	if !lastChecked.Valid {
		baseline := ""
		if len(ids) > 0 {
			baseline = ids[len(ids)-1]
		}
		s.setBaseline(src, baseline)
		return
	}
	if len(ids) == 0 {
		if !s.Config.SuppressNoNewPostsLogs {
			logging.Info("Sync %s: no new posts.", src.ID)
		}
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		// Same shutdown contract as the Bluesky path: the cursor moves
		// only past posts that reached a terminal outcome.
		if s.processTwitterPost(context.WithoutCancel(ctx), src, id, nil) {
			s.advance(src.ID, id)
		}
	}
}

// processTwitterPost runs the cascade and, when it yields content, the
// pipeline. A cascade miss is recorded durably so the id is not re-tried
// every cycle. Reports whether the post reached a terminal outcome; a
// cascade abort did not, and the id must be re-tried next cycle.
func (s *Syncer) processTwitterPost(ctx context.Context, src *models.SourceConfig, id string, fallback *models.Post) bool {
	res, err := s.Coordinator.FetchPost(ctx, src, id, src.ScreenName, fallback)
	if err != nil {
		logging.Error("Sync %s: fetch cascade for %s aborted: %v", src.ID, id, err)
		return false
	}
	if res.Post == nil {
		logging.Info("Sync %s: post %s unavailable on every tier, skipping", src.ID, id)
		if err := s.DB.LogSkip(src.ID, id, "unfetchable"); err != nil {
			logging.Warn("Sync %s: failed to log skip for %s: %v", src.ID, id, err)
		}
		return true
	}

	result := s.Pipeline.Process(ctx, models.NewProcessingContext(res.Post, src, res.ReplyToID))
	s.logResult(src.ID, id, result)
	if result.Status == models.StatusPublished {
		s.Coordinator.NoteReplyTarget(src.ID, result.PublishedID)
	}
	return true
}

// setBaseline records the newest seen id on a source's first sync so only
// posts made after onboarding are mirrored.
func (s *Syncer) setBaseline(src *models.SourceConfig, newest string) {
	if newest == "" {
		logging.Info("Sync %s: first sync, nothing to baseline yet.", src.ID)
		return
	}
	logging.Info("Sync %s: first sync, baselining at %s", src.ID, newest)
	if err := s.DB.UpdateLastCheckedPostID(src.ID, newest); err != nil {
		logging.Error("Sync %s: failed to store baseline: %v", src.ID, err)
	}
}

// advance moves the per-source cursor past a fully handled post. Called
// after every terminal outcome, including skips and failures; a failed
// post is not replayed forever.
func (s *Syncer) advance(sourceID, postID string) {
	if err := s.DB.UpdateLastCheckedPostID(sourceID, postID); err != nil {
		logging.Error("Sync %s: failed to advance cursor to %s: %v", sourceID, postID, err)
	}
}

func (s *Syncer) logResult(sourceID, postID string, result models.ProcessingResult) {
	switch result.Status {
	case models.StatusPublished:
		logging.Info("Sync %s: published %s as %s", sourceID, postID, result.PublishedID)
	case models.StatusSkipped:
		logging.Debug("Sync %s: skipped %s (%s)", sourceID, postID, result.SkipReason)
	case models.StatusFailed:
		logging.Error("Sync %s: failed to process %s: %s", sourceID, postID, result.Err)
	}
}

// registerFirehoseSources keeps the subscriber's DID filter in step with
// the configured Bluesky sources. Resolution failures leave a source on
// the polling path only.
func (s *Syncer) registerFirehoseSources(ctx context.Context, sources []*models.SourceConfig) {
	if s.Firehose == nil {
		return
	}

	dids := make(map[string]string)
	for _, src := range sources {
		if src.Platform != models.PlatformBluesky {
			continue
		}
		did, ok := s.didCache[src.ScreenName]
		if !ok {
			var err error
			did, err = s.Bluesky.ResolveDID(ctx, src.ScreenName)
			if err != nil {
				logging.Warn("Could not resolve DID for @%s: %v", src.ScreenName, err)
				continue
			}
			s.didCache[src.ScreenName] = did
		}
		dids[did] = src.ID
	}
	s.Firehose.SetSources(dids)
}

// runCleanup expires old edit-buffer rows.
func (s *Syncer) runCleanup() {
	n, err := s.DB.CleanupEditBuffer(s.Config.EditBufferRetention)
	if err != nil {
		logging.Error("Edit buffer cleanup failed: %v", err)
		return
	}
	if n > 0 {
		logging.Info("Edit buffer cleanup removed %d expired entries", n)
	}
}

func newestBlueskyID(posts []*models.Post) string {
	if len(posts) == 0 {
		return ""
	}
	// Posts arrive oldest first.
	return posts[len(posts)-1].ID
}
